// Package chatapi is the thin seam between the pipeline and the chat
// platform (spec.md §1 lists the chat client library as an external
// collaborator specified only by the surface it exposes: channel listing,
// history iteration, send-message, add/remove-reaction, and fetch-message).
// Client is implemented here on top of bwmarrin/discordgo (the teacher's
// declared, direct dependency); no discordgo usage exists anywhere else in
// the retrieved example corpus, so this file is written directly against
// discordgo's documented session API rather than adapted from a reference.
package chatapi

import (
	"context"
	"fmt"
	"io"

	"github.com/bwmarrin/discordgo"

	"github.com/quakearchive/demobot/internal/pipelineerr"
)

// Message is the subset of a chat message the pipeline inspects.
type Message struct {
	ID          string
	ChannelID   string
	Content     string
	Attachments []Attachment
}

// Attachment is a single file attached to a Message.
type Attachment struct {
	ID       string
	Filename string
	URL      string
}

// Channel identifies one text channel by its stable, human-readable name
// ("{guild}--{channel}", per spec.md §4.H) and platform id.
type Channel struct {
	ID   string
	Name string
}

// HistoryPage is one page of a channel's message history, oldest message
// first within the page.
type HistoryPage struct {
	Messages []Message
	Done     bool // true once no further pages remain
}

// Client is the chat-platform surface the pipeline consumes. Ready is
// invoked once, after the underlying session reports itself connected.
type Client interface {
	Connect(ctx context.Context, onReady func(ctx context.Context) error, onMessage func(ctx context.Context, msg Message) error) error
	Close() error

	AllChannels(ctx context.Context) ([]Channel, error)
	// HistoryAfter replays a channel's messages in batches, oldest first,
	// starting strictly after afterMessageID (empty string = from the
	// beginning). It stops once next returns false or the history is
	// exhausted.
	HistoryAfter(ctx context.Context, channelID, afterMessageID string, next func(HistoryPage) (keepGoing bool, err error)) error
	FetchMessage(ctx context.Context, channelID, messageID string) (Message, bool, error)

	SendMessage(ctx context.Context, channelID, content string, replyTo string) (Message, error)
	SendFile(ctx context.Context, channelID, content string, replyTo string, filename string, body io.Reader) (Message, error)
	AddReactions(ctx context.Context, channelID, messageID string, emoji []string) error
	RemoveAllReactions(ctx context.Context, channelID, messageID string) error

	SendDM(ctx context.Context, userID, content string) error
}

// DiscordClient implements Client on top of a discordgo.Session.
type DiscordClient struct {
	session *discordgo.Session
}

// NewDiscordClient builds a DiscordClient authenticated with token, which is
// passed to discordgo in its "Bot <token>" form.
func NewDiscordClient(token string) (*DiscordClient, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("chatapi: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
	return &DiscordClient{session: session}, nil
}

func (c *DiscordClient) Connect(ctx context.Context, onReady func(ctx context.Context) error, onMessage func(ctx context.Context, msg Message) error) error {
	readyErr := make(chan error, 1)
	c.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Ready) {
		readyErr <- onReady(ctx)
	})
	c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		_ = onMessage(ctx, fromDiscordMessage(m.Message))
	})

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("chatapi: open session: %w", err)
	}

	select {
	case err := <-readyErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *DiscordClient) Close() error {
	return c.session.Close()
}

func (c *DiscordClient) AllChannels(ctx context.Context) ([]Channel, error) {
	var out []Channel
	for _, guild := range c.session.State.Guilds {
		channels, err := c.session.GuildChannels(guild.ID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("chatapi: list channels for guild %s: %w", guild.ID, err)
		}
		for _, ch := range channels {
			if ch.Type != discordgo.ChannelTypeGuildText {
				continue
			}
			out = append(out, Channel{ID: ch.ID, Name: guild.Name + "--" + ch.Name})
		}
	}
	return out, nil
}

// historyPageSize matches discordgo's own 100-message request ceiling.
const historyPageSize = 100

func (c *DiscordClient) HistoryAfter(ctx context.Context, channelID, afterMessageID string, next func(HistoryPage) (bool, error)) error {
	after := afterMessageID
	if after == "" {
		// Without an "after" id the API returns the newest page; "0" starts
		// from the oldest message instead.
		after = "0"
	}
	for {
		batch, err := c.session.ChannelMessages(channelID, historyPageSize, "", after, "", discordgo.WithContext(ctx))
		if err != nil {
			if restErr, ok := err.(*discordgo.RESTError); ok && restErr.Response != nil && restErr.Response.StatusCode == 403 {
				return pipelineerr.ErrChannelForbidden
			}
			return fmt.Errorf("chatapi: history for channel %s: %w", channelID, err)
		}
		// discordgo returns newest-first; the pipeline wants oldest-first.
		for i, j := 0, len(batch)-1; i < j; i, j = i+1, j-1 {
			batch[i], batch[j] = batch[j], batch[i]
		}

		page := HistoryPage{Done: len(batch) < historyPageSize}
		for _, m := range batch {
			page.Messages = append(page.Messages, fromDiscordMessage(m))
		}

		keepGoing, err := next(page)
		if err != nil || !keepGoing || page.Done {
			return err
		}
		after = batch[len(batch)-1].ID
	}
}

func (c *DiscordClient) FetchMessage(ctx context.Context, channelID, messageID string) (Message, bool, error) {
	m, err := c.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		if restErr, ok := err.(*discordgo.RESTError); ok && restErr.Response != nil && restErr.Response.StatusCode == 404 {
			return Message{}, false, nil
		}
		return Message{}, false, fmt.Errorf("chatapi: fetch message %s/%s: %w", channelID, messageID, err)
	}
	return fromDiscordMessage(m), true, nil
}

func (c *DiscordClient) SendMessage(ctx context.Context, channelID, content string, replyTo string) (Message, error) {
	send := &discordgo.MessageSend{Content: content}
	if replyTo != "" {
		send.Reference = &discordgo.MessageReference{MessageID: replyTo, ChannelID: channelID}
	}
	m, err := c.session.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	if err != nil {
		return Message{}, fmt.Errorf("chatapi: send message to %s: %w", channelID, err)
	}
	return fromDiscordMessage(m), nil
}

func (c *DiscordClient) SendFile(ctx context.Context, channelID, content string, replyTo string, filename string, body io.Reader) (Message, error) {
	send := &discordgo.MessageSend{
		Content: content,
		Files:   []*discordgo.File{{Name: filename, Reader: body}},
	}
	if replyTo != "" {
		send.Reference = &discordgo.MessageReference{MessageID: replyTo, ChannelID: channelID}
	}
	m, err := c.session.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	if err != nil {
		return Message{}, fmt.Errorf("chatapi: send file to %s: %w", channelID, err)
	}
	return fromDiscordMessage(m), nil
}

func (c *DiscordClient) AddReactions(ctx context.Context, channelID, messageID string, emoji []string) error {
	for _, e := range emoji {
		if err := c.session.MessageReactionAdd(channelID, messageID, e, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("chatapi: add reaction %s: %w", e, err)
		}
	}
	return nil
}

func (c *DiscordClient) RemoveAllReactions(ctx context.Context, channelID, messageID string) error {
	if err := c.session.MessageReactionsRemoveAll(channelID, messageID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("chatapi: remove reactions on %s/%s: %w", channelID, messageID, err)
	}
	return nil
}

func (c *DiscordClient) SendDM(ctx context.Context, userID, content string) error {
	channel, err := c.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("chatapi: open dm with %s: %w", userID, err)
	}
	if _, err := c.session.ChannelMessageSend(channel.ID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("chatapi: send dm to %s: %w", userID, err)
	}
	return nil
}

func fromDiscordMessage(m *discordgo.Message) Message {
	out := Message{ID: m.ID, ChannelID: m.ChannelID, Content: m.Content}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, Attachment{ID: a.ID, Filename: a.Filename, URL: a.URL})
	}
	return out
}
