package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quakearchive/demobot/internal/analyzer"
	"github.com/quakearchive/demobot/internal/chatapi"
	"github.com/quakearchive/demobot/internal/mover"
	"github.com/quakearchive/demobot/internal/queueitem"
	"github.com/quakearchive/demobot/internal/registry"
	"github.com/quakearchive/demobot/internal/urlsx"
)

// fakeClient is a minimal chatapi.Client recording reactions and replies.
type fakeClient struct {
	channels []chatapi.Channel

	reactions map[string][]string
	replies   []string
}

func newFakeClient(channels []chatapi.Channel) *fakeClient {
	return &fakeClient{channels: channels, reactions: map[string][]string{}}
}

func (c *fakeClient) Connect(context.Context, func(context.Context) error, func(context.Context, chatapi.Message) error) error {
	return nil
}
func (c *fakeClient) Close() error { return nil }

func (c *fakeClient) AllChannels(context.Context) ([]chatapi.Channel, error) { return c.channels, nil }

func (c *fakeClient) HistoryAfter(context.Context, string, string, func(chatapi.HistoryPage) (bool, error)) error {
	return nil
}

func (c *fakeClient) FetchMessage(_ context.Context, _, messageID string) (chatapi.Message, bool, error) {
	return chatapi.Message{ID: messageID}, true, nil
}

func (c *fakeClient) SendMessage(_ context.Context, channelID, content string, replyTo string) (chatapi.Message, error) {
	c.replies = append(c.replies, content)
	return chatapi.Message{ID: "reply", ChannelID: channelID, Content: content}, nil
}

func (c *fakeClient) SendFile(_ context.Context, channelID, content string, _ string, _ string, _ io.Reader) (chatapi.Message, error) {
	return chatapi.Message{ID: "file-reply", ChannelID: channelID, Content: content}, nil
}

func (c *fakeClient) AddReactions(_ context.Context, _, messageID string, emoji []string) error {
	c.reactions[messageID] = append(c.reactions[messageID], emoji...)
	return nil
}

func (c *fakeClient) RemoveAllReactions(_ context.Context, _, messageID string) error {
	delete(c.reactions, messageID)
	return nil
}

func (c *fakeClient) SendDM(context.Context, string, string) error { return nil }

// fakeSubmitter records every submission.
type fakeSubmitter struct {
	items []queueitem.ItemMeta
	err   error
}

func (s *fakeSubmitter) Submit(_ context.Context, _ string, _ int, _, _ string, item queueitem.ItemMeta) error {
	if s.err != nil {
		return s.err
	}
	s.items = append(s.items, item)
	return nil
}

func testAnalyzerScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "analyze.sh")
	body := `#!/bin/sh
cat <<'EOF'
<demoFile><general nick="Player1" time="01:23.456" physics="cpm" mapname="pro-q3tourney2"/></demoFile>
EOF
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func newTestIngestor(t *testing.T, client chatapi.Client, submitter Submitter) (*Ingestor, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.Open(filepath.Join(dir, "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "demo-bytes")
	}))
	t.Cleanup(srv.Close)

	ing := New(Config{
		Client:         client,
		Mover:          mover.New(),
		Analyzer:       analyzer.New(testAnalyzerScript(t)),
		Journal:        urlsx.Open(filepath.Join(dir, "urls.txt")),
		Registry:       reg,
		Submitter:      submitter,
		Reactions:      Reactions{WIP: []string{"⏳"}, Rejected: []string{"♻️"}, Done: []string{"✅"}, Failed: []string{"❌"}},
		StateDir:       dir,
		TempDir:        dir,
		AttachmentsDir: filepath.Join(dir, "attachments"),
		BaseResolution: 48,
	})
	return ing, srv
}

func TestDiscoverChannelsBuildsMapAndFailsOnMissingConfigured(t *testing.T) {
	client := newFakeClient([]chatapi.Channel{{ID: "1", Name: "guild--general"}})
	ing, _ := newTestIngestor(t, client, &fakeSubmitter{})
	ing.configuredChannels = map[string][]string{"guild--missing": {"out"}}

	err := ing.DiscoverChannels(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "guild--missing")
}

func TestDiscoverChannelsFailsOnDuplicateNames(t *testing.T) {
	client := newFakeClient([]chatapi.Channel{
		{ID: "1", Name: "guild--general"},
		{ID: "2", Name: "guild--general"},
	})
	ing, _ := newTestIngestor(t, client, &fakeSubmitter{})

	err := ing.DiscoverChannels(context.Background())
	require.Error(t, err)
}

func TestProcessMessageNewDemoSubmitsAndReactsWIP(t *testing.T) {
	client := newFakeClient([]chatapi.Channel{{ID: "1", Name: "guild--general"}})
	submitter := &fakeSubmitter{}
	ing, srv := newTestIngestor(t, client, submitter)
	require.NoError(t, ing.DiscoverChannels(context.Background()))

	msg := chatapi.Message{
		ID:        "1001",
		ChannelID: "1",
		Content:   "check out https://example.com/demo",
		Attachments: []chatapi.Attachment{
			{ID: "a1", Filename: "clip.dm_68", URL: srv.URL},
		},
	}

	require.NoError(t, ing.processMessage(context.Background(), "guild--general", msg))
	require.Len(t, submitter.items, 1)
	require.Equal(t, "clip.dm_68", submitter.items[0].Filename)
	require.Contains(t, client.reactions["1001"], "⏳")

	journal, err := os.ReadFile(filepath.Join(ing.stateDir, "urls.txt"))
	require.NoError(t, err)
	require.Contains(t, string(journal), "https://example.com/demo")
}

// TestProcessMessageSubmitFailureMarksOriginFailed covers spec.md §7: an
// origin message must not be left stuck on WIP forever when the dispatch
// after the WIP reaction (here, Submit) fails.
func TestProcessMessageSubmitFailureMarksOriginFailed(t *testing.T) {
	client := newFakeClient([]chatapi.Channel{{ID: "1", Name: "guild--general"}})
	submitter := &fakeSubmitter{err: fmt.Errorf("provider unavailable")}
	ing, srv := newTestIngestor(t, client, submitter)
	require.NoError(t, ing.DiscoverChannels(context.Background()))

	msg := chatapi.Message{
		ID:        "3001",
		ChannelID: "1",
		Attachments: []chatapi.Attachment{
			{ID: "a1", Filename: "clip.dm_68", URL: srv.URL},
		},
	}

	require.NoError(t, ing.processMessage(context.Background(), "guild--general", msg))
	require.Empty(t, submitter.items)
	require.Equal(t, []string{"❌"}, client.reactions["3001"], "origin message must end on exactly the failed reaction set, not WIP")
}

func TestProcessMessageDuplicateDemoRejectsWithPriorURL(t *testing.T) {
	client := newFakeClient([]chatapi.Channel{{ID: "1", Name: "guild--general"}})
	submitter := &fakeSubmitter{}
	ing, srv := newTestIngestor(t, client, submitter)
	require.NoError(t, ing.DiscoverChannels(context.Background()))

	msg1 := chatapi.Message{
		ID: "2001", ChannelID: "1",
		Attachments: []chatapi.Attachment{{ID: "a1", Filename: "clip.dm_68", URL: srv.URL}},
	}
	require.NoError(t, ing.processMessage(context.Background(), "guild--general", msg1))
	require.NoError(t, ing.registry.Record(submitter.items[0].Filename, "https://youtu.be/abc123"))

	msg2 := chatapi.Message{
		ID: "2002", ChannelID: "1",
		Attachments: []chatapi.Attachment{{ID: "a2", Filename: "clip.dm_68", URL: srv.URL}},
	}
	require.NoError(t, ing.processMessage(context.Background(), "guild--general", msg2))

	require.Len(t, submitter.items, 1, "duplicate content must not resubmit")
	require.Contains(t, client.reactions["2002"], "♻️")
	require.NotEmpty(t, client.replies)
	require.Contains(t, client.replies[len(client.replies)-1], "https://youtu.be/abc123")
}

func TestOnMessageDefersToDirtyFlagWhileReplayHoldsLock(t *testing.T) {
	client := newFakeClient([]chatapi.Channel{{ID: "1", Name: "guild--general"}})
	ing, _ := newTestIngestor(t, client, &fakeSubmitter{})
	require.NoError(t, ing.DiscoverChannels(context.Background()))

	ing.mu.Lock()
	err := ing.OnMessage(context.Background(), chatapi.Message{ID: "1", ChannelID: "1"})
	ing.mu.Unlock()

	require.NoError(t, err)
	require.True(t, ing.consumeDirty(), "a message arriving during replay must set the dirty flag")
}
