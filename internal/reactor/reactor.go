// Package reactor implements the completion reactor (component I of
// spec.md): the success and failure callbacks registered against whichever
// rendering queue variant (F or G) is active. Grounded on
// discord_downloader/download.py's on_render_done/on_render_failed
// handlers.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/quakearchive/demobot/internal/chatapi"
	"github.com/quakearchive/demobot/internal/pipelineerr"
	"github.com/quakearchive/demobot/internal/queueitem"
	"github.com/quakearchive/demobot/internal/registry"
)

// Channels resolves a channel name known to the ingestion loop (component
// H) to its platform id, and a configured input channel to its output
// channel names. Implemented by *ingest.Ingestor.
type Channels interface {
	ChannelID(name string) (string, bool)
	ResolveOutputChannels(inChannel string) []string
}

// Resubmitter resubmits an item to the active rendering queue, used for the
// oversize re-render path.
type Resubmitter interface {
	Submit(ctx context.Context, demoURL string, resolution int, title, description string, item queueitem.ItemMeta) error
}

// Config bundles Reactor's construction-time dependencies.
type Config struct {
	Client                    chatapi.Client
	Registry                  *registry.Registry
	Channels                  Channels
	Resubmitter               Resubmitter
	MessagePrefix             string
	MessageSuffix             string
	DirectUploadMessagePrefix string
	DoneReactions             []string
	FailedReactions           []string
	MaxVideoSizeBytes         int64
	RerenderResolution        int
	OperatorUserID            string
}

// Reactor turns a finished or failed pipeline item into chat-visible
// effects: an announcement, a reaction change, a registry row, or an
// operator DM.
type Reactor struct {
	client                    chatapi.Client
	registry                  *registry.Registry
	channels                  Channels
	resubmitter               Resubmitter
	messagePrefix             string
	messageSuffix             string
	directUploadMessagePrefix string
	doneReactions             []string
	failedReactions           []string
	maxVideoSizeBytes         int64
	rerenderResolution        int
	operatorUserID            string
}

// New builds a Reactor from cfg.
func New(cfg Config) *Reactor {
	return &Reactor{
		client:                    cfg.Client,
		registry:                  cfg.Registry,
		channels:                  cfg.Channels,
		resubmitter:               cfg.Resubmitter,
		messagePrefix:             cfg.MessagePrefix,
		messageSuffix:             cfg.MessageSuffix,
		directUploadMessagePrefix: cfg.DirectUploadMessagePrefix,
		doneReactions:             cfg.DoneReactions,
		failedReactions:           cfg.FailedReactions,
		maxVideoSizeBytes:         cfg.MaxVideoSizeBytes,
		rerenderResolution:        cfg.RerenderResolution,
		operatorUserID:            cfg.OperatorUserID,
	}
}

// OnSuccess implements spec.md §4.I's success path: announce to every
// mapped output channel, record the registry row, and notify the operator
// if the metadata extraction was incomplete.
func (r *Reactor) OnSuccess(ctx context.Context, videoURL string, item queueitem.ItemMeta) error {
	for _, outName := range r.channels.ResolveOutputChannels(item.InChannel) {
		outChannelID, ok := r.channels.ChannelID(outName)
		if !ok {
			log.Error().Str("channel", outName).Msg("reactor: output channel not found, skipping announcement")
			continue
		}
		if err := r.announce(ctx, outChannelID, videoURL, item); err != nil {
			return fmt.Errorf("reactor: announce in %s: %w", outName, err)
		}
	}

	if err := r.registry.Record(item.Filename, videoURL); err != nil {
		return fmt.Errorf("reactor: record %s: %w", item.Filename, err)
	}

	if item.HasUnknown && r.operatorUserID != "" {
		msg := fmt.Sprintf("Incomplete metadata for %q (%s)", item.Title, videoURL)
		if err := r.client.SendDM(ctx, r.operatorUserID, msg); err != nil {
			return fmt.Errorf("reactor: notify operator of incomplete metadata: %w", err)
		}
	}
	return nil
}

// announce posts PREFIX{video_url}SUFFIX as a reply to the origin message
// (when still resolvable) and replaces the origin's reactions with the
// done set.
func (r *Reactor) announce(ctx context.Context, outChannelID, videoURL string, item queueitem.ItemMeta) error {
	originChannelID, originMsgID, found, err := r.resolveOrigin(ctx, item)
	if err != nil {
		return err
	}

	replyTo := ""
	if found {
		replyTo = originMsgID
	}
	content := r.messagePrefix + videoURL + r.messageSuffix
	if _, err := r.client.SendMessage(ctx, outChannelID, content, replyTo); err != nil {
		return fmt.Errorf("send announcement: %w", err)
	}

	if found {
		if err := r.replaceReactions(ctx, originChannelID, originMsgID, r.doneReactions); err != nil {
			return err
		}
	}
	return nil
}

// OnFailure implements spec.md §4.I's failure path. A structured
// UploadFailedError carrying an oversize artifact triggers a lower-
// resolution re-render; a same-size-or-under artifact is uploaded directly
// to chat instead. Any other failure only flips the origin's reactions.
//
// Both the message and its resolved output channel are bound on every
// branch below (the original reactor referenced an unbound variable on one
// branch; this is deliberately not reproduced, per spec.md §9's recorded
// decision).
func (r *Reactor) OnFailure(ctx context.Context, demoURL string, cause error, item queueitem.ItemMeta) error {
	log.Error().Err(cause).Str("filename", item.Filename).Str("in_channel", item.InChannel).Msg("reactor: pipeline item failed")

	var uploadErr *pipelineerr.UploadFailedError
	if errors.As(cause, &uploadErr) {
		return r.handleUploadFailure(ctx, demoURL, uploadErr, item)
	}
	return r.markFailed(ctx, item)
}

func (r *Reactor) handleUploadFailure(ctx context.Context, demoURL string, uploadErr *pipelineerr.UploadFailedError, item queueitem.ItemMeta) error {
	info, statErr := os.Stat(uploadErr.LocalVideoPath)
	if statErr != nil {
		return r.markFailed(ctx, item)
	}

	if info.Size() > r.maxVideoSizeBytes {
		log.Warn().
			Str("filename", item.Filename).
			Str("size", humanize.Bytes(uint64(info.Size()))).
			Str("limit", humanize.Bytes(uint64(r.maxVideoSizeBytes))).
			Msg("reactor: rendered video exceeds DISCORD_MAX_VIDEO_SIZE, resubmitting at lower resolution")
		next := item.WithRerender()
		if err := r.resubmitter.Submit(ctx, demoURL, r.rerenderResolution, item.Title, item.Description, next); err != nil {
			return fmt.Errorf("reactor: resubmit %s at lower resolution: %w", item.Filename, err)
		}
		return nil
	}
	return r.uploadDirectly(ctx, uploadErr.LocalVideoPath, item)
}

// uploadDirectly attaches the oversize-but-acceptable video straight to
// chat instead of hosting it remotely, then treats that as success for
// reaction purposes.
func (r *Reactor) uploadDirectly(ctx context.Context, videoPath string, item queueitem.ItemMeta) error {
	originChannelID, originMsgID, originFound, err := r.resolveOrigin(ctx, item)
	if err != nil {
		return err
	}
	replyTo := ""
	if originFound {
		replyTo = originMsgID
	}

	var lastJumpURL string
	for _, outName := range r.channels.ResolveOutputChannels(item.InChannel) {
		outChannelID, ok := r.channels.ChannelID(outName)
		if !ok {
			log.Error().Str("channel", outName).Msg("reactor: output channel not found, skipping direct upload")
			continue
		}
		f, err := os.Open(videoPath)
		if err != nil {
			return fmt.Errorf("reactor: open %s for direct upload: %w", videoPath, err)
		}
		sent, err := r.client.SendFile(ctx, outChannelID, r.directUploadMessagePrefix+"(uploaded directly, file too large for the remote host)"+r.messageSuffix, replyTo, filepath.Base(videoPath), f)
		f.Close()
		if err != nil {
			return fmt.Errorf("reactor: direct upload to %s: %w", outName, err)
		}
		lastJumpURL = sent.ID
	}

	if lastJumpURL != "" {
		if err := r.registry.Record(item.Filename, lastJumpURL); err != nil {
			return fmt.Errorf("reactor: record direct-upload artifact: %w", err)
		}
	}

	if originFound {
		if err := r.replaceReactions(ctx, originChannelID, originMsgID, r.doneReactions); err != nil {
			return err
		}
	}

	// Only on a first-round failure, to avoid paging the operator on every
	// subsequent re-render (spec.md §4.I).
	if item.RerenderingRound == 0 && r.operatorUserID != "" {
		sizeMsg := ""
		if info, statErr := os.Stat(videoPath); statErr == nil {
			sizeMsg = fmt.Sprintf(" (%s)", humanize.Bytes(uint64(info.Size())))
		}
		msg := fmt.Sprintf("Direct upload used for oversize video %q%s (remote host rejected the size)", item.Filename, sizeMsg)
		if err := r.client.SendDM(ctx, r.operatorUserID, msg); err != nil {
			return fmt.Errorf("reactor: notify operator of direct upload: %w", err)
		}
	}
	return nil
}

func (r *Reactor) markFailed(ctx context.Context, item queueitem.ItemMeta) error {
	originChannelID, originMsgID, found, err := r.resolveOrigin(ctx, item)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	return r.replaceReactions(ctx, originChannelID, originMsgID, r.failedReactions)
}

// resolveOrigin resolves item's originating channel and fetches its
// origin message, reporting (..., false, nil) rather than an error when the
// message or channel can no longer be found.
func (r *Reactor) resolveOrigin(ctx context.Context, item queueitem.ItemMeta) (channelID, messageID string, found bool, err error) {
	if item.MessageID == "" {
		return "", "", false, nil
	}
	channelID, ok := r.channels.ChannelID(item.InChannel)
	if !ok {
		return "", "", false, nil
	}
	msg, found, err := r.client.FetchMessage(ctx, channelID, item.MessageID)
	if err != nil {
		return "", "", false, fmt.Errorf("reactor: fetch origin message %s: %w", item.MessageID, err)
	}
	if !found {
		return "", "", false, nil
	}
	return channelID, msg.ID, true, nil
}

func (r *Reactor) replaceReactions(ctx context.Context, channelID, messageID string, reactions []string) error {
	if err := r.client.RemoveAllReactions(ctx, channelID, messageID); err != nil {
		return fmt.Errorf("reactor: clear reactions on %s: %w", messageID, err)
	}
	if err := r.client.AddReactions(ctx, channelID, messageID, reactions); err != nil {
		return fmt.Errorf("reactor: set reactions on %s: %w", messageID, err)
	}
	return nil
}
