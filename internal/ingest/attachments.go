package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/quakearchive/demobot/internal/chatapi"
	"github.com/quakearchive/demobot/internal/queueitem"
)

// handleAttachment downloads one attachment to a unique scratch path,
// fsyncs it, moves it into the attachments directory via the deduplicating
// mover, and — if the resulting filename matches the demo extension
// pattern — dispatches it into the rendering pipeline (spec.md §4.H).
func (ing *Ingestor) handleAttachment(ctx context.Context, channelName string, msg chatapi.Message, att chatapi.Attachment, index int) error {
	scratchName := fmt.Sprintf("%s-%s-%d-%d", msg.ID, att.ID, index, os.Getpid())
	scratchPath := filepath.Join(ing.tempDir, scratchName)

	if err := downloadTo(ctx, att.URL, scratchPath); err != nil {
		return fmt.Errorf("ingest: download attachment %s: %w", att.URL, err)
	}

	dest := filepath.Join(ing.attachmentsDir, sanitizeFilename(att.Filename))
	actualDest, isNew, err := ing.mover.Move(scratchPath, dest)
	if err != nil {
		return fmt.Errorf("ingest: move attachment to %s: %w", dest, err)
	}

	if !demoPattern.MatchString(actualDest) {
		return nil
	}
	return ing.handleDemoAttachment(ctx, channelName, msg, att.URL, actualDest, isNew)
}

// handleDemoAttachment implements the branching described in spec.md
// §4.H: a genuinely new file goes straight into the pipeline; a
// content-duplicate is checked against the registry and either reported as
// already-rendered or, if the registry somehow lacks a URL for it,
// resubmitted as if it were new.
func (ing *Ingestor) handleDemoAttachment(ctx context.Context, channelName string, msg chatapi.Message, demoURL, path string, isNew bool) error {
	if !isNew {
		url, found, err := ing.registry.Lookup(filepath.Base(path))
		if err != nil {
			return fmt.Errorf("ingest: registry lookup for %s: %w", path, err)
		}
		if found {
			if err := ing.client.AddReactions(ctx, msg.ChannelID, msg.ID, ing.reactions.Rejected); err != nil {
				return fmt.Errorf("ingest: react rejected on %s: %w", msg.ID, err)
			}
			_, err := ing.client.SendMessage(ctx, msg.ChannelID,
				fmt.Sprintf("Already rendered: %s", url), msg.ID)
			return err
		}
		// Registry has no URL for this content despite it already existing
		// on disk: treat exactly like a first-time submission.
	}

	if err := ing.client.AddReactions(ctx, msg.ChannelID, msg.ID, ing.reactions.WIP); err != nil {
		return fmt.Errorf("ingest: react wip on %s: %w", msg.ID, err)
	}

	attrs, err := ing.analyzer.Analyze(ctx, path)
	if err != nil {
		ing.markFailed(ctx, msg)
		return fmt.Errorf("ingest: analyze %s: %w", path, err)
	}

	fields := extractDemoFields(attrs)
	title := composeTitle(fields)
	description := composeDescription(channelName, msg.ID, fields)

	item := queueitem.NewItemMeta(channelName, msg.ID, title, description, demoURL, filepath.Base(path), fields.hasUnknown)
	if err := ing.submitter.Submit(ctx, demoURL, ing.baseResolution, title, description, item); err != nil {
		ing.markFailed(ctx, msg)
		return fmt.Errorf("ingest: submit %s: %w", path, err)
	}
	return nil
}

// markFailed replaces msg's WIP reaction set with the failed set, so an
// origin message never sits on WIP forever after an abort (spec.md §7:
// "origin messages receive exactly one current reaction-set at any time").
// Failures here are only logged: the dispatch error already being returned
// to the caller takes priority, and a reaction-set mismatch is not worth
// masking it.
func (ing *Ingestor) markFailed(ctx context.Context, msg chatapi.Message) {
	if err := ing.client.RemoveAllReactions(ctx, msg.ChannelID, msg.ID); err != nil {
		log.Error().Err(err).Str("message_id", msg.ID).Msg("ingest: clear wip reactions before marking failed")
		return
	}
	if err := ing.client.AddReactions(ctx, msg.ChannelID, msg.ID, ing.reactions.Failed); err != nil {
		log.Error().Err(err).Str("message_id", msg.ID).Msg("ingest: react failed")
	}
}

func downloadTo(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// sanitizeFilename strips any path separators from a user-controlled
// attachment filename before it is used as part of a destination path.
func sanitizeFilename(name string) string {
	return filepath.Base(filepath.Clean("/" + name))
}
