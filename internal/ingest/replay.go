package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/quakearchive/demobot/internal/chatapi"
	"github.com/quakearchive/demobot/internal/pipelineerr"
)

// Replay performs a full bulk history replay across every known channel,
// holding the cooperative lock for its entire duration. If a live message
// sets the dirty flag while replay runs, replay repeats once more
// immediately after finishing, rather than interleaving with the live
// handler (spec.md §4.H).
func (ing *Ingestor) Replay(ctx context.Context) error {
	ing.mu.Lock()
	defer ing.mu.Unlock()

	for {
		ing.consumeDirty() // clear any staleness from before this round started
		for name, ch := range ing.channelsByName {
			if err := ing.replayChannel(ctx, name, ch); err != nil {
				if errors.Is(err, pipelineerr.ErrChannelForbidden) {
					log.Warn().Str("channel", name).Msg("ingest: history access forbidden, skipping channel")
					continue
				}
				return err
			}
		}
		if !ing.consumeDirty() {
			return nil
		}
		log.Info().Msg("ingest: message arrived during replay, replaying again")
	}
}

func (ing *Ingestor) replayChannel(ctx context.Context, channelName string, ch chatapi.Channel) error {
	savepoint, err := ing.savepointFor(channelName)
	if err != nil {
		return fmt.Errorf("ingest: open savepoint for %s: %w", channelName, err)
	}

	after := ""
	if last := savepoint.Get(); last != nil {
		after = fmt.Sprintf("%d", *last)
	}

	return ing.client.HistoryAfter(ctx, ch.ID, after, func(page chatapi.HistoryPage) (bool, error) {
		for _, msg := range page.Messages {
			if err := ing.processMessage(ctx, channelName, msg); err != nil {
				return false, err
			}
		}
		return true, nil
	})
}

// processMessage is the single-message handler shared by replay and live
// delivery: archive URLs, move and dispatch attachments, then advance the
// channel's savepoint.
func (ing *Ingestor) processMessage(ctx context.Context, channelName string, msg chatapi.Message) error {
	backLink := fmt.Sprintf("%s#%s", channelName, msg.ID)
	if err := ing.journal.Append(msg.Content, backLink); err != nil {
		return fmt.Errorf("ingest: append url journal: %w", err)
	}

	for i, att := range msg.Attachments {
		if err := ing.handleAttachment(ctx, channelName, msg, att, i); err != nil {
			reportIngestError(channelName, msg.ID, err)
		}
	}

	msgID, err := messageIDInt(msg.ID)
	if err != nil {
		return err
	}
	savepoint, err := ing.savepointFor(channelName)
	if err != nil {
		return err
	}
	return savepoint.Set(msgID, nil, nil)
}
