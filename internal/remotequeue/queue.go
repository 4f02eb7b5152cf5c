package remotequeue

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/quakearchive/demobot/internal/pipelineerr"
	"github.com/quakearchive/demobot/internal/queueitem"
	"github.com/quakearchive/demobot/internal/state"
)

// uploadedEntry is a remote submission awaiting external completion.
type uploadedEntry struct {
	RenderID int64             `json:"render_id"`
	Item     queueitem.ItemMeta `json:"item"`
}

// localEntry is a full submission held back because the remote queue was
// full at the time of submission.
type localEntry struct {
	DemoURL     string             `json:"demo_url"`
	Resolution  int                `json:"resolution"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Item        queueitem.ItemMeta `json:"item"`
}

// persistedState is the on-disk shape of igmdb-upload-queue.json (spec.md
// §3 "Polling Queue State").
type persistedState struct {
	UploadedQueue []uploadedEntry `json:"uploaded_queue"`
	LocalQueue    []localEntry    `json:"local_queue"`
	QueueFull     bool            `json:"queue_full"`
}

// Queue is the polling-variant rendering queue (component F).
type Queue struct {
	client Client
	store  *state.Store[persistedState]
}

// Open loads (or creates) the queue's persisted state at path.
func Open(path string, client Client) (*Queue, error) {
	st, err := state.Open(path, persistedState{})
	if err != nil {
		return nil, fmt.Errorf("remotequeue: open state: %w", err)
	}
	return &Queue{client: client, store: st}, nil
}

// NeedsPolling reports true: this variant requires the orchestrator to
// drive CheckForDone/RetryUploads on a timer (spec.md §4.F).
func (q *Queue) NeedsPolling() bool { return true }

// Submit implements spec.md §4.F's submit contract: if the remote queue is
// known full, go straight to local overflow without a remote call. A
// successful remote submission appends to uploaded_queue; a Queue-Full
// refusal sets queue_full and appends a local overflow entry. Other failures
// propagate to the caller.
func (q *Queue) Submit(ctx context.Context, demoURL string, resolution int, title, description string, item queueitem.ItemMeta) error {
	if q.store.Value.QueueFull {
		return q.enqueueLocal(demoURL, resolution, title, description, item)
	}

	renderID, err := q.client.Submit(ctx, demoURL, resolution, title, description)
	switch {
	case err == nil:
		q.store.Value.UploadedQueue = append(q.store.Value.UploadedQueue, uploadedEntry{RenderID: renderID, Item: item})
		return q.store.Flush()
	case errors.Is(err, pipelineerr.ErrQueueFull):
		q.store.Value.QueueFull = true
		return q.enqueueLocal(demoURL, resolution, title, description, item)
	default:
		return err
	}
}

func (q *Queue) enqueueLocal(demoURL string, resolution int, title, description string, item queueitem.ItemMeta) error {
	q.store.Value.LocalQueue = append(q.store.Value.LocalQueue, localEntry{
		DemoURL: demoURL, Resolution: resolution, Title: title, Description: description, Item: item,
	})
	return q.store.Flush()
}

// DoneCallback is invoked once, in insertion order, for each item the
// remote provider reports finished.
type DoneCallback func(ctx context.Context, videoURL string, item queueitem.ItemMeta) error

// FailCallback is invoked for each item the remote provider reports failed,
// or whose poll itself errored.
type FailCallback func(ctx context.Context, renderID int64, cause error, item queueitem.ItemMeta) error

// CheckForDone polls the status of every uploaded item, in insertion order.
// Finished items invoke onSuccess and are removed; failed polls invoke
// onFailure and are removed; still-running items are left in place. Each
// removal is flushed immediately, so a crash mid-loop only risks a
// duplicate poll/callback on restart, never a lost one (spec.md §4.F).
func (q *Queue) CheckForDone(ctx context.Context, onSuccess DoneCallback, onFailure FailCallback) error {
	snapshot := append([]uploadedEntry(nil), q.store.Value.UploadedQueue...)
	for _, entry := range snapshot {
		videoURL, done, err := q.client.CheckStatus(ctx, entry.RenderID)
		if err != nil {
			if cbErr := onFailure(ctx, entry.RenderID, err, entry.Item); cbErr != nil {
				log.Error().Err(cbErr).Int64("render_id", entry.RenderID).Msg("remotequeue: fail callback errored")
			}
			if err := q.removeUploaded(entry.RenderID); err != nil {
				return err
			}
			continue
		}
		if !done {
			continue
		}
		if cbErr := onSuccess(ctx, videoURL, entry.Item); cbErr != nil {
			log.Error().Err(cbErr).Int64("render_id", entry.RenderID).Msg("remotequeue: done callback errored")
		}
		if err := q.removeUploaded(entry.RenderID); err != nil {
			return err
		}
	}
	return nil
}

// removeUploaded drops the first uploaded entry matching renderID and
// flushes immediately.
func (q *Queue) removeUploaded(renderID int64) error {
	queue := q.store.Value.UploadedQueue
	for i, e := range queue {
		if e.RenderID == renderID {
			q.store.Value.UploadedQueue = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	return q.store.Flush()
}

// RetryUploads clears queue_full and drains local_queue from the head,
// performing the same submission as Submit. It stops on the first
// Queue-Full (leaving queue_full=true and the remaining local_queue
// intact) and propagates any other error.
func (q *Queue) RetryUploads(ctx context.Context) error {
	q.store.Value.QueueFull = false
	for len(q.store.Value.LocalQueue) > 0 {
		top := q.store.Value.LocalQueue[0]
		renderID, err := q.client.Submit(ctx, top.DemoURL, top.Resolution, top.Title, top.Description)
		if err != nil {
			if errors.Is(err, pipelineerr.ErrQueueFull) {
				q.store.Value.QueueFull = true
				return q.store.Flush()
			}
			return err
		}
		q.store.Value.UploadedQueue = append(q.store.Value.UploadedQueue, uploadedEntry{RenderID: renderID, Item: top.Item})
		q.store.Value.LocalQueue = q.store.Value.LocalQueue[1:]
		if err := q.store.Flush(); err != nil {
			return err
		}
	}
	return q.store.Flush()
}

// Close flushes the underlying store.
func (q *Queue) Close() error {
	return q.store.Close()
}
