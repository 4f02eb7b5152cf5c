// Package localqueue implements the autonomous 3-stage local rendering
// queue (component G of spec.md): render, upload, then publish after a
// configurable delay. Grounded on
// discord_downloader/local_rendering_queue.py's LocalRenderingQueue, with
// asyncio.Event/asyncio.wait(FIRST_EXCEPTION) translated to this package's
// event type and golang.org/x/sync/errgroup.
package localqueue

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quakearchive/demobot/internal/queueitem"
	"github.com/quakearchive/demobot/internal/state"
)

// Renderer turns a downloaded demo file into a rendered video file on disk.
type Renderer interface {
	Render(ctx context.Context, demoURL string, body []byte) (videoFile string, err error)
}

// Uploader publishes a rendered video file to its final host and returns
// its public URL.
type Uploader interface {
	Upload(ctx context.Context, title, description, videoFile string) (videoURL string, err error)
}

// DoneCallback is invoked, in registration order, once a waiting item's
// publish delay has elapsed.
type DoneCallback func(ctx context.Context, videoURL string, item queueitem.ItemMeta) error

// FailCallback is invoked, in registration order, whenever a stage fails an
// item (render, upload, or a done callback itself).
type FailCallback func(ctx context.Context, demoURL string, cause error, item queueitem.ItemMeta) error

type renderJob struct {
	DemoURL     string             `json:"demo_url"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Item        queueitem.ItemMeta `json:"item"`
}

type uploadJob struct {
	DemoURL     string             `json:"demo_url"`
	VideoFile   string             `json:"video_file"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Item        queueitem.ItemMeta `json:"item"`
}

type waitingJob struct {
	PublishAt time.Time          `json:"publish_at"`
	VideoURL  string             `json:"video_url"`
	DemoURL   string             `json:"demo_url"`
	Item      queueitem.ItemMeta `json:"item"`
}

type persistedState struct {
	RenderingQueue []renderJob  `json:"rendering_queue"`
	UploadQueue    []uploadJob  `json:"upload_queue"`
	WaitingQueue   []waitingJob `json:"waiting_queue"`
}

// Queue is the autonomous local-rendering variant (component G): no
// polling is required, since completion is driven entirely by this
// process's own goroutines.
type Queue struct {
	renderer              Renderer
	uploader              Uploader
	delayBeforePublishing time.Duration
	httpClient            *http.Client

	mu    sync.Mutex
	store *state.Store[persistedState]

	doneCallbacks []DoneCallback
	failCallbacks []FailCallback

	renderingSignal *event
	uploadSignal    *event
	waitingSignal   *event
}

// Open loads (or creates) the queue's persisted state at path.
func Open(path string, renderer Renderer, uploader Uploader, delayBeforePublishing time.Duration) (*Queue, error) {
	st, err := state.Open(path, persistedState{})
	if err != nil {
		return nil, fmt.Errorf("localqueue: open state: %w", err)
	}
	return &Queue{
		renderer:              renderer,
		uploader:              uploader,
		delayBeforePublishing: delayBeforePublishing,
		httpClient:            &http.Client{},
		store:                 st,
		renderingSignal:       newEvent(),
		uploadSignal:          newEvent(),
		waitingSignal:         newEvent(),
	}, nil
}

// NeedsPolling reports false: this variant drives itself via Run.
func (q *Queue) NeedsPolling() bool { return false }

// Close flushes the underlying persisted queue state, part of the
// orchestrator's shutdown path (spec.md §4.J).
func (q *Queue) Close() error {
	return q.store.Close()
}

// AddDoneCallback registers a callback invoked once an item's publish delay
// has elapsed.
func (q *Queue) AddDoneCallback(cb DoneCallback) { q.doneCallbacks = append(q.doneCallbacks, cb) }

// AddFailCallback registers a callback invoked whenever a stage fails an
// item.
func (q *Queue) AddFailCallback(cb FailCallback) { q.failCallbacks = append(q.failCallbacks, cb) }

// Submit enqueues a demo for local rendering. Matches spec.md §4.F's
// Submit signature so the orchestrator can treat both queue variants
// uniformly; resolution is accepted for interface parity but the local
// renderer always renders at its configured fixed resolution.
func (q *Queue) Submit(ctx context.Context, demoURL string, _ int, title, description string, item queueitem.ItemMeta) error {
	q.mu.Lock()
	q.store.Value.RenderingQueue = append(q.store.Value.RenderingQueue, renderJob{
		DemoURL: demoURL, Title: title, Description: description, Item: item,
	})
	err := q.store.Flush()
	q.mu.Unlock()
	if err != nil {
		return err
	}
	q.renderingSignal.Set()
	return nil
}

// Run drives all three stages until ctx is cancelled or one of them returns
// a non-nil error, at which point the others are cancelled too and the
// first error is returned (spec.md §4.G's FIRST_EXCEPTION semantics).
func (q *Queue) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.runRendering(ctx) })
	g.Go(func() error { return q.runUploads(ctx) })
	g.Go(func() error { return q.runPublishing(ctx) })
	return g.Wait()
}

func (q *Queue) runRendering(ctx context.Context) error {
	for {
		job, err := waitForHead(q, ctx, &q.store.Value.RenderingQueue, q.renderingSignal)
		if err != nil {
			return err
		}

		body, fetchErr := q.download(ctx, job.DemoURL)
		if fetchErr != nil {
			if err := q.reportError(ctx, job.DemoURL, fetchErr, job.Item); err != nil {
				return err
			}
		} else {
			videoFile, renderErr := q.renderer.Render(ctx, job.DemoURL, body)
			if renderErr != nil {
				if err := q.reportError(ctx, job.DemoURL, renderErr, job.Item); err != nil {
					return err
				}
			} else {
				q.mu.Lock()
				q.store.Value.UploadQueue = append(q.store.Value.UploadQueue, uploadJob{
					DemoURL: job.DemoURL, VideoFile: videoFile, Title: job.Title,
					Description: job.Description, Item: job.Item,
				})
				q.mu.Unlock()
			}
		}

		if err := popHead(q, &q.store.Value.RenderingQueue); err != nil {
			return err
		}
		q.uploadSignal.Set()
	}
}

func (q *Queue) runUploads(ctx context.Context) error {
	for {
		job, err := waitForHead(q, ctx, &q.store.Value.UploadQueue, q.uploadSignal)
		if err != nil {
			return err
		}

		videoURL, uploadErr := q.uploader.Upload(ctx, job.Title, job.Description, job.VideoFile)
		if uploadErr != nil {
			if err := q.reportError(ctx, job.DemoURL, uploadErr, job.Item); err != nil {
				return err
			}
		} else {
			q.mu.Lock()
			q.store.Value.WaitingQueue = append(q.store.Value.WaitingQueue, waitingJob{
				PublishAt: time.Now().Add(q.delayBeforePublishing),
				VideoURL:  videoURL,
				DemoURL:   job.DemoURL,
				Item:      job.Item,
			})
			q.mu.Unlock()
		}

		if err := popHead(q, &q.store.Value.UploadQueue); err != nil {
			return err
		}
		q.waitingSignal.Set()
	}
}

func (q *Queue) runPublishing(ctx context.Context) error {
	for {
		job, err := waitForHead(q, ctx, &q.store.Value.WaitingQueue, q.waitingSignal)
		if err != nil {
			return err
		}

		if err := waitUntil(ctx, job.PublishAt); err != nil {
			return err
		}

		if err := q.dispatchDoneCallbacks(ctx, job); err != nil {
			// A failing done callback re-raises all the way out of Run, same
			// as local_rendering_queue.py's _report_error: a publish-stage
			// callback error halts the whole orchestrator instead of being
			// swallowed, and the head is NOT popped, so the completed
			// artifact is never silently dropped.
			return err
		}

		if err := popHead(q, &q.store.Value.WaitingQueue); err != nil {
			return err
		}
	}
}

// waitUntil sleeps in increments of at most 5 seconds until instant, so a
// long publish delay still reacts to ctx cancellation promptly.
func waitUntil(ctx context.Context, instant time.Time) error {
	const maxSleep = 5 * time.Second
	for {
		remaining := time.Until(instant)
		if remaining <= 0 {
			return nil
		}
		sleep := remaining
		if sleep > maxSleep {
			sleep = maxSleep
		}
		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// dispatchDoneCallbacks runs every registered done callback for job. A
// callback failure is routed to the fail callbacks and then returned (as-is,
// or wrapped as the fail callback's own error if one of them errored) rather
// than swallowed, so the caller halts instead of popping a completed item
// whose announcement never actually happened.
func (q *Queue) dispatchDoneCallbacks(ctx context.Context, job waitingJob) error {
	for _, cb := range q.doneCallbacks {
		if cbErr := cb(ctx, job.VideoURL, job.Item); cbErr != nil {
			if err := q.reportError(ctx, job.DemoURL, cbErr, job.Item); err != nil {
				return err
			}
			return cbErr
		}
	}
	return nil
}

func (q *Queue) reportError(ctx context.Context, demoURL string, cause error, item queueitem.ItemMeta) error {
	for _, cb := range q.failCallbacks {
		if err := cb(ctx, demoURL, cause, item); err != nil {
			return fmt.Errorf("localqueue: fail callback errored: %w", err)
		}
	}
	return nil
}

func (q *Queue) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := q.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// waitForHead blocks until queue is non-empty and returns (a copy of) its
// head, without popping it. A free function rather than a method, since Go
// methods cannot carry their own type parameters.
func waitForHead[T any](q *Queue, ctx context.Context, queue *[]T, sig *event) (T, error) {
	for {
		q.mu.Lock()
		if len(*queue) > 0 {
			head := (*queue)[0]
			q.mu.Unlock()
			return head, nil
		}
		q.mu.Unlock()
		if err := sig.Wait(ctx); err != nil {
			var zero T
			return zero, err
		}
		sig.Clear()
	}
}

// popHead removes queue's head element and flushes the store.
func popHead[T any](q *Queue, queue *[]T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	*queue = (*queue)[1:]
	return q.store.Flush()
}
