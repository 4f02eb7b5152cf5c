// Package orchestrator wires every component together and drives the
// top-level lifecycle described in spec.md §4.J: single-instance locking,
// queue-variant selection, chat connection, bulk replay, and the
// polling-tick or blocking-run drive loop.
package orchestrator

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"

	"github.com/quakearchive/demobot/internal/localqueue"
	"github.com/quakearchive/demobot/internal/queueitem"
	"github.com/quakearchive/demobot/internal/remotequeue"
)

// Variant is the uniform rendering-queue lifecycle surface the orchestrator
// drives, abstracting over the polling (component F) and autonomous
// (component G) implementations behind one submit contract and one
// lifecycle method — the "single RenderingQueue abstraction" spec.md §9
// calls for in place of the original's needs_polling() branch sprinkled
// through the caller.
type Variant interface {
	Submit(ctx context.Context, demoURL string, resolution int, title, description string, item queueitem.ItemMeta) error
	NeedsPolling() bool
	// Drive runs the variant's lifecycle until ctx is cancelled or a fatal
	// error occurs. The autonomous variant runs its three-stage pipeline;
	// the polling variant ticks check-for-done/retry-uploads forever.
	Drive(ctx context.Context) error
}

// AutonomousVariant adapts *localqueue.Queue (which already exposes Run) to
// the Variant interface. Its done/fail callbacks must be registered with
// AddDoneCallback/AddFailCallback before Drive is called.
type AutonomousVariant struct {
	*localqueue.Queue
}

func (v AutonomousVariant) Drive(ctx context.Context) error {
	return v.Run(ctx)
}

// PollingVariant adapts *remotequeue.Queue to the Variant interface,
// ticking CheckForDone then RetryUploads on a gocron schedule every
// interval (spec.md §4.J step 5's polling loop).
type PollingVariant struct {
	queue     *remotequeue.Queue
	interval  time.Duration
	onSuccess remotequeue.DoneCallback
	onFailure remotequeue.FailCallback
}

// NewPollingVariant wires a remotequeue.Queue with the reactor callbacks
// and polling interval that drive it.
func NewPollingVariant(queue *remotequeue.Queue, interval time.Duration, onSuccess remotequeue.DoneCallback, onFailure remotequeue.FailCallback) *PollingVariant {
	return &PollingVariant{queue: queue, interval: interval, onSuccess: onSuccess, onFailure: onFailure}
}

func (v *PollingVariant) Submit(ctx context.Context, demoURL string, resolution int, title, description string, item queueitem.ItemMeta) error {
	return v.queue.Submit(ctx, demoURL, resolution, title, description, item)
}

func (v *PollingVariant) NeedsPolling() bool { return true }

// Close flushes the underlying persisted queue state.
func (v *PollingVariant) Close() error {
	return v.queue.Close()
}

// Tick runs one check-for-done + retry-uploads pass, for callers (e.g. the
// orchestrator's startup step) that want a single pass without waiting for
// the schedule.
func (v *PollingVariant) Tick(ctx context.Context) error {
	if err := v.queue.CheckForDone(ctx, v.onSuccess, v.onFailure); err != nil {
		return err
	}
	return v.queue.RetryUploads(ctx)
}

func (v *PollingVariant) Drive(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(v.interval),
		gocron.NewTask(func() {
			if err := v.Tick(ctx); err != nil {
				log.Error().Err(err).Msg("orchestrator: polling tick failed")
			}
		}),
	)
	if err != nil {
		return err
	}

	scheduler.Start()
	<-ctx.Done()
	return scheduler.Shutdown()
}
