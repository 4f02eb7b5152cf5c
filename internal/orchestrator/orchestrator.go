package orchestrator

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"

	"github.com/quakearchive/demobot/internal/chatapi"
	"github.com/quakearchive/demobot/internal/ingest"
	"github.com/quakearchive/demobot/internal/registry"
)

// Config bundles the already-constructed collaborators the orchestrator
// drives. Everything here is built and wired by the caller (cmd/demobot);
// Orchestrator itself only sequences their lifecycle.
type Config struct {
	LockPath    string
	LockTimeout time.Duration

	Client   chatapi.Client
	Ingestor *ingest.Ingestor
	Registry *registry.Registry
	Variant  Variant

	// Closers are flushed, in order, during Shutdown, after Ingestor (always
	// closed) and Variant (closed when it implements io.Closer) and before
	// Registry.
	Closers []io.Closer
}

// StartupError wraps a failure in the on-ready startup sequence (channel
// discovery or bulk replay), matching spec.md §6's exit code 1.
type StartupError struct{ Err error }

func (e *StartupError) Error() string { return fmt.Sprintf("orchestrator: startup failed: %v", e.Err) }
func (e *StartupError) Unwrap() error { return e.Err }

// ChatLibraryError wraps an unhandled failure surfaced by the chat client
// itself (a dropped connection, an unrecoverable session error), matching
// spec.md §6's exit code 2.
type ChatLibraryError struct{ Err error }

func (e *ChatLibraryError) Error() string {
	return fmt.Sprintf("orchestrator: chat client failed: %v", e.Err)
}
func (e *ChatLibraryError) Unwrap() error { return e.Err }

// Orchestrator drives spec.md §4.J's top-level lifecycle: single-instance
// locking, chat connection, channel discovery, bulk replay (with a
// dirty-triggered re-run), and the variant's polling-tick or blocking-run
// drive loop.
type Orchestrator struct {
	cfg  Config
	lock *flock.Flock
}

// New builds an Orchestrator. The file lock is not acquired until Run.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{cfg: cfg, lock: flock.New(cfg.LockPath)}
}

// Run acquires the single-instance lock, connects the chat client, performs
// the initial channel discovery and bulk replay, then blocks driving the
// active queue variant until ctx is cancelled or a fatal error occurs.
func (o *Orchestrator) Run(ctx context.Context) error {
	lockCtx, cancel := context.WithTimeout(ctx, o.cfg.LockTimeout)
	locked, err := o.lock.TryLockContext(lockCtx, 100*time.Millisecond)
	cancel()
	if err != nil {
		return fmt.Errorf("orchestrator: acquire instance lock %s: %w", o.cfg.LockPath, err)
	}
	if !locked {
		return fmt.Errorf("orchestrator: another instance already holds %s", o.cfg.LockPath)
	}
	defer o.lock.Unlock()

	ready := make(chan error, 1)
	driveErr := make(chan error, 1)

	onReady := func(ctx context.Context) error {
		ready <- o.onReady(ctx, driveErr)
		return nil
	}
	onMessage := func(ctx context.Context, msg chatapi.Message) error {
		return o.cfg.Ingestor.OnMessage(ctx, msg)
	}

	connectErr := make(chan error, 1)
	go func() { connectErr <- o.cfg.Client.Connect(ctx, onReady, onMessage) }()

	select {
	case err := <-ready:
		if err != nil {
			return &StartupError{Err: err}
		}
	case err := <-connectErr:
		return &ChatLibraryError{Err: err}
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-driveErr:
		return err
	case err := <-connectErr:
		return &ChatLibraryError{Err: err}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onReady performs spec.md §4.J's startup sequence (steps 1-4), then
// launches the variant's drive loop in the background, reporting its
// eventual outcome on driveErr.
func (o *Orchestrator) onReady(ctx context.Context, driveErr chan<- error) error {
	if err := o.cfg.Ingestor.DiscoverChannels(ctx); err != nil {
		return fmt.Errorf("discover channels: %w", err)
	}

	if o.cfg.Variant.NeedsPolling() {
		if polling, ok := o.cfg.Variant.(*PollingVariant); ok {
			if err := polling.Tick(ctx); err != nil {
				log.Error().Err(err).Msg("orchestrator: initial check-for-done failed")
			}
		}
	}
	go func() { driveErr <- o.cfg.Variant.Drive(ctx) }()

	if err := o.cfg.Ingestor.Replay(ctx); err != nil {
		return fmt.Errorf("bulk replay: %w", err)
	}
	return nil
}

// Shutdown flushes every persistent store and closes the chat connection,
// as spec.md §4.J requires.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(o.cfg.Ingestor.Close())
	if closer, ok := o.cfg.Variant.(io.Closer); ok {
		record(closer.Close())
	}
	for _, c := range o.cfg.Closers {
		record(c.Close())
	}
	record(o.cfg.Registry.Close())
	record(o.cfg.Client.Close())
	return firstErr
}
