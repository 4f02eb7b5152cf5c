package demobot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quakearchive/demobot/internal/analyzer"
	"github.com/quakearchive/demobot/internal/chatapi"
	"github.com/quakearchive/demobot/internal/config"
	"github.com/quakearchive/demobot/internal/ingest"
	"github.com/quakearchive/demobot/internal/localqueue"
	"github.com/quakearchive/demobot/internal/mover"
	"github.com/quakearchive/demobot/internal/orchestrator"
	"github.com/quakearchive/demobot/internal/queueitem"
	"github.com/quakearchive/demobot/internal/reactor"
	"github.com/quakearchive/demobot/internal/registry"
	"github.com/quakearchive/demobot/internal/remotequeue"
	"github.com/quakearchive/demobot/internal/renderer"
	"github.com/quakearchive/demobot/internal/urlsx"
)

// lockAcquireTimeout bounds how long Run waits for the single-instance file
// lock before giving up (spec.md §4.J "configurable timeout").
const lockAcquireTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var fakeProvider bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the demobot daemon.",
		Long:  "Connect to the chat platform and start archiving and rendering demos.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), fakeProvider)
		},
	}
	cmd.Flags().BoolVar(&fakeProvider, "fake-provider", false,
		"use an in-memory stand-in for the remote rendering provider instead of making network calls (dev only)")
	return cmd
}

func serve(ctx context.Context, fakeProvider bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("demobot: load config: %w", err)
	}

	if err := os.MkdirAll(cfg.Directories.State, 0o755); err != nil {
		return fmt.Errorf("demobot: create state directory %s: %w", cfg.Directories.State, err)
	}
	setupLogging(filepath.Join(cfg.Directories.State, "errors.log"))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	client, err := chatapi.NewDiscordClient(cfg.Discord.Token)
	if err != nil {
		return fmt.Errorf("demobot: create chat client: %w", err)
	}

	reg, err := registry.Open(filepath.Join(cfg.Directories.State, "db.sqlite"))
	if err != nil {
		return fmt.Errorf("demobot: open registry: %w", err)
	}

	var (
		variant   orchestrator.Variant
		submitter ingest.Submitter
		closers   []io.Closer
	)
	rerenderTo := cfg.Local.RerenderResolution

	reactions := ingest.Reactions{
		WIP:      cfg.Reactions.WIP,
		Rejected: cfg.Reactions.Rejected,
		Done:     cfg.Reactions.Done,
		Failed:   cfg.Reactions.Failed,
	}

	switch cfg.Rendering.Provider {
	case config.ProviderLocalRendering:
		demoRenderer := renderer.NewDemoRenderer(
			cfg.Local.RendererDir, cfg.Local.RendererExe, cfg.Local.VideoDir,
			cfg.Local.ConfigPrefix, cfg.Local.DemoExtPattern,
		)
		uploader := renderer.NewVideoUploader(cfg.Local.UploaderExe, cfg.Local.UploaderArgs)

		queue, err := localqueue.Open(
			filepath.Join(cfg.Directories.State, "local-rendering-queue.json"),
			demoRenderer, uploader, cfg.Local.PublishingDelay,
		)
		if err != nil {
			return fmt.Errorf("demobot: open local rendering queue: %w", err)
		}
		submitter = queue
		variant = orchestrator.AutonomousVariant{Queue: queue}
		closers = append(closers, queue)

	default:
		var remoteClient remotequeue.Client
		if fakeProvider {
			remoteClient = &remotequeue.NopClient{}
		} else {
			remoteClient = remotequeue.NewHTTPClient(cfg.Igmdb.BaseURL, cfg.Igmdb.Token)
		}
		queue, err := remotequeue.Open(filepath.Join(cfg.Directories.State, "igmdb-upload-queue.json"), remoteClient)
		if err != nil {
			return fmt.Errorf("demobot: open remote queue: %w", err)
		}
		submitter = queue
		closers = append(closers, queue)
	}

	ing := ingest.New(ingest.Config{
		Client:              client,
		Mover:               mover.New(),
		Analyzer:            analyzer.New(cfg.Rendering.DemocleanerExe),
		Journal:             urlsx.Open(cfg.Directories.URLsFile),
		Registry:            reg,
		Submitter:           submitter,
		Reactions:           reactions,
		StateDir:            cfg.Directories.State,
		TempDir:             cfg.Directories.Temp,
		AttachmentsDir:      cfg.Directories.Attachments,
		BaseResolution:      cfg.Rendering.BaseResolution,
		ConfiguredChannels:  cfg.Channels.Map,
		LegacyOutputChannel: cfg.Channels.RenderingOutputChannel,
	})

	react := reactor.New(reactor.Config{
		Client:                    client,
		Registry:                  reg,
		Channels:                  ing,
		Resubmitter:               submitter,
		MessagePrefix:             cfg.Messages.DonePrefix,
		MessageSuffix:             cfg.Messages.DoneSuffix,
		DirectUploadMessagePrefix: cfg.Messages.DoneDiscordPrefix,
		DoneReactions:             cfg.Reactions.Done,
		FailedReactions:           cfg.Reactions.Failed,
		MaxVideoSizeBytes:         cfg.Discord.MaxVideoSizeBytes,
		RerenderResolution:        rerenderTo,
		OperatorUserID:            cfg.Discord.OperatorUserID,
	})

	switch q := submitter.(type) {
	case *localqueue.Queue:
		q.AddDoneCallback(react.OnSuccess)
		q.AddFailCallback(react.OnFailure)
	case *remotequeue.Queue:
		onFailure := func(ctx context.Context, _ int64, cause error, item queueitem.ItemMeta) error {
			return react.OnFailure(ctx, item.DemoURL, cause, item)
		}
		variant = orchestrator.NewPollingVariant(q, cfg.Igmdb.PollingInterval, react.OnSuccess, onFailure)
	}

	orc := orchestrator.New(orchestrator.Config{
		LockPath:    filepath.Join(cfg.Directories.State, "run.lock"),
		LockTimeout: lockAcquireTimeout,
		Client:      client,
		Ingestor:    ing,
		Registry:    reg,
		Variant:     variant,
		Closers:     closers,
	})

	runErr := orc.Run(ctx)

	if err := orc.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("demobot: shutdown encountered errors")
	}

	// An interrupt cancels ctx; that is a clean shutdown, not a failure.
	if ctx.Err() != nil && errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// setupLogging sends console output to stdout and mirrors error-level (and
// above) records to errorsLogPath, matching spec.md §6's
// "{STATE}/errors.log" persisted-state entry.
func setupLogging(errorsLogPath string) {
	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}

	errorsFile, err := os.OpenFile(errorsLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Logger = log.Output(console)
		log.Warn().Err(err).Str("path", errorsLogPath).Msg("demobot: could not open errors log, logging to console only")
		return
	}
	errorsOnly := zerolog.MultiLevelWriter(console, levelGatedWriter{w: errorsFile, min: zerolog.ErrorLevel})
	log.Logger = zerolog.New(errorsOnly).With().Timestamp().Logger()
}

// levelGatedWriter forwards only records at or above min to the underlying
// writer, so errors.log never fills up with debug/info noise.
type levelGatedWriter struct {
	w   *os.File
	min zerolog.Level
}

func (l levelGatedWriter) Write(p []byte) (int, error) {
	return len(p), nil // zerolog.MultiLevelWriter only calls WriteLevel below
}

func (l levelGatedWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < l.min {
		return len(p), nil
	}
	return l.w.Write(p)
}
