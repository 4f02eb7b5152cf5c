package orchestrator

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quakearchive/demobot/internal/chatapi"
	"github.com/quakearchive/demobot/internal/ingest"
	"github.com/quakearchive/demobot/internal/mover"
	"github.com/quakearchive/demobot/internal/queueitem"
	"github.com/quakearchive/demobot/internal/registry"
	"github.com/quakearchive/demobot/internal/urlsx"
)

// fakeClient is a minimal chatapi.Client whose Connect behavior (ready
// success/failure, connect-time error) is scripted per test.
type fakeClient struct {
	connectErr  error
	readyCalled chan struct{}
}

// Connect mimics a real chat session: it stays connected (blocking until
// ctx is cancelled) after firing onReady once, rather than returning
// immediately the way a one-shot fake would.
func (c *fakeClient) Connect(ctx context.Context, onReady func(context.Context) error, _ func(context.Context, chatapi.Message) error) error {
	if c.connectErr != nil {
		return c.connectErr
	}
	if err := onReady(ctx); err != nil {
		return err
	}
	if c.readyCalled != nil {
		close(c.readyCalled)
	}
	<-ctx.Done()
	return ctx.Err()
}
func (c *fakeClient) Close() error { return nil }
func (c *fakeClient) AllChannels(context.Context) ([]chatapi.Channel, error) {
	return nil, nil
}
func (c *fakeClient) HistoryAfter(context.Context, string, string, func(chatapi.HistoryPage) (bool, error)) error {
	return nil
}
func (c *fakeClient) FetchMessage(context.Context, string, string) (chatapi.Message, bool, error) {
	return chatapi.Message{}, false, nil
}
func (c *fakeClient) SendMessage(context.Context, string, string, string) (chatapi.Message, error) {
	return chatapi.Message{}, nil
}
func (c *fakeClient) SendFile(context.Context, string, string, string, string, io.Reader) (chatapi.Message, error) {
	return chatapi.Message{}, nil
}
func (c *fakeClient) AddReactions(context.Context, string, string, []string) error { return nil }
func (c *fakeClient) RemoveAllReactions(context.Context, string, string) error     { return nil }
func (c *fakeClient) SendDM(context.Context, string, string) error                { return nil }

type fakeVariant struct {
	needsPolling bool
	driveErr     error
	driveBlock   chan struct{}
}

func (v *fakeVariant) Submit(context.Context, string, int, string, string, queueitem.ItemMeta) error {
	return nil
}
func (v *fakeVariant) NeedsPolling() bool { return v.needsPolling }
func (v *fakeVariant) Drive(ctx context.Context) error {
	if v.driveBlock != nil {
		<-v.driveBlock
	}
	if v.driveErr != nil {
		return v.driveErr
	}
	<-ctx.Done()
	return ctx.Err()
}

func newTestIngestor(t *testing.T, client chatapi.Client) *ingest.Ingestor {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.Open(filepath.Join(dir, "db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	return ingest.New(ingest.Config{
		Client:         client,
		Mover:          mover.New(),
		Journal:        urlsx.Open(filepath.Join(dir, "urls.txt")),
		Registry:       reg,
		Submitter:      noopSubmitter{},
		StateDir:       dir,
		TempDir:        dir,
		AttachmentsDir: filepath.Join(dir, "attachments"),
		BaseResolution: 48,
	})
}

type noopSubmitter struct{}

func (noopSubmitter) Submit(context.Context, string, int, string, string, queueitem.ItemMeta) error {
	return nil
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "orchestrator-db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRunCleanShutdownOnContextCancel(t *testing.T) {
	client := &fakeClient{readyCalled: make(chan struct{})}
	ing := newTestIngestor(t, client)
	variant := &fakeVariant{}

	orc := New(Config{
		LockPath:    filepath.Join(t.TempDir(), "run.lock"),
		LockTimeout: time.Second,
		Client:      client,
		Ingestor:    ing,
		Registry:    newTestRegistry(t),
		Variant:     variant,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orc.Run(ctx) }()

	<-client.readyCalled
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunSurfacesStartupErrorFromDiscoverChannels(t *testing.T) {
	client := &fakeClient{}
	// A client whose AllChannels call fails turns channel discovery into a
	// startup error.
	failingClient := &failingAllChannelsClient{fakeClient: client}
	ing := newTestIngestor(t, failingClient)
	variant := &fakeVariant{}

	orc := New(Config{
		LockPath:    filepath.Join(t.TempDir(), "run.lock"),
		LockTimeout: time.Second,
		Client:      failingClient,
		Ingestor:    ing,
		Registry:    newTestRegistry(t),
		Variant:     variant,
	})

	err := orc.Run(context.Background())
	var startupErr *StartupError
	require.ErrorAs(t, err, &startupErr)
}

type failingAllChannelsClient struct {
	*fakeClient
}

func (c *failingAllChannelsClient) AllChannels(context.Context) ([]chatapi.Channel, error) {
	return nil, errors.New("boom: channel listing unavailable")
}

func TestRunSurfacesChatLibraryErrorFromConnect(t *testing.T) {
	client := &fakeClient{connectErr: errors.New("discord: session dropped")}
	ing := newTestIngestor(t, client)
	variant := &fakeVariant{}

	orc := New(Config{
		LockPath:    filepath.Join(t.TempDir(), "run.lock"),
		LockTimeout: time.Second,
		Client:      client,
		Ingestor:    ing,
		Registry:    newTestRegistry(t),
		Variant:     variant,
	})

	err := orc.Run(context.Background())
	var chatErr *ChatLibraryError
	require.ErrorAs(t, err, &chatErr)
}

func TestShutdownClosesIngestorVariantRegistryAndClient(t *testing.T) {
	client := &fakeClient{}
	ing := newTestIngestor(t, client)

	orc := New(Config{
		Client:   client,
		Ingestor: ing,
		Registry: newTestRegistry(t),
		Variant:  &fakeVariant{},
	})

	require.NoError(t, orc.Shutdown(context.Background()))
}
