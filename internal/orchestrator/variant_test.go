package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quakearchive/demobot/internal/localqueue"
	"github.com/quakearchive/demobot/internal/pipelineerr"
	"github.com/quakearchive/demobot/internal/queueitem"
	"github.com/quakearchive/demobot/internal/remotequeue"
)

type fakeLocalRenderer struct{}

func (fakeLocalRenderer) Render(_ context.Context, _ string, _ []byte) (string, error) {
	return "/tmp/rendered.mp4", nil
}

type fakeLocalUploader struct{}

func (fakeLocalUploader) Upload(_ context.Context, _, _, _ string) (string, error) {
	return "https://videos.example/clip", nil
}

func TestAutonomousVariantPromotesSubmitAndClose(t *testing.T) {
	queue, err := localqueue.Open(filepath.Join(t.TempDir(), "queue.json"), fakeLocalRenderer{}, fakeLocalUploader{}, time.Millisecond)
	require.NoError(t, err)

	variant := AutonomousVariant{Queue: queue}
	require.False(t, variant.NeedsPolling())

	item := queueitem.NewItemMeta("in", "msg-1", "title", "desc", "https://demo/clip.dm_68", "clip.dm_68", false)
	require.NoError(t, variant.Submit(context.Background(), "https://demo/clip.dm_68", 48, "title", "desc", item))
	require.NoError(t, queue.Close())
}

type fakeRemoteClient struct {
	submitErr    error
	renderID     int64
	status       map[int64]struct {
		videoURL string
		done     bool
		err      error
	}
}

func (c *fakeRemoteClient) Submit(_ context.Context, _ string, _ int, _, _ string) (int64, error) {
	if c.submitErr != nil {
		return 0, c.submitErr
	}
	c.renderID++
	return c.renderID, nil
}

func (c *fakeRemoteClient) CheckStatus(_ context.Context, renderID int64) (string, bool, error) {
	s := c.status[renderID]
	return s.videoURL, s.done, s.err
}

func TestPollingVariantTickDispatchesDoneAndFail(t *testing.T) {
	client := &fakeRemoteClient{status: map[int64]struct {
		videoURL string
		done     bool
		err      error
	}{}}
	queue, err := remotequeue.Open(filepath.Join(t.TempDir(), "queue.json"), client)
	require.NoError(t, err)
	defer queue.Close()

	item := queueitem.NewItemMeta("in", "msg-1", "title", "desc", "https://demo/clip.dm_68", "clip.dm_68", false)
	require.NoError(t, queue.Submit(context.Background(), "https://demo/clip.dm_68", 48, "title", "desc", item))
	client.status[1] = struct {
		videoURL string
		done     bool
		err      error
	}{videoURL: "https://videos.example/clip", done: true}

	var gotSuccessURL string
	var gotFailErr error
	variant := NewPollingVariant(queue, time.Millisecond,
		func(_ context.Context, videoURL string, _ queueitem.ItemMeta) error {
			gotSuccessURL = videoURL
			return nil
		},
		func(_ context.Context, _ int64, cause error, _ queueitem.ItemMeta) error {
			gotFailErr = cause
			return nil
		},
	)
	require.True(t, variant.NeedsPolling())

	require.NoError(t, variant.Tick(context.Background()))
	require.Equal(t, "https://videos.example/clip", gotSuccessURL)
	require.Nil(t, gotFailErr)
	require.NoError(t, variant.Close())
}

func TestPollingVariantTickReportsCheckFailure(t *testing.T) {
	client := &fakeRemoteClient{status: map[int64]struct {
		videoURL string
		done     bool
		err      error
	}{}}
	queue, err := remotequeue.Open(filepath.Join(t.TempDir(), "queue.json"), client)
	require.NoError(t, err)
	defer queue.Close()

	item := queueitem.NewItemMeta("in", "msg-1", "title", "desc", "https://demo/clip.dm_68", "clip.dm_68", false)
	require.NoError(t, queue.Submit(context.Background(), "https://demo/clip.dm_68", 48, "title", "desc", item))
	client.status[1] = struct {
		videoURL string
		done     bool
		err      error
	}{err: pipelineerr.ErrAlreadySubmitted}

	var gotFailErr error
	variant := NewPollingVariant(queue, time.Millisecond,
		func(_ context.Context, _ string, _ queueitem.ItemMeta) error { return nil },
		func(_ context.Context, _ int64, cause error, _ queueitem.ItemMeta) error {
			gotFailErr = cause
			return nil
		},
	)
	require.NoError(t, variant.Tick(context.Background()))
	require.ErrorIs(t, gotFailErr, pipelineerr.ErrAlreadySubmitted)
}
