package localqueue

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quakearchive/demobot/internal/queueitem"
)

type fakeRenderer struct {
	err error
}

func (r *fakeRenderer) Render(_ context.Context, _ string, body []byte) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return "/tmp/" + string(body) + ".mp4", nil
}

type fakeUploader struct {
	err error
}

func (u *fakeUploader) Upload(_ context.Context, _, _, videoFile string) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	return "https://youtu.be/" + videoFile, nil
}

func TestQueueRunsAllThreeStagesToCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("demo-bytes"))
	}))
	defer srv.Close()

	q, err := Open(filepath.Join(t.TempDir(), "local.json"), &fakeRenderer{}, &fakeUploader{}, 20*time.Millisecond)
	require.NoError(t, err)

	var mu sync.Mutex
	var gotURL string
	done := make(chan struct{})
	q.AddDoneCallback(func(_ context.Context, videoURL string, _ queueitem.ItemMeta) error {
		mu.Lock()
		gotURL = videoURL
		mu.Unlock()
		close(done)
		return nil
	})
	var failCount int32
	q.AddFailCallback(func(_ context.Context, _ string, _ error, _ queueitem.ItemMeta) error {
		atomic.AddInt32(&failCount, 1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- q.Run(ctx) }()

	item := queueitem.NewItemMeta("chan", "msg", "t", "d", srv.URL, "demo1", false)
	require.NoError(t, q.Submit(ctx, srv.URL, 28, "t", "d", item))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("done callback never fired")
	}

	mu.Lock()
	require.Contains(t, gotURL, "https://youtu.be/")
	mu.Unlock()
	require.Equal(t, int32(0), atomic.LoadInt32(&failCount))

	cancel()
	err = <-runErr
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueueReportsRenderFailureAndContinues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("demo-bytes"))
	}))
	defer srv.Close()

	renderErr := errors.New("renderer exploded")
	q, err := Open(filepath.Join(t.TempDir(), "local.json"), &fakeRenderer{err: renderErr}, &fakeUploader{}, time.Millisecond)
	require.NoError(t, err)

	failed := make(chan error, 1)
	q.AddFailCallback(func(_ context.Context, _ string, cause error, _ queueitem.ItemMeta) error {
		failed <- cause
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()

	item := queueitem.NewItemMeta("chan", "msg", "t", "d", srv.URL, "demo1", false)
	require.NoError(t, q.Submit(ctx, srv.URL, 28, "t", "d", item))

	select {
	case cause := <-failed:
		require.ErrorIs(t, cause, renderErr)
	case <-time.After(2 * time.Second):
		t.Fatal("fail callback never fired")
	}

	// The failed item was dropped and the render stage keeps going: a second
	// submission is picked up and reported the same way.
	item2 := queueitem.NewItemMeta("chan", "msg2", "t", "d", srv.URL, "demo2", false)
	require.NoError(t, q.Submit(ctx, srv.URL, 28, "t", "d", item2))

	select {
	case cause := <-failed:
		require.ErrorIs(t, cause, renderErr)
	case <-time.After(2 * time.Second):
		t.Fatal("render stage stopped after the first failure")
	}
}

func TestPublishCallbackErrorHaltsRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("demo-bytes"))
	}))
	defer srv.Close()

	q, err := Open(filepath.Join(t.TempDir(), "local.json"), &fakeRenderer{}, &fakeUploader{}, time.Millisecond)
	require.NoError(t, err)

	boom := errors.New("boom in done callback")
	q.AddDoneCallback(func(_ context.Context, _ string, _ queueitem.ItemMeta) error {
		return boom
	})
	q.AddFailCallback(func(_ context.Context, _ string, cause error, _ queueitem.ItemMeta) error {
		return cause
	})

	ctx := context.Background()
	runErr := make(chan error, 1)
	go func() { runErr <- q.Run(ctx) }()

	item := queueitem.NewItemMeta("chan", "msg", "t", "d", srv.URL, "demo1", false)
	require.NoError(t, q.Submit(ctx, srv.URL, 28, "t", "d", item))

	select {
	case err := <-runErr:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run never halted on publish-stage callback error")
	}
}

// TestPublishCallbackErrorHaltsEvenWhenFailCallbacksSucceed covers spec.md
// §4.G/§7's redesigned behavior: a failing done callback must halt the
// process and leave the item in waiting_queue even when every fail
// callback itself returns cleanly, so a completed artifact is never
// silently dropped just because its announcement failed.
func TestPublishCallbackErrorHaltsEvenWhenFailCallbacksSucceed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("demo-bytes"))
	}))
	defer srv.Close()

	q, err := Open(filepath.Join(t.TempDir(), "local.json"), &fakeRenderer{}, &fakeUploader{}, time.Millisecond)
	require.NoError(t, err)

	boom := errors.New("boom in done callback")
	q.AddDoneCallback(func(_ context.Context, _ string, _ queueitem.ItemMeta) error {
		return boom
	})
	var failCalled bool
	q.AddFailCallback(func(_ context.Context, _ string, _ error, _ queueitem.ItemMeta) error {
		failCalled = true
		return nil
	})

	ctx := context.Background()
	runErr := make(chan error, 1)
	go func() { runErr <- q.Run(ctx) }()

	item := queueitem.NewItemMeta("chan", "msg", "t", "d", srv.URL, "demo1", false)
	require.NoError(t, q.Submit(ctx, srv.URL, 28, "t", "d", item))

	select {
	case err := <-runErr:
		require.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("Run never halted on publish-stage callback error")
	}

	require.True(t, failCalled)
	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.store.Value.WaitingQueue, 1, "completed item must not be popped when the done callback failed")
}
