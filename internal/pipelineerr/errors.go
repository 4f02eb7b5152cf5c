// Package pipelineerr collects the typed error taxonomy from spec.md §7, so
// callers can dispatch on error kind with errors.As/errors.Is instead of
// string-matching the way demo_uploaders.py's exception hierarchy did.
package pipelineerr

import (
	"errors"
	"fmt"
)

// ErrQueueFull signals that the remote rendering provider refused
// admission. The caller is expected to back the item off into local
// overflow (spec.md §4.F).
var ErrQueueFull = errors.New("pipeline: remote queue is full")

// ErrAlreadySubmitted signals the remote provider reported success with no
// render id, meaning the demo was already submitted previously. The item is
// dropped, not retried.
var ErrAlreadySubmitted = errors.New("pipeline: demo already submitted to remote provider")

// ErrChannelForbidden signals history replay was denied on a channel; the
// channel is skipped with a warning.
var ErrChannelForbidden = errors.New("pipeline: channel history access forbidden")

// UploadFailedError is raised by the video uploader when it fails but still
// produced a playable .mp4 (demo_uploaders.py's VideoUploadException),
// carrying the local file path so the reactor can re-render at lower
// resolution or post the file directly to chat.
type UploadFailedError struct {
	LocalVideoPath string
	Err            error
}

func (e *UploadFailedError) Error() string {
	return fmt.Sprintf("pipeline: upload failed with artifact %s: %v", e.LocalVideoPath, e.Err)
}

func (e *UploadFailedError) Unwrap() error { return e.Err }

// RendererFailedError wraps a non-zero exit from the local renderer binary.
type RendererFailedError struct {
	ExitCode int
	Stderr   string
}

func (e *RendererFailedError) Error() string {
	return fmt.Sprintf("pipeline: renderer exited %d: %s", e.ExitCode, e.Stderr)
}

// AnalyzerFailedError wraps a metadata-extraction failure.
type AnalyzerFailedError struct {
	Err error
}

func (e *AnalyzerFailedError) Error() string {
	return fmt.Sprintf("pipeline: demo analysis failed: %v", e.Err)
}

func (e *AnalyzerFailedError) Unwrap() error { return e.Err }

// TransportFailedError wraps an HTTP call to the remote provider failing
// outright (as opposed to responding with a structured Queue-Full or
// already-submitted error).
type TransportFailedError struct {
	Err error
}

func (e *TransportFailedError) Error() string {
	return fmt.Sprintf("pipeline: transport to remote provider failed: %v", e.Err)
}

func (e *TransportFailedError) Unwrap() error { return e.Err }
