package renderer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/quakearchive/demobot/internal/pipelineerr"
)

// requestErrorMarker precedes the trailing JSON blob the video-upload
// binary prints to stdout when the host rejects the upload.
const requestErrorMarker = "[RequestError] Server response:"

// VideoUploader invokes the external video-upload binary (spec.md §6): its
// static argv prefix, then --description/--title flags, then "-- <file>".
// Success is the platform identifier on the last line of stdout; failure
// with a structured server response is parsed out of stdout too.
type VideoUploader struct {
	Exe        string
	StaticArgs []string
}

// NewVideoUploader builds an Uploader around exe, invoked with staticArgs
// ahead of the per-call --title/--description/-- <file> arguments.
func NewVideoUploader(exe string, staticArgs []string) *VideoUploader {
	return &VideoUploader{Exe: exe, StaticArgs: staticArgs}
}

// Upload spawns the upload binary against videoFile and returns the
// resulting https://youtu.be/<id> URL. On failure it returns
// *pipelineerr.UploadFailedError carrying videoFile, so the reactor can
// still re-render at lower resolution or post the file directly to chat.
func (u *VideoUploader) Upload(ctx context.Context, title, description, videoFile string) (string, error) {
	args := append(append([]string{}, u.StaticArgs...),
		"--description="+description, "--title="+title, "--", videoFile)

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, u.Exe, args...)
	cmd.Stdout = &stdout
	runErr := cmd.Run()

	out := stdout.String()
	if runErr != nil {
		if idx := strings.Index(out, requestErrorMarker); idx >= 0 {
			trailing := strings.TrimSpace(out[idx+len(requestErrorMarker):])
			var structured map[string]interface{}
			if jsonErr := json.Unmarshal([]byte(trailing), &structured); jsonErr == nil {
				return "", &pipelineerr.UploadFailedError{
					LocalVideoPath: videoFile,
					Err:            fmt.Errorf("video upload rejected: %v", structured),
				}
			}
			return "", &pipelineerr.UploadFailedError{
				LocalVideoPath: videoFile,
				Err:            fmt.Errorf("video upload rejected: %s", trailing),
			}
		}
		return "", &pipelineerr.UploadFailedError{LocalVideoPath: videoFile, Err: runErr}
	}

	id := lastNonEmptyLine(out)
	if id == "" {
		return "", &pipelineerr.UploadFailedError{
			LocalVideoPath: videoFile,
			Err:            fmt.Errorf("video upload produced no identifier on stdout"),
		}
	}
	return "https://youtu.be/" + id, nil
}

func lastNonEmptyLine(s string) string {
	scanner := bufio.NewScanner(strings.NewReader(s))
	var last string
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = line
		}
	}
	return last
}
