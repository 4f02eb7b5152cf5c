package renderer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quakearchive/demobot/internal/pipelineerr"
)

// fakeRendererScript stands in for the game engine binary: it reads the
// +exec config file passed as its second argument, extracts the
// video-pipe id, and writes an empty .mp4 of that name into videoDir.
func fakeRendererScript(t *testing.T, videoDir string, exitCode int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-renderer.sh")
	script := `#!/bin/sh
cfg="$2"
id=$(grep video-pipe "$cfg" | sed -E 's/.*"(.*)".*/\1/')
if [ ` + itoa(exitCode) + ` -eq 0 ]; then
  touch "` + videoDir + `/$id.mp4"
fi
exit ` + itoa(exitCode) + `
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	if neg {
		digits = "-" + digits
	}
	return digits
}

func TestRenderProducesVideoFile(t *testing.T) {
	rendererDir := t.TempDir()
	videoDir := t.TempDir()
	script := fakeRendererScript(t, videoDir, 0)

	r := NewDemoRenderer(rendererDir, script, videoDir, `set vid_quality "high"`, "dm_68")
	videoFile, err := r.Render(context.Background(), "https://example.com/demo.dm_68", []byte("demo-bytes"))
	require.NoError(t, err)
	require.FileExists(t, videoFile)
}

func TestRenderNonZeroExitIsFatal(t *testing.T) {
	rendererDir := t.TempDir()
	videoDir := t.TempDir()
	script := fakeRendererScript(t, videoDir, 7)

	r := NewDemoRenderer(rendererDir, script, videoDir, "", "dm_68")
	_, err := r.Render(context.Background(), "https://example.com/demo.dm_68", []byte("demo-bytes"))
	require.Error(t, err)

	var renderErr *pipelineerr.RendererFailedError
	require.True(t, errors.As(err, &renderErr))
	require.Equal(t, 7, renderErr.ExitCode)
}
