// Package renderer wraps the two external binaries the local-rendering
// variant drives (spec.md §6): the demo-renderer, which turns raw demo
// bytes into an .mp4 by replaying them inside the game engine, and the
// video-upload binary, which hosts that .mp4 and returns its public URL.
// Both satisfy internal/localqueue's Renderer/Uploader interfaces.
// Grounded on discord_downloader/demo_uploaders.py's subprocess-adjacent
// exception shapes and the teacher's exec.CommandContext idiom in
// api/pkg/model/cog_sdxl.go.
package renderer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quakearchive/demobot/internal/pipelineerr"
)

// DemoRenderer spawns the local renderer binary to produce an .mp4 from a
// demo's raw bytes.
type DemoRenderer struct {
	RendererDir    string // working directory the renderer binary runs in
	RendererExe    string // e.g. "odfe.x64" spawned as "+exec <cfgfile>"
	VideoDir       string // where "{id}.mp4" lands once rendering finishes
	ConfigPrefix   string // extra cfg lines prepended before demo/video-pipe/nextdemo
	DemoExtPattern string // e.g. "dm_68"; used only to name the scratch file
}

// NewDemoRenderer builds a DemoRenderer from its configured directories and
// executable.
func NewDemoRenderer(rendererDir, rendererExe, videoDir, configPrefix, demoExtPattern string) *DemoRenderer {
	return &DemoRenderer{
		RendererDir: rendererDir, RendererExe: rendererExe, VideoDir: videoDir,
		ConfigPrefix: configPrefix, DemoExtPattern: demoExtPattern,
	}
}

// Render writes body to a scratch demo file, writes a matching renderer
// config, spawns the renderer binary, and returns the produced .mp4's path.
// demoURL is only used for logging context.
func (r *DemoRenderer) Render(ctx context.Context, demoURL string, body []byte) (string, error) {
	id := fmt.Sprintf("%d-%s", time.Now().UnixNano(), strings.ReplaceAll(uuid.New().String(), "-", ""))
	demoFile := filepath.Join(r.RendererDir, id+"."+r.DemoExtPattern)
	cfgFile := filepath.Join(r.RendererDir, id+".cfg")

	if err := os.WriteFile(demoFile, body, 0o644); err != nil {
		return "", fmt.Errorf("renderer: write scratch demo %s: %w", demoFile, err)
	}
	defer os.Remove(demoFile)

	cfg := fmt.Sprintf("%s\ndemo \"%s\"\nvideo-pipe \"%s\"\nset nextdemo \"wait 100; quit\"\n",
		r.ConfigPrefix, id, id)
	if err := os.WriteFile(cfgFile, []byte(cfg), 0o644); err != nil {
		return "", fmt.Errorf("renderer: write config %s: %w", cfgFile, err)
	}
	defer os.Remove(cfgFile)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.RendererExe, "+exec", cfgFile)
	cmd.Dir = r.RendererDir
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return "", &pipelineerr.RendererFailedError{ExitCode: exitCode, Stderr: stderr.String()}
	}

	videoFile := filepath.Join(r.VideoDir, id+".mp4")
	if _, err := os.Stat(videoFile); err != nil {
		return "", fmt.Errorf("renderer: expected output %s missing: %w", videoFile, err)
	}
	log.Debug().Str("demo_url", demoURL).Str("video_file", videoFile).Msg("renderer: produced video")
	return videoFile, nil
}
