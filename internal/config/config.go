// Package config loads demobot's configuration from the environment (and
// an optional .env file), mirroring spec.md §6's option table. Grounded on
// api/pkg/config/config.go's nested-struct-of-envconfig-tags idiom.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Provider selects which rendering queue variant drives submissions.
type Provider string

const (
	ProviderIgmdb          Provider = "igmdb"
	ProviderLocalRendering Provider = "local-rendering"
)

// Config is the full set of options spec.md §6 recognizes.
type Config struct {
	Discord     Discord
	Channels    Channels
	Directories Directories
	Rendering   Rendering
	Igmdb       Igmdb
	Local       LocalRendering
	Reactions   Reactions
	Messages    Messages
}

type Discord struct {
	Token             string `envconfig:"DISCORD_TOKEN" required:"true"`
	MaxVideoSizeBytes int64  `envconfig:"DISCORD_MAX_VIDEO_SIZE" default:"8388608"`
	OperatorUserID    string `envconfig:"DISCORD_OPERATOR_USER_ID"`
}

// Channels maps an input channel name to one or more output channel names.
// CHANNELS is a JSON object (envconfig has no native map-of-slice support);
// a bare string value is accepted too, for a channel with a single output.
// RenderingOutputChannel is the legacy single-channel fallback applied to
// items whose in_channel is unset (pre-dating per-channel output mapping).
type Channels struct {
	Raw                    string              `envconfig:"CHANNELS"`
	Map                    map[string][]string `ignored:"true"`
	RenderingOutputChannel string              `envconfig:"RENDERING_OUTPUT_CHANNEL"`
}

type Directories struct {
	State       string `envconfig:"STATE_DIRECTORY" required:"true"`
	Temp        string `envconfig:"TEMP_DIRECTORY" required:"true"`
	Attachments string `envconfig:"ATTACHMENTS_DIRECTORY" required:"true"`
	URLsFile    string `envconfig:"URLS_FILE" required:"true"`
}

type Rendering struct {
	Provider       Provider `envconfig:"DEMO_RENDERING_PROVIDER" default:"igmdb"`
	DemocleanerExe string   `envconfig:"DEMOCLEANER_EXE" required:"true"`
	// BaseResolution is the resolution a demo is submitted at on its first
	// attempt, before any oversize-triggered re-render lowers it.
	BaseResolution int `envconfig:"DEMO_RENDERING_BASE_RESOLUTION" default:"48"`
}

type Igmdb struct {
	Token           string        `envconfig:"IGMDB_TOKEN"`
	PollingInterval time.Duration `envconfig:"IGMDB_POLLING_INTERVAL" default:"5m"`
	BaseURL         string        `envconfig:"IGMDB_BASE_URL" default:"https://www.igmdb.org/processor.php"`
}

type LocalRendering struct {
	RendererDir        string        `envconfig:"DEMO_RENDERING_LOCAL_RENDERER_DIR"`
	RendererExe        string        `envconfig:"DEMO_RENDERING_LOCAL_RENDERER_EXE"`
	VideoDir           string        `envconfig:"DEMO_RENDERING_LOCAL_VIDEO_DIR"`
	ConfigPrefix       string        `envconfig:"DEMO_RENDERING_LOCAL_CONFIG_PREFIX"`
	UploaderExe        string        `envconfig:"DEMO_RENDERING_LOCAL_UPLOADER_EXE"`
	UploaderArgs       []string      `envconfig:"DEMO_RENDERING_LOCAL_UPLOADER_ARGS"`
	PublishingDelay    time.Duration `envconfig:"DEMO_RENDERING_LOCAL_PUBLISHING_DELAY" default:"10m"`
	RerenderResolution int           `envconfig:"DEMO_RENDERING_RERENDER_RESOLUTION" default:"28"`
	DemoExtPattern     string        `envconfig:"DEMO_RENDERING_LOCAL_DEMO_EXT" default:"dm_68"`
}

type Reactions struct {
	WIP      []string `envconfig:"REACTIONS_WIP" default:"⏳"`
	Rejected []string `envconfig:"REACTIONS_REJECTED" default:"♻️"`
	Done     []string `envconfig:"REACTIONS_DONE" default:"✅"`
	Failed   []string `envconfig:"REACTIONS_FAILED" default:"❌"`
}

type Messages struct {
	DonePrefix        string `envconfig:"RENDERING_DONE_MESSAGE_PREFIX" default:""`
	DoneSuffix        string `envconfig:"RENDERING_DONE_MESSAGE_SUFFIX" default:""`
	DoneDiscordPrefix string `envconfig:"RENDERING_DONE_MESSAGE_DISCORD_PREFIX" default:"Rendered: "`
	// AlreadyRendered is loaded but not passed to the ingestion loop, which
	// always replies with the fixed text "Already rendered: <url>".
	AlreadyRendered string `envconfig:"ALREADY_RENDERED_MESSAGE" default:"Already rendered: %s"`
}

// Load reads a .env file if present (missing is not an error) and then
// populates Config from the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: process environment: %w", err)
	}

	if cfg.Channels.Raw != "" {
		if err := parseChannels(cfg.Channels.Raw, &cfg.Channels.Map); err != nil {
			return Config{}, fmt.Errorf("config: parse CHANNELS: %w", err)
		}
	}
	return cfg, nil
}

// parseChannels decodes CHANNELS, accepting either `{"in": "out"}` or
// `{"in": ["out1", "out2"]}` per entry.
func parseChannels(raw string, out *map[string][]string) error {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return err
	}
	result := make(map[string][]string, len(generic))
	for in, value := range generic {
		var list []string
		if err := json.Unmarshal(value, &list); err == nil {
			result[in] = list
			continue
		}
		var single string
		if err := json.Unmarshal(value, &single); err != nil {
			return fmt.Errorf("channel %q: %w", in, err)
		}
		result[in] = []string{single}
	}
	*out = result
	return nil
}
