// Package ingest implements the chat ingestion loop (component H of
// spec.md): channel discovery, per-channel savepoint-gated history replay,
// URL-journal archival, attachment deduplication via the mover, and
// dispatch of demo attachments into the active rendering queue. Grounded on
// discord_downloader/download.py's DownloaderClient.download_channel, with
// the savepoint/before_sync/after_sync wiring it already establishes.
package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/quakearchive/demobot/internal/analyzer"
	"github.com/quakearchive/demobot/internal/chatapi"
	"github.com/quakearchive/demobot/internal/mover"
	"github.com/quakearchive/demobot/internal/queueitem"
	"github.com/quakearchive/demobot/internal/registry"
	"github.com/quakearchive/demobot/internal/state"
	"github.com/quakearchive/demobot/internal/urlsx"
)

// demoPattern matches spec.md §4.H's ".dm_6[0-9]$" attachment filename rule.
var demoPattern = regexp.MustCompile(`\.dm_6[0-9]$`)

// Submitter is satisfied by both queue variants (component F and G), so
// the ingestion loop can submit demos without knowing which is active.
type Submitter interface {
	Submit(ctx context.Context, demoURL string, resolution int, title, description string, item queueitem.ItemMeta) error
}

// Reactions carries the four emoji sets applied to an origin message as it
// moves through WIP -> done/failed/rejected.
type Reactions struct {
	WIP      []string
	Rejected []string
	Done     []string
	Failed   []string
}

// Ingestor drives channel discovery, history replay, and per-message
// handling.
type Ingestor struct {
	client    chatapi.Client
	mover     *mover.Mover
	analyzer  *analyzer.Analyzer
	journal   *urlsx.Journal
	registry  *registry.Registry
	submitter Submitter
	reactions Reactions

	stateDir       string
	tempDir        string
	attachmentsDir string
	baseResolution int

	configuredChannels  map[string][]string // input channel name -> output channel names
	legacyOutputChannel string

	mu             sync.Mutex // cooperative lock: serializes bulk replay and live message handling
	dirty          bool
	dirtyMu        sync.Mutex
	channelsByName map[string]chatapi.Channel
	savepoints     map[string]*state.Savepoint
}

// Config bundles Ingestor's construction-time dependencies.
type Config struct {
	Client              chatapi.Client
	Mover               *mover.Mover
	Analyzer            *analyzer.Analyzer
	Journal             *urlsx.Journal
	Registry            *registry.Registry
	Submitter           Submitter
	Reactions           Reactions
	StateDir            string
	TempDir             string
	AttachmentsDir      string
	BaseResolution      int
	ConfiguredChannels  map[string][]string
	LegacyOutputChannel string
}

// New builds an Ingestor from cfg.
func New(cfg Config) *Ingestor {
	return &Ingestor{
		client:              cfg.Client,
		mover:               cfg.Mover,
		analyzer:            cfg.Analyzer,
		journal:             cfg.Journal,
		registry:            cfg.Registry,
		submitter:           cfg.Submitter,
		reactions:           cfg.Reactions,
		stateDir:            cfg.StateDir,
		tempDir:             cfg.TempDir,
		attachmentsDir:      cfg.AttachmentsDir,
		baseResolution:      cfg.BaseResolution,
		configuredChannels:  cfg.ConfiguredChannels,
		legacyOutputChannel: cfg.LegacyOutputChannel,
		channelsByName:      map[string]chatapi.Channel{},
		savepoints:          map[string]*state.Savepoint{},
	}
}

// DiscoverChannels enumerates every channel the client can see, builds the
// name->channel map, and fails fast if any configured input channel is
// missing (name collisions are impossible to represent in a map, so a
// colliding name simply overwrites — matching discord.py's last-writer
// behavior would be wrong; detect and fail instead, per spec.md §4.H).
func (ing *Ingestor) DiscoverChannels(ctx context.Context) error {
	all, err := ing.client.AllChannels(ctx)
	if err != nil {
		return fmt.Errorf("ingest: list channels: %w", err)
	}

	seen := map[string]bool{}
	byName := map[string]chatapi.Channel{}
	for _, ch := range all {
		if seen[ch.Name] {
			return fmt.Errorf("ingest: multiple channels named %q", ch.Name)
		}
		seen[ch.Name] = true
		byName[ch.Name] = ch
	}

	var missing []string
	for name := range ing.configuredChannels {
		if _, ok := byName[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("ingest: configured channels not found: %s", strings.Join(missing, ", "))
	}

	ing.channelsByName = byName
	return nil
}

// ResolveOutputChannels returns the output channel names for inChannel,
// falling back to the legacy single-channel default when inChannel is
// unconfigured or empty.
func (ing *Ingestor) ResolveOutputChannels(inChannel string) []string {
	if outs, ok := ing.configuredChannels[inChannel]; ok && len(outs) > 0 {
		return outs
	}
	if ing.legacyOutputChannel != "" {
		return []string{ing.legacyOutputChannel}
	}
	return nil
}

// ChannelID resolves a known channel name (origin or output) to its
// platform id, for the reactor to post to and react on.
func (ing *Ingestor) ChannelID(name string) (string, bool) {
	ch, ok := ing.channelsByName[name]
	return ch.ID, ok
}

// Close forces a final flush of every channel savepoint opened so far, part
// of the orchestrator's shutdown path (spec.md §4.J).
func (ing *Ingestor) Close() error {
	for _, sp := range ing.savepoints {
		if err := sp.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (ing *Ingestor) savepointFor(channelName string) (*state.Savepoint, error) {
	if sp, ok := ing.savepoints[channelName]; ok {
		return sp, nil
	}
	path := filepath.Join(ing.stateDir, sanitizeChannelFilename(channelName)+".txt")
	sp, err := state.OpenSavepoint(path)
	if err != nil {
		return nil, err
	}
	ing.savepoints[channelName] = sp
	return sp, nil
}

// sanitizeChannelFilename mirrors download.py's urllib.parse.quote(name),
// percent-encoding every UTF-8 byte outside the unreserved set ('/' is
// encoded too), so a channel name with "--" or other separators still
// yields a single valid filename.
func sanitizeChannelFilename(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// markDirty flags that a live message arrived while a bulk replay held the
// lock; Replay re-runs once more after noticing this flag (spec.md §4.H).
func (ing *Ingestor) markDirty() {
	ing.dirtyMu.Lock()
	ing.dirty = true
	ing.dirtyMu.Unlock()
}

func (ing *Ingestor) consumeDirty() bool {
	ing.dirtyMu.Lock()
	defer ing.dirtyMu.Unlock()
	d := ing.dirty
	ing.dirty = false
	return d
}

// OnMessage is the live message handler registered with the chat client.
// If a bulk replay is in progress (lock held), it defers to the dirty flag
// instead of blocking, so a live event never runs concurrently with replay.
func (ing *Ingestor) OnMessage(ctx context.Context, msg chatapi.Message) error {
	if !ing.mu.TryLock() {
		ing.markDirty()
		return nil
	}
	defer ing.mu.Unlock()

	channelName := ing.channelNameByID(msg.ChannelID)
	if channelName == "" {
		return nil
	}
	return ing.processMessage(ctx, channelName, msg)
}

func (ing *Ingestor) channelNameByID(id string) string {
	for name, ch := range ing.channelsByName {
		if ch.ID == id {
			return name
		}
	}
	return ""
}

// messageIDInt parses a chat message id into the monotonic integer the
// savepoint tracks.
func messageIDInt(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ingest: non-numeric message id %q: %w", id, err)
	}
	return n, nil
}

// reportIngestError logs an ingestion-path failure at error level with
// context, matching spec.md §7's "every exception path is also logged at
// error level with stack" requirement for the pieces that live in H.
func reportIngestError(channelName, messageID string, err error) {
	log.Error().Err(err).Str("channel", channelName).Str("message_id", messageID).Msg("ingest: failed to process message")
}
