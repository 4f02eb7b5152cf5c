// Package urlsx extracts URLs from chat message content and appends them,
// with a back-link to their originating message, to a durable journal file
// (spec.md §4.H). Grounded on discord_downloader/download.py's pattern of
// appending one line per discovered fact to a flat file next to the
// savepoint it is synchronized with.
package urlsx

import (
	"fmt"
	"os"
	"regexp"
)

// urlPattern matches spec.md §8 scenario 6's "ordered substring extraction
// over mixed whitespace": greedy up to the next whitespace rune.
var urlPattern = regexp.MustCompile(`https?://\S+`)

// Extract returns every URL substring in content, in order of appearance.
func Extract(content string) []string {
	return urlPattern.FindAllString(content, -1)
}

// Journal is an append-only log of "{url} {back-link}" lines.
type Journal struct {
	path string
}

// Open returns a Journal backed by path; the file is created on first
// Append if absent.
func Open(path string) *Journal {
	return &Journal{path: path}
}

// Append writes one line per URL found in content, each annotated with
// backLink (the ingestion loop passes "{channel}#{message id}"), and fsyncs
// before returning, so every line is durable before the caller advances the
// channel's savepoint.
func (j *Journal) Append(content, backLink string) error {
	urls := Extract(content)
	if len(urls) == 0 {
		return nil
	}

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("urlsx: open journal %s: %w", j.path, err)
	}
	defer f.Close()

	for _, u := range urls {
		if _, err := fmt.Fprintf(f, "%s %s\n", u, backLink); err != nil {
			return fmt.Errorf("urlsx: append to journal %s: %w", j.path, err)
		}
	}
	return f.Sync()
}
