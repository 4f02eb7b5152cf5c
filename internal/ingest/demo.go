package ingest

import (
	"fmt"

	"github.com/quakearchive/demobot/internal/analyzer"
)

// unknownField is substituted for any of the four headline attributes the
// analyzer didn't report, mirroring the original's tolerance for partial
// demo metadata (old demo formats, custom mods).
const unknownField = "???"

// demoFields is the subset of analyzer.Attributes the title and description
// are built from. The analyzer's root-children element carrying these
// attributes is assumed to be named "general"; a demo whose analyzer output
// lacks that element degrades to unknownField placeholders rather than
// failing the submission.
type demoFields struct {
	nick       string
	time       string
	physics    string
	mapname    string
	hasUnknown bool
}

func extractDemoFields(attrs analyzer.Attributes) demoFields {
	general := attrs["general"]
	f := demoFields{
		nick:    fieldOr(general, "nick"),
		time:    fieldOr(general, "time"),
		physics: fieldOr(general, "physics"),
		mapname: fieldOr(general, "mapname"),
	}
	f.hasUnknown = f.nick == unknownField || f.time == unknownField || f.physics == unknownField || f.mapname == unknownField
	return f
}

func fieldOr(m map[string]string, key string) string {
	if v, ok := m[key]; ok && v != "" {
		return v
	}
	return unknownField
}

// composeTitle builds the human-readable video title, spec.md §4.H's
// "DeFRaG: {nick} {time} {physics} {mapname}" form.
func composeTitle(f demoFields) string {
	return fmt.Sprintf("DeFRaG: %s %s %s %s", f.nick, f.time, f.physics, f.mapname)
}

// composeDescription builds the multi-line video description, attributing
// the clip back to its originating chat message.
func composeDescription(channelName string, msgID string, f demoFields) string {
	return fmt.Sprintf(
		"Player: %s\nTime: %s\nPhysics: %s\nMap: %s\n\nSubmitted via %s (message %s)",
		f.nick, f.time, f.physics, f.mapname, channelName, msgID,
	)
}
