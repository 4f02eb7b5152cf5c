// Package queueitem defines the data shared by every pipeline stage: the
// per-attachment context that must survive a crash and be carried from the
// originating chat message all the way to the final announcement.
package queueitem

import (
	"fmt"

	"github.com/google/uuid"
)

// ItemMeta is the tagged, versioned envelope for per-item context. The
// original implementation serialized this as a growing positional tuple
// (additional_data.py's AdditionalData) so that old persisted queue entries
// would still decode after a code upgrade added fields. We keep that
// forward/backward-compatibility contract but make the current shape
// explicit and self-describing: Version is always written as the latest
// value, and UnmarshalJSON accepts the legacy short forms.
type ItemMeta struct {
	Version          int    `json:"v"`
	InChannel        string `json:"in_channel"`
	MessageID        string `json:"message_id,omitempty"`
	Title            string `json:"title,omitempty"`
	Description      string `json:"description,omitempty"`
	RerenderingRound int    `json:"rerendering_round"`
	DemoURL          string `json:"demo_url,omitempty"`
	HasUnknown       bool   `json:"has_unknown"`
	Filename         string `json:"filename"`
}

// CurrentVersion is bumped whenever a field is added to ItemMeta.
const CurrentVersion = 1

// NewItemMeta builds a fresh envelope for a first-attempt submission,
// assigning a random filename when the caller has none yet (like
// AdditionalData.reconstruct's uuid4() fallback, but written in the
// hyphenated UUID form rather than as bare hex).
func NewItemMeta(inChannel, messageID, title, description, demoURL, filename string, hasUnknown bool) ItemMeta {
	if filename == "" {
		filename = uuid.New().String()
	}
	return ItemMeta{
		Version:     CurrentVersion,
		InChannel:   inChannel,
		MessageID:   messageID,
		Title:       title,
		Description: description,
		DemoURL:     demoURL,
		Filename:    filename,
		HasUnknown:  hasUnknown,
	}
}

// WithRerender returns a copy bumped to the next re-rendering round, used
// when a finished video was too large and must be rendered again at a lower
// resolution (spec.md §4.I).
func (m ItemMeta) WithRerender() ItemMeta {
	next := m
	next.RerenderingRound++
	return next
}

// UnmarshalJSON accepts either the current tagged-object form or any of the
// legacy positional-array forms persisted by older queue files.
func (m *ItemMeta) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("queueitem: empty item meta")
	}
	if data[0] == '[' {
		return m.unmarshalLegacyArray(data)
	}
	return m.unmarshalObject(data)
}
