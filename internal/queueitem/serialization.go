package queueitem

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// itemMetaAlias avoids infinite recursion into ItemMeta's own
// UnmarshalJSON/MarshalJSON when delegating to the default struct codec.
type itemMetaAlias ItemMeta

func (m *ItemMeta) unmarshalObject(data []byte) error {
	var alias itemMetaAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return fmt.Errorf("queueitem: decode item meta: %w", err)
	}
	*m = ItemMeta(alias)
	if m.Filename == "" {
		m.Filename = uuid.New().String()
	}
	return nil
}

// unmarshalLegacyArray decodes the positional-tuple shapes the Python
// implementation wrote before the tagged envelope existed:
//
//	[in_channel]
//	[in_channel, message_id]
//	[in_channel, message_id, title, description, rerendering_round, url]
//	[in_channel, message_id, title, description, rerendering_round, url, has_unknown, filename]
//
// Anything shorter than the full form gets the same defaults
// AdditionalData.reconstruct used: nil title/description/round/url,
// has_unknown=false, and a freshly generated filename.
func (m *ItemMeta) unmarshalLegacyArray(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("queueitem: decode legacy item meta: %w", err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("queueitem: empty legacy item meta array")
	}

	out := ItemMeta{Version: CurrentVersion, Filename: uuid.New().String()}
	if err := decodeField(raw, 0, &out.InChannel); err != nil {
		return err
	}
	if err := decodeOptionalString(raw, 1, &out.MessageID); err != nil {
		return err
	}
	if err := decodeOptionalString(raw, 2, &out.Title); err != nil {
		return err
	}
	if err := decodeOptionalString(raw, 3, &out.Description); err != nil {
		return err
	}
	if err := decodeOptionalInt(raw, 4, &out.RerenderingRound); err != nil {
		return err
	}
	if err := decodeOptionalString(raw, 5, &out.DemoURL); err != nil {
		return err
	}
	if len(raw) > 6 {
		if err := json.Unmarshal(raw[6], &out.HasUnknown); err != nil {
			return fmt.Errorf("queueitem: decode legacy has_unknown: %w", err)
		}
	}
	if len(raw) > 7 {
		var filename string
		if err := json.Unmarshal(raw[7], &filename); err != nil {
			return fmt.Errorf("queueitem: decode legacy filename: %w", err)
		}
		if filename != "" {
			out.Filename = filename
		}
	}

	*m = out
	return nil
}

func decodeField(raw []json.RawMessage, idx int, dest *string) error {
	if idx >= len(raw) {
		return fmt.Errorf("queueitem: legacy item meta missing required field %d", idx)
	}
	if err := json.Unmarshal(raw[idx], dest); err != nil {
		return fmt.Errorf("queueitem: decode legacy field %d: %w", idx, err)
	}
	return nil
}

func decodeOptionalString(raw []json.RawMessage, idx int, dest *string) error {
	if idx >= len(raw) || isNull(raw[idx]) {
		return nil
	}
	if err := json.Unmarshal(raw[idx], dest); err != nil {
		return fmt.Errorf("queueitem: decode legacy optional field %d: %w", idx, err)
	}
	return nil
}

func decodeOptionalInt(raw []json.RawMessage, idx int, dest *int) error {
	if idx >= len(raw) || isNull(raw[idx]) {
		return nil
	}
	if err := json.Unmarshal(raw[idx], dest); err != nil {
		return fmt.Errorf("queueitem: decode legacy optional int %d: %w", idx, err)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}

// MarshalJSON always writes the current tagged-object form, even when the
// in-memory value was decoded from a legacy array — "always write the
// current form" per spec.md §9's redesign note.
func (m ItemMeta) MarshalJSON() ([]byte, error) {
	alias := itemMetaAlias(m)
	alias.Version = CurrentVersion
	return json.Marshal(alias)
}
