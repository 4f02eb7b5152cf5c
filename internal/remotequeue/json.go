package remotequeue

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// decodeQuirkyJSON parses the provider's almost-JSON response. The
// provider escapes single quotes inside strings as the two-byte sequence
// \' — invalid JSON escaping — which must be normalized to a bare ' before
// the standard decoder will accept it (spec.md §6).
func decodeQuirkyJSON(body []byte, out interface{}) error {
	fixed := bytes.ReplaceAll(body, []byte(`\'`), []byte(`'`))
	if err := json.Unmarshal(fixed, out); err != nil {
		return fmt.Errorf("decode response %q: %w", string(body), err)
	}
	return nil
}
