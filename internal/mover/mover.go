// Package mover implements the deduplicating renaming mover (component C of
// spec.md): moving a freshly-downloaded attachment into its canonical,
// collision-free home, collapsing byte-identical duplicates onto the same
// name. Grounded on discord_downloader/movers.py's RenamingMover, extended
// per spec.md §4.C to also detect and collapse identical content (the
// original only avoided overwriting, it never compared bytes).
package mover

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
)

// trailingExt matches the longest trailing ".xxx" suffix that contains no
// path separators, mirroring RenamingMover.SPLIT. An empty suffix is valid:
// a candidate with no extension gets ".1", ".2", ... appended with no dot
// before the extension slot.
var trailingExt = regexp.MustCompile(`^(.*?)(\.[^/\\]*)?$`)

// Mover moves a temp file to a destination, renaming around collisions.
type Mover struct{}

// New returns a ready-to-use Mover. It carries no state: all authority lives
// in the filesystem itself.
func New() *Mover {
	return &Mover{}
}

// Move implements the contract of spec.md §4.C: walk the candidate sequence
// dest, dest.1.ext, dest.2.ext, ... For each candidate, if it already exists
// and is byte-identical to src, delete src and report it as not-new. If the
// candidate doesn't exist, atomically rename src onto it and report it as
// new. The generator is notionally infinite; in practice it terminates
// quickly because a fresh index eventually finds a name nobody holds.
func (m *Mover) Move(src, dest string) (actualDest string, isNew bool, err error) {
	prefix, ext := splitTrailingExt(dest)
	for i := 0; ; i++ {
		candidate := dest
		if i > 0 {
			candidate = fmt.Sprintf("%s.%d%s", prefix, i, ext)
		}

		exists, same, err := compareIfExists(candidate, src)
		if err != nil {
			return "", false, err
		}
		if exists {
			if same {
				if err := os.Remove(src); err != nil {
					return "", false, fmt.Errorf("mover: remove duplicate src %s: %w", src, err)
				}
				return candidate, false, nil
			}
			// Different content at this name: try the next index.
			continue
		}

		if err := os.MkdirAll(filepath.Dir(candidate), 0o755); err != nil {
			return "", false, fmt.Errorf("mover: mkdir for %s: %w", candidate, err)
		}
		if err := os.Rename(src, candidate); err != nil {
			if os.IsExist(err) {
				// Raced with another process; loop back into the equality
				// test against this same candidate.
				continue
			}
			return "", false, fmt.Errorf("mover: rename %s to %s: %w", src, candidate, err)
		}
		return candidate, true, nil
	}
}

func splitTrailingExt(dest string) (prefix, ext string) {
	m := trailingExt.FindStringSubmatch(dest)
	if m == nil {
		return dest, ""
	}
	return m[1], m[2]
}

func compareIfExists(candidate, src string) (exists bool, same bool, err error) {
	info, statErr := os.Stat(candidate)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("mover: stat %s: %w", candidate, statErr)
	}
	srcInfo, err := os.Stat(src)
	if err != nil {
		return true, false, fmt.Errorf("mover: stat %s: %w", src, err)
	}
	if info.Size() != srcInfo.Size() {
		return true, false, nil
	}
	same, err = sameContent(candidate, src)
	if err != nil {
		return true, false, err
	}
	return true, same, nil
}

func sameContent(a, b string) (bool, error) {
	fa, err := os.Open(a)
	if err != nil {
		return false, fmt.Errorf("mover: open %s: %w", a, err)
	}
	defer fa.Close()
	fb, err := os.Open(b)
	if err != nil {
		return false, fmt.Errorf("mover: open %s: %w", b, err)
	}
	defer fb.Close()

	const bufSize = 64 * 1024
	ba := make([]byte, bufSize)
	bb := make([]byte, bufSize)
	for {
		na, erra := io.ReadFull(fa, ba)
		nb, errb := io.ReadFull(fb, bb)
		if na != nb || string(ba[:na]) != string(bb[:nb]) {
			return false, nil
		}
		if erra == io.EOF || erra == io.ErrUnexpectedEOF {
			return errb == io.EOF || errb == io.ErrUnexpectedEOF, nil
		}
		if erra != nil {
			return false, fmt.Errorf("mover: read %s: %w", a, erra)
		}
		if errb != nil {
			return false, fmt.Errorf("mover: read %s: %w", b, errb)
		}
	}
}
