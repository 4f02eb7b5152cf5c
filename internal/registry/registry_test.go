package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordAndLookup(t *testing.T) {
	reg, err := Open(filepath.Join(t.TempDir(), "db.sqlite"))
	require.NoError(t, err)
	defer reg.Close()

	_, ok, err := reg.Lookup("demo1.dm_68")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, reg.Record("demo1.dm_68", "https://youtu.be/abc"))

	url, ok, err := reg.Lookup("demo1.dm_68")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://youtu.be/abc", url)
}

// TestRecordDuplicateFilenameIsNoOp covers spec.md §8: a crash-recovery
// re-delivery of an already-recorded filename must be a no-op against the
// registry rather than a unique-constraint error, so it can't flip an
// already-done item's reactions to failed or halt the publish stage.
func TestRecordDuplicateFilenameIsNoOp(t *testing.T) {
	reg, err := Open(filepath.Join(t.TempDir(), "db.sqlite"))
	require.NoError(t, err)
	defer reg.Close()

	require.NoError(t, reg.Record("demo1.dm_68", "https://youtu.be/abc"))
	require.NoError(t, reg.Record("demo1.dm_68", "https://youtu.be/def"))

	url, ok, err := reg.Lookup("demo1.dm_68")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://youtu.be/abc", url, "the first-recorded URL must survive the no-op re-delivery")
}
