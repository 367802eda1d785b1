package hare

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testLogger = zap.NewNop()

func testPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name)
}

// fillPattern writes a deterministic, seed-dependent byte pattern.
func fillPattern(p *Page, seed byte) {
	for i := 0; i < p.Size(); i++ {
		p.data[i] = seed + byte(i%199)
	}
}

// crashWAL simulates a hard crash of a WAL disk manager: the file handles
// and the lock are dropped without any close-time bookkeeping, leaving the
// data file flagged open and the sidecar in place.
func crashWAL(t *testing.T, m *WALDiskManager) {
	t.Helper()
	if m.wal != nil {
		require.NoError(t, m.wal.file.Close())
	}
	require.NoError(t, m.file.Close())
	require.NoError(t, m.lock.release())
}
