package routes

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRoutes = `
routes:
  Nifty-Scalper:
    connections: [1, 2]
    default_product: intraday
  swing-basket:
    connections: [3]
    default_product: DELIVERY
  dead-strategy:
    connections: [4]
    disabled: true
`

func writeRoutes(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAndResolve(t *testing.T) {
	path := writeRoutes(t, t.TempDir(), sampleRoutes)
	l, err := NewLoader(path, false)
	require.NoError(t, err)
	defer l.Close()

	t.Run("names are case insensitive", func(t *testing.T) {
		def, ok := l.Resolve("NIFTY-SCALPER")
		require.True(t, ok)
		assert.Equal(t, "nifty-scalper", def.Name)
		assert.Equal(t, []uint{1, 2}, def.Connections)
		assert.Equal(t, "INTRADAY", def.DefaultProduct)
	})

	t.Run("disabled routes do not resolve", func(t *testing.T) {
		_, ok := l.Resolve("dead-strategy")
		assert.False(t, ok)
	})

	t.Run("unknown routes do not resolve", func(t *testing.T) {
		_, ok := l.Resolve("no-such-route")
		assert.False(t, ok)
	})

	snap := l.Snapshot()
	assert.EqualValues(t, 1, snap.Version)
	assert.Len(t, snap.Routes, 3)
}

func TestLoaderRejectsBadInput(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := NewLoader(filepath.Join(t.TempDir(), "nope.yaml"), false)
		require.Error(t, err)
	})

	t.Run("empty path", func(t *testing.T) {
		_, err := NewLoader("", false)
		require.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeRoutes(t, t.TempDir(), "routes: [not a map")
		_, err := NewLoader(path, false)
		require.Error(t, err)
	})
}

func TestHotReload(t *testing.T) {
	dir := t.TempDir()
	path := writeRoutes(t, dir, sampleRoutes)

	l, err := NewLoader(path, true)
	require.NoError(t, err)
	defer l.Close()

	var notified atomic.Int64
	l.Subscribe(func(Snapshot) { notified.Add(1) })

	// Rewrite the file the way editors do, with a fresh temp file renamed
	// over the original.
	updated := `
routes:
  nifty-scalper:
    connections: [9]
    default_product: normal
`
	tmp := filepath.Join(dir, "routes.yaml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(updated), 0o600))
	require.NoError(t, os.Rename(tmp, path))

	require.Eventually(t, func() bool {
		def, ok := l.Resolve("nifty-scalper")
		return ok && len(def.Connections) == 1 && def.Connections[0] == 9
	}, 3*time.Second, 10*time.Millisecond)

	assert.Greater(t, l.Snapshot().Version, int64(1))
	// Subscribe delivers once immediately, then again per reload.
	require.Eventually(t, func() bool {
		return notified.Load() >= 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestBadReloadKeepsLastGoodTable(t *testing.T) {
	dir := t.TempDir()
	path := writeRoutes(t, dir, sampleRoutes)

	l, err := NewLoader(path, true)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, os.WriteFile(path, []byte("routes: [broken"), 0o600))

	// The broken write must not wipe the table.
	time.Sleep(200 * time.Millisecond)
	def, ok := l.Resolve("swing-basket")
	require.True(t, ok)
	assert.Equal(t, []uint{3}, def.Connections)
}
