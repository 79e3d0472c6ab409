package watcher_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/notekeep-io/notekeep/internal/watcher"
)

const testDebounce = 50 * time.Millisecond

func newTestWatcher(t *testing.T) *watcher.Watcher {
	t.Helper()
	w, err := watcher.New(zaptest.NewLogger(t), testDebounce)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func touch(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// expectUpdate waits for one ordinary change notification.
func expectUpdate(t *testing.T, g *watcher.Guard) {
	t.Helper()
	select {
	case u, ok := <-g.Updates():
		require.True(t, ok, "guard channel closed")
		require.NoError(t, u.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("no update within deadline")
	}
}

func expectNoUpdate(t *testing.T, g *watcher.Guard, window time.Duration) {
	t.Helper()
	select {
	case u := <-g.Updates():
		t.Fatalf("unexpected update: %+v", u)
	case <-time.After(window):
	}
}

func TestDeliversChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.toml")
	touch(t, path, "before")

	w := newTestWatcher(t)
	g, err := w.Watch(path)
	require.NoError(t, err)

	touch(t, path, "after")
	expectUpdate(t, g)
}

func TestDeliversCreateOfMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-yet.toml")

	w := newTestWatcher(t)
	g, err := w.Watch(path)
	require.NoError(t, err)

	touch(t, path, "now it exists")
	expectUpdate(t, g)
}

func TestDeliversAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.toml")
	touch(t, path, "before")

	w := newTestWatcher(t)
	g, err := w.Watch(path)
	require.NoError(t, err)

	tmp := filepath.Join(dir, "watched.toml.tmp")
	touch(t, tmp, "after")
	require.NoError(t, os.Rename(tmp, path))
	expectUpdate(t, g)
}

func TestDebounceCoalesces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.toml")
	touch(t, path, "v0")

	w := newTestWatcher(t)
	g, err := w.Watch(path)
	require.NoError(t, err)

	// A burst inside the window collapses into one notification.
	for i := 0; i < 5; i++ {
		touch(t, path, "burst")
	}
	expectUpdate(t, g)
	expectNoUpdate(t, g, 4*testDebounce)
}

func TestIgnoresOtherFilesInDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.toml")
	touch(t, path, "mine")

	w := newTestWatcher(t)
	g, err := w.Watch(path)
	require.NoError(t, err)

	touch(t, filepath.Join(dir, "unrelated.toml"), "noise")
	expectNoUpdate(t, g, 4*testDebounce)
}

func TestSkipNextSwallowsExactlyOne(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.toml")
	touch(t, path, "v0")

	w := newTestWatcher(t)
	g, err := w.Watch(path)
	require.NoError(t, err)

	// Self-write: announced, then performed, then suppressed.
	g.SkipNext()
	touch(t, path, "self-write")
	expectNoUpdate(t, g, 4*testDebounce)

	// The next, unrelated write must come through.
	touch(t, path, "external")
	expectUpdate(t, g)
}

func TestTwoGuardsAreIndependent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.toml")
	touch(t, path, "v0")

	w := newTestWatcher(t)
	first, err := w.Watch(path)
	require.NoError(t, err)
	second, err := w.Watch(path)
	require.NoError(t, err)

	first.SkipNext()
	touch(t, path, "v1")

	// The skip belongs to the first guard only.
	expectUpdate(t, second)
	expectNoUpdate(t, first, 2*testDebounce)
}

func TestOverflowIsReported(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.toml")
	touch(t, path, "v0")

	w := newTestWatcher(t)
	g, err := w.Watch(path)
	require.NoError(t, err)

	// Never drain the guard; overflow its buffer with well-spaced writes.
	for i := 0; i < 20; i++ {
		touch(t, path, "burst")
		time.Sleep(3 * testDebounce)
	}

	delivered := 0
	for drained := false; !drained; {
		select {
		case u := <-g.Updates():
			require.NoError(t, u.Err)
			delivered++
		default:
			drained = true
		}
	}
	require.GreaterOrEqual(t, delivered, 1)
	require.Less(t, delivered, 20, "some notifications must have been dropped")

	// The drop count is reported on the next delivery that fits.
	touch(t, path, "after overflow")
	select {
	case u := <-g.Updates():
		require.NoError(t, u.Err)
		assert.Positive(t, u.Lost)
	case <-time.After(5 * time.Second):
		t.Fatal("no update within deadline")
	}
}

func TestCloseClosesGuardChannel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.toml")
	touch(t, path, "v0")

	w, err := watcher.New(zaptest.NewLogger(t), testDebounce)
	require.NoError(t, err)
	g, err := w.Watch(path)
	require.NoError(t, err)

	require.NoError(t, w.Close())
	_, ok := <-g.Updates()
	assert.False(t, ok)

	_, err = w.Watch(path)
	assert.ErrorIs(t, err, watcher.ErrClosed)
}
