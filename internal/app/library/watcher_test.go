package library

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aklyne/cadenza/internal/domain/track"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestWatcher(t *testing.T, store *Store) *Watcher {
	t.Helper()
	w, err := NewWatcher(store, NewScanner(store, &stubReader{}, 2))
	require.NoError(t, err)
	w.debounce = 50 * time.Millisecond
	t.Cleanup(func() {
		require.NoError(t, w.Close())
	})
	return w
}

func TestWatcher_IndexesNewFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewStore()
	store.AddFolder(dir)

	w := newTestWatcher(t, store)
	require.NoError(t, w.Start(context.Background()))

	path := filepath.Join(dir, "fresh.mp3")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	require.Eventually(t, func() bool {
		_, ok := store.Get(path)
		return ok
	}, 5*time.Second, 20*time.Millisecond, "new file should be indexed")

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		_, ok := store.Get(path)
		return !ok
	}, 5*time.Second, 20*time.Millisecond, "deleted file should leave the library")
}

func TestWatcher_ScansNewDirectories(t *testing.T) {
	dir := t.TempDir()
	store := NewStore()
	store.AddFolder(dir)

	w := newTestWatcher(t, store)
	require.NoError(t, w.Start(context.Background()))

	sub := filepath.Join(dir, "album")
	require.NoError(t, os.Mkdir(sub, 0o755))
	path := filepath.Join(sub, "song.flac")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	require.Eventually(t, func() bool {
		_, ok := store.Get(path)
		return ok
	}, 5*time.Second, 20*time.Millisecond, "files in new directories should be indexed")
}

func TestWatcher_ExcludesUnreadableFiles(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "broken.mp3")

	store := NewStore()
	store.AddFolder(dir)
	store.Upsert(track.Track{ID: bad, Title: "Stale"})

	w, err := NewWatcher(store, NewScanner(store, &stubReader{fail: map[string]bool{bad: true}}, 2))
	require.NoError(t, err)
	w.debounce = 50 * time.Millisecond
	t.Cleanup(func() {
		require.NoError(t, w.Close())
	})
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, os.WriteFile(bad, []byte("x"), 0o644))

	require.Eventually(t, func() bool {
		_, ok := store.Get(bad)
		return !ok
	}, 5*time.Second, 20*time.Millisecond, "a file that fails metadata extraction leaves the library")
}
