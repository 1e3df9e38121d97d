package library

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	zlog "github.com/rs/zerolog/log"

	"github.com/aklyne/cadenza/internal/domain/track"
)

// defaultDebounce coalesces the write bursts a file copy produces into one
// metadata read.
const defaultDebounce = 500 * time.Millisecond

// Watcher mirrors filesystem changes under the registered folders into the
// store. fsnotify watches are not recursive, so every subdirectory gets its
// own watch, added as directories appear.
type Watcher struct {
	store    *Store
	scanner  *Scanner
	fs       *fsnotify.Watcher
	debounce time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher returns a watcher for the store's folders. Call Start to begin
// receiving events and Close to release the underlying watches.
func NewWatcher(store *Store, scanner *Scanner) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		store:    store,
		scanner:  scanner,
		fs:       fsw,
		debounce: defaultDebounce,
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Start places watches on every registered folder tree and begins the event
// loop.
func (w *Watcher) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	for _, folder := range w.store.Folders() {
		if err := w.watchTree(folder); err != nil {
			return err
		}
	}
	w.done = make(chan struct{})
	go w.loop()
	return nil
}

// watchTree adds watches for root and all directories beneath it. Only a
// broken root fails; unreadable subtrees are logged and skipped.
func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			zlog.Warn().Err(err).Str("path", path).Msg("skipping unwatchable entry")
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fs.Add(path); err != nil {
			zlog.Warn().Err(err).Str("path", path).Msg("failed to watch directory")
		}
		return nil
	})
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			zlog.Warn().Err(err).Msg("filesystem watcher error")
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)

	if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
		if track.IsAudioFile(path) {
			w.store.Remove(path)
			return
		}
		// The entry is gone, so it cannot be statted; treat it as a
		// possible directory and prune anything beneath it.
		if removed := w.store.RemoveUnder(path); len(removed) > 0 {
			zlog.Info().Msgf("Pruned %d tracks under removed directory %s", len(removed), path)
		}
		return
	}

	if ev.Op.Has(fsnotify.Create) {
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			if err := w.watchTree(path); err != nil {
				zlog.Warn().Err(err).Str("path", path).Msg("failed to watch new directory")
			}
			go func() {
				if _, err := w.scanner.ScanFolder(w.ctx, path); err != nil && w.ctx.Err() == nil {
					zlog.Warn().Err(err).Str("path", path).Msg("failed to scan new directory")
				}
			}()
			return
		}
		if track.IsAudioFile(path) {
			w.debounceFile(path)
		}
		return
	}

	if ev.Op.Has(fsnotify.Write) && track.IsAudioFile(path) {
		w.debounceFile(path)
	}
}

// debounceFile schedules a metadata read for path, pushing the deadline
// back while writes keep arriving.
func (w *Watcher) debounceFile(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.indexFile(path)
	})
}

func (w *Watcher) indexFile(path string) {
	if w.ctx.Err() != nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		// Vanished between the event and the debounce deadline.
		w.store.Remove(path)
		return
	}
	t, err := w.scanner.reader.ReadMetadata(w.ctx, path)
	if err != nil {
		if w.ctx.Err() != nil {
			return
		}
		// Unreadable files are excluded from the catalog.
		zlog.Warn().Err(err).Str("path", path).Msg("excluding unreadable file")
		w.store.Remove(path)
		return
	}
	t.ID = path
	t.DateAdded = info.ModTime()
	w.store.Upsert(t)
}

// Close stops the event loop and releases all watches. Pending debounce
// timers are cancelled.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.fs.Close()
	if w.done != nil {
		<-w.done
	}

	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	return err
}
