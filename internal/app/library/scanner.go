package library

import (
	"context"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/aklyne/cadenza/internal/domain/track"
)

// MetadataReader extracts tag metadata from an audio file. Implementations
// must honor the context and be safe for concurrent use.
type MetadataReader interface {
	ReadMetadata(ctx context.Context, path string) (track.Track, error)
}

// Scanner walks music folders and reconciles their contents into the store.
// Metadata extraction runs on a bounded worker pool since tag parsing is
// I/O heavy.
type Scanner struct {
	store   *Store
	reader  MetadataReader
	workers int
}

// NewScanner returns a scanner reading metadata with up to workers
// concurrent readers.
func NewScanner(store *Store, reader MetadataReader, workers int) *Scanner {
	if workers < 1 {
		workers = 1
	}
	return &Scanner{store: store, reader: reader, workers: workers}
}

// ScanAll rescans every registered folder in order.
func (s *Scanner) ScanAll(ctx context.Context) (ScanResult, error) {
	var total ScanResult
	for _, folder := range s.store.Folders() {
		res, err := s.ScanFolder(ctx, folder)
		total.Added += res.Added
		total.Updated += res.Updated
		total.Removed += res.Removed
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

type candidate struct {
	path  string
	mtime time.Time
}

// ScanFolder walks one folder and applies the result as a single store
// generation. A cancelled scan applies nothing: reconciling a partial
// listing would drop tracks the walk never reached.
func (s *Scanner) ScanFolder(ctx context.Context, folder string) (ScanResult, error) {
	folder = filepath.Clean(folder)
	candidates, err := collectAudioFiles(folder)
	if err != nil {
		return ScanResult{}, err
	}

	var (
		mu    sync.Mutex
		found = make([]track.Track, 0, len(candidates))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, c := range candidates {
		c := c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			t, err := s.reader.ReadMetadata(gctx, c.path)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				// An unreadable file is excluded from the catalog; bad
				// tags are not an error, the reader falls back to
				// filename metadata.
				zlog.Warn().Err(err).Str("path", c.path).Msg("excluding unreadable file")
				return nil
			}
			t.ID = c.path
			t.DateAdded = c.mtime
			mu.Lock()
			found = append(found, t)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ScanResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return ScanResult{}, err
	}

	res := s.store.ApplyScan(folder, found)
	zlog.Info().Msgf("Scanned %s: %d added, %d updated, %d removed", folder, res.Added, res.Updated, res.Removed)
	return res, nil
}

// collectAudioFiles walks the folder collecting audio file paths and their
// modification times. Unreadable entries are skipped; only a broken root
// fails the walk.
func collectAudioFiles(folder string) ([]candidate, error) {
	var out []candidate
	err := filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == folder {
				return err
			}
			zlog.Warn().Err(err).Str("path", path).Msg("skipping unreadable entry")
			return nil
		}
		if d.IsDir() || !track.IsAudioFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			zlog.Warn().Err(err).Str("path", path).Msg("skipping unstatable file")
			return nil
		}
		out = append(out, candidate{path: path, mtime: info.ModTime()})
		return nil
	})
	return out, err
}
