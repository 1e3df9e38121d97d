// Package library holds the in-memory track catalog and keeps it in sync
// with the music folders on disk.
package library

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/aklyne/cadenza/internal/domain/track"
)

var (
	ErrUnknownTrack  = errors.New("track not in library")
	ErrInvalidRating = errors.New("rating must be between 0 and 5")
)

// Snapshot is an immutable view of the library at one generation.
// Tracks are sorted by ID so downstream consumers see a stable order.
type Snapshot struct {
	Generation uint64
	Tracks     []track.Track
}

// Store is the canonical in-memory track catalog. Every mutation bumps the
// generation and notifies subscribers after the lock is released, so
// callbacks may call back into the store.
type Store struct {
	mu          sync.RWMutex
	folders     []string
	tracks      map[string]track.Track
	generation  uint64
	subscribers map[string]func(generation uint64)
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		tracks:      make(map[string]track.Track),
		subscribers: make(map[string]func(uint64)),
	}
}

// OnChange registers a callback invoked after every mutation with the new
// generation. The returned function unsubscribes.
func (s *Store) OnChange(fn func(generation uint64)) func() {
	s.mu.Lock()
	id := uuid.New().String()
	s.subscribers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// notifyLocked snapshots the subscriber list and generation while locked.
// The caller invokes the returned closure after unlocking.
func (s *Store) notifyLocked() func() {
	gen := s.generation
	subs := make([]func(uint64), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	return func() {
		for _, fn := range subs {
			fn(gen)
		}
	}
}

// AddFolder registers a music folder. Reports whether it was new.
func (s *Store) AddFolder(path string) bool {
	path = filepath.Clean(path)

	s.mu.Lock()
	for _, f := range s.folders {
		if f == path {
			s.mu.Unlock()
			return false
		}
	}
	s.folders = append(s.folders, path)
	s.generation++
	notify := s.notifyLocked()
	s.mu.Unlock()

	notify()
	return true
}

// RemoveFolder drops a folder and every track beneath it, returning the
// removed track IDs.
func (s *Store) RemoveFolder(path string) []string {
	path = filepath.Clean(path)

	s.mu.Lock()
	kept := s.folders[:0]
	found := false
	for _, f := range s.folders {
		if f == path {
			found = true
			continue
		}
		kept = append(kept, f)
	}
	s.folders = kept
	if !found {
		s.mu.Unlock()
		return nil
	}

	var removed []string
	for id := range s.tracks {
		if underFolder(id, path) {
			removed = append(removed, id)
			delete(s.tracks, id)
		}
	}
	sort.Strings(removed)
	s.generation++
	notify := s.notifyLocked()
	s.mu.Unlock()

	notify()
	return removed
}

// Folders returns the registered music folders.
func (s *Store) Folders() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.folders...)
}

func underFolder(id, folder string) bool {
	return id == folder || strings.HasPrefix(id, folder+string(filepath.Separator))
}

// mergeLocked writes incoming scan metadata over an existing entry while
// preserving listener state. Deleting and re-adding a file must not reset
// play counts or ratings; only a genuinely new ID starts fresh.
func (s *Store) mergeLocked(incoming track.Track) (isNew bool) {
	existing, ok := s.tracks[incoming.ID]
	if !ok {
		if incoming.DateAdded.IsZero() {
			incoming.DateAdded = time.Now()
		}
		s.tracks[incoming.ID] = incoming
		return true
	}
	incoming.Rating = existing.Rating
	incoming.PlayCount = existing.PlayCount
	incoming.LastPlayed = existing.LastPlayed
	incoming.DateAdded = existing.DateAdded
	s.tracks[incoming.ID] = incoming
	return false
}

// Upsert inserts or refreshes a single track. Reports whether it was new.
func (s *Store) Upsert(t track.Track) bool {
	s.mu.Lock()
	isNew := s.mergeLocked(t)
	s.generation++
	notify := s.notifyLocked()
	s.mu.Unlock()

	notify()
	return isNew
}

// Remove drops a track. Reports whether it was present.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	if _, ok := s.tracks[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.tracks, id)
	s.generation++
	notify := s.notifyLocked()
	s.mu.Unlock()

	notify()
	return true
}

// ScanResult summarizes one reconciliation pass.
type ScanResult struct {
	Added   int
	Updated int
	Removed int
}

// ApplyScan reconciles everything beneath folder against the scan's
// findings in a single generation: new files are added, known files
// refreshed, and tracked files the scan no longer saw are dropped.
func (s *Store) ApplyScan(folder string, found []track.Track) ScanResult {
	folder = filepath.Clean(folder)
	seen := make(map[string]bool, len(found))

	s.mu.Lock()
	var res ScanResult
	for _, t := range found {
		seen[t.ID] = true
		if s.mergeLocked(t) {
			res.Added++
		} else {
			res.Updated++
		}
	}
	for id := range s.tracks {
		if underFolder(id, folder) && !seen[id] {
			delete(s.tracks, id)
			res.Removed++
		}
	}
	s.generation++
	notify := s.notifyLocked()
	s.mu.Unlock()

	notify()
	return res
}

// RemoveUnder drops every track beneath dir without touching folder
// registrations. Used when a subdirectory disappears.
func (s *Store) RemoveUnder(dir string) []string {
	dir = filepath.Clean(dir)

	s.mu.Lock()
	var removed []string
	for id := range s.tracks {
		if underFolder(id, dir) {
			removed = append(removed, id)
			delete(s.tracks, id)
		}
	}
	if len(removed) == 0 {
		s.mu.Unlock()
		return nil
	}
	sort.Strings(removed)
	s.generation++
	notify := s.notifyLocked()
	s.mu.Unlock()

	notify()
	return removed
}

// ReplaceAll hydrates the store from persistence, overwriting any current
// contents. Track fields are taken verbatim.
func (s *Store) ReplaceAll(folders []string, tracks []track.Track) {
	s.mu.Lock()
	s.folders = make([]string, 0, len(folders))
	for _, f := range folders {
		s.folders = append(s.folders, filepath.Clean(f))
	}
	s.tracks = make(map[string]track.Track, len(tracks))
	for _, t := range tracks {
		s.tracks[t.ID] = t
	}
	s.generation++
	notify := s.notifyLocked()
	s.mu.Unlock()

	notify()
}

// Get returns a track by ID.
func (s *Store) Get(id string) (track.Track, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tracks[id]
	return t, ok
}

// Len returns the number of tracks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks)
}

// Generation returns the current mutation counter.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Snapshot returns the full catalog sorted by track ID.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	snap := Snapshot{
		Generation: s.generation,
		Tracks:     make([]track.Track, 0, len(s.tracks)),
	}
	for _, t := range s.tracks {
		snap.Tracks = append(snap.Tracks, t)
	}
	s.mu.RUnlock()

	sort.Slice(snap.Tracks, func(i, j int) bool {
		return snap.Tracks[i].ID < snap.Tracks[j].ID
	})
	return snap
}

// IncrementPlayCount bumps the play count and stamps the listen time.
func (s *Store) IncrementPlayCount(id string, at time.Time) (track.Track, error) {
	s.mu.Lock()
	t, ok := s.tracks[id]
	if !ok {
		s.mu.Unlock()
		return track.Track{}, errors.Wrapf(ErrUnknownTrack, "%s", id)
	}
	t.PlayCount++
	t.LastPlayed = at
	s.tracks[id] = t
	s.generation++
	notify := s.notifyLocked()
	s.mu.Unlock()

	notify()
	return t, nil
}

// SetRating sets a track's rating. Zero clears it.
func (s *Store) SetRating(id string, rating int) (track.Track, error) {
	if rating < 0 || rating > 5 {
		return track.Track{}, errors.Wrapf(ErrInvalidRating, "%d", rating)
	}

	s.mu.Lock()
	t, ok := s.tracks[id]
	if !ok {
		s.mu.Unlock()
		return track.Track{}, errors.Wrapf(ErrUnknownTrack, "%s", id)
	}
	t.Rating = rating
	s.tracks[id] = t
	s.generation++
	notify := s.notifyLocked()
	s.mu.Unlock()

	notify()
	return t, nil
}
