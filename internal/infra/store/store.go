// Package store persists engine state as JSON files in the data directory.
// Writes go through a temp file and rename so a crash mid-write never
// leaves a truncated state file.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/aklyne/cadenza/internal/domain/playlist"
	"github.com/aklyne/cadenza/internal/domain/track"
)

const (
	libraryFile   = "library.json"
	playlistsFile = "playlists.json"
)

// Store reads and writes the engine's durable state.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir. The directory is created on the
// first write.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

type libraryPayload struct {
	Folders []string      `json:"folders"`
	Tracks  []track.Track `json:"tracks"`
}

type playlistsPayload struct {
	Playlists map[string][]string          `json:"playlists"`
	Smart     map[string]*playlist.RuleSet `json:"smart"`
	Favorites []string                     `json:"favorites"`
}

// LoadLibrary reads the persisted catalog. Tracks whose file no longer
// exists are dropped on the way in; stream URLs are kept as-is. A missing
// file is a first run, not an error.
func (s *Store) LoadLibrary() ([]string, []track.Track, error) {
	var payload libraryPayload
	ok, err := s.read(libraryFile, &payload)
	if err != nil || !ok {
		return nil, nil, err
	}

	kept := payload.Tracks[:0]
	for _, t := range payload.Tracks {
		if t.IsStream() {
			kept = append(kept, t)
			continue
		}
		if _, err := os.Stat(t.ID); err == nil {
			kept = append(kept, t)
		}
	}
	if pruned := len(payload.Tracks) - len(kept); pruned > 0 {
		zlog.Info().Msgf("Pruned %d missing tracks from the persisted library", pruned)
	}
	return payload.Folders, kept, nil
}

// SaveLibrary writes the catalog.
func (s *Store) SaveLibrary(folders []string, tracks []track.Track) error {
	return s.write(libraryFile, libraryPayload{Folders: folders, Tracks: tracks})
}

// LoadPlaylists reads persisted user playlists and favorites. A missing
// file is a first run, not an error.
func (s *Store) LoadPlaylists() (map[string][]string, map[string]*playlist.RuleSet, []string, error) {
	payload := playlistsPayload{
		Playlists: map[string][]string{},
		Smart:     map[string]*playlist.RuleSet{},
	}
	if _, err := s.read(playlistsFile, &payload); err != nil {
		return nil, nil, nil, err
	}
	if payload.Playlists == nil {
		payload.Playlists = map[string][]string{}
	}
	if payload.Smart == nil {
		payload.Smart = map[string]*playlist.RuleSet{}
	}
	return payload.Playlists, payload.Smart, payload.Favorites, nil
}

// SavePlaylists writes user playlists and favorites.
func (s *Store) SavePlaylists(static map[string][]string, smart map[string]*playlist.RuleSet, favorites []string) error {
	return s.write(playlistsFile, playlistsPayload{
		Playlists: static,
		Smart:     smart,
		Favorites: favorites,
	})
}

// read unmarshals one state file into v, reporting whether it existed.
func (s *Store) read(name string, v any) (bool, error) {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "read %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, errors.Wrapf(err, "parse %s", path)
	}
	return true, nil
}

// write marshals v and atomically replaces the state file.
func (s *Store) write(name string, v any) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", s.dir)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode %s", name)
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "replace %s", path)
	}
	return nil
}
