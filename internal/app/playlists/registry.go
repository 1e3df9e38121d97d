// Package playlists provides the named playlist registry: static lists,
// smart rule sets, favorites, and the seeded builtin playlists.
package playlists

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/aklyne/cadenza/internal/domain/playlist"
	"github.com/aklyne/cadenza/internal/domain/track"
)

var (
	ErrPlaylistNotFound = errors.New("playlist not found")
	ErrDuplicateName    = errors.New("playlist name already in use")
	ErrBuiltinPlaylist  = errors.New("builtin playlists cannot be modified")
	ErrNotStatic        = errors.New("not a static playlist")
	ErrNotSmart         = errors.New("not a smart playlist")
)

// Builtin playlist names, seeded by NewRegistry.
const (
	BuiltinRecentlyAdded = "Recently Added"
	BuiltinTopPlayed     = "Top 25 Most Played"
	BuiltinFavorites     = "Favorites"
)

// Registry manages named playlists with thread-safe access. Get/All hand
// out clones; mutation goes through registry methods only.
type Registry struct {
	mu          sync.RWMutex
	byID        map[string]*playlist.Playlist
	nameIdx     map[string]string
	builtinIDs  []string
	favoritesID string
	subscribers map[string]func()
}

// NewRegistry creates a registry seeded with the builtin playlists.
func NewRegistry() *Registry {
	r := &Registry{
		byID:        make(map[string]*playlist.Playlist),
		nameIdx:     make(map[string]string),
		subscribers: make(map[string]func()),
	}

	r.seedBuiltin(&playlist.Playlist{
		Name: BuiltinRecentlyAdded,
		Kind: playlist.KindSmart,
		Rules: &playlist.RuleSet{
			Combinator: playlist.CombinatorAll,
			Conditions: []playlist.Condition{
				{Field: track.FieldDateAdded, Operator: "within-last-days", Value: "30"},
			},
			Sort:  playlist.SortSpec{Field: track.FieldDateAdded, Descending: true},
			Limit: 100,
		},
	})
	r.seedBuiltin(&playlist.Playlist{
		Name: BuiltinTopPlayed,
		Kind: playlist.KindSmart,
		Rules: &playlist.RuleSet{
			Combinator: playlist.CombinatorAll,
			Conditions: []playlist.Condition{
				{Field: track.FieldPlayCount, Operator: "greater-than", Value: "0"},
			},
			Sort:  playlist.SortSpec{Field: track.FieldPlayCount, Descending: true},
			Limit: 25,
		},
	})
	favorites := &playlist.Playlist{Name: BuiltinFavorites, Kind: playlist.KindStatic}
	r.seedBuiltin(favorites)
	r.favoritesID = favorites.ID

	return r
}

func (r *Registry) seedBuiltin(p *playlist.Playlist) {
	p.ID = uuid.New().String()
	p.Builtin = true
	r.byID[p.ID] = p
	r.nameIdx[p.Name] = p.ID
	r.builtinIDs = append(r.builtinIDs, p.ID)
}

// OnChange registers a callback fired after every mutation. The returned
// function unsubscribes.
func (r *Registry) OnChange(fn func()) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.New().String()
	r.subscribers[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subscribers, id)
	}
}

// notifyLocked snapshots the subscriber list; the caller invokes the result
// after releasing the lock so callbacks may re-enter the registry.
func (r *Registry) notifyLocked() func() {
	fns := make([]func(), 0, len(r.subscribers))
	for _, fn := range r.subscribers {
		fns = append(fns, fn)
	}
	return func() {
		for _, fn := range fns {
			fn()
		}
	}
}

// Create adds an empty static playlist.
func (r *Registry) Create(name string) (*playlist.Playlist, error) {
	return r.create(&playlist.Playlist{Name: name, Kind: playlist.KindStatic})
}

// CreateSmart adds a smart playlist backed by the given rule set.
func (r *Registry) CreateSmart(name string, rules *playlist.RuleSet) (*playlist.Playlist, error) {
	return r.create(&playlist.Playlist{Name: name, Kind: playlist.KindSmart, Rules: cloneRules(rules)})
}

func (r *Registry) create(p *playlist.Playlist) (*playlist.Playlist, error) {
	r.mu.Lock()

	if _, exists := r.nameIdx[p.Name]; exists {
		r.mu.Unlock()
		return nil, errors.Wrapf(ErrDuplicateName, "%q", p.Name)
	}

	p.ID = uuid.New().String()
	r.byID[p.ID] = p
	r.nameIdx[p.Name] = p.ID

	notify := r.notifyLocked()
	r.mu.Unlock()
	notify()
	return p.Clone(), nil
}

// Rename changes a playlist's display name.
func (r *Registry) Rename(id, newName string) error {
	r.mu.Lock()

	p, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return ErrPlaylistNotFound
	}
	if p.Builtin {
		r.mu.Unlock()
		return ErrBuiltinPlaylist
	}
	if other, exists := r.nameIdx[newName]; exists && other != id {
		r.mu.Unlock()
		return errors.Wrapf(ErrDuplicateName, "%q", newName)
	}

	delete(r.nameIdx, p.Name)
	p.Name = newName
	r.nameIdx[newName] = id

	notify := r.notifyLocked()
	r.mu.Unlock()
	notify()
	return nil
}

// Delete removes a playlist.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()

	p, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return ErrPlaylistNotFound
	}
	if p.Builtin {
		r.mu.Unlock()
		return ErrBuiltinPlaylist
	}

	delete(r.byID, id)
	delete(r.nameIdx, p.Name)

	notify := r.notifyLocked()
	r.mu.Unlock()
	notify()
	return nil
}

// Get retrieves a playlist by ID.
func (r *Registry) Get(id string) (*playlist.Playlist, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byID[id]
	if !ok {
		return nil, ErrPlaylistNotFound
	}
	return p.Clone(), nil
}

// GetByName retrieves a playlist by display name.
func (r *Registry) GetByName(name string) (*playlist.Playlist, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.nameIdx[name]
	if !ok {
		return nil, errors.Wrapf(ErrPlaylistNotFound, "%q", name)
	}
	return r.byID[id].Clone(), nil
}

// All returns every playlist: builtins in seed order, then user playlists
// sorted by name.
func (r *Registry) All() []*playlist.Playlist {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*playlist.Playlist, 0, len(r.byID))
	for _, id := range r.builtinIDs {
		out = append(out, r.byID[id].Clone())
	}

	users := make([]*playlist.Playlist, 0, len(r.byID)-len(r.builtinIDs))
	for _, p := range r.byID {
		if !p.Builtin {
			users = append(users, p.Clone())
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return append(out, users...)
}

// Count returns the number of playlists including builtins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// AppendTrack adds a track reference to a static playlist. Appending a
// track that is already present is a no-op.
func (r *Registry) AppendTrack(id, trackID string) error {
	r.mu.Lock()

	p, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return ErrPlaylistNotFound
	}
	if p.Builtin {
		r.mu.Unlock()
		return ErrBuiltinPlaylist
	}
	if p.IsSmart() {
		r.mu.Unlock()
		return errors.Wrapf(ErrNotStatic, "%q", p.Name)
	}

	if !p.Append(trackID) {
		r.mu.Unlock()
		return nil
	}

	notify := r.notifyLocked()
	r.mu.Unlock()
	notify()
	return nil
}

// SetTracks replaces a static playlist's track references.
func (r *Registry) SetTracks(id string, trackIDs []string) error {
	r.mu.Lock()

	p, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return ErrPlaylistNotFound
	}
	if p.Builtin {
		r.mu.Unlock()
		return ErrBuiltinPlaylist
	}
	if p.IsSmart() {
		r.mu.Unlock()
		return errors.Wrapf(ErrNotStatic, "%q", p.Name)
	}

	p.TrackIDs = append([]string(nil), trackIDs...)

	notify := r.notifyLocked()
	r.mu.Unlock()
	notify()
	return nil
}

// SetRuleSet replaces a smart playlist's rule set.
func (r *Registry) SetRuleSet(id string, rules *playlist.RuleSet) error {
	r.mu.Lock()

	p, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return ErrPlaylistNotFound
	}
	if p.Builtin {
		r.mu.Unlock()
		return ErrBuiltinPlaylist
	}
	if !p.IsSmart() {
		r.mu.Unlock()
		return errors.Wrapf(ErrNotSmart, "%q", p.Name)
	}

	p.Rules = cloneRules(rules)

	notify := r.notifyLocked()
	r.mu.Unlock()
	notify()
	return nil
}

// SetFavorite marks or unmarks a track as a favorite. Favorites are the
// one builtin whose contents change, through this method only.
func (r *Registry) SetFavorite(trackID string, favorite bool) {
	r.mu.Lock()

	p := r.byID[r.favoritesID]
	changed := false
	if favorite {
		changed = p.Append(trackID)
	} else {
		changed = p.Remove(trackID)
	}

	if !changed {
		r.mu.Unlock()
		return
	}

	notify := r.notifyLocked()
	r.mu.Unlock()
	notify()
}

// IsFavorite reports whether the track is in the favorites list.
func (r *Registry) IsFavorite(trackID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[r.favoritesID].Contains(trackID)
}

// Favorites returns the favorite track ids in insertion order.
func (r *Registry) Favorites() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.byID[r.favoritesID].TrackIDs...)
}

// PruneTracks drops static references (favorites included) the exists
// check rejects, returning the total removed.
func (r *Registry) PruneTracks(exists func(trackID string) bool) int {
	r.mu.Lock()

	removed := 0
	for _, p := range r.byID {
		if !p.IsSmart() {
			removed += p.Prune(exists)
		}
	}

	if removed == 0 {
		r.mu.Unlock()
		return 0
	}

	notify := r.notifyLocked()
	r.mu.Unlock()
	notify()
	return removed
}

// ReplaceUserPlaylists swaps all non-builtin playlists and the favorites
// list, used when hydrating persisted state. Persisted names colliding
// with builtins are skipped.
func (r *Registry) ReplaceUserPlaylists(static map[string][]string, smart map[string]*playlist.RuleSet, favorites []string) {
	r.mu.Lock()

	for id, p := range r.byID {
		if !p.Builtin {
			delete(r.byID, id)
			delete(r.nameIdx, p.Name)
		}
	}

	add := func(p *playlist.Playlist) {
		if _, exists := r.nameIdx[p.Name]; exists {
			zlog.Warn().Msgf("Skipping persisted playlist %q: name already in use", p.Name)
			return
		}
		p.ID = uuid.New().String()
		r.byID[p.ID] = p
		r.nameIdx[p.Name] = p.ID
	}

	for name, ids := range static {
		add(&playlist.Playlist{
			Name:     name,
			Kind:     playlist.KindStatic,
			TrackIDs: append([]string(nil), ids...),
		})
	}
	for name, rules := range smart {
		add(&playlist.Playlist{
			Name:  name,
			Kind:  playlist.KindSmart,
			Rules: cloneRules(rules),
		})
	}

	fav := r.byID[r.favoritesID]
	fav.TrackIDs = append([]string(nil), favorites...)

	notify := r.notifyLocked()
	r.mu.Unlock()
	notify()
}

// UserPlaylists returns the persistable view: static name→ids, smart
// name→rule set, and the favorites ids. Builtins are excluded.
func (r *Registry) UserPlaylists() (map[string][]string, map[string]*playlist.RuleSet, []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	static := make(map[string][]string)
	smart := make(map[string]*playlist.RuleSet)
	for _, p := range r.byID {
		if p.Builtin {
			continue
		}
		if p.IsSmart() {
			smart[p.Name] = cloneRules(p.Rules)
		} else {
			static[p.Name] = append([]string(nil), p.TrackIDs...)
		}
	}
	return static, smart, append([]string(nil), r.byID[r.favoritesID].TrackIDs...)
}

func cloneRules(rs *playlist.RuleSet) *playlist.RuleSet {
	if rs == nil {
		return nil
	}
	cp := *rs
	cp.Conditions = append([]playlist.Condition(nil), rs.Conditions...)
	return &cp
}
