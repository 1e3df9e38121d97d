package playlists

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aklyne/cadenza/internal/domain/playlist"
	"github.com/aklyne/cadenza/internal/domain/track"
)

func TestRegistry_SeedsBuiltins(t *testing.T) {
	r := NewRegistry()

	require.Equal(t, 3, r.Count())

	recent, err := r.GetByName(BuiltinRecentlyAdded)
	require.NoError(t, err)
	assert.True(t, recent.Builtin)
	assert.True(t, recent.IsSmart())
	require.Len(t, recent.Rules.Conditions, 1)
	assert.Equal(t, track.FieldDateAdded, recent.Rules.Conditions[0].Field)
	assert.Equal(t, "within-last-days", recent.Rules.Conditions[0].Operator)
	assert.Equal(t, 100, recent.Rules.Limit)
	assert.True(t, recent.Rules.Sort.Descending)

	top, err := r.GetByName(BuiltinTopPlayed)
	require.NoError(t, err)
	require.Len(t, top.Rules.Conditions, 1)
	assert.Equal(t, track.FieldPlayCount, top.Rules.Conditions[0].Field)
	assert.Equal(t, 25, top.Rules.Limit)

	fav, err := r.GetByName(BuiltinFavorites)
	require.NoError(t, err)
	assert.False(t, fav.IsSmart())
	assert.Empty(t, fav.TrackIDs)
}

func TestRegistry_CreateAndLookup(t *testing.T) {
	r := NewRegistry()

	p, err := r.Create("Road Trip")
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)

	byID, err := r.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Road Trip", byID.Name)

	byName, err := r.GetByName("Road Trip")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byName.ID)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrPlaylistNotFound)
	_, err = r.GetByName("missing")
	assert.ErrorIs(t, err, ErrPlaylistNotFound)

	_, err = r.Create("Road Trip")
	assert.ErrorIs(t, err, ErrDuplicateName)
	_, err = r.CreateSmart(BuiltinFavorites, &playlist.RuleSet{})
	assert.ErrorIs(t, err, ErrDuplicateName, "builtin names are reserved")
}

func TestRegistry_RenameAndDelete(t *testing.T) {
	r := NewRegistry()

	p, err := r.Create("Old Name")
	require.NoError(t, err)
	other, err := r.Create("Taken")
	require.NoError(t, err)

	assert.ErrorIs(t, r.Rename(p.ID, "Taken"), ErrDuplicateName)
	require.NoError(t, r.Rename(p.ID, "New Name"))
	require.NoError(t, r.Rename(p.ID, "New Name"), "renaming to the current name is allowed")

	_, err = r.GetByName("Old Name")
	assert.ErrorIs(t, err, ErrPlaylistNotFound, "the old name is released")
	renamed, err := r.GetByName("New Name")
	require.NoError(t, err)
	assert.Equal(t, p.ID, renamed.ID)

	require.NoError(t, r.Delete(other.ID))
	_, err = r.Get(other.ID)
	assert.ErrorIs(t, err, ErrPlaylistNotFound)

	_, err = r.Create("Taken")
	assert.NoError(t, err, "deleting releases the name")
}

func TestRegistry_BuiltinsAreImmutable(t *testing.T) {
	r := NewRegistry()

	fav, err := r.GetByName(BuiltinFavorites)
	require.NoError(t, err)
	top, err := r.GetByName(BuiltinTopPlayed)
	require.NoError(t, err)

	assert.ErrorIs(t, r.Rename(fav.ID, "Mine"), ErrBuiltinPlaylist)
	assert.ErrorIs(t, r.Delete(fav.ID), ErrBuiltinPlaylist)
	assert.ErrorIs(t, r.AppendTrack(fav.ID, "/t/a.mp3"), ErrBuiltinPlaylist)
	assert.ErrorIs(t, r.SetTracks(fav.ID, []string{"/t/a.mp3"}), ErrBuiltinPlaylist)
	assert.ErrorIs(t, r.SetRuleSet(top.ID, &playlist.RuleSet{}), ErrBuiltinPlaylist)
}

func TestRegistry_StaticMutators(t *testing.T) {
	r := NewRegistry()

	p, err := r.Create("Mix")
	require.NoError(t, err)
	smart, err := r.CreateSmart("Rocks", &playlist.RuleSet{Combinator: playlist.CombinatorAll})
	require.NoError(t, err)

	require.NoError(t, r.AppendTrack(p.ID, "/t/a.mp3"))
	require.NoError(t, r.AppendTrack(p.ID, "/t/b.mp3"))
	require.NoError(t, r.AppendTrack(p.ID, "/t/a.mp3"), "duplicate append is a no-op")

	got, err := r.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"/t/a.mp3", "/t/b.mp3"}, got.TrackIDs)

	require.NoError(t, r.SetTracks(p.ID, []string{"/t/c.mp3"}))
	got, err = r.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"/t/c.mp3"}, got.TrackIDs)

	assert.ErrorIs(t, r.AppendTrack(smart.ID, "/t/a.mp3"), ErrNotStatic)
	assert.ErrorIs(t, r.SetTracks(smart.ID, nil), ErrNotStatic)
	assert.ErrorIs(t, r.SetRuleSet(p.ID, &playlist.RuleSet{}), ErrNotSmart)

	rules := &playlist.RuleSet{
		Combinator: playlist.CombinatorAny,
		Conditions: []playlist.Condition{{Field: track.FieldGenre, Operator: "equals", Value: "Rock"}},
	}
	require.NoError(t, r.SetRuleSet(smart.ID, rules))
	got, err = r.Get(smart.ID)
	require.NoError(t, err)
	assert.Equal(t, playlist.CombinatorAny, got.Rules.Combinator)

	rules.Conditions[0].Value = "Jazz"
	got, err = r.Get(smart.ID)
	require.NoError(t, err)
	assert.Equal(t, "Rock", got.Rules.Conditions[0].Value, "stored rules are isolated from the caller")
}

func TestRegistry_Favorites(t *testing.T) {
	r := NewRegistry()

	r.SetFavorite("/t/a.mp3", true)
	r.SetFavorite("/t/b.mp3", true)
	r.SetFavorite("/t/a.mp3", true) // idempotent

	assert.Equal(t, []string{"/t/a.mp3", "/t/b.mp3"}, r.Favorites())
	assert.True(t, r.IsFavorite("/t/a.mp3"))
	assert.False(t, r.IsFavorite("/t/c.mp3"))

	fav, err := r.GetByName(BuiltinFavorites)
	require.NoError(t, err)
	assert.Equal(t, []string{"/t/a.mp3", "/t/b.mp3"}, fav.TrackIDs, "the builtin mirrors the favorites set")

	r.SetFavorite("/t/a.mp3", false)
	assert.Equal(t, []string{"/t/b.mp3"}, r.Favorites())
	r.SetFavorite("/t/c.mp3", false) // removing a non-favorite is a no-op
}

func TestRegistry_PruneTracks(t *testing.T) {
	r := NewRegistry()

	p, err := r.Create("Mix")
	require.NoError(t, err)
	require.NoError(t, r.SetTracks(p.ID, []string{"/t/a.mp3", "/t/gone.mp3", "/t/b.mp3"}))
	r.SetFavorite("/t/gone.mp3", true)
	r.SetFavorite("/t/b.mp3", true)

	removed := r.PruneTracks(func(id string) bool { return id != "/t/gone.mp3" })
	assert.Equal(t, 2, removed)

	got, err := r.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"/t/a.mp3", "/t/b.mp3"}, got.TrackIDs)
	assert.Equal(t, []string{"/t/b.mp3"}, r.Favorites())

	assert.Zero(t, r.PruneTracks(func(string) bool { return true }))
}

func TestRegistry_OnChange(t *testing.T) {
	r := NewRegistry()

	changes := 0
	unsubscribe := r.OnChange(func() { changes++ })

	p, err := r.Create("Mix")
	require.NoError(t, err)
	require.NoError(t, r.AppendTrack(p.ID, "/t/a.mp3"))
	require.NoError(t, r.AppendTrack(p.ID, "/t/a.mp3"), "no-op append must not notify")
	r.SetFavorite("/t/a.mp3", true)
	assert.Equal(t, 3, changes)

	unsubscribe()
	require.NoError(t, r.Delete(p.ID))
	assert.Equal(t, 3, changes, "unsubscribed callbacks stop firing")
}

func TestRegistry_OnChangeReentrant(t *testing.T) {
	r := NewRegistry()

	var seen int
	r.OnChange(func() { seen = r.Count() })

	_, err := r.Create("Mix")
	require.NoError(t, err)
	assert.Equal(t, 4, seen, "callbacks may call back into the registry")
}

func TestRegistry_AllOrdering(t *testing.T) {
	r := NewRegistry()

	_, err := r.Create("Zeta")
	require.NoError(t, err)
	_, err = r.Create("Alpha")
	require.NoError(t, err)

	all := r.All()
	require.Len(t, all, 5)
	assert.Equal(t, BuiltinRecentlyAdded, all[0].Name)
	assert.Equal(t, BuiltinTopPlayed, all[1].Name)
	assert.Equal(t, BuiltinFavorites, all[2].Name)
	assert.Equal(t, "Alpha", all[3].Name)
	assert.Equal(t, "Zeta", all[4].Name)
}

func TestRegistry_ReplaceUserPlaylistsRoundTrip(t *testing.T) {
	r := NewRegistry()

	p, err := r.Create("Mix")
	require.NoError(t, err)
	require.NoError(t, r.SetTracks(p.ID, []string{"/t/a.mp3"}))
	_, err = r.CreateSmart("Rocks", &playlist.RuleSet{
		Combinator: playlist.CombinatorAll,
		Conditions: []playlist.Condition{{Field: track.FieldGenre, Operator: "equals", Value: "Rock"}},
	})
	require.NoError(t, err)
	r.SetFavorite("/t/a.mp3", true)

	static, smart, favorites := r.UserPlaylists()

	fresh := NewRegistry()
	fresh.ReplaceUserPlaylists(static, smart, favorites)

	assert.Equal(t, 5, fresh.Count())
	mix, err := fresh.GetByName("Mix")
	require.NoError(t, err)
	assert.Equal(t, []string{"/t/a.mp3"}, mix.TrackIDs)
	rocks, err := fresh.GetByName("Rocks")
	require.NoError(t, err)
	require.True(t, rocks.IsSmart())
	assert.Equal(t, "Rock", rocks.Rules.Conditions[0].Value)
	assert.Equal(t, []string{"/t/a.mp3"}, fresh.Favorites())

	// Hydrating a name that collides with a builtin is skipped.
	fresh.ReplaceUserPlaylists(map[string][]string{BuiltinFavorites: {"/t/x.mp3"}}, nil, nil)
	_, err = fresh.GetByName("Mix")
	assert.ErrorIs(t, err, ErrPlaylistNotFound, "replace swaps out previous user playlists")
	fav, err := fresh.GetByName(BuiltinFavorites)
	require.NoError(t, err)
	assert.True(t, fav.Builtin, "the builtin survives a colliding persisted name")
	assert.Empty(t, fresh.Favorites())
}
