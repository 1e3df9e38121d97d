package library

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aklyne/cadenza/internal/domain/track"
)

func TestStore_UpsertPreservesListenerState(t *testing.T) {
	s := NewStore()
	added := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Upsert(track.Track{ID: "/music/a.mp3", Title: "Old Title", DateAdded: added})

	_, err := s.SetRating("/music/a.mp3", 4)
	require.NoError(t, err)
	_, err = s.IncrementPlayCount("/music/a.mp3", time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	isNew := s.Upsert(track.Track{ID: "/music/a.mp3", Title: "New Title", Artist: "Someone"})
	assert.False(t, isNew, "refresh of a known track is not an add")

	got, ok := s.Get("/music/a.mp3")
	require.True(t, ok)
	assert.Equal(t, "New Title", got.Title, "scan metadata wins")
	assert.Equal(t, "Someone", got.Artist)
	assert.Equal(t, 4, got.Rating, "rating survives a rescan")
	assert.Equal(t, 1, got.PlayCount, "play count survives a rescan")
	assert.False(t, got.LastPlayed.IsZero())
	assert.Equal(t, added, got.DateAdded, "date added never moves")
}

func TestStore_UpsertStampsDateAdded(t *testing.T) {
	s := NewStore()
	s.Upsert(track.Track{ID: "/music/a.mp3"})

	got, ok := s.Get("/music/a.mp3")
	require.True(t, ok)
	assert.False(t, got.DateAdded.IsZero(), "new tracks get a date added")
}

func TestStore_ApplyScan(t *testing.T) {
	s := NewStore()
	s.Upsert(track.Track{ID: "/music/keep.mp3", Title: "Keep"})
	s.Upsert(track.Track{ID: "/music/stale.mp3", Title: "Stale"})
	s.Upsert(track.Track{ID: "/other/out.mp3", Title: "Out of scope"})

	res := s.ApplyScan("/music", []track.Track{
		{ID: "/music/keep.mp3", Title: "Keep v2"},
		{ID: "/music/new.flac", Title: "New"},
	})

	assert.Equal(t, ScanResult{Added: 1, Updated: 1, Removed: 1}, res)

	_, ok := s.Get("/music/stale.mp3")
	assert.False(t, ok, "unseen tracks under the folder are dropped")
	_, ok = s.Get("/other/out.mp3")
	assert.True(t, ok, "tracks outside the folder are untouched")
	got, _ := s.Get("/music/keep.mp3")
	assert.Equal(t, "Keep v2", got.Title)
}

func TestStore_RemoveFolder(t *testing.T) {
	s := NewStore()
	s.AddFolder("/m1")
	s.AddFolder("/m2")
	s.Upsert(track.Track{ID: "/m1/a.mp3"})
	s.Upsert(track.Track{ID: "/m1/sub/b.mp3"})
	s.Upsert(track.Track{ID: "/m1x/c.mp3"})
	s.Upsert(track.Track{ID: "/m2/d.mp3"})

	removed := s.RemoveFolder("/m1")

	assert.Equal(t, []string{"/m1/a.mp3", "/m1/sub/b.mp3"}, removed)
	assert.Equal(t, []string{"/m2"}, s.Folders())
	_, ok := s.Get("/m1x/c.mp3")
	assert.True(t, ok, "sibling folders sharing a prefix are untouched")
	_, ok = s.Get("/m2/d.mp3")
	assert.True(t, ok)

	assert.Nil(t, s.RemoveFolder("/m1"), "removing an unknown folder is a no-op")
}

func TestStore_RemoveUnder(t *testing.T) {
	s := NewStore()
	s.AddFolder("/music")
	s.Upsert(track.Track{ID: "/music/sub/a.mp3"})
	s.Upsert(track.Track{ID: "/music/b.mp3"})

	removed := s.RemoveUnder("/music/sub")

	assert.Equal(t, []string{"/music/sub/a.mp3"}, removed)
	assert.Equal(t, []string{"/music"}, s.Folders(), "folder registration is untouched")
	assert.Equal(t, 1, s.Len())
	assert.Nil(t, s.RemoveUnder("/music/sub"), "nothing left to prune")
}

func TestStore_AddFolderDeduplicates(t *testing.T) {
	s := NewStore()
	assert.True(t, s.AddFolder("/music"))
	assert.False(t, s.AddFolder("/music/"), "cleaned paths deduplicate")
	assert.Equal(t, []string{"/music"}, s.Folders())
}

func TestStore_OnChange(t *testing.T) {
	s := NewStore()
	var gens []uint64
	unsubscribe := s.OnChange(func(gen uint64) {
		gens = append(gens, gen)
	})

	s.Upsert(track.Track{ID: "/music/a.mp3"})
	s.Remove("/music/a.mp3")
	require.Len(t, gens, 2)
	assert.Equal(t, []uint64{1, 2}, gens, "each mutation bumps the generation")

	unsubscribe()
	s.AddFolder("/music")
	assert.Len(t, gens, 2, "unsubscribed callbacks stay silent")
	assert.Equal(t, uint64(3), s.Generation())
}

func TestStore_OnChangeReentrant(t *testing.T) {
	s := NewStore()
	var seen int
	s.OnChange(func(uint64) {
		// Callbacks run outside the lock, so reading back is safe.
		seen = s.Len()
	})

	s.Upsert(track.Track{ID: "/music/a.mp3"})
	assert.Equal(t, 1, seen)
}

func TestStore_SetRating(t *testing.T) {
	s := NewStore()
	s.Upsert(track.Track{ID: "/music/a.mp3"})

	got, err := s.SetRating("/music/a.mp3", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Rating)

	got, err = s.SetRating("/music/a.mp3", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Rating, "zero clears the rating")

	_, err = s.SetRating("/music/a.mp3", 6)
	assert.True(t, errors.Is(err, ErrInvalidRating))

	_, err = s.SetRating("/music/missing.mp3", 3)
	assert.True(t, errors.Is(err, ErrUnknownTrack))
}

func TestStore_IncrementPlayCount(t *testing.T) {
	s := NewStore()
	s.Upsert(track.Track{ID: "/music/a.mp3"})
	at := time.Date(2025, 6, 1, 20, 30, 0, 0, time.UTC)

	got, err := s.IncrementPlayCount("/music/a.mp3", at)
	require.NoError(t, err)
	assert.Equal(t, 1, got.PlayCount)
	assert.Equal(t, at, got.LastPlayed)

	_, err = s.IncrementPlayCount("/music/missing.mp3", at)
	assert.True(t, errors.Is(err, ErrUnknownTrack))
}

func TestStore_SnapshotSortedAndIsolated(t *testing.T) {
	s := NewStore()
	s.Upsert(track.Track{ID: "/music/c.mp3"})
	s.Upsert(track.Track{ID: "/music/a.mp3"})
	s.Upsert(track.Track{ID: "/music/b.mp3"})

	snap := s.Snapshot()
	require.Len(t, snap.Tracks, 3)
	assert.Equal(t, "/music/a.mp3", snap.Tracks[0].ID)
	assert.Equal(t, "/music/b.mp3", snap.Tracks[1].ID)
	assert.Equal(t, "/music/c.mp3", snap.Tracks[2].ID)

	snap.Tracks[0].Title = "mutated"
	got, _ := s.Get("/music/a.mp3")
	assert.Empty(t, got.Title, "snapshots are copies")
}

func TestStore_ReplaceAll(t *testing.T) {
	s := NewStore()
	s.Upsert(track.Track{ID: "/old/x.mp3"})

	s.ReplaceAll([]string{"/music"}, []track.Track{
		{ID: "/music/a.mp3", PlayCount: 7, Rating: 3},
	})

	assert.Equal(t, []string{"/music"}, s.Folders())
	assert.Equal(t, 1, s.Len())
	got, ok := s.Get("/music/a.mp3")
	require.True(t, ok)
	assert.Equal(t, 7, got.PlayCount, "hydration keeps persisted state verbatim")
}
