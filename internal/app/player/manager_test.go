package player

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aklyne/cadenza/internal/app/events"
	"github.com/aklyne/cadenza/internal/app/library"
	"github.com/aklyne/cadenza/internal/app/playback"
	"github.com/aklyne/cadenza/internal/app/playlists"
	"github.com/aklyne/cadenza/internal/app/queue"
	"github.com/aklyne/cadenza/internal/domain/playlist"
	"github.com/aklyne/cadenza/internal/domain/track"
	"github.com/aklyne/cadenza/internal/infra/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubHandle is a scripted playback handle; finish drives a natural end.
type stubHandle struct {
	mu       sync.Mutex
	started  bool
	closed   bool
	position time.Duration
	duration time.Duration
	done     chan error
}

func newStubHandle(duration time.Duration) *stubHandle {
	return &stubHandle{duration: duration, done: make(chan error, 1)}
}

func (h *stubHandle) Start()  { h.mu.Lock(); h.started = true; h.mu.Unlock() }
func (h *stubHandle) Pause()  {}
func (h *stubHandle) Resume() {}

func (h *stubHandle) Seek(to time.Duration) error {
	h.mu.Lock()
	h.position = to
	h.mu.Unlock()
	return nil
}

func (h *stubHandle) Position() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.position
}

func (h *stubHandle) Duration() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.duration
}

func (h *stubHandle) SetVolume(float64) {}
func (h *stubHandle) SetMuted(bool)     {}

func (h *stubHandle) Done() <-chan error { return h.done }

func (h *stubHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

func (h *stubHandle) finish() { h.done <- nil }

// stubPipeline opens stubHandles and records every open.
type stubPipeline struct {
	mu      sync.Mutex
	handles []*stubHandle
}

func (p *stubPipeline) Open(_ context.Context, _ string) (playback.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := newStubHandle(3 * time.Minute)
	p.handles = append(p.handles, h)
	return h, nil
}

func (p *stubPipeline) handle(i int) *stubHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 {
		i = len(p.handles) + i
	}
	return p.handles[i]
}

func (p *stubPipeline) opened() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// stubTap never serves a window; analyzer plumbing stays quiet.
type stubTap struct{}

func (stubTap) Window([]float64) bool { return false }
func (stubTap) Reset()                {}

// stubReader indexes files without real tag parsing.
type stubReader struct{}

func (stubReader) ReadMetadata(_ context.Context, path string) (track.Track, error) {
	return track.Track{ID: path}, nil
}

// memPersister keeps persisted state in memory and counts writes.
type memPersister struct {
	mu        sync.Mutex
	folders   []string
	tracks    []track.Track
	static    map[string][]string
	smart     map[string]*playlist.RuleSet
	favorites []string
	loadErr   error

	librarySaves  int
	playlistSaves int
}

func (p *memPersister) LoadLibrary() ([]string, []track.Track, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loadErr != nil {
		return nil, nil, p.loadErr
	}
	return p.folders, p.tracks, nil
}

func (p *memPersister) SaveLibrary(folders []string, tracks []track.Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.folders = folders
	p.tracks = tracks
	p.librarySaves++
	return nil
}

func (p *memPersister) LoadPlaylists() (map[string][]string, map[string]*playlist.RuleSet, []string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loadErr != nil {
		return nil, nil, nil, p.loadErr
	}
	return p.static, p.smart, p.favorites, nil
}

func (p *memPersister) SavePlaylists(static map[string][]string, smart map[string]*playlist.RuleSet, favorites []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.static = static
	p.smart = smart
	p.favorites = favorites
	p.playlistSaves++
	return nil
}

func (p *memPersister) savedTrack(id string) (track.Track, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tracks {
		if t.ID == id {
			return t, true
		}
	}
	return track.Track{}, false
}

func (p *memPersister) savedFavorites() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.favorites...)
}

func (p *memPersister) saveCounts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.librarySaves, p.playlistSaves
}

func testConfig() *config.Config {
	noWatch := false
	return &config.Config{
		Library:   config.LibraryConfig{Watch: &noWatch, ScanWorkers: 2},
		Playback:  config.PlaybackConfig{Volume: 0.75, CompletionThreshold: 0.9, MaxAutoSkips: 5},
		Spectrum:  config.SpectrumConfig{Bands: 16, IntervalMs: 16, Window: 512},
		Evaluator: config.EvaluatorConfig{TimeoutMs: 200},
	}
}

func newTestManager(t *testing.T, persister *memPersister) (*Manager, *stubPipeline) {
	t.Helper()
	pipe := &stubPipeline{}
	m := NewManager(testConfig(), pipe, stubTap{}, stubReader{}, persister)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Close)
	return m, pipe
}

func trk(id, title, genre string) track.Track {
	return track.Track{ID: id, Title: title, Artist: "Test Artist", Genre: genre, Duration: 3 * time.Minute}
}

func waitState(t *testing.T, m *Manager, want playback.State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want },
		5*time.Second, 5*time.Millisecond, "expected state %s", want)
}

func waitTrack(t *testing.T, m *Manager, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		cur, ok := m.CurrentTrack()
		return ok && cur.ID == id && m.State() == playback.StatePlaying
	}, 5*time.Second, 5*time.Millisecond, "expected to be playing %s", id)
}

func waitEvent(t *testing.T, sub *events.Subscription, match func(events.Event) bool) events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				t.Fatal("event feed closed before the expected event arrived")
			}
			if match(e) {
				return e
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func rockRules() *playlist.RuleSet {
	return &playlist.RuleSet{
		Combinator: playlist.CombinatorAll,
		Conditions: []playlist.Condition{{Field: "genre", Operator: "equals", Value: "Rock"}},
		Sort:       playlist.SortSpec{Field: "title"},
	}
}

func TestManager_StartHydratesPersistedState(t *testing.T) {
	persister := &memPersister{
		tracks: []track.Track{
			trk("/m/a.mp3", "Alpha", "Rock"),
			trk("/m/b.mp3", "Beta", "Jazz"),
		},
		static:    map[string][]string{"Road Trip": {"/m/a.mp3"}},
		smart:     map[string]*playlist.RuleSet{"Rock Box": rockRules()},
		favorites: []string{"/m/b.mp3"},
	}
	m, _ := newTestManager(t, persister)

	assert.Len(t, m.LibraryTracks(), 2)

	static, err := m.PlaylistByName("Road Trip")
	require.NoError(t, err)
	assert.Equal(t, playlist.KindStatic, static.Kind)
	assert.Equal(t, []string{"/m/a.mp3"}, static.TrackIDs)

	smart, err := m.PlaylistByName("Rock Box")
	require.NoError(t, err)
	assert.Equal(t, playlist.KindSmart, smart.Kind)
	require.NotNil(t, smart.Rules)

	assert.True(t, m.IsFavorite("/m/b.mp3"))
	assert.False(t, m.IsFavorite("/m/a.mp3"))
}

func TestManager_StartWithBrokenStateStartsFresh(t *testing.T) {
	persister := &memPersister{loadErr: errors.New("corrupt state file")}
	m, _ := newTestManager(t, persister)

	assert.Empty(t, m.LibraryTracks())
	assert.Len(t, m.Playlists(), 3, "only the builtins should exist")
}

func TestManager_PlayStartsQueue(t *testing.T) {
	persister := &memPersister{tracks: []track.Track{
		trk("/m/a.mp3", "Alpha", "Rock"),
		trk("/m/b.mp3", "Beta", "Jazz"),
	}}
	m, pipe := newTestManager(t, persister)

	require.ErrorIs(t, m.Play(), ErrQueueEmpty, "nothing queued yet")

	require.NoError(t, m.QueueLibrary(context.Background()))
	require.NoError(t, m.Play())
	waitTrack(t, m, "/m/a.mp3")

	// Play while already rolling is a no-op.
	require.NoError(t, m.Play())
	assert.Equal(t, 1, pipe.opened())
}

func TestManager_NaturalEndAdvancesAndCountsListen(t *testing.T) {
	persister := &memPersister{tracks: []track.Track{
		trk("/m/a.mp3", "Alpha", "Rock"),
		trk("/m/b.mp3", "Beta", "Jazz"),
	}}
	m, pipe := newTestManager(t, persister)

	require.NoError(t, m.QueueLibrary(context.Background()))
	require.NoError(t, m.Play())
	waitTrack(t, m, "/m/a.mp3")

	pipe.handle(0).finish()
	waitTrack(t, m, "/m/b.mp3")

	require.Eventually(t, func() bool {
		for _, lt := range m.LibraryTracks() {
			if lt.ID == "/m/a.mp3" {
				return lt.PlayCount == 1
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "finished track should gain a listen")
}

func TestManager_NextPreviousWalkQueue(t *testing.T) {
	persister := &memPersister{tracks: []track.Track{
		trk("/m/a.mp3", "Alpha", "Rock"),
		trk("/m/b.mp3", "Beta", "Jazz"),
	}}
	m, _ := newTestManager(t, persister)

	require.NoError(t, m.QueueLibrary(context.Background()))
	require.NoError(t, m.Play())
	waitTrack(t, m, "/m/a.mp3")

	require.NoError(t, m.Next())
	waitTrack(t, m, "/m/b.mp3")

	require.ErrorIs(t, m.Next(), ErrQueueEmpty, "end of queue")
	waitState(t, m, playback.StateStopped)

	require.NoError(t, m.Previous())
	waitTrack(t, m, "/m/a.mp3")
}

func TestManager_RepeatOneRestartsCurrent(t *testing.T) {
	persister := &memPersister{tracks: []track.Track{
		trk("/m/a.mp3", "Alpha", "Rock"),
		trk("/m/b.mp3", "Beta", "Jazz"),
	}}
	m, pipe := newTestManager(t, persister)

	require.NoError(t, m.QueueLibrary(context.Background()))
	require.NoError(t, m.Play())
	waitTrack(t, m, "/m/a.mp3")

	m.SetRepeat(queue.RepeatOne)

	require.NoError(t, m.Next())
	require.Eventually(t, func() bool { return pipe.opened() == 2 },
		5*time.Second, 5*time.Millisecond, "skip under repeat one restarts the track")
	waitTrack(t, m, "/m/a.mp3")

	pipe.handle(1).finish()
	require.Eventually(t, func() bool { return pipe.opened() == 3 },
		5*time.Second, 5*time.Millisecond, "natural end under repeat one replays the track")
	waitTrack(t, m, "/m/a.mp3")
}

func TestManager_PlayTrackJumpsQueue(t *testing.T) {
	persister := &memPersister{tracks: []track.Track{
		trk("/m/a.mp3", "Alpha", "Rock"),
		trk("/m/b.mp3", "Beta", "Jazz"),
	}}
	m, _ := newTestManager(t, persister)

	require.NoError(t, m.QueueLibrary(context.Background()))
	require.NoError(t, m.PlayTrack("/m/b.mp3"))
	waitTrack(t, m, "/m/b.mp3")

	pos, total := m.QueuePosition()
	assert.Equal(t, 1, pos)
	assert.Equal(t, 2, total)

	err := m.PlayTrack("/m/nope.mp3")
	require.ErrorIs(t, err, library.ErrUnknownTrack)
}

func TestManager_QueuePlaylistAndAdhoc(t *testing.T) {
	persister := &memPersister{tracks: []track.Track{
		trk("/m/a.mp3", "Alpha", "Rock"),
		trk("/m/b.mp3", "Beta", "Jazz"),
	}}
	m, _ := newTestManager(t, persister)
	ctx := context.Background()

	mix, err := m.CreatePlaylist("Mix")
	require.NoError(t, err)
	require.NoError(t, m.AppendToPlaylist(mix.ID, "/m/b.mp3"))

	require.NoError(t, m.QueuePlaylist(ctx, "Mix", 0))
	contents := m.QueueContents()
	require.Len(t, contents, 1)
	assert.Equal(t, "/m/b.mp3", contents[0].ID)

	err = m.QueuePlaylist(ctx, "No Such List", 0)
	require.ErrorIs(t, err, playlists.ErrPlaylistNotFound)

	require.NoError(t, m.QueueTracks(ctx, "picked", []string{"/m/a.mp3", "/m/gone.mp3"}, -1))
	contents = m.QueueContents()
	require.Len(t, contents, 1, "unknown ids are dropped")
	assert.Equal(t, "/m/a.mp3", contents[0].ID)

	err = m.QueueTracks(ctx, "picked", []string{"/m/gone.mp3"}, -1)
	require.ErrorIs(t, err, ErrQueueEmpty)
}

func TestManager_SetSmartRulesReResolvesActiveQueue(t *testing.T) {
	persister := &memPersister{tracks: []track.Track{
		trk("/m/a.mp3", "Alpha", "Rock"),
		trk("/m/b.mp3", "Beta", "Jazz"),
		trk("/m/c.mp3", "Carol", "Rock"),
	}}
	m, _ := newTestManager(t, persister)
	ctx := context.Background()

	sp, err := m.CreateSmartPlaylist("Moody", rockRules())
	require.NoError(t, err)

	require.NoError(t, m.QueuePlaylist(ctx, "Moody", 0))
	contents := m.QueueContents()
	require.Len(t, contents, 2)
	assert.Equal(t, "/m/a.mp3", contents[0].ID)
	assert.Equal(t, "/m/c.mp3", contents[1].ID)

	jazz := &playlist.RuleSet{
		Combinator: playlist.CombinatorAll,
		Conditions: []playlist.Condition{{Field: "genre", Operator: "equals", Value: "Jazz"}},
		Sort:       playlist.SortSpec{Field: "title"},
	}
	require.NoError(t, m.SetSmartRules(ctx, sp.ID, jazz))

	contents = m.QueueContents()
	require.Len(t, contents, 1, "active smart queue should re-resolve")
	assert.Equal(t, "/m/b.mp3", contents[0].ID)

	// Editing rules while a different source is queued leaves the queue alone.
	require.NoError(t, m.QueueLibrary(ctx))
	require.NoError(t, m.SetSmartRules(ctx, sp.ID, rockRules()))
	assert.Len(t, m.QueueContents(), 3)
}

func TestManager_EmptyResolutionStopsPlayback(t *testing.T) {
	persister := &memPersister{tracks: []track.Track{
		trk("/m/a.mp3", "Alpha", "Rock"),
		trk("/m/b.mp3", "Beta", "Jazz"),
	}}
	m, _ := newTestManager(t, persister)
	ctx := context.Background()

	_, err := m.CreateSmartPlaylist("Rock Box", rockRules())
	require.NoError(t, err)
	require.NoError(t, m.QueuePlaylist(ctx, "Rock Box", 0))
	require.NoError(t, m.Play())
	waitTrack(t, m, "/m/a.mp3")

	// Re-tagging the only match empties the smart resolution.
	m.store.Upsert(trk("/m/a.mp3", "Alpha", "Jazz"))

	waitState(t, m, playback.StateStopped)
	assert.Empty(t, m.QueueContents())
}

func TestManager_SubscribeStreamsEngineEvents(t *testing.T) {
	persister := &memPersister{tracks: []track.Track{
		trk("/m/a.mp3", "Alpha", "Rock"),
	}}
	m, _ := newTestManager(t, persister)

	sub := m.Subscribe()
	defer m.Unsubscribe(sub.ID)

	require.NoError(t, m.QueueLibrary(context.Background()))
	waitEvent(t, sub, func(e events.Event) bool {
		return e.Kind == events.KindQueueChanged
	})

	require.NoError(t, m.Play())
	waitEvent(t, sub, func(e events.Event) bool {
		return e.Kind == events.KindStateChanged && e.State == playback.StatePlaying
	})
	got := waitEvent(t, sub, func(e events.Event) bool {
		return e.Kind == events.KindTrackChanged
	})
	require.NotNil(t, got.Track)
	assert.Equal(t, "/m/a.mp3", got.Track.ID)
}

func TestManager_RemoveLibraryFolderPrunesPlaylists(t *testing.T) {
	persister := &memPersister{
		folders: []string{"/m"},
		tracks: []track.Track{
			trk("/m/a.mp3", "Alpha", "Rock"),
			trk("/m/b.mp3", "Beta", "Jazz"),
		},
		static:    map[string][]string{"Road Trip": {"/m/a.mp3"}},
		favorites: []string{"/m/b.mp3"},
	}
	m, _ := newTestManager(t, persister)
	require.Len(t, m.LibraryTracks(), 2, "hydrated tracks survive a failed folder scan")

	removed := m.RemoveLibraryFolder("/m")
	assert.Equal(t, 2, removed)
	assert.Empty(t, m.LibraryTracks())

	roadTrip, err := m.PlaylistByName("Road Trip")
	require.NoError(t, err)
	assert.Empty(t, roadTrip.TrackIDs)
	assert.Empty(t, m.Favorites())
}

func TestManager_CloseFlushesDirtyState(t *testing.T) {
	persister := &memPersister{tracks: []track.Track{trk("/m/a.mp3", "Alpha", "Rock")}}
	m, _ := newTestManager(t, persister)

	require.NoError(t, m.SetRating("/m/a.mp3", 4))
	m.SetFavorite("/m/a.mp3", true)

	m.Close()

	saved, ok := persister.savedTrack("/m/a.mp3")
	require.True(t, ok)
	assert.Equal(t, 4, saved.Rating)
	assert.Equal(t, []string{"/m/a.mp3"}, persister.savedFavorites())

	m.Close() // second close is a no-op
}

func TestManager_CloseBeforeStartIsClean(t *testing.T) {
	persister := &memPersister{}
	m := NewManager(testConfig(), &stubPipeline{}, stubTap{}, stubReader{}, persister)

	m.Close()

	libSaves, plSaves := persister.saveCounts()
	assert.Zero(t, libSaves, "nothing was hydrated, nothing should be written")
	assert.Zero(t, plSaves)
}
