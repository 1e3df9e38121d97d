// Package player wires the library, queue, playlists, playback controller
// and spectrum analyzer into one engine and fans their events out to
// subscribers. It is the only package the command layer talks to.
package player

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/aklyne/cadenza/internal/app/events"
	"github.com/aklyne/cadenza/internal/app/library"
	"github.com/aklyne/cadenza/internal/app/playback"
	"github.com/aklyne/cadenza/internal/app/playlists"
	"github.com/aklyne/cadenza/internal/app/queue"
	"github.com/aklyne/cadenza/internal/app/rules"
	"github.com/aklyne/cadenza/internal/app/spectrum"
	"github.com/aklyne/cadenza/internal/domain/playlist"
	"github.com/aklyne/cadenza/internal/domain/track"
	"github.com/aklyne/cadenza/internal/infra/config"
)

// Errors
var (
	ErrQueueEmpty = errors.New("queue is empty")
)

// Changes are flushed this long after the last mutation, so a burst of
// scan updates produces one write instead of hundreds.
const saveDebounce = 1 * time.Second

// Persister stores and retrieves engine state between runs.
type Persister interface {
	LoadLibrary() (folders []string, tracks []track.Track, err error)
	SaveLibrary(folders []string, tracks []track.Track) error
	LoadPlaylists() (static map[string][]string, smart map[string]*playlist.RuleSet, favorites []string, err error)
	SavePlaylists(static map[string][]string, smart map[string]*playlist.RuleSet, favorites []string) error
}

// Manager owns every engine component and their event plumbing.
type Manager struct {
	// Configuration
	config *config.Config

	// Components
	store      *library.Store
	scanner    *library.Scanner
	watcher    *library.Watcher
	registry   *playlists.Registry
	evaluator  *rules.Evaluator
	queue      *queue.Manager
	controller *playback.Controller
	analyzer   *spectrum.Analyzer
	bus        *events.Bus
	persister  Persister

	// Persistence
	saveMu         sync.Mutex
	saveTimer      *time.Timer
	libraryDirty   bool
	playlistsDirty bool

	// Lifecycle
	started       atomic.Bool
	closeOnce     sync.Once
	unsubLibrary  func()
	unsubRegistry func()

	// Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds the engine from its infrastructure edges. tap is the
// pipeline's raw sample feed for the analyzer; reader extracts tag metadata
// during scans. Call Start before use and Close when done.
func NewManager(cfg *config.Config, pipe playback.Pipeline, tap spectrum.WindowSource, reader library.MetadataReader, persister Persister) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		config:    cfg,
		persister: persister,
		ctx:       ctx,
		cancel:    cancel,
	}

	m.store = library.NewStore()
	m.scanner = library.NewScanner(m.store, reader, cfg.Library.ScanWorkers)
	m.evaluator = rules.NewEvaluator(cfg.Evaluator.Timeout())
	m.registry = playlists.NewRegistry()
	m.queue = queue.NewManager(m.store)
	m.bus = events.NewBus()

	m.analyzer = spectrum.NewAnalyzer(spectrum.Config{
		Bands:    cfg.Spectrum.Bands,
		Interval: cfg.Spectrum.Interval(),
		Window:   cfg.Spectrum.Window,
	}, tap, func() time.Duration {
		// The analyzer only asks for positions while it is active, and it
		// is only activated once the controller below exists.
		return m.controller.GetPosition()
	})

	m.controller = playback.NewController(playback.Config{
		Volume:              cfg.Playback.Volume,
		CompletionThreshold: cfg.Playback.CompletionThreshold,
		MaxAutoSkips:        cfg.Playback.MaxAutoSkips,
	}, pipe, m.queue, m.analyzer)

	m.queue.OnRefresh(m.onQueueRefreshed)
	m.unsubLibrary = m.store.OnChange(m.onLibraryChanged)
	m.unsubRegistry = m.registry.OnChange(m.onPlaylistsChanged)

	return m
}

// Start hydrates persisted state, scans the configured folders and begins
// consuming component events. A broken state file or an unreachable folder
// is not fatal; only a cancelled context aborts startup.
func (m *Manager) Start(ctx context.Context) error {
	folders, tracks, err := m.persister.LoadLibrary()
	if err != nil {
		zlog.Warn().Msgf("Failed to load library state, starting fresh: %v", err)
	} else {
		m.store.ReplaceAll(folders, tracks)
	}

	static, smart, favorites, err := m.persister.LoadPlaylists()
	if err != nil {
		zlog.Warn().Msgf("Failed to load playlists, starting fresh: %v", err)
	} else {
		m.registry.ReplaceUserPlaylists(static, smart, favorites)
	}

	for _, folder := range m.config.Library.Folders {
		m.store.AddFolder(folder)
	}

	result, err := m.scanner.ScanAll(ctx)
	switch {
	case err != nil && ctx.Err() != nil:
		return errors.Wrap(err, "initial library scan")
	case err != nil:
		// An offline folder must not abort startup; its hydrated tracks
		// stay in the catalog until it scans clean again.
		zlog.Warn().Msgf("Initial library scan incomplete: %v", err)
	default:
		zlog.Info().Msgf("Library scan complete: %d added, %d updated, %d removed",
			result.Added, result.Updated, result.Removed)
	}

	if m.config.Library.WatchEnabled() {
		watcher, err := library.NewWatcher(m.store, m.scanner)
		if err != nil {
			zlog.Warn().Msgf("Folder watching unavailable: %v", err)
		} else if err := watcher.Start(m.ctx); err != nil {
			zlog.Warn().Msgf("Failed to start folder watcher: %v", err)
			watcher.Close()
		} else {
			m.watcher = watcher
		}
	}

	m.wg.Add(2)
	go m.playbackLoop()
	go m.spectrumLoop()

	m.started.Store(true)
	return nil
}

// playbackLoop consumes controller events until shutdown.
func (m *Manager) playbackLoop() {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			zlog.Error().Msgf("playback loop panicked: %v", r)
			// Restart loop to prevent a deaf engine
			zlog.Info().Msg("restarting playback loop")
			m.wg.Add(1)
			go m.playbackLoop()
		}
	}()

	for {
		select {
		case <-m.ctx.Done():
			return
		case e, ok := <-m.controller.Events():
			if !ok {
				return
			}
			m.handlePlaybackEvent(e)
		}
	}
}

func (m *Manager) handlePlaybackEvent(e playback.Event) {
	switch e.Type {
	case playback.EventStateChanged:
		m.bus.Publish(events.Event{Kind: events.KindStateChanged, State: e.State})
	case playback.EventTrackChanged:
		m.bus.Publish(events.Event{Kind: events.KindTrackChanged, Track: e.Track})
	case playback.EventTrackCompleted:
		m.onTrackCompleted(e.Track)
	case playback.EventProgress:
		m.bus.Publish(events.Event{Kind: events.KindProgress, Position: e.Position, Duration: e.Duration})
	case playback.EventQueueExhausted:
		zlog.Info().Msg("Queue exhausted, playback stopped")
	case playback.EventError:
		m.bus.Publish(events.Event{Kind: events.KindPlaybackError, Track: e.Track, Err: e.Err})
	}
}

func (m *Manager) onTrackCompleted(t *track.Track) {
	if t == nil {
		return
	}
	updated, err := m.store.IncrementPlayCount(t.ID, time.Now())
	if err != nil {
		// Ad-hoc tracks play fine without being in the catalog.
		zlog.Debug().Msgf("Completed track is not in the library: %v", err)
		return
	}
	zlog.Info().Msgf("Track completed: %s - %s (play count %d)",
		updated.Artist, updated.Title, updated.PlayCount)
}

// spectrumLoop republishes analyzer frames on the bus until shutdown.
func (m *Manager) spectrumLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case f, ok := <-m.analyzer.Frames():
			if !ok {
				return
			}
			m.bus.Publish(events.Event{Kind: events.KindSpectrumFrame, Bands: f.Bands, Position: f.Position})
		}
	}
}

// onLibraryChanged runs after every store mutation, with no store lock held.
func (m *Manager) onLibraryChanged(generation uint64) {
	m.queue.OnLibraryChanged(generation)
	m.bus.Publish(events.Event{Kind: events.KindLibraryChanged})

	m.saveMu.Lock()
	m.libraryDirty = true
	m.armSaveTimerLocked()
	m.saveMu.Unlock()
}

// onQueueRefreshed runs after a re-resolution changes the queue contents,
// with no queue lock held.
func (m *Manager) onQueueRefreshed() {
	m.stopIfQueueEmpty()
	m.bus.Publish(events.Event{Kind: events.KindQueueChanged})
}

// stopIfQueueEmpty enforces that an empty resolution cannot govern a
// playback session.
func (m *Manager) stopIfQueueEmpty() {
	if _, n := m.queue.Position(); n > 0 {
		return
	}
	if m.controller.GetState() == playback.StateStopped {
		return
	}
	zlog.Info().Msg("Queue resolved to empty, stopping playback")
	m.controller.Stop()
}

// onPlaylistsChanged runs after every registry mutation, with no registry
// lock held.
func (m *Manager) onPlaylistsChanged() {
	m.bus.Publish(events.Event{Kind: events.KindPlaylistsChanged})

	m.saveMu.Lock()
	m.playlistsDirty = true
	m.armSaveTimerLocked()
	m.saveMu.Unlock()
}

func (m *Manager) armSaveTimerLocked() {
	if m.saveTimer == nil {
		m.saveTimer = time.AfterFunc(saveDebounce, m.flushSaves)
	}
}

func (m *Manager) flushSaves() {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	m.flushSavesLocked()
}

func (m *Manager) flushSavesLocked() {
	m.saveTimer = nil

	if m.libraryDirty {
		m.libraryDirty = false
		snap := m.store.Snapshot()
		if err := m.persister.SaveLibrary(m.store.Folders(), snap.Tracks); err != nil {
			zlog.Error().Msgf("Failed to save library: %v", err)
		}
	}
	if m.playlistsDirty {
		m.playlistsDirty = false
		static, smart, favorites := m.registry.UserPlaylists()
		if err := m.persister.SavePlaylists(static, smart, favorites); err != nil {
			zlog.Error().Msgf("Failed to save playlists: %v", err)
		}
	}
}

// Close shuts the engine down and flushes pending state. Safe to call twice.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.cancel()

		if m.watcher != nil {
			if err := m.watcher.Close(); err != nil {
				zlog.Warn().Msgf("Failed to close folder watcher: %v", err)
			}
		}
		m.controller.Close()
		m.analyzer.Close()
		m.queue.Close()
		m.wg.Wait()

		m.unsubLibrary()
		m.unsubRegistry()

		m.saveMu.Lock()
		if m.saveTimer != nil {
			m.saveTimer.Stop()
			m.saveTimer = nil
		}
		if m.started.Load() {
			// Final write regardless of dirty flags.
			m.libraryDirty = true
			m.playlistsDirty = true
			m.flushSavesLocked()
		}
		m.saveMu.Unlock()

		m.bus.Close()
	})
}

// Subscribe registers a feed of engine events.
func (m *Manager) Subscribe() *events.Subscription {
	return m.bus.Subscribe()
}

// Unsubscribe tears down a previously registered feed.
func (m *Manager) Unsubscribe(id string) {
	m.bus.Unsubscribe(id)
}

// Transport

// Play resumes when paused, is a no-op when already rolling, and otherwise
// starts the queue's current track, or its first if nothing is pinned yet.
func (m *Manager) Play() error {
	switch m.controller.GetState() {
	case playback.StatePaused:
		return m.controller.Resume()
	case playback.StatePlaying, playback.StateLoading, playback.StateSeeking:
		return nil
	}

	if t, ok := m.queue.Current(); ok {
		m.controller.Play(t)
		return nil
	}
	if t, ok := m.queue.Next(); ok {
		m.controller.Play(t)
		return nil
	}
	return ErrQueueEmpty
}

// PlayTrack starts a specific track, jumping the queue to it when it is in
// the current play order and playing it standalone otherwise.
func (m *Manager) PlayTrack(id string) error {
	for i, t := range m.queue.Tracks() {
		if t.ID != id {
			continue
		}
		if picked, ok := m.queue.Jump(i); ok {
			m.controller.Play(picked)
			return nil
		}
		break
	}

	t, ok := m.store.Get(id)
	if !ok {
		return errors.Wrapf(library.ErrUnknownTrack, "%s", id)
	}
	m.controller.Play(t)
	return nil
}

// Pause suspends the running track.
func (m *Manager) Pause() error { return m.controller.Pause() }

// Resume continues a paused track.
func (m *Manager) Resume() error { return m.controller.Resume() }

// Stop halts playback and unloads the current track.
func (m *Manager) Stop() { m.controller.Stop() }

// Seek moves the play position within the current track.
func (m *Manager) Seek(to time.Duration) error { return m.controller.Seek(to) }

// Next skips forward, playing whatever the queue yields (under repeat-one
// that is the current track again), stopping at the queue's end.
func (m *Manager) Next() error {
	if t, ok := m.queue.Next(); ok {
		m.controller.Play(t)
		return nil
	}
	m.controller.Stop()
	return ErrQueueEmpty
}

// Previous steps the queue back and plays what it yields.
func (m *Manager) Previous() error {
	if t, ok := m.queue.Previous(); ok {
		m.controller.Play(t)
		return nil
	}
	return ErrQueueEmpty
}

// SetVolume adjusts output volume, clamped to 0..1.
func (m *Manager) SetVolume(v float64) { m.controller.SetVolume(v) }

// Volume reports the current volume setting.
func (m *Manager) Volume() float64 { return m.controller.GetVolume() }

// SetMuted toggles output silence without losing the volume setting.
func (m *Manager) SetMuted(muted bool) { m.controller.SetMuted(muted) }

// Muted reports whether output is muted.
func (m *Manager) Muted() bool { return m.controller.IsMuted() }

// State reports the transport state.
func (m *Manager) State() playback.State { return m.controller.GetState() }

// CurrentTrack reports the loaded track, if any.
func (m *Manager) CurrentTrack() (track.Track, bool) { return m.controller.GetCurrentTrack() }

// Position reports the play position within the current track.
func (m *Manager) Position() time.Duration { return m.controller.GetPosition() }

// Duration reports the length of the current track.
func (m *Manager) Duration() time.Duration { return m.controller.GetDuration() }

// Queue

// QueueLibrary makes the whole library the play queue.
func (m *Manager) QueueLibrary(ctx context.Context) error {
	return m.setSource(ctx, queue.NewLibrarySource(), -1)
}

// QueuePlaylist makes the named playlist the play queue. startIndex pins
// the queue to that position; pass -1 to leave it detached.
func (m *Manager) QueuePlaylist(ctx context.Context, name string, startIndex int) error {
	p, err := m.registry.GetByName(name)
	if err != nil {
		return err
	}

	var src queue.Source
	switch p.Kind {
	case playlist.KindSmart:
		src = queue.NewSmartSource(p.Name, p.Rules, m.evaluator)
	default:
		src = queue.NewStaticSource(p.Name, p.TrackIDs)
	}
	return m.setSource(ctx, src, startIndex)
}

// QueueTracks makes an ad-hoc selection the play queue. Unknown ids are
// dropped; an empty resolution is an error.
func (m *Manager) QueueTracks(ctx context.Context, name string, trackIDs []string, startIndex int) error {
	picked := make([]track.Track, 0, len(trackIDs))
	for _, id := range trackIDs {
		if t, ok := m.store.Get(id); ok {
			picked = append(picked, t)
		}
	}
	if len(picked) == 0 {
		return ErrQueueEmpty
	}
	return m.setSource(ctx, queue.NewAdhocSource(name, picked), startIndex)
}

func (m *Manager) setSource(ctx context.Context, src queue.Source, startIndex int) error {
	if err := m.queue.SetSource(ctx, src, startIndex); err != nil {
		return err
	}
	m.stopIfQueueEmpty()
	m.bus.Publish(events.Event{Kind: events.KindQueueChanged})
	return nil
}

// SetShuffle switches between shuffled and linear play order.
func (m *Manager) SetShuffle(on bool) {
	m.queue.SetShuffle(on)
	m.bus.Publish(events.Event{Kind: events.KindQueueChanged})
}

// Shuffle reports whether shuffle is on.
func (m *Manager) Shuffle() bool { return m.queue.Shuffle() }

// SetRepeat selects the repeat mode.
func (m *Manager) SetRepeat(mode queue.RepeatMode) {
	m.queue.SetRepeat(mode)
	m.bus.Publish(events.Event{Kind: events.KindQueueChanged})
}

// Repeat reports the repeat mode.
func (m *Manager) Repeat() queue.RepeatMode { return m.queue.Repeat() }

// QueueContents reports the queue in play order.
func (m *Manager) QueueContents() []track.Track { return m.queue.Tracks() }

// QueuePosition reports the pinned position and queue length.
func (m *Manager) QueuePosition() (int, int) { return m.queue.Position() }

// Library

// AddLibraryFolder registers a folder and scans it. Registering an already
// known folder is a no-op.
func (m *Manager) AddLibraryFolder(ctx context.Context, path string) error {
	if !m.store.AddFolder(path) {
		return nil
	}
	result, err := m.scanner.ScanFolder(ctx, path)
	if err != nil {
		return err
	}
	zlog.Info().Msgf("Folder %s scanned: %d tracks added", path, result.Added)
	return nil
}

// RemoveLibraryFolder drops a folder and its tracks, and prunes dangling
// playlist references. Returns the number of tracks removed.
func (m *Manager) RemoveLibraryFolder(path string) int {
	removed := m.store.RemoveFolder(path)
	if len(removed) > 0 {
		pruned := m.registry.PruneTracks(func(trackID string) bool {
			_, ok := m.store.Get(trackID)
			return ok
		})
		zlog.Info().Msgf("Folder %s removed: %d tracks dropped, %d playlist entries pruned",
			path, len(removed), pruned)
	}
	return len(removed)
}

// Rescan walks every registered folder again.
func (m *Manager) Rescan(ctx context.Context) (library.ScanResult, error) {
	return m.scanner.ScanAll(ctx)
}

// LibraryTracks reports a snapshot of the catalog.
func (m *Manager) LibraryTracks() []track.Track { return m.store.Snapshot().Tracks }

// LibraryFolders reports the registered folders.
func (m *Manager) LibraryFolders() []string { return m.store.Folders() }

// SetRating stores a 0..5 star rating on a track.
func (m *Manager) SetRating(trackID string, rating int) error {
	_, err := m.store.SetRating(trackID, rating)
	return err
}

// SetFavorite adds or removes a track from the favorites playlist.
func (m *Manager) SetFavorite(trackID string, favorite bool) {
	m.registry.SetFavorite(trackID, favorite)
}

// IsFavorite reports whether a track is in the favorites playlist.
func (m *Manager) IsFavorite(trackID string) bool { return m.registry.IsFavorite(trackID) }

// Favorites reports the favorites playlist contents in order.
func (m *Manager) Favorites() []string { return m.registry.Favorites() }

// Playlists

// CreatePlaylist adds an empty static playlist.
func (m *Manager) CreatePlaylist(name string) (*playlist.Playlist, error) {
	return m.registry.Create(name)
}

// CreateSmartPlaylist adds a rule-driven playlist.
func (m *Manager) CreateSmartPlaylist(name string, set *playlist.RuleSet) (*playlist.Playlist, error) {
	return m.registry.CreateSmart(name, set)
}

// RenamePlaylist changes a playlist's display name.
func (m *Manager) RenamePlaylist(id, newName string) error { return m.registry.Rename(id, newName) }

// DeletePlaylist removes a playlist.
func (m *Manager) DeletePlaylist(id string) error { return m.registry.Delete(id) }

// Playlist looks a playlist up by id.
func (m *Manager) Playlist(id string) (*playlist.Playlist, error) { return m.registry.Get(id) }

// PlaylistByName looks a playlist up by display name.
func (m *Manager) PlaylistByName(name string) (*playlist.Playlist, error) {
	return m.registry.GetByName(name)
}

// Playlists reports every playlist, builtins first.
func (m *Manager) Playlists() []*playlist.Playlist { return m.registry.All() }

// AppendToPlaylist adds a track to the end of a static playlist.
func (m *Manager) AppendToPlaylist(id, trackID string) error {
	return m.registry.AppendTrack(id, trackID)
}

// SetPlaylistTracks replaces a static playlist's contents.
func (m *Manager) SetPlaylistTracks(id string, trackIDs []string) error {
	return m.registry.SetTracks(id, trackIDs)
}

// SetSmartRules replaces a smart playlist's rule set. When that playlist is
// the active queue source the queue re-resolves immediately, keeping the
// current track pinned if it survives the new rules.
func (m *Manager) SetSmartRules(ctx context.Context, id string, set *playlist.RuleSet) error {
	if err := m.registry.SetRuleSet(id, set); err != nil {
		return err
	}
	p, err := m.registry.Get(id)
	if err != nil {
		return err
	}

	src := m.queue.Source()
	if src == nil || src.Kind() != queue.SourceSmart || src.Name() != p.Name {
		return nil
	}
	fresh := queue.NewSmartSource(p.Name, p.Rules, m.evaluator)
	if err := m.queue.ReplaceSource(ctx, fresh); err != nil {
		return err
	}
	m.stopIfQueueEmpty()
	m.bus.Publish(events.Event{Kind: events.KindQueueChanged})
	return nil
}
