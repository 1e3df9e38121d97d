package queue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/aklyne/cadenza/internal/app/library"
	"github.com/aklyne/cadenza/internal/domain/track"
)

// RepeatMode controls what happens at the edges of the play order.
type RepeatMode int

const (
	RepeatOff RepeatMode = iota
	RepeatOne
	RepeatAll
)

// String returns the string representation of the repeat mode.
func (m RepeatMode) String() string {
	switch m {
	case RepeatOff:
		return "off"
	case RepeatOne:
		return "one"
	case RepeatAll:
		return "all"
	default:
		return "unknown"
	}
}

// Manager owns the resolved track list and the cursor into it. The play
// order is a permutation over the resolved list: identity when shuffle is
// off, a pinned-current-first shuffle otherwise. A cursor of -1 means
// detached: nothing is current, and forward navigation lands on the first
// play-order position.
//
// Volatile sources are re-resolved off the caller's goroutine when the
// library changes; stale resolutions are discarded by snapshot generation.
type Manager struct {
	store *library.Store

	mu          sync.RWMutex
	source      Source
	tracks      []track.Track // resolved order
	order       []int         // play order over tracks
	pos         int           // cursor into order, -1 when detached
	shuffle     bool
	repeat      RepeatMode
	rng         *rand.Rand
	resolvedGen uint64 // snapshot generation of the applied resolution
	onRefresh   func() // runs after a re-resolution changes the contents

	ctx    context.Context
	cancel context.CancelFunc
	pokeCh chan struct{}
	done   chan struct{}
}

// NewManager returns a queue manager bound to the library store. Call
// Close to stop the refresh worker.
func NewManager(store *library.Store) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:  store,
		pos:    -1,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:    ctx,
		cancel: cancel,
		pokeCh: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go m.refreshLoop()
	return m
}

// Close stops the background refresh worker.
func (m *Manager) Close() {
	m.cancel()
	<-m.done
}

// OnLibraryChanged schedules a re-resolution of the current source. Safe to
// call from store callbacks at any rate; pokes coalesce.
func (m *Manager) OnLibraryChanged(uint64) {
	m.mu.RLock()
	volatile := m.source != nil && m.source.Volatile()
	m.mu.RUnlock()
	if !volatile {
		return
	}
	select {
	case m.pokeCh <- struct{}{}:
	default:
	}
}

func (m *Manager) refreshLoop() {
	defer close(m.done)
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.pokeCh:
			if err := m.Refresh(m.ctx); err != nil && m.ctx.Err() == nil {
				zlog.Warn().Err(err).Msg("queue re-resolution failed, keeping previous contents")
			}
		}
	}
}

// SetSource resolves src and installs it as the queue. startIndex is a
// position in the resolved (natural) order; pass -1 to start detached so
// the first Next lands on play-order position 0. With shuffle on, the
// start track is pinned to the front of the permutation.
func (m *Manager) SetSource(ctx context.Context, src Source, startIndex int) error {
	snap := m.store.Snapshot()
	tracks, err := src.Resolve(ctx, snap)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.source = src
	m.tracks = tracks
	m.resolvedGen = snap.Generation

	pinID := ""
	if startIndex >= 0 && startIndex < len(tracks) {
		pinID = tracks[startIndex].ID
	}
	m.rebuildOrderLocked(pinID)
	m.mu.Unlock()

	zlog.Info().Msgf("Queue set to %s (%s): %d tracks", src.Name(), src.Kind(), len(tracks))
	return nil
}

// Refresh synchronously re-resolves the current source against the latest
// library snapshot, keeping the current track current when it survives.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.RLock()
	src := m.source
	m.mu.RUnlock()
	if src == nil {
		return nil
	}

	snap := m.store.Snapshot()
	tracks, err := src.Resolve(ctx, snap)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.source != src {
		// The queue moved on while we were resolving.
		m.mu.Unlock()
		return nil
	}
	if snap.Generation < m.resolvedGen {
		m.mu.Unlock()
		return nil
	}
	m.resolvedGen = snap.Generation

	currentID := ""
	if t, ok := m.currentLocked(); ok {
		currentID = t.ID
	}
	changed := !sameTracks(m.tracks, tracks)
	m.tracks = tracks
	m.rebuildOrderLocked(currentID)
	cb := m.onRefresh
	m.mu.Unlock()

	if changed && cb != nil {
		cb()
	}
	return nil
}

// OnRefresh sets the callback invoked after a re-resolution changes the
// queue contents, with no manager lock held.
func (m *Manager) OnRefresh(cb func()) {
	m.mu.Lock()
	m.onRefresh = cb
	m.mu.Unlock()
}

func sameTracks(a, b []track.Track) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}

// ReplaceSource swaps in a new source while keeping the current track
// current when the new resolution still contains it. Used when an edit
// changes the definition behind the active queue.
func (m *Manager) ReplaceSource(ctx context.Context, src Source) error {
	snap := m.store.Snapshot()
	tracks, err := src.Resolve(ctx, snap)
	if err != nil {
		return err
	}

	m.mu.Lock()
	currentID := ""
	if t, ok := m.currentLocked(); ok {
		currentID = t.ID
	}

	m.source = src
	m.tracks = tracks
	m.resolvedGen = snap.Generation
	m.rebuildOrderLocked(currentID)
	m.mu.Unlock()

	zlog.Info().Msgf("Queue source replaced by %s (%s): %d tracks", src.Name(), src.Kind(), len(tracks))
	return nil
}

// rebuildOrderLocked recomputes the play order. When pinID survives in the
// resolved list it stays current (first position under shuffle, its natural
// position otherwise); a vanished pin detaches the cursor.
func (m *Manager) rebuildOrderLocked(pinID string) {
	n := len(m.tracks)
	natural := -1
	if pinID != "" {
		for i := range m.tracks {
			if m.tracks[i].ID == pinID {
				natural = i
				break
			}
		}
	}

	if !m.shuffle {
		m.order = identityOrder(n)
		m.pos = natural
		return
	}

	if natural < 0 {
		m.order = m.rng.Perm(n)
		m.pos = -1
		return
	}

	m.order = make([]int, 0, n)
	m.order = append(m.order, natural)
	rest := make([]int, 0, n-1)
	for i := 0; i < n; i++ {
		if i != natural {
			rest = append(rest, i)
		}
	}
	m.rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	m.order = append(m.order, rest...)
	m.pos = 0
}

func identityOrder(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

func (m *Manager) currentLocked() (track.Track, bool) {
	if m.pos < 0 || m.pos >= len(m.order) {
		return track.Track{}, false
	}
	return m.tracks[m.order[m.pos]], true
}

// Current returns the track under the cursor.
func (m *Manager) Current() (track.Track, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLocked()
}

// Next moves the cursor forward one play-order position. RepeatOne replays
// the current position instead of moving; at the end of the order RepeatAll
// wraps and RepeatOff yields nothing.
func (m *Manager) Next() (track.Track, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.repeat == RepeatOne {
		if t, ok := m.currentLocked(); ok {
			return t, true
		}
	}
	return m.stepForwardLocked()
}

func (m *Manager) stepForwardLocked() (track.Track, bool) {
	if len(m.order) == 0 {
		return track.Track{}, false
	}
	if m.pos < 0 {
		m.pos = 0
		return m.currentLocked()
	}
	if m.pos+1 >= len(m.order) {
		if m.repeat != RepeatAll {
			return track.Track{}, false
		}
		m.pos = 0
		return m.currentLocked()
	}
	m.pos++
	return m.currentLocked()
}

// Previous moves the cursor back one play-order position. RepeatOne replays
// the current position instead of moving; at the start of the order RepeatAll
// wraps to the end. From the detached state there is nothing to step back
// from.
func (m *Manager) Previous() (track.Track, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.order) == 0 || m.pos < 0 {
		return track.Track{}, false
	}
	if m.repeat == RepeatOne {
		return m.currentLocked()
	}
	if m.pos == 0 {
		if m.repeat != RepeatAll {
			return track.Track{}, false
		}
		m.pos = len(m.order) - 1
		return m.currentLocked()
	}
	m.pos--
	return m.currentLocked()
}

// Jump moves the cursor to a play-order position.
func (m *Manager) Jump(playPos int) (track.Track, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if playPos < 0 || playPos >= len(m.order) {
		return track.Track{}, false
	}
	m.pos = playPos
	return m.currentLocked()
}

// SetShuffle rebuilds the play order. Turning shuffle on pins the current
// track to the front; turning it off restores natural order with the
// cursor on the current track's natural position.
func (m *Manager) SetShuffle(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shuffle == on {
		return
	}
	m.shuffle = on
	currentID := ""
	if t, ok := m.currentLocked(); ok {
		currentID = t.ID
	}
	m.rebuildOrderLocked(currentID)
}

// Shuffle reports whether shuffle is on.
func (m *Manager) Shuffle() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shuffle
}

// SetRepeat sets the repeat mode.
func (m *Manager) SetRepeat(mode RepeatMode) {
	m.mu.Lock()
	m.repeat = mode
	m.mu.Unlock()
}

// Repeat returns the repeat mode.
func (m *Manager) Repeat() RepeatMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.repeat
}

// Source returns the installed source, if any.
func (m *Manager) Source() Source {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.source
}

// Position returns the cursor's play-order position and the queue length.
// The position is -1 when detached.
func (m *Manager) Position() (int, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pos, len(m.order)
}

// Tracks returns the queue contents in play order.
func (m *Manager) Tracks() []track.Track {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]track.Track, 0, len(m.order))
	for _, idx := range m.order {
		out = append(out, m.tracks[idx])
	}
	return out
}
