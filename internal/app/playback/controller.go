// Package playback drives the audio pipeline through a transport state
// machine and owns the playback session.
package playback

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/aklyne/cadenza/internal/domain/track"
)

// Errors
var (
	ErrNoTrack         = errors.New("no track loaded")
	ErrNotPlaying      = errors.New("not playing")
	ErrNotPaused       = errors.New("not paused")
	ErrMediaOpenFailed = errors.New("failed to open media")
	ErrDecodeFailed    = errors.New("failed to decode media")
)

// progressInterval is the cadence of EventProgress while a track is loaded.
const progressInterval = 100 * time.Millisecond

const eventBufferSize = 32

// Pipeline opens tracks into playable handles on the audio device.
type Pipeline interface {
	Open(ctx context.Context, path string) (Handle, error)
}

// Handle is one opened track. Implementations deliver exactly one value on
// Done: nil for natural end of stream, an error for a mid-stream decode
// failure. After Close, Done never fires.
type Handle interface {
	Start()
	Pause()
	Resume()
	Seek(to time.Duration) error
	Position() time.Duration
	Duration() time.Duration
	SetVolume(v float64)
	SetMuted(muted bool)
	Done() <-chan error
	Close() error
}

// Queue supplies the next track when the current one finishes on its own.
type Queue interface {
	Next() (track.Track, bool)
}

// Visualizer is gated by the transport state and reset on discontinuities.
// Both methods must be non-blocking; they are called under the controller
// lock.
type Visualizer interface {
	SetActive(active bool)
	Reset()
}

// Config holds controller configuration.
type Config struct {
	Volume              float64 // Initial volume, 0..1
	CompletionThreshold float64 // Played fraction that counts as a listen
	MaxAutoSkips        int     // Consecutive failed advances before stopping
}

// Controller owns the playback session: current track, transport state,
// position, volume, mute. All intents and pipeline callbacks serialize
// through one mutex; arrival order is application order. Pipeline opens run
// asynchronously under a load generation number, so any intent that
// supersedes an in-flight open (stop, another play) makes its result stale.
type Controller struct {
	mu sync.Mutex

	// Session
	state   State
	current *track.Track
	handle  Handle
	volume  float64
	muted   bool

	// Load generation; a completed open whose generation is stale is
	// closed and discarded.
	loadGen uint64

	// Completion accounting for the loaded track. playingSince is nonzero
	// only while Playing; seeks move the position but never this clock.
	playedAccum  time.Duration
	playingSince time.Time
	completed    bool

	autoSkips int

	// Collaborators
	pipeline Pipeline
	queue    Queue
	vis      Visualizer

	// Configuration
	config Config

	// Events
	eventCh chan Event
	closed  bool

	// Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController creates a playback controller. The visualizer may be nil.
func NewController(config Config, pipeline Pipeline, queue Queue, vis Visualizer) *Controller {
	if config.Volume < 0 {
		config.Volume = 0
	}
	if config.Volume > 1 {
		config.Volume = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		state:    StateStopped,
		volume:   config.Volume,
		pipeline: pipeline,
		queue:    queue,
		vis:      vis,
		config:   config,
		eventCh:  make(chan Event, eventBufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.wg.Add(1)
	go c.progressLoop()
	return c
}

// Events returns the event channel.
func (c *Controller) Events() <-chan Event {
	return c.eventCh
}

// Play loads and plays a track. This is an explicit intent: an open failure
// leaves the controller Errored instead of skipping ahead.
func (c *Controller) Play(t track.Track) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.autoSkips = 0
	c.startLoadLocked(t, true)
}

// Pause pauses the current playback.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return ErrNoTrack
	}
	if c.state != StatePlaying {
		return ErrNotPlaying
	}

	c.handle.Pause()
	c.setStateLocked(StatePaused)
	return nil
}

// Resume resumes paused playback.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return ErrNoTrack
	}
	if c.state != StatePaused {
		return ErrNotPaused
	}

	c.handle.Resume()
	if c.vis != nil {
		c.vis.Reset()
	}
	c.setStateLocked(StatePlaying)
	return nil
}

// Stop stops playback completely and clears the session track.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.autoSkips = 0
	c.stopLocked()
}

// Seek moves the playback position. The target is clamped to the track and
// the prior transport state is restored afterwards. Seeking never adds to
// the completion clock.
func (c *Controller) Seek(to time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle == nil || c.current == nil {
		return ErrNoTrack
	}

	prior := c.state
	c.setStateLocked(StateSeeking)

	if to < 0 {
		to = 0
	}
	if d := c.handle.Duration(); d > 0 && to > d {
		to = d
	}
	err := c.handle.Seek(to)

	if c.vis != nil {
		c.vis.Reset()
	}
	c.setStateLocked(prior)

	if err != nil {
		return errors.Wrap(err, "seek")
	}
	return nil
}

// SetVolume sets the session volume, applied live when a track is loaded.
func (c *Controller) SetVolume(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	c.volume = v
	if c.handle != nil {
		c.handle.SetVolume(v)
	}
}

// GetVolume returns the session volume.
func (c *Controller) GetVolume() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volume
}

// SetMuted sets the mute flag, applied live when a track is loaded.
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.muted = muted
	if c.handle != nil {
		c.handle.SetMuted(muted)
	}
}

// IsMuted returns the mute flag.
func (c *Controller) IsMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// GetState returns the current transport state.
func (c *Controller) GetState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GetCurrentTrack returns a copy of the session track.
func (c *Controller) GetCurrentTrack() (track.Track, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return track.Track{}, false
	}
	return *c.current, true
}

// GetPosition returns the playback position of the loaded track.
func (c *Controller) GetPosition() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle == nil {
		return 0
	}
	return c.handle.Position()
}

// GetDuration returns the duration of the loaded track.
func (c *Controller) GetDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != nil {
		if d := c.handle.Duration(); d > 0 {
			return d
		}
	}
	if c.current != nil {
		return c.current.Duration
	}
	return 0
}

// Close stops playback and releases resources. Safe to call twice.
func (c *Controller) Close() {
	c.cancel()
	c.Stop()
	c.wg.Wait()

	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.eventCh)
	}
	c.mu.Unlock()
}

// startLoadLocked settles the departing track and begins an asynchronous
// open for the next one. Must be called with lock held.
func (c *Controller) startLoadLocked(t track.Track, interactive bool) {
	c.departLocked(false)

	c.loadGen++
	gen := c.loadGen

	cp := t
	c.current = &cp
	c.resetAccountingLocked()
	c.setStateLocked(StateLoading)
	c.sendEventLocked(Event{
		Type:     EventTrackChanged,
		Track:    c.current,
		State:    c.state,
		Duration: cp.Duration,
	})

	c.wg.Add(1)
	go c.openTrack(gen, cp, interactive)
}

func (c *Controller) openTrack(gen uint64, t track.Track, interactive bool) {
	defer c.wg.Done()

	h, err := c.pipeline.Open(c.ctx, t.ID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.loadGen {
		// Superseded while opening; nobody owns this handle anymore.
		if err == nil {
			_ = h.Close()
		}
		return
	}

	if err != nil {
		c.openFailedLocked(t, err, interactive)
		return
	}

	c.handle = h
	h.SetVolume(c.volume)
	h.SetMuted(c.muted)

	// The decoded duration is authoritative over tag metadata. Replace the
	// session pointer so already-emitted events keep their old view.
	if d := h.Duration(); d > 0 && c.current != nil && c.current.Duration != d {
		cp := *c.current
		cp.Duration = d
		c.current = &cp
	}

	h.Start()
	c.autoSkips = 0
	if c.vis != nil {
		c.vis.Reset()
	}
	c.setStateLocked(StatePlaying)
	c.watchHandle(gen, h)
}

// watchHandle waits for the handle's terminal signal. Must be called with
// lock held.
func (c *Controller) watchHandle(gen uint64, h Handle) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-c.ctx.Done():
		case err := <-h.Done():
			c.onHandleDone(gen, err)
		}
	}()
}

// onHandleDone handles natural end of stream and mid-stream decode errors.
func (c *Controller) onHandleDone(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.loadGen {
		return
	}

	if err != nil {
		failed := c.current
		c.departLocked(false)
		c.current = nil
		zlog.Warn().Err(err).Msg("decode failure during playback")
		c.sendEventLocked(Event{
			Type:  EventError,
			Track: failed,
			State: c.state,
			Err:   errors.Mark(err, ErrDecodeFailed),
		})
		c.failedAdvanceLocked()
		return
	}

	c.departLocked(true)
	c.advanceLocked()
}

// advanceLocked pulls the next track from the queue; nothing next leaves
// the controller stopped.
func (c *Controller) advanceLocked() {
	if c.queue == nil {
		c.stopLocked()
		return
	}
	next, ok := c.queue.Next()
	if !ok {
		c.sendEventLocked(Event{Type: EventQueueExhausted, State: c.state})
		c.stopLocked()
		return
	}
	c.startLoadLocked(next, false)
}

// openFailedLocked handles an open failure for the loading track. Explicit
// intents surface the failure as Errored; natural advances skip ahead under
// the consecutive-failure cap.
func (c *Controller) openFailedLocked(t track.Track, cause error, interactive bool) {
	zlog.Warn().Err(cause).Str("track", t.ID).Msg("failed to open track")
	c.sendEventLocked(Event{
		Type:  EventError,
		Track: &t,
		State: c.state,
		Err:   errors.Mark(errors.Wrapf(cause, "open %s", t.ID), ErrMediaOpenFailed),
	})

	if interactive {
		c.setStateLocked(StateErrored)
		return
	}
	c.failedAdvanceLocked()
}

// failedAdvanceLocked continues a non-interactive advance past a failed
// track, stopping once too many fail in a row.
func (c *Controller) failedAdvanceLocked() {
	c.autoSkips++
	if c.autoSkips >= c.config.MaxAutoSkips {
		zlog.Warn().Msgf("Stopping playback after %d consecutive track failures", c.autoSkips)
		c.stopLocked()
		return
	}
	c.advanceLocked()
}

// departLocked settles the departing track: closes the handle and emits
// EventTrackCompleted at most once when the listen qualifies. The caller
// replaces or clears c.current afterwards. Must be called with lock held.
func (c *Controller) departLocked(naturalEnd bool) {
	if c.handle != nil {
		_ = c.handle.Close()
		c.handle = nil
	}
	if c.current == nil {
		return
	}
	if !c.completed && (naturalEnd || c.qualifiesAsListenLocked()) {
		c.completed = true
		c.sendEventLocked(Event{
			Type:     EventTrackCompleted,
			Track:    c.current,
			State:    c.state,
			Duration: c.current.Duration,
		})
	}
}

// playedLocked returns the accumulated played time of the loaded track.
func (c *Controller) playedLocked() time.Duration {
	total := c.playedAccum
	if !c.playingSince.IsZero() {
		total += time.Since(c.playingSince)
	}
	return total
}

func (c *Controller) qualifiesAsListenLocked() bool {
	if c.current == nil || c.current.Duration <= 0 {
		return false
	}
	threshold := time.Duration(c.config.CompletionThreshold * float64(c.current.Duration))
	return c.playedLocked() >= threshold
}

func (c *Controller) resetAccountingLocked() {
	c.playedAccum = 0
	c.playingSince = time.Time{}
	c.completed = false
}

// stopLocked clears the session. Must be called with lock held.
func (c *Controller) stopLocked() {
	c.loadGen++
	c.departLocked(false)
	c.current = nil
	c.resetAccountingLocked()
	c.setStateLocked(StateStopped)
	if c.vis != nil {
		c.vis.Reset()
	}
}

// setStateLocked transitions the transport state, keeping the completion
// clock and the visualizer gate in step. Must be called with lock held.
func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	if c.state == StatePlaying && !c.playingSince.IsZero() {
		c.playedAccum += time.Since(c.playingSince)
		c.playingSince = time.Time{}
	}
	if s == StatePlaying {
		c.playingSince = time.Now()
	}
	c.state = s
	if c.vis != nil {
		c.vis.SetActive(s == StatePlaying)
	}
	c.sendEventLocked(Event{
		Type:  EventStateChanged,
		Track: c.current,
		State: s,
	})
}

func (c *Controller) progressLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.emitProgress()
		}
	}
}

func (c *Controller) emitProgress() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle == nil || c.current == nil {
		return
	}
	c.sendEventLocked(Event{
		Type:     EventProgress,
		Track:    c.current,
		State:    c.state,
		Position: c.handle.Position(),
		Duration: c.current.Duration,
	})
}

// sendEventLocked sends an event without blocking.
// Must be called with lock held.
func (c *Controller) sendEventLocked(e Event) {
	if c.closed {
		return
	}
	select {
	case c.eventCh <- e:
		// Successfully sent
	case <-c.ctx.Done():
		// Context cancelled, don't send
	default:
		// Channel full, drop rather than stall the audio path
	}
}
