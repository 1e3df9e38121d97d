// Package spectrum turns the audio pipeline's sample tap into periodic
// frequency-magnitude frames for visualization.
package spectrum

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBands    = 128
	defaultWindow   = 2048
	defaultInterval = 20 * time.Millisecond

	// Frame shaping. Magnitudes are clamped to [dbFloor, 0] dB, mapped to
	// [0, 1], lifted above the noise floor and curved for display.
	dbFloor    = -90.0
	noiseFloor = 0.09
	shapeCurve = 2.35
	shapeGain  = 1.9

	smoothFrames    = 3
	frameBufferSize = 8
)

// Frame is one spectrum snapshot: per-band magnitudes in [0, 1] plus the
// playback position at capture.
type Frame struct {
	Bands    []float64
	Position time.Duration
}

// WindowSource supplies the most recent mono samples in chronological
// order. A source may zero-fill the head of dst while it refills after a
// Reset; Window reports false when no window can be served at all. Reset
// discards buffered samples after a discontinuity.
type WindowSource interface {
	Window(dst []float64) bool
	Reset()
}

// Config holds the analyzer settings.
type Config struct {
	// Bands is the number of display buckets per frame.
	Bands int
	// Interval is the frame period.
	Interval time.Duration
	// Window is the transform size in samples, a power of two.
	Window int
}

// Analyzer computes spectrum frames from a rolling sample window on a fixed
// tick. Frames are produced only while active; SetActive and Reset may be
// called from any goroutine.
type Analyzer struct {
	config   Config
	source   WindowSource
	position func() time.Duration

	active atomic.Bool

	// Smoothing history, guarded separately so Reset never waits on a
	// running transform.
	mu      sync.Mutex
	history [][]float64

	// Scratch buffers, touched only by the tick goroutine.
	re     []float64
	im     []float64
	bucket []float64
	binExp float64

	// Frames
	frameCh chan Frame

	// Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAnalyzer creates an analyzer reading windows from source and stamping
// frames with the position func (may be nil). The tick starts immediately;
// no frames are emitted until SetActive(true).
func NewAnalyzer(config Config, source WindowSource, position func() time.Duration) *Analyzer {
	if config.Bands <= 0 {
		config.Bands = defaultBands
	}
	if config.Interval <= 0 {
		config.Interval = defaultInterval
	}
	if config.Window <= 0 || !isPowerOfTwo(config.Window) {
		config.Window = defaultWindow
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Analyzer{
		config:   config,
		source:   source,
		position: position,
		re:       make([]float64, config.Window),
		im:       make([]float64, config.Window),
		bucket:   make([]float64, config.Bands),
		binExp:   math.Log2(float64(config.Window)/2) / float64(config.Bands-1),
		frameCh:  make(chan Frame, frameBufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	a.wg.Add(1)
	go a.run()
	return a
}

// Frames returns the frame stream. Slow consumers lose frames rather than
// stalling the tick. The channel is closed by Close.
func (a *Analyzer) Frames() <-chan Frame {
	return a.frameCh
}

// SetActive starts or suspends frame emission.
func (a *Analyzer) SetActive(active bool) {
	a.active.Store(active)
}

// Reset drops the smoothing history and buffered samples so frames never
// blend across a seek, pause, or track change.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	a.history = a.history[:0]
	a.mu.Unlock()

	a.source.Reset()
}

// Close stops the tick and closes the frame channel.
func (a *Analyzer) Close() {
	a.cancel()
	a.wg.Wait()
	close(a.frameCh)
}

func (a *Analyzer) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.tick()
		}
	}
}

// tick computes and emits one frame. The position func may take the
// playback lock, so it is called before any analyzer state is touched.
func (a *Analyzer) tick() {
	if !a.active.Load() {
		return
	}

	var pos time.Duration
	if a.position != nil {
		pos = a.position()
	}

	if !a.source.Window(a.re) {
		return
	}

	a.computeBuckets()
	bands := a.smooth(a.bucket)
	a.send(Frame{Bands: bands, Position: pos})
}

// computeBuckets transforms the window in a.re and fills a.bucket with
// shaped per-band magnitudes.
func (a *Analyzer) computeBuckets() {
	n := a.config.Window
	for i := range a.im {
		a.im[i] = 0
	}
	fft(a.re, a.im)

	// Log-spaced buckets over bins 1..n/2, peak per bucket. Adjacent low
	// buckets may share a bin.
	norm := 2.0 / float64(n)
	prev := 0
	for x := range a.bucket {
		hi := int(math.Pow(2, float64(x)*a.binExp))
		if hi > n/2 || x == len(a.bucket)-1 {
			hi = n / 2
		}

		peak := 0.0
		if hi <= prev {
			peak = a.magnitude(hi, norm)
		} else {
			for b := prev + 1; b <= hi; b++ {
				if m := a.magnitude(b, norm); m > peak {
					peak = m
				}
			}
			prev = hi
		}
		a.bucket[x] = shape(peak)
	}
}

func (a *Analyzer) magnitude(bin int, norm float64) float64 {
	return math.Hypot(a.re[bin], a.im[bin]) * norm
}

// shape maps a normalized magnitude through dB conversion, noise-floor
// subtraction, curve and gain into a display value in [0, 1].
func shape(m float64) float64 {
	db := 20 * math.Log10(m)
	if db < dbFloor {
		db = dbFloor
	}
	if db > 0 {
		db = 0
	}
	v := (db - dbFloor) / -dbFloor

	v = (v - noiseFloor) / (1 - noiseFloor)
	if v <= 0 {
		return 0
	}
	v = math.Pow(v, shapeCurve) * shapeGain
	if v > 1 {
		v = 1
	}
	return v
}

// smooth folds the frame into the rolling history and returns the mean of
// the retained frames as a fresh slice.
func (a *Analyzer) smooth(bands []float64) []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry := make([]float64, len(bands))
	copy(entry, bands)
	a.history = append(a.history, entry)
	if len(a.history) > smoothFrames {
		a.history = a.history[1:]
	}

	out := make([]float64, len(bands))
	for _, frame := range a.history {
		for i, v := range frame {
			out[i] += v
		}
	}
	for i := range out {
		out[i] /= float64(len(a.history))
	}
	return out
}

func (a *Analyzer) send(f Frame) {
	select {
	case a.frameCh <- f:
		// Sent.
	case <-a.ctx.Done():
		// Shutting down.
	default:
		// Consumer falling behind, drop the frame.
	}
}
