package pipeline

import (
	"sync"

	"github.com/gopxl/beep/v2"
)

// Tap copies samples into a ring buffer on their way to the speaker so the
// spectrum analyzer can read recent audio without touching the stream. It
// sits between the volume stage and the speaker.
type Tap struct {
	src beep.Streamer

	mu      sync.Mutex
	buf     []float64
	pos     int
	written int64
}

// NewTap wraps src with a ring buffer holding size mono samples.
func NewTap(src beep.Streamer, size int) *Tap {
	if size < 1 {
		size = 1
	}
	return &Tap{src: src, buf: make([]float64, size)}
}

// Stream passes audio through while capturing a mono mix of each frame.
func (t *Tap) Stream(samples [][2]float64) (int, bool) {
	n, ok := t.src.Stream(samples)

	t.mu.Lock()
	for i := 0; i < n; i++ {
		t.buf[t.pos] = (samples[i][0] + samples[i][1]) / 2
		t.pos = (t.pos + 1) % len(t.buf)
	}
	t.written += int64(n)
	t.mu.Unlock()

	return n, ok
}

// Err returns the wrapped streamer's error.
func (t *Tap) Err() error { return t.src.Err() }

// Window copies the most recent len(dst) samples in chronological order,
// zero-filling the head when fewer have flowed since the last Reset, so a
// window never mixes audio from before a discontinuity. It reports false
// when dst wants more than the ring holds.
func (t *Tap) Window(dst []float64) bool {
	n := len(dst)

	t.mu.Lock()
	defer t.mu.Unlock()
	if n == 0 || n > len(t.buf) {
		return false
	}
	avail := n
	if t.written < int64(n) {
		avail = int(t.written)
	}
	for i := 0; i < n-avail; i++ {
		dst[i] = 0
	}
	start := (t.pos - avail + len(t.buf)) % len(t.buf)
	for i := 0; i < avail; i++ {
		dst[n-avail+i] = t.buf[(start+i)%len(t.buf)]
	}
	return true
}

// Reset discards captured audio, for example when a new track loads.
func (t *Tap) Reset() {
	t.mu.Lock()
	for i := range t.buf {
		t.buf[i] = 0
	}
	t.pos = 0
	t.written = 0
	t.mu.Unlock()
}
