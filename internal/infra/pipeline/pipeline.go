// Package pipeline drives the audio device. It decodes local files with
// the beep codec set, plays them through one shared speaker chain
// (mixer -> volume -> tap) and hands the transport a Handle per track.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
	zlog "github.com/rs/zerolog/log"

	"github.com/aklyne/cadenza/internal/app/playback"
)

// Errors
var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// Everything is resampled to one device rate so tracks can follow each
// other without reopening the speaker.
const (
	deviceRate      = beep.SampleRate(44100)
	resampleQuality = 4
)

// Pipeline owns the speaker and the shared output chain. One track is
// audible at a time; Open hands out handles and Start swaps the mixer
// content under the speaker lock.
type Pipeline struct {
	mixer  *beep.Mixer
	volume *effects.Volume
	tap    *Tap

	// level and muted are guarded by the speaker lock.
	level float64
	muted bool
}

// NewPipeline opens the audio device and installs the output chain.
// tapWindow sets how many mono samples the analyzer tap retains.
func NewPipeline(tapWindow int) (*Pipeline, error) {
	if err := speaker.Init(deviceRate, deviceRate.N(time.Second/4)); err != nil {
		return nil, errors.Wrap(err, "initialize audio output")
	}

	p := &Pipeline{
		mixer: &beep.Mixer{},
		level: 1,
	}
	p.volume = &effects.Volume{Streamer: p.mixer, Base: 2}
	p.tap = NewTap(p.volume, tapWindow)
	speaker.Play(p.tap)

	zlog.Info().Msgf("Audio output initialized at %d Hz", deviceRate)
	return p, nil
}

// Tap exposes the raw-sample feed for the spectrum analyzer.
func (p *Pipeline) Tap() *Tap { return p.tap }

// Close silences the mixer and releases the audio device.
func (p *Pipeline) Close() {
	speaker.Clear()
	speaker.Close()
}

// Open decodes the file's header and returns an idle handle for it. The
// track stays silent until Start.
func (p *Pipeline) Open(ctx context.Context, path string) (playback.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	streamer, format, err := decode(f, path)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "decode %s", path)
	}

	return &Handle{
		pipeline: p,
		file:     f,
		streamer: streamer,
		format:   format,
		done:     make(chan error, 1),
	}, nil
}

func decode(f *os.File, path string) (beep.StreamSeekCloser, beep.Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return mp3.Decode(f)
	case ".wav":
		return wav.Decode(f)
	case ".flac":
		return flac.Decode(f)
	case ".ogg", ".oga":
		return vorbis.Decode(f)
	default:
		return nil, beep.Format{}, errors.Wrapf(ErrUnsupportedFormat, "%s", filepath.Ext(path))
	}
}

// setLevelLocked maps a 0..1 level onto the exponential volume scale.
// Callers must hold the speaker lock.
func (p *Pipeline) setLevelLocked(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	p.level = v
	p.applyVolumeLocked()
}

func (p *Pipeline) setMutedLocked(muted bool) {
	p.muted = muted
	p.applyVolumeLocked()
}

func (p *Pipeline) applyVolumeLocked() {
	p.volume.Silent = p.muted || p.level == 0
	p.volume.Volume = p.level*2 - 1
}

// Handle is one decoded track on the shared pipeline.
type Handle struct {
	pipeline *Pipeline
	file     *os.File
	streamer beep.StreamSeekCloser
	format   beep.Format
	ctrl     *beep.Ctrl

	mu      sync.Mutex
	started bool
	closed  bool
	done    chan error
}

// Start makes this handle the audible track, replacing whatever the mixer
// held before. Starting twice is a no-op.
func (h *Handle) Start() {
	h.mu.Lock()
	if h.started || h.closed {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	var stream beep.Streamer = h.streamer
	if h.format.SampleRate != deviceRate {
		stream = beep.Resample(resampleQuality, h.format.SampleRate, deviceRate, h.streamer)
	}
	h.ctrl = &beep.Ctrl{Streamer: stream}
	seq := beep.Seq(h.ctrl, beep.Callback(h.onDrained))

	speaker.Lock()
	h.pipeline.mixer.Clear()
	h.pipeline.mixer.Add(seq)
	speaker.Unlock()
}

// onDrained runs on the speaker goroutine when the stream ends, naturally
// or on a decode error. It must not block or touch the speaker lock.
func (h *Handle) onDrained() {
	err := h.streamer.Err()
	if err != nil {
		err = errors.Wrap(err, "decode stream")
	}
	select {
	case h.done <- err:
	default: // Already signaled.
	}
}

// Pause freezes the stream in place.
func (h *Handle) Pause() {
	speaker.Lock()
	if h.ctrl != nil {
		h.ctrl.Paused = true
	}
	speaker.Unlock()
}

// Resume continues a paused stream.
func (h *Handle) Resume() {
	speaker.Lock()
	if h.ctrl != nil {
		h.ctrl.Paused = false
	}
	speaker.Unlock()
}

// Seek moves the decoder to the given position.
func (h *Handle) Seek(to time.Duration) error {
	speaker.Lock()
	defer speaker.Unlock()
	return h.streamer.Seek(h.format.SampleRate.N(to))
}

// Position reports the decoder position in track time.
func (h *Handle) Position() time.Duration {
	speaker.Lock()
	defer speaker.Unlock()
	return h.format.SampleRate.D(h.streamer.Position())
}

// Duration reports the decoded track length.
func (h *Handle) Duration() time.Duration {
	speaker.Lock()
	defer speaker.Unlock()
	return h.format.SampleRate.D(h.streamer.Len())
}

// SetVolume adjusts the shared output volume, clamped to 0..1.
func (h *Handle) SetVolume(v float64) {
	speaker.Lock()
	h.pipeline.setLevelLocked(v)
	speaker.Unlock()
}

// SetMuted silences output without losing the volume level.
func (h *Handle) SetMuted(muted bool) {
	speaker.Lock()
	h.pipeline.setMutedLocked(muted)
	speaker.Unlock()
}

// Done signals once when the stream drains; a non-nil value is a decode
// failure.
func (h *Handle) Done() <-chan error { return h.done }

// Close detaches a started handle from the mixer and releases the decoder.
// Closing twice is a no-op.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	started := h.started
	h.mu.Unlock()

	if started {
		speaker.Lock()
		h.pipeline.mixer.Clear()
		speaker.Unlock()
	}

	err := h.streamer.Close()
	// Some decoders own the file and close it themselves.
	_ = h.file.Close()
	return err
}
