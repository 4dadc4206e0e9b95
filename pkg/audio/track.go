package audio

import (
	"errors"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
)

// ErrStopped is reported by Err when a track was stopped before it finished.
var ErrStopped = errors.New("track stopped")

// TrackOptions are the initial playback settings of a track.
type TrackOptions struct {
	Volume float64 // 0..1
	Muted  bool
	Rate   float64 // 0.5..2, zero means 1
}

// Track is one decoded clip routed to a Sink. It starts paused.
type Track struct {
	sink   Sink
	stream beep.StreamSeekCloser
	format beep.Format
	length int

	ctrl      *beep.Ctrl
	resampler *beep.Resampler
	volume    *effects.Volume

	mu       sync.Mutex
	level    float64
	muted    bool
	rate     float64
	started  bool
	finished bool
	err      error
	done     chan struct{}
}

// NewTrack decodes data and prepares it for playback on sink.
func NewTrack(sink Sink, data []byte, opts TrackOptions) (*Track, error) {
	stream, format, err := Decode(data)
	if err != nil {
		return nil, err
	}

	t := &Track{
		sink:   sink,
		stream: stream,
		format: format,
		length: stream.Len(),
		level:  clampVolume(opts.Volume),
		muted:  opts.Muted,
		rate:   ClampRate(opts.Rate),
		done:   make(chan struct{}),
	}

	// One resampler covers both the device rate conversion and the playback rate.
	t.resampler = beep.ResampleRatio(3, t.ratio(), stream)
	t.volume = &effects.Volume{
		Streamer: t.resampler,
		Base:     2,
		Volume:   volumeToPower(t.level),
		Silent:   t.muted || t.level <= 0.01,
	}
	t.ctrl = &beep.Ctrl{Streamer: t.volume, Paused: true}
	return t, nil
}

func (t *Track) ratio() float64 {
	return float64(t.format.SampleRate) / float64(t.sink.SampleRate()) * t.rate
}

// Start hands the track to the sink, or resumes it if it was already started.
func (t *Track) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finished {
		return ErrStopped
	}
	if t.started {
		t.setPausedLocked(false)
		return nil
	}

	t.ctrl.Paused = false
	if err := t.sink.Play(beep.Seq(t.ctrl, beep.Callback(func() {
		// Never block the device goroutine
		go t.finish(t.stream.Err())
	}))); err != nil {
		t.ctrl.Paused = true
		return err
	}
	t.started = true
	return nil
}

// Pause halts output; Resume continues from the same position.
func (t *Track) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setPausedLocked(true)
}

// Resume continues a paused track. It is a no-op before Start.
func (t *Track) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		t.setPausedLocked(false)
	}
}

func (t *Track) setPausedLocked(paused bool) {
	if t.finished {
		return
	}
	t.sink.Lock()
	t.ctrl.Paused = paused
	t.sink.Unlock()
}

// Paused reports whether output is currently halted.
func (t *Track) Paused() bool {
	t.sink.Lock()
	defer t.sink.Unlock()
	return t.ctrl.Paused
}

// Stop detaches the track from the sink and releases the decoder. Idempotent.
func (t *Track) Stop() {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	t.err = ErrStopped

	// Detach before closing; the device goroutine may be mid-read.
	t.sink.Lock()
	t.ctrl.Streamer = nil
	t.sink.Unlock()

	t.stream.Close()
	close(t.done)
	t.mu.Unlock()
}

func (t *Track) finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.finished = true
	t.err = err
	t.stream.Close()
	close(t.done)
}

// Done is closed when the track ends, fails or is stopped.
func (t *Track) Done() <-chan struct{} {
	return t.done
}

// Err reports why the track finished: nil at natural end, ErrStopped after Stop,
// or the decoder error.
func (t *Track) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// SetVolume sets the level (0..1), applied live.
func (t *Track) SetVolume(vol float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.level = clampVolume(vol)
	t.applyVolumeLocked()
}

// SetMuted silences output without losing the level.
func (t *Track) SetMuted(muted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.muted = muted
	t.applyVolumeLocked()
}

func (t *Track) applyVolumeLocked() {
	t.sink.Lock()
	t.volume.Volume = volumeToPower(t.level)
	t.volume.Silent = t.muted || t.level <= 0.01
	t.sink.Unlock()
}

// SetRate changes the playback speed (0.5..2), applied live.
func (t *Track) SetRate(rate float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rate = ClampRate(rate)
	t.sink.Lock()
	t.resampler.SetRatio(t.ratio())
	t.sink.Unlock()
}

// Seek moves the playhead, clamped to the clip bounds.
func (t *Track) Seek(d time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return ErrStopped
	}

	n := t.format.SampleRate.N(d)
	if n < 0 {
		n = 0
	}
	if last := t.length - 1; n > last && last >= 0 {
		n = last
	}

	t.sink.Lock()
	defer t.sink.Unlock()
	return t.stream.Seek(n)
}

// Position returns the current playhead.
func (t *Track) Position() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return t.Duration()
	}
	t.sink.Lock()
	defer t.sink.Unlock()
	return t.format.SampleRate.D(t.stream.Position())
}

// Duration returns the clip length.
func (t *Track) Duration() time.Duration {
	return t.format.SampleRate.D(t.length)
}
