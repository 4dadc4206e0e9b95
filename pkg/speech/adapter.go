// Package speech speaks fallback text through a platform synthesizer when recorded audio
// cannot be played.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

var (
	// ErrUnsupported means no synthesizer is available on this platform.
	ErrUnsupported = errors.New("speech synthesis unsupported")
	// ErrEmptyText is returned when there is nothing to say.
	ErrEmptyText = errors.New("empty fallback text")
)

// Utterance is one request to the synthesizer.
type Utterance struct {
	Text   string
	Voice  Voice // zero value selects the synthesizer default
	Volume float64
	Muted  bool
	Rate   float64
}

// Playback is an utterance in progress. audio.Track satisfies it.
type Playback interface {
	Pause()
	Resume()
	Stop()
	SetVolume(vol float64)
	SetMuted(muted bool)
	Done() <-chan struct{}
	Err() error // nil after a natural end
}

// Synthesizer is a platform speech engine.
type Synthesizer interface {
	Voices(ctx context.Context) ([]Voice, error)
	// Speak starts speaking u and returns once audio is flowing.
	Speak(ctx context.Context, u Utterance) (Playback, error)
}

// EventKind identifies an utterance notification.
type EventKind int

const (
	EventStart EventKind = iota
	EventEnd
	EventError
)

// Event is delivered to the listener passed to Speak. Stopped or superseded utterances
// produce no further events.
type Event struct {
	Kind EventKind
	Err  error
}

// Adapter owns at most one utterance at a time and carries volume, mute and rate across them.
type Adapter struct {
	synth Synthesizer

	mu      sync.Mutex
	seq     uint64
	current Playback
	paused  bool
	volume  float64
	muted   bool
	rate    float64
	voices  []Voice
}

// NewAdapter wraps synth. A nil synth yields an adapter that reports ErrUnsupported.
func NewAdapter(synth Synthesizer) *Adapter {
	return &Adapter{synth: synth, volume: 1, rate: 1}
}

// Supported reports whether speech is possible at all.
func (a *Adapter) Supported() bool {
	return a.synth != nil
}

// Speak cancels any current utterance and starts speaking text in the given accent.
func (a *Adapter) Speak(ctx context.Context, text string, accent Accent, onEvent func(Event)) error {
	if a.synth == nil {
		return ErrUnsupported
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}

	a.mu.Lock()
	if err := ctx.Err(); err != nil {
		// The caller gave up before the utterance started; leave any newer one alone.
		a.mu.Unlock()
		return err
	}
	a.seq++
	seq := a.seq
	a.stopLocked()
	u := Utterance{Text: text, Volume: a.volume, Muted: a.muted, Rate: a.rate}
	a.mu.Unlock()

	if v, ok := a.selectVoice(ctx, accent); ok {
		u.Voice = v
	}

	pb, err := a.synth.Speak(ctx, u)
	if err != nil {
		return fmt.Errorf("speak: %w", err)
	}

	a.mu.Lock()
	if err := ctx.Err(); err != nil || a.seq != seq {
		// Cancelled, stopped or superseded while the synthesizer was starting.
		a.mu.Unlock()
		pb.Stop()
		return err
	}
	a.current = pb
	a.paused = false
	a.mu.Unlock()

	slog.Debug("Speech: utterance started", "voice", u.Voice.Name, "lang", u.Voice.Lang, "accent", accent, "chars", len(text))
	if onEvent != nil {
		onEvent(Event{Kind: EventStart})
	}
	go a.watch(pb, seq, onEvent)
	return nil
}

func (a *Adapter) selectVoice(ctx context.Context, accent Accent) (Voice, bool) {
	a.mu.Lock()
	voices := a.voices
	a.mu.Unlock()

	if len(voices) == 0 {
		vs, err := a.synth.Voices(ctx)
		if err != nil {
			slog.Warn("Speech: could not list voices, using engine default", "error", err)
			return Voice{}, false
		}
		a.mu.Lock()
		a.voices = vs
		a.mu.Unlock()
		voices = vs
	}
	return SelectVoice(voices, accent)
}

func (a *Adapter) watch(pb Playback, seq uint64, onEvent func(Event)) {
	<-pb.Done()

	a.mu.Lock()
	if a.seq != seq {
		a.mu.Unlock()
		return
	}
	a.current = nil
	a.paused = false
	a.mu.Unlock()

	if onEvent == nil {
		return
	}
	if err := pb.Err(); err != nil {
		onEvent(Event{Kind: EventError, Err: err})
		return
	}
	onEvent(Event{Kind: EventEnd})
}

// Pause pauses the current utterance. Idempotent.
func (a *Adapter) Pause() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil && !a.paused {
		a.current.Pause()
		a.paused = true
	}
}

// Resume continues a paused utterance. Idempotent.
func (a *Adapter) Resume() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil && a.paused {
		a.current.Resume()
		a.paused = false
	}
}

// Stop cancels the current utterance without emitting events. Idempotent.
func (a *Adapter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	a.stopLocked()
}

func (a *Adapter) stopLocked() {
	if a.current != nil {
		a.current.Stop()
		a.current = nil
	}
	a.paused = false
}

// Speaking reports whether an utterance is active (possibly paused).
func (a *Adapter) Speaking() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current != nil
}

// Paused reports whether the active utterance is paused.
func (a *Adapter) Paused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current != nil && a.paused
}

// SetVolume sets the level (0..1). Applied live.
func (a *Adapter) SetVolume(vol float64) {
	switch {
	case vol < 0:
		vol = 0
	case vol > 1:
		vol = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.volume = vol
	if a.current != nil {
		a.current.SetVolume(vol)
	}
}

// SetMuted mutes or unmutes. Applied live.
func (a *Adapter) SetMuted(muted bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.muted = muted
	if a.current != nil {
		a.current.SetMuted(muted)
	}
}

// SetRate sets the speaking rate (0.5..2). Takes effect on the next utterance.
func (a *Adapter) SetRate(rate float64) {
	switch {
	case rate == 0:
		rate = 1
	case rate < 0.5:
		rate = 0.5
	case rate > 2:
		rate = 2
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rate = rate
}
