// Package mockspeech is a silent speech.Synthesizer for hosts without a speech engine and for tests.
package mockspeech

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"safeaudio/pkg/speech"
)

// ErrStopped is reported by Err after Stop.
var ErrStopped = errors.New("utterance stopped")

// DefaultVoices is the voice list reported when Config.Voices is empty.
var DefaultVoices = []speech.Voice{
	{ID: "mock-us", Name: "Mock US", Lang: "en-US", HighQuality: true},
	{ID: "mock-gb", Name: "Mock GB", Lang: "en-GB"},
	{ID: "mock-au", Name: "Mock AU", Lang: "en-AU"},
	{ID: "mock-in", Name: "Mock IN", Lang: "en-IN"},
}

// Config holds pacing and failure settings.
type Config struct {
	Voices []speech.Voice
	// WordsPerMinute paces automatic completion. Zero means utterances only end via Finish.
	WordsPerMinute int
	// SpeakErr, when set, is returned by every Speak call.
	SpeakErr error
	// VoicesErr, when set, is returned by Voices.
	VoicesErr error
}

// Synthesizer implements speech.Synthesizer without producing sound.
type Synthesizer struct {
	cfg Config

	mu         sync.Mutex
	utterances []speech.Utterance
	playbacks  []*Playback
}

// New creates a mock synthesizer.
func New(cfg Config) *Synthesizer {
	if len(cfg.Voices) == 0 {
		cfg.Voices = DefaultVoices
	}
	return &Synthesizer{cfg: cfg}
}

func (s *Synthesizer) Voices(_ context.Context) ([]speech.Voice, error) {
	if s.cfg.VoicesErr != nil {
		return nil, s.cfg.VoicesErr
	}
	return append([]speech.Voice(nil), s.cfg.Voices...), nil
}

func (s *Synthesizer) Speak(_ context.Context, u speech.Utterance) (speech.Playback, error) {
	if s.cfg.SpeakErr != nil {
		return nil, s.cfg.SpeakErr
	}

	p := &Playback{volume: u.Volume, muted: u.Muted, done: make(chan struct{})}
	if s.cfg.WordsPerMinute > 0 {
		p.mu.Lock()
		p.remaining = speakingTime(u.Text, s.cfg.WordsPerMinute, u.Rate)
		p.startTimerLocked()
		p.mu.Unlock()
	}

	s.mu.Lock()
	s.utterances = append(s.utterances, u)
	s.playbacks = append(s.playbacks, p)
	s.mu.Unlock()
	return p, nil
}

func speakingTime(text string, wpm int, rate float64) time.Duration {
	if rate <= 0 {
		rate = 1
	}
	words := len(strings.Fields(text))
	if words == 0 {
		words = 1
	}
	return time.Duration(float64(words) / float64(wpm) / rate * float64(time.Minute))
}

// Utterances returns everything spoken so far.
func (s *Synthesizer) Utterances() []speech.Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]speech.Utterance(nil), s.utterances...)
}

// Last returns the most recent playback, or nil.
func (s *Synthesizer) Last() *Playback {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.playbacks) == 0 {
		return nil
	}
	return s.playbacks[len(s.playbacks)-1]
}

// Playbacks returns every playback handed out so far, oldest first.
func (s *Synthesizer) Playbacks() []*Playback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Playback(nil), s.playbacks...)
}

// Count returns the number of Speak calls that succeeded.
func (s *Synthesizer) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.playbacks)
}

// Playback is a silent utterance.
type Playback struct {
	mu        sync.Mutex
	paused    bool
	stopped   bool
	finished  bool
	volume    float64
	muted     bool
	err       error
	done      chan struct{}
	remaining time.Duration
	started   time.Time
	timer     *time.Timer
}

func (p *Playback) startTimerLocked() {
	p.started = time.Now()
	p.timer = time.AfterFunc(p.remaining, func() { p.Finish(nil) })
}

func (p *Playback) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished || p.paused {
		return
	}
	p.paused = true
	if p.timer != nil && p.timer.Stop() {
		p.remaining -= time.Since(p.started)
		p.timer = nil
	}
}

func (p *Playback) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished || !p.paused {
		return
	}
	p.paused = false
	if p.remaining > 0 && p.timer == nil {
		p.startTimerLocked()
	}
}

// Stop ends the utterance with ErrStopped.
func (p *Playback) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.stopped = true
	p.finishLocked(ErrStopped)
}

// Finish ends the utterance as if the engine completed (err == nil) or failed.
func (p *Playback) Finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finishLocked(err)
}

func (p *Playback) finishLocked(err error) {
	p.finished = true
	p.err = err
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	close(p.done)
}

func (p *Playback) SetVolume(vol float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = vol
}

func (p *Playback) SetMuted(muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = muted
}

func (p *Playback) Done() <-chan struct{} { return p.done }

func (p *Playback) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Paused reports whether Pause is in effect.
func (p *Playback) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Stopped reports whether Stop was called.
func (p *Playback) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Volume returns the live volume.
func (p *Playback) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// Muted returns the live mute flag.
func (p *Playback) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}
