// Package player decides which rendition of an exam clip plays: a preloaded copy, the remote
// file, or synthesized speech, and exposes one control surface across all three.
package player

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"safeaudio/pkg/audio"
	"safeaudio/pkg/logging"
	"safeaudio/pkg/network"
	"safeaudio/pkg/request"
	"safeaudio/pkg/speech"
	"safeaudio/pkg/tracker"
)

// DefaultLoadTimeout bounds the load phase before speech takes over.
const DefaultLoadTimeout = 2 * time.Second

// ElementFactory creates media elements. audio.Backend implements it.
type ElementFactory interface {
	NewElement(onEvent func(audio.Event)) audio.Element
}

// Speaker is the fallback speech surface. speech.Adapter implements it.
type Speaker interface {
	Supported() bool
	Speak(ctx context.Context, text string, accent speech.Accent, onEvent func(speech.Event)) error
	Pause()
	Resume()
	Stop()
	SetVolume(vol float64)
	SetMuted(muted bool)
	SetRate(rate float64)
}

// Preloads looks up locally cached copies. preload.Preloader implements it.
type Preloads interface {
	LocalHandle(url string) (string, bool)
}

// Options wires an Engine. Elements is required; the rest may be nil.
type Options struct {
	Elements    ElementFactory
	Speech      Speaker
	Network     network.Reader // nil means online
	Preloads    Preloads
	Tracker     *tracker.Tracker
	LoadTimeout time.Duration
	Volume      float64 // initial level, zero means 1
	Callbacks   Callbacks
	// Logger receives per-event trace output. Nil means slog.Default().
	Logger *slog.Logger
	// ExternallyPaused reports a caller-owned pause (e.g. an exam-wide hold). While it
	// returns true, play requests are ignored.
	ExternallyPaused func() bool
}

// Engine runs the source selection state machine. All state lives on one goroutine; public
// methods enqueue commands and return immediately.
type Engine struct {
	opts Options
	log  *slog.Logger
	box  *mailbox
	ctx  context.Context
	stop context.CancelFunc
	done chan struct{}

	// Owned by the loop goroutine.
	gen           uint64 // bumped per SetSource
	attempt       uint64 // bumped per load or utterance
	state         State
	phase         SpeechPhase
	src           Source
	candidates    []string
	el            audio.Element
	loadCancel    context.CancelFunc
	speechCtx     context.Context // scoped to the current source
	speechCancel  context.CancelFunc
	deadline      *time.Timer
	playWhenReady bool
	wantPause     bool
	fallbackFired bool
	volume        float64
	muted         bool
	rate          float64
	err           error

	snapMu sync.RWMutex
	snap   Session
	live   audio.Element
}

// New creates an engine and starts its loop.
func New(opts Options) *Engine {
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = DefaultLoadTimeout
	}
	if opts.Volume <= 0 || opts.Volume > 1 {
		opts.Volume = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:   opts,
		log:    opts.Logger,
		box:    newMailbox(),
		ctx:    ctx,
		stop:   cancel,
		done:   make(chan struct{}),
		volume: opts.Volume,
		rate:   1,
	}
	e.publish()

	go func() {
		defer close(e.done)
		e.box.run()
	}()
	return e
}

// SetSource tears down the current backend and selects a rendition for src.
func (e *Engine) SetSource(src Source) {
	e.box.Post(func() { e.assign(src) })
}

// TogglePlayPause plays when paused and pauses when playing, in either branch.
// It is a no-op while the session is externally paused.
func (e *Engine) TogglePlayPause() {
	e.box.Post(e.toggle)
}

// Play starts or resumes playback. It is a no-op while externally paused.
func (e *Engine) Play() {
	e.box.Post(func() {
		if e.externallyPaused() {
			return
		}
		e.play()
	})
}

// Pause pauses playback in either branch.
func (e *Engine) Pause() {
	e.box.Post(e.pause)
}

// Seek moves the playhead of the recorded audio. Speech cannot seek; in fallback it is a no-op.
func (e *Engine) Seek(d time.Duration) {
	e.box.Post(func() {
		if e.el == nil || e.state == StateFallback {
			return
		}
		switch e.state {
		case StateReady, StatePlaying, StatePaused:
			if err := e.el.Seek(d); err != nil {
				slog.Debug("Player: seek failed", "error", err)
			}
			e.publish()
		}
	})
}

// SetVolume sets the level (0..1) on whichever backend is active and on any later one.
func (e *Engine) SetVolume(vol float64) {
	e.box.Post(func() {
		e.volume = clamp(vol, 0, 1)
		e.applySettings()
		e.publish()
	})
}

// SetMuted mutes or unmutes the active backend and any later one.
func (e *Engine) SetMuted(muted bool) {
	e.box.Post(func() {
		e.muted = muted
		e.applySettings()
		e.publish()
	})
}

// SetRate sets the playback rate (0.5..2).
func (e *Engine) SetRate(rate float64) {
	e.box.Post(func() {
		e.rate = clamp(rate, 0.5, 2)
		e.applySettings()
		e.publish()
	})
}

// Snapshot returns the current session.
func (e *Engine) Snapshot() Session {
	e.snapMu.RLock()
	s := e.snap
	live := e.live
	e.snapMu.RUnlock()

	if live != nil {
		s.Position = live.Position()
	}
	return s
}

// Close tears down every backend and stops the loop. Safe to call more than once.
func (e *Engine) Close() {
	e.box.Close(func() {
		e.teardown()
		e.setState(StateIdle)
	})
	<-e.done
	e.stop()
}

func (e *Engine) assign(src Source) {
	e.teardown()

	e.gen++
	e.speechCtx, e.speechCancel = context.WithCancel(e.ctx)
	e.src = src
	e.src.Accent = speech.ParseAccent(string(src.Accent))
	e.err = nil
	e.phase = SpeechIdle
	e.fallbackFired = false
	e.wantPause = false
	e.playWhenReady = src.AutoPlay
	gen := e.gen

	// 1. Preloaded copy: no network involved.
	e.candidates = e.candidates[:0]
	handle := src.PreloadedHandle
	if handle == "" && src.RemoteURL != "" && e.opts.Preloads != nil {
		if h, ok := e.opts.Preloads.LocalHandle(src.RemoteURL); ok {
			handle = h
		}
	}
	if handle != "" {
		e.candidates = append(e.candidates, handle)
	}

	// 2. Remote file, only when connectivity is not known to be down.
	if src.RemoteURL != "" {
		if e.online() {
			e.candidates = append(e.candidates, src.RemoteURL)
		} else {
			slog.Info("Player: offline, skipping remote source", "url", src.RemoteURL)
		}
	}

	slog.Debug("Player: source assigned", "url", src.RemoteURL, "preloaded", handle != "", "has_text", strings.TrimSpace(src.FallbackText) != "", "candidates", len(e.candidates))
	e.setState(StateLoading)

	// 3. Nothing to load: straight to speech or error.
	if len(e.candidates) == 0 {
		e.fallback(gen, errors.New("no playable source"))
		return
	}

	deadline := time.AfterFunc(e.opts.LoadTimeout, func() {
		e.box.Post(func() { e.onDeadline(gen) })
	})
	e.deadline = deadline
	e.loadNext(gen, nil)
}

func (e *Engine) loadNext(gen uint64, cause error) {
	if len(e.candidates) == 0 {
		e.fallback(gen, cause)
		return
	}
	src := e.candidates[0]
	e.candidates = e.candidates[1:]

	e.attempt++
	attempt := e.attempt
	el := e.opts.Elements.NewElement(func(ev audio.Event) {
		e.box.Post(func() { e.onElementEvent(gen, attempt, ev) })
	})
	el.SetVolume(e.volume)
	el.SetMuted(e.muted)
	el.SetRate(e.rate)
	e.setElement(el)

	ctx, cancel := context.WithTimeout(e.ctx, e.opts.LoadTimeout)
	e.loadCancel = cancel
	go func() {
		err := el.Load(ctx, src)
		e.box.Post(func() { e.onLoaded(gen, attempt, err) })
	}()
}

// current reports whether an async result belongs to the live attempt.
func (e *Engine) current(gen, attempt uint64) bool {
	return gen == e.gen && attempt == e.attempt
}

func (e *Engine) onLoaded(gen, attempt uint64, err error) {
	if !e.current(gen, attempt) || e.state != StateLoading {
		return
	}
	e.cancelLoad()

	if err != nil {
		slog.Warn("Player: load failed", "url", e.src.RemoteURL, "error", err)
		e.closeElement()
		e.loadNext(gen, err)
		return
	}

	e.stopDeadline()
	e.setState(StateReady)
	if e.playWhenReady && !e.externallyPaused() {
		e.play()
	}
}

func (e *Engine) onDeadline(gen uint64) {
	if gen != e.gen || e.state != StateLoading {
		return
	}
	slog.Warn("Player: load deadline exceeded", "url", e.src.RemoteURL, "timeout", e.opts.LoadTimeout)
	e.cancelLoad()
	e.closeElement()
	e.candidates = nil
	e.fallback(gen, context.DeadlineExceeded)
}

func (e *Engine) onElementEvent(gen, attempt uint64, ev audio.Event) {
	if !e.current(gen, attempt) || e.el == nil {
		logging.Trace(e.log, "Player: stale element event", "kind", int(ev.Kind), "gen", gen, "attempt", attempt)
		return
	}
	logging.Trace(e.log, "Player: element event", "kind", int(ev.Kind), "state", e.state)
	switch ev.Kind {
	case audio.EventEnded:
		e.setState(StateEnded)
		if cb := e.opts.Callbacks.OnEnded; cb != nil {
			cb()
		}
	case audio.EventError:
		// Mid-stream failure: hand off to speech, continuing if audio was audible.
		slog.Warn("Player: playback error", "url", e.src.RemoteURL, "error", ev.Err)
		wasPlaying := e.state == StatePlaying
		e.closeElement()
		e.playWhenReady = wasPlaying
		e.fallback(gen, ev.Err)
	}
}

// fallback switches to speech, or to the terminal error when speech is impossible.
func (e *Engine) fallback(gen uint64, cause error) {
	e.stopDeadline()
	e.closeElement()

	text := strings.TrimSpace(e.src.FallbackText)
	if text == "" {
		e.fail(ErrUnavailable, cause)
		return
	}
	if e.opts.Speech == nil || !e.opts.Speech.Supported() {
		e.fail(ErrSynthesisUnsupported, cause)
		return
	}

	slog.Info("Player: using speech fallback", "url", e.src.RemoteURL, "accent", e.src.Accent, "cause", cause)
	e.phase = SpeechIdle
	e.applySettings()
	e.setState(StateFallback)

	if !e.fallbackFired {
		e.fallbackFired = true
		e.opts.Tracker.TrackFallback(e.sourceName())
		if cb := e.opts.Callbacks.OnFallbackUsed; cb != nil {
			cb()
		}
	}
	if e.playWhenReady && !e.externallyPaused() {
		e.speak(gen)
	}
}

func (e *Engine) speak(gen uint64) {
	e.attempt++
	attempt := e.attempt
	e.phase = SpeechStarting
	e.wantPause = false
	e.publish()

	sp := e.opts.Speech
	ctx := e.speechCtx
	text, accent := e.src.FallbackText, e.src.Accent
	go func() {
		err := sp.Speak(ctx, text, accent, func(ev speech.Event) {
			e.box.Post(func() { e.onSpeechEvent(gen, attempt, ev) })
		})
		e.box.Post(func() { e.onSpeakResult(gen, attempt, err) })
	}()
}

func (e *Engine) onSpeakResult(gen, attempt uint64, err error) {
	if !e.current(gen, attempt) || e.state != StateFallback {
		return
	}
	if err != nil {
		if errors.Is(err, speech.ErrUnsupported) {
			e.fail(ErrSynthesisUnsupported, err)
		} else {
			e.fail(ErrUnavailable, err)
		}
		return
	}
	if e.phase != SpeechStarting {
		// Already ended before the start was acknowledged.
		return
	}
	e.phase = SpeechSpeaking
	if e.wantPause {
		e.wantPause = false
		e.opts.Speech.Pause()
		e.phase = SpeechPaused
	}
	e.publish()
}

func (e *Engine) onSpeechEvent(gen, attempt uint64, ev speech.Event) {
	if !e.current(gen, attempt) || e.state != StateFallback {
		logging.Trace(e.log, "Player: stale speech event", "kind", int(ev.Kind), "gen", gen, "attempt", attempt)
		return
	}
	logging.Trace(e.log, "Player: speech event", "kind", int(ev.Kind), "phase", e.phase)
	switch ev.Kind {
	case speech.EventEnd:
		e.phase = SpeechEnded
		e.publish()
		if cb := e.opts.Callbacks.OnEnded; cb != nil {
			cb()
		}
	case speech.EventError:
		e.fail(ErrUnavailable, ev.Err)
	}
}

func (e *Engine) fail(err, cause error) {
	e.stopDeadline()
	e.cancelLoad()
	e.closeElement()
	e.stopSpeech()

	e.err = err
	slog.Error("Player: audio unavailable", "url", e.src.RemoteURL, "reason", err, "cause", cause)
	e.setState(StateError)
	if cb := e.opts.Callbacks.OnError; cb != nil {
		cb(err.Error())
	}
}

func (e *Engine) toggle() {
	if e.externallyPaused() {
		return
	}
	switch e.state {
	case StatePlaying:
		e.pause()
	case StateFallback:
		if e.phase == SpeechSpeaking || (e.phase == SpeechStarting && !e.wantPause) {
			e.pause()
			return
		}
		e.play()
	default:
		e.play()
	}
}

func (e *Engine) play() {
	switch e.state {
	case StateLoading:
		e.playWhenReady = true
	case StateReady, StatePaused:
		if err := e.el.Play(); err != nil {
			slog.Warn("Player: play failed", "error", err)
			e.closeElement()
			e.playWhenReady = true
			e.fallback(e.gen, err)
			return
		}
		e.setState(StatePlaying)
	case StateFallback:
		switch e.phase {
		case SpeechIdle:
			e.playWhenReady = true
			e.speak(e.gen)
		case SpeechStarting:
			e.wantPause = false
		case SpeechPaused:
			e.opts.Speech.Resume()
			e.phase = SpeechSpeaking
			e.publish()
		}
	}
}

func (e *Engine) pause() {
	switch e.state {
	case StateLoading:
		e.playWhenReady = false
	case StatePlaying:
		e.el.Pause()
		e.setState(StatePaused)
	case StateFallback:
		switch e.phase {
		case SpeechStarting:
			e.wantPause = true
		case SpeechSpeaking:
			e.opts.Speech.Pause()
			e.phase = SpeechPaused
			e.publish()
		}
	}
}

func (e *Engine) applySettings() {
	if e.el != nil {
		e.el.SetVolume(e.volume)
		e.el.SetMuted(e.muted)
		e.el.SetRate(e.rate)
	}
	if e.opts.Speech != nil {
		e.opts.Speech.SetVolume(e.volume)
		e.opts.Speech.SetMuted(e.muted)
		e.opts.Speech.SetRate(e.rate)
	}
}

// teardown releases every backend of the current source so nothing keeps playing.
func (e *Engine) teardown() {
	e.stopDeadline()
	e.cancelLoad()
	e.closeElement()
	e.stopSpeech()
	e.candidates = nil
	e.phase = SpeechIdle
}

// stopSpeech cancels a pending Speak for this source and silences the adapter.
func (e *Engine) stopSpeech() {
	if e.speechCancel != nil {
		e.speechCancel()
		e.speechCancel = nil
	}
	if e.opts.Speech != nil {
		e.opts.Speech.Stop()
	}
}

func (e *Engine) stopDeadline() {
	if e.deadline != nil {
		e.deadline.Stop()
		e.deadline = nil
	}
}

func (e *Engine) cancelLoad() {
	if e.loadCancel != nil {
		e.loadCancel()
		e.loadCancel = nil
	}
}

func (e *Engine) closeElement() {
	if e.el != nil {
		e.el.Close()
		e.setElement(nil)
	}
}

func (e *Engine) setElement(el audio.Element) {
	e.el = el
	e.snapMu.Lock()
	e.live = el
	e.snapMu.Unlock()
}

func (e *Engine) setState(s State) {
	prev := e.state
	e.state = s
	sess := e.publish()
	if prev != s {
		slog.Debug("Player: state", "from", prev, "to", s)
		if cb := e.opts.Callbacks.OnStateChange; cb != nil {
			cb(sess)
		}
	}
}

func (e *Engine) publish() Session {
	s := Session{
		State:         e.state,
		Speech:        e.phase,
		UsingFallback: e.state == StateFallback,
		Volume:        e.volume,
		Muted:         e.muted,
		Rate:          e.rate,
		Source:        e.src,
		Err:           e.err,
	}
	if e.el != nil && e.state != StateLoading {
		s.Duration = e.el.Duration()
		s.Position = e.el.Position()
	}

	e.snapMu.Lock()
	e.snap = s
	e.snapMu.Unlock()
	return s
}

func (e *Engine) online() bool {
	if e.opts.Network == nil {
		return true
	}
	return e.opts.Network.Snapshot().Online
}

func (e *Engine) externallyPaused() bool {
	return e.opts.ExternallyPaused != nil && e.opts.ExternallyPaused()
}

func (e *Engine) sourceName() string {
	if e.src.RemoteURL == "" {
		return "speech"
	}
	return request.Host(e.src.RemoteURL)
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
