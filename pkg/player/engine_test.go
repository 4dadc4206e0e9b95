package player

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safeaudio/pkg/audio"
	"safeaudio/pkg/logging"
	"safeaudio/pkg/network"
	"safeaudio/pkg/preload"
	"safeaudio/pkg/speech"
	"safeaudio/pkg/speech/mockspeech"
	"safeaudio/pkg/tracker"
)

const (
	clipURL  = "https://cdn.example.com/listening/b.mp3"
	fallback = "Hello world"
)

type fakeElement struct {
	onEvent func(audio.Event)
	load    func(ctx context.Context, src string) error

	mu      sync.Mutex
	src     string
	playing bool
	closed  bool
	volume  float64
	muted   bool
	rate    float64
	seeks   []time.Duration
}

func (f *fakeElement) Load(ctx context.Context, src string) error {
	f.mu.Lock()
	f.src = src
	f.mu.Unlock()
	if f.load != nil {
		return f.load(ctx, src)
	}
	return nil
}

func (f *fakeElement) Play() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = true
	return nil
}

func (f *fakeElement) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = false
}

func (f *fakeElement) Seek(d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeks = append(f.seeks, d)
	return nil
}

func (f *fakeElement) SetVolume(v float64) { f.mu.Lock(); f.volume = v; f.mu.Unlock() }
func (f *fakeElement) SetMuted(m bool)     { f.mu.Lock(); f.muted = m; f.mu.Unlock() }
func (f *fakeElement) SetRate(r float64)   { f.mu.Lock(); f.rate = r; f.mu.Unlock() }

func (f *fakeElement) Position() time.Duration { return 0 }
func (f *fakeElement) Duration() time.Duration { return 30 * time.Second }

func (f *fakeElement) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.playing = false
}

func (f *fakeElement) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeElement) Playing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

type fakeBackend struct {
	load func(ctx context.Context, src string) error

	mu       sync.Mutex
	elements []*fakeElement
}

func (b *fakeBackend) NewElement(onEvent func(audio.Event)) audio.Element {
	el := &fakeElement{onEvent: onEvent, load: b.load}
	b.mu.Lock()
	b.elements = append(b.elements, el)
	b.mu.Unlock()
	return el
}

func (b *fakeBackend) Elements() []*fakeElement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*fakeElement(nil), b.elements...)
}

func (b *fakeBackend) Last() *fakeElement {
	els := b.Elements()
	if len(els) == 0 {
		return nil
	}
	return els[len(els)-1]
}

type counters struct {
	ended     atomic.Int32
	fallbacks atomic.Int32
	errors    atomic.Int32
	mu        sync.Mutex
	reasons   []string
}

func (c *counters) callbacks() Callbacks {
	return Callbacks{
		OnEnded:        func() { c.ended.Add(1) },
		OnFallbackUsed: func() { c.fallbacks.Add(1) },
		OnError: func(reason string) {
			c.errors.Add(1)
			c.mu.Lock()
			c.reasons = append(c.reasons, reason)
			c.mu.Unlock()
		},
	}
}

func (c *counters) Reasons() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.reasons...)
}

func waitState(t *testing.T, e *Engine, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return e.Snapshot().State == want }, 3*time.Second, 5*time.Millisecond,
		"want state %s, have %s", want, e.Snapshot().State)
}

func waitPhase(t *testing.T, e *Engine, want SpeechPhase) {
	t.Helper()
	require.Eventually(t, func() bool { return e.Snapshot().Speech == want }, 3*time.Second, 5*time.Millisecond,
		"want speech phase %s, have %s", want, e.Snapshot().Speech)
}

// settle lets queued commands run before asserting a negative.
func settle() { time.Sleep(30 * time.Millisecond) }

type nullSink struct{}

func (nullSink) SampleRate() beep.SampleRate { return 44100 }
func (nullSink) Play(beep.Streamer) error    { return nil }
func (nullSink) Lock()                       {}
func (nullSink) Unlock()                     {}

func wavClip(t *testing.T) []byte {
	t.Helper()
	format := beep.Format{SampleRate: 44100, NumChannels: 2, Precision: 2}
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, wav.Encode(f, beep.Silence(format.SampleRate.N(time.Second)), format))
	require.NoError(t, f.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

type countingFetcher struct {
	calls atomic.Int32
	data  []byte
}

func (f *countingFetcher) Fetch(context.Context, string) ([]byte, error) {
	f.calls.Add(1)
	return f.data, nil
}

func TestEngine_PreloadedSourceNeverFetches(t *testing.T) {
	fetcher := &countingFetcher{data: wavClip(t)}
	store := network.NewStore()

	pre := preload.New(fetcher, preload.Options{Network: store})
	defer pre.Close()
	require.NoError(t, pre.Preload(context.Background(), clipURL))
	require.Equal(t, int32(1), fetcher.calls.Load())

	// Fully offline from here on.
	store.SetOnline(false)

	e := New(Options{
		Elements: audio.NewBackend(nullSink{}, fetcher, pre),
		Network:  store,
		Preloads: pre,
	})
	defer e.Close()

	e.SetSource(Source{RemoteURL: clipURL, AutoPlay: true})
	waitState(t, e, StatePlaying)

	assert.Equal(t, int32(1), fetcher.calls.Load(), "assigning a preloaded URL must not fetch")
	assert.False(t, e.Snapshot().UsingFallback)
	assert.InDelta(t, time.Second, e.Snapshot().Duration, float64(time.Millisecond))
}

func TestEngine_DeadlineFallsBackToSpeech(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	backend := &fakeBackend{load: func(context.Context, string) error {
		// An element that ignores cancellation and succeeds late.
		<-release
		return nil
	}}
	synth := mockspeech.New(mockspeech.Config{})
	tr := tracker.New()
	var c counters

	e := New(Options{
		Elements:  backend,
		Speech:    speech.NewAdapter(synth),
		Tracker:   tr,
		Callbacks: c.callbacks(),
	})
	defer e.Close()

	start := time.Now()
	e.SetSource(Source{RemoteURL: clipURL, FallbackText: fallback, Accent: speech.AccentGB, AutoPlay: true})
	waitState(t, e, StateFallback)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, DefaultLoadTimeout-50*time.Millisecond)
	assert.LessOrEqual(t, elapsed, 2100*time.Millisecond)

	waitPhase(t, e, SpeechSpeaking)
	assert.Equal(t, int32(1), c.fallbacks.Load())
	require.Len(t, backend.Elements(), 1)
	assert.True(t, backend.Last().Closed(), "no element may stay attached")

	utts := synth.Utterances()
	require.Len(t, utts, 1)
	assert.Equal(t, fallback, utts[0].Text)
	assert.Equal(t, "en-GB", utts[0].Voice.Lang)

	// The late load result for the abandoned attempt is ignored.
	release <- struct{}{}
	settle()
	assert.Equal(t, StateFallback, e.Snapshot().State)
	assert.Equal(t, int32(1), c.fallbacks.Load())
	assert.Equal(t, int64(1), tr.Snapshot()["cdn.example.com"].Fallbacks)
}

func TestEngine_NoSourceNoTextIsTerminal(t *testing.T) {
	synth := mockspeech.New(mockspeech.Config{})
	var c counters
	e := New(Options{Elements: &fakeBackend{}, Speech: speech.NewAdapter(synth), Callbacks: c.callbacks()})
	defer e.Close()

	e.SetSource(Source{AutoPlay: true})
	waitState(t, e, StateError)

	assert.ErrorIs(t, e.Snapshot().Err, ErrUnavailable)
	assert.Equal(t, []string{"audio unavailable"}, c.Reasons())
	assert.Equal(t, 0, synth.Count(), "synthesis must never be attempted")
	assert.Equal(t, int32(0), c.fallbacks.Load())
}

func TestEngine_SynthesisUnsupported(t *testing.T) {
	var c counters
	e := New(Options{Elements: &fakeBackend{}, Speech: speech.NewAdapter(nil), Callbacks: c.callbacks()})
	defer e.Close()

	e.SetSource(Source{FallbackText: fallback, AutoPlay: true})
	waitState(t, e, StateError)

	assert.ErrorIs(t, e.Snapshot().Err, ErrSynthesisUnsupported)
	assert.Equal(t, []string{"speech synthesis unsupported"}, c.Reasons())
}

func TestEngine_LoadErrorWithoutTextIsUnavailable(t *testing.T) {
	backend := &fakeBackend{load: func(context.Context, string) error { return errors.New("decode error") }}
	var c counters
	e := New(Options{Elements: backend, Callbacks: c.callbacks()})
	defer e.Close()

	e.SetSource(Source{RemoteURL: clipURL})
	waitState(t, e, StateError)
	assert.Equal(t, []string{"audio unavailable"}, c.Reasons())
	assert.True(t, backend.Last().Closed())
}

func TestEngine_RemotePlaybackControls(t *testing.T) {
	backend := &fakeBackend{}
	var c counters
	e := New(Options{Elements: backend, Callbacks: c.callbacks()})
	defer e.Close()

	e.SetSource(Source{RemoteURL: clipURL})
	waitState(t, e, StateReady)
	el := backend.Last()
	assert.Equal(t, clipURL, el.src)

	e.TogglePlayPause()
	waitState(t, e, StatePlaying)
	assert.True(t, el.Playing())

	e.TogglePlayPause()
	waitState(t, e, StatePaused)
	assert.False(t, el.Playing())

	// Pausing an already paused session is harmless.
	e.Pause()
	settle()
	assert.Equal(t, StatePaused, e.Snapshot().State)

	e.Seek(12 * time.Second)
	e.Play()
	waitState(t, e, StatePlaying)
	el.mu.Lock()
	assert.Equal(t, []time.Duration{12 * time.Second}, el.seeks)
	el.mu.Unlock()

	el.onEvent(audio.Event{Kind: audio.EventEnded})
	waitState(t, e, StateEnded)
	assert.Equal(t, int32(1), c.ended.Load())
	assert.Equal(t, int32(0), c.fallbacks.Load())
}

func TestEngine_ExternalPauseBlocksToggle(t *testing.T) {
	var held atomic.Bool
	held.Store(true)
	e := New(Options{Elements: &fakeBackend{}, ExternallyPaused: held.Load})
	defer e.Close()

	e.SetSource(Source{RemoteURL: clipURL, AutoPlay: true})
	waitState(t, e, StateReady) // autoplay suppressed while held

	e.TogglePlayPause()
	e.Play()
	settle()
	assert.Equal(t, StateReady, e.Snapshot().State)

	held.Store(false)
	e.TogglePlayPause()
	waitState(t, e, StatePlaying)
}

func TestEngine_OfflineWithoutPreloadUsesSpeech(t *testing.T) {
	store := network.NewStore()
	store.SetOnline(false)
	backend := &fakeBackend{}
	synth := mockspeech.New(mockspeech.Config{})
	var c counters

	e := New(Options{Elements: backend, Speech: speech.NewAdapter(synth), Network: store, Callbacks: c.callbacks()})
	defer e.Close()

	e.SetSource(Source{RemoteURL: clipURL, FallbackText: fallback, AutoPlay: true})
	waitState(t, e, StateFallback)
	waitPhase(t, e, SpeechSpeaking)

	assert.Empty(t, backend.Elements(), "no load attempted while offline")
	assert.Equal(t, int32(1), c.fallbacks.Load())
}

func TestEngine_SourceChangeTearsDownPrevious(t *testing.T) {
	backend := &fakeBackend{load: func(_ context.Context, src string) error {
		if src == "https://cdn.example.com/broken.mp3" {
			return errors.New("404")
		}
		return nil
	}}
	synth := mockspeech.New(mockspeech.Config{})
	e := New(Options{Elements: backend, Speech: speech.NewAdapter(synth)})
	defer e.Close()

	// Real audio playing, then a new source.
	e.SetSource(Source{RemoteURL: clipURL, AutoPlay: true})
	waitState(t, e, StatePlaying)
	first := backend.Last()

	e.SetSource(Source{RemoteURL: "https://cdn.example.com/broken.mp3", FallbackText: fallback, AutoPlay: true})
	waitState(t, e, StateFallback)
	waitPhase(t, e, SpeechSpeaking)
	assert.True(t, first.Closed())
	assert.False(t, first.Playing())

	// Speech speaking, then another source: the utterance is cancelled.
	utterance := synth.Last()
	e.SetSource(Source{RemoteURL: clipURL, AutoPlay: true})
	waitState(t, e, StatePlaying)
	assert.True(t, utterance.Stopped())
	assert.False(t, e.Snapshot().UsingFallback)
}

func TestEngine_MidStreamErrorHandsOffToSpeech(t *testing.T) {
	backend := &fakeBackend{}
	synth := mockspeech.New(mockspeech.Config{})
	var c counters
	e := New(Options{Elements: backend, Speech: speech.NewAdapter(synth), Callbacks: c.callbacks()})
	defer e.Close()

	e.SetSource(Source{RemoteURL: clipURL, FallbackText: fallback, AutoPlay: true})
	waitState(t, e, StatePlaying)
	e.SetVolume(0.3)
	e.SetMuted(true)
	require.Eventually(t, func() bool { return e.Snapshot().Volume == 0.3 }, time.Second, 5*time.Millisecond)

	el := backend.Last()
	el.onEvent(audio.Event{Kind: audio.EventError, Err: errors.New("stalled")})

	waitState(t, e, StateFallback)
	waitPhase(t, e, SpeechSpeaking)
	assert.True(t, el.Closed(), "no dual-audio overlap")
	assert.Equal(t, int32(1), c.fallbacks.Load())

	u := synth.Utterances()[0]
	assert.Equal(t, 0.3, u.Volume)
	assert.True(t, u.Muted)
}

func TestEngine_FallbackControls(t *testing.T) {
	synth := mockspeech.New(mockspeech.Config{})
	var c counters
	e := New(Options{Elements: &fakeBackend{}, Speech: speech.NewAdapter(synth), Callbacks: c.callbacks()})
	defer e.Close()

	// Without autoplay, speech waits for a play request.
	e.SetSource(Source{FallbackText: fallback})
	waitState(t, e, StateFallback)
	settle()
	assert.Equal(t, 0, synth.Count())

	e.TogglePlayPause()
	waitPhase(t, e, SpeechSpeaking)
	p := synth.Last()

	e.Pause()
	e.Pause()
	waitPhase(t, e, SpeechPaused)
	assert.True(t, p.Paused())

	e.Seek(5 * time.Second) // no-op in fallback
	e.TogglePlayPause()
	waitPhase(t, e, SpeechSpeaking)
	assert.False(t, p.Paused())

	p.Finish(nil)
	waitPhase(t, e, SpeechEnded)
	assert.Equal(t, int32(1), c.ended.Load())
	assert.Equal(t, StateFallback, e.Snapshot().State)
	assert.Equal(t, 1, synth.Count())
}

func TestEngine_SpeechErrorIsTerminal(t *testing.T) {
	synth := mockspeech.New(mockspeech.Config{})
	var c counters
	e := New(Options{Elements: &fakeBackend{}, Speech: speech.NewAdapter(synth), Callbacks: c.callbacks()})
	defer e.Close()

	e.SetSource(Source{FallbackText: fallback, AutoPlay: true})
	waitPhase(t, e, SpeechSpeaking)
	synth.Last().Finish(errors.New("audio device lost"))

	waitState(t, e, StateError)
	assert.Equal(t, []string{"audio unavailable"}, c.Reasons())
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestEngine_TracesSpeechEvents(t *testing.T) {
	logging.SetTrace(true)
	defer logging.SetTrace(false)

	var out lockedBuffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	synth := mockspeech.New(mockspeech.Config{})
	e := New(Options{Elements: &fakeBackend{}, Speech: speech.NewAdapter(synth), Logger: logger})
	defer e.Close()

	e.SetSource(Source{FallbackText: fallback, AutoPlay: true})
	waitPhase(t, e, SpeechSpeaking)
	synth.Last().Finish(nil)
	waitPhase(t, e, SpeechEnded)

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "Player: speech event") }, time.Second, 5*time.Millisecond,
		"log: %s", out.String())
}

func TestEngine_RevokedHandleFallsThroughToRemote(t *testing.T) {
	backend := &fakeBackend{load: func(_ context.Context, src string) error {
		if preload.IsHandle(src) {
			return audio.ErrHandleRevoked
		}
		return nil
	}}
	e := New(Options{Elements: backend})
	defer e.Close()

	e.SetSource(Source{RemoteURL: clipURL, PreloadedHandle: preload.HandlePrefix + "gone", AutoPlay: true})
	waitState(t, e, StatePlaying)

	els := backend.Elements()
	require.Len(t, els, 2)
	assert.True(t, els[0].Closed())
	assert.Equal(t, clipURL, els[1].src)
}

func TestEngine_SettingsClampedAndApplied(t *testing.T) {
	backend := &fakeBackend{}
	e := New(Options{Elements: backend, Volume: 0.8})
	defer e.Close()

	e.SetSource(Source{RemoteURL: clipURL})
	waitState(t, e, StateReady)
	el := backend.Last()

	e.SetVolume(7)
	e.SetRate(0.1)
	require.Eventually(t, func() bool {
		s := e.Snapshot()
		return s.Volume == 1 && s.Rate == 0.5
	}, time.Second, 5*time.Millisecond)

	el.mu.Lock()
	assert.Equal(t, 1.0, el.volume)
	assert.Equal(t, 0.5, el.rate)
	el.mu.Unlock()
}

func TestEngine_Close(t *testing.T) {
	backend := &fakeBackend{}
	e := New(Options{Elements: backend})

	e.SetSource(Source{RemoteURL: clipURL, AutoPlay: true})
	waitState(t, e, StatePlaying)

	e.Close()
	e.Close()
	assert.True(t, backend.Last().Closed())
	assert.Equal(t, StateIdle, e.Snapshot().State)

	// Commands after Close are dropped.
	e.SetSource(Source{RemoteURL: clipURL})
	e.TogglePlayPause()
	assert.Len(t, backend.Elements(), 1)
}

// gatedSynth holds Speak until released, leaving an utterance mid-start.
type gatedSynth struct {
	*mockspeech.Synthesizer
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSynth) Speak(ctx context.Context, u speech.Utterance) (speech.Playback, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Synthesizer.Speak(ctx, u)
}

func allStopped(synth *mockspeech.Synthesizer) bool {
	for _, p := range synth.Playbacks() {
		if !p.Stopped() {
			return false
		}
	}
	return true
}

func TestEngine_RapidSourceChangeLeavesNoSpeech(t *testing.T) {
	for i := 0; i < 100; i++ {
		synth := mockspeech.New(mockspeech.Config{})
		adapter := speech.NewAdapter(synth)
		e := New(Options{Elements: &fakeBackend{}, Speech: adapter})

		// No wait between the two: speech for the first may still be starting.
		e.SetSource(Source{FallbackText: fallback, AutoPlay: true})
		e.SetSource(Source{RemoteURL: clipURL, AutoPlay: true})
		waitState(t, e, StatePlaying)

		require.Eventually(t, func() bool { return allStopped(synth) && !adapter.Speaking() },
			time.Second, 5*time.Millisecond, "iteration %d: speech outlived its source", i)
		e.Close()
	}
}

func TestEngine_SourceChangeDuringSynthesisStart(t *testing.T) {
	synth := &gatedSynth{
		Synthesizer: mockspeech.New(mockspeech.Config{}),
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
	adapter := speech.NewAdapter(synth)
	e := New(Options{Elements: &fakeBackend{}, Speech: adapter})
	defer e.Close()

	e.SetSource(Source{FallbackText: fallback, AutoPlay: true})
	select {
	case <-synth.entered:
	case <-time.After(time.Second):
		t.Fatal("synthesis never started")
	}

	e.SetSource(Source{RemoteURL: clipURL, AutoPlay: true})
	waitState(t, e, StatePlaying)
	close(synth.release)

	require.Eventually(t, func() bool { return synth.Count() == 1 && allStopped(synth.Synthesizer) },
		time.Second, 5*time.Millisecond)
	settle()
	assert.False(t, adapter.Speaking())
	assert.Equal(t, StatePlaying, e.Snapshot().State)
	assert.False(t, e.Snapshot().UsingFallback)
}
