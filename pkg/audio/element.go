package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

var (
	// ErrNotLoaded is returned by Play and Seek before a successful Load.
	ErrNotLoaded = errors.New("no audio loaded")
	// ErrClosed is returned by operations on a closed element.
	ErrClosed = errors.New("element closed")
	// ErrHandleRevoked is returned when a local handle no longer resolves.
	ErrHandleRevoked = errors.New("local audio handle revoked")
)

// EventKind identifies an element notification.
type EventKind int

const (
	EventEnded EventKind = iota
	EventError
)

// Event is emitted by an element once playback ends or fails.
type Event struct {
	Kind EventKind
	Err  error
}

// Element is a single playable media slot: load one source, control it, close it.
// Events are delivered on an element-owned goroutine.
type Element interface {
	// Load fetches and decodes src. It blocks until the clip is playable or ctx is done.
	Load(ctx context.Context, src string) error
	Play() error
	Pause()
	Seek(d time.Duration) error
	SetVolume(vol float64)
	SetMuted(muted bool)
	SetRate(rate float64)
	Position() time.Duration
	Duration() time.Duration
	Close()
}

// Fetcher downloads remote clips.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Resolver maps local handles to in-memory payloads.
type Resolver interface {
	Resolve(handle string) ([]byte, bool)
}

// Backend creates beep-backed elements.
type Backend struct {
	sink     Sink
	fetcher  Fetcher
	resolver Resolver
}

// NewBackend creates a backend. resolver may be nil when nothing is preloaded.
func NewBackend(sink Sink, fetcher Fetcher, resolver Resolver) *Backend {
	if sink == nil {
		sink = DefaultSink()
	}
	return &Backend{sink: sink, fetcher: fetcher, resolver: resolver}
}

// NewElement returns an empty element that reports to onEvent.
func (b *Backend) NewElement(onEvent func(Event)) Element {
	return &beepElement{backend: b, onEvent: onEvent, volume: 1, rate: 1}
}

type beepElement struct {
	backend *Backend
	onEvent func(Event)

	mu     sync.Mutex
	track  *Track
	volume float64
	muted  bool
	rate   float64
	closed bool
}

func (e *beepElement) Load(ctx context.Context, src string) error {
	data, err := e.backend.read(ctx, src)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	opts := TrackOptions{Volume: e.volume, Muted: e.muted, Rate: e.rate}
	e.mu.Unlock()

	track, err := NewTrack(e.backend.sink, data, opts)
	if err != nil {
		return fmt.Errorf("decode %s: %w", src, err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		track.Stop()
		return ErrClosed
	}
	old := e.track
	e.track = track
	e.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	go e.watch(track)

	slog.Debug("Audio: clip loaded", "size", humanize.Bytes(uint64(len(data))), "duration", track.Duration().Round(time.Millisecond))
	return nil
}

func (b *Backend) read(ctx context.Context, src string) ([]byte, error) {
	if strings.HasPrefix(src, "blob:") {
		if b.resolver != nil {
			if data, ok := b.resolver.Resolve(src); ok {
				return data, nil
			}
		}
		return nil, ErrHandleRevoked
	}
	if b.fetcher == nil {
		return nil, fmt.Errorf("no fetcher for %s", src)
	}
	return b.fetcher.Fetch(ctx, src)
}

func (e *beepElement) watch(t *Track) {
	<-t.Done()
	err := t.Err()
	if errors.Is(err, ErrStopped) || e.onEvent == nil {
		return
	}
	if err != nil {
		e.onEvent(Event{Kind: EventError, Err: err})
		return
	}
	e.onEvent(Event{Kind: EventEnded})
}

func (e *beepElement) current() (*Track, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if e.track == nil {
		return nil, ErrNotLoaded
	}
	return e.track, nil
}

func (e *beepElement) Play() error {
	t, err := e.current()
	if err != nil {
		return err
	}
	return t.Start()
}

func (e *beepElement) Pause() {
	if t, err := e.current(); err == nil {
		t.Pause()
	}
}

func (e *beepElement) Seek(d time.Duration) error {
	t, err := e.current()
	if err != nil {
		return err
	}
	return t.Seek(d)
}

func (e *beepElement) SetVolume(vol float64) {
	e.mu.Lock()
	e.volume = clampVolume(vol)
	t := e.track
	e.mu.Unlock()
	if t != nil {
		t.SetVolume(vol)
	}
}

func (e *beepElement) SetMuted(muted bool) {
	e.mu.Lock()
	e.muted = muted
	t := e.track
	e.mu.Unlock()
	if t != nil {
		t.SetMuted(muted)
	}
}

func (e *beepElement) SetRate(rate float64) {
	e.mu.Lock()
	e.rate = ClampRate(rate)
	t := e.track
	e.mu.Unlock()
	if t != nil {
		t.SetRate(rate)
	}
}

func (e *beepElement) Position() time.Duration {
	if t, err := e.current(); err == nil {
		return t.Position()
	}
	return 0
}

func (e *beepElement) Duration() time.Duration {
	if t, err := e.current(); err == nil {
		return t.Duration()
	}
	return 0
}

// Close stops playback and releases the decoder. Idempotent.
func (e *beepElement) Close() {
	e.mu.Lock()
	e.closed = true
	t := e.track
	e.track = nil
	e.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}
