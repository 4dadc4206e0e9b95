package preload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"safeaudio/pkg/cache"
	"safeaudio/pkg/network"
	"safeaudio/pkg/request"
	"safeaudio/pkg/tracker"
)

var (
	// ErrClosed is returned by Preload after Close.
	ErrClosed = errors.New("preloader closed")
	// ErrDiscarded is returned when the cache was cleared while the fetch was in flight.
	ErrDiscarded = errors.New("preload discarded by cache clear")
)

// Status is the lifecycle state of a preload entry.
type Status int

const (
	StatusLoading Status = iota
	StatusReady
	StatusError
	// StatusEvicted only appears in events.
	StatusEvicted
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	case StatusEvicted:
		return "evicted"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Fetcher downloads audio payloads. request.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Network is the connectivity view the preloader needs.
type Network interface {
	Snapshot() network.State
	OnNetworkRestored(fn func()) func()
}

// Entry is a point-in-time view of one cached URL.
type Entry struct {
	URL          string
	Status       Status
	Handle       string
	Size         int
	Attempts     int // fetches performed
	Retries      int // automatic retries consumed
	Err          error
	RetryPending bool
}

// Event reports an entry transition.
type Event struct {
	URL    string
	Status Status
	Err    error
}

// Options configures a Preloader. Zero values select defaults.
type Options struct {
	Backoff     Backoff
	Concurrency int
	Network     Network      // nil means always online
	Persist     cache.Cacher // nil keeps payloads in memory only
	Tracker     *tracker.Tracker
	Handles     *Handles
}

type retryTimer interface {
	Stop() bool
}

type entry struct {
	status   Status
	handle   string
	size     int
	attempts int
	retries  int
	err      error
	timer    retryTimer
	timerSeq uint64
}

// Preloader fetches audio ahead of playback and keeps it addressable through local handles.
// Failed fetches are retried with exponential backoff while the network is online.
type Preloader struct {
	fetcher Fetcher
	opts    Options
	handles *Handles

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group

	afterFunc func(time.Duration, func()) retryTimer

	mu        sync.Mutex
	entries   map[string]*entry
	gen       uint64
	closed    bool
	listeners map[int]func(Event)
	nextID    int
	unsubNet  func()
}

// New creates a Preloader.
func New(f Fetcher, opts Options) *Preloader {
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Handles == nil {
		opts.Handles = NewHandles()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Preloader{
		fetcher:   f,
		opts:      opts,
		handles:   opts.Handles,
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[string]*entry),
		listeners: make(map[int]func(Event)),
		afterFunc: func(d time.Duration, fn func()) retryTimer {
			return time.AfterFunc(d, fn)
		},
	}
	if opts.Network != nil {
		p.unsubNet = opts.Network.OnNetworkRestored(p.onRestored)
	}
	return p
}

// Preload fetches url and stores it as a Ready entry. Concurrent calls for the same URL share
// one fetch and observe the same outcome. A failed fetch schedules a retry unless the error
// is permanent, the network is offline or the retry ceiling has been reached.
func (p *Preloader) Preload(ctx context.Context, url string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if e, ok := p.entries[url]; ok && e.status == StatusReady {
		p.mu.Unlock()
		p.opts.Tracker.TrackCacheHit("memory")
		return nil
	}
	// Visible as Loading before the shared fetch goroutine gets scheduled.
	e := p.entries[url]
	if e == nil {
		e = &entry{}
		p.entries[url] = e
	}
	e.status = StatusLoading
	gen := p.gen
	p.mu.Unlock()

	return p.await(ctx, url, gen)
}

// PreloadMany preloads every distinct URL with bounded concurrency. Individual failures are
// logged and recorded on their entries; the batch itself never fails.
func (p *Preloader) PreloadMany(ctx context.Context, urls []string) {
	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)

	seen := make(map[string]bool, len(urls))
	for _, u := range urls {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		g.Go(func() error {
			if err := p.Preload(ctx, u); err != nil && !errors.Is(err, ErrDiscarded) {
				slog.Debug("Preload: batch item failed", "url", u, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// IsReady reports whether url has a Ready entry.
func (p *Preloader) IsReady(url string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[url]
	return ok && e.status == StatusReady
}

// IsLoading reports whether a fetch for url is in flight.
func (p *Preloader) IsLoading(url string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[url]
	return ok && e.status == StatusLoading
}

// LocalHandle returns the local handle for a Ready entry.
func (p *Preloader) LocalHandle(url string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[url]
	if !ok || e.status != StatusReady {
		return "", false
	}
	return e.handle, true
}

// Resolve returns the payload behind a handle issued by this preloader.
func (p *Preloader) Resolve(handle string) ([]byte, bool) {
	return p.handles.Resolve(handle)
}

// Entry returns a snapshot of the entry for url.
func (p *Preloader) Entry(url string) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[url]
	if !ok {
		return Entry{}, false
	}
	return snapshot(url, e), true
}

// Entries returns snapshots of every entry ordered by URL.
func (p *Preloader) Entries() []Entry {
	p.mu.Lock()
	out := make([]Entry, 0, len(p.entries))
	for url, e := range p.entries {
		out = append(out, snapshot(url, e))
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

func snapshot(url string, e *entry) Entry {
	return Entry{
		URL:          url,
		Status:       e.status,
		Handle:       e.handle,
		Size:         e.size,
		Attempts:     e.attempts,
		Retries:      e.retries,
		Err:          e.err,
		RetryPending: e.timer != nil,
	}
}

// Subscribe registers fn for entry transitions. Listeners run on the goroutine that caused
// the transition and must not block.
func (p *Preloader) Subscribe(fn func(Event)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// ClearCache revokes every handle, cancels every pending retry and empties the cache.
// Fetches still in flight complete but their results are discarded.
func (p *Preloader) ClearCache() {
	p.mu.Lock()
	p.gen++
	old := p.entries
	p.entries = make(map[string]*entry)
	for _, e := range old {
		stopTimer(e)
		if e.handle != "" {
			p.handles.Revoke(e.handle)
		}
	}
	p.mu.Unlock()

	for url := range old {
		p.emit(Event{URL: url, Status: StatusEvicted})
	}
	if len(old) > 0 {
		slog.Info("Preload: cache cleared", "entries", len(old))
	}
}

// Close clears the cache, detaches from the network store and aborts in-flight fetches.
func (p *Preloader) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	unsub := p.unsubNet
	p.unsubNet = nil
	p.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	p.cancel()
	p.ClearCache()
}

func (p *Preloader) await(ctx context.Context, url string, gen uint64) error {
	key := fmt.Sprintf("%d|%s", gen, url)
	ch := p.group.DoChan(key, func() (any, error) {
		return nil, p.load(url, gen)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Preloader) load(url string, gen uint64) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.gen != gen {
		p.mu.Unlock()
		return ErrDiscarded
	}
	e := p.entries[url]
	if e == nil {
		e = &entry{}
		p.entries[url] = e
	}
	if e.status == StatusReady && e.handle != "" {
		p.mu.Unlock()
		return nil
	}
	stopTimer(e)
	e.status = StatusLoading
	e.err = nil
	e.attempts++
	p.mu.Unlock()
	p.emit(Event{URL: url, Status: StatusLoading})

	host := request.Host(url)
	if p.opts.Persist != nil {
		if data, ok := p.opts.Persist.GetCache(p.ctx, url); ok {
			p.opts.Tracker.TrackCacheHit(host)
			return p.settle(url, gen, data, nil, false)
		}
		p.opts.Tracker.TrackCacheMiss(host)
	}

	data, err := p.fetcher.Fetch(p.ctx, url)
	return p.settle(url, gen, data, err, true)
}

func (p *Preloader) settle(url string, gen uint64, data []byte, err error, fetched bool) error {
	p.mu.Lock()
	e := p.entries[url]
	if p.closed || p.gen != gen || e == nil {
		p.mu.Unlock()
		slog.Debug("Preload: discarding stale result", "url", url)
		return ErrDiscarded
	}

	if err != nil {
		e.status = StatusError
		e.err = err
		delay, reason := p.scheduleRetryLocked(url, e, gen)
		attempts, retries := e.attempts, e.retries
		p.mu.Unlock()

		if delay > 0 {
			slog.Warn("Preload: fetch failed, retry scheduled", "url", url, "attempts", attempts, "retry_in", delay, "error", err)
		} else {
			slog.Warn("Preload: fetch failed, no retry", "url", url, "attempts", attempts, "retries", retries, "reason", reason, "error", err)
		}
		p.emit(Event{URL: url, Status: StatusError, Err: err})
		return err
	}

	e.status = StatusReady
	e.handle = p.handles.Register(data)
	e.size = len(data)
	attempts := e.attempts
	p.mu.Unlock()

	slog.Debug("Preload: ready", "url", url, "size", humanize.Bytes(uint64(len(data))), "attempts", attempts, "persisted", !fetched)
	p.emit(Event{URL: url, Status: StatusReady})

	if fetched && p.opts.Persist != nil {
		if err := p.opts.Persist.SetCache(p.ctx, url, data); err != nil {
			slog.Warn("Preload: write-through failed", "url", url, "error", err)
		}
	}
	return nil
}

// scheduleRetryLocked arms the retry timer for a failed entry. It returns the delay, or zero
// and the reason no retry was scheduled. Must be called with p.mu held.
func (p *Preloader) scheduleRetryLocked(url string, e *entry, gen uint64) (time.Duration, string) {
	switch {
	case !request.IsTransient(e.err):
		return 0, "permanent"
	case p.opts.Backoff.Exhausted(e.retries):
		return 0, "retries exhausted"
	case !p.online():
		return 0, "offline"
	}

	delay := p.opts.Backoff.Delay(e.retries + 1)
	e.timerSeq++
	seq := e.timerSeq
	e.timer = p.afterFunc(delay, func() {
		p.fireRetry(url, gen, seq)
	})
	return delay, ""
}

func (p *Preloader) fireRetry(url string, gen, seq uint64) {
	p.mu.Lock()
	e := p.entries[url]
	if p.closed || p.gen != gen || e == nil || e.status != StatusError || e.timer == nil || e.timerSeq != seq {
		p.mu.Unlock()
		return
	}
	e.timer = nil
	if !p.online() {
		p.mu.Unlock()
		slog.Debug("Preload: retry deferred until network restored", "url", url)
		return
	}
	e.retries++
	p.mu.Unlock()

	_ = p.await(p.ctx, url, gen)
}

// onRestored retries every failed entry still under the ceiling without waiting for its timer.
func (p *Preloader) onRestored() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	gen := p.gen
	var urls []string
	for url, e := range p.entries {
		if e.status != StatusError || !request.IsTransient(e.err) || p.opts.Backoff.Exhausted(e.retries) {
			continue
		}
		stopTimer(e)
		e.retries++
		urls = append(urls, url)
	}
	p.mu.Unlock()

	if len(urls) > 0 {
		slog.Info("Preload: network restored, retrying failed entries", "count", len(urls))
	}
	for _, u := range urls {
		go func() { _ = p.await(p.ctx, u, gen) }()
	}
}

func (p *Preloader) online() bool {
	if p.opts.Network == nil {
		return true
	}
	return p.opts.Network.Snapshot().Online
}

func (p *Preloader) emit(ev Event) {
	p.mu.Lock()
	fns := make([]func(Event), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Preload: listener panicked", "url", ev.URL, "panic", r)
				}
			}()
			fn(ev)
		}()
	}
}

func stopTimer(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}
