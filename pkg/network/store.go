// Package network tracks process-wide connectivity and notifies subscribers of changes.
package network

import (
	"log/slog"
	"sync"
	"time"
)

// State is a point-in-time view of connectivity.
type State struct {
	Online        bool
	WasOffline    bool // true once any offline period was observed; never resets
	LastOnlineAt  *time.Time
	LastOfflineAt *time.Time
	Degraded      bool // no connectivity source; Online is assumed
}

// Reader is the read side of the store, as consumed by the preloader and the player.
type Reader interface {
	Snapshot() State
}

// Store is the single source of truth for connectivity.
// SetOnline is the only mutation path; listeners run synchronously inside it.
type Store struct {
	mu        sync.RWMutex
	state     State
	nextID    int
	listeners map[int]func(State)
	restored  map[int]func()
	now       func() time.Time
}

// NewStore creates a store that starts online and expects SetOnline to be driven
// by a connectivity source (see Monitor).
func NewStore() *Store {
	return &Store{
		state:     State{Online: true},
		listeners: make(map[int]func(State)),
		restored:  make(map[int]func()),
		now:       time.Now,
	}
}

// NewDegraded creates a store for platforms without any connectivity signal.
// It reports online for its whole lifetime.
func NewDegraded() *Store {
	s := NewStore()
	s.state.Degraded = true
	slog.Warn("Network: no connectivity source, assuming permanently online")
	return s
}

// Snapshot returns the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe registers fn for every state change. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// OnNetworkRestored registers fn for offline→online transitions only.
// It is called after the state has flipped to online.
func (s *Store) OnNetworkRestored(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.restored[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.restored, id)
		s.mu.Unlock()
	}
}

// SetOnline records a connectivity event. Repeated events with the same value are ignored,
// and so is every event on a degraded store.
func (s *Store) SetOnline(online bool) {
	s.mu.Lock()
	if s.state.Degraded {
		s.mu.Unlock()
		if !online {
			slog.Debug("Network: ignoring offline event on degraded store")
		}
		return
	}
	if s.state.Online == online {
		s.mu.Unlock()
		return
	}

	now := s.now()
	wasOffline := !s.state.Online
	s.state.Online = online
	if online {
		s.state.LastOnlineAt = &now
	} else {
		s.state.LastOfflineAt = &now
		s.state.WasOffline = true
	}
	snap := s.state

	listeners := make([]func(State), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	var restored []func()
	if online && wasOffline {
		restored = make([]func(), 0, len(s.restored))
		for _, fn := range s.restored {
			restored = append(restored, fn)
		}
	}
	s.mu.Unlock()

	if online {
		slog.Info("Network: back online")
	} else {
		slog.Warn("Network: offline")
	}

	for _, fn := range listeners {
		safeCall("state listener", func() { fn(snap) })
	}
	for _, fn := range restored {
		safeCall("restore listener", fn)
	}
}

// Reset restores the initial online state. Listeners stay registered.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = State{Online: true, Degraded: s.state.Degraded}
}

// safeCall runs fn and logs a panic instead of letting it stop the remaining listeners.
func safeCall(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Network: listener panicked", "kind", kind, "panic", r)
		}
	}()
	fn()
}
