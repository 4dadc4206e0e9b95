package player

import "sync"

// mailbox is an unbounded FIFO of commands drained by a single goroutine.
// Posting never blocks, so callbacks running on the loop may post freely.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		queue:  make([]func(), 0),
		signal: make(chan struct{}, 1),
	}
}

// Post enqueues fn. Returns false once the mailbox is closed.
func (m *mailbox) Post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
	m.wake()
	return true
}

// Close enqueues a final command and refuses any later ones.
func (m *mailbox) Close(final func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, final)
	m.closed = true
	m.mu.Unlock()
	m.wake()
	return true
}

func (m *mailbox) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Pop retrieves the next command. ok is false when the queue is empty; done reports that
// it is also closed and will stay empty.
func (m *mailbox) Pop() (fn func(), ok, done bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, false, m.closed
	}
	fn = m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return fn, true, false
}

// Count returns the number of pending commands.
func (m *mailbox) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// run drains commands until the mailbox is closed and empty.
func (m *mailbox) run() {
	for {
		fn, ok, done := m.Pop()
		if done {
			return
		}
		if !ok {
			<-m.signal
			continue
		}
		fn()
	}
}
