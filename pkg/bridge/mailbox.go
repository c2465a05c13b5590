package bridge

import (
	"sync"

	"github.com/aretw0/databench/pkg/codec"
)

// mailbox is an unbounded frame queue. The hub never blocks on a slow
// session.
type mailbox struct {
	mu     sync.Mutex
	items  []codec.Frame
	closed bool

	notify chan struct{}
	done   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (m *mailbox) put(f codec.Frame) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.items = append(m.items, f)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// take removes and returns every queued frame.
func (m *mailbox) take() []codec.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}
