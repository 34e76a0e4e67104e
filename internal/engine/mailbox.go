package engine

import (
	"context"
	"sync"
)

// mailbox serializes work per session ID. Each active ID owns a
// one-slot channel; holding the slot means owning the session. Waiting
// for the slot honors context cancellation.
type mailbox struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func newMailbox() *mailbox {
	return &mailbox{slots: make(map[string]*slot)}
}

// acquire blocks until the caller owns id or ctx is done. The returned
// function releases ownership and must be called exactly once.
func (m *mailbox) acquire(ctx context.Context, id string) (func(), error) {
	m.mu.Lock()
	s, ok := m.slots[id]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[id] = s
	}
	s.refs++
	m.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return func() {
			<-s.ch
			m.drop(id, s)
		}, nil
	case <-ctx.Done():
		m.drop(id, s)
		return nil, ctx.Err()
	}
}

func (m *mailbox) drop(id string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(m.slots, id)
	}
}

// len returns the number of sessions with work queued or running.
func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
