package pipeline

import "sync"

// Mailbox is a one-slot overwrite buffer between the frame source and the
// single analysis worker. A newer frame replaces the pending one; nothing
// ever queues behind it.
type Mailbox struct {
	mu     sync.Mutex
	slot   Frame
	ready  chan struct{}
	closed bool
}

func NewMailbox() *Mailbox {
	return &Mailbox{ready: make(chan struct{}, 1)}
}

// Put stores f. It returns the frame f displaced, if any; the caller must
// release it. ok is false once the mailbox is closed, in which case f was
// not stored and the caller must release it.
func (m *Mailbox) Put(f Frame) (displaced Frame, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false
	}
	displaced = m.slot
	m.slot = f
	select {
	case m.ready <- struct{}{}:
	default:
	}
	return displaced, true
}

// Take removes the pending frame without blocking.
func (m *Mailbox) Take() (Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.slot
	m.slot = nil
	return f, f != nil
}

// Ready is signalled after a Put. A signal may be stale; Take decides.
func (m *Mailbox) Ready() <-chan struct{} {
	return m.ready
}

// Close stops accepting frames and hands back the pending one.
func (m *Mailbox) Close() Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	f := m.slot
	m.slot = nil
	return f
}
