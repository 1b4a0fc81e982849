package engine

import (
	"sync"

	"tradebots/internal/types"
)

// mailbox is an unbounded FIFO of candles. put never blocks, so one slow
// subscription cannot hold up the feed broadcasting to its siblings.
type mailbox struct {
	mu     sync.Mutex
	items  []types.Candle
	closed bool
	ready  chan struct{} // capacity 1, signalled on put
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

// put appends c; it reports false once the mailbox is closed
func (m *mailbox) put(c types.Candle) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, c)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return true
}

// pop removes the oldest candle
func (m *mailbox) pop() (types.Candle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) == 0 {
		return types.Candle{}, false
	}
	c := m.items[0]
	m.items[0] = types.Candle{}
	m.items = m.items[1:]
	return c, true
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// close drops pending candles and rejects further puts
func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.items = nil
}
