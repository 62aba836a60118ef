package crew

import (
	"sync"

	"github.com/gregtusar/crews/pkg/models"
)

// mailbox buffers candles for a crew worker. Deliver never blocks the feed.
type mailbox struct {
	mu     sync.Mutex
	queue  []models.Candle
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) Deliver(c models.Candle) {
	m.mu.Lock()
	m.queue = append(m.queue, c)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []models.Candle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.queue
	m.queue = nil
	return out
}
