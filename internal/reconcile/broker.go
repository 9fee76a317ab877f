package reconcile

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Broker fans thread-update notifications out to subscribers. It implements
// Notifier. A subscriber that does not keep up misses notifications rather
// than stalling reconciliation.
type Broker struct {
	next atomic.Uint64
	subs *xsync.MapOf[uint64, chan string]

	// closing holds off sends while a channel is being closed.
	closing sync.RWMutex
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: xsync.NewMapOf[uint64, chan string]()}
}

// ThreadUpdated notifies every subscriber that the group changed.
func (b *Broker) ThreadUpdated(groupID string) {
	b.closing.RLock()
	defer b.closing.RUnlock()
	b.subs.Range(func(_ uint64, ch chan string) bool {
		select {
		case ch <- groupID:
		default:
		}
		return true
	})
}

// Subscribe registers a subscriber with the given buffer size. The returned
// func unsubscribes and closes the channel; it may be called more than once.
func (b *Broker) Subscribe(buf int) (<-chan string, func()) {
	if buf < 1 {
		buf = 1
	}
	id := b.next.Add(1)
	ch := make(chan string, buf)
	b.subs.Store(id, ch)
	return ch, func() {
		b.closing.Lock()
		defer b.closing.Unlock()
		if c, ok := b.subs.LoadAndDelete(id); ok {
			close(c)
		}
	}
}
