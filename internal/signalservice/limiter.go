package signalservice

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// recipientLimiter paces transmissions with one token bucket per recipient
// and periodically evicts idle buckets. A nil limiter never waits.
type recipientLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu    sync.Mutex
	byKey map[string]*limiterEntry
	hits  uint64
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newRecipientLimiter returns nil when rps or burst is not positive.
func newRecipientLimiter(rps float64, burst int) *recipientLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &recipientLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		byKey:   make(map[string]*limiterEntry),
	}
}

// Wait blocks until recipient may be sent to or ctx ends.
func (l *recipientLimiter) Wait(ctx context.Context, recipient string) error {
	if l == nil {
		return nil
	}
	now := time.Now()

	l.mu.Lock()
	e, ok := l.byKey[recipient]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[recipient] = e
	}
	e.lastSeen = now
	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}
	lim := e.limiter
	l.mu.Unlock()

	return lim.Wait(ctx)
}
