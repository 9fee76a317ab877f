package signalservice

import (
	"context"
	"fmt"

	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultWorkers bounds concurrent per-recipient sends in a fan-out.
const DefaultWorkers = 8

// SendToMany delivers payload to each recipient independently, at most
// s.workers at a time. One recipient's failure never affects another; the
// results are in recipient order.
func (s *Service) SendToMany(ctx context.Context, recipients []string, payload []byte, timestamp uint64, opts SendOptions) []SendResult {
	if err := s.sender.checkSize(payload); err != nil {
		results := make([]SendResult, len(recipients))
		for i, r := range recipients {
			results[i], _ = s.sender.finish(r, SendResult{}, err, s.sender.now())
		}
		return results
	}
	return s.fanOut(ctx, recipients, &Content{Data: payload}, timestamp, opts)
}

func (s *Service) fanOut(ctx context.Context, recipients []string, content *Content, timestamp uint64, opts SendOptions) []SendResult {
	results := make([]SendResult, len(recipients))
	sem := semaphore.NewWeighted(int64(s.workers))
	var g errgroup.Group
	for i, recipient := range recipients {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i], _ = s.sender.finish(recipient, SendResult{},
				fmt.Errorf("%w: %w", ErrCancelled, err), s.sender.now())
			continue
		}
		g.Go(func() error {
			defer sem.Release(1)
			results[i], _ = s.sender.deliver(ctx, recipient, content, timestamp, opts)
			return nil
		})
	}
	_ = g.Wait()

	if s.fanLog.Level() <= slog.LevelDebug {
		var ok int
		for _, r := range results {
			if r.OK() {
				ok++
			}
		}
		s.fanLog.Debugf("Fan-out delivered to %d/%d recipients", ok, len(recipients))
	}
	return results
}
