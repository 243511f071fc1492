package broker

import (
	"context"
	"log"
	"time"

	"github.com/quikchat/broker/internal/metrics"
)

// DefaultSweepInterval is how often the queue sweep runs.
const DefaultSweepInterval = 5 * time.Second

// SweepQueue evicts queue entries whose connection is no longer live,
// covering connections that vanished without a clean disconnect signal.
// The isLive check runs inside the broker's critical section so a sweep
// cannot race a concurrent match on the same entry; isLive must therefore
// be cheap and must not call back into the broker.
func (b *Broker) SweepQueue(isLive func(connID string) bool) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var evicted []string
	kept := b.queue[:0]
	for _, entry := range b.queue {
		sess, ok := b.byUser[entry.UserID]
		if ok && isLive(sess.ConnectionID) {
			kept = append(kept, entry)
			continue
		}
		if ok && sess.Status == StatusWaiting {
			sess.Status = StatusOnline
		}
		evicted = append(evicted, entry.UserID)
	}
	b.queue = kept

	if len(evicted) > 0 {
		metrics.QueueSize.Set(float64(len(b.queue)))
	}
	return evicted
}

// StartSweep runs SweepQueue on a ticker until ctx is cancelled.
func (b *Broker) StartSweep(ctx context.Context, interval time.Duration, isLive func(connID string) bool) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Println("[sweep] queue sweep stopped")
				return
			case <-ticker.C:
				if evicted := b.SweepQueue(isLive); len(evicted) > 0 {
					log.Printf("[sweep] evicted %d stale queue entries", len(evicted))
				}
			}
		}
	}()
}
