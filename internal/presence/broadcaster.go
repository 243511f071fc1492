// Package presence broadcasts the aggregate online count to every live
// connection. Bursts of registrations and disconnects are coalesced: the
// trigger channel holds at most one pending notification, so a storm of
// changes produces one broadcast reflecting the latest count rather than
// one per change.
package presence

import (
	"context"
	"log"

	"github.com/quikchat/broker/internal/protocol"
)

// Broadcaster owns the coalescing loop. Count and Broadcast are supplied by
// the caller so the package depends on neither the broker nor the transport.
type Broadcaster struct {
	count     func() int
	broadcast func(msg []byte)
	notify    func(online int) // optional side channel (events feed)
	trigger   chan struct{}
}

// New creates a Broadcaster. count returns the current registry size;
// broadcast delivers a frame to all connections; notify may be nil.
func New(count func() int, broadcast func(msg []byte), notify func(online int)) *Broadcaster {
	return &Broadcaster{
		count:     count,
		broadcast: broadcast,
		notify:    notify,
		trigger:   make(chan struct{}, 1),
	}
}

// Trigger requests a broadcast. Never blocks: if one is already pending the
// request coalesces into it.
func (b *Broadcaster) Trigger() {
	select {
	case b.trigger <- struct{}{}:
	default:
	}
}

// Start runs the broadcast loop until ctx is cancelled.
func (b *Broadcaster) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				log.Println("[presence] broadcaster stopped")
				return
			case <-b.trigger:
				b.emit()
			}
		}
	}()
}

// emit reads the latest count and broadcasts it. The count is sampled after
// the trigger fires, so coalesced bursts always report the newest value.
func (b *Broadcaster) emit() {
	online := b.count()

	msg, err := protocol.NewServerMessage(protocol.TypeOnlineCount, protocol.OnlineCountMsg{
		Count: online,
	})
	if err != nil {
		log.Printf("[presence] build online_count: %v", err)
		return
	}
	b.broadcast(msg)

	if b.notify != nil {
		b.notify(online)
	}
}
