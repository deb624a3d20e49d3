// Package crosstab synchronizes optimistic mutations across execution
// contexts. Every successful local mutation is published on a shared bus
// under a monotonically-increasing tag; other contexts observe the change
// and merge it last-write-wins on the notified key only.
package crosstab

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/market-sync/internal/types"
)

// Bus is the persisted-store surface cross-context sync requires: publish
// with change notification, and a shared monotonic counter for tags.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
	NextTag(ctx context.Context) (uint64, error)
}

// Update is one cross-context mutation notification. Updates to the same key
// must be applied in tag order; updates to different keys carry no ordering
// guarantee.
type Update struct {
	Tag         uint64                       `json:"tag"`
	Origin      string                       `json:"origin"` // publishing context id
	Key         types.UserNFTKey             `json:"key"`
	Stats       *types.StatsRecord           `json:"stats,omitempty"`
	Interaction *types.UserInteractionRecord `json:"interaction,omitempty"`
	SentAt      time.Time                    `json:"sentAt"`
}

// InMemoryBus is a single-process Bus used by tests and embedded setups
// where no shared store is available.
type InMemoryBus struct {
	mu       sync.Mutex
	tag      atomic.Uint64
	channels map[string][]chan []byte
}

// NewInMemoryBus creates an in-memory bus
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{channels: make(map[string][]chan []byte)}
}

// Publish delivers the payload to every subscriber of the channel
func (b *InMemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	subs := make([]chan []byte, len(b.channels[channel]))
	copy(subs, b.channels[channel])
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- payload:
		default:
			// slow subscriber, drop rather than block the publisher
		}
	}
	return nil
}

// Subscribe registers a subscriber on the channel
func (b *InMemoryBus) Subscribe(_ context.Context, channel string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 64)

	b.mu.Lock()
	b.channels[channel] = append(b.channels[channel], ch)
	b.mu.Unlock()

	stop := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.channels[channel]
		for i, sub := range subs {
			if sub == ch {
				b.channels[channel] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, stop, nil
}

// NextTag returns the next process-local monotonic tag
func (b *InMemoryBus) NextTag(_ context.Context) (uint64, error) {
	return b.tag.Add(1), nil
}
