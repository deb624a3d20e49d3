package crosstab

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/market-sync/internal/types"
)

// Broadcaster publishes local mutations to other contexts. The origin id
// lets observers in the same process skip their own notifications.
type Broadcaster struct {
	bus     Bus
	channel string
	origin  string
}

// NewBroadcaster creates a broadcaster with a fresh context identity
func NewBroadcaster(bus Bus, channel string) *Broadcaster {
	return &Broadcaster{
		bus:     bus,
		channel: channel,
		origin:  uuid.NewString(),
	}
}

// Origin returns this context's identity
func (b *Broadcaster) Origin() string {
	return b.origin
}

// Publish tags and broadcasts a mutation for one key. The tag is drawn from
// the shared counter so same-key writes from racing contexts have a total
// order.
func (b *Broadcaster) Publish(ctx context.Context, key types.UserNFTKey, stats *types.StatsRecord, interaction *types.UserInteractionRecord) (uint64, error) {
	tag, err := b.bus.NextTag(ctx)
	if err != nil {
		return 0, err
	}

	update := Update{
		Tag:         tag,
		Origin:      b.origin,
		Key:         key,
		Stats:       stats,
		Interaction: interaction,
		SentAt:      time.Now(),
	}

	payload, err := json.Marshal(update)
	if err != nil {
		return 0, err
	}

	if err := b.bus.Publish(ctx, b.channel, payload); err != nil {
		return 0, err
	}
	return tag, nil
}
