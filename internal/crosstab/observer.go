package crosstab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/market-sync/internal/logging"
)

// UpdateHandler receives merged cross-context updates
type UpdateHandler func(Update)

// Observer watches the shared bus and applies remote mutations locally.
// Stale tags are dropped per key (last write wins), and applied updates are
// throttled to one flush per window so rapid multi-key changes in another
// context cannot storm this one. Throttled updates are coalesced, latest
// wins per key.
type Observer struct {
	bus     Bus
	channel string
	origin  string // own broadcaster identity, skipped on receive
	handler UpdateHandler
	limiter *rate.Limiter
	window  time.Duration
	logger  *logging.Logger

	mu       sync.Mutex
	lastTags map[string]uint64
	pending  map[string]Update
}

// NewObserver creates an observer. origin is the local broadcaster's
// identity; its own notifications are ignored.
func NewObserver(bus Bus, channel, origin string, window time.Duration, handler UpdateHandler, logger *logging.Logger) *Observer {
	return &Observer{
		bus:      bus,
		channel:  channel,
		origin:   origin,
		handler:  handler,
		limiter:  rate.NewLimiter(rate.Every(window), 1),
		window:   window,
		logger:   logger,
		lastTags: make(map[string]uint64),
		pending:  make(map[string]Update),
	}
}

// Run subscribes and processes updates until the context is canceled or the
// bus closes the stream. Intended to run in its own goroutine.
func (o *Observer) Run(ctx context.Context) error {
	ch, stop, err := o.bus.Subscribe(ctx, o.channel)
	if err != nil {
		return err
	}
	defer stop()

	flushTimer := time.NewTimer(o.window)
	if !flushTimer.Stop() {
		<-flushTimer.C
	}
	timerArmed := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			if !o.ingest(payload) {
				continue
			}
			if o.limiter.Allow() {
				o.flush()
			} else if !timerArmed {
				flushTimer.Reset(o.window)
				timerArmed = true
			}

		case <-flushTimer.C:
			timerArmed = false
			o.flush()
		}
	}
}

// ingest validates a payload and stages it. Returns false for own-origin,
// stale-tag, or undecodable payloads.
func (o *Observer) ingest(payload []byte) bool {
	var update Update
	if err := json.Unmarshal(payload, &update); err != nil {
		o.logger.WithError(err).Warn("Dropping undecodable cross-context update")
		return false
	}

	if update.Origin == o.origin {
		return false
	}

	keyStr := update.Key.String()

	o.mu.Lock()
	defer o.mu.Unlock()

	if update.Tag <= o.lastTags[keyStr] {
		// stale write, resolved silently by last-write-wins
		return false
	}
	o.lastTags[keyStr] = update.Tag
	o.pending[keyStr] = update
	return true
}

// flush applies all staged updates
func (o *Observer) flush() {
	o.mu.Lock()
	staged := o.pending
	o.pending = make(map[string]Update)
	o.mu.Unlock()

	for _, update := range staged {
		o.handler(update)
	}
}
