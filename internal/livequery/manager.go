// Package livequery owns the lifecycle of the live listing feed: initial
// fetch, push subscription, timeout-based degradation to fetch-only mode,
// and manual refresh. It exposes a single reconciled view of the current
// listings regardless of which transport is healthy.
package livequery

import (
	"context"
	"sync"
	"time"

	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/types"
)

// ListingSource is the transport surface the manager drives. FetchListings
// is the request/response channel; SubscribeListings opens the push channel
// and reports data and transport errors through callbacks until the returned
// unsubscribe function is called.
type ListingSource interface {
	FetchListings(ctx context.Context) ([]types.ListingRecord, error)
	SubscribeListings(ctx context.Context, onData func([]types.ListingRecord), onError func(error)) (func(), error)
}

// State is the manager's lifecycle state. The subscription flags of the
// original flow are collapsed into one enumerated state so every transition
// is explicit and unit-testable.
type State string

const (
	// StateInit means the initial fetch has not been issued yet
	StateInit State = "init"
	// StateFetched means the initial fetch succeeded
	StateFetched State = "fetched"
	// StateFetchedEmpty means the initial fetch failed or returned nothing
	StateFetchedEmpty State = "fetched_empty"
	// StateSubscriptionPending means the push channel is open but has not
	// proven itself with a first message yet
	StateSubscriptionPending State = "subscription_pending"
	// StateLive means the push channel is authoritative
	StateLive State = "live"
	// StateFallback means push failed; the feed is served from fetches
	StateFallback State = "fallback"
)

// Config holds the manager's timing knobs
type Config struct {
	SubscriptionTimeout time.Duration // how long the push channel gets to prove itself
	RefreshDelay        time.Duration // UX feedback delay after a manual refresh
}

// Manager keeps the listing feed fresh and exposes a reconciled view of it
type Manager struct {
	source ListingSource
	cfg    Config
	logger *logging.Logger

	mu            sync.Mutex
	state         State
	items         []types.ListingRecord
	lastUpdatedAt time.Time
	lastErr       error
	fellBack      bool // fallback re-fetch already spent this session
	unsubscribe   func()
	timeoutTimer  *time.Timer
	watchers      []chan struct{}

	// Manual refresh coalescing: a refresh already in flight is shared,
	// never duplicated.
	refreshMu   sync.Mutex
	refreshDone chan struct{}
}

// NewManager creates a live query manager
func NewManager(source ListingSource, cfg Config, logger *logging.Logger) *Manager {
	return &Manager{
		source: source,
		cfg:    cfg,
		logger: logger,
		state:  StateInit,
	}
}

// Start issues the initial fetch and opens the push subscription. Fetch
// failure is non-fatal: the manager surfaces it as a status flag and keeps
// going with an empty list.
func (m *Manager) Start(ctx context.Context) {
	items, err := m.source.FetchListings(ctx)

	m.mu.Lock()
	if err != nil {
		m.logger.WithError(err).Warn("Initial listing fetch failed")
		m.lastErr = err
		m.state = StateFetchedEmpty
	} else {
		m.replaceItemsLocked(items)
		if len(items) == 0 {
			m.state = StateFetchedEmpty
		} else {
			m.state = StateFetched
		}
	}
	m.mu.Unlock()

	m.openSubscription(ctx)
}

// openSubscription opens the push channel and starts the proving timer
func (m *Manager) openSubscription(ctx context.Context) {
	unsubscribe, err := m.source.SubscribeListings(ctx, m.onSubscriptionData, m.onSubscriptionError)
	if err != nil {
		m.logger.WithError(err).Warn("Push subscription failed to open, falling back")
		m.enterFallback(ctx, true)
		return
	}

	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.state = StateSubscriptionPending
	m.timeoutTimer = time.AfterFunc(m.cfg.SubscriptionTimeout, func() {
		m.onSubscriptionTimeout(ctx)
	})
	m.mu.Unlock()
}

// onSubscriptionData handles a pushed message. Each message fully replaces
// the current item list; no field-level merge ever happens.
func (m *Manager) onSubscriptionData(items []types.ListingRecord) {
	m.mu.Lock()
	m.cancelTimeoutLocked()

	if m.state == StateFallback {
		// The channel recovered after we already gave up on it this
		// session; ignore it rather than flap between transports.
		m.mu.Unlock()
		return
	}

	if m.state == StateSubscriptionPending {
		m.logger.Info("Push subscription is live")
	}
	m.state = StateLive
	m.replaceItemsLocked(items)
	m.mu.Unlock()
}

// onSubscriptionError handles an explicit transport error from the push
// channel. Entering fallback triggers exactly one re-fetch; an error
// arriving when already fallen back triggers nothing.
func (m *Manager) onSubscriptionError(err error) {
	m.logger.WithError(err).Warn("Push subscription errored")
	m.enterFallback(context.Background(), true)
}

// onSubscriptionTimeout fires when the push channel neither delivered data
// nor errored within the window.
func (m *Manager) onSubscriptionTimeout(ctx context.Context) {
	m.mu.Lock()
	if m.state != StateSubscriptionPending {
		// A message or error won the race; the timer is spurious.
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.logger.Warnf("Push subscription silent for %v, falling back", m.cfg.SubscriptionTimeout)
	m.enterFallback(ctx, true)
}

// enterFallback tears the subscription down and, on first entry this
// session, issues one re-fetch. The subscription is not retried again this
// session to avoid thrashing a broken transport.
func (m *Manager) enterFallback(ctx context.Context, refetch bool) {
	m.mu.Lock()
	m.cancelTimeoutLocked()

	alreadyFellBack := m.fellBack
	m.fellBack = true
	m.state = StateFallback

	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	if refetch && !alreadyFellBack {
		m.refetch(ctx)
	}
}

// refetch refreshes the item list from the request/response channel. The
// last good list is retained on failure: stale-but-present beats blank.
func (m *Manager) refetch(ctx context.Context) {
	items, err := m.source.FetchListings(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.logger.WithError(err).Warn("Fallback fetch failed, keeping last good list")
		m.lastErr = err
		return
	}
	m.lastErr = nil
	m.replaceItemsLocked(items)
}

// cancelTimeoutLocked stops the proving timer so a stale fire cannot cause
// a spurious fallback after the channel already resolved.
func (m *Manager) cancelTimeoutLocked() {
	if m.timeoutTimer != nil {
		m.timeoutTimer.Stop()
		m.timeoutTimer = nil
	}
}

// replaceItemsLocked replaces the item list wholesale and notifies watchers
func (m *Manager) replaceItemsLocked(items []types.ListingRecord) {
	m.items = items
	m.lastUpdatedAt = time.Now()
	m.lastErr = nil
	for _, w := range m.watchers {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

// Refresh forces a fresh fetch, bypassing any result cache, from any state.
// Re-entrant calls while one is in flight are coalesced onto the first. The
// configured feedback delay smooths the UI but never blocks the next
// refresh indefinitely.
func (m *Manager) Refresh(ctx context.Context) error {
	m.refreshMu.Lock()
	if m.refreshDone != nil {
		done := m.refreshDone
		m.refreshMu.Unlock()
		select {
		case <-done:
			// Report the shared refresh's outcome, not an unconditional
			// success.
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.lastErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	m.refreshDone = done
	m.refreshMu.Unlock()

	m.refetch(ctx)

	if m.cfg.RefreshDelay > 0 {
		select {
		case <-time.After(m.cfg.RefreshDelay):
		case <-ctx.Done():
		}
	}

	m.refreshMu.Lock()
	m.refreshDone = nil
	m.refreshMu.Unlock()
	close(done)

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// CurrentItems returns the current reconciled item list
func (m *Manager) CurrentItems() []types.ListingRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ListingRecord, len(m.items))
	copy(out, m.items)
	return out
}

// LastUpdatedAt returns when the item list last changed
func (m *Manager) LastUpdatedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUpdatedAt
}

// Status reports the externally visible feed health. Error is reported only
// when a fetch failed and there is no prior data to fall back on.
func (m *Manager) Status() types.SyncStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastErr != nil && len(m.items) == 0 {
		return types.StatusError
	}

	switch m.state {
	case StateLive:
		return types.StatusLive
	case StateFallback:
		return types.StatusFallback
	default:
		return types.StatusLoading
	}
}

// CurrentState returns the internal lifecycle state
func (m *Manager) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Watch returns a channel that receives a signal whenever the item list
// changes. Signals are best-effort: a slow watcher coalesces them.
func (m *Manager) Watch() <-chan struct{} {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.watchers = append(m.watchers, ch)
	m.mu.Unlock()
	return ch
}

// Stop tears down the subscription and timers
func (m *Manager) Stop() {
	m.mu.Lock()
	m.cancelTimeoutLocked()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}
