// Package stats provides the bounded, TTL-fresh cache of per-NFT social
// statistics.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/types"
)

// Source loads stats records from the persisted stats store.
type Source interface {
	FetchStats(ctx context.Context, key types.NFTKey) (*types.StatsRecord, error)
}

// inflightLoad carries one shared fetch. The fields are written once by the
// owning caller before done is closed and read-only afterwards.
type inflightLoad struct {
	done chan struct{}
	rec  *types.StatsRecord
	err  error
}

// Cache answers "what are the social stats for NFT X" with bounded staleness.
// Reads never block; a stale or missing entry schedules a background refresh.
// The entry count is bounded: when an insert exceeds capacity the oldest
// inserted entry is dropped.
type Cache struct {
	source    Source
	freshness time.Duration
	capacity  int
	logger    *logging.Logger

	mu      sync.Mutex
	entries map[types.NFTKey]types.StatsRecord
	order   []types.NFTKey // insertion order, oldest first

	// In-flight load tracking so concurrent loads for one key share a
	// single fetch.
	inflightMu sync.Mutex
	inflight   map[types.NFTKey]*inflightLoad
}

// NewCache creates a stats cache
func NewCache(source Source, freshness time.Duration, capacity int, logger *logging.Logger) *Cache {
	return &Cache{
		source:    source,
		freshness: freshness,
		capacity:  capacity,
		logger:    logger,
		entries:   make(map[types.NFTKey]types.StatsRecord),
		inflight:  make(map[types.NFTKey]*inflightLoad),
	}
}

// Get returns the cached record for a key, if any. It never blocks; when the
// entry is absent or stale a background refresh is scheduled and the caller
// still receives whatever is cached right now.
func (c *Cache) Get(key types.NFTKey) (*types.StatsRecord, bool) {
	c.mu.Lock()
	rec, found := c.entries[key]
	fresh := found && c.isFreshLocked(rec)
	c.mu.Unlock()

	if !fresh {
		go c.backgroundRefresh(key)
	}

	if !found {
		return nil, false
	}
	out := rec
	return &out, true
}

// Peek returns the cached record without scheduling a refresh. Mutation
// paths use it so an optimistic write is never raced by the refresh a plain
// read would schedule.
func (c *Cache) Peek(key types.NFTKey) (*types.StatsRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, found := c.entries[key]
	if !found {
		return nil, false
	}
	out := rec
	return &out, true
}

// IsFresh reports whether the cached entry for key exists and is within the
// freshness window.
func (c *Cache) IsFresh(key types.NFTKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, found := c.entries[key]
	return found && c.isFreshLocked(rec)
}

func (c *Cache) isFreshLocked(rec types.StatsRecord) bool {
	return time.Since(rec.FetchedAt) < c.freshness
}

// Load fetches the record from the source and upserts it. Concurrent loads
// for the same key are coalesced: callers issuing a second load while one is
// pending receive the result of the first.
func (c *Cache) Load(ctx context.Context, key types.NFTKey) (*types.StatsRecord, error) {
	load, isNew := c.getOrCreateInflight(key)

	if !isNew {
		select {
		case <-load.done:
			return load.rec, load.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	rec, err := c.source.FetchStats(ctx, key)
	if err == nil {
		c.Put(key, rec)
	}

	c.completeInflight(key, load, rec, err)
	return rec, err
}

// getOrCreateInflight atomically checks for or creates an in-flight load.
// Returns the load handle and whether this caller owns the fetch.
func (c *Cache) getOrCreateInflight(key types.NFTKey) (*inflightLoad, bool) {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()

	if load, exists := c.inflight[key]; exists {
		return load, false
	}

	load := &inflightLoad{done: make(chan struct{})}
	c.inflight[key] = load
	return load, true
}

// completeInflight broadcasts the result to all waiting callers and cleans up
func (c *Cache) completeInflight(key types.NFTKey, load *inflightLoad, rec *types.StatsRecord, err error) {
	c.inflightMu.Lock()
	delete(c.inflight, key)
	c.inflightMu.Unlock()

	load.rec = rec
	load.err = err
	close(load.done)
}

// backgroundRefresh loads a key without surfacing failures to readers. A
// failed load leaves the previous entry untouched.
func (c *Cache) backgroundRefresh(key types.NFTKey) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := c.Load(ctx, key); err != nil {
		c.logger.WithError(err).WithFields(map[string]interface{}{
			"contract": key.ContractAddress,
			"tokenId":  key.TokenID,
		}).Warn("Background stats refresh failed, keeping prior entry")
	}
}

// Put upserts a record, enforcing the capacity bound. The mutation engine
// uses it to apply optimistic state, and the cross-context observer to merge
// remote writes.
func (c *Cache) Put(key types.NFTKey, rec *types.StatsRecord) {
	if rec == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stored := *rec
	if stored.FetchedAt.IsZero() {
		stored.FetchedAt = time.Now()
	}

	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = stored

	// Bound enforced on every insert: drop oldest inserted first.
	for len(c.entries) > c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// Invalidate marks an entry stale without discarding its value, so the next
// Get serves the old data while a refresh runs.
func (c *Cache) Invalidate(key types.NFTKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec, found := c.entries[key]; found {
		rec.FetchedAt = time.Time{}
		c.entries[key] = rec
	}
}

// Len returns the resident entry count
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
