package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/types"
)

type fakeSource struct {
	mu      sync.Mutex
	calls   atomic.Int64
	records map[types.NFTKey]*types.StatsRecord
	err     error
	block   chan struct{} // when set, FetchStats waits on it
}

func (f *fakeSource) FetchStats(ctx context.Context, key types.NFTKey) (*types.StatsRecord, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[key]; ok {
		out := *rec
		out.FetchedAt = time.Now()
		return &out, nil
	}
	return &types.StatsRecord{FetchedAt: time.Now()}, nil
}

func key(i int) types.NFTKey {
	return types.NFTKey{
		ContractAddress: "0x2222222222222222222222222222222222222222",
		TokenID:         fmt.Sprintf("%d", i),
	}
}

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.LevelError, logging.FormatJSON)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestCache_GetAbsentSchedulesRefresh(t *testing.T) {
	source := &fakeSource{records: map[types.NFTKey]*types.StatsRecord{
		key(1): {ViewCount: 42},
	}}
	cache := NewCache(source, time.Minute, 100, testLogger())

	rec, found := cache.Get(key(1))
	assert.False(t, found, "first read must miss")
	assert.Nil(t, rec)

	// The miss scheduled a background load; the entry appears shortly.
	waitFor(t, time.Second, func() bool {
		rec, found := cache.Get(key(1))
		return found && rec.ViewCount == 42
	})
}

func TestCache_GetNeverPropagatesLoadFailure(t *testing.T) {
	source := &fakeSource{err: errors.New("store down")}
	cache := NewCache(source, time.Minute, 100, testLogger())

	// Seed an entry, then make it stale.
	cache.Put(key(1), &types.StatsRecord{ViewCount: 7, FetchedAt: time.Now().Add(-2 * time.Minute)})

	rec, found := cache.Get(key(1))
	require.True(t, found, "stale-but-present beats blank")
	assert.Equal(t, int64(7), rec.ViewCount)

	// Background refresh fails; prior entry stays untouched.
	time.Sleep(100 * time.Millisecond)
	rec, found = cache.Get(key(1))
	require.True(t, found)
	assert.Equal(t, int64(7), rec.ViewCount)
}

func TestCache_LoadCoalescesConcurrentCallers(t *testing.T) {
	source := &fakeSource{
		records: map[types.NFTKey]*types.StatsRecord{key(1): {ViewCount: 5}},
		block:   make(chan struct{}),
	}
	cache := NewCache(source, time.Minute, 100, testLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*types.StatsRecord, 4)
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.Load(ctx, key(1))
		}(i)
	}

	// Give all callers time to pile onto the single in-flight load.
	time.Sleep(50 * time.Millisecond)
	close(source.block)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), source.calls.Load(), "concurrent loads must share one fetch")
	for _, rec := range results {
		require.NotNil(t, rec)
		assert.Equal(t, int64(5), rec.ViewCount)
	}
}

func TestCache_CapacityBoundEnforcedOnEveryInsert(t *testing.T) {
	cache := NewCache(&fakeSource{}, time.Minute, 3, testLogger())

	for i := 0; i < 10; i++ {
		cache.Put(key(i), &types.StatsRecord{ViewCount: int64(i)})
		assert.LessOrEqual(t, cache.Len(), 3, "bound must hold after every insert")
	}

	// Oldest inserted entries were dropped, newest survive.
	_, found := cache.Get(key(0))
	assert.False(t, found)
	rec, found := cache.Get(key(9))
	require.True(t, found)
	assert.Equal(t, int64(9), rec.ViewCount)
}

func TestCache_IsFresh(t *testing.T) {
	cache := NewCache(&fakeSource{}, 50*time.Millisecond, 100, testLogger())

	cache.Put(key(1), &types.StatsRecord{ViewCount: 1})
	assert.True(t, cache.IsFresh(key(1)))

	time.Sleep(70 * time.Millisecond)
	assert.False(t, cache.IsFresh(key(1)), "entries age out of freshness")
	assert.False(t, cache.IsFresh(key(2)), "absent entries are not fresh")
}

func TestCache_InvalidateKeepsValue(t *testing.T) {
	cache := NewCache(&fakeSource{}, time.Minute, 100, testLogger())

	cache.Put(key(1), &types.StatsRecord{FavoriteCount: 3})
	cache.Invalidate(key(1))

	assert.False(t, cache.IsFresh(key(1)))
	rec, found := cache.Get(key(1))
	require.True(t, found, "invalidation must not discard the value")
	assert.Equal(t, int64(3), rec.FavoriteCount)
}

func TestCache_UpdateExistingKeyDoesNotGrow(t *testing.T) {
	cache := NewCache(&fakeSource{}, time.Minute, 2, testLogger())

	cache.Put(key(1), &types.StatsRecord{ViewCount: 1})
	cache.Put(key(2), &types.StatsRecord{ViewCount: 2})
	cache.Put(key(1), &types.StatsRecord{ViewCount: 10})

	assert.Equal(t, 2, cache.Len())
	rec, found := cache.Get(key(1))
	require.True(t, found)
	assert.Equal(t, int64(10), rec.ViewCount)
	_, found = cache.Get(key(2))
	assert.True(t, found, "updating an existing key must not evict others")
}
