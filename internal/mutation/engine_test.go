package mutation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/market-sync/internal/crosstab"
	"github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/stats"
	"github.com/market-sync/internal/types"
)

type fakeSession struct {
	mu      sync.Mutex
	address string
}

func (s *fakeSession) CurrentAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

func (s *fakeSession) IsConnected() bool {
	return s.CurrentAddress() != ""
}

func (s *fakeSession) connect(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.address = address
}

type fakeStore struct {
	mu             sync.Mutex
	stats          map[types.NFTKey]types.StatsRecord
	interactions   map[types.UserNFTKey]types.UserInteractionRecord
	writeErr       error
	interactionErr error
	fetchGate      chan struct{} // when set, FetchInteraction waits here
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		stats:        make(map[types.NFTKey]types.StatsRecord),
		interactions: make(map[types.UserNFTKey]types.UserInteractionRecord),
	}
}

func (f *fakeStore) FetchStats(_ context.Context, key types.NFTKey) (*types.StatsRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.stats[key]
	rec.FetchedAt = time.Now()
	return &rec, nil
}

func (f *fakeStore) FetchInteraction(_ context.Context, key types.UserNFTKey) (*types.UserInteractionRecord, error) {
	f.mu.Lock()
	gate := f.fetchGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.interactions[key]
	return &rec, nil
}

func (f *fakeStore) WriteStats(_ context.Context, key types.NFTKey, rec *types.StatsRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.stats[key] = *rec
	return nil
}

func (f *fakeStore) WriteInteraction(_ context.Context, key types.UserNFTKey, rec *types.UserInteractionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.interactionErr != nil {
		return f.interactionErr
	}
	f.interactions[key] = *rec
	return nil
}

const (
	userOne = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	userTwo = "0x1111111111111111111111111111111111111111"
)

func nftKey() types.NFTKey {
	return types.NFTKey{
		ContractAddress: "0x2222222222222222222222222222222222222222",
		TokenID:         "7",
	}
}

func newTestEngine(t *testing.T, store *fakeStore, session *fakeSession, debounce time.Duration) *Engine {
	t.Helper()
	logger := logging.NewLogger(logging.LevelError, logging.FormatJSON)
	cache := stats.NewCache(store, time.Minute, 100, logger)
	broadcaster := crosstab.NewBroadcaster(crosstab.NewInMemoryBus(), "market:test")
	return NewEngine(cache, store, broadcaster, session, debounce, logger)
}

func TestToggleFavorite_Idempotence(t *testing.T) {
	store := newFakeStore()
	session := &fakeSession{address: userOne}
	engine := newTestEngine(t, store, session, time.Second)
	ctx := context.Background()

	require.NoError(t, engine.ToggleFavorite(ctx, nftKey()))
	view := engine.View(nftKey())
	require.NotNil(t, view.Stats)
	require.NotNil(t, view.Interaction)
	assert.True(t, view.Interaction.IsFavorited)
	assert.Equal(t, int64(1), view.Stats.FavoriteCount)

	// Toggling again returns to the original state, ±0 net.
	require.NoError(t, engine.ToggleFavorite(ctx, nftKey()))
	view = engine.View(nftKey())
	assert.False(t, view.Interaction.IsFavorited)
	assert.Equal(t, int64(0), view.Stats.FavoriteCount)
}

func TestToggleWatchlist_CountNeverNegative(t *testing.T) {
	store := newFakeStore()
	session := &fakeSession{address: userOne}
	engine := newTestEngine(t, store, session, time.Second)
	ctx := context.Background()

	// A remote context already zeroed the count; un-watchlisting locally
	// must not drive it negative.
	engine.ApplyRemote(crosstab.Update{
		Tag: 1,
		Key: types.UserNFTKey{UserAddress: userOne, NFTKey: nftKey()},
		Interaction: &types.UserInteractionRecord{IsWatchlisted: true},
		Stats:       &types.StatsRecord{WatchlistCount: 0},
	})

	require.NoError(t, engine.ToggleWatchlist(ctx, nftKey()))
	view := engine.View(nftKey())
	assert.False(t, view.Interaction.IsWatchlisted)
	assert.GreaterOrEqual(t, view.Stats.WatchlistCount, int64(0))
}

func TestMutations_RequireWallet(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(t, store, &fakeSession{}, time.Second)
	ctx := context.Background()

	assert.True(t, errors.IsUnauthenticated(engine.ToggleFavorite(ctx, nftKey())))
	assert.True(t, errors.IsUnauthenticated(engine.ToggleWatchlist(ctx, nftKey())))
	assert.True(t, errors.IsUnauthenticated(engine.SetRating(ctx, nftKey(), 3)))
	assert.True(t, errors.IsUnauthenticated(engine.SetNotes(ctx, nftKey(), "note")))
}

func TestSetRating_RejectsOutOfRangeWithoutMutating(t *testing.T) {
	store := newFakeStore()
	session := &fakeSession{address: userOne}
	engine := newTestEngine(t, store, session, time.Second)
	ctx := context.Background()

	require.NoError(t, engine.SetRating(ctx, nftKey(), 4))

	for _, bad := range []int{-1, 6, 42} {
		err := engine.SetRating(ctx, nftKey(), bad)
		require.Error(t, err, "rating %d must be rejected", bad)

		view := engine.View(nftKey())
		assert.Equal(t, 4, view.Interaction.UserRating)
		assert.Equal(t, int64(4), view.Stats.RatingSum)
		assert.Equal(t, int64(1), view.Stats.RatingCount)
	}
}

func TestSetRating_ZeroRemovesRatingButKeepsRecord(t *testing.T) {
	store := newFakeStore()
	session := &fakeSession{address: userOne}
	engine := newTestEngine(t, store, session, time.Second)
	ctx := context.Background()

	require.NoError(t, engine.SetRating(ctx, nftKey(), 5))
	require.NoError(t, engine.SetRating(ctx, nftKey(), 0))

	view := engine.View(nftKey())
	require.NotNil(t, view.Interaction, "the record is zeroed, not deleted")
	assert.Equal(t, 0, view.Interaction.UserRating)
	assert.Equal(t, int64(0), view.Stats.RatingSum)
	assert.Equal(t, int64(0), view.Stats.RatingCount)
	assert.Equal(t, float64(0), view.Stats.AverageRating())
}

func TestSetRating_ReRatingAdjustsSum(t *testing.T) {
	store := newFakeStore()
	session := &fakeSession{address: userOne}
	engine := newTestEngine(t, store, session, time.Second)
	ctx := context.Background()

	require.NoError(t, engine.SetRating(ctx, nftKey(), 2))
	require.NoError(t, engine.SetRating(ctx, nftKey(), 5))

	view := engine.View(nftKey())
	assert.Equal(t, int64(5), view.Stats.RatingSum)
	assert.Equal(t, int64(1), view.Stats.RatingCount)
	assert.Equal(t, float64(5), view.Stats.AverageRating())
}

func TestSetRating_AverageAcrossUsers(t *testing.T) {
	store := newFakeStore()
	session := &fakeSession{}
	engine := newTestEngine(t, store, session, time.Second)
	ctx := context.Background()

	session.connect(userOne)
	require.NoError(t, engine.SetRating(ctx, nftKey(), 3))
	session.connect(userTwo)
	require.NoError(t, engine.SetRating(ctx, nftKey(), 4))

	view := engine.View(nftKey())
	assert.Equal(t, int64(7), view.Stats.RatingSum)
	assert.Equal(t, int64(2), view.Stats.RatingCount)
	assert.Equal(t, 3.5, view.Stats.AverageRating())
}

func TestRecordView_DebounceAndAtMostOnce(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(t, store, &fakeSession{}, 30*time.Millisecond)

	// Canceled before the debounce window: not counted.
	engine.RecordView(nftKey(), "view-1")
	engine.CancelView("view-1")
	time.Sleep(60 * time.Millisecond)
	view := engine.View(nftKey())
	if view.Stats != nil {
		assert.Equal(t, int64(0), view.Stats.ViewCount)
	}

	// Surviving the window: counted exactly once per token.
	engine.RecordView(nftKey(), "view-2")
	engine.RecordView(nftKey(), "view-2")
	time.Sleep(60 * time.Millisecond)
	engine.RecordView(nftKey(), "view-2")
	time.Sleep(60 * time.Millisecond)

	view = engine.View(nftKey())
	require.NotNil(t, view.Stats)
	assert.Equal(t, int64(1), view.Stats.ViewCount)
}

func TestRecordView_CountedTokensAreBounded(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(t, store, &fakeSession{}, time.Millisecond)

	for i := 0; i < viewsDoneCapacity+50; i++ {
		engine.RecordView(nftKey(), fmt.Sprintf("view-%d", i))
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		engine.timersMu.Lock()
		pending := len(engine.viewTimers)
		engine.timersMu.Unlock()
		if pending == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	engine.timersMu.Lock()
	defer engine.timersMu.Unlock()
	assert.LessOrEqual(t, len(engine.viewsDone), viewsDoneCapacity)
	assert.Len(t, engine.viewsOrder, len(engine.viewsDone))
}

func TestMutation_FirstFetchDoesNotBlockReads(t *testing.T) {
	store := newFakeStore()
	store.fetchGate = make(chan struct{})
	session := &fakeSession{address: userOne}
	engine := newTestEngine(t, store, session, time.Second)

	toggled := make(chan error, 1)
	go func() { toggled <- engine.ToggleFavorite(context.Background(), nftKey()) }()
	time.Sleep(20 * time.Millisecond) // let the toggle reach the store fetch

	// Reads only need the in-memory state, never the in-flight round-trip.
	viewed := make(chan struct{})
	go func() {
		engine.View(nftKey())
		engine.Interaction(nftKey())
		close(viewed)
	}()
	select {
	case <-viewed:
	case <-time.After(time.Second):
		t.Fatal("View blocked behind an in-flight interaction fetch")
	}

	close(store.fetchGate)
	require.NoError(t, <-toggled)
	assert.True(t, engine.View(nftKey()).Interaction.IsFavorited)
}

func TestMutation_TransientWriteFailureKeepsOptimisticState(t *testing.T) {
	store := newFakeStore()
	store.writeErr = errors.NewStoreError("write stats", fmt.Errorf("connection reset"))
	session := &fakeSession{address: userOne}
	engine := newTestEngine(t, store, session, time.Second)

	err := engine.ToggleFavorite(context.Background(), nftKey())
	require.NoError(t, err, "transient failures must not surface")

	view := engine.View(nftKey())
	assert.True(t, view.Interaction.IsFavorited, "optimistic state survives a transient failure")
}

func TestMutation_UnrecoverableWriteFailureReverts(t *testing.T) {
	store := newFakeStore()
	store.interactionErr = errors.NewUnauthenticatedError("writeUserInteraction")
	session := &fakeSession{address: userOne}
	engine := newTestEngine(t, store, session, time.Second)

	err := engine.ToggleFavorite(context.Background(), nftKey())
	require.Error(t, err)

	view := engine.View(nftKey())
	if view.Interaction != nil {
		assert.False(t, view.Interaction.IsFavorited, "unrecoverable failures revert the optimistic state")
	}
	if view.Stats != nil {
		assert.Equal(t, int64(0), view.Stats.FavoriteCount)
	}
}

func TestApplyRemote_MergesIntoLocalState(t *testing.T) {
	store := newFakeStore()
	session := &fakeSession{address: userOne}
	engine := newTestEngine(t, store, session, time.Second)

	engine.ApplyRemote(crosstab.Update{
		Tag: 9,
		Key: types.UserNFTKey{UserAddress: userOne, NFTKey: nftKey()},
		Stats: &types.StatsRecord{
			FavoriteCount:  5,
			WatchlistCount: 2,
		},
		Interaction: &types.UserInteractionRecord{IsWatchlisted: true},
	})

	view := engine.View(nftKey())
	require.NotNil(t, view.Stats)
	assert.Equal(t, int64(5), view.Stats.FavoriteCount)
	require.NotNil(t, view.Interaction)
	assert.True(t, view.Interaction.IsWatchlisted)
}
