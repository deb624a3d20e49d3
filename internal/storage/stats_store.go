package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/types"
)

// Key prefixes in the shared store.
const (
	statsKeyPrefix       = "stats:"
	interactionKeyPrefix = "interaction:"
	tagCounterKey        = "crosstab:tag"
)

// StatsStore persists per-NFT social statistics and per-user interaction
// records in the shared store. There is no backend-owned source of truth for
// these: the store itself is authoritative across contexts.
type StatsStore struct {
	store *RedisStore
	ttl   time.Duration // 0 = no expiry
}

// NewStatsStore creates a stats store over the shared Redis store
func NewStatsStore(store *RedisStore) *StatsStore {
	return &StatsStore{store: store}
}

func statsKey(key types.NFTKey) string {
	return statsKeyPrefix + key.String()
}

func interactionKey(key types.UserNFTKey) string {
	return interactionKeyPrefix + key.String()
}

// FetchStats loads the stats record for an NFT. A missing record yields a
// zero-valued record rather than an error; first interaction creates it.
func (s *StatsStore) FetchStats(ctx context.Context, key types.NFTKey) (*types.StatsRecord, error) {
	raw, found, err := s.store.Get(ctx, statsKey(key))
	if err != nil {
		return nil, errors.NewStoreError("fetch stats", err)
	}

	rec := &types.StatsRecord{}
	if found {
		if err := json.Unmarshal([]byte(raw), rec); err != nil {
			return nil, errors.NewStoreError("decode stats", err)
		}
	}
	rec.FetchedAt = time.Now()
	return rec, nil
}

// WriteStats persists a stats record
func (s *StatsStore) WriteStats(ctx context.Context, key types.NFTKey, rec *types.StatsRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.NewStoreError("encode stats", err)
	}
	if err := s.store.Set(ctx, statsKey(key), payload, s.ttl); err != nil {
		return errors.NewStoreError("write stats", err)
	}
	return nil
}

// FetchInteraction loads one user's interaction record for an NFT. Missing
// records yield the zero value.
func (s *StatsStore) FetchInteraction(ctx context.Context, key types.UserNFTKey) (*types.UserInteractionRecord, error) {
	if key.UserAddress == "" {
		return nil, errors.NewUnauthenticatedError("fetchUserInteraction")
	}

	raw, found, err := s.store.Get(ctx, interactionKey(key))
	if err != nil {
		return nil, errors.NewStoreError("fetch interaction", err)
	}

	rec := &types.UserInteractionRecord{}
	if found {
		if err := json.Unmarshal([]byte(raw), rec); err != nil {
			return nil, errors.NewStoreError("decode interaction", err)
		}
	}
	return rec, nil
}

// WriteInteraction persists one user's interaction record. Interaction
// records are never expired; removal is an explicit user action.
func (s *StatsStore) WriteInteraction(ctx context.Context, key types.UserNFTKey, rec *types.UserInteractionRecord) error {
	if key.UserAddress == "" {
		return errors.NewUnauthenticatedError("writeUserInteraction")
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.NewStoreError("encode interaction", err)
	}
	if err := s.store.Set(ctx, interactionKey(key), payload, 0); err != nil {
		return errors.NewStoreError("write interaction", err)
	}
	return nil
}

// NextTag returns the next monotonically-increasing cross-context tag.
// Tags order concurrent writes to the same key across contexts.
func (s *StatsStore) NextTag(ctx context.Context) (uint64, error) {
	tag, err := s.store.Incr(ctx, tagCounterKey)
	if err != nil {
		return 0, errors.NewStoreError("next tag", err)
	}
	if tag < 0 {
		return 0, errors.NewStoreError("next tag", fmt.Errorf("counter wrapped negative: %d", tag))
	}
	return uint64(tag), nil
}

// Publish forwards a cross-context payload to the shared store's channel
func (s *StatsStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.store.Publish(ctx, channel, payload); err != nil {
		return errors.NewStoreError("publish", err)
	}
	return nil
}

// Subscribe opens a cross-context payload stream on the shared store's channel
func (s *StatsStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	ch, stop, err := s.store.Subscribe(ctx, channel)
	if err != nil {
		return nil, nil, errors.NewStoreError("subscribe", err)
	}
	return ch, stop, nil
}
