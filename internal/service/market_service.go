// Package service wires the live feed, caches, mutation engine and image
// loader into one market surface for the API layer.
package service

import (
	"context"
	"time"

	"github.com/market-sync/internal/aggregate"
	"github.com/market-sync/internal/crosstab"
	"github.com/market-sync/internal/images"
	"github.com/market-sync/internal/livequery"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/mutation"
	"github.com/market-sync/internal/stats"
	"github.com/market-sync/internal/types"
)

// MarketService is the composition root of the sync layer
type MarketService struct {
	manager    *livequery.Manager
	cache      *stats.Cache
	engine     *mutation.Engine
	aggregator *aggregate.Aggregator
	loader     *images.Loader
	observer   *crosstab.Observer
	session    *WalletSession
	logger     *logging.Logger
}

// NewMarketService creates the market service
func NewMarketService(
	manager *livequery.Manager,
	cache *stats.Cache,
	engine *mutation.Engine,
	aggregator *aggregate.Aggregator,
	loader *images.Loader,
	observer *crosstab.Observer,
	session *WalletSession,
	logger *logging.Logger,
) *MarketService {
	return &MarketService{
		manager:    manager,
		cache:      cache,
		engine:     engine,
		aggregator: aggregator,
		loader:     loader,
		observer:   observer,
		session:    session,
		logger:     logger,
	}
}

// Run starts the background machinery: the live feed, the image resolve
// workers and the cross-context observer. It returns once everything is
// launched; the pieces stop when ctx is canceled.
func (s *MarketService) Run(ctx context.Context) {
	s.loader.Start(ctx)
	go func() {
		if err := s.observer.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Error("Cross-context observer exited")
		}
	}()
	s.manager.Start(ctx)
}

// Stop tears the live feed down
func (s *MarketService) Stop() {
	s.manager.Stop()
}

// Snapshot returns the joined market view plus feed health
func (s *MarketService) Snapshot() aggregate.Snapshot {
	return s.aggregator.Snapshot()
}

// Collections returns per-contract rollups built from a fresh snapshot
func (s *MarketService) Collections() []aggregate.CollectionSummary {
	return s.aggregator.Summaries()
}

// Refresh forces a bypass-the-cache re-fetch of the listing feed
func (s *MarketService) Refresh(ctx context.Context) error {
	return s.manager.Refresh(ctx)
}

// Watch exposes feed change notifications for the push hub
func (s *MarketService) Watch() <-chan struct{} {
	return s.manager.Watch()
}

// NFTStats returns stats plus the current user's interaction for one NFT,
// fetching stats synchronously when nothing is cached yet.
func (s *MarketService) NFTStats(ctx context.Context, key types.NFTKey) (mutation.NFTView, error) {
	view := s.engine.View(key)
	if view.Stats == nil {
		rec, err := s.cache.Load(ctx, key)
		if err != nil {
			return view, err
		}
		view.Stats = rec
	}
	return view, nil
}

// ToggleFavorite flips the favorite flag for the connected wallet
func (s *MarketService) ToggleFavorite(ctx context.Context, key types.NFTKey) (mutation.NFTView, error) {
	if err := s.engine.ToggleFavorite(ctx, key); err != nil {
		return mutation.NFTView{}, err
	}
	return s.engine.View(key), nil
}

// ToggleWatchlist flips the watchlist flag for the connected wallet
func (s *MarketService) ToggleWatchlist(ctx context.Context, key types.NFTKey) (mutation.NFTView, error) {
	if err := s.engine.ToggleWatchlist(ctx, key); err != nil {
		return mutation.NFTView{}, err
	}
	return s.engine.View(key), nil
}

// SetRating records the connected wallet's star rating
func (s *MarketService) SetRating(ctx context.Context, key types.NFTKey, rating int) (mutation.NFTView, error) {
	if err := s.engine.SetRating(ctx, key, rating); err != nil {
		return mutation.NFTView{}, err
	}
	return s.engine.View(key), nil
}

// SetNotes records the connected wallet's private notes
func (s *MarketService) SetNotes(ctx context.Context, key types.NFTKey, notes string) (mutation.NFTView, error) {
	if err := s.engine.SetNotes(ctx, key, notes); err != nil {
		return mutation.NFTView{}, err
	}
	return s.engine.View(key), nil
}

// RecordView registers a debounced view; the count lands only if the token
// is not canceled within the debounce window.
func (s *MarketService) RecordView(key types.NFTKey, viewToken string) {
	s.engine.RecordView(key, viewToken)
}

// CancelView cancels a pending view before it lands
func (s *MarketService) CancelView(viewToken string) {
	s.engine.CancelView(viewToken)
}

// ResolveImage resolves an image reference on the priority path
func (s *MarketService) ResolveImage(ctx context.Context, ref string) (string, error) {
	return s.loader.Resolve(ctx, ref)
}

// ConnectWallet attaches a wallet to this execution context
func (s *MarketService) ConnectWallet(address string) (string, error) {
	return s.session.Connect(address)
}

// DisconnectWallet detaches the wallet
func (s *MarketService) DisconnectWallet() {
	s.session.Disconnect()
}

// Health summarizes feed health for the health endpoint
func (s *MarketService) Health() map[string]interface{} {
	return map[string]interface{}{
		"status":        s.manager.Status(),
		"lastUpdatedAt": s.manager.LastUpdatedAt().Format(time.RFC3339),
		"cachedStats":   s.cache.Len(),
		"cachedImages":  s.loader.Len(),
	}
}
