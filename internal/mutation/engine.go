// Package mutation applies user actions to the local stats state before any
// network confirmation, persists them, and broadcasts them to other
// execution contexts.
package mutation

import (
	"context"
	"sync"
	"time"

	"github.com/market-sync/internal/crosstab"
	"github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/stats"
	"github.com/market-sync/internal/types"
)

// WalletSession exposes the current wallet identity. Mutations other than
// view recording require a connected wallet.
type WalletSession interface {
	CurrentAddress() string
	IsConnected() bool
}

// Store is the persisted half of the mutation engine: interaction reads plus
// best-effort writes for stats and interactions.
type Store interface {
	FetchInteraction(ctx context.Context, key types.UserNFTKey) (*types.UserInteractionRecord, error)
	WriteStats(ctx context.Context, key types.NFTKey, rec *types.StatsRecord) error
	WriteInteraction(ctx context.Context, key types.UserNFTKey, rec *types.UserInteractionRecord) error
}

// NFTView is the reactive per-key view exposed to the UI layer
type NFTView struct {
	Stats       *types.StatsRecord           `json:"stats,omitempty"`
	Interaction *types.UserInteractionRecord `json:"interaction,omitempty"`
}

// Engine is the optimistic mutation engine. Local state is updated
// synchronously; the persisted write and cross-context broadcast follow, and
// only an unrecoverable write failure rolls the optimistic state back.
type Engine struct {
	cache       *stats.Cache
	store       Store
	broadcaster *crosstab.Broadcaster
	session     WalletSession
	debounce    time.Duration
	logger      *logging.Logger

	mu           sync.Mutex
	interactions map[types.UserNFTKey]types.UserInteractionRecord

	timersMu   sync.Mutex
	viewTimers map[string]*time.Timer
	viewsDone  map[string]bool // counted view tokens, FIFO-bounded
	viewsOrder []string
}

// viewsDoneCapacity bounds the counted-token set. The debounce window is the
// only span where deduplication matters, so dropping old tokens is safe.
const viewsDoneCapacity = 1024

// NewEngine creates a mutation engine
func NewEngine(cache *stats.Cache, store Store, broadcaster *crosstab.Broadcaster, session WalletSession, debounce time.Duration, logger *logging.Logger) *Engine {
	return &Engine{
		cache:        cache,
		store:        store,
		broadcaster:  broadcaster,
		session:      session,
		debounce:     debounce,
		logger:       logger,
		interactions: make(map[types.UserNFTKey]types.UserInteractionRecord),
		viewTimers:   make(map[string]*time.Timer),
		viewsDone:    make(map[string]bool),
	}
}

// requireUser returns the connected wallet address or an unauthenticated error
func (e *Engine) requireUser(operation string) (string, error) {
	if !e.session.IsConnected() || e.session.CurrentAddress() == "" {
		return "", errors.NewUnauthenticatedError(operation)
	}
	return e.session.CurrentAddress(), nil
}

// ToggleFavorite flips the user's favorite flag and adjusts the favorite
// count by ±1 in the same atomic local update.
func (e *Engine) ToggleFavorite(ctx context.Context, key types.NFTKey) error {
	user, err := e.requireUser("toggleFavorite")
	if err != nil {
		return err
	}

	return e.applyInteraction(ctx, types.UserNFTKey{UserAddress: user, NFTKey: key},
		func(interaction *types.UserInteractionRecord, stats *types.StatsRecord) {
			interaction.IsFavorited = !interaction.IsFavorited
			if interaction.IsFavorited {
				stats.FavoriteCount++
			} else if stats.FavoriteCount > 0 {
				stats.FavoriteCount--
			}
		})
}

// ToggleWatchlist flips the user's watchlist flag and adjusts the watchlist
// count by ±1 in the same atomic local update.
func (e *Engine) ToggleWatchlist(ctx context.Context, key types.NFTKey) error {
	user, err := e.requireUser("toggleWatchlist")
	if err != nil {
		return err
	}

	return e.applyInteraction(ctx, types.UserNFTKey{UserAddress: user, NFTKey: key},
		func(interaction *types.UserInteractionRecord, stats *types.StatsRecord) {
			interaction.IsWatchlisted = !interaction.IsWatchlisted
			if interaction.IsWatchlisted {
				stats.WatchlistCount++
			} else if stats.WatchlistCount > 0 {
				stats.WatchlistCount--
			}
		})
}

// SetRating sets the user's 0-5 rating. Setting 0 removes the prior rating;
// the record itself is kept. ratingSum/ratingCount stay consistent: a prior
// nonzero rating is backed out before the new one is applied.
func (e *Engine) SetRating(ctx context.Context, key types.NFTKey, rating int) error {
	user, err := e.requireUser("setRating")
	if err != nil {
		return err
	}
	if !types.ValidRating(rating) {
		return errors.NewInvalidRatingError(rating)
	}

	return e.applyInteraction(ctx, types.UserNFTKey{UserAddress: user, NFTKey: key},
		func(interaction *types.UserInteractionRecord, stats *types.StatsRecord) {
			if prior := interaction.UserRating; prior > 0 {
				stats.RatingSum -= int64(prior)
				if stats.RatingCount > 0 {
					stats.RatingCount--
				}
			}
			if rating > 0 {
				stats.RatingSum += int64(rating)
				stats.RatingCount++
			}
			interaction.UserRating = rating
		})
}

// SetNotes updates the user's private notes for an NFT
func (e *Engine) SetNotes(ctx context.Context, key types.NFTKey, notes string) error {
	user, err := e.requireUser("setNotes")
	if err != nil {
		return err
	}

	return e.applyInteraction(ctx, types.UserNFTKey{UserAddress: user, NFTKey: key},
		func(interaction *types.UserInteractionRecord, _ *types.StatsRecord) {
			interaction.PersonalNotes = notes
		})
}

// applyInteraction runs the optimistic read-modify-write cycle shared by all
// authenticated mutations: snapshot, mutate locally, persist, broadcast.
// Transient write failures keep the optimistic state; unrecoverable ones
// revert it and surface the error.
func (e *Engine) applyInteraction(ctx context.Context, key types.UserNFTKey, mutate func(*types.UserInteractionRecord, *types.StatsRecord)) error {
	// First touch of a key loads the persisted interaction before the lock
	// is taken, so the store round-trip never serializes other mutations.
	var fetched *types.UserInteractionRecord
	e.mu.Lock()
	_, known := e.interactions[key]
	e.mu.Unlock()
	if !known {
		if loaded, err := e.store.FetchInteraction(ctx, key); err == nil {
			fetched = loaded
		}
	}

	e.mu.Lock()

	interaction, ok := e.interactions[key]
	if !ok && fetched != nil {
		interaction = *fetched
	}
	prevInteraction := interaction

	var statsRec types.StatsRecord
	if cached, found := e.cache.Peek(key.NFTKey); found {
		statsRec = *cached
	}
	prevStats := statsRec

	mutate(&interaction, &statsRec)
	statsRec.FetchedAt = time.Now()

	// Optimistic apply: the UI re-renders from this state before any write
	// completes.
	e.interactions[key] = interaction
	e.cache.Put(key.NFTKey, &statsRec)
	e.mu.Unlock()

	if err := e.persistAndBroadcast(ctx, key, &statsRec, &interaction); err != nil {
		if errors.IsUnrecoverable(err) {
			e.mu.Lock()
			e.interactions[key] = prevInteraction
			e.cache.Put(key.NFTKey, &prevStats)
			e.mu.Unlock()
			return err
		}
		e.logger.WithError(err).Warn("Best-effort mutation write failed, keeping optimistic state")
	}
	return nil
}

func (e *Engine) persistAndBroadcast(ctx context.Context, key types.UserNFTKey, statsRec *types.StatsRecord, interaction *types.UserInteractionRecord) error {
	if err := e.store.WriteInteraction(ctx, key, interaction); err != nil {
		return err
	}
	if err := e.store.WriteStats(ctx, key.NFTKey, statsRec); err != nil {
		return err
	}
	if _, err := e.broadcaster.Publish(ctx, key, statsRec, interaction); err != nil {
		return err
	}
	return nil
}

// RecordView schedules a view increment for a mounted detail view. The view
// is counted at most once per token, and only if it survives the debounce
// window; CancelView before then discards it. No wallet is required.
func (e *Engine) RecordView(key types.NFTKey, viewToken string) {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()

	if e.viewsDone[viewToken] || e.viewTimers[viewToken] != nil {
		return
	}

	e.viewTimers[viewToken] = time.AfterFunc(e.debounce, func() {
		e.timersMu.Lock()
		delete(e.viewTimers, viewToken)
		e.viewsDone[viewToken] = true
		e.viewsOrder = append(e.viewsOrder, viewToken)
		for len(e.viewsDone) > viewsDoneCapacity {
			oldest := e.viewsOrder[0]
			e.viewsOrder = e.viewsOrder[1:]
			delete(e.viewsDone, oldest)
		}
		e.timersMu.Unlock()

		e.incrementViews(key)
	})
}

// CancelView discards a pending view increment when the detail view unmounts
// before the debounce window elapses.
func (e *Engine) CancelView(viewToken string) {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()

	if timer, ok := e.viewTimers[viewToken]; ok {
		timer.Stop()
		delete(e.viewTimers, viewToken)
	}
}

// incrementViews applies the debounced view count. Fire-and-forget: failures
// are logged, never surfaced.
func (e *Engine) incrementViews(key types.NFTKey) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e.mu.Lock()
	var statsRec types.StatsRecord
	if cached, found := e.cache.Peek(key); found {
		statsRec = *cached
	}
	statsRec.ViewCount++
	statsRec.FetchedAt = time.Now()
	e.cache.Put(key, &statsRec)
	e.mu.Unlock()

	if err := e.store.WriteStats(ctx, key, &statsRec); err != nil {
		e.logger.WithError(err).Warn("View count write failed")
		return
	}
	if _, err := e.broadcaster.Publish(ctx, types.UserNFTKey{NFTKey: key}, &statsRec, nil); err != nil {
		e.logger.WithError(err).Warn("View count broadcast failed")
	}
}

// View returns the reactive per-key view of stats and the current user's
// interaction record.
func (e *Engine) View(key types.NFTKey) NFTView {
	view := NFTView{}
	if cached, found := e.cache.Get(key); found {
		view.Stats = cached
	}

	if user := e.session.CurrentAddress(); user != "" {
		ukey := types.UserNFTKey{UserAddress: user, NFTKey: key}
		e.mu.Lock()
		if interaction, ok := e.interactions[ukey]; ok {
			out := interaction
			view.Interaction = &out
		}
		e.mu.Unlock()
	}
	return view
}

// Interaction returns the current user's interaction record for a key, or
// nil when no wallet is connected or nothing is recorded locally.
func (e *Engine) Interaction(key types.NFTKey) *types.UserInteractionRecord {
	user := e.session.CurrentAddress()
	if user == "" {
		return nil
	}
	ukey := types.UserNFTKey{UserAddress: user, NFTKey: key}

	e.mu.Lock()
	defer e.mu.Unlock()
	if interaction, ok := e.interactions[ukey]; ok {
		out := interaction
		return &out
	}
	return nil
}

// ApplyRemote merges a cross-context update into local state. Tag ordering
// and throttling were already handled by the observer; merging is
// last-write-wins on the notified key only.
func (e *Engine) ApplyRemote(update crosstab.Update) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if update.Stats != nil {
		e.cache.Put(update.Key.NFTKey, update.Stats)
	}
	if update.Interaction != nil && update.Key.UserAddress != "" {
		e.interactions[update.Key] = *update.Interaction
	}
}
