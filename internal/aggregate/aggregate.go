// Package aggregate joins the live listing feed with cached social stats
// and the current user's interactions into display-ready market items, and
// rolls per-collection summaries up from them.
package aggregate

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/types"
)

// ItemSource is the live feed surface the aggregator reads
type ItemSource interface {
	CurrentItems() []types.ListingRecord
	Status() types.SyncStatus
	LastUpdatedAt() time.Time
}

// StatsProvider answers social stats lookups without blocking
type StatsProvider interface {
	Get(key types.NFTKey) (*types.StatsRecord, bool)
}

// InteractionProvider answers per-user interaction lookups for the
// currently connected wallet.
type InteractionProvider interface {
	Interaction(key types.NFTKey) *types.UserInteractionRecord
}

// ImagePrefetcher accepts image references for background resolution
type ImagePrefetcher interface {
	Enqueue(ref string, priority bool)
}

// Snapshot is one consistent read of the market: the joined items plus the
// feed health they were built from.
type Snapshot struct {
	Items         []types.MarketItem `json:"items"`
	Status        types.SyncStatus   `json:"status"`
	LastUpdatedAt time.Time          `json:"lastUpdatedAt"`
}

// Aggregator builds market snapshots and collection summaries
type Aggregator struct {
	source       ItemSource
	stats        StatsProvider
	interactions InteractionProvider
	images       ImagePrefetcher
	logger       *logging.Logger
}

// NewAggregator creates an aggregator
func NewAggregator(source ItemSource, stats StatsProvider, interactions InteractionProvider, images ImagePrefetcher, logger *logging.Logger) *Aggregator {
	return &Aggregator{
		source:       source,
		stats:        stats,
		interactions: interactions,
		images:       images,
		logger:       logger,
	}
}

// Snapshot joins the current listings with stats and user interactions.
// Stats lookups never block: a missing entry joins as zero counts and the
// cache refreshes it behind the scenes. Image references are queued for
// background resolution as a side effect.
func (a *Aggregator) Snapshot() Snapshot {
	listings := a.source.CurrentItems()
	items := make([]types.MarketItem, 0, len(listings))

	for _, listing := range listings {
		key := listing.Key()

		item := types.MarketItem{
			Listing: listing,
			Kind:    listing.Kind(),
		}
		if rec, ok := a.stats.Get(key); ok {
			item.Stats = rec
		}
		if a.interactions != nil {
			item.User = a.interactions.Interaction(key)
		}
		if a.images != nil && listing.ImageRef != "" {
			a.images.Enqueue(listing.ImageRef, false)
		}
		items = append(items, item)
	}

	return Snapshot{
		Items:         items,
		Status:        a.source.Status(),
		LastUpdatedAt: a.source.LastUpdatedAt(),
	}
}

// CollectionSummary is the rollup for one contract. Prices are decimal
// strings; AveragePrice and FloorPrice are empty when nothing is listed
// with a parseable price.
type CollectionSummary struct {
	ContractAddress string   `json:"contractAddress"`
	TotalItems      int      `json:"totalItems"`
	ListedItems     int      `json:"listedItems"`
	FloorPrice      string   `json:"floorPrice,omitempty"`
	TotalValue      string   `json:"totalValue,omitempty"`
	AveragePrice    string   `json:"averagePrice,omitempty"`
	TotalFavorites  int64    `json:"totalFavorites"`
	TotalWatchlists int64    `json:"totalWatchlists"`
	PreviewImages   []string `json:"previewImages,omitempty"`
}

// maxPreviewImages bounds the preview strip per collection
const maxPreviewImages = 3

// Summarize rolls market items up per contract address. Price math runs on
// decimals, never floats; an unparseable price is logged and skipped rather
// than poisoning the rollup. Results are sorted by contract address for a
// stable response shape.
func (a *Aggregator) Summarize(items []types.MarketItem) []CollectionSummary {
	type rollup struct {
		summary CollectionSummary
		total   decimal.Decimal
		floor   decimal.Decimal
		priced  int
		seen    map[string]bool
	}

	byContract := make(map[string]*rollup)
	order := make([]string, 0)

	for _, item := range items {
		contract := item.Listing.ContractAddress
		r, ok := byContract[contract]
		if !ok {
			r = &rollup{
				summary: CollectionSummary{ContractAddress: contract},
				seen:    make(map[string]bool),
			}
			byContract[contract] = r
			order = append(order, contract)
		}

		r.summary.TotalItems++
		if item.Listing.IsListed {
			r.summary.ListedItems++
			price, err := decimal.NewFromString(item.Listing.Price)
			if err != nil {
				a.logger.WithFields(map[string]interface{}{
					"listingId": item.Listing.ListingID,
					"price":     item.Listing.Price,
				}).Warn("Skipping unparseable listing price")
			} else {
				r.total = r.total.Add(price)
				if r.priced == 0 || price.LessThan(r.floor) {
					r.floor = price
				}
				r.priced++
			}
		}

		if item.Stats != nil {
			r.summary.TotalFavorites += item.Stats.FavoriteCount
			r.summary.TotalWatchlists += item.Stats.WatchlistCount
		}

		if img := item.Listing.ImageRef; img != "" && !r.seen[img] && len(r.summary.PreviewImages) < maxPreviewImages {
			r.seen[img] = true
			r.summary.PreviewImages = append(r.summary.PreviewImages, img)
		}
	}

	sort.Strings(order)
	out := make([]CollectionSummary, 0, len(byContract))
	for _, contract := range order {
		r := byContract[contract]
		if r.priced > 0 {
			r.summary.FloorPrice = r.floor.String()
			r.summary.TotalValue = r.total.String()
			r.summary.AveragePrice = r.total.Div(decimal.NewFromInt(int64(r.priced))).String()
		}
		out = append(out, r.summary)
	}
	return out
}

// Summaries builds collection rollups from a fresh snapshot
func (a *Aggregator) Summaries() []CollectionSummary {
	return a.Summarize(a.Snapshot().Items)
}

// FirstNonEmpty returns the first non-empty string, for field precedence
// chains like listing image over metadata image over collection fallback.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
