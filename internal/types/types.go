// Package types provides common type definitions for the marketplace sync system.
package types

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ZeroAddress is the sentinel address meaning "no swap target" on a listing.
var ZeroAddress = common.Address{}.Hex()

// ListingKind classifies a marketplace listing.
type ListingKind string

const (
	// KindSale represents a plain sale listing
	KindSale ListingKind = "sale"
	// KindSwap represents a swap offer targeting another NFT
	KindSwap ListingKind = "swap"
)

// SyncStatus represents the health of the live listing feed.
type SyncStatus string

const (
	// StatusLoading means the initial fetch has not completed yet
	StatusLoading SyncStatus = "loading"
	// StatusLive means the push subscription is authoritative
	StatusLive SyncStatus = "live"
	// StatusFallback means push failed and the feed is served from fetches
	StatusFallback SyncStatus = "fallback"
	// StatusError means the last fetch failed and no prior data exists
	StatusError SyncStatus = "error"
)

// NFTKey identifies an NFT by contract address and token id.
type NFTKey struct {
	ContractAddress string `json:"contractAddress"`
	TokenID         string `json:"tokenId"`
}

// String returns the canonical "contract:token" form used in store keys.
func (k NFTKey) String() string {
	return fmt.Sprintf("%s:%s", k.ContractAddress, k.TokenID)
}

// UserNFTKey identifies one user's relationship to one NFT.
type UserNFTKey struct {
	UserAddress string `json:"userAddress"`
	NFTKey
}

// String returns the canonical "user:contract:token" form used in store keys.
func (k UserNFTKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.UserAddress, k.ContractAddress, k.TokenID)
}

// ListingRecord represents a marketplace listing as delivered by the listing
// source. Records are replaced wholesale on each refresh, never field-merged.
type ListingRecord struct {
	ListingID         string `json:"listingId"`
	ContractAddress   string `json:"contractAddress"`
	TokenID           string `json:"tokenId"`
	Price             string `json:"price"` // smallest currency unit, string-encoded
	IsListed          bool   `json:"isListed"`
	Seller            string `json:"seller"`
	Buyer             string `json:"buyer,omitempty"`
	DesiredNFTAddress string `json:"desiredNftAddress,omitempty"`
	DesiredTokenID    string `json:"desiredTokenId,omitempty"`
	ImageRef          string `json:"imageRef,omitempty"` // metadata image reference (http or ipfs)
}

// Key returns the NFT identity of the listing.
func (l *ListingRecord) Key() NFTKey {
	return NFTKey{ContractAddress: l.ContractAddress, TokenID: l.TokenID}
}

// Kind classifies the listing as a sale or a swap offer. The zero address
// (and an absent desired address) both mean "no swap target".
func (l *ListingRecord) Kind() ListingKind {
	if l.DesiredNFTAddress == "" || IsZeroAddress(l.DesiredNFTAddress) {
		return KindSale
	}
	return KindSwap
}

// StatsRecord holds aggregate social statistics for one NFT.
type StatsRecord struct {
	ViewCount      int64     `json:"viewCount"`
	FavoriteCount  int64     `json:"favoriteCount"`
	WatchlistCount int64     `json:"watchlistCount"`
	RatingSum      int64     `json:"ratingSum"`
	RatingCount    int64     `json:"ratingCount"`
	FetchedAt      time.Time `json:"fetchedAt"`
}

// AverageRating returns ratingSum/ratingCount, or 0 when no ratings exist.
func (s *StatsRecord) AverageRating() float64 {
	if s.RatingCount <= 0 {
		return 0
	}
	return float64(s.RatingSum) / float64(s.RatingCount)
}

// UserInteractionRecord holds one user's private relationship to one NFT.
// A rating of 0 means "no rating"; removing a rating zeroes the field rather
// than deleting the record.
type UserInteractionRecord struct {
	IsFavorited   bool   `json:"isFavorited"`
	IsWatchlisted bool   `json:"isWatchlisted"`
	UserRating    int    `json:"userRating"` // 0-5, 0 = no rating
	PersonalNotes string `json:"personalNotes,omitempty"`
}

// MarketItem is a display-ready join of a listing with its social stats.
type MarketItem struct {
	Listing ListingRecord          `json:"listing"`
	Kind    ListingKind            `json:"kind"`
	Stats   *StatsRecord           `json:"stats,omitempty"`
	User    *UserInteractionRecord `json:"user,omitempty"`
}

// ServiceError represents a structured error response.
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// ValidRating reports whether r is an acceptable user rating.
func ValidRating(r int) bool {
	return r >= 0 && r <= 5
}

// NormalizeAddress validates a hex address and returns its EIP-55 form,
// so that the same address always produces the same cache and store keys.
func NormalizeAddress(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("invalid address format: %s", addr)
	}
	return common.HexToAddress(addr).Hex(), nil
}

// IsZeroAddress reports whether addr parses to the zero address sentinel.
func IsZeroAddress(addr string) bool {
	return common.IsHexAddress(addr) && common.HexToAddress(addr) == (common.Address{})
}
