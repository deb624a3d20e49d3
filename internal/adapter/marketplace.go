package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/market-sync/internal/config"
	"github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/retry"
	"github.com/market-sync/internal/types"
)

// activeItemsQuery fetches every active listing in one round trip
const activeItemsQuery = `
query ActiveItems {
  activeItems(where: {isListed: true}) {
    listingId
    nftAddress
    tokenId
    price
    seller
    buyer
    isListed
    desiredNftAddress
    desiredTokenId
    imageUrl
  }
}`

// activeItemsSubscription is the push form of the same query
const activeItemsSubscription = `
subscription ActiveItems {
  activeItems(where: {isListed: true}) {
    listingId
    nftAddress
    tokenId
    price
    seller
    buyer
    isListed
    desiredNftAddress
    desiredTokenId
    imageUrl
  }
}`

// activeItem is the wire shape of one listing
type activeItem struct {
	ListingID         string `json:"listingId"`
	NFTAddress        string `json:"nftAddress"`
	TokenID           string `json:"tokenId"`
	Price             string `json:"price"`
	Seller            string `json:"seller"`
	Buyer             string `json:"buyer"`
	IsListed          bool   `json:"isListed"`
	DesiredNFTAddress string `json:"desiredNftAddress"`
	DesiredTokenID    string `json:"desiredTokenId"`
	ImageURL          string `json:"imageUrl"`
}

type activeItemsPayload struct {
	ActiveItems []activeItem `json:"activeItems"`
}

// MarketplaceAdapter reads listings from the marketplace indexer over
// GraphQL HTTP and graphql-ws. It is the live feed's only transport.
type MarketplaceAdapter struct {
	client       *GraphQLClient
	subscribeURL string
	dialer       *websocket.Dialer
	logger       *logging.Logger
}

// NewMarketplaceAdapter creates a marketplace adapter
func NewMarketplaceAdapter(cfg *config.ListingConfig, logger *logging.Logger) *MarketplaceAdapter {
	return &MarketplaceAdapter{
		client:       NewGraphQLClient(cfg.FetchURL, cfg.FetchTimeout),
		subscribeURL: cfg.SubscribeURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.FetchTimeout,
			Subprotocols:     []string{"graphql-ws"},
		},
		logger: logger,
	}
}

// FetchListings retrieves the current active listings. Transient transport
// failures are retried with backoff before surfacing.
func (a *MarketplaceAdapter) FetchListings(ctx context.Context) ([]types.ListingRecord, error) {
	var payload activeItemsPayload
	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context, attempt int) error {
		return a.client.Query(ctx, activeItemsQuery, nil, &payload)
	})
	if err != nil {
		return nil, err
	}
	return a.toRecords(payload.ActiveItems), nil
}

// toRecords maps wire items to listing records, normalizing addresses.
// Items with an unusable contract address are dropped, not fatal.
func (a *MarketplaceAdapter) toRecords(items []activeItem) []types.ListingRecord {
	records := make([]types.ListingRecord, 0, len(items))
	for _, item := range items {
		contract, err := types.NormalizeAddress(item.NFTAddress)
		if err != nil {
			a.logger.WithFields(map[string]interface{}{
				"listingId":  item.ListingID,
				"nftAddress": item.NFTAddress,
			}).Warn("Dropping listing with invalid contract address")
			continue
		}
		rec := types.ListingRecord{
			ListingID:       item.ListingID,
			ContractAddress: contract,
			TokenID:         item.TokenID,
			Price:           item.Price,
			IsListed:        item.IsListed,
			Seller:          normalizeOrEmpty(item.Seller),
			Buyer:           normalizeOrEmpty(item.Buyer),
			DesiredTokenID:  item.DesiredTokenID,
			ImageRef:        item.ImageURL,
		}
		rec.DesiredNFTAddress = normalizeOrEmpty(item.DesiredNFTAddress)
		records = append(records, rec)
	}
	return records
}

func normalizeOrEmpty(address string) string {
	if address == "" {
		return ""
	}
	normalized, err := types.NormalizeAddress(address)
	if err != nil {
		return ""
	}
	return normalized
}

// graphql-ws protocol message types
const (
	gqlConnectionInit = "connection_init"
	gqlConnectionAck  = "connection_ack"
	gqlStart          = "start"
	gqlStop           = "stop"
	gqlData           = "data"
	gqlError          = "error"
	gqlComplete       = "complete"
	gqlKeepAlive      = "ka"
)

type gqlMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribeListings opens a graphql-ws subscription. Listing batches go to
// onData and transport failures to onError; each error is terminal for this
// subscription. The returned function tears the connection down.
func (a *MarketplaceAdapter) SubscribeListings(ctx context.Context, onData func([]types.ListingRecord), onError func(error)) (func(), error) {
	conn, _, err := a.dialer.DialContext(ctx, a.subscribeURL, nil)
	if err != nil {
		return nil, errors.NewTransportError("subscription", err)
	}

	if err := a.handshake(conn); err != nil {
		conn.Close()
		return nil, err
	}

	start, _ := json.Marshal(map[string]string{"query": activeItemsSubscription})
	if err := conn.WriteJSON(gqlMessage{ID: "1", Type: gqlStart, Payload: start}); err != nil {
		conn.Close()
		return nil, errors.NewTransportError("subscription", err)
	}

	var once sync.Once
	done := make(chan struct{})
	stop := func() {
		once.Do(func() {
			close(done)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.WriteJSON(gqlMessage{ID: "1", Type: gqlStop})
			conn.Close()
		})
	}

	go a.readLoop(conn, done, onData, onError)

	return stop, nil
}

// handshake runs connection_init / connection_ack
func (a *MarketplaceAdapter) handshake(conn *websocket.Conn) error {
	if err := conn.WriteJSON(gqlMessage{Type: gqlConnectionInit}); err != nil {
		return errors.NewTransportError("subscription", err)
	}
	for {
		var msg gqlMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return errors.NewTransportError("subscription", err)
		}
		switch msg.Type {
		case gqlConnectionAck:
			return nil
		case gqlKeepAlive:
			continue
		default:
			return errors.NewTransportError("subscription",
				fmt.Errorf("unexpected handshake message type %q", msg.Type))
		}
	}
}

// readLoop pumps subscription messages until the connection dies or stop is
// called. Reporting stops after teardown so a deliberate close never
// surfaces as a transport error.
func (a *MarketplaceAdapter) readLoop(conn *websocket.Conn, done <-chan struct{}, onData func([]types.ListingRecord), onError func(error)) {
	report := func(err error) {
		select {
		case <-done:
		default:
			onError(err)
		}
	}

	for {
		var msg gqlMessage
		if err := conn.ReadJSON(&msg); err != nil {
			report(errors.NewTransportError("subscription", err))
			return
		}

		switch msg.Type {
		case gqlData:
			var envelope struct {
				Data activeItemsPayload `json:"data"`
			}
			if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
				a.logger.WithError(err).Warn("Skipping undecodable subscription message")
				continue
			}
			onData(a.toRecords(envelope.Data.ActiveItems))

		case gqlError:
			report(errors.NewTransportError("subscription",
				fmt.Errorf("subscription error: %s", string(msg.Payload))))
			return

		case gqlComplete:
			report(errors.NewTransportError("subscription",
				fmt.Errorf("subscription completed by server")))
			return

		case gqlKeepAlive:
			// nothing to do
		}
	}
}
