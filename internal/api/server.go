// Package api provides the HTTP and websocket surface of the sync layer.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/market-sync/internal/aggregate"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/mutation"
	"github.com/market-sync/internal/types"
)

// MarketServiceInterface is the service surface the handlers need
type MarketServiceInterface interface {
	Snapshot() aggregate.Snapshot
	Collections() []aggregate.CollectionSummary
	Refresh(ctx context.Context) error
	Watch() <-chan struct{}
	NFTStats(ctx context.Context, key types.NFTKey) (mutation.NFTView, error)
	ToggleFavorite(ctx context.Context, key types.NFTKey) (mutation.NFTView, error)
	ToggleWatchlist(ctx context.Context, key types.NFTKey) (mutation.NFTView, error)
	SetRating(ctx context.Context, key types.NFTKey, rating int) (mutation.NFTView, error)
	SetNotes(ctx context.Context, key types.NFTKey, notes string) (mutation.NFTView, error)
	RecordView(key types.NFTKey, viewToken string)
	CancelView(viewToken string)
	ResolveImage(ctx context.Context, ref string) (string, error)
	ConnectWallet(address string) (string, error)
	DisconnectWallet()
	Health() map[string]interface{}
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestsPerSec  int
	Burst           int
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	market     MarketServiceInterface
	hub        *Hub
	config     *ServerConfig
	logger     *logging.Logger
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, market MarketServiceInterface, logger *logging.Logger) *Server {
	s := &Server{
		router: mux.NewRouter(),
		market: market,
		hub:    NewHub(market, logger),
		config: config,
		logger: logger,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSec, s.config.Burst)

	// Middleware order matters: log everything, recover early, CORS before
	// rate limiting so preflights are never throttled.
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market feed
	api.HandleFunc("/items", s.handleGetItems).Methods("GET")
	api.HandleFunc("/collections", s.handleGetCollections).Methods("GET")
	api.HandleFunc("/refresh", s.handleRefresh).Methods("POST")

	// Per-NFT stats and mutations
	api.HandleFunc("/nfts/{contract}/{token}/stats", s.handleGetStats).Methods("GET")
	api.HandleFunc("/nfts/{contract}/{token}/favorite", s.handleToggleFavorite).Methods("POST")
	api.HandleFunc("/nfts/{contract}/{token}/watchlist", s.handleToggleWatchlist).Methods("POST")
	api.HandleFunc("/nfts/{contract}/{token}/rating", s.handleSetRating).Methods("POST")
	api.HandleFunc("/nfts/{contract}/{token}/notes", s.handleSetNotes).Methods("POST")
	api.HandleFunc("/nfts/{contract}/{token}/views", s.handleRecordView).Methods("POST")
	api.HandleFunc("/views/{token}", s.handleCancelView).Methods("DELETE")

	// Image resolution
	api.HandleFunc("/images/resolve", s.handleResolveImage).Methods("GET")

	// Wallet session
	api.HandleFunc("/wallet/connect", s.handleConnectWallet).Methods("POST")
	api.HandleFunc("/wallet/disconnect", s.handleDisconnectWallet).Methods("POST")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.market.Health()
	health["service"] = "market-sync"
	respondJSON(w, http.StatusOK, health)
}

// Start starts the HTTP server and the push hub.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	s.logger.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
