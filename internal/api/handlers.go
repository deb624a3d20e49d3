package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/mutation"
	"github.com/market-sync/internal/types"
)

// nftKeyFromRequest extracts and normalizes the NFT key from path variables
func nftKeyFromRequest(r *http.Request) (types.NFTKey, error) {
	vars := mux.Vars(r)
	contract, err := types.NormalizeAddress(vars["contract"])
	if err != nil {
		return types.NFTKey{}, errors.NewInvalidAddressError(vars["contract"])
	}
	token := vars["token"]
	if token == "" {
		return types.NFTKey{}, errors.NewNotFoundError("nft", vars["contract"])
	}
	return types.NFTKey{ContractAddress: contract, TokenID: token}, nil
}

// handleGetItems returns the joined market snapshot.
func (s *Server) handleGetItems(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.market.Snapshot())
}

// handleGetCollections returns per-contract rollups.
func (s *Server) handleGetCollections(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"collections": s.market.Collections(),
	})
}

// handleRefresh forces a re-fetch of the listing feed.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.market.Refresh(r.Context()); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.market.Snapshot())
}

// handleGetStats returns stats plus the caller's interaction for one NFT.
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	key, err := nftKeyFromRequest(r)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	view, err := s.market.NFTStats(r.Context(), key)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// handleToggleFavorite flips the favorite flag.
func (s *Server) handleToggleFavorite(w http.ResponseWriter, r *http.Request) {
	s.handleMutation(w, r, s.market.ToggleFavorite)
}

// handleToggleWatchlist flips the watchlist flag.
func (s *Server) handleToggleWatchlist(w http.ResponseWriter, r *http.Request) {
	s.handleMutation(w, r, s.market.ToggleWatchlist)
}

// handleMutation runs a toggle-style mutation and responds with the
// optimistic view.
func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request, mutate func(ctx context.Context, key types.NFTKey) (mutation.NFTView, error)) {
	key, err := nftKeyFromRequest(r)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	view, err := mutate(r.Context(), key)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// setRatingRequest is the body for the rating endpoint
type setRatingRequest struct {
	Rating int `json:"rating"`
}

// handleSetRating records the caller's star rating.
func (s *Server) handleSetRating(w http.ResponseWriter, r *http.Request) {
	key, err := nftKeyFromRequest(r)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	var req setRatingRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", "Request body must be JSON with a rating field", nil)
		return
	}

	view, err := s.market.SetRating(r.Context(), key, req.Rating)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// setNotesRequest is the body for the notes endpoint
type setNotesRequest struct {
	Notes string `json:"notes"`
}

// handleSetNotes records the caller's private notes.
func (s *Server) handleSetNotes(w http.ResponseWriter, r *http.Request) {
	key, err := nftKeyFromRequest(r)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	var req setNotesRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", "Request body must be JSON with a notes field", nil)
		return
	}

	view, err := s.market.SetNotes(r.Context(), key, req.Notes)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// recordViewRequest is the body for the view endpoint
type recordViewRequest struct {
	ViewToken string `json:"viewToken"`
}

// handleRecordView registers a debounced view event.
func (s *Server) handleRecordView(w http.ResponseWriter, r *http.Request) {
	key, err := nftKeyFromRequest(r)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	var req recordViewRequest
	if err := parseJSONBody(r, &req); err != nil || req.ViewToken == "" {
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", "Request body must be JSON with a viewToken field", nil)
		return
	}

	s.market.RecordView(key, req.ViewToken)
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
}

// handleCancelView cancels a pending view before it lands.
func (s *Server) handleCancelView(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	s.market.CancelView(token)
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleResolveImage resolves an image reference to a working URL.
func (s *Server) handleResolveImage(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", "Query parameter ref is required", nil)
		return
	}

	url, err := s.market.ResolveImage(r.Context(), ref)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

// connectWalletRequest is the body for the wallet connect endpoint
type connectWalletRequest struct {
	Address string `json:"address"`
}

// handleConnectWallet attaches a wallet to this execution context.
func (s *Server) handleConnectWallet(w http.ResponseWriter, r *http.Request) {
	var req connectWalletRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", "Request body must be JSON with an address field", nil)
		return
	}

	address, err := s.market.ConnectWallet(req.Address)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"address": address})
}

// handleDisconnectWallet detaches the wallet.
func (s *Server) handleDisconnectWallet(w http.ResponseWriter, r *http.Request) {
	s.market.DisconnectWallet()
	respondJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}
