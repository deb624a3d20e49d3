package service

import (
	"sync"

	"github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/types"
)

// WalletSession tracks the wallet connected to this execution context. All
// social mutations are gated on it; reads never are.
type WalletSession struct {
	mu      sync.RWMutex
	address string
}

// NewWalletSession creates a disconnected wallet session
func NewWalletSession() *WalletSession {
	return &WalletSession{}
}

// Connect validates and stores the wallet address in checksummed form
func (s *WalletSession) Connect(address string) (string, error) {
	normalized, err := types.NormalizeAddress(address)
	if err != nil {
		return "", errors.NewInvalidAddressError(address)
	}
	if types.IsZeroAddress(normalized) {
		return "", errors.NewInvalidAddressError(address)
	}

	s.mu.Lock()
	s.address = normalized
	s.mu.Unlock()
	return normalized, nil
}

// Disconnect clears the session
func (s *WalletSession) Disconnect() {
	s.mu.Lock()
	s.address = ""
	s.mu.Unlock()
}

// CurrentAddress returns the connected address, empty when disconnected
func (s *WalletSession) CurrentAddress() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address
}

// IsConnected reports whether a wallet is connected
func (s *WalletSession) IsConnected() bool {
	return s.CurrentAddress() != ""
}
