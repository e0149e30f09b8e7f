package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/vault-engine/internal/model"
)

// Static serves prices set in memory. Quotes are stamped with the time of the
// call so they never go stale on their own.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	now    func() time.Time
}

// NewStatic creates an oracle seeded with the given USD prices.
func NewStatic(prices map[string]decimal.Decimal) *Static {
	s := &Static{prices: make(map[string]decimal.Decimal, len(prices)), now: time.Now}
	for id, p := range prices {
		s.prices[id] = p
	}
	return s
}

// Set replaces the price for an asset.
func (s *Static) Set(assetID string, usd decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[assetID] = usd
}

// Remove drops an asset so that it reports as unavailable.
func (s *Static) Remove(assetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prices, assetID)
}

func (s *Static) GetPrice(_ context.Context, assetID string) (model.PriceQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prices[assetID]
	if !ok {
		return model.PriceQuote{}, fmt.Errorf("%w: no price for %s", ErrUnavailable, assetID)
	}
	return model.PriceQuote{Asset: assetID, USDPerUnit: p, AsOf: s.now().UTC()}, nil
}
