// Package oracle defines the price source consumed by the vault engine and
// two implementations: a fixed-price oracle for development and tests, and an
// HTTP oracle backed by a CoinGecko-style simple price endpoint.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/vault-engine/internal/model"
)

// ErrUnavailable is returned whenever a usable quote cannot be produced:
// transport failures, unknown assets, non-positive prices and stale quotes.
// Callers may retry.
var ErrUnavailable = errors.New("oracle: price unavailable")

// Oracle maps an asset ID to a USD price per whole unit.
type Oracle interface {
	GetPrice(ctx context.Context, assetID string) (model.PriceQuote, error)
}

// Fetcher pulls a fresh set of quotes for one engine call. It holds no cache:
// every call goes back to the oracle.
type Fetcher struct {
	oracle Oracle
	maxAge time.Duration
	now    func() time.Time
}

// NewFetcher wraps an oracle. maxAge <= 0 disables the staleness check.
func NewFetcher(o Oracle, maxAge time.Duration) *Fetcher {
	return &Fetcher{oracle: o, maxAge: maxAge, now: time.Now}
}

// Fetch queries all assets concurrently and fails as a whole if any single
// quote is unavailable, non-positive or stale.
func (f *Fetcher) Fetch(ctx context.Context, assets []string) (map[string]model.PriceQuote, error) {
	quotes := make(map[string]model.PriceQuote, len(assets))
	if len(assets) == 0 {
		return quotes, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range assets {
		g.Go(func() error {
			q, err := f.oracle.GetPrice(gctx, id)
			if err != nil {
				if errors.Is(err, ErrUnavailable) {
					return err
				}
				return fmt.Errorf("%w: %s: %v", ErrUnavailable, id, err)
			}
			if err := f.check(id, q); err != nil {
				return err
			}
			mu.Lock()
			quotes[id] = q
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return quotes, nil
}

func (f *Fetcher) check(id string, q model.PriceQuote) error {
	if q.Asset != id {
		return fmt.Errorf("%w: asked for %s, got quote for %s", ErrUnavailable, id, q.Asset)
	}
	if !q.USDPerUnit.IsPositive() {
		return fmt.Errorf("%w: %s non-positive price %s", ErrUnavailable, id, q.USDPerUnit)
	}
	if f.maxAge > 0 && f.now().Sub(q.AsOf) > f.maxAge {
		return fmt.Errorf("%w: %s quote is stale (as of %s)", ErrUnavailable, id, q.AsOf.Format(time.RFC3339))
	}
	return nil
}
