// Package valuation converts vault balances into USD using oracle quotes and
// the asset registry.
//
// Every USD figure is an integer count of 1e-18 USD (wad). Prices are
// converted to wad once, products are floored, and no binary floating point
// is involved anywhere, so two valuations of the same inputs are identical.
package valuation

import (
	"errors"
	"fmt"
	"math"

	"github.com/holiman/uint256"

	"github.com/atmx/vault-engine/internal/model"
	"github.com/atmx/vault-engine/internal/oracle"
	"github.com/atmx/vault-engine/internal/registry"
)

// ErrOverflow is returned when a valuation does not fit in 256 bits.
var ErrOverflow = errors.New("valuation: arithmetic overflow")

var maxBps = uint256.NewInt(model.MaxBps)

// Engine values positions. It is stateless apart from configuration and safe
// for concurrent use.
type Engine struct {
	registry                *registry.Registry
	liquidationThresholdBps *uint256.Int
}

// New creates a valuation engine. liquidationThresholdBps scales collateral
// before dividing by debt in the health factor (10000 = 100%).
func New(reg *registry.Registry, liquidationThresholdBps uint64) *Engine {
	return &Engine{
		registry:                reg,
		liquidationThresholdBps: uint256.NewInt(liquidationThresholdBps),
	}
}

// Registry exposes the asset registry the engine values against.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// RequiredQuotes lists the assets that need a price to value the given
// positions: every held collateral asset, plus the debt asset when it is not
// pegged and any position carries debt.
func (e *Engine) RequiredQuotes(positions ...*model.Position) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	debt := e.registry.DebtAsset()
	for _, p := range positions {
		if p == nil {
			continue
		}
		for _, id := range p.HeldAssets() {
			add(id)
		}
		if !debt.Pegged && !p.DebtBalance().IsZero() {
			add(debt.ID)
		}
	}
	return out
}

// ValueOf computes the snapshot for one position at one set of quotes.
func (e *Engine) ValueOf(p *model.Position, quotes map[string]model.PriceQuote) (model.ValuationSnapshot, error) {
	snap := model.ValuationSnapshot{
		CollateralUSD:        make(map[string]*uint256.Int),
		TotalCollateralUSD:   new(uint256.Int),
		BorrowLimitUSD:       new(uint256.Int),
		DebtUSD:              new(uint256.Int),
		AvailableToBorrowUSD: new(uint256.Int),
		HealthFactor:         model.InfiniteHealth,
	}

	for _, id := range p.HeldAssets() {
		asset, err := e.registry.Collateral(id)
		if err != nil {
			return model.ValuationSnapshot{}, err
		}
		price, err := quotePrice(quotes, id)
		if err != nil {
			return model.ValuationSnapshot{}, err
		}
		usd, overflow := new(uint256.Int).MulDivOverflow(p.Collateral[id], price, registry.UnitScale(asset))
		if overflow {
			return model.ValuationSnapshot{}, fmt.Errorf("%w: %s collateral", ErrOverflow, id)
		}
		snap.CollateralUSD[id] = usd

		if _, overflow := snap.TotalCollateralUSD.AddOverflow(snap.TotalCollateralUSD, usd); overflow {
			return model.ValuationSnapshot{}, fmt.Errorf("%w: total collateral", ErrOverflow)
		}
		power, _ := new(uint256.Int).MulDivOverflow(usd, uint256.NewInt(asset.CollateralFactorBps), maxBps)
		snap.BorrowLimitUSD.Add(snap.BorrowLimitUSD, power)
	}

	debt := p.DebtBalance()
	if !debt.IsZero() {
		usd, err := e.debtUSD(debt, quotes)
		if err != nil {
			return model.ValuationSnapshot{}, err
		}
		snap.DebtUSD = usd

		adjusted, _ := new(uint256.Int).MulDivOverflow(snap.TotalCollateralUSD, e.liquidationThresholdBps, maxBps)
		ratio, overflow := new(uint256.Int).MulDivOverflow(adjusted, model.Wad, usd)
		if overflow {
			return model.ValuationSnapshot{}, fmt.Errorf("%w: health factor", ErrOverflow)
		}
		snap.HealthFactor = model.NewHealthFactor(ratio)
	}

	if snap.BorrowLimitUSD.Gt(snap.DebtUSD) {
		snap.AvailableToBorrowUSD.Sub(snap.BorrowLimitUSD, snap.DebtUSD)
	}
	snap.UtilizationBps = utilization(snap.DebtUSD, snap.BorrowLimitUSD)
	snap.Risk = snap.HealthFactor.Risk()
	return snap, nil
}

// debtUSD values debt at exactly 1 USD per unit for pegged assets and at the
// oracle price otherwise.
func (e *Engine) debtUSD(debt *uint256.Int, quotes map[string]model.PriceQuote) (*uint256.Int, error) {
	asset := e.registry.DebtAsset()
	price := model.Wad
	if !asset.Pegged {
		var err error
		if price, err = quotePrice(quotes, asset.ID); err != nil {
			return nil, err
		}
	}
	usd, overflow := new(uint256.Int).MulDivOverflow(debt, price, registry.UnitScale(asset))
	if overflow {
		return nil, fmt.Errorf("%w: debt", ErrOverflow)
	}
	if usd.IsZero() {
		// Dust debt below 1e-18 USD still counts as debt.
		usd.SetOne()
	}
	return usd, nil
}

func quotePrice(quotes map[string]model.PriceQuote, id string) (*uint256.Int, error) {
	q, ok := quotes[id]
	if !ok {
		return nil, fmt.Errorf("%w: no quote for %s", oracle.ErrUnavailable, id)
	}
	price, err := model.ToWad(q.USDPerUnit)
	if err != nil || price.IsZero() {
		return nil, fmt.Errorf("%w: unusable price %s for %s", oracle.ErrUnavailable, q.USDPerUnit, id)
	}
	return price, nil
}

// utilization is debt / borrow limit in basis points. A position carrying
// debt against a zero borrow limit reports math.MaxUint64.
func utilization(debt, limit *uint256.Int) uint64 {
	if debt.IsZero() {
		return 0
	}
	if limit.IsZero() {
		return math.MaxUint64
	}
	bps, overflow := new(uint256.Int).MulDivOverflow(debt, maxBps, limit)
	if overflow || !bps.IsUint64() {
		return math.MaxUint64
	}
	return bps.Uint64()
}
