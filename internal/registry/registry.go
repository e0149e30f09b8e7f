// Package registry holds the fixed set of assets a vault can hold or borrow.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/holiman/uint256"

	"github.com/atmx/vault-engine/internal/model"
)

var (
	ErrUnknownAsset   = errors.New("registry: unknown asset")
	ErrWrongKind      = errors.New("registry: asset kind not allowed here")
	ErrInvalidAsset   = errors.New("registry: invalid asset definition")
	ErrDuplicateAsset = errors.New("registry: duplicate asset")
)

// maxDecimals keeps 10^decimals and price*amount products well inside 256 bits.
const maxDecimals = 36

// Registry is an immutable lookup of supported assets.
type Registry struct {
	assets map[string]model.Asset
	debt   model.Asset
}

// Default returns the stETH/rETH/bETH collateral set at a 75% collateral
// factor with DAI as the (pegged) debt asset and USDC listed as a pegged
// alternative.
func Default() *Registry {
	r, err := New(DefaultAssets(), "DAI")
	if err != nil {
		panic(err)
	}
	return r
}

// DefaultAssets returns the built-in asset definitions.
func DefaultAssets() []model.Asset {
	return []model.Asset{
		{ID: "stETH", Kind: model.KindCollateral, Decimals: 18, CollateralFactorBps: 7500, PriceID: "staked-ether"},
		{ID: "rETH", Kind: model.KindCollateral, Decimals: 18, CollateralFactorBps: 7500, PriceID: "rocket-pool-eth"},
		{ID: "bETH", Kind: model.KindCollateral, Decimals: 18, CollateralFactorBps: 7500, PriceID: "binance-eth"},
		{ID: "DAI", Kind: model.KindDebt, Decimals: 18, Pegged: true, PriceID: "dai"},
		{ID: "USDC", Kind: model.KindDebt, Decimals: 6, Pegged: true, PriceID: "usd-coin"},
	}
}

// New validates the asset definitions and selects the debt asset that vault
// debt is denominated in.
func New(assets []model.Asset, debtAsset string) (*Registry, error) {
	r := &Registry{assets: make(map[string]model.Asset, len(assets))}
	for _, a := range assets {
		if err := validate(a); err != nil {
			return nil, err
		}
		if _, dup := r.assets[a.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAsset, a.ID)
		}
		r.assets[a.ID] = a
	}
	debt, err := r.Debt(debtAsset)
	if err != nil {
		return nil, fmt.Errorf("debt asset: %w", err)
	}
	r.debt = debt
	return r, nil
}

func validate(a model.Asset) error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidAsset)
	}
	if a.Decimals > maxDecimals {
		return fmt.Errorf("%w: %s decimals %d > %d", ErrInvalidAsset, a.ID, a.Decimals, maxDecimals)
	}
	switch a.Kind {
	case model.KindCollateral:
		if a.CollateralFactorBps > model.MaxBps {
			return fmt.Errorf("%w: %s collateral factor %d bps > %d", ErrInvalidAsset, a.ID, a.CollateralFactorBps, model.MaxBps)
		}
		if a.Pegged {
			return fmt.Errorf("%w: %s collateral cannot be pegged", ErrInvalidAsset, a.ID)
		}
	case model.KindDebt:
		if a.CollateralFactorBps != 0 {
			return fmt.Errorf("%w: %s debt asset has a collateral factor", ErrInvalidAsset, a.ID)
		}
	default:
		return fmt.Errorf("%w: %s kind %q", ErrInvalidAsset, a.ID, a.Kind)
	}
	return nil
}

// Lookup returns any asset by ID.
func (r *Registry) Lookup(id string) (model.Asset, error) {
	a, ok := r.assets[id]
	if !ok {
		return model.Asset{}, fmt.Errorf("%w: %s", ErrUnknownAsset, id)
	}
	return a, nil
}

// Collateral returns a collateral asset by ID.
func (r *Registry) Collateral(id string) (model.Asset, error) {
	return r.ofKind(id, model.KindCollateral)
}

// Debt returns a debt asset by ID.
func (r *Registry) Debt(id string) (model.Asset, error) {
	return r.ofKind(id, model.KindDebt)
}

func (r *Registry) ofKind(id string, kind model.AssetKind) (model.Asset, error) {
	a, err := r.Lookup(id)
	if err != nil {
		return model.Asset{}, err
	}
	if a.Kind != kind {
		return model.Asset{}, fmt.Errorf("%w: %s is %s, want %s", ErrWrongKind, id, a.Kind, kind)
	}
	return a, nil
}

// DebtAsset is the asset vault debt is denominated in.
func (r *Registry) DebtAsset() model.Asset { return r.debt }

// Assets lists every asset, collateral first, each group sorted by ID.
func (r *Registry) Assets() []model.Asset {
	out := make([]model.Asset, 0, len(r.assets))
	for _, a := range r.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind == model.KindCollateral
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UnitScale returns 10^decimals for the asset.
func UnitScale(a model.Asset) *uint256.Int {
	return model.Pow10(a.Decimals)
}
