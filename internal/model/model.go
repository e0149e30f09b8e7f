// Package model defines the core domain types shared across the vault engine.
// Token amounts and USD figures are unsigned 256-bit integers (holiman/uint256);
// human-facing prices and ratios use shopspring/decimal. Never float64 for money.
package model

import (
	"sort"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// AssetKind separates assets that can back a vault from assets that can be borrowed.
type AssetKind string

const (
	KindCollateral AssetKind = "collateral"
	KindDebt       AssetKind = "debt"
)

// MaxBps is 100% expressed in basis points.
const MaxBps = 10_000

// Asset describes one supported token.
type Asset struct {
	ID                  string    `json:"id" toml:"id"`
	Kind                AssetKind `json:"kind" toml:"kind"`
	Decimals            uint8     `json:"decimals" toml:"decimals"`
	CollateralFactorBps uint64    `json:"collateral_factor_bps" toml:"collateral_factor_bps"`
	// Pegged debt assets are valued at exactly 1 USD per whole unit and never
	// hit the oracle.
	Pegged bool `json:"pegged" toml:"pegged"`
	// PriceID is the oracle-side identifier (e.g. a CoinGecko coin id).
	PriceID string `json:"price_id,omitempty" toml:"price_id"`
}

// Status is the lifecycle state of a vault.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusActive        Status = "active"
	StatusDormant       Status = "dormant"
)

// Position is a single owner's vault: collateral per asset plus outstanding
// debt denominated in the vault's debt asset.
type Position struct {
	Owner      string
	Collateral map[string]*uint256.Int
	Debt       *uint256.Int
	// Version is the optimistic-concurrency token. Zero means the position
	// has never been committed.
	Version   uint64
	UpdatedAt time.Time
}

// NewPosition returns an empty, uncommitted position.
func NewPosition(owner string) *Position {
	return &Position{
		Owner:      owner,
		Collateral: make(map[string]*uint256.Int),
		Debt:       new(uint256.Int),
	}
}

// Clone returns a deep copy. Mutations are always applied to a clone first.
func (p *Position) Clone() *Position {
	c := &Position{
		Owner:      p.Owner,
		Collateral: make(map[string]*uint256.Int, len(p.Collateral)),
		Debt:       new(uint256.Int),
		Version:    p.Version,
		UpdatedAt:  p.UpdatedAt,
	}
	for id, amt := range p.Collateral {
		if amt != nil {
			c.Collateral[id] = amt.Clone()
		}
	}
	if p.Debt != nil {
		c.Debt.Set(p.Debt)
	}
	return c
}

// CollateralOf returns a copy of the balance held for asset (zero if none).
func (p *Position) CollateralOf(asset string) *uint256.Int {
	if amt, ok := p.Collateral[asset]; ok && amt != nil {
		return amt.Clone()
	}
	return new(uint256.Int)
}

// DebtBalance returns a copy of the outstanding debt.
func (p *Position) DebtBalance() *uint256.Int {
	if p.Debt == nil {
		return new(uint256.Int)
	}
	return p.Debt.Clone()
}

// HeldAssets lists collateral assets with a nonzero balance, sorted by ID.
func (p *Position) HeldAssets() []string {
	ids := make([]string, 0, len(p.Collateral))
	for id, amt := range p.Collateral {
		if amt != nil && !amt.IsZero() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// IsZero reports whether the position holds no collateral and no debt.
func (p *Position) IsZero() bool {
	return len(p.HeldAssets()) == 0 && (p.Debt == nil || p.Debt.IsZero())
}

// Status derives the lifecycle state of a stored position.
func (p *Position) Status() Status {
	if p.IsZero() {
		return StatusDormant
	}
	return StatusActive
}

// PriceQuote is a single oracle answer. The engine treats it as read-only
// input for exactly one call.
type PriceQuote struct {
	Asset      string          `json:"asset"`
	USDPerUnit decimal.Decimal `json:"usd_per_unit"`
	AsOf       time.Time       `json:"as_of"`
}

// Operation names a vault mutation in the audit trail.
type Operation string

const (
	OpCreate   Operation = "create"
	OpDeposit  Operation = "deposit"
	OpWithdraw Operation = "withdraw"
	OpBorrow   Operation = "borrow"
	OpRepay    Operation = "repay"
)

// LedgerEntry is an immutable record of an accepted mutation.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID        string
	Owner     string
	Op        Operation
	Asset     string // collateral asset, or the debt asset for borrow/repay
	Amount    *uint256.Int
	Version   uint64 // position version produced by this entry
	Timestamp time.Time
}

// ValuationSnapshot is derived from a Position and one set of price quotes.
// It is never persisted; all USD figures are wad-scaled (1e18 = 1 USD).
type ValuationSnapshot struct {
	CollateralUSD        map[string]*uint256.Int
	TotalCollateralUSD   *uint256.Int
	BorrowLimitUSD       *uint256.Int
	DebtUSD              *uint256.Int
	AvailableToBorrowUSD *uint256.Int
	HealthFactor         HealthFactor
	UtilizationBps       uint64
	Risk                 RiskLevel
}
