// Package solvency gates every vault mutation on the position it would
// produce. Checks run against a scratch copy; the caller commits the copy
// only when the check accepts it.
package solvency

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/vault-engine/internal/model"
	"github.com/atmx/vault-engine/internal/registry"
	"github.com/atmx/vault-engine/internal/valuation"
)

var (
	// ErrInvalidAmount is returned for zero amounts. Zero-amount mutations are
	// rejected instead of being accepted as no-ops.
	ErrInvalidAmount = errors.New("solvency: invalid amount")

	// ErrInsufficientBalance is returned when a withdrawal or repayment
	// exceeds what the position holds.
	ErrInsufficientBalance = errors.New("solvency: insufficient balance")

	// ErrExceedsBorrowLimit is returned when a borrow would push debt above
	// the collateral-factor-weighted borrow limit.
	ErrExceedsBorrowLimit = errors.New("solvency: exceeds borrow limit")

	// ErrLiquidationRisk is returned when a borrow or withdrawal would leave
	// the health factor below the configured minimum.
	ErrLiquidationRisk = errors.New("solvency: health factor below minimum")

	ErrInvalidParams = errors.New("solvency: invalid parameters")
)

// Kind identifies one of the four vault mutations.
type Kind string

const (
	KindDeposit  Kind = "deposit"
	KindWithdraw Kind = "withdraw"
	KindBorrow   Kind = "borrow"
	KindRepay    Kind = "repay"
)

// Mutation is a proposed change to a position. Asset is only meaningful for
// deposits and withdrawals; borrows and repayments are always in the
// registry's debt asset.
type Mutation struct {
	Kind   Kind
	Asset  string
	Amount *uint256.Int
}

// Deposit builds a collateral deposit.
func Deposit(asset string, amount *uint256.Int) Mutation {
	return Mutation{Kind: KindDeposit, Asset: asset, Amount: amount}
}

// Withdraw builds a collateral withdrawal.
func Withdraw(asset string, amount *uint256.Int) Mutation {
	return Mutation{Kind: KindWithdraw, Asset: asset, Amount: amount}
}

// Borrow builds a borrow of the debt asset.
func Borrow(amount *uint256.Int) Mutation {
	return Mutation{Kind: KindBorrow, Amount: amount}
}

// Repay builds a repayment of the debt asset.
func Repay(amount *uint256.Int) Mutation {
	return Mutation{Kind: KindRepay, Amount: amount}
}

// Op maps the mutation onto its audit-trail operation.
func (m Mutation) Op() model.Operation {
	return model.Operation(m.Kind)
}

// reducesSolvency is true for the two mutations that can lower the health
// factor.
func (m Mutation) reducesSolvency() bool {
	return m.Kind == KindBorrow || m.Kind == KindWithdraw
}

// Params are the protocol risk constants.
type Params struct {
	// LiquidationThresholdBps scales collateral in the health factor
	// (10000 = collateral counted at 100%).
	LiquidationThresholdBps uint64
	// MinHealthFactor is the wad health factor a borrow or withdrawal must
	// preserve. It must be strictly above 1.0.
	MinHealthFactor *uint256.Int
}

// DefaultParams is a 100% liquidation threshold with a 1.05 safety margin.
func DefaultParams() Params {
	minHF, _ := model.ToWad(decimal.RequireFromString("1.05"))
	return Params{LiquidationThresholdBps: model.MaxBps, MinHealthFactor: minHF}
}

// Validate enforces 0 < threshold <= 100% and a minimum health factor above 1.0.
func (p Params) Validate() error {
	if p.LiquidationThresholdBps == 0 || p.LiquidationThresholdBps > model.MaxBps {
		return fmt.Errorf("%w: liquidation threshold %d bps", ErrInvalidParams, p.LiquidationThresholdBps)
	}
	if p.MinHealthFactor == nil || !p.MinHealthFactor.Gt(model.Wad) {
		return fmt.Errorf("%w: min health factor must be above 1.0", ErrInvalidParams)
	}
	return nil
}

// Result carries an accepted mutation: the scratch position to commit and the
// valuations either side of it.
type Result struct {
	Position *model.Position
	Before   model.ValuationSnapshot
	After    model.ValuationSnapshot
}

// Engine checks mutations. It holds no per-position state and is safe for
// concurrent use; serializing mutations per position is the caller's job.
type Engine struct {
	params Params
	valuer *valuation.Engine
}

// New creates an engine over the registry with validated params.
func New(reg *registry.Registry, params Params) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	params.MinHealthFactor = params.MinHealthFactor.Clone()
	return &Engine{
		params: params,
		valuer: valuation.New(reg, params.LiquidationThresholdBps),
	}, nil
}

// Valuation returns the valuation engine bound to the same threshold.
func (e *Engine) Valuation() *valuation.Engine { return e.valuer }

// MinHealthFactor returns a copy of the configured minimum.
func (e *Engine) MinHealthFactor() *uint256.Int { return e.params.MinHealthFactor.Clone() }

// CheckMutation validates m against p at the given quotes. p is never
// modified. On acceptance the returned Result holds the post-mutation
// position, which the caller must commit as a unit.
//
// Borrows check the borrow limit first and the health-factor margin second;
// withdrawals check only the margin; deposits and repayments are accepted
// once their amounts are valid.
func (e *Engine) CheckMutation(p *model.Position, m Mutation, quotes map[string]model.PriceQuote) (*Result, error) {
	if err := e.Validate(m); err != nil {
		return nil, err
	}

	before, err := e.valuer.ValueOf(p, quotes)
	if err != nil {
		return nil, err
	}

	scratch := p.Clone()
	if err := e.apply(scratch, m); err != nil {
		return nil, err
	}

	after, err := e.valuer.ValueOf(scratch, quotes)
	if err != nil {
		return nil, err
	}

	if m.Kind == KindBorrow && after.DebtUSD.Gt(after.BorrowLimitUSD) {
		return nil, fmt.Errorf("%w: debt %s USD > limit %s USD", ErrExceedsBorrowLimit,
			model.FormatUSD(after.DebtUSD), model.FormatUSD(after.BorrowLimitUSD))
	}
	if m.reducesSolvency() && !after.DebtUSD.IsZero() && after.HealthFactor.Below(e.params.MinHealthFactor) {
		return nil, fmt.Errorf("%w: %s < %s", ErrLiquidationRisk,
			after.HealthFactor, model.FromWad(e.params.MinHealthFactor))
	}

	return &Result{Position: scratch, Before: before, After: after}, nil
}

// Validate checks the parts of m that depend on neither the position nor
// prices: a positive amount and an asset of the right kind.
func (e *Engine) Validate(m Mutation) error {
	reg := e.valuer.Registry()
	switch m.Kind {
	case KindDeposit, KindWithdraw:
		if _, err := reg.Collateral(m.Asset); err != nil {
			return err
		}
	case KindBorrow, KindRepay:
		if m.Asset != "" && m.Asset != reg.DebtAsset().ID {
			if _, err := reg.Debt(m.Asset); err != nil {
				return err
			}
			return fmt.Errorf("%w: vault debt is denominated in %s", registry.ErrWrongKind, reg.DebtAsset().ID)
		}
	default:
		return fmt.Errorf("%w: unknown mutation %q", ErrInvalidAmount, m.Kind)
	}
	if m.Amount == nil || m.Amount.IsZero() {
		return fmt.Errorf("%w: %s amount must be positive", ErrInvalidAmount, m.Kind)
	}
	return nil
}

// RequiredQuotes lists the assets CheckMutation needs priced to check m
// against p: everything valued before the mutation plus anything it brings
// into the position.
func (e *Engine) RequiredQuotes(p *model.Position, m Mutation) []string {
	ids := e.valuer.RequiredQuotes(p)
	debt := e.valuer.Registry().DebtAsset()
	switch {
	case m.Kind == KindDeposit && p.CollateralOf(m.Asset).IsZero():
		ids = append(ids, m.Asset)
	case m.Kind == KindBorrow && !debt.Pegged && p.DebtBalance().IsZero():
		ids = append(ids, debt.ID)
	}
	return ids
}

func (e *Engine) apply(p *model.Position, m Mutation) error {
	switch m.Kind {
	case KindDeposit, KindWithdraw:
		bal := p.CollateralOf(m.Asset)
		if m.Kind == KindDeposit {
			if _, overflow := bal.AddOverflow(bal, m.Amount); overflow {
				return fmt.Errorf("%w: deposit overflows balance", ErrInvalidAmount)
			}
		} else {
			if bal.Lt(m.Amount) {
				return fmt.Errorf("%w: withdraw %s %s, holding %s", ErrInsufficientBalance,
					m.Amount.Dec(), m.Asset, bal.Dec())
			}
			bal.Sub(bal, m.Amount)
		}
		p.Collateral[m.Asset] = bal

	case KindBorrow, KindRepay:
		debt := p.DebtBalance()
		if m.Kind == KindBorrow {
			if _, overflow := debt.AddOverflow(debt, m.Amount); overflow {
				return fmt.Errorf("%w: borrow overflows debt", ErrInvalidAmount)
			}
		} else {
			if debt.Lt(m.Amount) {
				return fmt.Errorf("%w: repay %s, owing %s", ErrInsufficientBalance, m.Amount.Dec(), debt.Dec())
			}
			debt.Sub(debt, m.Amount)
		}
		p.Debt = debt
	}
	return nil
}

// IsRejection reports whether err is a solvency decision rather than an
// infrastructure or input failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrExceedsBorrowLimit) || errors.Is(err, ErrLiquidationRisk)
}
