package solvency

import (
	"errors"

	"github.com/holiman/uint256"

	"github.com/atmx/vault-engine/internal/model"
	"github.com/atmx/vault-engine/internal/registry"
)

// MaxBorrowable returns the largest additional debt amount (in debt-asset
// units) that CheckMutation would accept right now.
func (e *Engine) MaxBorrowable(p *model.Position, quotes map[string]model.PriceQuote) (*uint256.Int, error) {
	snap, err := e.valuer.ValueOf(p, quotes)
	if err != nil {
		return nil, err
	}
	if !snap.BorrowLimitUSD.Gt(snap.DebtUSD) {
		return new(uint256.Int), nil
	}

	// Upper bound: the headroom under the borrow limit at the debt price,
	// plus one unit to absorb flooring. The search below makes it exact.
	debt := e.valuer.Registry().DebtAsset()
	price := model.Wad
	if !debt.Pegged {
		q, ok := quotes[debt.ID]
		if !ok {
			return new(uint256.Int), nil
		}
		if price, err = model.ToWad(q.USDPerUnit); err != nil || price.IsZero() {
			return new(uint256.Int), nil
		}
	}
	headroom := new(uint256.Int).Sub(snap.BorrowLimitUSD, snap.DebtUSD)
	hi, overflow := new(uint256.Int).MulDivOverflow(headroom, registry.UnitScale(debt), price)
	if overflow {
		return nil, ErrInvalidAmount
	}
	hi.AddUint64(hi, 1)

	return search(hi, func(x *uint256.Int) (bool, error) {
		_, err := e.CheckMutation(p, Borrow(x), quotes)
		return accepted(err)
	})
}

// MaxWithdrawable returns the largest amount of asset that can be withdrawn
// without breaching the health-factor margin.
func (e *Engine) MaxWithdrawable(p *model.Position, asset string, quotes map[string]model.PriceQuote) (*uint256.Int, error) {
	if _, err := e.valuer.Registry().Collateral(asset); err != nil {
		return nil, err
	}
	bal := p.CollateralOf(asset)
	if bal.IsZero() {
		return bal, nil
	}
	return search(bal, func(x *uint256.Int) (bool, error) {
		_, err := e.CheckMutation(p, Withdraw(asset, x), quotes)
		return accepted(err)
	})
}

func accepted(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case IsRejection(err), errors.Is(err, ErrInsufficientBalance):
		return false, nil
	default:
		return false, err
	}
}

// search finds the largest x in [0, hi] with ok(x), given ok is monotone
// (true up to some point, false after) and x = 0 counts as ok.
func search(hi *uint256.Int, ok func(*uint256.Int) (bool, error)) (*uint256.Int, error) {
	lo := new(uint256.Int)
	hi = hi.Clone()
	one := uint256.NewInt(1)
	for lo.Lt(hi) {
		// mid = lo + (hi-lo+1)/2, rounded up so the loop always shrinks.
		mid := new(uint256.Int).Sub(hi, lo)
		mid.Add(mid, one)
		mid.Rsh(mid, 1)
		mid.Add(mid, lo)

		good, err := ok(mid)
		if err != nil {
			return nil, err
		}
		if good {
			lo = mid
		} else {
			hi = mid.Sub(mid, one)
		}
	}
	return lo, nil
}
