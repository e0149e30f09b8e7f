package model

import (
	"encoding/json"

	"github.com/holiman/uint256"
)

// HealthFactor is the ratio of liquidation-adjusted collateral to debt in wad
// fixed point (1e18 = exactly at the liquidation threshold). A position with
// no debt has an infinite health factor; that is a distinct state, not a
// large finite number.
type HealthFactor struct {
	ratio *uint256.Int // nil means infinite
}

// InfiniteHealth is the health factor of a debt-free position.
var InfiniteHealth = HealthFactor{}

// NewHealthFactor wraps a finite wad ratio.
func NewHealthFactor(wad *uint256.Int) HealthFactor {
	return HealthFactor{ratio: wad.Clone()}
}

// IsInfinite reports whether the position carries no debt.
func (h HealthFactor) IsInfinite() bool { return h.ratio == nil }

// Wad returns a copy of the finite ratio, or nil when infinite.
func (h HealthFactor) Wad() *uint256.Int {
	if h.ratio == nil {
		return nil
	}
	return h.ratio.Clone()
}

// Cmp orders health factors with infinity above every finite value.
func (h HealthFactor) Cmp(o HealthFactor) int {
	switch {
	case h.IsInfinite() && o.IsInfinite():
		return 0
	case h.IsInfinite():
		return 1
	case o.IsInfinite():
		return -1
	}
	return h.ratio.Cmp(o.ratio)
}

// Below reports whether the health factor is strictly below a wad threshold.
func (h HealthFactor) Below(threshold *uint256.Int) bool {
	return !h.IsInfinite() && h.ratio.Lt(threshold)
}

func (h HealthFactor) String() string {
	if h.IsInfinite() {
		return "infinite"
	}
	return FromWad(h.ratio).String()
}

// MarshalJSON renders the ratio as a decimal string, or "infinite".
func (h HealthFactor) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// RiskLevel is a display tier derived from the health factor. It never feeds
// an acceptance decision.
type RiskLevel string

const (
	RiskSafe         RiskLevel = "safe"
	RiskModerate     RiskLevel = "moderate"
	RiskWarning      RiskLevel = "warning"
	RiskLiquidatable RiskLevel = "liquidatable"
)

var (
	riskSafeFloor     = uint256.NewInt(1_500_000_000_000_000_000) // 1.5
	riskModerateFloor = uint256.NewInt(1_200_000_000_000_000_000) // 1.2
)

// Risk classifies a health factor for dashboards.
func (h HealthFactor) Risk() RiskLevel {
	switch {
	case h.IsInfinite() || !h.Below(riskSafeFloor):
		return RiskSafe
	case !h.Below(riskModerateFloor):
		return RiskModerate
	case !h.Below(Wad):
		return RiskWarning
	default:
		return RiskLiquidatable
	}
}
