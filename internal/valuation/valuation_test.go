package valuation

import (
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/vault-engine/internal/model"
	"github.com/atmx/vault-engine/internal/oracle"
	"github.com/atmx/vault-engine/internal/registry"
)

// amt parses a whole-unit amount for an 18-decimal asset.
func amt(s string) *uint256.Int {
	v, err := model.ParseUnits(s, 18)
	if err != nil {
		panic(err)
	}
	return v
}

// usd parses a USD figure into wad.
func usd(s string) *uint256.Int {
	v, err := model.ToWad(decimal.RequireFromString(s))
	if err != nil {
		panic(err)
	}
	return v
}

func quotes(prices map[string]string) map[string]model.PriceQuote {
	out := make(map[string]model.PriceQuote, len(prices))
	for id, p := range prices {
		out[id] = model.PriceQuote{Asset: id, USDPerUnit: decimal.RequireFromString(p), AsOf: time.Now()}
	}
	return out
}

func newEngine() *Engine {
	return New(registry.Default(), 10_000)
}

func TestValueOf_Scenario(t *testing.T) {
	e := newEngine()
	p := model.NewPosition("alice")
	p.Collateral["stETH"] = amt("1")
	p.Debt = amt("1400")

	snap, err := e.ValueOf(p, quotes(map[string]string{"stETH": "2000"}))
	if err != nil {
		t.Fatal(err)
	}

	if !snap.TotalCollateralUSD.Eq(usd("2000")) {
		t.Errorf("total collateral = %s, want 2000", model.FromWad(snap.TotalCollateralUSD))
	}
	if !snap.BorrowLimitUSD.Eq(usd("1500")) {
		t.Errorf("borrow limit = %s, want 1500", model.FromWad(snap.BorrowLimitUSD))
	}
	if !snap.DebtUSD.Eq(usd("1400")) {
		t.Errorf("debt = %s, want 1400", model.FromWad(snap.DebtUSD))
	}
	if got := snap.HealthFactor.String(); got != "1.428571428571428571" {
		t.Errorf("health factor = %s, want 1.428571428571428571", got)
	}
	if !snap.AvailableToBorrowUSD.Eq(usd("100")) {
		t.Errorf("available = %s, want 100", model.FromWad(snap.AvailableToBorrowUSD))
	}
	if snap.UtilizationBps != 9333 {
		t.Errorf("utilization = %d bps, want 9333", snap.UtilizationBps)
	}
	if snap.Risk != model.RiskModerate {
		t.Errorf("risk = %s, want moderate", snap.Risk)
	}
}

func TestValueOf_ZeroDebtIsInfinite(t *testing.T) {
	e := newEngine()
	p := model.NewPosition("alice")
	p.Collateral["stETH"] = amt("3")

	snap, err := e.ValueOf(p, quotes(map[string]string{"stETH": "2000"}))
	if err != nil {
		t.Fatal(err)
	}
	if !snap.HealthFactor.IsInfinite() {
		t.Errorf("expected infinite health factor, got %s", snap.HealthFactor)
	}
	if snap.UtilizationBps != 0 || snap.Risk != model.RiskSafe {
		t.Errorf("unexpected utilization/risk: %d %s", snap.UtilizationBps, snap.Risk)
	}
}

func TestValueOf_EmptyPosition(t *testing.T) {
	snap, err := newEngine().ValueOf(model.NewPosition("nobody"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !snap.TotalCollateralUSD.IsZero() || !snap.BorrowLimitUSD.IsZero() || !snap.HealthFactor.IsInfinite() {
		t.Errorf("unexpected snapshot for empty position: %+v", snap)
	}
}

func TestValueOf_MultiAssetBorrowLimitNeverExceedsCollateral(t *testing.T) {
	assets := registry.DefaultAssets()
	assets[1].CollateralFactorBps = 10_000 // rETH at 100%
	assets[2].CollateralFactorBps = 0      // bETH counts for health only
	reg, err := registry.New(assets, "DAI")
	if err != nil {
		t.Fatal(err)
	}
	e := New(reg, 8_000)

	p := model.NewPosition("alice")
	p.Collateral["stETH"] = amt("1.5")
	p.Collateral["rETH"] = amt("0.25")
	p.Collateral["bETH"] = amt("2")
	p.Debt = amt("1000")

	snap, err := e.ValueOf(p, quotes(map[string]string{"stETH": "2000", "rETH": "2200", "bETH": "1900"}))
	if err != nil {
		t.Fatal(err)
	}
	// 3000 + 550 + 3800
	if !snap.TotalCollateralUSD.Eq(usd("7350")) {
		t.Errorf("total = %s", model.FromWad(snap.TotalCollateralUSD))
	}
	// 2250 + 550 + 0
	if !snap.BorrowLimitUSD.Eq(usd("2800")) {
		t.Errorf("limit = %s", model.FromWad(snap.BorrowLimitUSD))
	}
	if snap.BorrowLimitUSD.Gt(snap.TotalCollateralUSD) {
		t.Error("borrow limit exceeds total collateral")
	}
	// 7350 * 0.8 / 1000
	if got := snap.HealthFactor.String(); got != "5.88" {
		t.Errorf("health factor = %s, want 5.88", got)
	}
}

func TestValueOf_Idempotent(t *testing.T) {
	e := newEngine()
	p := model.NewPosition("alice")
	p.Collateral["stETH"] = amt("0.735")
	p.Collateral["rETH"] = amt("0.1")
	p.Debt = amt("777.77")
	q := quotes(map[string]string{"stETH": "2000.01", "rETH": "2199.99"})

	a, err := e.ValueOf(p, q)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := e.ValueOf(p, q)

	if !a.TotalCollateralUSD.Eq(b.TotalCollateralUSD) || !a.BorrowLimitUSD.Eq(b.BorrowLimitUSD) ||
		!a.DebtUSD.Eq(b.DebtUSD) || a.HealthFactor.Cmp(b.HealthFactor) != 0 {
		t.Errorf("valuation not idempotent: %+v vs %+v", a, b)
	}
	for id, v := range a.CollateralUSD {
		if !v.Eq(b.CollateralUSD[id]) {
			t.Errorf("%s differs between runs", id)
		}
	}
}

func TestValueOf_MissingQuote(t *testing.T) {
	p := model.NewPosition("alice")
	p.Collateral["stETH"] = amt("1")

	_, err := newEngine().ValueOf(p, nil)
	if !errors.Is(err, oracle.ErrUnavailable) {
		t.Errorf("expected oracle.ErrUnavailable, got %v", err)
	}
}

func TestValueOf_UnknownAsset(t *testing.T) {
	p := model.NewPosition("alice")
	p.Collateral["DOGE"] = amt("1")

	_, err := newEngine().ValueOf(p, quotes(map[string]string{"DOGE": "0.1"}))
	if !errors.Is(err, registry.ErrUnknownAsset) {
		t.Errorf("expected ErrUnknownAsset, got %v", err)
	}
}

func TestValueOf_UnpeggedDebtUsesQuote(t *testing.T) {
	assets := registry.DefaultAssets()
	assets[3].Pegged = false // DAI floats
	reg, err := registry.New(assets, "DAI")
	if err != nil {
		t.Fatal(err)
	}
	e := New(reg, 10_000)

	p := model.NewPosition("alice")
	p.Collateral["stETH"] = amt("1")
	p.Debt = amt("1000")

	if got := e.RequiredQuotes(p); len(got) != 2 {
		t.Fatalf("expected stETH and DAI quotes, got %v", got)
	}
	if _, err := e.ValueOf(p, quotes(map[string]string{"stETH": "2000"})); !errors.Is(err, oracle.ErrUnavailable) {
		t.Errorf("expected missing DAI quote to fail, got %v", err)
	}

	snap, err := e.ValueOf(p, quotes(map[string]string{"stETH": "2000", "DAI": "0.98"}))
	if err != nil {
		t.Fatal(err)
	}
	if !snap.DebtUSD.Eq(usd("980")) {
		t.Errorf("debt = %s, want 980", model.FromWad(snap.DebtUSD))
	}
}

func TestValueOf_USDCDebtDecimals(t *testing.T) {
	reg, err := registry.New(registry.DefaultAssets(), "USDC")
	if err != nil {
		t.Fatal(err)
	}
	e := New(reg, 10_000)

	p := model.NewPosition("alice")
	p.Collateral["stETH"] = amt("1")
	p.Debt, _ = model.ParseUnits("1400", 6)

	snap, err := e.ValueOf(p, quotes(map[string]string{"stETH": "2000"}))
	if err != nil {
		t.Fatal(err)
	}
	if !snap.DebtUSD.Eq(usd("1400")) {
		t.Errorf("debt = %s, want 1400", model.FromWad(snap.DebtUSD))
	}
}

func TestRequiredQuotes_PeggedDebtSkipsOracle(t *testing.T) {
	p := model.NewPosition("alice")
	p.Collateral["rETH"] = amt("1")
	p.Collateral["stETH"] = new(uint256.Int)
	p.Debt = amt("10")

	got := newEngine().RequiredQuotes(p)
	if len(got) != 1 || got[0] != "rETH" {
		t.Errorf("expected [rETH], got %v", got)
	}
}
