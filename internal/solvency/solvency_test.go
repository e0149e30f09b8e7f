package solvency

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

// amt parses a whole-unit amount of an 18-decimal asset.
func amt(s string) *uint256.Int {
	v, err := model.ParseUnits(s, 18)
	if err != nil {
		panic(err)
	}
	return v
}

func wad(s string) *uint256.Int {
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

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(registry.Default(), DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	return e
}

// newFullFactorEngine values stETH at a 100% collateral factor so the
// health-factor margin binds before the borrow limit.
func newFullFactorEngine(t *testing.T) *Engine {
	t.Helper()
	assets := registry.DefaultAssets()
	assets[0].CollateralFactorBps = 10_000
	reg, err := registry.New(assets, "DAI")
	if err != nil {
		t.Fatal(err)
	}
	e, err := New(reg, DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	return e
}

// mustAccept applies m and returns the committed scratch position.
func mustAccept(t *testing.T, e *Engine, p *model.Position, m Mutation, q map[string]model.PriceQuote) *Result {
	t.Helper()
	res, err := e.CheckMutation(p, m, q)
	if err != nil {
		t.Fatalf("%s %s: unexpected rejection: %v", m.Kind, m.Amount.Dec(), err)
	}
	return res
}

var stETH2000 = quotes(map[string]string{"stETH": "2000"})

// --- Scenario: 75% CF, 100% liquidation threshold, min health 1.05 ---

func TestScenario_DepositAndBorrow(t *testing.T) {
	e := newEngine(t)
	p := model.NewPosition("alice")

	res := mustAccept(t, e, p, Deposit("stETH", amt("1")), stETH2000)
	if !res.After.TotalCollateralUSD.Eq(wad("2000")) || !res.After.BorrowLimitUSD.Eq(wad("1500")) {
		t.Fatalf("after deposit: total=%s limit=%s",
			model.FromWad(res.After.TotalCollateralUSD), model.FromWad(res.After.BorrowLimitUSD))
	}
	p = res.Position

	res = mustAccept(t, e, p, Borrow(amt("1400")), stETH2000)
	if got := res.After.HealthFactor.String(); got != "1.428571428571428571" {
		t.Errorf("health factor = %s", got)
	}
	p = res.Position

	_, err := e.CheckMutation(p, Borrow(amt("530")), stETH2000)
	if !errors.Is(err, ErrExceedsBorrowLimit) {
		t.Errorf("borrow to 1930: expected ErrExceedsBorrowLimit, got %v", err)
	}
}

func TestScenario_BorrowLimitBoundary(t *testing.T) {
	e := newEngine(t)
	p := mustAccept(t, e, model.NewPosition("alice"), Deposit("stETH", amt("1")), stETH2000).Position

	p = mustAccept(t, e, p, Borrow(amt("1500")), stETH2000).Position

	_, err := e.CheckMutation(p, Borrow(uint256.NewInt(1)), stETH2000)
	if !errors.Is(err, ErrExceedsBorrowLimit) {
		t.Errorf("one unit past the limit: expected ErrExceedsBorrowLimit, got %v", err)
	}
}

func TestScenario_WithdrawToExactMargin(t *testing.T) {
	e := newEngine(t)
	p := mustAccept(t, e, model.NewPosition("alice"), Deposit("stETH", amt("1")), stETH2000).Position
	p = mustAccept(t, e, p, Borrow(amt("1400")), stETH2000).Position

	// 0.735 stETH * 2000 = 1470; 1470 / 1400 = 1.05 exactly.
	res := mustAccept(t, e, p, Withdraw("stETH", amt("0.265")), stETH2000)
	if !res.After.TotalCollateralUSD.Eq(wad("1470")) {
		t.Errorf("collateral = %s, want 1470", model.FromWad(res.After.TotalCollateralUSD))
	}
	if res.After.HealthFactor.String() != "1.05" {
		t.Errorf("health factor = %s, want 1.05", res.After.HealthFactor)
	}
	p = res.Position

	_, err := e.CheckMutation(p, Withdraw("stETH", uint256.NewInt(1)), stETH2000)
	if !errors.Is(err, ErrLiquidationRisk) {
		t.Errorf("one more unit: expected ErrLiquidationRisk, got %v", err)
	}
}

func TestBorrow_HealthFactorBoundaryInclusive(t *testing.T) {
	e := newFullFactorEngine(t)
	q := quotes(map[string]string{"stETH": "2100"})
	p := mustAccept(t, e, model.NewPosition("alice"), Deposit("stETH", amt("1")), q).Position

	// 2100 / 2000 = 1.05, inside the 2100 borrow limit.
	res := mustAccept(t, e, p, Borrow(amt("2000")), q)
	if res.After.HealthFactor.String() != "1.05" {
		t.Fatalf("health factor = %s, want 1.05", res.After.HealthFactor)
	}

	_, err := e.CheckMutation(res.Position, Borrow(uint256.NewInt(1)), q)
	if !errors.Is(err, ErrLiquidationRisk) {
		t.Errorf("one unit past the margin: expected ErrLiquidationRisk, got %v", err)
	}
}

// --- Input validation ---

func TestCheckMutation_ZeroAmountRejected(t *testing.T) {
	e := newEngine(t)
	p := mustAccept(t, e, model.NewPosition("alice"), Deposit("stETH", amt("1")), stETH2000).Position

	for _, m := range []Mutation{
		Deposit("stETH", new(uint256.Int)),
		Withdraw("stETH", new(uint256.Int)),
		Borrow(new(uint256.Int)),
		Repay(nil),
	} {
		if _, err := e.CheckMutation(p, m, stETH2000); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("%s: expected ErrInvalidAmount, got %v", m.Kind, err)
		}
	}
}

func TestCheckMutation_InsufficientBalance(t *testing.T) {
	e := newEngine(t)
	p := mustAccept(t, e, model.NewPosition("alice"), Deposit("stETH", amt("1")), stETH2000).Position
	p = mustAccept(t, e, p, Borrow(amt("100")), stETH2000).Position

	tests := []Mutation{
		Withdraw("stETH", amt("1.000000000000000001")),
		Withdraw("rETH", amt("1")),
		Repay(amt("100.5")),
	}
	for _, m := range tests {
		if _, err := e.CheckMutation(p, m, stETH2000); !errors.Is(err, ErrInsufficientBalance) {
			t.Errorf("%s %s: expected ErrInsufficientBalance, got %v", m.Kind, m.Asset, err)
		}
	}
}

func TestCheckMutation_UnknownAndWrongKindAssets(t *testing.T) {
	e := newEngine(t)
	p := model.NewPosition("alice")

	if _, err := e.CheckMutation(p, Deposit("DOGE", amt("1")), nil); !errors.Is(err, registry.ErrUnknownAsset) {
		t.Errorf("expected ErrUnknownAsset, got %v", err)
	}
	if _, err := e.CheckMutation(p, Deposit("DAI", amt("1")), nil); !errors.Is(err, registry.ErrWrongKind) {
		t.Errorf("expected ErrWrongKind for debt asset as collateral, got %v", err)
	}
	m := Borrow(amt("1"))
	m.Asset = "USDC"
	if _, err := e.CheckMutation(p, m, nil); !errors.Is(err, registry.ErrWrongKind) {
		t.Errorf("expected ErrWrongKind for borrowing a non-vault debt asset, got %v", err)
	}
}

func TestCheckMutation_OracleMissing(t *testing.T) {
	e := newEngine(t)
	p := mustAccept(t, e, model.NewPosition("alice"), Deposit("stETH", amt("1")), stETH2000).Position

	_, err := e.CheckMutation(p, Borrow(amt("1")), nil)
	if !errors.Is(err, oracle.ErrUnavailable) {
		t.Errorf("expected oracle.ErrUnavailable, got %v", err)
	}
}

func TestCheckMutation_DoesNotModifyInput(t *testing.T) {
	e := newEngine(t)
	p := mustAccept(t, e, model.NewPosition("alice"), Deposit("stETH", amt("1")), stETH2000).Position

	mustAccept(t, e, p, Borrow(amt("100")), stETH2000)
	mustAccept(t, e, p, Withdraw("stETH", amt("0.5")), stETH2000)

	if !p.DebtBalance().IsZero() || !p.CollateralOf("stETH").Eq(amt("1")) {
		t.Error("CheckMutation mutated the input position")
	}
}

func TestDepositAndRepay_AlwaysAcceptedEvenWhenUnderwater(t *testing.T) {
	e := newEngine(t)
	p := mustAccept(t, e, model.NewPosition("alice"), Deposit("stETH", amt("1")), stETH2000).Position
	p = mustAccept(t, e, p, Borrow(amt("1400")), stETH2000).Position

	crash := quotes(map[string]string{"stETH": "1000"})
	res := mustAccept(t, e, p, Repay(amt("1")), crash)
	if res.After.Risk != model.RiskLiquidatable {
		t.Errorf("expected liquidatable after crash, got %s", res.After.Risk)
	}
	mustAccept(t, e, p, Deposit("stETH", uint256.NewInt(1)), crash)
}

func TestRepay_FullRepaymentRestoresInfinite(t *testing.T) {
	e := newEngine(t)
	p := mustAccept(t, e, model.NewPosition("alice"), Deposit("stETH", amt("1")), stETH2000).Position
	p = mustAccept(t, e, p, Borrow(amt("700")), stETH2000).Position

	res := mustAccept(t, e, p, Repay(amt("700")), stETH2000)
	if !res.After.HealthFactor.IsInfinite() {
		t.Errorf("expected infinite health factor after full repay, got %s", res.After.HealthFactor)
	}

	// With no debt, all collateral can leave and the vault goes dormant.
	res = mustAccept(t, e, res.Position, Withdraw("stETH", amt("1")), stETH2000)
	if res.Position.Status() != model.StatusDormant {
		t.Errorf("expected dormant, got %s", res.Position.Status())
	}
}

// --- Properties ---

func TestProperty_Monotonicity(t *testing.T) {
	e := newEngine(t)
	prices := []string{"900", "2000", "3500.5"}
	collaterals := []string{"0.5", "1", "7.25"}
	debts := []string{"0", "100", "600"}
	step := amt("0.1")
	debtStep := amt("25")

	for _, price := range prices {
		q := quotes(map[string]string{"stETH": price, "rETH": "2100"})
		for _, c := range collaterals {
			for _, dbt := range debts {
				p := model.NewPosition("alice")
				p.Collateral["stETH"] = amt(c)
				p.Collateral["rETH"] = amt("0.2")
				p.Debt = amt(dbt)

				before, err := e.Valuation().ValueOf(p, q)
				if err != nil {
					t.Fatal(err)
				}
				if before.BorrowLimitUSD.Gt(before.TotalCollateralUSD) {
					t.Errorf("borrow limit above collateral for %s@%s", c, price)
				}

				check := func(m Mutation, wantDir int) {
					res, err := e.CheckMutation(p, m, q)
					if err != nil {
						return // rejected mutations change nothing
					}
					cmp := res.After.HealthFactor.Cmp(before.HealthFactor)
					if wantDir > 0 && cmp < 0 {
						t.Errorf("%s decreased health factor at %s stETH/%s debt/$%s", m.Kind, c, dbt, price)
					}
					if wantDir < 0 && cmp > 0 {
						t.Errorf("%s increased health factor at %s stETH/%s debt/$%s", m.Kind, c, dbt, price)
					}
				}
				check(Deposit("stETH", step), +1)
				check(Withdraw("stETH", step), -1)
				check(Borrow(debtStep), -1)
				if dbt != "0" {
					check(Repay(debtStep), +1)
				}
			}
		}
	}
}

// --- Limits helpers ---

func TestMaxBorrowable(t *testing.T) {
	e := newEngine(t)
	p := mustAccept(t, e, model.NewPosition("alice"), Deposit("stETH", amt("1")), stETH2000).Position
	p = mustAccept(t, e, p, Borrow(amt("1400")), stETH2000).Position

	limit, err := e.MaxBorrowable(p, stETH2000)
	if err != nil {
		t.Fatal(err)
	}
	if !limit.Eq(amt("100")) {
		t.Errorf("max borrowable = %s, want 100", model.FormatUnits(limit, 18))
	}
	mustAccept(t, e, p, Borrow(limit), stETH2000)
}

func TestMaxBorrowable_MarginBinds(t *testing.T) {
	e := newFullFactorEngine(t)
	q := quotes(map[string]string{"stETH": "2100"})
	p := mustAccept(t, e, model.NewPosition("alice"), Deposit("stETH", amt("1")), q).Position

	limit, err := e.MaxBorrowable(p, q)
	if err != nil {
		t.Fatal(err)
	}
	if !limit.Eq(amt("2000")) {
		t.Errorf("max borrowable = %s, want 2000", model.FormatUnits(limit, 18))
	}
}

func TestMaxWithdrawable(t *testing.T) {
	e := newEngine(t)
	p := mustAccept(t, e, model.NewPosition("alice"), Deposit("stETH", amt("1")), stETH2000).Position
	p = mustAccept(t, e, p, Borrow(amt("1400")), stETH2000).Position

	limit, err := e.MaxWithdrawable(p, "stETH", stETH2000)
	if err != nil {
		t.Fatal(err)
	}
	if !limit.Eq(amt("0.265")) {
		t.Errorf("max withdrawable = %s, want 0.265", model.FormatUnits(limit, 18))
	}

	empty, err := e.MaxWithdrawable(p, "rETH", stETH2000)
	if err != nil || !empty.IsZero() {
		t.Errorf("expected 0 for unheld asset, got %v %v", empty, err)
	}
}

func TestParams_Validate(t *testing.T) {
	tests := []struct {
		name   string
		params Params
	}{
		{"zero threshold", Params{LiquidationThresholdBps: 0, MinHealthFactor: wad("1.05")}},
		{"threshold above 100%", Params{LiquidationThresholdBps: 10_001, MinHealthFactor: wad("1.05")}},
		{"min health at 1.0", Params{LiquidationThresholdBps: 10_000, MinHealthFactor: wad("1")}},
		{"min health missing", Params{LiquidationThresholdBps: 10_000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(registry.Default(), tt.params); !errors.Is(err, ErrInvalidParams) {
				t.Errorf("expected ErrInvalidParams, got %v", err)
			}
		})
	}
}
