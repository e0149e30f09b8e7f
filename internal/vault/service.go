// Package vault runs the vault commands and queries: it loads a position,
// prices it with fresh quotes, gates each mutation through the solvency
// engine and commits accepted results to the ledger.
//
// Mutations on one owner are serialized in-process by a per-owner lock and
// across processes by the ledger's versioned commit. Reads take no lock.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/atmx/vault-engine/internal/ledger"
	"github.com/atmx/vault-engine/internal/metrics"
	"github.com/atmx/vault-engine/internal/model"
	"github.com/atmx/vault-engine/internal/oracle"
	"github.com/atmx/vault-engine/internal/registry"
	"github.com/atmx/vault-engine/internal/solvency"
)

var (
	// ErrVaultExists is returned by CreateVault for an owner that already
	// has a committed position.
	ErrVaultExists = errors.New("vault: vault already exists")

	ErrInvalidOwner = errors.New("vault: invalid owner")
)

const maxOwnerLen = 128

// Service handles vault operations.
type Service struct {
	ledger      ledger.Ledger
	fetcher     *oracle.Fetcher
	engine      *solvency.Engine
	registry    *registry.Registry
	locks       keyedMutex
	maxAttempts int
	now         func() time.Time
}

// NewService creates a vault service. maxAttempts bounds how often a
// mutation is re-checked after losing a ledger version race.
func NewService(l ledger.Ledger, f *oracle.Fetcher, engine *solvency.Engine, maxAttempts int) *Service {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Service{
		ledger:      l,
		fetcher:     f,
		engine:      engine,
		registry:    engine.Valuation().Registry(),
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Registry returns the asset registry the service values against.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Receipt describes an accepted, committed mutation.
type Receipt struct {
	Entry    model.LedgerEntry
	Position *model.Position
	Before   model.ValuationSnapshot
	After    model.ValuationSnapshot
}

// View is a priced read of one vault.
type View struct {
	Position  *model.Position
	Status    model.Status
	Valuation model.ValuationSnapshot
	Quotes    map[string]model.PriceQuote
}

// Limits are the largest single borrow and per-asset withdrawals the vault
// would accept at current prices.
type Limits struct {
	View
	MaxBorrow   *uint256.Int
	MaxWithdraw map[string]*uint256.Int
}

// --- Commands ---

// CreateVault registers an empty position for owner.
func (s *Service) CreateVault(ctx context.Context, owner string) (*model.Position, error) {
	if err := validOwner(owner); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(owner)
	defer unlock()

	if _, err := s.ledger.GetPosition(ctx, owner); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrVaultExists, owner)
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	pos := model.NewPosition(owner)
	entry := s.newEntry(model.OpCreate, "", nil)
	if err := s.ledger.Commit(ctx, pos, entry); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			// Another process created it between our read and commit.
			return nil, fmt.Errorf("%w: %s", ErrVaultExists, owner)
		}
		return nil, err
	}

	metrics.VaultsCreated.Inc()
	slog.Info("vault created", "owner", owner, "entry", entry.ID)
	return pos, nil
}

// Deposit adds collateral. An uninitialized vault is created implicitly.
func (s *Service) Deposit(ctx context.Context, owner, asset string, amount *uint256.Int) (*Receipt, error) {
	return s.mutate(ctx, owner, solvency.Deposit(asset, amount))
}

// Withdraw removes collateral if the health factor stays at or above the minimum.
func (s *Service) Withdraw(ctx context.Context, owner, asset string, amount *uint256.Int) (*Receipt, error) {
	return s.mutate(ctx, owner, solvency.Withdraw(asset, amount))
}

// Borrow adds debt in the vault's debt asset, within the borrow limit and the
// minimum health factor.
func (s *Service) Borrow(ctx context.Context, owner string, amount *uint256.Int) (*Receipt, error) {
	return s.mutate(ctx, owner, solvency.Borrow(amount))
}

// Repay reduces debt. It is never rejected on solvency grounds.
func (s *Service) Repay(ctx context.Context, owner string, amount *uint256.Int) (*Receipt, error) {
	return s.mutate(ctx, owner, solvency.Repay(amount))
}

// mutate runs check-and-commit under the owner's lock. A lost version race
// re-reads the position and re-fetches every quote before checking again.
func (s *Service) mutate(ctx context.Context, owner string, m solvency.Mutation) (*Receipt, error) {
	start := time.Now()
	op := string(m.Kind)
	defer func() { metrics.MutationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds()) }()

	rec, err := s.mutateLocked(ctx, owner, m)
	if err != nil {
		reason := reasonCode(err)
		metrics.MutationsTotal.WithLabelValues(op, reason).Inc()
		if solvency.IsRejection(err) || isInputError(err) {
			slog.Info("mutation rejected", "owner", owner, "op", op, "asset", m.Asset, "reason", reason, "err", err)
		} else {
			slog.Error("mutation failed", "owner", owner, "op", op, "asset", m.Asset, "err", err)
		}
		return nil, err
	}

	metrics.MutationsTotal.WithLabelValues(op, "accepted").Inc()
	slog.Info("mutation accepted",
		"owner", owner,
		"op", op,
		"asset", rec.Entry.Asset,
		"amount", rec.Entry.Amount.Dec(),
		"version", rec.Entry.Version,
		"health_factor", rec.After.HealthFactor.String(),
		"entry", rec.Entry.ID,
	)
	return rec, nil
}

func (s *Service) mutateLocked(ctx context.Context, owner string, m solvency.Mutation) (*Receipt, error) {
	if err := validOwner(owner); err != nil {
		return nil, err
	}
	if err := s.engine.Validate(m); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(owner)
	defer unlock()

	for attempt := 1; ; attempt++ {
		pos, err := s.load(ctx, owner)
		if err != nil {
			return nil, err
		}
		quotes, err := s.fetch(ctx, s.engine.RequiredQuotes(pos, m))
		if err != nil {
			return nil, err
		}
		res, err := s.engine.CheckMutation(pos, m, quotes)
		if err != nil {
			return nil, err
		}

		entry := s.newEntry(m.Op(), s.entryAsset(m), m.Amount)
		err = s.ledger.Commit(ctx, res.Position, entry)
		if err == nil {
			return &Receipt{Entry: *entry, Position: res.Position, Before: res.Before, After: res.After}, nil
		}
		if !errors.Is(err, ledger.ErrConflict) {
			return nil, err
		}
		metrics.LedgerConflicts.Inc()
		if attempt >= s.maxAttempts {
			return nil, fmt.Errorf("%s after %d attempts: %w", m.Kind, attempt, err)
		}
		slog.Warn("ledger conflict, retrying", "owner", owner, "op", m.Kind, "attempt", attempt)
	}
}

// Preview runs the full check for m without committing it.
func (s *Service) Preview(ctx context.Context, owner string, m solvency.Mutation) (*solvency.Result, error) {
	if err := validOwner(owner); err != nil {
		return nil, err
	}
	if err := s.engine.Validate(m); err != nil {
		return nil, err
	}
	pos, err := s.load(ctx, owner)
	if err != nil {
		return nil, err
	}
	quotes, err := s.fetch(ctx, s.engine.RequiredQuotes(pos, m))
	if err != nil {
		return nil, err
	}
	return s.engine.CheckMutation(pos, m, quotes)
}

// --- Queries ---

// GetValuation prices the owner's vault. An owner with no committed position
// reads as an empty, uninitialized vault.
func (s *Service) GetValuation(ctx context.Context, owner string) (*View, error) {
	if err := validOwner(owner); err != nil {
		return nil, err
	}
	pos, err := s.load(ctx, owner)
	if err != nil {
		return nil, err
	}
	quotes, err := s.fetch(ctx, s.engine.Valuation().RequiredQuotes(pos))
	if err != nil {
		return nil, err
	}
	snap, err := s.engine.Valuation().ValueOf(pos, quotes)
	if err != nil {
		return nil, err
	}
	return &View{Position: pos, Status: status(pos), Valuation: snap, Quotes: quotes}, nil
}

// GetBorrowLimit returns the wad USD borrow limit.
func (s *Service) GetBorrowLimit(ctx context.Context, owner string) (*uint256.Int, error) {
	v, err := s.GetValuation(ctx, owner)
	if err != nil {
		return nil, err
	}
	return v.Valuation.BorrowLimitUSD, nil
}

// GetHealthFactor returns the vault's health factor at current prices.
func (s *Service) GetHealthFactor(ctx context.Context, owner string) (model.HealthFactor, error) {
	v, err := s.GetValuation(ctx, owner)
	if err != nil {
		return model.HealthFactor{}, err
	}
	return v.Valuation.HealthFactor, nil
}

// GetLimits extends GetValuation with the largest acceptable borrow and
// withdrawals, all checked against the same quotes.
func (s *Service) GetLimits(ctx context.Context, owner string) (*Limits, error) {
	v, err := s.GetValuation(ctx, owner)
	if err != nil {
		return nil, err
	}
	quotes := v.Quotes
	if debt := s.registry.DebtAsset(); !debt.Pegged {
		if _, ok := quotes[debt.ID]; !ok {
			extra, err := s.fetch(ctx, []string{debt.ID})
			if err != nil {
				return nil, err
			}
			quotes[debt.ID] = extra[debt.ID]
		}
	}

	lim := &Limits{View: *v, MaxWithdraw: make(map[string]*uint256.Int)}
	if lim.MaxBorrow, err = s.engine.MaxBorrowable(v.Position, quotes); err != nil {
		return nil, err
	}
	for _, id := range v.Position.HeldAssets() {
		if lim.MaxWithdraw[id], err = s.engine.MaxWithdrawable(v.Position, id, quotes); err != nil {
			return nil, err
		}
	}
	return lim, nil
}

// Status reports the lifecycle state without touching the oracle.
func (s *Service) Status(ctx context.Context, owner string) (model.Status, error) {
	if err := validOwner(owner); err != nil {
		return "", err
	}
	pos, err := s.load(ctx, owner)
	if err != nil {
		return "", err
	}
	return status(pos), nil
}

// History returns the owner's audit trail, oldest first.
func (s *Service) History(ctx context.Context, owner string) ([]model.LedgerEntry, error) {
	if err := validOwner(owner); err != nil {
		return nil, err
	}
	return s.ledger.History(ctx, owner)
}

// Retryable reports whether err is transient: an unavailable price or a
// lost ledger race. Everything else needs different input.
func Retryable(err error) bool {
	return errors.Is(err, oracle.ErrUnavailable) || errors.Is(err, ledger.ErrConflict)
}

// --- helpers ---

// load returns the committed position, or a fresh one at version 0.
func (s *Service) load(ctx context.Context, owner string) (*model.Position, error) {
	pos, err := s.ledger.GetPosition(ctx, owner)
	if errors.Is(err, ledger.ErrNotFound) {
		return model.NewPosition(owner), nil
	}
	return pos, err
}

func (s *Service) fetch(ctx context.Context, assets []string) (map[string]model.PriceQuote, error) {
	quotes, err := s.fetcher.Fetch(ctx, assets)
	if err != nil {
		metrics.OracleFailures.Inc()
		return nil, err
	}
	return quotes, nil
}

func (s *Service) newEntry(op model.Operation, asset string, amount *uint256.Int) *model.LedgerEntry {
	e := &model.LedgerEntry{
		ID:        uuid.New().String(),
		Op:        op,
		Asset:     asset,
		Amount:    new(uint256.Int),
		Timestamp: s.now(),
	}
	if amount != nil {
		e.Amount.Set(amount)
	}
	return e
}

func (s *Service) entryAsset(m solvency.Mutation) string {
	if m.Kind == solvency.KindBorrow || m.Kind == solvency.KindRepay {
		return s.registry.DebtAsset().ID
	}
	return m.Asset
}

// status maps a loaded position onto the vault lifecycle. Version 0 means
// nothing was ever committed.
func status(p *model.Position) model.Status {
	if p.Version == 0 {
		return model.StatusUninitialized
	}
	return p.Status()
}

func validOwner(owner string) error {
	if strings.TrimSpace(owner) == "" || len(owner) > maxOwnerLen {
		return fmt.Errorf("%w: %q", ErrInvalidOwner, owner)
	}
	return nil
}

func isInputError(err error) bool {
	return errors.Is(err, solvency.ErrInvalidAmount) ||
		errors.Is(err, solvency.ErrInsufficientBalance) ||
		errors.Is(err, registry.ErrUnknownAsset) ||
		errors.Is(err, registry.ErrWrongKind) ||
		errors.Is(err, ErrInvalidOwner)
}

// reasonCode is the stable machine-readable name for an error, shared by
// metrics labels and HTTP error bodies.
func reasonCode(err error) string {
	switch {
	case errors.Is(err, solvency.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, solvency.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, solvency.ErrExceedsBorrowLimit):
		return "exceeds_borrow_limit"
	case errors.Is(err, solvency.ErrLiquidationRisk):
		return "liquidation_risk"
	case errors.Is(err, registry.ErrUnknownAsset), errors.Is(err, registry.ErrWrongKind):
		return "unknown_asset"
	case errors.Is(err, ErrInvalidOwner):
		return "invalid_owner"
	case errors.Is(err, ErrVaultExists):
		return "vault_exists"
	case errors.Is(err, oracle.ErrUnavailable):
		return "oracle_unavailable"
	case errors.Is(err, ledger.ErrConflict):
		return "ledger_conflict"
	default:
		return "internal"
	}
}
