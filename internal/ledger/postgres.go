package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/vault-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresLedger implements Ledger using PostgreSQL as the source of truth.
// Balances are stored as NUMERIC and travel as decimal strings, so no
// precision is lost in either direction.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger creates a new PostgreSQL-backed ledger.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresLedger) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

func (s *PostgresLedger) GetPosition(ctx context.Context, owner string) (*model.Position, error) {
	p := model.NewPosition(owner)
	var debt string

	err := s.pool.QueryRow(ctx,
		`SELECT debt::TEXT, version, updated_at
		 FROM vault_positions WHERE owner = $1`, owner).
		Scan(&debt, &p.Version, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, owner)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", owner, err)
	}
	if p.Debt, err = parseAmount(debt); err != nil {
		return nil, fmt.Errorf("get position %s: debt: %w", owner, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT asset, amount::TEXT FROM vault_collateral WHERE owner = $1`, owner)
	if err != nil {
		return nil, fmt.Errorf("get collateral %s: %w", owner, err)
	}
	defer rows.Close()

	for rows.Next() {
		var asset, amount string
		if err := rows.Scan(&asset, &amount); err != nil {
			return nil, err
		}
		if p.Collateral[asset], err = parseAmount(amount); err != nil {
			return nil, fmt.Errorf("get collateral %s/%s: %w", owner, asset, err)
		}
	}
	return p, rows.Err()
}

// Commit writes the position row, its collateral rows and the audit entry in
// one transaction. The version guard lives in the position UPDATE (or the
// INSERT for a first commit), so a concurrent writer makes it touch zero rows.
func (s *PostgresLedger) Commit(ctx context.Context, pos *model.Position, entry *model.LedgerEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	next := pos.Version + 1
	debt := pos.DebtBalance().Dec()

	var affected int64
	if pos.Version == 0 {
		tag, err := tx.Exec(ctx,
			`INSERT INTO vault_positions (owner, debt, version, updated_at)
			 VALUES ($1, $2::NUMERIC, $3, $4)
			 ON CONFLICT (owner) DO NOTHING`,
			pos.Owner, debt, next, entry.Timestamp)
		if err != nil {
			return fmt.Errorf("insert position %s: %w", pos.Owner, err)
		}
		affected = tag.RowsAffected()
	} else {
		tag, err := tx.Exec(ctx,
			`UPDATE vault_positions
			 SET debt = $2::NUMERIC, version = $3, updated_at = $4
			 WHERE owner = $1 AND version = $5`,
			pos.Owner, debt, next, entry.Timestamp, pos.Version)
		if err != nil {
			return fmt.Errorf("update position %s: %w", pos.Owner, err)
		}
		affected = tag.RowsAffected()
	}
	if affected != 1 {
		return fmt.Errorf("%w: %s moved past version %d", ErrConflict, pos.Owner, pos.Version)
	}

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM vault_collateral WHERE owner = $1`, pos.Owner)
	for _, asset := range pos.HeldAssets() {
		batch.Queue(
			`INSERT INTO vault_collateral (owner, asset, amount) VALUES ($1, $2, $3::NUMERIC)`,
			pos.Owner, asset, pos.Collateral[asset].Dec())
	}
	amount := "0"
	if entry.Amount != nil {
		amount = entry.Amount.Dec()
	}
	batch.Queue(
		`INSERT INTO vault_ledger_entries (id, owner, op, asset, amount, version, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
		entry.ID, pos.Owner, string(entry.Op), entry.Asset, amount, next, entry.Timestamp)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write collateral and entry %s: %w", pos.Owner, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", pos.Owner, err)
	}

	advance(pos, entry)
	return nil
}

func (s *PostgresLedger) History(ctx context.Context, owner string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, owner, op, asset, amount::TEXT, version, timestamp
		 FROM vault_ledger_entries WHERE owner = $1 ORDER BY version`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []model.LedgerEntry{}
	for rows.Next() {
		var e model.LedgerEntry
		var op, amount string
		if err := rows.Scan(&e.ID, &e.Owner, &op, &e.Asset, &amount, &e.Version, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Op = model.Operation(op)
		if e.Amount, err = parseAmount(amount); err != nil {
			return nil, fmt.Errorf("history %s v%d: %w", owner, e.Version, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// parseAmount reads a NUMERIC(78, 0) rendered as text.
func parseAmount(s string) (*uint256.Int, error) {
	return uint256.FromDecimal(s)
}
