// Package ledger persists vault positions and their audit trail.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and dev mode).
package ledger

import (
	"context"
	"errors"

	"github.com/atmx/vault-engine/internal/model"
)

var (
	// ErrNotFound is returned when no position has been committed for an owner.
	ErrNotFound = errors.New("ledger: position not found")

	// ErrConflict is returned when the stored version no longer matches the
	// version the caller read. The caller should re-read and retry.
	ErrConflict = errors.New("ledger: version conflict")
)

// Ledger is the persistence interface for vault positions.
type Ledger interface {
	// GetPosition returns a copy of the owner's committed position.
	GetPosition(ctx context.Context, owner string) (*model.Position, error)

	// Commit stores pos if the stored version still equals pos.Version
	// (0 means the position must not exist yet) and appends entry to the
	// audit trail in the same step. On success pos.Version, pos.UpdatedAt
	// and entry.Version are advanced to the committed values.
	Commit(ctx context.Context, pos *model.Position, entry *model.LedgerEntry) error

	// History returns the owner's audit trail, oldest first.
	History(ctx context.Context, owner string) ([]model.LedgerEntry, error)
}

// advance stamps pos and entry with the version they commit as.
func advance(pos *model.Position, entry *model.LedgerEntry) {
	pos.Version++
	pos.UpdatedAt = entry.Timestamp
	entry.Version = pos.Version
	entry.Owner = pos.Owner
}
