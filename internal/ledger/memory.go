package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/vault-engine/internal/model"
)

// MemoryLedger implements Ledger with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryLedger struct {
	mu        sync.RWMutex
	positions map[string]*model.Position
	entries   map[string][]model.LedgerEntry
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		positions: make(map[string]*model.Position),
		entries:   make(map[string][]model.LedgerEntry),
	}
}

func (l *MemoryLedger) GetPosition(_ context.Context, owner string) (*model.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.positions[owner]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, owner)
	}
	return p.Clone(), nil
}

func (l *MemoryLedger) Commit(_ context.Context, pos *model.Position, entry *model.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var stored uint64
	if cur, ok := l.positions[pos.Owner]; ok {
		stored = cur.Version
	}
	if stored != pos.Version {
		return fmt.Errorf("%w: %s at version %d, commit expected %d", ErrConflict, pos.Owner, stored, pos.Version)
	}

	advance(pos, entry)
	// Store copies to avoid external mutation.
	l.positions[pos.Owner] = pos.Clone()
	e := *entry
	if e.Amount != nil {
		e.Amount = e.Amount.Clone()
	}
	l.entries[pos.Owner] = append(l.entries[pos.Owner], e)
	return nil
}

func (l *MemoryLedger) History(_ context.Context, owner string) ([]model.LedgerEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	src := l.entries[owner]
	out := make([]model.LedgerEntry, len(src))
	for i, e := range src {
		if e.Amount != nil {
			e.Amount = e.Amount.Clone()
		}
		out[i] = e
	}
	return out, nil
}
