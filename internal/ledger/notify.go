package ledger

import (
	"context"
	"sync"

	"github.com/atmx/vault-engine/internal/model"
)

// Event describes one committed mutation.
type Event struct {
	Entry    model.LedgerEntry
	Position *model.Position
}

// Notifier wraps a Ledger and publishes an Event to every subscriber after
// each successful commit. Subscribers run synchronously on the committing
// goroutine and must not block.
type Notifier struct {
	Ledger

	mu   sync.RWMutex
	subs map[int]func(Event)
	next int
}

// NewNotifier wraps inner.
func NewNotifier(inner Ledger) *Notifier {
	return &Notifier{Ledger: inner, subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a function that removes it.
func (n *Notifier) Subscribe(fn func(Event)) (cancel func()) {
	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

func (n *Notifier) Commit(ctx context.Context, pos *model.Position, entry *model.LedgerEntry) error {
	if err := n.Ledger.Commit(ctx, pos, entry); err != nil {
		return err
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, fn := range n.subs {
		ev := Event{Entry: *entry, Position: pos.Clone()}
		if entry.Amount != nil {
			ev.Entry.Amount = entry.Amount.Clone()
		}
		fn(ev)
	}
	return nil
}
