package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/vault-engine/internal/model"
)

// CachedLedger wraps a primary Ledger (PostgreSQL) with a Redis read-through
// cache for positions. Reads check Redis first then fall back to the primary;
// commits go to the primary and then write the new position through.
//
// Every cache write is version guarded by storeScript, so a slow reader can
// never replace a newer cached position with the one it loaded earlier. A
// cached position can only lag the primary when writing through fails, and
// then for at most the TTL. The version guard on Commit is always enforced by
// the primary, so a stale cache entry can cost a retry but never a lost update.
type CachedLedger struct {
	primary Ledger
	rdb     *redis.Client
	ttl     time.Duration
}

// storeScript caches a position unless the same or a newer version is
// already cached. KEYS[1] is the position hash; ARGV is version, encoded
// position and TTL in milliseconds (0 keeps the entry until overwritten).
var storeScript = redis.NewScript(`
local cached = redis.call('HGET', KEYS[1], 'version')
if cached and tonumber(cached) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// NewCachedLedger creates a cached wrapper around a primary ledger.
func NewCachedLedger(primary Ledger, rdb *redis.Client, ttl time.Duration) *CachedLedger {
	return &CachedLedger{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedLedger) Commit(ctx context.Context, pos *model.Position, entry *model.LedgerEntry) error {
	err := s.primary.Commit(ctx, pos, entry)
	switch {
	case err == nil:
		s.store(ctx, pos)
	case errors.Is(err, ErrConflict):
		// The cached copy is the likely culprit. Replace it with the
		// primary's current version.
		if latest, rerr := s.primary.GetPosition(ctx, pos.Owner); rerr == nil {
			s.store(ctx, latest)
		} else {
			s.rdb.Del(ctx, positionKey(pos.Owner))
		}
	}
	return err
}

func (s *CachedLedger) GetPosition(ctx context.Context, owner string) (*model.Position, error) {
	data, err := s.rdb.HGet(ctx, positionKey(owner), "data").Bytes()
	if err == nil {
		var c cachedPosition
		if json.Unmarshal(data, &c) == nil {
			if p, err := c.position(); err == nil {
				return p, nil
			}
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPosition(ctx, owner)
	if err != nil {
		return nil, err
	}
	s.store(ctx, p)
	return p, nil
}

// History is not cached.
func (s *CachedLedger) History(ctx context.Context, owner string) ([]model.LedgerEntry, error) {
	return s.primary.History(ctx, owner)
}

// store caches p through storeScript. Cache failures are logged and
// otherwise ignored; the primary stays authoritative.
func (s *CachedLedger) store(ctx context.Context, p *model.Position) {
	data, err := json.Marshal(newCachedPosition(p))
	if err != nil {
		return
	}
	err = storeScript.Run(ctx, s.rdb, []string{positionKey(p.Owner)},
		p.Version, data, s.ttl.Milliseconds()).Err()
	if err != nil {
		slog.Warn("position cache write failed", "owner", p.Owner, "version", p.Version, "err", err)
	}
}

// cachedPosition is the Redis encoding of a Position. Amounts are decimal
// strings.
type cachedPosition struct {
	Owner      string            `json:"owner"`
	Collateral map[string]string `json:"collateral"`
	Debt       string            `json:"debt"`
	Version    uint64            `json:"version"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

func newCachedPosition(p *model.Position) cachedPosition {
	c := cachedPosition{
		Owner:      p.Owner,
		Collateral: make(map[string]string, len(p.Collateral)),
		Debt:       p.DebtBalance().Dec(),
		Version:    p.Version,
		UpdatedAt:  p.UpdatedAt,
	}
	for _, id := range p.HeldAssets() {
		c.Collateral[id] = p.Collateral[id].Dec()
	}
	return c
}

func (c cachedPosition) position() (*model.Position, error) {
	p := model.NewPosition(c.Owner)
	p.Version = c.Version
	p.UpdatedAt = c.UpdatedAt

	var err error
	if p.Debt, err = uint256.FromDecimal(c.Debt); err != nil {
		return nil, err
	}
	for id, s := range c.Collateral {
		if p.Collateral[id], err = uint256.FromDecimal(s); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func positionKey(owner string) string { return fmt.Sprintf("vault:pos:%s", owner) }
