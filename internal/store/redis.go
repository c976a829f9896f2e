package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/moltstreet/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store inside WithTx; rows touched by a
// transaction are invalidated so the next read re-populates them.
// Locked reads inside a transaction always hit the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Transactions (write to primary, invalidate cache around commit) ---

// WithTx deletes the keys a transaction wrote once before commit and again
// after it. A read-through racing the commit can only repopulate a key
// between the two deletes, and the second one clears it.
func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	rec := &recordingTx{}
	err := s.primary.WithTx(ctx, func(tx Tx) error {
		rec.Tx = tx
		if err := fn(rec); err != nil {
			return err
		}
		s.invalidate(ctx, rec.keys())
		return nil
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, rec.keys())
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed", "keys", len(keys), "error", err)
	}
}

// recordingTx notes which cached rows a transaction wrote.
type recordingTx struct {
	Tx
	agents    []string
	markets   []string
	positions []string
}

func (t *recordingTx) UpdateAgent(ctx context.Context, a *model.Agent) error {
	t.agents = append(t.agents, a.ID)
	return t.Tx.UpdateAgent(ctx, a)
}

func (t *recordingTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	t.markets = append(t.markets, m.ID)
	return t.Tx.UpdateMarket(ctx, m)
}

func (t *recordingTx) SavePosition(ctx context.Context, p *model.Position) error {
	t.positions = append(t.positions, p.AgentID)
	return t.Tx.SavePosition(ctx, p)
}

func (t *recordingTx) keys() []string {
	keys := make([]string, 0, len(t.agents)+len(t.markets)+len(t.positions))
	for _, id := range t.agents {
		keys = append(keys, agentKey(id))
	}
	for _, id := range t.markets {
		keys = append(keys, marketKey(id))
	}
	for _, id := range t.positions {
		keys = append(keys, positionsKey(id))
	}
	return keys
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	var a model.Agent
	if s.cached(ctx, agentKey(id), &a) {
		return &a, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, agentKey(id), got)
	return got, nil
}

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if s.cached(ctx, marketKey(id), &m) {
		return &m, nil
	}

	got, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, marketKey(id), got)
	return got, nil
}

func (s *CachedStore) ListPositionsByAgent(ctx context.Context, agentID string) ([]model.Position, error) {
	var positions []model.Position
	if s.cached(ctx, positionsKey(agentID), &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListPositionsByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, positionsKey(agentID), positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context, status model.MarketStatus) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx, status)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	return s.primary.ListOrders(ctx, f)
}

func (s *CachedStore) ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	return s.primary.ListTradesByMarket(ctx, marketID)
}

func (s *CachedStore) GetPlatformStats(ctx context.Context) (*model.PlatformStats, error) {
	return s.primary.GetPlatformStats(ctx)
}

func (s *CachedStore) ListPlatformFees(ctx context.Context, marketID string) ([]model.PlatformFee, error) {
	return s.primary.ListPlatformFees(ctx, marketID)
}

func (s *CachedStore) ListModeratorRewards(ctx context.Context, moderatorID string) ([]model.ModeratorReward, error) {
	return s.primary.ListModeratorRewards(ctx, moderatorID)
}

func (s *CachedStore) GetPendingAction(ctx context.Context, id string) (*model.PendingAction, error) {
	return s.primary.GetPendingAction(ctx, id)
}

func (s *CachedStore) ListPendingActions(ctx context.Context, agentID string, status model.ActionStatus) ([]model.PendingAction, error) {
	return s.primary.ListPendingActions(ctx, agentID, status)
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func agentKey(id string) string      { return fmt.Sprintf("agent:%s", id) }
func marketKey(id string) string     { return fmt.Sprintf("market:%s", id) }
func positionsKey(aid string) string { return fmt.Sprintf("positions:%s", aid) }

var _ Store = (*CachedStore)(nil)
