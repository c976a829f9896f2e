package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/moltstreet/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are serialized by a single mutex; a snapshot taken at the
// start of each transaction is restored if it fails.
type MemoryStore struct {
	mu sync.RWMutex
	st memState
}

type positionKey struct {
	agentID  string
	marketID string
}

type memState struct {
	agents     map[string]model.Agent
	agentNames map[string]string
	markets    map[string]model.Market
	orders     map[string]model.Order
	positions  map[positionKey]model.Position
	actions    map[string]model.PendingAction
	trades     []model.Trade
	fees       []model.PlatformFee
	rewards    []model.ModeratorReward
	stats      *model.PlatformStats
	seq        int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		st: memState{
			agents:     make(map[string]model.Agent),
			agentNames: make(map[string]string),
			markets:    make(map[string]model.Market),
			orders:     make(map[string]model.Order),
			positions:  make(map[positionKey]model.Position),
			actions:    make(map[string]model.PendingAction),
		},
	}
}

func (st *memState) clone() memState {
	c := memState{
		agents:     make(map[string]model.Agent, len(st.agents)),
		agentNames: make(map[string]string, len(st.agentNames)),
		markets:    make(map[string]model.Market, len(st.markets)),
		orders:     make(map[string]model.Order, len(st.orders)),
		positions:  make(map[positionKey]model.Position, len(st.positions)),
		actions:    make(map[string]model.PendingAction, len(st.actions)),
		// Append-only: the old slice headers keep their length.
		trades:  st.trades,
		fees:    st.fees,
		rewards: st.rewards,
		seq:     st.seq,
	}
	for k, v := range st.agents {
		c.agents[k] = v
	}
	for k, v := range st.agentNames {
		c.agentNames[k] = v
	}
	for k, v := range st.markets {
		c.markets[k] = v
	}
	for k, v := range st.orders {
		c.orders[k] = v
	}
	for k, v := range st.positions {
		c.positions[k] = v
	}
	for k, v := range st.actions {
		c.actions[k] = v
	}
	if st.stats != nil {
		s := *st.stats
		c.stats = &s
	}
	return c
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(&memTx{st: &s.st}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// --- Reader ---

func (s *MemoryStore) GetAgent(_ context.Context, id string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.st.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrAgentNotFound, id)
	}
	return &a, nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.st.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrMarketNotFound, id)
	}
	return &m, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context, status model.MarketStatus) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.st.markets))
	for _, m := range s.st.markets {
		if status == "" || m.Status == status {
			markets = append(markets, m)
		}
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.st.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrOrderNotFound, id)
	}
	return &o, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.st.orders {
		if f.AgentID != "" && o.AgentID != f.AgentID {
			continue
		}
		if f.MarketID != "" && o.MarketID != f.MarketID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.ActiveOnly && !o.Status.Active() {
			continue
		}
		result = append(result, o)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Seq > result[j].Seq
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (s *MemoryStore) ListTradesByMarket(_ context.Context, marketID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.st.trades {
		if t.MarketID == marketID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListPositionsByAgent(_ context.Context, agentID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for k, p := range s.st.positions {
		if k.agentID == agentID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) GetPlatformStats(_ context.Context) (*model.PlatformStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.st.stats == nil {
		return &model.PlatformStats{}, nil
	}
	stats := *s.st.stats
	return &stats, nil
}

func (s *MemoryStore) ListPlatformFees(_ context.Context, marketID string) ([]model.PlatformFee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PlatformFee
	for _, f := range s.st.fees {
		if marketID == "" || f.MarketID == marketID {
			result = append(result, f)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListModeratorRewards(_ context.Context, moderatorID string) ([]model.ModeratorReward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ModeratorReward
	for _, r := range s.st.rewards {
		if r.ModeratorID == moderatorID {
			result = append(result, r)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetPendingAction(_ context.Context, id string) (*model.PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.st.actions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrActionNotFound, id)
	}
	return &a, nil
}

func (s *MemoryStore) ListPendingActions(_ context.Context, agentID string, status model.ActionStatus) ([]model.PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PendingAction
	for _, a := range s.st.actions {
		if agentID != "" && a.AgentID != agentID {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// --- Tx ---

// memTx operates directly on the store state; the caller holds the write lock.
type memTx struct {
	st *memState
}

func (t *memTx) InsertAgent(_ context.Context, a *model.Agent) error {
	if _, taken := t.st.agentNames[a.Name]; taken {
		return fmt.Errorf("%w: %s", model.ErrDuplicateName, a.Name)
	}
	t.st.agents[a.ID] = *a
	t.st.agentNames[a.Name] = a.ID
	return nil
}

func (t *memTx) LockAgent(_ context.Context, id string) (*model.Agent, error) {
	a, ok := t.st.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrAgentNotFound, id)
	}
	return &a, nil
}

func (t *memTx) UpdateAgent(_ context.Context, a *model.Agent) error {
	if _, ok := t.st.agents[a.ID]; !ok {
		return fmt.Errorf("%w: %s", model.ErrAgentNotFound, a.ID)
	}
	t.st.agents[a.ID] = *a
	return nil
}

func (t *memTx) InsertMarket(_ context.Context, m *model.Market) error {
	if _, exists := t.st.markets[m.ID]; exists {
		return fmt.Errorf("market %s already exists", m.ID)
	}
	t.st.markets[m.ID] = *m
	return nil
}

func (t *memTx) LockMarket(_ context.Context, id string) (*model.Market, error) {
	m, ok := t.st.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrMarketNotFound, id)
	}
	return &m, nil
}

func (t *memTx) UpdateMarket(_ context.Context, m *model.Market) error {
	if _, ok := t.st.markets[m.ID]; !ok {
		return fmt.Errorf("%w: %s", model.ErrMarketNotFound, m.ID)
	}
	t.st.markets[m.ID] = *m
	return nil
}

func (t *memTx) LockExpiredMarkets(_ context.Context, now time.Time) ([]*model.Market, error) {
	var result []*model.Market
	for _, m := range t.st.markets {
		if m.Status == model.MarketOpen && !m.Deadline.After(now) {
			m := m
			result = append(result, &m)
		}
	}
	return result, nil
}

func (t *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	if _, exists := t.st.orders[o.ID]; exists {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	t.st.seq++
	o.Seq = t.st.seq
	t.st.orders[o.ID] = *o
	return nil
}

func (t *memTx) LockOrder(_ context.Context, id string) (*model.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrOrderNotFound, id)
	}
	return &o, nil
}

func (t *memTx) UpdateOrder(_ context.Context, o *model.Order) error {
	existing, ok := t.st.orders[o.ID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrOrderNotFound, o.ID)
	}
	existing.Filled = o.Filled
	existing.Status = o.Status
	t.st.orders[o.ID] = existing
	return nil
}

func (t *memTx) LockMatchCandidates(_ context.Context, q MatchQuery) ([]*model.Order, error) {
	var result []*model.Order
	for _, o := range t.st.orders {
		o := o
		if q.matches(&o) {
			result = append(result, &o)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return q.less(result[i], result[j])
	})
	return result, nil
}

func (t *memTx) LockActiveOrdersByMarket(_ context.Context, marketID string) ([]*model.Order, error) {
	var result []*model.Order
	for _, o := range t.st.orders {
		if o.MarketID == marketID && o.Status.Active() {
			o := o
			result = append(result, &o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result, nil
}

func (t *memTx) OpenSellShares(_ context.Context, agentID, marketID string, side model.Side) (int64, error) {
	var total int64
	for _, o := range t.st.orders {
		if o.AgentID == agentID && o.MarketID == marketID && o.Side == side &&
			o.Type == model.OrderSell && o.Status.Active() {
			total += o.Remaining()
		}
	}
	return total, nil
}

func (t *memTx) LockPosition(_ context.Context, agentID, marketID string) (*model.Position, bool, error) {
	p, ok := t.st.positions[positionKey{agentID, marketID}]
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}

func (t *memTx) SavePosition(_ context.Context, p *model.Position) error {
	t.st.positions[positionKey{p.AgentID, p.MarketID}] = *p
	return nil
}

func (t *memTx) LockPositionsByMarket(_ context.Context, marketID string) ([]*model.Position, error) {
	var result []*model.Position
	for k, p := range t.st.positions {
		if k.marketID == marketID {
			p := p
			result = append(result, &p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].AgentID < result[j].AgentID
	})
	return result, nil
}

func (t *memTx) InsertTrade(_ context.Context, tr *model.Trade) error {
	t.st.trades = append(t.st.trades, *tr)
	return nil
}

func (t *memTx) InsertPlatformFee(_ context.Context, f *model.PlatformFee) error {
	t.st.fees = append(t.st.fees, *f)
	return nil
}

func (t *memTx) InsertModeratorReward(_ context.Context, r *model.ModeratorReward) error {
	t.st.rewards = append(t.st.rewards, *r)
	return nil
}

func (t *memTx) LockPlatformStats(_ context.Context) (*model.PlatformStats, error) {
	if t.st.stats == nil {
		t.st.stats = &model.PlatformStats{}
	}
	stats := *t.st.stats
	return &stats, nil
}

func (t *memTx) UpdatePlatformStats(_ context.Context, s *model.PlatformStats) error {
	stats := *s
	t.st.stats = &stats
	return nil
}

func (t *memTx) InsertPendingAction(_ context.Context, a *model.PendingAction) error {
	t.st.actions[a.ID] = *a
	return nil
}

func (t *memTx) LockPendingAction(_ context.Context, id string) (*model.PendingAction, error) {
	a, ok := t.st.actions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrActionNotFound, id)
	}
	return &a, nil
}

func (t *memTx) UpdatePendingAction(_ context.Context, a *model.PendingAction) error {
	if _, ok := t.st.actions[a.ID]; !ok {
		return fmt.Errorf("%w: %s", model.ErrActionNotFound, a.ID)
	}
	t.st.actions[a.ID] = *a
	return nil
}

func (t *memTx) LockExpiredPendingActions(_ context.Context, now time.Time) ([]*model.PendingAction, error) {
	var result []*model.PendingAction
	for _, a := range t.st.actions {
		if a.Status == model.ActionPending && a.Expired(now) {
			a := a
			result = append(result, &a)
		}
	}
	return result, nil
}
