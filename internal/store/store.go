// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moltstreet/market-engine/internal/model"
)

// Store is the persistence interface. All mutations happen inside WithTx;
// the Reader methods return committed snapshots and never lock.
type Store interface {
	Reader

	// WithTx runs fn in one ACID transaction. If fn returns an error every
	// change made through tx is rolled back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Reader exposes non-locking queries.
type Reader interface {
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns markets newest first. An empty status lists all.
	ListMarkets(ctx context.Context, status model.MarketStatus) ([]model.Market, error)

	GetOrder(ctx context.Context, id string) (*model.Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error)

	// ListTradesByMarket returns trades oldest first.
	ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error)

	ListPositionsByAgent(ctx context.Context, agentID string) ([]model.Position, error)

	GetPlatformStats(ctx context.Context) (*model.PlatformStats, error)

	// ListPlatformFees returns fee records for a market, or all when marketID is empty.
	ListPlatformFees(ctx context.Context, marketID string) ([]model.PlatformFee, error)

	ListModeratorRewards(ctx context.Context, moderatorID string) ([]model.ModeratorReward, error)

	GetPendingAction(ctx context.Context, id string) (*model.PendingAction, error)
	ListPendingActions(ctx context.Context, agentID string, status model.ActionStatus) ([]model.PendingAction, error)
}

// Tx is the transactional view. Every Lock* method takes an exclusive row
// lock held until the transaction ends (SELECT ... FOR UPDATE semantics).
// Lock methods for single rows return an error wrapping model.ErrNotFound
// when the row does not exist.
type Tx interface {
	// --- Agents ---

	InsertAgent(ctx context.Context, a *model.Agent) error
	LockAgent(ctx context.Context, id string) (*model.Agent, error)
	UpdateAgent(ctx context.Context, a *model.Agent) error

	// --- Markets ---

	InsertMarket(ctx context.Context, m *model.Market) error
	LockMarket(ctx context.Context, id string) (*model.Market, error)
	UpdateMarket(ctx context.Context, m *model.Market) error

	// LockExpiredMarkets locks open markets whose deadline is at or before now.
	LockExpiredMarkets(ctx context.Context, now time.Time) ([]*model.Market, error)

	// --- Orders ---

	// InsertOrder persists a new order and assigns its Seq.
	InsertOrder(ctx context.Context, o *model.Order) error
	LockOrder(ctx context.Context, id string) (*model.Order, error)

	// UpdateOrder writes Filled and Status.
	UpdateOrder(ctx context.Context, o *model.Order) error

	// LockMatchCandidates locks the active orders selected by q, in q's
	// priority order.
	LockMatchCandidates(ctx context.Context, q MatchQuery) ([]*model.Order, error)

	// LockActiveOrdersByMarket locks every open or partial order of a market.
	LockActiveOrdersByMarket(ctx context.Context, marketID string) ([]*model.Order, error)

	// OpenSellShares sums the remaining size of an agent's active SELL
	// orders on one side of a market.
	OpenSellShares(ctx context.Context, agentID, marketID string, side model.Side) (int64, error)

	// --- Positions ---

	// LockPosition locks the position row; found is false when none exists.
	LockPosition(ctx context.Context, agentID, marketID string) (p *model.Position, found bool, err error)

	// SavePosition inserts or updates a position.
	SavePosition(ctx context.Context, p *model.Position) error

	LockPositionsByMarket(ctx context.Context, marketID string) ([]*model.Position, error)

	// --- Immutable records ---

	InsertTrade(ctx context.Context, t *model.Trade) error
	InsertPlatformFee(ctx context.Context, f *model.PlatformFee) error
	InsertModeratorReward(ctx context.Context, r *model.ModeratorReward) error

	// --- Platform stats (single row) ---

	// LockPlatformStats locks the singleton row, creating it if absent.
	LockPlatformStats(ctx context.Context) (*model.PlatformStats, error)
	UpdatePlatformStats(ctx context.Context, s *model.PlatformStats) error

	// --- Pending actions ---

	InsertPendingAction(ctx context.Context, a *model.PendingAction) error
	LockPendingAction(ctx context.Context, id string) (*model.PendingAction, error)
	UpdatePendingAction(ctx context.Context, a *model.PendingAction) error

	// LockExpiredPendingActions locks pending actions whose expiry is before now.
	LockExpiredPendingActions(ctx context.Context, now time.Time) ([]*model.PendingAction, error)
}

// OrderFilter narrows ListOrders. Zero fields are ignored. Results are
// newest first.
type OrderFilter struct {
	AgentID  string
	MarketID string
	Status   model.OrderStatus
	// ActiveOnly keeps open and partial orders.
	ActiveOnly bool
	Limit      int
}

// MatchQuery selects resting orders that may trade with an incoming order.
// Only open and partial orders qualify.
type MatchQuery struct {
	MarketID       string
	Side           model.Side
	Type           model.OrderType
	ExcludeAgentID string

	// MinPrice / MaxPrice bound the resting price inclusively when Valid.
	MinPrice decimal.NullDecimal
	MaxPrice decimal.NullDecimal

	// PriceDescending orders best-priced first for buyers' counterparties;
	// ties always break by created_at then insertion sequence, ascending.
	PriceDescending bool
}

// matches reports whether o is selected by q.
func (q MatchQuery) matches(o *model.Order) bool {
	if o.MarketID != q.MarketID || o.Side != q.Side || o.Type != q.Type {
		return false
	}
	if !o.Status.Active() || o.AgentID == q.ExcludeAgentID {
		return false
	}
	if q.MinPrice.Valid && o.Price.LessThan(q.MinPrice.Decimal) {
		return false
	}
	if q.MaxPrice.Valid && o.Price.GreaterThan(q.MaxPrice.Decimal) {
		return false
	}
	return true
}

// less orders candidates by price (direction per q), then time.
func (q MatchQuery) less(a, b *model.Order) bool {
	if !a.Price.Equal(b.Price) {
		if q.PriceDescending {
			return a.Price.GreaterThan(b.Price)
		}
		return a.Price.LessThan(b.Price)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}
