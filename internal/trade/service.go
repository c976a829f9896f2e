// Package trade is the transactional front door of the market engine. Each
// public operation runs as one store transaction that calls the ledger,
// position, matching and resolution components; notifications, metrics and
// logging happen only after commit.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/moltstreet/market-engine/internal/fees"
	"github.com/moltstreet/market-engine/internal/ledger"
	"github.com/moltstreet/market-engine/internal/matching"
	"github.com/moltstreet/market-engine/internal/metrics"
	"github.com/moltstreet/market-engine/internal/model"
	"github.com/moltstreet/market-engine/internal/position"
	"github.com/moltstreet/market-engine/internal/resolution"
	"github.com/moltstreet/market-engine/internal/store"
)

// Options configures a Service.
type Options struct {
	Fees           fees.Schedule
	InitialBalance decimal.Decimal
	FaucetMax      decimal.Decimal
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Fees:           fees.DefaultSchedule(),
		InitialBalance: decimal.RequireFromString("1000.00"),
		FaucetMax:      decimal.RequireFromString("1000.00"),
	}
}

// Service executes market operations. Concurrency control is delegated to
// the store: every mutation locks the rows it reads.
type Service struct {
	store    store.Store
	opts     Options
	engine   *matching.Engine
	resolver *resolution.Resolver
	notifier Notifier
	now      func() time.Time
}

// NewService creates a new trade service.
// Pass nil for notifier if real-time broadcasting is not needed.
func NewService(st store.Store, opts Options, notifier Notifier) *Service {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Service{
		store:    st,
		opts:     opts,
		engine:   matching.NewEngine(opts.Fees),
		resolver: resolution.NewResolver(opts.Fees),
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Store exposes the underlying store for read-only callers.
func (s *Service) Store() store.Reader { return s.store }

// --- Request/Response types ---

// RegisterAgentRequest is the JSON body for agent registration.
type RegisterAgentRequest struct {
	Name        string            `json:"name"`
	Role        model.AgentRole   `json:"role"`         // default trader
	TradingMode model.TradingMode `json:"trading_mode"` // default manual
}

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	CreatorID   string               `json:"creator_id"`
	Question    string               `json:"question"`
	Description string               `json:"description"`
	Category    model.MarketCategory `json:"category"`
	Deadline    time.Time            `json:"deadline"`
}

// PlaceOrderRequest is the JSON body for order placement.
type PlaceOrderRequest struct {
	AgentID  string          `json:"agent_id"`
	MarketID string          `json:"market_id"`
	Side     model.Side      `json:"side"`
	Type     model.OrderType `json:"order_type"`
	Price    decimal.Decimal `json:"price"`
	Size     int64           `json:"size"`
}

// PlaceOrderResult is the order after matching plus the trades it made.
type PlaceOrderResult struct {
	Order  model.Order   `json:"order"`
	Trades []model.Trade `json:"trades"`
}

// CancelOrderRequest identifies the order to cancel and who asks.
type CancelOrderRequest struct {
	OrderID string `json:"order_id"`
	AgentID string `json:"agent_id"`
}

// CancelOrderResult reports the cancelled order and the tokens unlocked.
type CancelOrderResult struct {
	Order    model.Order     `json:"order"`
	Refunded decimal.Decimal `json:"refunded"`
}

// ResolveMarketRequest is the JSON body for market resolution.
type ResolveMarketRequest struct {
	MarketID    string        `json:"market_id"`
	Outcome     model.Outcome `json:"outcome"`
	ModeratorID string        `json:"moderator_id"`
	Evidence    string        `json:"evidence,omitempty"`
}

// TransferRequest moves tokens between agents.
type TransferRequest struct {
	FromID string          `json:"from_agent_id"`
	ToID   string          `json:"to_agent_id"`
	Amount decimal.Decimal `json:"amount"`
}

// TransferResult reports the sender's and recipient's balances afterwards.
type TransferResult struct {
	From model.Agent `json:"from"`
	To   model.Agent `json:"to"`
}

// --- Agents ---

// RegisterAgent creates an agent funded with the initial balance.
func (s *Service) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (*model.Agent, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, model.Validationf("name is required")
	}
	if req.Role == "" {
		req.Role = model.RoleTrader
	}
	if req.TradingMode == "" {
		req.TradingMode = model.ModeManual
	}
	if !req.Role.Valid() {
		return nil, model.Validationf("role must be trader or moderator, got %q", req.Role)
	}
	if !req.TradingMode.Valid() {
		return nil, model.Validationf("trading_mode must be manual or auto, got %q", req.TradingMode)
	}

	agent := &model.Agent{
		ID:            uuid.New().String(),
		Name:          req.Name,
		Role:          req.Role,
		TradingMode:   req.TradingMode,
		Balance:       s.opts.InitialBalance,
		LockedBalance: decimal.Zero,
		Reputation:    decimal.Zero,
		CreatedAt:     s.now(),
	}
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertAgent(ctx, agent)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("agent registered", "id", agent.ID, "name", agent.Name, "role", agent.Role)
	return agent, nil
}

// SetTradingMode switches an agent between manual approval and auto execution.
func (s *Service) SetTradingMode(ctx context.Context, agentID string, mode model.TradingMode) (*model.Agent, error) {
	if !mode.Valid() {
		return nil, model.Validationf("trading_mode must be manual or auto, got %q", mode)
	}
	var agent *model.Agent
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		a, err := tx.LockAgent(ctx, agentID)
		if err != nil {
			return err
		}
		a.TradingMode = mode
		agent = a
		return tx.UpdateAgent(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// Faucet credits an agent with test tokens, up to the configured maximum.
func (s *Service) Faucet(ctx context.Context, agentID string, amount decimal.Decimal) (*model.Agent, error) {
	if !amount.IsPositive() {
		return nil, model.Validationf("amount must be positive")
	}
	if amount.GreaterThan(s.opts.FaucetMax) {
		return nil, model.Validationf("amount exceeds faucet maximum %s", s.opts.FaucetMax)
	}

	var agent *model.Agent
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := ledger.Credit(ctx, tx, agentID, amount); err != nil {
			return err
		}
		a, err := tx.LockAgent(ctx, agentID)
		agent = a
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.Info("faucet credit", "agent", agentID, "amount", amount.String())
	return agent, nil
}

// Transfer moves tokens from one agent's available balance to another.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	var res TransferResult
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := ledger.Transfer(ctx, tx, req.FromID, req.ToID, req.Amount); err != nil {
			return err
		}
		from, err := tx.LockAgent(ctx, req.FromID)
		if err != nil {
			return err
		}
		to, err := tx.LockAgent(ctx, req.ToID)
		if err != nil {
			return err
		}
		res.From, res.To = *from, *to
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("transfer", "from", req.FromID, "to", req.ToID, "amount", req.Amount.String())
	return &res, nil
}

// --- Markets ---

// CreateMarket opens a new binary market at 0.50/0.50. The creator pays the
// market creation fee from available balance.
func (s *Service) CreateMarket(ctx context.Context, req CreateMarketRequest) (*model.Market, error) {
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return nil, model.Validationf("question is required")
	}
	if !req.Category.Valid() {
		return nil, model.Validationf("unknown category %q", req.Category)
	}
	now := s.now()
	if !req.Deadline.After(now) {
		return nil, model.Validationf("deadline must be in the future")
	}

	half := decimal.RequireFromString("0.50")
	market := &model.Market{
		ID:          uuid.New().String(),
		CreatorID:   req.CreatorID,
		Question:    req.Question,
		Description: req.Description,
		Category:    req.Category,
		Deadline:    req.Deadline.UTC(),
		Status:      model.MarketOpen,
		YesPrice:    half,
		NoPrice:     half,
		Volume:      decimal.Zero,
		CreatedAt:   now,
	}

	fee := s.opts.Fees.MarketCreation
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		creator, err := tx.LockAgent(ctx, req.CreatorID)
		if err != nil {
			return err
		}
		if !creator.CanTrade() {
			return model.ErrCannotTrade
		}
		if err := ledger.Debit(ctx, tx, creator.ID, fee); err != nil {
			return err
		}
		if err := tx.InsertMarket(ctx, market); err != nil {
			return err
		}
		return fees.RecordMarketCreationFee(ctx, tx, creator.ID, market.ID, fee)
	})
	if err != nil {
		return nil, err
	}

	metrics.FeesCollected.WithLabelValues(string(model.FeeMarketCreation)).Add(fee.InexactFloat64())
	s.notifier.Notify(Event{Type: EventMarketUpdated, MarketID: market.ID, Market: market})
	slog.Info("market created",
		"id", market.ID,
		"creator", market.CreatorID,
		"category", market.Category,
		"deadline", market.Deadline,
	)
	return market, nil
}

// ResolveMarket resolves a market and pays out winners.
func (s *Service) ResolveMarket(ctx context.Context, req ResolveMarketRequest) (*resolution.Summary, error) {
	var sum *resolution.Summary
	var market *model.Market
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		sum, err = s.resolver.ResolveMarket(ctx, tx, req.MarketID, req.Outcome, req.ModeratorID, req.Evidence)
		if err != nil {
			return err
		}
		market, err = tx.LockMarket(ctx, req.MarketID)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.MarketsResolved.WithLabelValues(string(req.Outcome)).Inc()
	metrics.FeesCollected.WithLabelValues(string(model.FeeSettlement)).Add(sum.TotalSettlementFees.InexactFloat64())
	s.notifier.Notify(Event{Type: EventMarketUpdated, MarketID: market.ID, Market: market})
	slog.Info("market resolved",
		"market", req.MarketID,
		"outcome", req.Outcome,
		"moderator", req.ModeratorID,
		"winners", sum.Winners,
		"payout", sum.TotalPayout.String(),
		"settlement_fees", sum.TotalSettlementFees.String(),
		"moderator_reward", sum.ModeratorReward.TotalReward.String(),
	)
	return sum, nil
}

// CloseExpiredMarkets closes every open market whose deadline is at or
// before now.
func (s *Service) CloseExpiredMarkets(ctx context.Context, now time.Time) ([]model.Market, error) {
	var closed []model.Market
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		closed, err = s.resolver.CloseExpiredMarkets(ctx, tx, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	for i := range closed {
		m := closed[i]
		s.notifier.Notify(Event{Type: EventMarketUpdated, MarketID: m.ID, Market: &m})
		slog.Info("market closed", "id", m.ID, "deadline", m.Deadline)
	}
	metrics.MarketsClosed.Add(float64(len(closed)))
	return closed, nil
}

// --- Orders ---

// PlaceOrder validates, persists and matches a limit order. A BUY reserves
// price*size and needs the trading fee on top in available balance; a SELL
// needs that many unreserved shares.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	start := time.Now()
	res, err := s.placeOrder(ctx, req)
	if err != nil {
		metrics.OrderRejections.WithLabelValues(errorReason(err)).Inc()
		return nil, err
	}
	metrics.OrderLatency.WithLabelValues(string(req.Type)).Observe(time.Since(start).Seconds())
	metrics.OrdersPlaced.WithLabelValues(string(req.Side), string(req.Type)).Inc()
	return res, nil
}

func (s *Service) placeOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	order := &model.Order{
		ID:        uuid.New().String(),
		AgentID:   req.AgentID,
		MarketID:  req.MarketID,
		Side:      req.Side,
		Type:      req.Type,
		Price:     req.Price,
		Size:      req.Size,
		Status:    model.OrderOpen,
		CreatedAt: s.now(),
	}

	var trades []model.Trade
	var market *model.Market
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		agent, err := tx.LockAgent(ctx, req.AgentID)
		if err != nil {
			return err
		}
		if !agent.CanTrade() {
			return model.ErrCannotTrade
		}

		m, err := tx.LockMarket(ctx, req.MarketID)
		if err != nil {
			return err
		}
		if m.Status != model.MarketOpen || !m.Deadline.After(order.CreatedAt) {
			return model.ErrMarketNotOpen
		}

		if req.Type == model.OrderBuy {
			reserve := s.opts.Fees.Reservation(req.Price, req.Size)
			ok, err := ledger.LockBalance(ctx, tx, agent.ID, reserve)
			if err != nil {
				return err
			}
			if !ok {
				return model.ErrInsufficientBalance
			}
		} else {
			sellable, err := position.SellableShares(ctx, tx, agent.ID, m.ID, req.Side)
			if err != nil {
				return err
			}
			if sellable < req.Size {
				return model.ErrInsufficientShares
			}
		}

		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		trades, err = s.engine.MatchOrder(ctx, tx, order)
		if err != nil {
			return err
		}

		market, err = tx.LockMarket(ctx, req.MarketID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.afterMatch(order, trades, market)
	if trades == nil {
		trades = []model.Trade{}
	}
	return &PlaceOrderResult{Order: *order, Trades: trades}, nil
}

// Validate checks the request shape without touching any state.
func (req PlaceOrderRequest) Validate() error {
	if req.AgentID == "" || req.MarketID == "" {
		return model.Validationf("agent_id and market_id are required")
	}
	if !req.Side.Valid() {
		return model.Validationf("side must be YES or NO, got %q", req.Side)
	}
	if !req.Type.Valid() {
		return model.Validationf("order_type must be buy or sell, got %q", req.Type)
	}
	if req.Size <= 0 {
		return model.Validationf("size must be positive")
	}
	if req.Price.LessThan(model.MinPrice) || req.Price.GreaterThan(model.MaxPrice) {
		return model.Validationf("price must be between %s and %s", model.MinPrice, model.MaxPrice)
	}
	if !req.Price.Equal(req.Price.Truncate(2)) {
		return model.Validationf("price must have at most 2 decimal places")
	}
	return nil
}

func (s *Service) afterMatch(order *model.Order, trades []model.Trade, market *model.Market) {
	o := *order
	s.notifier.Notify(Event{Type: EventOrderUpdated, MarketID: o.MarketID, Order: &o})

	totalFees := decimal.Zero
	for i := range trades {
		tr := trades[i]
		s.notifier.Notify(Event{Type: EventTradeExecuted, MarketID: tr.MarketID, Trade: &tr})
		metrics.TradesTotal.WithLabelValues(string(tr.Side)).Inc()
		metrics.MarketVolume.WithLabelValues(tr.MarketID).Add(float64(tr.Size))
		totalFees = totalFees.Add(tr.TotalFee)
	}
	if len(trades) > 0 {
		metrics.FeesCollected.WithLabelValues(string(model.FeeTrading)).Add(totalFees.InexactFloat64())
		s.notifier.Notify(Event{Type: EventMarketUpdated, MarketID: market.ID, Market: market})
	}

	slog.Info("order placed",
		"order_id", o.ID,
		"agent", o.AgentID,
		"market", o.MarketID,
		"side", o.Side,
		"type", o.Type,
		"price", o.Price.String(),
		"size", o.Size,
		"filled", o.Filled,
		"trades", len(trades),
		"yes_price", market.YesPrice.String(),
	)
}

// CancelOrder cancels an open or partial order. The order row is locked
// before its status is checked, so an order filled by a racing match is
// rejected rather than refunded twice.
func (s *Service) CancelOrder(ctx context.Context, req CancelOrderRequest) (*CancelOrderResult, error) {
	var res CancelOrderResult
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		o, err := tx.LockOrder(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if o.AgentID != req.AgentID {
			return model.ErrNotOwner
		}
		if !o.Status.Active() {
			return model.ErrNotCancellable
		}

		refund := decimal.Zero
		if o.Type == model.OrderBuy {
			refund, err = ledger.UnlockBalance(ctx, tx, o.AgentID, s.opts.Fees.Reservation(o.Price, o.Remaining()))
			if err != nil {
				return err
			}
		}
		o.Status = model.OrderCancelled
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		res = CancelOrderResult{Order: *o, Refunded: refund}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Notify(Event{Type: EventOrderUpdated, MarketID: res.Order.MarketID, Order: &res.Order})
	slog.Info("order cancelled", "order_id", req.OrderID, "agent", req.AgentID, "refunded", res.Refunded.String())
	return &res, nil
}

// errorReason labels an error by class for metrics.
func errorReason(err error) string {
	switch {
	case errors.Is(err, model.ErrValidation):
		return "validation"
	case errors.Is(err, model.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, model.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, model.ErrMarketNotOpen):
		return "market_not_open"
	case errors.Is(err, model.ErrRuleViolation):
		return "rule"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrInvariant):
		return "invariant"
	default:
		return "internal"
	}
}
