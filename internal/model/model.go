// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// One is the payout of a winning share and the sum of complementary prices.
var One = decimal.NewFromInt(1)

// Price bounds for limit orders.
var (
	MinPrice = decimal.RequireFromString("0.01")
	MaxPrice = decimal.RequireFromString("0.99")
)

// Side is the binary outcome a share or order refers to.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Valid reports whether s is YES or NO.
func (s Side) Valid() bool { return s == SideYes || s == SideNo }

// Opposite returns the complementary side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// OrderType says whether an order acquires (buy) or disposes of (sell) shares.
type OrderType string

const (
	OrderBuy  OrderType = "buy"
	OrderSell OrderType = "sell"
)

func (t OrderType) Valid() bool { return t == OrderBuy || t == OrderSell }

func (t OrderType) Opposite() OrderType {
	if t == OrderBuy {
		return OrderSell
	}
	return OrderBuy
}

type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// Active reports whether an order in this status can still trade.
func (s OrderStatus) Active() bool { return s == OrderOpen || s == OrderPartial }

type MarketStatus string

const (
	MarketOpen     MarketStatus = "open"
	MarketClosed   MarketStatus = "closed"
	MarketResolved MarketStatus = "resolved"
)

// Outcome is the resolved result of a market. The empty value means unresolved.
type Outcome = Side

type MarketCategory string

const (
	CategoryCrypto   MarketCategory = "crypto"
	CategoryPolitics MarketCategory = "politics"
	CategorySports   MarketCategory = "sports"
	CategoryTech     MarketCategory = "tech"
	CategoryAI       MarketCategory = "ai"
	CategoryFinance  MarketCategory = "finance"
	CategoryCulture  MarketCategory = "culture"
)

var validCategories = map[MarketCategory]bool{
	CategoryCrypto:   true,
	CategoryPolitics: true,
	CategorySports:   true,
	CategoryTech:     true,
	CategoryAI:       true,
	CategoryFinance:  true,
	CategoryCulture:  true,
}

func (c MarketCategory) Valid() bool { return validCategories[c] }

// AgentRole is mutually exclusive: traders trade, moderators resolve.
type AgentRole string

const (
	RoleTrader    AgentRole = "trader"
	RoleModerator AgentRole = "moderator"
)

func (r AgentRole) Valid() bool { return r == RoleTrader || r == RoleModerator }

// TradingMode decides whether an agent's actions need owner approval.
type TradingMode string

const (
	ModeManual TradingMode = "manual"
	ModeAuto   TradingMode = "auto"
)

func (m TradingMode) Valid() bool { return m == ModeManual || m == ModeAuto }

// Agent is a participant holding a token balance.
type Agent struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Role          AgentRole       `json:"role"`
	TradingMode   TradingMode     `json:"trading_mode"`
	Balance       decimal.Decimal `json:"balance"`
	LockedBalance decimal.Decimal `json:"locked_balance"`
	Reputation    decimal.Decimal `json:"reputation"`
	CreatedAt     time.Time       `json:"created_at"`
}

// AvailableBalance is the balance not reserved by open orders.
func (a *Agent) AvailableBalance() decimal.Decimal {
	return a.Balance.Sub(a.LockedBalance)
}

func (a *Agent) CanTrade() bool   { return a.Role == RoleTrader }
func (a *Agent) CanResolve() bool { return a.Role == RoleModerator }

// Market is a YES/NO binary question.
type Market struct {
	ID                 string          `json:"id"`
	CreatorID          string          `json:"creator_id"`
	Question           string          `json:"question"`
	Description        string          `json:"description,omitempty"`
	Category           MarketCategory  `json:"category"`
	Deadline           time.Time       `json:"deadline"`
	Status             MarketStatus    `json:"status"`
	Outcome            Outcome         `json:"outcome,omitempty"`
	YesPrice           decimal.Decimal `json:"yes_price"`
	NoPrice            decimal.Decimal `json:"no_price"`
	Volume             decimal.Decimal `json:"volume"`
	ResolvedAt         *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy         string          `json:"resolved_by,omitempty"`
	ResolutionEvidence string          `json:"resolution_evidence,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Order is a limit order to buy or sell shares of one side of a market.
type Order struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	MarketID  string          `json:"market_id"`
	Side      Side            `json:"side"`
	Type      OrderType       `json:"order_type"`
	Price     decimal.Decimal `json:"price"`
	Size      int64           `json:"size"`
	Filled    int64           `json:"filled"`
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`

	// Seq breaks created_at ties; assigned by the store on insert.
	Seq int64 `json:"-"`
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() int64 { return o.Size - o.Filled }

// Fill records size more shares as filled and recomputes the status.
func (o *Order) Fill(size int64) {
	o.Filled += size
	if o.Filled >= o.Size {
		o.Status = OrderFilled
	} else {
		o.Status = OrderPartial
	}
}

// Trade is an immutable record of one match.
// Complementary trades are recorded from the YES perspective: the buyer
// holds the YES leg and Price is the YES price.
type Trade struct {
	ID          string          `json:"id"`
	MarketID    string          `json:"market_id"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	BuyerID     string          `json:"buyer_id"`
	SellerID    string          `json:"seller_id"`
	Side        Side            `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Size        int64           `json:"size"`
	BuyerFee    decimal.Decimal `json:"buyer_fee"`
	SellerFee   decimal.Decimal `json:"seller_fee"`
	TotalFee    decimal.Decimal `json:"total_fee"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Notional is price times size.
func (t *Trade) Notional() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Size))
}

// Position is an agent's share holdings in one market.
type Position struct {
	AgentID     string              `json:"agent_id"`
	MarketID    string              `json:"market_id"`
	YesShares   int64               `json:"yes_shares"`
	NoShares    int64               `json:"no_shares"`
	AvgYesPrice decimal.NullDecimal `json:"avg_yes_price"`
	AvgNoPrice  decimal.NullDecimal `json:"avg_no_price"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Shares returns the holding and cost basis for one side.
func (p *Position) Shares(side Side) (int64, decimal.NullDecimal) {
	if side == SideYes {
		return p.YesShares, p.AvgYesPrice
	}
	return p.NoShares, p.AvgNoPrice
}

type FeeType string

const (
	FeeTrading        FeeType = "trading"
	FeeMarketCreation FeeType = "market_creation"
	FeeSettlement     FeeType = "settlement"
)

// PlatformFee is an append-only record of a fee collected.
type PlatformFee struct {
	ID          string          `json:"id"`
	Type        FeeType         `json:"fee_type"`
	Amount      decimal.Decimal `json:"amount"`
	AgentID     string          `json:"agent_id,omitempty"`
	MarketID    string          `json:"market_id,omitempty"`
	TradeID     string          `json:"trade_id,omitempty"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// PlatformStats is the single-row aggregate of platform activity.
type PlatformStats struct {
	TotalTradingFees        decimal.Decimal `json:"total_trading_fees"`
	TotalMarketCreationFees decimal.Decimal `json:"total_market_creation_fees"`
	TotalSettlementFees     decimal.Decimal `json:"total_settlement_fees"`
	TotalVolume             decimal.Decimal `json:"total_volume"`
	TotalTrades             int64           `json:"total_trades"`
	TotalMarketsCreated     int64           `json:"total_markets_created"`
	TotalMarketsResolved    int64           `json:"total_markets_resolved"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

// ModeratorReward records what a moderator earned for resolving a market.
type ModeratorReward struct {
	ID                 string          `json:"id"`
	ModeratorID        string          `json:"moderator_id"`
	MarketID           string          `json:"market_id"`
	PlatformShare      decimal.Decimal `json:"platform_share"`
	WinnerFee          decimal.Decimal `json:"winner_fee"`
	TotalReward        decimal.Decimal `json:"total_reward"`
	TotalWinnerProfits decimal.Decimal `json:"total_winner_profits"`
	CreatedAt          time.Time       `json:"created_at"`
}

type ActionType string

const (
	ActionPlaceOrder   ActionType = "place_order"
	ActionCancelOrder  ActionType = "cancel_order"
	ActionTransfer     ActionType = "transfer"
	ActionCreateMarket ActionType = "create_market"
)

type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionApproved ActionStatus = "approved"
	ActionRejected ActionStatus = "rejected"
	ActionExpired  ActionStatus = "expired"
)

// PendingAction is a manual-mode request awaiting owner approval.
type PendingAction struct {
	ID              string          `json:"id"`
	AgentID         string          `json:"agent_id"`
	Type            ActionType      `json:"action_type"`
	Payload         json.RawMessage `json:"payload"`
	Status          ActionStatus    `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	ReviewedAt      *time.Time      `json:"reviewed_at,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
}

// Expired reports whether the action's approval window has passed at now.
func (a *PendingAction) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// Reviewable reports whether the action can still be approved or rejected.
func (a *PendingAction) Reviewable(now time.Time) bool {
	return a.Status == ActionPending && !a.Expired(now)
}
