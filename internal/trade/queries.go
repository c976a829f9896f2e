package trade

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/moltstreet/market-engine/internal/model"
	"github.com/moltstreet/market-engine/internal/store"
)

// PriceLevel aggregates resting orders at one price.
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Size   int64           `json:"size"` // total remaining shares
	Orders int             `json:"orders"`
}

// OrderBook is the aggregated resting book of one market. Buy levels are
// best (highest) price first, sell levels best (lowest) first.
type OrderBook struct {
	MarketID string       `json:"market_id"`
	YesBuy   []PriceLevel `json:"yes_buy"`
	YesSell  []PriceLevel `json:"yes_sell"`
	NoBuy    []PriceLevel `json:"no_buy"`
	NoSell   []PriceLevel `json:"no_sell"`
}

func (s *Service) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	return s.store.GetAgent(ctx, id)
}

func (s *Service) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return s.store.GetMarket(ctx, id)
}

func (s *Service) ListMarkets(ctx context.Context, status model.MarketStatus) ([]model.Market, error) {
	return nonNil(s.store.ListMarkets(ctx, status))
}

func (s *Service) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.store.GetOrder(ctx, id)
}

func (s *Service) ListOrders(ctx context.Context, f store.OrderFilter) ([]model.Order, error) {
	return nonNil(s.store.ListOrders(ctx, f))
}

func (s *Service) ListTrades(ctx context.Context, marketID string) ([]model.Trade, error) {
	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	return nonNil(s.store.ListTradesByMarket(ctx, marketID))
}

func (s *Service) ListPositions(ctx context.Context, agentID string) ([]model.Position, error) {
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	return nonNil(s.store.ListPositionsByAgent(ctx, agentID))
}

func (s *Service) PlatformStats(ctx context.Context) (*model.PlatformStats, error) {
	return s.store.GetPlatformStats(ctx)
}

func (s *Service) ListPlatformFees(ctx context.Context, marketID string) ([]model.PlatformFee, error) {
	return nonNil(s.store.ListPlatformFees(ctx, marketID))
}

func (s *Service) ListModeratorRewards(ctx context.Context, moderatorID string) ([]model.ModeratorReward, error) {
	return nonNil(s.store.ListModeratorRewards(ctx, moderatorID))
}

// GetOrderBook aggregates a market's open and partial orders by price level.
func (s *Service) GetOrderBook(ctx context.Context, marketID string) (*OrderBook, error) {
	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	orders, err := s.store.ListOrders(ctx, store.OrderFilter{MarketID: marketID, ActiveOnly: true})
	if err != nil {
		return nil, err
	}

	type bookKey struct {
		side model.Side
		typ  model.OrderType
	}
	levels := make(map[bookKey]map[string]*PriceLevel)
	for _, o := range orders {
		if o.Remaining() <= 0 {
			continue
		}
		k := bookKey{o.Side, o.Type}
		if levels[k] == nil {
			levels[k] = make(map[string]*PriceLevel)
		}
		p := o.Price.StringFixed(2)
		lvl, ok := levels[k][p]
		if !ok {
			lvl = &PriceLevel{Price: o.Price}
			levels[k][p] = lvl
		}
		lvl.Size += o.Remaining()
		lvl.Orders++
	}

	flatten := func(k bookKey) []PriceLevel {
		out := make([]PriceLevel, 0, len(levels[k]))
		for _, lvl := range levels[k] {
			out = append(out, *lvl)
		}
		sort.Slice(out, func(i, j int) bool {
			if k.typ == model.OrderBuy {
				return out[i].Price.GreaterThan(out[j].Price)
			}
			return out[i].Price.LessThan(out[j].Price)
		})
		return out
	}

	return &OrderBook{
		MarketID: marketID,
		YesBuy:   flatten(bookKey{model.SideYes, model.OrderBuy}),
		YesSell:  flatten(bookKey{model.SideYes, model.OrderSell}),
		NoBuy:    flatten(bookKey{model.SideNo, model.OrderBuy}),
		NoSell:   flatten(bookKey{model.SideNo, model.OrderSell}),
	}, nil
}

func nonNil[T any](items []T, err error) ([]T, error) {
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}
