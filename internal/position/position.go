// Package position tracks each agent's YES/NO holdings and cost basis per
// market.
package position

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moltstreet/market-engine/internal/model"
	"github.com/moltstreet/market-engine/internal/store"
)

// ApplyFill updates the agent's position for one fill. A buy (delta > 0)
// folds price into the volume-weighted average; a sell (delta < 0) only
// reduces the share count, leaving the cost basis as it was.
// The position row is created lazily on the first fill.
func ApplyFill(ctx context.Context, tx store.Tx, agentID, marketID string, side model.Side, delta int64, price decimal.Decimal, isBuy bool) (*model.Position, error) {
	if isBuy != (delta > 0) || delta == 0 {
		return nil, model.Invariantf("fill of %d shares with isBuy=%t", delta, isBuy)
	}

	p, found, err := tx.LockPosition(ctx, agentID, marketID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if !found {
		p = &model.Position{AgentID: agentID, MarketID: marketID, CreatedAt: now}
	}

	shares, avg := p.Shares(side)
	if isBuy {
		avg = weightedAverage(shares, avg, delta, price)
	}
	shares += delta
	if shares < 0 {
		return nil, model.Invariantf("agent %s would hold %d %s shares in market %s", agentID, shares, side, marketID)
	}

	if side == model.SideYes {
		p.YesShares, p.AvgYesPrice = shares, avg
	} else {
		p.NoShares, p.AvgNoPrice = shares, avg
	}
	p.UpdatedAt = now

	if err := tx.SavePosition(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func weightedAverage(held int64, avg decimal.NullDecimal, bought int64, price decimal.Decimal) decimal.NullDecimal {
	if held <= 0 || !avg.Valid {
		return decimal.NewNullDecimal(price)
	}
	cost := avg.Decimal.Mul(decimal.NewFromInt(held)).Add(price.Mul(decimal.NewFromInt(bought)))
	return decimal.NewNullDecimal(cost.Div(decimal.NewFromInt(held + bought)))
}

// SellableShares is the number of side shares the agent can still offer:
// its holding minus what its open SELL orders on that side already reserve.
func SellableShares(ctx context.Context, tx store.Tx, agentID, marketID string, side model.Side) (int64, error) {
	p, found, err := tx.LockPosition(ctx, agentID, marketID)
	if err != nil {
		return 0, err
	}
	var held int64
	if found {
		held, _ = p.Shares(side)
	}
	reserved, err := tx.OpenSellShares(ctx, agentID, marketID, side)
	if err != nil {
		return 0, err
	}
	return held - reserved, nil
}
