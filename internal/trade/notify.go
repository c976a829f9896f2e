package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/moltstreet/market-engine/internal/model"
)

// Event types published after a committed operation.
const (
	EventOrderUpdated  = "order_updated"
	EventTradeExecuted = "trade_executed"
	EventMarketUpdated = "market_updated"
)

// Event is the JSON message delivered to real-time subscribers.
type Event struct {
	Type     string        `json:"type"`
	MarketID string        `json:"market_id"`
	Order    *model.Order  `json:"order,omitempty"`
	Trade    *model.Trade  `json:"trade,omitempty"`
	Market   *model.Market `json:"market,omitempty"`
}

// Notifier receives events after commit. Delivery is best effort; a
// Notifier must never block the caller.
type Notifier interface {
	Notify(ev Event)
}

// Notifiers fans an event out to several sinks.
type Notifiers []Notifier

func (ns Notifiers) Notify(ev Event) {
	for _, n := range ns {
		if n != nil {
			n.Notify(ev)
		}
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}

// RedisPublisher publishes events on the market:{id} channel so other
// instances and external consumers can follow the book.
type RedisPublisher struct {
	rdb     *redis.Client
	timeout time.Duration
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, timeout: 2 * time.Second}
}

func (p *RedisPublisher) Notify(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if err := p.rdb.Publish(ctx, Channel(ev.MarketID), data).Err(); err != nil {
			slog.Warn("publish event failed", "type", ev.Type, "market", ev.MarketID, "err", err)
		}
	}()
}

// Channel is the pub/sub channel carrying a market's events.
func Channel(marketID string) string { return "market:" + marketID }
