package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltstreet/market-engine/internal/ledger"
	"github.com/moltstreet/market-engine/internal/model"
	"github.com/moltstreet/market-engine/internal/store"
	"github.com/moltstreet/market-engine/internal/trade"
)

// pgPool is set when TEST_DATABASE_URL points at a disposable database.
var pgPool *pgxpool.Pool

func TestMain(m *testing.M) {
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		ctx := context.Background()
		pool, err := pgxpool.New(ctx, url)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
			os.Exit(1)
		}
		if err := store.Migrate(ctx, pool); err != nil {
			fmt.Fprintf(os.Stderr, "Unable to apply schema: %v\n", err)
			os.Exit(1)
		}
		pgPool = pool
	}

	code := m.Run()
	if pgPool != nil {
		pgPool.Close()
	}
	os.Exit(code)
}

// postgresStore returns a store over freshly truncated tables.
func postgresStore(t *testing.T) *store.PostgresStore {
	t.Helper()
	if pgPool == nil {
		t.Skip("TEST_DATABASE_URL not set")
	}
	_, err := pgPool.Exec(context.Background(), `TRUNCATE TABLE pending_actions, moderator_rewards,
		platform_fees, platform_stats, trades, positions, orders, markets, agents CASCADE`)
	require.NoError(t, err)
	return store.NewPostgresStore(pgPool)
}

func insertAgent(t *testing.T, st store.Store, id, balance string) {
	t.Helper()
	ctx := context.Background()
	err := st.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertAgent(ctx, &model.Agent{
			ID: id, Name: id, Role: model.RoleTrader, TradingMode: model.ModeAuto,
			Balance: d(balance), CreatedAt: time.Now().UTC(),
		})
	})
	require.NoError(t, err)
}

func TestPostgres_RollbackOnError(t *testing.T) {
	ps := postgresStore(t)
	ctx := context.Background()
	insertAgent(t, ps, "alice", "100")

	boom := errors.New("boom")
	err := ps.WithTx(ctx, func(tx store.Tx) error {
		a, err := tx.LockAgent(ctx, "alice")
		if err != nil {
			return err
		}
		a.Balance = d("1")
		if err := tx.UpdateAgent(ctx, a); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	a, err := ps.GetAgent(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(d("100")), a.Balance.String())

	_, err = ps.GetAgent(ctx, "ghost")
	assert.ErrorIs(t, err, model.ErrAgentNotFound)
}

func TestPostgres_ConcurrentLocksNeverOverCommit(t *testing.T) {
	ps := postgresStore(t)
	ctx := context.Background()
	insertAgent(t, ps, "alice", "1000")

	const n = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var ok bool
			err := ps.WithTx(ctx, func(tx store.Tx) error {
				var err error
				ok, err = ledger.LockBalance(ctx, tx, "alice", d("90.90"))
				return err
			})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 11, accepted)
	a, err := ps.GetAgent(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, a.LockedBalance.Equal(d("999.90")), a.LockedBalance.String())
}

func TestPostgres_EndToEnd(t *testing.T) {
	ps := postgresStore(t)
	ctx := context.Background()
	svc := trade.NewService(ps, trade.DefaultOptions(), nil)

	register := func(name string, role model.AgentRole) *model.Agent {
		a, err := svc.RegisterAgent(ctx, trade.RegisterAgentRequest{Name: name, Role: role, TradingMode: model.ModeAuto})
		require.NoError(t, err)
		return a
	}
	alice := register("alice", model.RoleTrader)
	bob := register("bob", model.RoleTrader)
	carol := register("carol", model.RoleTrader)
	mod := register("mod", model.RoleModerator)

	m, err := svc.CreateMarket(ctx, trade.CreateMarketRequest{
		CreatorID: carol.ID, Question: "Will it ship?", Category: model.CategoryTech,
		Deadline: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	_, err = svc.PlaceOrder(ctx, trade.PlaceOrderRequest{
		AgentID: alice.ID, MarketID: m.ID, Side: model.SideYes, Type: model.OrderBuy, Price: d("0.60"), Size: 100,
	})
	require.NoError(t, err)
	res, err := svc.PlaceOrder(ctx, trade.PlaceOrderRequest{
		AgentID: bob.ID, MarketID: m.ID, Side: model.SideNo, Type: model.OrderBuy, Price: d("0.40"), Size: 100,
	})
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)

	a, err := ps.GetAgent(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(d("939.40")), a.Balance.String())
	assert.True(t, a.LockedBalance.IsZero(), a.LockedBalance.String())

	book, err := svc.GetOrderBook(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, book.YesBuy)
	assert.Empty(t, book.NoBuy)

	_, err = svc.ResolveMarket(ctx, trade.ResolveMarketRequest{MarketID: m.ID, Outcome: model.SideYes, ModeratorID: mod.ID})
	require.NoError(t, err)

	a, err = ps.GetAgent(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(d("1038.60")), a.Balance.String())

	stats, err := ps.GetPlatformStats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.TotalTradingFees.Equal(d("1")), stats.TotalTradingFees.String())
	assert.Equal(t, int64(1), stats.TotalTrades)
}
