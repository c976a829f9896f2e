package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/moltstreet/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// they are written as text casts and read back as ::TEXT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- Column lists and scanners ---

const (
	agentCols = `id, name, role, trading_mode, balance::TEXT, locked_balance::TEXT,
		reputation::TEXT, created_at`

	marketCols = `id, creator_id, question, description, category, deadline, status,
		COALESCE(outcome, ''), yes_price::TEXT, no_price::TEXT, volume::TEXT,
		resolved_at, COALESCE(resolved_by, ''), COALESCE(resolution_evidence, ''), created_at`

	orderCols = `id, seq, agent_id, market_id, side, order_type, price::TEXT,
		size, filled, status, created_at`

	positionCols = `agent_id, market_id, yes_shares, no_shares,
		avg_yes_price::TEXT, avg_no_price::TEXT, created_at, updated_at`

	tradeCols = `id, market_id, buy_order_id, sell_order_id, buyer_id, seller_id, side,
		price::TEXT, size, buyer_fee::TEXT, seller_fee::TEXT, total_fee::TEXT, created_at`

	feeCols = `id, fee_type, amount::TEXT, COALESCE(agent_id, ''), COALESCE(market_id, ''),
		COALESCE(trade_id, ''), COALESCE(description, ''), created_at`

	statsCols = `total_trading_fees::TEXT, total_market_creation_fees::TEXT,
		total_settlement_fees::TEXT, total_volume::TEXT, total_trades,
		total_markets_created, total_markets_resolved, updated_at`

	rewardCols = `id, moderator_id, market_id, platform_share::TEXT, winner_fee::TEXT,
		total_reward::TEXT, total_winner_profits::TEXT, created_at`

	actionCols = `id, agent_id, action_type, payload::TEXT, status, created_at, expires_at,
		reviewed_at, COALESCE(rejection_reason, ''), result::TEXT`
)

// numerics parses NUMERIC text columns, keeping the first error.
type numerics struct{ err error }

func (n *numerics) parse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil && n.err == nil {
		n.err = fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return d
}

func (n *numerics) parseNull(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(n.parse(*s))
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullNumeric(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func notFound(err error, class error, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", class, id)
	}
	return err
}

func scanAgent(row pgx.Row) (*model.Agent, error) {
	var a model.Agent
	var balance, locked, reputation string
	if err := row.Scan(&a.ID, &a.Name, &a.Role, &a.TradingMode,
		&balance, &locked, &reputation, &a.CreatedAt); err != nil {
		return nil, err
	}
	var n numerics
	a.Balance = n.parse(balance)
	a.LockedBalance = n.parse(locked)
	a.Reputation = n.parse(reputation)
	return &a, n.err
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var outcome, yes, no, volume string
	if err := row.Scan(&m.ID, &m.CreatorID, &m.Question, &m.Description, &m.Category,
		&m.Deadline, &m.Status, &outcome, &yes, &no, &volume,
		&m.ResolvedAt, &m.ResolvedBy, &m.ResolutionEvidence, &m.CreatedAt); err != nil {
		return nil, err
	}
	var n numerics
	m.Outcome = model.Outcome(outcome)
	m.YesPrice = n.parse(yes)
	m.NoPrice = n.parse(no)
	m.Volume = n.parse(volume)
	return &m, n.err
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var price string
	if err := row.Scan(&o.ID, &o.Seq, &o.AgentID, &o.MarketID, &o.Side, &o.Type,
		&price, &o.Size, &o.Filled, &o.Status, &o.CreatedAt); err != nil {
		return nil, err
	}
	var n numerics
	o.Price = n.parse(price)
	return &o, n.err
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var avgYes, avgNo *string
	if err := row.Scan(&p.AgentID, &p.MarketID, &p.YesShares, &p.NoShares,
		&avgYes, &avgNo, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var n numerics
	p.AvgYesPrice = n.parseNull(avgYes)
	p.AvgNoPrice = n.parseNull(avgNo)
	return &p, n.err
}

func scanTrade(row pgx.Row) (*model.Trade, error) {
	var t model.Trade
	var price, buyerFee, sellerFee, totalFee string
	if err := row.Scan(&t.ID, &t.MarketID, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID,
		&t.SellerID, &t.Side, &price, &t.Size, &buyerFee, &sellerFee, &totalFee,
		&t.CreatedAt); err != nil {
		return nil, err
	}
	var n numerics
	t.Price = n.parse(price)
	t.BuyerFee = n.parse(buyerFee)
	t.SellerFee = n.parse(sellerFee)
	t.TotalFee = n.parse(totalFee)
	return &t, n.err
}

func scanFee(row pgx.Row) (*model.PlatformFee, error) {
	var f model.PlatformFee
	var amount string
	if err := row.Scan(&f.ID, &f.Type, &amount, &f.AgentID, &f.MarketID, &f.TradeID,
		&f.Description, &f.CreatedAt); err != nil {
		return nil, err
	}
	var n numerics
	f.Amount = n.parse(amount)
	return &f, n.err
}

func scanStats(row pgx.Row) (*model.PlatformStats, error) {
	var s model.PlatformStats
	var trading, creation, settlement, volume string
	if err := row.Scan(&trading, &creation, &settlement, &volume, &s.TotalTrades,
		&s.TotalMarketsCreated, &s.TotalMarketsResolved, &s.UpdatedAt); err != nil {
		return nil, err
	}
	var n numerics
	s.TotalTradingFees = n.parse(trading)
	s.TotalMarketCreationFees = n.parse(creation)
	s.TotalSettlementFees = n.parse(settlement)
	s.TotalVolume = n.parse(volume)
	return &s, n.err
}

func scanReward(row pgx.Row) (*model.ModeratorReward, error) {
	var r model.ModeratorReward
	var share, winnerFee, total, profits string
	if err := row.Scan(&r.ID, &r.ModeratorID, &r.MarketID, &share, &winnerFee,
		&total, &profits, &r.CreatedAt); err != nil {
		return nil, err
	}
	var n numerics
	r.PlatformShare = n.parse(share)
	r.WinnerFee = n.parse(winnerFee)
	r.TotalReward = n.parse(total)
	r.TotalWinnerProfits = n.parse(profits)
	return &r, n.err
}

func scanAction(row pgx.Row) (*model.PendingAction, error) {
	var a model.PendingAction
	var payload string
	var result *string
	if err := row.Scan(&a.ID, &a.AgentID, &a.Type, &payload, &a.Status, &a.CreatedAt,
		&a.ExpiresAt, &a.ReviewedAt, &a.RejectionReason, &result); err != nil {
		return nil, err
	}
	a.Payload = []byte(payload)
	if result != nil {
		a.Result = []byte(*result)
	}
	return &a, nil
}

// collect drains rows through scan.
func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	defer rows.Close()
	var out []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func values[T any](ptrs []*T) []T {
	out := make([]T, 0, len(ptrs))
	for _, p := range ptrs {
		out = append(out, *p)
	}
	return out
}

// --- Reader ---

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentCols+` FROM agents WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, model.ErrAgentNotFound, id)
	}
	return a, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, model.ErrMarketNotFound, id)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context, status model.MarketStatus) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketCols+` FROM markets
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY created_at DESC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	ms, err := collect(rows, scanMarket)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	return values(ms), nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, model.ErrOrderNotFound, id)
	}
	return o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.AgentID != "" {
		add("agent_id = $%d", f.AgentID)
	}
	if f.MarketID != "" {
		add("market_id = $%d", f.MarketID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.ActiveOnly {
		args = append(args, string(model.OrderOpen), string(model.OrderPartial))
		where = append(where, fmt.Sprintf("status IN ($%d, $%d)", len(args)-1, len(args)))
	}

	q := `SELECT ` + orderCols + ` FROM orders`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, seq DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	os, err := collect(rows, scanOrder)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return values(os), nil
}

func (s *PostgresStore) ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeCols+` FROM trades WHERE market_id = $1 ORDER BY created_at, id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	ts, err := collect(rows, scanTrade)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	return values(ts), nil
}

func (s *PostgresStore) ListPositionsByAgent(ctx context.Context, agentID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE agent_id = $1 ORDER BY created_at`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	ps, err := collect(rows, scanPosition)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	return values(ps), nil
}

func (s *PostgresStore) GetPlatformStats(ctx context.Context) (*model.PlatformStats, error) {
	st, err := scanStats(s.pool.QueryRow(ctx, `SELECT `+statsCols+` FROM platform_stats WHERE id = 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.PlatformStats{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get platform stats: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) ListPlatformFees(ctx context.Context, marketID string) ([]model.PlatformFee, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+feeCols+` FROM platform_fees
		 WHERE ($1 = '' OR market_id = $1)
		 ORDER BY created_at`, marketID)
	if err != nil {
		return nil, fmt.Errorf("list platform fees: %w", err)
	}
	fs, err := collect(rows, scanFee)
	if err != nil {
		return nil, fmt.Errorf("list platform fees: %w", err)
	}
	return values(fs), nil
}

func (s *PostgresStore) ListModeratorRewards(ctx context.Context, moderatorID string) ([]model.ModeratorReward, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+rewardCols+` FROM moderator_rewards
		 WHERE moderator_id = $1 ORDER BY created_at`, moderatorID)
	if err != nil {
		return nil, fmt.Errorf("list moderator rewards: %w", err)
	}
	rs, err := collect(rows, scanReward)
	if err != nil {
		return nil, fmt.Errorf("list moderator rewards: %w", err)
	}
	return values(rs), nil
}

func (s *PostgresStore) GetPendingAction(ctx context.Context, id string) (*model.PendingAction, error) {
	a, err := scanAction(s.pool.QueryRow(ctx, `SELECT `+actionCols+` FROM pending_actions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, model.ErrActionNotFound, id)
	}
	return a, nil
}

func (s *PostgresStore) ListPendingActions(ctx context.Context, agentID string, status model.ActionStatus) ([]model.PendingAction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+actionCols+` FROM pending_actions
		 WHERE agent_id = $1 AND ($2 = '' OR status = $2)
		 ORDER BY created_at DESC`, agentID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list pending actions: %w", err)
	}
	as, err := collect(rows, scanAction)
	if err != nil {
		return nil, fmt.Errorf("list pending actions: %w", err)
	}
	return values(as), nil
}

// --- Tx ---

type pgTx struct {
	q querier
}

func (t *pgTx) InsertAgent(ctx context.Context, a *model.Agent) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO agents (id, name, role, trading_mode, balance, locked_balance, reputation, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
		a.ID, a.Name, string(a.Role), string(a.TradingMode),
		a.Balance.String(), a.LockedBalance.String(), a.Reputation.String(), a.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", model.ErrDuplicateName, a.Name)
	}
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (t *pgTx) LockAgent(ctx context.Context, id string) (*model.Agent, error) {
	a, err := scanAgent(t.q.QueryRow(ctx, `SELECT `+agentCols+` FROM agents WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, model.ErrAgentNotFound, id)
	}
	return a, nil
}

func (t *pgTx) UpdateAgent(ctx context.Context, a *model.Agent) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE agents SET role = $2, trading_mode = $3, balance = $4::NUMERIC,
		        locked_balance = $5::NUMERIC, reputation = $6::NUMERIC
		 WHERE id = $1`,
		a.ID, string(a.Role), string(a.TradingMode),
		a.Balance.String(), a.LockedBalance.String(), a.Reputation.String())
	if err != nil {
		return fmt.Errorf("update agent %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrAgentNotFound, a.ID)
	}
	return nil
}

func (t *pgTx) InsertMarket(ctx context.Context, m *model.Market) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO markets (id, creator_id, question, description, category, deadline, status,
		                      outcome, yes_price, no_price, volume, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12)`,
		m.ID, m.CreatorID, m.Question, m.Description, string(m.Category), m.Deadline,
		string(m.Status), nullString(string(m.Outcome)),
		m.YesPrice.String(), m.NoPrice.String(), m.Volume.String(), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert market: %w", err)
	}
	return nil
}

func (t *pgTx) LockMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(t.q.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, model.ErrMarketNotFound, id)
	}
	return m, nil
}

func (t *pgTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE markets SET status = $2, outcome = $3, yes_price = $4::NUMERIC,
		        no_price = $5::NUMERIC, volume = $6::NUMERIC, resolved_at = $7,
		        resolved_by = $8, resolution_evidence = $9
		 WHERE id = $1`,
		m.ID, string(m.Status), nullString(string(m.Outcome)),
		m.YesPrice.String(), m.NoPrice.String(), m.Volume.String(),
		m.ResolvedAt, nullString(m.ResolvedBy), nullString(m.ResolutionEvidence))
	if err != nil {
		return fmt.Errorf("update market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrMarketNotFound, m.ID)
	}
	return nil
}

func (t *pgTx) LockExpiredMarkets(ctx context.Context, now time.Time) ([]*model.Market, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+marketCols+` FROM markets
		 WHERE status = $1 AND deadline <= $2
		 ORDER BY deadline
		 FOR UPDATE`, string(model.MarketOpen), now)
	if err != nil {
		return nil, fmt.Errorf("lock expired markets: %w", err)
	}
	return collect(rows, scanMarket)
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	err := t.q.QueryRow(ctx,
		`INSERT INTO orders (id, agent_id, market_id, side, order_type, price, size, filled, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10)
		 RETURNING seq`,
		o.ID, o.AgentID, o.MarketID, string(o.Side), string(o.Type), o.Price.String(),
		o.Size, o.Filled, string(o.Status), o.CreatedAt).Scan(&o.Seq)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (t *pgTx) LockOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(t.q.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, model.ErrOrderNotFound, id)
	}
	return o, nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE orders SET filled = $2, status = $3 WHERE id = $1`,
		o.ID, o.Filled, string(o.Status))
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrOrderNotFound, o.ID)
	}
	return nil
}

func (t *pgTx) LockMatchCandidates(ctx context.Context, q MatchQuery) ([]*model.Order, error) {
	args := []any{q.MarketID, string(q.Side), string(q.Type), q.ExcludeAgentID,
		string(model.OrderOpen), string(model.OrderPartial)}
	sql := `SELECT ` + orderCols + ` FROM orders
		 WHERE market_id = $1 AND side = $2 AND order_type = $3 AND agent_id <> $4
		   AND status IN ($5, $6)`
	if q.MinPrice.Valid {
		args = append(args, q.MinPrice.Decimal.String())
		sql += fmt.Sprintf(` AND price >= $%d::NUMERIC`, len(args))
	}
	if q.MaxPrice.Valid {
		args = append(args, q.MaxPrice.Decimal.String())
		sql += fmt.Sprintf(` AND price <= $%d::NUMERIC`, len(args))
	}
	dir := "ASC"
	if q.PriceDescending {
		dir = "DESC"
	}
	sql += ` ORDER BY price ` + dir + `, created_at ASC, seq ASC FOR UPDATE`

	rows, err := t.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("lock match candidates: %w", err)
	}
	return collect(rows, scanOrder)
}

func (t *pgTx) LockActiveOrdersByMarket(ctx context.Context, marketID string) ([]*model.Order, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE market_id = $1 AND status IN ($2, $3)
		 ORDER BY seq
		 FOR UPDATE`, marketID, string(model.OrderOpen), string(model.OrderPartial))
	if err != nil {
		return nil, fmt.Errorf("lock active orders: %w", err)
	}
	return collect(rows, scanOrder)
}

func (t *pgTx) OpenSellShares(ctx context.Context, agentID, marketID string, side model.Side) (int64, error) {
	var n int64
	err := t.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(size - filled), 0)::BIGINT FROM orders
		 WHERE agent_id = $1 AND market_id = $2 AND side = $3 AND order_type = $4
		   AND status IN ($5, $6)`,
		agentID, marketID, string(side), string(model.OrderSell),
		string(model.OrderOpen), string(model.OrderPartial)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("open sell shares: %w", err)
	}
	return n, nil
}

func (t *pgTx) LockPosition(ctx context.Context, agentID, marketID string) (*model.Position, bool, error) {
	p, err := scanPosition(t.q.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE agent_id = $1 AND market_id = $2 FOR UPDATE`, agentID, marketID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lock position: %w", err)
	}
	return p, true, nil
}

func (t *pgTx) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO positions (agent_id, market_id, yes_shares, no_shares, avg_yes_price,
		                        avg_no_price, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)
		 ON CONFLICT (agent_id, market_id) DO UPDATE SET
		     yes_shares = EXCLUDED.yes_shares,
		     no_shares = EXCLUDED.no_shares,
		     avg_yes_price = EXCLUDED.avg_yes_price,
		     avg_no_price = EXCLUDED.avg_no_price,
		     updated_at = EXCLUDED.updated_at`,
		p.AgentID, p.MarketID, p.YesShares, p.NoShares,
		nullNumeric(p.AvgYesPrice), nullNumeric(p.AvgNoPrice), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

func (t *pgTx) LockPositionsByMarket(ctx context.Context, marketID string) ([]*model.Position, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE market_id = $1 ORDER BY agent_id FOR UPDATE`, marketID)
	if err != nil {
		return nil, fmt.Errorf("lock positions: %w", err)
	}
	return collect(rows, scanPosition)
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO trades (id, market_id, buy_order_id, sell_order_id, buyer_id, seller_id, side,
		                     price, size, buyer_fee, seller_fee, total_fee, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13)`,
		tr.ID, tr.MarketID, tr.BuyOrderID, tr.SellOrderID, tr.BuyerID, tr.SellerID,
		string(tr.Side), tr.Price.String(), tr.Size,
		tr.BuyerFee.String(), tr.SellerFee.String(), tr.TotalFee.String(), tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (t *pgTx) InsertPlatformFee(ctx context.Context, f *model.PlatformFee) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO platform_fees (id, fee_type, amount, agent_id, market_id, trade_id, description, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8)`,
		f.ID, string(f.Type), f.Amount.String(), nullString(f.AgentID), nullString(f.MarketID),
		nullString(f.TradeID), nullString(f.Description), f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert platform fee: %w", err)
	}
	return nil
}

func (t *pgTx) InsertModeratorReward(ctx context.Context, r *model.ModeratorReward) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO moderator_rewards (id, moderator_id, market_id, platform_share, winner_fee,
		                                total_reward, total_winner_profits, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
		r.ID, r.ModeratorID, r.MarketID, r.PlatformShare.String(), r.WinnerFee.String(),
		r.TotalReward.String(), r.TotalWinnerProfits.String(), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert moderator reward: %w", err)
	}
	return nil
}

func (t *pgTx) LockPlatformStats(ctx context.Context) (*model.PlatformStats, error) {
	if _, err := t.q.Exec(ctx,
		`INSERT INTO platform_stats (id) VALUES (1) ON CONFLICT (id) DO NOTHING`); err != nil {
		return nil, fmt.Errorf("init platform stats: %w", err)
	}
	st, err := scanStats(t.q.QueryRow(ctx, `SELECT `+statsCols+` FROM platform_stats WHERE id = 1 FOR UPDATE`))
	if err != nil {
		return nil, fmt.Errorf("lock platform stats: %w", err)
	}
	return st, nil
}

func (t *pgTx) UpdatePlatformStats(ctx context.Context, s *model.PlatformStats) error {
	_, err := t.q.Exec(ctx,
		`UPDATE platform_stats SET
		     total_trading_fees = $1::NUMERIC,
		     total_market_creation_fees = $2::NUMERIC,
		     total_settlement_fees = $3::NUMERIC,
		     total_volume = $4::NUMERIC,
		     total_trades = $5,
		     total_markets_created = $6,
		     total_markets_resolved = $7,
		     updated_at = $8
		 WHERE id = 1`,
		s.TotalTradingFees.String(), s.TotalMarketCreationFees.String(),
		s.TotalSettlementFees.String(), s.TotalVolume.String(),
		s.TotalTrades, s.TotalMarketsCreated, s.TotalMarketsResolved, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update platform stats: %w", err)
	}
	return nil
}

func (t *pgTx) InsertPendingAction(ctx context.Context, a *model.PendingAction) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO pending_actions (id, agent_id, action_type, payload, status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4::JSONB, $5, $6, $7)`,
		a.ID, a.AgentID, string(a.Type), string(a.Payload), string(a.Status), a.CreatedAt, a.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert pending action: %w", err)
	}
	return nil
}

func (t *pgTx) LockPendingAction(ctx context.Context, id string) (*model.PendingAction, error) {
	a, err := scanAction(t.q.QueryRow(ctx,
		`SELECT `+actionCols+` FROM pending_actions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, model.ErrActionNotFound, id)
	}
	return a, nil
}

func (t *pgTx) UpdatePendingAction(ctx context.Context, a *model.PendingAction) error {
	var result *string
	if len(a.Result) > 0 {
		s := string(a.Result)
		result = &s
	}
	tag, err := t.q.Exec(ctx,
		`UPDATE pending_actions SET status = $2, reviewed_at = $3, rejection_reason = $4,
		        result = $5::JSONB
		 WHERE id = $1`,
		a.ID, string(a.Status), a.ReviewedAt, nullString(a.RejectionReason), result)
	if err != nil {
		return fmt.Errorf("update pending action %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrActionNotFound, a.ID)
	}
	return nil
}

func (t *pgTx) LockExpiredPendingActions(ctx context.Context, now time.Time) ([]*model.PendingAction, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+actionCols+` FROM pending_actions
		 WHERE status = $1 AND expires_at < $2
		 ORDER BY created_at
		 FOR UPDATE`, string(model.ActionPending), now)
	if err != nil {
		return nil, fmt.Errorf("lock expired actions: %w", err)
	}
	return collect(rows, scanAction)
}

// Compile-time interface checks.
var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*pgTx)(nil)
)
