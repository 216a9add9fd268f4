// Package store persists trading records in Postgres: positions, orders,
// risk events, and strategy templates. Orders are append-only; risk events
// allow exactly one mutation, resolving them.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fundingflow/internal/model"
	"fundingflow/logger"
)

var ErrNotFound = errors.New("record not found")

type Store struct {
	pool *pgxpool.Pool
	log  *logger.Entry
}

// Connect opens a pool against dsn and verifies the connection.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	return &Store{pool: pool, log: logger.GetLogger().WithComponent("store")}, nil
}

func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the tables when absent. Schema changes beyond that go
// through migrations, not this bootstrap.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id UUID PRIMARY KEY,
			symbol TEXT NOT NULL,
			long_exchange TEXT NOT NULL,
			short_exchange TEXT NOT NULL,
			notional_usd DOUBLE PRECISION NOT NULL,
			leverage DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL,
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id UUID PRIMARY KEY,
			position_id UUID REFERENCES positions(id),
			exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			qty DOUBLE PRECISION NOT NULL,
			avg_price DOUBLE PRECISION,
			status TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS risk_events (
			id UUID PRIMARY KEY,
			kind TEXT NOT NULL,
			symbol TEXT NOT NULL DEFAULT '',
			exchange TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL,
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS strategy_templates (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			min_spread_rate_1y DOUBLE PRECISION NOT NULL,
			min_next_cycle_score DOUBLE PRECISION NOT NULL,
			exchanges TEXT[] NOT NULL DEFAULT '{}',
			notional_usd DOUBLE PRECISION NOT NULL,
			max_leverage_override DOUBLE PRECISION,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			exchange TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_position ON orders(position_id)`,
		`CREATE INDEX IF NOT EXISTS idx_risk_events_resolved ON risk_events(resolved, created_at DESC)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema bootstrap failed: %w", err)
		}
	}
	s.log.Info("record schema ensured")
	return nil
}

func (s *Store) CreatePosition(ctx context.Context, p model.Position) (model.Position, error) {
	p.ID = uuid.NewString()
	p.OpenedAt = time.Now().UTC()
	if p.Status == "" {
		p.Status = "open"
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, symbol, long_exchange, short_exchange, notional_usd, leverage, status, opened_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.Symbol, p.LongExchange, p.ShortExchange, p.NotionalUSD, p.Leverage, p.Status, p.OpenedAt,
	)
	if err != nil {
		return model.Position{}, fmt.Errorf("failed to insert position: %w", err)
	}
	return p, nil
}

func (s *Store) ClosePosition(ctx context.Context, id string) (model.Position, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET status = 'closed', closed_at = $2 WHERE id = $1 AND status <> 'closed'`,
		id, now,
	)
	if err != nil {
		return model.Position{}, fmt.Errorf("failed to close position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Position{}, ErrNotFound
	}
	return s.GetPosition(ctx, id)
}

func (s *Store) GetPosition(ctx context.Context, id string) (model.Position, error) {
	var p model.Position
	err := s.pool.QueryRow(ctx,
		`SELECT id, symbol, long_exchange, short_exchange, notional_usd, leverage, status, opened_at, closed_at
		 FROM positions WHERE id = $1`, id,
	).Scan(&p.ID, &p.Symbol, &p.LongExchange, &p.ShortExchange, &p.NotionalUSD, &p.Leverage, &p.Status, &p.OpenedAt, &p.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Position{}, ErrNotFound
	}
	if err != nil {
		return model.Position{}, fmt.Errorf("failed to load position: %w", err)
	}
	return p, nil
}

func (s *Store) ListPositions(ctx context.Context, status string) ([]model.Position, error) {
	query := `SELECT id, symbol, long_exchange, short_exchange, notional_usd, leverage, status, opened_at, closed_at
	          FROM positions`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY opened_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	positions := []model.Position{}
	for rows.Next() {
		var p model.Position
		if err := rows.Scan(&p.ID, &p.Symbol, &p.LongExchange, &p.ShortExchange, &p.NotionalUSD, &p.Leverage, &p.Status, &p.OpenedAt, &p.ClosedAt); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// AppendOrder records one execution outcome. There is no update path.
func (s *Store) AppendOrder(ctx context.Context, o model.Order) (model.Order, error) {
	o.ID = uuid.NewString()
	o.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, position_id, exchange, symbol, side, qty, avg_price, status, message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, o.PositionID, o.Exchange, o.Symbol, o.Side, o.Qty, o.AvgPrice, o.Status, o.Message, o.CreatedAt,
	)
	if err != nil {
		return model.Order{}, fmt.Errorf("failed to insert order: %w", err)
	}
	return o, nil
}

func (s *Store) ListOrders(ctx context.Context, positionID string) ([]model.Order, error) {
	query := `SELECT id, position_id, exchange, symbol, side, qty, avg_price, status, message, created_at FROM orders`
	args := []interface{}{}
	if positionID != "" {
		query += ` WHERE position_id = $1`
		args = append(args, positionID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	orders := []model.Order{}
	for rows.Next() {
		var o model.Order
		if err := rows.Scan(&o.ID, &o.PositionID, &o.Exchange, &o.Symbol, &o.Side, &o.Qty, &o.AvgPrice, &o.Status, &o.Message, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *Store) AppendRiskEvent(ctx context.Context, e model.RiskEvent) (model.RiskEvent, error) {
	e.ID = uuid.NewString()
	e.CreatedAt = time.Now().UTC()
	e.Resolved = false
	_, err := s.pool.Exec(ctx,
		`INSERT INTO risk_events (id, kind, symbol, exchange, detail, resolved, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.Kind, e.Symbol, e.Exchange, e.Detail, e.Resolved, e.CreatedAt,
	)
	if err != nil {
		return model.RiskEvent{}, fmt.Errorf("failed to insert risk event: %w", err)
	}
	return e, nil
}

func (s *Store) ResolveRiskEvent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE risk_events SET resolved = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to resolve risk event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListRiskEvents(ctx context.Context, includeResolved bool) ([]model.RiskEvent, error) {
	query := `SELECT id, kind, symbol, exchange, detail, resolved, created_at FROM risk_events`
	if !includeResolved {
		query += ` WHERE resolved = FALSE`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk events: %w", err)
	}
	defer rows.Close()

	events := []model.RiskEvent{}
	for rows.Next() {
		var e model.RiskEvent
		if err := rows.Scan(&e.ID, &e.Kind, &e.Symbol, &e.Exchange, &e.Detail, &e.Resolved, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// SaveCredentialToken upserts the sealed credential for an exchange. Only the
// vault-sealed token ever reaches the database.
func (s *Store) SaveCredentialToken(ctx context.Context, exchange model.Exchange, token string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credentials (exchange, token, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (exchange) DO UPDATE SET token = EXCLUDED.token, updated_at = EXCLUDED.updated_at`,
		exchange, token, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

func (s *Store) GetCredentialToken(ctx context.Context, exchange model.Exchange) (string, error) {
	var token string
	err := s.pool.QueryRow(ctx, `SELECT token FROM credentials WHERE exchange = $1`, exchange).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load credential: %w", err)
	}
	return token, nil
}

// ListCredentialExchanges reports which exchanges have stored credentials and
// when they were last rotated, never the secrets themselves.
func (s *Store) ListCredentialExchanges(ctx context.Context) (map[model.Exchange]time.Time, error) {
	rows, err := s.pool.Query(ctx, `SELECT exchange, updated_at FROM credentials ORDER BY exchange`)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	out := map[model.Exchange]time.Time{}
	for rows.Next() {
		var exch model.Exchange
		var updatedAt time.Time
		if err := rows.Scan(&exch, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		out[exch] = updatedAt
	}
	return out, rows.Err()
}

func (s *Store) DeleteCredential(ctx context.Context, exchange model.Exchange) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE exchange = $1`, exchange)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SaveStrategyTemplate(ctx context.Context, t model.StrategyTemplate) (model.StrategyTemplate, error) {
	t.ID = uuid.NewString()
	t.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO strategy_templates (id, name, min_spread_rate_1y, min_next_cycle_score, exchanges, notional_usd, max_leverage_override, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (name) DO UPDATE SET
			min_spread_rate_1y = EXCLUDED.min_spread_rate_1y,
			min_next_cycle_score = EXCLUDED.min_next_cycle_score,
			exchanges = EXCLUDED.exchanges,
			notional_usd = EXCLUDED.notional_usd,
			max_leverage_override = EXCLUDED.max_leverage_override`,
		t.ID, t.Name, t.MinSpreadRate1y, t.MinNextCycleScore, t.Exchanges, t.NotionalUSD, t.MaxLeverageOverride, t.CreatedAt,
	)
	if err != nil {
		return model.StrategyTemplate{}, fmt.Errorf("failed to save strategy template: %w", err)
	}
	return t, nil
}

func (s *Store) ListStrategyTemplates(ctx context.Context) ([]model.StrategyTemplate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, min_spread_rate_1y, min_next_cycle_score, exchanges, notional_usd, max_leverage_override, created_at
		 FROM strategy_templates ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list strategy templates: %w", err)
	}
	defer rows.Close()

	templates := []model.StrategyTemplate{}
	for rows.Next() {
		var t model.StrategyTemplate
		if err := rows.Scan(&t.ID, &t.Name, &t.MinSpreadRate1y, &t.MinNextCycleScore, &t.Exchanges, &t.NotionalUSD, &t.MaxLeverageOverride, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan strategy template: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}
