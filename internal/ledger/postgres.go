package ledger

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mqr-labs/keybar-bot/internal/config"
	"github.com/mqr-labs/keybar-bot/internal/models"
)

const connectTimeout = 10 * time.Second

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		ticket BIGINT PRIMARY KEY,
		symbol VARCHAR(20) NOT NULL,
		side VARCHAR(4) NOT NULL,
		volume DECIMAL(20, 8) NOT NULL,
		entry DECIMAL(20, 8) NOT NULL,
		stop_loss DECIMAL(20, 8),
		take_profit DECIMAL(20, 8),
		strategy VARCHAR(100) NOT NULL,
		risk_reward DECIMAL(10, 4),
		status VARCHAR(10) NOT NULL DEFAULT 'OPEN',
		close_reason VARCHAR(20),
		close_price DECIMAL(20, 8),
		comment VARCHAR(100),
		extra_json JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_strategy ON orders(strategy)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,

	`CREATE TABLE IF NOT EXISTS logs (
		id SERIAL PRIMARY KEY,
		level VARCHAR(10) NOT NULL,
		logger_name VARCHAR(100),
		message TEXT NOT NULL,
		symbol VARCHAR(20),
		strategy VARCHAR(100),
		extra_json JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_created_at ON logs(created_at)`,
}

// Postgres is the pgx-backed ledger.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *log.Logger
	ny     *time.Location
	now    func() time.Time
}

// Ensure Postgres implements Interface at compile time.
var _ Interface = (*Postgres)(nil)

// NewPostgres connects to the database, runs migrations, and returns the
// ledger.
func NewPostgres(ctx context.Context, cfg config.DatabaseConfig, logger *log.Logger) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.HealthCheckPeriod = time.Minute

	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(connCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		logger.Printf("Failed to load America/New_York, using fixed ET offset: %v", err)
		ny = time.FixedZone("ET", -5*60*60)
	}

	p := &Postgres{pool: pool, logger: logger, ny: ny, now: time.Now}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Printf("Connected to ledger database %s", cfg.Database)
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("running migration: %w", err)
		}
	}
	return nil
}

// Close shuts down the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// InsertOpen implements Interface.
func (p *Postgres) InsertOpen(ctx context.Context, order *models.Order) error {
	if err := order.Validate(); err != nil {
		return err
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = p.now().UTC()
	}
	order.Status = models.StatusOpen

	_, err := p.pool.Exec(ctx, `
		INSERT INTO orders (ticket, symbol, side, volume, entry, stop_loss, take_profit,
			strategy, risk_reward, status, comment, extra_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (ticket) DO NOTHING`,
		order.Ticket, order.Symbol, string(order.Side), order.Volume, order.Entry,
		order.StopLoss, order.TakeProfit, order.Strategy, order.RiskReward,
		string(order.Status), order.Comment, nullableJSON(order.ExtraJSON), order.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting order %d: %w", order.Ticket, err)
	}
	return nil
}

// MarkClosed implements Interface.
func (p *Postgres) MarkClosed(ctx context.Context, ticket int64, price float64, reason models.CloseReason, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE orders
		SET status = $1, close_reason = $2, close_price = $3, closed_at = $4
		WHERE ticket = $5 AND status = $6`,
		string(models.StatusClosed), string(reason), price, at.UTC(), ticket, string(models.StatusOpen))
	if err != nil {
		return fmt.Errorf("closing order %d: %w", ticket, err)
	}
	if tag.RowsAffected() == 0 {
		p.logger.Printf("MarkClosed(%d): no open row, already closed or unknown", ticket)
	}
	return nil
}

// ListOpen implements Interface.
func (p *Postgres) ListOpen(ctx context.Context) ([]models.Order, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT ticket, symbol, side, volume, entry, stop_loss, take_profit,
			strategy, risk_reward, status, COALESCE(close_reason, ''),
			COALESCE(close_price, 0), COALESCE(comment, ''),
			COALESCE(extra_json::text, ''), created_at, closed_at
		FROM orders WHERE status = $1 ORDER BY created_at`,
		string(models.StatusOpen))
	if err != nil {
		return nil, fmt.Errorf("listing open orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var o models.Order
		var side, status, reason string
		if err := rows.Scan(&o.Ticket, &o.Symbol, &side, &o.Volume, &o.Entry,
			&o.StopLoss, &o.TakeProfit, &o.Strategy, &o.RiskReward, &status,
			&reason, &o.ClosePrice, &o.Comment, &o.ExtraJSON, &o.CreatedAt, &o.ClosedAt); err != nil {
			return nil, fmt.Errorf("scanning order row: %w", err)
		}
		o.Side = models.Side(side)
		o.Status = models.OrderStatus(status)
		o.CloseReason = models.CloseReason(reason)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// CountToday implements Interface.
func (p *Postgres) CountToday(ctx context.Context, strategy string) (int, error) {
	var count int
	var err error
	if strategy == "" {
		err = p.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM orders WHERE created_at >= $1`,
			p.dayStart()).Scan(&count)
	} else {
		err = p.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM orders WHERE created_at >= $1 AND strategy = $2`,
			p.dayStart(), strategy).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("counting today's orders: %w", err)
	}
	return count, nil
}

// FirstTPToday implements Interface.
func (p *Postgres) FirstTPToday(ctx context.Context) (bool, error) {
	var hit bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM orders
			WHERE status = $1 AND close_reason = $2 AND closed_at >= $3
		)`,
		string(models.StatusClosed), string(models.CloseTakeProfit), p.dayStart()).Scan(&hit)
	if err != nil {
		return false, fmt.Errorf("checking first TP today: %w", err)
	}
	return hit, nil
}

// InsertLog implements Interface.
func (p *Postgres) InsertLog(ctx context.Context, entry LogEntry) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO logs (level, logger_name, message, symbol, strategy, extra_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.Level, entry.Logger, entry.Message, entry.Symbol, entry.Strategy,
		nullableJSON(entry.ExtraJSON), p.now().UTC())
	if err != nil {
		return fmt.Errorf("inserting log row: %w", err)
	}
	return nil
}

// dayStart returns the beginning of the current New-York day in UTC. Daily
// caps and first-TP checks are scoped to the NY trading date.
func (p *Postgres) dayStart() time.Time {
	ny := p.now().In(p.ny)
	return time.Date(ny.Year(), ny.Month(), ny.Day(), 0, 0, 0, 0, p.ny).UTC()
}

// nullableJSON maps an empty string to NULL so the JSONB column stays clean.
func nullableJSON(s string) any {
	if s == "" {
		return nil
	}
	return s
}
