// Package ledger persists submitted orders and structured log events in
// PostgreSQL. The broker stays the source of truth for live state; ledger
// writes never crash the pipeline, and reconciliation heals any drift.
package ledger

import (
	"context"
	"time"

	"github.com/mqr-labs/keybar-bot/internal/models"
)

// LogEntry is one structured log row.
type LogEntry struct {
	Level     string
	Logger    string
	Message   string
	Symbol    string
	Strategy  string
	ExtraJSON string
}

// Interface is the durable order ledger. Implementations must make
// InsertOpen idempotent on ticket and keep Open-before-Closed ordering per
// ticket.
type Interface interface {
	// InsertOpen records a freshly submitted order. Re-inserting a known
	// ticket is a no-op.
	InsertOpen(ctx context.Context, order *models.Order) error

	// MarkClosed flips an open row to Closed with the close price, reason,
	// and timestamp. Closing an already closed or unknown ticket is a no-op.
	MarkClosed(ctx context.Context, ticket int64, price float64, reason models.CloseReason, at time.Time) error

	// ListOpen returns every row still marked Open.
	ListOpen(ctx context.Context) ([]models.Order, error)

	// CountToday counts orders created since the start of the current NY
	// day, optionally filtered by strategy ("" counts all).
	CountToday(ctx context.Context, strategy string) (int, error)

	// FirstTPToday reports whether any order closed on take profit since
	// the start of the current NY day.
	FirstTPToday(ctx context.Context) (bool, error)

	// InsertLog appends a structured log row.
	InsertLog(ctx context.Context, entry LogEntry) error

	// Close releases the underlying store.
	Close()
}
