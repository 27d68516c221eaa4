package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/mqr-labs/keybar-bot/internal/models"
)

// Memory is an in-process ledger used when the database is disabled and by
// tests. It implements the same idempotence and day-scoping rules as the
// Postgres ledger.
type Memory struct {
	mu     sync.Mutex
	orders map[int64]*models.Order
	logs   []LogEntry
	ny     *time.Location
	now    func() time.Time
}

// Ensure Memory implements Interface at compile time.
var _ Interface = (*Memory)(nil)

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		ny = time.FixedZone("ET", -5*60*60)
	}
	return &Memory{
		orders: make(map[int64]*models.Order),
		ny:     ny,
		now:    time.Now,
	}
}

// InsertOpen implements Interface.
func (m *Memory) InsertOpen(_ context.Context, order *models.Order) error {
	if err := order.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[order.Ticket]; exists {
		return nil
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = m.now().UTC()
	}
	cp := *order
	cp.Status = models.StatusOpen
	m.orders[order.Ticket] = &cp
	return nil
}

// MarkClosed implements Interface.
func (m *Memory) MarkClosed(_ context.Context, ticket int64, price float64, reason models.CloseReason, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[ticket]
	if !ok || o.Status != models.StatusOpen {
		return nil
	}
	closedAt := at.UTC()
	o.Status = models.StatusClosed
	o.CloseReason = reason
	o.ClosePrice = price
	o.ClosedAt = &closedAt
	return nil
}

// ListOpen implements Interface.
func (m *Memory) ListOpen(context.Context) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.Status == models.StatusOpen {
			out = append(out, *o)
		}
	}
	return out, nil
}

// CountToday implements Interface.
func (m *Memory) CountToday(_ context.Context, strategy string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := m.dayStart()
	count := 0
	for _, o := range m.orders {
		if o.CreatedAt.Before(start) {
			continue
		}
		if strategy != "" && o.Strategy != strategy {
			continue
		}
		count++
	}
	return count, nil
}

// FirstTPToday implements Interface.
func (m *Memory) FirstTPToday(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := m.dayStart()
	for _, o := range m.orders {
		if o.Status == models.StatusClosed && o.CloseReason == models.CloseTakeProfit &&
			o.ClosedAt != nil && !o.ClosedAt.Before(start) {
			return true, nil
		}
	}
	return false, nil
}

// InsertLog implements Interface.
func (m *Memory) InsertLog(_ context.Context, entry LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	return nil
}

// Close implements Interface.
func (m *Memory) Close() {}

// Order returns a copy of the row for a ticket, for test assertions.
func (m *Memory) Order(ticket int64) *models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[ticket]
	if !ok {
		return nil
	}
	cp := *o
	return &cp
}

// Logs returns a copy of the recorded log rows, for test assertions.
func (m *Memory) Logs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LogEntry, len(m.logs))
	copy(out, m.logs)
	return out
}

func (m *Memory) dayStart() time.Time {
	ny := m.now().In(m.ny)
	return time.Date(ny.Year(), ny.Month(), ny.Day(), 0, 0, 0, 0, m.ny).UTC()
}
