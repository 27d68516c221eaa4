package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqr-labs/keybar-bot/internal/models"
)

func testOrder(ticket int64, strategy string) *models.Order {
	return &models.Order{
		Ticket:     ticket,
		Symbol:     "EURUSD",
		Side:       models.SideBuy,
		Volume:     0.1,
		Entry:      1.1000,
		StopLoss:   1.0950,
		TakeProfit: 1.1100,
		Strategy:   strategy,
		RiskReward: 2.0,
	}
}

func TestMemory_InsertOpenIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.InsertOpen(ctx, testOrder(1, "crt")))
	first := m.Order(1)
	require.NotNil(t, first)

	// Re-inserting the same ticket with different fields is a no-op.
	dup := testOrder(1, "crt")
	dup.Entry = 9.9
	require.NoError(t, m.InsertOpen(ctx, dup))
	assert.Equal(t, first.Entry, m.Order(1).Entry)

	open, err := m.ListOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestMemory_InsertOpenValidates(t *testing.T) {
	m := NewMemory()
	bad := testOrder(0, "crt")
	assert.Error(t, m.InsertOpen(context.Background(), bad))
}

func TestMemory_MarkClosedOnce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.InsertOpen(ctx, testOrder(1, "crt")))

	closedAt := time.Date(2025, 12, 8, 19, 0, 0, 0, time.UTC)
	require.NoError(t, m.MarkClosed(ctx, 1, 1.1100, models.CloseTakeProfit, closedAt))

	o := m.Order(1)
	require.NotNil(t, o)
	assert.Equal(t, models.StatusClosed, o.Status)
	assert.Equal(t, models.CloseTakeProfit, o.CloseReason)
	assert.Equal(t, 1.1100, o.ClosePrice)
	require.NotNil(t, o.ClosedAt)
	assert.False(t, o.ClosedAt.Before(o.CreatedAt), "closed_at must not precede created_at")

	// A second close with a different reason does not overwrite the first.
	require.NoError(t, m.MarkClosed(ctx, 1, 1.0000, models.CloseManual, closedAt.Add(time.Hour)))
	assert.Equal(t, models.CloseTakeProfit, m.Order(1).CloseReason)

	// Closing an unknown ticket is a logged no-op, not an error.
	require.NoError(t, m.MarkClosed(ctx, 999, 1.0, models.CloseManual, closedAt))
}

func TestMemory_CountToday(t *testing.T) {
	m := NewMemory()
	now := time.Date(2025, 12, 8, 19, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	yesterday := testOrder(1, "crt")
	yesterday.CreatedAt = now.Add(-24 * time.Hour)
	require.NoError(t, m.InsertOpen(ctx, yesterday))
	require.NoError(t, m.InsertOpen(ctx, testOrder(2, "crt")))
	require.NoError(t, m.InsertOpen(ctx, testOrder(3, "turtle_soup_fvg")))

	all, err := m.CountToday(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, all)

	crt, err := m.CountToday(ctx, "crt")
	require.NoError(t, err)
	assert.Equal(t, 1, crt)
}

func TestMemory_FirstTPToday(t *testing.T) {
	m := NewMemory()
	now := time.Date(2025, 12, 8, 19, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	hit, err := m.FirstTPToday(ctx)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, m.InsertOpen(ctx, testOrder(1, "crt")))
	require.NoError(t, m.MarkClosed(ctx, 1, 1.1100, models.CloseStopLoss, now))
	hit, err = m.FirstTPToday(ctx)
	require.NoError(t, err)
	assert.False(t, hit, "stop-loss close is not a TP")

	require.NoError(t, m.InsertOpen(ctx, testOrder(2, "crt")))
	require.NoError(t, m.MarkClosed(ctx, 2, 1.1100, models.CloseTakeProfit, now))
	hit, err = m.FirstTPToday(ctx)
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestMemory_InsertLog(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.InsertLog(context.Background(), LogEntry{
		Level: "INFO", Message: "order submitted", Symbol: "EURUSD", Strategy: "crt",
	}))
	logs := m.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, "order submitted", logs[0].Message)
}
