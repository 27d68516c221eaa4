// Package monitor keeps the ledger and the terminal in agreement and
// manages live positions: it reconciles rows the terminal closed on its own,
// flattens everything at the end-of-day cutoff, and trails stops on trades
// approaching their target. The monitor runs every cycle, inside and outside
// the trading window.
package monitor

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/mqr-labs/keybar-bot/internal/broker"
	"github.com/mqr-labs/keybar-bot/internal/config"
	"github.com/mqr-labs/keybar-bot/internal/ledger"
	"github.com/mqr-labs/keybar-bot/internal/models"
	"github.com/mqr-labs/keybar-bot/internal/retry"
	"github.com/mqr-labs/keybar-bot/internal/util"
)

// fallbackPip is the close-price tolerance when symbol metadata is
// unavailable.
const fallbackPip = 0.0001

// Retrier is the subset of the retry client the monitor uses.
type Retrier interface {
	ClosePositionWithRetry(ctx context.Context, ticket int64) (*broker.OrderResult, error)
	ModifyPositionWithRetry(ctx context.Context, ticket int64, sl, tp float64) error
}

var _ Retrier = (*retry.Client)(nil)

// Monitor is the per-cycle position supervisor.
type Monitor struct {
	gateway broker.Gateway
	retrier Retrier
	store   ledger.Interface
	cfg     *config.Config
	logger  *log.Logger

	closeLoc    *time.Location
	closeMinute int
	now         func() time.Time

	// flattenedDay is the local date of the last completed flatten; the
	// auto-close fires at most once per day.
	flattenedDay string
}

// New creates a monitor from the position_monitoring config.
func New(gateway broker.Gateway, retrier Retrier, store ledger.Interface,
	cfg *config.Config, logger *log.Logger) *Monitor {
	return &Monitor{
		gateway:     gateway,
		retrier:     retrier,
		store:       store,
		cfg:         cfg,
		logger:      logger,
		closeLoc:    config.Location(cfg.Monitoring.AutoClose.Timezone),
		closeMinute: config.ParseClock(cfg.Monitoring.AutoClose.Time),
		now:         time.Now,
	}
}

// Run executes one monitoring cycle: reconcile the ledger against the
// terminal, flatten after the end-of-day cutoff, then trail stops.
func (m *Monitor) Run(ctx context.Context) {
	positions, err := m.gateway.OpenPositions(ctx, "")
	if err != nil {
		m.logger.Printf("Failed to fetch open positions: %v", err)
		return
	}

	m.reconcile(ctx, positions)

	if m.pastAutoClose() {
		if day := m.localDay(); m.flattenedDay != day {
			if m.autoClose(ctx, positions) {
				m.flattenedDay = day
			}
		}
		return
	}

	m.trailStops(ctx, positions)
}

// reconcile closes ledger rows whose position is gone from the terminal.
// The close reason is inferred from the closing deal price; a row whose deal
// has not surfaced yet stays open and is retried next cycle.
func (m *Monitor) reconcile(ctx context.Context, live []models.Position) {
	rows, err := m.store.ListOpen(ctx)
	if err != nil {
		m.logger.Printf("Failed to list open ledger rows: %v", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	open := make(map[int64]bool, len(live))
	for _, p := range live {
		open[p.Ticket] = true
	}

	for _, row := range rows {
		if open[row.Ticket] {
			continue
		}
		deal, err := m.gateway.HistoryDeal(ctx, row.Ticket)
		if err != nil {
			m.logger.Printf("[%s] ticket %d gone from terminal, closing deal not visible yet: %v",
				row.Symbol, row.Ticket, err)
			continue
		}
		reason := m.inferCloseReason(ctx, &row, deal)
		if err := m.store.MarkClosed(ctx, row.Ticket, deal.Price, reason, deal.ClosedAt); err != nil {
			m.logger.Printf("[%s] failed to mark ticket %d closed: %v", row.Symbol, row.Ticket, err)
			continue
		}
		m.logger.Printf("[%s] ticket %d closed by terminal: reason=%s price=%.5f profit=%.2f",
			row.Symbol, row.Ticket, reason, deal.Price, deal.Profit)
	}
}

// inferCloseReason matches the deal price against the row's stops within a
// one-pip tolerance. Unmatched closes during the flatten window read as
// auto-close, anything else as a manual intervention.
func (m *Monitor) inferCloseReason(ctx context.Context, row *models.Order, deal *models.Deal) models.CloseReason {
	tol := fallbackPip
	if info, err := m.gateway.SymbolInfo(ctx, row.Symbol); err == nil {
		tol = info.Pip()
	}

	if row.TakeProfit > 0 && math.Abs(deal.Price-row.TakeProfit) <= tol {
		return models.CloseTakeProfit
	}
	if row.StopLoss > 0 && math.Abs(deal.Price-row.StopLoss) <= tol {
		return models.CloseStopLoss
	}
	if m.pastAutoClose() {
		return models.CloseAutoClose
	}
	return models.CloseManual
}

// autoClose flattens every open position after the cutoff, regardless of
// profit or loss. Reports whether the book is fully flat; a failed close is
// retried next cycle before the daily guard arms.
func (m *Monitor) autoClose(ctx context.Context, positions []models.Position) bool {
	flat := true
	for _, p := range positions {
		result, err := m.retrier.ClosePositionWithRetry(ctx, p.Ticket)
		if err != nil {
			m.logger.Printf("[%s] auto-close of ticket %d failed: %v", p.Symbol, p.Ticket, err)
			flat = false
			continue
		}
		if err := m.store.MarkClosed(ctx, p.Ticket, result.FillPrice, models.CloseAutoClose, m.now().UTC()); err != nil {
			m.logger.Printf("[%s] failed to record auto-close of ticket %d: %v", p.Symbol, p.Ticket, err)
		}
		m.logger.Printf("[%s] ticket %d auto-closed at %.5f", p.Symbol, p.Ticket, result.FillPrice)
	}
	return flat
}

// trailStops moves the stop to a fraction of the entry-to-target span once
// price has covered the trigger fraction. Stops only ever tighten; re-running
// with an already trailed stop is a no-op.
func (m *Monitor) trailStops(ctx context.Context, positions []models.Position) {
	ts := m.cfg.Monitoring.TrailingStop
	if !ts.Enabled {
		return
	}

	for _, p := range positions {
		if p.TakeProfit == 0 {
			continue
		}
		if p.Progress() < ts.TriggerPercent {
			continue
		}

		newSL := p.EntryPrice + ts.SLPercent*(p.TakeProfit-p.EntryPrice)

		if p.Side == models.SideBuy {
			if p.StopLoss != 0 && newSL <= p.StopLoss {
				continue
			}
		} else {
			if p.StopLoss != 0 && newSL >= p.StopLoss {
				continue
			}
		}

		if info, err := m.gateway.SymbolInfo(ctx, p.Symbol); err == nil {
			newSL = util.RoundToDigits(newSL, info.Digits)
			if !broker.StopRespectsLevel(info, p.Side, p.CurrentPrice, newSL) {
				m.logger.Printf("[%s] trailing stop %.5f for ticket %d violates stop level, skipping",
					p.Symbol, newSL, p.Ticket)
				continue
			}
		}

		if err := m.retrier.ModifyPositionWithRetry(ctx, p.Ticket, newSL, p.TakeProfit); err != nil {
			m.logger.Printf("[%s] failed to trail stop on ticket %d: %v", p.Symbol, p.Ticket, err)
			continue
		}
		m.logger.Printf("[%s] ticket %d stop trailed to %.5f (progress %.0f%%)",
			p.Symbol, p.Ticket, newSL, p.Progress()*100)
		if err := m.store.InsertLog(ctx, ledger.LogEntry{
			Level:   "INFO",
			Logger:  "monitor",
			Message: fmt.Sprintf("trailing stop on ticket %d moved to %.5f", p.Ticket, newSL),
			Symbol:  p.Symbol,
		}); err != nil {
			m.logger.Printf("[%s] failed to record trailing stop for ticket %d: %v", p.Symbol, p.Ticket, err)
		}
	}
}

// pastAutoClose reports whether the local wall clock has reached the
// flatten cutoff.
func (m *Monitor) pastAutoClose() bool {
	if !m.cfg.Monitoring.AutoClose.Enabled || m.closeMinute < 0 {
		return false
	}
	local := m.now().In(m.closeLoc)
	return local.Hour()*60+local.Minute() >= m.closeMinute
}

// localDay is the current date in the auto-close zone.
func (m *Monitor) localDay() string {
	return m.now().In(m.closeLoc).Format("2006-01-02")
}
