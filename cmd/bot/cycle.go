package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mqr-labs/keybar-bot/internal/broker"
	"github.com/mqr-labs/keybar-bot/internal/config"
	"github.com/mqr-labs/keybar-bot/internal/ledger"
	"github.com/mqr-labs/keybar-bot/internal/models"
	"github.com/mqr-labs/keybar-bot/internal/monitor"
	"github.com/mqr-labs/keybar-bot/internal/news"
	"github.com/mqr-labs/keybar-bot/internal/schedule"
	"github.com/mqr-labs/keybar-bot/internal/strategy"
)

// Cycle sleep policy. The tightest pending setup wins; an open position keeps
// the monitor responsive even when no setup is forming.
const (
	sleepIntensive    = time.Second
	sleepOpenPosition = 5 * time.Second
	sleepIntermediate = 10 * time.Second
	sleepDefault      = 60 * time.Second
	sleepReconnect    = 5 * time.Second
)

// connection verification on startup
const (
	maxConnectAttempts = 5
	maxConnectBackoff  = 30 * time.Second
)

// newsSummary window, minutes since midnight New York time.
const (
	summaryWindowStart = 9 * 60
	summaryWindowEnd   = 15 * 60
)

// newsPolicy is the slice of the news gate the loop consults directly; the
// per-trade gating lives inside the pipeline.
type newsPolicy interface {
	TradingDay(ctx context.Context, symbol string, at time.Time) (bool, string, []models.NewsEvent)
	DailySummary(ctx context.Context, symbol string) string
}

var _ newsPolicy = (*news.Gate)(nil)

// Bot owns the main loop. One monitoring pass and one analysis pass per
// cycle; the sleep between cycles adapts to what the pipeline is waiting on.
type Bot struct {
	cfg      *config.Config
	gateway  broker.Gateway
	store    ledger.Interface
	gate     newsPolicy
	sched    *schedule.Scheduler
	pipeline *strategy.Pipeline
	monitor  *monitor.Monitor
	logger   *log.Logger
	ny       *time.Location

	lastSummaryDay string
}

// Run verifies bridge connectivity and then loops until the context is
// cancelled.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.verifyConnection(ctx); err != nil {
		return err
	}

	for {
		sleep := b.runCycle(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

// verifyConnection confirms the terminal bridge answers before trading
// starts, retrying with exponential backoff.
func (b *Bot) verifyConnection(ctx context.Context) error {
	backoff := time.Second
	for attempt := 1; ; attempt++ {
		account, err := b.gateway.AccountInfo(ctx)
		if err == nil {
			b.logger.Printf("Connected: login=%d server=%s balance=%.2f equity=%.2f",
				account.Login, account.Server, account.Balance, account.Equity)
			if !account.TradeAllowed {
				b.logger.Println("Warning: AutoTrading is disabled in the terminal; orders will be refused")
			}
			return nil
		}
		if attempt >= maxConnectAttempts {
			return fmt.Errorf("bridge unreachable after %d attempts: %w", attempt, err)
		}
		b.logger.Printf("Bridge connection attempt %d failed: %v, retrying in %v", attempt, err, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxConnectBackoff {
			backoff = maxConnectBackoff
		}
	}
}

// runCycle executes one pass and returns how long to sleep before the next.
// The monitor runs every cycle; analysis only inside the trading window on a
// valid trading day.
func (b *Bot) runCycle(ctx context.Context) time.Duration {
	now := time.Now()

	if _, err := b.gateway.AccountInfo(ctx); err != nil {
		b.logger.Printf("Bridge unreachable, skipping cycle: %v", err)
		return sleepReconnect
	}

	b.monitor.Run(ctx)

	// Open positions put the loop in monitor-only mode; the pipeline's own
	// re-entry guard is per symbol, this one is global.
	if positions, err := b.gateway.OpenPositions(ctx, ""); err == nil && len(positions) > 0 {
		return sleepFor(true, nil)
	}

	if !b.cfg.IsWithinTradingHours(now) {
		return sleepFor(false, nil)
	}

	if b.cfg.Risk.CloseDayOnFirstTP {
		if hit, err := b.store.FirstTPToday(ctx); err == nil && hit {
			return sleepFor(false, nil)
		}
	}

	b.maybeLogNewsSummary(ctx, now)

	strategyName := b.sched.CurrentStrategy(now)
	cadences := make([]strategy.Cadence, len(b.cfg.Symbols))

	g, gctx := errgroup.WithContext(ctx)
	for i, symbol := range b.cfg.Symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			ok, reason, _ := b.gate.TradingDay(gctx, symbol, now)
			if !ok {
				b.logger.Printf("[%s] no trading today: %s", symbol, reason)
				return nil
			}
			cadences[i] = b.pipeline.Analyze(gctx, symbol, strategyName).Cadence
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		b.logger.Printf("Analysis pass failed: %v", err)
	}

	return sleepFor(false, cadences)
}

// sleepFor picks the cycle sleep: 1s while a gap entry is pending, 5s with
// an open position, 10s while a pattern waits for its gap, 60s otherwise.
func sleepFor(hasOpen bool, cadences []strategy.Cadence) time.Duration {
	for _, c := range cadences {
		if c == strategy.CadenceIntensive {
			return sleepIntensive
		}
	}
	if hasOpen {
		return sleepOpenPosition
	}
	for _, c := range cadences {
		if c == strategy.CadenceIntermediate {
			return sleepIntermediate
		}
	}
	return sleepDefault
}

// maybeLogNewsSummary prints the day's pending high-impact events once per
// day during the New York morning.
func (b *Bot) maybeLogNewsSummary(ctx context.Context, now time.Time) {
	local := now.In(b.ny)
	minute := local.Hour()*60 + local.Minute()
	if minute < summaryWindowStart || minute >= summaryWindowEnd {
		return
	}
	day := local.Format("2006-01-02")
	if day == b.lastSummaryDay {
		return
	}
	b.lastSummaryDay = day

	for _, symbol := range b.cfg.Symbols {
		if summary := b.gate.DailySummary(ctx, symbol); summary != "" {
			b.logger.Printf("[%s] upcoming news:\n%s", symbol, summary)
		}
	}
}
