package news

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/mqr-labs/keybar-bot/internal/models"
)

// Default blackout windows around a high-impact event.
const (
	DefaultBefore = 5 * time.Minute
	DefaultAfter  = 5 * time.Minute

	// consecutiveWindow extends the post-event wait when another event
	// follows closely.
	consecutiveWindow = 30 * time.Minute
)

// Source returns calendar events for a set of currencies. The gate owns
// filtering and windowing; the source only fetches.
type Source func(ctx context.Context, currencies []string, minImpact int) ([]models.NewsEvent, error)

// Gate decides whether trading is allowed relative to the calendar. A source
// failure blocks trading (unknown is unsafe) but never blocks monitoring;
// callers distinguish the two by checking the returned reason.
type Gate struct {
	source Source
	logger *log.Logger
	ny     *time.Location
	now    func() time.Time

	Before time.Duration
	After  time.Duration
}

// NewGate creates a gate over the event source.
func NewGate(source Source, logger *log.Logger) *Gate {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		logger.Printf("Failed to load America/New_York, using fixed ET offset: %v", err)
		ny = time.FixedZone("ET", -5*60*60)
	}
	return &Gate{
		source: source,
		logger: logger,
		ny:     ny,
		now:    time.Now,
		Before: DefaultBefore,
		After:  DefaultAfter,
	}
}

// MayTrade reports whether trading is currently allowed for the symbol.
// Blocked when now falls inside [event-Before, event+After] of any
// high-impact event, or when a consecutive event follows within the extended
// window after one just passed. next carries the closest upcoming event for
// logging, when known.
func (g *Gate) MayTrade(ctx context.Context, symbol string) (allowed bool, reason string, next *models.NewsEvent) {
	currencies := CurrenciesForSymbol(symbol)
	if currencies == nil {
		return true, "symbol has no currency pair", nil
	}

	events, err := g.source(ctx, currencies, HighImpact)
	if err != nil {
		g.logger.Printf("[%s] news source unavailable, blocking analysis: %v", symbol, err)
		return false, "news source unavailable", nil
	}

	now := g.now().UTC()
	dayStart := g.startOfDayNY(now)

	var relevant []models.NewsEvent
	for _, ev := range events {
		if ev.HighImpact() && !ev.Time.Before(dayStart) {
			relevant = append(relevant, ev)
		}
	}
	if len(relevant) == 0 {
		return true, "no high-impact news", nil
	}
	sort.Slice(relevant, func(i, j int) bool { return relevant[i].Time.Before(relevant[j].Time) })

	for i, ev := range relevant {
		// Pre-event blackout. An event at exactly now falls through to
		// the post-event branch and is still blocked.
		if !now.Before(ev.Time.Add(-g.Before)) && now.Before(ev.Time) {
			until := ev.Time.Sub(now).Minutes()
			cp := ev
			return false, fmt.Sprintf("news in %.1f min (%s)", until, ev.Title), &cp
		}

		if now.Before(ev.Time) {
			continue
		}
		elapsed := now.Sub(ev.Time)
		if elapsed > g.After {
			continue
		}

		// Inside the post-event wait. A consecutive event extends the
		// block past the plain wait.
		if i+1 < len(relevant) {
			gap := relevant[i+1].Time.Sub(ev.Time)
			if gap <= g.After+consecutiveWindow {
				cp := relevant[i+1]
				return false, fmt.Sprintf("consecutive news in %.1f min (%s)", gap.Minutes(), cp.Title), &cp
			}
		}
		remaining := (g.After - elapsed).Minutes()
		cp := ev
		return false, fmt.Sprintf("waiting %.1f min after news (%s)", remaining, ev.Title), &cp
	}

	for _, ev := range relevant {
		if ev.Time.After(now) {
			cp := ev
			return true, fmt.Sprintf("next news in %.1f min", ev.Time.Sub(now).Minutes()), &cp
		}
	}
	return true, "no upcoming news", nil
}

// TradingDay reports whether the given instant falls on a tradeable day:
// not a weekend and no calendar holiday for the symbol's currencies.
func (g *Gate) TradingDay(ctx context.Context, symbol string, at time.Time) (bool, string, []models.NewsEvent) {
	nyAt := at.In(g.ny)
	if wd := nyAt.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false, fmt.Sprintf("weekend (%s)", wd), nil
	}

	currencies := CurrenciesForSymbol(symbol)
	if currencies == nil {
		return true, "symbol has no currency pair", nil
	}

	events, err := g.source(ctx, currencies, 0)
	if err != nil {
		// A source failure must not suppress a whole trading day.
		g.logger.Printf("[%s] news source unavailable for holiday check: %v", symbol, err)
		return true, "holiday check unavailable", nil
	}

	dayKey := nyAt.Format("2006-01-02")
	var holidays []models.NewsEvent
	for _, ev := range events {
		if ev.IsHoliday && ev.Time.In(g.ny).Format("2006-01-02") == dayKey {
			holidays = append(holidays, ev)
		}
	}
	if len(holidays) > 0 {
		names := make([]string, len(holidays))
		for i, h := range holidays {
			names[i] = h.Title
		}
		return false, "holiday: " + strings.Join(names, ", "), holidays
	}
	return true, nyAt.Format("Monday, January 2, 2006"), nil
}

// DailySummary formats today's pending high-impact events inside the
// 09:00-15:00 NY window, one per line. Returns an empty string when nothing
// is pending.
func (g *Gate) DailySummary(ctx context.Context, symbol string) string {
	currencies := CurrenciesForSymbol(symbol)
	if currencies == nil {
		return ""
	}
	events, err := g.source(ctx, currencies, HighImpact)
	if err != nil {
		return ""
	}

	now := g.now().UTC()
	nyNow := now.In(g.ny)
	windowEnd := time.Date(nyNow.Year(), nyNow.Month(), nyNow.Day(), 15, 0, 0, 0, g.ny)

	var lines []string
	for _, ev := range events {
		if !ev.HighImpact() || !ev.Time.After(now) || ev.Time.After(windowEnd.UTC()) {
			continue
		}
		lines = append(lines, fmt.Sprintf("  %s | %s | %s",
			ev.Time.In(g.ny).Format("15:04"), ev.Currency, ev.Title))
	}
	if len(lines) == 0 {
		return ""
	}
	header := fmt.Sprintf("%s: %d high-impact event(s) pending:", nyNow.Format("Monday, January 2"), len(lines))
	return header + "\n" + strings.Join(lines, "\n")
}

func (g *Gate) startOfDayNY(now time.Time) time.Time {
	ny := now.In(g.ny)
	return time.Date(ny.Year(), ny.Month(), ny.Day(), 0, 0, 0, 0, g.ny).UTC()
}
