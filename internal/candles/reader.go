// Package candles reads OHLC history from the gateway and resolves bars by
// New-York wall-clock anchors. Terminal bridges report bar open times in the
// broker's server zone encoded as epoch seconds, so the reader discovers the
// broker-vs-UTC offset from a recently closed bar before any anchored lookup.
package candles

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/mqr-labs/keybar-bot/internal/broker"
	"github.com/mqr-labs/keybar-bot/internal/models"
)

var (
	// ErrNotFound means history was available but no bar contains the
	// requested instant.
	ErrNotFound = errors.New("candles: no bar contains the requested time")
	// ErrInsufficientHistory means the gateway returned too few bars to
	// answer the request.
	ErrInsufficientHistory = errors.New("candles: insufficient history")
)

// defaultBrokerOffset is used when offset detection fails. Most MT-style
// servers run UTC+3 year-round.
const defaultBrokerOffset = 3 * time.Hour

// offsetTTL bounds how long a detected offset is trusted before re-detection.
const offsetTTL = time.Hour

var anchorPattern = regexp.MustCompile(`^(1[0-2]|[1-9])(am|pm)$`)

// Reader resolves bars by timeframe and named anchor.
type Reader struct {
	gateway broker.Gateway
	logger  *log.Logger
	ny      *time.Location
	now     func() time.Time

	mu       sync.Mutex
	offset   time.Duration
	offsetAt time.Time
}

// NewReader creates a reader over the gateway. The logger must be non-nil.
func NewReader(gateway broker.Gateway, logger *log.Logger) *Reader {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		logger.Printf("Failed to load America/New_York, using fixed ET offset: %v", err)
		ny = time.FixedZone("ET", -5*60*60)
	}
	return &Reader{
		gateway: gateway,
		logger:  logger,
		ny:      ny,
		now:     time.Now,
	}
}

// GetCandle returns the bar of the given timeframe that contains the instant
// named by when. when is "now", a 12-hour NY tag like "1am" or "9am", or
// "HH:MM" in NY time (today's date).
func (r *Reader) GetCandle(ctx context.Context, symbol string, tf models.Timeframe, when string) (*models.Bar, error) {
	target, err := r.resolveAnchor(when)
	if err != nil {
		return nil, err
	}

	offset := r.brokerOffset(ctx, symbol)
	brokerTarget := target.Add(offset)

	// The bar we want opens at or before the target, so asking for a few
	// bars back from the target is always enough.
	bars, err := r.gateway.Rates(ctx, symbol, tf, brokerTarget, 3)
	if err != nil {
		return nil, fmt.Errorf("fetching %s %s history: %w", symbol, tf, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: %s %s around %s", ErrInsufficientHistory, symbol, tf, when)
	}

	for i := len(bars) - 1; i >= 0; i-- {
		if bars[i].Contains(brokerTarget) {
			bar := bars[i]
			return &bar, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s at %s", ErrNotFound, symbol, tf, when)
}

// KeyBars returns the three bars of the given timeframe containing 01:00,
// 05:00, and 09:00 NY. On H4 these are distinct bars; the 09:00 one may
// still be forming.
func (r *Reader) KeyBars(ctx context.Context, symbol string, tf models.Timeframe) (c1, c5, c9 *models.Bar, err error) {
	c1, err = r.GetCandle(ctx, symbol, tf, "1am")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("1am key bar: %w", err)
	}
	c5, err = r.GetCandle(ctx, symbol, tf, "5am")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("5am key bar: %w", err)
	}
	c9, err = r.GetCandle(ctx, symbol, tf, "9am")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("9am key bar: %w", err)
	}
	return c1, c5, c9, nil
}

// Recent returns the newest count bars, oldest first. The last bar is the
// forming one. Returns ErrInsufficientHistory when fewer bars exist.
func (r *Reader) Recent(ctx context.Context, symbol string, tf models.Timeframe, count int) ([]models.Bar, error) {
	brokerNow := r.now().UTC().Add(r.brokerOffset(ctx, symbol))
	bars, err := r.gateway.Rates(ctx, symbol, tf, brokerNow, count)
	if err != nil {
		return nil, fmt.Errorf("fetching %s %s history: %w", symbol, tf, err)
	}
	if len(bars) < count {
		return nil, fmt.Errorf("%w: %s %s wanted %d got %d", ErrInsufficientHistory, symbol, tf, count, len(bars))
	}
	return bars[len(bars)-count:], nil
}

// PreviousDaily returns the newest count closed daily bars, oldest first.
// The forming daily bar is excluded.
func (r *Reader) PreviousDaily(ctx context.Context, symbol string, count int) ([]models.Bar, error) {
	bars, err := r.Recent(ctx, symbol, models.TimeframeD1, count+1)
	if err != nil {
		return nil, err
	}
	return bars[:len(bars)-1], nil
}

// resolveAnchor converts when into a UTC instant.
func (r *Reader) resolveAnchor(when string) (time.Time, error) {
	now := r.now().UTC()
	if when == "now" {
		return now, nil
	}

	nyNow := now.In(r.ny)
	if m := anchorPattern.FindStringSubmatch(when); m != nil {
		hour, _ := strconv.Atoi(m[1])
		if m[2] == "pm" && hour != 12 {
			hour += 12
		} else if m[2] == "am" && hour == 12 {
			hour = 0
		}
		t := time.Date(nyNow.Year(), nyNow.Month(), nyNow.Day(), hour, 0, 0, 0, r.ny)
		return t.UTC(), nil
	}

	if clock, err := time.Parse("15:04", when); err == nil {
		t := time.Date(nyNow.Year(), nyNow.Month(), nyNow.Day(), clock.Hour(), clock.Minute(), 0, 0, r.ny)
		return t.UTC(), nil
	}

	return time.Time{}, fmt.Errorf("candles: unrecognized anchor %q", when)
}

// brokerOffset returns the broker-zone offset from UTC, detecting it from the
// forming H1 bar and caching the result. Detection failures fall back to the
// default server offset.
func (r *Reader) brokerOffset(ctx context.Context, symbol string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	if !r.offsetAt.IsZero() && now.Sub(r.offsetAt) < offsetTTL {
		return r.offset
	}

	offset, err := r.detectOffset(ctx, symbol, now)
	if err != nil {
		r.logger.Printf("[%s] broker offset detection failed, using %v: %v", symbol, defaultBrokerOffset, err)
		offset = defaultBrokerOffset
	}
	if r.offsetAt.IsZero() || offset != r.offset {
		r.logger.Printf("[%s] broker zone offset: UTC%+d", symbol, int(offset.Hours()))
	}
	r.offset = offset
	r.offsetAt = now
	return r.offset
}

func (r *Reader) detectOffset(ctx context.Context, symbol string, now time.Time) (time.Duration, error) {
	// Ask far enough ahead of broker "now" to be sure the forming bar is in
	// range regardless of the actual server zone.
	bars, err := r.gateway.Rates(ctx, symbol, models.TimeframeH1, now.Add(24*time.Hour), 2)
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, errors.New("no H1 bars returned")
	}

	// The newest bar is the forming one: its broker-zone open corresponds to
	// the current UTC hour. Round to 30 minutes to absorb clock skew and
	// half-hour server zones.
	reported := bars[len(bars)-1].OpenTime
	expected := now.Truncate(time.Hour)
	offset := reported.Sub(expected).Round(30 * time.Minute)
	if offset < -12*time.Hour || offset > 14*time.Hour {
		return 0, fmt.Errorf("implausible offset %v", offset)
	}
	return offset, nil
}
