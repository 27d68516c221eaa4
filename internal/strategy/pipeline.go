// Package strategy runs the per-symbol signal pipeline: news gate, higher
// timeframe pattern, entry FVG confirmation, and risk-validated order
// emission. The pipeline never fails into the execution loop; every abort is
// logged with its reason and surfaced through the Result.
package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mqr-labs/keybar-bot/internal/broker"
	"github.com/mqr-labs/keybar-bot/internal/candles"
	"github.com/mqr-labs/keybar-bot/internal/config"
	"github.com/mqr-labs/keybar-bot/internal/detect"
	"github.com/mqr-labs/keybar-bot/internal/ledger"
	"github.com/mqr-labs/keybar-bot/internal/models"
	"github.com/mqr-labs/keybar-bot/internal/news"
	"github.com/mqr-labs/keybar-bot/internal/retry"
	"github.com/mqr-labs/keybar-bot/internal/util"
)

// slMarginRatio pads the stop beyond the FVG boundary by a fraction of the
// gap size.
const slMarginRatio = 0.1

// defaultLookback is how many closed daily bars feed the levels detector
// when strategy_config.crt_lookback is unset.
const defaultLookback = 5

// Cadence is the monitoring intensity the pipeline requests from the
// execution loop.
type Cadence int

// Cadence values, from laziest to most eager.
const (
	CadenceNormal       Cadence = iota
	CadenceIntermediate         // pattern held, waiting for an FVG of the right kind
	CadenceIntensive            // FVG latched, waiting for entry conditions
)

// Result is the outcome of one pipeline pass on one symbol.
type Result struct {
	Order   *models.Order // non-nil when an order was submitted
	Cadence Cadence
	Reason  string
}

// CandleSource yields the bars the pipeline analyzes.
type CandleSource interface {
	KeyBars(ctx context.Context, symbol string, tf models.Timeframe) (c1, c5, c9 *models.Bar, err error)
	Recent(ctx context.Context, symbol string, tf models.Timeframe, count int) ([]models.Bar, error)
	PreviousDaily(ctx context.Context, symbol string, count int) ([]models.Bar, error)
}

// NewsGate answers whether trading is allowed right now.
type NewsGate interface {
	MayTrade(ctx context.Context, symbol string) (allowed bool, reason string, next *models.NewsEvent)
}

// OrderSender submits orders, typically through the retry client.
type OrderSender interface {
	SendOrderWithRetry(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error)
}

// Ensure the production implementations satisfy the pipeline's dependencies.
var (
	_ CandleSource = (*candles.Reader)(nil)
	_ NewsGate     = (*news.Gate)(nil)
	_ OrderSender  = (*retry.Client)(nil)
)

// Pipeline is the four-stage decision engine. One instance serves all
// symbols; per-symbol state is internal and driver-local.
type Pipeline struct {
	gateway broker.Gateway
	sender  OrderSender
	candles CandleSource
	gate    NewsGate
	ledger  ledger.Interface
	cfg     *config.Config
	logger  *log.Logger
	now     func() time.Time

	mu     sync.Mutex
	states map[string]*symbolState
}

// symbolState carries the intensive-monitoring latch between ticks. The
// latched FVG lives only as long as the forming bar that defined it.
type symbolState struct {
	fvg      *models.FVG
	strategy string
}

// New creates a pipeline.
func New(gateway broker.Gateway, sender OrderSender, candleSource CandleSource,
	gate NewsGate, store ledger.Interface, cfg *config.Config, logger *log.Logger) *Pipeline {
	return &Pipeline{
		gateway: gateway,
		sender:  sender,
		candles: candleSource,
		gate:    gate,
		ledger:  store,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		states:  make(map[string]*symbolState),
	}
}

// Analyze runs one pipeline pass for the symbol under the given strategy.
// The default strategy never opens positions; it exists so sessions can
// schedule quiet periods.
func (p *Pipeline) Analyze(ctx context.Context, symbol, strategyName string) Result {
	if strategyName == "default" {
		return Result{Reason: "default strategy idles"}
	}

	// Stage 1: news gate.
	allowed, reason, _ := p.gate.MayTrade(ctx, symbol)
	if !allowed {
		p.clearState(symbol)
		p.logger.Printf("[%s] analysis blocked: %s", symbol, reason)
		return Result{Reason: reason}
	}

	// Stage 2: higher-timeframe pattern.
	signal, err := p.detectPattern(ctx, symbol, strategyName)
	if err != nil {
		p.logger.Printf("[%s] pattern detection failed: %v", symbol, err)
		return Result{Reason: "pattern detection failed"}
	}
	if signal == nil {
		p.clearState(symbol)
		return Result{Reason: "no pattern"}
	}
	p.logger.Printf("[%s] %s pattern: direction=%s target=%.5f",
		symbol, signal.Kind, signal.Direction, signal.TargetPrice)
	p.logConfirmations(ctx, symbol)

	// Stage 3: entry FVG confirmation.
	fvg, cadence, reason := p.entryFVG(ctx, symbol, strategyName, signal)
	if fvg == nil {
		return Result{Cadence: cadence, Reason: reason}
	}

	// Stage 4: risk-validated order.
	order, reason := p.placeOrder(ctx, symbol, strategyName, signal, fvg)
	if order == nil {
		return Result{Reason: reason}
	}
	p.clearState(symbol)
	return Result{Order: order, Reason: "order submitted"}
}

// detectPattern dispatches the strategy name to its detector. Insufficient
// history reads as "not detected".
func (p *Pipeline) detectPattern(ctx context.Context, symbol, strategyName string) (*models.CRTSignal, error) {
	if strategyName == "daily_levels_sweep" {
		return p.detectDailySweep(ctx, symbol)
	}

	c1, c5, c9, err := p.candles.KeyBars(ctx, symbol, models.Timeframe(p.cfg.Pipeline.HighTimeframe))
	if err != nil {
		// Missing key bars means no pattern this cycle, not a failure.
		p.logger.Printf("[%s] key bars unavailable: %v", symbol, err)
		return nil, nil
	}

	switch strategyName {
	case "turtle_soup_fvg":
		return detect.TurtleSoup(*c1, *c5, *c9), nil
	case "crt":
		return detect.Continuation(*c1, *c5), nil
	case "crt_revision":
		return detect.Revision(*c1, *c5), nil
	case "crt_extreme":
		return detect.Extreme(*c1, *c5), nil
	default:
		return nil, fmt.Errorf("no detector for strategy %q", strategyName)
	}
}

// detectDailySweep fades a take of a prior daily high or low: a swept high
// signals a short toward that day's low and vice versa.
func (p *Pipeline) detectDailySweep(ctx context.Context, symbol string) (*models.CRTSignal, error) {
	lookback := p.cfg.Pipeline.Lookback
	if lookback <= 0 {
		lookback = defaultLookback
	}
	daily, err := p.candles.PreviousDaily(ctx, symbol, lookback)
	if err != nil {
		p.logger.Printf("[%s] daily history unavailable: %v", symbol, err)
		return nil, nil
	}
	tick, err := p.gateway.Tick(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("fetching tick: %w", err)
	}
	info, err := p.gateway.SymbolInfo(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("fetching symbol info: %w", err)
	}

	lvl := detect.SweptDailyLevel(symbol, daily, tick.Bid, info.Pip())
	if lvl == nil {
		return nil, nil
	}
	day := daily[len(daily)-lvl.DaysAgo]

	sig := &models.CRTSignal{
		Symbol:     symbol,
		Kind:       models.CRTTurtleSoup,
		SweepPrice: lvl.Price,
	}
	if lvl.Kind == "PDH" {
		sig.Sweep = models.SweepBullish
		sig.Direction = models.Bearish
		sig.TargetPrice = day.Low
	} else {
		sig.Sweep = models.SweepBearish
		sig.Direction = models.Bullish
		sig.TargetPrice = day.High
	}
	return sig, nil
}

// logConfirmations reports the optional confluence patterns enabled in
// config. Confirmations are journal context; a missing pattern never blocks
// the signal.
func (p *Pipeline) logConfirmations(ctx context.Context, symbol string) {
	if p.cfg.Pipeline.UseVayas {
		tf := models.Timeframe(p.cfg.Pipeline.HighTimeframe)
		if bars, err := p.candles.Recent(ctx, symbol, tf, 2); err == nil && len(bars) == 2 {
			if c := detect.Vayas(bars[0], bars[1]); c != nil {
				p.logger.Printf("[%s] %s on %s: %s trend exhaustion", symbol, c.Pattern, tf, c.Exhaustion)
			}
		}
	}
	if p.cfg.Pipeline.UseEngulfing {
		if bars, err := p.candles.Recent(ctx, symbol, models.TimeframeM15, 2); err == nil && len(bars) == 2 {
			if c := detect.Engulfing(bars[0], bars[1]); c != nil {
				p.logger.Printf("[%s] %s on %s", symbol, c.Pattern, models.TimeframeM15)
			}
		}
	}
}

// entryFVG finds or refreshes the entry gap and checks the three entry
// conditions: matching kind, range touched, and exit in the signal
// direction. While conditions are pending it requests faster cadences from
// the loop.
func (p *Pipeline) entryFVG(ctx context.Context, symbol, strategyName string, signal *models.CRTSignal) (*models.FVG, Cadence, string) {
	tf := models.Timeframe(p.cfg.Pipeline.EntryTimeframe)
	bars, err := p.candles.Recent(ctx, symbol, tf, 3)
	if err != nil {
		return nil, CadenceNormal, "insufficient entry history"
	}
	tick, err := p.gateway.Tick(ctx, symbol)
	if err != nil {
		return nil, CadenceNormal, "tick unavailable"
	}
	price := tick.Bid
	if signal.Direction == models.Bullish {
		price = tick.Ask
	}

	v1, v2, v3 := bars[0], bars[1], bars[2]

	fvg := p.latchedFVG(symbol, strategyName, v3)
	if fvg != nil {
		detect.UpdateFVG(fvg, v3, price)
	} else {
		fvg = detect.FVG(v1, v2, v3, price)
	}

	if fvg == nil || fvg.Kind != signal.Direction {
		p.clearState(symbol)
		return nil, CadenceIntermediate, "waiting for entry FVG"
	}

	// Exit against the signal dissolves the setup.
	if fvg.Exited && fvg.ExitDirection != signal.Direction {
		p.clearState(symbol)
		return nil, CadenceIntermediate, "FVG exited against signal"
	}

	if !fvg.Entered || !fvg.Exited {
		p.latch(symbol, strategyName, fvg)
		return nil, CadenceIntensive, "waiting for FVG entry and exit"
	}
	return fvg, CadenceNormal, ""
}

// placeOrder computes stops and size, enforces the final preconditions, and
// submits through the retry sender. Returns the ledger order or an abort
// reason.
func (p *Pipeline) placeOrder(ctx context.Context, symbol, strategyName string,
	signal *models.CRTSignal, fvg *models.FVG) (*models.Order, string) {

	account, err := p.gateway.AccountInfo(ctx)
	if err != nil {
		p.logger.Printf("[%s] account info unavailable: %v", symbol, err)
		return nil, "account unavailable"
	}
	if !account.TradeAllowed {
		return nil, "AutoTrading disabled"
	}

	count, err := p.ledger.CountToday(ctx, strategyName)
	if err != nil {
		p.logger.Printf("[%s] ledger count failed: %v", symbol, err)
	} else if count >= p.cfg.Risk.MaxTradesPerDay {
		return nil, fmt.Sprintf("daily limit reached (%d)", count)
	}

	open, err := p.gateway.OpenPositions(ctx, symbol)
	if err != nil {
		p.logger.Printf("[%s] open positions unavailable: %v", symbol, err)
		return nil, "positions unavailable"
	}
	if len(open) > 0 {
		return nil, "position already open"
	}

	tick, err := p.gateway.Tick(ctx, symbol)
	if err != nil {
		return nil, "tick unavailable"
	}
	info, err := p.gateway.SymbolInfo(ctx, symbol)
	if err != nil {
		return nil, "symbol info unavailable"
	}

	side := models.SideSell
	entry := tick.Bid
	sl := fvg.Top + fvg.Size()*slMarginRatio
	if signal.Direction == models.Bullish {
		side = models.SideBuy
		entry = tick.Ask
		sl = fvg.Bottom - fvg.Size()*slMarginRatio
	}
	tp := signal.TargetPrice

	sl, tp, rr, ok := p.validateRisk(entry, sl, tp, signal.Direction, fvg)
	if !ok {
		return nil, "risk validation failed"
	}

	volume := p.positionVolume(account.Equity, math.Abs(entry-sl), info)
	if volume <= 0 {
		return nil, "volume computes to zero"
	}

	comment := fmt.Sprintf("%s %s", strategyName, uuid.NewString()[:8])
	result, err := p.sender.SendOrderWithRetry(ctx, broker.OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Volume:     volume,
		StopLoss:   util.RoundToDigits(sl, info.Digits),
		TakeProfit: util.RoundToDigits(tp, info.Digits),
		Comment:    comment,
	})
	if err != nil {
		p.logger.Printf("[%s] order rejected: %v", symbol, err)
		return nil, "order rejected"
	}

	order := &models.Order{
		Ticket:     result.Ticket,
		Symbol:     symbol,
		Side:       side,
		Volume:     result.Volume,
		Entry:      result.FillPrice,
		StopLoss:   util.RoundToDigits(sl, info.Digits),
		TakeProfit: util.RoundToDigits(tp, info.Digits),
		Strategy:   strategyName,
		RiskReward: rr,
		Comment:    comment,
		Status:     models.StatusOpen,
		CreatedAt:  p.now().UTC(),
		ExtraJSON:  p.orderContext(signal, fvg),
	}
	if err := p.ledger.InsertOpen(ctx, order); err != nil {
		// Broker remains source of truth; reconciliation heals the gap.
		p.logger.Printf("[%s] ledger insert failed for ticket %d: %v", symbol, order.Ticket, err)
	}
	if err := p.ledger.InsertLog(ctx, ledger.LogEntry{
		Level: "INFO", Logger: "pipeline",
		Message:  fmt.Sprintf("order %d submitted: %s %.2f @ %.5f sl=%.5f tp=%.5f rr=%.2f", order.Ticket, side, order.Volume, order.Entry, order.StopLoss, order.TakeProfit, rr),
		Symbol:   symbol,
		Strategy: strategyName,
	}); err != nil {
		p.logger.Printf("[%s] ledger log failed: %v", symbol, err)
	}

	p.logger.Printf("[%s] order %d submitted: %s vol=%.2f entry=%.5f sl=%.5f tp=%.5f rr=%.2f",
		symbol, order.Ticket, side, order.Volume, order.Entry, order.StopLoss, order.TakeProfit, rr)
	return order, ""
}

// validateRisk enforces the minimum risk/reward. An insufficient ratio first
// tries to tighten the stop once, keeping it clear of the far FVG boundary;
// failing that, the take profit is forced outward to exactly the minimum.
// The take profit never moves closer than the pattern target.
func (p *Pipeline) validateRisk(entry, sl, tp float64, direction models.Direction, fvg *models.FVG) (float64, float64, float64, bool) {
	minRR := p.cfg.Pipeline.MinRR
	risk := math.Abs(entry - sl)
	reward := math.Abs(tp - entry)
	if risk == 0 || reward == 0 {
		return 0, 0, 0, false
	}
	// Target on the wrong side of the entry is not a trade.
	if direction == models.Bullish && tp <= entry {
		return 0, 0, 0, false
	}
	if direction == models.Bearish && tp >= entry {
		return 0, 0, 0, false
	}

	rr := reward / risk
	if rr >= minRR {
		return sl, tp, rr, true
	}

	required := reward / minRR
	if direction == models.Bullish {
		tightened := entry - required
		if tightened >= fvg.Bottom*0.99 {
			return tightened, tp, minRR, true
		}
		return sl, entry + risk*minRR, minRR, true
	}
	tightened := entry + required
	if tightened <= fvg.Top*1.01 {
		return tightened, tp, minRR, true
	}
	return sl, entry - risk*minRR, minRR, true
}

// positionVolume sizes the trade so the stop distance risks the configured
// percent of equity. Symbols without tick metadata fall back to conventional
// forex pip values.
func (p *Pipeline) positionVolume(equity, riskDistance float64, info *broker.SymbolInfo) float64 {
	if riskDistance <= 0 {
		return 0
	}
	riskAmount := equity * p.cfg.Risk.RiskPerTradePercent / 100

	var valuePerUnit float64
	if info.TickSize > 0 && info.TickValue > 0 {
		valuePerUnit = info.TickValue / info.TickSize
	} else {
		// $10 per pip per standard lot.
		valuePerUnit = 10 / info.Pip()
	}

	volume := riskAmount / (riskDistance * valuePerUnit)
	if p.cfg.Risk.MaxPositionSize > 0 && volume > p.cfg.Risk.MaxPositionSize {
		volume = p.cfg.Risk.MaxPositionSize
	}
	return util.SnapVolume(volume, info.VolumeStep, info.VolumeMin, info.VolumeMax)
}

func (p *Pipeline) orderContext(signal *models.CRTSignal, fvg *models.FVG) string {
	raw, err := json.Marshal(map[string]any{"signal": signal, "fvg": fvg})
	if err != nil {
		p.logger.Printf("Failed to encode order context: %v", err)
		return ""
	}
	return string(raw)
}

// latchedFVG returns the stored gap when it still belongs to the current
// forming bar and strategy; otherwise the latch is stale.
func (p *Pipeline) latchedFVG(symbol, strategyName string, v3 models.Bar) *models.FVG {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[symbol]
	if !ok || st.fvg == nil || st.strategy != strategyName {
		return nil
	}
	if !st.fvg.V3.OpenTime.Equal(v3.OpenTime) {
		return nil
	}
	return st.fvg
}

func (p *Pipeline) latch(symbol, strategyName string, fvg *models.FVG) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[symbol] = &symbolState{fvg: fvg, strategy: strategyName}
}

func (p *Pipeline) clearState(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.states, symbol)
}
