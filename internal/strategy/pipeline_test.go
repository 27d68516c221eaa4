package strategy

import (
	"bytes"
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqr-labs/keybar-bot/internal/broker"
	"github.com/mqr-labs/keybar-bot/internal/config"
	"github.com/mqr-labs/keybar-bot/internal/ledger"
	"github.com/mqr-labs/keybar-bot/internal/mock"
	"github.com/mqr-labs/keybar-bot/internal/models"
	"github.com/mqr-labs/keybar-bot/internal/retry"
)

func discard() *log.Logger { return log.New(io.Discard, "", 0) }

func testConfig() *config.Config {
	return &config.Config{
		Pipeline: config.PipelineConfig{EntryTimeframe: "M5", MinRR: 2.0, HighTimeframe: "H4"},
		Risk:     config.RiskConfig{RiskPerTradePercent: 1.0, MaxTradesPerDay: 2},
	}
}

func testSymbol() *broker.SymbolInfo {
	return &broker.SymbolInfo{
		Name:       "EURUSD",
		Digits:     5,
		Point:      0.00001,
		VolumeMin:  0.01,
		VolumeMax:  100,
		VolumeStep: 0.01,
		TickSize:   0.00001,
		TickValue:  1.0,
	}
}

func h4(o, h, l, c float64) models.Bar {
	return models.Bar{Symbol: "EURUSD", Timeframe: models.TimeframeH4, Open: o, High: h, Low: l, Close: c}
}

var m5Base = time.Date(2025, 12, 8, 14, 0, 0, 0, time.UTC)

func m5(i int, o, h, l, c float64) models.Bar {
	return models.Bar{
		Symbol: "EURUSD", Timeframe: models.TimeframeM5,
		OpenTime: m5Base.Add(time.Duration(i) * 5 * time.Minute),
		Open:     o, High: h, Low: l, Close: c,
	}
}

// fakeCandles serves scripted bars and records what was requested.
type fakeCandles struct {
	c1, c5, c9 models.Bar
	keyErr     error
	keyTF      models.Timeframe
	recent     []models.Bar
	recentErr  error
	daily      []models.Bar
	dailyErr   error
	dailyCount int
}

func (f *fakeCandles) KeyBars(_ context.Context, _ string, tf models.Timeframe) (*models.Bar, *models.Bar, *models.Bar, error) {
	f.keyTF = tf
	if f.keyErr != nil {
		return nil, nil, nil, f.keyErr
	}
	a, b, c := f.c1, f.c5, f.c9
	return &a, &b, &c, nil
}

func (f *fakeCandles) Recent(_ context.Context, _ string, _ models.Timeframe, count int) ([]models.Bar, error) {
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	out := make([]models.Bar, len(f.recent))
	copy(out, f.recent)
	if count < len(out) {
		out = out[len(out)-count:]
	}
	return out, nil
}

func (f *fakeCandles) PreviousDaily(_ context.Context, _ string, count int) ([]models.Bar, error) {
	f.dailyCount = count
	if f.dailyErr != nil {
		return nil, f.dailyErr
	}
	out := make([]models.Bar, len(f.daily))
	copy(out, f.daily)
	return out, nil
}

type fakeGate struct {
	allowed bool
	reason  string
}

func (f *fakeGate) MayTrade(context.Context, string) (bool, string, *models.NewsEvent) {
	return f.allowed, f.reason, nil
}

func newTestPipeline(gw *mock.Gateway, fc *fakeCandles, gate NewsGate, store ledger.Interface) *Pipeline {
	sender := retry.NewClient(gw, discard(), retry.Config{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
	})
	return New(gw, sender, fc, gate, store, testConfig(), discard())
}

// turtleShortCandles scripts a bearish Turtle Soup on H4 (the latest key bar
// sweeps the 1am high) with a forming bearish gap on M5. The gap is between
// the first bar's low 1.0992 and the forming bar's high 1.0988.
func turtleShortCandles() *fakeCandles {
	return &fakeCandles{
		c1: h4(1.0975, 1.1000, 1.0950, 1.0990),
		c5: h4(1.0990, 1.0990, 1.0960, 1.0970),
		c9: h4(1.0970, 1.1005, 1.0980, 1.0995),
		recent: []models.Bar{
			m5(0, 1.0994, 1.0996, 1.0992, 1.0993),
			m5(1, 1.0993, 1.0994, 1.0990, 1.0991),
			m5(2, 1.0987, 1.0988, 1.0984, 1.0986),
		},
	}
}

func TestAnalyze_TurtleSoupShortSubmitsOrder(t *testing.T) {
	gw := mock.NewGateway()
	gw.SetSymbol(testSymbol())
	// Bid inside the gap: the range is touched but not yet exited.
	gw.SetTick("EURUSD", 1.0990, 1.0991)
	fc := turtleShortCandles()
	mem := ledger.NewMemory()
	p := newTestPipeline(gw, fc, &fakeGate{allowed: true}, mem)
	ctx := context.Background()

	// First pass: entered through the forming bar's edge, waiting for the
	// downward exit.
	res := p.Analyze(ctx, "EURUSD", "turtle_soup_fvg")
	require.Nil(t, res.Order)
	assert.Equal(t, CadenceIntensive, res.Cadence)

	// The bid drops back below the gap: downward exit, order goes out.
	gw.SetTick("EURUSD", 1.0986, 1.0987)
	res = p.Analyze(ctx, "EURUSD", "turtle_soup_fvg")
	require.NotNil(t, res.Order)

	require.Len(t, gw.SentOrders, 1)
	sent := gw.SentOrders[0]
	assert.Equal(t, models.SideSell, sent.Side)
	// Stop sits beyond the gap top by a tenth of the gap size.
	assert.InDelta(t, 1.09924, sent.StopLoss, 1e-9)
	// Target is the swept bar's low.
	assert.InDelta(t, 1.0950, sent.TakeProfit, 1e-9)
	// $100 risk over a 6.4 pip stop: 1.56 lots after step snapping.
	assert.InDelta(t, 1.56, sent.Volume, 1e-9)

	row := mem.Order(res.Order.Ticket)
	require.NotNil(t, row)
	assert.Equal(t, "turtle_soup_fvg", row.Strategy)
	assert.Equal(t, models.StatusOpen, row.Status)
	assert.InDelta(t, 5.625, row.RiskReward, 1e-3)
	assert.NotEmpty(t, row.ExtraJSON)
	assert.Len(t, mem.Logs(), 1)
}

func TestAnalyze_ContinuationLongTightensStop(t *testing.T) {
	gw := mock.NewGateway()
	gw.SetSymbol(testSymbol())
	// Ask inside the bullish gap: touched, no exit yet.
	gw.SetTick("EURUSD", 1.11065, 1.11075)
	fc := &fakeCandles{
		c1: h4(1.10800, 1.11000, 1.10700, 1.10900),
		c5: h4(1.11020, 1.11150, 1.11000, 1.11120),
		c9: h4(1.11120, 1.11160, 1.11100, 1.11140),
		recent: []models.Bar{
			m5(0, 1.11020, 1.11060, 1.11000, 1.11050),
			m5(1, 1.11050, 1.11070, 1.11040, 1.11060),
			m5(2, 1.11090, 1.11110, 1.11080, 1.11100),
		},
	}
	mem := ledger.NewMemory()
	p := newTestPipeline(gw, fc, &fakeGate{allowed: true}, mem)
	ctx := context.Background()

	res := p.Analyze(ctx, "EURUSD", "crt")
	require.Nil(t, res.Order)
	assert.Equal(t, CadenceIntensive, res.Cadence)

	// Ask climbs back above the gap top: upward exit, order goes out.
	gw.SetTick("EURUSD", 1.11090, 1.11100)
	res = p.Analyze(ctx, "EURUSD", "crt")
	require.NotNil(t, res.Order)

	require.Len(t, gw.SentOrders, 1)
	sent := gw.SentOrders[0]
	assert.Equal(t, models.SideBuy, sent.Side)
	assert.InDelta(t, 1.11150, sent.TakeProfit, 1e-9)
	// Raw stop 1.11058 gives rr 1.19; the stop tightens to entry minus half
	// the reward so the trade meets the 2.0 minimum.
	assert.InDelta(t, 1.11075, sent.StopLoss, 1e-9)
	assert.InDelta(t, 2.0, mem.Order(res.Order.Ticket).RiskReward, 1e-9)
}

func TestAnalyze_NewsBlocked(t *testing.T) {
	gw := mock.NewGateway()
	fc := turtleShortCandles()
	p := newTestPipeline(gw, fc, &fakeGate{allowed: false, reason: "news in 4.0 min"}, ledger.NewMemory())

	res := p.Analyze(context.Background(), "EURUSD", "turtle_soup_fvg")
	assert.Nil(t, res.Order)
	assert.Equal(t, "news in 4.0 min", res.Reason)
	assert.Empty(t, gw.SentOrders)
}

func TestAnalyze_DefaultStrategyIdles(t *testing.T) {
	p := newTestPipeline(mock.NewGateway(), &fakeCandles{}, &fakeGate{allowed: true}, ledger.NewMemory())
	res := p.Analyze(context.Background(), "EURUSD", "default")
	assert.Nil(t, res.Order)
	assert.Equal(t, CadenceNormal, res.Cadence)
}

func TestAnalyze_NoPattern(t *testing.T) {
	fc := turtleShortCandles()
	fc.c9 = h4(1.0970, 1.0995, 1.0955, 1.0980) // no sweep
	p := newTestPipeline(mock.NewGateway(), fc, &fakeGate{allowed: true}, ledger.NewMemory())

	res := p.Analyze(context.Background(), "EURUSD", "turtle_soup_fvg")
	assert.Nil(t, res.Order)
	assert.Equal(t, "no pattern", res.Reason)
}

func TestAnalyze_NoEntryFVGIsIntermediate(t *testing.T) {
	gw := mock.NewGateway()
	gw.SetSymbol(testSymbol())
	gw.SetTick("EURUSD", 1.0986, 1.0987)
	fc := turtleShortCandles()
	// Overlapping bars: no gap on the entry timeframe.
	fc.recent = []models.Bar{
		m5(0, 1.0994, 1.0996, 1.0990, 1.0993),
		m5(1, 1.0993, 1.0995, 1.0989, 1.0991),
		m5(2, 1.0991, 1.0994, 1.0988, 1.0990),
	}
	p := newTestPipeline(gw, fc, &fakeGate{allowed: true}, ledger.NewMemory())

	res := p.Analyze(context.Background(), "EURUSD", "turtle_soup_fvg")
	assert.Nil(t, res.Order)
	assert.Equal(t, CadenceIntermediate, res.Cadence)
}

func TestAnalyze_FVGKindMismatchIsIntermediate(t *testing.T) {
	gw := mock.NewGateway()
	gw.SetSymbol(testSymbol())
	gw.SetTick("EURUSD", 1.0986, 1.0987)
	fc := turtleShortCandles() // bearish signal
	// Bullish gap: forming bar's low above the first bar's high.
	fc.recent = []models.Bar{
		m5(0, 1.0975, 1.0980, 1.0970, 1.0978),
		m5(1, 1.0978, 1.0984, 1.0976, 1.0982),
		m5(2, 1.0986, 1.0990, 1.0985, 1.0988),
	}
	p := newTestPipeline(gw, fc, &fakeGate{allowed: true}, ledger.NewMemory())

	res := p.Analyze(context.Background(), "EURUSD", "turtle_soup_fvg")
	assert.Nil(t, res.Order)
	assert.Equal(t, CadenceIntermediate, res.Cadence)
	assert.Equal(t, "waiting for entry FVG", res.Reason)
}

func TestAnalyze_DailyLimitBlocksOrder(t *testing.T) {
	gw := mock.NewGateway()
	gw.SetSymbol(testSymbol())
	gw.SetTick("EURUSD", 1.0986, 1.0987)
	fc := turtleShortCandles()
	mem := ledger.NewMemory()
	ctx := context.Background()

	// Two orders already booked today for this strategy.
	for i := int64(1); i <= 2; i++ {
		require.NoError(t, mem.InsertOpen(ctx, &models.Order{
			Ticket: i, Symbol: "EURUSD", Side: models.SideSell, Volume: 0.1,
			Entry: 1.1, Strategy: "turtle_soup_fvg",
		}))
	}

	p := newTestPipeline(gw, fc, &fakeGate{allowed: true}, mem)
	res := p.Analyze(ctx, "EURUSD", "turtle_soup_fvg")

	assert.Nil(t, res.Order)
	assert.Contains(t, res.Reason, "daily limit")
	assert.Empty(t, gw.SentOrders)
}

func TestAnalyze_OpenPositionBlocksReentry(t *testing.T) {
	gw := mock.NewGateway()
	gw.SetSymbol(testSymbol())
	gw.SetTick("EURUSD", 1.0986, 1.0987)
	gw.AddPosition(models.Position{Symbol: "EURUSD", Side: models.SideSell, Volume: 0.1})
	fc := turtleShortCandles()
	p := newTestPipeline(gw, fc, &fakeGate{allowed: true}, ledger.NewMemory())

	res := p.Analyze(context.Background(), "EURUSD", "turtle_soup_fvg")

	assert.Nil(t, res.Order)
	assert.Equal(t, "position already open", res.Reason)
	assert.Empty(t, gw.SentOrders)
}

func TestAnalyze_AutoTradingDisabledBlocksOrder(t *testing.T) {
	gw := mock.NewGateway()
	gw.SetSymbol(testSymbol())
	gw.SetTick("EURUSD", 1.0986, 1.0987)
	gw.SetAccount(broker.AccountInfo{Equity: 10000, TradeAllowed: false})
	fc := turtleShortCandles()
	p := newTestPipeline(gw, fc, &fakeGate{allowed: true}, ledger.NewMemory())

	res := p.Analyze(context.Background(), "EURUSD", "turtle_soup_fvg")

	assert.Nil(t, res.Order)
	assert.Equal(t, "AutoTrading disabled", res.Reason)
	assert.Empty(t, gw.SentOrders)
}

func TestDetectPattern_DailyLevelsSweep(t *testing.T) {
	gw := mock.NewGateway()
	gw.SetSymbol(testSymbol())
	gw.SetTick("EURUSD", 1.1099, 1.1100)
	fc := &fakeCandles{
		daily: []models.Bar{
			{Symbol: "EURUSD", High: 1.1050, Low: 1.0950},
			{Symbol: "EURUSD", High: 1.1080, Low: 1.0980},
			{Symbol: "EURUSD", High: 1.1100, Low: 1.1000},
		},
	}
	p := newTestPipeline(gw, fc, &fakeGate{allowed: true}, ledger.NewMemory())

	sig, err := p.detectPattern(context.Background(), "EURUSD", "daily_levels_sweep")
	require.NoError(t, err)
	require.NotNil(t, sig)
	// Taking yesterday's high fades into a short toward that day's low.
	assert.Equal(t, models.Bearish, sig.Direction)
	assert.InDelta(t, 1.1000, sig.TargetPrice, 1e-9)
	assert.InDelta(t, 1.1100, sig.SweepPrice, 1e-9)
	// Unset crt_lookback falls back to five closed days.
	assert.Equal(t, 5, fc.dailyCount)

	p.cfg.Pipeline.Lookback = 3
	_, err = p.detectPattern(context.Background(), "EURUSD", "daily_levels_sweep")
	require.NoError(t, err)
	assert.Equal(t, 3, fc.dailyCount)
}

func TestDetectPattern_UsesConfiguredHighTimeframe(t *testing.T) {
	fc := turtleShortCandles()
	p := newTestPipeline(mock.NewGateway(), fc, &fakeGate{allowed: true}, ledger.NewMemory())

	_, err := p.detectPattern(context.Background(), "EURUSD", "turtle_soup_fvg")
	require.NoError(t, err)
	assert.Equal(t, models.TimeframeH4, fc.keyTF)

	p.cfg.Pipeline.HighTimeframe = "D1"
	_, err = p.detectPattern(context.Background(), "EURUSD", "turtle_soup_fvg")
	require.NoError(t, err)
	assert.Equal(t, models.TimeframeD1, fc.keyTF)
}

func TestAnalyze_ConfirmationsLogged(t *testing.T) {
	gw := mock.NewGateway()
	gw.SetSymbol(testSymbol())
	gw.SetTick("EURUSD", 1.0990, 1.0991)

	t.Run("vayas", func(t *testing.T) {
		fc := turtleShortCandles()
		// Last two entry bars: a bullish push, then a bar that holds under
		// its high and closes inside the range.
		fc.recent[1] = m5(1, 1.0990, 1.0996, 1.0989, 1.0995)
		fc.recent[2] = m5(2, 1.0995, 1.0995, 1.0984, 1.0986)
		cfg := testConfig()
		cfg.Pipeline.UseVayas = true
		var buf bytes.Buffer
		p := New(gw, nil, fc, &fakeGate{allowed: true}, ledger.NewMemory(), cfg, log.New(&buf, "", 0))

		res := p.Analyze(context.Background(), "EURUSD", "turtle_soup_fvg")
		assert.Nil(t, res.Order)
		assert.Contains(t, buf.String(), "BEARISH_VAYAS")
	})

	t.Run("engulfing", func(t *testing.T) {
		fc := turtleShortCandles()
		// Last two entry bars: a bullish bar engulfed by a bearish one.
		fc.recent[1] = m5(1, 1.0990, 1.0994, 1.0989, 1.0993)
		fc.recent[2] = m5(2, 1.0994, 1.0996, 1.0985, 1.0986)
		cfg := testConfig()
		cfg.Pipeline.UseEngulfing = true
		var buf bytes.Buffer
		p := New(gw, nil, fc, &fakeGate{allowed: true}, ledger.NewMemory(), cfg, log.New(&buf, "", 0))

		res := p.Analyze(context.Background(), "EURUSD", "turtle_soup_fvg")
		assert.Nil(t, res.Order)
		assert.Contains(t, buf.String(), "BEARISH_ENGULFING")
	})
}

func TestValidateRisk(t *testing.T) {
	p := newTestPipeline(mock.NewGateway(), &fakeCandles{}, &fakeGate{allowed: true}, ledger.NewMemory())
	fvg := &models.FVG{Bottom: 1.1090, Top: 1.1110}

	t.Run("sufficient ratio passes through", func(t *testing.T) {
		sl, tp, rr, ok := p.validateRisk(1.1100, 1.1090, 1.1130, models.Bullish, fvg)
		require.True(t, ok)
		assert.Equal(t, 1.1090, sl)
		assert.Equal(t, 1.1130, tp)
		assert.InDelta(t, 3.0, rr, 1e-9)
	})

	t.Run("buy tightens stop once", func(t *testing.T) {
		// risk 0.0020, reward 0.0030: rr 1.5.
		sl, tp, rr, ok := p.validateRisk(1.1100, 1.1080, 1.1130, models.Bullish, fvg)
		require.True(t, ok)
		assert.InDelta(t, 1.1085, sl, 1e-9) // entry minus reward/2
		assert.Equal(t, 1.1130, tp)
		assert.InDelta(t, 2.0, rr, 1e-9)
	})

	t.Run("buy forces target outward when tighten fails", func(t *testing.T) {
		// Tightened stop would land far below the gap bottom margin.
		sl, tp, rr, ok := p.validateRisk(1.1100, 1.0950, 1.1350, models.Bullish, fvg)
		require.True(t, ok)
		assert.Equal(t, 1.0950, sl)
		assert.InDelta(t, 1.1400, tp, 1e-9) // entry plus 2x risk
		assert.InDelta(t, 2.0, rr, 1e-9)
	})

	t.Run("sell forces target outward when tighten fails", func(t *testing.T) {
		sl, tp, rr, ok := p.validateRisk(1.1100, 1.1250, 1.0850, models.Bearish, fvg)
		require.True(t, ok)
		assert.Equal(t, 1.1250, sl)
		assert.InDelta(t, 1.0800, tp, 1e-9)
		assert.InDelta(t, 2.0, rr, 1e-9)
	})

	t.Run("zero risk rejected", func(t *testing.T) {
		_, _, _, ok := p.validateRisk(1.1100, 1.1100, 1.1130, models.Bullish, fvg)
		assert.False(t, ok)
	})

	t.Run("target on wrong side rejected", func(t *testing.T) {
		_, _, _, ok := p.validateRisk(1.1100, 1.1090, 1.1050, models.Bullish, fvg)
		assert.False(t, ok)
		_, _, _, ok = p.validateRisk(1.1100, 1.1110, 1.1150, models.Bearish, fvg)
		assert.False(t, ok)
	})
}

func TestPositionVolume(t *testing.T) {
	p := newTestPipeline(mock.NewGateway(), &fakeCandles{}, &fakeGate{allowed: true}, ledger.NewMemory())
	info := testSymbol()

	// $100 risk over a 50 pip stop at $10/pip/lot.
	assert.InDelta(t, 0.2, p.positionVolume(10000, 0.0050, info), 1e-9)

	// Missing tick metadata falls back to conventional pip values.
	noTicks := *info
	noTicks.TickSize = 0
	assert.InDelta(t, 0.2, p.positionVolume(10000, 0.0050, &noTicks), 1e-9)

	// Max position size caps the computed volume.
	p.cfg.Risk.MaxPositionSize = 0.1
	assert.InDelta(t, 0.1, p.positionVolume(10000, 0.0050, info), 1e-9)
	p.cfg.Risk.MaxPositionSize = 0

	// Degenerate stop distance yields no volume.
	assert.Zero(t, p.positionVolume(10000, 0, info))
}
