package detect

import (
	"github.com/mqr-labs/keybar-bot/internal/models"
)

// Continuation detects a candle-range continuation: the 5 AM bar's body
// clears the 1 AM bar's full range, trading is expected to continue toward
// the 5 AM extreme. Both bars must be closed.
func Continuation(c1, c5 models.Bar) *models.CRTSignal {
	sig := &models.CRTSignal{
		Symbol: c5.Symbol,
		Kind:   models.CRTContinuation,
		C1:     c1,
		C5:     c5,
	}

	switch {
	case c5.BodyBottom() > c1.High && c5.BodyBottom() > c1.BodyTop():
		sig.Direction = models.Bullish
		sig.TargetPrice = c5.High
	case c5.BodyTop() < c1.Low && c5.BodyTop() < c1.BodyBottom():
		sig.Direction = models.Bearish
		sig.TargetPrice = c5.Low
	default:
		return nil
	}
	return sig
}

// Revision detects a candle-range revision: the 5 AM bar's body stays inside
// the 1 AM range while its wick sweeps exactly one extreme. The sweep is
// faded back toward the opposite side of the range. A bar sweeping both
// extremes is the Extreme pattern's territory and returns nil here.
func Revision(c1, c5 models.Bar) *models.CRTSignal {
	bodyInside := c5.BodyBottom() >= c1.Low && c5.BodyTop() <= c1.High
	sweptHigh := c5.High > c1.High
	sweptLow := c5.Low < c1.Low

	if !bodyInside || sweptHigh == sweptLow {
		return nil
	}

	sig := &models.CRTSignal{
		Symbol: c5.Symbol,
		Kind:   models.CRTRevision,
		C1:     c1,
		C5:     c5,
	}
	if sweptHigh {
		sig.Sweep = models.SweepBullish
		sig.SweptExtreme = "high"
		sig.Direction = models.Bearish
		sig.TargetPrice = c1.Low
	} else {
		sig.Sweep = models.SweepBearish
		sig.SweptExtreme = "low"
		sig.Direction = models.Bullish
		sig.TargetPrice = c1.High
	}
	return sig
}

// Extreme detects a candle-range extreme: the 5 AM bar engulfs both extremes
// of the 1 AM bar. Direction follows the 5 AM close; a doji defaults to
// Bullish with the doji recorded as the close type.
func Extreme(c1, c5 models.Bar) *models.CRTSignal {
	if !(c5.High > c1.High && c5.Low < c1.Low) {
		return nil
	}

	sig := &models.CRTSignal{
		Symbol:    c5.Symbol,
		Kind:      models.CRTExtreme,
		Sweep:     models.SweepExtreme,
		CloseType: c5.Direction(),
		C1:        c1,
		C5:        c5,
	}
	switch c5.Direction() {
	case models.Bearish:
		sig.Direction = models.Bearish
		sig.TargetPrice = c5.Low
	default: // Bullish, and Doji defaults to Bullish
		sig.Direction = models.Bullish
		sig.TargetPrice = c5.High
	}
	return sig
}
