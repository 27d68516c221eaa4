// Package detect holds the pattern detectors. All detectors are pure
// functions over bars and the current tick; they perform no I/O and return
// nil whenever a pattern is absent or the inputs are anomalous.
package detect

import (
	"github.com/mqr-labs/keybar-bot/internal/models"
)

// FVG detects a fair value gap over three consecutive bars, v1 oldest and v3
// the forming bar. The middle bar is carried for context but plays no part
// in formation. Returns nil when no gap exists, including the degenerate
// zero-size case.
func FVG(v1, v2, v3 models.Bar, tick float64) *models.FVG {
	f := &models.FVG{
		Symbol:    v3.Symbol,
		Timeframe: v3.Timeframe,
		V1:        v1,
		V2:        v2,
		V3:        v3,
	}

	switch {
	case v3.Low > v1.High:
		f.Kind = models.Bullish
		f.Bottom = v1.High
		f.Top = v3.Low
	case v3.High < v1.Low:
		f.Kind = models.Bearish
		f.Bottom = v3.High
		f.Top = v1.Low
	default:
		return nil
	}

	UpdateFVG(f, v3, tick)
	return f
}

// UpdateFVG refreshes the state flags of a previously detected gap against
// the forming bar and the current tick. The range stays latched to the bars
// that formed it, so a forming bar trading back into the gap updates the
// entry flags instead of dissolving the pattern.
func UpdateFVG(f *models.FVG, v3 models.Bar, tick float64) {
	f.V3 = v3
	tol := f.Size() * 1e-4

	// A touch of the range counts as entry, boundary included, so a fresh
	// gap is already entered through the edge the forming bar defines.
	if v3.Low <= f.Top && v3.High >= f.Bottom {
		f.Entered = true
	}
	if v3.Low <= f.Bottom+tol {
		f.BottomTouched = true
	}
	if v3.High >= f.Top-tol {
		f.TopTouched = true
	}

	switch f.Kind {
	case models.Bullish:
		// Fully filled when the forming bar trades back through the
		// whole gap down to v1's high.
		f.FilledCompletely = v3.Low <= f.Bottom+tol
	case models.Bearish:
		f.FilledCompletely = v3.High >= f.Top-tol
	}

	if f.Entered {
		switch {
		case tick > f.Top:
			f.Exited = true
			f.ExitDirection = models.Bullish
		case tick < f.Bottom:
			f.Exited = true
			f.ExitDirection = models.Bearish
		}
	}
}
