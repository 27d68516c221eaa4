package detect

import (
	"github.com/mqr-labs/keybar-bot/internal/models"
)

// TurtleSoup detects an H4 liquidity sweep of the 1 AM or 5 AM NY key bar by
// the 9 AM bar, which may still be forming. A sweep of a prior high signals a
// short back to the swept bar's low; a sweep of a prior low signals a long
// back to the swept bar's high. Ties between the key bars resolve to the
// earlier one.
func TurtleSoup(c1, c5, c9 models.Bar) *models.CRTSignal {
	if c9.High > c1.High && c9.High > c5.High {
		swept, name := c1, "1am"
		if c5.High > c1.High {
			swept, name = c5, "5am"
		}
		return &models.CRTSignal{
			Symbol:      c9.Symbol,
			Kind:        models.CRTTurtleSoup,
			Sweep:       models.SweepBullish,
			Direction:   models.Bearish,
			TargetPrice: swept.Low,
			SweptBar:    name,
			SweepPrice:  swept.High,
			C1:          c1,
			C5:          c5,
			C9:          c9,
		}
	}

	if c9.Low < c1.Low && c9.Low < c5.Low {
		swept, name := c1, "1am"
		if c5.Low < c1.Low {
			swept, name = c5, "5am"
		}
		return &models.CRTSignal{
			Symbol:      c9.Symbol,
			Kind:        models.CRTTurtleSoup,
			Sweep:       models.SweepBearish,
			Direction:   models.Bullish,
			TargetPrice: swept.High,
			SweptBar:    name,
			SweepPrice:  swept.Low,
			C1:          c1,
			C5:          c5,
			C9:          c9,
		}
	}

	return nil
}
