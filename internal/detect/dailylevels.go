package detect

import (
	"math"

	"github.com/mqr-labs/keybar-bot/internal/models"
)

// DailyLevels scores the previous daily highs and lows against the current
// bid. daily must hold closed daily bars oldest first. tolerance is the
// price distance (typically one pip) within which a level counts as being
// taken. Returns every level, newest day first.
func DailyLevels(symbol string, daily []models.Bar, bid, tolerance float64) []models.DailyLevel {
	levels := make([]models.DailyLevel, 0, 2*len(daily))
	for i := len(daily) - 1; i >= 0; i-- {
		bar := daily[i]
		daysAgo := len(daily) - i

		levels = append(levels, models.DailyLevel{
			Symbol:   symbol,
			Kind:     "PDH",
			Price:    bar.High,
			DaysAgo:  daysAgo,
			IsTaking: bid >= bar.High-tolerance,
			HasTaken: bid > bar.High,
			Distance: math.Abs(bid - bar.High),
		})
		levels = append(levels, models.DailyLevel{
			Symbol:   symbol,
			Kind:     "PDL",
			Price:    bar.Low,
			DaysAgo:  daysAgo,
			IsTaking: bid <= bar.Low+tolerance,
			HasTaken: bid < bar.Low,
			Distance: math.Abs(bid - bar.Low),
		})
	}
	return levels
}

// SweptDailyLevel returns the level currently being taken that lies closest
// to the bid, or nil when no level qualifies.
func SweptDailyLevel(symbol string, daily []models.Bar, bid, tolerance float64) *models.DailyLevel {
	var best *models.DailyLevel
	for _, lvl := range DailyLevels(symbol, daily, bid, tolerance) {
		if !lvl.IsTaking {
			continue
		}
		if best == nil || lvl.Distance < best.Distance {
			cp := lvl
			best = &cp
		}
	}
	return best
}
