package detect

import (
	"github.com/mqr-labs/keybar-bot/internal/models"
)

// Vayas detects a bias-change candle on the higher timeframe: after a
// directional bar, the next bar fails to break its extreme and closes back
// inside the range, marking trend exhaustion. prev is the older bar.
func Vayas(prev, cur models.Bar) *models.Confirmation {
	if prev.Close > prev.Open {
		if cur.High <= prev.High && cur.Close < prev.High {
			return &models.Confirmation{Pattern: "BEARISH_VAYAS", Exhaustion: models.Bullish}
		}
	}
	if prev.Close < prev.Open {
		if cur.Low >= prev.Low && cur.Close > prev.Low {
			return &models.Confirmation{Pattern: "BULLISH_VAYAS", Exhaustion: models.Bearish}
		}
	}
	return nil
}

// Engulfing detects a full-body reversal candle: the current bar opens
// against the previous bar's direction and its range envelops the previous
// bar entirely.
func Engulfing(prev, cur models.Bar) *models.Confirmation {
	envelops := cur.Low < prev.Low && cur.High > prev.High
	if !envelops {
		return nil
	}
	if prev.Close < prev.Open && cur.Close > cur.Open {
		return &models.Confirmation{Pattern: "BULLISH_ENGULFING"}
	}
	if prev.Close > prev.Open && cur.Close < cur.Open {
		return &models.Confirmation{Pattern: "BEARISH_ENGULFING"}
	}
	return nil
}
