package broker

import (
	"log"

	"github.com/mqr-labs/keybar-bot/internal/models"
	"github.com/mqr-labs/keybar-bot/internal/util"
)

// AdjustStops validates proposed SL/TP levels against the side of the trade
// and the symbol's minimum stop distance. Levels on the wrong side of the
// entry are dropped (returned as 0) with a warning; levels inside the
// minimum distance are pushed out to exactly the minimum. Zero inputs pass
// through unchanged.
func AdjustStops(info *SymbolInfo, side models.Side, entry, stopLoss, takeProfit float64, logger *log.Logger) (float64, float64) {
	minDistance := float64(info.StopLevelPoints) * info.Point

	adjustedSL := stopLoss
	adjustedTP := takeProfit

	if stopLoss != 0 {
		if side == models.SideBuy {
			if stopLoss >= entry {
				logger.Printf("[%s] SL %.5f must be below entry %.5f for BUY, dropping", info.Name, stopLoss, entry)
				adjustedSL = 0
			} else if entry-stopLoss < minDistance {
				adjustedSL = util.RoundToDigits(entry-minDistance, info.Digits)
				logger.Printf("[%s] SL adjusted %.5f -> %.5f to satisfy stop level (%d points)",
					info.Name, stopLoss, adjustedSL, info.StopLevelPoints)
			}
		} else {
			if stopLoss <= entry {
				logger.Printf("[%s] SL %.5f must be above entry %.5f for SELL, dropping", info.Name, stopLoss, entry)
				adjustedSL = 0
			} else if stopLoss-entry < minDistance {
				adjustedSL = util.RoundToDigits(entry+minDistance, info.Digits)
				logger.Printf("[%s] SL adjusted %.5f -> %.5f to satisfy stop level (%d points)",
					info.Name, stopLoss, adjustedSL, info.StopLevelPoints)
			}
		}
	}

	if takeProfit != 0 {
		if side == models.SideBuy {
			if takeProfit <= entry {
				logger.Printf("[%s] TP %.5f must be above entry %.5f for BUY, dropping", info.Name, takeProfit, entry)
				adjustedTP = 0
			} else if takeProfit-entry < minDistance {
				adjustedTP = util.RoundToDigits(entry+minDistance, info.Digits)
				logger.Printf("[%s] TP adjusted %.5f -> %.5f to satisfy stop level (%d points)",
					info.Name, takeProfit, adjustedTP, info.StopLevelPoints)
			}
		} else {
			if takeProfit >= entry {
				logger.Printf("[%s] TP %.5f must be below entry %.5f for SELL, dropping", info.Name, takeProfit, entry)
				adjustedTP = 0
			} else if entry-takeProfit < minDistance {
				adjustedTP = util.RoundToDigits(entry-minDistance, info.Digits)
				logger.Printf("[%s] TP adjusted %.5f -> %.5f to satisfy stop level (%d points)",
					info.Name, takeProfit, adjustedTP, info.StopLevelPoints)
			}
		}
	}

	return adjustedSL, adjustedTP
}

// StopRespectsLevel reports whether a proposed stop for an open position is
// far enough from the current price to satisfy the broker's stop level.
func StopRespectsLevel(info *SymbolInfo, side models.Side, currentPrice, proposedSL float64) bool {
	minDistance := float64(info.StopLevelPoints) * info.Point
	if side == models.SideBuy {
		return currentPrice-proposedSL >= minDistance
	}
	return proposedSL-currentPrice >= minDistance
}
