// Package util provides common utility functions for price and volume math.
package util

import "math"

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.01, 1.2345 becomes 1.23 or 1.24 depending on rounding.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// RoundToDigits rounds a price to the symbol's quoted decimal places.
func RoundToDigits(x float64, digits int) float64 {
	if digits < 0 {
		return x
	}
	pow := math.Pow(10, float64(digits))
	return math.Round(x*pow) / pow
}

// SnapVolume snaps a lot size to the broker's volume step and clamps it to
// [min, max]. A non-positive step leaves the volume unsnapped.
func SnapVolume(volume, step, min, max float64) float64 {
	if step > 0 {
		volume = math.Round(volume/step) * step
		// Round again to kill float drift from the division.
		volume = RoundToDigits(volume, 8)
	}
	if min > 0 && volume < min {
		volume = min
	}
	if max > 0 && volume > max {
		volume = max
	}
	return volume
}

// PipSize returns the conventional pip for a symbol quoted to the given
// number of digits: 0.0001 for 4/5-digit pairs, 0.01 for 2/3-digit (JPY).
func PipSize(digits int) float64 {
	if digits <= 3 {
		return 0.01
	}
	return 0.0001
}
