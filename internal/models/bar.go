// Package models defines the core domain types shared across the bot:
// bars, orders, pattern signals, sessions, and calendar events.
package models

import (
	"fmt"
	"time"
)

// Timeframe identifies a chart timeframe.
type Timeframe string

// Supported timeframes.
const (
	TimeframeM1  Timeframe = "M1"
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeM30 Timeframe = "M30"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
	TimeframeD1  Timeframe = "D1"
)

// Duration returns the bar length for the timeframe.
func (tf Timeframe) Duration() (time.Duration, error) {
	switch tf {
	case TimeframeM1:
		return time.Minute, nil
	case TimeframeM5:
		return 5 * time.Minute, nil
	case TimeframeM15:
		return 15 * time.Minute, nil
	case TimeframeM30:
		return 30 * time.Minute, nil
	case TimeframeH1:
		return time.Hour, nil
	case TimeframeH4:
		return 4 * time.Hour, nil
	case TimeframeD1:
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown timeframe %q", string(tf))
	}
}

// Valid reports whether tf is a supported timeframe.
func (tf Timeframe) Valid() bool {
	_, err := tf.Duration()
	return err == nil
}

// Direction classifies a bar or a trade signal.
type Direction string

// Direction values.
const (
	Bullish Direction = "bullish"
	Bearish Direction = "bearish"
	Doji    Direction = "doji"
)

// Opposite returns the inverse direction. Doji maps to itself.
func (d Direction) Opposite() Direction {
	switch d {
	case Bullish:
		return Bearish
	case Bearish:
		return Bullish
	default:
		return d
	}
}

// Bar is a single OHLCV candle. Closed bars are immutable; the forming bar
// mutates with each tick until its timeframe elapses.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// Direction classifies the bar by the sign of close-open.
func (b Bar) Direction() Direction {
	switch {
	case b.Close > b.Open:
		return Bullish
	case b.Close < b.Open:
		return Bearish
	default:
		return Doji
	}
}

// BodyTop returns the higher of open and close.
func (b Bar) BodyTop() float64 {
	if b.Open > b.Close {
		return b.Open
	}
	return b.Close
}

// BodyBottom returns the lower of open and close.
func (b Bar) BodyBottom() float64 {
	if b.Open < b.Close {
		return b.Open
	}
	return b.Close
}

// Body returns the absolute body size.
func (b Bar) Body() float64 {
	return b.BodyTop() - b.BodyBottom()
}

// Range returns high-low.
func (b Bar) Range() float64 {
	return b.High - b.Low
}

// Contains reports whether the instant t falls inside [OpenTime, OpenTime+tf).
func (b Bar) Contains(t time.Time) bool {
	d, err := b.Timeframe.Duration()
	if err != nil {
		return false
	}
	return !t.Before(b.OpenTime) && t.Before(b.OpenTime.Add(d))
}
