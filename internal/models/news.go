package models

import "time"

// NewsEvent is one economic-calendar row after normalization. Times are UTC;
// the gate converts to New York when applying windows.
type NewsEvent struct {
	Time      time.Time `json:"time"`
	Currency  string    `json:"currency"`
	Title     string    `json:"title"`
	Impact    int       `json:"impact"` // 0..3 stars
	IsHoliday bool      `json:"is_holiday"`
	Actual    string    `json:"actual,omitempty"`
	Forecast  string    `json:"forecast,omitempty"`
	Previous  string    `json:"previous,omitempty"`
}

// HighImpact reports whether the event is a 3-star economic release.
// Holiday rows never count as high impact.
func (e NewsEvent) HighImpact() bool {
	return !e.IsHoliday && e.Impact >= 3
}
