package models

// FVG is a three-bar fair value gap. v1 is the oldest bar, v2 the middle,
// v3 the forming bar. The middle bar plays no part in formation; the gap is
// between v1's extreme and v3's.
type FVG struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Kind      Direction `json:"kind"` // Bullish or Bearish
	Bottom    float64   `json:"bottom"`
	Top       float64   `json:"top"`

	// State derived from the forming bar and the current tick.
	Entered          bool      `json:"entered"`
	Exited           bool      `json:"exited"`
	ExitDirection    Direction `json:"exit_direction,omitempty"`
	BottomTouched    bool      `json:"bottom_touched"`
	TopTouched       bool      `json:"top_touched"`
	FilledCompletely bool      `json:"filled_completely"`

	V1 Bar `json:"v1"`
	V2 Bar `json:"v2"`
	V3 Bar `json:"v3"`
}

// Size returns top-bottom.
func (f *FVG) Size() float64 {
	return f.Top - f.Bottom
}

// CRTKind distinguishes the candle-range pattern variants.
type CRTKind string

// CRT pattern kinds.
const (
	CRTContinuation CRTKind = "continuation"
	CRTRevision     CRTKind = "revision"
	CRTExtreme      CRTKind = "extreme"
	CRTTurtleSoup   CRTKind = "turtle_soup"
)

// SweepType labels which extreme a sweep took out.
type SweepType string

// Sweep types.
const (
	SweepBullish SweepType = "BULLISH_SWEEP" // swept a prior high
	SweepBearish SweepType = "BEARISH_SWEEP" // swept a prior low
	SweepExtreme SweepType = "EXTREME_SWEEP" // swept both extremes
)

// CRTSignal is the output of the H4 pattern detectors. Signals are ephemeral:
// they are recomputed every cycle and never persisted.
type CRTSignal struct {
	Symbol      string    `json:"symbol"`
	Kind        CRTKind   `json:"kind"`
	Sweep       SweepType `json:"sweep"`
	Direction   Direction `json:"direction"`
	TargetPrice float64   `json:"target_price"`

	// Turtle Soup: which key bar was swept ("1am" or "5am") and at what price.
	SweptBar   string  `json:"swept_bar,omitempty"`
	SweepPrice float64 `json:"sweep_price,omitempty"`

	// Revision: the swept extreme ("high" or "low").
	SweptExtreme string `json:"swept_extreme,omitempty"`

	// Extreme: close type of the defining bar (Bullish, Bearish, or Doji).
	CloseType Direction `json:"close_type,omitempty"`

	C1 Bar `json:"c1"`
	C5 Bar `json:"c5"`
	C9 Bar `json:"c9,omitempty"`
}

// Confirmation is an optional confluence pattern reported alongside a
// signal. Confirmations inform the journal only; they never gate a trade.
type Confirmation struct {
	Pattern    string    `json:"pattern"`              // e.g. "BULLISH_VAYAS", "BEARISH_ENGULFING"
	Exhaustion Direction `json:"exhaustion,omitempty"` // vayas: the trend running out
}

// DailyLevel is a prior-day high or low and its take state relative to the
// current bid.
type DailyLevel struct {
	Symbol   string  `json:"symbol"`
	Kind     string  `json:"kind"` // "PDH" or "PDL"
	Price    float64 `json:"price"`
	DaysAgo  int     `json:"days_ago"`
	IsTaking bool    `json:"is_taking"` // within tolerance of the level
	HasTaken bool    `json:"has_taken"` // strictly crossed the level
	Distance float64 `json:"distance"`  // |bid - price|
}
