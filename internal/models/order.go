package models

import (
	"fmt"
	"time"
)

// Side is the direction of an order.
type Side string

// Side values.
const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for the order side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the lifecycle state of a ledger order.
type OrderStatus string

// Order status values. An order transitions Open -> Closed exactly once.
const (
	StatusOpen   OrderStatus = "OPEN"
	StatusClosed OrderStatus = "CLOSED"
)

// CloseReason records why a position ended.
type CloseReason string

// Close reasons.
const (
	CloseTakeProfit CloseReason = "TP"
	CloseStopLoss   CloseReason = "SL"
	CloseManual     CloseReason = "MANUAL"
	CloseAutoClose  CloseReason = "AUTO_CLOSE"
)

// Order mirrors one broker position in the durable ledger. The broker remains
// the source of truth for live state; the ledger row is healed by
// reconciliation whenever the two drift.
type Order struct {
	Ticket      int64       `json:"ticket"`
	Symbol      string      `json:"symbol"`
	Side        Side        `json:"side"`
	Volume      float64     `json:"volume"`
	Entry       float64     `json:"entry"`
	StopLoss    float64     `json:"stop_loss"`
	TakeProfit  float64     `json:"take_profit"`
	Strategy    string      `json:"strategy"`
	RiskReward  float64     `json:"risk_reward"`
	Comment     string      `json:"comment"`
	ExtraJSON   string      `json:"extra_json,omitempty"`
	Status      OrderStatus `json:"status"`
	CloseReason CloseReason `json:"close_reason,omitempty"`
	ClosePrice  float64     `json:"close_price,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	ClosedAt    *time.Time  `json:"closed_at,omitempty"`
}

// Validate checks the order invariants before it is written to the ledger.
func (o *Order) Validate() error {
	if o.Ticket <= 0 {
		return fmt.Errorf("order ticket must be positive, got %d", o.Ticket)
	}
	if o.Symbol == "" {
		return fmt.Errorf("order symbol is required")
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("order side must be BUY or SELL, got %q", o.Side)
	}
	if o.Volume <= 0 {
		return fmt.Errorf("order volume must be > 0, got %g", o.Volume)
	}
	if o.Entry <= 0 {
		return fmt.Errorf("order entry price must be > 0, got %g", o.Entry)
	}
	return nil
}

// IsOpen reports whether the order is still live.
func (o *Order) IsOpen() bool {
	return o.Status == StatusOpen
}

// Position is a live broker position as reported by the gateway.
type Position struct {
	Ticket       int64     `json:"ticket"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Volume       float64   `json:"volume"`
	EntryPrice   float64   `json:"entry_price"`
	StopLoss     float64   `json:"stop_loss"`
	TakeProfit   float64   `json:"take_profit"`
	CurrentPrice float64   `json:"current_price"`
	Profit       float64   `json:"profit"`
	Comment      string    `json:"comment"`
	OpenedAt     time.Time `json:"opened_at"`
}

// Progress returns how far price has travelled from entry toward the take
// profit, clamped to [0,1]. Returns 0 when no take profit is set.
func (p *Position) Progress() float64 {
	if p.TakeProfit == 0 {
		return 0
	}
	span := p.TakeProfit - p.EntryPrice
	if span == 0 {
		return 0
	}
	prog := (p.CurrentPrice - p.EntryPrice) / span
	if prog < 0 {
		return 0
	}
	if prog > 1 {
		return 1
	}
	return prog
}

// Deal is a historical (closed) trade record from the gateway.
type Deal struct {
	Ticket   int64     `json:"ticket"`
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	Volume   float64   `json:"volume"`
	Price    float64   `json:"price"`
	Profit   float64   `json:"profit"`
	ClosedAt time.Time `json:"closed_at"`
}
