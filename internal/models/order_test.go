package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOrder() *Order {
	return &Order{Ticket: 1001, Symbol: "EURUSD", Side: SideBuy, Volume: 0.1, Entry: 1.1000}
}

func TestOrderValidate(t *testing.T) {
	require.NoError(t, validOrder().Validate())

	tests := []struct {
		name   string
		mutate func(*Order)
	}{
		{"zero ticket", func(o *Order) { o.Ticket = 0 }},
		{"missing symbol", func(o *Order) { o.Symbol = "" }},
		{"bad side", func(o *Order) { o.Side = "LONG" }},
		{"zero volume", func(o *Order) { o.Volume = 0 }},
		{"zero entry", func(o *Order) { o.Entry = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := validOrder()
			tt.mutate(o)
			assert.Error(t, o.Validate())
		})
	}
}

func TestSideOpposite(t *testing.T) {
	assert.Equal(t, SideSell, SideBuy.Opposite())
	assert.Equal(t, SideBuy, SideSell.Opposite())
}

func TestPositionProgress(t *testing.T) {
	tests := []struct {
		name string
		pos  Position
		want float64
	}{
		{"halfway long", Position{EntryPrice: 1.10, TakeProfit: 1.20, CurrentPrice: 1.15}, 0.5},
		{"halfway short", Position{EntryPrice: 1.20, TakeProfit: 1.10, CurrentPrice: 1.15}, 0.5},
		{"underwater clamps to zero", Position{EntryPrice: 1.10, TakeProfit: 1.20, CurrentPrice: 1.05}, 0},
		{"past target clamps to one", Position{EntryPrice: 1.10, TakeProfit: 1.20, CurrentPrice: 1.25}, 1},
		{"no take profit", Position{EntryPrice: 1.10, CurrentPrice: 1.15}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.pos.Progress(), 1e-9)
		})
	}
}
