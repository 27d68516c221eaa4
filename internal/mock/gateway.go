// Package mock provides an in-memory Gateway implementation for tests.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mqr-labs/keybar-bot/internal/broker"
	"github.com/mqr-labs/keybar-bot/internal/models"
)

// Gateway is a scriptable in-memory broker. Tests seed it with symbol info,
// ticks, and bars, then inspect the orders and modifications it received.
// All methods are safe for concurrent use.
type Gateway struct {
	mu sync.Mutex

	account broker.AccountInfo
	symbols map[string]*broker.SymbolInfo
	ticks   map[string]*broker.Tick
	// bars keyed by symbol+timeframe, oldest first
	bars  map[string][]models.Bar
	deals map[int64]*models.Deal

	positions  map[int64]*models.Position
	nextTicket int64

	// Err, when set, is returned by every call. FailSends fails only
	// SendOrder; FailCloses fails only ClosePosition.
	Err        error
	FailSends  bool
	FailCloses bool

	// Recorded activity.
	SentOrders    []broker.OrderRequest
	Modifications []Modification
	ClosedTickets []int64
}

// Modification records one ModifyPosition call.
type Modification struct {
	Ticket int64
	SL     float64
	TP     float64
}

// NewGateway creates an empty mock gateway with a funded demo account.
func NewGateway() *Gateway {
	return &Gateway{
		account: broker.AccountInfo{
			Login:        12345678,
			Balance:      10000,
			Equity:       10000,
			MarginFree:   9500,
			Currency:     "USD",
			TradeAllowed: true,
		},
		symbols:    make(map[string]*broker.SymbolInfo),
		ticks:      make(map[string]*broker.Tick),
		bars:       make(map[string][]models.Bar),
		deals:      make(map[int64]*models.Deal),
		positions:  make(map[int64]*models.Position),
		nextTicket: 900000,
	}
}

// Ensure Gateway implements broker.Gateway at compile time.
var _ broker.Gateway = (*Gateway)(nil)

// SetAccount replaces the account snapshot.
func (g *Gateway) SetAccount(a broker.AccountInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.account = a
}

// SetSymbol seeds symbol metadata.
func (g *Gateway) SetSymbol(info *broker.SymbolInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.symbols[info.Name] = info
}

// SetTick seeds the current quote for a symbol.
func (g *Gateway) SetTick(symbol string, bid, ask float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ticks[symbol] = &broker.Tick{Symbol: symbol, Bid: bid, Ask: ask, Time: time.Now().UTC()}
}

// SetBars seeds history for a symbol and timeframe, oldest first.
func (g *Gateway) SetBars(symbol string, tf models.Timeframe, bars []models.Bar) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bars[barKey(symbol, tf)] = bars
}

// SetDeal seeds a historical deal for a ticket.
func (g *Gateway) SetDeal(deal *models.Deal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deals[deal.Ticket] = deal
}

// AddPosition seeds an open position and returns its ticket.
func (g *Gateway) AddPosition(p models.Position) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.Ticket == 0 {
		g.nextTicket++
		p.Ticket = g.nextTicket
	}
	g.positions[p.Ticket] = &p
	return p.Ticket
}

// RemovePosition deletes an open position, simulating a terminal-side close.
func (g *Gateway) RemovePosition(ticket int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.positions, ticket)
}

// Position returns the live position for a ticket, or nil.
func (g *Gateway) Position(ticket int64) *models.Position {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.positions[ticket]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

func barKey(symbol string, tf models.Timeframe) string {
	return symbol + "|" + string(tf)
}

// AccountInfo implements broker.Gateway.
func (g *Gateway) AccountInfo(_ context.Context) (*broker.AccountInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	a := g.account
	return &a, nil
}

// SymbolInfo implements broker.Gateway.
func (g *Gateway) SymbolInfo(_ context.Context, symbol string) (*broker.SymbolInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	info, ok := g.symbols[symbol]
	if !ok {
		return nil, fmt.Errorf("symbol %s not found", symbol)
	}
	cp := *info
	return &cp, nil
}

// Tick implements broker.Gateway.
func (g *Gateway) Tick(_ context.Context, symbol string) (*broker.Tick, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	tick, ok := g.ticks[symbol]
	if !ok {
		return nil, fmt.Errorf("no tick for symbol %s", symbol)
	}
	cp := *tick
	return &cp, nil
}

// Rates implements broker.Gateway. The from/count window selects the newest
// count bars at or before the seeded history's end, mirroring how the bridge
// serves history requests.
func (g *Gateway) Rates(_ context.Context, symbol string, tf models.Timeframe, _ time.Time, count int) ([]models.Bar, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	bars := g.bars[barKey(symbol, tf)]
	if len(bars) == 0 {
		return nil, nil
	}
	if count > 0 && len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	out := make([]models.Bar, len(bars))
	copy(out, bars)
	return out, nil
}

// SendOrder implements broker.Gateway.
func (g *Gateway) SendOrder(_ context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	if g.FailSends {
		return nil, fmt.Errorf("order rejected: retcode=10018 market closed")
	}
	g.SentOrders = append(g.SentOrders, req)

	g.nextTicket++
	ticket := g.nextTicket
	fill := req.Price
	if fill == 0 {
		if tick, ok := g.ticks[req.Symbol]; ok {
			if req.Side == models.SideBuy {
				fill = tick.Ask
			} else {
				fill = tick.Bid
			}
		}
	}
	g.positions[ticket] = &models.Position{
		Ticket:       ticket,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Volume:       req.Volume,
		EntryPrice:   fill,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		CurrentPrice: fill,
		Comment:      req.Comment,
		OpenedAt:     time.Now().UTC(),
	}
	return &broker.OrderResult{Ticket: ticket, FillPrice: fill, Volume: req.Volume}, nil
}

// ModifyPosition implements broker.Gateway.
func (g *Gateway) ModifyPosition(_ context.Context, ticket int64, sl, tp float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return g.Err
	}
	p, ok := g.positions[ticket]
	if !ok {
		return fmt.Errorf("position %d not found", ticket)
	}
	p.StopLoss = sl
	p.TakeProfit = tp
	g.Modifications = append(g.Modifications, Modification{Ticket: ticket, SL: sl, TP: tp})
	return nil
}

// ClosePosition implements broker.Gateway.
func (g *Gateway) ClosePosition(_ context.Context, ticket int64) (*broker.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	if g.FailCloses {
		return nil, fmt.Errorf("close rejected: retcode=10004 requote")
	}
	p, ok := g.positions[ticket]
	if !ok {
		return nil, fmt.Errorf("position %d not found", ticket)
	}
	delete(g.positions, ticket)
	g.ClosedTickets = append(g.ClosedTickets, ticket)
	g.deals[ticket] = &models.Deal{
		Ticket:   ticket,
		Symbol:   p.Symbol,
		Side:     p.Side.Opposite(),
		Volume:   p.Volume,
		Price:    p.CurrentPrice,
		ClosedAt: time.Now().UTC(),
	}
	return &broker.OrderResult{Ticket: ticket, FillPrice: p.CurrentPrice, Volume: p.Volume}, nil
}

// OpenPositions implements broker.Gateway.
func (g *Gateway) OpenPositions(_ context.Context, symbol string) ([]models.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	var out []models.Position
	for _, p := range g.positions {
		if symbol == "" || p.Symbol == symbol {
			out = append(out, *p)
		}
	}
	return out, nil
}

// HistoryDeal implements broker.Gateway.
func (g *Gateway) HistoryDeal(_ context.Context, ticket int64) (*models.Deal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	deal, ok := g.deals[ticket]
	if !ok {
		return nil, fmt.Errorf("deal %d not found", ticket)
	}
	cp := *deal
	return &cp, nil
}
