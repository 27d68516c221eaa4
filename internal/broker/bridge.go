// Package broker provides the gateway to the MetaTrader terminal bridge.
// It includes the HTTP bridge client, a circuit-breaker decorator, and the
// stop-level validation applied before orders reach the terminal.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mqr-labs/keybar-bot/internal/models"
	"github.com/mqr-labs/keybar-bot/internal/util"
)

// defaultRequestTimeout bounds every bridge call unless the caller's context
// is tighter.
const defaultRequestTimeout = 5 * time.Second

// maxDeviationPoints is the accepted slippage for market orders, in points.
const maxDeviationPoints = 20

// magicNumber tags every order the bot places so terminal-side filters can
// tell them from manual trades.
const magicNumber = 234000

// APIError represents a bridge error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bridge error %d: %s", e.Status, e.Body)
}

// AccountInfo is the terminal account snapshot.
type AccountInfo struct {
	Login      int64   `json:"login"`
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	MarginFree float64 `json:"margin_free"`
	Currency   string  `json:"currency"`
	Server     string  `json:"server"`
	// TradeAllowed is false when AutoTrading is disabled in the terminal.
	TradeAllowed bool `json:"trade_allowed"`
}

// SymbolInfo is the per-instrument metadata needed for sizing and stop math.
type SymbolInfo struct {
	Name            string  `json:"name"`
	Digits          int     `json:"digits"`
	Point           float64 `json:"point"`
	VolumeMin       float64 `json:"volume_min"`
	VolumeMax       float64 `json:"volume_max"`
	VolumeStep      float64 `json:"volume_step"`
	StopLevelPoints int     `json:"stop_level_points"`
	TickSize        float64 `json:"tick_size"`
	TickValue       float64 `json:"tick_value"`
	TradeEnabled    bool    `json:"trade_enabled"`
}

// Pip returns the conventional pip size for the symbol.
func (s *SymbolInfo) Pip() float64 {
	return util.PipSize(s.Digits)
}

// Tick is a bid/ask quote.
type Tick struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// OrderRequest describes one market order for the bridge.
type OrderRequest struct {
	Symbol     string      `json:"symbol"`
	Side       models.Side `json:"side"`
	Volume     float64     `json:"volume"`
	Price      float64     `json:"price,omitempty"` // 0 means market
	StopLoss   float64     `json:"sl,omitempty"`
	TakeProfit float64     `json:"tp,omitempty"`
	Deviation  int         `json:"deviation"`
	Magic      int         `json:"magic"`
	Comment    string      `json:"comment,omitempty"`
}

// OrderResult is the terminal's answer to a send or close.
type OrderResult struct {
	Ticket    int64   `json:"ticket"`
	FillPrice float64 `json:"fill_price"`
	Volume    float64 `json:"volume"`
	Retcode   int     `json:"retcode"`
	Message   string  `json:"message,omitempty"`
}

// BridgeClient talks to the terminal bridge over its JSON REST API.
type BridgeClient struct {
	client  *http.Client
	baseURL string
	login   int64
	logger  *log.Logger
}

// NewBridgeClient creates a bridge client with the default request timeout.
func NewBridgeClient(baseURL string, login int64, logger *log.Logger) *BridgeClient {
	return NewBridgeClientWithHTTP(baseURL, login, logger, &http.Client{Timeout: defaultRequestTimeout})
}

// NewBridgeClientWithHTTP creates a bridge client with a custom HTTP client,
// used by tests to point at an httptest server.
func NewBridgeClientWithHTTP(baseURL string, login int64, logger *log.Logger, client *http.Client) *BridgeClient {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &BridgeClient{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		login:   login,
		logger:  logger,
	}
}

// AccountInfo fetches the account snapshot.
func (b *BridgeClient) AccountInfo(ctx context.Context) (*AccountInfo, error) {
	var out AccountInfo
	if err := b.makeRequestCtx(ctx, http.MethodGet, "/account", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SymbolInfo fetches instrument metadata.
func (b *BridgeClient) SymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	var out SymbolInfo
	endpoint := "/symbols/" + url.PathEscape(symbol)
	if err := b.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Tick fetches the current bid/ask for the symbol.
func (b *BridgeClient) Tick(ctx context.Context, symbol string) (*Tick, error) {
	var out Tick
	endpoint := "/ticks/" + url.PathEscape(symbol)
	if err := b.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	if out.Symbol == "" {
		out.Symbol = symbol
	}
	return &out, nil
}

type ratesResponse struct {
	Rates []bridgeBar `json:"rates"`
}

type bridgeBar struct {
	Time   int64   `json:"time"` // broker-zone epoch seconds of the bar open
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"tick_volume"`
}

// Rates fetches count bars of the given timeframe starting at from (bridge
// zone). Bars come back oldest first.
func (b *BridgeClient) Rates(ctx context.Context, symbol string, tf models.Timeframe, from time.Time, count int) ([]models.Bar, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("timeframe", string(tf))
	q.Set("from", fmt.Sprintf("%d", from.Unix()))
	q.Set("count", fmt.Sprintf("%d", count))

	var out ratesResponse
	if err := b.makeRequestCtx(ctx, http.MethodGet, "/rates?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}

	bars := make([]models.Bar, 0, len(out.Rates))
	for _, r := range out.Rates {
		bars = append(bars, models.Bar{
			Symbol:    symbol,
			Timeframe: tf,
			OpenTime:  time.Unix(r.Time, 0).UTC(),
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		})
	}
	return bars, nil
}

// SendOrder validates stops against the symbol's stop level, normalizes
// price and volume, and submits the order. SL/TP on the wrong side of the
// entry are dropped with a warning rather than rejected by the terminal.
func (b *BridgeClient) SendOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	info, err := b.SymbolInfo(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("fetching symbol info for %s: %w", req.Symbol, err)
	}
	if !info.TradeEnabled {
		return nil, fmt.Errorf("trading disabled for symbol %s", req.Symbol)
	}

	if req.Price == 0 {
		tick, err := b.Tick(ctx, req.Symbol)
		if err != nil {
			return nil, fmt.Errorf("fetching tick for %s: %w", req.Symbol, err)
		}
		if req.Side == models.SideBuy {
			req.Price = tick.Ask
		} else {
			req.Price = tick.Bid
		}
	}
	req.Price = util.RoundToDigits(req.Price, info.Digits)

	sl, tp := AdjustStops(info, req.Side, req.Price, req.StopLoss, req.TakeProfit, b.logger)
	req.StopLoss = sl
	req.TakeProfit = tp

	req.Volume = util.SnapVolume(req.Volume, info.VolumeStep, info.VolumeMin, info.VolumeMax)
	if req.Volume <= 0 {
		return nil, fmt.Errorf("order volume snapped to zero for %s", req.Symbol)
	}
	if req.Deviation == 0 {
		req.Deviation = maxDeviationPoints
	}
	req.Magic = magicNumber

	var out OrderResult
	if err := b.makeRequestCtx(ctx, http.MethodPost, "/orders", req, &out); err != nil {
		return nil, err
	}
	if out.Ticket == 0 {
		return nil, fmt.Errorf("order rejected: retcode=%d %s", out.Retcode, out.Message)
	}
	b.logger.Printf("[%s] order sent: ticket=%d side=%s volume=%.2f price=%.5f sl=%.5f tp=%.5f",
		req.Symbol, out.Ticket, req.Side, out.Volume, out.FillPrice, req.StopLoss, req.TakeProfit)
	return &out, nil
}

type modifyRequest struct {
	StopLoss   float64 `json:"sl"`
	TakeProfit float64 `json:"tp"`
}

// ModifyPosition updates the SL/TP of an open position.
func (b *BridgeClient) ModifyPosition(ctx context.Context, ticket int64, sl, tp float64) error {
	endpoint := fmt.Sprintf("/positions/%d/modify", ticket)
	var out OrderResult
	if err := b.makeRequestCtx(ctx, http.MethodPost, endpoint, modifyRequest{StopLoss: sl, TakeProfit: tp}, &out); err != nil {
		return err
	}
	if out.Retcode != 0 && out.Ticket == 0 {
		return fmt.Errorf("modify rejected: retcode=%d %s", out.Retcode, out.Message)
	}
	return nil
}

// ClosePosition closes an open position at market.
func (b *BridgeClient) ClosePosition(ctx context.Context, ticket int64) (*OrderResult, error) {
	endpoint := fmt.Sprintf("/positions/%d/close", ticket)
	var out OrderResult
	if err := b.makeRequestCtx(ctx, http.MethodPost, endpoint, nil, &out); err != nil {
		return nil, err
	}
	if out.Ticket == 0 {
		return nil, fmt.Errorf("close rejected: retcode=%d %s", out.Retcode, out.Message)
	}
	return &out, nil
}

type positionsResponse struct {
	Positions []models.Position `json:"positions"`
}

// OpenPositions lists live positions, optionally filtered by symbol.
func (b *BridgeClient) OpenPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	endpoint := "/positions"
	if symbol != "" {
		endpoint += "?symbol=" + url.QueryEscape(symbol)
	}
	var out positionsResponse
	if err := b.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out.Positions, nil
}

// HistoryDeal fetches the closing deal for a position ticket.
func (b *BridgeClient) HistoryDeal(ctx context.Context, ticket int64) (*models.Deal, error) {
	endpoint := fmt.Sprintf("/deals/%d", ticket)
	var out models.Deal
	if err := b.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// makeRequestCtx makes an HTTP request with context support. body is JSON
// encoded for POST requests when non-nil.
func (b *BridgeClient) makeRequestCtx(ctx context.Context, method, endpoint string,
	body any, response any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()
	}

	var req *http.Request
	var err error

	if method == http.MethodPost && body != nil {
		payload, merr := json.Marshal(body)
		if merr != nil {
			return fmt.Errorf("encoding request body: %w", merr)
		}
		req, err = http.NewRequestWithContext(ctx, method, b.baseURL+endpoint, strings.NewReader(string(payload)))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/json")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, b.baseURL+endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "keybar-bot/1.0 (+mt-bridge)")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			b.logger.Printf("Failed to close response body: %v", cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusNoContent {
		raw, rerr := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if rerr != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(raw))}
	}

	if resp.StatusCode == http.StatusNoContent || response == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}
