package retry

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mqr-labs/keybar-bot/internal/broker"
	"github.com/mqr-labs/keybar-bot/internal/models"
)

// --- Test helpers ---

// fakeGateway scripts ClosePosition/SendOrder/ModifyPosition behavior.
type fakeGateway struct {
	callCount int32

	// if successAfterN > 0, return errTransient for attempts < N, then success
	successAfterN int
	errTransient  error
	errPermanent  error
}

func (f *fakeGateway) scripted() error {
	atomic.AddInt32(&f.callCount, 1)
	if f.successAfterN > 0 {
		if int(atomic.LoadInt32(&f.callCount)) < f.successAfterN {
			if f.errTransient != nil {
				return f.errTransient
			}
			return errors.New("timeout") // default transient
		}
		return nil
	}
	if f.errPermanent != nil {
		return f.errPermanent
	}
	return nil
}

func (f *fakeGateway) AccountInfo(context.Context) (*broker.AccountInfo, error) { return nil, nil }
func (f *fakeGateway) SymbolInfo(context.Context, string) (*broker.SymbolInfo, error) {
	return nil, nil
}
func (f *fakeGateway) Tick(context.Context, string) (*broker.Tick, error) { return nil, nil }
func (f *fakeGateway) Rates(context.Context, string, models.Timeframe, time.Time, int) ([]models.Bar, error) {
	return nil, nil
}

func (f *fakeGateway) SendOrder(context.Context, broker.OrderRequest) (*broker.OrderResult, error) {
	if err := f.scripted(); err != nil {
		return nil, err
	}
	return &broker.OrderResult{Ticket: 12345}, nil
}

func (f *fakeGateway) ModifyPosition(context.Context, int64, float64, float64) error {
	return f.scripted()
}

func (f *fakeGateway) ClosePosition(context.Context, int64) (*broker.OrderResult, error) {
	if err := f.scripted(); err != nil {
		return nil, err
	}
	return &broker.OrderResult{Ticket: 12345}, nil
}

func (f *fakeGateway) OpenPositions(context.Context, string) ([]models.Position, error) {
	return nil, nil
}
func (f *fakeGateway) HistoryDeal(context.Context, int64) (*models.Deal, error) { return nil, nil }

func newTestClient(g broker.Gateway) (*Client, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	logger := log.New(buf, "", 0)
	cfg := Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
	}
	return NewClient(g, logger, cfg), buf
}

// --- Tests ---

func TestClosePositionWithRetry_SucceedsFirstAttempt(t *testing.T) {
	fake := &fakeGateway{}
	client, _ := newTestClient(fake)

	res, err := client.ClosePositionWithRetry(context.Background(), 12345)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Ticket != 12345 {
		t.Errorf("expected ticket 12345, got %d", res.Ticket)
	}
	if got := atomic.LoadInt32(&fake.callCount); got != 1 {
		t.Errorf("expected 1 call, got %d", got)
	}
}

func TestClosePositionWithRetry_RecoversFromTransient(t *testing.T) {
	fake := &fakeGateway{successAfterN: 3, errTransient: errors.New("connection refused")}
	client, buf := newTestClient(fake)

	_, err := client.ClosePositionWithRetry(context.Background(), 12345)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&fake.callCount); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
	if !strings.Contains(buf.String(), "Transient error detected") {
		t.Error("expected transient retry log line")
	}
}

func TestClosePositionWithRetry_PermanentErrorNoRetry(t *testing.T) {
	fake := &fakeGateway{errPermanent: errors.New("invalid stops")}
	client, _ := newTestClient(fake)

	_, err := client.ClosePositionWithRetry(context.Background(), 12345)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := atomic.LoadInt32(&fake.callCount); got != 1 {
		t.Errorf("expected 1 call for permanent error, got %d", got)
	}
}

func TestSendOrderWithRetry_MarketClosedIsTransient(t *testing.T) {
	fake := &fakeGateway{successAfterN: 2, errTransient: errors.New("order rejected: market closed")}
	client, _ := newTestClient(fake)

	res, err := client.SendOrderWithRetry(context.Background(), broker.OrderRequest{
		Symbol: "EURUSD", Side: models.SideBuy, Volume: 0.1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Ticket != 12345 {
		t.Errorf("expected ticket 12345, got %d", res.Ticket)
	}
	if got := atomic.LoadInt32(&fake.callCount); got != 2 {
		t.Errorf("expected 2 calls, got %d", got)
	}
}

func TestModifyPositionWithRetry_ExhaustsRetries(t *testing.T) {
	fake := &fakeGateway{successAfterN: 10, errTransient: errors.New("timeout")}
	client, _ := newTestClient(fake)

	err := client.ModifyPositionWithRetry(context.Background(), 12345, 1.09, 1.12)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	// MaxRetries=3 means 4 total attempts.
	if got := atomic.LoadInt32(&fake.callCount); got != 4 {
		t.Errorf("expected 4 calls, got %d", got)
	}
}

func TestWithRetry_ContextCancellation(t *testing.T) {
	fake := &fakeGateway{successAfterN: 10, errTransient: errors.New("timeout")}
	client, _ := newTestClient(fake)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.ClosePositionWithRetry(ctx, 12345)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestIsTransientError(t *testing.T) {
	client, _ := newTestClient(&fakeGateway{})

	tests := []struct {
		err       error
		transient bool
	}{
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("request timeout"), true},
		{errors.New("bridge error 503: unavailable"), true},
		{errors.New("market closed"), true},
		{errors.New("requote"), true},
		{errors.New("invalid volume"), false},
		{nil, false},
	}

	for _, tt := range tests {
		if got := client.isTransientError(tt.err); got != tt.transient {
			t.Errorf("isTransientError(%v) = %v, expected %v", tt.err, got, tt.transient)
		}
	}
}
