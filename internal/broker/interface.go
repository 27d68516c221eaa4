package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mqr-labs/keybar-bot/internal/models"
)

// Gateway defines the interface for interacting with the terminal bridge.
// Every call carries a context; implementations bound each request with a
// default timeout when the caller's context has no deadline.
type Gateway interface {
	// Account and market data
	AccountInfo(ctx context.Context) (*AccountInfo, error)
	SymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)
	Tick(ctx context.Context, symbol string) (*Tick, error)
	Rates(ctx context.Context, symbol string, tf models.Timeframe, from time.Time, count int) ([]models.Bar, error)

	// Trading
	SendOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	ModifyPosition(ctx context.Context, ticket int64, sl, tp float64) error
	ClosePosition(ctx context.Context, ticket int64) (*OrderResult, error)

	// Position state
	OpenPositions(ctx context.Context, symbol string) ([]models.Position, error)
	HistoryDeal(ctx context.Context, ticket int64) (*models.Deal, error)
}

// Ensure BridgeClient implements Gateway at compile time.
var _ Gateway = (*BridgeClient)(nil)

// CircuitBreakerGateway wraps a Gateway with circuit breaker functionality.
type CircuitBreakerGateway struct {
	gateway Gateway
	breaker *gobreaker.CircuitBreaker
}

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	gateway Gateway,
	fn func(Gateway) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(gateway) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerGateway creates a CircuitBreakerGateway with sensible defaults.
func NewCircuitBreakerGateway(gateway Gateway) *CircuitBreakerGateway {
	return NewCircuitBreakerGatewayWithSettings(gateway, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// NewCircuitBreakerGatewayWithSettings creates a CircuitBreakerGateway with custom settings.
func NewCircuitBreakerGatewayWithSettings(gateway Gateway, settings CircuitBreakerSettings) *CircuitBreakerGateway {
	gbSettings := gobreaker.Settings{
		Name:        "GatewayCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerGateway{
		gateway: gateway,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// Ensure CircuitBreakerGateway implements Gateway at compile time.
var _ Gateway = (*CircuitBreakerGateway)(nil)

// AccountInfo wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) AccountInfo(ctx context.Context) (*AccountInfo, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*AccountInfo, error) {
		return g.AccountInfo(ctx)
	})
}

// SymbolInfo wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) SymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*SymbolInfo, error) {
		return g.SymbolInfo(ctx, symbol)
	})
}

// Tick wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) Tick(ctx context.Context, symbol string) (*Tick, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*Tick, error) {
		return g.Tick(ctx, symbol)
	})
}

// Rates wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) Rates(ctx context.Context, symbol string, tf models.Timeframe, from time.Time, count int) ([]models.Bar, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]models.Bar, error) {
		return g.Rates(ctx, symbol, tf, from, count)
	})
}

// SendOrder wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) SendOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*OrderResult, error) {
		return g.SendOrder(ctx, req)
	})
}

// ModifyPosition wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) ModifyPosition(ctx context.Context, ticket int64, sl, tp float64) error {
	_, err := execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (struct{}, error) {
		return struct{}{}, g.ModifyPosition(ctx, ticket, sl, tp)
	})
	return err
}

// ClosePosition wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) ClosePosition(ctx context.Context, ticket int64) (*OrderResult, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*OrderResult, error) {
		return g.ClosePosition(ctx, ticket)
	})
}

// OpenPositions wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) OpenPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]models.Position, error) {
		return g.OpenPositions(ctx, symbol)
	})
}

// HistoryDeal wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) HistoryDeal(ctx context.Context, ticket int64) (*models.Deal, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*models.Deal, error) {
		return g.HistoryDeal(ctx, ticket)
	})
}
