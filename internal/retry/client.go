// Package retry wraps gateway trading calls with bounded, jittered retries
// for transient terminal failures.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/mqr-labs/keybar-bot/internal/broker"
)

// Config controls the retry policy.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig is the policy used when no override is supplied.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client retries trading operations against a Gateway.
type Client struct {
	gateway broker.Gateway
	logger  *log.Logger
	config  Config
}

// NewClient creates a retry client around the gateway.
func NewClient(gateway broker.Gateway, logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	return &Client{
		gateway: gateway,
		logger:  logger,
		config:  cfg,
	}
}

// SendOrderWithRetry submits an order, retrying transient failures.
func (c *Client) SendOrderWithRetry(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	var result *broker.OrderResult
	err := c.withRetry(ctx, fmt.Sprintf("send %s %s", req.Side, req.Symbol), func(callCtx context.Context) error {
		var err error
		result, err = c.gateway.SendOrder(callCtx, req)
		return err
	})
	return result, err
}

// ClosePositionWithRetry closes a position, retrying transient failures.
func (c *Client) ClosePositionWithRetry(ctx context.Context, ticket int64) (*broker.OrderResult, error) {
	var result *broker.OrderResult
	err := c.withRetry(ctx, fmt.Sprintf("close ticket %d", ticket), func(callCtx context.Context) error {
		var err error
		result, err = c.gateway.ClosePosition(callCtx, ticket)
		return err
	})
	return result, err
}

// ModifyPositionWithRetry updates SL/TP, retrying transient failures.
func (c *Client) ModifyPositionWithRetry(ctx context.Context, ticket int64, sl, tp float64) error {
	return c.withRetry(ctx, fmt.Sprintf("modify ticket %d", ticket), func(callCtx context.Context) error {
		return c.gateway.ModifyPosition(callCtx, ticket, sl, tp)
	})
}

func (c *Client) withRetry(ctx context.Context, label string, op func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		select {
		case <-opCtx.Done():
			return fmt.Errorf("%s timed out after %v: %w", label, c.config.Timeout, opCtx.Err())
		default:
		}

		if ctx.Err() != nil {
			return fmt.Errorf("%s canceled: %w", label, ctx.Err())
		}

		err := op(opCtx)
		if err == nil {
			if attempt > 0 {
				c.logger.Printf("%s succeeded on attempt %d", label, attempt+1)
			}
			return nil
		}

		lastErr = err
		c.logger.Printf("%s attempt %d/%d failed: %v", label, attempt+1, c.config.MaxRetries+1, err)

		if c.isTransientError(err) && attempt < c.config.MaxRetries {
			c.logger.Printf("Transient error detected, retrying in %v", backoff)
			select {
			case <-time.After(backoff):
				backoff = c.calculateNextBackoff(backoff)
			case <-opCtx.Done():
				return fmt.Errorf("%s timed out during backoff: %w", label, opCtx.Err())
			case <-ctx.Done():
				return fmt.Errorf("%s canceled during backoff: %w", label, ctx.Err())
			}
		} else {
			break
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", label, c.config.MaxRetries+1, lastErr)
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			log.Printf("Failed to generate jitter: %v", err)
		} else {
			jitter := time.Duration(jitterVal.Int64())
			backoff += jitter
		}
	}

	return backoff
}

func (c *Client) isTransientError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"market closed",
		"requote",
		"price changed",
		"no session",
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
