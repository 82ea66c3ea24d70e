// Package bybit adapts the Bybit v5 unified trading API to the broker
// contract. All requests flow through per-budget rate limiters and a circuit
// breaker; reads additionally retry with backoff, order placement never does.
package bybit

import (
	"context"
	"errors"
	"sync"

	bybit_api "github.com/bybit-exchange/bybit.go.api"

	"github.com/ptdat-quant/confluence-bot/internal/broker"
	"github.com/ptdat-quant/confluence-bot/internal/safety"
)

// Config holds credentials and environment selection.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
	Demo      bool   // demo trading environment, real market data with play money
	Category  string // "linear" (default) or "inverse"
}

// Client implements broker.Broker and broker.MarketData against Bybit.
type Client struct {
	httpClient *bybit_api.Client
	category   string
	demo       bool
	testnet    bool

	breaker  *safety.Breaker
	limiters *safety.LimiterSet
	retryCfg broker.RetryConfig

	mu          sync.Mutex
	instruments map[string]instrumentFilters
}

// NewClient builds a client for the selected environment.
func NewClient(cfg Config) *Client {
	baseURL := bybit_api.MAINNET
	if cfg.Demo {
		baseURL = "https://api-demo.bybit.com"
	} else if cfg.Testnet {
		baseURL = bybit_api.TESTNET
	}
	if cfg.Category == "" {
		cfg.Category = "linear"
	}

	c := &Client{
		httpClient: bybit_api.NewBybitHttpClient(
			cfg.APIKey,
			cfg.APISecret,
			bybit_api.WithBaseURL(baseURL),
		),
		category:    cfg.Category,
		demo:        cfg.Demo,
		testnet:     cfg.Testnet,
		breaker:     safety.NewBreaker("bybit", safety.BreakerConfig{}),
		limiters:    safety.NewLimiterSet(),
		retryCfg:    broker.DefaultRetryConfig(),
		instruments: make(map[string]instrumentFilters),
	}

	// Budgets track the venue's published per-endpoint limits.
	c.limiters.GetOrCreate("trading", 10, 10)
	c.limiters.GetOrCreate("market_data", 50, 50)
	c.limiters.GetOrCreate("account_data", 20, 20)
	return c
}

// Environment names the venue environment for logs.
func (c *Client) Environment() string {
	switch {
	case c.demo:
		return "demo"
	case c.testnet:
		return "testnet"
	default:
		return "mainnet"
	}
}

// Connect verifies the session by fetching the wallet.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.GetAccountInfo(ctx)
	return err
}

// guardedRead runs a read call under the named limiter, the breaker and retry.
func (c *Client) guardedRead(ctx context.Context, limiter string, fn func() error) error {
	return broker.Retry(ctx, c.retryCfg, func() error {
		if err := c.limiters.GetOrCreate(limiter, 10, 10).Wait(ctx); err != nil {
			return err
		}
		return c.breaker.Call(fn)
	})
}

// guardedWrite runs a state-changing call once: limiter and breaker, no retry.
func (c *Client) guardedWrite(ctx context.Context, fn func() error) error {
	if err := c.limiters.GetOrCreate("trading", 10, 10).Wait(ctx); err != nil {
		return err
	}
	return c.breaker.Call(fn)
}

// Bybit v5 return codes the adapter classifies specially.
const (
	retCodeInvalidAPIKey    = 10003
	retCodeInvalidSignature = 10004
	retCodeInvalidTimestamp = 10005
	retCodeRateLimit        = 10006
	retCodeInsufficientBal  = 110007
)

// classify converts SDK transport errors and venue return codes into the
// broker error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var open *safety.ErrBreakerOpen
	if errors.As(err, &open) {
		return &broker.Error{
			Category: broker.CategoryTransport,
			Op:       op,
			Message:  "circuit breaker open",
			Err:      err,
		}
	}
	var be *broker.Error
	if errors.As(err, &be) {
		return err
	}
	return broker.NewTransportError(op, err)
}

// classifyRetCode maps a non-zero venue return code.
func classifyRetCode(op string, code int, msg string) error {
	switch code {
	case 0:
		return nil
	case retCodeInvalidAPIKey, retCodeInvalidSignature, retCodeInvalidTimestamp:
		return broker.NewSessionError(op, broker.NewExchangeError(op, code, msg))
	case retCodeRateLimit:
		return &broker.Error{
			Category:  broker.CategoryTransport,
			Op:        op,
			Code:      code,
			Message:   msg,
			Retryable: true,
		}
	default:
		if code >= 500 && code < 600 {
			return &broker.Error{
				Category:  broker.CategoryTransport,
				Op:        op,
				Code:      code,
				Message:   msg,
				Retryable: true,
			}
		}
		return broker.NewExchangeError(op, code, msg)
	}
}
