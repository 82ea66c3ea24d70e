// Package broker defines the execution collaborator contract: order placement,
// position queries and amendments, account state and closed-deal history.
// Implementations must be safe for concurrent use; the engine serializes order
// placement but queries positions from many goroutines.
package broker

import (
	"context"
	"time"

	"github.com/ptdat-quant/confluence-bot/internal/market"
)

// Direction is the side of a trade.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Sign returns +1 for long, -1 for short.
func (d Direction) Sign() float64 {
	if d == DirectionShort {
		return -1
	}
	return 1
}

// Opposite returns the inverse direction.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// EntryType selects how an order enters the book.
type EntryType string

const (
	EntryMarket EntryType = "market"
	EntryLimit  EntryType = "limit"
)

// OrderRequest describes a new position to open.
type OrderRequest struct {
	Symbol     string
	Direction  Direction
	Volume     float64
	StopLoss   float64
	TakeProfit float64
	EntryType  EntryType
	LimitPrice float64 // required for EntryLimit
	ClientID   string  // caller-assigned idempotency key
}

// OrderInfo is the broker's acknowledgment of a placed order.
type OrderInfo struct {
	Ticket    string
	ClientID  string
	Symbol    string
	Direction Direction
	Volume    float64
	FillPrice float64
	PlacedAt  time.Time
}

// Position is a read-only mirror of a broker-held position. Tickets are
// broker-assigned and stable for the lifetime of the position.
type Position struct {
	Ticket        string
	Symbol        string
	Direction     Direction
	Volume        float64
	EntryPrice    float64
	StopLoss      float64
	TakeProfit    float64
	OpenedAt      time.Time
	UnrealizedPnL float64
}

// UnrealizedAt computes profit in price units per unit volume at the given price.
func (p Position) UnrealizedAt(price float64) float64 {
	return (price - p.EntryPrice) * p.Direction.Sign()
}

// AccountInfo is the account snapshot used for sizing.
type AccountInfo struct {
	Balance  float64
	Equity   float64
	Currency string
}

// Deal is a realized (closed) trade.
type Deal struct {
	Ticket     string
	Symbol     string
	Direction  Direction
	Volume     float64
	EntryPrice float64
	ExitPrice  float64
	Profit     float64 // account currency, net of commission
	Commission float64
	OpenedAt   time.Time
	ClosedAt   time.Time
}

// Broker is the execution collaborator. Symbol arguments accept "" to mean
// "all symbols" on query methods.
type Broker interface {
	// Connect establishes or verifies the session. Safe to call repeatedly.
	Connect(ctx context.Context) error

	GetOpenPositions(ctx context.Context, symbol string) ([]Position, error)

	// PlaceOrder submits a new order. Never retried internally; a transport
	// failure here must surface to the caller unresolved.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderInfo, error)

	// ModifyPosition amends stop-loss and/or take-profit. Zero leaves a side
	// unchanged.
	ModifyPosition(ctx context.Context, ticket string, stopLoss, takeProfit float64) error

	// PartialClose closes fraction (0,1) of the position's volume.
	PartialClose(ctx context.Context, ticket string, fraction float64) error

	ClosePosition(ctx context.Context, ticket string) error

	GetAccountInfo(ctx context.Context) (*AccountInfo, error)

	// GetClosedDeals returns realized trades in [from, to), oldest first.
	GetClosedDeals(ctx context.Context, from, to time.Time) ([]Deal, error)
}

// MarketData supplies candles and quotes. Live brokers implement both this
// and Broker; tests substitute either independently.
type MarketData interface {
	GetCandles(ctx context.Context, symbol string, tf market.Timeframe, limit int) ([]market.Candle, error)
	GetQuote(ctx context.Context, symbol string) (*market.Quote, error)
}
