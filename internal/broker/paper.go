package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ptdat-quant/confluence-bot/internal/market"
)

// QuoteFunc supplies the current quote for a symbol. The paper broker fills
// and marks positions against it.
type QuoteFunc func(ctx context.Context, symbol string) (*market.Quote, error)

// Paper is an in-memory Broker for dry runs and tests. Orders fill instantly
// at the quoted price. Stops and targets are enforced lazily: every position
// query sweeps quotes and converts crossed positions into deals, so the
// simulation stays consistent without a background goroutine.
type Paper struct {
	mu        sync.Mutex
	quotes    QuoteFunc
	balance   float64
	feeRate   float64 // taker fee as fraction of notional, charged on entry and exit
	positions map[string]*Position
	deals     []Deal
	openedAt  map[string]time.Time
}

// NewPaper creates a paper broker with the given starting balance.
func NewPaper(balance float64, quotes QuoteFunc) *Paper {
	return &Paper{
		quotes:    quotes,
		balance:   balance,
		feeRate:   0.00055,
		positions: make(map[string]*Position),
		openedAt:  make(map[string]time.Time),
	}
}

// SetFeeRate overrides the default taker fee rate.
func (p *Paper) SetFeeRate(rate float64) {
	p.mu.Lock()
	p.feeRate = rate
	p.mu.Unlock()
}

func (p *Paper) Connect(ctx context.Context) error {
	return nil
}

func (p *Paper) GetOpenPositions(ctx context.Context, symbol string) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.sweepStops(ctx); err != nil {
		return nil, err
	}

	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		if symbol != "" && pos.Symbol != symbol {
			continue
		}
		cp := *pos
		if q, err := p.quotes(ctx, pos.Symbol); err == nil {
			cp.UnrealizedPnL = cp.UnrealizedAt(q.Mid()) * cp.Volume
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderInfo, error) {
	if req.Volume <= 0 {
		return nil, NewValidationError("place_order", fmt.Sprintf("volume must be positive, got %v", req.Volume))
	}
	if req.EntryType == EntryLimit && req.LimitPrice <= 0 {
		return nil, NewValidationError("place_order", "limit order requires a limit price")
	}

	q, err := p.quotes(ctx, req.Symbol)
	if err != nil {
		return nil, NewTransportError("place_order", err)
	}

	fill := q.Ask
	if req.Direction == DirectionShort {
		fill = q.Bid
	}
	if req.EntryType == EntryLimit {
		fill = req.LimitPrice
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.balance -= fill * req.Volume * p.feeRate

	ticket := uuid.NewString()
	now := time.Now().UTC()
	p.positions[ticket] = &Position{
		Ticket:     ticket,
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		Volume:     req.Volume,
		EntryPrice: fill,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OpenedAt:   now,
	}
	p.openedAt[ticket] = now

	return &OrderInfo{
		Ticket:    ticket,
		ClientID:  req.ClientID,
		Symbol:    req.Symbol,
		Direction: req.Direction,
		Volume:    req.Volume,
		FillPrice: fill,
		PlacedAt:  now,
	}, nil
}

func (p *Paper) ModifyPosition(ctx context.Context, ticket string, stopLoss, takeProfit float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[ticket]
	if !ok {
		return ErrPositionNotFound
	}
	if stopLoss > 0 {
		pos.StopLoss = stopLoss
	}
	if takeProfit > 0 {
		pos.TakeProfit = takeProfit
	}
	return nil
}

func (p *Paper) PartialClose(ctx context.Context, ticket string, fraction float64) error {
	if fraction <= 0 || fraction >= 1 {
		return NewValidationError("partial_close", fmt.Sprintf("fraction must be in (0,1), got %v", fraction))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[ticket]
	if !ok {
		return ErrPositionNotFound
	}
	q, err := p.quotes(ctx, pos.Symbol)
	if err != nil {
		return NewTransportError("partial_close", err)
	}

	closeVol := pos.Volume * fraction
	p.settle(pos, closeVol, exitPrice(pos.Direction, q), time.Now().UTC())
	pos.Volume -= closeVol
	return nil
}

func (p *Paper) ClosePosition(ctx context.Context, ticket string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[ticket]
	if !ok {
		return ErrPositionNotFound
	}
	q, err := p.quotes(ctx, pos.Symbol)
	if err != nil {
		return NewTransportError("close_position", err)
	}

	p.settle(pos, pos.Volume, exitPrice(pos.Direction, q), time.Now().UTC())
	delete(p.positions, ticket)
	delete(p.openedAt, ticket)
	return nil
}

func (p *Paper) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	equity := p.balance
	for _, pos := range p.positions {
		if q, err := p.quotes(ctx, pos.Symbol); err == nil {
			equity += pos.UnrealizedAt(q.Mid()) * pos.Volume
		}
	}
	return &AccountInfo{Balance: p.balance, Equity: equity, Currency: "USDT"}, nil
}

func (p *Paper) GetClosedDeals(ctx context.Context, from, to time.Time) ([]Deal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.sweepStops(ctx); err != nil {
		return nil, err
	}

	var out []Deal
	for _, d := range p.deals {
		if d.ClosedAt.Before(from) || !d.ClosedAt.Before(to) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// settle books a realized deal for closeVol units of pos at exit. Caller holds p.mu.
func (p *Paper) settle(pos *Position, closeVol, exit float64, at time.Time) {
	gross := (exit - pos.EntryPrice) * pos.Direction.Sign() * closeVol
	fee := exit * closeVol * p.feeRate
	p.balance += gross - fee

	p.deals = append(p.deals, Deal{
		Ticket:     pos.Ticket,
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		Volume:     closeVol,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exit,
		Profit:     gross - fee,
		Commission: fee,
		OpenedAt:   p.openedAt[pos.Ticket],
		ClosedAt:   at,
	})
}

// sweepStops closes any position whose stop or target the current quote has
// crossed. Caller holds p.mu.
func (p *Paper) sweepStops(ctx context.Context) error {
	now := time.Now().UTC()
	for ticket, pos := range p.positions {
		q, err := p.quotes(ctx, pos.Symbol)
		if err != nil {
			continue // no quote, position stays as-is this sweep
		}
		mark := exitPrice(pos.Direction, q)

		stopHit := pos.StopLoss > 0 && pos.UnrealizedAt(pos.StopLoss) >= pos.UnrealizedAt(mark)
		tpHit := pos.TakeProfit > 0 && pos.UnrealizedAt(mark) >= pos.UnrealizedAt(pos.TakeProfit)

		if stopHit {
			p.settle(pos, pos.Volume, pos.StopLoss, now)
		} else if tpHit {
			p.settle(pos, pos.Volume, pos.TakeProfit, now)
		} else {
			continue
		}
		delete(p.positions, ticket)
		delete(p.openedAt, ticket)
	}
	return nil
}

func exitPrice(d Direction, q *market.Quote) float64 {
	if d == DirectionLong {
		return q.Bid // longs exit on the bid
	}
	return q.Ask
}
