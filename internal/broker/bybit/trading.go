package bybit

import (
	"context"
	"fmt"

	"github.com/ptdat-quant/confluence-bot/internal/broker"
)

// The adapter runs positions in one-way mode: Bybit keeps at most one
// position per symbol, so the symbol itself serves as the ticket.

func sideFor(d broker.Direction) string {
	if d == broker.DirectionShort {
		return "Sell"
	}
	return "Buy"
}

func directionFor(side string) broker.Direction {
	if side == "Sell" {
		return broker.DirectionShort
	}
	return broker.DirectionLong
}

// GetOpenPositions returns live positions; symbol "" lists the whole book
// (settleCoin scoping keeps the venue response bounded).
func (c *Client) GetOpenPositions(ctx context.Context, symbol string) ([]broker.Position, error) {
	const op = "get_open_positions"

	params := map[string]interface{}{
		"category": c.category,
	}
	if symbol != "" {
		params["symbol"] = symbol
	} else {
		params["settleCoin"] = "USDT"
	}

	var result positionListResult
	err := c.guardedRead(ctx, "account_data", func() error {
		resp, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetPositionList(ctx)
		if err != nil {
			return broker.NewTransportError(op, err)
		}
		return decodeResult(op, resp, &result)
	})
	if err != nil {
		return nil, classify(op, err)
	}

	positions := make([]broker.Position, 0, len(result.List))
	for _, rec := range result.List {
		size := parseFloat(rec.Size)
		if size <= 0 || (rec.Side != "Buy" && rec.Side != "Sell") {
			continue
		}
		entry := parseFloat(rec.AvgPrice)
		if entry == 0 {
			entry = parseFloat(rec.EntryPrice)
		}
		positions = append(positions, broker.Position{
			Ticket:        rec.Symbol,
			Symbol:        rec.Symbol,
			Direction:     directionFor(rec.Side),
			Volume:        size,
			EntryPrice:    entry,
			StopLoss:      parseFloat(rec.StopLoss),
			TakeProfit:    parseFloat(rec.TakeProfit),
			OpenedAt:      parseMillis(rec.CreatedTime),
			UnrealizedPnL: parseFloat(rec.UnrealisedPnl),
		})
	}
	return positions, nil
}

// PlaceOrder submits a new order. Exactly one attempt: a transport failure
// here surfaces unresolved so the caller can decide what it means.
func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderInfo, error) {
	const op = "place_order"

	if req.Volume <= 0 {
		return nil, broker.NewValidationError(op, fmt.Sprintf("volume must be positive, got %v", req.Volume))
	}

	f, err := c.filters(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	qty := formatQty(req.Volume, f.QtyStep)
	if parseFloat(qty) < f.MinQty {
		return nil, broker.NewValidationError(op, fmt.Sprintf("%s: volume %s below venue minimum %v", req.Symbol, qty, f.MinQty))
	}

	params := map[string]interface{}{
		"category":    c.category,
		"symbol":      req.Symbol,
		"side":        sideFor(req.Direction),
		"orderType":   "Market",
		"qty":         qty,
		"positionIdx": 0,
	}
	if req.EntryType == broker.EntryLimit {
		params["orderType"] = "Limit"
		params["price"] = formatPrice(req.LimitPrice, f.TickSize)
		params["timeInForce"] = "GTC"
	}
	if req.StopLoss > 0 {
		params["stopLoss"] = formatPrice(req.StopLoss, f.TickSize)
	}
	if req.TakeProfit > 0 {
		params["takeProfit"] = formatPrice(req.TakeProfit, f.TickSize)
	}
	if req.ClientID != "" {
		params["orderLinkId"] = req.ClientID
	}

	var placed struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	err = c.guardedWrite(ctx, func() error {
		resp, err := c.httpClient.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
		if err != nil {
			return broker.NewTransportError(op, err)
		}
		return decodeResult(op, resp, &placed)
	})
	if err != nil {
		return nil, classify(op, err)
	}

	// Fill price comes from the position snapshot; market orders on liquid
	// perps fill immediately.
	fill := 0.0
	if positions, perr := c.GetOpenPositions(ctx, req.Symbol); perr == nil {
		for _, p := range positions {
			if p.Direction == req.Direction {
				fill = p.EntryPrice
				break
			}
		}
	}

	return &broker.OrderInfo{
		Ticket:    req.Symbol,
		ClientID:  placed.OrderLinkID,
		Symbol:    req.Symbol,
		Direction: req.Direction,
		Volume:    parseFloat(qty),
		FillPrice: fill,
		PlacedAt:  nowUTC(),
	}, nil
}

// ModifyPosition amends stop-loss/take-profit via the trading-stop endpoint.
// Zero values leave the corresponding side untouched.
func (c *Client) ModifyPosition(ctx context.Context, ticket string, stopLoss, takeProfit float64) error {
	const op = "modify_position"

	f, err := c.filters(ctx, ticket)
	if err != nil {
		return err
	}

	params := map[string]interface{}{
		"category":    c.category,
		"symbol":      ticket,
		"positionIdx": 0,
	}
	if stopLoss > 0 {
		params["stopLoss"] = formatPrice(stopLoss, f.TickSize)
	}
	if takeProfit > 0 {
		params["takeProfit"] = formatPrice(takeProfit, f.TickSize)
	}

	err = c.guardedWrite(ctx, func() error {
		resp, err := c.httpClient.NewUtaBybitServiceWithParams(params).SetPositionTradingStop(ctx)
		if err != nil {
			return broker.NewTransportError(op, err)
		}
		var ignored struct{}
		return decodeResult(op, resp, &ignored)
	})
	return classify(op, err)
}

// PartialClose reduces the position by fraction via a reduce-only market order.
func (c *Client) PartialClose(ctx context.Context, ticket string, fraction float64) error {
	const op = "partial_close"

	if fraction <= 0 || fraction >= 1 {
		return broker.NewValidationError(op, fmt.Sprintf("fraction must be in (0,1), got %v", fraction))
	}
	pos, err := c.findPosition(ctx, ticket)
	if err != nil {
		return err
	}
	return c.reduce(ctx, op, pos, pos.Volume*fraction)
}

// ClosePosition flattens the position with a reduce-only market order.
func (c *Client) ClosePosition(ctx context.Context, ticket string) error {
	const op = "close_position"

	pos, err := c.findPosition(ctx, ticket)
	if err != nil {
		return err
	}
	return c.reduce(ctx, op, pos, pos.Volume)
}

func (c *Client) findPosition(ctx context.Context, ticket string) (*broker.Position, error) {
	positions, err := c.GetOpenPositions(ctx, ticket)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, broker.ErrPositionNotFound
	}
	return &positions[0], nil
}

func (c *Client) reduce(ctx context.Context, op string, pos *broker.Position, volume float64) error {
	f, err := c.filters(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	qty := formatQty(volume, f.QtyStep)
	if parseFloat(qty) <= 0 {
		return broker.NewValidationError(op, fmt.Sprintf("%s: reduce volume %v rounds to zero", pos.Symbol, volume))
	}

	params := map[string]interface{}{
		"category":    c.category,
		"symbol":      pos.Symbol,
		"side":        sideFor(pos.Direction.Opposite()),
		"orderType":   "Market",
		"qty":         qty,
		"reduceOnly":  true,
		"positionIdx": 0,
	}

	err = c.guardedWrite(ctx, func() error {
		resp, err := c.httpClient.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
		if err != nil {
			return broker.NewTransportError(op, err)
		}
		var ignored struct {
			OrderID string `json:"orderId"`
		}
		return decodeResult(op, resp, &ignored)
	})
	return classify(op, err)
}
