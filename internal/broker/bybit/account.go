package bybit

import (
	"context"
	"sort"
	"time"

	"github.com/ptdat-quant/confluence-bot/internal/broker"
)

func nowUTC() time.Time {
	return time.Now().UTC()
}

// GetAccountInfo reads the unified wallet balance.
func (c *Client) GetAccountInfo(ctx context.Context) (*broker.AccountInfo, error) {
	const op = "get_account_info"

	params := map[string]interface{}{
		"accountType": "UNIFIED",
	}

	var result walletResult
	err := c.guardedRead(ctx, "account_data", func() error {
		resp, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetAccountWallet(ctx)
		if err != nil {
			return broker.NewTransportError(op, err)
		}
		return decodeResult(op, resp, &result)
	})
	if err != nil {
		return nil, classify(op, err)
	}
	if len(result.List) == 0 {
		return nil, broker.NewExchangeError(op, 0, "empty wallet response")
	}

	acct := result.List[0]
	info := &broker.AccountInfo{
		Balance:  parseFloat(acct.TotalWalletBal),
		Equity:   parseFloat(acct.TotalEquity),
		Currency: "USDT",
	}
	// Fall back to the USDT coin row when the aggregate fields are blank
	// (observed on demo accounts).
	if info.Balance == 0 {
		for _, coin := range acct.Coin {
			if coin.Coin == "USDT" {
				info.Balance = parseFloat(coin.WalletBalance)
				if info.Equity == 0 {
					info.Equity = parseFloat(coin.Equity)
				}
			}
		}
	}
	return info, nil
}

// GetClosedDeals reconstructs realized trades from the order history: filled
// reduce-only orders are exits, everything else filled is an entry. Exits are
// paired with the most recent unconsumed entry per symbol, which is exact in
// one-way mode where the book holds one position per symbol.
func (c *Client) GetClosedDeals(ctx context.Context, from, to time.Time) ([]broker.Deal, error) {
	const op = "get_closed_deals"

	params := map[string]interface{}{
		"category":  c.category,
		"startTime": from.UnixMilli(),
		"endTime":   to.UnixMilli(),
		"limit":     100,
	}

	var result orderListResult
	err := c.guardedRead(ctx, "account_data", func() error {
		resp, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetOrderHistory(ctx)
		if err != nil {
			return broker.NewTransportError(op, err)
		}
		return decodeResult(op, resp, &result)
	})
	if err != nil {
		return nil, classify(op, err)
	}

	filled := make([]orderRecord, 0, len(result.List))
	for _, rec := range result.List {
		if rec.OrderStatus == "Filled" || rec.OrderStatus == "PartiallyFilled" {
			filled = append(filled, rec)
		}
	}
	sort.Slice(filled, func(i, j int) bool {
		return parseMillis(filled[i].UpdatedTime).Before(parseMillis(filled[j].UpdatedTime))
	})

	type entryFill struct {
		price float64
		at    time.Time
		side  string
	}
	entries := make(map[string]*entryFill)

	var deals []broker.Deal
	for _, rec := range filled {
		if !rec.ReduceOnly {
			entries[rec.Symbol] = &entryFill{
				price: parseFloat(rec.AvgPrice),
				at:    parseMillis(rec.CreatedTime),
				side:  rec.Side,
			}
			continue
		}

		entry, ok := entries[rec.Symbol]
		if !ok {
			continue // exit for a position opened before the window
		}

		dir := directionFor(entry.side)
		exit := parseFloat(rec.AvgPrice)
		qty := parseFloat(rec.CumExecQty)
		fee := parseFloat(rec.CumExecFee)
		gross := (exit - entry.price) * dir.Sign() * qty

		deals = append(deals, broker.Deal{
			Ticket:     rec.Symbol,
			Symbol:     rec.Symbol,
			Direction:  dir,
			Volume:     qty,
			EntryPrice: entry.price,
			ExitPrice:  exit,
			Profit:     gross - fee,
			Commission: fee,
			OpenedAt:   entry.at,
			ClosedAt:   parseMillis(rec.UpdatedTime),
		})
	}

	sort.Slice(deals, func(i, j int) bool { return deals[i].ClosedAt.Before(deals[j].ClosedAt) })
	return deals, nil
}
