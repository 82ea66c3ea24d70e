package bybit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ptdat-quant/confluence-bot/internal/broker"
	"github.com/ptdat-quant/confluence-bot/internal/market"
)

// intervalFor maps internal timeframes to Bybit kline interval codes.
func intervalFor(tf market.Timeframe) (string, error) {
	switch tf {
	case market.TimeframeM5:
		return "5", nil
	case market.TimeframeM15:
		return "15", nil
	case market.TimeframeM30:
		return "30", nil
	case market.TimeframeH1:
		return "60", nil
	case market.TimeframeH4:
		return "240", nil
	case market.TimeframeD1:
		return "D", nil
	}
	return "", fmt.Errorf("unsupported timeframe %q", tf)
}

// GetCandles fetches up to limit bars, oldest first. Bybit returns newest
// first; the result is re-sorted before returning.
func (c *Client) GetCandles(ctx context.Context, symbol string, tf market.Timeframe, limit int) ([]market.Candle, error) {
	const op = "get_candles"

	interval, err := intervalFor(tf)
	if err != nil {
		return nil, broker.NewValidationError(op, err.Error())
	}
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}

	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
		"interval": interval,
		"limit":    limit,
	}

	var result klineListResult
	err = c.guardedRead(ctx, "market_data", func() error {
		resp, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetMarketKline(ctx)
		if err != nil {
			return broker.NewTransportError(op, err)
		}
		return decodeResult(op, resp, &result)
	})
	if err != nil {
		return nil, classify(op, err)
	}

	candles := make([]market.Candle, 0, len(result.List))
	for _, row := range result.List {
		if len(row) < 6 {
			continue
		}
		candles = append(candles, market.Candle{
			Timestamp: parseMillis(row[0]),
			Open:      parseFloat(row[1]),
			High:      parseFloat(row[2]),
			Low:       parseFloat(row[3]),
			Close:     parseFloat(row[4]),
			Volume:    parseFloat(row[5]),
		})
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Timestamp.Before(candles[j].Timestamp) })
	return candles, nil
}

// GetQuote fetches the current top of book.
func (c *Client) GetQuote(ctx context.Context, symbol string) (*market.Quote, error) {
	const op = "get_quote"

	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
	}

	var result tickerListResult
	err := c.guardedRead(ctx, "market_data", func() error {
		resp, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
		if err != nil {
			return broker.NewTransportError(op, err)
		}
		return decodeResult(op, resp, &result)
	})
	if err != nil {
		return nil, classify(op, err)
	}
	if len(result.List) == 0 {
		return nil, broker.NewExchangeError(op, 0, fmt.Sprintf("no ticker for %s", symbol))
	}

	t := result.List[0]
	return &market.Quote{
		Symbol: symbol,
		Bid:    parseFloat(t.Bid1Price),
		Ask:    parseFloat(t.Ask1Price),
		Last:   parseFloat(t.LastPrice),
		Time:   time.Now().UTC(),
	}, nil
}

// filters returns cached lot/price filters for symbol, fetching once.
func (c *Client) filters(ctx context.Context, symbol string) (instrumentFilters, error) {
	const op = "get_instrument_info"

	c.mu.Lock()
	if f, ok := c.instruments[symbol]; ok {
		c.mu.Unlock()
		return f, nil
	}
	c.mu.Unlock()

	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
	}

	var result instrumentInfoResult
	err := c.guardedRead(ctx, "market_data", func() error {
		resp, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
		if err != nil {
			return broker.NewTransportError(op, err)
		}
		return decodeResult(op, resp, &result)
	})
	if err != nil {
		return instrumentFilters{}, classify(op, err)
	}
	if len(result.List) == 0 {
		return instrumentFilters{}, broker.NewExchangeError(op, 0, fmt.Sprintf("unknown instrument %s", symbol))
	}

	info := result.List[0]
	f := instrumentFilters{
		QtyStep:  parseFloat(info.LotSizeFilter.QtyStep),
		MinQty:   parseFloat(info.LotSizeFilter.MinOrderQty),
		MaxQty:   parseFloat(info.LotSizeFilter.MaxOrderQty),
		TickSize: parseFloat(info.PriceFilter.TickSize),
	}

	c.mu.Lock()
	c.instruments[symbol] = f
	c.mu.Unlock()
	return f, nil
}
