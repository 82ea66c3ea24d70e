// Package feed maintains a live quote cache fed by the venue's public
// websocket, with REST fallback for symbols the stream has not touched yet.
package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ptdat-quant/confluence-bot/internal/broker"
	"github.com/ptdat-quant/confluence-bot/internal/market"
)

// Cache holds the latest quote per symbol. Reads prefer stream data and fall
// back to the REST collaborator when the cached entry is missing or stale.
type Cache struct {
	mu       sync.RWMutex
	quotes   map[string]market.Quote
	maxAge   time.Duration
	fallback broker.MarketData // may be nil
}

// NewCache creates a cache whose entries go stale after maxAge.
func NewCache(fallback broker.MarketData, maxAge time.Duration) *Cache {
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	return &Cache{
		quotes:   make(map[string]market.Quote),
		maxAge:   maxAge,
		fallback: fallback,
	}
}

// Put stores a quote. Zero-valued fields of q inherit the previous entry, so
// delta frames that omit unchanged prices merge correctly.
func (c *Cache) Put(q market.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.quotes[q.Symbol]
	if ok {
		if q.Bid == 0 {
			q.Bid = prev.Bid
		}
		if q.Ask == 0 {
			q.Ask = prev.Ask
		}
		if q.Last == 0 {
			q.Last = prev.Last
		}
	}
	if q.Time.IsZero() {
		q.Time = time.Now().UTC()
	}
	c.quotes[q.Symbol] = q
}

// Quote returns the current quote for symbol, consulting the fallback when
// the cache misses or has gone stale.
func (c *Cache) Quote(ctx context.Context, symbol string) (*market.Quote, error) {
	c.mu.RLock()
	q, ok := c.quotes[symbol]
	c.mu.RUnlock()

	if ok && time.Since(q.Time) <= c.maxAge {
		cp := q
		return &cp, nil
	}

	if c.fallback == nil {
		if ok {
			cp := q // stale but better than nothing without a fallback
			return &cp, nil
		}
		return nil, fmt.Errorf("no quote for %s", symbol)
	}

	fresh, err := c.fallback.GetQuote(ctx, symbol)
	if err != nil {
		if ok {
			cp := q
			return &cp, nil
		}
		return nil, err
	}
	c.Put(*fresh)
	return fresh, nil
}

// Age returns how old the cached entry for symbol is, or false if absent.
func (c *Cache) Age(symbol string) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[symbol]
	if !ok {
		return 0, false
	}
	return time.Since(q.Time), true
}
