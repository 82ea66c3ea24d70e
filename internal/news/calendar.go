// Package news implements the blackout gate around scheduled high-impact
// events. The risk authority consults it before admitting new trades.
package news

import (
	"strings"
	"sync"
	"time"
)

// Event is one scheduled release that freezes trading around its timestamp.
type Event struct {
	Title    string    `json:"title" yaml:"title"`
	Currency string    `json:"currency" yaml:"currency"` // e.g. "USD", "BTC"; "" matches every symbol
	Impact   string    `json:"impact" yaml:"impact"`     // only "high" events gate by default
	At       time.Time `json:"at" yaml:"at"`
}

// Calendar holds scheduled events and answers blackout queries. Safe for
// concurrent use; events may be replaced at runtime by a refresh.
type Calendar struct {
	mu     sync.RWMutex
	events []Event

	before   time.Duration
	after    time.Duration
	highOnly bool
}

// NewCalendar creates a calendar that blacks out [At-before, At+after] around
// each event.
func NewCalendar(before, after time.Duration) *Calendar {
	if before <= 0 {
		before = 30 * time.Minute
	}
	if after <= 0 {
		after = 15 * time.Minute
	}
	return &Calendar{before: before, after: after, highOnly: true}
}

// SetEvents replaces the scheduled events.
func (c *Calendar) SetEvents(events []Event) {
	c.mu.Lock()
	c.events = append([]Event(nil), events...)
	c.mu.Unlock()
}

// IncludeAllImpacts widens the gate beyond high-impact events.
func (c *Calendar) IncludeAllImpacts() {
	c.mu.Lock()
	c.highOnly = false
	c.mu.Unlock()
}

// IsBlackout reports whether now falls inside a blackout window for symbol.
// An event matches when its currency code appears in the symbol name, or when
// the event carries no currency at all.
func (c *Calendar) IsBlackout(symbol string, now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, ev := range c.events {
		if c.highOnly && !strings.EqualFold(ev.Impact, "high") {
			continue
		}
		if ev.Currency != "" && !strings.Contains(strings.ToUpper(symbol), strings.ToUpper(ev.Currency)) {
			continue
		}
		if !now.Before(ev.At.Add(-c.before)) && !now.After(ev.At.Add(c.after)) {
			return true
		}
	}
	return false
}

// Next returns the next matching event at or after now, if any.
func (c *Calendar) Next(symbol string, now time.Time) (Event, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best Event
	found := false
	for _, ev := range c.events {
		if ev.Currency != "" && !strings.Contains(strings.ToUpper(symbol), strings.ToUpper(ev.Currency)) {
			continue
		}
		if ev.At.Before(now) {
			continue
		}
		if !found || ev.At.Before(best.At) {
			best = ev
			found = true
		}
	}
	return best, found
}

// None is a Calendar stand-in that never blacks out. Used when no calendar
// source is configured.
type None struct{}

// IsBlackout always reports false.
func (None) IsBlackout(string, time.Time) bool { return false }
