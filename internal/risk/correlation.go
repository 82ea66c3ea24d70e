package risk

import (
	"sync"
	"time"

	"github.com/ptdat-quant/confluence-bot/internal/broker"
	"github.com/ptdat-quant/confluence-bot/internal/market"
)

// staticStrength is the coefficient assumed for statically grouped or inverse
// pairs when no live estimate is fresh.
const staticStrength = 0.9

// correlationBook resolves pairwise correlation between symbols: a live
// Pearson estimate over recent return series when both sides are fresh,
// falling back to the static group table otherwise. Live data wins when the
// two disagree.
type correlationBook struct {
	cfg CorrelationConfig

	group   map[string]int
	inverse map[string]map[string]bool

	mu      sync.RWMutex
	returns map[string][]float64
	updated map[string]time.Time
}

func newCorrelationBook(cfg CorrelationConfig) *correlationBook {
	b := &correlationBook{
		cfg:     cfg,
		group:   make(map[string]int),
		inverse: make(map[string]map[string]bool),
		returns: make(map[string][]float64),
		updated: make(map[string]time.Time),
	}
	for id, symbols := range cfg.Groups {
		for _, s := range symbols {
			b.group[s] = id + 1
		}
	}
	for _, pair := range cfg.Inverse {
		b.addInverse(pair[0], pair[1])
		b.addInverse(pair[1], pair[0])
	}
	return b
}

func (b *correlationBook) addInverse(a, c string) {
	if b.inverse[a] == nil {
		b.inverse[a] = make(map[string]bool)
	}
	b.inverse[a][c] = true
}

// update records a fresh return series for symbol, keeping the last Window
// observations.
func (b *correlationBook) update(symbol string, returns []float64) {
	if len(returns) == 0 {
		return
	}
	if len(returns) > b.cfg.Window {
		returns = returns[len(returns)-b.cfg.Window:]
	}
	b.mu.Lock()
	b.returns[symbol] = append([]float64(nil), returns...)
	b.updated[symbol] = time.Now()
	b.mu.Unlock()
}

// coefficient returns the correlation between two symbols and whether any
// relationship is known at all.
func (b *correlationBook) coefficient(a, c string) (float64, bool) {
	if a == c {
		return 1, true
	}

	if live, ok := b.liveCoefficient(a, c); ok {
		return live, true
	}

	if ga, ok := b.group[a]; ok {
		if gc, ok := b.group[c]; ok && ga == gc {
			return staticStrength, true
		}
	}
	if b.inverse[a][c] {
		return -staticStrength, true
	}
	return 0, false
}

func (b *correlationBook) liveCoefficient(a, c string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ra, okA := b.returns[a]
	rc, okC := b.returns[c]
	if !okA || !okC {
		return 0, false
	}
	now := time.Now()
	if now.Sub(b.updated[a]) > b.cfg.TTL || now.Sub(b.updated[c]) > b.cfg.TTL {
		return 0, false
	}

	n := len(ra)
	if len(rc) < n {
		n = len(rc)
	}
	if n < 10 {
		return 0, false
	}
	coeff, err := market.Pearson(ra[len(ra)-n:], rc[len(rc)-n:])
	if err != nil {
		return 0, false
	}
	return coeff, true
}

// conflicts reports whether opening (symbol, direction) clashes with an open
// position. Positively correlated symbols always clash: same direction doubles
// the exposure, opposite direction just pays spread to hedge ourselves.
// Inversely correlated symbols clash only in opposite directions, which is the
// same exposure worn twice.
func (b *correlationBook) conflicts(symbol string, direction broker.Direction, open broker.Position) bool {
	if open.Symbol == symbol {
		return false // same-symbol stacking is governed by the concurrency ceiling
	}
	coeff, known := b.coefficient(symbol, open.Symbol)
	if !known {
		return false
	}
	switch {
	case coeff >= b.cfg.Threshold:
		return true
	case coeff <= -b.cfg.Threshold:
		return direction != open.Direction
	}
	return false
}
