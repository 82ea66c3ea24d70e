// Package signal scores trading opportunities: a Provider turns multi-timeframe
// candles into a directional opinion with a bounded confluence score, and a
// regime classifier labels the broader market behavior the gates key on.
package signal

import (
	"context"

	"github.com/ptdat-quant/confluence-bot/internal/broker"
	"github.com/ptdat-quant/confluence-bot/internal/market"
)

// Regime is a coarse classification of current market behavior.
type Regime int

const (
	RegimeUncertain Regime = iota
	RegimeRanging
	RegimeBullish
	RegimeStrongBullish
	RegimeBearish
	RegimeStrongBearish
	RegimeVolatile
)

func (r Regime) String() string {
	switch r {
	case RegimeRanging:
		return "RANGING"
	case RegimeBullish:
		return "BULLISH"
	case RegimeStrongBullish:
		return "STRONG_BULLISH"
	case RegimeBearish:
		return "BEARISH"
	case RegimeStrongBearish:
		return "STRONG_BEARISH"
	case RegimeVolatile:
		return "VOLATILE"
	default:
		return "UNCERTAIN"
	}
}

// Bias returns +1 for bullish regimes, -1 for bearish, 0 otherwise.
func (r Regime) Bias() int {
	switch r {
	case RegimeBullish, RegimeStrongBullish:
		return 1
	case RegimeBearish, RegimeStrongBearish:
		return -1
	}
	return 0
}

// Strong reports whether the regime is one of the strong directional states.
func (r Regime) Strong() bool {
	return r == RegimeStrongBullish || r == RegimeStrongBearish
}

// ConflictsWith reports whether an intended trade direction runs against a
// strong regime. Weak regimes never veto.
func (r Regime) ConflictsWith(d broker.Direction) bool {
	if !r.Strong() {
		return false
	}
	if d == broker.DirectionLong {
		return r.Bias() < 0
	}
	return r.Bias() > 0
}

// ScoreMax is the upper bound of the confluence score.
const ScoreMax = 6.0

// Opinion is a scored view on one symbol for one evaluation cycle.
type Opinion struct {
	Direction     broker.Direction
	Score         float64 // confluence score in [0, ScoreMax]
	MLProbability float64 // model win probability in [0,1]
	AISignal      float64 // aggregate directional signal in [-1,1]
	ATR           float64 // primary-timeframe ATR in price units
	Regime        Regime

	// Components holds the per-signal contributions that sum to Score,
	// carried into Candidate details for the journal and the adjudicator.
	Components map[string]float64
}

// Provider produces a scored opinion from multi-timeframe bars. Implementations
// are selected at startup; the engine never inspects the concrete type.
type Provider interface {
	Analyze(ctx context.Context, symbol string, bars map[market.Timeframe][]market.Candle) (*Opinion, error)
}

// Model is the probability hook the confluence provider consults. Predict
// returns the estimated probability that a long position wins from the given
// feature vector; the short probability is its complement.
type Model interface {
	Predict(ctx context.Context, features []float64) (float64, error)
}
