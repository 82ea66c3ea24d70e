package signal

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/ptdat-quant/confluence-bot/internal/broker"
	"github.com/ptdat-quant/confluence-bot/internal/market"
)

// Weights of the score components. They sum to ScoreMax.
const (
	weightTrend      = 2.0
	weightMomentum   = 1.0
	weightStructure  = 1.0
	weightModel      = 1.5
	weightVolatility = 0.5
)

// ConfluenceConfig tunes the scorer. Zero values get defaults.
type ConfluenceConfig struct {
	PrimaryTimeframe      market.Timeframe   `json:"primary_timeframe" yaml:"primary_timeframe"`
	ConfirmationTimeframe []market.Timeframe `json:"confirmation_timeframes" yaml:"confirmation_timeframes"`

	FastEMA   int `json:"fast_ema" yaml:"fast_ema"`
	SlowEMA   int `json:"slow_ema" yaml:"slow_ema"`
	RSIPeriod int `json:"rsi_period" yaml:"rsi_period"`
	ATRPeriod int `json:"atr_period" yaml:"atr_period"`

	// HealthyATRPct brackets the ATR/price band that earns the volatility
	// component: dead or frantic tape earns nothing.
	HealthyATRPctLow  float64 `json:"healthy_atr_pct_low" yaml:"healthy_atr_pct_low"`
	HealthyATRPctHigh float64 `json:"healthy_atr_pct_high" yaml:"healthy_atr_pct_high"`

	Regime RegimeConfig `json:"regime" yaml:"regime"`
}

func (c *ConfluenceConfig) applyDefaults() {
	if c.PrimaryTimeframe == "" {
		c.PrimaryTimeframe = market.TimeframeH1
	}
	if c.FastEMA <= 0 {
		c.FastEMA = 20
	}
	if c.SlowEMA <= 0 {
		c.SlowEMA = 50
	}
	if c.RSIPeriod <= 0 {
		c.RSIPeriod = 14
	}
	if c.ATRPeriod <= 0 {
		c.ATRPeriod = 14
	}
	if c.HealthyATRPctLow <= 0 {
		c.HealthyATRPctLow = 0.002
	}
	if c.HealthyATRPctHigh <= 0 {
		c.HealthyATRPctHigh = 0.04
	}
}

// Confluence is the house Provider: trend alignment across timeframes, RSI
// momentum, price structure, an optional probability model and a volatility
// filter, each contributing a bounded slice of the score.
type Confluence struct {
	cfg   ConfluenceConfig
	model Model // may be nil; score-derived probability is used instead

	mu      sync.Mutex
	regimes map[string]*RegimeClassifier
}

// NewConfluence creates the scorer. model may be nil.
func NewConfluence(cfg ConfluenceConfig, model Model) *Confluence {
	cfg.applyDefaults()
	return &Confluence{
		cfg:     cfg,
		model:   model,
		regimes: make(map[string]*RegimeClassifier),
	}
}

// Analyze implements Provider.
func (cf *Confluence) Analyze(ctx context.Context, symbol string, bars map[market.Timeframe][]market.Candle) (*Opinion, error) {
	primary, ok := bars[cf.cfg.PrimaryTimeframe]
	if !ok {
		return nil, fmt.Errorf("missing primary timeframe %s for %s", cf.cfg.PrimaryTimeframe, symbol)
	}
	if err := market.ValidateCandles(primary); err != nil {
		return nil, fmt.Errorf("%s %s: %w", symbol, cf.cfg.PrimaryTimeframe, err)
	}

	closes := market.Closes(primary)
	price := closes[len(closes)-1]

	fast, err := market.EMA(closes, cf.cfg.FastEMA)
	if err != nil {
		return nil, err
	}
	slow, err := market.EMA(closes, cf.cfg.SlowEMA)
	if err != nil {
		return nil, err
	}
	rsi, err := market.RSI(closes, cf.cfg.RSIPeriod)
	if err != nil {
		return nil, err
	}
	atr, err := market.ATR(primary, cf.cfg.ATRPeriod)
	if err != nil {
		return nil, err
	}

	direction := broker.DirectionLong
	if fast < slow {
		direction = broker.DirectionShort
	}
	sign := direction.Sign()

	components := make(map[string]float64, 5)

	// Trend: the primary cross carries most of the weight, confirmation
	// timeframes split the remainder between the ones that agree.
	trend := 0.6 * weightTrend
	if len(cf.cfg.ConfirmationTimeframe) > 0 {
		per := 0.4 * weightTrend / float64(len(cf.cfg.ConfirmationTimeframe))
		for _, tf := range cf.cfg.ConfirmationTimeframe {
			series, ok := bars[tf]
			if !ok || len(series) < cf.cfg.SlowEMA {
				continue
			}
			cl := market.Closes(series)
			f, errF := market.EMA(cl, cf.cfg.FastEMA)
			s, errS := market.EMA(cl, cf.cfg.SlowEMA)
			if errF != nil || errS != nil {
				continue
			}
			if (f-s)*sign > 0 {
				trend += per
			}
		}
	} else {
		trend = weightTrend
	}
	components["trend"] = trend

	// Momentum: RSI on the trade side of 50 scores, fading once stretched
	// past the 70/30 bands.
	momentum := 0.0
	lean := (rsi - 50) * sign
	switch {
	case lean > 20:
		momentum = 0.5 * weightMomentum // overbought/oversold in our direction
	case lean > 0:
		momentum = weightMomentum * lean / 20
	}
	components["momentum"] = momentum

	// Structure: price on the right side of the fast EMA.
	structure := 0.0
	if (price-fast)*sign > 0 {
		structure = weightStructure
	}
	components["structure"] = structure

	// Model probability for the chosen direction.
	prob, err := cf.probability(ctx, direction, closes, fast, slow, rsi, atr, price)
	if err != nil {
		return nil, err
	}
	mlComponent := weightModel * math.Max(0, 2*(prob-0.5))
	components["model"] = mlComponent

	// Volatility filter: reward a tradable ATR band.
	volatility := 0.0
	if price > 0 {
		atrPct := atr / price
		if atrPct >= cf.cfg.HealthyATRPctLow && atrPct <= cf.cfg.HealthyATRPctHigh {
			volatility = weightVolatility
		}
	}
	components["volatility"] = volatility

	score := trend + momentum + structure + mlComponent + volatility
	if score > ScoreMax {
		score = ScoreMax
	}

	regime, _, err := cf.classifier(symbol).Classify(primary)
	if err != nil {
		// Not fatal: short history degrades to UNCERTAIN, gates stay usable.
		regime = RegimeUncertain
	}

	return &Opinion{
		Direction:     direction,
		Score:         score,
		MLProbability: prob,
		AISignal:      sign * score / ScoreMax,
		ATR:           atr,
		Regime:        regime,
		Components:    components,
	}, nil
}

// probability asks the model when one is configured, otherwise derives a
// probability from the indicator state so the gates stay meaningful.
func (cf *Confluence) probability(ctx context.Context, direction broker.Direction, closes []float64, fast, slow, rsi, atr, price float64) (float64, error) {
	if cf.model == nil {
		lean := (rsi - 50) / 50 * direction.Sign()
		gap := 0.0
		if slow > 0 {
			gap = (fast - slow) / slow / 0.01 * direction.Sign()
		}
		p := 0.5 + 0.15*clamp(gap, -1, 1) + 0.1*clamp(lean, -1, 1)
		return clamp(p, 0.05, 0.95), nil
	}

	features := []float64{
		(fast - slow) / price,
		(rsi - 50) / 50,
		atr / price,
		momentumOf(closes, 10),
	}
	pLong, err := cf.model.Predict(ctx, features)
	if err != nil {
		return 0, fmt.Errorf("model predict: %w", err)
	}
	pLong = clamp(pLong, 0, 1)
	if direction == broker.DirectionShort {
		return 1 - pLong, nil
	}
	return pLong, nil
}

func (cf *Confluence) classifier(symbol string) *RegimeClassifier {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	rc, ok := cf.regimes[symbol]
	if !ok {
		rc = NewRegimeClassifier(cf.cfg.Regime)
		cf.regimes[symbol] = rc
	}
	return rc
}

func momentumOf(closes []float64, lookback int) float64 {
	if len(closes) <= lookback || closes[len(closes)-1-lookback] == 0 {
		return 0
	}
	ref := closes[len(closes)-1-lookback]
	return (closes[len(closes)-1] - ref) / ref
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Logistic is the baseline Model: a fixed-weight logistic over the feature
// vector. It stands in for externally trained ensembles behind the same
// interface.
type Logistic struct {
	Weights []float64
	Bias    float64
}

// Predict implements Model.
func (l *Logistic) Predict(_ context.Context, features []float64) (float64, error) {
	z := l.Bias
	for i, f := range features {
		if i >= len(l.Weights) {
			break
		}
		z += l.Weights[i] * f
	}
	return 1 / (1 + math.Exp(-z)), nil
}
