package signal

import (
	"fmt"

	"github.com/ptdat-quant/confluence-bot/internal/market"
)

// RegimeConfig tunes the classifier thresholds. Zero values get defaults.
type RegimeConfig struct {
	FastEMA        int     `json:"fast_ema" yaml:"fast_ema"`
	SlowEMA        int     `json:"slow_ema" yaml:"slow_ema"`
	ATRPeriod      int     `json:"atr_period" yaml:"atr_period"`
	RSIPeriod      int     `json:"rsi_period" yaml:"rsi_period"`
	TrendThreshold float64 `json:"trend_threshold" yaml:"trend_threshold"`   // min |fast-slow|/slow for a directional regime
	StrongRSI      float64 `json:"strong_rsi" yaml:"strong_rsi"`             // RSI distance from 50 confirming a strong regime
	VolatileATRPct float64 `json:"volatile_atr_pct" yaml:"volatile_atr_pct"` // ATR/price above this is volatile regardless of trend

	// Hysteresis: a new regime must repeat for ConfirmationBars consecutive
	// classifications before it replaces the current one, and no switch
	// happens within CooldownBars of the previous switch.
	ConfirmationBars int `json:"confirmation_bars" yaml:"confirmation_bars"`
	CooldownBars     int `json:"cooldown_bars" yaml:"cooldown_bars"`
}

func (c *RegimeConfig) applyDefaults() {
	if c.FastEMA <= 0 {
		c.FastEMA = 50
	}
	if c.SlowEMA <= 0 {
		c.SlowEMA = 200
	}
	if c.ATRPeriod <= 0 {
		c.ATRPeriod = 14
	}
	if c.RSIPeriod <= 0 {
		c.RSIPeriod = 14
	}
	if c.TrendThreshold <= 0 {
		c.TrendThreshold = 0.005
	}
	if c.StrongRSI <= 0 {
		c.StrongRSI = 10
	}
	if c.VolatileATRPct <= 0 {
		c.VolatileATRPct = 0.04
	}
	if c.ConfirmationBars <= 0 {
		c.ConfirmationBars = 3
	}
	if c.CooldownBars < 0 {
		c.CooldownBars = 2
	}
}

// RegimeClassifier labels market behavior from a single candle series, with
// hysteresis so one noisy bar cannot flip the published regime.
type RegimeClassifier struct {
	cfg RegimeConfig

	current      Regime
	pending      Regime
	pendingCount int
	cooldown     int
}

// NewRegimeClassifier creates a classifier starting in RegimeUncertain.
func NewRegimeClassifier(cfg RegimeConfig) *RegimeClassifier {
	cfg.applyDefaults()
	return &RegimeClassifier{cfg: cfg, current: RegimeUncertain, pending: RegimeUncertain}
}

// Current returns the last published regime.
func (rc *RegimeClassifier) Current() Regime {
	return rc.current
}

// Classify evaluates the series and returns the published regime after
// hysteresis. The raw per-call classification is available as the second
// return for diagnostics.
func (rc *RegimeClassifier) Classify(candles []market.Candle) (Regime, Regime, error) {
	raw, err := rc.classifyRaw(candles)
	if err != nil {
		return rc.current, RegimeUncertain, err
	}

	if rc.cooldown > 0 {
		rc.cooldown--
		return rc.current, raw, nil
	}

	if raw == rc.current {
		rc.pending = raw
		rc.pendingCount = 0
		return rc.current, raw, nil
	}

	if raw == rc.pending {
		rc.pendingCount++
	} else {
		rc.pending = raw
		rc.pendingCount = 1
	}

	if rc.pendingCount >= rc.cfg.ConfirmationBars {
		rc.current = raw
		rc.pendingCount = 0
		rc.cooldown = rc.cfg.CooldownBars
	}
	return rc.current, raw, nil
}

func (rc *RegimeClassifier) classifyRaw(candles []market.Candle) (Regime, error) {
	need := rc.cfg.SlowEMA
	if rc.cfg.ATRPeriod+1 > need {
		need = rc.cfg.ATRPeriod + 1
	}
	if len(candles) < need {
		return RegimeUncertain, fmt.Errorf("regime needs %d candles, got %d", need, len(candles))
	}

	closes := market.Closes(candles)
	fast, err := market.EMA(closes, rc.cfg.FastEMA)
	if err != nil {
		return RegimeUncertain, err
	}
	slow, err := market.EMA(closes, rc.cfg.SlowEMA)
	if err != nil {
		return RegimeUncertain, err
	}
	atr, err := market.ATR(candles, rc.cfg.ATRPeriod)
	if err != nil {
		return RegimeUncertain, err
	}
	rsi, err := market.RSI(closes, rc.cfg.RSIPeriod)
	if err != nil {
		return RegimeUncertain, err
	}

	price := closes[len(closes)-1]
	if price <= 0 || slow <= 0 {
		return RegimeUncertain, nil
	}

	if atr/price >= rc.cfg.VolatileATRPct {
		return RegimeVolatile, nil
	}

	distance := (fast - slow) / slow
	switch {
	case distance >= rc.cfg.TrendThreshold:
		if rsi >= 50+rc.cfg.StrongRSI {
			return RegimeStrongBullish, nil
		}
		return RegimeBullish, nil
	case distance <= -rc.cfg.TrendThreshold:
		if rsi <= 50-rc.cfg.StrongRSI {
			return RegimeStrongBearish, nil
		}
		return RegimeBearish, nil
	default:
		return RegimeRanging, nil
	}
}
