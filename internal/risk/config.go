package risk

import (
	"fmt"
	"time"

	"github.com/ptdat-quant/confluence-bot/internal/market"
)

// Config tunes every gate the Authority enforces. Zero values get defaults.
type Config struct {
	// Admission limits.
	MaxDailyTrades          int `json:"max_daily_trades" yaml:"max_daily_trades"`
	MaxDailyTradesPerSymbol int `json:"max_daily_trades_per_symbol" yaml:"max_daily_trades_per_symbol"`
	MaxConcurrentPositions  int `json:"max_concurrent_positions" yaml:"max_concurrent_positions"`

	// Budget limits, as fractions of account balance.
	MaxRiskPercent     float64 `json:"max_risk_percent" yaml:"max_risk_percent"`         // per trade
	AccountRiskCeiling float64 `json:"account_risk_ceiling" yaml:"account_risk_ceiling"` // all open positions together

	// Candidate quality floors.
	MinRiskReward float64 `json:"min_risk_reward" yaml:"min_risk_reward"`
	MinNetProfit  float64 `json:"min_net_profit" yaml:"min_net_profit"` // account currency, at min lot

	Kelly      KellyConfig                   `json:"kelly" yaml:"kelly"`
	Tiers      []ScoreTier                   `json:"tiers" yaml:"tiers"`
	TailRisk   map[string]float64            `json:"tail_risk" yaml:"tail_risk"` // symbol -> max monetary risk
	KillSwitch KillSwitchConfig              `json:"kill_switch" yaml:"kill_switch"`
	Payoff     PayoffConfig                  `json:"payoff" yaml:"payoff"`
	Spread     map[market.AssetClass]float64 `json:"spread_ceilings" yaml:"spread_ceilings"` // price units
	Session    market.SessionWindow          `json:"session" yaml:"session"`

	Correlation CorrelationConfig `json:"correlation" yaml:"correlation"`
	Monitor     MonitorConfig     `json:"monitor" yaml:"monitor"`
}

// KellyConfig controls historical sizing.
type KellyConfig struct {
	MaxFraction float64 `json:"max_fraction" yaml:"max_fraction"` // fraction of full Kelly, e.g. 0.25
	MinSample   int     `json:"min_sample" yaml:"min_sample"`     // closed trades required before Kelly applies
}

// ScoreTier maps a confluence score band to a fixed risk percent. Tiers are
// evaluated highest MinScore first; the first band at or below the score wins.
type ScoreTier struct {
	MinScore    float64 `json:"min_score" yaml:"min_score"`
	RiskPercent float64 `json:"risk_percent" yaml:"risk_percent"`
}

// KillSwitchConfig controls the per-symbol rolling-loss switch.
type KillSwitchConfig struct {
	Window         int     `json:"window" yaml:"window"`                   // closed trades in the rolling window
	LossThreshold  float64 `json:"loss_threshold" yaml:"loss_threshold"`   // account currency; net loss beyond this activates
	ReleaseRatio   float64 `json:"release_ratio" yaml:"release_ratio"`     // rolling loss must recover above threshold*ratio
	RecoveryTrades int     `json:"recovery_trades" yaml:"recovery_trades"` // non-losing closes required before release
}

// PayoffConfig is the average-win / average-loss mandate.
type PayoffConfig struct {
	Floor     float64 `json:"floor" yaml:"floor"`
	MinSample int     `json:"min_sample" yaml:"min_sample"`
}

// CorrelationConfig drives the exposure-conflict check.
type CorrelationConfig struct {
	Threshold float64       `json:"threshold" yaml:"threshold"`
	Groups    [][]string    `json:"groups" yaml:"groups"`   // statically correlated symbol groups
	Inverse   [][2]string   `json:"inverse" yaml:"inverse"` // statically inverse pairs
	Window    int           `json:"window" yaml:"window"`   // return observations for the live estimate
	TTL       time.Duration `json:"ttl" yaml:"ttl"`         // live series older than this falls back to static
}

// MonitorConfig tunes position management.
type MonitorConfig struct {
	BreakEvenCostMultiple float64 `json:"break_even_cost_multiple" yaml:"break_even_cost_multiple"`
	BreakEvenBufferTicks  float64 `json:"break_even_buffer_ticks" yaml:"break_even_buffer_ticks"`

	PartialTrigger  float64 `json:"partial_trigger" yaml:"partial_trigger"` // fraction of distance to TP
	PartialFraction float64 `json:"partial_fraction" yaml:"partial_fraction"`

	TrailMode          string  `json:"trail_mode" yaml:"trail_mode"` // "atr" or "percent"
	TrailATRMultiplier float64 `json:"trail_atr_multiplier" yaml:"trail_atr_multiplier"`
	TrailPercent       float64 `json:"trail_percent" yaml:"trail_percent"`
	TrailActivationATR float64 `json:"trail_activation_atr" yaml:"trail_activation_atr"` // profit in ATRs before trailing starts
	TrailMinStepTicks  float64 `json:"trail_min_step_ticks" yaml:"trail_min_step_ticks"`
}

// ApplyDefaults fills zero fields with the house defaults.
func (c *Config) ApplyDefaults() {
	if c.MaxDailyTrades <= 0 {
		c.MaxDailyTrades = 10
	}
	if c.MaxDailyTradesPerSymbol <= 0 {
		c.MaxDailyTradesPerSymbol = 3
	}
	if c.MaxConcurrentPositions <= 0 {
		c.MaxConcurrentPositions = 5
	}
	if c.MaxRiskPercent <= 0 {
		c.MaxRiskPercent = 0.02
	}
	if c.AccountRiskCeiling <= 0 {
		c.AccountRiskCeiling = 0.06
	}
	if c.MinRiskReward <= 0 {
		c.MinRiskReward = 1.5
	}
	if c.Kelly.MaxFraction <= 0 {
		c.Kelly.MaxFraction = 0.25
	}
	if c.Kelly.MinSample <= 0 {
		c.Kelly.MinSample = 20
	}
	if len(c.Tiers) == 0 {
		c.Tiers = []ScoreTier{
			{MinScore: 5.0, RiskPercent: 0.02},
			{MinScore: 4.0, RiskPercent: 0.015},
			{MinScore: 3.0, RiskPercent: 0.01},
			{MinScore: 0, RiskPercent: 0.005},
		}
	}
	if c.KillSwitch.Window <= 0 {
		c.KillSwitch.Window = 10
	}
	if c.KillSwitch.LossThreshold <= 0 {
		c.KillSwitch.LossThreshold = 100
	}
	if c.KillSwitch.ReleaseRatio <= 0 {
		c.KillSwitch.ReleaseRatio = 0.5
	}
	if c.KillSwitch.RecoveryTrades <= 0 {
		c.KillSwitch.RecoveryTrades = 3
	}
	if c.Payoff.Floor <= 0 {
		c.Payoff.Floor = 1.0
	}
	if c.Payoff.MinSample <= 0 {
		c.Payoff.MinSample = 10
	}
	if len(c.Spread) == 0 {
		c.Spread = map[market.AssetClass]float64{
			market.AssetClassCrypto: 50,
			market.AssetClassForex:  0.0003,
			market.AssetClassIndex:  2,
			market.AssetClassMetal:  0.5,
		}
	}
	if c.Correlation.Threshold <= 0 {
		c.Correlation.Threshold = 0.7
	}
	if c.Correlation.Window <= 0 {
		c.Correlation.Window = 50
	}
	if c.Correlation.TTL <= 0 {
		c.Correlation.TTL = 30 * time.Minute
	}
	if c.Monitor.BreakEvenCostMultiple <= 0 {
		c.Monitor.BreakEvenCostMultiple = 2.0
	}
	if c.Monitor.BreakEvenBufferTicks <= 0 {
		c.Monitor.BreakEvenBufferTicks = 2
	}
	if c.Monitor.PartialTrigger <= 0 {
		c.Monitor.PartialTrigger = 0.6
	}
	if c.Monitor.PartialFraction <= 0 {
		c.Monitor.PartialFraction = 0.5
	}
	if c.Monitor.TrailMode == "" {
		c.Monitor.TrailMode = "atr"
	}
	if c.Monitor.TrailATRMultiplier <= 0 {
		c.Monitor.TrailATRMultiplier = 2.0
	}
	if c.Monitor.TrailPercent <= 0 {
		c.Monitor.TrailPercent = 0.01
	}
	if c.Monitor.TrailActivationATR <= 0 {
		c.Monitor.TrailActivationATR = 1.5
	}
	if c.Monitor.TrailMinStepTicks <= 0 {
		c.Monitor.TrailMinStepTicks = 5
	}
}

// Validate rejects configurations the gates cannot enforce sensibly.
func (c *Config) Validate() error {
	if c.MaxRiskPercent > 0.1 {
		return fmt.Errorf("max_risk_percent %.3f exceeds 10%% hard cap", c.MaxRiskPercent)
	}
	if c.AccountRiskCeiling < c.MaxRiskPercent {
		return fmt.Errorf("account_risk_ceiling %.3f below max_risk_percent %.3f", c.AccountRiskCeiling, c.MaxRiskPercent)
	}
	if c.Monitor.PartialFraction >= 1 {
		return fmt.Errorf("partial_fraction must be below 1, got %v", c.Monitor.PartialFraction)
	}
	if m := c.Monitor.TrailMode; m != "atr" && m != "percent" {
		return fmt.Errorf("trail_mode must be atr or percent, got %q", m)
	}
	for _, t := range c.Tiers {
		if t.RiskPercent > c.MaxRiskPercent {
			return fmt.Errorf("tier at score %.1f risks %.3f above max_risk_percent", t.MinScore, t.RiskPercent)
		}
	}
	return nil
}
