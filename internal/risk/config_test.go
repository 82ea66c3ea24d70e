package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.MaxDailyTrades)
	assert.Equal(t, 5, cfg.MaxConcurrentPositions)
	assert.InDelta(t, 0.02, cfg.MaxRiskPercent, 1e-9)
	assert.InDelta(t, 0.06, cfg.AccountRiskCeiling, 1e-9)
	assert.NotEmpty(t, cfg.Tiers)
	assert.Equal(t, "atr", cfg.Monitor.TrailMode)
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"risk above hard cap", func(c *Config) { c.MaxRiskPercent = 0.2 }},
		{"ceiling below per-trade risk", func(c *Config) { c.AccountRiskCeiling = 0.01 }},
		{"partial fraction full close", func(c *Config) { c.Monitor.PartialFraction = 1.0 }},
		{"unknown trail mode", func(c *Config) { c.Monitor.TrailMode = "fibonacci" }},
		{"tier above per-trade risk", func(c *Config) { c.Tiers[0].RiskPercent = 0.5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var cfg Config
			cfg.ApplyDefaults()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
