// Package config loads and validates the scanner's configuration. Files are
// JSON or YAML by extension; secrets come from the environment, never the
// file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ptdat-quant/confluence-bot/internal/agent"
	"github.com/ptdat-quant/confluence-bot/internal/market"
	"github.com/ptdat-quant/confluence-bot/internal/news"
	"github.com/ptdat-quant/confluence-bot/internal/orchestrator"
	"github.com/ptdat-quant/confluence-bot/internal/risk"
	"github.com/ptdat-quant/confluence-bot/internal/signal"
)

// Broker modes.
const (
	ModePaper = "paper"
	ModeBybit = "bybit"
)

// Config is the full scanner configuration.
type Config struct {
	Name string `json:"name" yaml:"name"`

	Broker  BrokerConfig  `json:"broker" yaml:"broker"`
	Feed    FeedConfig    `json:"feed" yaml:"feed"`
	Symbols []SymbolSpec  `json:"symbols" yaml:"symbols"`
	Risk    risk.Config   `json:"risk" yaml:"risk"`
	Signal  signal.ConfluenceConfig `json:"signal" yaml:"signal"`
	Agent   agent.Config  `json:"agent" yaml:"agent"`
	Engine  orchestrator.Config `json:"engine" yaml:"engine"`

	Adjudicator AdjudicatorConfig `json:"adjudicator" yaml:"adjudicator"`
	News        NewsConfig        `json:"news" yaml:"news"`
	Telegram    TelegramConfig    `json:"telegram" yaml:"telegram"`

	Monitoring MonitoringConfig `json:"monitoring" yaml:"monitoring"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	LogDir     string           `json:"log_dir" yaml:"log_dir"`
}

// BrokerConfig selects and tunes the execution venue.
type BrokerConfig struct {
	Mode         string  `json:"mode" yaml:"mode"` // paper | bybit
	PaperBalance float64 `json:"paper_balance" yaml:"paper_balance"`

	// Bybit credentials come from the environment (BYBIT_API_KEY,
	// BYBIT_API_SECRET); only environment selection lives in the file.
	Testnet  bool   `json:"testnet" yaml:"testnet"`
	Demo     bool   `json:"demo" yaml:"demo"`
	Category string `json:"category" yaml:"category"`
}

// FeedConfig tunes the live quote stream and cache.
type FeedConfig struct {
	StreamURL   string        `json:"stream_url" yaml:"stream_url"`
	QuoteMaxAge Duration      `json:"quote_max_age" yaml:"quote_max_age"`
}

// SymbolSpec is one tradable instrument. Unset spec fields fall back to the
// built-in defaults for the symbol.
type SymbolSpec struct {
	Symbol string                 `json:"symbol" yaml:"symbol"`
	Spec   *market.InstrumentSpec `json:"spec,omitempty" yaml:"spec,omitempty"`
}

// AdjudicatorConfig selects the candidate reviewer.
type AdjudicatorConfig struct {
	Mode     string   `json:"mode" yaml:"mode"` // off | rules | llm
	Endpoint string   `json:"endpoint" yaml:"endpoint"`
	Model    string   `json:"model" yaml:"model"`
	Timeout  Duration `json:"timeout" yaml:"timeout"`

	MinScore       float64 `json:"min_score" yaml:"min_score"`
	MinProbability float64 `json:"min_probability" yaml:"min_probability"`
}

// NewsConfig feeds the blackout calendar.
type NewsConfig struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	BlackoutBefore Duration `json:"blackout_before" yaml:"blackout_before"`
	BlackoutAfter  Duration `json:"blackout_after" yaml:"blackout_after"`
	AllImpacts     bool     `json:"all_impacts" yaml:"all_impacts"`
}

// TelegramConfig enables push alerts. The token comes from TELEGRAM_TOKEN.
type TelegramConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	ChatID  string `json:"chat_id" yaml:"chat_id"`
}

// MonitoringConfig exposes /metrics, /health and /ws.
type MonitoringConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// StorageConfig places the sqlite databases.
type StorageConfig struct {
	Dir string `json:"dir" yaml:"dir"`
}

// Load reads, defaults and validates a configuration file. A bare name
// resolves inside configs/; the extension picks the format.
func Load(path string) (*Config, error) {
	if !strings.ContainsAny(path, "/\\") {
		path = filepath.Join("configs", path)
	}
	if filepath.Ext(path) == "" {
		path += ".yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	switch ext := filepath.Ext(path); ext {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyDefaults fills zero fields across all sections.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "confluence-scanner"
	}
	if c.Broker.Mode == "" {
		c.Broker.Mode = ModePaper
	}
	if c.Broker.PaperBalance <= 0 {
		c.Broker.PaperBalance = 10000
	}
	if c.Broker.Category == "" {
		c.Broker.Category = "linear"
	}
	if c.Feed.QuoteMaxAge.D() <= 0 {
		c.Feed.QuoteMaxAge = Duration{30 * time.Second}
	}
	if c.Adjudicator.Mode == "" {
		c.Adjudicator.Mode = "rules"
	}
	if c.Adjudicator.Timeout.D() <= 0 {
		c.Adjudicator.Timeout = Duration{10 * time.Second}
	}
	if c.News.BlackoutBefore.D() <= 0 {
		c.News.BlackoutBefore = Duration{30 * time.Minute}
	}
	if c.News.BlackoutAfter.D() <= 0 {
		c.News.BlackoutAfter = Duration{15 * time.Minute}
	}
	if c.Monitoring.Addr == "" {
		c.Monitoring.Addr = ":9090"
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "data"
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}

	c.Risk.ApplyDefaults()
	c.Agent.ApplyDefaults()
	c.Engine.ApplyDefaults()
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch c.Broker.Mode {
	case ModePaper, ModeBybit:
	default:
		return fmt.Errorf("broker mode must be %s or %s, got %q", ModePaper, ModeBybit, c.Broker.Mode)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	seen := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		if s.Symbol == "" {
			return fmt.Errorf("symbol entries need a symbol name")
		}
		if seen[s.Symbol] {
			return fmt.Errorf("duplicate symbol %s", s.Symbol)
		}
		seen[s.Symbol] = true
	}
	switch c.Adjudicator.Mode {
	case "off", "rules", "llm":
	default:
		return fmt.Errorf("adjudicator mode must be off, rules or llm, got %q", c.Adjudicator.Mode)
	}
	if c.Adjudicator.Mode == "llm" && c.Adjudicator.Endpoint == "" {
		return fmt.Errorf("llm adjudicator requires an endpoint")
	}
	return c.Risk.Validate()
}

// Specs resolves the instrument specs, falling back to built-in defaults.
func (c *Config) Specs() ([]market.InstrumentSpec, error) {
	specs := make([]market.InstrumentSpec, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		if s.Spec != nil {
			spec := *s.Spec
			spec.Symbol = s.Symbol
			if err := spec.Validate(); err != nil {
				return nil, fmt.Errorf("spec for %s: %w", s.Symbol, err)
			}
			specs = append(specs, spec)
			continue
		}
		specs = append(specs, market.DefaultSpecFor(s.Symbol))
	}
	return specs, nil
}

// SymbolNames returns just the symbol strings, in config order.
func (c *Config) SymbolNames() []string {
	names := make([]string, len(c.Symbols))
	for i, s := range c.Symbols {
		names[i] = s.Symbol
	}
	return names
}

// NewsCalendar builds the blackout calendar, or a pass-through when disabled.
func (c *Config) NewsCalendar() risk.Blackout {
	if !c.News.Enabled {
		return news.None{}
	}
	cal := news.NewCalendar(c.News.BlackoutBefore.D(), c.News.BlackoutAfter.D())
	if c.News.AllImpacts {
		cal.IncludeAllImpacts()
	}
	return cal
}
