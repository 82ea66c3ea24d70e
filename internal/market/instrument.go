package market

import (
	"fmt"
	"strings"
	"time"
)

// AssetClass groups instruments that share session, spread and volatility profiles.
type AssetClass string

const (
	AssetClassCrypto AssetClass = "crypto"
	AssetClassForex  AssetClass = "forex"
	AssetClassIndex  AssetClass = "index"
	AssetClassMetal  AssetClass = "metal"
)

// SessionWindow is a trading window in UTC wall-clock hours.
// A zero window (Open == Close == 0 and no weekday restriction) means always open.
type SessionWindow struct {
	OpenHour  int            `json:"open_hour" yaml:"open_hour"`
	CloseHour int            `json:"close_hour" yaml:"close_hour"`
	Weekdays  []time.Weekday `json:"weekdays,omitempty" yaml:"weekdays,omitempty"`
}

// Contains reports whether t (interpreted in UTC) falls inside the window.
// Windows may wrap midnight (e.g. Open=22, Close=6).
func (w SessionWindow) Contains(t time.Time) bool {
	t = t.UTC()
	if len(w.Weekdays) > 0 {
		ok := false
		for _, d := range w.Weekdays {
			if t.Weekday() == d {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if w.OpenHour == 0 && w.CloseHour == 0 {
		return true
	}
	h := t.Hour()
	if w.OpenHour <= w.CloseHour {
		return h >= w.OpenHour && h < w.CloseHour
	}
	// wraps midnight
	return h >= w.OpenHour || h < w.CloseHour
}

// InstrumentSpec carries the contract details needed for sizing and gating.
type InstrumentSpec struct {
	Symbol       string     `json:"symbol" yaml:"symbol"`
	AssetClass   AssetClass `json:"asset_class" yaml:"asset_class"`
	TickSize     float64    `json:"tick_size" yaml:"tick_size"`
	TickValue    float64    `json:"tick_value" yaml:"tick_value"` // account currency per tick per 1.0 lot
	LotStep      float64    `json:"lot_step" yaml:"lot_step"`
	MinLot       float64    `json:"min_lot" yaml:"min_lot"`
	MaxLot       float64    `json:"max_lot" yaml:"max_lot"`
	ContractSize float64    `json:"contract_size" yaml:"contract_size"`

	// MaxSpread is the widest tolerable spread in price units for this instrument.
	// Zero falls back to the asset-class ceiling.
	MaxSpread float64 `json:"max_spread,omitempty" yaml:"max_spread,omitempty"`

	// CommissionPerLot is the round-trip commission in account currency per 1.0 lot.
	CommissionPerLot float64 `json:"commission_per_lot,omitempty" yaml:"commission_per_lot,omitempty"`

	Session SessionWindow `json:"session,omitempty" yaml:"session,omitempty"`
}

// Validate checks the fields sizing arithmetic divides by.
func (s InstrumentSpec) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("instrument symbol is required")
	}
	if s.TickSize <= 0 {
		return fmt.Errorf("%s: tick_size must be positive", s.Symbol)
	}
	if s.TickValue <= 0 {
		return fmt.Errorf("%s: tick_value must be positive", s.Symbol)
	}
	if s.LotStep <= 0 {
		return fmt.Errorf("%s: lot_step must be positive", s.Symbol)
	}
	if s.MinLot <= 0 || s.MaxLot < s.MinLot {
		return fmt.Errorf("%s: invalid lot bounds [%v, %v]", s.Symbol, s.MinLot, s.MaxLot)
	}
	return nil
}

// RiskPerLot converts a stop distance in price units to account-currency risk
// for one full lot of this instrument.
func (s InstrumentSpec) RiskPerLot(stopDistance float64) float64 {
	if s.TickSize <= 0 {
		return 0
	}
	return stopDistance / s.TickSize * s.TickValue
}

// DefaultSpecFor builds a reasonable linear-perp spec for symbols without an
// explicit config entry. Crypto pairs on the USDT perp book share these bounds.
func DefaultSpecFor(symbol string) InstrumentSpec {
	spec := InstrumentSpec{
		Symbol:       symbol,
		AssetClass:   AssetClassCrypto,
		TickSize:     0.01,
		TickValue:    0.01,
		LotStep:      0.001,
		MinLot:       0.001,
		MaxLot:       100,
		ContractSize: 1,
	}
	if strings.HasSuffix(symbol, "USDT") {
		spec.CommissionPerLot = 0
	}
	return spec
}
