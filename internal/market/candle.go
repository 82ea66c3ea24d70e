package market

import (
	"fmt"
	"time"
)

// Timeframe identifies a bar aggregation period.
type Timeframe string

const (
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeM30 Timeframe = "M30"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
	TimeframeD1  Timeframe = "D1"
)

// Minutes returns the bar length in minutes, or 0 for an unknown timeframe.
func (tf Timeframe) Minutes() int {
	switch tf {
	case TimeframeM5:
		return 5
	case TimeframeM15:
		return 15
	case TimeframeM30:
		return 30
	case TimeframeH1:
		return 60
	case TimeframeH4:
		return 240
	case TimeframeD1:
		return 1440
	}
	return 0
}

// Duration returns the bar length as a time.Duration.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf.Minutes()) * time.Minute
}

// Candle is a single OHLCV bar.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Quote is the current top-of-book snapshot for a symbol.
type Quote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"last"`
	Time   time.Time `json:"time"`
}

// Spread returns the ask-bid distance in price units.
func (q Quote) Spread() float64 {
	return q.Ask - q.Bid
}

// Mid returns the bid/ask midpoint, falling back to Last when the book is empty.
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// Closes extracts the close series from a slice of candles.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// ValidateCandles rejects series that are empty or not strictly time-ordered.
func ValidateCandles(candles []Candle) error {
	if len(candles) == 0 {
		return fmt.Errorf("empty candle series")
	}
	for i := 1; i < len(candles); i++ {
		if !candles[i].Timestamp.After(candles[i-1].Timestamp) {
			return fmt.Errorf("candle series not strictly ordered at index %d", i)
		}
	}
	return nil
}

// Returns computes simple bar-to-bar returns of the close series.
// The result has len(candles)-1 entries.
func Returns(candles []Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}
	out := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (candles[i].Close-prev)/prev)
	}
	return out
}
