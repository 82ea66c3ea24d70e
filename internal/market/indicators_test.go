package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func makeCandles(n int, start float64, step float64) []Candle {
	candles := make([]Candle, n)
	base := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		close := start + step*float64(i)
		candles[i] = Candle{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      close - step/2,
			High:      close + 1.0,
			Low:       close - 1.0,
			Close:     close,
			Volume:    1000,
		}
	}
	return candles
}

func TestATR_Calculate(t *testing.T) {
	candles := makeCandles(30, 100, 0.5)

	atr, err := ATR(candles, 14)
	assert.NoError(t, err)
	assert.Greater(t, atr, 0.0)

	// With a constant high-low range of 2.0 and small drift, ATR settles near 2.
	assert.InDelta(t, 2.0, atr, 0.6)
}

func TestATR_InsufficientData(t *testing.T) {
	candles := makeCandles(10, 100, 0.5)

	_, err := ATR(candles, 14)
	assert.Error(t, err)
}

func TestEMA_ConstantSeries(t *testing.T) {
	values := make([]float64, 50)
	for i := range values {
		values[i] = 42.0
	}

	ema, err := EMA(values, 20)
	assert.NoError(t, err)
	assert.InDelta(t, 42.0, ema, 1e-9)
}

func TestRSI_Bounds(t *testing.T) {
	rising := make([]float64, 30)
	falling := make([]float64, 30)
	for i := 0; i < 30; i++ {
		rising[i] = 100 + float64(i)
		falling[i] = 100 - float64(i)
	}

	up, err := RSI(rising, 14)
	assert.NoError(t, err)
	assert.Equal(t, 100.0, up)

	down, err := RSI(falling, 14)
	assert.NoError(t, err)
	assert.InDelta(t, 0.0, down, 1e-9)
}

func TestPearson_PerfectCorrelation(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5}
	b := []float64{2, 4, 6, 8, 10}

	r, err := Pearson(a, b)
	assert.NoError(t, err)
	assert.InDelta(t, 1.0, r, 1e-9)

	inv := []float64{10, 8, 6, 4, 2}
	r, err = Pearson(a, inv)
	assert.NoError(t, err)
	assert.InDelta(t, -1.0, r, 1e-9)
}

func TestPearson_LengthMismatch(t *testing.T) {
	_, err := Pearson([]float64{1, 2}, []float64{1, 2, 3})
	assert.Error(t, err)
}

func TestSessionWindow_Contains(t *testing.T) {
	// Plain daytime window.
	w := SessionWindow{OpenHour: 8, CloseHour: 17}
	assert.True(t, w.Contains(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)))
	assert.False(t, w.Contains(time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC)))

	// Window wrapping midnight.
	overnight := SessionWindow{OpenHour: 22, CloseHour: 6}
	assert.True(t, overnight.Contains(time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC)))
	assert.True(t, overnight.Contains(time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC)))
	assert.False(t, overnight.Contains(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)))

	// Weekday restriction.
	weekdaysOnly := SessionWindow{Weekdays: []time.Weekday{time.Monday, time.Tuesday}}
	assert.True(t, weekdaysOnly.Contains(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)))  // Monday
	assert.False(t, weekdaysOnly.Contains(time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC))) // Saturday

	// Zero window is always open.
	assert.True(t, SessionWindow{}.Contains(time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)))
}

func TestInstrumentSpec_RiskPerLot(t *testing.T) {
	spec := InstrumentSpec{
		Symbol:    "BTCUSDT",
		TickSize:  0.1,
		TickValue: 0.1,
		LotStep:   0.001,
		MinLot:    0.001,
		MaxLot:    100,
	}

	// 500 price units of stop distance = 5000 ticks * 0.1 per tick.
	assert.InDelta(t, 500.0, spec.RiskPerLot(500), 1e-9)
}

func TestValidateCandles(t *testing.T) {
	candles := makeCandles(5, 100, 1)
	assert.NoError(t, ValidateCandles(candles))

	assert.Error(t, ValidateCandles(nil))

	candles[3].Timestamp = candles[2].Timestamp
	assert.Error(t, ValidateCandles(candles))
}
