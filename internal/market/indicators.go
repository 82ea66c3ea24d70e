package market

import (
	"fmt"
	"math"
)

// ATR computes the Average True Range over the trailing period using Wilder
// smoothing: the first value is a simple average of true ranges, every later
// bar folds in as (prev*(period-1) + tr) / period.
func ATR(candles []Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("atr period must be positive, got %d", period)
	}
	if len(candles) < period+1 {
		return 0, fmt.Errorf("atr needs %d candles, got %d", period+1, len(candles))
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += trueRange(candles[i], candles[i-1])
	}
	atr := sum / float64(period)

	for i := period + 1; i < len(candles); i++ {
		tr := trueRange(candles[i], candles[i-1])
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr, nil
}

func trueRange(cur, prev Candle) float64 {
	hl := cur.High - cur.Low
	hc := math.Abs(cur.High - prev.Close)
	lc := math.Abs(cur.Low - prev.Close)
	return math.Max(hl, math.Max(hc, lc))
}

// EMA computes the exponential moving average of values, seeded with the
// simple average of the first period entries.
func EMA(values []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("ema period must be positive, got %d", period)
	}
	if len(values) < period {
		return 0, fmt.Errorf("ema needs %d values, got %d", period, len(values))
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	ema := sum / float64(period)

	multiplier := 2.0 / (float64(period) + 1.0)
	for i := period; i < len(values); i++ {
		ema = (values[i]-ema)*multiplier + ema
	}
	return ema, nil
}

// RSI computes the Relative Strength Index with Wilder-smoothed average
// gain/loss. Returns 50 when the series never moves.
func RSI(values []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("rsi period must be positive, got %d", period)
	}
	if len(values) < period+1 {
		return 0, fmt.Errorf("rsi needs %d values, got %d", period+1, len(values))
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, nil
		}
		return 100, nil
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), nil
}

// Pearson computes the correlation coefficient between two equally sized
// series. Returns 0 when either series has no variance.
func Pearson(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("series length mismatch: %d vs %d", len(a), len(b))
	}
	n := len(a)
	if n < 2 {
		return 0, fmt.Errorf("correlation needs at least 2 points, got %d", n)
	}

	var meanA, meanB float64
	for i := 0; i < n; i++ {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0, nil
	}
	return cov / math.Sqrt(varA*varB), nil
}
