package risk

import (
	"math"
	"time"
)

// TradeOutcome is one realized trade result fed into the rolling window.
type TradeOutcome struct {
	Profit   float64
	ClosedAt time.Time
}

// statsWindowCap bounds the retained outcome history per symbol. It must be
// at least as large as the kill-switch window and both mandate samples.
const statsWindowCap = 100

// symbolStats is the per-symbol slice of SymbolRiskState. Owned by the
// Authority; all access happens under its lock.
type symbolStats struct {
	day               string
	dailyTrades       int
	lastTradeAt       time.Time
	consecutiveLosses int

	window []TradeOutcome // oldest first

	killSwitch     bool
	killSwitchAt   time.Time
	recoveryTrades int // non-losing closes since activation
}

func (s *symbolStats) record(o TradeOutcome) {
	s.window = append(s.window, o)
	if len(s.window) > statsWindowCap {
		s.window = s.window[len(s.window)-statsWindowCap:]
	}
	if o.Profit < 0 {
		s.consecutiveLosses++
	} else {
		s.consecutiveLosses = 0
		if s.killSwitch {
			s.recoveryTrades++
		}
	}
}

// rollingPnL sums realized profit over the last n outcomes.
func (s *symbolStats) rollingPnL(n int) float64 {
	start := len(s.window) - n
	if start < 0 {
		start = 0
	}
	sum := 0.0
	for _, o := range s.window[start:] {
		sum += o.Profit
	}
	return sum
}

// payoff returns (avg win / avg loss, sample size). With wins and no losses
// the ratio is unbounded, reported as +Inf so it clears any floor; all losses
// report 0.
func (s *symbolStats) payoff() (float64, int) {
	var winSum, lossSum float64
	var wins, losses int
	for _, o := range s.window {
		if o.Profit > 0 {
			winSum += o.Profit
			wins++
		} else if o.Profit < 0 {
			lossSum -= o.Profit
			losses++
		}
	}
	sample := wins + losses
	if wins == 0 {
		return 0, sample
	}
	if losses == 0 {
		return math.Inf(1), sample
	}
	return (winSum / float64(wins)) / (lossSum / float64(losses)), sample
}

// kellyInputs returns win rate, average win and average loss magnitudes and
// the sample size the estimates rest on.
func (s *symbolStats) kellyInputs() (winRate, avgWin, avgLoss float64, sample int) {
	var winSum, lossSum float64
	var wins, losses int
	for _, o := range s.window {
		if o.Profit > 0 {
			winSum += o.Profit
			wins++
		} else if o.Profit < 0 {
			lossSum -= o.Profit
			losses++
		}
	}
	sample = wins + losses
	if sample == 0 {
		return 0, 0, 0, 0
	}
	winRate = float64(wins) / float64(sample)
	if wins > 0 {
		avgWin = winSum / float64(wins)
	}
	if losses > 0 {
		avgLoss = lossSum / float64(losses)
	}
	return winRate, avgWin, avgLoss, sample
}

// updateKillSwitch applies the hysteresis rules after an outcome has been
// recorded. Returns true when the switch just activated.
func (s *symbolStats) updateKillSwitch(cfg KillSwitchConfig) bool {
	loss := s.rollingPnL(cfg.Window)

	if !s.killSwitch {
		if loss <= -cfg.LossThreshold {
			s.killSwitch = true
			s.killSwitchAt = time.Now().UTC()
			s.recoveryTrades = 0
			return true
		}
		return false
	}

	// Release needs both recovery trades and the rolling loss back inside
	// the release band. One good trade alone never re-enables the symbol.
	if s.recoveryTrades >= cfg.RecoveryTrades && loss > -cfg.LossThreshold*cfg.ReleaseRatio {
		s.killSwitch = false
		s.recoveryTrades = 0
	}
	return false
}

// resetDaily clears the daily counter when the UTC day changed.
func (s *symbolStats) resetDaily(day string) {
	if s.day != day {
		s.day = day
		s.dailyTrades = 0
	}
}
