package risk

import (
	"math"
)

// CalculatePositionSize converts a stop distance and a confluence score into
// an order volume. With enough closed-trade history the risk fraction comes
// from a damped Kelly estimate; otherwise the score-tier table applies. The
// fraction is always clamped to the per-trade ceiling, the monetary risk to
// any tail-risk cap for the symbol, and the volume to the instrument's lot
// bounds after flooring to the lot step.
//
// The returned volume never risks more than balance times MaxRiskPercent.
func (a *Authority) CalculatePositionSize(symbol string, balance, stopDistance, score float64) float64 {
	if balance <= 0 || stopDistance <= 0 {
		return 0
	}

	a.mu.RLock()
	spec := a.specLocked(symbol)
	riskPct, source := a.riskFractionLocked(symbol, score)
	a.mu.RUnlock()

	if riskPct > a.cfg.MaxRiskPercent {
		riskPct = a.cfg.MaxRiskPercent
	}

	riskMoney := balance * riskPct
	if tailCap, ok := a.cfg.TailRisk[symbol]; ok && riskMoney > tailCap {
		riskMoney = tailCap
	}

	perLot := spec.RiskPerLot(stopDistance)
	if perLot <= 0 {
		return 0
	}

	volume := riskMoney / perLot
	volume = floorToStep(volume, spec.LotStep)
	if volume < spec.MinLot {
		return 0
	}
	if volume > spec.MaxLot {
		volume = spec.MaxLot
	}

	// Clamp-and-log, never abort: flooring can only shrink risk, but the
	// max-lot clamp plus a tight stop could still overshoot on odd specs.
	if volume*perLot > balance*a.cfg.MaxRiskPercent {
		volume = floorToStep(balance*a.cfg.MaxRiskPercent/perLot, spec.LotStep)
		if a.log != nil {
			a.log.Risk("position size for %s clamped to risk ceiling (%s sizing)", symbol, source)
		}
		if volume < spec.MinLot {
			return 0
		}
	}

	return volume
}

// riskFractionLocked picks the Kelly fraction or the tier fallback. Caller
// holds at least the read lock.
func (a *Authority) riskFractionLocked(symbol string, score float64) (float64, string) {
	if st := a.symbols[symbol]; st != nil {
		winRate, avgWin, avgLoss, sample := st.kellyInputs()
		if sample >= a.cfg.Kelly.MinSample && avgWin > 0 && avgLoss > 0 {
			kelly := (winRate*avgWin - (1-winRate)*avgLoss) / avgWin
			if kelly > 0 {
				fraction := kelly * a.cfg.Kelly.MaxFraction
				if fraction > a.cfg.MaxRiskPercent {
					fraction = a.cfg.MaxRiskPercent
				}
				return fraction, "kelly"
			}
			// Negative edge: trade the smallest tier, not zero, so the
			// window can refresh after a losing streak ends.
		}
	}

	return a.tierFraction(score), "tier"
}

func (a *Authority) tierFraction(score float64) float64 {
	best := 0.0
	bestScore := math.Inf(-1)
	for _, tier := range a.cfg.Tiers {
		if score >= tier.MinScore && tier.MinScore > bestScore {
			best = tier.RiskPercent
			bestScore = tier.MinScore
		}
	}
	return best
}

// floorToStep floors v to a multiple of step, with a small epsilon so exact
// multiples survive floating-point division (50/0.001 can land below 50000).
func floorToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	return math.Floor(v/step+1e-9) * step
}
