package adjudicator

import (
	"context"
	"fmt"

	"github.com/ptdat-quant/confluence-bot/internal/broker"
	"github.com/ptdat-quant/confluence-bot/internal/signal"
)

// Rules is the deterministic reviewer: it confirms a candidate when the score,
// the model probability and the regime all lean the same way, and holds
// otherwise. Confidence is derived from the score so the decision threshold
// behaves the same as with an external reviewer.
type Rules struct {
	MinScore       float64 // below this the verdict is always hold
	MinProbability float64
}

// NewRules creates a reviewer with the given floors.
func NewRules(minScore, minProbability float64) *Rules {
	if minScore <= 0 {
		minScore = 3.5
	}
	if minProbability <= 0 {
		minProbability = 0.55
	}
	return &Rules{MinScore: minScore, MinProbability: minProbability}
}

// Adjudicate implements Adjudicator. It never fails.
func (r *Rules) Adjudicate(_ context.Context, s Summary) (*Verdict, error) {
	confirm := ActionBuy
	if s.Direction == broker.DirectionShort {
		confirm = ActionSell
	}

	if s.Score < r.MinScore {
		return &Verdict{
			Action:     ActionHold,
			Confidence: ScoreConfidence(s.Score),
			Reason:     fmt.Sprintf("score %.2f below floor %.2f", s.Score, r.MinScore),
		}, nil
	}
	if s.MLProbability < r.MinProbability {
		return &Verdict{
			Action:     ActionHold,
			Confidence: ScoreConfidence(s.Score),
			Reason:     fmt.Sprintf("probability %.2f below floor %.2f", s.MLProbability, r.MinProbability),
		}, nil
	}
	if regimeOpposes(s) {
		return &Verdict{
			Action:     ActionHold,
			Confidence: ScoreConfidence(s.Score),
			Reason:     fmt.Sprintf("regime %s opposes %s", s.Regime, s.Direction),
		}, nil
	}

	return &Verdict{
		Action:     confirm,
		Confidence: ScoreConfidence(s.Score),
		Reason:     fmt.Sprintf("score %.2f, probability %.2f, regime %s", s.Score, s.MLProbability, s.Regime),
	}, nil
}

func regimeOpposes(s Summary) bool {
	switch s.Regime {
	case signal.RegimeStrongBearish.String():
		return s.Direction == broker.DirectionLong
	case signal.RegimeStrongBullish.String():
		return s.Direction == broker.DirectionShort
	}
	return false
}

// ScoreConfidence maps a confluence score onto [0,1]. Shared with the
// orchestrator's fallback path when the reviewer is unavailable.
func ScoreConfidence(score float64) float64 {
	c := score / signal.ScoreMax
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
