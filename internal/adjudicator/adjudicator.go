// Package adjudicator provides the optional second-opinion layer: the
// top-ranked candidate of a cycle is summarized and reviewed before execution.
// Two implementations exist: an HTTP client for an LLM gateway and a
// deterministic rules reviewer used when no endpoint is configured.
package adjudicator

import (
	"context"

	"github.com/ptdat-quant/confluence-bot/internal/broker"
)

// Action is the reviewer's recommendation.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Agrees reports whether the action confirms the candidate's direction.
func (a Action) Agrees(d broker.Direction) bool {
	switch a {
	case ActionBuy:
		return d == broker.DirectionLong
	case ActionSell:
		return d == broker.DirectionShort
	}
	return false
}

// Summary is the candidate digest sent for review. It carries everything the
// reviewer may weigh but nothing it could use to mutate engine state.
type Summary struct {
	Symbol        string             `json:"symbol"`
	Direction     broker.Direction   `json:"direction"`
	Score         float64            `json:"score"`
	MLProbability float64            `json:"ml_probability"`
	AISignal      float64            `json:"ai_signal"`
	Regime        string             `json:"regime"`
	Entry         float64            `json:"entry"`
	StopLoss      float64            `json:"stop_loss"`
	TakeProfit    float64            `json:"take_profit"`
	Components    map[string]float64 `json:"components,omitempty"`
}

// Verdict is the review outcome.
type Verdict struct {
	Action     Action  `json:"action"`
	Confidence float64 `json:"confidence"` // [0,1]
	Reason     string  `json:"reason"`
}

// Adjudicator reviews one candidate summary. An error means the reviewer is
// unavailable; callers fall back to score-derived confidence, never retry
// within the same cycle.
type Adjudicator interface {
	Adjudicate(ctx context.Context, s Summary) (*Verdict, error)
}
