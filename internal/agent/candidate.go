package agent

import (
	"time"

	"github.com/ptdat-quant/confluence-bot/internal/broker"
)

// Candidate is a fully-formed trade proposal. It is created fresh each cycle,
// consumed once by the orchestrator, and never carried across cycles.
type Candidate struct {
	Symbol        string
	Direction     broker.Direction
	Score         float64 // confluence score, 0..6
	MLProbability float64 // 0..1
	EnsembleScore float64 // 0..1, score and probability blended for ranking ties
	Entry         float64
	StopLoss      float64
	TakeProfit    float64
	EntryType     broker.EntryType
	Details       map[string]any
	CreatedAt     time.Time
}

// Blocked reasons an agent can return from Scan. The risk gates have their own
// reason strings; these cover the agent's local gates.
const (
	ReasonPaused         = "paused"
	ReasonLowScore       = "low_score"
	ReasonLowProbability = "low_probability"
	ReasonRegimeConflict = "regime_conflict"
	ReasonLowVolatility  = "low_volatility"
	ReasonRiskReward     = "risk_reward"
	ReasonError          = "error"
)

// ScanResult is one agent's contribution to a cycle: either a candidate or the
// first gate that blocked it.
type ScanResult struct {
	Symbol    string
	Candidate *Candidate
	Reason    string
}

// Blocked reports whether the scan produced no candidate.
func (r ScanResult) Blocked() bool { return r.Candidate == nil }
