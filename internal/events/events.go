// Package events carries the engine's observable lifecycle: cycle progress,
// adjudication outcomes, executions, position updates and safety trips.
// Everything here is fire-and-forget; the trading core never blocks on an
// observer.
package events

import (
	"time"

	"github.com/ptdat-quant/confluence-bot/internal/broker"
)

// Type discriminates Event payloads on the wire.
type Type string

const (
	TypeCycleStarted         Type = "cycle_started"
	TypeCycleSummary         Type = "cycle_summary"
	TypeCandidateAdjudicated Type = "candidate_adjudicated"
	TypeTradeExecuted        Type = "trade_executed"
	TypePositionUpdate       Type = "position_update"
	TypeKillSwitchActivated  Type = "kill_switch_activated"
	TypeFatal                Type = "fatal"
	TypeSessionRestored      Type = "session_restored"
)

// Event is the envelope observers receive.
type Event struct {
	Type    Type      `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// CycleStarted opens a cycle.
type CycleStarted struct {
	Count int `json:"count"`
}

// SymbolStatus is one symbol's outcome within a cycle: a blocked-gate reason,
// "candidate", "executed" or "error".
type SymbolStatus struct {
	Symbol string  `json:"symbol"`
	Status string  `json:"status"`
	Score  float64 `json:"score,omitempty"`
}

// CycleSummary closes a cycle.
type CycleSummary struct {
	Count    int            `json:"count"`
	Duration time.Duration  `json:"duration"`
	Symbols  []SymbolStatus `json:"symbols"`
}

// CandidateAdjudicated reports the adjudicator's verdict on the top candidate.
type CandidateAdjudicated struct {
	Symbol     string  `json:"symbol"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
	Fallback   bool    `json:"fallback"` // score-derived confidence, adjudicator unavailable
}

// TradeExecuted reports a filled order.
type TradeExecuted struct {
	Symbol     string           `json:"symbol"`
	Direction  broker.Direction `json:"direction"`
	Ticket     string           `json:"ticket"`
	Volume     float64          `json:"volume"`
	Entry      float64          `json:"entry"`
	StopLoss   float64          `json:"stop_loss"`
	TakeProfit float64          `json:"take_profit"`
	Score      float64          `json:"score"`
}

// PositionUpdate mirrors the open-position snapshot after management ran.
type PositionUpdate struct {
	Positions []broker.Position `json:"positions"`
}

// KillSwitchActivated fires when a symbol's rolling losses trip its switch.
type KillSwitchActivated struct {
	Symbol     string  `json:"symbol"`
	RecentLoss float64 `json:"recent_loss"`
}

// Fatal reports a lost execution session: new orders halt, monitoring
// continues.
type Fatal struct {
	Reason string `json:"reason"`
}

// SessionRestored reports a successful reconnect after a Fatal.
type SessionRestored struct {
	Cycle int `json:"cycle"`
}
