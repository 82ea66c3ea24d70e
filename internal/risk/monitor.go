package risk

import (
	"fmt"

	"github.com/ptdat-quant/confluence-bot/internal/broker"
	"github.com/ptdat-quant/confluence-bot/internal/market"
)

// ActionType identifies a monitoring action.
type ActionType string

const (
	ActionModifyStop   ActionType = "modify_stop"
	ActionPartialClose ActionType = "partial_close"
)

// Action is one position-management instruction. The agent applies it through
// the execution collaborator; the Authority never talks to the broker itself.
type Action struct {
	Type     ActionType
	Ticket   string
	Symbol   string
	StopLoss float64 // for ActionModifyStop
	Fraction float64 // for ActionPartialClose
	Reason   string
}

// ticketFlags are the one-time monitoring flags, keyed by broker ticket.
// Cleared when the ticket disappears from the open-position snapshot.
type ticketFlags struct {
	symbol           string
	movedToBreakeven bool
	partiallyClosed  bool
}

// MonitorPositions evaluates break-even, partial-close and trailing-stop
// rules for every open position of a symbol. Re-invoking with unchanged
// inputs is a no-op for break-even and partial close (one-time flags) and for
// trailing unless the new stop improves by more than the minimum step.
func (a *Authority) MonitorPositions(symbol string, positions []broker.Position, quote *market.Quote, atr float64) []Action {
	a.mu.Lock()
	defer a.mu.Unlock()

	spec := a.specLocked(symbol)
	a.clearStaleFlagsLocked(symbol, positions)

	if quote == nil {
		return nil
	}

	var actions []Action
	for _, pos := range positions {
		flags := a.flagsLocked(pos.Ticket, symbol)
		mark := markPrice(pos.Direction, quote)
		profit := pos.UnrealizedAt(mark) // price units per unit volume

		if act, ok := a.breakEven(spec, quote, pos, flags, profit); ok {
			actions = append(actions, act)
			// Later rules must measure against the stop just emitted, or a
			// same-call trail could drag the stop back under entry.
			pos.StopLoss = act.StopLoss
		}
		if act, ok := a.partialClose(spec, pos, flags, profit); ok {
			actions = append(actions, act)
		}
		if act, ok := a.trail(spec, pos, mark, atr, profit); ok {
			actions = append(actions, act)
		}
	}
	return actions
}

// breakEven emits the one-time stop move to entry plus a small buffer once
// profit covers a multiple of the round-trip cost. Caller holds the lock.
func (a *Authority) breakEven(spec market.InstrumentSpec, quote *market.Quote, pos broker.Position, flags *ticketFlags, profit float64) (Action, bool) {
	if flags.movedToBreakeven {
		return Action{}, false
	}
	cost := roundTripCost(spec, quote)
	if cost <= 0 || profit < a.cfg.Monitor.BreakEvenCostMultiple*cost {
		return Action{}, false
	}

	buffer := a.cfg.Monitor.BreakEvenBufferTicks * spec.TickSize
	newStop := pos.EntryPrice + pos.Direction.Sign()*buffer

	// Never move a stop backward: skip if the existing stop already sits at
	// or past break-even.
	if pos.StopLoss > 0 && !stopImproves(pos.Direction, pos.StopLoss, newStop, 0) {
		flags.movedToBreakeven = true
		return Action{}, false
	}

	flags.movedToBreakeven = true
	return Action{
		Type:     ActionModifyStop,
		Ticket:   pos.Ticket,
		Symbol:   pos.Symbol,
		StopLoss: newStop,
		Reason:   "break_even",
	}, true
}

// partialClose emits the one-time partial once profit reaches the configured
// fraction of the distance to take-profit. Caller holds the lock.
func (a *Authority) partialClose(spec market.InstrumentSpec, pos broker.Position, flags *ticketFlags, profit float64) (Action, bool) {
	if flags.partiallyClosed || pos.TakeProfit <= 0 {
		return Action{}, false
	}
	tpDistance := absFloat(pos.TakeProfit - pos.EntryPrice)
	if tpDistance <= 0 || profit < a.cfg.Monitor.PartialTrigger*tpDistance {
		return Action{}, false
	}

	// A remainder below the minimum lot would be rejected by the broker
	// every cycle; mark the flag and let the full size trail instead.
	remainder := pos.Volume * (1 - a.cfg.Monitor.PartialFraction)
	if remainder < spec.MinLot {
		flags.partiallyClosed = true
		return Action{}, false
	}

	flags.partiallyClosed = true
	return Action{
		Type:     ActionPartialClose,
		Ticket:   pos.Ticket,
		Symbol:   pos.Symbol,
		Fraction: a.cfg.Monitor.PartialFraction,
		Reason:   fmt.Sprintf("profit beyond %.0f%% of target", a.cfg.Monitor.PartialTrigger*100),
	}, true
}

// trail emits a stop tighten when profit has cleared the activation threshold
// and the candidate stop improves on the current one by more than the minimum
// step. Caller holds the lock.
func (a *Authority) trail(spec market.InstrumentSpec, pos broker.Position, mark, atr, profit float64) (Action, bool) {
	if atr <= 0 || profit < a.cfg.Monitor.TrailActivationATR*atr {
		return Action{}, false
	}

	distance := atr * a.cfg.Monitor.TrailATRMultiplier
	if a.cfg.Monitor.TrailMode == "percent" {
		distance = mark * a.cfg.Monitor.TrailPercent
	}
	newStop := mark - pos.Direction.Sign()*distance

	minStep := a.cfg.Monitor.TrailMinStepTicks * spec.TickSize
	if pos.StopLoss > 0 && !stopImproves(pos.Direction, pos.StopLoss, newStop, minStep) {
		return Action{}, false
	}
	if pos.StopLoss <= 0 {
		// First stop for the ticket: still require it on the protective side.
		if (pos.Direction == broker.DirectionLong && newStop >= mark) ||
			(pos.Direction == broker.DirectionShort && newStop <= mark) {
			return Action{}, false
		}
	}

	return Action{
		Type:     ActionModifyStop,
		Ticket:   pos.Ticket,
		Symbol:   pos.Symbol,
		StopLoss: newStop,
		Reason:   "trailing_stop",
	}, true
}

// stopImproves reports whether candidate is strictly more protective than
// current by more than step, in the position's direction.
func stopImproves(d broker.Direction, current, candidate, step float64) bool {
	if d == broker.DirectionLong {
		return candidate > current+step
	}
	return candidate < current-step
}

// flagsLocked returns the ticket's flag record, creating it on first sight.
// Caller holds the write lock.
func (a *Authority) flagsLocked(ticket, symbol string) *ticketFlags {
	f, ok := a.flags[ticket]
	if !ok {
		f = &ticketFlags{symbol: symbol}
		a.flags[ticket] = f
	}
	return f
}

// clearStaleFlagsLocked drops flags for tickets of this symbol that are no
// longer open. Caller holds the write lock.
func (a *Authority) clearStaleFlagsLocked(symbol string, positions []broker.Position) {
	seen := make(map[string]bool, len(positions))
	for _, pos := range positions {
		seen[pos.Ticket] = true
	}
	for ticket, f := range a.flags {
		if f.symbol == symbol && !seen[ticket] {
			delete(a.flags, ticket)
		}
	}
}

// markPrice is the exit-side price a position would realize at right now.
func markPrice(d broker.Direction, q *market.Quote) float64 {
	if d == broker.DirectionLong {
		if q.Bid > 0 {
			return q.Bid
		}
	} else if q.Ask > 0 {
		return q.Ask
	}
	return q.Mid()
}
