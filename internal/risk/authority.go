// Package risk implements the Authority: the single arbiter of whether a
// signal may become an order, how large the order may be, and how an open
// position evolves. All shared risk state lives here behind one lock; agents
// and the orchestrator hold a handle and never mutate counters themselves.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ptdat-quant/confluence-bot/internal/broker"
	"github.com/ptdat-quant/confluence-bot/internal/logger"
	"github.com/ptdat-quant/confluence-bot/internal/market"
)

// Gate failure reasons, in the order PreScanCheck evaluates them. The order is
// part of the contract: callers log and alert on the first failure only.
const (
	ReasonCircuitBreaker = "circuit_breaker"
	ReasonDailyLimit     = "daily_limit"
	ReasonKillSwitch     = "kill_switch"
	ReasonPayoffMandate  = "payoff_mandate"
	ReasonSpread         = "spread"
	ReasonNews           = "news"
	ReasonSession        = "session"

	ReasonMaxPositions = "max_positions"
	ReasonRiskCeiling  = "risk_ceiling"
	ReasonCorrelation  = "correlation_conflict"
	ReasonNetProfit    = "net_profit"
	ReasonRiskReward   = "risk_reward"
)

// Decision is the structured outcome of a gate check. Blocked is expected
// behavior, not an error.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func block(reason string) Decision { return Decision{Reason: reason} }

// Quotes supplies the current quote for the spread gate and the monitor.
type Quotes interface {
	Quote(ctx context.Context, symbol string) (*market.Quote, error)
}

// Blackout answers news blackout queries.
type Blackout interface {
	IsBlackout(symbol string, now time.Time) bool
}

// ExecRequest carries everything ExecutionCheck needs to re-validate a
// candidate against current account state.
type ExecRequest struct {
	Symbol     string
	Direction  broker.Direction
	Entry      float64
	StopLoss   float64
	TakeProfit float64
	Balance    float64
	Open       []broker.Position
}

// Authority owns SymbolRiskState and GlobalRiskState. Reads take the shared
// lock, every mutation the exclusive one; no caller bypasses this API.
type Authority struct {
	cfg      Config
	quotes   Quotes
	blackout Blackout
	store    *Store // nil disables persistence
	log      *logger.Logger
	now      func() time.Time

	corr *correlationBook

	mu          sync.RWMutex
	day         string
	dailyTrades int
	circuitOpen bool
	symbols     map[string]*symbolStats
	specs       map[string]market.InstrumentSpec
	flags       map[string]*ticketFlags

	onKillSwitch func(symbol string, recentLoss float64)
}

// NewAuthority builds the Authority and restores persisted state when a store
// is given.
func NewAuthority(cfg Config, specs []market.InstrumentSpec, quotes Quotes, blackout Blackout, store *Store, log *logger.Logger) (*Authority, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Authority{
		cfg:      cfg,
		quotes:   quotes,
		blackout: blackout,
		store:    store,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		corr:     newCorrelationBook(cfg.Correlation),
		symbols:  make(map[string]*symbolStats),
		specs:    make(map[string]market.InstrumentSpec, len(specs)),
		flags:    make(map[string]*ticketFlags),
	}
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		a.specs[spec.Symbol] = spec
	}
	a.day = dayOf(a.now())

	if store != nil {
		if err := a.restore(); err != nil {
			return nil, fmt.Errorf("restore risk state: %w", err)
		}
	}
	return a, nil
}

func (a *Authority) restore() error {
	restored, err := a.store.loadSymbols(statsWindowCap)
	if err != nil {
		return err
	}
	global, err := a.store.LoadDailyCount(globalScope, a.day)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.dailyTrades = global
	for symbol, st := range restored {
		trades, err := a.store.LoadDailyCount(symbol, a.day)
		if err != nil {
			return err
		}
		st.day = a.day
		st.dailyTrades = trades
		a.symbols[symbol] = st
	}
	return nil
}

// SetClock overrides the time source. Tests only.
func (a *Authority) SetClock(now func() time.Time) {
	a.mu.Lock()
	a.now = now
	a.mu.Unlock()
}

// SetKillSwitchHandler registers a callback fired when a symbol's kill switch
// activates. Invoked outside the lock.
func (a *Authority) SetKillSwitchHandler(fn func(symbol string, recentLoss float64)) {
	a.mu.Lock()
	a.onKillSwitch = fn
	a.mu.Unlock()
}

// SetCircuitBreaker opens or closes the global circuit breaker. The
// orchestrator opens it when the execution session is lost.
func (a *Authority) SetCircuitBreaker(open bool) {
	a.mu.Lock()
	changed := a.circuitOpen != open
	a.circuitOpen = open
	a.mu.Unlock()

	if changed && a.log != nil {
		if open {
			a.log.Risk("global circuit breaker opened")
		} else {
			a.log.Risk("global circuit breaker closed")
		}
	}
}

// CircuitBreakerOpen reports the breaker state.
func (a *Authority) CircuitBreakerOpen() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.circuitOpen
}

// UpdateReturns feeds a symbol's recent return series into the live
// correlation estimate. Agents call this after every data fetch.
func (a *Authority) UpdateReturns(symbol string, returns []float64) {
	a.corr.update(symbol, returns)
}

// PreScanCheck is the cheap admission gate run before any data fetch.
// Checks short-circuit in documented order: circuit breaker, daily limits
// (global then per symbol), kill switch, payoff mandate, spread, news
// blackout, session window.
func (a *Authority) PreScanCheck(ctx context.Context, symbol string) Decision {
	now := a.clock()
	a.rollDay(now)

	a.mu.RLock()
	if a.circuitOpen {
		a.mu.RUnlock()
		return block(ReasonCircuitBreaker)
	}
	if a.dailyTrades >= a.cfg.MaxDailyTrades {
		a.mu.RUnlock()
		return block(ReasonDailyLimit)
	}
	st := a.symbols[symbol]
	if st != nil {
		if st.dailyTrades >= a.cfg.MaxDailyTradesPerSymbol {
			a.mu.RUnlock()
			return block(ReasonDailyLimit)
		}
		if st.killSwitch {
			a.mu.RUnlock()
			return block(ReasonKillSwitch)
		}
		if ratio, sample := st.payoff(); sample >= a.cfg.Payoff.MinSample && ratio < a.cfg.Payoff.Floor {
			a.mu.RUnlock()
			return block(ReasonPayoffMandate)
		}
	}
	spec := a.specLocked(symbol)
	a.mu.RUnlock()

	// Spread gate: quote lookup happens outside the lock. An unavailable
	// quote blocks too: a spread we cannot verify is a spread we do not trade.
	quote, err := a.quotes.Quote(ctx, symbol)
	if err != nil || quote.Spread() > a.spreadCeiling(spec) {
		return block(ReasonSpread)
	}

	if a.blackout != nil && a.blackout.IsBlackout(symbol, now) {
		return block(ReasonNews)
	}

	session := spec.Session
	if isZeroSession(session) {
		session = a.cfg.Session
	}
	if !session.Contains(now) {
		return block(ReasonSession)
	}

	return allow()
}

// ExecutionCheck re-validates a ranked candidate just before sizing: prices
// have moved since Scan, and other symbols may have opened positions in the
// meantime.
func (a *Authority) ExecutionCheck(ctx context.Context, req ExecRequest) Decision {
	if len(req.Open) >= a.cfg.MaxConcurrentPositions {
		return block(ReasonMaxPositions)
	}

	// Invariant: open risk plus the worst-case new risk stays inside the
	// account ceiling.
	if req.Balance > 0 {
		openRisk := a.openRisk(req.Open)
		if openRisk+req.Balance*a.cfg.MaxRiskPercent > req.Balance*a.cfg.AccountRiskCeiling {
			return block(ReasonRiskCeiling)
		}
	}

	for _, pos := range req.Open {
		if a.corr.conflicts(req.Symbol, req.Direction, pos) {
			return block(ReasonCorrelation)
		}
	}

	stopDist := absFloat(req.Entry - req.StopLoss)
	tpDist := absFloat(req.TakeProfit - req.Entry)
	if stopDist <= 0 {
		return block(ReasonRiskReward)
	}

	spec := a.spec(req.Symbol)
	quote, err := a.quotes.Quote(ctx, req.Symbol)
	if err != nil {
		return block(ReasonSpread)
	}
	net := spec.RiskPerLot(tpDist-roundTripCost(spec, quote)) * spec.MinLot
	if net < a.cfg.MinNetProfit {
		return block(ReasonNetProfit)
	}

	if tpDist/stopDist < a.cfg.MinRiskReward {
		return block(ReasonRiskReward)
	}

	return allow()
}

// CycleGate is the orchestrator's outermost short-circuit, evaluated once per
// cycle before any scan runs.
func (a *Authority) CycleGate(now time.Time, openPositions int) Decision {
	a.rollDay(now)

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.circuitOpen {
		return block(ReasonCircuitBreaker)
	}
	if !a.cfg.Session.Contains(now) {
		return block(ReasonSession)
	}
	if a.dailyTrades >= a.cfg.MaxDailyTrades {
		return block(ReasonDailyLimit)
	}
	if openPositions >= a.cfg.MaxConcurrentPositions {
		return block(ReasonMaxPositions)
	}
	if a.blackout != nil && a.blackout.IsBlackout("", now) {
		return block(ReasonNews)
	}
	return allow()
}

// OnTradeExecuted records a successful order placement against the daily
// counters. Called exactly once per placed order, never on failures.
func (a *Authority) OnTradeExecuted(symbol string) {
	now := a.clock()
	a.rollDay(now)

	a.mu.Lock()
	a.dailyTrades++
	st := a.statsLocked(symbol)
	st.dailyTrades++
	st.lastTradeAt = now
	global, symCount := a.dailyTrades, st.dailyTrades
	a.mu.Unlock()

	a.persistCounts(symbol, global, symCount)
}

// RecordClosedDeal folds a realized trade into the rolling statistics and
// re-evaluates the kill switch.
func (a *Authority) RecordClosedDeal(deal broker.Deal) {
	outcome := TradeOutcome{Profit: deal.Profit, ClosedAt: deal.ClosedAt}

	a.mu.Lock()
	st := a.statsLocked(deal.Symbol)
	st.record(outcome)
	activated := st.updateKillSwitch(a.cfg.KillSwitch)
	recentLoss := st.rollingPnL(a.cfg.KillSwitch.Window)
	handler := a.onKillSwitch
	a.mu.Unlock()

	if a.store != nil {
		if err := a.store.AppendOutcome(deal.Symbol, outcome); err != nil && a.log != nil {
			a.log.Error("persist outcome for %s: %v", deal.Symbol, err)
		}
		a.mu.RLock()
		snap := *a.symbols[deal.Symbol]
		a.mu.RUnlock()
		if err := a.store.SaveSymbolState(deal.Symbol, &snap); err != nil && a.log != nil {
			a.log.Error("persist symbol state for %s: %v", deal.Symbol, err)
		}
	}

	if activated {
		if a.log != nil {
			a.log.Risk("kill switch activated for %s, rolling loss %.2f", deal.Symbol, recentLoss)
		}
		if handler != nil {
			handler(deal.Symbol, recentLoss)
		}
	}
}

// ConsecutiveLosses returns the current streak for a symbol.
func (a *Authority) ConsecutiveLosses(symbol string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if st := a.symbols[symbol]; st != nil {
		return st.consecutiveLosses
	}
	return 0
}

// KillSwitchActive reports the switch state for a symbol.
func (a *Authority) KillSwitchActive(symbol string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if st := a.symbols[symbol]; st != nil {
		return st.killSwitch
	}
	return false
}

// DailyTrades returns the global counter for the current day.
func (a *Authority) DailyTrades() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dailyTrades
}

// rollDay resets daily counters at the first call after UTC midnight.
func (a *Authority) rollDay(now time.Time) {
	day := dayOf(now)

	a.mu.RLock()
	same := a.day == day
	a.mu.RUnlock()
	if same {
		return
	}

	a.mu.Lock()
	if a.day != day {
		a.day = day
		a.dailyTrades = 0
		for _, st := range a.symbols {
			st.resetDaily(day)
		}
		if a.log != nil {
			a.log.Risk("daily counters reset for %s", day)
		}
	}
	a.mu.Unlock()
}

func (a *Authority) persistCounts(symbol string, global, symCount int) {
	if a.store == nil {
		return
	}
	day := dayOf(a.clock())
	if err := a.store.SaveDailyCount(globalScope, day, global); err != nil && a.log != nil {
		a.log.Error("persist global counter: %v", err)
	}
	if err := a.store.SaveDailyCount(symbol, day, symCount); err != nil && a.log != nil {
		a.log.Error("persist counter for %s: %v", symbol, err)
	}
}

// statsLocked returns the stats entry, creating it on first use. Caller holds
// the write lock.
func (a *Authority) statsLocked(symbol string) *symbolStats {
	st, ok := a.symbols[symbol]
	if !ok {
		st = &symbolStats{day: a.day}
		a.symbols[symbol] = st
	}
	return st
}

func (a *Authority) spec(symbol string) market.InstrumentSpec {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.specLocked(symbol)
}

func (a *Authority) specLocked(symbol string) market.InstrumentSpec {
	if spec, ok := a.specs[symbol]; ok {
		return spec
	}
	return market.DefaultSpecFor(symbol)
}

func (a *Authority) spreadCeiling(spec market.InstrumentSpec) float64 {
	if spec.MaxSpread > 0 {
		return spec.MaxSpread
	}
	if ceiling, ok := a.cfg.Spread[spec.AssetClass]; ok {
		return ceiling
	}
	return a.cfg.Spread[market.AssetClassCrypto]
}

// openRisk sums the account-currency risk of open positions: stop distance
// times per-lot risk times volume. Positions without a stop have no bounded
// risk to sum; they are skipped and logged.
func (a *Authority) openRisk(open []broker.Position) float64 {
	total := 0.0
	for _, pos := range open {
		if pos.StopLoss <= 0 {
			if a.log != nil {
				a.log.Warning("open position %s on %s has no stop, excluded from risk sum", pos.Ticket, pos.Symbol)
			}
			continue
		}
		spec := a.spec(pos.Symbol)
		total += spec.RiskPerLot(absFloat(pos.EntryPrice-pos.StopLoss)) * pos.Volume
	}
	return total
}

func (a *Authority) clock() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.now()
}

// roundTripCost estimates entry+exit cost in price units: the quoted spread
// plus commission converted through the tick ratio.
func roundTripCost(spec market.InstrumentSpec, quote *market.Quote) float64 {
	cost := quote.Spread()
	if spec.TickValue > 0 {
		cost += spec.CommissionPerLot * spec.TickSize / spec.TickValue
	}
	return cost
}

func dayOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func isZeroSession(w market.SessionWindow) bool {
	return w.OpenHour == 0 && w.CloseHour == 0 && len(w.Weekdays) == 0
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
