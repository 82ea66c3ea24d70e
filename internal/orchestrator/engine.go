// Package orchestrator drives the scan cycle: manage positions, gate
// globally, scan all symbols in parallel, rank, optionally adjudicate, and
// execute at most one order per cycle.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ptdat-quant/confluence-bot/internal/adjudicator"
	"github.com/ptdat-quant/confluence-bot/internal/agent"
	"github.com/ptdat-quant/confluence-bot/internal/broker"
	"github.com/ptdat-quant/confluence-bot/internal/events"
	"github.com/ptdat-quant/confluence-bot/internal/logger"
	"github.com/ptdat-quant/confluence-bot/internal/monitoring"
	"github.com/ptdat-quant/confluence-bot/internal/risk"
	"github.com/ptdat-quant/confluence-bot/internal/safety"
)

// Statuses reported per symbol in a cycle summary, beyond gate reasons.
const (
	statusCandidate = "candidate"
	statusExecuted  = "executed"
	statusRejected  = "rejected" // lost the ranking or failed execution checks
	statusHeld      = "held"     // adjudicator said no
)

// Config tunes the cycle loop.
type Config struct {
	CyclePeriod         time.Duration `json:"cycle_period" yaml:"cycle_period"`
	SymbolTimeout       time.Duration `json:"symbol_timeout" yaml:"symbol_timeout"`
	MaxConcurrentScans  int           `json:"max_concurrent_scans" yaml:"max_concurrent_scans"`
	ConfidenceThreshold float64       `json:"confidence_threshold" yaml:"confidence_threshold"`
	SureshotScore       float64       `json:"sureshot_score" yaml:"sureshot_score"` // executes regardless of adjudication
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.CyclePeriod <= 0 {
		c.CyclePeriod = time.Minute
	}
	if c.SymbolTimeout <= 0 {
		c.SymbolTimeout = 20 * time.Second
	}
	if c.MaxConcurrentScans <= 0 {
		c.MaxConcurrentScans = 8
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.6
	}
	if c.SureshotScore <= 0 {
		c.SureshotScore = 5.5
	}
}

// Journal persists executed and closed trades. Optional.
type Journal interface {
	RecordOpen(ctx context.Context, trade events.TradeExecuted) error
	RecordClose(ctx context.Context, deal broker.Deal) error
}

// Reporter renders a finished cycle. Optional.
type Reporter interface {
	ReportCycle(summary events.CycleSummary, positions []broker.Position, account *broker.AccountInfo)
}

// Engine is the single-writer cycle loop. All agents are registered before
// Run; the registry never changes while running.
type Engine struct {
	cfg       Config
	exec      broker.Broker
	authority *risk.Authority
	adj       adjudicator.Adjudicator // nil disables adjudication
	bus       *events.Bus
	journal   Journal
	reporter  Reporter
	log       *logger.Logger
	now       func() time.Time

	agents   []*agent.Agent
	bySymbol map[string]*agent.Agent

	cycleCount   int
	lastDealPoll time.Time
	sessionLost  bool
}

// New builds an engine over a fixed agent registry.
func New(cfg Config, exec broker.Broker, authority *risk.Authority, agents []*agent.Agent, adj adjudicator.Adjudicator, bus *events.Bus, journal Journal, reporter Reporter, log *logger.Logger) *Engine {
	cfg.ApplyDefaults()
	e := &Engine{
		cfg:       cfg,
		exec:      exec,
		authority: authority,
		adj:       adj,
		bus:       bus,
		journal:   journal,
		reporter:  reporter,
		log:       log,
		now:       time.Now,
		agents:    agents,
		bySymbol:  make(map[string]*agent.Agent, len(agents)),
	}
	for _, a := range agents {
		e.bySymbol[a.Symbol()] = a
	}
	e.lastDealPoll = e.now().UTC()
	return e
}

// Run loops cycles until ctx is cancelled. The remainder of each period is
// slept off; a cycle that overruns starts the next one immediately.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.exec.Connect(ctx); err != nil {
		return fmt.Errorf("connect execution session: %w", err)
	}
	e.logStatus("engine started: %d symbols, %s period", len(e.agents), e.cfg.CyclePeriod)

	for {
		started := e.now()
		e.runCycle(ctx)

		remaining := e.cfg.CyclePeriod - e.now().Sub(started)
		if remaining < 0 {
			remaining = 0
		}
		select {
		case <-ctx.Done():
			e.logStatus("engine stopped after %d cycles", e.cycleCount)
			return ctx.Err()
		case <-time.After(remaining):
		}
	}
}

func (e *Engine) runCycle(ctx context.Context) {
	started := e.now()
	e.cycleCount++
	e.publish(events.TypeCycleStarted, events.CycleStarted{Count: e.cycleCount})

	statuses := make(map[string]events.SymbolStatus, len(e.agents))

	// ManagingPositions: always runs, even with the session lost or the
	// cycle gated. Open positions are never left unattended.
	e.managePositions(ctx)
	e.pollClosedDeals(ctx)

	if e.sessionLost {
		e.reconnect(ctx)
	}

	open, err := e.exec.GetOpenPositions(ctx, "")
	if err != nil {
		e.logError("open positions snapshot", err)
		e.finishCycle(ctx, started, statuses, nil, nil)
		return
	}
	e.publish(events.TypePositionUpdate, events.PositionUpdate{Positions: open})

	if e.sessionLost {
		e.finishCycle(ctx, started, statuses, open, nil)
		return
	}

	// GlobalGateCheck.
	if d := e.authority.CycleGate(e.now().UTC(), len(open)); !d.Allowed {
		e.logStatus("cycle %d skipped: %s", e.cycleCount, d.Reason)
		monitoring.CycleSkipped(d.Reason)
		e.finishCycle(ctx, started, statuses, open, nil)
		return
	}

	// ParallelScan.
	results := e.scanAll(ctx)
	var candidates []*agent.Candidate
	for _, res := range results {
		if res.Blocked() {
			statuses[res.Symbol] = events.SymbolStatus{Symbol: res.Symbol, Status: res.Reason}
			monitoring.ScanBlocked(res.Reason)
			continue
		}
		statuses[res.Symbol] = events.SymbolStatus{Symbol: res.Symbol, Status: statusCandidate, Score: res.Candidate.Score}
		monitoring.CandidateFound(res.Symbol)
		candidates = append(candidates, res.Candidate)
	}

	// Ranking: drop candidates the authority rejects against live account
	// state, then order by score with probability as the tiebreaker.
	account, err := e.exec.GetAccountInfo(ctx)
	if err != nil {
		e.logError("account info", err)
		e.finishCycle(ctx, started, statuses, open, nil)
		return
	}
	monitoring.SetEquity(account.Equity)

	ranked := candidates[:0]
	for _, c := range candidates {
		d := e.authority.ExecutionCheck(ctx, risk.ExecRequest{
			Symbol:     c.Symbol,
			Direction:  c.Direction,
			Entry:      c.Entry,
			StopLoss:   c.StopLoss,
			TakeProfit: c.TakeProfit,
			Balance:    account.Balance,
			Open:       open,
		})
		if !d.Allowed {
			statuses[c.Symbol] = events.SymbolStatus{Symbol: c.Symbol, Status: d.Reason, Score: c.Score}
			monitoring.ScanBlocked(d.Reason)
			continue
		}
		ranked = append(ranked, c)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].MLProbability > ranked[j].MLProbability
	})

	if len(ranked) == 0 {
		e.finishCycle(ctx, started, statuses, open, account)
		return
	}
	top := ranked[0]
	for _, c := range ranked[1:] {
		statuses[c.Symbol] = events.SymbolStatus{Symbol: c.Symbol, Status: statusRejected, Score: c.Score}
	}

	// OptionalAdjudication and Decision.
	if e.decide(ctx, top) {
		if e.execute(ctx, top, account.Balance) {
			statuses[top.Symbol] = events.SymbolStatus{Symbol: top.Symbol, Status: statusExecuted, Score: top.Score}
		} else {
			statuses[top.Symbol] = events.SymbolStatus{Symbol: top.Symbol, Status: statusRejected, Score: top.Score}
		}
	} else {
		statuses[top.Symbol] = events.SymbolStatus{Symbol: top.Symbol, Status: statusHeld, Score: top.Score}
	}

	e.finishCycle(ctx, started, statuses, open, account)
}

// managePositions runs ManageActiveTrades on every agent concurrently,
// isolating per-symbol failures.
func (e *Engine) managePositions(ctx context.Context) {
	e.forEachAgent(ctx, func(taskCtx context.Context, a *agent.Agent) {
		if err := a.ManageActiveTrades(taskCtx); err != nil {
			e.logError("manage "+a.Symbol(), err)
		}
	})
}

// scanAll runs Scan on every agent concurrently, a timeout and panic guard
// around each, and returns one result per agent.
func (e *Engine) scanAll(ctx context.Context) []agent.ScanResult {
	results := make([]agent.ScanResult, len(e.agents))
	index := make(map[string]int, len(e.agents))
	for i, a := range e.agents {
		index[a.Symbol()] = i
		results[i] = agent.ScanResult{Symbol: a.Symbol(), Reason: agent.ReasonError}
	}

	var mu sync.Mutex
	e.forEachAgent(ctx, func(taskCtx context.Context, a *agent.Agent) {
		res := a.Scan(taskCtx)
		if taskCtx.Err() != nil {
			res = agent.ScanResult{Symbol: a.Symbol(), Reason: agent.ReasonError}
		}
		mu.Lock()
		results[index[a.Symbol()]] = res
		mu.Unlock()
	})
	return results
}

// forEachAgent fans fn out over the registry through a bounded worker pool
// and joins. A panic in fn is contained to its task.
func (e *Engine) forEachAgent(ctx context.Context, fn func(context.Context, *agent.Agent)) {
	sem := make(chan struct{}, e.cfg.MaxConcurrentScans)
	var wg sync.WaitGroup
	for _, a := range e.agents {
		wg.Add(1)
		sem <- struct{}{}
		go func(a *agent.Agent) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					e.logError("panic in "+a.Symbol(), fmt.Errorf("%v", r))
				}
			}()

			taskCtx, cancel := context.WithTimeout(ctx, e.cfg.SymbolTimeout)
			defer cancel()
			fn(taskCtx, a)
		}(a)
	}
	wg.Wait()
}

// pollClosedDeals feeds realized trades back into the risk state, the owning
// agent's breaker and the journal.
func (e *Engine) pollClosedDeals(ctx context.Context) {
	now := e.now().UTC()
	deals, err := e.exec.GetClosedDeals(ctx, e.lastDealPoll, now)
	if err != nil {
		e.logError("closed deals", err)
		return
	}
	e.lastDealPoll = now

	for _, deal := range deals {
		e.authority.RecordClosedDeal(deal)
		if a, ok := e.bySymbol[deal.Symbol]; ok {
			a.OnTradeClosed(deal.Profit)
		}
		if e.journal != nil {
			if err := e.journal.RecordClose(ctx, deal); err != nil {
				e.logError("journal close", err)
			}
		}
		e.logStatus("closed %s %s: %.2f", deal.Symbol, deal.Ticket, deal.Profit)
	}
}

// decide applies the adjudication rule: the adjudicator must agree with
// enough confidence, unless the score clears the sureshot bar on its own. An
// unavailable adjudicator degrades to score-derived confidence, never to a
// retry inside the cycle.
func (e *Engine) decide(ctx context.Context, c *agent.Candidate) bool {
	if c.Score >= e.cfg.SureshotScore {
		return true
	}
	if e.adj == nil {
		return adjudicator.ScoreConfidence(c.Score) >= e.cfg.ConfidenceThreshold
	}

	verdict, err := e.adj.Adjudicate(ctx, adjudicator.Summary{
		Symbol:        c.Symbol,
		Direction:     c.Direction,
		Score:         c.Score,
		MLProbability: c.MLProbability,
		Regime:        detailString(c.Details, "regime"),
		Entry:         c.Entry,
		StopLoss:      c.StopLoss,
		TakeProfit:    c.TakeProfit,
	})
	if err != nil {
		conf := adjudicator.ScoreConfidence(c.Score)
		e.publish(events.TypeCandidateAdjudicated, events.CandidateAdjudicated{
			Symbol: c.Symbol, Action: string(actionFor(c.Direction)), Confidence: conf, Fallback: true,
		})
		e.logError("adjudicate "+c.Symbol, err)
		return conf >= e.cfg.ConfidenceThreshold
	}

	e.publish(events.TypeCandidateAdjudicated, events.CandidateAdjudicated{
		Symbol: c.Symbol, Action: string(verdict.Action), Confidence: verdict.Confidence, Reason: verdict.Reason,
	})
	return verdict.Action.Agrees(c.Direction) && verdict.Confidence >= e.cfg.ConfidenceThreshold
}

// execute sizes and places the order. Counters move only on success; a fatal
// broker error trips the session-lost state.
func (e *Engine) execute(ctx context.Context, c *agent.Candidate, balance float64) bool {
	stopDist := c.Entry - c.StopLoss
	if stopDist < 0 {
		stopDist = -stopDist
	}
	volume := e.authority.CalculatePositionSize(c.Symbol, balance, stopDist, c.Score)
	if volume <= 0 {
		e.logStatus("%s: sized to zero, skipping", c.Symbol)
		return false
	}

	req := broker.OrderRequest{
		Symbol:     c.Symbol,
		Direction:  c.Direction,
		Volume:     volume,
		StopLoss:   c.StopLoss,
		TakeProfit: c.TakeProfit,
		EntryType:  c.EntryType,
		ClientID:   uuid.NewString(),
	}
	if a, ok := e.bySymbol[c.Symbol]; ok {
		if err := safety.ValidateOrder(req, a.Spec(), c.Entry); err != nil {
			e.logError("order rejected", err)
			monitoring.RecordError("order_validation")
			return false
		}
	}

	info, err := e.exec.PlaceOrder(ctx, req)
	if err != nil {
		e.logError("place order "+c.Symbol, err)
		if broker.IsFatal(err) {
			e.enterFatal(err)
		}
		return false
	}

	e.authority.OnTradeExecuted(c.Symbol)
	if a, ok := e.bySymbol[c.Symbol]; ok {
		a.OnTradeExecuted()
	}
	monitoring.TradeExecuted(c.Symbol)

	trade := events.TradeExecuted{
		Symbol:     c.Symbol,
		Direction:  c.Direction,
		Ticket:     info.Ticket,
		Volume:     volume,
		Entry:      c.Entry,
		StopLoss:   c.StopLoss,
		TakeProfit: c.TakeProfit,
		Score:      c.Score,
	}
	e.publish(events.TypeTradeExecuted, trade)
	if e.journal != nil {
		if err := e.journal.RecordOpen(ctx, trade); err != nil {
			e.logError("journal open", err)
		}
	}
	if e.log != nil {
		e.log.LogTradeExecution(c.Symbol, string(c.Direction), info.Ticket, volume, c.Entry, c.StopLoss, c.TakeProfit, c.Score)
	}
	return true
}

// enterFatal halts new order placement while keeping the monitoring and
// reporting halves of the cycle alive.
func (e *Engine) enterFatal(err error) {
	if e.sessionLost {
		return
	}
	e.sessionLost = true
	e.authority.SetCircuitBreaker(true)
	e.publish(events.TypeFatal, events.Fatal{Reason: err.Error()})
	if e.log != nil {
		e.log.Error("execution session lost: %v", err)
	}
}

// reconnect attempts to restore a lost session once per cycle.
func (e *Engine) reconnect(ctx context.Context) {
	if err := e.exec.Connect(ctx); err != nil {
		e.logError("reconnect", err)
		return
	}
	e.sessionLost = false
	e.authority.SetCircuitBreaker(false)
	e.publish(events.TypeSessionRestored, events.SessionRestored{Cycle: e.cycleCount})
	e.logStatus("execution session restored")
}

func (e *Engine) finishCycle(ctx context.Context, started time.Time, statuses map[string]events.SymbolStatus, open []broker.Position, account *broker.AccountInfo) {
	ordered := make([]events.SymbolStatus, 0, len(e.agents))
	for _, a := range e.agents {
		if st, ok := statuses[a.Symbol()]; ok {
			ordered = append(ordered, st)
		}
	}

	summary := events.CycleSummary{
		Count:    e.cycleCount,
		Duration: e.now().Sub(started),
		Symbols:  ordered,
	}
	e.publish(events.TypeCycleSummary, summary)
	monitoring.CycleFinished(summary.Duration)

	if e.reporter != nil {
		// The ranking step already snapshotted the account this cycle; only
		// cycles that bailed out before it pay for a fresh read here.
		if account == nil {
			if acc, err := e.exec.GetAccountInfo(ctx); err == nil {
				account = acc
			}
		}
		e.reporter.ReportCycle(summary, open, account)
	}
}

func (e *Engine) publish(t events.Type, payload any) {
	if e.bus != nil {
		e.bus.Publish(t, payload)
	}
}

func (e *Engine) logStatus(format string, args ...any) {
	if e.log != nil {
		e.log.Status(format, args...)
	}
}

func (e *Engine) logError(op string, err error) {
	if e.log != nil {
		e.log.LogError(op, err)
	}
}

func detailString(details map[string]any, key string) string {
	if details == nil {
		return ""
	}
	if s, ok := details[key].(string); ok {
		return s
	}
	return ""
}

func actionFor(d broker.Direction) adjudicator.Action {
	if d == broker.DirectionLong {
		return adjudicator.ActionBuy
	}
	return adjudicator.ActionSell
}
