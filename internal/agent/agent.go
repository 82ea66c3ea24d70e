package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ptdat-quant/confluence-bot/internal/broker"
	"github.com/ptdat-quant/confluence-bot/internal/logger"
	"github.com/ptdat-quant/confluence-bot/internal/market"
	"github.com/ptdat-quant/confluence-bot/internal/monitoring"
	"github.com/ptdat-quant/confluence-bot/internal/risk"
	"github.com/ptdat-quant/confluence-bot/internal/signal"
)

// Config tunes one symbol agent. Zero values get defaults.
type Config struct {
	PrimaryTimeframe      market.Timeframe   `json:"primary_timeframe" yaml:"primary_timeframe"`
	ConfirmationTimeframe []market.Timeframe `json:"confirmation_timeframes" yaml:"confirmation_timeframes"`
	HistoryBars           int                `json:"history_bars" yaml:"history_bars"`

	MinScore         float64 `json:"min_score" yaml:"min_score"`
	HighScore        float64 `json:"high_score" yaml:"high_score"` // below this, the ML probability floor applies
	MinProbability   float64 `json:"min_probability" yaml:"min_probability"`
	ExceptionalScore float64 `json:"exceptional_score" yaml:"exceptional_score"` // overrides a regime conflict

	// ATRFloor is the minimum ATR as a fraction of price, per asset class.
	// Markets quieter than this produce stops too tight to survive noise.
	ATRFloor map[market.AssetClass]float64 `json:"atr_floor" yaml:"atr_floor"`

	StopATRMultiplier float64 `json:"stop_atr_multiplier" yaml:"stop_atr_multiplier"`
	TPMultiple        float64 `json:"tp_multiple" yaml:"tp_multiple"`
	MinTPDistance     float64 `json:"min_tp_distance" yaml:"min_tp_distance"` // price units
	MinRiskReward     float64 `json:"min_risk_reward" yaml:"min_risk_reward"`

	MaxConsecutiveLosses int           `json:"max_consecutive_losses" yaml:"max_consecutive_losses"`
	PauseDuration        time.Duration `json:"pause_duration" yaml:"pause_duration"`
	OpinionMaxAge        time.Duration `json:"opinion_max_age" yaml:"opinion_max_age"`
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.PrimaryTimeframe == "" {
		c.PrimaryTimeframe = market.TimeframeH1
	}
	if len(c.ConfirmationTimeframe) == 0 {
		c.ConfirmationTimeframe = []market.Timeframe{market.TimeframeH4}
	}
	if c.HistoryBars <= 0 {
		c.HistoryBars = 250
	}
	if c.MinScore <= 0 {
		c.MinScore = 3.0
	}
	if c.HighScore <= 0 {
		c.HighScore = 4.0
	}
	if c.MinProbability <= 0 {
		c.MinProbability = 0.55
	}
	if c.ExceptionalScore <= 0 {
		c.ExceptionalScore = 5.5
	}
	if len(c.ATRFloor) == 0 {
		c.ATRFloor = map[market.AssetClass]float64{
			market.AssetClassCrypto: 0.002,
			market.AssetClassForex:  0.0005,
			market.AssetClassIndex:  0.001,
			market.AssetClassMetal:  0.001,
		}
	}
	if c.StopATRMultiplier <= 0 {
		c.StopATRMultiplier = 2.0
	}
	if c.TPMultiple <= 0 {
		c.TPMultiple = 2.0
	}
	if c.MinRiskReward <= 0 {
		c.MinRiskReward = 1.5
	}
	if c.MaxConsecutiveLosses <= 0 {
		c.MaxConsecutiveLosses = 4
	}
	if c.PauseDuration <= 0 {
		c.PauseDuration = 2 * time.Hour
	}
	if c.OpinionMaxAge <= 0 {
		c.OpinionMaxAge = 5 * time.Minute
	}
}

// Agent owns everything cycle-local for one instrument: the signal opinion,
// the self-correction breaker and the position-management loop. All trading
// admission beyond its local gates belongs to the risk Authority.
type Agent struct {
	symbol    string
	spec      market.InstrumentSpec
	cfg       Config
	provider  signal.Provider
	data      broker.MarketData
	exec      broker.Broker
	authority *risk.Authority
	quotes    risk.Quotes
	log       *logger.Logger
	now       func() time.Time

	mu           sync.Mutex
	lossStreak   int
	pausedUntil  time.Time
	lastOpinion  *signal.Opinion
	lastAnalyzed time.Time
}

// New builds a symbol agent.
func New(spec market.InstrumentSpec, cfg Config, provider signal.Provider, data broker.MarketData, exec broker.Broker, authority *risk.Authority, quotes risk.Quotes, log *logger.Logger) *Agent {
	cfg.ApplyDefaults()
	return &Agent{
		symbol:    spec.Symbol,
		spec:      spec,
		cfg:       cfg,
		provider:  provider,
		data:      data,
		exec:      exec,
		authority: authority,
		quotes:    quotes,
		log:       log,
		now:       time.Now,
	}
}

// Symbol returns the instrument this agent trades.
func (a *Agent) Symbol() string { return a.symbol }

// Spec returns the instrument contract details the agent trades under.
func (a *Agent) Spec() market.InstrumentSpec { return a.spec }

// Scan runs the per-symbol half of a cycle: local breaker, risk pre-check,
// data fetch, signal opinion and the local quality gates, in that order. The
// first failing gate's reason wins; nothing later runs.
func (a *Agent) Scan(ctx context.Context) ScanResult {
	blocked := func(reason string) ScanResult { return ScanResult{Symbol: a.symbol, Reason: reason} }

	if a.Paused() {
		return blocked(ReasonPaused)
	}

	if d := a.authority.PreScanCheck(ctx, a.symbol); !d.Allowed {
		return blocked(d.Reason)
	}

	bars, err := a.fetchBars(ctx)
	if err != nil {
		a.logError("fetch bars", err)
		return blocked(ReasonError)
	}
	a.authority.UpdateReturns(a.symbol, market.Returns(bars[a.cfg.PrimaryTimeframe]))

	op, err := a.provider.Analyze(ctx, a.symbol, bars)
	if err != nil {
		a.logError("analyze", err)
		return blocked(ReasonError)
	}
	a.rememberOpinion(op)

	if op.Score < a.cfg.MinScore {
		return blocked(ReasonLowScore)
	}
	if op.Score < a.cfg.HighScore && op.MLProbability < a.cfg.MinProbability {
		return blocked(ReasonLowProbability)
	}
	if op.Regime.ConflictsWith(op.Direction) && op.Score < a.cfg.ExceptionalScore {
		return blocked(ReasonRegimeConflict)
	}

	quote, err := a.quotes.Quote(ctx, a.symbol)
	if err != nil {
		a.logError("quote", err)
		return blocked(ReasonError)
	}
	entry := entryPrice(op.Direction, quote)
	if floor := a.cfg.ATRFloor[a.spec.AssetClass]; entry > 0 && op.ATR/entry < floor {
		return blocked(ReasonLowVolatility)
	}

	stop, tp := a.protectiveLevels(op.Direction, entry, op.ATR, quote.Spread())
	stopDist := absFloat(entry - stop)
	if stopDist <= 0 || absFloat(tp-entry)/stopDist < a.cfg.MinRiskReward {
		return blocked(ReasonRiskReward)
	}

	return ScanResult{
		Symbol: a.symbol,
		Candidate: &Candidate{
			Symbol:        a.symbol,
			Direction:     op.Direction,
			Score:         op.Score,
			MLProbability: op.MLProbability,
			EnsembleScore: ensemble(op.Score, op.MLProbability),
			Entry:         entry,
			StopLoss:      stop,
			TakeProfit:    tp,
			EntryType:     broker.EntryMarket,
			Details: map[string]any{
				"regime":     op.Regime.String(),
				"atr":        op.ATR,
				"ai_signal":  op.AISignal,
				"components": op.Components,
			},
			CreatedAt: a.now(),
		},
	}
}

// ManageActiveTrades refreshes this symbol's open positions and applies
// monitoring actions. The signal opinion (regime, ATR) is refreshed only when
// stale; position management must stay cheap enough to run every cycle even
// when scanning is blocked.
func (a *Agent) ManageActiveTrades(ctx context.Context) error {
	positions, err := a.exec.GetOpenPositions(ctx, a.symbol)
	if err != nil {
		return fmt.Errorf("open positions %s: %w", a.symbol, err)
	}
	if len(positions) == 0 {
		// Keep the flag table tidy even with nothing open.
		a.authority.MonitorPositions(a.symbol, nil, nil, 0)
		return nil
	}

	op, err := a.freshOpinion(ctx)
	if err != nil {
		return fmt.Errorf("refresh opinion %s: %w", a.symbol, err)
	}

	// Regime exit: a strong regime against an open position closes it
	// outright, no trailing negotiation.
	remaining := positions[:0]
	for _, pos := range positions {
		if op.Regime.ConflictsWith(pos.Direction) {
			if err := a.exec.ClosePosition(ctx, pos.Ticket); err != nil {
				a.logError("regime exit close", err)
				remaining = append(remaining, pos)
				continue
			}
			if a.log != nil {
				a.log.Trade("%s regime exit: closed %s %s against %s", a.symbol, pos.Direction, pos.Ticket, op.Regime)
			}
			monitoring.MonitorAction("regime_exit")
			continue
		}
		remaining = append(remaining, pos)
	}
	if len(remaining) == 0 {
		a.authority.MonitorPositions(a.symbol, nil, nil, 0)
		return nil
	}

	quote, err := a.quotes.Quote(ctx, a.symbol)
	if err != nil {
		return fmt.Errorf("quote %s: %w", a.symbol, err)
	}

	for _, act := range a.authority.MonitorPositions(a.symbol, remaining, quote, op.ATR) {
		if err := a.apply(ctx, act, remaining); err != nil {
			a.logError("apply "+string(act.Type), err)
			continue
		}
		kind := act.Reason
		if act.Type == risk.ActionPartialClose {
			kind = "partial_close"
		}
		monitoring.MonitorAction(kind)
	}
	return nil
}

func (a *Agent) apply(ctx context.Context, act risk.Action, positions []broker.Position) error {
	switch act.Type {
	case risk.ActionModifyStop:
		tp := 0.0
		for _, pos := range positions {
			if pos.Ticket == act.Ticket {
				tp = pos.TakeProfit
				break
			}
		}
		if a.log != nil {
			a.log.Risk("%s %s: stop -> %.5f (%s)", a.symbol, act.Ticket, act.StopLoss, act.Reason)
		}
		return a.exec.ModifyPosition(ctx, act.Ticket, act.StopLoss, tp)
	case risk.ActionPartialClose:
		if a.log != nil {
			a.log.Risk("%s %s: partial close %.0f%% (%s)", a.symbol, act.Ticket, act.Fraction*100, act.Reason)
		}
		return a.exec.PartialClose(ctx, act.Ticket, act.Fraction)
	}
	return fmt.Errorf("unknown action %q", act.Type)
}

// OnTradeExecuted notifies the agent that an order for its symbol was placed.
func (a *Agent) OnTradeExecuted() {
	// Nothing cycle-local to update today; the risk counters live in the
	// Authority. Kept as an explicit hook so the orchestrator's contract
	// with its agents stays symmetric with OnTradeClosed.
}

// OnTradeClosed feeds the self-correction breaker: enough consecutive losses
// pause the agent's scanning for a while. This is local and deliberately
// independent of the Authority's kill switch.
func (a *Agent) OnTradeClosed(profit float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if profit < 0 {
		a.lossStreak++
		if a.lossStreak >= a.cfg.MaxConsecutiveLosses {
			a.pausedUntil = a.now().Add(a.cfg.PauseDuration)
			if a.log != nil {
				a.log.Risk("%s paused until %s after %d consecutive losses", a.symbol, a.pausedUntil.Format(time.RFC3339), a.lossStreak)
			}
		}
		return
	}
	a.lossStreak = 0
}

// Paused reports whether the local breaker currently blocks scanning.
func (a *Agent) Paused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.now().Before(a.pausedUntil)
}

// Resume clears the local breaker immediately.
func (a *Agent) Resume() {
	a.mu.Lock()
	a.pausedUntil = time.Time{}
	a.lossStreak = 0
	a.mu.Unlock()
}

func (a *Agent) fetchBars(ctx context.Context) (map[market.Timeframe][]market.Candle, error) {
	bars := make(map[market.Timeframe][]market.Candle, 1+len(a.cfg.ConfirmationTimeframe))
	for _, tf := range append([]market.Timeframe{a.cfg.PrimaryTimeframe}, a.cfg.ConfirmationTimeframe...) {
		candles, err := a.data.GetCandles(ctx, a.symbol, tf, a.cfg.HistoryBars)
		if err != nil {
			return nil, fmt.Errorf("candles %s %s: %w", a.symbol, tf, err)
		}
		if err := market.ValidateCandles(candles); err != nil {
			return nil, fmt.Errorf("candles %s %s: %w", a.symbol, tf, err)
		}
		bars[tf] = candles
	}
	return bars, nil
}

// freshOpinion returns the cached opinion, re-analyzing when it is stale.
func (a *Agent) freshOpinion(ctx context.Context) (*signal.Opinion, error) {
	a.mu.Lock()
	op, at := a.lastOpinion, a.lastAnalyzed
	a.mu.Unlock()
	if op != nil && a.now().Sub(at) < a.cfg.OpinionMaxAge {
		return op, nil
	}

	bars, err := a.fetchBars(ctx)
	if err != nil {
		return nil, err
	}
	op, err = a.provider.Analyze(ctx, a.symbol, bars)
	if err != nil {
		return nil, err
	}
	a.rememberOpinion(op)
	return op, nil
}

func (a *Agent) rememberOpinion(op *signal.Opinion) {
	a.mu.Lock()
	a.lastOpinion = op
	a.lastAnalyzed = a.now()
	a.mu.Unlock()
}

// protectiveLevels derives the volatility-adjusted stop and take-profit.
// Spread widens the stop so a routine spread excursion cannot tag it.
func (a *Agent) protectiveLevels(d broker.Direction, entry, atr, spread float64) (stop, tp float64) {
	stopDist := atr*a.cfg.StopATRMultiplier + spread
	tpDist := stopDist * a.cfg.TPMultiple
	if tpDist < a.cfg.MinTPDistance {
		tpDist = a.cfg.MinTPDistance
	}
	stop = entry - d.Sign()*stopDist
	tp = entry + d.Sign()*tpDist
	return stop, tp
}

func (a *Agent) logError(op string, err error) {
	if a.log != nil {
		a.log.LogError(a.symbol+" "+op, err)
	}
}

// entryPrice is the side of the book a market order in the given direction
// would cross.
func entryPrice(d broker.Direction, q *market.Quote) float64 {
	if d == broker.DirectionLong {
		return q.Ask
	}
	return q.Bid
}

// ensemble blends score and probability into a ranking tiebreaker in [0,1].
func ensemble(score, probability float64) float64 {
	v := 0.6*(score/signal.ScoreMax) + 0.4*probability
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return v
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
