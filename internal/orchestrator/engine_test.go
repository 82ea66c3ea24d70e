package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptdat-quant/confluence-bot/internal/adjudicator"
	"github.com/ptdat-quant/confluence-bot/internal/agent"
	"github.com/ptdat-quant/confluence-bot/internal/broker"
	"github.com/ptdat-quant/confluence-bot/internal/events"
	"github.com/ptdat-quant/confluence-bot/internal/market"
	"github.com/ptdat-quant/confluence-bot/internal/risk"
	"github.com/ptdat-quant/confluence-bot/internal/signal"
)

// quoteBoard is a mutable quote source shared by the paper broker, the risk
// authority and the agents.
type quoteBoard struct {
	mu     sync.Mutex
	prices map[string][2]float64 // symbol -> {bid, ask}
}

func newQuoteBoard() *quoteBoard {
	return &quoteBoard{prices: map[string][2]float64{}}
}

func (q *quoteBoard) set(symbol string, bid, ask float64) {
	q.mu.Lock()
	q.prices[symbol] = [2]float64{bid, ask}
	q.mu.Unlock()
}

func (q *quoteBoard) Quote(_ context.Context, symbol string) (*market.Quote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("no quote for %s", symbol)
	}
	return &market.Quote{Symbol: symbol, Bid: p[0], Ask: p[1], Last: (p[0] + p[1]) / 2, Time: time.Now()}, nil
}

type scriptedProvider struct {
	opinions map[string]*signal.Opinion
	panics   map[string]bool
}

func (p *scriptedProvider) Analyze(_ context.Context, symbol string, _ map[market.Timeframe][]market.Candle) (*signal.Opinion, error) {
	if p.panics[symbol] {
		panic("provider blew up")
	}
	op, ok := p.opinions[symbol]
	if !ok {
		return nil, fmt.Errorf("no opinion for %s", symbol)
	}
	return op, nil
}

type marketHistory struct{}

func (marketHistory) GetCandles(_ context.Context, _ string, _ market.Timeframe, limit int) ([]market.Candle, error) {
	candles := make([]market.Candle, limit)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	price := 90.0
	for i := range candles {
		candles[i] = market.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      price,
			High:      price + 0.8,
			Low:       price - 0.5,
			Close:     price + 0.3,
			Volume:    1000,
		}
		price += 0.3
	}
	return candles, nil
}

func (marketHistory) GetQuote(_ context.Context, symbol string) (*market.Quote, error) {
	return nil, fmt.Errorf("unused")
}

type scriptedAdjudicator struct {
	verdict *adjudicator.Verdict
	err     error
	calls   int
}

func (s *scriptedAdjudicator) Adjudicate(_ context.Context, _ adjudicator.Summary) (*adjudicator.Verdict, error) {
	s.calls++
	return s.verdict, s.err
}

type memoryJournal struct {
	mu     sync.Mutex
	opens  []events.TradeExecuted
	closes []broker.Deal
}

func (j *memoryJournal) RecordOpen(_ context.Context, trade events.TradeExecuted) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.opens = append(j.opens, trade)
	return nil
}

func (j *memoryJournal) RecordClose(_ context.Context, deal broker.Deal) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closes = append(j.closes, deal)
	return nil
}

func specFor(symbol string) market.InstrumentSpec {
	return market.InstrumentSpec{
		Symbol:       symbol,
		AssetClass:   market.AssetClassCrypto,
		TickSize:     0.5,
		TickValue:    0.5,
		LotStep:      0.001,
		MinLot:       0.001,
		MaxLot:       100,
		ContractSize: 1,
	}
}

func opinionWith(score, probability float64) *signal.Opinion {
	return &signal.Opinion{
		Direction:     broker.DirectionLong,
		Score:         score,
		MLProbability: probability,
		ATR:           1.2,
		Regime:        signal.RegimeBullish,
	}
}

type engineFixture struct {
	engine  *Engine
	board   *quoteBoard
	paper   *broker.Paper
	auth    *risk.Authority
	bus     *events.Bus
	journal *memoryJournal
	agents  map[string]*agent.Agent
	adj     *scriptedAdjudicator
}

func newEngineFixture(t *testing.T, provider *scriptedProvider, adj *scriptedAdjudicator) *engineFixture {
	t.Helper()

	board := newQuoteBoard()
	for symbol := range provider.opinions {
		board.set(symbol, 100, 100.5)
	}
	for symbol := range provider.panics {
		board.set(symbol, 100, 100.5)
	}

	var specs []market.InstrumentSpec
	for symbol := range provider.opinions {
		specs = append(specs, specFor(symbol))
	}
	for symbol := range provider.panics {
		specs = append(specs, specFor(symbol))
	}

	auth, err := risk.NewAuthority(risk.Config{}, specs, board, nil, nil, nil)
	require.NoError(t, err)

	paper := broker.NewPaper(10000, board.Quote)
	paper.SetFeeRate(0)

	agents := make(map[string]*agent.Agent, len(specs))
	var registry []*agent.Agent
	for _, spec := range specs {
		a := agent.New(spec, agent.Config{}, provider, marketHistory{}, paper, auth, board, nil)
		agents[spec.Symbol] = a
		registry = append(registry, a)
	}

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	journal := &memoryJournal{}

	var adjIface adjudicator.Adjudicator
	if adj != nil {
		adjIface = adj
	}
	e := New(Config{CyclePeriod: time.Hour}, paper, auth, registry, adjIface, bus, journal, nil, nil)
	return &engineFixture{engine: e, board: board, paper: paper, auth: auth, bus: bus, journal: journal, agents: agents, adj: adj}
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestCycleExecutesTopRankedCandidate(t *testing.T) {
	provider := &scriptedProvider{opinions: map[string]*signal.Opinion{
		"BTCUSDT": opinionWith(5.0, 0.8),
		"ETHUSDT": opinionWith(4.2, 0.7),
	}}
	adj := &scriptedAdjudicator{verdict: &adjudicator.Verdict{Action: adjudicator.ActionBuy, Confidence: 0.9}}
	fx := newEngineFixture(t, provider, adj)

	ch, cancel := fx.bus.Subscribe(64)
	defer cancel()

	fx.engine.runCycle(context.Background())

	open, err := fx.paper.GetOpenPositions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, open, 1, "exactly one order per cycle")
	assert.Equal(t, "BTCUSDT", open[0].Symbol)
	assert.Equal(t, broker.DirectionLong, open[0].Direction)

	assert.Equal(t, 1, fx.auth.DailyTrades())
	require.Len(t, fx.journal.opens, 1)
	assert.Equal(t, "BTCUSDT", fx.journal.opens[0].Symbol)

	var sawTrade, sawSummary bool
	for _, ev := range drain(ch) {
		switch ev.Type {
		case events.TypeTradeExecuted:
			sawTrade = true
		case events.TypeCycleSummary:
			sawSummary = true
		}
	}
	assert.True(t, sawTrade)
	assert.True(t, sawSummary)
}

func TestAdjudicatorHoldBlocksExecution(t *testing.T) {
	provider := &scriptedProvider{opinions: map[string]*signal.Opinion{
		"BTCUSDT": opinionWith(5.0, 0.8),
	}}
	adj := &scriptedAdjudicator{verdict: &adjudicator.Verdict{Action: adjudicator.ActionHold, Confidence: 0.9, Reason: "chop"}}
	fx := newEngineFixture(t, provider, adj)

	fx.engine.runCycle(context.Background())

	open, err := fx.paper.GetOpenPositions(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, 0, fx.auth.DailyTrades())
	assert.Equal(t, 1, adj.calls)
}

func TestSureshotScoreBypassesAdjudicator(t *testing.T) {
	provider := &scriptedProvider{opinions: map[string]*signal.Opinion{
		"BTCUSDT": opinionWith(5.8, 0.9),
	}}
	adj := &scriptedAdjudicator{verdict: &adjudicator.Verdict{Action: adjudicator.ActionHold, Confidence: 0.9}}
	fx := newEngineFixture(t, provider, adj)

	fx.engine.runCycle(context.Background())

	open, err := fx.paper.GetOpenPositions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 0, adj.calls, "sureshot executes without consulting the adjudicator")
}

func TestAdjudicatorUnavailableFallsBackToScoreConfidence(t *testing.T) {
	provider := &scriptedProvider{opinions: map[string]*signal.Opinion{
		"BTCUSDT": opinionWith(4.8, 0.8), // 4.8/6 = 0.8 confidence, above the 0.6 threshold
	}}
	adj := &scriptedAdjudicator{err: fmt.Errorf("gateway down")}
	fx := newEngineFixture(t, provider, adj)

	ch, cancel := fx.bus.Subscribe(64)
	defer cancel()

	fx.engine.runCycle(context.Background())

	open, err := fx.paper.GetOpenPositions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, open, 1)

	var fallback bool
	for _, ev := range drain(ch) {
		if ev.Type == events.TypeCandidateAdjudicated {
			payload, ok := ev.Payload.(events.CandidateAdjudicated)
			require.True(t, ok)
			fallback = payload.Fallback
		}
	}
	assert.True(t, fallback)
}

func TestCircuitBreakerSkipsScanning(t *testing.T) {
	provider := &scriptedProvider{opinions: map[string]*signal.Opinion{
		"BTCUSDT": opinionWith(5.0, 0.8),
	}}
	fx := newEngineFixture(t, provider, nil)
	fx.auth.SetCircuitBreaker(true)

	ch, cancel := fx.bus.Subscribe(64)
	defer cancel()

	fx.engine.runCycle(context.Background())

	open, err := fx.paper.GetOpenPositions(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, open)

	var sawSummary bool
	for _, ev := range drain(ch) {
		if ev.Type == events.TypeCycleSummary {
			sawSummary = true
		}
	}
	assert.True(t, sawSummary, "reporting runs even when the cycle is gated")
}

func TestPanickingAgentIsIsolated(t *testing.T) {
	provider := &scriptedProvider{
		opinions: map[string]*signal.Opinion{"BTCUSDT": opinionWith(5.8, 0.8)},
		panics:   map[string]bool{"ETHUSDT": true},
	}
	fx := newEngineFixture(t, provider, nil)

	fx.engine.runCycle(context.Background())

	open, err := fx.paper.GetOpenPositions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "BTCUSDT", open[0].Symbol)
}

func TestClosedDealsFeedRiskStateAndJournal(t *testing.T) {
	provider := &scriptedProvider{opinions: map[string]*signal.Opinion{
		"BTCUSDT": opinionWith(5.8, 0.8),
	}}
	fx := newEngineFixture(t, provider, nil)

	fx.engine.runCycle(context.Background())
	open, err := fx.paper.GetOpenPositions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, open, 1)

	// Crash the price through the stop; the paper broker sweeps it into a
	// deal on the next snapshot and the cycle feeds it back.
	fx.board.set("BTCUSDT", open[0].StopLoss-5, open[0].StopLoss-4.5)
	fx.engine.runCycle(context.Background())

	assert.Equal(t, 1, fx.auth.ConsecutiveLosses("BTCUSDT"))
	require.Len(t, fx.journal.closes, 1)
	assert.Equal(t, "BTCUSDT", fx.journal.closes[0].Symbol)
	assert.Negative(t, fx.journal.closes[0].Profit)
}

// countingBroker counts account reads passing through the engine.
type countingBroker struct {
	*broker.Paper
	accountCalls int
}

func (b *countingBroker) GetAccountInfo(ctx context.Context) (*broker.AccountInfo, error) {
	b.accountCalls++
	return b.Paper.GetAccountInfo(ctx)
}

type capturingReporter struct {
	mu       sync.Mutex
	accounts []*broker.AccountInfo
}

func (r *capturingReporter) ReportCycle(_ events.CycleSummary, _ []broker.Position, account *broker.AccountInfo) {
	r.mu.Lock()
	r.accounts = append(r.accounts, account)
	r.mu.Unlock()
}

func TestReconnectRestoresSessionAndIsObservable(t *testing.T) {
	provider := &scriptedProvider{opinions: map[string]*signal.Opinion{
		"BTCUSDT": opinionWith(5.8, 0.8),
	}}
	fx := newEngineFixture(t, provider, nil)

	fx.engine.enterFatal(fmt.Errorf("api timeout"))
	require.True(t, fx.engine.sessionLost)

	ch, cancel := fx.bus.Subscribe(64)
	defer cancel()

	fx.engine.runCycle(context.Background())

	assert.False(t, fx.engine.sessionLost)
	var restored bool
	for _, ev := range drain(ch) {
		if ev.Type == events.TypeSessionRestored {
			restored = true
		}
	}
	assert.True(t, restored, "recovery must be visible on the bus")

	open, err := fx.paper.GetOpenPositions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, open, 1, "trading resumes in the cycle that reconnected")
}

func TestFinishCycleReusesAccountSnapshot(t *testing.T) {
	provider := &scriptedProvider{opinions: map[string]*signal.Opinion{
		"BTCUSDT": opinionWith(5.8, 0.8),
	}}
	fx := newEngineFixture(t, provider, nil)

	exec := &countingBroker{Paper: fx.paper}
	reporter := &capturingReporter{}
	fx.engine.exec = exec
	fx.engine.reporter = reporter

	fx.engine.runCycle(context.Background())

	assert.Equal(t, 1, exec.accountCalls, "a full cycle reads the account once")
	require.Len(t, reporter.accounts, 1)
	require.NotNil(t, reporter.accounts[0])

	// A cycle gated before ranking never took a snapshot, so the reporter
	// pays for one of its own.
	fx.auth.SetCircuitBreaker(true)
	fx.engine.runCycle(context.Background())

	assert.Equal(t, 2, exec.accountCalls)
	require.Len(t, reporter.accounts, 2)
	require.NotNil(t, reporter.accounts[1])
}

func TestRunStopsOnContextCancel(t *testing.T) {
	provider := &scriptedProvider{opinions: map[string]*signal.Opinion{
		"BTCUSDT": opinionWith(2.0, 0.5), // blocked on score, keeps cycles cheap
	}}
	fx := newEngineFixture(t, provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.engine.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop on cancel")
	}
}
