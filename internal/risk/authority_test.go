package risk

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptdat-quant/confluence-bot/internal/broker"
	"github.com/ptdat-quant/confluence-bot/internal/market"
)

type quoteFunc func(ctx context.Context, symbol string) (*market.Quote, error)

func (f quoteFunc) Quote(ctx context.Context, symbol string) (*market.Quote, error) {
	return f(ctx, symbol)
}

func steadyQuotes(bid, ask float64) quoteFunc {
	return func(_ context.Context, symbol string) (*market.Quote, error) {
		return &market.Quote{Symbol: symbol, Bid: bid, Ask: ask, Last: (bid + ask) / 2, Time: time.Now()}, nil
	}
}

func testSpec(symbol string) market.InstrumentSpec {
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

func newTestAuthority(t *testing.T, cfg Config, quotes Quotes) *Authority {
	t.Helper()
	a, err := NewAuthority(cfg, []market.InstrumentSpec{testSpec("BTCUSDT"), testSpec("ETHUSDT")}, quotes, nil, nil, nil)
	require.NoError(t, err)
	return a
}

func closedDeal(symbol string, profit float64) broker.Deal {
	return broker.Deal{
		Ticket:    "t",
		Symbol:    symbol,
		Direction: broker.DirectionLong,
		Volume:    1,
		Profit:    profit,
		ClosedAt:  time.Now().UTC(),
	}
}

func TestPreScanAllowsCleanSymbol(t *testing.T) {
	a := newTestAuthority(t, Config{}, steadyQuotes(100, 100.5))

	d := a.PreScanCheck(context.Background(), "BTCUSDT")
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reason)
}

func TestPreScanCircuitBreakerFirst(t *testing.T) {
	a := newTestAuthority(t, Config{}, steadyQuotes(100, 100.5))
	a.SetCircuitBreaker(true)

	// The breaker outranks everything, including an active kill switch.
	for i := 0; i < 5; i++ {
		a.RecordClosedDeal(closedDeal("BTCUSDT", -50))
	}
	d := a.PreScanCheck(context.Background(), "BTCUSDT")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonCircuitBreaker, d.Reason)
}

func TestKillSwitchAfterConsecutiveLosses(t *testing.T) {
	cfg := Config{KillSwitch: KillSwitchConfig{Window: 10, LossThreshold: 100, ReleaseRatio: 0.5, RecoveryTrades: 3}}
	a := newTestAuthority(t, cfg, steadyQuotes(100, 100.5))

	for i := 0; i < 3; i++ {
		a.RecordClosedDeal(closedDeal("BTCUSDT", -40))
	}

	require.True(t, a.KillSwitchActive("BTCUSDT"))
	d := a.PreScanCheck(context.Background(), "BTCUSDT")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonKillSwitch, d.Reason)

	// The switch is per symbol.
	assert.True(t, a.PreScanCheck(context.Background(), "ETHUSDT").Allowed)
}

func TestKillSwitchHysteresisRelease(t *testing.T) {
	cfg := Config{KillSwitch: KillSwitchConfig{Window: 10, LossThreshold: 100, ReleaseRatio: 0.5, RecoveryTrades: 3}}
	a := newTestAuthority(t, cfg, steadyQuotes(100, 100.5))

	for i := 0; i < 3; i++ {
		a.RecordClosedDeal(closedDeal("BTCUSDT", -40))
	}
	require.True(t, a.KillSwitchActive("BTCUSDT"))

	// One winning trade is not enough.
	a.RecordClosedDeal(closedDeal("BTCUSDT", 40))
	assert.True(t, a.KillSwitchActive("BTCUSDT"))

	// Recovery trades plus rolling loss back inside the release band.
	a.RecordClosedDeal(closedDeal("BTCUSDT", 40))
	a.RecordClosedDeal(closedDeal("BTCUSDT", 20))
	assert.False(t, a.KillSwitchActive("BTCUSDT"))
}

func TestKillSwitchHandlerFires(t *testing.T) {
	cfg := Config{KillSwitch: KillSwitchConfig{Window: 5, LossThreshold: 50, ReleaseRatio: 0.5, RecoveryTrades: 2}}
	a := newTestAuthority(t, cfg, steadyQuotes(100, 100.5))

	var gotSymbol string
	var gotLoss float64
	a.SetKillSwitchHandler(func(symbol string, loss float64) {
		gotSymbol, gotLoss = symbol, loss
	})

	a.RecordClosedDeal(closedDeal("ETHUSDT", -60))
	assert.Equal(t, "ETHUSDT", gotSymbol)
	assert.InDelta(t, -60, gotLoss, 0.001)
}

func TestPayoffMandate(t *testing.T) {
	cfg := Config{
		Payoff:     PayoffConfig{Floor: 1.5, MinSample: 4},
		KillSwitch: KillSwitchConfig{Window: 10, LossThreshold: 1000},
	}
	a := newTestAuthority(t, cfg, steadyQuotes(100, 100.5))

	// Wins average 10, losses average 20: ratio 0.5, below the floor.
	a.RecordClosedDeal(closedDeal("BTCUSDT", 10))
	a.RecordClosedDeal(closedDeal("BTCUSDT", -20))
	a.RecordClosedDeal(closedDeal("BTCUSDT", 10))
	a.RecordClosedDeal(closedDeal("BTCUSDT", -20))

	d := a.PreScanCheck(context.Background(), "BTCUSDT")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonPayoffMandate, d.Reason)
}

func TestPayoffMandatePassesWithNoLosses(t *testing.T) {
	cfg := Config{
		Payoff:     PayoffConfig{Floor: 1.5, MinSample: 4},
		KillSwitch: KillSwitchConfig{Window: 10, LossThreshold: 1000},
	}
	a := newTestAuthority(t, cfg, steadyQuotes(100, 100.5))

	// A full sample of wins has an unbounded payoff ratio; the mandate must
	// not lock the symbol out of the one thing that could change the window.
	for i := 0; i < 10; i++ {
		a.RecordClosedDeal(closedDeal("BTCUSDT", 10))
	}

	d := a.PreScanCheck(context.Background(), "BTCUSDT")
	assert.True(t, d.Allowed, "reason: %s", d.Reason)
}

func TestPreScanSpreadGate(t *testing.T) {
	a := newTestAuthority(t, Config{}, steadyQuotes(100, 200)) // spread 100 > crypto ceiling 50

	d := a.PreScanCheck(context.Background(), "BTCUSDT")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonSpread, d.Reason)
}

func TestPreScanQuoteUnavailableBlocks(t *testing.T) {
	a := newTestAuthority(t, Config{}, quoteFunc(func(context.Context, string) (*market.Quote, error) {
		return nil, fmt.Errorf("stream down")
	}))

	d := a.PreScanCheck(context.Background(), "BTCUSDT")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonSpread, d.Reason)
}

func TestPreScanSessionWindow(t *testing.T) {
	cfg := Config{Session: market.SessionWindow{OpenHour: 8, CloseHour: 20}}
	a := newTestAuthority(t, cfg, steadyQuotes(100, 100.5))

	night := time.Date(2025, 6, 3, 2, 0, 0, 0, time.UTC)
	a.SetClock(func() time.Time { return night })
	d := a.PreScanCheck(context.Background(), "BTCUSDT")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonSession, d.Reason)

	day := time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC)
	a.SetClock(func() time.Time { return day })
	assert.True(t, a.PreScanCheck(context.Background(), "BTCUSDT").Allowed)
}

type fixedBlackout struct{ active bool }

func (f fixedBlackout) IsBlackout(string, time.Time) bool { return f.active }

func TestPreScanNewsBlackout(t *testing.T) {
	a, err := NewAuthority(Config{}, []market.InstrumentSpec{testSpec("BTCUSDT")},
		steadyQuotes(100, 100.5), fixedBlackout{active: true}, nil, nil)
	require.NoError(t, err)

	d := a.PreScanCheck(context.Background(), "BTCUSDT")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNews, d.Reason)
}

func TestDailyLimitAndMidnightReset(t *testing.T) {
	cfg := Config{MaxDailyTrades: 2, MaxDailyTradesPerSymbol: 2}
	a := newTestAuthority(t, cfg, steadyQuotes(100, 100.5))

	current := time.Date(2025, 6, 3, 23, 0, 0, 0, time.UTC)
	a.SetClock(func() time.Time { return current })

	a.OnTradeExecuted("BTCUSDT")
	a.OnTradeExecuted("ETHUSDT")
	assert.Equal(t, 2, a.DailyTrades())

	d := a.PreScanCheck(context.Background(), "BTCUSDT")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDailyLimit, d.Reason)

	// First check after UTC midnight resets the counters.
	current = time.Date(2025, 6, 4, 0, 5, 0, 0, time.UTC)
	assert.True(t, a.PreScanCheck(context.Background(), "BTCUSDT").Allowed)
	assert.Equal(t, 0, a.DailyTrades())
}

func TestPerSymbolDailyLimit(t *testing.T) {
	cfg := Config{MaxDailyTrades: 10, MaxDailyTradesPerSymbol: 1}
	a := newTestAuthority(t, cfg, steadyQuotes(100, 100.5))

	a.OnTradeExecuted("BTCUSDT")

	assert.Equal(t, ReasonDailyLimit, a.PreScanCheck(context.Background(), "BTCUSDT").Reason)
	assert.True(t, a.PreScanCheck(context.Background(), "ETHUSDT").Allowed)
}

func TestExecutionCheckCorrelationConflict(t *testing.T) {
	cfg := Config{Correlation: CorrelationConfig{
		Threshold: 0.7,
		Groups:    [][]string{{"BTCUSDT", "ETHUSDT"}},
	}}
	a := newTestAuthority(t, cfg, steadyQuotes(100, 100.5))

	openLongBTC := broker.Position{
		Ticket: "1", Symbol: "BTCUSDT", Direction: broker.DirectionLong,
		Volume: 0.01, EntryPrice: 100, StopLoss: 95,
	}

	// Opposite direction on a positively correlated symbol conflicts.
	d := a.ExecutionCheck(context.Background(), ExecRequest{
		Symbol: "ETHUSDT", Direction: broker.DirectionShort,
		Entry: 100, StopLoss: 104, TakeProfit: 92,
		Balance: 10000, Open: []broker.Position{openLongBTC},
	})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonCorrelation, d.Reason)

	// Same direction conflicts too: doubled exposure.
	d = a.ExecutionCheck(context.Background(), ExecRequest{
		Symbol: "ETHUSDT", Direction: broker.DirectionLong,
		Entry: 100, StopLoss: 96, TakeProfit: 108,
		Balance: 10000, Open: []broker.Position{openLongBTC},
	})
	assert.Equal(t, ReasonCorrelation, d.Reason)
}

func TestExecutionCheckLiveCorrelationOverridesStatic(t *testing.T) {
	cfg := Config{Correlation: CorrelationConfig{
		Threshold: 0.7,
		Groups:    [][]string{{"BTCUSDT", "ETHUSDT"}},
		Window:    20,
		TTL:       time.Hour,
	}}
	a := newTestAuthority(t, cfg, steadyQuotes(100, 100.5))

	// Live series are perfectly anti-correlated: the static group entry no
	// longer applies, and a same-direction position stops conflicting.
	up := make([]float64, 20)
	down := make([]float64, 20)
	for i := range up {
		v := 0.01
		if i%2 == 0 {
			v = -0.01
		}
		up[i] = v
		down[i] = -v
	}
	a.UpdateReturns("BTCUSDT", up)
	a.UpdateReturns("ETHUSDT", down)

	openLongBTC := broker.Position{
		Ticket: "1", Symbol: "BTCUSDT", Direction: broker.DirectionLong,
		Volume: 0.01, EntryPrice: 100, StopLoss: 95,
	}
	d := a.ExecutionCheck(context.Background(), ExecRequest{
		Symbol: "ETHUSDT", Direction: broker.DirectionLong,
		Entry: 100, StopLoss: 96, TakeProfit: 108,
		Balance: 10000, Open: []broker.Position{openLongBTC},
	})
	assert.True(t, d.Allowed, "live anti-correlation should clear the static conflict, got %q", d.Reason)
}

func TestExecutionCheckConcurrencyCeiling(t *testing.T) {
	cfg := Config{MaxConcurrentPositions: 1}
	a := newTestAuthority(t, cfg, steadyQuotes(100, 100.5))

	open := []broker.Position{{Ticket: "1", Symbol: "BTCUSDT", Direction: broker.DirectionLong, Volume: 0.01, EntryPrice: 100, StopLoss: 95}}
	d := a.ExecutionCheck(context.Background(), ExecRequest{
		Symbol: "ETHUSDT", Direction: broker.DirectionLong,
		Entry: 100, StopLoss: 96, TakeProfit: 108,
		Balance: 10000, Open: open,
	})
	assert.Equal(t, ReasonMaxPositions, d.Reason)
}

func TestExecutionCheckRiskReward(t *testing.T) {
	cfg := Config{MinRiskReward: 2.0}
	a := newTestAuthority(t, cfg, steadyQuotes(100, 100.5))

	d := a.ExecutionCheck(context.Background(), ExecRequest{
		Symbol: "BTCUSDT", Direction: broker.DirectionLong,
		Entry: 100, StopLoss: 96, TakeProfit: 106, // rr 1.5 < 2.0
		Balance: 10000,
	})
	assert.Equal(t, ReasonRiskReward, d.Reason)
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.db")
	store, err := NewStore(path)
	require.NoError(t, err)

	cfg := Config{
		MaxDailyTrades: 5,
		KillSwitch:     KillSwitchConfig{Window: 10, LossThreshold: 100, ReleaseRatio: 0.5, RecoveryTrades: 3},
	}
	a1, err := NewAuthority(cfg, []market.InstrumentSpec{testSpec("BTCUSDT")}, steadyQuotes(100, 100.5), nil, store, nil)
	require.NoError(t, err)

	a1.OnTradeExecuted("BTCUSDT")
	a1.OnTradeExecuted("BTCUSDT")
	for i := 0; i < 3; i++ {
		a1.RecordClosedDeal(closedDeal("BTCUSDT", -40))
	}
	require.True(t, a1.KillSwitchActive("BTCUSDT"))
	require.NoError(t, store.Close())

	store2, err := NewStore(path)
	require.NoError(t, err)
	defer store2.Close()

	a2, err := NewAuthority(cfg, []market.InstrumentSpec{testSpec("BTCUSDT")}, steadyQuotes(100, 100.5), nil, store2, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, a2.DailyTrades())
	assert.True(t, a2.KillSwitchActive("BTCUSDT"))
	assert.Equal(t, 3, a2.ConsecutiveLosses("BTCUSDT"))
	assert.Equal(t, ReasonKillSwitch, a2.PreScanCheck(context.Background(), "BTCUSDT").Reason)
}
