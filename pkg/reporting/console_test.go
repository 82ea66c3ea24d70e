package reporting

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ptdat-quant/confluence-bot/internal/broker"
	"github.com/ptdat-quant/confluence-bot/internal/events"
)

func TestReportCycleRendersStatuses(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole()
	c.SetOutput(&buf)

	c.ReportCycle(events.CycleSummary{
		Count:    3,
		Duration: 1200 * time.Millisecond,
		Symbols: []events.SymbolStatus{
			{Symbol: "BTCUSDT", Status: "executed", Score: 5.2},
			{Symbol: "ETHUSDT", Status: "low_score"},
		},
	}, []broker.Position{
		{Symbol: "BTCUSDT", Direction: broker.DirectionLong, Volume: 0.01, EntryPrice: 50000, StopLoss: 49000, TakeProfit: 52000, UnrealizedPnL: 12.5},
	}, &broker.AccountInfo{Balance: 10000, Equity: 10012.5})

	out := buf.String()
	assert.Contains(t, out, "CYCLE 3")
	assert.Contains(t, out, "BTCUSDT")
	assert.Contains(t, out, "executed")
	assert.Contains(t, out, "low_score")
	assert.Contains(t, out, "OPEN POSITIONS")
	assert.Contains(t, out, "+12.50")
}

func TestReportCycleWithoutAccountOrPositions(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole()
	c.SetOutput(&buf)

	c.ReportCycle(events.CycleSummary{Count: 1}, nil, nil)
	assert.Contains(t, buf.String(), "CYCLE 1")
	assert.NotContains(t, buf.String(), "OPEN POSITIONS")
}
