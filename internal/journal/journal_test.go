package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptdat-quant/confluence-bot/internal/broker"
	"github.com/ptdat-quant/confluence-bot/internal/events"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func executedTrade(ticket string) events.TradeExecuted {
	return events.TradeExecuted{
		Symbol:     "BTCUSDT",
		Direction:  broker.DirectionLong,
		Ticket:     ticket,
		Volume:     0.01,
		Entry:      50000,
		StopLoss:   49000,
		TakeProfit: 52000,
		Score:      4.5,
	}
}

func TestOpenCloseRoundTrip(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.RecordOpen(ctx, executedTrade("t1")))

	entries, err := j.Trades(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Closed())
	assert.NotEmpty(t, entries[0].ID)

	closedAt := time.Date(2025, 6, 3, 14, 0, 0, 0, time.UTC)
	require.NoError(t, j.RecordClose(ctx, broker.Deal{
		Ticket: "t1", Symbol: "BTCUSDT", Direction: broker.DirectionLong,
		Volume: 0.01, EntryPrice: 50000, ExitPrice: 51500, Profit: 15, ClosedAt: closedAt,
	}))

	entries, err = j.Trades(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Closed())
	assert.InDelta(t, 51500, entries[0].ExitPrice, 1e-9)
	assert.InDelta(t, 15, entries[0].Profit, 1e-9)
	assert.Equal(t, closedAt, entries[0].ClosedAt.UTC())
}

func TestOrphanCloseIsJournaled(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	// A deal with no matching open row still lands in the journal.
	require.NoError(t, j.RecordClose(ctx, broker.Deal{
		Ticket: "child-1", Symbol: "ETHUSDT", Direction: broker.DirectionShort,
		Volume: 0.5, EntryPrice: 2500, ExitPrice: 2450, Profit: 25,
		OpenedAt: time.Now().Add(-time.Hour), ClosedAt: time.Now(),
	}))

	entries, err := j.Trades(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ETHUSDT", entries[0].Symbol)
	assert.True(t, entries[0].Closed())
}

func TestSummarize(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	profits := []float64{20, -10, 35, -5}
	for i, p := range profits {
		ticket := string(rune('a' + i))
		require.NoError(t, j.RecordOpen(ctx, executedTrade(ticket)))
		require.NoError(t, j.RecordClose(ctx, broker.Deal{
			Ticket: ticket, Symbol: "BTCUSDT", Direction: broker.DirectionLong,
			Volume: 0.01, Profit: p, ClosedAt: time.Now(),
		}))
	}
	// An open trade does not count toward realized stats.
	require.NoError(t, j.RecordOpen(ctx, executedTrade("open-1")))

	s, err := j.Summarize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Trades)
	assert.Equal(t, 2, s.Wins)
	assert.Equal(t, 2, s.Losses)
	assert.InDelta(t, 55, s.GrossProfit, 1e-9)
	assert.InDelta(t, -15, s.GrossLoss, 1e-9)
	assert.InDelta(t, 40, s.NetProfit, 1e-9)
	assert.InDelta(t, 0.5, s.WinRate(), 1e-9)
}

func TestExportXLSX(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.RecordOpen(ctx, executedTrade("t1")))
	require.NoError(t, j.RecordClose(ctx, broker.Deal{
		Ticket: "t1", Symbol: "BTCUSDT", Direction: broker.DirectionLong,
		Volume: 0.01, ExitPrice: 51500, Profit: 15, ClosedAt: time.Now(),
	}))

	path := filepath.Join(t.TempDir(), "out", "journal.xlsx")
	require.NoError(t, j.ExportXLSX(ctx, path))
	assert.FileExists(t, path)
}

func TestIDsAreTimeOrdered(t *testing.T) {
	a := newID()
	b := newID()
	assert.Less(t, a, b)
}
