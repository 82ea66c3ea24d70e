package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptdat-quant/confluence-bot/internal/broker"
	"github.com/ptdat-quant/confluence-bot/internal/events"
)

func TestTelegramSendsSelectedEvents(t *testing.T) {
	got := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "42", r.FormValue("chat_id"))
		got <- r.FormValue("text")
	}))
	defer srv.Close()

	n := NewTelegram("token", "42", nil)
	n.baseURL = srv.URL

	bus := events.NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go n.Run(ctx, ch)

	bus.Publish(events.TypeCycleStarted, events.CycleStarted{Count: 1}) // not push-worthy
	bus.Publish(events.TypeKillSwitchActivated, events.KillSwitchActivated{Symbol: "BTCUSDT", RecentLoss: -150})
	bus.Publish(events.TypeTradeExecuted, events.TradeExecuted{
		Symbol: "ETHUSDT", Direction: broker.DirectionLong, Volume: 0.5,
		Entry: 2500, StopLoss: 2450, TakeProfit: 2600, Score: 4.5,
	})

	select {
	case text := <-got:
		assert.Contains(t, text, "Kill switch")
		assert.Contains(t, text, "BTCUSDT")
	case <-time.After(2 * time.Second):
		t.Fatal("kill switch alert not sent")
	}
	select {
	case text := <-got:
		assert.Contains(t, text, "Trade executed")
		assert.Contains(t, text, "ETHUSDT")
	case <-time.After(2 * time.Second):
		t.Fatal("trade alert not sent")
	}

	// The cycle event was filtered before any HTTP call.
	select {
	case text := <-got:
		t.Fatalf("unexpected message: %s", text)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRenderSkipsUnlistedEvents(t *testing.T) {
	assert.Empty(t, render(events.Event{Type: events.TypeCycleSummary, Payload: events.CycleSummary{}}))
	assert.NotEmpty(t, render(events.Event{Type: events.TypeFatal, Payload: events.Fatal{Reason: "socket closed"}}))
	assert.NotEmpty(t, render(events.Event{Type: events.TypeSessionRestored, Payload: events.SessionRestored{Cycle: 4}}))
}
