package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ptdat-quant/confluence-bot/internal/events"
	"github.com/ptdat-quant/confluence-bot/internal/monitoring"
)

func healthStatus(health *monitoring.HealthChecker) monitoring.HealthStatus {
	rec := httptest.NewRecorder()
	health.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var st monitoring.HealthStatus
	_ = json.NewDecoder(rec.Body).Decode(&st)
	return st
}

func TestTrackHealthTogglesConnectedOnSessionEvents(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	health := monitoring.NewHealthChecker()
	health.SetConnected(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go trackHealth(ctx, bus, health)
	time.Sleep(20 * time.Millisecond) // let the subscription register

	bus.Publish(events.TypeFatal, events.Fatal{Reason: "api timeout"})
	assert.Eventually(t, func() bool {
		return !healthStatus(health).IsConnected
	}, time.Second, 10*time.Millisecond, "a lost session must show at /health")

	bus.Publish(events.TypeSessionRestored, events.SessionRestored{Cycle: 3})
	bus.Publish(events.TypeCycleSummary, events.CycleSummary{Count: 3})
	assert.Eventually(t, func() bool {
		st := healthStatus(health)
		return st.IsConnected && st.LastError == ""
	}, time.Second, 10*time.Millisecond, "recovery must clear the degraded state")
}
