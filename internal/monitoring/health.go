package monitoring

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthChecker reports liveness for the scan loop: the session state, the
// last completed cycle and any sticky error.
type HealthChecker struct {
	mu          sync.RWMutex
	startedAt   time.Time
	lastCycle   time.Time
	isConnected bool
	lastError   string
}

// HealthStatus is the /health response body.
type HealthStatus struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	LastCycle   time.Time `json:"last_cycle"`
	IsConnected bool      `json:"is_connected"`
	Uptime      string    `json:"uptime"`
	LastError   string    `json:"last_error,omitempty"`
}

// NewHealthChecker starts the uptime clock.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{startedAt: time.Now()}
}

// SetConnected updates the execution-session state.
func (h *HealthChecker) SetConnected(connected bool) {
	h.mu.Lock()
	h.isConnected = connected
	h.mu.Unlock()
}

// CycleCompleted stamps a finished cycle and clears the sticky error.
func (h *HealthChecker) CycleCompleted() {
	h.mu.Lock()
	h.lastCycle = time.Now()
	h.lastError = ""
	h.mu.Unlock()
}

// SetError records a sticky error surfaced at /health until the next cycle.
func (h *HealthChecker) SetError(msg string) {
	h.mu.Lock()
	h.lastError = msg
	h.mu.Unlock()
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	if !h.isConnected || time.Since(h.lastCycle) > 10*time.Minute {
		status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if h.lastError != "" {
		status = "unhealthy"
		w.WriteHeader(http.StatusInternalServerError)
	}

	health := HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		LastCycle:   h.lastCycle,
		IsConnected: h.isConnected,
		Uptime:      time.Since(h.startedAt).String(),
		LastError:   h.lastError,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}
