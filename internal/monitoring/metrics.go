// Package monitoring exposes the engine's Prometheus metrics and the health
// endpoint.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cycle metrics
	cyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scanner_cycles_total",
			Help: "Completed scan cycles",
		},
	)

	cyclesSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanner_cycles_skipped_total",
			Help: "Cycles skipped at the global gate",
		},
		[]string{"reason"},
	)

	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scanner_cycle_duration_seconds",
			Help:    "Wall time of one full cycle",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// Scan metrics
	scansBlocked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanner_blocks_total",
			Help: "Symbol scans blocked, by gate reason",
		},
		[]string{"reason"},
	)

	candidatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanner_candidates_total",
			Help: "Candidates produced by symbol agents",
		},
		[]string{"symbol"},
	)

	// Trading metrics
	tradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanner_trades_total",
			Help: "Orders placed",
		},
		[]string{"symbol"},
	)

	monitorActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanner_monitor_actions_total",
			Help: "Position monitor actions applied, by kind",
		},
		[]string{"kind"},
	)

	accountEquity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scanner_account_equity",
			Help: "Last observed account equity",
		},
	)

	// Error metrics
	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanner_errors_total",
			Help: "Errors by type",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(cyclesTotal)
	prometheus.MustRegister(cyclesSkipped)
	prometheus.MustRegister(cycleDuration)
	prometheus.MustRegister(scansBlocked)
	prometheus.MustRegister(candidatesTotal)
	prometheus.MustRegister(tradesTotal)
	prometheus.MustRegister(monitorActions)
	prometheus.MustRegister(accountEquity)
	prometheus.MustRegister(errorsTotal)
}

// MetricsHandler serves the Prometheus endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// CycleFinished records a completed cycle and its duration.
func CycleFinished(d time.Duration) {
	cyclesTotal.Inc()
	cycleDuration.Observe(d.Seconds())
}

// CycleSkipped records a cycle blocked at the global gate.
func CycleSkipped(reason string) {
	cyclesSkipped.WithLabelValues(reason).Inc()
}

// ScanBlocked records a per-symbol gate failure.
func ScanBlocked(reason string) {
	scansBlocked.WithLabelValues(reason).Inc()
}

// CandidateFound records a scan that produced a candidate.
func CandidateFound(symbol string) {
	candidatesTotal.WithLabelValues(symbol).Inc()
}

// TradeExecuted records a placed order.
func TradeExecuted(symbol string) {
	tradesTotal.WithLabelValues(symbol).Inc()
}

// MonitorAction records an applied position-management action.
func MonitorAction(kind string) {
	monitorActions.WithLabelValues(kind).Inc()
}

// SetEquity updates the equity gauge.
func SetEquity(equity float64) {
	accountEquity.Set(equity)
}

// RecordError records an error by type.
func RecordError(errorType string) {
	errorsTotal.WithLabelValues(errorType).Inc()
}
