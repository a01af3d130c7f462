//go:build metrics

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	barsProcessedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_bars_processed_total",
		Help: "sim.bars_processed – bars consumed by the backtest loop",
	}, []string{"run_id"})

	barPanicsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_bar_panics_total",
		Help: "sim.bar_panics – per-bar panics recovered by the driver",
	}, []string{"run_id"})

	tradesClosedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_trades_closed_total",
		Help: "sim.trades_closed – closed trades by exit reason",
	}, []string{"run_id", "reason"})

	signalsSuppressedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_signals_suppressed_total",
		Help: "sim.signals_suppressed – signals rejected before entry, by reason",
	}, []string{"run_id", "reason"})

	dailyPnLGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sim_daily_pnl",
		Help: "sim.daily_pnl – current simulated-day PnL in account currency",
	}, []string{"run_id"})

	drawdownGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sim_drawdown",
		Help: "sim.drawdown – percentage drawdown from peak equity",
	}, []string{"run_id"})

	equityGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sim_equity",
		Help: "sim.equity – current account equity",
	}, []string{"run_id"})

	circuitBreakerGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sim_circuit_breaker_active",
		Help: "sim.circuit_breaker_active – 1 while the daily-loss breaker holds",
	}, []string{"run_id"})

	runDurationGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sim_run_duration_ms",
		Help: "sim.run_duration_ms – wall time of the completed run",
	}, []string{"run_id"})

	persistenceAttemptsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_persistence_attempts_total",
		Help: "sim.persistence_attempts – attempts to persist run results",
	}, []string{"run_id"})

	persistenceFailuresCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_persistence_failures_total",
		Help: "sim.persistence_failures – errors persisting run results",
	}, []string{"run_id"})

	persistLatencyGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sim_persist_latency_ms",
		Help: "sim.persist_latency_ms – time spent persisting run results",
	}, []string{"run_id"})
)

func init() {
	prometheus.MustRegister(
		barsProcessedCounter,
		barPanicsCounter,
		tradesClosedCounter,
		signalsSuppressedCounter,
		dailyPnLGauge,
		drawdownGauge,
		equityGauge,
		circuitBreakerGauge,
		runDurationGauge,
		persistenceAttemptsCounter,
		persistenceFailuresCounter,
		persistLatencyGauge,
	)
}

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

func IncBarsProcessed(runID string) {
	barsProcessedCounter.WithLabelValues(runID).Inc()
}

func IncBarPanics(runID string) {
	barPanicsCounter.WithLabelValues(runID).Inc()
}

func IncTradesClosed(runID, reason string) {
	tradesClosedCounter.WithLabelValues(runID, reason).Inc()
}

func IncSignalsSuppressed(runID, reason string) {
	signalsSuppressedCounter.WithLabelValues(runID, reason).Inc()
}

func ObserveDailyPnL(runID string, value float64) {
	dailyPnLGauge.WithLabelValues(runID).Set(value)
}

func ObserveDrawdown(runID string, value float64) {
	drawdownGauge.WithLabelValues(runID).Set(value)
}

func ObserveEquity(runID string, value float64) {
	equityGauge.WithLabelValues(runID).Set(value)
}

func SetCircuitBreaker(runID string, active bool) {
	if active {
		circuitBreakerGauge.WithLabelValues(runID).Set(1)
		return
	}
	circuitBreakerGauge.WithLabelValues(runID).Set(0)
}

func ObserveRunDuration(runID string, duration time.Duration) {
	runDurationGauge.WithLabelValues(runID).Set(duration.Seconds() * 1000)
}

func IncPersistenceAttempts(runID string) {
	persistenceAttemptsCounter.WithLabelValues(runID).Inc()
}

func IncPersistenceFailures(runID string) {
	persistenceFailuresCounter.WithLabelValues(runID).Inc()
}

func ObservePersistLatency(runID string, duration time.Duration) {
	persistLatencyGauge.WithLabelValues(runID).Set(duration.Seconds() * 1000)
}
