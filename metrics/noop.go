//go:build !metrics

package metrics

import (
	"net/http"
	"time"
)

// Handler serves an empty scrape body when the metrics build tag is off.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func IncBarsProcessed(string)                  {}
func IncBarPanics(string)                      {}
func IncTradesClosed(string, string)           {}
func IncSignalsSuppressed(string, string)      {}
func ObserveDailyPnL(string, float64)          {}
func ObserveDrawdown(string, float64)          {}
func ObserveEquity(string, float64)            {}
func SetCircuitBreaker(string, bool)           {}
func ObserveRunDuration(string, time.Duration) {}
func IncPersistenceAttempts(string)            {}
func IncPersistenceFailures(string)            {}
func ObservePersistLatency(string, time.Duration) {
}
