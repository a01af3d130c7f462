package risk

import (
	"fmt"
	"time"

	"simtrade/metrics"
	"simtrade/runtimeflags"
)

// GovernorParameters are the guard rails applied to the closed-trade
// stream. Zero values disable the corresponding rule.
type GovernorParameters struct {
	DailyLossLimitPct    float64 `json:"daily_loss_limit_pct"`
	ConsecutiveLossLimit int     `json:"consecutive_loss_limit"`
	CooldownSignals      int     `json:"cooldown_signals"`
}

func normalizeGovernorParameters(p GovernorParameters) GovernorParameters {
	if p.DailyLossLimitPct < 0 {
		p.DailyLossLimitPct = 0
	}
	if p.ConsecutiveLossLimit < 0 {
		p.ConsecutiveLossLimit = 0
	}
	if p.CooldownSignals < 0 {
		p.CooldownSignals = 0
	}
	if p.ConsecutiveLossLimit > 0 && p.CooldownSignals == 0 {
		p.CooldownSignals = p.ConsecutiveLossLimit
	}
	return p
}

// GovernorState is a read-only view of the governor.
type GovernorState struct {
	Day               time.Time
	DailyPnL          float64
	ConsecutiveLosses int
	CooldownCounter   int
	BreakerActive     bool
}

// Governor is the circuit breaker plus consecutive-loss cooldown. All time
// is simulated bar time; constructed fresh per run so nothing leaks across
// runs.
type Governor struct {
	runID  string
	params GovernorParameters
	flags  *runtimeflags.Flags

	day               time.Time
	dailyPnL          float64
	consecutiveLosses int
	cooldownCounter   int
	breakerActive     bool
}

// NewGovernor wires a governor for one run.
func NewGovernor(runID string, params GovernorParameters, flags *runtimeflags.Flags) *Governor {
	if flags == nil {
		flags = runtimeflags.New(runtimeflags.DefaultState())
	}
	return &Governor{
		runID:  runID,
		params: normalizeGovernorParameters(params),
		flags:  flags,
	}
}

// Parameters returns the normalized guard rails.
func (g *Governor) Parameters() GovernorParameters {
	return g.params
}

// rollDay resets daily state on a calendar-date rollover of simulated time.
func (g *Governor) rollDay(at time.Time) {
	day := at.UTC().Truncate(24 * time.Hour)
	if g.day.IsZero() {
		g.day = day
		return
	}
	if day.After(g.day) {
		g.day = day
		g.dailyPnL = 0
		if g.breakerActive {
			g.breakerActive = false
			metrics.SetCircuitBreaker(g.runID, false)
		}
		metrics.ObserveDailyPnL(g.runID, 0)
	}
}

// Advance moves the governor to a bar timestamp, applying any pending
// day rollover. The driver calls this once per bar before anything else.
func (g *Governor) Advance(at time.Time) {
	g.rollDay(at)
}

// RecordClose feeds one closed trade into the governor. balance is the
// account balance after the close; the daily-loss limit is a percentage of
// it.
func (g *Governor) RecordClose(pnl, balance float64, at time.Time) {
	g.rollDay(at)

	g.dailyPnL += pnl
	if pnl <= 0 {
		g.consecutiveLosses++
	} else {
		g.consecutiveLosses = 0
	}

	if g.params.ConsecutiveLossLimit > 0 && g.consecutiveLosses >= g.params.ConsecutiveLossLimit {
		g.cooldownCounter = g.params.CooldownSignals
	}

	if g.params.DailyLossLimitPct > 0 && balance > 0 {
		limit := balance * g.params.DailyLossLimitPct / 100
		if g.dailyPnL < -limit && !g.breakerActive {
			g.breakerActive = true
			metrics.SetCircuitBreaker(g.runID, true)
		}
	}

	metrics.ObserveDailyPnL(g.runID, g.dailyPnL)
}

// Halted reports whether the circuit breaker blocks all signal evaluation.
// Open-position management is unaffected.
func (g *Governor) Halted(at time.Time) bool {
	g.rollDay(at)
	if !g.flags.EnforceRiskLimits() {
		return false
	}
	return g.breakerActive
}

// AllowSignal gates one candidate signal. A suppressed signal consumes one
// unit of cooldown, so the counter is only decremented here, never per bar.
func (g *Governor) AllowSignal(at time.Time) (bool, string) {
	g.rollDay(at)

	if !g.flags.EnforceRiskLimits() {
		return true, ""
	}
	if g.breakerActive {
		metrics.IncSignalsSuppressed(g.runID, "circuit_breaker")
		return false, "circuit breaker active"
	}
	if g.cooldownCounter > 0 {
		g.cooldownCounter--
		metrics.IncSignalsSuppressed(g.runID, "cooldown")
		return false, fmt.Sprintf("loss cooldown (%d signals remaining)", g.cooldownCounter)
	}
	return true, ""
}

// Snapshot exposes the current governor state.
func (g *Governor) Snapshot() GovernorState {
	return GovernorState{
		Day:               g.day,
		DailyPnL:          g.dailyPnL,
		ConsecutiveLosses: g.consecutiveLosses,
		CooldownCounter:   g.cooldownCounter,
		BreakerActive:     g.breakerActive,
	}
}
