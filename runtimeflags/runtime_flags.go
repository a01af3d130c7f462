package runtimeflags

import "sync/atomic"

// Flags holds mutable runtime switches that can be flipped while the
// process is running, e.g. through the admin API mid-run. Atomic primitives
// give immediate visibility to all goroutines without locks.
type Flags struct {
	enforceRisk atomic.Bool
	persistence atomic.Bool
	trading     atomic.Bool
}

// State is a snapshot of all runtime flags, also used as the payload for
// API responses.
type State struct {
	EnforceRiskLimits bool `json:"enforce_risk_limits"`
	EnablePersistence bool `json:"enable_persistence"`
	TradingEnabled    bool `json:"trading_enabled"`
}

// DefaultState enables everything except persistence, which needs a
// database to be configured first.
func DefaultState() State {
	return State{
		EnforceRiskLimits: true,
		EnablePersistence: false,
		TradingEnabled:    true,
	}
}

// Update is a partial change to the runtime flags. Nil pointers mean
// "leave untouched" so callers can toggle a subset of fields.
type Update struct {
	EnforceRiskLimits *bool `json:"enforce_risk_limits"`
	EnablePersistence *bool `json:"enable_persistence"`
	TradingEnabled    *bool `json:"trading_enabled"`
}

// New constructs a Flags container from the provided defaults.
func New(initial State) *Flags {
	f := &Flags{}
	f.SetEnforceRiskLimits(initial.EnforceRiskLimits)
	f.SetEnablePersistence(initial.EnablePersistence)
	f.SetTradingEnabled(initial.TradingEnabled)
	return f
}

// SetEnforceRiskLimits toggles governor enforcement. With enforcement off
// the governor still tracks state and emits telemetry but never suppresses
// a signal.
func (f *Flags) SetEnforceRiskLimits(enabled bool) {
	f.enforceRisk.Store(enabled)
}

// EnforceRiskLimits returns the instant value of the enforcement flag.
func (f *Flags) EnforceRiskLimits() bool {
	return f.enforceRisk.Load()
}

// SetEnablePersistence toggles database persistence of run results.
func (f *Flags) SetEnablePersistence(enabled bool) {
	f.persistence.Store(enabled)
}

// PersistenceEnabled reports whether run results should be written to the
// database.
func (f *Flags) PersistenceEnabled() bool {
	return f.persistence.Load()
}

// SetTradingEnabled toggles whether the paper-trading loop may open new
// positions at all.
func (f *Flags) SetTradingEnabled(enabled bool) {
	f.trading.Store(enabled)
}

// TradingEnabled returns whether new entries are allowed.
func (f *Flags) TradingEnabled() bool {
	return f.trading.Load()
}

// Apply atomically applies a partial update and returns the resulting
// state snapshot.
func (f *Flags) Apply(update Update) State {
	if update.EnforceRiskLimits != nil {
		f.SetEnforceRiskLimits(*update.EnforceRiskLimits)
	}
	if update.EnablePersistence != nil {
		f.SetEnablePersistence(*update.EnablePersistence)
	}
	if update.TradingEnabled != nil {
		f.SetTradingEnabled(*update.TradingEnabled)
	}
	return f.State()
}

// State returns a consistent snapshot of all runtime flags.
func (f *Flags) State() State {
	return State{
		EnforceRiskLimits: f.EnforceRiskLimits(),
		EnablePersistence: f.PersistenceEnabled(),
		TradingEnabled:    f.TradingEnabled(),
	}
}
