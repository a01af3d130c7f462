package strategy

import "simtrade/market"

// EMACrossConfig tunes the example crossover strategy. Distances are in
// ATR multiples so the strategy adapts to volatility without recomputing
// anything itself.
type EMACrossConfig struct {
	FastColumn string  `json:"fast_column,omitempty"`  // indicator column, default ema_fast
	SlowColumn string  `json:"slow_column,omitempty"`  // indicator column, default ema_slow
	ATRColumn  string  `json:"atr_column,omitempty"`   // indicator column, default atr
	StopATR    float64 `json:"stop_atr,omitempty"`     // stop distance in ATR multiples, default 1.5
	TargetATR  float64 `json:"target_atr,omitempty"`   // take-profit distance in ATR multiples, default 3.0
}

func (c EMACrossConfig) withDefaults() EMACrossConfig {
	if c.FastColumn == "" {
		c.FastColumn = "ema_fast"
	}
	if c.SlowColumn == "" {
		c.SlowColumn = "ema_slow"
	}
	if c.ATRColumn == "" {
		c.ATRColumn = "atr"
	}
	if c.StopATR <= 0 {
		c.StopATR = 1.5
	}
	if c.TargetATR <= 0 {
		c.TargetATR = 3.0
	}
	return c
}

// EMACross signals on fast/slow EMA crossovers with ATR-scaled stops. It
// reads all of its inputs from precomputed indicator columns, so a bar
// without warmed-up indicators produces no signal.
type EMACross struct {
	cfg EMACrossConfig
}

// NewEMACross constructs the crossover strategy.
func NewEMACross(cfg EMACrossConfig) *EMACross {
	return &EMACross{cfg: cfg.withDefaults()}
}

func (s *EMACross) Name() string { return "ema-cross" }

// Evaluate emits a long signal when the fast EMA crosses above the slow on
// the current bar, a short signal on the mirror cross, and nothing
// otherwise.
func (s *EMACross) Evaluate(history []market.Bar) Signal {
	if len(history) < 2 {
		return Signal{}
	}

	cur := history[len(history)-1]
	prev := history[len(history)-2]

	fastNow, ok1 := cur.Indicator(s.cfg.FastColumn)
	slowNow, ok2 := cur.Indicator(s.cfg.SlowColumn)
	fastPrev, ok3 := prev.Indicator(s.cfg.FastColumn)
	slowPrev, ok4 := prev.Indicator(s.cfg.SlowColumn)
	atr, ok5 := cur.Indicator(s.cfg.ATRColumn)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || atr <= 0 {
		return Signal{}
	}

	switch {
	case fastPrev <= slowPrev && fastNow > slowNow:
		return Signal{
			Direction:  Long,
			StopLoss:   cur.Close - s.cfg.StopATR*atr,
			TakeProfit: cur.Close + s.cfg.TargetATR*atr,
		}
	case fastPrev >= slowPrev && fastNow < slowNow:
		return Signal{
			Direction:  Short,
			StopLoss:   cur.Close + s.cfg.StopATR*atr,
			TakeProfit: cur.Close - s.cfg.TargetATR*atr,
		}
	}
	return Signal{}
}
