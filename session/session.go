package session

import "time"

// Window is one row of the time-of-day risk table. Hours are in the bar
// timestamp's clock (UTC for exchange data). EndHour below StartHour wraps
// past midnight, e.g. {22, 2} covers 22:00-02:00.
type Window struct {
	Name       string  `json:"name"`
	StartHour  int     `json:"start_hour"`
	EndHour    int     `json:"end_hour"`
	Multiplier float64 `json:"multiplier"`
	Avoid      bool    `json:"avoid,omitempty"`
}

// contains reports whether hour falls inside the window, honoring wrap.
func (w Window) contains(hour int) bool {
	if w.StartHour == w.EndHour {
		return false
	}
	if w.StartHour < w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	return hour >= w.StartHour || hour < w.EndHour
}

// Table is the session-multiplier lookup applied to risk sizing. A strong
// trend reading overrides the table entirely; a weak trend inside an avoid
// window suppresses the signal rather than merely shrinking it.
type Table struct {
	Windows           []Window `json:"windows"`
	DefaultMultiplier float64  `json:"default_multiplier"`
	StrongTrendADX    float64  `json:"strong_trend_adx"` // ADX >= this forces multiplier 1.0
	WeakTrendADX      float64  `json:"weak_trend_adx"`   // ADX < this inside an avoid window suppresses
}

// Verdict is the outcome of a session lookup for one bar.
type Verdict struct {
	Multiplier float64
	Window     string
	Suppress   bool
	Reason     string
}

// Evaluate resolves the session multiplier for a bar timestamp. adxOK is
// false when the trend column is missing on this bar; the table then applies
// without either override.
func (t Table) Evaluate(at time.Time, adx float64, adxOK bool) Verdict {
	if adxOK && t.StrongTrendADX > 0 && adx >= t.StrongTrendADX {
		return Verdict{Multiplier: 1.0, Window: "strong-trend", Reason: "trend override"}
	}

	hour := at.Hour()
	for _, w := range t.Windows {
		if !w.contains(hour) {
			continue
		}
		if w.Avoid && adxOK && t.WeakTrendADX > 0 && adx < t.WeakTrendADX {
			return Verdict{Window: w.Name, Suppress: true, Reason: "avoid session, weak trend"}
		}
		if w.Multiplier <= 0 {
			return Verdict{Window: w.Name, Suppress: true, Reason: "zero session multiplier"}
		}
		return Verdict{Multiplier: w.Multiplier, Window: w.Name}
	}

	def := t.DefaultMultiplier
	if def <= 0 {
		def = 1.0
	}
	return Verdict{Multiplier: def, Window: "default"}
}
