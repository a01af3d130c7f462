package market

import (
	"fmt"
	"math"
	"time"
)

// Bar is a single OHLCV candle plus whatever named indicator columns the
// upstream data pipeline attached (ema_fast, atr, adx, ...). Bars are
// read-only once loaded; the simulation core never recomputes indicators.
type Bar struct {
	Time       time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	Indicators map[string]float64
}

// Indicator returns the named column value. The second return is false when
// the column is missing or NaN (indicator warm-up period), so callers can
// silently skip indicator-driven logic on that bar.
func (b Bar) Indicator(name string) (float64, bool) {
	v, ok := b.Indicators[name]
	if !ok || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// Series is a time-ascending, append-only sequence of bars for one symbol
// and timeframe.
type Series struct {
	Symbol    string
	Timeframe Timeframe
	Bars      []Bar
}

// Len returns the number of bars.
func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Bars)
}

// At returns the bar at index i.
func (s *Series) At(i int) Bar {
	return s.Bars[i]
}

// History returns the prefix of bars up to and including index i. Strategies
// receive this growing window each bar and must not mutate it.
func (s *Series) History(i int) []Bar {
	if s == nil || i < 0 {
		return nil
	}
	if i >= len(s.Bars) {
		i = len(s.Bars) - 1
	}
	return s.Bars[:i+1]
}

// SetIndicator attaches a named column to every bar. The value slice must
// have exactly one entry per bar; NaN marks warm-up gaps.
func (s *Series) SetIndicator(name string, values []float64) error {
	if len(values) != len(s.Bars) {
		return fmt.Errorf("indicator %s: %d values for %d bars", name, len(values), len(s.Bars))
	}
	for i := range s.Bars {
		if s.Bars[i].Indicators == nil {
			s.Bars[i].Indicators = make(map[string]float64)
		}
		s.Bars[i].Indicators[name] = values[i]
	}
	return nil
}

// Validate checks that bar timestamps are strictly ascending and prices are
// sane (high >= low, no non-positive prices).
func (s *Series) Validate() error {
	for i, b := range s.Bars {
		if b.High < b.Low {
			return fmt.Errorf("bar %d (%s): high %.5f below low %.5f", i, b.Time.Format(time.RFC3339), b.High, b.Low)
		}
		if b.Open <= 0 || b.Close <= 0 {
			return fmt.Errorf("bar %d (%s): non-positive price", i, b.Time.Format(time.RFC3339))
		}
		if i > 0 && !b.Time.After(s.Bars[i-1].Time) {
			return fmt.Errorf("bar %d (%s): timestamp not ascending", i, b.Time.Format(time.RFC3339))
		}
	}
	return nil
}
