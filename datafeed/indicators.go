package datafeed

import (
	"fmt"
	"math"

	"simtrade/market"
)

// IndicatorSpec lists the columns to precompute before a run. Zero periods
// skip the column; NaN marks warm-up bars.
type IndicatorSpec struct {
	EMAFastPeriod int
	EMASlowPeriod int
	ATRPeriod     int
	ADXPeriod     int
}

// Precompute attaches the requested indicator columns to the series. The
// column names match what the strategies and policies read by default.
func Precompute(s *market.Series, spec IndicatorSpec) error {
	if spec.EMAFastPeriod > 0 {
		if err := s.SetIndicator("ema_fast", EMA(closes(s), spec.EMAFastPeriod)); err != nil {
			return fmt.Errorf("ema_fast: %w", err)
		}
	}
	if spec.EMASlowPeriod > 0 {
		if err := s.SetIndicator("ema_slow", EMA(closes(s), spec.EMASlowPeriod)); err != nil {
			return fmt.Errorf("ema_slow: %w", err)
		}
	}
	if spec.ATRPeriod > 0 {
		if err := s.SetIndicator("atr", ATR(s.Bars, spec.ATRPeriod)); err != nil {
			return fmt.Errorf("atr: %w", err)
		}
	}
	if spec.ADXPeriod > 0 {
		if err := s.SetIndicator("adx", ADX(s.Bars, spec.ADXPeriod)); err != nil {
			return fmt.Errorf("adx: %w", err)
		}
	}
	return nil
}

func closes(s *market.Series) []float64 {
	values := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		values[i] = b.Close
	}
	return values
}

func nanSlice(n int) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = math.NaN()
	}
	return values
}

// EMA computes an exponential moving average seeded with the simple average
// of the first period values.
func EMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return out
	}

	var sum float64
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	prev := sum / float64(period)
	out[period-1] = prev

	k := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		prev = prev + k*(values[i]-prev)
		out[i] = prev
	}
	return out
}

func trueRange(cur, prev market.Bar) float64 {
	tr := cur.High - cur.Low
	if d := math.Abs(cur.High - prev.Close); d > tr {
		tr = d
	}
	if d := math.Abs(cur.Low - prev.Close); d > tr {
		tr = d
	}
	return tr
}

// ATR computes the Wilder-smoothed average true range.
func ATR(bars []market.Bar, period int) []float64 {
	out := nanSlice(len(bars))
	if period <= 0 || len(bars) <= period {
		return out
	}

	var sum float64
	for i := 1; i <= period; i++ {
		sum += trueRange(bars[i], bars[i-1])
	}
	atr := sum / float64(period)
	out[period] = atr

	for i := period + 1; i < len(bars); i++ {
		atr = (atr*float64(period-1) + trueRange(bars[i], bars[i-1])) / float64(period)
		out[i] = atr
	}
	return out
}

// ADX computes Wilder's average directional index. The first value lands
// at index 2*period, everything before is warm-up.
func ADX(bars []market.Bar, period int) []float64 {
	out := nanSlice(len(bars))
	if period <= 0 || len(bars) <= 2*period {
		return out
	}

	n := len(bars)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	tr := make([]float64, n)
	for i := 1; i < n; i++ {
		up := bars[i].High - bars[i-1].High
		down := bars[i-1].Low - bars[i].Low
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
		tr[i] = trueRange(bars[i], bars[i-1])
	}

	var smPlus, smMinus, smTR float64
	for i := 1; i <= period; i++ {
		smPlus += plusDM[i]
		smMinus += minusDM[i]
		smTR += tr[i]
	}

	dx := make([]float64, n)
	computeDX := func(i int) float64 {
		if smTR == 0 {
			return 0
		}
		plusDI := 100 * smPlus / smTR
		minusDI := 100 * smMinus / smTR
		if plusDI+minusDI == 0 {
			return 0
		}
		return 100 * math.Abs(plusDI-minusDI) / (plusDI + minusDI)
	}
	dx[period] = computeDX(period)

	for i := period + 1; i < n; i++ {
		smPlus = smPlus - smPlus/float64(period) + plusDM[i]
		smMinus = smMinus - smMinus/float64(period) + minusDM[i]
		smTR = smTR - smTR/float64(period) + tr[i]
		dx[i] = computeDX(i)
	}

	var sum float64
	for i := period; i < 2*period; i++ {
		sum += dx[i]
	}
	adx := sum / float64(period)
	out[2*period] = adx

	for i := 2*period + 1; i < n; i++ {
		adx = (adx*float64(period-1) + dx[i]) / float64(period)
		out[i] = adx
	}
	return out
}
