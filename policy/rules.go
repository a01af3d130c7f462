package policy

import (
	"fmt"
	"math"
	"sort"

	"simtrade/market"
)

// ATRColumn is the indicator column the runner trail and ATR-triggered
// breakeven read. Bars without the column silently skip those rules.
const ATRColumn = "atr"

// TPTier is one rung of the multi-tier take-profit ladder. Triggers and
// stop/target placements are R-multiples of the position's frozen initial
// risk; optional fields are nil when the rung leaves them untouched.
type TPTier struct {
	TriggerR       float64  `json:"trigger_r"`
	ClosePct       float64  `json:"close_pct"`
	NewStopR       *float64 `json:"new_stop_r,omitempty"` // stop at entry + R*risk (0 = breakeven)
	NewTakeR       *float64 `json:"new_take_r,omitempty"` // target at entry + R*risk
	SwitchToRunner bool     `json:"switch_to_runner,omitempty"`
}

// MultiTierTP walks a ladder of partial closes at increasing R-multiples.
// Rungs fire in order; a rung that switches to the runner disables the
// fixed take-profit and hands exits to the ATR trail.
type MultiTierTP struct {
	Enabled bool     `json:"enabled"`
	Tiers   []TPTier `json:"tiers"`
}

func (p *MultiTierTP) Name() string { return "multi-tier-tp" }

func (p *MultiTierTP) Evaluate(v View, bar market.Bar) Outcome {
	if v.TierIndex >= len(p.Tiers) || v.InitialRisk <= 0 {
		return Outcome{}
	}

	tier := p.Tiers[v.TierIndex]
	if v.ProfitR(bar) < tier.TriggerR {
		return Outcome{}
	}

	out := Outcome{
		CloseFraction: tier.ClosePct / 100,
		AdvanceTier:   true,
		Reason:        fmt.Sprintf("tp tier %d at %.1fR", v.TierIndex+1, tier.TriggerR),
	}
	if tier.NewStopR != nil {
		out.StopLoss = floatPtr(v.EntryPrice + *tier.NewStopR*v.InitialRisk*float64(v.Direction))
	}
	if tier.NewTakeR != nil {
		out.TakeProfit = floatPtr(v.EntryPrice + *tier.NewTakeR*v.InitialRisk*float64(v.Direction))
	}
	if tier.SwitchToRunner {
		out.SwitchToRunner = true
		out.DisableTP = true
	}
	return out
}

// TrailLevel is one row of the tiered trailing table: once profit reaches
// TriggerPoints, the stop moves to entry + StopOffsetPoints (direction
// aware; a positive offset locks in profit).
type TrailLevel struct {
	TriggerPoints    float64 `json:"trigger_points"`
	StopOffsetPoints float64 `json:"stop_offset_points"`
}

// TieredTrailing jumps the stop between fixed profit levels. The highest
// crossed trigger wins; the monotonic guard keeps the stop from ever
// loosening when profit retreats between levels.
type TieredTrailing struct {
	Enabled bool         `json:"enabled"`
	Levels  []TrailLevel `json:"levels"`

	sorted bool
}

func (p *TieredTrailing) Name() string { return "tiered-trailing" }

func (p *TieredTrailing) Evaluate(v View, bar market.Bar) Outcome {
	if !p.sorted {
		sort.Slice(p.Levels, func(i, j int) bool {
			return p.Levels[i].TriggerPoints > p.Levels[j].TriggerPoints
		})
		p.sorted = true
	}

	profit := v.ProfitPoints(bar)
	for _, level := range p.Levels {
		if profit >= level.TriggerPoints {
			stop := v.EntryPrice + level.StopOffsetPoints*float64(v.Direction)
			return Outcome{
				StopLoss: floatPtr(stop),
				Reason:   fmt.Sprintf("tiered trail at +%.1f", level.TriggerPoints),
			}
		}
	}
	return Outcome{}
}

// LinearTrailing ratchets the stop by ProfitStep for every TriggerStep of
// profit. The step counter lives on the position so the stop only moves
// when a new step is reached.
type LinearTrailing struct {
	Enabled     bool    `json:"enabled"`
	TriggerStep float64 `json:"trigger_step"`
	ProfitStep  float64 `json:"profit_step"`
}

func (p *LinearTrailing) Name() string { return "linear-trailing" }

func (p *LinearTrailing) Evaluate(v View, bar market.Bar) Outcome {
	if p.TriggerStep <= 0 || p.ProfitStep <= 0 {
		return Outcome{}
	}

	steps := int(math.Floor(v.ProfitPoints(bar) / p.TriggerStep))
	if steps <= v.TrailSteps {
		return Outcome{}
	}

	stop := v.EntryPrice + float64(steps)*p.ProfitStep*float64(v.Direction)
	return Outcome{
		StopLoss:   floatPtr(stop),
		TrailSteps: intPtr(steps),
		Reason:     fmt.Sprintf("linear trail step %d", steps),
	}
}

// Breakeven moves the stop to entry plus a small buffer once profit
// reaches a trigger, at most once per position. The trigger is either a
// fixed point distance or an ATR multiple of the ATR captured at entry.
type Breakeven struct {
	Enabled       bool    `json:"enabled"`
	TriggerPoints float64 `json:"trigger_points"`
	ATRMultiplier float64 `json:"atr_multiplier"` // >0 selects the ATR trigger
	BufferPoints  float64 `json:"buffer_points"`
}

func (p *Breakeven) Name() string { return "breakeven" }

func (p *Breakeven) Evaluate(v View, bar market.Bar) Outcome {
	if v.BreakevenDone {
		return Outcome{}
	}

	trigger := p.TriggerPoints
	if p.ATRMultiplier > 0 {
		if v.EntryATR <= 0 {
			return Outcome{}
		}
		trigger = v.EntryATR * p.ATRMultiplier
	}
	if trigger <= 0 || v.ProfitPoints(bar) < trigger {
		return Outcome{}
	}

	stop := v.EntryPrice + p.BufferPoints*float64(v.Direction)
	return Outcome{
		StopLoss:     floatPtr(stop),
		SetBreakeven: true,
		Reason:       "breakeven",
	}
}

// RunnerTrail trails the stop behind the bar extreme by an ATR multiple.
// Only reachable after a multi-tier rung switches the position to runner
// mode; a missing ATR column skips the bar.
type RunnerTrail struct {
	ATRMultiplier float64 `json:"atr_multiplier"`
}

func (p *RunnerTrail) Name() string { return "atr-runner" }

func (p *RunnerTrail) Evaluate(v View, bar market.Bar) Outcome {
	atr, ok := bar.Indicator(ATRColumn)
	if !ok || atr <= 0 || p.ATRMultiplier <= 0 {
		return Outcome{}
	}

	var stop float64
	if v.Direction > 0 {
		stop = bar.High - atr*p.ATRMultiplier
	} else {
		stop = bar.Low + atr*p.ATRMultiplier
	}
	return Outcome{
		StopLoss: floatPtr(stop),
		Reason:   "runner trail",
	}
}

// TPExtension widens the take-profit once profit reaches a trigger: the
// target moves to entry + original-range * factor and the stop pulls to a
// fixed offset. Applied at most once; the original target is kept on the
// position as a typed field.
type TPExtension struct {
	Enabled          bool    `json:"enabled"`
	TriggerPoints    float64 `json:"trigger_points"`
	RangeFactor      float64 `json:"range_factor"`
	StopOffsetPoints float64 `json:"stop_offset_points"`
}

func (p *TPExtension) Name() string { return "tp-extension" }

func (p *TPExtension) Evaluate(v View, bar market.Bar) Outcome {
	if v.TPExtended || !v.TPEnabled || v.TakeProfit <= 0 {
		return Outcome{}
	}
	if p.TriggerPoints <= 0 || p.RangeFactor <= 0 {
		return Outcome{}
	}
	if v.ProfitPoints(bar) < p.TriggerPoints {
		return Outcome{}
	}

	tpRange := math.Abs(v.TakeProfit - v.EntryPrice)
	newTP := v.EntryPrice + tpRange*p.RangeFactor*float64(v.Direction)
	out := Outcome{
		TakeProfit:    floatPtr(newTP),
		SetTPExtended: true,
		Reason:        "tp extension",
	}
	if p.StopOffsetPoints != 0 {
		out.StopLoss = floatPtr(v.EntryPrice + p.StopOffsetPoints*float64(v.Direction))
	}
	return out
}
