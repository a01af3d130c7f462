package policy

import "simtrade/market"

// View is the read-only slice of position state exposed to management
// policies. The engine builds one per open position per bar; policies never
// mutate positions directly.
type View struct {
	Direction     int // +1 long, -1 short
	EntryPrice    float64
	StopLoss      float64
	TakeProfit    float64
	TPEnabled     bool
	Volume        float64
	InitialRisk   float64 // price distance frozen at open, basis for R-multiples
	TierIndex     int
	BreakevenDone bool
	TPExtended    bool
	OriginalTP    float64
	TrailSteps    int
	RunnerActive  bool
	EntryATR      float64
}

// ProfitPoints is the current open profit in price units, measured at the
// bar close the way the live terminal reports it.
func (v View) ProfitPoints(bar market.Bar) float64 {
	if v.Direction > 0 {
		return bar.Close - v.EntryPrice
	}
	return v.EntryPrice - bar.Close
}

// ProfitR converts open profit into R-multiples of the frozen initial risk.
func (v View) ProfitR(bar market.Bar) float64 {
	if v.InitialRisk <= 0 {
		return 0
	}
	return v.ProfitPoints(bar) / v.InitialRisk
}

// Outcome is the set of mutations a policy requests for one bar. Nil
// pointers mean "leave untouched". Stop changes are applied through the
// position's one-directional tighten guard, so a policy can never loosen a
// stop even if it asks to.
type Outcome struct {
	StopLoss       *float64
	TakeProfit     *float64
	DisableTP      bool
	CloseFraction  float64 // fraction of current volume to close, 0 = none
	AdvanceTier    bool
	SetBreakeven   bool
	SetTPExtended  bool
	SwitchToRunner bool
	TrailSteps     *int
	Reason         string
}

// Empty reports whether the outcome requests nothing.
func (o Outcome) Empty() bool {
	return o.StopLoss == nil && o.TakeProfit == nil && !o.DisableTP &&
		o.CloseFraction == 0 && !o.AdvanceTier && !o.SetBreakeven &&
		!o.SetTPExtended && !o.SwitchToRunner && o.TrailSteps == nil
}

// Policy is one stop-management rule.
type Policy interface {
	Name() string
	Evaluate(v View, bar market.Bar) Outcome
}

// Chain is the ordered policy precedence. Exactly one stop-tightening
// policy class is active per position per bar: the first enabled one.
// Positions in runner mode bypass the chain and trail on ATR; the optional
// take-profit extension applies on top of whichever rule ran.
type Chain struct {
	ordered []Policy
	runner  *RunnerTrail
	tpExt   *TPExtension
}

// NewChain assembles the chain from whichever policies are enabled. Order
// is fixed: multi-tier TP, tiered trailing, linear trailing, breakeven.
// An enabled policy with an empty table is inert, not skipped; lower
// priority rules are never implicitly promoted past it.
func NewChain(multiTier *MultiTierTP, tiered *TieredTrailing, linear *LinearTrailing, breakeven *Breakeven, runner *RunnerTrail, tpExt *TPExtension) *Chain {
	c := &Chain{tpExt: tpExt}
	if runner != nil && runner.ATRMultiplier > 0 {
		c.runner = runner
	}
	if multiTier != nil && multiTier.Enabled {
		c.ordered = append(c.ordered, multiTier)
	}
	if tiered != nil && tiered.Enabled {
		c.ordered = append(c.ordered, tiered)
	}
	if linear != nil && linear.Enabled {
		c.ordered = append(c.ordered, linear)
	}
	if breakeven != nil && breakeven.Enabled {
		c.ordered = append(c.ordered, breakeven)
	}
	if c.tpExt != nil && !c.tpExt.Enabled {
		c.tpExt = nil
	}
	return c
}

// Active lists the enabled policy names in precedence order.
func (c *Chain) Active() []string {
	names := make([]string, 0, len(c.ordered)+2)
	for _, p := range c.ordered {
		names = append(names, p.Name())
	}
	if c.runner != nil {
		names = append(names, c.runner.Name())
	}
	if c.tpExt != nil {
		names = append(names, c.tpExt.Name())
	}
	return names
}

// Evaluate returns the outcomes to apply to one position for one bar, in
// application order.
func (c *Chain) Evaluate(v View, bar market.Bar) []Outcome {
	var outcomes []Outcome

	if v.RunnerActive {
		if c.runner != nil {
			if o := c.runner.Evaluate(v, bar); !o.Empty() {
				outcomes = append(outcomes, o)
			}
		}
	} else if len(c.ordered) > 0 {
		// First enabled policy wins; the rest never run.
		if o := c.ordered[0].Evaluate(v, bar); !o.Empty() {
			outcomes = append(outcomes, o)
		}
	}

	if c.tpExt != nil {
		if o := c.tpExt.Evaluate(v, bar); !o.Empty() {
			outcomes = append(outcomes, o)
		}
	}
	return outcomes
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }
