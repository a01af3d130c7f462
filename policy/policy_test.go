package policy

import (
	"testing"

	"simtrade/market"
)

func longView() View {
	return View{
		Direction:   1,
		EntryPrice:  1900,
		StopLoss:    1895,
		TakeProfit:  1915,
		TPEnabled:   true,
		Volume:      1.0,
		InitialRisk: 5,
	}
}

func closeBar(close float64) market.Bar {
	return market.Bar{Open: close, High: close + 0.5, Low: close - 0.5, Close: close}
}

func TestMultiTierLadderFiresInOrder(t *testing.T) {
	mt := &MultiTierTP{Enabled: true, Tiers: []TPTier{
		{TriggerR: 1, ClosePct: 50, NewStopR: floatPtr(0)},
		{TriggerR: 2, ClosePct: 50, SwitchToRunner: true},
	}}

	v := longView()

	// Below 1R nothing fires.
	if out := mt.Evaluate(v, closeBar(1904)); !out.Empty() {
		t.Fatalf("no rung should fire below 1R, got %+v", out)
	}

	// 1R: half off, stop to breakeven.
	out := mt.Evaluate(v, closeBar(1905))
	if out.CloseFraction != 0.5 || !out.AdvanceTier {
		t.Fatalf("expected 50%% close at 1R, got %+v", out)
	}
	if out.StopLoss == nil || *out.StopLoss != 1900 {
		t.Fatalf("expected stop at entry, got %+v", out.StopLoss)
	}

	// 2R on the advanced tier: runner switch disables TP.
	v.TierIndex = 1
	out = mt.Evaluate(v, closeBar(1910))
	if !out.SwitchToRunner || !out.DisableTP {
		t.Fatalf("expected runner switch at 2R, got %+v", out)
	}

	// Ladder exhausted.
	v.TierIndex = 2
	if out := mt.Evaluate(v, closeBar(1950)); !out.Empty() {
		t.Fatalf("exhausted ladder must be inert, got %+v", out)
	}
}

func TestTieredTrailingHighestTriggerWins(t *testing.T) {
	tt := &TieredTrailing{Enabled: true, Levels: []TrailLevel{
		{TriggerPoints: 5, StopOffsetPoints: 1},
		{TriggerPoints: 15, StopOffsetPoints: 10},
		{TriggerPoints: 10, StopOffsetPoints: 5},
	}}
	v := longView()

	out := tt.Evaluate(v, closeBar(1912)) // +12: level 10 wins, not 5
	if out.StopLoss == nil || *out.StopLoss != 1905 {
		t.Fatalf("expected stop at entry+5, got %+v", out)
	}

	out = tt.Evaluate(v, closeBar(1916)) // +16: top level
	if out.StopLoss == nil || *out.StopLoss != 1910 {
		t.Fatalf("expected stop at entry+10, got %+v", out)
	}

	if out := tt.Evaluate(v, closeBar(1904)); !out.Empty() {
		t.Fatalf("below lowest trigger must be inert, got %+v", out)
	}
}

func TestTieredTrailingShortMirrors(t *testing.T) {
	tt := &TieredTrailing{Enabled: true, Levels: []TrailLevel{{TriggerPoints: 10, StopOffsetPoints: 5}}}
	v := longView()
	v.Direction = -1
	v.StopLoss = 1905

	out := tt.Evaluate(v, closeBar(1889)) // short +11
	if out.StopLoss == nil || *out.StopLoss != 1895 {
		t.Fatalf("short stop must sit below entry, got %+v", out)
	}
}

func TestLinearTrailingSteps(t *testing.T) {
	lt := &LinearTrailing{Enabled: true, TriggerStep: 10, ProfitStep: 5}
	v := longView()

	if out := lt.Evaluate(v, closeBar(1909)); !out.Empty() {
		t.Fatalf("below one step must be inert, got %+v", out)
	}

	out := lt.Evaluate(v, closeBar(1921)) // +21 => 2 steps
	if out.StopLoss == nil || *out.StopLoss != 1910 {
		t.Fatalf("expected stop at entry+10 after 2 steps, got %+v", out)
	}
	if out.TrailSteps == nil || *out.TrailSteps != 2 {
		t.Fatalf("expected recorded step count 2, got %+v", out.TrailSteps)
	}

	// Same step count again: no repeat move.
	v.TrailSteps = 2
	if out := lt.Evaluate(v, closeBar(1922)); !out.Empty() {
		t.Fatalf("same step must not re-fire, got %+v", out)
	}
}

func TestBreakevenOneShot(t *testing.T) {
	be := &Breakeven{Enabled: true, TriggerPoints: 8, BufferPoints: 1}
	v := longView()

	if out := be.Evaluate(v, closeBar(1907)); !out.Empty() {
		t.Fatalf("below trigger must be inert, got %+v", out)
	}

	out := be.Evaluate(v, closeBar(1908))
	if out.StopLoss == nil || *out.StopLoss != 1901 || !out.SetBreakeven {
		t.Fatalf("expected breakeven stop entry+1, got %+v", out)
	}

	v.BreakevenDone = true
	if out := be.Evaluate(v, closeBar(1912)); !out.Empty() {
		t.Fatalf("breakeven must apply at most once, got %+v", out)
	}
}

func TestBreakevenATRTrigger(t *testing.T) {
	be := &Breakeven{Enabled: true, ATRMultiplier: 2, BufferPoints: 0.5}
	v := longView()
	v.EntryATR = 3 // trigger = 6

	if out := be.Evaluate(v, closeBar(1905)); !out.Empty() {
		t.Fatalf("profit 5 below ATR trigger 6, got %+v", out)
	}
	if out := be.Evaluate(v, closeBar(1906.5)); out.Empty() {
		t.Fatal("profit 6.5 must trigger ATR breakeven")
	}

	// Missing entry ATR: rule silently skips.
	v.EntryATR = 0
	if out := be.Evaluate(v, closeBar(1950)); !out.Empty() {
		t.Fatalf("missing ATR must skip, got %+v", out)
	}
}

func TestRunnerTrailFollowsExtreme(t *testing.T) {
	rt := &RunnerTrail{ATRMultiplier: 2}
	v := longView()
	v.RunnerActive = true

	bar := market.Bar{Open: 1910, High: 1920, Low: 1908, Close: 1918,
		Indicators: map[string]float64{"atr": 3}}
	out := rt.Evaluate(v, bar)
	if out.StopLoss == nil || *out.StopLoss != 1914 {
		t.Fatalf("long runner stop must be high-2*atr, got %+v", out)
	}

	v.Direction = -1
	out = rt.Evaluate(v, bar)
	if out.StopLoss == nil || *out.StopLoss != 1914 {
		t.Fatalf("short runner stop must be low+2*atr, got %+v", out)
	}

	// No ATR column: silent skip for this bar.
	if out := rt.Evaluate(v, closeBar(1918)); !out.Empty() {
		t.Fatalf("missing atr column must skip, got %+v", out)
	}
}

func TestTPExtensionAppliesOnce(t *testing.T) {
	ext := &TPExtension{Enabled: true, TriggerPoints: 10, RangeFactor: 1.5, StopOffsetPoints: 2}
	v := longView() // TP range 15

	if out := ext.Evaluate(v, closeBar(1908)); !out.Empty() {
		t.Fatalf("below trigger must be inert, got %+v", out)
	}

	out := ext.Evaluate(v, closeBar(1911))
	if out.TakeProfit == nil || *out.TakeProfit != 1900+15*1.5 {
		t.Fatalf("expected extended TP 1922.5, got %+v", out.TakeProfit)
	}
	if out.StopLoss == nil || *out.StopLoss != 1902 || !out.SetTPExtended {
		t.Fatalf("expected stop pulled to entry+2, got %+v", out)
	}

	v.TPExtended = true
	if out := ext.Evaluate(v, closeBar(1912)); !out.Empty() {
		t.Fatalf("extension must apply at most once, got %+v", out)
	}
}

func TestChainFirstEnabledPolicyWins(t *testing.T) {
	mt := &MultiTierTP{Enabled: true, Tiers: []TPTier{{TriggerR: 1, ClosePct: 50}}}
	be := &Breakeven{Enabled: true, TriggerPoints: 1, BufferPoints: 0}
	chain := NewChain(mt, nil, nil, be, nil, nil)

	v := longView()
	outs := chain.Evaluate(v, closeBar(1906)) // +6 triggers both rules
	if len(outs) != 1 {
		t.Fatalf("expected exactly one outcome, got %d", len(outs))
	}
	if outs[0].CloseFraction != 0.5 {
		t.Fatalf("multi-tier must win over breakeven, got %+v", outs[0])
	}
}

func TestChainEnabledEmptyTableIsInertNotPromoted(t *testing.T) {
	mt := &MultiTierTP{Enabled: true} // enabled, no tiers
	be := &Breakeven{Enabled: true, TriggerPoints: 1}
	chain := NewChain(mt, nil, nil, be, nil, nil)

	if outs := chain.Evaluate(longView(), closeBar(1950)); len(outs) != 0 {
		t.Fatalf("empty ladder must be inert without promoting breakeven, got %+v", outs)
	}
}

func TestChainRunnerBypassesOrderedPolicies(t *testing.T) {
	be := &Breakeven{Enabled: true, TriggerPoints: 1}
	runner := &RunnerTrail{ATRMultiplier: 1}
	chain := NewChain(nil, nil, nil, be, runner, nil)

	v := longView()
	v.RunnerActive = true
	bar := market.Bar{Open: 1910, High: 1915, Low: 1909, Close: 1914,
		Indicators: map[string]float64{"atr": 2}}

	outs := chain.Evaluate(v, bar)
	if len(outs) != 1 || outs[0].StopLoss == nil || *outs[0].StopLoss != 1913 {
		t.Fatalf("runner must drive the stop, got %+v", outs)
	}
}

func TestChainDisabledTPExtensionDropped(t *testing.T) {
	ext := &TPExtension{Enabled: false, TriggerPoints: 1, RangeFactor: 2}
	chain := NewChain(nil, nil, nil, nil, nil, ext)
	if outs := chain.Evaluate(longView(), closeBar(1950)); len(outs) != 0 {
		t.Fatalf("disabled extension must not run, got %+v", outs)
	}
}
