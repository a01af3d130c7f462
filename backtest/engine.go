package backtest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"simtrade/market"
	"simtrade/metrics"
	"simtrade/policy"
	"simtrade/risk"
	"simtrade/runtimeflags"
	"simtrade/session"
	"simtrade/strategy"
)

// Parameters controls the execution model of one run. Sizing parameters live
// on the Sizer; these cover fills, spreads and exposure caps.
type Parameters struct {
	Spread        float64 `json:"spread"`
	MaxOpenTrades int     `json:"max_open_trades"`
	MaxBuy        int     `json:"max_buy"`
	MaxSell       int     `json:"max_sell"`

	// PendingEntries rests a limit at the strategy's stop price instead of
	// entering at market: the take profit moves back to the signal price
	// and the protective stop is re-measured below the trigger.
	PendingEntries    bool `json:"pending_entries"`
	PendingExpiryBars int  `json:"pending_expiry_bars"`

	ADXColumn string `json:"adx_column"`
}

func normalizeParameters(p Parameters) Parameters {
	if p.MaxOpenTrades <= 0 {
		p.MaxOpenTrades = 3
	}
	if p.MaxBuy <= 0 {
		p.MaxBuy = p.MaxOpenTrades
	}
	if p.MaxSell <= 0 {
		p.MaxSell = p.MaxOpenTrades
	}
	if p.PendingExpiryBars <= 0 {
		p.PendingExpiryBars = 8
	}
	if p.ADXColumn == "" {
		p.ADXColumn = "adx"
	}
	return p
}

// Config wires one Engine. Strategy is required; everything else gets a
// usable default.
type Config struct {
	RunID          string
	InitialBalance float64
	Parameters     Parameters

	Strategy strategy.Strategy
	Sizer    *risk.Sizer
	Governor *risk.Governor
	Sessions session.Table
	Calendar *session.Calendar
	Policies *policy.Chain
	Flags    *runtimeflags.Flags
}

// Engine is the deterministic bar-by-bar simulator. It is not safe for
// concurrent use; one engine drives one run.
type Engine struct {
	runID  string
	params Parameters

	strat    strategy.Strategy
	sizer    *risk.Sizer
	governor *risk.Governor
	sessions session.Table
	calendar *session.Calendar
	policies *policy.Chain
	flags    *runtimeflags.Flags

	account  *risk.Account
	contract float64

	positions []*Position
	pendings  []*PendingOrder
	trades    []ClosedTrade
	nextID    int

	lastSignalAt   time.Time
	maxDrawdownPct float64
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Strategy == nil {
		return nil, errors.New("backtest: strategy is required")
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = 10000
	}
	if cfg.Flags == nil {
		cfg.Flags = runtimeflags.New(runtimeflags.DefaultState())
	}
	if cfg.Sizer == nil {
		cfg.Sizer = risk.NewSizer(risk.SizerParameters{})
	}
	if cfg.Governor == nil {
		cfg.Governor = risk.NewGovernor(cfg.RunID, risk.GovernorParameters{}, cfg.Flags)
	}
	if cfg.Calendar == nil {
		cfg.Calendar = session.NewCalendar(-1)
	}
	if cfg.Policies == nil {
		cfg.Policies = policy.NewChain(nil, nil, nil, nil, nil, nil)
	}
	return &Engine{
		runID:    cfg.RunID,
		params:   normalizeParameters(cfg.Parameters),
		strat:    cfg.Strategy,
		sizer:    cfg.Sizer,
		governor: cfg.Governor,
		sessions: cfg.Sessions,
		calendar: cfg.Calendar,
		policies: cfg.Policies,
		flags:    cfg.Flags,
		account:  risk.NewAccount(cfg.InitialBalance),
		contract: cfg.Sizer.Parameters().ContractSize,
	}, nil
}

// RunID identifies this engine's run in logs, metrics and persistence.
func (e *Engine) RunID() string { return e.runID }

// Account exposes the simulated account, mainly for tests and reporting.
func (e *Engine) Account() *risk.Account { return e.account }

// Run replays the series through the full pipeline and returns the report.
// The same series and configuration always produce the same report.
func (e *Engine) Run(ctx context.Context, series *market.Series) (*Report, error) {
	if series.Len() == 0 {
		return nil, errors.New("backtest: empty series")
	}
	if err := series.Validate(); err != nil {
		return nil, fmt.Errorf("backtest: %w", err)
	}

	start := time.Now()
	for i := 0; i < series.Len(); i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		e.processBar(series, i)
	}

	last := series.At(series.Len() - 1)
	e.closeAllOpen(last.Close, last.Time, ExitEndOfData)
	e.pendings = e.pendings[:0]

	metrics.ObserveRunDuration(e.runID, time.Since(start))
	return e.buildReport(series), nil
}

// processBar runs the per-bar pipeline: governor day roll, calendar, pending
// fills, open-position management, then signal evaluation. A panic in any
// stage aborts only that bar.
func (e *Engine) processBar(series *market.Series, i int) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncBarPanics(e.runID)
			log.Printf("[backtest] run %s bar %d panic: %v", e.runID, i, r)
		}
	}()

	bar := series.At(i)
	at := bar.Time

	e.governor.Advance(at)

	flatten, skip := e.calendar.Update(at)
	if flatten {
		e.closeAllOpen(bar.Open, at, ExitFlatten)
		if len(e.pendings) > 0 {
			log.Printf("[backtest] run %s: cancelling %d pending orders for the weekend", e.runID, len(e.pendings))
			e.pendings = e.pendings[:0]
		}
	}

	e.fillPendings(bar)
	e.managePositions(bar)

	if !skip {
		e.evaluateSignal(series, i, bar)
	}

	metrics.IncBarsProcessed(e.runID)
	metrics.ObserveEquity(e.runID, e.account.Equity)
	metrics.ObserveDrawdown(e.runID, e.account.DrawdownPct())
}

// fillPendings expires and fills resting limit orders against one bar. A
// long limit fills when the low touches the trigger, at the better of the
// bar open and the trigger; shorts mirror.
func (e *Engine) fillPendings(bar market.Bar) {
	kept := e.pendings[:0]
	for _, o := range e.pendings {
		if !o.ExpiresAt.IsZero() && bar.Time.After(o.ExpiresAt) {
			log.Printf("[backtest] run %s: pending %s expired unfilled", e.runID, o.ID)
			continue
		}

		var entry float64
		filled := false
		if o.Direction > 0 && bar.Low <= o.TriggerPrice {
			entry = math.Min(bar.Open, o.TriggerPrice)
			filled = true
		} else if o.Direction < 0 && bar.High >= o.TriggerPrice {
			entry = math.Max(bar.Open, o.TriggerPrice)
			filled = true
		}
		if !filled {
			kept = append(kept, o)
			continue
		}
		e.openFromOrder(o, entry, bar)
	}
	e.pendings = kept
}

func (e *Engine) openFromOrder(o *PendingOrder, entry float64, bar market.Bar) {
	p := &Position{
		ID:                 o.ID,
		Direction:          o.Direction,
		EntryPrice:         entry,
		EntryTime:          bar.Time,
		StopLoss:           o.StopLoss,
		TakeProfit:         o.TakeProfit,
		TPEnabled:          o.TakeProfit > 0,
		Volume:             o.Volume,
		InitialVolume:      o.Volume,
		InitialRisk:        math.Abs(entry - o.StopLoss),
		DrawdownMultiplier: o.DrawdownMultiplier,
		SessionMultiplier:  o.SessionMultiplier,
	}
	p.OriginalTakeProfit = p.TakeProfit
	if atr, ok := bar.Indicator(policy.ATRColumn); ok {
		p.EntryATR = atr
	}
	e.positions = append(e.positions, p)
	log.Printf("[backtest] run %s: %s filled %s at %.5f vol %.2f sl %.5f",
		e.runID, o.ID, directionName(o.Direction), entry, o.Volume, o.StopLoss)
}

// managePositions checks protective exits then runs the policy chain on
// the survivors. The stop is always tested before the target: when a bar
// spans both, the worst case wins.
func (e *Engine) managePositions(bar market.Bar) {
	kept := e.positions[:0]
	for _, p := range e.positions {
		if e.tryProtectiveExit(p, bar) {
			continue
		}
		e.applyPolicies(p, bar)
		if p.Volume > 0 {
			kept = append(kept, p)
		}
	}
	e.positions = kept
}

func (e *Engine) tryProtectiveExit(p *Position, bar market.Bar) bool {
	if p.Direction > 0 {
		if p.StopLoss > 0 && bar.Low <= p.StopLoss {
			e.closeVolume(p, math.Min(bar.Open, p.StopLoss), bar.Time, p.Volume, ExitStopLoss)
			return true
		}
		if p.TPEnabled && p.TakeProfit > 0 && bar.High >= p.TakeProfit {
			e.closeVolume(p, math.Max(bar.Open, p.TakeProfit), bar.Time, p.Volume, ExitTakeProfit)
			return true
		}
		return false
	}
	if p.StopLoss > 0 && bar.High >= p.StopLoss {
		e.closeVolume(p, math.Max(bar.Open, p.StopLoss), bar.Time, p.Volume, ExitStopLoss)
		return true
	}
	if p.TPEnabled && p.TakeProfit > 0 && bar.Low <= p.TakeProfit {
		e.closeVolume(p, math.Min(bar.Open, p.TakeProfit), bar.Time, p.Volume, ExitTakeProfit)
		return true
	}
	return false
}

func (e *Engine) applyPolicies(p *Position, bar market.Bar) {
	outcomes := e.policies.Evaluate(policy.View{
		Direction:     p.Direction,
		EntryPrice:    p.EntryPrice,
		StopLoss:      p.StopLoss,
		TakeProfit:    p.TakeProfit,
		TPEnabled:     p.TPEnabled,
		Volume:        p.Volume,
		InitialRisk:   p.InitialRisk,
		TierIndex:     p.TierIndex,
		BreakevenDone: p.BreakevenDone,
		TPExtended:    p.TPExtended,
		OriginalTP:    p.OriginalTakeProfit,
		TrailSteps:    p.TrailSteps,
		RunnerActive:  p.RunnerActive,
		EntryATR:      p.EntryATR,
	}, bar)

	for _, out := range outcomes {
		if out.CloseFraction > 0 && p.Volume > 0 {
			e.partialClose(p, bar, out.CloseFraction)
		}
		if out.StopLoss != nil {
			e.tightenStop(p, *out.StopLoss, out.Reason)
		}
		if out.TakeProfit != nil {
			p.TakeProfit = *out.TakeProfit
			p.TPEnabled = *out.TakeProfit > 0
		}
		if out.DisableTP {
			p.TPEnabled = false
		}
		if out.AdvanceTier {
			p.TierIndex++
		}
		if out.SetBreakeven {
			p.BreakevenDone = true
		}
		if out.SetTPExtended {
			p.TPExtended = true
		}
		if out.SwitchToRunner {
			p.RunnerActive = true
		}
		if out.TrailSteps != nil {
			p.TrailSteps = *out.TrailSteps
		}
	}
}

func (e *Engine) tightenStop(p *Position, price float64, reason string) {
	if p.TightenStop(price) {
		return
	}
	if reason != "" {
		log.Printf("[backtest] run %s: %s stop %.5f rejected (%s), keeping %.5f",
			e.runID, p.ID, price, reason, p.StopLoss)
	}
}

// partialClose books a fraction of the position at the bar close, keeping
// the closed volume on the sizer's volume step. Whatever would leave dust
// behind closes the position outright.
func (e *Engine) partialClose(p *Position, bar market.Bar, fraction float64) {
	if fraction >= 1 {
		e.closeVolume(p, bar.Close, bar.Time, p.Volume, ExitPartial)
		return
	}
	step := e.sizer.Parameters().VolumeStep
	closed := p.Volume * fraction
	if step > 0 {
		closed = math.Floor(closed/step+1e-9) * step
	}
	if closed <= 0 {
		return
	}
	if p.Volume-closed < step-1e-9 {
		closed = p.Volume
	}
	e.closeVolume(p, bar.Close, bar.Time, closed, ExitPartial)
}

// closeVolume books one exit, full or partial, and feeds account and
// governor. The spread is charged on the closed volume.
func (e *Engine) closeVolume(p *Position, price float64, at time.Time, volume float64, reason ExitReason) {
	if volume > p.Volume {
		volume = p.Volume
	}
	pnlPoints := float64(p.Direction)*(price-p.EntryPrice) - e.params.Spread
	pnl := pnlPoints * volume * e.contract

	p.Volume -= volume
	partial := p.Volume > 1e-9

	e.account.ApplyClose(pnl)
	e.governor.RecordClose(pnl, e.account.Balance, at)
	if dd := e.account.DrawdownPct(); dd > e.maxDrawdownPct {
		e.maxDrawdownPct = dd
	}

	e.trades = append(e.trades, ClosedTrade{
		ID:                 p.ID,
		Direction:          p.Direction,
		EntryPrice:         p.EntryPrice,
		ExitPrice:          price,
		EntryTime:          p.EntryTime,
		ExitTime:           at,
		Volume:             volume,
		PnLPoints:          pnlPoints,
		PnL:                pnl,
		Reason:             reason,
		Partial:            partial,
		TierIndex:          p.TierIndex,
		DrawdownMultiplier: p.DrawdownMultiplier,
		SessionMultiplier:  p.SessionMultiplier,
	})
	metrics.IncTradesClosed(e.runID, string(reason))
	log.Printf("[backtest] run %s: %s closed %.2f at %.5f (%s) pnl %.2f balance %.2f",
		e.runID, p.ID, volume, price, reason, pnl, e.account.Balance)
}

func (e *Engine) closeAllOpen(price float64, at time.Time, reason ExitReason) {
	for _, p := range e.positions {
		if p.Volume > 0 {
			e.closeVolume(p, price, at, p.Volume, reason)
		}
	}
	e.positions = e.positions[:0]
}

// evaluateSignal runs the strategy on the bar's history and, if it fires,
// pushes the candidate through the trading flag, governor, exposure caps,
// session filter and sizer before opening anything.
func (e *Engine) evaluateSignal(series *market.Series, i int, bar market.Bar) {
	sig := e.strat.Evaluate(series.History(i))
	if !sig.Active() {
		return
	}
	at := bar.Time

	// One signal per candle regardless of what happens to it downstream.
	if e.lastSignalAt.Equal(at) {
		return
	}
	e.lastSignalAt = at

	if !e.flags.TradingEnabled() {
		metrics.IncSignalsSuppressed(e.runID, "trading_disabled")
		return
	}
	if ok, reason := e.governor.AllowSignal(at); !ok {
		log.Printf("[backtest] run %s: signal suppressed: %s", e.runID, reason)
		return
	}
	if !e.withinCaps(sig.Direction) {
		metrics.IncSignalsSuppressed(e.runID, "exposure_cap")
		return
	}

	adx, adxOK := bar.Indicator(e.params.ADXColumn)
	verdict := e.sessions.Evaluate(at, adx, adxOK)
	if verdict.Suppress {
		metrics.IncSignalsSuppressed(e.runID, "session")
		log.Printf("[backtest] run %s: signal suppressed by session filter: %s", e.runID, verdict.Reason)
		return
	}

	entry := bar.Close
	proposedStop := sig.StopLoss
	takeProfit := sig.TakeProfit
	if e.params.PendingEntries {
		// The limit rests at the strategy's stop price and targets a
		// retrace back to the signal price. The protective stop keeps the
		// original entry-to-stop distance, measured from the trigger; the
		// sizer widens it to the target distance when that is larger.
		entry = sig.StopLoss
		proposedStop = entry - float64(sig.Direction)*math.Abs(bar.Close-sig.StopLoss)
		takeProfit = bar.Close
	}

	sizing, err := e.sizer.Size(sig.Direction, entry, proposedStop, e.account, verdict.Multiplier)
	if err != nil {
		metrics.IncSignalsSuppressed(e.runID, "sizing")
		log.Printf("[backtest] run %s: signal rejected by sizer: %v", e.runID, err)
		return
	}

	e.nextID++
	id := fmt.Sprintf("t%d", e.nextID)

	if e.params.PendingEntries {
		expiry := at.Add(time.Duration(e.params.PendingExpiryBars) * series.Timeframe.Duration())
		e.pendings = append(e.pendings, &PendingOrder{
			ID:                 id,
			Direction:          sig.Direction,
			TriggerPrice:       entry,
			StopLoss:           sizing.StopPrice,
			TakeProfit:         takeProfit,
			Volume:             sizing.Volume,
			InitialRisk:        sizing.StopDistance,
			DrawdownMultiplier: sizing.DrawdownMultiplier,
			SessionMultiplier:  sizing.SessionMultiplier,
			PlacedAt:           at,
			ExpiresAt:          expiry,
		})
		log.Printf("[backtest] run %s: %s limit %s at %.5f vol %.2f expires %s",
			e.runID, id, directionName(sig.Direction), entry, sizing.Volume, expiry.Format(time.RFC3339))
		return
	}

	p := &Position{
		ID:                 id,
		Direction:          sig.Direction,
		EntryPrice:         entry,
		EntryTime:          at,
		StopLoss:           sizing.StopPrice,
		TakeProfit:         takeProfit,
		TPEnabled:          takeProfit > 0,
		Volume:             sizing.Volume,
		InitialVolume:      sizing.Volume,
		InitialRisk:        sizing.StopDistance,
		DrawdownMultiplier: sizing.DrawdownMultiplier,
		SessionMultiplier:  sizing.SessionMultiplier,
	}
	p.OriginalTakeProfit = p.TakeProfit
	if atr, ok := bar.Indicator(policy.ATRColumn); ok {
		p.EntryATR = atr
	}
	e.positions = append(e.positions, p)
	log.Printf("[backtest] run %s: %s opened %s at %.5f vol %.2f sl %.5f risk %.2f",
		e.runID, id, directionName(sig.Direction), entry, sizing.Volume, sizing.StopPrice, sizing.RiskAmount)
}

// withinCaps enforces the global and per-direction exposure limits, with
// pending orders counting against them.
func (e *Engine) withinCaps(direction int) bool {
	total := len(e.positions) + len(e.pendings)
	if total >= e.params.MaxOpenTrades {
		return false
	}
	same := 0
	for _, p := range e.positions {
		if p.Direction == direction {
			same++
		}
	}
	for _, o := range e.pendings {
		if o.Direction == direction {
			same++
		}
	}
	if direction > 0 {
		return same < e.params.MaxBuy
	}
	return same < e.params.MaxSell
}

func directionName(d int) string {
	if d > 0 {
		return "long"
	}
	return "short"
}
