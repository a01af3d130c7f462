package trader

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"simtrade/backtest"
	"simtrade/market"
	"simtrade/policy"
)

// PaperParameters are the fill and accounting assumptions of the paper
// book.
type PaperParameters struct {
	Spread       float64 `json:"spread"`
	ContractSize float64 `json:"contract_size"`
	VolumeStep   float64 `json:"volume_step"`
}

func normalizePaperParameters(p PaperParameters) PaperParameters {
	if p.ContractSize <= 0 {
		p.ContractSize = 1
	}
	if p.VolumeStep <= 0 {
		p.VolumeStep = 0.01
	}
	return p
}

// PaperBroker is an in-memory Broker: virtual balance, virtual book, fills
// simulated from the bars fed to MarkBar. It runs the same policy chain and
// the same one-directional stop guard as the backtest engine, so paper and
// simulated stop management cannot drift apart.
//
// Unlike the engine the broker is safe for concurrent use; a live strategy
// driver and an API reader may hit it at once.
type PaperBroker struct {
	mu     sync.RWMutex
	params PaperParameters
	chain  *policy.Chain

	balance   float64
	positions map[string]*backtest.Position
	pendings  map[string]*backtest.PendingOrder
	closed    []backtest.ClosedTrade

	lastBar market.Bar
	marked  bool
	posSeq  int
	ordSeq  int
}

// NewPaperBroker opens a virtual account. A nil chain means stops only move
// through ModifyStops.
func NewPaperBroker(initialBalance float64, params PaperParameters, chain *policy.Chain) *PaperBroker {
	return &PaperBroker{
		params:    normalizePaperParameters(params),
		chain:     chain,
		balance:   initialBalance,
		positions: make(map[string]*backtest.Position),
		pendings:  make(map[string]*backtest.PendingOrder),
	}
}

func validateRequest(req OrderRequest) error {
	if req.Direction != 1 && req.Direction != -1 {
		return fmt.Errorf("%w: direction must be +1 or -1", ErrInvalidRequest)
	}
	if req.Volume <= 0 {
		return fmt.Errorf("%w: volume must be positive", ErrInvalidRequest)
	}
	return nil
}

// OpenMarket fills immediately at the close of the last marked bar.
func (b *PaperBroker) OpenMarket(_ context.Context, req OrderRequest) (string, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.marked {
		return "", fmt.Errorf("%w: no market price yet", ErrInvalidRequest)
	}
	p := b.open(req, b.lastBar.Close, b.lastBar.Time)
	log.Printf("[paper] %s opened at %.5f vol %.2f sl %.5f", p.ID, p.EntryPrice, p.Volume, p.StopLoss)
	return p.ID, nil
}

// PlaceLimit rests a limit entry at the trigger price.
func (b *PaperBroker) PlaceLimit(_ context.Context, req OrderRequest) (string, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}
	if req.TriggerPrice <= 0 {
		return "", fmt.Errorf("%w: limit needs a trigger price", ErrInvalidRequest)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.ordSeq++
	id := fmt.Sprintf("o%d", b.ordSeq)
	var placed time.Time
	if b.marked {
		placed = b.lastBar.Time
	}
	b.pendings[id] = &backtest.PendingOrder{
		ID:           id,
		Direction:    req.Direction,
		TriggerPrice: req.TriggerPrice,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		Volume:       req.Volume,
		InitialRisk:  req.InitialRisk,
		PlacedAt:     placed,
		ExpiresAt:    req.ExpiresAt,
	}
	log.Printf("[paper] %s resting at %.5f vol %.2f", id, req.TriggerPrice, req.Volume)
	return id, nil
}

// ModifyStops tightens the stop and moves the take profit. Loosening stop
// requests are dropped, same as in the simulator; a zero take profit leaves
// the current one untouched.
func (b *PaperBroker) ModifyStops(_ context.Context, positionID string, stopLoss, takeProfit float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[positionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPosition, positionID)
	}
	if stopLoss > 0 && !p.TightenStop(stopLoss) {
		log.Printf("[paper] %s stop %.5f rejected, keeping %.5f", p.ID, stopLoss, p.StopLoss)
	}
	if takeProfit > 0 {
		p.TakeProfit = takeProfit
		p.TPEnabled = true
	}
	return nil
}

// PartialClose books part of the position at the last marked close.
func (b *PaperBroker) PartialClose(_ context.Context, positionID string, volume float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[positionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPosition, positionID)
	}
	if volume <= 0 {
		return fmt.Errorf("%w: volume must be positive", ErrInvalidRequest)
	}
	if volume > p.Volume {
		volume = p.Volume
	}
	b.closeVolume(p, b.lastBar.Close, b.lastBar.Time, volume, backtest.ExitPartial)
	return nil
}

// ClosePosition flattens one position at the last marked close.
func (b *PaperBroker) ClosePosition(_ context.Context, positionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[positionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPosition, positionID)
	}
	b.closeVolume(p, b.lastBar.Close, b.lastBar.Time, p.Volume, backtest.ExitManual)
	return nil
}

// CancelOrder withdraws a resting limit entry.
func (b *PaperBroker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pendings[orderID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	delete(b.pendings, orderID)
	return nil
}

// Positions returns copies of the open positions.
func (b *PaperBroker) Positions(_ context.Context) ([]backtest.Position, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]backtest.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	return out, nil
}

// PendingOrders returns copies of the resting orders.
func (b *PaperBroker) PendingOrders(_ context.Context) ([]backtest.PendingOrder, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]backtest.PendingOrder, 0, len(b.pendings))
	for _, o := range b.pendings {
		out = append(out, *o)
	}
	return out, nil
}

// Balance returns the realized account balance.
func (b *PaperBroker) Balance(_ context.Context) (float64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balance, nil
}

// Equity returns balance plus the unrealized PnL marked at the last bar
// close.
func (b *PaperBroker) Equity() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	equity := b.balance
	for _, p := range b.positions {
		points := float64(p.Direction) * (b.lastBar.Close - p.EntryPrice)
		equity += points * p.Volume * b.params.ContractSize
	}
	return equity
}

// ClosedTrades returns the realized trade history.
func (b *PaperBroker) ClosedTrades() []backtest.ClosedTrade {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]backtest.ClosedTrade, len(b.closed))
	copy(out, b.closed)
	return out
}

// MarkBar advances the book by one bar: expires and fills resting orders,
// runs protective exits (stop before take profit on bars touching both) and
// the policy chain. The same touch rules as the backtest engine apply.
func (b *PaperBroker) MarkBar(bar market.Bar) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastBar = bar
	b.marked = true

	for id, o := range b.pendings {
		if !o.ExpiresAt.IsZero() && bar.Time.After(o.ExpiresAt) {
			log.Printf("[paper] %s expired unfilled", id)
			delete(b.pendings, id)
			continue
		}
		if filled, price := limitTouch(o, bar); filled {
			delete(b.pendings, id)
			p := b.open(OrderRequest{
				Direction:   o.Direction,
				Volume:      o.Volume,
				StopLoss:    o.StopLoss,
				TakeProfit:  o.TakeProfit,
				InitialRisk: o.InitialRisk,
			}, price, bar.Time)
			log.Printf("[paper] %s filled as %s at %.5f", id, p.ID, price)
		}
	}

	for _, p := range b.positions {
		if b.protectiveExit(p, bar) {
			continue
		}
		if b.chain != nil {
			b.applyPolicies(p, bar)
		}
	}
}

func limitTouch(o *backtest.PendingOrder, bar market.Bar) (bool, float64) {
	if o.Direction > 0 {
		if bar.Low <= o.TriggerPrice {
			return true, math.Min(bar.Open, o.TriggerPrice)
		}
		return false, 0
	}
	if bar.High >= o.TriggerPrice {
		return true, math.Max(bar.Open, o.TriggerPrice)
	}
	return false, 0
}

func (b *PaperBroker) open(req OrderRequest, price float64, at time.Time) *backtest.Position {
	b.posSeq++
	id := fmt.Sprintf("p%d", b.posSeq)
	risk := req.InitialRisk
	if risk <= 0 && req.StopLoss > 0 {
		risk = math.Abs(price - req.StopLoss)
	}
	p := &backtest.Position{
		ID:            id,
		Direction:     req.Direction,
		EntryPrice:    price,
		EntryTime:     at,
		StopLoss:      req.StopLoss,
		TakeProfit:    req.TakeProfit,
		TPEnabled:     req.TakeProfit > 0,
		Volume:        req.Volume,
		InitialVolume: req.Volume,
		InitialRisk:   risk,
	}
	p.OriginalTakeProfit = p.TakeProfit
	if atr, ok := b.lastBar.Indicator(policy.ATRColumn); ok {
		p.EntryATR = atr
	}
	b.positions[id] = p
	return p
}

func (b *PaperBroker) protectiveExit(p *backtest.Position, bar market.Bar) bool {
	if p.Direction > 0 {
		if p.StopLoss > 0 && bar.Low <= p.StopLoss {
			b.closeVolume(p, math.Min(bar.Open, p.StopLoss), bar.Time, p.Volume, backtest.ExitStopLoss)
			return true
		}
		if p.TPEnabled && p.TakeProfit > 0 && bar.High >= p.TakeProfit {
			b.closeVolume(p, math.Max(bar.Open, p.TakeProfit), bar.Time, p.Volume, backtest.ExitTakeProfit)
			return true
		}
		return false
	}
	if p.StopLoss > 0 && bar.High >= p.StopLoss {
		b.closeVolume(p, math.Max(bar.Open, p.StopLoss), bar.Time, p.Volume, backtest.ExitStopLoss)
		return true
	}
	if p.TPEnabled && p.TakeProfit > 0 && bar.Low <= p.TakeProfit {
		b.closeVolume(p, math.Min(bar.Open, p.TakeProfit), bar.Time, p.Volume, backtest.ExitTakeProfit)
		return true
	}
	return false
}

func (b *PaperBroker) applyPolicies(p *backtest.Position, bar market.Bar) {
	outcomes := b.chain.Evaluate(policy.View{
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
			b.partialCloseFraction(p, bar, out.CloseFraction)
		}
		if out.StopLoss != nil && !p.TightenStop(*out.StopLoss) && out.Reason != "" {
			log.Printf("[paper] %s stop %.5f rejected (%s), keeping %.5f",
				p.ID, *out.StopLoss, out.Reason, p.StopLoss)
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

func (b *PaperBroker) partialCloseFraction(p *backtest.Position, bar market.Bar, fraction float64) {
	if fraction >= 1 {
		b.closeVolume(p, bar.Close, bar.Time, p.Volume, backtest.ExitPartial)
		return
	}
	step := b.params.VolumeStep
	closed := p.Volume * fraction
	closed = math.Floor(closed/step+1e-9) * step
	if closed <= 0 {
		return
	}
	if p.Volume-closed < step-1e-9 {
		closed = p.Volume
	}
	b.closeVolume(p, bar.Close, bar.Time, closed, backtest.ExitPartial)
}

func (b *PaperBroker) closeVolume(p *backtest.Position, price float64, at time.Time, volume float64, reason backtest.ExitReason) {
	if volume > p.Volume {
		volume = p.Volume
	}
	pnlPoints := float64(p.Direction)*(price-p.EntryPrice) - b.params.Spread
	pnl := pnlPoints * volume * b.params.ContractSize

	p.Volume -= volume
	partial := p.Volume > 1e-9
	b.balance += pnl

	b.closed = append(b.closed, backtest.ClosedTrade{
		ID:         p.ID,
		Direction:  p.Direction,
		EntryPrice: p.EntryPrice,
		ExitPrice:  price,
		EntryTime:  p.EntryTime,
		ExitTime:   at,
		Volume:     volume,
		PnLPoints:  pnlPoints,
		PnL:        pnl,
		Reason:     reason,
		Partial:    partial,
		TierIndex:  p.TierIndex,
	})
	if !partial {
		delete(b.positions, p.ID)
	}
	log.Printf("[paper] %s closed %.2f at %.5f (%s) pnl %.2f balance %.2f",
		p.ID, volume, price, reason, pnl, b.balance)
}
