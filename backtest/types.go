package backtest

import "time"

// ExitReason labels why a trade left the book.
type ExitReason string

const (
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTakeProfit ExitReason = "take_profit"
	ExitPartial    ExitReason = "partial_close"
	ExitFlatten    ExitReason = "weekend_flatten"
	ExitEndOfData  ExitReason = "end_of_data"
	ExitManual     ExitReason = "manual"
)

// PendingOrder is a resting limit entry waiting for price to retrace to its
// trigger. Volume and stops are fixed at placement time.
type PendingOrder struct {
	ID           string
	Direction    int
	TriggerPrice float64
	StopLoss     float64
	TakeProfit   float64
	Volume       float64
	InitialRisk  float64
	PlacedAt     time.Time
	ExpiresAt    time.Time // zero means never

	// Sizing diagnostics frozen at placement, carried through to the
	// trade log.
	DrawdownMultiplier float64
	SessionMultiplier  float64
}

// Position is one open trade plus the management state the policy chain
// reads and advances bar by bar.
type Position struct {
	ID         string
	Direction  int
	EntryPrice float64
	EntryTime  time.Time
	StopLoss   float64
	TakeProfit float64
	TPEnabled  bool

	Volume        float64
	InitialVolume float64
	InitialRisk   float64 // stop distance frozen at open
	EntryATR      float64

	// Sizing diagnostics frozen at entry.
	DrawdownMultiplier float64
	SessionMultiplier  float64

	OriginalTakeProfit float64
	TierIndex          int
	BreakevenDone      bool
	TPExtended         bool
	TrailSteps         int
	RunnerActive       bool
}

// TightenStop moves the stop only in the protective direction: up for
// longs, down for shorts. Returns false when the request would loosen it.
func (p *Position) TightenStop(price float64) bool {
	if price <= 0 {
		return false
	}
	if p.Direction > 0 {
		if price > p.StopLoss {
			p.StopLoss = price
			return true
		}
		return false
	}
	if p.StopLoss == 0 || price < p.StopLoss {
		p.StopLoss = price
		return true
	}
	return false
}

// ClosedTrade is the immutable record of one (possibly partial) exit.
type ClosedTrade struct {
	ID         string     `json:"id"`
	Direction  int        `json:"direction"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  float64    `json:"exit_price"`
	EntryTime  time.Time  `json:"entry_time"`
	ExitTime   time.Time  `json:"exit_time"`
	Volume     float64    `json:"volume"`
	PnLPoints  float64    `json:"pnl_points"`
	PnL        float64    `json:"pnl"`
	Reason     ExitReason `json:"reason"`
	Partial    bool       `json:"partial"`

	// Entry diagnostics: the management tier reached by this exit and the
	// sizing multipliers that were in force when the trade opened.
	TierIndex          int     `json:"tier_index"`
	DrawdownMultiplier float64 `json:"drawdown_multiplier"`
	SessionMultiplier  float64 `json:"session_multiplier"`
}
