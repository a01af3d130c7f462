package strategy

import "simtrade/market"

// Direction of a proposed trade.
const (
	Short = -1
	None  = 0
	Long  = 1
)

// Signal is a strategy's proposal for the current bar. A zero StopLoss or
// TakeProfit means "none proposed"; Direction None means no trade.
type Signal struct {
	Direction  int
	StopLoss   float64
	TakeProfit float64
}

// Active reports whether the signal proposes a trade.
func (s Signal) Active() bool {
	return s.Direction == Long || s.Direction == Short
}

// Strategy is the single contract between the engine and signal generation.
// Evaluate receives the growing prefix of history up to and including the
// current bar and must not retain or mutate it. Implementations carry their
// own state; the engine imposes none.
type Strategy interface {
	Name() string
	Evaluate(history []market.Bar) Signal
}

// Scripted replays a fixed bar-index -> signal table. It exists for
// deterministic engine tests and synthetic scenarios.
type Scripted struct {
	Signals map[int]Signal
}

// NewScripted builds a scripted strategy from an index table.
func NewScripted(signals map[int]Signal) *Scripted {
	return &Scripted{Signals: signals}
}

func (s *Scripted) Name() string { return "scripted" }

// Evaluate emits the scripted signal for the current bar index, if any.
func (s *Scripted) Evaluate(history []market.Bar) Signal {
	return s.Signals[len(history)-1]
}
