package risk

// Account is the simulated account state. It is mutated only by trade
// closes; unrealized PnL is never booked, matching the live path where
// equity is read back from the terminal only after fills.
type Account struct {
	InitialBalance float64
	Balance        float64
	Equity         float64
	PeakEquity     float64
}

// NewAccount starts an account at the given balance.
func NewAccount(initialBalance float64) *Account {
	return &Account{
		InitialBalance: initialBalance,
		Balance:        initialBalance,
		Equity:         initialBalance,
		PeakEquity:     initialBalance,
	}
}

// ApplyClose books a realized PnL in account currency. Peak equity is
// monotonically non-decreasing.
func (a *Account) ApplyClose(pnl float64) {
	a.Balance += pnl
	a.Equity = a.Balance
	if a.Equity > a.PeakEquity {
		a.PeakEquity = a.Equity
	}
}

// DrawdownPct is the percentage decline of equity from its peak.
func (a *Account) DrawdownPct() float64 {
	if a.PeakEquity <= 0 {
		return 0
	}
	dd := (a.PeakEquity - a.Equity) / a.PeakEquity * 100
	if dd < 0 {
		return 0
	}
	return dd
}
