package trader

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"simtrade/backtest"
	"simtrade/market"
	"simtrade/policy"
)

var paperStart = time.Date(2024, 4, 3, 10, 0, 0, 0, time.UTC)

func paperBar(i int, open, high, low, close float64) market.Bar {
	return market.Bar{
		Time:  paperStart.Add(time.Duration(i) * 5 * time.Minute),
		Open:  open,
		High:  high,
		Low:   low,
		Close: close,
	}
}

func newPaperBroker(chain *policy.Chain) *PaperBroker {
	return NewPaperBroker(10000, PaperParameters{ContractSize: 100, VolumeStep: 0.01}, chain)
}

func TestPaperBrokerMarketOpenAndStopExit(t *testing.T) {
	ctx := context.Background()
	b := newPaperBroker(nil)
	b.MarkBar(paperBar(0, 1899, 1901, 1898, 1900))

	id, err := b.OpenMarket(ctx, OrderRequest{Direction: 1, Volume: 0.2, StopLoss: 1895})
	if err != nil {
		t.Fatalf("OpenMarket: %v", err)
	}

	b.MarkBar(paperBar(1, 1899, 1900, 1894, 1896))

	if positions, _ := b.Positions(ctx); len(positions) != 0 {
		t.Fatalf("expected flat book after stop, got %d positions", len(positions))
	}
	trades := b.ClosedTrades()
	if len(trades) != 1 {
		t.Fatalf("expected one closed trade, got %d", len(trades))
	}
	tr := trades[0]
	if tr.ID != id || tr.Reason != backtest.ExitStopLoss {
		t.Fatalf("unexpected trade %+v", tr)
	}
	if tr.ExitPrice != 1895 {
		t.Fatalf("expected exit at the stop 1895, got %.5f", tr.ExitPrice)
	}
	if math.Abs(tr.PnL-(-100)) > 1e-9 {
		t.Fatalf("expected pnl -100, got %.2f", tr.PnL)
	}

	balance, _ := b.Balance(ctx)
	if math.Abs(balance-9900) > 1e-9 {
		t.Fatalf("expected balance 9900, got %.2f", balance)
	}
}

func TestPaperBrokerRejectsOpenBeforeFirstBar(t *testing.T) {
	b := newPaperBroker(nil)

	_, err := b.OpenMarket(context.Background(), OrderRequest{Direction: 1, Volume: 0.1, StopLoss: 1895})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestPaperBrokerLimitFillAtTrigger(t *testing.T) {
	ctx := context.Background()
	b := newPaperBroker(nil)
	b.MarkBar(paperBar(0, 1901, 1902, 1900.5, 1901.5))

	if _, err := b.PlaceLimit(ctx, OrderRequest{
		Direction: 1, Volume: 0.1, TriggerPrice: 1900, StopLoss: 1895,
	}); err != nil {
		t.Fatalf("PlaceLimit: %v", err)
	}

	// Does not touch the trigger: order keeps resting.
	b.MarkBar(paperBar(1, 1901.5, 1902.5, 1900.5, 1902))
	if orders, _ := b.PendingOrders(ctx); len(orders) != 1 {
		t.Fatalf("expected order still resting, got %d", len(orders))
	}

	// Retraces through the trigger: fills at exactly the trigger price.
	b.MarkBar(paperBar(2, 1901, 1901.5, 1899.5, 1900.8))
	positions, _ := b.Positions(ctx)
	if len(positions) != 1 {
		t.Fatalf("expected one position, got %d", len(positions))
	}
	if positions[0].EntryPrice != 1900 {
		t.Fatalf("expected fill at 1900, got %.5f", positions[0].EntryPrice)
	}
	if orders, _ := b.PendingOrders(ctx); len(orders) != 0 {
		t.Fatalf("expected no resting orders, got %d", len(orders))
	}
}

func TestPaperBrokerLimitExpires(t *testing.T) {
	ctx := context.Background()
	b := newPaperBroker(nil)
	b.MarkBar(paperBar(0, 1901, 1902, 1900.5, 1901.5))

	if _, err := b.PlaceLimit(ctx, OrderRequest{
		Direction: 1, Volume: 0.1, TriggerPrice: 1890, StopLoss: 1885,
		ExpiresAt: paperStart.Add(10 * time.Minute),
	}); err != nil {
		t.Fatalf("PlaceLimit: %v", err)
	}

	b.MarkBar(paperBar(1, 1901.5, 1902.5, 1900.5, 1902))

	// The bar landing exactly on the expiry time still counts; only a
	// strictly older order dies.
	b.MarkBar(paperBar(2, 1902, 1903, 1901, 1902.5))
	if orders, _ := b.PendingOrders(ctx); len(orders) != 1 {
		t.Fatalf("expected order resting at the expiry boundary, got %d", len(orders))
	}

	b.MarkBar(paperBar(3, 1902.5, 1903.5, 1901.5, 1903))
	if orders, _ := b.PendingOrders(ctx); len(orders) != 0 {
		t.Fatalf("expected expired order gone, got %d resting", len(orders))
	}
	if positions, _ := b.Positions(ctx); len(positions) != 0 {
		t.Fatalf("expected no fills, got %d positions", len(positions))
	}
}

func TestPaperBrokerModifyStopsIsOneDirectional(t *testing.T) {
	ctx := context.Background()
	b := newPaperBroker(nil)
	b.MarkBar(paperBar(0, 1899, 1901, 1898, 1900))

	id, err := b.OpenMarket(ctx, OrderRequest{Direction: 1, Volume: 0.1, StopLoss: 1895})
	if err != nil {
		t.Fatalf("OpenMarket: %v", err)
	}

	if err := b.ModifyStops(ctx, id, 1897, 1915); err != nil {
		t.Fatalf("ModifyStops: %v", err)
	}
	// Loosening request is dropped, the take profit still moves.
	if err := b.ModifyStops(ctx, id, 1890, 1920); err != nil {
		t.Fatalf("ModifyStops: %v", err)
	}

	positions, _ := b.Positions(ctx)
	if positions[0].StopLoss != 1897 {
		t.Fatalf("expected stop kept at 1897, got %.5f", positions[0].StopLoss)
	}
	if positions[0].TakeProfit != 1920 {
		t.Fatalf("expected take profit 1920, got %.5f", positions[0].TakeProfit)
	}

	if err := b.ModifyStops(ctx, "p99", 1897, 0); !errors.Is(err, ErrUnknownPosition) {
		t.Fatalf("expected ErrUnknownPosition, got %v", err)
	}
}

func TestPaperBrokerRunsBreakevenChain(t *testing.T) {
	ctx := context.Background()
	chain := policy.NewChain(nil, nil, nil, &policy.Breakeven{
		Enabled:       true,
		TriggerPoints: 8,
		BufferPoints:  1,
	}, nil, nil)
	b := newPaperBroker(chain)
	b.MarkBar(paperBar(0, 1899, 1901, 1898, 1900))

	id, err := b.OpenMarket(ctx, OrderRequest{Direction: 1, Volume: 0.1, StopLoss: 1895})
	if err != nil {
		t.Fatalf("OpenMarket: %v", err)
	}

	b.MarkBar(paperBar(1, 1905, 1909, 1904, 1908))

	positions, _ := b.Positions(ctx)
	if len(positions) != 1 || positions[0].ID != id {
		t.Fatalf("expected the position still open, got %+v", positions)
	}
	if positions[0].StopLoss != 1901 {
		t.Fatalf("expected breakeven stop 1901, got %.5f", positions[0].StopLoss)
	}
	if !positions[0].BreakevenDone {
		t.Fatal("expected breakeven marked done")
	}
}

func TestPaperBrokerPartialCloseAndEquity(t *testing.T) {
	ctx := context.Background()
	b := newPaperBroker(nil)
	b.MarkBar(paperBar(0, 1899, 1901, 1898, 1900))

	id, err := b.OpenMarket(ctx, OrderRequest{Direction: 1, Volume: 0.2, StopLoss: 1895})
	if err != nil {
		t.Fatalf("OpenMarket: %v", err)
	}

	b.MarkBar(paperBar(1, 1903, 1906, 1902, 1905))
	if err := b.PartialClose(ctx, id, 0.1); err != nil {
		t.Fatalf("PartialClose: %v", err)
	}

	trades := b.ClosedTrades()
	if len(trades) != 1 || !trades[0].Partial {
		t.Fatalf("expected one partial exit, got %+v", trades)
	}
	if math.Abs(trades[0].PnL-50) > 1e-9 {
		t.Fatalf("expected partial pnl 50, got %.2f", trades[0].PnL)
	}

	// Realized 50 plus 0.1 lots still open 5 points in profit.
	if eq := b.Equity(); math.Abs(eq-10100) > 1e-9 {
		t.Fatalf("expected equity 10100, got %.2f", eq)
	}

	if err := b.ClosePosition(ctx, id); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if positions, _ := b.Positions(ctx); len(positions) != 0 {
		t.Fatalf("expected flat book, got %d positions", len(positions))
	}
	balance, _ := b.Balance(ctx)
	if math.Abs(balance-10100) > 1e-9 {
		t.Fatalf("expected balance 10100, got %.2f", balance)
	}
}
