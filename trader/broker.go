package trader

import (
	"context"
	"errors"
	"time"

	"simtrade/backtest"
)

var (
	// ErrUnknownPosition is returned for operations on a position id the
	// broker does not hold.
	ErrUnknownPosition = errors.New("unknown position")

	// ErrUnknownOrder is returned for operations on a pending order id the
	// broker does not hold.
	ErrUnknownOrder = errors.New("unknown order")

	// ErrInvalidRequest is returned when an order request fails validation.
	ErrInvalidRequest = errors.New("invalid order request")
)

// OrderRequest describes a new entry, market or pending.
type OrderRequest struct {
	Direction   int // +1 long, -1 short
	Volume      float64
	StopLoss    float64
	TakeProfit  float64
	InitialRisk float64

	// Pending entries only.
	TriggerPrice float64
	ExpiresAt    time.Time // zero = never expires
}

// Broker mirrors the operations the simulation core performs on its own
// book, so a strategy driver can run against the simulator, the paper
// broker or a live venue without changing shape. Live implementations do
// network I/O, hence the contexts.
type Broker interface {
	OpenMarket(ctx context.Context, req OrderRequest) (string, error)
	PlaceLimit(ctx context.Context, req OrderRequest) (string, error)
	ModifyStops(ctx context.Context, positionID string, stopLoss, takeProfit float64) error
	PartialClose(ctx context.Context, positionID string, volume float64) error
	ClosePosition(ctx context.Context, positionID string) error
	CancelOrder(ctx context.Context, orderID string) error
	Positions(ctx context.Context) ([]backtest.Position, error)
	PendingOrders(ctx context.Context) ([]backtest.PendingOrder, error)
	Balance(ctx context.Context) (float64, error)
}
