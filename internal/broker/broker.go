// Package broker defines the adapter contract every brokerage integration
// must satisfy, plus the Alpaca implementation over REST and WebSocket.
//
// The execution engine is the only component that holds an Adapter; the
// rest of the pipeline sees broker state through snapshots and order
// events. All methods take a context and return explicit errors from the
// taxonomy below so callers can branch with errors.As.
package broker

import (
	"context"
	"errors"
	"fmt"

	"trading-pipeline/pkg/types"
)

// Adapter is the contract between the pipeline and a brokerage.
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Connect verifies credentials and marks the adapter connected.
	// It fails when the account is blocked from trading.
	Connect(ctx context.Context) error
	// Disconnect releases resources. Safe to call more than once.
	Disconnect(ctx context.Context) error
	IsConnected() bool

	GetAccount(ctx context.Context) (types.AccountSnapshot, error)
	GetPositions(ctx context.Context) ([]types.PositionSnapshot, error)
	// GetPosition returns the snapshot for one symbol, or nil when flat.
	GetPosition(ctx context.Context, symbol string) (*types.PositionSnapshot, error)

	// PlaceOrder submits the signal as a broker order and returns the
	// initial OrderEvent (status SUBMITTED, or REJECTED with a reason).
	PlaceOrder(ctx context.Context, signal types.TradeSignal) (types.OrderEvent, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	// GetOrderStatus polls the broker and returns a normalized OrderEvent.
	GetOrderStatus(ctx context.Context, brokerOrderID string) (types.OrderEvent, error)

	// StreamMarketData delivers market events for the symbols on the
	// returned channel until ctx is cancelled. The channel is closed when
	// the stream shuts down.
	StreamMarketData(ctx context.Context, symbols []string) (<-chan types.MarketEvent, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	// GetMarketHours reports whether the market is open right now plus
	// the next open and close times as RFC 3339 strings.
	GetMarketHours(ctx context.Context) (MarketHours, error)
}

// MarketHours is the broker's view of the trading calendar.
type MarketHours struct {
	IsOpen    bool
	NextOpen  string
	NextClose string
}

// ErrNotConnected is returned by operations that require a live session.
var ErrNotConnected = errors.New("broker not connected")

// BrokerError is the base of the adapter error taxonomy. Wrap it via the
// typed constructors below; callers match with errors.As.
type BrokerError struct {
	Op  string
	Err error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("broker: %s", e.Op)
}

func (e *BrokerError) Unwrap() error { return e.Err }

// ConnectionError covers transport and session failures. These are
// retryable.
type ConnectionError struct{ BrokerError }

// OrderError covers order placement, cancellation, and status failures.
// Not retryable: duplicates are worse than misses.
type OrderError struct{ BrokerError }

// MarketDataError covers price lookup and stream failures.
type MarketDataError struct{ BrokerError }

func NewConnectionError(op string, err error) error {
	return &ConnectionError{BrokerError{Op: op, Err: err}}
}

func NewOrderError(op string, err error) error {
	return &OrderError{BrokerError{Op: op, Err: err}}
}

func NewMarketDataError(op string, err error) error {
	return &MarketDataError{BrokerError{Op: op, Err: err}}
}
