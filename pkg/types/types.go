// Package types defines the shared domain model used across all packages.
//
// This package is the common vocabulary for the pipeline — trade signals,
// risk decisions, order lifecycle events, and account/position snapshots.
// It has no dependencies on internal packages, so it can be imported by any
// layer. All values are immutable once constructed; state transitions are
// expressed by emitting a new value.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a trade: BUY or SELL.
type Side string

const (
	BUY  Side = "buy"
	SELL Side = "sell"
)

// OrderType enumerates the supported equity order types.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// SignalSource identifies where a trade signal originated.
type SignalSource string

const (
	SourceStrategy SignalSource = "strategy"
	SourceAI       SignalSource = "ai"
)

// OrderStatus is the internal order lifecycle state. Broker-specific
// statuses are normalized into this set by the broker adapter.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderSubmitted       OrderStatus = "submitted"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderRejected        OrderStatus = "rejected"
)

// Terminal reports whether the status ends an order's lifecycle.
// PARTIALLY_FILLED is not terminal: the remainder is still working.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	default:
		return false
	}
}

// MarketEventType classifies incoming market data.
type MarketEventType string

const (
	MarketTick        MarketEventType = "tick"
	MarketBar         MarketEventType = "bar"
	MarketVolatility  MarketEventType = "volatility"
	MarketOptionChain MarketEventType = "option_chain"
)

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// TradeSignal is an intent to trade, emitted by a strategy or minted from a
// user-approved AI idea. Every signal must pass through the risk engine
// before it may reach the execution engine.
type TradeSignal struct {
	ID           string
	Symbol       string // always uppercase
	Side         Side
	Qty          int
	OrderType    OrderType
	Confidence   float64 // 0.0 to 1.0
	Source       SignalSource
	CreatedAt    time.Time
	StrategyName string           // empty for AI-sourced signals
	Price        *decimal.Decimal // limit price, nil for market orders
	StopPrice    *decimal.Decimal // nil unless STOP / STOP_LIMIT
	Metadata     map[string]any
}

// NewTradeSignal constructs a validated signal with a generated ID.
// Returns an error when an invariant is violated.
func NewTradeSignal(
	symbol string,
	side Side,
	qty int,
	orderType OrderType,
	confidence float64,
	source SignalSource,
	strategyName string,
	price, stopPrice *decimal.Decimal,
	metadata map[string]any,
) (TradeSignal, error) {
	if confidence < 0.0 || confidence > 1.0 {
		return TradeSignal{}, fmt.Errorf("confidence must be between 0.0 and 1.0, got %v", confidence)
	}
	if qty <= 0 {
		return TradeSignal{}, fmt.Errorf("quantity must be positive, got %d", qty)
	}
	if price != nil && !price.IsPositive() {
		return TradeSignal{}, fmt.Errorf("price must be positive, got %s", price)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	return TradeSignal{
		ID:           uuid.NewString(),
		Symbol:       strings.ToUpper(symbol),
		Side:         side,
		Qty:          qty,
		OrderType:    orderType,
		Confidence:   confidence,
		Source:       source,
		CreatedAt:    time.Now().UTC(),
		StrategyName: strategyName,
		Price:        price,
		StopPrice:    stopPrice,
		Metadata:     metadata,
	}, nil
}

// RuleOutcome records how a single risk rule judged a signal.
type RuleOutcome struct {
	Passed bool
	Reason string // empty when passed
}

// ApprovedTrade wraps a signal that passed every risk rule, with the
// per-rule outcomes captured at validation time.
type ApprovedTrade struct {
	Signal     TradeSignal
	ApprovedAt time.Time
	RiskChecks map[string]RuleOutcome // rule name -> outcome
}

// RejectedTrade wraps a signal that failed risk validation.
// RejectionReason begins with the name of the first failing rule.
type RejectedTrade struct {
	Signal          TradeSignal
	RejectedAt      time.Time
	RejectionReason string
	RiskChecks      map[string]RuleOutcome
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderEvent is a point on an order's lifecycle as observed via the broker
// adapter. An order transitioning from SUBMITTED to FILLED yields a new
// OrderEvent rather than mutating the old one.
type OrderEvent struct {
	OrderID         string // internal ID
	SignalID        string // links back to the originating signal
	Status          OrderStatus
	Timestamp       time.Time
	BrokerOrderID   string           // empty until the broker accepts
	FilledQty       int              // >= 0
	FilledPrice     *decimal.Decimal // average fill price, nil until filled
	RejectionReason string
	Metadata        map[string]any
}

// ————————————————————————————————————————————————————————————————————————
// Snapshots
// ————————————————————————————————————————————————————————————————————————

// AccountSnapshot is a point-in-time read-only view of the account.
type AccountSnapshot struct {
	Equity             decimal.Decimal
	BuyingPower        decimal.Decimal
	Cash               decimal.Decimal
	DayTradesRemaining int
	Timestamp          time.Time
}

// PositionSnapshot is a point-in-time view of one symbol's position.
// Qty is negative for short positions.
type PositionSnapshot struct {
	Symbol       string
	Qty          int
	AvgPrice     decimal.Decimal
	UnrealizedPL decimal.Decimal
	ExposurePct  float64 // percentage of account equity
	Timestamp    time.Time
}

// VolatilitySnapshot carries current volatility metrics for a symbol.
type VolatilitySnapshot struct {
	Symbol        string
	ImpliedVol    float64
	HistoricalVol float64
	VolRank       float64 // 0-100 percentile
	VIXLevel      float64
	Timestamp     time.Time
}

// OptionChainSummary summarizes options activity for a symbol.
type OptionChainSummary struct {
	Symbol            string
	ExpirationDate    string
	PutCallRatio      float64
	MaxPain           decimal.Decimal
	TotalVolume       int
	TotalOpenInterest int
	Timestamp         time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// MarketEvent is a timestamped market data notification. For TICK events
// the payload exposes at least one of "price", "close", "last", "mid", or
// a "bid"/"ask" pair from which the midpoint is derived.
type MarketEvent struct {
	Type      MarketEventType
	Symbol    string
	Timestamp time.Time
	Payload   map[string]any
}

// ————————————————————————————————————————————————————————————————————————
// Advisory
// ————————————————————————————————————————————————————————————————————————

// TradeIdea is an AI-generated suggestion requiring human approval.
// Ideas never enter the signal stream; approval mints a fresh TradeSignal
// with Source = AI, which then passes through the risk engine normally.
type TradeIdea struct {
	ID              string
	Description     string
	Rationale       string
	RiskNotes       string
	Confidence      float64
	CreatedAt       time.Time
	SuggestedSignal *TradeSignal
	MarketContext   map[string]any
	Approved        *bool // nil until the user acts
	ApprovedAt      *time.Time
	UserNotes       string
}

// NewTradeIdea constructs a validated idea with a generated ID.
func NewTradeIdea(
	description, rationale, riskNotes string,
	confidence float64,
	suggested *TradeSignal,
	marketContext map[string]any,
) (TradeIdea, error) {
	if confidence < 0.0 || confidence > 1.0 {
		return TradeIdea{}, fmt.Errorf("confidence must be between 0.0 and 1.0, got %v", confidence)
	}
	if marketContext == nil {
		marketContext = map[string]any{}
	}
	return TradeIdea{
		ID:              uuid.NewString(),
		Description:     description,
		Rationale:       rationale,
		RiskNotes:       riskNotes,
		Confidence:      confidence,
		CreatedAt:       time.Now().UTC(),
		SuggestedSignal: suggested,
		MarketContext:   marketContext,
	}, nil
}
