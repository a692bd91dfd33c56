package types

import (
	"time"

	"github.com/google/uuid"
)

// EventType tags a DomainEvent. Downstream dispatch is by tag.
type EventType string

const (
	// Market events
	EventMarketDataReceived EventType = "market_data_received"
	EventMarketOpened       EventType = "market_opened"
	EventMarketClosed       EventType = "market_closed"

	// Signal events
	EventSignalGenerated EventType = "signal_generated"
	EventSignalApproved  EventType = "signal_approved"
	EventSignalRejected  EventType = "signal_rejected"

	// Order events
	EventOrderSubmitted EventType = "order_submitted"
	EventOrderFilled    EventType = "order_filled"
	EventOrderCancelled EventType = "order_cancelled"
	EventOrderRejected  EventType = "order_rejected"

	// Advisory events
	EventTradeIdeaGenerated EventType = "trade_idea_generated"
	EventTradeIdeaApproved  EventType = "trade_idea_approved"
	EventTradeIdeaRejected  EventType = "trade_idea_rejected"

	// System events
	EventSystemStarted       EventType = "system_started"
	EventSystemStopped       EventType = "system_stopped"
	EventBrokerConnected     EventType = "broker_connected"
	EventBrokerDisconnected  EventType = "broker_disconnected"
	EventStrategyActivated   EventType = "strategy_activated"
	EventStrategyDeactivated EventType = "strategy_deactivated"

	// Risk events
	EventRiskLimitBreached      EventType = "risk_limit_breached"
	EventPositionLimitExceeded  EventType = "position_limit_exceeded"
)

// DomainEvent is an immutable record of something that happened in the
// pipeline. The Metadata payload carries type-specific fields keyed by
// convention (see the constructors below).
type DomainEvent struct {
	Type      EventType
	EventID   string
	Timestamp time.Time
	Metadata  map[string]any
}

// NewDomainEvent creates an event with a generated ID and UTC timestamp.
func NewDomainEvent(t EventType, metadata map[string]any) DomainEvent {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return DomainEvent{
		Type:      t,
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
}

// NewSignalGeneratedEvent wraps a freshly-emitted strategy signal.
func NewSignalGeneratedEvent(signal TradeSignal, strategyName string) DomainEvent {
	return NewDomainEvent(EventSignalGenerated, map[string]any{
		"signal":        signal,
		"signal_id":     signal.ID,
		"symbol":        signal.Symbol,
		"side":          string(signal.Side),
		"qty":           signal.Qty,
		"confidence":    signal.Confidence,
		"strategy_name": strategyName,
	})
}

// NewSignalApprovedEvent records a risk engine approval.
func NewSignalApprovedEvent(approved ApprovedTrade) DomainEvent {
	return NewDomainEvent(EventSignalApproved, map[string]any{
		"approved_trade": approved,
		"signal_id":      approved.Signal.ID,
		"symbol":         approved.Signal.Symbol,
		"side":           string(approved.Signal.Side),
	})
}

// NewSignalRejectedEvent records a risk engine rejection.
func NewSignalRejectedEvent(rejected RejectedTrade) DomainEvent {
	return NewDomainEvent(EventSignalRejected, map[string]any{
		"rejected_trade":   rejected,
		"signal_id":        rejected.Signal.ID,
		"symbol":           rejected.Signal.Symbol,
		"rejection_reason": rejected.RejectionReason,
	})
}

// NewOrderEventDomainEvent maps an order lifecycle event onto the matching
// domain event tag.
func NewOrderEventDomainEvent(order OrderEvent) DomainEvent {
	var t EventType
	switch order.Status {
	case OrderFilled, OrderPartiallyFilled:
		t = EventOrderFilled
	case OrderCancelled:
		t = EventOrderCancelled
	case OrderRejected:
		t = EventOrderRejected
	default:
		t = EventOrderSubmitted
	}
	return NewDomainEvent(t, map[string]any{
		"order_event":     order,
		"order_id":        order.OrderID,
		"signal_id":       order.SignalID,
		"broker_order_id": order.BrokerOrderID,
		"status":          string(order.Status),
	})
}

// NewTradeIdeaGeneratedEvent records an advisory idea awaiting approval.
func NewTradeIdeaGeneratedEvent(idea TradeIdea) DomainEvent {
	return NewDomainEvent(EventTradeIdeaGenerated, map[string]any{
		"trade_idea": idea,
		"idea_id":    idea.ID,
		"confidence": idea.Confidence,
	})
}
