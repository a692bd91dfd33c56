// Package execution converts approved trades into broker orders and
// tracks their lifecycle. The execution engine is the only component
// permitted to call broker methods.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"trading-pipeline/internal/broker"
	"trading-pipeline/pkg/types"
)

// Status is the engine's processing state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusError      Status = "error"
)

const (
	defaultPollInterval = time.Second
	maxMonitorPolls     = 300 // ~5 minutes at the default interval
)

// ActiveOrder is a tracked, not-yet-terminal order.
type ActiveOrder struct {
	BrokerOrderID string    `json:"broker_order_id"`
	SignalID      string    `json:"signal_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Qty           int       `json:"qty"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// Stats counts order outcomes since startup.
type Stats struct {
	Status             Status  `json:"status"`
	OrdersSubmitted    int     `json:"orders_submitted"`
	OrdersFilled       int     `json:"orders_filled"`
	OrdersRejected     int     `json:"orders_rejected"`
	OrdersCancelled    int     `json:"orders_cancelled"`
	ActiveOrders       int     `json:"active_orders_count"`
	TotalExecutionSecs float64 `json:"total_execution_time"`
	BrokerConnected    bool    `json:"broker_connected"`
}

// Engine owns the broker adapter. ExecuteApprovedTrade is single-entrant
// by status; monitor goroutines mutate the shared maps under the mutex.
type Engine struct {
	broker  broker.Adapter
	publish func(types.DomainEvent)
	logger  *slog.Logger

	pollInterval time.Duration
	maxPolls     int

	mu           sync.Mutex
	status       Status
	activeOrders map[string]ActiveOrder // internal order id -> tracked order
	history      map[string]types.OrderEvent
	stats        Stats

	wg sync.WaitGroup
}

func NewEngine(adapter broker.Adapter, publish func(types.DomainEvent), logger *slog.Logger) *Engine {
	if publish == nil {
		publish = func(types.DomainEvent) {}
	}
	return &Engine{
		broker:       adapter,
		publish:      publish,
		logger:       logger.With("component", "execution_engine"),
		pollInterval: defaultPollInterval,
		maxPolls:     maxMonitorPolls,
		status:       StatusIdle,
		activeOrders: make(map[string]ActiveOrder),
		history:      make(map[string]types.OrderEvent),
	}
}

// Initialize connects the broker. On failure the engine parks in ERROR.
func (e *Engine) Initialize(ctx context.Context) error {
	e.logger.Info("initializing execution engine")
	if err := e.broker.Connect(ctx); err != nil {
		e.mu.Lock()
		e.status = StatusError
		e.mu.Unlock()
		return fmt.Errorf("connect broker: %w", err)
	}
	return nil
}

// ExecuteApprovedTrade places exactly one broker order for the approved
// trade. Returns an error only when the engine is busy; broker failures
// are absorbed into a synthesized REJECTED order event.
func (e *Engine) ExecuteApprovedTrade(ctx context.Context, approved types.ApprovedTrade) error {
	e.mu.Lock()
	if e.status != StatusIdle {
		e.mu.Unlock()
		return fmt.Errorf("execution engine not ready (status %s)", e.status)
	}
	e.status = StatusProcessing
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.status = StatusIdle
		e.mu.Unlock()
	}()

	signal := approved.Signal
	e.logger.Info("executing approved trade",
		"symbol", signal.Symbol, "side", signal.Side, "qty", signal.Qty, "signal_id", signal.ID)

	start := time.Now()
	event, err := e.broker.PlaceOrder(ctx, signal)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		e.logger.Error("order placement failed", "signal_id", signal.ID, "error", err)
		event = types.OrderEvent{
			OrderID:         "error_" + signal.ID,
			SignalID:        signal.ID,
			Status:          types.OrderRejected,
			Timestamp:       time.Now().UTC(),
			RejectionReason: fmt.Sprintf("Execution error: %v", err),
		}
	}

	e.mu.Lock()
	e.stats.TotalExecutionSecs += elapsed
	e.history[event.OrderID] = event
	switch event.Status {
	case types.OrderSubmitted:
		e.activeOrders[event.OrderID] = ActiveOrder{
			BrokerOrderID: event.BrokerOrderID,
			SignalID:      signal.ID,
			Symbol:        signal.Symbol,
			Side:          string(signal.Side),
			Qty:           signal.Qty,
			SubmittedAt:   event.Timestamp,
		}
		e.stats.OrdersSubmitted++
	default:
		e.stats.OrdersRejected++
	}
	e.mu.Unlock()

	e.publish(types.NewOrderEventDomainEvent(event))

	if event.Status == types.OrderSubmitted {
		e.logger.Info("order submitted", "broker_order_id", event.BrokerOrderID, "elapsed_s", elapsed)
		e.wg.Add(1)
		go e.monitorOrder(ctx, event.OrderID, event.BrokerOrderID)
	} else {
		e.logger.Warn("order rejected", "reason", event.RejectionReason)
	}
	return nil
}

// monitorOrder polls the broker until the order reaches a terminal
// status or the poll budget runs out. PARTIALLY_FILLED counts as a fill
// but the order stays tracked until fully filled.
func (e *Engine) monitorOrder(ctx context.Context, orderID, brokerOrderID string) {
	defer e.wg.Done()
	if brokerOrderID == "" {
		return
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for polls := 0; polls < e.maxPolls; polls++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		event, err := e.broker.GetOrderStatus(ctx, brokerOrderID)
		if err != nil {
			e.logger.Error("order monitoring failed", "broker_order_id", brokerOrderID, "error", err)
			return
		}
		event.SignalID = e.signalIDFor(orderID)
		event.OrderID = orderID

		switch event.Status {
		case types.OrderFilled:
			e.mu.Lock()
			delete(e.activeOrders, orderID)
			e.stats.OrdersFilled++
			e.history[orderID] = event
			e.mu.Unlock()
			e.publish(types.NewOrderEventDomainEvent(event))
			e.logger.Info("order filled",
				"broker_order_id", brokerOrderID, "filled_qty", event.FilledQty, "filled_price", event.FilledPrice)
			return

		case types.OrderPartiallyFilled:
			e.mu.Lock()
			e.stats.OrdersFilled++
			e.history[orderID] = event
			e.mu.Unlock()
			e.publish(types.NewOrderEventDomainEvent(event))
			e.logger.Info("order partially filled",
				"broker_order_id", brokerOrderID, "filled_qty", event.FilledQty)
			return

		case types.OrderCancelled, types.OrderRejected:
			e.mu.Lock()
			delete(e.activeOrders, orderID)
			if event.Status == types.OrderCancelled {
				e.stats.OrdersCancelled++
			} else {
				e.stats.OrdersRejected++
			}
			e.history[orderID] = event
			e.mu.Unlock()
			e.publish(types.NewOrderEventDomainEvent(event))
			e.logger.Info("order closed", "broker_order_id", brokerOrderID, "status", event.Status)
			return
		}
	}

	e.logger.Warn("stopped monitoring order", "broker_order_id", brokerOrderID, "polls", e.maxPolls)
}

func (e *Engine) signalIDFor(orderID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeOrders[orderID].SignalID
}

// CancelOrder cancels one tracked order by internal id.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) error {
	e.mu.Lock()
	active, ok := e.activeOrders[orderID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("order %s not found in active orders", orderID)
	}

	if err := e.broker.CancelOrder(ctx, active.BrokerOrderID); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}

	e.mu.Lock()
	delete(e.activeOrders, orderID)
	e.stats.OrdersCancelled++
	e.mu.Unlock()

	e.logger.Info("order cancelled", "order_id", orderID, "broker_order_id", active.BrokerOrderID)
	return nil
}

// Shutdown cancels every active order best-effort, waits for monitors,
// then disconnects the broker.
func (e *Engine) Shutdown(ctx context.Context) {
	e.logger.Info("shutting down execution engine")

	e.mu.Lock()
	ids := make([]string, 0, len(e.activeOrders))
	for id := range e.activeOrders {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.CancelOrder(ctx, id); err != nil {
			e.logger.Error("shutdown cancel failed", "order_id", id, "error", err)
		}
	}

	e.wg.Wait()

	if err := e.broker.Disconnect(ctx); err != nil {
		e.logger.Error("broker disconnect failed", "error", err)
	}

	e.mu.Lock()
	e.status = StatusIdle
	e.mu.Unlock()
	e.logger.Info("execution engine shutdown complete")
}

// ActiveOrders returns a copy of the tracking map.
func (e *Engine) ActiveOrders() map[string]ActiveOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]ActiveOrder, len(e.activeOrders))
	for k, v := range e.activeOrders {
		out[k] = v
	}
	return out
}

// History returns order events newest-first, capped at limit (0 = all).
func (e *Engine) History(limit int) []types.OrderEvent {
	e.mu.Lock()
	out := make([]types.OrderEvent, 0, len(e.history))
	for _, evt := range e.history {
		out = append(out, evt)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Statistics returns the counters plus live status.
func (e *Engine) Statistics() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.Status = e.status
	s.ActiveOrders = len(e.activeOrders)
	s.BrokerConnected = e.broker.IsConnected()
	return s
}
