// Package strategy defines the Strategy interface and the engine that
// routes market events to registered strategies and collects the trade
// signals they emit.
package strategy

import (
	"fmt"
	"log/slog"
	"sync"

	"trading-pipeline/pkg/types"
)

// Strategy turns market events into trade signals. Implementations keep
// their own price history; the engine never shares state between them.
// ProcessMarketEvent is called from a single goroutine per engine, so
// implementations do not need internal locking.
type Strategy interface {
	Name() string
	// ProcessMarketEvent returns zero or more signals for the event.
	ProcessMarketEvent(event types.MarketEvent) ([]types.TradeSignal, error)
	// RequiredSymbols lists the symbols the strategy wants events for.
	RequiredSymbols() []string
	IsActive() bool
	Activate()
	Deactivate()
}

// Engine holds the strategy registry and fans each market event out to
// every active strategy whose symbol set matches. A panicking strategy
// is isolated: the panic is logged and the remaining strategies still
// run.
type Engine struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	logger     *slog.Logger
}

func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		strategies: make(map[string]Strategy),
		logger:     logger.With("component", "strategy_engine"),
	}
}

// Register adds a strategy. Registering a duplicate name is an error.
func (e *Engine) Register(s Strategy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.strategies[s.Name()]; exists {
		return fmt.Errorf("strategy %q already registered", s.Name())
	}
	e.strategies[s.Name()] = s
	e.logger.Info("strategy registered", "strategy", s.Name(), "symbols", s.RequiredSymbols())
	return nil
}

// Unregister removes a strategy by name. Removing an unknown name is an
// error.
func (e *Engine) Unregister(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.strategies[name]; !ok {
		return fmt.Errorf("strategy %q not found", name)
	}
	delete(e.strategies, name)
	e.logger.Info("strategy unregistered", "strategy", name)
	return nil
}

// Activate enables a registered strategy by name.
func (e *Engine) Activate(name string) error {
	e.mu.RLock()
	s, ok := e.strategies[name]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("strategy %q not found", name)
	}
	s.Activate()
	e.logger.Info("strategy activated", "strategy", name)
	return nil
}

// Deactivate disables a registered strategy by name.
func (e *Engine) Deactivate(name string) error {
	e.mu.RLock()
	s, ok := e.strategies[name]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("strategy %q not found", name)
	}
	s.Deactivate()
	e.logger.Info("strategy deactivated", "strategy", name)
	return nil
}

// StrategyStatus is the registry view exposed over the API.
type StrategyStatus struct {
	Name    string   `json:"name"`
	Active  bool     `json:"active"`
	Symbols []string `json:"symbols"`
}

// Statuses returns the current state of every registered strategy.
func (e *Engine) Statuses() []StrategyStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]StrategyStatus, 0, len(e.strategies))
	for _, s := range e.strategies {
		out = append(out, StrategyStatus{
			Name:    s.Name(),
			Active:  s.IsActive(),
			Symbols: s.RequiredSymbols(),
		})
	}
	return out
}

// RequiredSymbols is the union of every registered strategy's symbols,
// used to drive the market-data subscription.
func (e *Engine) RequiredSymbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, s := range e.strategies {
		for _, sym := range s.RequiredSymbols() {
			if !seen[sym] {
				seen[sym] = true
				out = append(out, sym)
			}
		}
	}
	return out
}

// ProcessMarketEvent fans the event to every active strategy and
// returns all generated signals. Strategy errors and panics are logged
// and skipped, never propagated.
func (e *Engine) ProcessMarketEvent(event types.MarketEvent) []types.TradeSignal {
	e.mu.RLock()
	strategies := make([]Strategy, 0, len(e.strategies))
	for _, s := range e.strategies {
		strategies = append(strategies, s)
	}
	e.mu.RUnlock()

	var signals []types.TradeSignal
	for _, s := range strategies {
		if !s.IsActive() {
			continue
		}
		out := e.runStrategy(s, event)
		signals = append(signals, out...)
	}
	return signals
}

func (e *Engine) runStrategy(s Strategy, event types.MarketEvent) (signals []types.TradeSignal) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("strategy panicked",
				"strategy", s.Name(), "symbol", event.Symbol, "panic", r)
			signals = nil
		}
	}()

	out, err := s.ProcessMarketEvent(event)
	if err != nil {
		e.logger.Error("strategy error", "strategy", s.Name(), "error", err)
		return nil
	}
	return out
}

// ExtractPrice pulls a usable price out of a tick payload, trying the
// common fields then falling back to the bid/ask midpoint. Returns
// (0, false) when no price is present.
func ExtractPrice(payload map[string]any) (float64, bool) {
	for _, field := range []string{"price", "close", "last", "mid"} {
		if v, ok := asFloat(payload[field]); ok {
			return v, true
		}
	}
	bid, okB := asFloat(payload["bid"])
	ask, okA := asFloat(payload["ask"])
	if okB && okA && bid > 0 && ask > 0 {
		return (bid + ask) / 2, true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
