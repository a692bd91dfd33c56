package strategy

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"trading-pipeline/pkg/types"
)

// stubStrategy is a scriptable Strategy for engine tests.
type stubStrategy struct {
	name    string
	symbols []string
	active  atomic.Bool
	process func(types.MarketEvent) ([]types.TradeSignal, error)
}

func (s *stubStrategy) Name() string              { return s.name }
func (s *stubStrategy) RequiredSymbols() []string { return s.symbols }
func (s *stubStrategy) IsActive() bool            { return s.active.Load() }
func (s *stubStrategy) Activate()                 { s.active.Store(true) }
func (s *stubStrategy) Deactivate()               { s.active.Store(false) }
func (s *stubStrategy) ProcessMarketEvent(e types.MarketEvent) ([]types.TradeSignal, error) {
	return s.process(e)
}

func oneSignal(t *testing.T) []types.TradeSignal {
	t.Helper()
	sig, err := types.NewTradeSignal("SPY", types.BUY, 10, types.OrderTypeMarket, 0.8, types.SourceStrategy, "stub", nil, nil, nil)
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	return []types.TradeSignal{sig}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	t.Parallel()

	e := NewEngine(discardLogger())
	s := &stubStrategy{name: "a", symbols: []string{"SPY"}}
	if err := e.Register(s); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := e.Register(s); err == nil {
		t.Error("duplicate registration should fail")
	}
}

func TestUnregisterRoundTrip(t *testing.T) {
	t.Parallel()

	e := NewEngine(discardLogger())
	e.Register(&stubStrategy{name: "a", symbols: []string{"SPY", "AAPL"}})

	before := e.RequiredSymbols()

	extra := &stubStrategy{name: "b", symbols: []string{"MSFT", "AAPL"}}
	if err := e.Register(extra); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := e.Unregister("b"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	after := e.RequiredSymbols()
	if len(after) != len(before) {
		t.Errorf("symbol set changed after register/unregister: %v -> %v", before, after)
	}
	want := map[string]bool{}
	for _, s := range before {
		want[s] = true
	}
	for _, s := range after {
		if !want[s] {
			t.Errorf("unexpected symbol %q after round trip", s)
		}
	}

	if err := e.Unregister("b"); err == nil {
		t.Error("unregistering an unknown strategy should fail")
	}

	// The slot is free again after removal.
	if err := e.Register(extra); err != nil {
		t.Errorf("re-register after unregister: %v", err)
	}
}

func TestActivateDeactivate(t *testing.T) {
	t.Parallel()

	e := NewEngine(discardLogger())
	s := &stubStrategy{name: "a", symbols: []string{"SPY"}}
	e.Register(s)

	if err := e.Activate("a"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if !s.IsActive() {
		t.Error("strategy should be active")
	}
	if err := e.Deactivate("a"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if s.IsActive() {
		t.Error("strategy should be inactive")
	}
	if err := e.Activate("missing"); err == nil {
		t.Error("activating an unknown strategy should fail")
	}
}

func TestProcessSkipsInactive(t *testing.T) {
	t.Parallel()

	e := NewEngine(discardLogger())
	called := false
	s := &stubStrategy{name: "a", symbols: []string{"SPY"}, process: func(types.MarketEvent) ([]types.TradeSignal, error) {
		called = true
		return nil, nil
	}}
	e.Register(s)

	e.ProcessMarketEvent(types.MarketEvent{Type: types.MarketTick, Symbol: "SPY"})
	if called {
		t.Error("inactive strategy must not be invoked")
	}
}

func TestPanicIsolation(t *testing.T) {
	t.Parallel()

	e := NewEngine(discardLogger())

	panicky := &stubStrategy{name: "panicky", symbols: []string{"SPY"}, process: func(types.MarketEvent) ([]types.TradeSignal, error) {
		panic("boom")
	}}
	panicky.Activate()

	healthy := &stubStrategy{name: "healthy", symbols: []string{"SPY"}}
	healthy.process = func(types.MarketEvent) ([]types.TradeSignal, error) { return oneSignal(t), nil }
	healthy.Activate()

	e.Register(panicky)
	e.Register(healthy)

	signals := e.ProcessMarketEvent(types.MarketEvent{
		Type: types.MarketTick, Symbol: "SPY", Timestamp: time.Now(),
		Payload: map[string]any{"price": 100.0},
	})
	if len(signals) != 1 {
		t.Errorf("got %d signals, healthy strategy should still run", len(signals))
	}
}

func TestErrorIsolation(t *testing.T) {
	t.Parallel()

	e := NewEngine(discardLogger())
	failing := &stubStrategy{name: "failing", symbols: []string{"SPY"}, process: func(types.MarketEvent) ([]types.TradeSignal, error) {
		return nil, errors.New("bad state")
	}}
	failing.Activate()
	e.Register(failing)

	if signals := e.ProcessMarketEvent(types.MarketEvent{Type: types.MarketTick, Symbol: "SPY"}); len(signals) != 0 {
		t.Errorf("got %d signals from a failing strategy", len(signals))
	}
}

func TestRequiredSymbolsUnion(t *testing.T) {
	t.Parallel()

	e := NewEngine(discardLogger())
	e.Register(&stubStrategy{name: "a", symbols: []string{"SPY", "AAPL"}})
	e.Register(&stubStrategy{name: "b", symbols: []string{"AAPL", "MSFT"}})

	got := e.RequiredSymbols()
	if len(got) != 3 {
		t.Errorf("union = %v, want 3 distinct symbols", got)
	}
}
