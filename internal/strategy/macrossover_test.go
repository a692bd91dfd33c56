package strategy

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"trading-pipeline/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tickAt(symbol string, price float64, ts time.Time) types.MarketEvent {
	return types.MarketEvent{
		Type:      types.MarketTick,
		Symbol:    symbol,
		Timestamp: ts,
		Payload:   map[string]any{"price": price},
	}
}

// feed runs the series through the strategy spacing ticks one second
// apart and returns every generated signal.
func feed(t *testing.T, m *MACrossover, symbol string, prices []float64) []types.TradeSignal {
	t.Helper()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	var out []types.TradeSignal
	for i, p := range prices {
		sigs, err := m.ProcessMarketEvent(tickAt(symbol, p, base.Add(time.Duration(i)*time.Second)))
		if err != nil {
			t.Fatalf("ProcessMarketEvent: %v", err)
		}
		out = append(out, sigs...)
	}
	return out
}

// A decline followed by a sharp rally drives the short MA up through the
// long MA exactly once, on the final tick.
var bullishSeries = []float64{110, 109, 108, 107, 106, 105, 104, 103, 102, 101, 107, 112, 118}

func TestBullishCrossoverEmitsOneBuy(t *testing.T) {
	t.Parallel()

	m := NewMACrossover([]string{"SPY"}, 5, 10, 0.6, 5*time.Minute, discardLogger())
	m.Activate()

	signals := feed(t, m, "SPY", bullishSeries)
	if len(signals) != 1 {
		t.Fatalf("got %d signals, want exactly 1", len(signals))
	}

	sig := signals[0]
	if sig.Side != types.BUY {
		t.Errorf("side = %s, want buy", sig.Side)
	}
	if sig.Symbol != "SPY" {
		t.Errorf("symbol = %s", sig.Symbol)
	}
	if sig.Confidence < 0.6 || sig.Confidence > 1.0 {
		t.Errorf("confidence = %v, want within [0.6, 1.0]", sig.Confidence)
	}
	if sig.Source != types.SourceStrategy {
		t.Errorf("source = %s, want strategy", sig.Source)
	}
	if sig.Metadata["crossover_type"] != "bullish" {
		t.Errorf("crossover_type = %v", sig.Metadata["crossover_type"])
	}
	if sig.Metadata["price"] != 118.0 {
		t.Errorf("metadata price = %v, want final tick 118", sig.Metadata["price"])
	}
	if _, ok := sig.Metadata["short_ma"]; !ok {
		t.Error("metadata missing short_ma")
	}
	if _, ok := sig.Metadata["long_ma"]; !ok {
		t.Error("metadata missing long_ma")
	}
	if want := positionSize(sig.Confidence); sig.Qty != want {
		t.Errorf("qty = %d, want %d", sig.Qty, want)
	}
}

func TestBearishCrossoverEmitsSell(t *testing.T) {
	t.Parallel()

	m := NewMACrossover([]string{"SPY"}, 5, 10, 0.6, 5*time.Minute, discardLogger())
	m.Activate()

	// Mirror of the bullish series: rally then collapse.
	series := []float64{100, 101, 102, 103, 104, 105, 106, 107, 108, 109, 103, 98, 92}
	signals := feed(t, m, "SPY", series)
	if len(signals) != 1 {
		t.Fatalf("got %d signals, want exactly 1", len(signals))
	}
	if signals[0].Side != types.SELL {
		t.Errorf("side = %s, want sell", signals[0].Side)
	}
	if signals[0].Metadata["crossover_type"] != "bearish" {
		t.Errorf("crossover_type = %v", signals[0].Metadata["crossover_type"])
	}
}

func TestMonotoneRallyNeverCrosses(t *testing.T) {
	t.Parallel()

	m := NewMACrossover([]string{"SPY"}, 5, 10, 0.6, 5*time.Minute, discardLogger())
	m.Activate()

	var series []float64
	for p := 100.0; p <= 112; p++ {
		series = append(series, p)
	}
	if signals := feed(t, m, "SPY", series); len(signals) != 0 {
		t.Errorf("short MA never crosses from below in a monotone rally, got %d signals", len(signals))
	}
}

func TestCooldownSuppressesRepeatSignals(t *testing.T) {
	t.Parallel()

	m := NewMACrossover([]string{"SPY"}, 5, 10, 0.6, 5*time.Minute, discardLogger())
	m.Activate()

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	var got []types.TradeSignal
	// Two full crossover cycles within one cooldown window.
	cycle := append(append([]float64{}, bullishSeries...),
		112, 106, 100, 96, 92, 90, 88, 86, 84, 82, 90, 98, 108)
	for i, p := range cycle {
		sigs, _ := m.ProcessMarketEvent(tickAt("SPY", p, base.Add(time.Duration(i)*time.Second)))
		got = append(got, sigs...)
	}
	if len(got) != 1 {
		t.Errorf("got %d signals, cooldown should allow only the first", len(got))
	}
}

func TestInactiveStrategyEmitsNothing(t *testing.T) {
	t.Parallel()

	m := NewMACrossover([]string{"SPY"}, 5, 10, 0.6, 5*time.Minute, discardLogger())
	if signals := feed(t, m, "SPY", bullishSeries); len(signals) != 0 {
		t.Errorf("inactive strategy emitted %d signals", len(signals))
	}
}

func TestIrrelevantSymbolIgnored(t *testing.T) {
	t.Parallel()

	m := NewMACrossover([]string{"SPY"}, 5, 10, 0.6, 5*time.Minute, discardLogger())
	m.Activate()
	if signals := feed(t, m, "TSLA", bullishSeries); len(signals) != 0 {
		t.Errorf("strategy emitted %d signals for an unwatched symbol", len(signals))
	}
}

func TestHistoryTrimmedToBound(t *testing.T) {
	t.Parallel()

	m := NewMACrossover([]string{"SPY"}, 5, 10, 0.6, 5*time.Minute, discardLogger())
	m.Activate()

	series := make([]float64, 100)
	for i := range series {
		series[i] = 100
	}
	feed(t, m, "SPY", series)

	if got, want := len(m.history["SPY"]), 10+historyBuffer; got != want {
		t.Errorf("history length = %d, want %d", got, want)
	}
}

func TestConfidenceCaps(t *testing.T) {
	t.Parallel()

	m := NewMACrossover([]string{"SPY"}, 5, 10, 0.6, 5*time.Minute, discardLogger())

	// Gap ratio >= 0.05 saturates the gap factor; price far beyond the
	// long MA saturates the price factor. Total caps at 1.0.
	if got := m.confidence(200, 110, 100, "bullish"); got != 1.0 {
		t.Errorf("confidence = %v, want capped at 1.0", got)
	}
	// Price below the long MA contributes nothing on a bullish cross.
	if got := m.confidence(95, 101, 100, "bullish"); got != 0.5+0.1 {
		t.Errorf("confidence = %v, want 0.6 (gap only)", got)
	}
}

func TestExtractPrice(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		payload map[string]any
		want    float64
		ok      bool
	}{
		{"price", map[string]any{"price": 101.5}, 101.5, true},
		{"close", map[string]any{"close": 99.0}, 99.0, true},
		{"bid ask midpoint", map[string]any{"bid": 100.0, "ask": 102.0}, 101.0, true},
		{"one-sided quote", map[string]any{"bid": 100.0, "ask": 0.0}, 0, false},
		{"empty", map[string]any{}, 0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractPrice(tc.payload)
			if ok != tc.ok || got != tc.want {
				t.Errorf("ExtractPrice = (%v, %v), want (%v, %v)", got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestPositionSize(t *testing.T) {
	t.Parallel()

	if got := positionSize(1.0); got != 100 {
		t.Errorf("positionSize(1.0) = %d, want 100", got)
	}
	if got := positionSize(0.6); got != 80 {
		t.Errorf("positionSize(0.6) = %d, want 80", got)
	}
	if got := positionSize(0.0); got != 50 {
		t.Errorf("positionSize(0.0) = %d, want 50", got)
	}
}
