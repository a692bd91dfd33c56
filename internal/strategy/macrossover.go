// macrossover.go implements the moving-average crossover strategy.
//
// A BUY signal fires when the short MA crosses above the long MA, a SELL
// when it crosses below. Confidence starts at 0.5 and is boosted by the
// MA gap (up to +0.3) and by how far price has moved past the long MA in
// the crossover direction (up to +0.2), capped at 1.0. Signals below the
// configured minimum confidence are suppressed, and a per-symbol
// cooldown prevents signal spam.
package strategy

import (
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"trading-pipeline/pkg/types"
)

const historyBuffer = 10 // ticks kept beyond the long period

// MACrossover generates signals from short/long moving-average
// crossovers over per-symbol tick history.
type MACrossover struct {
	name          string
	symbols       []string
	shortPeriod   int
	longPeriod    int
	minConfidence float64
	cooldown      time.Duration

	active  atomic.Bool
	history map[string][]float64
	lastSig map[string]time.Time
	logger  *slog.Logger
}

// NewMACrossover creates the strategy inactive; call Activate (directly
// or through the engine) to start emitting signals.
func NewMACrossover(symbols []string, shortPeriod, longPeriod int, minConfidence float64, cooldown time.Duration, logger *slog.Logger) *MACrossover {
	return &MACrossover{
		name:          "ma_crossover",
		symbols:       symbols,
		shortPeriod:   shortPeriod,
		longPeriod:    longPeriod,
		minConfidence: minConfidence,
		cooldown:      cooldown,
		history:       make(map[string][]float64),
		lastSig:       make(map[string]time.Time),
		logger:        logger.With("component", "strategy", "strategy", "ma_crossover"),
	}
}

func (m *MACrossover) Name() string              { return m.name }
func (m *MACrossover) RequiredSymbols() []string { return m.symbols }
func (m *MACrossover) IsActive() bool            { return m.active.Load() }
func (m *MACrossover) Activate()                 { m.active.Store(true) }
func (m *MACrossover) Deactivate()               { m.active.Store(false) }

func (m *MACrossover) watches(symbol string) bool {
	for _, s := range m.symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

func (m *MACrossover) ProcessMarketEvent(event types.MarketEvent) ([]types.TradeSignal, error) {
	if !m.IsActive() || event.Type != types.MarketTick || !m.watches(event.Symbol) {
		return nil, nil
	}

	price, ok := ExtractPrice(event.Payload)
	if !ok {
		return nil, nil
	}

	m.recordPrice(event.Symbol, price)

	shortMA, longMA, ok := m.movingAverages(event.Symbol, 0)
	if !ok {
		return nil, nil
	}
	prevShort, prevLong, ok := m.movingAverages(event.Symbol, 1)
	if !ok {
		return nil, nil
	}

	sig := m.detectCrossover(event.Symbol, price, shortMA, longMA, prevShort, prevLong, event.Timestamp)
	if sig == nil {
		return nil, nil
	}
	return []types.TradeSignal{*sig}, nil
}

func (m *MACrossover) recordPrice(symbol string, price float64) {
	h := append(m.history[symbol], price)
	if maxLen := m.longPeriod + historyBuffer; len(h) > maxLen {
		h = h[len(h)-maxLen:]
	}
	m.history[symbol] = h
}

// movingAverages computes the short and long MAs over the history ending
// `back` ticks ago. ok is false when there is not enough data.
func (m *MACrossover) movingAverages(symbol string, back int) (shortMA, longMA float64, ok bool) {
	h := m.history[symbol]
	if len(h)-back < m.longPeriod {
		return 0, 0, false
	}
	h = h[:len(h)-back]
	return mean(h[len(h)-m.shortPeriod:]), mean(h[len(h)-m.longPeriod:]), true
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func (m *MACrossover) detectCrossover(symbol string, price, shortMA, longMA, prevShort, prevLong float64, ts time.Time) *types.TradeSignal {
	if last, ok := m.lastSig[symbol]; ok && ts.Sub(last) < m.cooldown {
		return nil
	}

	var side types.Side
	var crossoverType string
	switch {
	case prevShort <= prevLong && shortMA > longMA:
		side, crossoverType = types.BUY, "bullish"
	case prevShort >= prevLong && shortMA < longMA:
		side, crossoverType = types.SELL, "bearish"
	default:
		return nil
	}

	confidence := m.confidence(price, shortMA, longMA, crossoverType)
	if confidence < m.minConfidence {
		return nil
	}

	sig, err := types.NewTradeSignal(
		symbol, side, positionSize(confidence), types.OrderTypeMarket,
		confidence, types.SourceStrategy, m.name, nil, nil,
		map[string]any{
			"short_ma":       shortMA,
			"long_ma":        longMA,
			"price":          price,
			"crossover_type": crossoverType,
		},
	)
	if err != nil {
		m.logger.Error("signal construction failed", "symbol", symbol, "error", err)
		return nil
	}

	m.lastSig[symbol] = ts
	m.logger.Info("crossover detected",
		"symbol", symbol, "side", side, "confidence", confidence, "type", crossoverType)
	return &sig
}

// confidence scores a crossover: 0.5 base, +gap factor (MA separation,
// capped 0.3), +price factor (distance past the long MA in the
// crossover direction, capped 0.2), total capped at 1.0.
func (m *MACrossover) confidence(price, shortMA, longMA float64, crossoverType string) float64 {
	gapFactor := math.Min(math.Abs(shortMA-longMA)/longMA*10, 0.3)

	var priceFactor float64
	if crossoverType == "bullish" {
		if price > longMA {
			priceFactor = math.Min((price-longMA)/longMA*5, 0.2)
		}
	} else {
		if price < longMA {
			priceFactor = math.Min((longMA-price)/longMA*5, 0.2)
		}
	}

	return math.Min(0.5+gapFactor+priceFactor, 1.0)
}

// positionSize scales a 100-share base by confidence (0.5x to 1.0x).
func positionSize(confidence float64) int {
	size := int(100 * (0.5 + confidence*0.5))
	if size < 1 {
		return 1
	}
	return size
}
