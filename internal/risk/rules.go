// Package risk implements the mandatory validation gate between signal
// generation and execution. Every signal runs through an ordered list
// of rules; the first failure rejects the signal.
package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"trading-pipeline/pkg/types"
)

// Snapshot is the state every rule in one validation call sees. It is
// captured once per call so all rules judge the same world.
type Snapshot struct {
	Account       types.AccountSnapshot
	Positions     []types.PositionSnapshot
	RecentSignals []types.TradeSignal
}

// Rule judges one aspect of a signal. Pass returns true; fail returns
// false plus a human-readable reason.
type Rule interface {
	Name() string
	Validate(signal types.TradeSignal, snap Snapshot) (bool, string)
}

// PriceSource estimates the current price for a symbol. ok is false when
// no estimate is available.
type PriceSource func(symbol string) (float64, bool)

// placeholderPrice is used for sizing when no market price is known.
const placeholderPrice = 100

// MaxPositionSizeRule caps the estimated position value as a fraction of
// account equity. The price comes from the injected source; without one
// (or when the source has nothing) a flat placeholder is assumed.
type MaxPositionSizeRule struct {
	MaxPositionPct float64
	Price          PriceSource
}

func (r *MaxPositionSizeRule) Name() string { return "max_position_size" }

func (r *MaxPositionSizeRule) Validate(signal types.TradeSignal, snap Snapshot) (bool, string) {
	price := float64(placeholderPrice)
	if r.Price != nil {
		if p, ok := r.Price(signal.Symbol); ok && p > 0 {
			price = p
		}
	}

	if !snap.Account.Equity.IsPositive() {
		return false, "account equity is not positive"
	}

	value := decimal.NewFromInt(int64(signal.Qty)).Mul(decimal.NewFromFloat(price))
	pct, _ := value.Div(snap.Account.Equity).Float64()

	if pct > r.MaxPositionPct {
		return false, fmt.Sprintf("Position size %.1f%% exceeds maximum %.1f%% of account equity",
			pct*100, r.MaxPositionPct*100)
	}
	return true, ""
}

// MaxPositionsPerSymbolRule caps the number of open (non-zero) positions
// in the signal's symbol.
type MaxPositionsPerSymbolRule struct {
	MaxPositions int
}

func (r *MaxPositionsPerSymbolRule) Name() string { return "max_positions_per_symbol" }

func (r *MaxPositionsPerSymbolRule) Validate(signal types.TradeSignal, snap Snapshot) (bool, string) {
	count := 0
	for _, p := range snap.Positions {
		if p.Symbol == signal.Symbol && p.Qty != 0 {
			count++
		}
	}
	if count >= r.MaxPositions {
		return false, fmt.Sprintf("Symbol %s already has %d positions (max: %d)",
			signal.Symbol, count, r.MaxPositions)
	}
	return true, ""
}

// MinConfidenceRule rejects signals below the confidence floor.
type MinConfidenceRule struct {
	MinConfidence float64
}

func (r *MinConfidenceRule) Name() string { return "min_confidence" }

func (r *MinConfidenceRule) Validate(signal types.TradeSignal, _ Snapshot) (bool, string) {
	if signal.Confidence < r.MinConfidence {
		return false, fmt.Sprintf("Signal confidence %.2f below minimum %.2f",
			signal.Confidence, r.MinConfidence)
	}
	return true, ""
}

// DuplicateSignalRule rejects a signal when one with the same symbol and
// side appears in the recent buffer within the window.
type DuplicateSignalRule struct {
	Window time.Duration
}

func (r *DuplicateSignalRule) Name() string { return "duplicate_signal" }

func (r *DuplicateSignalRule) Validate(signal types.TradeSignal, snap Snapshot) (bool, string) {
	cutoff := signal.CreatedAt.Add(-r.Window)
	for _, recent := range snap.RecentSignals {
		if recent.Symbol == signal.Symbol && recent.Side == signal.Side && recent.CreatedAt.After(cutoff) {
			return false, fmt.Sprintf("Duplicate signal for %s %s within %.0f minutes",
				signal.Symbol, signal.Side, r.Window.Minutes())
		}
	}
	return true, ""
}

// MarketHoursRule rejects signals outside weekday trading hours on the
// local clock. A production deployment would consult a market calendar;
// the clock is injectable for tests.
type MarketHoursRule struct {
	Now func() time.Time
}

func (r *MarketHoursRule) Name() string { return "market_hours" }

func (r *MarketHoursRule) Validate(_ types.TradeSignal, _ Snapshot) (bool, string) {
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}

	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		return false, "Market is closed (weekend)"
	}
	if h := now.Hour(); h < 9 || h >= 16 {
		return false, "Market is closed (outside trading hours)"
	}
	return true, ""
}
