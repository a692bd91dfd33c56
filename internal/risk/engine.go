package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"trading-pipeline/pkg/types"
)

// maxRecentSignals bounds the duplicate-detection buffer. When the cap
// is exceeded the buffer is truncated to its newest half.
const maxRecentSignals = 1000

// Publisher receives the approval/rejection events the engine emits.
type Publisher func(types.DomainEvent)

// Engine runs every signal through its ordered rules. All rules within
// one ValidateSignal call see the same snapshot, and the recent-signals
// buffer is appended only after approval, so a signal can never be its
// own duplicate.
type Engine struct {
	mu       sync.Mutex
	rules    []Rule
	active   bool
	recent   []types.TradeSignal
	publish  Publisher
	logger   *slog.Logger
	approved int
	rejected int
}

// NewEngine creates an active engine with the given rule order.
func NewEngine(rules []Rule, publish Publisher, logger *slog.Logger) *Engine {
	if publish == nil {
		publish = func(types.DomainEvent) {}
	}
	return &Engine{
		rules:   rules,
		active:  true,
		publish: publish,
		logger:  logger.With("component", "risk_engine"),
	}
}

// DefaultRules builds the standard rule pipeline in evaluation order.
func DefaultRules(maxPositionPct float64, maxPositionsPerSymbol int, minConfidence float64, duplicateWindow time.Duration, price PriceSource) []Rule {
	return []Rule{
		&MaxPositionSizeRule{MaxPositionPct: maxPositionPct, Price: price},
		&MaxPositionsPerSymbolRule{MaxPositions: maxPositionsPerSymbol},
		&MinConfidenceRule{MinConfidence: minConfidence},
		&DuplicateSignalRule{Window: duplicateWindow},
		&MarketHoursRule{},
	}
}

// ValidateSignal runs the signal through every rule, short-circuiting on
// the first failure. Exactly one of the returns is non-nil. A panicking
// rule rejects the signal; errors never approve by accident.
func (e *Engine) ValidateSignal(signal types.TradeSignal, account types.AccountSnapshot, positions []types.PositionSnapshot) (*types.ApprovedTrade, *types.RejectedTrade) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active {
		return nil, e.reject(signal, "Risk engine is disabled", map[string]types.RuleOutcome{})
	}

	e.logger.Info("validating signal",
		"symbol", signal.Symbol, "side", signal.Side, "qty", signal.Qty, "confidence", signal.Confidence)

	snap := Snapshot{
		Account:       account,
		Positions:     positions,
		RecentSignals: e.recent,
	}

	checks := make(map[string]types.RuleOutcome, len(e.rules))
	for _, rule := range e.rules {
		passed, reason, err := runRule(rule, signal, snap)
		if err != nil {
			e.logger.Error("risk rule error", "rule", rule.Name(), "error", err)
			return nil, e.reject(signal, fmt.Sprintf("Risk validation error: %v", err), checks)
		}

		checks[rule.Name()] = types.RuleOutcome{Passed: passed, Reason: reason}
		if !passed {
			e.logger.Warn("signal rejected", "rule", rule.Name(), "reason", reason)
			return nil, e.reject(signal, fmt.Sprintf("%s: %s", rule.Name(), reason), checks)
		}
	}

	approved := &types.ApprovedTrade{
		Signal:     signal,
		ApprovedAt: time.Now().UTC(),
		RiskChecks: checks,
	}

	e.addRecent(signal)
	e.approved++
	e.publish(types.NewSignalApprovedEvent(*approved))
	e.logger.Info("signal approved", "symbol", signal.Symbol, "side", signal.Side, "qty", signal.Qty)
	return approved, nil
}

// runRule converts a rule panic into an error so one bad rule cannot
// take the pipeline down or approve by falling through.
func runRule(rule Rule, signal types.TradeSignal, snap Snapshot) (passed bool, reason string, err error) {
	defer func() {
		if r := recover(); r != nil {
			passed = false
			err = fmt.Errorf("%v", r)
		}
	}()
	passed, reason = rule.Validate(signal, snap)
	return passed, reason, nil
}

func (e *Engine) reject(signal types.TradeSignal, reason string, checks map[string]types.RuleOutcome) *types.RejectedTrade {
	rejected := &types.RejectedTrade{
		Signal:          signal,
		RejectedAt:      time.Now().UTC(),
		RejectionReason: reason,
		RiskChecks:      checks,
	}
	e.rejected++
	e.publish(types.NewSignalRejectedEvent(*rejected))
	return rejected
}

func (e *Engine) addRecent(signal types.TradeSignal) {
	e.recent = append(e.recent, signal)
	if len(e.recent) > maxRecentSignals {
		e.recent = append([]types.TradeSignal(nil), e.recent[len(e.recent)-maxRecentSignals/2:]...)
	}
}

// Activate re-enables validation.
func (e *Engine) Activate() {
	e.mu.Lock()
	e.active = true
	e.mu.Unlock()
	e.logger.Info("risk engine activated")
}

// Deactivate causes every signal to be rejected until reactivation.
func (e *Engine) Deactivate() {
	e.mu.Lock()
	e.active = false
	e.mu.Unlock()
	e.logger.Warn("risk engine deactivated, all signals will be rejected")
}

// IsActive reports whether signals are being validated.
func (e *Engine) IsActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Stats is the engine state exposed over the API.
type Stats struct {
	Active          bool     `json:"active"`
	Rules           []string `json:"rules"`
	RecentSignals   int      `json:"recent_signals_tracked"`
	SignalsApproved int      `json:"signals_approved"`
	SignalsRejected int      `json:"signals_rejected"`
}

func (e *Engine) Statistics() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name()
	}
	return Stats{
		Active:          e.active,
		Rules:           names,
		RecentSignals:   len(e.recent),
		SignalsApproved: e.approved,
		SignalsRejected: e.rejected,
	}
}
