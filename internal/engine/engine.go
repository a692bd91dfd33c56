// Package engine is the central orchestrator of the trading pipeline.
//
// It wires together all subsystems:
//
//  1. The broker adapter streams market data for the strategies' symbols.
//  2. Each event updates the last-price cache and fans out to active
//     strategies, which may emit trade signals.
//  3. A single worker runs every signal through the risk engine and, on
//     approval, hands it to the execution engine. One worker means
//     signals are validated in arrival order.
//  4. Every signal, decision, and order event lands in the audit trail.
//  5. The HTTP API exposes control and the advisory service; approving
//     an AI idea submits the minted signal into the same worker.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"trading-pipeline/internal/advisor"
	"trading-pipeline/internal/api"
	"trading-pipeline/internal/audit"
	"trading-pipeline/internal/broker"
	"trading-pipeline/internal/config"
	"trading-pipeline/internal/execution"
	"trading-pipeline/internal/risk"
	"trading-pipeline/internal/strategy"
	"trading-pipeline/pkg/types"
)

// Engine orchestrates all components of the trading pipeline. It owns
// the lifecycle of all goroutines.
type Engine struct {
	cfg        config.Config
	adapter    broker.Adapter
	strategies *strategy.Engine
	riskEngine *risk.Engine
	execEngine *execution.Engine
	advisor    *advisor.Service
	auditLog   *audit.Logger
	apiServer  *api.Server
	logger     *slog.Logger

	// signals is the single queue feeding the risk/execution worker.
	signals chan types.TradeSignal
	// simulated carries synthetic ticks injected via the API.
	simulated chan types.MarketEvent

	// lastPrices caches the latest tick price per symbol, feeding the
	// position-size rule.
	lastPrices map[string]float64
	pricesMu   sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all pipeline components around the given broker
// adapter and audit sink.
func New(cfg config.Config, adapter broker.Adapter, sink audit.Sink, logger *slog.Logger) *Engine {
	return newEngine(cfg, adapter, sink, nil, logger)
}

// newEngine is the wiring core. A nil rules slice selects the default
// rule pipeline; tests inject deterministic rules.
func newEngine(cfg config.Config, adapter broker.Adapter, sink audit.Sink, rules []risk.Rule, logger *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:        cfg,
		adapter:    adapter,
		logger:     logger.With("component", "engine"),
		signals:    make(chan types.TradeSignal, 256),
		simulated:  make(chan types.MarketEvent, 64),
		lastPrices: make(map[string]float64),
		ctx:        ctx,
		cancel:     cancel,
	}

	e.auditLog = audit.NewLogger(sink, cfg.Audit.BufferSize, cfg.Audit.FlushInterval, logger)

	if rules == nil {
		rules = risk.DefaultRules(
			cfg.Risk.MaxPositionPct,
			cfg.Risk.MaxPositionsPerSymbol,
			cfg.Risk.MinConfidence,
			cfg.Risk.DuplicateWindow,
			e.lastPrice,
		)
	}
	e.riskEngine = risk.NewEngine(rules, e.publishEvent, logger)
	e.execEngine = execution.NewEngine(adapter, e.publishEvent, logger)
	e.advisor = advisor.NewService(cfg.Advisor, e.publishEvent, logger)

	e.strategies = strategy.NewEngine(logger)
	ma := strategy.NewMACrossover(
		cfg.Strategy.Symbols,
		cfg.Strategy.ShortPeriod,
		cfg.Strategy.LongPeriod,
		cfg.Risk.MinConfidence,
		cfg.Strategy.SignalCooldown,
		logger,
	)
	if err := e.strategies.Register(ma); err != nil {
		// Registry is empty at this point, a duplicate is impossible.
		e.logger.Error("strategy registration failed", "error", err)
	}
	ma.Activate()

	e.apiServer = api.NewServer(cfg.API, api.Deps{
		Strategies: e.strategies,
		Risk:       e.riskEngine,
		Execution:  e.execEngine,
		Broker:     adapter,
		Advisor:    e.advisor,
		Trail:      sink,
		Submit:     e.SubmitSignal,
		Simulate:   e.SimulateTick,
		StartedAt:  time.Now().UTC(),
	}, logger)

	return e
}

// Start connects the broker, opens the market data stream, and launches
// the event and signal workers plus the HTTP API.
func (e *Engine) Start() error {
	if err := e.execEngine.Initialize(e.ctx); err != nil {
		return fmt.Errorf("initialize execution engine: %w", err)
	}

	symbols := e.strategies.RequiredSymbols()
	events, err := e.adapter.StreamMarketData(e.ctx, symbols)
	if err != nil {
		return fmt.Errorf("open market data stream: %w", err)
	}
	e.logger.Info("market data stream open", "symbols", symbols)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.consumeMarketData(events)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.processSignals()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.apiServer.Start(); err != nil {
			e.logger.Error("api server error", "error", err)
		}
	}()

	e.publishEvent(types.NewDomainEvent(types.EventSystemStarted, map[string]any{
		"symbols":       symbols,
		"paper_trading": e.cfg.PaperTrading,
	}))
	return nil
}

// Stop shuts everything down in dependency order: stop accepting API
// requests, cancel the workers, cancel working orders, then flush the
// audit trail last so shutdown events are persisted.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.publishEvent(types.NewDomainEvent(types.EventSystemStopped, nil))

	if err := e.apiServer.Stop(); err != nil {
		e.logger.Error("api server stop failed", "error", err)
	}

	e.cancel()
	e.wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.execEngine.Shutdown(shutdownCtx)

	e.auditLog.Close()
	e.logger.Info("shutdown complete")
}

// consumeMarketData merges the broker stream with simulated ticks and
// drives the strategy fan-out. Exits when the stream closes or the
// engine stops.
func (e *Engine) consumeMarketData(events <-chan types.MarketEvent) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				e.logger.Warn("market data stream closed")
				return
			}
			e.handleMarketEvent(evt)
		case evt := <-e.simulated:
			e.handleMarketEvent(evt)
		}
	}
}

func (e *Engine) handleMarketEvent(evt types.MarketEvent) {
	if evt.Type == types.MarketTick {
		if price, ok := strategy.ExtractPrice(evt.Payload); ok {
			e.pricesMu.Lock()
			e.lastPrices[evt.Symbol] = price
			e.pricesMu.Unlock()
		}
	}

	for _, sig := range e.strategies.ProcessMarketEvent(evt) {
		e.enqueueSignal(sig)
	}
}

// enqueueSignal records the signal and hands it to the worker. The
// queue is large; overflow means the worker is stuck, so drop and warn
// rather than block the market data loop.
func (e *Engine) enqueueSignal(sig types.TradeSignal) {
	e.auditLog.LogTradeSignal(sig)
	e.publishEvent(types.NewSignalGeneratedEvent(sig, sig.StrategyName))

	select {
	case e.signals <- sig:
	default:
		e.logger.Warn("signal queue full, dropping signal",
			"symbol", sig.Symbol, "side", sig.Side, "source", sig.Source)
	}
}

// processSignals is the single risk/execution worker. One goroutine
// means signals are validated strictly in arrival order.
func (e *Engine) processSignals() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case sig := <-e.signals:
			e.validateAndExecute(sig)
		}
	}
}

func (e *Engine) validateAndExecute(sig types.TradeSignal) {
	account, err := e.adapter.GetAccount(e.ctx)
	if err != nil {
		e.logger.Error("account fetch failed, signal skipped",
			"symbol", sig.Symbol, "error", err)
		return
	}
	positions, err := e.adapter.GetPositions(e.ctx)
	if err != nil {
		e.logger.Error("positions fetch failed, signal skipped",
			"symbol", sig.Symbol, "error", err)
		return
	}

	approved, rejected := e.riskEngine.ValidateSignal(sig, account, positions)
	if rejected != nil {
		e.auditLog.LogRejection(*rejected)
		e.logger.Info("signal rejected",
			"symbol", sig.Symbol, "reason", rejected.RejectionReason)
		return
	}

	e.auditLog.LogApproval(*approved)
	if err := e.execEngine.ExecuteApprovedTrade(e.ctx, *approved); err != nil {
		e.logger.Error("execution failed", "symbol", sig.Symbol, "error", err)
	}
}

// SubmitSignal routes an externally minted signal (an approved AI idea)
// into the pipeline. It passes through risk validation like any
// strategy signal.
func (e *Engine) SubmitSignal(sig types.TradeSignal) {
	e.enqueueSignal(sig)
}

// SimulateTick injects a synthetic tick into the market data loop.
func (e *Engine) SimulateTick(symbol string, price float64) {
	evt := types.MarketEvent{
		Type:      types.MarketTick,
		Symbol:    symbol,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"price": price, "simulated": true},
	}
	select {
	case e.simulated <- evt:
	default:
		e.logger.Warn("simulated tick dropped, queue full", "symbol", symbol)
	}
}

// publishEvent fans a domain event into the audit trail.
func (e *Engine) publishEvent(evt types.DomainEvent) {
	e.auditLog.LogEvent(evt)
}

// lastPrice reports the most recent tick price for a symbol.
func (e *Engine) lastPrice(symbol string) (float64, bool) {
	e.pricesMu.RLock()
	defer e.pricesMu.RUnlock()
	p, ok := e.lastPrices[symbol]
	return p, ok
}
