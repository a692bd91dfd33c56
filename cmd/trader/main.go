// Trading Pipeline — an automated equities trading system running a
// market-data → strategy → risk → execution pipeline against the Alpaca
// paper/live API, with a full audit trail and an advisory AI stage.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: streams ticks, fans out to strategies, runs the
//	                       single risk/execution worker, wires the audit trail
//	strategy/            — strategy registry + moving-average crossover strategy
//	risk/                — ordered rule pipeline; every signal passes or is rejected with a reason
//	execution/           — order placement and fill monitoring via the broker adapter
//	broker/              — Alpaca REST adapter, market data WebSocket, rate limiting
//	audit/               — buffered append-only audit log (Postgres or in-memory)
//	advisor/             — OpenAI-backed advisory analysis; ideas require human approval
//	api/                 — HTTP control surface with bearer auth
//
// Required environment: ALPACA_API_KEY, ALPACA_SECRET_KEY, TRADING_API_KEY.
// Optional: DATABASE_URL (Postgres audit trail), OPENAI_API_KEY (advisory).
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"trading-pipeline/internal/audit"
	"trading-pipeline/internal/broker"
	"trading-pipeline/internal/config"
	"trading-pipeline/internal/engine"
)

func main() {
	for _, name := range []string{"ALPACA_API_KEY", "ALPACA_SECRET_KEY", "TRADING_API_KEY"} {
		if os.Getenv(name) == "" {
			slog.Error("required environment variable not set", "name", name)
			os.Exit(1)
		}
	}

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRADING_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Postgres audit trail when configured, in-memory otherwise.
	var sink audit.Sink
	if cfg.Audit.DatabaseURL != "" {
		pg, err := audit.NewPGSink(context.Background(), cfg.Audit.DatabaseURL, logger)
		if err != nil {
			logger.Error("failed to open audit database", "error", err)
			os.Exit(1)
		}
		sink = pg
		logger.Info("audit trail backed by postgres")
	} else {
		sink = audit.NewMemorySink()
		logger.Warn("DATABASE_URL not set, audit trail is in-memory only")
	}

	adapter := broker.NewAlpacaAdapter(cfg.Broker, logger)

	eng := engine.New(*cfg, adapter, sink, logger)
	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.PaperTrading {
		logger.Info("PAPER TRADING MODE")
	} else {
		logger.Warn("LIVE TRADING MODE — real orders will be placed")
	}

	logger.Info("trading pipeline started",
		"symbols", cfg.Strategy.Symbols,
		"api_port", cfg.API.Port,
		"max_position_pct", cfg.Risk.MaxPositionPct,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
