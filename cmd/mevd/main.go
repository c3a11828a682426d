// mevd — an MEV detection and bundle submission service for an
// account-based, slot-timed chain.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts the engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires stream → normalizer → graph → detectors → composer → submitter → hub
//	chain/stream.go      — WebSocket account/program notification stream with auto-reconnect and gap markers
//	chain/rpc.go         — JSON-RPC client for state reads and bundle simulation, rate-limited with retry
//	normalize/           — decodes raw notifications into typed events, drops stale and malformed data
//	graph/               — sharded market graph over all venues: spot prices, swap quoting, cycle enumeration
//	detector/            — arbitrage pathfinder, liquidation scanner, sandwich detector
//	composer/            — packs opportunities into ordered, simulated, tip-carrying bundles
//	submit/              — block-engine client: sendBundle, status polling, success-rate model feedback
//	ledger/              — append-only SQLite record of every terminal bundle outcome
//	hub/                 — WebSocket fan-out of opportunities, bundle events, and health to subscribers
//
// How it makes money:
//
//	The service watches every tracked venue for price dislocations, unhealthy
//	loan positions, and large pending swaps. Each detector turns what it finds
//	into an opportunity with an honest profit, gas, and tip estimate. The
//	composer packs compatible opportunities into an atomic bundle whose last
//	transaction tips the block builder, simulates it, and hands it to the
//	submitter. Profit is the executed edge minus gas and the tip auction.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/stanmart1/mev-sub005/internal/config"
	"github.com/stanmart1/mev-sub005/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MEV_CONFIG"); p != "" {
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

	core, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := core.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — bundles are composed but not sent to the block engine")
	}

	logger.Info("mevd started",
		"strategy", cfg.Strategy,
		"hub_addr", cfg.Hub.ListenAddr,
		"ethical_mode", cfg.Detector.EthicalMode,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	core.Stop()
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
