// Command server runs the escrowsync API and the per-deal reconciliation loops.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/mbd888/escrowsync/internal/config"
	"github.com/mbd888/escrowsync/internal/logging"
	"github.com/mbd888/escrowsync/internal/server"
	"github.com/mbd888/escrowsync/internal/traces"
)

// Set by -ldflags "-X main.Version=..."
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	server.Version = Version

	if err := run(context.Background(), cfg, logger); err != nil {
		logger.Error("escrowsync exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting escrowsync",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"factory", cfg.FactoryContract,
		"store", cfg.StoreKind(),
		"direct_mode", cfg.DirectEnabled(),
	)

	shutdownTraces, err := traces.Init(ctx, traces.Config{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceVersion: Version,
		SampleRatio:    cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTraces(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("trace flush failed", "error", err)
		}
	}()

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
