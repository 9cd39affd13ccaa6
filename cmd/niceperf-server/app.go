package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/drblah/niceperf/pkg/config"
	"github.com/drblah/niceperf/pkg/observability"
	"github.com/drblah/niceperf/pkg/server"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("niceperf-server started", zap.String("app", cfg.AppName))
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	srv, err := server.New(cfg, logger)
	if err != nil {
		zap.L().Error("failed to bind control listener", zap.Error(err))
		return 1
	}

	// SIGINT/SIGTERM cancel the context, which triggers the drained shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		zap.L().Error("server exited with error", zap.Error(err))
		return 1
	}
	zap.L().Info("server stopped")
	return 0
}
