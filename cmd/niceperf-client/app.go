package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/drblah/niceperf/pkg/client"
	"github.com/drblah/niceperf/pkg/config"
	"github.com/drblah/niceperf/pkg/observability"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}
	if opts.Server != "" {
		cfg.Client.Server = opts.Server
	}
	if opts.Listen != "" {
		cfg.Probe.Listen = opts.Listen
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("niceperf-client started", zap.String("app", cfg.AppName))
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cli := client.New(cfg, logger)
	if err := cli.Run(ctx); err != nil {
		zap.L().Error("client exited with error", zap.Error(err))
		return 1
	}
	zap.L().Info("client stopped")
	return 0
}
