// The main package for the sitescan executable.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/webaudit/sitescan/internal/app"
	"github.com/webaudit/sitescan/internal/config"
	"github.com/webaudit/sitescan/internal/logging"
	"github.com/webaudit/sitescan/internal/metrics"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file (optional, env vars apply either way)")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "sitescan:", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("service exited", zap.Error(err))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
