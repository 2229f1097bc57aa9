// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jeranaias/zeno/internal/config"
	"github.com/jeranaias/zeno/internal/server"
	"github.com/jeranaias/zeno/internal/telemetry"
)

// shutdownTimeout bounds draining in-flight streams on exit.
const shutdownTimeout = 15 * time.Second

// HandleServe runs the relay until SIGINT or SIGTERM.
func HandleServe(args *Args) error {
	cfg, path, err := loadConfig(args.ConfigPath)
	if err != nil {
		return err
	}
	if args.Host != "" {
		cfg.Server.Host = args.Host
	}
	if args.Port != 0 {
		cfg.Server.Port = args.Port
	}

	logger, logCloser, err := telemetry.InitLogger(telemetry.LoggerOptions{
		File:       cfg.LogFile(),
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
		Level:      cfg.Logging.Level,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider := telemetry.Noop()
	if cfg.Logging.Telemetry {
		provider, err = telemetry.Init(ctx, telemetry.Options{Dir: filepath.Dir(cfg.LogFile())})
		if err != nil {
			logger.Warn("TELEMETRY_DISABLED", "error", err)
			provider = telemetry.Noop()
		}
	}

	srv := server.New(cfg).
		WithLogger(logger).
		WithMetrics(telemetry.NewMetrics(provider))

	if cfg.OpenRouter.APIKey == "" {
		logger.Warn("OPENROUTER_KEY_MISSING", "hint", "set OPENROUTER_API_KEY or openrouter.api_key")
	}

	// Host and port changes need a restart. Credentials, upstream settings,
	// access control and rate limits apply to the next request.
	if watcher, err := config.NewWatcher(path, func(next *config.Config) {
		next.Server.Host = cfg.Server.Host
		next.Server.Port = cfg.Server.Port
		srv.SetConfig(next)
		logger.Info("CONFIG_RELOADED", "path", path)
	}, logger); err != nil {
		logger.Warn("CONFIG_WATCH_DISABLED", "path", path, "error", err)
	} else {
		go watcher.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	if !args.Quiet {
		fmt.Fprintf(os.Stderr, "%s listening on http://%s\n", TitleStyle.UnsetMarginBottom().Render("zeno relay"), cfg.Addr())
	}

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("SHUTDOWN_ERROR", "error", err)
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		logger.Warn("TELEMETRY_SHUTDOWN_ERROR", "error", err)
	}
	return serveErr
}
