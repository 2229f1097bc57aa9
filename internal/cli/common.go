// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jeranaias/zeno/internal/client"
	"github.com/jeranaias/zeno/internal/config"
	"github.com/jeranaias/zeno/internal/telemetry"
)

// loadConfig loads the config at path, or the default location when path is
// empty. It returns the file path the config belongs to. A missing file at
// an explicit path yields the defaults.
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		p, err := config.ConfigPathTOML()
		if err != nil {
			return nil, "", err
		}
		cfg, err := config.Load()
		return cfg, p, err
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := config.Default()
		cfg.ApplyEnvOverrides()
		return cfg, path, nil
	}
	cfg, err := config.LoadFromPath(path)
	return cfg, path, err
}

// saveConfig writes cfg to path.
func saveConfig(cfg *config.Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return config.SaveTOML(cfg, path)
}

// clientLogger returns a logger for interactive commands. Records go to the
// rotating log file, and to stderr too when verbose.
func clientLogger(cfg *config.Config, verbose bool) (*slog.Logger, io.Closer) {
	var console io.Writer = io.Discard
	if verbose {
		console = os.Stderr
	}
	logger, closer, err := telemetry.InitLogger(telemetry.LoggerOptions{
		File:       cfg.LogFile(),
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
		Level:      cfg.Logging.Level,
		Stderr:     console,
	})
	if err != nil {
		// File logging is optional for the client
		logger, closer, _ = telemetry.InitLogger(telemetry.LoggerOptions{Level: cfg.Logging.Level, Stderr: console})
	}
	return logger, closer
}

// newRelayClient builds a relay client from cfg, with args overriding the
// relay address.
func newRelayClient(cfg *config.Config, args *Args, logger *slog.Logger) *client.Client {
	url := cfg.Client.RelayURL
	if args.RelayURL != "" {
		url = args.RelayURL
	}
	return client.New(url).
		WithLogger(logger).
		WithAuthToken(cfg.Server.AuthToken)
}
