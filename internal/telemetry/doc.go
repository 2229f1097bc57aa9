// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry provides structured logging, tracing and usage metrics
// for zeno.
//
// # Key Types
//
//   - Logger: slog JSON logs to stderr and a rotating file
//   - Provider: OpenTelemetry tracer and meter exporting to rotating files
//   - Metrics: relay counters recorded to both the meter and in-process Stats
//
// # Usage
//
//	logger, closer, err := telemetry.InitLogger(telemetry.LoggerOptions{File: path})
//	defer closer.Close()
//
//	prov, err := telemetry.Init(ctx, telemetry.Options{Dir: logDir})
//	defer prov.Shutdown(context.Background())
//	metrics := telemetry.NewMetrics(prov)
//
// # Privacy
//
// Telemetry is local-only. Prompts and completions are never recorded; only
// counts, durations, model ids and error kinds.
package telemetry
