// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// ServiceName identifies zeno in exported telemetry.
	ServiceName = "zeno"

	// ServiceVersion is reported with every span and metric.
	ServiceVersion = "1.0.0"

	// DefaultExportInterval is how often metrics are written out.
	DefaultExportInterval = 30 * time.Second
)

// =============================================================================
// PROVIDER
// =============================================================================

// Options configures Init.
type Options struct {
	// Dir receives zeno_traces.log and zeno_metrics.log.
	Dir            string
	ExportInterval time.Duration
}

// Provider owns a tracer and a meter and the files they export to.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	shutdown []func(context.Context) error
}

// Init sets up OpenTelemetry tracing and metrics with stdout exporters
// writing to rotated files under opts.Dir. The providers are registered as
// the otel globals.
func Init(ctx context.Context, opts Options) (*Provider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := os.MkdirAll(opts.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	traceFile := rotatingFile(filepath.Join(opts.Dir, "zeno_traces.log"), 0, 0, 0, true)
	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(traceFile))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	interval := opts.ExportInterval
	if interval <= 0 {
		interval = DefaultExportInterval
	}
	metricsFile := rotatingFile(filepath.Join(opts.Dir, "zeno_metrics.log"), 0, 0, 0, true)
	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(metricsFile))
	if err != nil {
		tp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return &Provider{
		Tracer: tp.Tracer(ServiceName),
		Meter:  mp.Meter(ServiceName),
		shutdown: []func(context.Context) error{
			tp.Shutdown,
			mp.Shutdown,
			func(context.Context) error { return traceFile.Close() },
			func(context.Context) error { return metricsFile.Close() },
		},
	}, nil
}

// NewProvider wraps an existing tracer provider and meter provider, for
// tests and embedding.
func NewProvider(tp trace.TracerProvider, mp metric.MeterProvider) *Provider {
	return &Provider{
		Tracer: tp.Tracer(ServiceName),
		Meter:  mp.Meter(ServiceName),
	}
}

// Noop returns a provider that records nothing.
func Noop() *Provider {
	return NewProvider(tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
}

// Shutdown flushes pending spans and metrics and closes the export files.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
