// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestInitLogger_WritesJSONToBoth(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var console bytes.Buffer
	file := filepath.Join(t.TempDir(), "logs", "zeno.log")

	logger, closer, err := InitLogger(LoggerOptions{File: file, Level: "debug", Stderr: &console})
	require.NoError(t, err)

	logger.Debug("STREAM_START", "model", "openai/gpt-4o")
	require.NoError(t, closer.Close())

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(console.Bytes(), &entry))
	require.Equal(t, "STREAM_START", entry["msg"])
	require.Equal(t, "openai/gpt-4o", entry["model"])

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	require.Equal(t, console.String(), string(data))
}

func TestInitLogger_LevelFilters(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var console bytes.Buffer
	logger, closer, err := InitLogger(LoggerOptions{Level: "warn", Stderr: &console})
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("HIDDEN")
	require.Zero(t, console.Len())
	logger.Warn("SHOWN")
	require.Contains(t, console.String(), "SHOWN")
}

func testProvider(t *testing.T) (*Provider, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return NewProvider(tp, mp), spans, reader
}

func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestMetrics_RecordStream(t *testing.T) {
	prov, _, reader := testProvider(t)
	m := NewMetrics(prov)
	ctx := context.Background()

	m.RecordStream(ctx, StreamResult{Model: "openai/gpt-4o", PromptTokens: 40, Deltas: 5, Skipped: 1, Duration: time.Second})
	m.RecordStream(ctx, StreamResult{Model: "openai/gpt-4o", Deltas: 2, Failed: true})
	m.RecordImage(ctx, "sdxl", 2*time.Second, false)
	m.RecordRejected(ctx, "chat", "validation")

	stats := m.Stats()
	require.Equal(t, int64(4), stats.TotalRequests)
	require.Equal(t, int64(2), stats.ChatRequests)
	require.Equal(t, int64(1), stats.ImageRequests)
	require.Equal(t, int64(1), stats.Rejected)
	require.Equal(t, int64(1), stats.UpstreamErrors)
	require.Equal(t, int64(7), stats.Deltas)
	require.Equal(t, int64(1), stats.SkippedFrames)
	require.Equal(t, int64(40), stats.PromptTokens)

	require.Equal(t, int64(7), sumOf(t, reader, "zeno.stream.deltas"))
	require.Equal(t, int64(40), sumOf(t, reader, "zeno.stream.prompt_tokens"))
	require.Equal(t, int64(4), sumOf(t, reader, "zeno.requests"))
	require.Equal(t, int64(1), sumOf(t, reader, "zeno.upstream.errors"))
}

func TestMetrics_Spans(t *testing.T) {
	prov, spans, _ := testProvider(t)
	m := NewMetrics(prov)

	_, ok := m.StartSpan(context.Background(), "relay.chat")
	EndSpan(ok, nil)
	_, bad := m.StartSpan(context.Background(), "relay.image")
	EndSpan(bad, errors.New("upstream down"))

	ended := spans.Ended()
	require.Len(t, ended, 2)
	require.Equal(t, "relay.chat", ended[0].Name())
	require.Equal(t, codes.Unset, ended[0].Status().Code)
	require.Equal(t, codes.Error, ended[1].Status().Code)
}

func TestMetrics_NilProvider(t *testing.T) {
	m := NewMetrics(nil)
	m.RecordStream(context.Background(), StreamResult{Deltas: 3})
	require.Equal(t, int64(3), m.Stats().Deltas)
}

func TestInit_WritesExportFiles(t *testing.T) {
	dir := t.TempDir()
	prov, err := Init(context.Background(), Options{Dir: dir, ExportInterval: time.Hour})
	require.NoError(t, err)

	m := NewMetrics(prov)
	_, span := m.StartSpan(context.Background(), "relay.chat")
	span.End()
	m.RecordStream(context.Background(), StreamResult{Model: "x", Deltas: 1})

	require.NoError(t, prov.Shutdown(context.Background()))

	traces, err := os.ReadFile(filepath.Join(dir, "zeno_traces.log"))
	require.NoError(t, err)
	require.Contains(t, string(traces), "relay.chat")

	metrics, err := os.ReadFile(filepath.Join(dir, "zeno_metrics.log"))
	require.NoError(t, err)
	require.Contains(t, string(metrics), "zeno.stream.deltas")
}
