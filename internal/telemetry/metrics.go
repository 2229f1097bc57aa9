// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// STATS
// =============================================================================

// Stats is a point-in-time copy of the relay usage counters.
type Stats struct {
	TotalRequests  int64     `json:"total_requests"`
	ChatRequests   int64     `json:"chat_requests"`
	ImageRequests  int64     `json:"image_requests"`
	Rejected       int64     `json:"rejected_requests"`
	UpstreamErrors int64     `json:"upstream_errors"`
	Deltas         int64     `json:"relayed_deltas"`
	SkippedFrames  int64     `json:"skipped_frames"`
	PromptTokens   int64     `json:"estimated_prompt_tokens"`
	StartTime      time.Time `json:"start_time"`
}

// Uptime returns the time since the counters started.
func (s Stats) Uptime() time.Duration {
	return time.Since(s.StartTime)
}

// =============================================================================
// METRICS
// =============================================================================

// Metrics records relay activity to the otel meter and to in-process
// counters served by /api/stats.
type Metrics struct {
	tracer trace.Tracer

	requests       metric.Int64Counter
	deltas         metric.Int64Counter
	promptTokens   metric.Int64Counter
	skipped        metric.Int64Counter
	upstreamErrors metric.Int64Counter
	streamDuration metric.Float64Histogram
	imageDuration  metric.Float64Histogram

	totalRequests atomic.Int64
	chatRequests  atomic.Int64
	imageRequests atomic.Int64
	rejected      atomic.Int64
	upstreamErrs  atomic.Int64
	relayedDeltas atomic.Int64
	skippedFrames atomic.Int64
	promptTokensN atomic.Int64
	startTime     time.Time
}

// NewMetrics creates the instruments on p. A nil provider records to the
// in-process counters only.
func NewMetrics(p *Provider) *Metrics {
	if p == nil {
		p = Noop()
	}
	m := &Metrics{tracer: p.Tracer, startTime: time.Now()}
	meter := p.Meter

	// Instrument creation only fails on invalid names.
	m.requests, _ = meter.Int64Counter("zeno.requests",
		metric.WithDescription("Relay requests by route and outcome"))
	m.deltas, _ = meter.Int64Counter("zeno.stream.deltas",
		metric.WithDescription("Content deltas relayed to clients"))
	m.promptTokens, _ = meter.Int64Counter("zeno.stream.prompt_tokens",
		metric.WithDescription("Estimated prompt tokens sent upstream"))
	m.skipped, _ = meter.Int64Counter("zeno.stream.skipped_frames",
		metric.WithDescription("Upstream frames that failed to parse"))
	m.upstreamErrors, _ = meter.Int64Counter("zeno.upstream.errors",
		metric.WithDescription("Upstream provider failures"))
	m.streamDuration, _ = meter.Float64Histogram("zeno.stream.duration",
		metric.WithDescription("Chat stream duration"), metric.WithUnit("s"))
	m.imageDuration, _ = meter.Float64Histogram("zeno.image.duration",
		metric.WithDescription("Image generation duration"), metric.WithUnit("s"))
	return m
}

// StartSpan starts a span named name.
func (m *Metrics) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StreamResult summarizes one relayed chat stream.
type StreamResult struct {
	Model        string
	PromptTokens int
	Deltas       int
	Skipped      int
	Duration     time.Duration
	Failed       bool
}

// RecordStream records a chat stream that reached the client.
func (m *Metrics) RecordStream(ctx context.Context, r StreamResult) {
	m.totalRequests.Add(1)
	m.chatRequests.Add(1)
	m.relayedDeltas.Add(int64(r.Deltas))
	m.skippedFrames.Add(int64(r.Skipped))
	m.promptTokensN.Add(int64(r.PromptTokens))

	model := attribute.String("model", r.Model)
	m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("route", "chat"), outcome(r.Failed)))
	m.deltas.Add(ctx, int64(r.Deltas), metric.WithAttributes(model))
	m.promptTokens.Add(ctx, int64(r.PromptTokens), metric.WithAttributes(model))
	if r.Skipped > 0 {
		m.skipped.Add(ctx, int64(r.Skipped), metric.WithAttributes(model))
	}
	m.streamDuration.Record(ctx, r.Duration.Seconds(), metric.WithAttributes(model))
	if r.Failed {
		m.upstreamErrs.Add(1)
		m.upstreamErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("route", "chat")))
	}
}

// RecordImage records an image generation attempt.
func (m *Metrics) RecordImage(ctx context.Context, model string, d time.Duration, failed bool) {
	m.totalRequests.Add(1)
	m.imageRequests.Add(1)
	m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("route", "image"), outcome(failed)))
	m.imageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("model", model)))
	if failed {
		m.upstreamErrs.Add(1)
		m.upstreamErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("route", "image")))
	}
}

// RecordRejected records a request refused before any upstream contact.
// kind is the error kind reported to the client.
func (m *Metrics) RecordRejected(ctx context.Context, route, kind string) {
	m.totalRequests.Add(1)
	m.rejected.Add(1)
	if kind == "upstream" {
		m.upstreamErrs.Add(1)
		m.upstreamErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("outcome", "rejected"),
		attribute.String("kind", kind),
	))
}

// Stats returns a copy of the in-process counters.
func (m *Metrics) Stats() Stats {
	return Stats{
		TotalRequests:  m.totalRequests.Load(),
		ChatRequests:   m.chatRequests.Load(),
		ImageRequests:  m.imageRequests.Load(),
		Rejected:       m.rejected.Load(),
		UpstreamErrors: m.upstreamErrs.Load(),
		Deltas:         m.relayedDeltas.Load(),
		SkippedFrames:  m.skippedFrames.Load(),
		PromptTokens:   m.promptTokensN.Load(),
		StartTime:      m.startTime,
	}
}

func outcome(failed bool) attribute.KeyValue {
	if failed {
		return attribute.String("outcome", "error")
	}
	return attribute.String("outcome", "ok")
}
