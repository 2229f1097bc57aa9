// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package relay forwards a streamed chat completion from the upstream
// provider to the caller as normalized {"content": ...} events.
//
// A relay invocation owns all of its state: the decoder, the writer and the
// counters are created per request, so concurrent requests share nothing.
// Once the event stream has started, the terminal "data: [DONE]" line is
// written exactly once on every exit path.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jeranaias/zeno/internal/provider"
	"github.com/jeranaias/zeno/internal/sse"
)

// ReadBufferSize is the size of each upstream read.
const ReadBufferSize = 4096

// Upstream is the provider side of the relay.
type Upstream interface {
	IsConfigured() bool
	Stream(ctx context.Context, req provider.ChatRequest) (io.ReadCloser, error)
}

// StreamStats summarizes one relayed stream.
type StreamStats struct {
	Model        string
	PromptTokens int // estimated
	Deltas       int
	Bytes        int64
	Skipped      int
	Dropped      int
	UpstreamDone bool
	Duration     time.Duration
	// Err is the read, write or in-band upstream error that ended the stream
	// early, if any.
	Err error
}

// Relay re-frames upstream streams for callers.
type Relay struct {
	upstream Upstream
	logger   *slog.Logger
	readSize int
}

// New creates a relay over upstream.
func New(upstream Upstream, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{upstream: upstream, logger: logger, readSize: ReadBufferSize}
}

// WithReadSize overrides the upstream read size.
func (r *Relay) WithReadSize(n int) *Relay {
	if n > 0 {
		r.readSize = n
	}
	return r
}

// Open checks configuration, validates req and opens the upstream stream.
// Nothing has been written to the caller when Open fails.
func (r *Relay) Open(ctx context.Context, req *ChatRequest) (io.ReadCloser, error) {
	if r.upstream == nil || !r.upstream.IsConfigured() {
		return nil, provider.ErrNotConfigured
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	body, err := r.upstream.Stream(ctx, upstreamRequest(req))
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	return body, nil
}

// Serve relays req to w. It returns an error only when the stream could not
// be started; in that case no bytes were written and the caller reports the
// error. Once the stream has started Serve always returns nil and the stats
// describe how the stream ended.
func (r *Relay) Serve(ctx context.Context, w http.ResponseWriter, req *ChatRequest) (StreamStats, error) {
	body, err := r.Open(ctx, req)
	if err != nil {
		return StreamStats{Model: req.Model}, err
	}
	defer body.Close()

	sse.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)

	stats := r.Pipe(ctx, sse.NewWriter(w), body)
	stats.Model = req.Model
	stats.PromptTokens = EstimatePromptTokens(req)
	return stats, nil
}

// Pipe runs the re-framing loop from body to out until the upstream sentinel,
// EOF, a read or write error, context cancellation or a panic. The terminal
// sentinel is written on every one of those paths. When the stream fails
// before any delta was forwarded, an error frame precedes the sentinel.
func (r *Relay) Pipe(ctx context.Context, out *sse.Writer, body io.Reader) (stats StreamStats) {
	start := time.Now()
	dec := sse.NewDecoder()

	defer func() {
		if rec := recover(); rec != nil {
			stats.Err = fmt.Errorf("relay panic: %v", rec)
			r.logger.Error("STREAM_PANIC", "panic", rec)
		}
		// A failure with nothing forwarded would otherwise look like an
		// empty answer to the client.
		if stats.Err != nil && stats.Deltas == 0 && ctx.Err() == nil {
			if err := out.WriteError(stats.Err.Error()); err != nil {
				r.logger.Debug("STREAM_ERROR_WRITE_FAILED", "error", err)
			}
		}
		if err := out.Done(); err != nil {
			r.logger.Debug("STREAM_DONE_WRITE_FAILED", "error", err)
		}
		stats.Dropped = dec.Dropped()
		stats.Duration = time.Since(start)
	}()

	buf := make([]byte, r.readSize)
	for {
		if err := ctx.Err(); err != nil {
			stats.Err = err
			return stats
		}

		n, err := body.Read(buf)
		if n > 0 {
			stats.Bytes += int64(n)
			if r.forward(dec.Feed(buf[:n]), out, &stats) {
				return stats
			}
		}
		if err != nil {
			r.forward(dec.Flush(), out, &stats)
			if !errors.Is(err, io.EOF) {
				stats.Err = err
				r.logger.Warn("UPSTREAM_READ_ERROR", "error", err, "deltas", stats.Deltas)
			}
			return stats
		}
	}
}

// forward writes the content of events to out. It returns true when the
// stream should end.
func (r *Relay) forward(events []sse.Event, out *sse.Writer, stats *StreamStats) bool {
	for _, ev := range events {
		if ev.Done {
			stats.UpstreamDone = true
			return true
		}

		chunk, err := provider.ParseStreamChunk(ev.Data)
		if err != nil {
			stats.Skipped++
			r.logger.Debug("STREAM_FRAME_SKIPPED", "error", err)
			continue
		}
		if ferr := chunk.StreamFailure(); ferr != nil {
			stats.Err = ferr
			r.logger.Warn("UPSTREAM_STREAM_ERROR", "error", ferr)
			return true
		}

		delta := chunk.GetContent()
		if delta == "" {
			continue
		}
		if err := out.WriteContent(delta); err != nil {
			stats.Err = err
			r.logger.Debug("CLIENT_WRITE_FAILED", "error", err)
			return true
		}
		stats.Deltas++
	}
	return false
}
