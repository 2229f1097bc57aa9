// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jeranaias/zeno/internal/config"
	"github.com/jeranaias/zeno/internal/provider"
	"github.com/jeranaias/zeno/internal/relay"
	"github.com/jeranaias/zeno/internal/telemetry"
)

// Version is reported by /health.
var Version = telemetry.ServiceVersion

// Error kinds carried in the "kind" field of error bodies.
const (
	KindValidation    = "validation"
	KindConfiguration = "configuration"
	KindUpstream      = "upstream"
	KindInternal      = "internal"
	KindAuth          = "auth"
	KindRateLimit     = "rate_limit"
)

// limiterCleanupInterval is how often idle rate limiter buckets are dropped.
const limiterCleanupInterval = time.Minute

// ============================================================================
// SERVER
// ============================================================================

// Server is the Zeno relay HTTP server.
type Server struct {
	mu     sync.RWMutex
	cfg    *config.Config
	chat   *provider.ChatClient
	images *provider.ImageClient

	metrics *telemetry.Metrics
	logger  *slog.Logger
	limiter *RateLimiter
	router  *http.ServeMux
	chain   http.Handler
	server  *http.Server
	stop    chan struct{}
	stopped sync.Once
}

// New creates a server from cfg. A nil cfg uses the defaults.
func New(cfg *config.Config) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Server{
		metrics: telemetry.NewMetrics(nil),
		logger:  slog.Default(),
		limiter: NewRateLimiter(0, 1),
		router:  http.NewServeMux(),
		stop:    make(chan struct{}),
	}
	s.SetConfig(cfg)
	s.setupRoutes()
	return s
}

// WithMetrics sets the telemetry recorder.
func (s *Server) WithMetrics(m *telemetry.Metrics) *Server {
	if m != nil {
		s.metrics = m
	}
	return s
}

// WithLogger sets the logger.
func (s *Server) WithLogger(logger *slog.Logger) *Server {
	if logger != nil {
		s.logger = logger
		s.SetConfig(s.Config())
	}
	return s
}

// SetConfig swaps in a new configuration and rebuilds the provider clients
// and the middleware chain. Requests already in flight keep what they
// started with; rate limit buckets carry over with the new limits.
func (s *Server) SetConfig(cfg *config.Config) {
	chat := provider.NewChatClient(cfg.OpenRouter.APIKey).
		WithBaseURL(cfg.OpenRouter.BaseURL).
		WithSiteURL(cfg.OpenRouter.SiteURL).
		WithSiteName(cfg.OpenRouter.SiteName).
		WithLogger(s.logger)
	images := provider.NewImageClient(cfg.HuggingFace.APIKey).
		WithBaseURL(cfg.HuggingFace.BaseURL).
		WithLogger(s.logger)

	s.limiter.SetLimit(cfg.Server.RateLimit, cfg.Server.RateBurst)
	chain := s.buildChain(cfg)

	s.mu.Lock()
	s.cfg = cfg
	s.chat = chat
	s.images = images
	s.chain = chain
	s.mu.Unlock()
}

// Config returns the active configuration.
func (s *Server) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Server) clients() (*config.Config, *provider.ChatClient, *provider.ImageClient) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.chat, s.images
}

// Stats returns the request counters.
func (s *Server) Stats() telemetry.Stats {
	return s.metrics.Stats()
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /api/chat", s.handleChat)
	s.router.HandleFunc("POST /api/generate-image", s.handleGenerateImage)
	s.router.HandleFunc("GET /api/image-models", s.handleImageModels)
	s.router.HandleFunc("GET /api/status", s.handleStatus)
	s.router.HandleFunc("GET /api/stats", s.handleStats)
	s.router.HandleFunc("GET /health", s.handleHealth)
}

// Handler returns the routes wrapped in the middleware chain of the active
// configuration. Each request uses the chain current when it arrives.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		chain := s.chain
		s.mu.RUnlock()
		chain.ServeHTTP(w, r)
	})
}

func (s *Server) buildChain(cfg *config.Config) http.Handler {
	return Chain(
		RecoveryMiddleware(s.logger),
		ClientIPMiddleware(NewProxyPolicy(cfg.Server.TrustedProxies)),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(s.logger),
		CORSMiddleware(NewCORSConfig(cfg.Server.AllowedOrigins)),
		RateLimitMiddleware(s.limiter, s.logger),
		AuthMiddleware(&AuthConfig{
			BearerToken: cfg.Server.AuthToken,
			AllowedIPs:  cfg.Server.AllowedIPs,
			PublicPaths: []string{"/health"},
		}, s.logger),
	)(s.router)
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Config().Addr())
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	hs := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: chat streams last as long as the upstream does.
		IdleTimeout: 120 * time.Second,
	}
	s.mu.Lock()
	s.server = hs
	s.mu.Unlock()

	go s.limiter.RunCleanup(limiterCleanupInterval, s.stop)

	s.logger.Info("SERVER_START", "addr", ln.Addr().String(), "version", Version)
	if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopped.Do(func() { close(s.stop) })
	s.mu.RLock()
	hs := s.server
	s.mu.RUnlock()
	if hs == nil {
		return nil
	}
	stats := s.metrics.Stats()
	s.logger.Info("SERVER_SHUTDOWN",
		"requests", stats.TotalRequests,
		"uptime", stats.Uptime().Round(time.Second))
	return hs.Shutdown(ctx)
}

// ============================================================================
// CHAT HANDLER
// ============================================================================

// handleChat handles POST /api/chat by relaying the upstream stream.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	cfg, chat, _ := s.clients()

	// RELIABILITY: a missing credential is reported before the body is read.
	if !chat.IsConfigured() {
		s.fail(r.Context(), w, "chat", missingKeyError{provider: "OpenRouter"})
		return
	}

	var req relay.ChatRequest
	if err := decodeJSON(w, r, cfg.Server.MaxBodyBytes, &req); err != nil {
		s.fail(r.Context(), w, "chat", err)
		return
	}

	ctx, span := s.metrics.StartSpan(r.Context(), "relay.chat",
		attribute.String("model", req.Model),
		attribute.Int("messages", len(req.Messages)))

	s.logger.Debug("STREAM_START", "model", req.Model, "messages", len(req.Messages))
	stats, err := relay.New(chat, s.logger).Serve(ctx, w, &req)
	if err != nil {
		telemetry.EndSpan(span, err)
		s.fail(ctx, w, "chat", err)
		return
	}

	failed := stats.Err != nil && !errors.Is(stats.Err, context.Canceled)
	s.metrics.RecordStream(ctx, telemetry.StreamResult{
		Model:        stats.Model,
		PromptTokens: stats.PromptTokens,
		Deltas:       stats.Deltas,
		Skipped:      stats.Skipped,
		Duration:     stats.Duration,
		Failed:       failed,
	})
	span.SetAttributes(
		attribute.Int("deltas", stats.Deltas),
		attribute.Int("prompt_tokens", stats.PromptTokens),
		attribute.Int64("bytes", stats.Bytes),
		attribute.Bool("upstream_done", stats.UpstreamDone))
	if failed {
		telemetry.EndSpan(span, stats.Err)
	} else {
		telemetry.EndSpan(span, nil)
	}

	s.logger.Info("STREAM_COMPLETE",
		"model", stats.Model,
		"prompt_tokens", stats.PromptTokens,
		"deltas", stats.Deltas,
		"bytes", stats.Bytes,
		"skipped", stats.Skipped,
		"dropped", stats.Dropped,
		"upstream_done", stats.UpstreamDone,
		"duration", stats.Duration,
		"error", stats.Err)
}

// ============================================================================
// IMAGE HANDLERS
// ============================================================================

// GenerateImageRequest is the body of POST /api/generate-image.
type GenerateImageRequest struct {
	Prompt  string `json:"prompt"`
	ModelID string `json:"modelId"`
}

// GenerateImageResponse carries the image inlined as a data URI.
type GenerateImageResponse struct {
	ImageURL string `json:"imageUrl"`
}

// ImageModelInfo describes one selectable image model.
type ImageModelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ImageModelsResponse is the body of GET /api/image-models.
type ImageModelsResponse struct {
	Models []ImageModelInfo `json:"models"`
}

// handleGenerateImage handles POST /api/generate-image.
func (s *Server) handleGenerateImage(w http.ResponseWriter, r *http.Request) {
	cfg, _, images := s.clients()

	if !images.IsConfigured() {
		s.fail(r.Context(), w, "image", missingKeyError{provider: "Hugging Face"})
		return
	}

	var req GenerateImageRequest
	if err := decodeJSON(w, r, cfg.Server.MaxBodyBytes, &req); err != nil {
		s.fail(r.Context(), w, "image", err)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.fail(r.Context(), w, "image", &relay.ValidationError{Field: "prompt", Message: "must be a non-empty string"})
		return
	}
	model, ok := provider.LookupImageModel(req.ModelID)
	if !ok {
		s.fail(r.Context(), w, "image", &relay.ValidationError{Message: "Invalid image model ID: " + req.ModelID})
		return
	}

	ctx, span := s.metrics.StartSpan(r.Context(), "relay.image", attribute.String("model", model.ID))
	start := time.Now()
	img, err := images.Generate(ctx, model, req.Prompt)
	elapsed := time.Since(start)
	s.metrics.RecordImage(ctx, model.ID, elapsed, err != nil)
	telemetry.EndSpan(span, err)

	if err != nil {
		s.logger.Warn("IMAGE_FAILED", "model", model.ID, "duration", elapsed, "error", err)
		writeFailure(w, err, s.logger)
		return
	}

	s.logger.Info("IMAGE_COMPLETE", "model", model.ID, "bytes", len(img.Data), "duration", elapsed)
	writeJSON(w, http.StatusOK, GenerateImageResponse{
		ImageURL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img.Data),
	})
}

// handleImageModels handles GET /api/image-models.
func (s *Server) handleImageModels(w http.ResponseWriter, r *http.Request) {
	resp := ImageModelsResponse{Models: make([]ImageModelInfo, 0, len(provider.ImageModels))}
	for _, id := range provider.ImageModelIDs() {
		m := provider.ImageModels[id]
		resp.Models = append(resp.Models, ImageModelInfo{ID: m.ID, Name: m.Name})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// STATUS, HEALTH AND STATS
// ============================================================================

// StatusResponse reports which features have credentials.
type StatusResponse struct {
	Configured      bool   `json:"configured"`
	Chat            bool   `json:"chat"`
	ImageGeneration bool   `json:"imageGeneration"`
	Model           string `json:"model,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// StatsResponse represents the usage statistics response.
type StatsResponse struct {
	telemetry.Stats
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// handleStatus handles GET /api/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg, chat, images := s.clients()
	writeJSON(w, http.StatusOK, StatusResponse{
		Configured:      chat.IsConfigured(),
		Chat:            chat.IsConfigured(),
		ImageGeneration: images.IsConfigured(),
		Model:           cfg.DefaultModel,
	})
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version})
}

// handleStats handles GET /api/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.metrics.Stats()
	writeJSON(w, http.StatusOK, StatsResponse{
		Stats:         stats,
		UptimeSeconds: int64(stats.Uptime().Seconds()),
	})
}

// ============================================================================
// HELPERS
// ============================================================================

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// missingKeyError names the provider whose credential is absent.
type missingKeyError struct {
	provider string
}

func (e missingKeyError) Error() string { return e.provider + " API key not configured" }

func (e missingKeyError) Unwrap() error { return provider.ErrNotConfigured }

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v interface{}) error {
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return &relay.ValidationError{Message: "Invalid JSON body: " + err.Error()}
	}
	return nil
}

// fail records a request that never reached a stream and writes its error.
func (s *Server) fail(ctx context.Context, w http.ResponseWriter, route string, err error) {
	status, kind, _ := classify(err)
	s.metrics.RecordRejected(ctx, route, kind)
	if status >= 500 {
		s.logger.Error("REQUEST_FAILED", "route", route, "status", status, "kind", kind, "error", err)
	} else {
		s.logger.Warn("REQUEST_REJECTED", "route", route, "status", status, "kind", kind, "error", err)
	}
	writeFailure(w, err, s.logger)
}

// classify maps an error to its HTTP status, kind and client message.
func classify(err error) (int, string, string) {
	var verr *relay.ValidationError
	var perr *provider.ProviderError
	var tooLarge *http.MaxBytesError

	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, KindValidation, verr.Error()
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, KindValidation,
			fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit)
	case errors.Is(err, provider.ErrNotConfigured):
		return http.StatusInternalServerError, KindConfiguration, err.Error()
	case errors.As(err, &perr):
		status := perr.Status
		if status < 400 {
			status = http.StatusBadGateway
		}
		msg := perr.Message
		if msg == "" {
			msg = http.StatusText(status)
		}
		return status, KindUpstream, msg
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, KindUpstream, "Upstream request timed out"
	default:
		return http.StatusInternalServerError, KindInternal, "Internal server error"
	}
}

func writeFailure(w http.ResponseWriter, err error, logger *slog.Logger) {
	status, kind, msg := classify(err)
	if kind == KindInternal {
		logger.Error("INTERNAL_ERROR", "error", err)
	}
	writeError(w, status, kind, msg)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Kind: kind})
}
