// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package client is the HTTP client of a zeno relay server.
//
// StreamChat consumes the relay's event stream and publishes the growing
// assistant text after every delta. Chat and Image wrap the single-shot calls
// with the retry controller.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jeranaias/zeno/internal/relay"
	"github.com/jeranaias/zeno/internal/retry"
	"github.com/jeranaias/zeno/internal/sse"
)

// =============================================================================
// CONSTANTS AND ERRORS
// =============================================================================

const (
	// DefaultBaseURL is the relay address used when none is configured.
	DefaultBaseURL = "http://127.0.0.1:8787"

	// ReadBufferSize is the size of each stream read.
	ReadBufferSize = 4096

	maxErrorBodySize = 64 * 1024
	maxJSONBodySize  = 32 * 1024 * 1024
)

// Error kinds reported by the relay in the "kind" field of error bodies.
const (
	KindValidation    = "validation"
	KindConfiguration = "configuration"
	KindUpstream      = "upstream"
	KindInternal      = "internal"
	KindAuth          = "auth"
	KindRateLimit     = "rate_limit"
)

// ErrEmptyResponse is returned when the stream ended without any content.
// It is retryable.
var ErrEmptyResponse = errors.New("stream ended without a response")

// APIError is a non-200 response from the relay.
type APIError struct {
	Status  int
	Message string
	Kind    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("relay error (HTTP %d): %s", e.Status, e.Message)
}

// Retryable reports whether the retry controller should try again.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case KindValidation, KindConfiguration, KindAuth:
		return false
	}
	return e.Status != http.StatusBadRequest && e.Status != http.StatusUnauthorized
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// Status is the body of GET /api/status.
type Status struct {
	Configured      bool   `json:"configured"`
	Chat            bool   `json:"chat"`
	ImageGeneration bool   `json:"imageGeneration"`
	Model           string `json:"model,omitempty"`
}

// ImageModel is one entry of GET /api/image-models.
type ImageModel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type imageRequest struct {
	Prompt  string `json:"prompt"`
	ModelID string `json:"modelId"`
}

type imageResponse struct {
	ImageURL string `json:"imageUrl"`
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to one relay server.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	logger      *slog.Logger
	chatPolicy  retry.Policy
	imagePolicy retry.Policy
	readSize    int
	authToken   string
}

// New creates a client for the relay at baseURL.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		httpClient:  &http.Client{},
		logger:      slog.Default(),
		chatPolicy:  retry.Chat(),
		imagePolicy: retry.Image(),
		readSize:    ReadBufferSize,
	}
}

// WithHTTPClient replaces the HTTP client. Timeouts belong to the retry
// policies, so the client should not set its own.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// WithLogger sets the logger.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// WithChatPolicy sets the retry policy used by Chat.
func (c *Client) WithChatPolicy(p retry.Policy) *Client {
	c.chatPolicy = p
	return c
}

// WithImagePolicy sets the retry policy used by Image.
func (c *Client) WithImagePolicy(p retry.Policy) *Client {
	c.imagePolicy = p
	return c
}

// WithAuthToken sends token as a bearer credential on every request.
func (c *Client) WithAuthToken(token string) *Client {
	c.authToken = token
	return c
}

// WithReadSize overrides the stream read size.
func (c *Client) WithReadSize(n int) *Client {
	if n > 0 {
		c.readSize = n
	}
	return c
}

// BaseURL returns the relay address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// =============================================================================
// CHAT
// =============================================================================

// streamFrame is either a content delta or a relay error frame.
type streamFrame struct {
	Content string `json:"content"`
	Error   string `json:"error"`
}

// StreamChat posts req and consumes the event stream. onUpdate, if set,
// receives the full accumulated text after every delta, in arrival order.
//
// A read error after some content arrived is not an error: the partial text is
// returned as the final answer. A stream that ends without content always
// fails: with the relay's error frame as an upstream *APIError when one was
// sent, otherwise with the read error or ErrEmptyResponse.
func (c *Client) StreamChat(ctx context.Context, req *relay.ChatRequest, onUpdate func(accumulated string)) (string, error) {
	resp, err := c.postJSON(ctx, "/api/chat", req, "text/event-stream")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	dec := sse.NewDecoder()
	buf := make([]byte, c.readSize)
	var acc strings.Builder
	var streamErr string
	done := false

	apply := func(events []sse.Event) {
		for _, ev := range events {
			if ev.Done {
				done = true
				return
			}
			var frame streamFrame
			if err := json.Unmarshal([]byte(ev.Data), &frame); err != nil {
				c.logger.Debug("STREAM_FRAME_SKIPPED", "error", err)
				continue
			}
			if frame.Error != "" {
				streamErr = frame.Error
				continue
			}
			if frame.Content == "" {
				continue
			}
			acc.WriteString(frame.Content)
			if onUpdate != nil {
				onUpdate(acc.String())
			}
		}
	}

	for !done {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			apply(dec.Feed(buf[:n]))
		}
		if rerr == nil {
			continue
		}
		if !done {
			apply(dec.Flush())
		}
		if done || errors.Is(rerr, io.EOF) {
			break
		}
		if acc.Len() > 0 {
			c.logger.Warn("STREAM_INTERRUPTED", "error", rerr, "partial_chars", acc.Len())
			return acc.String(), nil
		}
		return "", fmt.Errorf("stream read failed: %w", rerr)
	}

	if acc.Len() > 0 {
		return acc.String(), nil
	}
	if streamErr != "" {
		return "", &APIError{Status: http.StatusBadGateway, Message: streamErr, Kind: KindUpstream}
	}
	return "", ErrEmptyResponse
}

// Chat runs StreamChat under the chat retry policy. Each attempt starts a
// fresh accumulator. Failures are returned as a single *retry.Error.
func (c *Client) Chat(ctx context.Context, req *relay.ChatRequest, onUpdate func(accumulated string)) (string, error) {
	var content string
	policy := c.chatPolicy
	policy.OnAttempt = c.logAttempt("chat")

	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		out, err := c.StreamChat(ctx, req, onUpdate)
		if err != nil {
			return classify(err)
		}
		content = out
		return nil
	})
	return content, err
}

// =============================================================================
// IMAGES
// =============================================================================

// GenerateImage requests one image and returns its data URI.
func (c *Client) GenerateImage(ctx context.Context, prompt, modelID string) (string, error) {
	resp, err := c.postJSON(ctx, "/api/generate-image", imageRequest{Prompt: prompt, ModelID: modelID}, "application/json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out imageResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJSONBodySize)).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to parse image response: %w", err)
	}
	if !strings.HasPrefix(out.ImageURL, "data:image/") {
		return "", fmt.Errorf("unexpected image URL format")
	}
	return out.ImageURL, nil
}

// Image runs GenerateImage under the image retry policy.
func (c *Client) Image(ctx context.Context, prompt, modelID string) (string, error) {
	var url string
	policy := c.imagePolicy
	policy.OnAttempt = c.logAttempt("image")

	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		out, err := c.GenerateImage(ctx, prompt, modelID)
		if err != nil {
			return classify(err)
		}
		url = out
		return nil
	})
	return url, err
}

// ImageModels lists the image models the relay supports.
func (c *Client) ImageModels(ctx context.Context) ([]ImageModel, error) {
	var out struct {
		Models []ImageModel `json:"models"`
	}
	if err := c.getJSON(ctx, "/api/image-models", &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

// DecodeDataURI splits a base64 data URI into its media type and bytes.
func DecodeDataURI(uri string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data URI")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("malformed data URI")
	}
	mediaType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return "", nil, fmt.Errorf("data URI is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("failed to decode data URI: %w", err)
	}
	return mediaType, data, nil
}

// =============================================================================
// STATUS
// =============================================================================

// Status reports which features the relay has credentials for.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.getJSON(ctx, "/api/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (c *Client) postJSON(ctx context.Context, path string, body interface{}, accept string) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	return c.do(req)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJSONBodySize)).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// do sends req and converts non-200 responses into *APIError.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	apiErr := &APIError{Status: resp.StatusCode}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error != "" {
		apiErr.Message = eb.Error
		apiErr.Kind = eb.Kind
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return nil, apiErr
}

// classify marks non-retryable relay errors as permanent.
func classify(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && !apiErr.Retryable() {
		return retry.Permanent(err)
	}
	return err
}

func (c *Client) logAttempt(op string) func(int, error) {
	return func(attempt int, err error) {
		c.logger.Warn("REQUEST_ATTEMPT_FAILED", "op", op, "attempt", attempt, "error", err)
	}
}
