// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider contains the HTTP clients for the upstream services zeno
// relays to: OpenRouter for streamed chat completions and the Hugging Face
// inference API for image generation.
//
// Both clients are thin. They set credentials and headers, convert error
// responses into *ProviderError and hand the body back to the caller. Stream
// re-framing lives in the relay.
package provider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultOpenRouterURL is the base URL for the OpenRouter API.
	DefaultOpenRouterURL = "https://openrouter.ai/api/v1"

	// DefaultSiteURL is sent as HTTP-Referer for OpenRouter attribution.
	DefaultSiteURL = "https://zeno.local"

	// DefaultSiteName is sent as X-Title for OpenRouter attribution.
	DefaultSiteName = "Zeno"

	// MaxResponseSize bounds any response body read in full (10MB).
	MaxResponseSize = 10 * 1024 * 1024

	userAgent = "zeno/1.0"
)

// sharedStreamingClient carries streamed requests. It has no client timeout;
// the request context bounds the stream.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	},
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// Message is a single chat message sent upstream.
type Message struct {
	Role    string
	Content string
	// Images are data URIs or URLs attached to the message.
	Images []string
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

// MarshalJSON encodes plain messages with a string content and messages with
// images as a list of text and image_url parts.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Images) == 0 {
		return json.Marshal(struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}{m.Role, m.Content})
	}

	parts := make([]contentPart, 0, len(m.Images)+1)
	if m.Content != "" {
		parts = append(parts, contentPart{Type: "text", Text: m.Content})
	}
	for _, img := range m.Images {
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: img}})
	}
	return json.Marshal(struct {
		Role    string        `json:"role"`
		Content []contentPart `json:"content"`
	}{m.Role, parts})
}

// ChatRequest is the body of a chat completions request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// =============================================================================
// STREAM CHUNKS
// =============================================================================

// StreamChunk is one decoded "data:" payload of an OpenRouter stream.
type StreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	} `json:"error,omitempty"`
}

// GetContent returns the content delta of the first choice.
func (c *StreamChunk) GetContent() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// GetFinishReason returns the finish reason once the stream completes.
func (c *StreamChunk) GetFinishReason() string {
	if len(c.Choices) > 0 && c.Choices[0].FinishReason != nil {
		return *c.Choices[0].FinishReason
	}
	return ""
}

// StreamFailure returns the in-band error OpenRouter sends when a stream
// fails after the 200 status was written, or nil.
func (c *StreamChunk) StreamFailure() error {
	if c.Error == nil || c.Error.Message == "" {
		return nil
	}
	perr := &ProviderError{Provider: "OpenRouter", Status: http.StatusBadGateway, Message: c.Error.Message}
	if code := strings.Trim(string(c.Error.Code), `"`); code != "" && code != "null" {
		perr.Code = code
	}
	return perr
}

// ParseStreamChunk decodes one stream payload.
func ParseStreamChunk(data string) (*StreamChunk, error) {
	var chunk StreamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return nil, fmt.Errorf("failed to parse stream chunk: %w", err)
	}
	return &chunk, nil
}

// =============================================================================
// CHAT CLIENT
// =============================================================================

// ChatClient streams chat completions from OpenRouter.
type ChatClient struct {
	apiKey     string
	baseURL    string
	siteURL    string
	siteName   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewChatClient creates a client with the given API key. An empty key yields
// a client whose requests fail with ErrNotConfigured.
func NewChatClient(apiKey string) *ChatClient {
	return &ChatClient{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    DefaultOpenRouterURL,
		siteURL:    DefaultSiteURL,
		siteName:   DefaultSiteName,
		httpClient: sharedStreamingClient,
		logger:     slog.Default(),
	}
}

// WithBaseURL sets a custom base URL for the API.
func (c *ChatClient) WithBaseURL(url string) *ChatClient {
	c.baseURL = strings.TrimSuffix(url, "/")
	return c
}

// WithSiteURL sets the HTTP-Referer attribution header.
func (c *ChatClient) WithSiteURL(url string) *ChatClient {
	c.siteURL = url
	return c
}

// WithSiteName sets the X-Title attribution header.
func (c *ChatClient) WithSiteName(name string) *ChatClient {
	c.siteName = name
	return c
}

// WithHTTPClient replaces the HTTP client.
func (c *ChatClient) WithHTTPClient(hc *http.Client) *ChatClient {
	c.httpClient = hc
	return c
}

// WithLogger sets the logger.
func (c *ChatClient) WithLogger(logger *slog.Logger) *ChatClient {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// IsConfigured returns true if the client has an API key.
func (c *ChatClient) IsConfigured() bool {
	return c.apiKey != ""
}

// KeyFingerprint returns a short SHA-256 fingerprint of the key for logs.
// Key material is never logged.
func (c *ChatClient) KeyFingerprint() string {
	if c.apiKey == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(c.apiKey))
	return hex.EncodeToString(h[:4])
}

func (c *ChatClient) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	if c.siteURL != "" {
		req.Header.Set("HTTP-Referer", c.siteURL)
	}
	if c.siteName != "" {
		req.Header.Set("X-Title", c.siteName)
	}
}

// Stream posts a streaming chat completion and returns the raw event-stream
// body. The caller must close it. A non-200 response is returned as a
// *ProviderError and no body is handed back.
func (c *ChatClient) Stream(ctx context.Context, chatReq ChatRequest) (io.ReadCloser, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	chatReq.Stream = true
	bodyBytes, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	req.Header.Del("Authorization")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	c.logger.Debug("UPSTREAM_RESPONSE",
		"provider", "openrouter",
		"status", resp.StatusCode,
		"model", chatReq.Model,
		"key", c.KeyFingerprint(),
		"duration", time.Since(start))

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := readLimited(resp.Body, MaxResponseSize)
		return nil, newProviderError("OpenRouter", resp.StatusCode, body)
	}

	return resp.Body, nil
}

// readLimited reads r in full, failing once limit bytes are exceeded.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return body, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > limit {
		return body[:limit], fmt.Errorf("%w: %d bytes", ErrResponseTooLarge, limit)
	}
	return body, nil
}
