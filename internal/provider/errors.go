// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error variables for common provider errors.
var (
	// ErrNotConfigured indicates the provider credential is not set.
	ErrNotConfigured = errors.New("provider API key not configured")

	// ErrAuthFailed indicates authentication failed (invalid or expired API key).
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")

	// ErrModelNotFound indicates the requested model does not exist.
	ErrModelNotFound = errors.New("model not found")

	// ErrInsufficientCredits indicates the account has insufficient credits.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrResponseTooLarge indicates a response body exceeded its size limit.
	ErrResponseTooLarge = errors.New("response exceeded maximum size")
)

// ProviderError represents a non-success response from an upstream provider.
type ProviderError struct {
	Provider string
	Status   int
	Code     string
	Message  string
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s error [%s] (HTTP %d): %s", e.Provider, e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s error (HTTP %d): %s", e.Provider, e.Status, e.Message)
}

// Is maps well-known statuses onto the sentinel errors so callers can use
// errors.Is without losing the upstream message.
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrAuthFailed:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case ErrInsufficientCredits:
		return e.Status == http.StatusPaymentRequired
	case ErrModelNotFound:
		return e.Status == http.StatusNotFound
	case ErrRateLimited:
		return e.Status == http.StatusTooManyRequests
	}
	return false
}

// Temporary reports whether retrying the same request may succeed.
func (e *ProviderError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// apiErrorResponse is the OpenRouter error body. Hugging Face returns
// {"error": "<message>"} instead, which is handled by parseErrorBody.
type apiErrorResponse struct {
	Error struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	} `json:"error"`
}

type flatErrorResponse struct {
	Error string `json:"error"`
}

// newProviderError converts an error response body into a *ProviderError,
// preferring the upstream message when the body carries one.
func newProviderError(provider string, status int, body []byte) *ProviderError {
	perr := &ProviderError{Provider: provider, Status: status}

	var nested apiErrorResponse
	if err := json.Unmarshal(body, &nested); err == nil && nested.Error.Message != "" {
		perr.Message = nested.Error.Message
		if code := strings.Trim(string(nested.Error.Code), `"`); code != "null" {
			perr.Code = code
		}
		return perr
	}

	var flat flatErrorResponse
	if err := json.Unmarshal(body, &flat); err == nil && flat.Error != "" {
		perr.Message = flat.Error
		return perr
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	perr.Message = msg
	return perr
}
