// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// =============================================================================
// LIMITS
// =============================================================================

const (
	// MaxMessageCount is the maximum number of messages in a request.
	MaxMessageCount = 100

	// MaxContentLength is the maximum length of one message, in bytes.
	MaxContentLength = 100000

	// MaxImagesPerMessage is the maximum number of attachments per message.
	MaxImagesPerMessage = 4

	// MaxModelLength bounds the model identifier.
	MaxModelLength = 200

	// MaxCustomPromptLength bounds the user customization text.
	MaxCustomPromptLength = 4000

	// MaxUserNameLength bounds the display name injected into the preamble.
	MaxUserNameLength = 100

	// MaxMemories is the maximum number of memory facts in a request.
	MaxMemories = 50

	// MaxMemoryLength bounds a single memory fact.
	MaxMemoryLength = 1000
)

// validRoles defines the set of acceptable message roles.
var validRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
}

// =============================================================================
// REQUEST
// =============================================================================

// ChatMessage is one message of a relay request. Extra fields sent by the
// client (id, timestamp, parentId) are ignored.
type ChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Messages     []ChatMessage `json:"messages"`
	Model        string        `json:"model"`
	CustomPrompt string        `json:"customPrompt,omitempty"`
	UserName     string        `json:"userName,omitempty"`
	Memories     []string      `json:"memories,omitempty"`

	// SystemPromptAdditions is accepted as an alias of CustomPrompt.
	SystemPromptAdditions string `json:"systemPromptAdditions,omitempty"`
}

// Customization returns the user customization text, preferring
// CustomPrompt over its alias.
func (r *ChatRequest) Customization() string {
	if strings.TrimSpace(r.CustomPrompt) != "" {
		return r.CustomPrompt
	}
	return r.SystemPromptAdditions
}

// ValidationError describes a malformed relay request.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks the request against the relay schema. It returns the first
// problem found as a *ValidationError.
func (r *ChatRequest) Validate() error {
	model := strings.TrimSpace(r.Model)
	if model == "" {
		return invalid("model", "must be a non-empty string")
	}
	if len(model) > MaxModelLength {
		return invalid("model", "exceeds maximum length of %d", MaxModelLength)
	}

	if r.Messages == nil {
		return invalid("messages", "must be an array")
	}
	if len(r.Messages) == 0 {
		return invalid("messages", "must contain at least one message")
	}
	if len(r.Messages) > MaxMessageCount {
		return invalid("messages", "too many messages: maximum is %d", MaxMessageCount)
	}

	for i, msg := range r.Messages {
		field := fmt.Sprintf("messages[%d]", i)
		if !validRoles[msg.Role] {
			return invalid(field+".role", "invalid role %q: must be one of user, assistant, system", msg.Role)
		}
		if len(msg.Content) > MaxContentLength {
			return invalid(field+".content", "exceeds maximum length of %d", MaxContentLength)
		}
		if !utf8.ValidString(msg.Content) {
			return invalid(field+".content", "must be valid UTF-8")
		}
		if len(msg.Images) > MaxImagesPerMessage {
			return invalid(field+".images", "too many images: maximum is %d", MaxImagesPerMessage)
		}
		for j, img := range msg.Images {
			if !strings.HasPrefix(img, "data:image/") && !strings.HasPrefix(img, "https://") {
				return invalid(fmt.Sprintf("%s.images[%d]", field, j), "must be a data:image URI or https URL")
			}
		}
	}

	if len(r.Customization()) > MaxCustomPromptLength {
		return invalid("customPrompt", "exceeds maximum length of %d", MaxCustomPromptLength)
	}
	if len(r.UserName) > MaxUserNameLength {
		return invalid("userName", "exceeds maximum length of %d", MaxUserNameLength)
	}

	if len(r.Memories) > MaxMemories {
		return invalid("memories", "too many memories: maximum is %d", MaxMemories)
	}
	for i, m := range r.Memories {
		if len(m) > MaxMemoryLength {
			return invalid(fmt.Sprintf("memories[%d]", i), "exceeds maximum length of %d", MaxMemoryLength)
		}
	}

	return nil
}
