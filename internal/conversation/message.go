// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/zeno/internal/util"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Zeno"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message is one node of a conversation's message forest.
type Message struct {
	ID        string   `json:"id"`
	Role      Role     `json:"role"`
	Content   string   `json:"content"`
	Images    []string `json:"images,omitempty"`
	Timestamp int64    `json:"timestamp"` // epoch ms

	// ParentID is nil for root messages. Siblings sharing a parent are
	// alternative branches of the same turn.
	ParentID *string `json:"parentId"`

	// BranchIndex is the message's position among its siblings.
	BranchIndex *int `json:"branchIndex,omitempty"`
}

// NewMessage creates a message with a generated ID and the current time.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
}

// WithParent returns a copy of m attached under parentID. An empty parentID
// makes it a root.
func (m Message) WithParent(parentID string) Message {
	if parentID == "" {
		m.ParentID = nil
	} else {
		p := parentID
		m.ParentID = &p
	}
	return m
}

// Parent returns the parent id, or "" for a root message.
func (m *Message) Parent() string {
	if m.ParentID == nil {
		return ""
	}
	return *m.ParentID
}

// Preview returns a single-line preview of the content.
func (m *Message) Preview(maxLen int) string {
	content := util.SanitizeSingleLine(m.Content)
	if content == "" && len(m.Images) > 0 {
		content = "[image]"
	}
	return util.TruncateRunes(content, maxLen)
}

// Time returns the message timestamp.
func (m *Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

func (m Message) clone() Message {
	if m.Images != nil {
		m.Images = append([]string(nil), m.Images...)
	}
	if m.ParentID != nil {
		p := *m.ParentID
		m.ParentID = &p
	}
	if m.BranchIndex != nil {
		b := *m.BranchIndex
		m.BranchIndex = &b
	}
	return m
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
