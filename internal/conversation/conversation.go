// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package conversation owns the in-memory model of conversations, their
// branching message forests and the selected path through each forest.
//
// A Store is the only write path. Every mutation persists a snapshot to the
// local store and, when a user identity is set, mirrors the changed
// conversation to the remote document store on a best-effort basis.
package conversation

import (
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/zeno/internal/util"
)

// RootKey is the branch-selection key for messages without a parent.
const RootKey = "root"

// DefaultTitle is shown until the first user message names the conversation.
const DefaultTitle = "New Conversation"

// maxTitleLength bounds titles derived from the first user message.
const maxTitleLength = 50

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation is a titled message forest with its branch selections.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    *string   `json:"userId"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"` // insertion order
	Model     string    `json:"model"`
	CreatedAt int64     `json:"createdAt"` // epoch ms
	UpdatedAt int64     `json:"updatedAt"` // epoch ms
	Pinned    bool      `json:"pinned,omitempty"`

	// BranchSelections maps a parent message id (or RootKey) to the index of
	// the selected child. Parents without an entry follow their newest child.
	BranchSelections map[string]int `json:"branchSelections,omitempty"`
}

func newConversation(model string, now time.Time) *Conversation {
	ms := now.UnixMilli()
	return &Conversation{
		ID:               uuid.NewString(),
		Title:            DefaultTitle,
		Messages:         []Message{},
		Model:            model,
		CreatedAt:        ms,
		UpdatedAt:        ms,
		BranchSelections: map[string]int{},
	}
}

// GetTitle returns the conversation title or a default.
func (c *Conversation) GetTitle() string {
	if c.Title != "" {
		return c.Title
	}
	return DefaultTitle
}

// Updated returns the last modification time.
func (c *Conversation) Updated() time.Time {
	return time.UnixMilli(c.UpdatedAt)
}

// updateTitle names an untitled conversation after its first user message.
func (c *Conversation) updateTitle() {
	if c.Title != "" && c.Title != DefaultTitle {
		return
	}
	for i := range c.Messages {
		if c.Messages[i].Role == RoleUser {
			if title := util.TruncateRunes(util.FirstLine(c.Messages[i].Content), maxTitleLength); title != "" {
				c.Title = title
			}
			return
		}
	}
}

// Clone creates a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	clone := *c
	if c.UserID != nil {
		u := *c.UserID
		clone.UserID = &u
	}
	clone.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		clone.Messages[i] = m.clone()
	}
	clone.BranchSelections = make(map[string]int, len(c.BranchSelections))
	for k, v := range c.BranchSelections {
		clone.BranchSelections[k] = v
	}
	return &clone
}

// =============================================================================
// METADATA
// =============================================================================

// Meta holds lightweight metadata for listing.
type Meta struct {
	ID           string
	Title        string
	Model        string
	MessageCount int
	Pinned       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// GetMeta returns metadata about the conversation.
func (c *Conversation) GetMeta() Meta {
	return Meta{
		ID:           c.ID,
		Title:        c.GetTitle(),
		Model:        c.Model,
		MessageCount: len(c.Messages),
		Pinned:       c.Pinned,
		CreatedAt:    time.UnixMilli(c.CreatedAt),
		UpdatedAt:    time.UnixMilli(c.UpdatedAt),
	}
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is the persisted form of a Store.
type Snapshot struct {
	Conversations         []Conversation `json:"conversations"`
	CurrentConversationID *string        `json:"currentConversationId"`
	CurrentModel          string         `json:"currentModel"`
	VoiceEnabled          bool           `json:"voiceEnabled"`
}
