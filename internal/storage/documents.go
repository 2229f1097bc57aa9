// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/zeno/internal/conversation"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoUser is returned when a document operation has no user id.
	ErrNoUser = errors.New("user id required")

	// ErrUserMismatch is returned when a conversation belongs to another user.
	ErrUserMismatch = errors.New("conversation belongs to another user")
)

// documentSchema holds one JSON document per conversation, keyed by owner.
const documentSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	user_id    TEXT NOT NULL,
	id         TEXT NOT NULL,
	doc        TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, id)
);
CREATE INDEX IF NOT EXISTS idx_conversations_updated
	ON conversations(user_id, updated_at DESC);
`

// =============================================================================
// DOCUMENT STORE
// =============================================================================

// DocumentStore mirrors conversations per user in SQLite.
type DocumentStore struct {
	db *sql.DB
}

// OpenDocumentStore opens (creating if needed) the database at path. Use
// ":memory:" for a private in-memory database.
func OpenDocumentStore(path string) (*DocumentStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(documentSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &DocumentStore{db: db}, nil
}

// Close releases the database.
func (d *DocumentStore) Close() error {
	return d.db.Close()
}

// PutConversation inserts or replaces the document for conv.
func (d *DocumentStore) PutConversation(ctx context.Context, userID string, conv *conversation.Conversation) error {
	if userID == "" {
		return ErrNoUser
	}
	if conv.UserID != nil && *conv.UserID != userID {
		return fmt.Errorf("%w: %s", ErrUserMismatch, conv.ID)
	}

	doc, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO conversations (user_id, id, doc, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		userID, conv.ID, string(doc), conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to store conversation %s: %w", conv.ID, err)
	}
	return nil
}

// DeleteConversation removes a document. Deleting a missing document is not
// an error.
func (d *DocumentStore) DeleteConversation(ctx context.Context, userID, id string) error {
	if userID == "" {
		return ErrNoUser
	}
	if _, err := d.db.ExecContext(ctx, `DELETE FROM conversations WHERE user_id = ? AND id = ?`, userID, id); err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	return nil
}

// GetConversation loads one document.
func (d *DocumentStore) GetConversation(ctx context.Context, userID, id string) (*conversation.Conversation, error) {
	var doc string
	err := d.db.QueryRowContext(ctx, `SELECT doc FROM conversations WHERE user_id = ? AND id = ?`, userID, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", conversation.ErrConversationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}

	var conv conversation.Conversation
	if err := json.Unmarshal([]byte(doc), &conv); err != nil {
		return nil, fmt.Errorf("failed to parse conversation %s: %w", id, err)
	}
	return &conv, nil
}

// ListConversations returns a user's documents, most recently updated first.
// Rows that fail to parse are skipped.
func (d *DocumentStore) ListConversations(ctx context.Context, userID string) ([]conversation.Conversation, error) {
	if userID == "" {
		return nil, ErrNoUser
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT doc FROM conversations WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	convs := []conversation.Conversation{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		var conv conversation.Conversation
		if err := json.Unmarshal([]byte(doc), &conv); err != nil {
			continue // Skip corrupted rows
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}
