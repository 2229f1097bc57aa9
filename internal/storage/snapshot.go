// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jeranaias/zeno/internal/conversation"
	"github.com/jeranaias/zeno/internal/util"
)

// SnapshotKey names the single document holding the conversation snapshot.
const SnapshotKey = "zeno-chat-storage"

// =============================================================================
// SNAPSHOT STORE
// =============================================================================

// SnapshotStore keeps the whole conversation snapshot in one JSON file.
type SnapshotStore struct {
	// BaseDir is the directory holding the snapshot file.
	// Default: ~/.zeno/
	BaseDir string

	mu sync.Mutex
}

// NewSnapshotStore creates a store rooted at baseDir. The directory is
// created on the first save.
func NewSnapshotStore(baseDir string) *SnapshotStore {
	return &SnapshotStore{BaseDir: baseDir}
}

// Path returns the snapshot file path.
func (s *SnapshotStore) Path() string {
	return filepath.Join(s.BaseDir, SnapshotKey+".json")
}

// Load reads the snapshot. A missing file yields an empty snapshot.
func (s *SnapshotStore) Load() (*conversation.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return &conversation.Snapshot{Conversations: []conversation.Conversation{}}, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap conversation.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", s.Path(), err)
	}
	if snap.Conversations == nil {
		snap.Conversations = []conversation.Conversation{}
	}
	return &snap, nil
}

// Save replaces the snapshot file.
func (s *SnapshotStore) Save(snap *conversation.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// RELIABILITY: Atomic write with fsync prevents a torn snapshot on crash
	if err := util.AtomicWriteFile(s.Path(), data, 0600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}
