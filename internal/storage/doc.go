// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides persistence for zeno conversations.
//
// # Key Types
//
//   - SnapshotStore: the local store, one JSON document per data directory
//   - DocumentStore: the per-user remote mirror, backed by SQLite
//
// Both satisfy the persistence interfaces of the conversation package.
//
// # Usage
//
//	local := storage.NewSnapshotStore(dataDir)
//	docs, err := storage.OpenDocumentStore(filepath.Join(dataDir, "zeno.db"))
//	store := conversation.New(conversation.Options{Local: local, Remote: docs, UserID: user})
//
// # Storage Location
//
// The snapshot lives at ~/.zeno/zeno-chat-storage.json unless the data
// directory is overridden.
package storage
