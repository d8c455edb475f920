// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists conversations and generated artifacts on disk.
//
// # Key Types
//
//   - ConversationStore: one JSON file per conversation, atomic writes,
//     bounded by MaxConversations
//   - ArtifactStore: generated code snippets and images
//
// # Usage
//
//	store, err := storage.NewConversationStore(dir, nil)
//	conv, err := store.Append(id, "assistant", storage.Message{Role: "user", Content: "hi"})
//	metas, err := store.List()
//
// # Storage Location
//
// Files live under the configured data directory, by default
// ~/.aihub/conversations and ~/.aihub/artifacts.
package storage
