// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export renders the active branch of a conversation to a file.
//
// # Supported Formats
//
//   - Markdown: human-readable with YAML frontmatter
//   - JSON: the full conversation tree plus the exported path
//   - HTML: standalone page with embedded CSS, message Markdown rendered
//     by goldmark and sanitized by bluemonday
//
// # Usage
//
//	doc := export.NewDocument(conv, store.ActivePath())
//	exporter := export.ForFilename("chat.html", nil)
//	err := export.WriteFile("chat.html", doc, exporter)
package export
