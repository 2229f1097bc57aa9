// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across zeno.
//
// String Utilities:
//   - TruncateRunes: UTF-8 safe truncation with ellipsis
//   - TruncateWidth: display-width truncation for terminal output
//   - SanitizeSingleLine, FirstLine: prompt and title cleanup
//
// File Operations:
//   - AtomicWriteFile: crash-safe file writing with fsync
package util
