// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the zeno command line.
//
// # Commands
//
//   - chat (default): interactive chat through a relay, with branching
//     conversations kept in ~/.zeno
//   - serve: run the relay server
//   - image: generate an image to a file
//   - status: report relay capabilities
//   - config: show, get and set configuration keys
//
// Output is styled with lipgloss when stdout is a terminal and plain
// otherwise. NO_COLOR and FORCE_COLOR are honored. Assistant replies are
// rendered as Markdown with glamour on terminals and streamed raw when piped.
package cli
