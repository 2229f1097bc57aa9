// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"os"
	"sync"

	"github.com/muesli/reflow/wordwrap"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// =============================================================================
// TERMINAL
// =============================================================================

// Wrapping bounds. Replies wider than maxWrapWidth are hard to read even on
// very wide terminals.
const (
	fallbackWidth = 80
	minWrapWidth  = 40
	maxWrapWidth  = 100
)

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// IsTTY reports whether stdin is interactive.
func IsTTY() bool { return isTerminal(os.Stdin) }

// IsStdoutTTY reports whether stdout is a terminal.
func IsStdoutTTY() bool { return isTerminal(os.Stdout) }

// wrapWidth is the column count used for wrapping chat output, clamped to
// [minWrapWidth, maxWrapWidth].
func wrapWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		width = fallbackWidth
	}
	return min(max(width, minWrapWidth), maxWrapWidth)
}

// WrapText breaks text at spaces so lines fit in limit display columns.
// Existing line breaks are kept and ANSI sequences take no width. A limit of
// zero or less uses the terminal width.
func WrapText(text string, limit int) string {
	if limit <= 0 {
		limit = wrapWidth()
	}
	return wordwrap.String(text, limit)
}

// =============================================================================
// COLOR
// =============================================================================

var colorMode = sync.OnceValue(func() bool {
	switch {
	case os.Getenv("NO_COLOR") != "":
		return false
	case os.Getenv("FORCE_COLOR") != "":
		return true
	}
	return IsStdoutTTY()
})

// ColorsEnabled reports whether output may carry color. NO_COLOR beats
// FORCE_COLOR, which beats TTY detection.
func ColorsEnabled() bool { return colorMode() }

// GetColorProfile is the profile handed to lipgloss.
func GetColorProfile() termenv.Profile {
	if !ColorsEnabled() {
		return termenv.Ascii
	}
	return termenv.ColorProfile()
}

// HasDarkBackground guesses the background; without colors it assumes dark.
func HasDarkBackground() bool {
	return !ColorsEnabled() || termenv.HasDarkBackground()
}
