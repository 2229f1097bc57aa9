// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
)

var (
	mdRenderer     *glamour.TermRenderer
	mdRendererErr  error
	mdRendererOnce sync.Once
)

// renderMarkdown renders assistant markdown for the terminal. When glamour
// cannot be set up the text is returned unchanged.
func renderMarkdown(text string) string {
	mdRendererOnce.Do(func() {
		style := "dark"
		if !ColorsEnabled() {
			style = "notty"
		} else if !HasDarkBackground() {
			style = "light"
		}
		mdRenderer, mdRendererErr = glamour.NewTermRenderer(
			glamour.WithStandardStyle(style),
			glamour.WithWordWrap(wrapWidth()),
		)
	})
	if mdRendererErr != nil {
		return text
	}

	out, err := mdRenderer.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n") + "\n"
}
