// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

func init() {
	lipgloss.SetColorProfile(GetColorProfile())
	lipgloss.SetHasDarkBackground(HasDarkBackground())
}

// =============================================================================
// PALETTE
// =============================================================================

// Each color has a light and a dark variant; lipgloss picks one from the
// detected background.
var (
	colorAccent = lipgloss.AdaptiveColor{Light: "25", Dark: "39"}
	colorText   = lipgloss.AdaptiveColor{Light: "235", Dark: "252"}
	colorMuted  = lipgloss.AdaptiveColor{Light: "244", Dark: "242"}
	colorGood   = lipgloss.AdaptiveColor{Light: "28", Dark: "42"}
	colorBad    = lipgloss.AdaptiveColor{Light: "160", Dark: "196"}
	colorWarn   = lipgloss.AdaptiveColor{Light: "166", Dark: "214"}
	colorUser   = lipgloss.AdaptiveColor{Light: "27", Dark: "75"}
	colorZeno   = lipgloss.AdaptiveColor{Light: "29", Dark: "82"}
)

var (
	TitleStyle     = lipgloss.NewStyle().Bold(true).Foreground(colorAccent).MarginBottom(1)
	SectionStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorText)
	ValueStyle     = lipgloss.NewStyle().Foreground(colorText)
	DimStyle       = lipgloss.NewStyle().Foreground(colorMuted)
	SuccessStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorGood)
	ErrorStyle     = lipgloss.NewStyle().Bold(true).Foreground(colorBad)
	WarningStyle   = lipgloss.NewStyle().Foreground(colorWarn)
	UserStyle      = lipgloss.NewStyle().Bold(true).Foreground(colorUser)
	AssistantStyle = lipgloss.NewStyle().Bold(true).Foreground(colorZeno)

	labelStyle = lipgloss.NewStyle().Foreground(colorMuted)
)

// labelWidth aligns "Label: value" rows.
const labelWidth = 20

// =============================================================================
// HELPERS
// =============================================================================

// RenderSeparator draws a rule of the given width.
func RenderSeparator(width int) string {
	return DimStyle.Render(strings.Repeat("─", width))
}

// RenderStatus maps a status word to a short colored tag.
func RenderStatus(status string) string {
	switch s := strings.ToLower(status); s {
	case "ok", "success", "pass":
		return SuccessStyle.Render("[OK]")
	case "error", "fail", "failed":
		return ErrorStyle.Render("[FAIL]")
	case "warning", "warn", "missing":
		return WarningStyle.Render("[WARN]")
	default:
		return DimStyle.Render("[" + strings.ToUpper(s) + "]")
	}
}

// RenderLabel pads label to labelWidth columns, or to width when given.
func RenderLabel(label string, width ...int) string {
	w := labelWidth
	if len(width) > 0 && width[0] > 0 {
		w = width[0]
	}
	return labelStyle.Width(w).Render(label)
}
