// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"bytes"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer"
	gmutil "github.com/yuin/goldmark/util"

	"github.com/jeranaias/zeno/internal/conversation"
)

// =============================================================================
// HTML EXPORTER
// =============================================================================

// HTMLExporter exports conversations to a standalone HTML page.
type HTMLExporter struct {
	options  *Options
	theme    string
	code     *codeRenderer
	markdown goldmark.Markdown
	policy   *bluemonday.Policy
}

// NewHTMLExporter creates a new HTML exporter.
func NewHTMLExporter(opts *Options) *HTMLExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	theme := opts.Theme
	if theme != "light" {
		theme = "dark"
	}
	code := newCodeRenderer(theme)

	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements("span", "pre", "code")

	return &HTMLExporter{
		options: opts,
		theme:   theme,
		code:    code,
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(renderer.WithNodeRenderers(gmutil.Prioritized(code, 100))),
		),
		policy: policy,
	}
}

// Export converts the document to HTML.
func (e *HTMLExporter) Export(doc *Document) ([]byte, error) {
	if err := doc.validate(); err != nil {
		return nil, err
	}
	meta := doc.Conversation.GetMeta()

	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	sb.WriteString("<meta charset=\"UTF-8\">\n")
	sb.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1.0\">\n")
	fmt.Fprintf(&sb, "<title>%s</title>\n", html.EscapeString(meta.Title))
	sb.WriteString("<meta name=\"generator\" content=\"zeno\">\n")
	fmt.Fprintf(&sb, "<meta name=\"date\" content=\"%s\">\n", meta.CreatedAt.Format(time.RFC3339))
	sb.WriteString("<style>\n")
	sb.WriteString(pageCSS)
	sb.WriteString(e.code.css())
	sb.WriteString("</style>\n")
	sb.WriteString("</head>\n")
	fmt.Fprintf(&sb, "<body class=\"%s\">\n<div class=\"page\">\n", e.theme)

	fmt.Fprintf(&sb, "<header>\n<h1>%s</h1>\n", html.EscapeString(meta.Title))
	if e.options.IncludeMetadata {
		sb.WriteString("<p class=\"meta\">")
		fmt.Fprintf(&sb, "<span>Model: %s</span> ", html.EscapeString(meta.Model))
		fmt.Fprintf(&sb, "<span>Created: %s</span> ", formatTimestamp(meta.CreatedAt))
		fmt.Fprintf(&sb, "<span>Messages: %d</span>", len(doc.Path))
		sb.WriteString("</p>\n")
	}
	sb.WriteString("</header>\n<main>\n")

	for i := range doc.Path {
		if err := e.renderMessage(&sb, &doc.Path[i]); err != nil {
			return nil, err
		}
	}

	sb.WriteString("</main>\n")
	fmt.Fprintf(&sb, "<footer>Exported from zeno on %s</footer>\n", doc.ExportedAt.Format("January 2, 2006 at 3:04 PM"))
	sb.WriteString("</div>\n</body>\n</html>\n")

	return []byte(sb.String()), nil
}

// FileExtension returns the file extension for HTML.
func (e *HTMLExporter) FileExtension() string {
	return ".html"
}

// MimeType returns the MIME type for HTML.
func (e *HTMLExporter) MimeType() string {
	return "text/html"
}

// =============================================================================
// RENDERING
// =============================================================================

func (e *HTMLExporter) renderMessage(sb *strings.Builder, msg *conversation.Message) error {
	fmt.Fprintf(sb, "<section class=\"message %s\">\n<div class=\"role\">%s",
		html.EscapeString(string(msg.Role)), html.EscapeString(msg.Role.DisplayName()))
	if e.options.IncludeTimestamps {
		fmt.Fprintf(sb, " <time>%s</time>", formatShortTimestamp(msg.Time()))
	}
	sb.WriteString("</div>\n<div class=\"content\">\n")

	body, err := e.renderContent(msg.Content)
	if err != nil {
		return fmt.Errorf("render message %s: %w", msg.ID, err)
	}
	sb.Write(body)

	// Data URIs are dropped rather than embedded; pages stay small.
	if n := len(msg.Images); n > 0 {
		fmt.Fprintf(sb, "<p class=\"images\">%s</p>\n", imageNote(n))
	}
	sb.WriteString("</div>\n</section>\n")
	return nil
}

// renderContent converts message Markdown to sanitized HTML. Fenced code is
// highlighted by codeRenderer.
// SECURITY: model output is untrusted; raw HTML is stripped by goldmark and
// the result is sanitized again before embedding.
func (e *HTMLExporter) renderContent(content string) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.markdown.Convert([]byte(content), &buf); err != nil {
		return nil, err
	}
	return e.policy.SanitizeBytes(buf.Bytes()), nil
}

const pageCSS = `body { margin: 0; padding: 24px; font: 16px/1.6 -apple-system, "Segoe UI", Roboto, sans-serif; }
body.dark { background: #16161e; color: #c0caf5; --panel: #1f2335; --muted: #565f89; --accent: #7aa2f7; --code: #24283b; }
body.light { background: #fafafa; color: #24292e; --panel: #ffffff; --muted: #6a737d; --accent: #0366d6; --code: #f3f4f6; }
.page { max-width: 880px; margin: 0 auto; }
header h1 { margin: 0 0 8px; }
.meta span { margin-right: 16px; color: var(--muted); font-size: 14px; }
.message { background: var(--panel); border-radius: 8px; padding: 12px 16px; margin: 12px 0; }
.message.user { border-left: 3px solid var(--accent); }
.role { font-weight: 600; }
.role time { font-weight: 400; color: var(--muted); font-size: 13px; margin-left: 8px; }
pre, code { font-family: "Fira Code", Menlo, monospace; background: var(--code); }
pre { padding: 12px; border-radius: 6px; overflow-x: auto; }
.images { color: var(--muted); font-style: italic; }
footer { margin-top: 24px; color: var(--muted); font-size: 13px; text-align: center; }
`
