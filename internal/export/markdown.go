// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeranaias/zeno/internal/util"
)

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// MarkdownExporter exports conversations to Markdown format.
type MarkdownExporter struct {
	options *Options
}

// NewMarkdownExporter creates a new Markdown exporter.
func NewMarkdownExporter(opts *Options) *MarkdownExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &MarkdownExporter{options: opts}
}

// frontMatter is the YAML header written ahead of the transcript.
type frontMatter struct {
	Title     string    `yaml:"title"`
	Model     string    `yaml:"model,omitempty"`
	Created   time.Time `yaml:"date"`
	Updated   time.Time `yaml:"updated"`
	Messages  int       `yaml:"messages"`
	Exported  time.Time `yaml:"exported"`
	Generator string    `yaml:"generator"`
}

// Export renders the active path as Markdown, one section per message.
func (e *MarkdownExporter) Export(doc *Document) ([]byte, error) {
	if err := doc.validate(); err != nil {
		return nil, err
	}
	meta := doc.Conversation.GetMeta()

	var buf bytes.Buffer
	if e.options.IncludeMetadata {
		header, err := yaml.Marshal(frontMatter{
			Title:     meta.Title,
			Model:     meta.Model,
			Created:   meta.CreatedAt.UTC().Truncate(time.Second),
			Updated:   meta.UpdatedAt.UTC().Truncate(time.Second),
			Messages:  len(doc.Path),
			Exported:  doc.ExportedAt.UTC().Truncate(time.Second),
			Generator: "zeno",
		})
		if err != nil {
			return nil, fmt.Errorf("front matter: %w", err)
		}
		buf.WriteString("---\n")
		buf.Write(header)
		buf.WriteString("---\n\n")
	}

	fmt.Fprintf(&buf, "# %s\n", headingEscaper.Replace(util.SanitizeSingleLine(meta.Title)))

	for i, msg := range doc.Path {
		if i > 0 {
			buf.WriteString("\n---\n")
		}
		heading := msg.Role.DisplayName()
		if e.options.IncludeTimestamps {
			heading += " <sub>" + formatShortTimestamp(msg.Time()) + "</sub>"
		}
		fmt.Fprintf(&buf, "\n### %s\n\n%s\n", heading, strings.TrimSpace(msg.Content))
		if n := len(msg.Images); n > 0 {
			fmt.Fprintf(&buf, "\n_%s_\n", imageNote(n))
		}
	}

	return buf.Bytes(), nil
}

// FileExtension returns the file extension for Markdown.
func (e *MarkdownExporter) FileExtension() string {
	return ".md"
}

// MimeType returns the MIME type for Markdown.
func (e *MarkdownExporter) MimeType() string {
	return "text/markdown"
}

// headingEscaper keeps a title from turning into emphasis or links.
var headingEscaper = strings.NewReplacer(
	"#", `\#`,
	"*", `\*`,
	"_", `\_`,
	"[", `\[`,
	"]", `\]`,
)
