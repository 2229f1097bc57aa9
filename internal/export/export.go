// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jeranaias/zeno/internal/conversation"
	"github.com/jeranaias/zeno/internal/util"
)

// ErrEmptyDocument is returned when there is nothing to export.
var ErrEmptyDocument = errors.New("conversation has no messages")

// =============================================================================
// TYPES
// =============================================================================

// Document is a conversation together with the branch being exported.
type Document struct {
	Conversation *conversation.Conversation
	Path         []conversation.Message
	ExportedAt   time.Time
}

// NewDocument prepares conv for export along path.
func NewDocument(conv *conversation.Conversation, path []conversation.Message) *Document {
	return &Document{Conversation: conv, Path: path, ExportedAt: time.Now()}
}

func (d *Document) validate() error {
	if d == nil || d.Conversation == nil {
		return errors.New("conversation is nil")
	}
	if len(d.Path) == 0 {
		return ErrEmptyDocument
	}
	return nil
}

// Exporter renders a Document in one format.
type Exporter interface {
	Export(doc *Document) ([]byte, error)
	FileExtension() string
	MimeType() string
}

// Options control what an export includes.
type Options struct {
	IncludeMetadata   bool
	IncludeTimestamps bool
	// Theme is the initial HTML theme: "dark" or "light".
	Theme string
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() *Options {
	return &Options{
		IncludeMetadata:   true,
		IncludeTimestamps: true,
		Theme:             "dark",
	}
}

// =============================================================================
// FILE OUTPUT
// =============================================================================

// ForFilename picks an exporter from the file extension. Unknown
// extensions export Markdown.
func ForFilename(name string, opts *Options) Exporter {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return NewJSONExporter(opts)
	case ".html", ".htm":
		return NewHTMLExporter(opts)
	default:
		return NewMarkdownExporter(opts)
	}
}

// WriteFile renders doc and writes it atomically to filename.
func WriteFile(filename string, doc *Document, exporter Exporter) error {
	content, err := exporter.Export(doc)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	if err := util.AtomicWriteFile(filename, content, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// maxFilenameLength bounds the title part of generated filenames.
const maxFilenameLength = 60

// Filename derives a file name from a conversation title.
func Filename(title, ext string) string {
	return sanitizeFilename(title) + ext
}

// sanitizeFilename keeps ASCII letters, digits, dot, dash and underscore.
// Runs of anything else collapse to one dash.
func sanitizeFilename(s string) string {
	var sb strings.Builder
	dash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			sb.WriteRune(r)
			dash = false
		case !dash:
			sb.WriteByte('-')
			dash = true
		}
	}
	name := strings.Trim(sb.String(), "-.")
	if len(name) > maxFilenameLength {
		name = strings.TrimRight(name[:maxFilenameLength], "-.")
	}
	if name == "" {
		return "conversation"
	}
	return name
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func formatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

func formatShortTimestamp(t time.Time) string {
	return t.Format("15:04:05")
}

func imageNote(n int) string {
	if n == 1 {
		return "1 image attached"
	}
	return fmt.Sprintf("%d images attached", n)
}
