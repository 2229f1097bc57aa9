// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"

	"github.com/jeranaias/zeno/internal/conversation"
)

// JSONFormatVersion identifies the layout of JSON exports.
const JSONFormatVersion = 1

// JSONExport is the document written by JSONExporter. Conversation holds
// every branch; ActivePath lists the ids of the exported branch.
type JSONExport struct {
	Version      int                        `json:"version"`
	ExportedAt   int64                      `json:"exportedAt"` // epoch ms
	Conversation *conversation.Conversation `json:"conversation"`
	ActivePath   []string                   `json:"activePath"`
}

// =============================================================================
// JSON EXPORTER
// =============================================================================

// JSONExporter exports the complete conversation tree. Options do not
// filter JSON output.
type JSONExporter struct {
	options *Options
}

// NewJSONExporter creates a new JSON exporter.
func NewJSONExporter(opts *Options) *JSONExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &JSONExporter{options: opts}
}

// Export converts the document to indented JSON.
func (e *JSONExporter) Export(doc *Document) ([]byte, error) {
	if err := doc.validate(); err != nil {
		return nil, err
	}
	ids := make([]string, len(doc.Path))
	for i, m := range doc.Path {
		ids[i] = m.ID
	}
	return json.MarshalIndent(JSONExport{
		Version:      JSONFormatVersion,
		ExportedAt:   doc.ExportedAt.UnixMilli(),
		Conversation: doc.Conversation,
		ActivePath:   ids,
	}, "", "  ")
}

// FileExtension returns the file extension for JSON.
func (e *JSONExporter) FileExtension() string {
	return ".json"
}

// MimeType returns the MIME type for JSON.
func (e *JSONExporter) MimeType() string {
	return "application/json"
}
