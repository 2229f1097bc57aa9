// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// ErrClosed is returned when writing to a stream that already sent its
// terminal sentinel.
var ErrClosed = errors.New("event stream closed")

// ContentFrame is the normalized delta frame sent to relay clients.
type ContentFrame struct {
	Content string `json:"content"`
}

// ErrorFrame reports a stream that failed before any content was sent.
type ErrorFrame struct {
	Error string `json:"error"`
}

// SetHeaders sets the response headers of an event stream.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Writer emits "data: <json>\n\n" frames and guarantees the terminal
// sentinel is written at most once.
type Writer struct {
	w       io.Writer
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
	frames int
}

// NewWriter wraps w. If w implements http.Flusher every frame is flushed.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// WriteJSON marshals v and writes it as one data frame.
func (s *Writer) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	return s.writeData(data)
}

// WriteContent writes a content delta frame.
func (s *Writer) WriteContent(delta string) error {
	return s.WriteJSON(ContentFrame{Content: delta})
}

// WriteError writes an error frame.
func (s *Writer) WriteError(message string) error {
	return s.WriteJSON(ErrorFrame{Error: message})
}

// Done writes the terminal sentinel. Calling it again is a no-op.
func (s *Writer) Done() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", DoneSentinel); err != nil {
		return err
	}
	s.flush()
	return nil
}

// Closed reports whether the sentinel was written.
func (s *Writer) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Frames returns the number of data frames written, excluding the sentinel.
func (s *Writer) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *Writer) writeData(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.frames++
	s.flush()
	return nil
}

func (s *Writer) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
