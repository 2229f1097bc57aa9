// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sse implements the line-delimited event framing shared by the
// relay server and its clients.
//
// The same Decoder runs on both ends of a chat stream: the relay feeds it the
// upstream provider's body, the client feeds it the relay's body. Network
// reads may split a "data: ..." line anywhere (mid-JSON, mid-rune), so the
// decoder keeps the trailing partial line until more bytes arrive.
package sse

import (
	"bytes"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// DoneSentinel is the payload that terminates a stream.
const DoneSentinel = "[DONE]"

// MaxLineSize bounds a single line (1MB), excluding its newline. Longer lines
// are discarded whether they arrive whole or across several reads.
const MaxLineSize = 1 << 20

var dataPrefix = []byte("data:")

// =============================================================================
// EVENT
// =============================================================================

// Event is one parsed "data:" line.
type Event struct {
	// Data is the payload after the "data:" prefix, with the single optional
	// leading space removed. Empty when Done is set.
	Data string

	// Done is true when the payload was the terminal sentinel.
	Done bool
}

// =============================================================================
// DECODER
// =============================================================================

// Decoder re-frames an arbitrarily chunked byte stream into events.
// A Decoder is not safe for concurrent use; each stream owns one.
type Decoder struct {
	buf     []byte
	dropped int
	skip    bool // discarding the rest of an oversized line
}

// NewDecoder creates an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends p to the rolling buffer and returns the events found in every
// complete line. The trailing partial line is retained for the next call.
func (d *Decoder) Feed(p []byte) []Event {
	var events []Event

	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		if idx < 0 {
			d.appendPartial(p)
			break
		}

		line := p[:idx]
		p = p[idx+1:]

		if d.skip {
			// Tail of an oversized line; resume at the next one.
			d.skip = false
			continue
		}

		if len(d.buf)+len(line) > MaxLineSize {
			d.buf = d.buf[:0]
			d.dropped++
			continue
		}
		if len(d.buf) > 0 {
			d.buf = append(d.buf, line...)
			line = d.buf
		}

		if ev, ok := parseLine(line); ok {
			events = append(events, ev)
		}
		d.buf = d.buf[:0]
	}

	return events
}

// Flush processes whatever remains in the buffer as a final line and resets
// the decoder. Call it once the underlying stream has ended.
func (d *Decoder) Flush() []Event {
	defer d.Reset()

	if d.skip || len(d.buf) == 0 {
		return nil
	}
	if ev, ok := parseLine(d.buf); ok {
		return []Event{ev}
	}
	return nil
}

// Reset discards buffered state.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.skip = false
}

// Buffered returns the number of bytes held for the current partial line.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Dropped returns how many oversized lines were discarded.
func (d *Decoder) Dropped() int {
	return d.dropped
}

func (d *Decoder) appendPartial(p []byte) {
	if d.skip {
		return
	}
	if len(d.buf)+len(p) > MaxLineSize {
		d.buf = d.buf[:0]
		d.skip = true
		d.dropped++
		return
	}
	d.buf = append(d.buf, p...)
}

// parseLine extracts an event from one complete line.
// Blank lines, comments and non-data fields produce no event.
func parseLine(line []byte) (Event, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, dataPrefix) {
		return Event{}, false
	}

	payload := line[len(dataPrefix):]
	if len(payload) > 0 && payload[0] == ' ' {
		payload = payload[1:]
	}

	if string(bytes.TrimSpace(payload)) == DoneSentinel {
		return Event{Done: true}, true
	}
	return Event{Data: string(payload)}, true
}

// DecodeAll runs a complete byte slice through a fresh decoder, including the
// final flush.
func DecodeAll(p []byte) []Event {
	d := NewDecoder()
	events := d.Feed(p)
	return append(events, d.Flush()...)
}
