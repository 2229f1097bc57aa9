// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sse

import (
	"bytes"
	"math/rand"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleStream = "data: {\"content\":\"Hel\"}\n\n" +
	": keep-alive comment\n" +
	"event: message\n" +
	"data: {\"content\":\"lo, \"}\r\n\r\n" +
	"data: {\"content\":\"wörld 世界\"}\n\n" +
	"data:{\"content\":\"!\"}\n\n" +
	"data: [DONE]\n\n"

func feedChunks(chunks [][]byte) []Event {
	d := NewDecoder()
	var events []Event
	for _, c := range chunks {
		events = append(events, d.Feed(c)...)
	}
	return append(events, d.Flush()...)
}

// =============================================================================
// RE-FRAMING
// =============================================================================

func TestDecoder_WholeStream(t *testing.T) {
	events := DecodeAll([]byte(sampleStream))

	require.Equal(t, []Event{
		{Data: `{"content":"Hel"}`},
		{Data: `{"content":"lo, "}`},
		{Data: `{"content":"wörld 世界"}`},
		{Data: `{"content":"!"}`},
		{Done: true},
	}, events)
}

func TestDecoder_OneByteAtATime(t *testing.T) {
	want := DecodeAll([]byte(sampleStream))

	var chunks [][]byte
	for i := 0; i < len(sampleStream); i++ {
		chunks = append(chunks, []byte{sampleStream[i]})
	}

	require.Equal(t, want, feedChunks(chunks))
}

func TestDecoder_EverySplitPoint(t *testing.T) {
	want := DecodeAll([]byte(sampleStream))
	data := []byte(sampleStream)

	for i := 0; i <= len(data); i++ {
		got := feedChunks([][]byte{data[:i], data[i:]})
		require.Equal(t, want, got, "split at %d", i)
	}
}

func TestDecoder_RandomChunking(t *testing.T) {
	want := DecodeAll([]byte(sampleStream))
	data := []byte(sampleStream)
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		var chunks [][]byte
		rest := data
		for len(rest) > 0 {
			n := rng.Intn(9) + 1
			if n > len(rest) {
				n = len(rest)
			}
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}
		require.Equal(t, want, feedChunks(chunks), "round %d", round)
	}
}

func TestDecoder_SplitAcrossReads(t *testing.T) {
	d := NewDecoder()

	require.Empty(t, d.Feed([]byte(`data: {"content":"Hel`)))
	require.Greater(t, d.Buffered(), 0)

	events := d.Feed([]byte("lo\"}\n\nda"))
	require.Equal(t, []Event{{Data: `{"content":"Hello"}`}}, events)

	events = d.Feed([]byte("ta: [DONE]\n\n"))
	require.Equal(t, []Event{{Done: true}}, events)
	require.Equal(t, 0, d.Buffered())
}

func TestDecoder_SplitMultiByteRune(t *testing.T) {
	line := []byte("data: 世界\n")
	d := NewDecoder()

	// Split inside the first rune's three-byte encoding.
	require.Empty(t, d.Feed(line[:7]))
	events := d.Feed(line[7:])

	require.Equal(t, []Event{{Data: "世界"}}, events)
}

func TestDecoder_FlushUnterminatedLine(t *testing.T) {
	d := NewDecoder()

	require.Empty(t, d.Feed([]byte(`data: {"content":"tail"}`)))
	require.Equal(t, []Event{{Data: `{"content":"tail"}`}}, d.Flush())

	// Flush resets state.
	require.Nil(t, d.Flush())
	require.Equal(t, 0, d.Buffered())
}

func TestDecoder_IgnoresNonDataLines(t *testing.T) {
	input := "id: 7\nretry: 100\n: comment\nevent: ping\n\n\n"
	require.Empty(t, DecodeAll([]byte(input)))
}

func TestDecoder_DoneWithTrailingSpace(t *testing.T) {
	events := DecodeAll([]byte("data: [DONE] \r\n"))
	require.Equal(t, []Event{{Done: true}}, events)
}

func TestDecoder_OversizedLineDropped(t *testing.T) {
	d := NewDecoder()

	big := bytes.Repeat([]byte("x"), MaxLineSize/2+1)
	require.Empty(t, d.Feed(append([]byte("data: "), big...)))
	require.Empty(t, d.Feed(big))
	require.Equal(t, 1, d.Dropped())
	require.Equal(t, 0, d.Buffered())

	// The rest of the oversized line is skipped, the next line decodes.
	events := d.Feed([]byte("more-junk\ndata: ok\n"))
	require.Equal(t, []Event{{Data: "ok"}}, events)
}

func TestDecoder_LineLimitIndependentOfChunking(t *testing.T) {
	stream := func(payloadLen int) []byte {
		line := append([]byte("data: "), bytes.Repeat([]byte("x"), payloadLen-len("data: "))...)
		return append(append(line, '\n'), []byte("data: next\n")...)
	}

	for _, tc := range []struct {
		name    string
		lineLen int
		events  int
		dropped int
	}{
		{"at limit", MaxLineSize, 2, 0},
		{"over limit", MaxLineSize + 1, 1, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			input := stream(tc.lineLen)
			for _, size := range []int{len(input), 4096, 7} {
				d := NewDecoder()
				var events []Event
				for rest := input; len(rest) > 0; {
					n := min(size, len(rest))
					events = append(events, d.Feed(rest[:n])...)
					rest = rest[n:]
				}
				events = append(events, d.Flush()...)

				require.Len(t, events, tc.events, "chunk size %d", size)
				require.Equal(t, "next", events[len(events)-1].Data, "chunk size %d", size)
				require.Equal(t, tc.dropped, d.Dropped(), "chunk size %d", size)
			}
		})
	}
}

// =============================================================================
// WRITER
// =============================================================================

func TestWriter_FramesAndSingleDone(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)

	require.NoError(t, w.WriteContent("Hel"))
	require.NoError(t, w.WriteContent("lo"))
	require.NoError(t, w.Done())
	require.NoError(t, w.Done())
	require.ErrorIs(t, w.WriteContent("late"), ErrClosed)

	body := rec.Body.String()
	require.Equal(t, 1, strings.Count(body, "data: [DONE]\n\n"))
	require.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
	require.Equal(t, 2, w.Frames())
	require.True(t, rec.Flushed)

	events := DecodeAll(rec.Body.Bytes())
	require.Equal(t, []Event{
		{Data: `{"content":"Hel"}`},
		{Data: `{"content":"lo"}`},
		{Done: true},
	}, events)
}

func TestSetHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetHeaders(rec.Header())

	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
}
