// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// =============================================================================
// ATOMIC WRITES
// =============================================================================

func TestAtomicWriteFile_ReplacesContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")

	require.NoError(t, AtomicWriteFile(path, []byte(`{"conversations":[]}`), 0600))
	require.NoError(t, AtomicWriteFile(path, []byte(`{"conversations":[1]}`), 0600))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, `{"conversations":[1]}`, string(got))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}

func TestAtomicWriteFile_CreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exports", "2025", "chat.md")

	require.NoError(t, AtomicWriteFile(path, nil, 0644))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Zero(t, info.Size())
}

func TestAtomicWriteFile_Permissions(t *testing.T) {
	if os.PathSeparator == '\\' {
		t.Skip("unix permissions only")
	}
	path := filepath.Join(t.TempDir(), "secret.json")
	require.NoError(t, AtomicWriteFile(path, []byte("{}"), 0600))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestAtomicWriteFile_MissingDirectoryBlocked(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))

	err := AtomicWriteFile(filepath.Join(blocker, "child.json"), []byte("{}"), 0600)
	require.Error(t, err)
}

// =============================================================================
// TEXT HELPERS
// =============================================================================

func TestTruncateRunes(t *testing.T) {
	for _, tc := range []struct {
		in   string
		max  int
		want string
	}{
		{"hello world", 5, "he..."},
		{"hello", 5, "hello"},
		{"", 5, ""},
		{"hello world", 0, ""},
		{"abcd", 3, "abc"},
		{"日本語のテキスト", 5, "日本..."},
	} {
		require.Equal(t, tc.want, TruncateRunes(tc.in, tc.max), "%q/%d", tc.in, tc.max)
	}
}

func TestTruncateWidth(t *testing.T) {
	for _, tc := range []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 8, "hello..."},
		{"日本語テキスト", 7, "日本..."},
		{"hello", 0, ""},
	} {
		got := TruncateWidth(tc.in, tc.max)
		require.Equal(t, tc.want, got, "%q/%d", tc.in, tc.max)
		require.LessOrEqual(t, StringWidth(got), tc.max)
	}
}

func TestStringWidth(t *testing.T) {
	require.Equal(t, 0, StringWidth(""))
	require.Equal(t, 6, StringWidth("日本語"))
	require.Equal(t, 9, StringWidth("hello世界"))
}

func TestSanitizeSingleLine(t *testing.T) {
	require.Equal(t, "likes green tea", SanitizeSingleLine("  likes\n\tgreen   tea \r\n"))
}

func TestFirstLine(t *testing.T) {
	require.Equal(t, "Hello there", FirstLine("\n\n  Hello there  \nsecond"))
	require.Empty(t, FirstLine(" \n "))
}
