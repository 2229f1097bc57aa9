// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST DOUBLES
// =============================================================================

type memLocal struct {
	mu    sync.Mutex
	snap  *Snapshot
	saves int
	fail  bool
}

func (m *memLocal) Load() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, nil
}

func (m *memLocal) Save(snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.fail {
		return errors.New("disk full")
	}
	m.snap = snap
	return nil
}

func (m *memLocal) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

type memRemote struct {
	mu      sync.Mutex
	puts    map[string]*Conversation
	deletes []string
	err     error
}

func (m *memRemote) PutConversation(ctx context.Context, userID string, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.puts == nil {
		m.puts = make(map[string]*Conversation)
	}
	m.puts[conv.ID] = conv
	return nil
}

func (m *memRemote) DeleteConversation(ctx context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.deletes = append(m.deletes, id)
	return nil
}

// fakeClock advances one millisecond per call.
func fakeClock() func() time.Time {
	var mu sync.Mutex
	t := time.UnixMilli(1_700_000_000_000)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func newTestStore(t *testing.T) (*Store, *memLocal) {
	t.Helper()
	local := &memLocal{}
	return New(Options{Local: local, DefaultModel: "openai/gpt-4o", Now: fakeClock()}), local
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

func TestCreateConversation(t *testing.T) {
	s, local := newTestStore(t)

	first := s.CreateConversation()
	second := s.CreateConversation()

	require.Equal(t, second, s.CurrentID())
	metas := s.Conversations()
	require.Len(t, metas, 2)
	require.Equal(t, second, metas[0].ID)
	require.Equal(t, DefaultTitle, metas[0].Title)
	require.Equal(t, "openai/gpt-4o", metas[1].Model)
	require.Equal(t, first, metas[1].ID)
	require.Equal(t, 2, local.saveCount())
}

func TestAppendMessage_CreatesConversation(t *testing.T) {
	s, _ := newTestStore(t)

	msg, err := s.AppendMessage(Message{Role: RoleUser, Content: "Plan a trip to Lisbon\nfor five days"})
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	require.NotZero(t, msg.Timestamp)
	require.Equal(t, 0, *msg.BranchIndex)

	conv := s.Current()
	require.NotNil(t, conv)
	require.Equal(t, "Plan a trip to Lisbon", conv.Title)
	require.Len(t, conv.Messages, 1)
}

func TestTitleTruncated(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.AppendToPath(RoleUser, strings.Repeat("é", 80), nil)
	require.NoError(t, err)
	require.Equal(t, 50, len([]rune(s.Current().Title)))
}

func TestAppendMessage_Errors(t *testing.T) {
	s, _ := newTestStore(t)

	m, err := s.AppendToPath(RoleUser, "hi", nil)
	require.NoError(t, err)

	_, err = s.AppendMessage(Message{ID: m.ID, Role: RoleUser, Content: "again"})
	require.ErrorIs(t, err, ErrDuplicateMessage)

	_, err = s.AppendMessage(NewMessage(RoleAssistant, "orphan").WithParent("missing"))
	require.ErrorIs(t, err, ErrMessageNotFound)

	_, err = s.AppendMessage(Message{Role: "robot", Content: "beep"})
	require.ErrorIs(t, err, ErrInvalidRole)
}

func TestDeleteConversation_SelectsMostRecent(t *testing.T) {
	s, _ := newTestStore(t)

	a := s.CreateConversation()
	_, err := s.AppendToPath(RoleUser, "in a", nil)
	require.NoError(t, err)
	b := s.CreateConversation()
	c := s.CreateConversation()

	require.NoError(t, s.SelectConversation(a))
	_, err = s.AppendToPath(RoleUser, "more in a", nil)
	require.NoError(t, err)

	require.NoError(t, s.SelectConversation(c))
	require.NoError(t, s.DeleteConversation(c))
	require.Equal(t, a, s.CurrentID())

	require.NoError(t, s.DeleteConversation(b))
	require.Equal(t, a, s.CurrentID())

	require.NoError(t, s.DeleteConversation(a))
	require.Equal(t, "", s.CurrentID())
	require.Nil(t, s.Current())

	require.ErrorIs(t, s.DeleteConversation(a), ErrConversationNotFound)
}

func TestConversations_PinnedFirst(t *testing.T) {
	s, _ := newTestStore(t)

	old := s.CreateConversation()
	s.CreateConversation()

	pinned, err := s.TogglePin(old)
	require.NoError(t, err)
	require.True(t, pinned)
	require.Equal(t, old, s.Conversations()[0].ID)

	require.NoError(t, s.RenameConversation(old, "Trips"))
	got, err := s.Get(old)
	require.NoError(t, err)
	require.Equal(t, "Trips", got.Title)

	_, err = s.TogglePin("nope")
	require.ErrorIs(t, err, ErrConversationNotFound)
}

// =============================================================================
// MESSAGES AND BRANCHES
// =============================================================================

func TestUpdateMessageContent_Idempotent(t *testing.T) {
	s, local := newTestStore(t)

	_, err := s.AppendToPath(RoleUser, "hi", nil)
	require.NoError(t, err)
	reply, err := s.AppendToPath(RoleAssistant, "", nil)
	require.NoError(t, err)

	require.NoError(t, s.UpdateMessageContent(reply.ID, "Hel"))
	require.NoError(t, s.UpdateMessageContent(reply.ID, "Hello"))
	before := local.saveCount()
	updated := s.Current().UpdatedAt

	require.NoError(t, s.UpdateMessageContent(reply.ID, "Hello"))
	require.Equal(t, before, local.saveCount())
	require.Equal(t, updated, s.Current().UpdatedAt)

	path := s.ActivePath()
	require.Equal(t, "Hello", path[len(path)-1].Content)

	require.ErrorIs(t, s.UpdateMessageContent("missing", "x"), ErrMessageNotFound)
}

func TestActivePath_LinksParents(t *testing.T) {
	s, _ := newTestStore(t)

	for i, role := range []Role{RoleUser, RoleAssistant, RoleUser, RoleAssistant} {
		_, err := s.AppendToPath(role, strings.Repeat("x", i+1), nil)
		require.NoError(t, err)
	}

	path := s.ActivePath()
	require.Len(t, path, 4)
	require.Nil(t, path[0].ParentID)
	for i := 1; i < len(path); i++ {
		require.Equal(t, path[i-1].ID, path[i].Parent())
	}
}

func TestBranch_RegenerateAndSelect(t *testing.T) {
	s, _ := newTestStore(t)

	q, err := s.AppendToPath(RoleUser, "question", nil)
	require.NoError(t, err)
	a1, err := s.AppendToPath(RoleAssistant, "first answer", nil)
	require.NoError(t, err)
	follow, err := s.AppendToPath(RoleUser, "follow-up", nil)
	require.NoError(t, err)

	a2, err := s.Branch(a1.ID, NewMessage(RoleAssistant, "second answer"))
	require.NoError(t, err)
	require.Equal(t, q.ID, a2.Parent())
	require.Equal(t, 1, *a2.BranchIndex)

	// The newest branch is selected and has no follow-up yet.
	require.Equal(t, []string{q.ID, a2.ID}, ids(s.ActivePath()))

	info, err := s.Siblings(a2.ID)
	require.NoError(t, err)
	require.Equal(t, BranchInfo{ParentKey: q.ID, Index: 1, Count: 2}, info)

	s.SelectBranch(q.ID, 0)
	require.Equal(t, []string{q.ID, a1.ID, follow.ID}, ids(s.ActivePath()))

	// Out-of-range indexes clamp.
	s.SelectBranch(q.ID, 99)
	require.Equal(t, []string{q.ID, a2.ID}, ids(s.ActivePath()))
	s.SelectBranch(q.ID, -5)
	require.Equal(t, []string{q.ID, a1.ID, follow.ID}, ids(s.ActivePath()))

	// A parent without children is left alone.
	s.SelectBranch(follow.ID, 3)
	_, ok := s.Current().BranchSelections[follow.ID]
	require.False(t, ok)
}

func TestBranch_RootEdit(t *testing.T) {
	s, _ := newTestStore(t)

	first, err := s.AppendToPath(RoleUser, "original", nil)
	require.NoError(t, err)
	edited, err := s.Branch(first.ID, NewMessage(RoleUser, "edited"))
	require.NoError(t, err)
	require.Nil(t, edited.ParentID)

	require.Equal(t, []string{edited.ID}, ids(s.ActivePath()))
	s.SelectBranch("", 0)
	require.Equal(t, []string{first.ID}, ids(s.ActivePath()))
	s.SelectBranch(RootKey, 1)
	require.Equal(t, []string{edited.ID}, ids(s.ActivePath()))
}

func TestActivePath_DefaultsToNewestChild(t *testing.T) {
	root := NewMessage(RoleUser, "q")
	older := NewMessage(RoleAssistant, "old").WithParent(root.ID)
	newer := NewMessage(RoleAssistant, "new").WithParent(root.ID)

	local := &memLocal{snap: &Snapshot{
		Conversations: []Conversation{{
			ID:       "c1",
			Title:    "q",
			Messages: []Message{root, older, newer},
		}},
		CurrentConversationID: strPtr("c1"),
	}}
	s := New(Options{Local: local})

	require.Equal(t, []string{root.ID, newer.ID}, ids(s.ActivePath()))
}

func TestActivePath_Deterministic(t *testing.T) {
	s, _ := newTestStore(t)
	q, _ := s.AppendToPath(RoleUser, "q", nil)
	a, _ := s.AppendToPath(RoleAssistant, "a", nil)
	_, err := s.Branch(a.ID, NewMessage(RoleAssistant, "b"))
	require.NoError(t, err)
	s.SelectBranch(q.ID, 0)

	first := ids(s.ActivePath())
	for i := 0; i < 5; i++ {
		require.Equal(t, first, ids(s.ActivePath()))
	}
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func strPtr(s string) *string { return &s }

func TestSnapshot_RoundTrip(t *testing.T) {
	s, local := newTestStore(t)

	q, _ := s.AppendToPath(RoleUser, "question", []string{"data:image/png;base64,AAAA"})
	a1, _ := s.AppendToPath(RoleAssistant, "one", nil)
	_, err := s.Branch(a1.ID, NewMessage(RoleAssistant, "two"))
	require.NoError(t, err)
	s.SelectBranch(q.ID, 0)
	s.SetModel("anthropic/claude-3.5-sonnet")
	s.SetVoiceEnabled(true)

	data, err := json.Marshal(local.snap)
	require.NoError(t, err)
	var decoded Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))

	restored := New(Options{Local: &memLocal{snap: &decoded}})
	require.Equal(t, s.CurrentID(), restored.CurrentID())
	require.Equal(t, "anthropic/claude-3.5-sonnet", restored.CurrentModel())
	require.True(t, restored.VoiceEnabled())
	require.Equal(t, ids(s.ActivePath()), ids(restored.ActivePath()))
	require.Equal(t, s.Current().Messages, restored.Current().Messages)
}

func TestSnapshot_JSONFieldNames(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.AppendToPath(RoleUser, "hi", nil)
	require.NoError(t, err)

	data, err := json.Marshal(s.Snapshot())
	require.NoError(t, err)
	for _, field := range []string{`"conversations"`, `"currentConversationId"`, `"currentModel"`, `"voiceEnabled"`, `"parentId":null`, `"createdAt"`, `"updatedAt"`} {
		require.Contains(t, string(data), field)
	}
}

func TestLoad_MigratesLinearHistory(t *testing.T) {
	msgs := []Message{
		{ID: "m1", Role: RoleUser, Content: "one", Timestamp: 1},
		{ID: "m2", Role: RoleAssistant, Content: "two", Timestamp: 2},
		{ID: "m3", Role: RoleUser, Content: "three", Timestamp: 3},
	}
	local := &memLocal{snap: &Snapshot{
		Conversations:         []Conversation{{ID: "legacy", Messages: msgs}},
		CurrentConversationID: strPtr("legacy"),
	}}

	s := New(Options{Local: local})
	require.Equal(t, []string{"m1", "m2", "m3"}, ids(s.ActivePath()))
}

func TestLocalSaveFailureKeepsState(t *testing.T) {
	local := &memLocal{fail: true}
	s := New(Options{Local: local, Now: fakeClock()})

	_, err := s.AppendToPath(RoleUser, "still here", nil)
	require.NoError(t, err)
	require.Len(t, s.ActivePath(), 1)
}

func TestRemoteMirror(t *testing.T) {
	remote := &memRemote{}
	s := New(Options{Local: &memLocal{}, Remote: remote, UserID: "user-1", Now: fakeClock()})

	_, err := s.AppendToPath(RoleUser, "synced", nil)
	require.NoError(t, err)
	id := s.CurrentID()

	require.Contains(t, remote.puts, id)
	require.Equal(t, "user-1", *remote.puts[id].UserID)

	require.NoError(t, s.DeleteConversation(id))
	require.Equal(t, []string{id}, remote.deletes)
}

func TestRemoteFailureDoesNotBlock(t *testing.T) {
	remote := &memRemote{err: errors.New("unavailable")}
	s := New(Options{Local: &memLocal{}, Remote: remote, UserID: "user-1", Now: fakeClock()})

	_, err := s.AppendToPath(RoleUser, "local only", nil)
	require.NoError(t, err)
	require.Len(t, s.ActivePath(), 1)
	require.NoError(t, s.DeleteConversation(s.CurrentID()))
}

func TestRemoteSkippedWithoutUser(t *testing.T) {
	remote := &memRemote{}
	s := New(Options{Local: &memLocal{}, Remote: remote, Now: fakeClock()})

	_, err := s.AppendToPath(RoleUser, "anonymous", nil)
	require.NoError(t, err)
	require.Empty(t, remote.puts)
	require.Nil(t, s.Current().UserID)
}

func TestImport(t *testing.T) {
	s, _ := newTestStore(t)
	local := s.CreateConversation()

	n := s.Import([]Conversation{
		{ID: "remote-1", Title: "From elsewhere", Messages: []Message{}, UpdatedAt: 5},
		{ID: local, Title: "stale", UpdatedAt: 1},
	})
	require.Equal(t, 1, n)

	got, err := s.Get("remote-1")
	require.NoError(t, err)
	require.Equal(t, "From elsewhere", got.Title)

	mine, err := s.Get(local)
	require.NoError(t, err)
	require.Equal(t, DefaultTitle, mine.Title)
}
