// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrConversationNotFound is returned when a conversation id is unknown.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrMessageNotFound is returned when a message id is unknown.
	ErrMessageNotFound = errors.New("message not found")

	// ErrDuplicateMessage is returned when appending a message whose id is
	// already in the conversation.
	ErrDuplicateMessage = errors.New("duplicate message id")

	// ErrInvalidRole is returned when appending a message with an unknown role.
	ErrInvalidRole = errors.New("invalid message role")
)

// =============================================================================
// PERSISTENCE INTERFACES
// =============================================================================

// LocalStore persists the whole snapshot. Load returns an empty snapshot
// when nothing has been saved yet.
type LocalStore interface {
	Load() (*Snapshot, error)
	Save(snap *Snapshot) error
}

// RemoteStore mirrors individual conversations for a signed-in user.
type RemoteStore interface {
	PutConversation(ctx context.Context, userID string, conv *Conversation) error
	DeleteConversation(ctx context.Context, userID, conversationID string) error
}

// RemoteTimeout bounds one remote mirror call.
const RemoteTimeout = 5 * time.Second

// Options configures a Store.
type Options struct {
	Local        LocalStore
	Remote       RemoteStore
	UserID       string
	DefaultModel string
	Logger       *slog.Logger
	// Now overrides the clock.
	Now func() time.Time
}

// =============================================================================
// STORE
// =============================================================================

// thread indexes one conversation's message forest.
type thread struct {
	conv     *Conversation
	byID     map[string]int      // message id -> index in conv.Messages
	children map[string][]string // parent key -> child ids in insertion order
}

func parentKey(parentID *string) string {
	if parentID == nil || *parentID == "" {
		return RootKey
	}
	return *parentID
}

func newThread(conv *Conversation) *thread {
	t := &thread{conv: conv}
	t.reindex()
	return t
}

// reindex rebuilds the id and children indexes from the message list.
func (t *thread) reindex() {
	t.byID = make(map[string]int, len(t.conv.Messages))
	t.children = make(map[string][]string)
	for i := range t.conv.Messages {
		m := &t.conv.Messages[i]
		t.byID[m.ID] = i
		key := parentKey(m.ParentID)
		t.children[key] = append(t.children[key], m.ID)
	}
}

func (t *thread) message(id string) *Message {
	i, ok := t.byID[id]
	if !ok {
		return nil
	}
	return &t.conv.Messages[i]
}

// selected returns the selected child index for key, defaulting to the newest
// child and clamped into range. It returns -1 when key has no children.
func (t *thread) selected(key string) int {
	kids := t.children[key]
	if len(kids) == 0 {
		return -1
	}
	idx, ok := t.conv.BranchSelections[key]
	if !ok {
		return len(kids) - 1
	}
	return clamp(idx, len(kids))
}

func clamp(idx, n int) int {
	if idx < 0 {
		return 0
	}
	if idx >= n {
		return n - 1
	}
	return idx
}

// activePath walks from the root along the selected branches.
func (t *thread) activePath() []Message {
	var path []Message
	seen := make(map[string]bool)
	key := RootKey
	for {
		idx := t.selected(key)
		if idx < 0 {
			return path
		}
		id := t.children[key][idx]
		if seen[id] {
			return path
		}
		seen[id] = true
		path = append(path, t.message(id).clone())
		key = id
	}
}

// Store is the application state object for conversations. All methods are
// safe for concurrent use.
type Store struct {
	mu sync.Mutex

	order        []string // conversation ids, newest first
	threads      map[string]*thread
	currentID    string
	currentModel string
	voiceEnabled bool

	local  LocalStore
	remote RemoteStore
	userID string
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Store and loads the local snapshot, if any. A snapshot that
// cannot be read is logged and the store starts empty.
func New(opts Options) *Store {
	s := &Store{
		threads:      make(map[string]*thread),
		currentModel: opts.DefaultModel,
		local:        opts.Local,
		remote:       opts.Remote,
		userID:       opts.UserID,
		logger:       opts.Logger,
		now:          opts.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}

	if s.local != nil {
		snap, err := s.local.Load()
		if err != nil {
			s.logger.Warn("SNAPSHOT_LOAD_FAILED", "error", err)
		} else if snap != nil {
			s.restore(snap)
		}
	}
	return s
}

// restore replaces the in-memory state with snap.
func (s *Store) restore(snap *Snapshot) {
	s.order = s.order[:0]
	s.threads = make(map[string]*thread, len(snap.Conversations))

	for i := range snap.Conversations {
		conv := snap.Conversations[i].Clone()
		if conv.ID == "" || s.threads[conv.ID] != nil {
			continue
		}
		migrateLinear(conv)
		s.threads[conv.ID] = newThread(conv)
		s.order = append(s.order, conv.ID)
	}

	if snap.CurrentModel != "" {
		s.currentModel = snap.CurrentModel
	}
	s.voiceEnabled = snap.VoiceEnabled
	s.currentID = ""
	if snap.CurrentConversationID != nil && s.threads[*snap.CurrentConversationID] != nil {
		s.currentID = *snap.CurrentConversationID
	}

	s.logger.Debug("SNAPSHOT_LOADED", "conversations", len(s.order), "current", s.currentID)
}

// migrateLinear links a flat message list saved without parent ids into a
// single chain, so that older snapshots display in order.
func migrateLinear(conv *Conversation) {
	if len(conv.Messages) < 2 {
		return
	}
	for _, m := range conv.Messages {
		if m.ParentID != nil {
			return
		}
	}
	for i := 1; i < len(conv.Messages); i++ {
		conv.Messages[i] = conv.Messages[i].WithParent(conv.Messages[i-1].ID)
	}
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// CreateConversation inserts an empty conversation at the head of the list,
// makes it current and returns its id.
func (s *Store) CreateConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := newConversation(s.currentModel, s.now())
	if s.userID != "" {
		uid := s.userID
		conv.UserID = &uid
	}
	s.threads[conv.ID] = newThread(conv)
	s.order = append([]string{conv.ID}, s.order...)
	s.currentID = conv.ID

	s.persistLocked(conv)
	return conv.ID
}

// SelectConversation makes id the current conversation.
func (s *Store) SelectConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.threads[id] == nil {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	s.currentID = id
	if m := s.threads[id].conv.Model; m != "" {
		s.currentModel = m
	}
	s.persistLocked(nil)
	return nil
}

// Current returns a copy of the current conversation, or nil.
func (s *Store) Current() *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t := s.threads[s.currentID]; t != nil {
		return t.conv.Clone()
	}
	return nil
}

// CurrentID returns the current conversation id, or "".
func (s *Store) CurrentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID
}

// Get returns a copy of the conversation with the given id.
func (s *Store) Get(id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.threads[id]
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return t.conv.Clone(), nil
}

// Conversations lists metadata with pinned conversations first, then by most
// recent update.
func (s *Store) Conversations() []Meta {
	s.mu.Lock()
	defer s.mu.Unlock()

	metas := make([]Meta, 0, len(s.order))
	for _, id := range s.order {
		metas = append(metas, s.threads[id].conv.GetMeta())
	}
	sort.SliceStable(metas, func(i, j int) bool {
		if metas[i].Pinned != metas[j].Pinned {
			return metas[i].Pinned
		}
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})
	return metas
}

// RenameConversation sets the title of a conversation.
func (s *Store) RenameConversation(id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.threads[id]
	if t == nil {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if isBlank(title) {
		title = DefaultTitle
	}
	t.conv.Title = title
	s.touchLocked(t)
	s.persistLocked(t.conv)
	return nil
}

// TogglePin flips the pinned flag and returns the new value.
func (s *Store) TogglePin(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.threads[id]
	if t == nil {
		return false, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	t.conv.Pinned = !t.conv.Pinned
	s.persistLocked(t.conv)
	return t.conv.Pinned, nil
}

// DeleteConversation removes a conversation. If it was current, the next most
// recently updated conversation becomes current, or none.
func (s *Store) DeleteConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.threads[id] == nil {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	delete(s.threads, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	if s.currentID == id {
		s.currentID = ""
		var newest int64
		for _, oid := range s.order {
			if u := s.threads[oid].conv.UpdatedAt; s.currentID == "" || u > newest {
				s.currentID = oid
				newest = u
			}
		}
	}

	s.persistLocked(nil)
	s.mirrorDeleteLocked(id)
	return nil
}

// =============================================================================
// SETTINGS
// =============================================================================

// SetModel sets the model for new conversations and for the current one.
func (s *Store) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.currentModel = model
	var changed *Conversation
	if t := s.threads[s.currentID]; t != nil && t.conv.Model != model {
		t.conv.Model = model
		changed = t.conv
	}
	s.persistLocked(changed)
}

// CurrentModel returns the selected model.
func (s *Store) CurrentModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentModel
}

// SetVoiceEnabled stores the voice preference.
func (s *Store) SetVoiceEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.voiceEnabled == enabled {
		return
	}
	s.voiceEnabled = enabled
	s.persistLocked(nil)
}

// VoiceEnabled returns the voice preference.
func (s *Store) VoiceEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voiceEnabled
}

// =============================================================================
// MESSAGES
// =============================================================================

// AppendMessage appends msg to the current conversation, creating one if
// there is none. A missing id or timestamp is filled in. The parent, if set,
// must already be in the conversation. The new message becomes the selected
// branch under its parent.
func (s *Store) AppendMessage(msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.threads[s.currentID]
	if t == nil {
		conv := newConversation(s.currentModel, s.now())
		if s.userID != "" {
			uid := s.userID
			conv.UserID = &uid
		}
		t = newThread(conv)
		s.threads[conv.ID] = t
		s.order = append([]string{conv.ID}, s.order...)
		s.currentID = conv.ID
	}
	return s.appendLocked(t, msg)
}

// AppendToPath appends a message as the child of the last message on the
// active path of the current conversation.
func (s *Store) AppendToPath(role Role, content string, images []string) (Message, error) {
	s.mu.Lock()
	parent := ""
	if t := s.threads[s.currentID]; t != nil {
		if path := t.activePath(); len(path) > 0 {
			parent = path[len(path)-1].ID
		}
	}
	s.mu.Unlock()

	msg := NewMessage(role, content).WithParent(parent)
	msg.Images = images
	return s.AppendMessage(msg)
}

// Branch appends msg as a new sibling of the message siblingOf, for
// regenerating an answer or editing a prompt. The new branch is selected.
func (s *Store) Branch(siblingOf string, msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.threads[s.currentID]
	if t == nil {
		return Message{}, fmt.Errorf("%w: no current conversation", ErrConversationNotFound)
	}
	sib := t.message(siblingOf)
	if sib == nil {
		return Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, siblingOf)
	}
	return s.appendLocked(t, msg.WithParent(sib.Parent()))
}

func (s *Store) appendLocked(t *thread, msg Message) (Message, error) {
	if !msg.Role.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidRole, msg.Role)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, dup := t.byID[msg.ID]; dup {
		return Message{}, fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.ID)
	}
	if msg.ParentID != nil && *msg.ParentID == "" {
		msg.ParentID = nil
	}
	if msg.ParentID != nil && t.message(*msg.ParentID) == nil {
		return Message{}, fmt.Errorf("%w: parent %s", ErrMessageNotFound, *msg.ParentID)
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = s.now().UnixMilli()
	}

	key := parentKey(msg.ParentID)
	idx := len(t.children[key])
	msg.BranchIndex = &idx
	msg = msg.clone()

	t.conv.Messages = append(t.conv.Messages, msg)
	t.byID[msg.ID] = len(t.conv.Messages) - 1
	t.children[key] = append(t.children[key], msg.ID)
	t.conv.BranchSelections[key] = idx

	t.conv.updateTitle()
	s.touchLocked(t)
	s.persistLocked(t.conv)
	return msg.clone(), nil
}

// UpdateMessageContent replaces the content of a message in any
// conversation. Writing the content the message already has is a no-op.
func (s *Store) UpdateMessageContent(id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, m := s.findLocked(id)
	if m == nil {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if m.Content == content {
		return nil
	}
	m.Content = content
	t.conv.updateTitle()
	s.touchLocked(t)
	s.persistLocked(t.conv)
	return nil
}

// findLocked looks in the current conversation first, then in all others.
func (s *Store) findLocked(id string) (*thread, *Message) {
	if t := s.threads[s.currentID]; t != nil {
		if m := t.message(id); m != nil {
			return t, m
		}
	}
	for _, cid := range s.order {
		t := s.threads[cid]
		if m := t.message(id); m != nil {
			return t, m
		}
	}
	return nil, nil
}

// =============================================================================
// BRANCHES
// =============================================================================

// SelectBranch selects the index-th child of parentID ("" or RootKey for the
// root) in the current conversation. Out-of-range indexes are clamped; a
// parent without children is left alone.
func (s *Store) SelectBranch(parentID string, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.threads[s.currentID]
	if t == nil {
		return
	}
	key := parentID
	if key == "" {
		key = RootKey
	}
	n := len(t.children[key])
	if n == 0 {
		return
	}
	idx := clamp(index, n)
	if cur, ok := t.conv.BranchSelections[key]; ok && cur == idx {
		return
	}
	t.conv.BranchSelections[key] = idx
	s.persistLocked(t.conv)
}

// ActivePath returns the messages of the current conversation along the
// selected branches, root first. Each element's parent is the previous
// element.
func (s *Store) ActivePath() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.threads[s.currentID]
	if t == nil {
		return nil
	}
	return t.activePath()
}

// BranchInfo describes a message's position among its siblings.
type BranchInfo struct {
	ParentKey string
	Index     int
	Count     int
}

// Siblings returns the branch position of message id in the current
// conversation.
func (s *Store) Siblings(id string) (BranchInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.threads[s.currentID]
	if t == nil {
		return BranchInfo{}, fmt.Errorf("%w: no current conversation", ErrConversationNotFound)
	}
	m := t.message(id)
	if m == nil {
		return BranchInfo{}, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	key := parentKey(m.ParentID)
	kids := t.children[key]
	for i, kid := range kids {
		if kid == id {
			return BranchInfo{ParentKey: key, Index: i, Count: len(kids)}, nil
		}
	}
	return BranchInfo{}, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
}

// =============================================================================
// SNAPSHOT AND PERSISTENCE
// =============================================================================

// Snapshot returns a deep copy of the persisted state.
func (s *Store) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		Conversations: make([]Conversation, 0, len(s.order)),
		CurrentModel:  s.currentModel,
		VoiceEnabled:  s.voiceEnabled,
	}
	for _, id := range s.order {
		snap.Conversations = append(snap.Conversations, *s.threads[id].conv.Clone())
	}
	if s.currentID != "" {
		cur := s.currentID
		snap.CurrentConversationID = &cur
	}
	return snap
}

func (s *Store) touchLocked(t *thread) {
	now := s.now().UnixMilli()
	if now <= t.conv.UpdatedAt {
		now = t.conv.UpdatedAt + 1
	}
	t.conv.UpdatedAt = now
}

// persistLocked saves the snapshot locally and mirrors changed, if non-nil.
// Failures are logged and never undo the in-memory change.
func (s *Store) persistLocked(changed *Conversation) {
	if s.local != nil {
		if err := s.local.Save(s.snapshotLocked()); err != nil {
			s.logger.Warn("SNAPSHOT_SAVE_FAILED", "error", err)
		}
	}

	if changed == nil || s.remote == nil || s.userID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), RemoteTimeout)
	defer cancel()
	if err := s.remote.PutConversation(ctx, s.userID, changed.Clone()); err != nil {
		s.logger.Warn("REMOTE_SYNC_FAILED", "conversation", changed.ID, "error", err)
	}
}

func (s *Store) mirrorDeleteLocked(id string) {
	if s.remote == nil || s.userID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), RemoteTimeout)
	defer cancel()
	if err := s.remote.DeleteConversation(ctx, s.userID, id); err != nil {
		s.logger.Warn("REMOTE_DELETE_FAILED", "conversation", id, "error", err)
	}
}

// Import merges conversations from the remote store that are not known
// locally, or are newer than the local copy.
func (s *Store) Import(convs []Conversation) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	imported := 0
	for i := range convs {
		remote := convs[i].Clone()
		if local := s.threads[remote.ID]; local != nil && local.conv.UpdatedAt >= remote.UpdatedAt {
			continue
		}
		if remote.BranchSelections == nil {
			remote.BranchSelections = map[string]int{}
		}
		if s.threads[remote.ID] == nil {
			s.order = append(s.order, remote.ID)
		}
		s.threads[remote.ID] = newThread(remote)
		imported++
	}
	if imported > 0 {
		s.persistLocked(nil)
	}
	return imported
}
