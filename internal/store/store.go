// Package store is the client-side source of truth for conversations
// and their message lists. All shared state lives behind the store's
// mutex and is mutated only through the entry points below, so cache
// invariants (no duplicate canonical ids, unread accounting, activity
// ordering) are enforced in one place.
package store

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/worklane/chatsync/internal/models"
)

type entry struct {
	conv   models.Conversation
	seq    uint64 // insertion order, tie-break for equal activity times
	msgs   []models.Message
	loaded bool // full history fetched at least once
}

// Store caches conversations and per-conversation message lists.
type Store struct {
	mu     sync.RWMutex
	selfID uuid.UUID
	seq    uint64
	convs  map[uuid.UUID]*entry
	active uuid.UUID
}

// New creates an empty store. selfID is the local user; messages they
// sent never count toward unread totals.
func New(selfID uuid.UUID) *Store {
	return &Store{
		selfID: selfID,
		convs:  make(map[uuid.UUID]*entry),
	}
}

// ListConversations returns the cached conversations sorted descending
// by last activity; ties keep insertion order.
func (s *Store) ListConversations() []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*entry, 0, len(s.convs))
	for _, e := range s.convs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].conv.LastActivityAt.After(entries[j].conv.LastActivityAt)
	})

	out := make([]models.Conversation, len(entries))
	for i, e := range entries {
		out[i] = e.conv
	}
	return out
}

// SelectConversation marks id as active and resets its unread count.
// It returns the cached messages and whether the history has been
// loaded; a false return tells the caller to trigger a fetch.
func (s *Store) SelectConversation(id uuid.UUID) ([]models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = id
	e, ok := s.convs[id]
	if !ok {
		return nil, false
	}
	e.conv.UnreadCount = 0
	return copyMessages(e.msgs), e.loaded
}

// ActiveConversation returns the currently selected conversation id,
// or uuid.Nil when none is selected.
func (s *Store) ActiveConversation() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// GetMessages returns the cached message list for id. It never fetches.
func (s *Store) GetMessages(id uuid.UUID) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.convs[id]
	if !ok {
		return nil
	}
	return copyMessages(e.msgs)
}

// GetConversation returns the cached conversation by id.
func (s *Store) GetConversation(id uuid.UUID) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.convs[id]
	if !ok {
		return models.Conversation{}, false
	}
	return e.conv, true
}

// ApplyConversation upserts a canonical conversation record. The local
// message cache and unread state of the active conversation survive.
func (s *Store) ApplyConversation(conv models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyConversation(conv)
}

// ApplyConversations upserts the full list from a fetch.
func (s *Store) ApplyConversations(convs []models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range convs {
		s.applyConversation(conv)
	}
}

func (s *Store) applyConversation(conv models.Conversation) {
	if conv.ID == s.active {
		conv.UnreadCount = 0
	}
	if e, ok := s.convs[conv.ID]; ok {
		e.conv = conv
		return
	}
	s.seq++
	s.convs[conv.ID] = &entry{conv: conv, seq: s.seq}
}

// ApplyInboundMessage appends or updates (by canonical id) a message in
// its conversation's cache. Applying the same canonical id twice is an
// update, never a duplicate. New messages into a non-active
// conversation from a peer bump its unread count by exactly one; the
// conversation preview and last-activity timestamp follow the message.
func (s *Store) ApplyInboundMessage(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.convs[msg.ConversationID]
	if !ok {
		// first sight of this conversation, create a skeleton record
		s.seq++
		e = &entry{
			conv: models.Conversation{
				ID:             msg.ConversationID,
				CreatedAt:      msg.CreatedAt,
				LastActivityAt: msg.CreatedAt,
			},
			seq: s.seq,
		}
		s.convs[msg.ConversationID] = e
	}

	if i := indexOfID(e.msgs, msg.ID); i >= 0 {
		e.msgs[i] = msg
		return
	}
	// a pending entry for the same send may already hold the spot
	if msg.TempID != uuid.Nil {
		if i := indexOfTemp(e.msgs, msg.TempID); i >= 0 {
			e.msgs[i] = msg
			return
		}
	}

	e.msgs = append(e.msgs, msg)
	if msg.ConversationID != s.active && msg.SenderID != s.selfID {
		e.conv.UnreadCount++
	}
	e.conv.LastMessage = msg.Body
	if msg.CreatedAt.After(e.conv.LastActivityAt) {
		e.conv.LastActivityAt = msg.CreatedAt
	}
}

// SetMessages replaces a conversation's history with the canonical
// list from a fetch. Local entries still in flight or errored keep
// their place at the tail so an in-progress send survives a reload.
func (s *Store) SetMessages(id uuid.UUID, msgs []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.convs[id]
	if !ok {
		s.seq++
		e = &entry{conv: models.Conversation{ID: id}, seq: s.seq}
		s.convs[id] = e
	}

	fresh := make([]models.Message, 0, len(msgs))
	seen := make(map[uuid.UUID]struct{}, len(msgs))
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		fresh = append(fresh, m)
	}

	for _, m := range e.msgs {
		if m.Status != models.StatusSending && m.Status != models.StatusError {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		fresh = append(fresh, m)
	}

	e.msgs = fresh
	e.loaded = true

	if n := len(msgs); n > 0 {
		last := msgs[n-1]
		e.conv.LastMessage = last.Body
		if last.CreatedAt.After(e.conv.LastActivityAt) {
			e.conv.LastActivityAt = last.CreatedAt
		}
	}
}

// UpdateConversation applies fn to the cached conversation under the
// store lock. It reports whether the conversation was found.
func (s *Store) UpdateConversation(id uuid.UUID, fn func(*models.Conversation)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.convs[id]
	if !ok {
		return false
	}
	fn(&e.conv)
	if e.conv.ID == s.active {
		e.conv.UnreadCount = 0
	}
	return true
}

// RemoveConversation drops a conversation and its message cache.
// Removing the active conversation clears the selection.
func (s *Store) RemoveConversation(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.convs, id)
	if s.active == id {
		s.active = uuid.Nil
	}
}

// InsertPending appends an optimistic, still-sending message. The
// conversation's preview and activity timestamp are left alone until
// the server confirms the send, so a failed send never reorders the
// conversation list.
func (s *Store) InsertPending(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.convs[msg.ConversationID]
	if !ok {
		s.seq++
		e = &entry{
			conv: models.Conversation{
				ID:             msg.ConversationID,
				CreatedAt:      msg.CreatedAt,
				LastActivityAt: msg.CreatedAt,
			},
			seq: s.seq,
		}
		s.convs[msg.ConversationID] = e
	}
	e.msgs = append(e.msgs, msg)
}

// ResolvePending replaces the optimistic entry for tempID with the
// canonical record, in place. If the canonical id already landed via a
// push, the duplicate is collapsed so exactly one entry remains. It
// reports whether anything was reconciled.
func (s *Store) ResolvePending(convID, tempID uuid.UUID, canonical models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.convs[convID]
	if !ok {
		return false
	}

	ti := indexOfTemp(e.msgs, tempID)
	ci := indexOfID(e.msgs, canonical.ID)

	switch {
	case ti >= 0:
		e.msgs[ti] = canonical
		if ci >= 0 && ci != ti {
			e.msgs = append(e.msgs[:ci], e.msgs[ci+1:]...)
		}
	case ci >= 0:
		e.msgs[ci] = canonical
	default:
		return false
	}

	e.conv.LastMessage = canonical.Body
	if canonical.CreatedAt.After(e.conv.LastActivityAt) {
		e.conv.LastActivityAt = canonical.CreatedAt
	}
	return true
}

// FailPending transitions the optimistic entry for tempID to error
// status, leaving it in place so the UI can offer a retry.
func (s *Store) FailPending(convID, tempID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.convs[convID]
	if !ok {
		return false
	}
	i := indexOfTemp(e.msgs, tempID)
	if i < 0 {
		return false
	}
	e.msgs[i].Status = models.StatusError
	return true
}

// RemoveMessage drops a message by canonical or temp id, used to
// discard a failed send.
func (s *Store) RemoveMessage(convID, id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.convs[convID]
	if !ok {
		return false
	}
	i := indexOfID(e.msgs, id)
	if i < 0 {
		i = indexOfTemp(e.msgs, id)
	}
	if i < 0 {
		return false
	}
	e.msgs = append(e.msgs[:i], e.msgs[i+1:]...)
	return true
}

func indexOfID(msgs []models.Message, id uuid.UUID) int {
	if id == uuid.Nil {
		return -1
	}
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func indexOfTemp(msgs []models.Message, tempID uuid.UUID) int {
	if tempID == uuid.Nil {
		return -1
	}
	for i := range msgs {
		if msgs[i].TempID == tempID {
			return i
		}
	}
	return -1
}

func copyMessages(msgs []models.Message) []models.Message {
	if msgs == nil {
		return nil
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out
}
