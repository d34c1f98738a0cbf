// Package store holds the in-memory conversation state for one viewer
// session. It is the single source of truth for rendered UI: transports
// write into it, UI consumers read snapshots and subscribe to changes.
package store

import (
	"errors"
	"slices"
	"sync"

	"github.com/adi-253/Haven/backend/internal/models"
)

var (
	// ErrDuplicateConversation is returned by AddConversation when the id is
	// already present. Callers check for an existing conversation first.
	ErrDuplicateConversation = errors.New("store: conversation already exists")

	// ErrConversationNotFound is returned by Update for unknown ids.
	ErrConversationNotFound = errors.New("store: conversation not found")
)

// Listener is invoked synchronously after every mutation.
type Listener func(models.Change)

type entry struct {
	conv     models.Conversation
	messages []models.Message

	// synced is set once messages holds a full fetch rather than only
	// pushed messages.
	synced bool
}

type subscription struct {
	id uint64
	fn Listener
}

// Store maps conversation id to its conversation, cached messages, unread
// count and typing users, plus the parallel message list of the
// conversation currently on screen.
type Store struct {
	mu sync.RWMutex

	viewerID int64
	order    []int64
	entries  map[int64]*entry

	// activeID is the conversation being viewed, 0 for none
	activeID int64
	active   []models.Message

	listeners []subscription
	nextID    uint64
}

// New creates a store for viewerID seeded with initial.
func New(viewerID int64, initial []models.Conversation) *Store {
	s := &Store{
		viewerID: viewerID,
		entries:  make(map[int64]*entry),
	}
	s.replace(initial)
	return s
}

// ViewerID returns the user this store renders for.
func (s *Store) ViewerID() int64 {
	return s.viewerID
}

// Subscribe registers l and returns a function that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, subscription{id: id, fn: l})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.listeners = slices.DeleteFunc(s.listeners, func(sub subscription) bool {
				return sub.id == id
			})
		})
	}
}

// notify must be called without holding mu so listeners can read the store.
func (s *Store) notify(change models.Change) {
	s.mu.RLock()
	subs := slices.Clone(s.listeners)
	s.mu.RUnlock()

	for _, sub := range subs {
		sub.fn(change)
	}
}

// SetConversations replaces the conversation list. Membership, status and
// unread counts come from list; cached messages and typing users of
// conversations that survive the replace are kept.
func (s *Store) SetConversations(list []models.Conversation) {
	s.mu.Lock()
	s.replace(list)
	s.mu.Unlock()
	s.notify(models.Change{Kind: models.ChangeReplaced})
}

func (s *Store) replace(list []models.Conversation) {
	entries := make(map[int64]*entry, len(list))
	order := make([]int64, 0, len(list))
	for _, conv := range list {
		if _, dup := entries[conv.ID]; dup {
			continue
		}
		e := &entry{conv: conv}
		if old, ok := s.entries[conv.ID]; ok {
			e.messages = old.messages
			e.synced = old.synced
			if e.conv.Typing == nil {
				e.conv.Typing = old.conv.Typing
			}
		}
		entries[conv.ID] = e
		order = append(order, conv.ID)
	}
	s.entries = entries
	s.order = order

	if _, ok := s.entries[s.activeID]; !ok {
		s.activeID = 0
		s.active = nil
	}
}

// AddConversation inserts a newly created conversation at the head of the list.
func (s *Store) AddConversation(conv models.Conversation) error {
	s.mu.Lock()
	if _, ok := s.entries[conv.ID]; ok {
		s.mu.Unlock()
		return ErrDuplicateConversation
	}
	s.entries[conv.ID] = &entry{conv: conv}
	s.order = append([]int64{conv.ID}, s.order...)
	s.mu.Unlock()

	s.notify(models.Change{Kind: models.ChangeAdded, ConversationID: conv.ID})
	return nil
}

// MarkConversationAsRead zeroes the unread counter and flags every message
// from the other party as read. Unknown ids are ignored.
func (s *Store) MarkConversationAsRead(id int64) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.conv.UnreadCount = 0
	markForeignRead(e.messages, s.viewerID)
	if id == s.activeID {
		markForeignRead(s.active, s.viewerID)
	}
	s.mu.Unlock()

	s.notify(models.Change{Kind: models.ChangeUpdated, ConversationID: id})
}

func markForeignRead(msgs []models.Message, viewerID int64) {
	for i := range msgs {
		if msgs[i].SenderID != viewerID {
			msgs[i].Read = true
		}
	}
}

// CloseConversation sets the status to ended.
func (s *Store) CloseConversation(id int64) {
	_, _ = s.SetStatus(id, models.StatusEnded)
}

// ReopenConversation sets the status to open.
func (s *Store) ReopenConversation(id int64) {
	_, _ = s.SetStatus(id, models.StatusOpen)
}

// SetStatus sets the status and returns the previous one. The message list
// is not touched.
func (s *Store) SetStatus(id int64, status models.ConversationStatus) (models.ConversationStatus, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return "", ErrConversationNotFound
	}
	prev := e.conv.Status
	e.conv.Status = status
	s.mu.Unlock()

	s.notify(models.Change{Kind: models.ChangeUpdated, ConversationID: id})
	return prev, nil
}

// Removed is what DeleteConversation took out, enough to put it back.
type Removed struct {
	entry entry
	index int
}

// ConversationID returns the id of the removed conversation.
func (r Removed) ConversationID() int64 {
	return r.entry.conv.ID
}

// DeleteConversation removes id from the list. Absent ids are a no-op and
// report false.
func (s *Store) DeleteConversation(id int64) (Removed, bool) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return Removed{}, false
	}
	idx := slices.Index(s.order, id)
	removed := Removed{entry: *e, index: idx}
	delete(s.entries, id)
	if idx >= 0 {
		s.order = slices.Delete(s.order, idx, idx+1)
	}
	if s.activeID == id {
		s.activeID = 0
		s.active = nil
	}
	s.mu.Unlock()

	s.notify(models.Change{Kind: models.ChangeRemoved, ConversationID: id})
	return removed, true
}

// Restore puts back a conversation taken out by DeleteConversation at its
// old position. It does nothing if the id has been re-added since.
func (s *Store) Restore(r Removed) {
	id := r.entry.conv.ID
	s.mu.Lock()
	if _, ok := s.entries[id]; ok {
		s.mu.Unlock()
		return
	}
	e := r.entry
	s.entries[id] = &e
	idx := min(max(r.index, 0), len(s.order))
	s.order = slices.Insert(s.order, idx, id)
	s.mu.Unlock()

	s.notify(models.Change{Kind: models.ChangeAdded, ConversationID: id})
}

// Tx is the mutable view handed to Update callbacks. Messages and
// ActiveMessages are private copies; the store adopts them only when the
// callback reports a change.
type Tx struct {
	ViewerID     int64
	Conversation models.Conversation
	Messages     []models.Message

	// Active is true when the conversation is the one on screen, in which
	// case ActiveMessages holds the rendered list.
	Active         bool
	ActiveMessages []models.Message

	// Synced reports whether Messages came from a full fetch. Setting it
	// marks the cache complete.
	Synced bool
}

// Update runs fn against conversation id as one atomic mutation. When fn
// returns true the result is stored and listeners receive a change of kind.
func (s *Store) Update(id int64, kind models.ChangeKind, fn func(*Tx) bool) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	tx := &Tx{
		ViewerID:     s.viewerID,
		Conversation: e.conv,
		Messages:     slices.Clone(e.messages),
		Active:       id == s.activeID,
		Synced:       e.synced,
	}
	if tx.Active {
		tx.ActiveMessages = slices.Clone(s.active)
	}
	changed := fn(tx)
	if changed {
		tx.Conversation.ID = id
		e.conv = tx.Conversation
		e.messages = tx.Messages
		e.synced = e.synced || tx.Synced
		if tx.Active {
			s.active = tx.ActiveMessages
		}
	}
	s.mu.Unlock()

	if changed {
		s.notify(models.Change{Kind: kind, ConversationID: id})
	}
	return nil
}

// SetActive marks id as the conversation on screen and seeds the rendered
// list from its cache. 0 clears the active conversation.
func (s *Store) SetActive(id int64) {
	s.mu.Lock()
	if e, ok := s.entries[id]; ok {
		s.activeID = id
		s.active = slices.Clone(e.messages)
	} else {
		s.activeID = 0
		s.active = nil
	}
	active := s.activeID
	s.mu.Unlock()

	s.notify(models.Change{Kind: models.ChangeActive, ConversationID: active})
}

// Active returns the conversation on screen, 0 for none.
func (s *Store) Active() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// Synced reports whether the cached messages of id came from a full fetch.
func (s *Store) Synced(id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return ok && e.synced
}

// ActiveMessages returns a copy of the rendered message list.
func (s *Store) ActiveMessages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.active)
}

// SetTyping records user as typing in conversation id.
func (s *Store) SetTyping(id int64, user models.TypingUser) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	typing := slices.DeleteFunc(slices.Clone(e.conv.Typing), func(u models.TypingUser) bool {
		return u.UserID == user.UserID
	})
	e.conv.Typing = append(typing, user)
	s.mu.Unlock()

	s.notify(models.Change{Kind: models.ChangeTyping, ConversationID: id})
}

// ClearTyping removes userID from the typing users of conversation id.
func (s *Store) ClearTyping(id, userID int64) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	n := len(e.conv.Typing)
	e.conv.Typing = slices.DeleteFunc(slices.Clone(e.conv.Typing), func(u models.TypingUser) bool {
		return u.UserID == userID
	})
	if len(e.conv.Typing) == 0 {
		e.conv.Typing = nil
	}
	cleared := len(e.conv.Typing) != n
	s.mu.Unlock()

	if cleared {
		s.notify(models.Change{Kind: models.ChangeTyping, ConversationID: id})
	}
}

// Conversations returns the conversation list in display order.
func (s *Store) Conversations() []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, copyConversation(s.entries[id].conv))
	}
	return out
}

// Conversation returns a single conversation.
func (s *Store) Conversation(id int64) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return models.Conversation{}, false
	}
	return copyConversation(e.conv), true
}

// Messages returns a copy of the cached messages of conversation id.
func (s *Store) Messages(id int64) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	return slices.Clone(e.messages)
}

// View returns a render-ready conversation with its messages.
func (s *Store) View(id int64) (models.ConversationView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return models.ConversationView{}, false
	}
	return models.ConversationView{
		Conversation: copyConversation(e.conv),
		Messages:     slices.Clone(e.messages),
	}, true
}

// FindByCounterpart returns the first conversation between the viewer and
// userID, preferring open ones.
func (s *Store) FindByCounterpart(userID int64) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.Conversation
	for _, id := range s.order {
		c := s.entries[id].conv
		if c.Counterpart(s.viewerID) != userID {
			continue
		}
		if c.Status == models.StatusOpen {
			return copyConversation(c), true
		}
		if found == nil {
			found = &c
		}
	}
	if found == nil {
		return models.Conversation{}, false
	}
	return copyConversation(*found), true
}

func copyConversation(c models.Conversation) models.Conversation {
	c.Typing = slices.Clone(c.Typing)
	return c
}
