// Package store is the in-memory source of truth for conversations, their
// message histories, the friend list and pending friend requests. The
// reconciliation engine is the only writer; the presentation layer reads
// snapshots.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sverka/internal/models"
)

type Store struct {
	mu       sync.RWMutex
	order    []models.Key
	convs    map[models.Key]*models.Conversation
	messages map[models.Key][]models.Message
	friends  []string
	pending  []string
}

func New() *Store {
	return &Store{
		convs:    make(map[models.Key]*models.Conversation),
		messages: make(map[models.Key][]models.Message),
	}
}

// FindByParticipants returns the conversation (provisional or confirmed)
// covering exactly the given participant set.
func (s *Store) FindByParticipants(participants []string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	probe := models.Conversation{Participants: models.NormalizeParticipants(participants)}
	if c := s.findBySet(probe); c != nil {
		return *c, true
	}
	return models.Conversation{}, false
}

// OpenProvisional returns the existing conversation for the participant set
// or mints a provisional one. At most one provisional exists per set:
// calling this twice for the same set yields the first conversation.
func (s *Store) OpenProvisional(participants []string, name string, now time.Time) models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	probe := models.Conversation{Participants: models.NormalizeParticipants(participants)}
	if c := s.findBySet(probe); c != nil {
		return *c
	}

	c := &models.Conversation{
		Key:          models.ProvisionalKey(uuid.NewString()),
		Name:         name,
		Participants: probe.Participants,
		CreatedAt:    now,
	}
	s.convs[c.Key] = c
	// Not surfaced in the ordered list yet: a provisional conversation
	// becomes a visible thread on its first message.
	return *c
}

// Promote absorbs a server-confirmed conversation:
//  1. a provisional conversation with the same participant set is replaced
//     in place, its message history migrated under the confirmed key;
//  2. an already known confirmed conversation only gets its LastMessageAt
//     bumped;
//  3. otherwise the confirmed conversation is inserted as new.
//
// at is the authoritative timestamp of the message that carried the
// confirmation; zero when promotion is not message-driven. The second
// return value reports whether a provisional conversation was replaced.
func (s *Store) Promote(confirmed models.Conversation, at time.Time) (models.Key, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	confirmed.Participants = models.NormalizeParticipants(confirmed.Participants)
	if at.After(confirmed.LastMessageAt) {
		confirmed.LastMessageAt = at
	}

	if existing, ok := s.convs[confirmed.Key]; ok {
		if confirmed.LastMessageAt.After(existing.LastMessageAt) {
			existing.LastMessageAt = confirmed.LastMessageAt
		}
		return existing.Key, false
	}

	if prov := s.findProvisionalBySet(confirmed); prov != nil {
		old := prov.Key
		c := confirmed
		s.convs[c.Key] = &c
		delete(s.convs, old)
		if msgs, ok := s.messages[old]; ok {
			s.messages[c.Key] = msgs
			delete(s.messages, old)
		}
		for i, k := range s.order {
			if k == old {
				s.order[i] = c.Key
			}
		}
		return c.Key, true
	}

	c := confirmed
	s.convs[c.Key] = &c
	s.order = append(s.order, c.Key)
	return c.Key, false
}

// Append adds a message to a conversation's history, deduplicating on
// (sender, content): a duplicate replaces the stored copy so the
// authoritative timestamp wins and the history length never changes.
// The second return value reports whether a duplicate was replaced.
func (s *Store) Append(key models.Key, msg models.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[key]
	if !ok {
		return false, models.ErrNotFound
	}

	replaced := false
	msgs := s.messages[key]
	for i := range msgs {
		if msgs[i].SameAs(msg) {
			msgs = append(msgs[:i], msgs[i+1:]...)
			replaced = true
			break
		}
	}
	s.messages[key] = append(msgs, msg)

	if msg.CreatedAt.After(c.LastMessageAt) {
		c.LastMessageAt = msg.CreatedAt
	}
	s.surface(key)
	return replaced, nil
}

// ReplaceAll rebuilds the store from a full-history bootstrap. Messages are
// ordered ascending by CreatedAt, conversations descending by
// LastMessageAt with absent timestamps last.
func (s *Store) ReplaceAll(items []models.ConversationMessages) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.order = s.order[:0]
	s.convs = make(map[models.Key]*models.Conversation, len(items))
	s.messages = make(map[models.Key][]models.Message, len(items))

	for _, item := range items {
		c := item.Conversation.Conversation()
		msgs := make([]models.Message, len(item.Messages))
		copy(msgs, item.Messages)
		sort.SliceStable(msgs, func(i, j int) bool {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		})
		s.convs[c.Key] = &c
		s.messages[c.Key] = msgs
		s.order = append(s.order, c.Key)
	}

	sort.SliceStable(s.order, func(i, j int) bool {
		return laterLastMessage(s.convs[s.order[i]], s.convs[s.order[j]])
	})
}

func (s *Store) Get(key models.Key) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.convs[key]; ok {
		return *c, true
	}
	return models.Conversation{}, false
}

// Conversations returns the visible thread list, newest activity first,
// threads without any message last.
func (s *Store) Conversations() []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Conversation, 0, len(s.order))
	for _, k := range s.order {
		if c, ok := s.convs[k]; ok {
			out = append(out, *c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return laterLastMessage(&out[i], &out[j])
	})
	return out
}

func (s *Store) Messages(key models.Key) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[key]
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out
}

// SetFriends replaces the friend list with an authoritative snapshot.
func (s *Store) SetFriends(friends []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.friends = append(s.friends[:0:0], friends...)
}

// AddFriend is idempotent; it reports whether the friend was added.
func (s *Store) AddFriend(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.friends {
		if f == username {
			return false
		}
	}
	s.friends = append(s.friends, username)
	return true
}

func (s *Store) RemoveFriend(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.friends = remove(s.friends, username)
}

func (s *Store) Friends() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.friends...)
}

// AddPending records an incoming friend request; duplicates are ignored.
func (s *Store) AddPending(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pending {
		if p == username {
			return false
		}
	}
	s.pending = append(s.pending, username)
	return true
}

func (s *Store) RemovePending(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = remove(s.pending, username)
}

func (s *Store) Pending() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.pending...)
}

// Clear drops everything; used on logout and terminal refresh failure.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.convs = make(map[models.Key]*models.Conversation)
	s.messages = make(map[models.Key][]models.Message)
	s.friends = nil
	s.pending = nil
}

// surface puts a conversation at the front of the thread list the first
// time it carries a message.
func (s *Store) surface(key models.Key) {
	for _, k := range s.order {
		if k == key {
			return
		}
	}
	s.order = append([]models.Key{key}, s.order...)
}

func (s *Store) findBySet(probe models.Conversation) *models.Conversation {
	// Prefer a confirmed conversation over a provisional one for the same set.
	var prov *models.Conversation
	for _, c := range s.convs {
		if !c.SameParticipants(probe) {
			continue
		}
		if !c.Key.Provisional() {
			return c
		}
		prov = c
	}
	return prov
}

func (s *Store) findProvisionalBySet(probe models.Conversation) *models.Conversation {
	for _, c := range s.convs {
		if c.Key.Provisional() && c.SameParticipants(probe) {
			return c
		}
	}
	return nil
}

func laterLastMessage(a, b *models.Conversation) bool {
	if b.LastMessageAt.IsZero() {
		return !a.LastMessageAt.IsZero()
	}
	if a.LastMessageAt.IsZero() {
		return false
	}
	return a.LastMessageAt.After(b.LastMessageAt)
}

func remove(list []string, item string) []string {
	out := list[:0]
	for _, v := range list {
		if v != item {
			out = append(out, v)
		}
	}
	return out
}
