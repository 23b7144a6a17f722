package models

import (
	"errors"
	"sort"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

type KeyKind int

const (
	// KeyProvisional marks a conversation minted locally before the backend
	// has assigned it an identifier.
	KeyProvisional KeyKind = iota
	// KeyConfirmed marks a conversation whose identifier came from the backend.
	KeyConfirmed
)

// Key identifies a conversation on this client. It is stable for the
// lifetime of the client-side object: promotion swaps a provisional key for
// a confirmed one but never reuses a provisional id.
type Key struct {
	Kind KeyKind
	ID   string
}

func ProvisionalKey(id string) Key { return Key{Kind: KeyProvisional, ID: id} }

func ConfirmedKey(id string) Key { return Key{Kind: KeyConfirmed, ID: id} }

func (k Key) Provisional() bool { return k.Kind == KeyProvisional }

func (k Key) IsZero() bool { return k.ID == "" }

func (k Key) String() string {
	if k.Provisional() {
		return "provisional:" + k.ID
	}
	return k.ID
}

// Message is immutable once created. Two messages are the same logical
// message iff sender and content match; CreatedAt is excluded on purpose to
// tolerate clock skew between the optimistic and the server copy.
type Message struct {
	SenderUsername string    `json:"senderUsername"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (m Message) SameAs(other Message) bool {
	return m.SenderUsername == other.SenderUsername && m.Content == other.Content
}

// Conversation is a chat thread. Name is empty for direct chats; a zero
// LastMessageAt means no message has landed yet.
type Conversation struct {
	Key           Key
	Name          string
	Participants  []string
	CreatedAt     time.Time
	LastMessageAt time.Time
}

// NormalizeParticipants sorts and deduplicates a participant list so that
// set comparisons are order-independent.
func NormalizeParticipants(usernames []string) []string {
	seen := make(map[string]struct{}, len(usernames))
	out := make([]string, 0, len(usernames))
	for _, u := range usernames {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// SameParticipants reports whether both conversations cover the same set of
// users. Participant lists are kept normalized, so this is a plain
// element-wise comparison.
func (c Conversation) SameParticipants(other Conversation) bool {
	if len(c.Participants) != len(other.Participants) {
		return false
	}
	for i, p := range c.Participants {
		if other.Participants[i] != p {
			return false
		}
	}
	return true
}

func (c Conversation) Has(username string) bool {
	for _, p := range c.Participants {
		if p == username {
			return true
		}
	}
	return false
}

// DisplayName returns the group name, or for direct chats the other
// participant's username.
func (c Conversation) DisplayName(self string) string {
	if c.Name != "" {
		return c.Name
	}
	for _, p := range c.Participants {
		if p != self {
			return p
		}
	}
	return "Unknown"
}

type EventType string

// Event types carried over the streaming channel, discriminated by the
// "type" tag.
const (
	EventFriendRequest    EventType = "friend_request"
	EventFriendListUpdate EventType = "friend_list_update"
	EventMessage          EventType = "message"
	EventAllMessages      EventType = "all_messages"
)

// Friend is a single entry of an authoritative friend list snapshot.
type Friend struct {
	FriendUsername string `json:"friendusername"`
}

// WireConversation is the backend's conversation shape. It converts to the
// client-side Conversation with a confirmed key.
type WireConversation struct {
	ConversationID   string     `json:"conversationID"`
	ConversationName *string    `json:"conversationName"`
	Participants     []string   `json:"participants"`
	CreatedAt        time.Time  `json:"createdAt"`
	LastMessageAt    *time.Time `json:"lastMessageAt"`
}

func (w WireConversation) Conversation() Conversation {
	c := Conversation{
		Key:          ConfirmedKey(w.ConversationID),
		Participants: NormalizeParticipants(w.Participants),
		CreatedAt:    w.CreatedAt,
	}
	if w.ConversationName != nil {
		c.Name = *w.ConversationName
	}
	if w.LastMessageAt != nil {
		c.LastMessageAt = *w.LastMessageAt
	}
	return c
}

// ConversationMessages pairs a conversation with its full history, used by
// the bootstrap event.
type ConversationMessages struct {
	Conversation WireConversation `json:"conversation"`
	Messages     []Message        `json:"messages"`
}

// ServerEvent is the envelope for every event received over the streaming
// channel.
type ServerEvent struct {
	Type    EventType              `json:"type"`
	From    string                 `json:"from,omitempty"`
	Convo   *WireConversation      `json:"convo,omitempty"`
	Message *Message               `json:"message,omitempty"`
	Friends []Friend               `json:"friends,omitempty"`
	History []ConversationMessages `json:"convoAndMessages,omitempty"`
}

// ClientEvent is the envelope for every event sent over the streaming
// channel. For a message into a provisional conversation ConvoID is left
// empty, signaling that the backend must create the conversation.
type ClientEvent struct {
	Type           EventType `json:"type"`
	From           string    `json:"from,omitempty"`
	To             string    `json:"to,omitempty"`
	ConvoID        string    `json:"convoID,omitempty"`
	GroupName      string    `json:"groupName,omitempty"`
	Members        []string  `json:"members,omitempty"`
	MessageContent string    `json:"messageContent,omitempty"`
}
