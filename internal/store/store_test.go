package store

import (
	"testing"
	"time"

	"sverka/internal/models"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func msg(sender, content string, at time.Time) models.Message {
	return models.Message{SenderUsername: sender, Content: content, CreatedAt: at}
}

func TestOpenProvisionalReusesExisting(t *testing.T) {
	s := New()

	first := s.OpenProvisional([]string{"alice", "bob"}, "", base)
	second := s.OpenProvisional([]string{"bob", "alice"}, "", base.Add(time.Minute))

	if first.Key != second.Key {
		t.Fatalf("expected one conversation per participant set, got %v and %v", first.Key, second.Key)
	}
	if !first.Key.Provisional() {
		t.Fatalf("expected a provisional key, got %v", first.Key)
	}

	found, ok := s.FindByParticipants([]string{"bob", "alice"})
	if !ok || found.Key != first.Key {
		t.Fatalf("lookup by participant set failed: %v ok=%v", found.Key, ok)
	}
}

func TestProvisionalHiddenUntilFirstMessage(t *testing.T) {
	s := New()

	c := s.OpenProvisional([]string{"alice", "bob"}, "", base)
	if got := len(s.Conversations()); got != 0 {
		t.Fatalf("provisional conversation visible before first message: %d threads", got)
	}

	if _, err := s.Append(c.Key, msg("alice", "hi", base)); err != nil {
		t.Fatal(err)
	}
	if got := len(s.Conversations()); got != 1 {
		t.Fatalf("expected 1 visible thread after first message, got %d", got)
	}
}

func TestAppendDeduplicatesKeepingLength(t *testing.T) {
	s := New()
	c := s.OpenProvisional([]string{"alice", "bob"}, "", base)

	if _, err := s.Append(c.Key, msg("alice", "hi", base)); err != nil {
		t.Fatal(err)
	}

	// Server echo of the optimistic message, authoritative timestamp.
	replaced, err := s.Append(c.Key, msg("alice", "hi", base.Add(time.Second)))
	if err != nil {
		t.Fatal(err)
	}
	if !replaced {
		t.Fatal("expected the echo to replace the optimistic copy")
	}

	msgs := s.Messages(c.Key)
	if len(msgs) != 1 {
		t.Fatalf("expected history length 1, got %d", len(msgs))
	}
	if !msgs[0].CreatedAt.Equal(base.Add(time.Second)) {
		t.Fatalf("expected the authoritative timestamp to win, got %v", msgs[0].CreatedAt)
	}
}

func TestAppendSameContentDifferentSenderKept(t *testing.T) {
	s := New()
	c := s.OpenProvisional([]string{"alice", "bob"}, "", base)

	_, _ = s.Append(c.Key, msg("alice", "hi", base))
	replaced, _ := s.Append(c.Key, msg("bob", "hi", base.Add(time.Second)))
	if replaced {
		t.Fatal("messages from different senders must not deduplicate")
	}
	if got := len(s.Messages(c.Key)); got != 2 {
		t.Fatalf("expected 2 messages, got %d", got)
	}
}

func TestPromoteReplacesProvisionalInPlace(t *testing.T) {
	s := New()

	// Two visible threads; the provisional one is the most recent.
	old, _ := s.Promote(models.Conversation{
		Key:          models.ConfirmedKey("c-old"),
		Participants: []string{"alice", "carol"},
	}, base)
	_, _ = s.Append(old, msg("carol", "yo", base))

	prov := s.OpenProvisional([]string{"alice", "bob"}, "", base.Add(time.Minute))
	_, _ = s.Append(prov.Key, msg("alice", "hi", base.Add(time.Minute)))

	confirmed := models.Conversation{
		Key:          models.ConfirmedKey("c-new"),
		Participants: []string{"bob", "alice"},
		CreatedAt:    base.Add(time.Minute),
	}
	key, promoted := s.Promote(confirmed, base.Add(2*time.Minute))
	if !promoted {
		t.Fatal("expected the provisional conversation to be promoted")
	}
	if key != confirmed.Key {
		t.Fatalf("expected confirmed key %v, got %v", confirmed.Key, key)
	}

	if _, ok := s.Get(prov.Key); ok {
		t.Fatal("provisional key still present after promotion")
	}
	msgs := s.Messages(key)
	if len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Fatalf("history not migrated: %v", msgs)
	}

	convs := s.Conversations()
	if len(convs) != 2 {
		t.Fatalf("promotion changed thread count: %d", len(convs))
	}
	if convs[0].Key != key {
		t.Fatalf("promoted thread lost its position, got %v first", convs[0].Key)
	}
}

func TestPromoteKnownConfirmedIsIdempotent(t *testing.T) {
	s := New()

	conv := models.Conversation{
		Key:          models.ConfirmedKey("c1"),
		Participants: []string{"alice", "bob"},
	}
	k1, _ := s.Promote(conv, base)
	_, _ = s.Append(k1, msg("bob", "hi", base))

	k2, promoted := s.Promote(conv, base.Add(time.Minute))
	if promoted {
		t.Fatal("re-promoting a known conversation must not count as promotion")
	}
	if k1 != k2 {
		t.Fatalf("keys differ: %v vs %v", k1, k2)
	}
	if got := len(s.Conversations()); got != 1 {
		t.Fatalf("expected 1 thread, got %d", got)
	}

	got, _ := s.Get(k1)
	if !got.LastMessageAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("LastMessageAt not bumped: %v", got.LastMessageAt)
	}
}

func TestReplaceAllSortsHistoryAndThreads(t *testing.T) {
	s := New()
	// Pre-existing state must be dropped entirely.
	stale := s.OpenProvisional([]string{"alice", "zed"}, "", base)
	_, _ = s.Append(stale.Key, msg("alice", "stale", base))

	id1, id2, id3 := "c1", "c2", "c3"
	t1, t2 := base.Add(time.Hour), base.Add(2*time.Hour)
	s.ReplaceAll([]models.ConversationMessages{
		{
			Conversation: models.WireConversation{ConversationID: id1, Participants: []string{"alice", "bob"}, LastMessageAt: &t1},
			Messages: []models.Message{
				msg("bob", "second", base.Add(time.Minute)),
				msg("alice", "first", base),
			},
		},
		{
			Conversation: models.WireConversation{ConversationID: id2, Participants: []string{"alice", "carol"}, LastMessageAt: &t2},
		},
		{
			Conversation: models.WireConversation{ConversationID: id3, Participants: []string{"alice", "dave"}},
		},
	})

	convs := s.Conversations()
	if len(convs) != 3 {
		t.Fatalf("expected 3 threads, got %d", len(convs))
	}
	// Newest activity first, threads without messages last.
	if convs[0].Key.ID != id2 || convs[1].Key.ID != id1 || convs[2].Key.ID != id3 {
		t.Fatalf("wrong thread order: %v %v %v", convs[0].Key, convs[1].Key, convs[2].Key)
	}

	msgs := s.Messages(models.ConfirmedKey(id1))
	if len(msgs) != 2 || msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Fatalf("history not ascending: %v", msgs)
	}

	if _, ok := s.Get(stale.Key); ok {
		t.Fatal("bootstrap kept stale state")
	}
}

func TestFriendOps(t *testing.T) {
	s := New()

	if !s.AddFriend("bob") {
		t.Fatal("first add should report true")
	}
	if s.AddFriend("bob") {
		t.Fatal("duplicate add should report false")
	}
	s.SetFriends([]string{"x", "y"})
	s.SetFriends([]string{"x", "y", "z"})
	if got := s.Friends(); len(got) != 3 {
		t.Fatalf("authoritative replace failed: %v", got)
	}
	s.RemoveFriend("y")
	if got := s.Friends(); len(got) != 2 || got[0] != "x" || got[1] != "z" {
		t.Fatalf("remove failed: %v", got)
	}

	if !s.AddPending("carol") || s.AddPending("carol") {
		t.Fatal("pending add must be idempotent")
	}
	s.RemovePending("carol")
	if got := s.Pending(); len(got) != 0 {
		t.Fatalf("pending not removed: %v", got)
	}
}

func TestClear(t *testing.T) {
	s := New()
	c := s.OpenProvisional([]string{"alice", "bob"}, "", base)
	_, _ = s.Append(c.Key, msg("alice", "hi", base))
	s.AddFriend("bob")
	s.AddPending("carol")

	s.Clear()

	if len(s.Conversations()) != 0 || len(s.Friends()) != 0 || len(s.Pending()) != 0 {
		t.Fatal("clear left state behind")
	}
}
