package history

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/Moon-Spirit/Yueling/internal/localstore"
	"github.com/Moon-Spirit/Yueling/internal/protocol"
)

func newTestStore(t *testing.T) (*Store, *localstore.Store) {
	t.Helper()
	db, err := localstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open localstore: %v", err)
	}
	return NewStore(db), db
}

func chatMsg(sender, receiver, content string, ts int64) protocol.ChatMessage {
	return protocol.ChatMessage{
		Content:  content,
		Sender:   sender,
		Receiver: receiver,
		Ts:       ts,
		Kind:     protocol.MessageKindChat,
	}
}

func TestAppendAndRead(t *testing.T) {
	s, _ := newTestStore(t)

	s.Append(chatMsg("u1", "u2", "hello", 1))
	s.Append(chatMsg("u2", "u1", "hi", 2))
	s.Append(chatMsg("u1", "u2", "how are you?", 3))

	msgs := s.Read("u1", "u2")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "hello" || msgs[1].Content != "hi" || msgs[2].Content != "how are you?" {
		t.Errorf("messages out of order: %+v", msgs)
	}
}

func TestBothDirectionsShareOneSequence(t *testing.T) {
	s, _ := newTestStore(t)

	s.Append(chatMsg("u1", "u2", "ping", 1))
	s.Append(chatMsg("u2", "u1", "pong", 2))

	forward := s.Read("u1", "u2")
	backward := s.Read("u2", "u1")

	if len(forward) != 2 || len(backward) != 2 {
		t.Fatalf("expected both reads to see 2 messages, got %d and %d", len(forward), len(backward))
	}
	if forward[0] != backward[0] || forward[1] != backward[1] {
		t.Errorf("pair key is not unordered: %+v vs %+v", forward, backward)
	}
}

func TestWindowKeepsTailMostHundred(t *testing.T) {
	s, _ := newTestStore(t)

	total := MaxConversationMessages + 37
	for i := 1; i <= total; i++ {
		s.Append(chatMsg("u1", "u2", fmt.Sprintf("msg-%d", i), int64(i)))
	}

	msgs := s.Read("u1", "u2")
	if len(msgs) != MaxConversationMessages {
		t.Fatalf("expected %d messages, got %d", MaxConversationMessages, len(msgs))
	}

	// The retained window must be the most recent 100 in chronological order.
	for i, msg := range msgs {
		expected := fmt.Sprintf("msg-%d", total-MaxConversationMessages+i+1)
		if msg.Content != expected {
			t.Fatalf("index %d: expected %q, got %q", i, expected, msg.Content)
		}
	}
}

func TestContainsMatchesByID(t *testing.T) {
	s, _ := newTestStore(t)

	known := chatMsg("u2", "u1", "hello", 1)
	known.ID = "m1"
	s.Append(known)
	s.Append(chatMsg("u2", "u1", "no id", 2))

	if !s.Contains(known) {
		t.Error("retained message not found by ID")
	}
	// Same direction, same ID, arriving with different content still counts
	// as the same message.
	dup := known
	dup.Content = "hello again"
	if !s.Contains(dup) {
		t.Error("ID match must not depend on content")
	}

	other := chatMsg("u2", "u1", "later", 3)
	other.ID = "m2"
	if s.Contains(other) {
		t.Error("unseen ID reported present")
	}
	if s.Contains(chatMsg("u2", "u1", "no id", 2)) {
		t.Error("message without an ID reported present")
	}
}

func TestReadUnknownConversation(t *testing.T) {
	s, _ := newTestStore(t)

	msgs := s.Read("nobody", "no-one")
	if msgs == nil {
		t.Fatal("expected non-nil empty sequence, got nil")
	}
	if len(msgs) != 0 {
		t.Fatalf("expected 0 messages, got %d", len(msgs))
	}
}

func TestPersistRestoreRoundTrip(t *testing.T) {
	db, err := localstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open localstore: %v", err)
	}

	s := NewStore(db)
	s.Append(chatMsg("u1", "u2", "first", 1))
	s.Append(chatMsg("u2", "u1", "second", 2))
	s.Append(chatMsg("u1", "u3", "other pair", 3))

	if err := s.Persist(); err != nil {
		t.Fatalf("persist: %v", err)
	}

	fresh := NewStore(db)
	fresh.Restore()

	for _, pair := range [][2]string{{"u1", "u2"}, {"u1", "u3"}} {
		want := s.Read(pair[0], pair[1])
		got := fresh.Read(pair[0], pair[1])
		if len(got) != len(want) {
			t.Fatalf("pair %v: expected %d messages, got %d", pair, len(want), len(got))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("pair %v index %d: expected %+v, got %+v", pair, i, want[i], got[i])
			}
		}
	}
}

func TestRestoreCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	db, err := localstore.Open(dir)
	if err != nil {
		t.Fatalf("open localstore: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "conversations.json"), []byte("%%%"), 0o644); err != nil {
		t.Fatalf("write corrupt snapshot: %v", err)
	}

	s := NewStore(db)
	s.Restore()

	if msgs := s.Read("u1", "u2"); len(msgs) != 0 {
		t.Fatalf("expected empty store after corrupt restore, got %d messages", len(msgs))
	}

	// The store must still be usable after a failed restore.
	s.Append(chatMsg("u1", "u2", "still works", 1))
	if msgs := s.Read("u1", "u2"); len(msgs) != 1 {
		t.Fatalf("store unusable after corrupt restore: %d messages", len(msgs))
	}
}

func TestRestoreAbsentSnapshot(t *testing.T) {
	s, _ := newTestStore(t)
	s.Restore()

	if msgs := s.Read("u1", "u2"); len(msgs) != 0 {
		t.Fatalf("expected empty store, got %d messages", len(msgs))
	}
}

func TestClearErasesPersistedCopy(t *testing.T) {
	s, db := newTestStore(t)

	s.Append(chatMsg("u1", "u2", "doomed", 1))
	if err := s.Persist(); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}

	if msgs := s.Read("u1", "u2"); len(msgs) != 0 {
		t.Fatalf("expected empty store after clear, got %d messages", len(msgs))
	}

	fresh := NewStore(db)
	fresh.Restore()
	if msgs := fresh.Read("u1", "u2"); len(msgs) != 0 {
		t.Fatalf("persisted copy survived clear: %d messages", len(msgs))
	}
}
