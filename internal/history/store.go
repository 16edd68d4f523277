// Package history keeps the ordered, per-conversation chat message windows.
// A conversation is keyed by the unordered pair of its two user identifiers,
// so both directions share one sequence.
package history

import (
	"errors"
	"log"
	"sync"

	"github.com/Moon-Spirit/Yueling/internal/localstore"
	"github.com/Moon-Spirit/Yueling/internal/protocol"
)

// MaxConversationMessages is the number of tail-most messages retained per
// conversation. Older entries are evicted silently.
const MaxConversationMessages = 100

// storageKey is the localstore key the whole store serializes under.
const storageKey = "conversations"

// Store holds all conversation windows. Append is the only mutator; messages
// are never edited or removed except by window eviction or Clear.
type Store struct {
	mu            sync.RWMutex
	conversations map[string][]protocol.ChatMessage
	db            *localstore.Store
}

// NewStore creates an empty Store that persists through db.
func NewStore(db *localstore.Store) *Store {
	return &Store{
		conversations: make(map[string][]protocol.ChatMessage),
		db:            db,
	}
}

// pairKey forms the unordered conversation key for two user identifiers.
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// Append inserts a message at the tail of its conversation. When the window
// exceeds MaxConversationMessages the oldest entries are evicted until
// exactly the maximum is retained.
func (s *Store) Append(msg protocol.ChatMessage) {
	key := pairKey(msg.Sender, msg.Receiver)

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := append(s.conversations[key], msg)
	if len(seq) > MaxConversationMessages {
		evicted := len(seq) - MaxConversationMessages
		seq = append([]protocol.ChatMessage(nil), seq[evicted:]...)
	}
	s.conversations[key] = seq
}

// Read returns the retained sequence for the conversation between peerA and
// peerB, oldest first. It returns an empty sequence when the conversation
// does not exist; it never fails.
func (s *Store) Read(peerA, peerB string) []protocol.ChatMessage {
	key := pairKey(peerA, peerB)

	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.conversations[key]
	out := make([]protocol.ChatMessage, len(seq))
	copy(out, seq)
	return out
}

// Contains reports whether the conversation between msg's sender and receiver
// already retains a message with msg's identifier. Messages without an
// identifier are never considered present.
func (s *Store) Contains(msg protocol.ChatMessage) bool {
	if msg.ID == "" {
		return false
	}
	key := pairKey(msg.Sender, msg.Receiver)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.conversations[key] {
		if m.ID == msg.ID {
			return true
		}
	}
	return false
}

// Persist serializes the whole store to the persistence collaborator.
func (s *Store) Persist() error {
	s.mu.RLock()
	snapshot := make(map[string][]protocol.ChatMessage, len(s.conversations))
	for key, seq := range s.conversations {
		snapshot[key] = append([]protocol.ChatMessage(nil), seq...)
	}
	s.mu.RUnlock()

	return s.db.Put(storageKey, snapshot)
}

// Restore loads the persisted store. Corrupted or absent data yields an empty
// store rather than failing the caller.
func (s *Store) Restore() {
	var snapshot map[string][]protocol.ChatMessage
	if err := s.db.Get(storageKey, &snapshot); err != nil {
		if !errors.Is(err, localstore.ErrNotFound) {
			log.Printf("history: discarding unreadable snapshot: %v", err)
		}
		snapshot = nil
	}
	if snapshot == nil {
		snapshot = make(map[string][]protocol.ChatMessage)
	}

	s.mu.Lock()
	s.conversations = snapshot
	s.mu.Unlock()
}

// Clear empties all conversations and erases the persisted copy.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.conversations = make(map[string][]protocol.ChatMessage)
	s.mu.Unlock()

	return s.db.Delete(storageKey)
}
