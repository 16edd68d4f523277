// Package session holds the authenticated identity for one client process.
// The identity is persisted across restarts and invalidated on logout.
package session

import (
	"errors"
	"log"
	"sync"

	"github.com/Moon-Spirit/Yueling/internal/localstore"
)

const storageKey = "session"

// Identity is the authenticated user of this session.
type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// Session is process-lifetime authentication state. The zero identity means
// no user is logged in.
type Session struct {
	mu       sync.RWMutex
	identity Identity
	db       *localstore.Store
}

// New creates a Session persisting through db.
func New(db *localstore.Store) *Session {
	return &Session{db: db}
}

// Restore loads a previously persisted identity, if any. Unreadable state is
// treated as logged out.
func (s *Session) Restore() {
	var id Identity
	if err := s.db.Get(storageKey, &id); err != nil {
		if !errors.Is(err, localstore.ErrNotFound) {
			log.Printf("session: discarding unreadable identity: %v", err)
		}
		return
	}

	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()
}

// Login records the authenticated identity and persists it.
func (s *Session) Login(userID, username string) error {
	id := Identity{UserID: userID, Username: username}

	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()

	return s.db.Put(storageKey, id)
}

// Logout clears the identity and erases the persisted copy.
func (s *Session) Logout() error {
	s.mu.Lock()
	s.identity = Identity{}
	s.mu.Unlock()

	return s.db.Delete(storageKey)
}

// Identity returns the current identity and whether a user is logged in.
func (s *Session) Identity() (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity, s.identity.UserID != ""
}

// UserID returns the authenticated user id, or the empty string when logged
// out.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity.UserID
}
