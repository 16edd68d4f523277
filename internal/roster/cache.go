// Package roster is the local mirror of the friend list and the pending
// incoming friend requests. Server refreshes replace the mirror wholesale;
// push events advance it incrementally between refreshes. On refresh failure
// the cache keeps serving its last good snapshot.
package roster

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/Moon-Spirit/Yueling/internal/localstore"
	"github.com/Moon-Spirit/Yueling/internal/protocol"
)

const (
	friendsKey  = "friends"
	requestsKey = "friend_requests"
)

// Directory is the server RPC surface the cache refreshes from and forwards
// mutations to.
type Directory interface {
	Friends(ctx context.Context, userID string) ([]protocol.Friend, error)
	FriendRequests(ctx context.Context, userID string) ([]protocol.FriendRequest, error)
	AddFriend(ctx context.Context, userID, friendUsername string) error
	RespondFriendRequest(ctx context.Context, requestID, userID string, accept bool) error
}

// Cache mirrors the server-owned friend collections.
type Cache struct {
	mu       sync.RWMutex
	friends  []protocol.Friend
	requests []protocol.FriendRequest

	dir Directory
	db  *localstore.Store
}

// NewCache creates an empty Cache backed by the given directory and
// persistence store.
func NewCache(dir Directory, db *localstore.Store) *Cache {
	return &Cache{dir: dir, db: db}
}

// Restore loads the last persisted snapshots so reads have immediate state
// before the first refresh. Unreadable snapshots are discarded.
func (c *Cache) Restore() {
	var friends []protocol.Friend
	if err := c.db.Get(friendsKey, &friends); err != nil && !errors.Is(err, localstore.ErrNotFound) {
		log.Printf("roster: discarding unreadable friends snapshot: %v", err)
		friends = nil
	}

	var requests []protocol.FriendRequest
	if err := c.db.Get(requestsKey, &requests); err != nil && !errors.Is(err, localstore.ErrNotFound) {
		log.Printf("roster: discarding unreadable requests snapshot: %v", err)
		requests = nil
	}

	c.mu.Lock()
	c.friends = friends
	c.requests = requests
	c.mu.Unlock()
}

// Friends returns the cached friend list.
func (c *Cache) Friends() []protocol.Friend {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]protocol.Friend, len(c.friends))
	copy(out, c.friends)
	return out
}

// Requests returns the cached pending friend requests.
func (c *Cache) Requests() []protocol.FriendRequest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]protocol.FriendRequest, len(c.requests))
	copy(out, c.requests)
	return out
}

// RefreshFriends fetches the authoritative friend list. On success it
// atomically replaces the local list and persists it; on failure the error
// propagates and the cache keeps serving the previous snapshot.
func (c *Cache) RefreshFriends(ctx context.Context, userID string) ([]protocol.Friend, error) {
	friends, err := c.dir.Friends(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.friends = friends
	c.mu.Unlock()

	if err := c.db.Put(friendsKey, friends); err != nil {
		log.Printf("roster: persist friends snapshot: %v", err)
	}
	return c.Friends(), nil
}

// RefreshRequests fetches the authoritative pending-request set. Semantics
// mirror RefreshFriends.
func (c *Cache) RefreshRequests(ctx context.Context, userID string) ([]protocol.FriendRequest, error) {
	requests, err := c.dir.FriendRequests(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.requests = requests
	c.mu.Unlock()

	if err := c.db.Put(requestsKey, requests); err != nil {
		log.Printf("roster: persist requests snapshot: %v", err)
	}
	return c.Requests(), nil
}

// AddFriend proposes a friendship. It is a pure pass-through: the local
// friend list is only advanced by the next successful refresh, so local state
// never diverges from what the server last confirmed.
func (c *Cache) AddFriend(ctx context.Context, userID, friendUsername string) error {
	return c.dir.AddFriend(ctx, userID, friendUsername)
}

// RespondToRequest accepts or rejects a pending request. The request id is
// removed from the local pending set only after the server confirms; a failed
// call leaves the pending set untouched.
func (c *Cache) RespondToRequest(ctx context.Context, requestID, userID string, accept bool) error {
	if err := c.dir.RespondFriendRequest(ctx, requestID, userID, accept); err != nil {
		return err
	}

	c.mu.Lock()
	for i, req := range c.requests {
		if req.ID == requestID {
			c.requests = append(c.requests[:i:i], c.requests[i+1:]...)
			break
		}
	}
	snapshot := make([]protocol.FriendRequest, len(c.requests))
	copy(snapshot, c.requests)
	c.mu.Unlock()

	if err := c.db.Put(requestsKey, snapshot); err != nil {
		log.Printf("roster: persist requests snapshot: %v", err)
	}
	return nil
}

// ApplyPresence updates a cached friend's presence status from a push event.
// Unknown user ids are ignored; the friend list itself only changes on
// refresh.
func (c *Cache) ApplyPresence(userID, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.friends {
		if c.friends[i].ID == userID {
			c.friends[i].Status = status
			return
		}
	}
}

// UpsertRequest adds a pushed friend request to the pending set. A request id
// already present is left as-is, so a push and a refresh delivering the same
// request yield exactly one entry.
func (c *Cache) UpsertRequest(req protocol.FriendRequest) {
	c.mu.Lock()
	for _, existing := range c.requests {
		if existing.ID == req.ID {
			c.mu.Unlock()
			return
		}
	}
	c.requests = append(c.requests, req)
	snapshot := make([]protocol.FriendRequest, len(c.requests))
	copy(snapshot, c.requests)
	c.mu.Unlock()

	if err := c.db.Put(requestsKey, snapshot); err != nil {
		log.Printf("roster: persist requests snapshot: %v", err)
	}
}
