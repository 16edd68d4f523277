package roster

import (
	"context"
	"errors"
	"testing"

	"github.com/Moon-Spirit/Yueling/internal/localstore"
	"github.com/Moon-Spirit/Yueling/internal/protocol"
)

// fakeDirectory is a scriptable Directory implementation.
type fakeDirectory struct {
	friends     []protocol.Friend
	friendsErr  error
	requests    []protocol.FriendRequest
	requestsErr error
	respondErr  error

	addedFriends  []string
	respondedList []string
}

func (f *fakeDirectory) Friends(ctx context.Context, userID string) ([]protocol.Friend, error) {
	if f.friendsErr != nil {
		return nil, f.friendsErr
	}
	return f.friends, nil
}

func (f *fakeDirectory) FriendRequests(ctx context.Context, userID string) ([]protocol.FriendRequest, error) {
	if f.requestsErr != nil {
		return nil, f.requestsErr
	}
	return f.requests, nil
}

func (f *fakeDirectory) AddFriend(ctx context.Context, userID, friendUsername string) error {
	f.addedFriends = append(f.addedFriends, friendUsername)
	return nil
}

func (f *fakeDirectory) RespondFriendRequest(ctx context.Context, requestID, userID string, accept bool) error {
	if f.respondErr != nil {
		return f.respondErr
	}
	f.respondedList = append(f.respondedList, requestID)
	return nil
}

func newTestCache(t *testing.T, dir *fakeDirectory) *Cache {
	t.Helper()
	db, err := localstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open localstore: %v", err)
	}
	return NewCache(dir, db)
}

func TestRefreshFriendsReplacesList(t *testing.T) {
	dir := &fakeDirectory{friends: []protocol.Friend{
		{ID: "u2", Username: "mira", Status: protocol.StatusOnline},
		{ID: "u3", Username: "kai", Status: protocol.StatusOffline},
	}}
	c := newTestCache(t, dir)

	got, err := c.RefreshFriends(context.Background(), "u1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 friends, got %d", len(got))
	}

	// Refresh replaces rather than merges.
	dir.friends = []protocol.Friend{{ID: "u3", Username: "kai", Status: protocol.StatusOnline}}
	if _, err := c.RefreshFriends(context.Background(), "u1"); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	friends := c.Friends()
	if len(friends) != 1 || friends[0].ID != "u3" {
		t.Fatalf("expected full replace, got %+v", friends)
	}
}

func TestRefreshFailureKeepsStaleSnapshot(t *testing.T) {
	dir := &fakeDirectory{friends: []protocol.Friend{{ID: "u2", Username: "mira"}}}
	c := newTestCache(t, dir)

	if _, err := c.RefreshFriends(context.Background(), "u1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	dir.friendsErr = errors.New("server unavailable")
	if _, err := c.RefreshFriends(context.Background(), "u1"); err == nil {
		t.Fatal("expected refresh failure to propagate")
	}

	friends := c.Friends()
	if len(friends) != 1 || friends[0].ID != "u2" {
		t.Fatalf("cache cleared by failed refresh: %+v", friends)
	}
}

func TestRespondFailureKeepsPendingRequest(t *testing.T) {
	dir := &fakeDirectory{requests: []protocol.FriendRequest{
		{ID: "r1", FromID: "u9", FromUsername: "nova"},
	}}
	c := newTestCache(t, dir)

	if _, err := c.RefreshRequests(context.Background(), "u2"); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	dir.respondErr = errors.New("invalid request id")
	if err := c.RespondToRequest(context.Background(), "r1", "u2", true); err == nil {
		t.Fatal("expected respond failure to propagate")
	}

	reqs := c.Requests()
	if len(reqs) != 1 || reqs[0].ID != "r1" {
		t.Fatalf("request removed despite server failure: %+v", reqs)
	}
}

func TestRespondSuccessRemovesPendingRequest(t *testing.T) {
	dir := &fakeDirectory{requests: []protocol.FriendRequest{
		{ID: "r1", FromID: "u9", FromUsername: "nova"},
		{ID: "r2", FromID: "u8", FromUsername: "kai"},
	}}
	c := newTestCache(t, dir)

	if _, err := c.RefreshRequests(context.Background(), "u2"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := c.RespondToRequest(context.Background(), "r1", "u2", false); err != nil {
		t.Fatalf("respond: %v", err)
	}

	reqs := c.Requests()
	if len(reqs) != 1 || reqs[0].ID != "r2" {
		t.Fatalf("expected only r2 to remain, got %+v", reqs)
	}
}

func TestPushAndRefreshDedupeByRequestID(t *testing.T) {
	req := protocol.FriendRequest{ID: "r1", FromID: "u9", FromUsername: "nova", CreatedAt: 1}
	dir := &fakeDirectory{requests: []protocol.FriendRequest{req}}
	c := newTestCache(t, dir)

	// Push arrives first, then a manual refresh delivers the same request.
	c.UpsertRequest(req)
	if _, err := c.RefreshRequests(context.Background(), "u2"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	// A duplicate push after the refresh must not double the entry.
	c.UpsertRequest(req)

	reqs := c.Requests()
	if len(reqs) != 1 || reqs[0].ID != "r1" {
		t.Fatalf("expected r1 exactly once, got %+v", reqs)
	}
}

func TestAddFriendIsPassThrough(t *testing.T) {
	dir := &fakeDirectory{}
	c := newTestCache(t, dir)

	if err := c.AddFriend(context.Background(), "u1", "mira"); err != nil {
		t.Fatalf("add friend: %v", err)
	}
	if len(dir.addedFriends) != 1 || dir.addedFriends[0] != "mira" {
		t.Fatalf("request not forwarded: %v", dir.addedFriends)
	}

	// No optimistic mutation of the local list.
	if friends := c.Friends(); len(friends) != 0 {
		t.Fatalf("friend list mutated optimistically: %+v", friends)
	}
}

func TestApplyPresenceUpdatesStatus(t *testing.T) {
	dir := &fakeDirectory{friends: []protocol.Friend{
		{ID: "u2", Username: "mira", Status: protocol.StatusOffline},
	}}
	c := newTestCache(t, dir)
	if _, err := c.RefreshFriends(context.Background(), "u1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	c.ApplyPresence("u2", protocol.StatusOnline)
	c.ApplyPresence("stranger", protocol.StatusOnline) // ignored

	friends := c.Friends()
	if len(friends) != 1 || friends[0].Status != protocol.StatusOnline {
		t.Fatalf("presence not applied: %+v", friends)
	}
}

func TestSnapshotsSurviveRestart(t *testing.T) {
	db, err := localstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open localstore: %v", err)
	}
	dir := &fakeDirectory{
		friends:  []protocol.Friend{{ID: "u2", Username: "mira"}},
		requests: []protocol.FriendRequest{{ID: "r1", FromID: "u9"}},
	}

	c := NewCache(dir, db)
	if _, err := c.RefreshFriends(context.Background(), "u1"); err != nil {
		t.Fatalf("refresh friends: %v", err)
	}
	if _, err := c.RefreshRequests(context.Background(), "u1"); err != nil {
		t.Fatalf("refresh requests: %v", err)
	}

	restarted := NewCache(dir, db)
	restarted.Restore()
	if friends := restarted.Friends(); len(friends) != 1 || friends[0].ID != "u2" {
		t.Fatalf("friends snapshot not restored: %+v", friends)
	}
	if reqs := restarted.Requests(); len(reqs) != 1 || reqs[0].ID != "r1" {
		t.Fatalf("requests snapshot not restored: %+v", reqs)
	}
}
