package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/Moon-Spirit/Yueling/internal/protocol"
	"github.com/Moon-Spirit/Yueling/internal/store"
)

// fakeStore is an in-memory Store for handler tests.
type fakeStore struct {
	mu       sync.Mutex
	users    map[string]*store.User // by id
	byName   map[string]*store.User
	friends  map[string][]protocol.Friend
	requests map[string][]protocol.FriendRequest
	unread   map[string][]protocol.ChatMessage
	read     []string
	nextID   int

	respondFromID string
	respondErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[string]*store.User),
		byName:   make(map[string]*store.User),
		friends:  make(map[string][]protocol.Friend),
		requests: make(map[string][]protocol.FriendRequest),
		unread:   make(map[string][]protocol.ChatMessage),
	}
}

func (f *fakeStore) addUser(id, username string) *store.User {
	hash, _ := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	u := &store.User{ID: id, Username: username, PasswordHash: string(hash)}
	f.users[id] = u
	f.byName[username] = u
	return u
}

func (f *fakeStore) CreateUser(_ context.Context, username, passwordHash string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byName[username]; ok {
		return nil, store.ErrUsernameTaken
	}
	f.nextID++
	u := &store.User{ID: fmt.Sprintf("u%d", f.nextID), Username: username, PasswordHash: passwordHash}
	f.users[u.ID] = u
	f.byName[username] = u
	return u, nil
}

func (f *fakeStore) UserByUsername(_ context.Context, username string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byName[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) UserByID(_ context.Context, id string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) UpdateNickname(_ context.Context, id, nickname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.Nickname = nickname
	return nil
}

func (f *fakeStore) SetAvatar(_ context.Context, id, avatar string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.Avatar = avatar
	return nil
}

func (f *fakeStore) Friends(_ context.Context, userID string) ([]protocol.Friend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Friend(nil), f.friends[userID]...), nil
}

func (f *fakeStore) PendingRequests(_ context.Context, userID string) ([]protocol.FriendRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.FriendRequest(nil), f.requests[userID]...), nil
}

func (f *fakeStore) CreateFriendRequest(_ context.Context, fromID, toID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fr := range f.friends[fromID] {
		if fr.ID == toID {
			return "", store.ErrAlreadyFriends
		}
	}
	for _, req := range f.requests[toID] {
		if req.FromID == fromID {
			return "", store.ErrDuplicateRequest
		}
	}
	f.nextID++
	id := fmt.Sprintf("r%d", f.nextID)
	f.requests[toID] = append(f.requests[toID], protocol.FriendRequest{
		ID:     id,
		FromID: fromID,
	})
	return id, nil
}

func (f *fakeStore) RespondFriendRequest(_ context.Context, requestID, userID string, accept bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.respondErr != nil {
		return "", f.respondErr
	}
	return f.respondFromID, nil
}

func (f *fakeStore) UnreadMessages(_ context.Context, receiverID string) ([]protocol.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.ChatMessage(nil), f.unread[receiverID]...), nil
}

func (f *fakeStore) MarkMessagesRead(_ context.Context, messageIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = append(f.read, messageIDs...)
	return nil
}

// fakePresence answers Statuses from a fixed online set.
type fakePresence struct {
	online map[string]bool
}

func (p *fakePresence) Statuses(_ context.Context, userIDs []string) (map[string]string, error) {
	statuses := make(map[string]string, len(userIDs))
	for _, id := range userIDs {
		if p.online[id] {
			statuses[id] = protocol.StatusOnline
		} else {
			statuses[id] = protocol.StatusOffline
		}
	}
	return statuses, nil
}

// fakeNotifier records pushed frames per user.
type fakeNotifier struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{frames: make(map[string][][]byte)}
}

func (n *fakeNotifier) PublishToUser(userID string, frame []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.frames[userID] = append(n.frames[userID], frame)
	return nil
}

func (n *fakeNotifier) framesFor(userID string) [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([][]byte(nil), n.frames[userID]...)
}

type fixture struct {
	store    *fakeStore
	presence *fakePresence
	notifier *fakeNotifier
	server   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := newFakeStore()
	pr := &fakePresence{online: make(map[string]bool)}
	no := newFakeNotifier()
	api := New(st, pr, no, t.TempDir())
	ts := httptest.NewServer(api.Routes())
	t.Cleanup(ts.Close)
	return &fixture{store: st, presence: pr, notifier: no, server: ts}
}

func (f *fixture) postJSON(t *testing.T, path string, body interface{}) (*http.Response, respEnvelope) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeEnvelope(t, resp)
}

func (f *fixture) getJSON(t *testing.T, path string) (*http.Response, respEnvelope) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeEnvelope(t, resp)
}

func decodeEnvelope(t *testing.T, resp *http.Response) respEnvelope {
	t.Helper()
	defer resp.Body.Close()
	var env respEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

// respEnvelope mirrors the response wrapper with raw data for reinspection.
type respEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func unmarshalData(t *testing.T, env respEnvelope, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func TestRegisterCreatesAccount(t *testing.T) {
	f := newFixture(t)

	resp, env := f.postJSON(t, "/api/register", map[string]string{
		"username": "alice", "password": "hunter2",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !env.Success {
		t.Fatalf("success = false: %s", env.Message)
	}

	var result struct {
		UserID   string `json:"user_id"`
		Username string `json:"username"`
	}
	unmarshalData(t, env, &result)
	if result.UserID == "" || result.Username != "alice" {
		t.Fatalf("unexpected auth result: %+v", result)
	}
}

func TestRegisterRejectsWeakInput(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name     string
		username string
		password string
	}{
		{"short username", "ab", "hunter2"},
		{"short password", "alice", "12345"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, env := f.postJSON(t, "/api/register", map[string]string{
				"username": tc.username, "password": tc.password,
			})
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if env.Success {
				t.Fatal("success = true for invalid input")
			}
		})
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	f := newFixture(t)
	f.store.addUser("u1", "alice")

	resp, _ := f.postJSON(t, "/api/register", map[string]string{
		"username": "alice", "password": "hunter2",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	f.store.addUser("u1", "alice")

	resp, env := f.postJSON(t, "/api/login", map[string]string{
		"username": "alice", "password": "hunter2",
	})
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("login failed: status=%d message=%s", resp.StatusCode, env.Message)
	}

	resp, _ = f.postJSON(t, "/api/login", map[string]string{
		"username": "alice", "password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad password status = %d, want 401", resp.StatusCode)
	}

	resp, _ = f.postJSON(t, "/api/login", map[string]string{
		"username": "nobody", "password": "hunter2",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unknown user status = %d, want 401", resp.StatusCode)
	}
}

func TestUserExists(t *testing.T) {
	f := newFixture(t)
	f.store.addUser("u1", "alice")

	_, env := f.getJSON(t, "/api/users/exists?username=alice")
	var result struct {
		Exists bool `json:"exists"`
	}
	unmarshalData(t, env, &result)
	if !result.Exists {
		t.Fatal("exists = false for registered user")
	}

	_, env = f.getJSON(t, "/api/users/exists?username=nobody")
	unmarshalData(t, env, &result)
	if result.Exists {
		t.Fatal("exists = true for unknown user")
	}
}

func TestUserInfoNotFound(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.getJSON(t, "/api/users/nobody")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestFriendsOverlaysPresence(t *testing.T) {
	f := newFixture(t)
	f.store.addUser("u1", "alice")
	f.store.friends["u1"] = []protocol.Friend{
		{ID: "u2", Username: "bob", Status: protocol.StatusOffline},
		{ID: "u3", Username: "carol", Status: protocol.StatusOffline},
	}
	f.presence.online["u2"] = true

	_, env := f.getJSON(t, "/api/users/u1/friends")
	var friends []protocol.Friend
	unmarshalData(t, env, &friends)

	if len(friends) != 2 {
		t.Fatalf("got %d friends, want 2", len(friends))
	}
	byID := map[string]string{}
	for _, fr := range friends {
		byID[fr.ID] = fr.Status
	}
	if byID["u2"] != protocol.StatusOnline {
		t.Fatalf("online friend reported %q", byID["u2"])
	}
	if byID["u3"] != protocol.StatusOffline {
		t.Fatalf("offline friend reported %q", byID["u3"])
	}
}

func TestAddFriendNotifiesTarget(t *testing.T) {
	f := newFixture(t)
	f.store.addUser("u1", "alice")
	f.store.addUser("u2", "bob")

	resp, env := f.postJSON(t, "/api/friends/add", map[string]string{
		"user_id": "u1", "friend_username": "bob",
	})
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("add friend failed: status=%d message=%s", resp.StatusCode, env.Message)
	}

	frames := f.notifier.framesFor("u2")
	if len(frames) != 1 {
		t.Fatalf("target got %d frames, want 1", len(frames))
	}
	frameType, raw, err := protocol.ParseFrame(frames[0])
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if frameType != protocol.TypeFriendRequest {
		t.Fatalf("frame type = %q, want %q", frameType, protocol.TypeFriendRequest)
	}
	var req protocol.FriendRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.FromID != "u1" || req.FromUsername != "alice" || req.ID == "" {
		t.Fatalf("unexpected request frame: %+v", req)
	}
}

func TestAddFriendRejectsSelf(t *testing.T) {
	f := newFixture(t)
	f.store.addUser("u1", "alice")

	resp, _ := f.postJSON(t, "/api/friends/add", map[string]string{
		"user_id": "u1", "friend_username": "alice",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAddFriendUnknownTarget(t *testing.T) {
	f := newFixture(t)
	f.store.addUser("u1", "alice")

	resp, _ := f.postJSON(t, "/api/friends/add", map[string]string{
		"user_id": "u1", "friend_username": "nobody",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAddFriendDuplicatePending(t *testing.T) {
	f := newFixture(t)
	f.store.addUser("u1", "alice")
	f.store.addUser("u2", "bob")

	f.postJSON(t, "/api/friends/add", map[string]string{
		"user_id": "u1", "friend_username": "bob",
	})
	resp, _ := f.postJSON(t, "/api/friends/add", map[string]string{
		"user_id": "u1", "friend_username": "bob",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestRespondRequestNotifiesSender(t *testing.T) {
	f := newFixture(t)
	f.store.addUser("u1", "alice")
	f.store.addUser("u2", "bob")
	f.store.respondFromID = "u1"

	resp, env := f.postJSON(t, "/api/friend-requests/respond", map[string]interface{}{
		"request_id": "r1", "user_id": "u2", "accept": true,
	})
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("respond failed: status=%d message=%s", resp.StatusCode, env.Message)
	}

	frames := f.notifier.framesFor("u1")
	if len(frames) != 1 {
		t.Fatalf("requester got %d frames, want 1", len(frames))
	}
	frameType, raw, err := protocol.ParseFrame(frames[0])
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if frameType != protocol.TypeFriendAccepted {
		t.Fatalf("frame type = %q, want %q", frameType, protocol.TypeFriendAccepted)
	}
	var event protocol.FriendDecisionEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if event.RequestID != "r1" || event.UserID != "u2" || event.Username != "bob" {
		t.Fatalf("unexpected decision event: %+v", event)
	}
}

func TestRespondRequestRejectionFrame(t *testing.T) {
	f := newFixture(t)
	f.store.addUser("u1", "alice")
	f.store.addUser("u2", "bob")
	f.store.respondFromID = "u1"

	f.postJSON(t, "/api/friend-requests/respond", map[string]interface{}{
		"request_id": "r1", "user_id": "u2", "accept": false,
	})

	frames := f.notifier.framesFor("u1")
	if len(frames) != 1 {
		t.Fatalf("requester got %d frames, want 1", len(frames))
	}
	frameType, _, err := protocol.ParseFrame(frames[0])
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if frameType != protocol.TypeFriendRejected {
		t.Fatalf("frame type = %q, want %q", frameType, protocol.TypeFriendRejected)
	}
}

func TestRespondRequestAlreadyResolved(t *testing.T) {
	f := newFixture(t)
	f.store.addUser("u2", "bob")
	f.store.respondErr = store.ErrRequestResolved

	resp, _ := f.postJSON(t, "/api/friend-requests/respond", map[string]interface{}{
		"request_id": "r1", "user_id": "u2", "accept": true,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestUnreadAndMarkRead(t *testing.T) {
	f := newFixture(t)
	f.store.addUser("u1", "alice")
	f.store.unread["u1"] = []protocol.ChatMessage{
		{ID: "m1", Sender: "u2", Receiver: "u1", Content: "hi", Ts: 1},
		{ID: "m2", Sender: "u2", Receiver: "u1", Content: "there", Ts: 2},
	}

	_, env := f.getJSON(t, "/api/users/u1/messages/unread")
	var messages []protocol.ChatMessage
	unmarshalData(t, env, &messages)
	if len(messages) != 2 {
		t.Fatalf("got %d unread messages, want 2", len(messages))
	}

	resp, _ := f.postJSON(t, "/api/messages/read", map[string]interface{}{
		"message_ids": []string{"m1", "m2"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mark read status = %d, want 200", resp.StatusCode)
	}
	if len(f.store.read) != 2 {
		t.Fatalf("marked %d messages read, want 2", len(f.store.read))
	}
}

func TestMarkReadRequiresIDs(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.postJSON(t, "/api/messages/read", map[string]interface{}{
		"message_ids": []string{},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUpdateNickname(t *testing.T) {
	f := newFixture(t)
	f.store.addUser("u1", "alice")

	req, err := http.NewRequest(http.MethodPut, f.server.URL+"/api/users/u1",
		bytes.NewReader([]byte(`{"nickname":"Ally"}`)))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	env := decodeEnvelope(t, resp)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("update failed: status=%d message=%s", resp.StatusCode, env.Message)
	}
	if f.store.users["u1"].Nickname != "Ally" {
		t.Fatalf("nickname = %q, want Ally", f.store.users["u1"].Nickname)
	}
}
