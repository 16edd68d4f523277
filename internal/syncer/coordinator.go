// Package syncer orchestrates the client's state synchronization: it opens
// the transport channel, restores persisted caches, pulls authoritative state
// from the server, and keeps the caches warm through pushed events.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Moon-Spirit/Yueling/internal/events"
	"github.com/Moon-Spirit/Yueling/internal/history"
	"github.com/Moon-Spirit/Yueling/internal/protocol"
	"github.com/Moon-Spirit/Yueling/internal/roster"
	"github.com/Moon-Spirit/Yueling/internal/session"
)

// ErrNotLoggedIn is returned when synchronization is started or a message is
// sent without an authenticated identity.
var ErrNotLoggedIn = errors.New("syncer: not logged in")

// Channel is the connection lifecycle surface the coordinator drives. The
// outbound path goes through the event router, which holds the same channel
// as its sender.
type Channel interface {
	Connect(ctx context.Context) error
	Close() error
}

// Inbox is the server's offline message queue. Messages addressed to a user
// while they were disconnected are fetched and acknowledged through it.
type Inbox interface {
	UnreadMessages(ctx context.Context, userID string) ([]protocol.ChatMessage, error)
	MarkMessagesRead(ctx context.Context, messageIDs []string) error
}

// Coordinator sequences connect, restore, refresh, and push registration for
// one client session.
type Coordinator struct {
	channel Channel
	router  *events.Router
	history *history.Store
	roster  *roster.Cache
	session *session.Session
	inbox   Inbox

	mu   sync.Mutex
	subs []*events.Subscription
}

// New creates a Coordinator over the given components.
func New(channel Channel, router *events.Router, hist *history.Store, ros *roster.Cache, sess *session.Session) *Coordinator {
	return &Coordinator{
		channel: channel,
		router:  router,
		history: hist,
		roster:  ros,
		session: sess,
	}
}

// SetInbox enables draining the server's offline message queue during Start.
func (c *Coordinator) SetInbox(inbox Inbox) {
	c.inbox = inbox
}

// Start brings the session online: it opens the channel, announces the
// identity, restores the persisted caches so reads have immediate state,
// refreshes friends and pending requests independently, drains the unread
// inbox, and registers the push handlers. Refresh failures are logged, not
// fatal; each cache keeps serving its last good snapshot.
func (c *Coordinator) Start(ctx context.Context) error {
	identity, ok := c.session.Identity()
	if !ok {
		return ErrNotLoggedIn
	}

	if err := c.channel.Connect(ctx); err != nil {
		return err
	}
	if err := c.Announce(); err != nil {
		log.Printf("syncer: announce identity: %v", err)
	}

	c.history.Restore()
	c.roster.Restore()

	// Friend and request refreshes are independent: a failure in one does
	// not block or invalidate the other.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := c.roster.RefreshFriends(ctx, identity.UserID); err != nil {
			log.Printf("syncer: refresh friends: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if _, err := c.roster.RefreshRequests(ctx, identity.UserID); err != nil {
			log.Printf("syncer: refresh requests: %v", err)
		}
	}()
	wg.Wait()

	if c.inbox != nil {
		c.drainInbox(ctx, identity.UserID)
	}

	c.registerHandlers()
	return nil
}

// Announce binds the open connection to the authenticated identity. It must
// be re-issued after every reconnect.
func (c *Coordinator) Announce() error {
	identity, ok := c.session.Identity()
	if !ok {
		return ErrNotLoggedIn
	}
	return c.router.Emit(protocol.TypeHello, protocol.HelloMsg{UserID: identity.UserID})
}

// SendChat transmits a chat message to receiver and appends an identical
// entry to the local conversation history.
func (c *Coordinator) SendChat(receiver, content string) (protocol.ChatMessage, error) {
	identity, ok := c.session.Identity()
	if !ok {
		return protocol.ChatMessage{}, ErrNotLoggedIn
	}
	if err := protocol.ValidateContent(content); err != nil {
		return protocol.ChatMessage{}, fmt.Errorf("syncer: %w", err)
	}

	msg := protocol.ChatMessage{
		Content:  content,
		Sender:   identity.UserID,
		Receiver: receiver,
		Ts:       time.Now().UnixMilli(),
		Kind:     protocol.MessageKindChat,
	}
	if err := c.router.Emit(protocol.TypeMessage, msg); err != nil {
		return protocol.ChatMessage{}, err
	}

	c.history.Append(msg)
	if err := c.history.Persist(); err != nil {
		log.Printf("syncer: persist history: %v", err)
	}
	return msg, nil
}

// Stop unregisters the push handlers, persists the conversation history, and
// closes the channel.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	for _, sub := range c.subs {
		c.router.Off(sub)
	}
	c.subs = nil
	c.mu.Unlock()

	if err := c.history.Persist(); err != nil {
		log.Printf("syncer: persist history: %v", err)
	}
	return c.channel.Close()
}

// drainInbox pulls messages that arrived while the client was offline into
// the conversation history and acknowledges them. Best effort: failures leave
// the messages unread for the next session.
func (c *Coordinator) drainInbox(ctx context.Context, userID string) {
	messages, err := c.inbox.UnreadMessages(ctx, userID)
	if err != nil {
		log.Printf("syncer: fetch unread messages: %v", err)
		return
	}
	if len(messages) == 0 {
		return
	}

	ids := make([]string, 0, len(messages))
	for _, msg := range messages {
		// A message delivered live in an earlier session may still be
		// unread server-side if its acknowledgement was lost. Ack it
		// again, but do not record it twice.
		if !c.history.Contains(msg) {
			c.history.Append(msg)
		}
		if msg.ID != "" {
			ids = append(ids, msg.ID)
		}
	}
	if err := c.history.Persist(); err != nil {
		log.Printf("syncer: persist history: %v", err)
	}
	if err := c.inbox.MarkMessagesRead(ctx, ids); err != nil {
		log.Printf("syncer: mark messages read: %v", err)
	}
}

// registerHandlers subscribes the push handlers that keep the caches warm
// between explicit refreshes. Any handlers from a previous Start are dropped
// first, so re-starting the session never stacks duplicate subscriptions.
func (c *Coordinator) registerHandlers() {
	subs := []*events.Subscription{
		c.router.On(protocol.TypeMessage, c.onChatMessage),
		c.router.On(protocol.TypePresence, c.onPresence),
		c.router.On(protocol.TypeFriendRequest, c.onFriendRequest),
		c.router.On(protocol.TypeFriendAccepted, c.onFriendDecision),
		c.router.On(protocol.TypeFriendRejected, c.onFriendDecision),
		c.router.On(protocol.TypeError, c.onServerError),
	}

	c.mu.Lock()
	old := c.subs
	c.subs = subs
	c.mu.Unlock()

	for _, sub := range old {
		c.router.Off(sub)
	}
}

// onChatMessage records a live-delivered message and acknowledges it, so the
// server's inbox does not hand the same message back at the next Start.
func (c *Coordinator) onChatMessage(raw json.RawMessage) {
	var msg protocol.ChatMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("syncer: dropping unreadable chat message: %v", err)
		return
	}
	c.history.Append(msg)
	if err := c.history.Persist(); err != nil {
		log.Printf("syncer: persist history: %v", err)
	}

	if c.inbox != nil && msg.ID != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.inbox.MarkMessagesRead(ctx, []string{msg.ID}); err != nil {
				log.Printf("syncer: mark message read: %v", err)
			}
		}()
	}
}

func (c *Coordinator) onPresence(raw json.RawMessage) {
	var ev protocol.PresenceEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		log.Printf("syncer: dropping unreadable presence event: %v", err)
		return
	}
	c.roster.ApplyPresence(ev.UserID, ev.Status)
}

func (c *Coordinator) onFriendRequest(raw json.RawMessage) {
	var req protocol.FriendRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		log.Printf("syncer: dropping unreadable friend request: %v", err)
		return
	}
	c.roster.UpsertRequest(req)
}

// onFriendDecision reacts to the peer answering one of our friend requests.
// An accepted request changes the friend list server-side, so the list is
// re-pulled rather than patched locally.
func (c *Coordinator) onFriendDecision(raw json.RawMessage) {
	var ev protocol.FriendDecisionEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		log.Printf("syncer: dropping unreadable friend decision: %v", err)
		return
	}
	identity, ok := c.session.Identity()
	if !ok {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := c.roster.RefreshFriends(ctx, identity.UserID); err != nil {
			log.Printf("syncer: refresh friends after decision: %v", err)
		}
	}()
}

func (c *Coordinator) onServerError(raw json.RawMessage) {
	var ev protocol.ErrorMsg
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}
	log.Printf("syncer: server error %s: %s", ev.Code, ev.Message)
}
