// Package hub manages WebSocket client connections on the server:
// upgrading HTTP requests, authenticating the hello handshake, routing
// chat frames, and fanning presence changes out to friends. Frames for
// users held by other server instances travel over the message bus.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/Moon-Spirit/Yueling/internal/metrics"
	"github.com/Moon-Spirit/Yueling/internal/protocol"
	"github.com/Moon-Spirit/Yueling/internal/ratelimit"
	"github.com/Moon-Spirit/Yueling/internal/store"
)

// Directory is the subset of the relational store the hub needs.
type Directory interface {
	UserByID(ctx context.Context, id string) (*store.User, error)
	AreFriends(ctx context.Context, a, b string) (bool, error)
	FriendIDs(ctx context.Context, userID string) ([]string, error)
	SaveMessage(ctx context.Context, msg *protocol.ChatMessage) error
}

// Presence tracks which users are online across all instances.
type Presence interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Bus routes frames to users regardless of which instance holds their
// socket.
type Bus interface {
	PublishToUser(userID string, frame []byte) error
	SubscribeUser(userID string, handler func(frame []byte)) error
	UnsubscribeUser(userID string) error
}

// Limiter throttles per-user actions.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Config holds tunable parameters for the hub.
type Config struct {
	// HelloTimeout bounds how long a fresh connection may sit
	// unauthenticated before being dropped.
	HelloTimeout time.Duration

	// HeartbeatInterval is how often to ping idle connections.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is the grace period after the interval before a
	// silent connection is considered dead.
	HeartbeatTimeout time.Duration
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		HelloTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  45 * time.Second,
	}
}

// Hub owns the connection registry and the frame routing logic.
type Hub struct {
	config   Config
	conns    *Registry
	dir      Directory
	presence Presence
	bus      Bus
	limiter  Limiter
	done     chan struct{}
}

// New creates a Hub wired to the given store, presence tracker, and bus.
func New(config Config, dir Directory, presence Presence, bus Bus) *Hub {
	return &Hub{
		config:   config,
		conns:    NewRegistry(),
		dir:      dir,
		presence: presence,
		bus:      bus,
		done:     make(chan struct{}),
	}
}

// SetLimiter enables per-user message throttling. It must be called
// before Start.
func (h *Hub) SetLimiter(limiter Limiter) {
	h.limiter = limiter
}

// Start launches the heartbeat monitor.
func (h *Hub) Start() {
	go h.heartbeatLoop()
}

// Connections returns the registry, for health reporting.
func (h *Hub) Connections() *Registry {
	return h.conns
}

// HandleUpgrade upgrades an HTTP request to a WebSocket connection and
// hands it to a per-connection goroutine.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("hub: upgrade failed: %v", err)
		return
	}
	go h.serve(conn)
}

// serve authenticates the hello handshake, registers the connection, and
// runs the read loop until the client disconnects.
func (h *Hub) serve(netConn net.Conn) {
	c, err := h.handshake(netConn)
	if err != nil {
		log.Printf("hub: handshake failed: %v", err)
		netConn.Close()
		return
	}

	h.attach(c)
	defer h.detach(c)

	for {
		data, err := wsutil.ReadClientText(c.Conn)
		if err != nil {
			return
		}
		c.Touch()
		h.dispatch(c, data)
	}
}

// attach registers the connection, marks the user online, subscribes to
// their frame subject, and tells their friends.
func (h *Hub) attach(c *Connection) {
	if prev := h.conns.Add(c); prev != nil {
		log.Printf("hub: displacing stale connection user=%s", c.UserID)
		prev.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := h.presence.SetOnline(ctx, c.UserID); err != nil {
		log.Printf("hub: set online user=%s: %v", c.UserID, err)
	}
	if err := h.bus.SubscribeUser(c.UserID, func(frame []byte) {
		if err := c.WriteFrame(frame); err != nil {
			log.Printf("hub: deliver user=%s: %v", c.UserID, err)
		}
	}); err != nil {
		log.Printf("hub: subscribe user=%s: %v", c.UserID, err)
	}

	h.broadcastPresence(ctx, c.UserID, protocol.StatusOnline)
	metrics.ConnectionsTotal.Inc()
	log.Printf("hub: connected user=%s (total=%d)", c.UserID, h.conns.Count())
}

// detach tears down everything attach set up. A displaced connection
// skips presence teardown because the newer connection owns it now.
func (h *Hub) detach(c *Connection) {
	c.Close()
	if !h.conns.Remove(c) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := h.bus.UnsubscribeUser(c.UserID); err != nil {
		log.Printf("hub: unsubscribe user=%s: %v", c.UserID, err)
	}
	if err := h.presence.SetOffline(ctx, c.UserID); err != nil {
		log.Printf("hub: set offline user=%s: %v", c.UserID, err)
	}

	h.broadcastPresence(ctx, c.UserID, protocol.StatusOffline)
	metrics.ConnectionsTotal.Dec()
	log.Printf("hub: disconnected user=%s (total=%d)", c.UserID, h.conns.Count())
}

// handshake reads the first frame, which must be a hello identifying a
// known user, and returns the authenticated connection.
func (h *Hub) handshake(netConn net.Conn) (*Connection, error) {
	_ = netConn.SetReadDeadline(time.Now().Add(h.config.HelloTimeout))
	defer netConn.SetReadDeadline(time.Time{})

	data, err := wsutil.ReadClientText(netConn)
	if err != nil {
		return nil, fmt.Errorf("hub: read hello: %w", err)
	}

	frameType, payload, err := protocol.ParseFrame(data)
	if err != nil {
		return nil, fmt.Errorf("hub: parse hello: %w", err)
	}
	if frameType != protocol.TypeHello {
		return nil, fmt.Errorf("hub: expected hello, got %q", frameType)
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(payload, &hello); err != nil {
		return nil, fmt.Errorf("hub: decode hello: %w", err)
	}
	if hello.UserID == "" {
		return nil, fmt.Errorf("hub: hello missing user id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := h.dir.UserByID(ctx, hello.UserID); err != nil {
		return nil, fmt.Errorf("hub: unknown user %s: %w", hello.UserID, err)
	}

	c := &Connection{
		UserID:    hello.UserID,
		Conn:      netConn,
		CreatedAt: time.Now(),
	}
	c.Touch()
	return c, nil
}

// dispatch routes one inbound frame by type.
func (h *Hub) dispatch(c *Connection, data []byte) {
	frameType, payload, err := protocol.ParseFrame(data)
	if err != nil {
		h.sendError(c, "bad_frame", "malformed frame")
		return
	}
	metrics.FramesTotal.WithLabelValues(frameType).Inc()

	switch frameType {
	case protocol.TypeMessage:
		h.handleChat(c, payload)
	case protocol.TypePing:
		h.handlePing(c)
	case protocol.TypeHello:
		// Already authenticated; a repeat hello is harmless.
	default:
		h.sendError(c, "unknown_type", fmt.Sprintf("unknown frame type %q", frameType))
	}
}

// handleChat validates, persists, and forwards one chat message. The
// sender field is always overwritten with the authenticated user id.
func (h *Hub) handleChat(c *Connection, payload json.RawMessage) {
	var msg protocol.ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.sendError(c, "bad_frame", "malformed message")
		return
	}
	msg.Sender = c.UserID
	if msg.Receiver == "" {
		h.sendError(c, "bad_message", "receiver is required")
		return
	}
	if err := protocol.ValidateContent(msg.Content); err != nil {
		h.sendError(c, "bad_message", err.Error())
		return
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Ts == 0 {
		msg.Ts = time.Now().UnixMilli()
	}
	if msg.Kind == "" {
		msg.Kind = protocol.MessageKindChat
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(ctx, c.UserID, ratelimit.RuleMessage)
		if err == nil && !allowed {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			h.sendError(c, "rate_limited", "sending too fast, slow down")
			return
		}
	}

	friends, err := h.dir.AreFriends(ctx, c.UserID, msg.Receiver)
	if err != nil {
		log.Printf("hub: friendship check user=%s: %v", c.UserID, err)
		h.sendError(c, "internal", "could not deliver message")
		return
	}
	if !friends {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		h.sendError(c, "not_friends", "recipient is not in your friend list")
		return
	}

	if err := h.dir.SaveMessage(ctx, &msg); err != nil {
		log.Printf("hub: save message user=%s: %v", c.UserID, err)
		h.sendError(c, "internal", "could not deliver message")
		return
	}

	online, err := h.presence.IsOnline(ctx, msg.Receiver)
	if err != nil {
		log.Printf("hub: presence check user=%s: %v", msg.Receiver, err)
		online = false
	}
	if !online {
		// Stored for the receiver's unread inbox.
		metrics.MessagesTotal.WithLabelValues("stored").Inc()
		return
	}

	frame, err := protocol.NewFrame(protocol.TypeMessage, msg)
	if err != nil {
		log.Printf("hub: encode message: %v", err)
		return
	}
	if err := h.bus.PublishToUser(msg.Receiver, frame); err != nil {
		log.Printf("hub: publish user=%s: %v", msg.Receiver, err)
		return
	}
	metrics.MessagesTotal.WithLabelValues("delivered").Inc()
}

// handlePing answers an application-level ping and refreshes the
// sender's presence record.
func (h *Hub) handlePing(c *Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.presence.SetOnline(ctx, c.UserID); err != nil {
		log.Printf("hub: presence refresh user=%s: %v", c.UserID, err)
	}

	frame, err := protocol.NewFrame(protocol.TypePong, nil)
	if err != nil {
		return
	}
	if err := c.WriteFrame(frame); err != nil {
		log.Printf("hub: pong user=%s: %v", c.UserID, err)
	}
}

// broadcastPresence tells each of the user's friends about a status
// change. Offline friends simply have no subscriber for their subject.
func (h *Hub) broadcastPresence(ctx context.Context, userID, status string) {
	frame, err := protocol.NewFrame(protocol.TypePresence, protocol.PresenceEvent{
		UserID: userID,
		Status: status,
	})
	if err != nil {
		log.Printf("hub: encode presence: %v", err)
		return
	}

	friendIDs, err := h.dir.FriendIDs(ctx, userID)
	if err != nil {
		log.Printf("hub: friend ids user=%s: %v", userID, err)
		return
	}
	for _, id := range friendIDs {
		if err := h.bus.PublishToUser(id, frame); err != nil {
			log.Printf("hub: presence publish user=%s: %v", id, err)
		}
	}
}

func (h *Hub) sendError(c *Connection, code, message string) {
	frame, err := protocol.NewFrame(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	_ = c.WriteFrame(frame)
}

// heartbeatLoop periodically pings all connections and closes those that
// have gone silent. Closing the socket makes the read loop exit, which
// runs the normal detach path.
func (h *Hub) heartbeatLoop() {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.checkConnections()
		}
	}
}

func (h *Hub) checkConnections() {
	deadline := h.config.HeartbeatInterval + h.config.HeartbeatTimeout
	now := time.Now()

	for _, c := range h.conns.All() {
		if now.Sub(c.LastSeen()) > deadline {
			log.Printf("hub: heartbeat timeout user=%s last_activity=%s ago",
				c.UserID, now.Sub(c.LastSeen()).Round(time.Second))
			c.Close()
			continue
		}
		if err := c.WritePing(); err != nil {
			log.Printf("hub: heartbeat ping failed user=%s: %v", c.UserID, err)
			c.Close()
		}
	}
}

// Shutdown stops the heartbeat and closes all active connections. Each
// read loop exits and runs its detach path.
func (h *Hub) Shutdown() {
	log.Println("hub: shutting down...")
	close(h.done)
	for _, c := range h.conns.All() {
		c.Close()
	}
}
