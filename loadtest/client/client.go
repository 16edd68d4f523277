// Package client provides a reusable WebSocket load test client for the
// Yueling chat server. It connects using gobwas/ws (the same library the
// server uses), sends the hello frame that binds the connection to a user,
// and tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol frame types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server frame types.
const (
	TypeHello   = "hello"
	TypeMessage = "message"
	TypePing    = "ping"
)

// Server -> Client frame types.
const (
	TypePresence       = "presence"
	TypeFriendRequest  = "friend_request"
	TypeFriendAccepted = "friend_accepted"
	TypeFriendRejected = "friend_rejected"
	TypeSystem         = "system"
	TypeError          = "error"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	FirstMsgLatency  time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the Yueling server.
// It manages the WebSocket lifecycle, dispatches incoming frames to registered
// handlers, and sends the hello frame as its first act so the server binds the
// connection to the given user ID.
type Client struct {
	conn      net.Conn
	userID    string
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	pongCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	firstMsg  time.Time
}

// New creates a new load test client connected to the given WebSocket URL as
// the given user. The connection is established immediately, the hello frame
// is sent, and a background goroutine begins reading frames. The user must
// already be registered on the server or the hello handshake will be rejected.
func New(ctx context.Context, url, userID string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		userID:   userID,
		handlers: make(map[string]func(json.RawMessage)),
		pongCh:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	// The server expects the hello frame before anything else.
	if err := c.Send(map[string]string{
		"type":    TypeHello,
		"user_id": userID,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}

	// Start reading frames in background.
	go c.readLoop()

	return c, nil
}

// Send sends a JSON frame to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// SendChat sends a chat message frame addressed to the given receiver.
func (c *Client) SendChat(receiverID, content string) error {
	return c.Send(map[string]string{
		"type":     TypeMessage,
		"content":  content,
		"receiver": receiverID,
	})
}

// On registers a handler for a specific server frame type. The handler
// receives the full raw JSON of the frame for flexible decoding. Handlers are
// invoked from the read loop goroutine so they should not block for extended
// periods. Only one handler per frame type is supported; registering a second
// handler for the same type replaces the first.
func (c *Client) On(frameType string, handler func(json.RawMessage)) {
	c.handlers[frameType] = handler
}

// WaitForReady confirms the server has accepted the hello handshake by
// performing a ping/pong round trip. The server only answers pings on
// attached connections, so a pong proves the handshake succeeded. Blocks
// until the pong arrives, the connection closes, or the context is cancelled.
func (c *Client) WaitForReady(ctx context.Context) error {
	if err := c.Send(map[string]string{"type": TypePing}); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection closed before handshake completed")
	case <-c.pongCh:
		return nil
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// UserID returns the user ID this connection authenticated as.
func (c *Client) UserID() string {
	return c.userID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.metrics.Errors++
			return
		}

		// Track time of first frame for FirstMsgLatency.
		if c.firstMsg.IsZero() {
			c.firstMsg = time.Now()
			c.metrics.FirstMsgLatency = c.metrics.ConnectLatency + time.Since(c.firstMsg)
		}

		c.metrics.MessagesReceived++

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		// Pongs feed the WaitForReady signal in addition to any handler.
		if envelope.Type == TypePong {
			select {
			case c.pongCh <- struct{}{}:
			default:
			}
		}

		// Dispatch to registered handler if one exists.
		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
