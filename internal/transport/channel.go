// Package transport owns the single duplex WebSocket connection between a
// Yueling client and its home server. It handles connect, send, frame
// delivery, close, and automatic reconnection with a fixed delay and a
// bounded attempt count.
package transport

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrNotConnected is returned by Send when the channel is not open. Frames
// sent while the channel is connecting are rejected, not buffered.
var ErrNotConnected = errors.New("transport: not connected")

// State is the lifecycle state of the channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Config holds tunable parameters for the channel.
type Config struct {
	URL                  string        // WebSocket URL, e.g. "ws://localhost:2025/ws"
	DialTimeout          time.Duration // timeout for each dial attempt
	ReconnectDelay       time.Duration // fixed delay between reconnection attempts
	MaxReconnectAttempts int           // attempts before giving up
}

// DefaultConfig returns a Config with the production defaults: a fixed 3
// second reconnect delay and at most 5 attempts per outage.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		DialTimeout:          10 * time.Second,
		ReconnectDelay:       3 * time.Second,
		MaxReconnectAttempts: 5,
	}
}

// Channel is the client side of the duplex stream. All sends are serialized
// through a per-channel write mutex; inbound frames are delivered to the
// onFrame callback from a single read goroutine, so delivery preserves the
// server's send order.
type Channel struct {
	config Config

	mu          sync.Mutex
	conn        net.Conn
	state       State
	attempts    int
	reconnect   *time.Timer
	manualClose bool

	writeMu sync.Mutex // serializes outbound frames

	onFrame func(data []byte)
	onState func(state State)
	onDown  func(err error)
}

// New creates a Channel with the given configuration. The onFrame callback is
// invoked from the read goroutine for every inbound text frame; it must not
// call back into Close synchronously.
func New(config Config, onFrame func(data []byte)) *Channel {
	return &Channel{
		config:  config,
		state:   StateDisconnected,
		onFrame: onFrame,
	}
}

// SetOnStateChange registers a callback invoked after every state transition.
// It must be set before Connect is called. Callbacks run outside the channel's
// lock, so when transitions race (Close against a scheduled reconnect) the
// notifications may arrive out of order; observers that need the truth should
// read State rather than trust the last notification.
func (c *Channel) SetOnStateChange(fn func(state State)) {
	c.onState = fn
}

// SetOnDown registers a callback invoked when the reconnection attempt cap is
// exhausted. The channel stays disconnected until an explicit Connect call,
// which resets the attempt counter. It must be set before Connect is called.
func (c *Channel) SetOnDown(fn func(err error)) {
	c.onDown = fn
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the connection. Calling Connect while the channel is
// already open or connecting is a no-op success. An explicit Connect resets
// the reconnection attempt counter, including after the channel has given up.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.cancelReconnectLocked()
	c.manualClose = false
	c.attempts = 0
	c.state = StateConnecting
	c.mu.Unlock()
	c.notifyState(StateConnecting)

	return c.dial(ctx)
}

// dial performs one dial attempt and transitions the channel to open on
// success or disconnected on failure. The caller must have already set the
// state to connecting.
func (c *Channel) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	conn, _, _, err := ws.Dial(dialCtx, c.config.URL)

	c.mu.Lock()
	if c.manualClose {
		c.state = StateDisconnected
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		c.notifyState(StateDisconnected)
		return nil
	}
	if err != nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		c.notifyState(StateDisconnected)
		return err
	}
	c.conn = conn
	c.attempts = 0
	c.state = StateOpen
	c.mu.Unlock()
	c.notifyState(StateOpen)

	go c.readLoop(conn)
	return nil
}

// Send writes one text frame to the server. It fails with ErrNotConnected
// unless the channel is open.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	if c.state != StateOpen || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(conn, ws.OpText, data)
}

// Close tears down the connection and cancels any pending reconnection
// attempt, so a closed channel never silently reopens. It is safe to call
// multiple times.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.manualClose = true
	c.cancelReconnectLocked()

	if c.conn == nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		return nil
	}

	conn := c.conn
	c.conn = nil
	c.state = StateClosing
	c.mu.Unlock()
	c.notifyState(StateClosing)

	err := conn.Close()

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.notifyState(StateDisconnected)
	return err
}

// readLoop reads frames from one connection and delivers them in order. When
// the read fails the loop triggers disconnect handling for that connection
// and exits; a loop belonging to a superseded connection exits silently.
func (c *Channel) readLoop(conn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		if c.onFrame != nil {
			c.onFrame(data)
		}
	}
}

// handleDisconnect reacts to an unexpected read failure. Failures from stale
// connections (already replaced or closed by Close) are ignored; otherwise a
// reconnection attempt is scheduled after the fixed delay.
func (c *Channel) handleDisconnect(conn net.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// The read failure belongs to a connection that Close or a later
		// Connect already replaced.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected

	if c.manualClose {
		c.mu.Unlock()
		c.notifyState(StateDisconnected)
		return
	}

	log.Printf("transport: connection lost: %v", err)
	gaveUp := c.scheduleReconnectLocked()
	c.mu.Unlock()
	c.notifyState(StateDisconnected)

	if gaveUp {
		c.notifyDown(err)
	}
}

// scheduleReconnectLocked schedules the next reconnection attempt after the
// fixed delay, or reports give-up when the attempt cap is reached. The caller
// must hold c.mu. Returns true when the channel has given up.
func (c *Channel) scheduleReconnectLocked() bool {
	if c.attempts >= c.config.MaxReconnectAttempts {
		log.Printf("transport: giving up after %d reconnection attempts", c.attempts)
		return true
	}
	c.attempts++
	attempt := c.attempts
	log.Printf("transport: scheduling reconnection attempt %d/%d in %s",
		attempt, c.config.MaxReconnectAttempts, c.config.ReconnectDelay)
	c.reconnect = time.AfterFunc(c.config.ReconnectDelay, c.tryReconnect)
	return false
}

// cancelReconnectLocked stops a pending reconnection timer. The caller must
// hold c.mu.
func (c *Channel) cancelReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

// tryReconnect is invoked by the reconnect timer. A failed attempt still
// counts toward the cap and schedules the next attempt identically.
func (c *Channel) tryReconnect() {
	c.mu.Lock()
	if c.manualClose || c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.notifyState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(context.Background(), c.config.DialTimeout)
	conn, _, _, err := ws.Dial(dialCtx, c.config.URL)
	cancel()

	c.mu.Lock()
	if c.manualClose {
		c.state = StateDisconnected
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		c.notifyState(StateDisconnected)
		return
	}
	if err != nil {
		log.Printf("transport: reconnection attempt %d failed: %v", c.attempts, err)
		c.state = StateDisconnected
		gaveUp := c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.notifyState(StateDisconnected)
		if gaveUp {
			c.notifyDown(err)
		}
		return
	}

	c.conn = conn
	c.attempts = 0
	c.state = StateOpen
	c.mu.Unlock()
	c.notifyState(StateOpen)
	log.Printf("transport: reconnected to %s", c.config.URL)

	go c.readLoop(conn)
}

func (c *Channel) notifyState(state State) {
	if c.onState != nil {
		c.onState(state)
	}
}

func (c *Channel) notifyDown(err error) {
	if c.onDown != nil {
		c.onDown(err)
	}
}
