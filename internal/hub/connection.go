package hub

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single authenticated WebSocket client with a
// write mutex for serializing outbound frames.
type Connection struct {
	UserID    string
	Conn      net.Conn
	CreatedAt time.Time
	lastSeen  int64 // unix nano of last inbound frame, updated atomically
	writeMu   sync.Mutex
}

// WriteFrame sends a WebSocket text frame to this connection. The write
// mutex ensures concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame on the connection.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Touch records inbound activity for heartbeat accounting.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastSeen, time.Now().UnixNano())
}

// LastSeen returns the time of the last inbound frame.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastSeen))
}

// Registry is a thread-safe map of user ids to their live connection.
// Each user has at most one connection per server instance; a new
// connection for the same user displaces the old one.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]*Connection
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{byUser: make(map[string]*Connection)}
}

// Add registers a connection for a user and returns the displaced
// connection, if any. The caller is responsible for closing it.
func (r *Registry) Add(conn *Connection) *Connection {
	r.mu.Lock()
	prev := r.byUser[conn.UserID]
	r.byUser[conn.UserID] = conn
	r.mu.Unlock()
	return prev
}

// Remove deregisters a user's connection, but only if the registered
// connection is the one given. This prevents a slow disconnect from
// displacing a newer connection for the same user. Returns true if the
// connection was removed.
func (r *Registry) Remove(conn *Connection) bool {
	r.mu.Lock()
	current, ok := r.byUser[conn.UserID]
	if ok && current == conn {
		delete(r.byUser, conn.UserID)
	} else {
		ok = false
	}
	r.mu.Unlock()
	return ok
}

// Get returns the connection for the given user id, or nil if offline.
func (r *Registry) Get(userID string) *Connection {
	r.mu.RLock()
	conn := r.byUser[userID]
	r.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice
// is safe to iterate without holding the lock.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byUser))
	for _, conn := range r.byUser {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()
	return conns
}
