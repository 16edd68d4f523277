// Package messaging provides a NATS client wrapper for routing frames
// between server instances. Each connected user gets a per-user subject,
// so a frame published for a user reaches whichever instance holds their
// socket. It handles connection lifecycle and subscription cleanup.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns.
const (
	// SubjectUserFrames carries frames destined for one user's socket:
	// user.frames.<user_id>
	SubjectUserFrames = "user.frames"
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "yueling",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishToUser publishes a raw frame to a user's frame subject. The
// instance holding that user's socket delivers it.
func (c *NATSClient) PublishToUser(userID string, frame []byte) error {
	return c.conn.Publish(SubjectUserFrames+"."+userID, frame)
}

// SubscribeUser subscribes to a user's frame subject. Called when the
// user's socket attaches to this instance.
func (c *NATSClient) SubscribeUser(userID string, handler func(frame []byte)) error {
	subject := SubjectUserFrames + "." + userID
	return c.subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeUser drops the subscription for a user's frame subject.
// Called when the user's socket detaches.
func (c *NATSClient) UnsubscribeUser(userID string) error {
	return c.unsubscribe(SubjectUserFrames + "." + userID)
}

// subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup. Re-subscribing a subject drops
// the previous subscription, which happens when a reconnecting user displaces
// their old socket on the same instance before it detaches.
func (c *NATSClient) subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	prev := c.subs[subject]
	c.subs[subject] = sub
	c.mu.Unlock()

	if prev != nil {
		if err := prev.Unsubscribe(); err != nil {
			log.Printf("[nats] unsubscribe displaced %s: %v", subject, err)
		}
	}
	return nil
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
