// Package protocol defines the wire frames exchanged over the duplex channel
// between a Yueling client and its home server. Every frame is a JSON object
// with a mandatory "type" string discriminator plus kind-specific fields.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Frame type constants
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

// Chat message kinds carried in the Kind field of a ChatMessage.
const (
	MessageKindChat   = "chat"
	MessageKindSystem = "system"
)

// Presence status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ---------------------------------------------------------------------------
// Domain payloads
// ---------------------------------------------------------------------------

// ChatMessage is one chat entry exchanged between two users. The ID is
// assigned by the server when the message is persisted; client-originated
// frames leave it empty. Ts is milliseconds since the Unix epoch.
type ChatMessage struct {
	ID       string `json:"id,omitempty"`
	Content  string `json:"content"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Ts       int64  `json:"ts"`
	Kind     string `json:"kind"`
}

// Friend is one entry in a user's friend list.
type Friend struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Status   string `json:"status"` // online | offline
	Avatar   string `json:"avatar,omitempty"`
}

// FriendRequest is a pending friendship proposal addressed to the recipient.
type FriendRequest struct {
	ID           string `json:"id"`
	FromID       string `json:"from_id"`
	FromUsername string `json:"from_username"`
	CreatedAt    int64  `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Frame payloads
// ---------------------------------------------------------------------------

// HelloMsg is the first frame a client sends after the channel opens. It binds
// the connection to the authenticated identity.
type HelloMsg struct {
	UserID string `json:"user_id"`
}

// PresenceEvent announces a friend going online or offline.
type PresenceEvent struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// FriendDecisionEvent notifies the original requester that their friend
// request was accepted or rejected. Carried by the friend_accepted and
// friend_rejected frame types.
type FriendDecisionEvent struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
}

// ErrorMsg communicates a non-fatal error condition to the peer.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the frame type and the raw JSON payload for deferred parsing
// into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw frame for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseFrame extracts the frame type and the raw payload from wire bytes.
// The raw payload is the complete frame, so kind-specific fields can be
// decoded by unmarshalling it into the matching payload struct.
func ParseFrame(data []byte) (string, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}
	return env.Type, env.Raw, nil
}

// NewFrame creates a JSON-encoded frame of the given type. The frameType is
// injected into the payload under the "type" key. The payload should be one
// of the frame payload structs (or nil for frames with no fields); this
// function marshals it to JSON, injects the type field, and returns the final
// bytes.
func NewFrame(frameType string, payload interface{}) ([]byte, error) {
	m := map[string]interface{}{}

	if payload != nil {
		// Marshal the payload struct to a generic map so we can ensure the
		// "type" field is present and correct.
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
		}
	}

	m["type"] = frameType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal frame: %w", err)
	}
	return out, nil
}
