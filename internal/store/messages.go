package store

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/Moon-Spirit/Yueling/internal/protocol"
)

// SaveMessage persists a chat message. Messages destined for offline
// receivers stay unread until the receiver drains its inbox.
func (s *Store) SaveMessage(ctx context.Context, msg *protocol.ChatMessage) error {
	const query = `
		INSERT INTO messages (id, sender_id, receiver_id, content, kind, ts)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.Sender, msg.Receiver, msg.Content, msg.Kind, msg.Ts)
	if err != nil {
		return fmt.Errorf("store: save message: %w", err)
	}
	return nil
}

// UnreadMessages returns all undelivered messages for a receiver in send
// order.
func (s *Store) UnreadMessages(ctx context.Context, receiverID string) ([]protocol.ChatMessage, error) {
	const query = `
		SELECT id, sender_id, receiver_id, content, kind, ts
		FROM messages
		WHERE receiver_id = $1 AND NOT read
		ORDER BY ts ASC`

	rows, err := s.db.QueryContext(ctx, query, receiverID)
	if err != nil {
		return nil, fmt.Errorf("store: unread messages: %w", err)
	}
	defer rows.Close()

	msgs := []protocol.ChatMessage{}
	for rows.Next() {
		var m protocol.ChatMessage
		if err := rows.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Content, &m.Kind, &m.Ts); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: unread messages: %w", err)
	}
	return msgs, nil
}

// MarkMessagesRead flags the given message ids as delivered.
func (s *Store) MarkMessagesRead(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	const query = `UPDATE messages SET read = TRUE WHERE id = ANY($1)`

	_, err := s.db.ExecContext(ctx, query, pq.Array(messageIDs))
	if err != nil {
		return fmt.Errorf("store: mark read: %w", err)
	}
	return nil
}
