package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Moon-Spirit/Yueling/internal/protocol"
)

// Request-level errors surfaced to the HTTP layer.
var (
	ErrAlreadyFriends  = errors.New("store: already friends")
	ErrDuplicateRequest = errors.New("store: request already pending")
	ErrRequestResolved = errors.New("store: request already resolved")
)

// orderedPair normalises a friendship edge so the smaller id is stored
// first, matching the CHECK constraint on the friendships table.
func orderedPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

// Friends returns the friend list for a user. Status is reported offline;
// live presence is layered on top by the caller.
func (s *Store) Friends(ctx context.Context, userID string) ([]protocol.Friend, error) {
	const query = `
		SELECT u.id, u.username, u.avatar
		FROM friendships f
		JOIN users u ON u.id = CASE WHEN f.user_a = $1 THEN f.user_b ELSE f.user_a END
		WHERE f.user_a = $1 OR f.user_b = $1
		ORDER BY u.username ASC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: friends: %w", err)
	}
	defer rows.Close()

	friends := []protocol.Friend{}
	for rows.Next() {
		f := protocol.Friend{Status: protocol.StatusOffline}
		if err := rows.Scan(&f.ID, &f.Username, &f.Avatar); err != nil {
			return nil, fmt.Errorf("store: scan friend: %w", err)
		}
		friends = append(friends, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: friends: %w", err)
	}
	return friends, nil
}

// FriendIDs returns just the ids of a user's friends, for presence fan-out.
func (s *Store) FriendIDs(ctx context.Context, userID string) ([]string, error) {
	const query = `
		SELECT CASE WHEN user_a = $1 THEN user_b ELSE user_a END
		FROM friendships
		WHERE user_a = $1 OR user_b = $1`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: friend ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan friend id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: friend ids: %w", err)
	}
	return ids, nil
}

// AreFriends reports whether a friendship edge exists between two users.
func (s *Store) AreFriends(ctx context.Context, a, b string) (bool, error) {
	a, b = orderedPair(a, b)

	const query = `
		SELECT EXISTS (SELECT 1 FROM friendships WHERE user_a = $1 AND user_b = $2)`

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, a, b).Scan(&exists); err != nil {
		return false, fmt.Errorf("store: are friends: %w", err)
	}
	return exists, nil
}

// CreateFriendRequest files a pending request from one user to another.
// Duplicate pending requests and requests between existing friends are
// rejected.
func (s *Store) CreateFriendRequest(ctx context.Context, fromID, toID string) (string, error) {
	friends, err := s.AreFriends(ctx, fromID, toID)
	if err != nil {
		return "", err
	}
	if friends {
		return "", ErrAlreadyFriends
	}

	id := uuid.New().String()

	const query = `
		INSERT INTO friend_requests (id, from_id, to_id)
		VALUES ($1, $2, $3)`

	_, err = s.db.ExecContext(ctx, query, id, fromID, toID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return "", ErrDuplicateRequest
		}
		return "", fmt.Errorf("store: create friend request: %w", err)
	}
	return id, nil
}

// PendingRequests returns requests awaiting a decision from the given user.
func (s *Store) PendingRequests(ctx context.Context, userID string) ([]protocol.FriendRequest, error) {
	const query = `
		SELECT r.id, r.from_id, u.username,
		       (EXTRACT(EPOCH FROM r.created_at) * 1000)::BIGINT
		FROM friend_requests r
		JOIN users u ON u.id = r.from_id
		WHERE r.to_id = $1 AND r.status = 'pending'
		ORDER BY r.created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: pending requests: %w", err)
	}
	defer rows.Close()

	reqs := []protocol.FriendRequest{}
	for rows.Next() {
		var r protocol.FriendRequest
		if err := rows.Scan(&r.ID, &r.FromID, &r.FromUsername, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan request: %w", err)
		}
		reqs = append(reqs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: pending requests: %w", err)
	}
	return reqs, nil
}

// RespondFriendRequest resolves a pending request addressed to userID.
// On acceptance the friendship edge is created in the same transaction.
// It returns the id of the user who sent the request, so the caller can
// notify them of the decision.
func (s *Store) RespondFriendRequest(ctx context.Context, requestID, userID string, accept bool) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	var fromID, status string
	const lookup = `
		SELECT from_id, status
		FROM friend_requests
		WHERE id = $1 AND to_id = $2
		FOR UPDATE`

	err = tx.QueryRowContext(ctx, lookup, requestID, userID).Scan(&fromID, &status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: lookup request: %w", err)
	}
	if status != "pending" {
		return "", ErrRequestResolved
	}

	newStatus := "rejected"
	if accept {
		newStatus = "accepted"
	}

	const resolve = `
		UPDATE friend_requests
		SET status = $2, resolved_at = NOW()
		WHERE id = $1`

	if _, err := tx.ExecContext(ctx, resolve, requestID, newStatus); err != nil {
		return "", fmt.Errorf("store: resolve request: %w", err)
	}

	if accept {
		a, b := orderedPair(fromID, userID)
		const link = `
			INSERT INTO friendships (user_a, user_b)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING`
		if _, err := tx.ExecContext(ctx, link, a, b); err != nil {
			return "", fmt.Errorf("store: create friendship: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit: %w", err)
	}
	return fromID, nil
}
