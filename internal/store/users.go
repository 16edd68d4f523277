package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// User is a registered account row.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Nickname     string
	Avatar       string
}

// ErrUsernameTaken is returned by CreateUser when the username is already
// registered.
var ErrUsernameTaken = fmt.Errorf("store: username taken")

// CreateUser inserts a new account with the given bcrypt hash and returns
// the created row.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*User, error) {
	user := &User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: passwordHash,
	}

	const query = `
		INSERT INTO users (id, username, password_hash)
		VALUES ($1, $2, $3)`

	_, err := s.db.ExecContext(ctx, query, user.ID, user.Username, user.PasswordHash)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	return user, nil
}

// UserByUsername looks up an account by its unique username.
func (s *Store) UserByUsername(ctx context.Context, username string) (*User, error) {
	const query = `
		SELECT id, username, password_hash, nickname, avatar
		FROM users WHERE username = $1`
	return s.scanUser(s.db.QueryRowContext(ctx, query, username))
}

// UserByID looks up an account by id.
func (s *Store) UserByID(ctx context.Context, id string) (*User, error) {
	const query = `
		SELECT id, username, password_hash, nickname, avatar
		FROM users WHERE id = $1`
	return s.scanUser(s.db.QueryRowContext(ctx, query, id))
}

// UpdateNickname sets the display nickname for an account.
func (s *Store) UpdateNickname(ctx context.Context, id, nickname string) error {
	const query = `UPDATE users SET nickname = $2 WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, id, nickname)
	if err != nil {
		return fmt.Errorf("store: update nickname: %w", err)
	}
	return requireRow(res)
}

// SetAvatar records the avatar path for an account.
func (s *Store) SetAvatar(ctx context.Context, id, avatar string) error {
	const query = `UPDATE users SET avatar = $2 WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, id, avatar)
	if err != nil {
		return fmt.Errorf("store: set avatar: %w", err)
	}
	return requireRow(res)
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Nickname, &u.Avatar)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan user: %w", err)
	}
	return &u, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
