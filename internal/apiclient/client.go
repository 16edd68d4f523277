// Package apiclient consumes the server's request/response HTTP surface:
// authentication, user info, avatars, friends, friend requests, and the
// unread message inbox. Every endpoint answers with a tagged
// {success, message, data} envelope; a response with success=false becomes an
// *APIError carrying the server's human-readable message.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/Moon-Spirit/Yueling/internal/protocol"
)

// APIError is a server-rejected operation: the request reached the server and
// was refused. It is never retried automatically.
type APIError struct {
	Message string
}

func (e *APIError) Error() string {
	return "apiclient: server rejected operation: " + e.Message
}

// UserInfo is the profile record returned by the user endpoints.
type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar,omitempty"`
}

// AuthResult is the outcome of a successful login or register call.
type AuthResult struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// Client talks to one home server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client for the server at baseURL (e.g. "http://localhost:2025").
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// envelope is the tagged success/failure wrapper every endpoint returns.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Login authenticates with username and password.
func (c *Client) Login(ctx context.Context, username, password string) (*AuthResult, error) {
	var result AuthResult
	err := c.post(ctx, "/api/login", map[string]string{
		"username": username,
		"password": password,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Register creates a new account.
func (c *Client) Register(ctx context.Context, username, password string) (*AuthResult, error) {
	var result AuthResult
	err := c.post(ctx, "/api/register", map[string]string{
		"username": username,
		"password": password,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// UserExists reports whether an account with the given username exists.
func (c *Client) UserExists(ctx context.Context, username string) (bool, error) {
	var result struct {
		Exists bool `json:"exists"`
	}
	err := c.get(ctx, "/api/users/exists?username="+url.QueryEscape(username), &result)
	if err != nil {
		return false, err
	}
	return result.Exists, nil
}

// UserInfo fetches a user's profile.
func (c *Client) UserInfo(ctx context.Context, userID string) (*UserInfo, error) {
	var info UserInfo
	if err := c.get(ctx, "/api/users/"+url.PathEscape(userID), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// UpdateUserInfo updates a user's profile fields.
func (c *Client) UpdateUserInfo(ctx context.Context, userID, nickname string) error {
	return c.put(ctx, "/api/users/"+url.PathEscape(userID), map[string]string{
		"nickname": nickname,
	}, nil)
}

// UploadAvatar uploads an avatar image and returns its reference.
func (c *Client) UploadAvatar(ctx context.Context, userID, filename string, data []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("avatar", filename)
	if err != nil {
		return "", fmt.Errorf("apiclient: build multipart: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("apiclient: build multipart: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("apiclient: build multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/users/"+url.PathEscape(userID)+"/avatar", &buf)
	if err != nil {
		return "", fmt.Errorf("apiclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var result struct {
		Avatar string `json:"avatar"`
	}
	if err := c.do(req, &result); err != nil {
		return "", err
	}
	return result.Avatar, nil
}

// Friends fetches the authoritative friend list for a user.
func (c *Client) Friends(ctx context.Context, userID string) ([]protocol.Friend, error) {
	var friends []protocol.Friend
	err := c.get(ctx, "/api/users/"+url.PathEscape(userID)+"/friends", &friends)
	if err != nil {
		return nil, err
	}
	return friends, nil
}

// FriendRequests fetches the pending requests addressed to a user.
func (c *Client) FriendRequests(ctx context.Context, userID string) ([]protocol.FriendRequest, error) {
	var requests []protocol.FriendRequest
	err := c.get(ctx, "/api/users/"+url.PathEscape(userID)+"/friend-requests", &requests)
	if err != nil {
		return nil, err
	}
	return requests, nil
}

// AddFriend proposes a friendship from userID to the user named
// friendUsername.
func (c *Client) AddFriend(ctx context.Context, userID, friendUsername string) error {
	return c.post(ctx, "/api/friends/add", map[string]string{
		"user_id":         userID,
		"friend_username": friendUsername,
	}, nil)
}

// RespondFriendRequest accepts or rejects a pending request.
func (c *Client) RespondFriendRequest(ctx context.Context, requestID, userID string, accept bool) error {
	return c.post(ctx, "/api/friend-requests/respond", map[string]interface{}{
		"request_id": requestID,
		"user_id":    userID,
		"accept":     accept,
	}, nil)
}

// UnreadMessages fetches chat messages delivered while the user was offline.
func (c *Client) UnreadMessages(ctx context.Context, userID string) ([]protocol.ChatMessage, error) {
	var messages []protocol.ChatMessage
	err := c.get(ctx, "/api/users/"+url.PathEscape(userID)+"/messages/unread", &messages)
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkMessagesRead marks previously fetched unread messages as delivered.
func (c *Client) MarkMessagesRead(ctx context.Context, messageIDs []string) error {
	return c.post(ctx, "/api/messages/read", map[string]interface{}{
		"message_ids": messageIDs,
	}, nil)
}

// ---------------------------------------------------------------------------
// HTTP plumbing
// ---------------------------------------------------------------------------

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("apiclient: build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	return c.send(ctx, http.MethodPost, path, body, out)
}

func (c *Client) put(ctx context.Context, path string, body, out interface{}) error {
	return c.send(ctx, http.MethodPut, path, body, out)
}

func (c *Client) send(ctx context.Context, method, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("apiclient: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("apiclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// do executes the request, unwraps the response envelope, and decodes the
// data field into out (which may be nil for endpoints with no payload).
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("apiclient: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("apiclient: read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("apiclient: %s %s: unexpected response (status %d): %w",
			req.Method, req.URL.Path, resp.StatusCode, err)
	}
	if !env.Success {
		return &APIError{Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("apiclient: decode response data: %w", err)
		}
	}
	return nil
}
