// Package client — api.go provides a minimal HTTP helper for provisioning
// test accounts and friendships before a load test run. It talks to the
// server's REST API and unwraps the standard success/message/data envelope.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// API is a thin client for the server's provisioning endpoints.
type API struct {
	baseURL string
	client  *http.Client
}

// NewAPI creates an API client for the given base URL, for example
// "http://localhost:8080".
func NewAPI(baseURL string) *API {
	return &API{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// envelope mirrors the server's response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Register creates a new account and returns its user ID.
func (a *API) Register(ctx context.Context, username, password string) (string, error) {
	var result struct {
		UserID string `json:"user_id"`
	}
	err := a.post(ctx, "/api/register", map[string]string{
		"username": username,
		"password": password,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.UserID, nil
}

// AddFriend files a friend request from userID to the named user and returns
// the request ID.
func (a *API) AddFriend(ctx context.Context, userID, friendUsername string) (string, error) {
	var result struct {
		RequestID string `json:"request_id"`
	}
	err := a.post(ctx, "/api/friends/add", map[string]string{
		"user_id":         userID,
		"friend_username": friendUsername,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.RequestID, nil
}

// AcceptRequest accepts a pending friend request on behalf of the addressee.
func (a *API) AcceptRequest(ctx context.Context, requestID, userID string) error {
	return a.post(ctx, "/api/friend-requests/respond", map[string]interface{}{
		"request_id": requestID,
		"user_id":    userID,
		"accept":     true,
	}, nil)
}

// post sends a JSON body and decodes the enveloped response data into out.
func (a *API) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", path, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%s: status %d: %w", path, resp.StatusCode, err)
	}
	if !env.Success {
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, env.Message)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s: decode data: %w", path, err)
		}
	}
	return nil
}
