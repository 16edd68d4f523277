// Package httpapi serves the REST API: account auth, user profiles, the
// friend graph, and the unread message inbox. Every response is wrapped
// in a {success, message, data} envelope. Realtime side effects (friend
// request notifications, decisions) are pushed to the affected user's
// socket through the message bus.
package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Moon-Spirit/Yueling/internal/metrics"
	"github.com/Moon-Spirit/Yueling/internal/protocol"
	"github.com/Moon-Spirit/Yueling/internal/ratelimit"
	"github.com/Moon-Spirit/Yueling/internal/store"
)

// Store is the persistence surface the API needs.
type Store interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*store.User, error)
	UserByUsername(ctx context.Context, username string) (*store.User, error)
	UserByID(ctx context.Context, id string) (*store.User, error)
	UpdateNickname(ctx context.Context, id, nickname string) error
	SetAvatar(ctx context.Context, id, avatar string) error
	Friends(ctx context.Context, userID string) ([]protocol.Friend, error)
	PendingRequests(ctx context.Context, userID string) ([]protocol.FriendRequest, error)
	CreateFriendRequest(ctx context.Context, fromID, toID string) (string, error)
	RespondFriendRequest(ctx context.Context, requestID, userID string, accept bool) (string, error)
	UnreadMessages(ctx context.Context, receiverID string) ([]protocol.ChatMessage, error)
	MarkMessagesRead(ctx context.Context, messageIDs []string) error
}

// PresenceReader resolves live status for a batch of users.
type PresenceReader interface {
	Statuses(ctx context.Context, userIDs []string) (map[string]string, error)
}

// Notifier pushes a frame to a user's live socket, wherever it is.
type Notifier interface {
	PublishToUser(userID string, frame []byte) error
}

// Limiter throttles abusable endpoints.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Server holds the API's dependencies.
type Server struct {
	store     Store
	presence  PresenceReader
	notifier  Notifier
	limiter   Limiter
	avatarDir string
}

// New creates the API server.
func New(st Store, pr PresenceReader, notifier Notifier, avatarDir string) *Server {
	return &Server{
		store:     st,
		presence:  pr,
		notifier:  notifier,
		avatarDir: avatarDir,
	}
}

// SetLimiter enables throttling on the auth and friend request endpoints.
func (s *Server) SetLimiter(limiter Limiter) {
	s.limiter = limiter
}

// throttled reports whether the request should be rejected under the
// given rule. A nil limiter or a limiter error admits the request.
func (s *Server) throttled(r *http.Request, identifier string, rule ratelimit.Rule) bool {
	if s.limiter == nil {
		return false
	}
	allowed, err := s.limiter.Allow(r.Context(), identifier, rule)
	return err == nil && !allowed
}

// clientAddr extracts the caller's address for per-IP throttling.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Routes registers all API routes on a new router.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.instrument)

	api.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/users/exists", s.handleUserExists).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}", s.handleUserInfo).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}", s.handleUpdateUser).Methods(http.MethodPut)
	api.HandleFunc("/users/{id}/avatar", s.handleUploadAvatar).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}/friends", s.handleFriends).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/friend-requests", s.handleFriendRequests).Methods(http.MethodGet)
	api.HandleFunc("/friends/add", s.handleAddFriend).Methods(http.MethodPost)
	api.HandleFunc("/friend-requests/respond", s.handleRespondRequest).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}/messages/unread", s.handleUnreadMessages).Methods(http.MethodGet)
	api.HandleFunc("/messages/read", s.handleMarkRead).Methods(http.MethodPost)

	return r
}

// instrument records request latency per route template.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// envelope is the tagged success/failure wrapper every endpoint returns.
type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeSuccess(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Message: "ok", Data: data}); err != nil {
		log.Printf("httpapi: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: false, Message: message}); err != nil {
		log.Printf("httpapi: encode response: %v", err)
	}
}

// decode reads a JSON request body into dst.
func decode(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}
