package httpapi

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/Moon-Spirit/Yueling/internal/metrics"
	"github.com/Moon-Spirit/Yueling/internal/protocol"
	"github.com/Moon-Spirit/Yueling/internal/ratelimit"
	"github.com/Moon-Spirit/Yueling/internal/store"
)

func (s *Server) handleFriends(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	friends, err := s.store.Friends(r.Context(), id)
	if err != nil {
		log.Printf("httpapi: friends: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Overlay live presence on the stored friend list.
	ids := make([]string, len(friends))
	for i, f := range friends {
		ids[i] = f.ID
	}
	statuses, err := s.presence.Statuses(r.Context(), ids)
	if err != nil {
		log.Printf("httpapi: presence overlay: %v", err)
	} else {
		for i := range friends {
			friends[i].Status = statuses[friends[i].ID]
		}
	}

	writeSuccess(w, friends)
}

func (s *Server) handleFriendRequests(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	requests, err := s.store.PendingRequests(r.Context(), id)
	if err != nil {
		log.Printf("httpapi: pending requests: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeSuccess(w, requests)
}

func (s *Server) handleAddFriend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID         string `json:"user_id"`
		FriendUsername string `json:"friend_username"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	body.FriendUsername = strings.TrimSpace(body.FriendUsername)
	if body.UserID == "" || body.FriendUsername == "" {
		writeError(w, http.StatusBadRequest, "user_id and friend_username are required")
		return
	}
	if s.throttled(r, body.UserID, ratelimit.RuleFriendRequest) {
		writeError(w, http.StatusTooManyRequests, "too many friend requests, try again later")
		return
	}

	sender, err := s.store.UserByID(r.Context(), body.UserID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		log.Printf("httpapi: lookup sender: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	target, err := s.store.UserByUsername(r.Context(), body.FriendUsername)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no such user")
		return
	}
	if err != nil {
		log.Printf("httpapi: lookup target: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if target.ID == sender.ID {
		writeError(w, http.StatusBadRequest, "cannot add yourself")
		return
	}

	requestID, err := s.store.CreateFriendRequest(r.Context(), sender.ID, target.ID)
	switch {
	case errors.Is(err, store.ErrAlreadyFriends):
		writeError(w, http.StatusConflict, "already friends")
		return
	case errors.Is(err, store.ErrDuplicateRequest):
		writeError(w, http.StatusConflict, "request already pending")
		return
	case err != nil:
		log.Printf("httpapi: create request: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	metrics.FriendRequestsTotal.WithLabelValues("created").Inc()

	s.notify(target.ID, protocol.TypeFriendRequest, protocol.FriendRequest{
		ID:           requestID,
		FromID:       sender.ID,
		FromUsername: sender.Username,
		CreatedAt:    time.Now().UnixMilli(),
	})

	writeSuccess(w, map[string]string{"request_id": requestID})
}

func (s *Server) handleRespondRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequestID string `json:"request_id"`
		UserID    string `json:"user_id"`
		Accept    bool   `json:"accept"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.RequestID == "" || body.UserID == "" {
		writeError(w, http.StatusBadRequest, "request_id and user_id are required")
		return
	}

	decider, err := s.store.UserByID(r.Context(), body.UserID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		log.Printf("httpapi: lookup user: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	fromID, err := s.store.RespondFriendRequest(r.Context(), body.RequestID, body.UserID, body.Accept)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "request not found")
		return
	case errors.Is(err, store.ErrRequestResolved):
		writeError(w, http.StatusConflict, "request already resolved")
		return
	case err != nil:
		log.Printf("httpapi: respond request: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	decision := protocol.TypeFriendRejected
	outcome := "rejected"
	if body.Accept {
		decision = protocol.TypeFriendAccepted
		outcome = "accepted"
	}
	metrics.FriendRequestsTotal.WithLabelValues(outcome).Inc()

	s.notify(fromID, decision, protocol.FriendDecisionEvent{
		RequestID: body.RequestID,
		UserID:    decider.ID,
		Username:  decider.Username,
	})

	writeSuccess(w, nil)
}

// notify pushes a frame to a user's socket. Delivery is best effort;
// clients reconcile through the REST endpoints on their next sync.
func (s *Server) notify(userID, frameType string, payload interface{}) {
	frame, err := protocol.NewFrame(frameType, payload)
	if err != nil {
		log.Printf("httpapi: encode %s frame: %v", frameType, err)
		return
	}
	if err := s.notifier.PublishToUser(userID, frame); err != nil {
		log.Printf("httpapi: notify user=%s: %v", userID, err)
	}
}
