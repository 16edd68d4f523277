package httpapi

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/Moon-Spirit/Yueling/internal/ratelimit"
	"github.com/Moon-Spirit/Yueling/internal/store"
)

const (
	minUsernameLen = 3
	maxUsernameLen = 32
	minPasswordLen = 6
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResult struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.throttled(r, clientAddr(r), ratelimit.RuleAuth) {
		writeError(w, http.StatusTooManyRequests, "too many attempts, try again later")
		return
	}

	var creds credentials
	if err := decode(r, &creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	creds.Username = strings.TrimSpace(creds.Username)

	if len(creds.Username) < minUsernameLen || len(creds.Username) > maxUsernameLen {
		writeError(w, http.StatusBadRequest, "username must be 3-32 characters")
		return
	}
	if len(creds.Password) < minPasswordLen {
		writeError(w, http.StatusBadRequest, "password must be at least 6 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		log.Printf("httpapi: hash password: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	user, err := s.store.CreateUser(r.Context(), creds.Username, string(hash))
	if errors.Is(err, store.ErrUsernameTaken) {
		writeError(w, http.StatusConflict, "username already taken")
		return
	}
	if err != nil {
		log.Printf("httpapi: create user: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeSuccess(w, authResult{UserID: user.ID, Username: user.Username})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.throttled(r, clientAddr(r), ratelimit.RuleAuth) {
		writeError(w, http.StatusTooManyRequests, "too many attempts, try again later")
		return
	}

	var creds credentials
	if err := decode(r, &creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.store.UserByUsername(r.Context(), strings.TrimSpace(creds.Username))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if err != nil {
		log.Printf("httpapi: lookup user: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	writeSuccess(w, authResult{UserID: user.ID, Username: user.Username})
}

func (s *Server) handleUserExists(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}

	_, err := s.store.UserByUsername(r.Context(), username)
	if errors.Is(err, store.ErrNotFound) {
		writeSuccess(w, map[string]bool{"exists": false})
		return
	}
	if err != nil {
		log.Printf("httpapi: lookup user: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeSuccess(w, map[string]bool{"exists": true})
}
