package httpapi

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/Moon-Spirit/Yueling/internal/store"
)

// maxAvatarSize bounds avatar uploads to 2 MiB.
const maxAvatarSize = 2 << 20

type userInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar,omitempty"`
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	user, err := s.store.UserByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		log.Printf("httpapi: lookup user: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeSuccess(w, userInfo{
		ID:       user.ID,
		Username: user.Username,
		Nickname: user.Nickname,
		Avatar:   user.Avatar,
	})
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		Nickname string `json:"nickname"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.store.UpdateNickname(r.Context(), id, strings.TrimSpace(body.Nickname))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		log.Printf("httpapi: update nickname: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeSuccess(w, nil)
}

func (s *Server) handleUploadAvatar(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, err := s.store.UserByID(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		log.Printf("httpapi: lookup user: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAvatarSize)
	file, header, err := r.FormFile("avatar")
	if err != nil {
		writeError(w, http.StatusBadRequest, "avatar file is required")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
	default:
		writeError(w, http.StatusBadRequest, "unsupported image format")
		return
	}

	if err := os.MkdirAll(s.avatarDir, 0o755); err != nil {
		log.Printf("httpapi: create avatar dir: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	name := fmt.Sprintf("%s%s", uuid.New().String(), ext)
	dst, err := os.Create(filepath.Join(s.avatarDir, name))
	if err != nil {
		log.Printf("httpapi: create avatar file: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		log.Printf("httpapi: write avatar file: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	ref := "/avatars/" + name
	if err := s.store.SetAvatar(r.Context(), id, ref); err != nil {
		log.Printf("httpapi: set avatar: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeSuccess(w, map[string]string{"avatar": ref})
}
