package httpapi

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) handleUnreadMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	messages, err := s.store.UnreadMessages(r.Context(), id)
	if err != nil {
		log.Printf("httpapi: unread messages: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeSuccess(w, messages)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MessageIDs []string `json:"message_ids"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body.MessageIDs) == 0 {
		writeError(w, http.StatusBadRequest, "message_ids is required")
		return
	}

	if err := s.store.MarkMessagesRead(r.Context(), body.MessageIDs); err != nil {
		log.Printf("httpapi: mark read: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeSuccess(w, nil)
}
