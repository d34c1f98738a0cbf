package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/adi-253/Haven/backend/internal/actions"
	"github.com/adi-253/Haven/backend/internal/api"
	"github.com/adi-253/Haven/backend/internal/models"
	"github.com/adi-253/Haven/backend/internal/store"
	"github.com/adi-253/Haven/backend/internal/syncer"
	"github.com/go-chi/chi/v5"
)

// ConversationHandler contains HTTP handlers for conversation operations.
// Reads are served from the store; writes go through the optimistic
// actions.
type ConversationHandler struct {
	store   *store.Store
	actions *actions.Service
	engine  *syncer.Engine
}

// NewConversationHandler creates a new ConversationHandler instance.
func NewConversationHandler(st *store.Store, svc *actions.Service, engine *syncer.Engine) *ConversationHandler {
	return &ConversationHandler{store: st, actions: svc, engine: engine}
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ListConversations handles GET /api/conversations
func (h *ConversationHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Conversations())
}

// StartConversation handles POST /api/conversations
// Returns the existing open conversation with the counterpart (200) or the
// newly created one (201).
func (h *ConversationHandler) StartConversation(w http.ResponseWriter, r *http.Request) {
	var req models.StartConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	conv, created, err := h.actions.StartConversation(r.Context(), req.CounterpartID, req.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conv)
}

// GetConversation handles GET /api/conversations/{id}
func (h *ConversationHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	view, exists := h.store.View(id)
	if !exists {
		writeError(w, store.ErrConversationNotFound)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// UpdateStatus handles PATCH /api/conversations/{id}
// Body: {"status": "open" | "ended"}. The status reverts if the upstream
// refuses the change.
func (h *ConversationHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	var req models.StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.actions.SetStatus(r.Context(), id, req.Status); err != nil {
		writeError(w, err)
		return
	}
	conv, _ := h.store.Conversation(id)
	writeJSON(w, http.StatusOK, conv)
}

// DeleteConversation handles DELETE /api/conversations/{id}
func (h *ConversationHandler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	if err := h.actions.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkRead handles POST /api/conversations/{id}/read
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	if _, exists := h.store.Conversation(id); !exists {
		writeError(w, store.ErrConversationNotFound)
		return
	}
	if err := h.actions.MarkRead(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetTyping handles POST /api/conversations/{id}/typing
// Body: {"is_typing": bool}. A true state stops by itself after the quiet
// window unless renewed.
func (h *ConversationHandler) SetTyping(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	var req models.TypingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.actions.SetTyping(r.Context(), id, req.IsTyping); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// OpenView handles POST /api/conversations/{id}/view
// Makes the conversation the one on screen and returns it with its messages.
func (h *ConversationHandler) OpenView(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	view, err := h.engine.Open(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// CloseView handles DELETE /api/view
func (h *ConversationHandler) CloseView(w http.ResponseWriter, r *http.Request) {
	h.engine.CloseView()
	w.WriteHeader(http.StatusNoContent)
}

func conversationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "valid conversation ID is required", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// writeError maps action and store errors to a status code.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, store.ErrConversationNotFound), errors.Is(err, actions.ErrMessageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, actions.ErrConversationEnded):
		status = http.StatusConflict
	case isClientError(err):
		status = http.StatusBadRequest
	case api.IsAuthError(err):
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// writeJSON is a helper function to write JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
