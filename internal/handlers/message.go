package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/adi-253/Haven/backend/internal/actions"
	"github.com/adi-253/Haven/backend/internal/models"
	"github.com/adi-253/Haven/backend/internal/store"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// MessageHandler contains HTTP handlers for the messages of a conversation.
type MessageHandler struct {
	store   *store.Store
	actions *actions.Service
	logger  *zap.Logger
}

// NewMessageHandler creates a new MessageHandler instance.
func NewMessageHandler(st *store.Store, svc *actions.Service, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{store: st, actions: svc, logger: logger}
}

// SendMessageBody is the body of POST /api/conversations/{id}/messages
type SendMessageBody struct {
	Content string `json:"content"`
}

// FailedSendResponse is returned when the upstream rejected a send. The
// message stays in the conversation marked failed.
type FailedSendResponse struct {
	Error   string         `json:"error"`
	Message models.Message `json:"message"`
}

// GetMessages handles GET /api/conversations/{id}/messages
// Returns the rendered list for the conversation on screen, the cached list
// otherwise.
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	if _, exists := h.store.Conversation(id); !exists {
		writeError(w, store.ErrConversationNotFound)
		return
	}

	msgs := h.store.Messages(id)
	if h.store.Active() == id {
		msgs = h.store.ActiveMessages()
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// SendMessage handles POST /api/conversations/{id}/messages
func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	var req SendMessageBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	msg, err := h.actions.Send(r.Context(), id, req.Content)
	h.respondSend(w, msg, err)
}

// RetryMessage handles POST /api/conversations/{id}/messages/{clientID}/retry
func (h *MessageHandler) RetryMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	clientID := chi.URLParam(r, "clientID")
	if clientID == "" {
		http.Error(w, "client ID is required", http.StatusBadRequest)
		return
	}

	msg, err := h.actions.Retry(r.Context(), id, clientID)
	h.respondSend(w, msg, err)
}

func (h *MessageHandler) respondSend(w http.ResponseWriter, msg models.Message, err error) {
	if err == nil {
		writeJSON(w, http.StatusCreated, msg)
		return
	}
	if msg.Delivery == models.DeliveryFailed {
		h.logger.Info("send failed, message kept for retry",
			zap.Int64("conversation_id", msg.ConversationID),
			zap.String("client_id", msg.ClientID),
			zap.Error(err))
		writeJSON(w, http.StatusBadGateway, FailedSendResponse{Error: err.Error(), Message: msg})
		return
	}
	writeError(w, err)
}

// isClientError reports whether err is the caller's fault rather than the
// upstream's.
func isClientError(err error) bool {
	return errors.Is(err, actions.ErrEmptyMessage) ||
		errors.Is(err, actions.ErrInvalidStatus) ||
		errors.Is(err, actions.ErrInvalidUser)
}
