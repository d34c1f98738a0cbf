package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/adi-253/Haven/backend/internal/models"
	"github.com/adi-253/Haven/backend/internal/store"
	"go.uber.org/zap"
)

// Frame types that are not store change kinds.
const (
	TypeSnapshot = "snapshot"
	TypeError    = "error"

	TypeTyping = "typing"
	TypeView   = "view"
	TypeLeave  = "leave"
	TypeRead   = "read"
)

// Actions is what a tab may ask for over its socket.
type Actions interface {
	SetTyping(ctx context.Context, id int64, isTyping bool) error
	MarkRead(ctx context.Context, id int64) error
}

// Viewer switches the conversation on screen.
type Viewer interface {
	Open(ctx context.Context, id int64) (models.ConversationView, error)
	CloseView()
}

// Hub maintains the set of connected tabs and fans every store change out
// to all of them, so tabs of one session render the same state.
type Hub struct {
	clients map[*Client]bool

	// register requests from clients
	register chan *Client

	// unregister requests from clients
	unregister chan *Client

	// broadcast carries encoded frames for every client
	broadcast chan []byte

	// resync is signalled when a change could not be queued
	resync chan struct{}

	mu sync.RWMutex

	store       *store.Store
	actions     Actions
	viewer      Viewer
	logger      *zap.Logger
	unsubscribe func()
}

// Event is a frame sent to tabs. Which fields are set depends on Type.
type Event struct {
	Type           string                `json:"type"`
	ConversationID int64                 `json:"conversation_id,omitempty"`
	Conversation   *models.Conversation  `json:"conversation,omitempty"`
	Conversations  []models.Conversation `json:"conversations,omitempty"`
	Messages       []models.Message      `json:"messages,omitempty"`
	Active         int64                 `json:"active,omitempty"`
	Error          string                `json:"error,omitempty"`
}

// WebSocketMessage is the expected format of frames from tabs.
type WebSocketMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// CommandPayload is the payload of typing, view and read frames.
type CommandPayload struct {
	ConversationID int64 `json:"conversation_id"`
	IsTyping       bool  `json:"is_typing"`
}

// NewHub creates a Hub listening to st.
func NewHub(st *store.Store, actions Actions, viewer Viewer, logger *zap.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		resync:     make(chan struct{}, 1),
		store:      st,
		actions:    actions,
		viewer:     viewer,
		logger:     logger,
	}
	h.unsubscribe = st.Subscribe(h.onChange)
	return h
}

// Run starts the hub's main event loop until ctx is done.
// This should be called in a goroutine: go hub.Run(ctx)
func (h *Hub) Run(ctx context.Context) {
	defer h.unsubscribe()
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case frame := <-h.broadcast:
			h.broadcastAll(frame)

		case <-h.resync:
			h.resyncAll()

		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("tab connected", zap.String("client_id", client.ID), zap.Int("total", total))
	client.enqueue(h.snapshot())
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		h.drop(client)
		h.logger.Info("tab disconnected", zap.String("client_id", client.ID), zap.Int("remaining", len(h.clients)))
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		h.drop(client)
	}
}

// drop removes client and closes its send channel. Caller holds mu.
func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	client.closed = true
	close(client.send)
}

// broadcastAll sends frame to every tab. A tab whose buffer is full is
// dropped; it resyncs from the snapshot when it reconnects.
func (h *Hub) broadcastAll(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		select {
		case client.send <- frame:
		default:
			h.drop(client)
			h.logger.Warn("tab too slow, disconnected", zap.String("client_id", client.ID))
		}
	}
}

// resyncAll discards queued changes and sends every tab a fresh snapshot
// instead, after a change was lost to a full queue.
func (h *Hub) resyncAll() {
	// Run is the only receiver, so a non-empty queue never blocks here
	for len(h.broadcast) > 0 {
		<-h.broadcast
	}
	h.broadcastAll(h.snapshot())
}

// ClientCount returns the number of connected tabs.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// onChange turns a store change into a frame. It runs synchronously inside
// store mutations, so it only reads the store and enqueues.
func (h *Hub) onChange(change models.Change) {
	ev := Event{Type: string(change.Kind), ConversationID: change.ConversationID}

	switch change.Kind {
	case models.ChangeReplaced:
		ev.Conversations = h.store.Conversations()
	case models.ChangeRemoved:
	case models.ChangeActive:
		ev.Active = change.ConversationID
		ev.Messages = h.store.ActiveMessages()
	default:
		if conv, ok := h.store.Conversation(change.ConversationID); ok {
			ev.Conversation = &conv
		}
		if change.Kind == models.ChangeMessages {
			ev.Messages = h.store.Messages(change.ConversationID)
		}
	}

	frame, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encoding change", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- frame:
	default:
		h.logger.Warn("broadcast queue full, resyncing tabs", zap.String("type", ev.Type))
		select {
		case h.resync <- struct{}{}:
		default:
		}
	}
}

func (h *Hub) snapshot() []byte {
	ev := Event{
		Type:          TypeSnapshot,
		Conversations: h.store.Conversations(),
		Active:        h.store.Active(),
		Messages:      h.store.ActiveMessages(),
	}
	frame, _ := json.Marshal(ev)
	return frame
}

// handle executes one frame received from client.
func (h *Hub) handle(ctx context.Context, client *Client, raw []byte) {
	var msg WebSocketMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		client.fail("invalid frame")
		return
	}
	var payload CommandPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			client.fail("invalid payload")
			return
		}
	}

	var err error
	switch msg.Type {
	case TypeTyping:
		err = h.actions.SetTyping(ctx, payload.ConversationID, payload.IsTyping)
	case TypeRead:
		err = h.actions.MarkRead(ctx, payload.ConversationID)
	case TypeView:
		_, err = h.viewer.Open(ctx, payload.ConversationID)
	case TypeLeave:
		h.viewer.CloseView()
	default:
		client.fail("unknown frame type " + msg.Type)
		return
	}
	if err != nil {
		h.logger.Debug("tab command failed", zap.String("type", msg.Type), zap.String("client_id", client.ID), zap.Error(err))
		client.fail(err.Error())
	}
}
