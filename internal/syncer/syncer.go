// Package syncer connects the relay subscriber and the REST API to the
// reconciler. It owns the global channel bindings, the per-conversation
// channel of the conversation on screen, and cold refreshes.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/adi-253/Haven/backend/internal/models"
	"github.com/adi-253/Haven/backend/internal/normalizer"
	"github.com/adi-253/Haven/backend/internal/realtime"
	"github.com/adi-253/Haven/backend/internal/reconciler"
	"github.com/adi-253/Haven/backend/internal/store"
	"github.com/adi-253/Haven/backend/internal/typing"
	"go.uber.org/zap"
)

// API is the read side of the upstream client.
type API interface {
	ListConversations(ctx context.Context) ([]map[string]any, error)
	GetConversation(ctx context.Context, id int64) (map[string]any, error)
	ListMessages(ctx context.Context, id int64) ([]map[string]any, error)
}

// Reader marks a conversation read locally and upstream.
type Reader interface {
	MarkRead(ctx context.Context, id int64) error
}

// Relay is the pub/sub subscriber. *realtime.Client implements it.
type Relay interface {
	Subscribe(channel string) *realtime.Subscription
	Subscribed(channel string) bool
	Unsubscribe(channel string)
	OnConnect(fn func(reconnect bool))
}

// Engine feeds push events and fetches into the store.
type Engine struct {
	api    API
	relay  Relay
	reader Reader
	recon  *reconciler.Reconciler
	store  *store.Store
	norm   *normalizer.Normalizer
	typing *typing.Tracker
	logger *zap.Logger

	// ctx is the lifetime of Start, used by work triggered from push handlers
	ctx context.Context

	mu      sync.Mutex
	channel int64 // conversation whose channel is bound, 0 for none

	refreshMu  sync.Mutex
	refreshing atomic.Bool
	onRefresh  []func()
}

// New creates an Engine. relay may be nil when no relay is configured; the
// poller then carries all updates.
func New(api API, relay Relay, reader Reader, recon *reconciler.Reconciler, norm *normalizer.Normalizer, tracker *typing.Tracker, logger *zap.Logger) *Engine {
	return &Engine{
		api:    api,
		relay:  relay,
		reader: reader,
		recon:  recon,
		store:  recon.Store(),
		norm:   norm,
		typing: tracker,
		logger: logger,
		ctx:    context.Background(),
	}
}

// OnRefresh registers fn to run after every successful cold refresh.
func (e *Engine) OnRefresh(fn func()) {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()
	e.onRefresh = append(e.onRefresh, fn)
}

// Start binds the global channel and performs the first cold refresh. A
// relay reconnect triggers another refresh since events may have been
// missed while disconnected.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx = ctx
	if e.relay != nil {
		global := e.relay.Subscribe(models.GlobalChannel)
		global.Bind(models.EventNewMessage, e.handleMessage(0))
		global.Bind(models.EventNewConversation, e.handleNewConversation)
		global.Bind(models.EventMessagesRead, e.handleRead(0))
		global.Bind(models.EventStatusChanged, e.handleStatus(0))

		e.relay.OnConnect(func(reconnect bool) {
			if reconnect {
				e.logger.Info("relay reconnected, refreshing")
				e.TriggerRefresh()
			}
		})
	}
	return e.Refresh(ctx)
}

// Refresh refetches the conversation list and the active conversation's
// messages. Nothing is discarded when it fails.
func (e *Engine) Refresh(ctx context.Context) error {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	raws, err := e.api.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("refresh conversations: %w", err)
	}
	convs := e.recon.ApplyConversations(raws)
	e.logger.Debug("conversations refreshed", zap.Int("count", len(convs)))

	e.mu.Lock()
	bound := e.channel
	e.mu.Unlock()
	if bound != 0 && e.store.Active() != bound {
		// the conversation on screen was removed upstream
		e.unbind(bound)
	}

	if active := e.store.Active(); active != 0 {
		if err := e.fetchMessages(ctx, active); err != nil {
			return err
		}
	}
	for _, fn := range e.onRefresh {
		fn()
	}
	return nil
}

// TriggerRefresh starts a background refresh unless one is already running.
func (e *Engine) TriggerRefresh() {
	if !e.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer e.refreshing.Store(false)
		if err := e.Refresh(e.ctx); err != nil {
			e.logger.Warn("background refresh failed", zap.Error(err))
		}
	}()
}

// Open makes id the conversation on screen: it binds its channel, merges
// its messages and marks it read.
func (e *Engine) Open(ctx context.Context, id int64) (models.ConversationView, error) {
	if _, ok := e.store.Conversation(id); !ok {
		return models.ConversationView{}, store.ErrConversationNotFound
	}

	e.mu.Lock()
	prev := e.channel
	e.mu.Unlock()
	if prev != 0 && prev != id {
		e.unbind(prev)
	}
	e.store.SetActive(id)
	e.bind(id)

	if err := e.fetchMessages(ctx, id); err != nil {
		e.logger.Warn("initial message fetch failed", zap.Int64("conversation_id", id), zap.Error(err))
	}
	if err := e.reader.MarkRead(ctx, id); err != nil {
		e.logger.Warn("mark read failed", zap.Int64("conversation_id", id), zap.Error(err))
	}

	view, _ := e.store.View(id)
	return view, nil
}

// CloseView leaves the conversation on screen.
func (e *Engine) CloseView() {
	e.mu.Lock()
	bound := e.channel
	e.mu.Unlock()
	if bound != 0 {
		e.unbind(bound)
	}
	e.store.SetActive(0)
}

func (e *Engine) bind(id int64) {
	e.mu.Lock()
	e.channel = id
	e.mu.Unlock()

	if e.relay == nil {
		return
	}
	name := models.ConversationChannel(id)
	if e.relay.Subscribed(name) {
		return
	}
	sub := e.relay.Subscribe(name)
	sub.Bind(models.EventMessage, e.handleMessage(id))
	sub.Bind(models.EventTyping, e.handleTyping(id))
	sub.Bind(models.EventRead, e.handleRead(id))
	sub.Bind(models.EventStatus, e.handleStatus(id))
}

func (e *Engine) unbind(id int64) {
	e.mu.Lock()
	if e.channel == id {
		e.channel = 0
	}
	e.mu.Unlock()

	if e.relay != nil {
		e.relay.Unsubscribe(models.ConversationChannel(id))
	}
}

func (e *Engine) fetchMessages(ctx context.Context, id int64) error {
	raws, err := e.api.ListMessages(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch messages of %d: %w", id, err)
	}
	n, _ := e.recon.MergeMessages(id, raws)
	if n > 0 {
		e.logger.Debug("fetched messages merged", zap.Int64("conversation_id", id), zap.Int("new", n))
	}
	return nil
}

// payload decodes event data, logging and reporting false when it is not
// a JSON object.
func (e *Engine) payload(event string, data json.RawMessage) (map[string]any, bool) {
	obj, err := normalizer.Decode(data)
	if err != nil {
		e.logger.Warn("dropping malformed event", zap.String("event", event), zap.Error(err))
		return nil, false
	}
	return obj, true
}

// conversationOf returns the conversation id named by payload, or fallback.
func conversationOf(payload map[string]any, fallback int64) int64 {
	if id, ok := normalizer.Int64(payload["conversation_id"]); ok && id != 0 {
		return id
	}
	return fallback
}

// handleMessage handles new_message on the global channel (channelID 0)
// and message on a conversation channel.
func (e *Engine) handleMessage(channelID int64) realtime.Handler {
	return func(data json.RawMessage) {
		payload, ok := e.payload(models.EventMessage, data)
		if !ok {
			return
		}
		convID := conversationOf(payload, channelID)
		raw := payload
		if inner, ok := payload["message"].(map[string]any); ok {
			raw = inner
		}

		msg, outcome := e.recon.UpsertMessage(convID, raw)
		switch outcome {
		case reconciler.UnknownConversation:
			e.logger.Info("message for a conversation not in the list, refreshing", zap.Int64("conversation_id", msg.ConversationID))
			e.TriggerRefresh()
		case reconciler.Inserted:
			if msg.SenderID != e.store.ViewerID() && msg.ConversationID == e.store.Active() {
				e.typing.Stop(msg.ConversationID, msg.SenderID)
				go e.markRead(msg.ConversationID)
			}
		}
	}
}

func (e *Engine) markRead(id int64) {
	if err := e.reader.MarkRead(e.ctx, id); err != nil {
		e.logger.Debug("mark read on receipt failed", zap.Int64("conversation_id", id), zap.Error(err))
	}
}

func (e *Engine) handleNewConversation(data json.RawMessage) {
	payload, ok := e.payload(models.EventNewConversation, data)
	if !ok {
		return
	}
	raw := payload
	if inner, ok := payload["conversation"].(map[string]any); ok {
		raw = inner
		if _, has := raw["id"]; !has {
			raw["id"] = payload["conversation_id"]
		}
	}

	conv, _, err := e.norm.Conversation(raw)
	if err != nil {
		e.logger.Warn("dropping malformed new_conversation", zap.Error(err))
		return
	}
	if _, exists := e.store.Conversation(conv.ID); exists {
		return
	}
	if conv.InitiatorID == 0 && conv.ParticipantID == 0 {
		go e.fetchConversation(conv.ID)
		return
	}
	e.addConversation(conv)
}

// fetchConversation adds a conversation announced by id only. The full
// refresh is the fallback when its record cannot be fetched.
func (e *Engine) fetchConversation(id int64) {
	raw, err := e.api.GetConversation(e.ctx, id)
	if err != nil {
		e.logger.Warn("fetching new conversation failed, refreshing", zap.Int64("conversation_id", id), zap.Error(err))
		e.TriggerRefresh()
		return
	}
	conv, _, err := e.norm.Conversation(raw)
	if err != nil || conv.ID != id || (conv.InitiatorID == 0 && conv.ParticipantID == 0) {
		e.logger.Warn("incomplete conversation record, refreshing", zap.Int64("conversation_id", id))
		e.TriggerRefresh()
		return
	}
	e.addConversation(conv)
}

func (e *Engine) addConversation(conv models.Conversation) {
	if !conv.Involves(e.store.ViewerID()) {
		return
	}
	if err := e.store.AddConversation(conv); err != nil {
		e.logger.Debug("new_conversation already added", zap.Int64("conversation_id", conv.ID))
	}
}

// handleRead handles messages_read and read. A receipt from the viewer
// (another session) clears the unread count; one from the other party marks
// the viewer's messages read.
func (e *Engine) handleRead(channelID int64) realtime.Handler {
	return func(data json.RawMessage) {
		payload, ok := e.payload(models.EventRead, data)
		if !ok {
			return
		}
		convID := conversationOf(payload, channelID)
		if convID == 0 {
			return
		}
		reader, _ := normalizer.Int64(payload["reader_id"])
		if reader == e.store.ViewerID() {
			e.store.MarkConversationAsRead(convID)
			return
		}
		if err := e.recon.MarkPeerRead(convID); err != nil {
			e.logger.Debug("read receipt for unknown conversation", zap.Int64("conversation_id", convID))
		}
	}
}

func (e *Engine) handleStatus(channelID int64) realtime.Handler {
	return func(data json.RawMessage) {
		payload, ok := e.payload(models.EventStatus, data)
		if !ok {
			return
		}
		convID := conversationOf(payload, channelID)
		if convID == 0 || payload["status"] == nil {
			return
		}
		status := normalizer.Status(payload["status"])
		if _, err := e.store.SetStatus(convID, status); err != nil {
			e.logger.Debug("status for unknown conversation", zap.Int64("conversation_id", convID))
		}
	}
}

func (e *Engine) handleTyping(channelID int64) realtime.Handler {
	return func(data json.RawMessage) {
		payload, ok := e.payload(models.EventTyping, data)
		if !ok {
			return
		}
		ev := models.TypingEvent{UserName: normalizer.String(payload["user_name"])}
		ev.UserID, _ = normalizer.Int64(payload["user_id"])
		ev.IsTyping, _ = normalizer.Bool(payload["is_typing"])
		e.typing.Observe(conversationOf(payload, channelID), ev)
	}
}
