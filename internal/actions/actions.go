// Package actions implements the one-shot user actions. Each one applies an
// optimistic store mutation, calls the upstream API, and on failure runs
// the mutation's compensating undo before returning the error.
package actions

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/adi-253/Haven/backend/internal/models"
	"github.com/adi-253/Haven/backend/internal/normalizer"
	"github.com/adi-253/Haven/backend/internal/reconciler"
	"github.com/adi-253/Haven/backend/internal/store"
	"github.com/adi-253/Haven/backend/internal/typing"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrConversationEnded = errors.New("actions: conversation has ended")
	ErrEmptyMessage      = errors.New("actions: message is empty")
	ErrMessageNotFound   = errors.New("actions: no failed message with that client id")
	ErrInvalidStatus     = errors.New("actions: invalid conversation status")
	ErrInvalidUser       = errors.New("actions: invalid counterpart")
)

// API is the subset of the upstream client the actions call.
type API interface {
	CreateConversation(ctx context.Context, req models.CreateConversationRequest) (map[string]any, error)
	SendMessage(ctx context.Context, id int64, req models.SendMessageRequest) (map[string]any, error)
	MarkRead(ctx context.Context, id int64) error
	SetTyping(ctx context.Context, id int64, isTyping bool) error
	SetStatus(ctx context.Context, id int64, status models.ConversationStatus) error
	DeleteConversation(ctx context.Context, id int64) error
}

// command is an optimistic mutation paired with the remote call that makes
// it durable. apply returns the undo for its own mutation, nil when there is
// nothing to revert.
type command struct {
	name           string
	conversationID int64
	apply          func() (undo func(), err error)
	call           func(ctx context.Context) error
}

// Service runs actions for the store's viewer.
type Service struct {
	api    API
	recon  *reconciler.Reconciler
	store  *store.Store
	norm   *normalizer.Normalizer
	typing *typing.Debouncer
	logger *zap.Logger

	now   func() time.Time
	newID func() string
}

// New creates a Service. debouncer schedules the automatic stop after
// SetTyping(true).
func New(api API, recon *reconciler.Reconciler, norm *normalizer.Normalizer, debouncer *typing.Debouncer, logger *zap.Logger) *Service {
	return &Service{
		api:    api,
		recon:  recon,
		store:  recon.Store(),
		norm:   norm,
		typing: debouncer,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return "temp-" + uuid.NewString() },
	}
}

func (s *Service) run(ctx context.Context, c command) error {
	var undo func()
	if c.apply != nil {
		var err error
		if undo, err = c.apply(); err != nil {
			return err
		}
	}
	if err := c.call(ctx); err != nil {
		if undo != nil {
			undo()
		}
		s.logger.Warn("action failed",
			zap.String("action", c.name),
			zap.Int64("conversation_id", c.conversationID),
			zap.Bool("rolled_back", undo != nil),
			zap.Error(err))
		return fmt.Errorf("%s: %w", c.name, err)
	}
	return nil
}

// Send posts text to conversationID. The message appears immediately as
// pending; a failed send stays in the list marked failed so it can be
// retried.
func (s *Service) Send(ctx context.Context, conversationID int64, text string) (models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Message{}, ErrEmptyMessage
	}
	conv, ok := s.store.Conversation(conversationID)
	if !ok {
		return models.Message{}, store.ErrConversationNotFound
	}
	if conv.Status == models.StatusEnded {
		return models.Message{}, ErrConversationEnded
	}

	s.stopTyping(conversationID)

	msg := models.Message{
		ClientID:       s.newID(),
		ConversationID: conversationID,
		SenderID:       s.store.ViewerID(),
		Content:        text,
		Timestamp:      s.now(),
	}
	return s.deliver(ctx, "send", msg, func() error { return s.recon.AddOptimistic(msg) })
}

// Retry resends the viewer's failed message clientID.
func (s *Service) Retry(ctx context.Context, conversationID int64, clientID string) (models.Message, error) {
	msgs := s.store.Messages(conversationID)
	i := slices.IndexFunc(msgs, func(m models.Message) bool {
		return m.ClientID == clientID && m.Delivery == models.DeliveryFailed
	})
	if i < 0 {
		return models.Message{}, ErrMessageNotFound
	}
	if conv, ok := s.store.Conversation(conversationID); ok && conv.Status == models.StatusEnded {
		return models.Message{}, ErrConversationEnded
	}
	msg := msgs[i]
	return s.deliver(ctx, "retry", msg, func() error {
		return s.recon.SetDelivery(conversationID, clientID, models.DeliveryPending)
	})
}

func (s *Service) deliver(ctx context.Context, name string, msg models.Message, apply func() error) (models.Message, error) {
	confirmed := msg
	err := s.run(ctx, command{
		name:           name,
		conversationID: msg.ConversationID,
		apply: func() (func(), error) {
			if err := apply(); err != nil {
				return nil, err
			}
			return func() {
				_ = s.recon.SetDelivery(msg.ConversationID, msg.ClientID, models.DeliveryFailed)
			}, nil
		},
		call: func(ctx context.Context) error {
			raw, err := s.api.SendMessage(ctx, msg.ConversationID, models.SendMessageRequest{
				SenderID: msg.SenderID,
				Content:  msg.Content,
				ClientID: msg.ClientID,
			})
			if err != nil {
				return err
			}
			if raw == nil {
				raw = map[string]any{}
			}
			confirmed, err = s.recon.ConfirmMessage(msg.ConversationID, msg.ClientID, raw)
			if err != nil {
				// Accepted upstream but unreadable; the next poll or push
				// will carry the server copy.
				s.logger.Warn("send response unreadable", zap.Int64("conversation_id", msg.ConversationID), zap.Error(err))
				_ = s.recon.SetDelivery(msg.ConversationID, msg.ClientID, models.DeliverySent)
				confirmed = msg
				confirmed.Delivery = models.DeliverySent
			}
			return nil
		},
	})
	if err != nil {
		msg.Delivery = models.DeliveryFailed
		return msg, err
	}
	return confirmed, nil
}

// MarkRead zeroes the unread count and tells the server. The local state is
// kept even when the call fails.
func (s *Service) MarkRead(ctx context.Context, conversationID int64) error {
	return s.run(ctx, command{
		name:           "mark_read",
		conversationID: conversationID,
		apply: func() (func(), error) {
			s.store.MarkConversationAsRead(conversationID)
			return nil, nil
		},
		call: func(ctx context.Context) error { return s.api.MarkRead(ctx, conversationID) },
	})
}

// SetTyping publishes the viewer's typing state. A true state is followed
// by an automatic false once the quiet window passes without another
// SetTyping(true).
func (s *Service) SetTyping(ctx context.Context, conversationID int64, isTyping bool) error {
	if !isTyping {
		s.typing.Cancel(conversationID)
		return s.run(ctx, command{
			name:           "typing",
			conversationID: conversationID,
			call:           func(ctx context.Context) error { return s.api.SetTyping(ctx, conversationID, false) },
		})
	}
	return s.run(ctx, command{
		name:           "typing",
		conversationID: conversationID,
		apply: func() (func(), error) {
			s.typing.Renew(conversationID, func() { s.expireTyping(conversationID) })
			return func() { s.typing.Cancel(conversationID) }, nil
		},
		call: func(ctx context.Context) error { return s.api.SetTyping(ctx, conversationID, true) },
	})
}

func (s *Service) expireTyping(conversationID int64) {
	if err := s.api.SetTyping(context.Background(), conversationID, false); err != nil {
		s.logger.Debug("automatic typing stop failed", zap.Int64("conversation_id", conversationID), zap.Error(err))
	}
}

// stopTyping ends a pending typing state early.
func (s *Service) stopTyping(conversationID int64) {
	if s.typing.Cancel(conversationID) {
		go s.expireTyping(conversationID)
	}
}

// SetStatus moves conversationID to status and reverts to the previous
// status if the server rejects it.
func (s *Service) SetStatus(ctx context.Context, conversationID int64, status models.ConversationStatus) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	return s.run(ctx, command{
		name:           "set_status",
		conversationID: conversationID,
		apply: func() (func(), error) {
			prev, err := s.store.SetStatus(conversationID, status)
			if err != nil {
				return nil, err
			}
			return func() { _, _ = s.store.SetStatus(conversationID, prev) }, nil
		},
		call: func(ctx context.Context) error { return s.api.SetStatus(ctx, conversationID, status) },
	})
}

// Close ends conversationID.
func (s *Service) Close(ctx context.Context, conversationID int64) error {
	return s.SetStatus(ctx, conversationID, models.StatusEnded)
}

// Reopen opens conversationID again.
func (s *Service) Reopen(ctx context.Context, conversationID int64) error {
	return s.SetStatus(ctx, conversationID, models.StatusOpen)
}

// Toggle flips conversationID between open and ended and returns the new
// status.
func (s *Service) Toggle(ctx context.Context, conversationID int64) (models.ConversationStatus, error) {
	conv, ok := s.store.Conversation(conversationID)
	if !ok {
		return "", store.ErrConversationNotFound
	}
	next := models.StatusEnded
	if conv.Status == models.StatusEnded {
		next = models.StatusOpen
	}
	return next, s.SetStatus(ctx, conversationID, next)
}

// Delete removes conversationID locally and upstream, restoring it when the
// server refuses.
func (s *Service) Delete(ctx context.Context, conversationID int64) error {
	return s.run(ctx, command{
		name:           "delete",
		conversationID: conversationID,
		apply: func() (func(), error) {
			wasActive := s.store.Active() == conversationID
			removed, ok := s.store.DeleteConversation(conversationID)
			if !ok {
				return nil, store.ErrConversationNotFound
			}
			return func() {
				s.store.Restore(removed)
				if wasActive {
					s.store.SetActive(conversationID)
				}
			}, nil
		},
		call: func(ctx context.Context) error { return s.api.DeleteConversation(ctx, conversationID) },
	})
}

// StartConversation returns the viewer's open conversation with
// counterpartID, creating one upstream when there is none. created reports
// whether a new conversation was made.
func (s *Service) StartConversation(ctx context.Context, counterpartID int64, subject string) (conv models.Conversation, created bool, err error) {
	if counterpartID == 0 || counterpartID == s.store.ViewerID() {
		return models.Conversation{}, false, ErrInvalidUser
	}
	if existing, ok := s.store.FindByCounterpart(counterpartID); ok && existing.Status == models.StatusOpen {
		return existing, false, nil
	}

	raw, err := s.api.CreateConversation(ctx, models.CreateConversationRequest{
		InitiatorID:   s.store.ViewerID(),
		ParticipantID: counterpartID,
		Subject:       strings.TrimSpace(subject),
	})
	if err != nil {
		return models.Conversation{}, false, fmt.Errorf("create conversation: %w", err)
	}
	conv, _, err = s.norm.Conversation(raw)
	if err != nil {
		return models.Conversation{}, false, fmt.Errorf("create conversation: %w", err)
	}
	if conv.InitiatorID == 0 {
		conv.InitiatorID = s.store.ViewerID()
	}
	if conv.ParticipantID == 0 {
		conv.ParticipantID = counterpartID
	}

	if err := s.store.AddConversation(conv); errors.Is(err, store.ErrDuplicateConversation) {
		// A push event for the same conversation got there first.
		existing, _ := s.store.Conversation(conv.ID)
		return existing, false, nil
	}
	return conv, true, nil
}
