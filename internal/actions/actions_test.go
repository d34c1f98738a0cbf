package actions_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adi-253/Haven/backend/internal/actions"
	"github.com/adi-253/Haven/backend/internal/models"
	"github.com/adi-253/Haven/backend/internal/normalizer"
	"github.com/adi-253/Haven/backend/internal/reconciler"
	"github.com/adi-253/Haven/backend/internal/store"
	"github.com/adi-253/Haven/backend/internal/typing"
	"go.uber.org/zap"
)

const viewer = int64(1)

var errUpstream = errors.New("upstream unavailable")

type typingCall struct {
	conversationID int64
	isTyping       bool
}

type stubAPI struct {
	mu sync.Mutex

	sendResponse map[string]any
	sendErr      error
	sent         []models.SendMessageRequest

	createResponse map[string]any
	createErr      error
	created        []models.CreateConversationRequest

	markErr   error
	marked    []int64
	statusErr error
	statuses  []models.ConversationStatus
	deleteErr error
	deleted   []int64
	typingErr error
	typing    []typingCall
}

func (s *stubAPI) CreateConversation(_ context.Context, req models.CreateConversationRequest) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, req)
	return s.createResponse, s.createErr
}

func (s *stubAPI) SendMessage(_ context.Context, _ int64, req models.SendMessageRequest) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, req)
	return s.sendResponse, s.sendErr
}

func (s *stubAPI) MarkRead(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, id)
	return s.markErr
}

func (s *stubAPI) SetTyping(_ context.Context, id int64, isTyping bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing = append(s.typing, typingCall{id, isTyping})
	return s.typingErr
}

func (s *stubAPI) SetStatus(_ context.Context, _ int64, status models.ConversationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return s.statusErr
}

func (s *stubAPI) DeleteConversation(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	return s.deleteErr
}

func (s *stubAPI) typingCalls() []typingCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]typingCall(nil), s.typing...)
}

func setup(t *testing.T, api *stubAPI, convs ...models.Conversation) (*actions.Service, *store.Store) {
	t.Helper()
	if len(convs) == 0 {
		convs = []models.Conversation{{ID: 42, InitiatorID: viewer, ParticipantID: 2, Status: models.StatusOpen}}
	}
	st := store.New(viewer, convs)
	norm := normalizer.New(nil)
	recon := reconciler.New(st, norm, zap.NewNop())
	svc := actions.New(api, recon, norm, typing.NewDebouncer(40*time.Millisecond), zap.NewNop())
	return svc, st
}

func TestSendConfirmsTempMessage(t *testing.T) {
	api := &stubAPI{sendResponse: map[string]any{"message_id": float64(77), "timestamp": float64(1005)}}
	svc, st := setup(t, api)

	msg, err := svc.Send(context.Background(), 42, "  hello ")
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if msg.ID != 77 || msg.Delivery != models.DeliverySent {
		t.Fatalf("unexpected confirmed message %+v", msg)
	}
	msgs := st.Messages(42)
	if len(msgs) != 1 || msgs[0].ID != 77 {
		t.Fatalf("expected a single entry 77, got %+v", msgs)
	}
	if api.sent[0].Content != "hello" || api.sent[0].SenderID != viewer || api.sent[0].ClientID == "" {
		t.Fatalf("unexpected request %+v", api.sent[0])
	}
}

func TestFailedSendIsRetainedAndRetried(t *testing.T) {
	api := &stubAPI{sendErr: errUpstream}
	svc, st := setup(t, api)

	msg, err := svc.Send(context.Background(), 42, "are you there?")
	if !errors.Is(err, errUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	msgs := st.Messages(42)
	if len(msgs) != 1 || msgs[0].Delivery != models.DeliveryFailed || msgs[0].Content != "are you there?" {
		t.Fatalf("failed message not retained: %+v", msgs)
	}

	api.sendErr = nil
	api.sendResponse = map[string]any{"id": "90", "created_at": "2024-05-01T10:00:00Z"}
	retried, err := svc.Retry(context.Background(), 42, msg.ClientID)
	if err != nil {
		t.Fatalf("Retry error: %v", err)
	}
	if retried.ID != 90 {
		t.Fatalf("expected server id 90, got %+v", retried)
	}
	msgs = st.Messages(42)
	if len(msgs) != 1 || msgs[0].ID != 90 || msgs[0].Delivery != models.DeliverySent {
		t.Fatalf("retry did not confirm: %+v", msgs)
	}
	if _, err := svc.Retry(context.Background(), 42, msg.ClientID); !errors.Is(err, actions.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound for a delivered message, got %v", err)
	}
}

func TestSendRejectsEndedAndEmpty(t *testing.T) {
	api := &stubAPI{}
	svc, _ := setup(t, api, models.Conversation{ID: 42, InitiatorID: viewer, ParticipantID: 2, Status: models.StatusEnded})

	if _, err := svc.Send(context.Background(), 42, "hi"); !errors.Is(err, actions.ErrConversationEnded) {
		t.Fatalf("expected ErrConversationEnded, got %v", err)
	}
	if _, err := svc.Send(context.Background(), 42, "   "); !errors.Is(err, actions.ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := svc.Send(context.Background(), 404, "hi"); !errors.Is(err, store.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
	if len(api.sent) != 0 {
		t.Fatalf("no request should have been made")
	}
}

func TestStatusRollbackOnFailure(t *testing.T) {
	api := &stubAPI{statusErr: errUpstream}
	svc, st := setup(t, api)

	if err := svc.Close(context.Background(), 42); !errors.Is(err, errUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	conv, _ := st.Conversation(42)
	if conv.Status != models.StatusOpen {
		t.Fatalf("expected status reverted to open, got %s", conv.Status)
	}

	api.statusErr = nil
	next, err := svc.Toggle(context.Background(), 42)
	if err != nil || next != models.StatusEnded {
		t.Fatalf("Toggle returned %s, %v", next, err)
	}
	conv, _ = st.Conversation(42)
	if conv.Status != models.StatusEnded {
		t.Fatalf("expected ended, got %s", conv.Status)
	}
	if err := svc.SetStatus(context.Background(), 42, "archived"); !errors.Is(err, actions.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestMarkReadKeepsZeroOnFailure(t *testing.T) {
	api := &stubAPI{markErr: errUpstream}
	svc, st := setup(t, api, models.Conversation{ID: 42, InitiatorID: viewer, ParticipantID: 2, Status: models.StatusOpen, UnreadCount: 3})

	if err := svc.MarkRead(context.Background(), 42); !errors.Is(err, errUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	conv, _ := st.Conversation(42)
	if conv.UnreadCount != 0 {
		t.Fatalf("expected unread 0, got %d", conv.UnreadCount)
	}
}

func TestDeleteRestoresOnFailure(t *testing.T) {
	api := &stubAPI{deleteErr: errUpstream}
	svc, st := setup(t, api,
		models.Conversation{ID: 1, InitiatorID: viewer, ParticipantID: 2},
		models.Conversation{ID: 2, InitiatorID: viewer, ParticipantID: 3},
	)
	st.SetActive(2)

	if err := svc.Delete(context.Background(), 2); !errors.Is(err, errUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if _, ok := st.Conversation(2); !ok {
		t.Fatalf("conversation not restored")
	}
	if st.Active() != 2 {
		t.Fatalf("active conversation not restored")
	}

	api.deleteErr = nil
	if err := svc.Delete(context.Background(), 2); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if _, ok := st.Conversation(2); ok {
		t.Fatalf("conversation still present")
	}
	if err := svc.Delete(context.Background(), 2); !errors.Is(err, store.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestTypingAutoStops(t *testing.T) {
	api := &stubAPI{}
	svc, _ := setup(t, api)

	if err := svc.SetTyping(context.Background(), 42, true); err != nil {
		t.Fatalf("SetTyping error: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		calls := api.typingCalls()
		if len(calls) == 2 {
			if !calls[0].isTyping || calls[1].isTyping {
				t.Fatalf("expected true then false, got %+v", calls)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("typing never auto-stopped: %+v", api.typingCalls())
}

func TestExplicitTypingStopCancelsAutoStop(t *testing.T) {
	api := &stubAPI{}
	svc, _ := setup(t, api)

	_ = svc.SetTyping(context.Background(), 42, true)
	_ = svc.SetTyping(context.Background(), 42, false)
	time.Sleep(100 * time.Millisecond)

	calls := api.typingCalls()
	if len(calls) != 2 || calls[1].isTyping {
		t.Fatalf("expected exactly one explicit stop, got %+v", calls)
	}
}

func TestStartConversationReusesOpen(t *testing.T) {
	api := &stubAPI{}
	svc, _ := setup(t, api)

	conv, created, err := svc.StartConversation(context.Background(), 2, "exam stress")
	if err != nil || created || conv.ID != 42 {
		t.Fatalf("expected existing conversation 42, got %+v created=%v err=%v", conv, created, err)
	}
	if len(api.created) != 0 {
		t.Fatalf("no create request expected")
	}
}

func TestStartConversationCreates(t *testing.T) {
	api := &stubAPI{createResponse: map[string]any{
		"id":           float64(50),
		"status":       "open",
		"created_at":   "2024-05-01 09:00:00",
	}}
	svc, st := setup(t, api)

	conv, created, err := svc.StartConversation(context.Background(), 9, "sleep")
	if err != nil || !created {
		t.Fatalf("StartConversation: %+v created=%v err=%v", conv, created, err)
	}
	if conv.ID != 50 || conv.InitiatorID != viewer || conv.ParticipantID != 9 {
		t.Fatalf("unexpected conversation %+v", conv)
	}
	if list := st.Conversations(); list[0].ID != 50 {
		t.Fatalf("new conversation should be first, got %+v", list)
	}
	if api.created[0].Subject != "sleep" || api.created[0].InitiatorID != viewer {
		t.Fatalf("unexpected create request %+v", api.created[0])
	}
	if _, _, err := svc.StartConversation(context.Background(), viewer, ""); !errors.Is(err, actions.ErrInvalidUser) {
		t.Fatalf("expected ErrInvalidUser, got %v", err)
	}
}
