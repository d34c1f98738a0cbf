package normalizer_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/adi-253/Haven/backend/internal/models"
	"github.com/adi-253/Haven/backend/internal/normalizer"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newNormalizer() *normalizer.Normalizer {
	return normalizer.New(func() time.Time { return fixedNow })
}

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	raw, err := normalizer.Decode([]byte(s))
	if err != nil {
		t.Fatalf("decode %s: %v", s, err)
	}
	return raw
}

func TestMessageAliases(t *testing.T) {
	n := newNormalizer()
	res, err := n.Message(decode(t, `{"message_id":3,"conversation_id":"42","sender_id":7,"content":"hi","timestamp":150,"is_read":0}`), 0)
	if err != nil {
		t.Fatalf("Message error: %v", err)
	}
	m := res.Message
	if m.ID != 3 || m.ConversationID != 42 || m.SenderID != 7 || m.Content != "hi" {
		t.Fatalf("unexpected message: %+v", m)
	}
	if !m.Timestamp.Equal(time.Unix(150, 0)) {
		t.Fatalf("expected epoch 150, got %v", m.Timestamp)
	}
	if m.Read {
		t.Fatalf("expected unread message")
	}
	if res.Fallbacks != 0 {
		t.Fatalf("expected no fallbacks, got %v", res.Fallbacks)
	}
}

func TestMessageUsesCallerConversation(t *testing.T) {
	n := newNormalizer()
	res, err := n.Message(decode(t, `{"id":9,"user_id":2,"text":"x","created_at":"2026-01-02 03:04:05","read_at":"2026-01-02 03:05:00"}`), 42)
	if err != nil {
		t.Fatalf("Message error: %v", err)
	}
	if res.Message.ConversationID != 42 || res.Message.ID != 9 || res.Message.SenderID != 2 {
		t.Fatalf("unexpected message: %+v", res.Message)
	}
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if !res.Message.Timestamp.Equal(want) {
		t.Fatalf("expected %v, got %v", want, res.Message.Timestamp)
	}
	if !res.Message.Read {
		t.Fatalf("read_at should mark the message read")
	}
}

func TestMessageMissingConversation(t *testing.T) {
	n := newNormalizer()
	_, err := n.Message(decode(t, `{"id":1,"content":"x"}`), 0)
	if !errors.Is(err, normalizer.ErrMissingConversation) {
		t.Fatalf("expected ErrMissingConversation, got %v", err)
	}
}

func TestMessageBadTimestampFallsBackToNow(t *testing.T) {
	n := newNormalizer()
	res, err := n.Message(decode(t, `{"id":1,"conversation_id":1,"timestamp":"yesterday-ish"}`), 0)
	if err != nil {
		t.Fatalf("Message error: %v", err)
	}
	if !res.Has(normalizer.FallbackTimestamp) {
		t.Fatalf("expected timestamp fallback flag")
	}
	if !res.Message.Timestamp.Equal(fixedNow) {
		t.Fatalf("expected clock time, got %v", res.Message.Timestamp)
	}
	if res.RawTimestamp != "yesterday-ish" {
		t.Fatalf("expected raw timestamp preserved, got %v", res.RawTimestamp)
	}
}

func TestMessageStringIDIsClientID(t *testing.T) {
	n := newNormalizer()
	res, err := n.Message(decode(t, `{"id":"temp-1000","conversation_id":5,"timestamp":1000}`), 0)
	if err != nil {
		t.Fatalf("Message error: %v", err)
	}
	if res.Message.ID != 0 || res.Message.ClientID != "temp-1000" {
		t.Fatalf("expected client id only, got %+v", res.Message)
	}
}

func TestMessageWithoutIdentityIsDeterministic(t *testing.T) {
	n := newNormalizer()
	payload := `{"conversation_id":5,"sender_id":3,"content":"same","timestamp":"2026-01-01T00:00:00Z"}`
	a, err := n.Message(decode(t, payload), 0)
	if err != nil {
		t.Fatalf("Message error: %v", err)
	}
	b, _ := n.Message(decode(t, payload), 0)
	if !a.Has(normalizer.FallbackIdentity) {
		t.Fatalf("expected identity fallback flag")
	}
	if a.Message.ClientID == "" || a.Message.ClientID != b.Message.ClientID {
		t.Fatalf("synthetic ids differ: %q vs %q", a.Message.ClientID, b.Message.ClientID)
	}
}

func TestTimeFormats(t *testing.T) {
	cases := []struct {
		in   any
		want time.Time
	}{
		{"2026-01-02T03:04:05Z", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"2026-01-02T03:04:05.250+02:00", time.Date(2026, 1, 2, 1, 4, 5, 250e6, time.UTC)},
		{"2026-01-02 03:04:05", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		{float64(1005), time.Unix(1005, 0).UTC()},
		{float64(1767225600000), time.UnixMilli(1767225600000).UTC()},
		{"1005", time.Unix(1005, 0).UTC()},
	}
	for _, c := range cases {
		got, ok := normalizer.Time(c.in)
		if !ok {
			t.Fatalf("Time(%v) failed", c.in)
		}
		if !got.Equal(c.want) {
			t.Fatalf("Time(%v) = %v, want %v", c.in, got, c.want)
		}
	}
	if _, ok := normalizer.Time("not a time"); ok {
		t.Fatalf("expected failure for garbage")
	}
	if _, ok := normalizer.Time(float64(-1)); ok {
		t.Fatalf("expected failure for negative epoch")
	}
}

func TestInt64Range(t *testing.T) {
	cases := []struct {
		in   any
		want int64
		ok   bool
	}{
		{float64(42), 42, true},
		{json.Number("9007199254740993"), 9007199254740993, true},
		{json.Number("4.2e1"), 42, true},
		{"17", 17, true},
		{float64(1.5), 0, false},
		{float64(1e19), 0, false},
		{float64(-1e19), 0, false},
		{json.Number("1e19"), 0, false},
		{json.Number("1e400"), 0, false},
	}
	for _, c := range cases {
		got, ok := normalizer.Int64(c.in)
		if ok != c.ok || got != c.want {
			t.Fatalf("Int64(%v) = %d, %v; want %d, %v", c.in, got, ok, c.want, c.ok)
		}
	}
	if _, ok := normalizer.Time(float64(1e30)); ok {
		t.Fatalf("out of range epoch accepted")
	}
}

func TestConversation(t *testing.T) {
	n := newNormalizer()
	conv, fb, err := n.Conversation(decode(t, `{"id":42,"student_id":1,"counselor_id":2,"subject":"exam stress","status":"closed","created_at":"2026-01-01T00:00:00Z","unread_count":"3"}`))
	if err != nil {
		t.Fatalf("Conversation error: %v", err)
	}
	if conv.ID != 42 || conv.InitiatorID != 1 || conv.ParticipantID != 2 || conv.Subject != "exam stress" {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
	if conv.Status != models.StatusEnded {
		t.Fatalf("expected ended, got %s", conv.Status)
	}
	if conv.UnreadCount != 3 {
		t.Fatalf("expected unread 3, got %d", conv.UnreadCount)
	}
	if !conv.LastActivityAt.Equal(conv.CreatedAt) {
		t.Fatalf("last activity should default to created_at")
	}
	if fb != 0 {
		t.Fatalf("expected no fallbacks, got %v", fb)
	}
}

func TestConversationMissingID(t *testing.T) {
	n := newNormalizer()
	if _, _, err := n.Conversation(decode(t, `{"subject":"x"}`)); !errors.Is(err, normalizer.ErrMissingConversation) {
		t.Fatalf("expected ErrMissingConversation, got %v", err)
	}
}

func TestDecodeRejectsArrays(t *testing.T) {
	if _, err := normalizer.Decode([]byte(`[1,2]`)); !errors.Is(err, normalizer.ErrNotObject) {
		t.Fatalf("expected ErrNotObject, got %v", err)
	}
}
