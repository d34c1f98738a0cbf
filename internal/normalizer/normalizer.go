// Package normalizer turns loosely typed wire payloads into canonical
// models. Field names and encodings vary between the REST API, the relay
// and older clients, so every field is looked up under its known aliases
// and coerced. Anything the parser had to invent is reported in the result
// instead of being hidden.
package normalizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/adi-253/Haven/backend/internal/models"
	"github.com/google/uuid"
)

var (
	// ErrMissingConversation is returned when neither the payload nor the
	// caller supplies a conversation id.
	ErrMissingConversation = errors.New("normalizer: missing conversation id")

	// ErrNotObject is returned by Decode for payloads that are not JSON objects.
	ErrNotObject = errors.New("normalizer: payload is not an object")
)

// syntheticNamespace seeds deterministic ids for payloads that carry none,
// so a redelivered id-less message maps to the same key.
var syntheticNamespace = uuid.MustParse("8f0c6a52-3a4e-4d8b-9a51-52f1d0c1e7a4")

// Fallback flags the fields a parse had to fill in.
type Fallback uint8

const (
	// FallbackTimestamp means the timestamp was missing or unparseable and
	// the current wall clock was used.
	FallbackTimestamp Fallback = 1 << iota

	// FallbackIdentity means the payload had no id at all and a
	// deterministic synthetic client id was derived from its content.
	FallbackIdentity
)

// Result is a successfully parsed message.
type Result struct {
	Message   models.Message
	Fallbacks Fallback

	// RawTimestamp is the original timestamp value when FallbackTimestamp is set
	RawTimestamp any
}

// Has reports whether f was applied.
func (r Result) Has(f Fallback) bool {
	return r.Fallbacks&f != 0
}

// Normalizer parses wire payloads. The zero value uses time.Now.
type Normalizer struct {
	now func() time.Time
}

// New creates a Normalizer with the given clock. A nil clock means time.Now.
func New(now func() time.Time) *Normalizer {
	return &Normalizer{now: now}
}

func (n *Normalizer) clock() time.Time {
	if n == nil || n.now == nil {
		return time.Now().UTC()
	}
	return n.now().UTC()
}

// Decode unmarshals a JSON object keeping numbers as json.Number so large
// ids survive intact.
func Decode(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("normalizer: decode: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return obj, nil
}

// Message parses a raw message. conversationID is used when the payload
// itself carries none (messages fetched from a conversation's endpoint).
func (n *Normalizer) Message(raw map[string]any, conversationID int64) (Result, error) {
	var res Result
	msg := &res.Message

	if id, ok := Int64(first(raw, "conversation_id", "conversationId")); ok && id != 0 {
		msg.ConversationID = id
	} else {
		msg.ConversationID = conversationID
	}
	if msg.ConversationID == 0 {
		return Result{}, ErrMissingConversation
	}

	msg.SenderID, _ = Int64(first(raw, "sender_id", "senderId", "user_id"))
	msg.Content = String(first(raw, "content", "text", "body"))
	msg.Read = readFlag(raw)

	// Server ids may arrive under either name. A non-numeric id is a client
	// id echoed back before acknowledgement.
	if idv := first(raw, "message_id", "id"); idv != nil {
		if id, ok := Int64(idv); ok {
			msg.ID = id
		} else {
			msg.ClientID = String(idv)
		}
	}
	if cid := String(first(raw, "client_id", "temp_id", "tempId")); cid != "" {
		msg.ClientID = cid
	}

	rawTS := first(raw, "timestamp", "created_at", "sent_at")
	if ts, ok := Time(rawTS); ok {
		msg.Timestamp = ts
	} else {
		msg.Timestamp = n.clock()
		res.Fallbacks |= FallbackTimestamp
		res.RawTimestamp = rawTS
	}

	if msg.ID == 0 && msg.ClientID == "" {
		seed := fmt.Sprintf("%d|%d|%v|%s", msg.ConversationID, msg.SenderID, rawTS, msg.Content)
		msg.ClientID = "synthetic-" + uuid.NewSHA1(syntheticNamespace, []byte(seed)).String()
		res.Fallbacks |= FallbackIdentity
	}

	return res, nil
}

// Conversation parses a raw conversation. Unknown statuses are treated as
// open; a missing or bad created_at falls back to the clock.
func (n *Normalizer) Conversation(raw map[string]any) (models.Conversation, Fallback, error) {
	var conv models.Conversation
	var fb Fallback

	id, ok := Int64(first(raw, "id", "conversation_id", "conversationId"))
	if !ok || id == 0 {
		return conv, 0, ErrMissingConversation
	}
	conv.ID = id
	conv.InitiatorID, _ = Int64(first(raw, "initiator_id", "student_id", "user_id"))
	conv.ParticipantID, _ = Int64(first(raw, "participant_id", "counselor_id", "recipient_id"))
	conv.Subject = String(first(raw, "subject", "label", "title"))
	conv.Status = Status(first(raw, "status"))

	if ts, ok := Time(first(raw, "created_at", "createdAt")); ok {
		conv.CreatedAt = ts
	} else {
		conv.CreatedAt = n.clock()
		fb |= FallbackTimestamp
	}
	if ts, ok := Time(first(raw, "last_activity_at", "last_message_at", "updated_at")); ok {
		conv.LastActivityAt = ts
	} else {
		conv.LastActivityAt = conv.CreatedAt
	}
	if unread, ok := Int64(first(raw, "unread_count", "unreadCount")); ok && unread > 0 {
		conv.UnreadCount = int(unread)
	}
	return conv, fb, nil
}

// Status coerces a wire status. Anything that is not an ended synonym is open.
func Status(v any) models.ConversationStatus {
	switch strings.ToLower(strings.TrimSpace(String(v))) {
	case "ended", "closed", "end", "close":
		return models.StatusEnded
	default:
		return models.StatusOpen
	}
}

func readFlag(raw map[string]any) bool {
	if b, ok := Bool(first(raw, "read", "is_read", "isRead")); ok {
		return b
	}
	if at := first(raw, "read_at"); at != nil && String(at) != "" {
		return true
	}
	return false
}

func first(raw map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// Int64 coerces numbers and numeric strings.
func Int64(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, true
		}
		if f, err := t.Float64(); err == nil {
			return wholeFloat(f)
		}
	case float64:
		return wholeFloat(t)
	case int:
		return int64(t), true
	case int64:
		return t, true
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

// wholeFloat converts f when it is integral and within int64 range.
func wholeFloat(f float64) (int64, bool) {
	if f != math.Trunc(f) || math.Abs(f) >= 1<<63 {
		return 0, false
	}
	return int64(f), true
}

// String renders scalars as strings. nil becomes "".
func String(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// Bool accepts booleans, 0/1 and "true"/"false".
func Bool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(t)
		return b, err == nil
	default:
		if i, ok := Int64(v); ok {
			return i != 0, true
		}
	}
	return false, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// Time parses RFC 3339, Laravel-style datetimes and epoch seconds or
// milliseconds. Zone-less datetimes are taken as UTC.
func Time(v any) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epoch(f)
		}
		return time.Time{}, false
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return epoch(f)
	case float64:
		return epoch(t)
	case int64:
		return epoch(float64(t))
	case int:
		return epoch(float64(t))
	}
	return time.Time{}, false
}

// epoch treats values past 1e12 as milliseconds.
func epoch(f float64) (time.Time, bool) {
	if f < 0 || f >= 1<<63 || math.IsNaN(f) {
		return time.Time{}, false
	}
	if f >= 1e12 {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}
