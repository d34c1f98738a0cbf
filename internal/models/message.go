package models

import (
	"fmt"
	"time"
)

// DeliveryStatus tracks a message sent by the current viewer.
// It is client-only and never sent upstream.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryRead    DeliveryStatus = "read"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Message is the canonical chat message held by the store.
type Message struct {
	// ID is the server-assigned id, zero until the server acknowledges it
	ID int64 `json:"message_id,omitempty"`

	// ClientID is the temporary id given to an optimistic send
	ClientID string `json:"client_id,omitempty"`

	ConversationID int64     `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Read           bool      `json:"read"`

	// Delivery is only set on messages authored by the viewer
	Delivery DeliveryStatus `json:"delivery,omitempty"`
}

// Key returns the message's identity: the server id when known, else the
// client id.
func (m Message) Key() string {
	if m.ID != 0 {
		return fmt.Sprintf("id:%d", m.ID)
	}
	return "client:" + m.ClientID
}

// SameAs reports whether m and o are two representations of one message.
// Server ids decide when both sides have one; otherwise a shared client id
// does (a server echo that carries the client id it was sent with).
func (m Message) SameAs(o Message) bool {
	if m.ID != 0 && o.ID != 0 {
		return m.ID == o.ID
	}
	return m.ClientID != "" && m.ClientID == o.ClientID
}

// SendMessageRequest is the upstream body for POST /conversations/{id}/messages
type SendMessageRequest struct {
	SenderID int64  `json:"sender_id"`
	Content  string `json:"content"`
	ClientID string `json:"client_id,omitempty"`
}

// TypingRequest is the upstream body for POST /conversations/{id}/typing
type TypingRequest struct {
	IsTyping bool `json:"is_typing"`
}
