package models

import "fmt"

// Relay channel and event names.
const (
	GlobalChannel = "conversations"

	EventNewMessage      = "new_message"
	EventNewConversation = "new_conversation"
	EventMessagesRead    = "messages_read"
	EventStatusChanged   = "status_changed"

	EventMessage = "message"
	EventTyping  = "typing"
	EventRead    = "read"
	EventStatus  = "status"
)

// ConversationChannel names the per-conversation relay channel.
func ConversationChannel(id int64) string {
	return fmt.Sprintf("conversation-%d", id)
}

// TypingEvent is the payload of a per-conversation "typing" event.
type TypingEvent struct {
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
	IsTyping bool   `json:"is_typing"`
}

// ChangeKind classifies a store mutation for listeners.
type ChangeKind string

const (
	ChangeReplaced ChangeKind = "conversations_replaced"
	ChangeAdded    ChangeKind = "conversation_added"
	ChangeUpdated  ChangeKind = "conversation_updated"
	ChangeRemoved  ChangeKind = "conversation_removed"
	ChangeMessages ChangeKind = "messages_updated"
	ChangeTyping   ChangeKind = "typing"
	ChangeActive   ChangeKind = "active_changed"
)

// Change is delivered to store listeners after every mutation.
type Change struct {
	Kind           ChangeKind `json:"type"`
	ConversationID int64      `json:"conversation_id,omitempty"`
}
