package models

import "time"

// ConversationStatus is the two-state open/ended machine.
type ConversationStatus string

const (
	StatusOpen  ConversationStatus = "open"
	StatusEnded ConversationStatus = "ended"
)

// Valid reports whether s is one of the two known states.
func (s ConversationStatus) Valid() bool {
	return s == StatusOpen || s == StatusEnded
}

// Conversation is a persistent thread between a student and a counselor.
type Conversation struct {
	ID int64 `json:"id"`

	// InitiatorID started the conversation, ParticipantID is the counterpart
	InitiatorID   int64 `json:"initiator_id"`
	ParticipantID int64 `json:"participant_id"`

	Subject        string             `json:"subject"`
	Status         ConversationStatus `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
	LastActivityAt time.Time          `json:"last_activity_at"`
	UnreadCount    int                `json:"unread_count"`

	// Typing lists users currently typing. Transient, never fetched.
	Typing []TypingUser `json:"typing,omitempty"`
}

// Counterpart returns the party that is not viewerID.
func (c Conversation) Counterpart(viewerID int64) int64 {
	if c.InitiatorID == viewerID {
		return c.ParticipantID
	}
	return c.InitiatorID
}

// Involves reports whether userID is one of the two parties.
func (c Conversation) Involves(userID int64) bool {
	return c.InitiatorID == userID || c.ParticipantID == userID
}

// TypingUser is one entry of a conversation's typing indicator.
type TypingUser struct {
	UserID   int64     `json:"user_id"`
	UserName string    `json:"user_name,omitempty"`
	Until    time.Time `json:"until"`
}

// CreateConversationRequest is the upstream body for POST /conversations
type CreateConversationRequest struct {
	InitiatorID   int64  `json:"initiator_id"`
	ParticipantID int64  `json:"participant_id"`
	Subject       string `json:"subject,omitempty"`
}

// StatusRequest is the upstream body for PATCH /conversations/{id}
type StatusRequest struct {
	Status ConversationStatus `json:"status"`
}

// ConversationView is the render-ready shape handed to UI consumers.
type ConversationView struct {
	Conversation
	Messages []Message `json:"messages,omitempty"`
}

// StartConversationRequest is the body of POST /api/conversations
type StartConversationRequest struct {
	CounterpartID int64  `json:"counterpart_id"`
	Subject       string `json:"subject"`
}
