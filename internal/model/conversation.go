package model

import (
	"time"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
)

// Conversation is a thread grouping messages, identified uniquely by
// (channel, external thread id).
type Conversation struct {
	ID               string             `json:"id"`
	ChannelID        string             `json:"channel_id"`
	ExternalThreadID string             `json:"external_thread_id"`
	Subject          string             `json:"subject,omitempty"`
	Status           ConversationStatus `json:"status"`
	LastMessageAt    *time.Time         `json:"last_message_at,omitempty"`
	UnreadCount      int                `json:"unread_count"`
	Metadata         map[string]any     `json:"metadata,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// ParticipantRole is a participant's role within one conversation.
type ParticipantRole string

const (
	RoleSender    ParticipantRole = "sender"
	RoleRecipient ParticipantRole = "recipient"
	RoleMember    ParticipantRole = "member"
)

// ConversationParticipant joins a Participant into a Conversation with a role.
// Idempotent on (conversation, participant).
type ConversationParticipant struct {
	ConversationID string          `json:"conversation_id"`
	ParticipantID  string          `json:"participant_id"`
	Role           ParticipantRole `json:"role"`
	CreatedAt      time.Time       `json:"created_at"`
}
