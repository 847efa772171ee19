package model

import (
	"time"
)

// Direction labels who originated a message relative to the channel's account.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageStatus is a message's delivery state. Statuses only upgrade along
// pending → sent → delivered → read; failed is terminal from any state.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// statusRank orders delivery states for merge upgrades.
var statusRank = map[MessageStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
	StatusFailed:    4,
}

// UpgradeStatus returns the later of two delivery states. Unknown states never
// downgrade a known one.
func UpgradeStatus(current, incoming MessageStatus) MessageStatus {
	ci, ok := statusRank[current]
	if !ok {
		return incoming
	}
	ii, ok := statusRank[incoming]
	if !ok {
		return current
	}
	if ii > ci {
		return incoming
	}
	return current
}

// Message is one unit of communication. ExternalID is unique per channel once
// known; TrackingID is the provisional identity assigned at API-send time
// before the provider reports its permanent id. Content is immutable after
// creation; merges may only upgrade status, backfill ExternalID and union
// metadata keys.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	ChannelID      string         `json:"channel_id"`
	ExternalID     string         `json:"external_message_id,omitempty"`
	TrackingID     string         `json:"tracking_id,omitempty"`
	Direction      Direction      `json:"direction"`
	Status         MessageStatus  `json:"status"`
	Content        string         `json:"content"`
	HTMLContent    string         `json:"html_content,omitempty"`
	SenderID       string         `json:"sender_participant_id,omitempty"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	ReceivedAt     *time.Time     `json:"received_at,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Attachment describes one piece of media carried by a message.
type Attachment struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// NormalizedMessage is the transformer's output: one provider-independent
// shape the rest of the pipeline operates on.
type NormalizedMessage struct {
	ExternalID       string
	TrackingID       string
	ExternalThreadID string
	Subject          string
	Content          string
	HTMLContent      string
	Timestamp        time.Time
	Attachments      []Attachment
	Sender           ParticipantDescriptor
	Recipients       []ParticipantDescriptor
	Status           MessageStatus
	Metadata         map[string]any
}
