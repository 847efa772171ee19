package model

import (
	"encoding/json"
	"time"
)

// EventType discriminates webhook events from the messaging provider.
type EventType string

const (
	EventMessageReceived     EventType = "message.received"
	EventMessageSent         EventType = "message.sent"
	EventMessageDelivered    EventType = "message.delivered"
	EventMessageRead         EventType = "message.read"
	EventMailReceived        EventType = "mail_received"
	EventMailSent            EventType = "mail_sent"
	EventAccountConnected    EventType = "account.connected"
	EventAccountDisconnected EventType = "account.disconnected"
)

// Webhook is the parsed form of one provider delivery: a tagged union of the
// per-channel payload shapes. Exactly one of Chat, Email, Account is set.
type Webhook struct {
	Event     EventType
	AccountID string
	Channel   ChannelType

	Chat    *ChatPayload
	Email   *EmailPayload
	Account *AccountEventPayload

	// Raw is the provider body as received, preserved into message metadata.
	Raw json.RawMessage
}

// RawAttendee is an unparsed chat participant entry.
type RawAttendee struct {
	ID     string `json:"attendee_id"`
	Name   string `json:"attendee_name"`
	IsSelf bool   `json:"is_self"`
}

// RawAttachment is an unparsed provider attachment entry.
type RawAttachment struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
	Name string `json:"name"`
}

// ChatPayload is a chat-channel message event (WhatsApp, LinkedIn messaging).
type ChatPayload struct {
	MessageID  string
	TrackingID string
	ChatID     string
	ChatType   string
	Text       string
	SenderID   string
	SenderName string
	// IsSender and IsFromMe are tri-state: nil when the provider omitted the
	// flag. Direction detection depends on the distinction.
	IsSender    *bool
	IsFromMe    *bool
	Status      string
	Timestamp   json.RawMessage
	Attachments []RawAttachment
	Attendees   []RawAttendee
}

// RawAddress is an email address as the provider sends it, display name and
// all ("\"Jane Doe\" <jane@example.com>" split into its parts).
type RawAddress struct {
	Identifier  string `json:"identifier"`
	DisplayName string `json:"display_name"`
}

// EmailPayload is an email event.
type EmailPayload struct {
	MessageID   string
	TrackingID  string
	ThreadID    string
	Subject     string
	Body        string
	BodyPlain   string
	BodyHTML    string
	From        RawAddress
	To          []RawAddress
	CC          []RawAddress
	Folder      string
	IsSender    *bool
	Status      string
	Timestamp   json.RawMessage
	Attachments []RawAttachment
}

// AccountEventPayload is an account-level lifecycle event.
type AccountEventPayload struct {
	AccountID   string
	ChannelType ChannelType
	Name        string
	Identifier  string
	Status      string
	OccurredAt  time.Time
}
