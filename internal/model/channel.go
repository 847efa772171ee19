// Package model defines data structures for the communication ingestion pipeline.
package model

import (
	"time"
)

// ChannelType identifies the kind of external communication account.
type ChannelType string

const (
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelEmail    ChannelType = "email"
	ChannelLinkedIn ChannelType = "linkedin"
)

// AuthStatus is the connection state of a channel.
type AuthStatus string

const (
	AuthStatusConnected    AuthStatus = "connected"
	AuthStatusDisconnected AuthStatus = "disconnected"
	AuthStatusFailed       AuthStatus = "failed"
)

// Channel represents one connected external communication account: a WhatsApp
// number, a mailbox, a LinkedIn profile. The owning tenant is implicit in the
// schema the row lives in.
type Channel struct {
	ID                string      `json:"id"`
	ProviderAccountID string      `json:"provider_account_id"`
	Type              ChannelType `json:"type"`
	Name              string      `json:"name"`
	AuthStatus        AuthStatus  `json:"auth_status"`
	// AccountIdentifier is the channel's own identity on the wire: the
	// normalized phone number for WhatsApp, the mailbox address for email.
	// Used by direction detection.
	AccountIdentifier string    `json:"account_identifier"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ChannelConnection is a row in the shared, tenant-agnostic routing table
// mapping a provider account id to the tenant that owns it.
type ChannelConnection struct {
	ProviderAccountID string      `json:"provider_account_id"`
	TenantID          string      `json:"tenant_id"`
	TenantSchema      string      `json:"tenant_schema"`
	ChannelID         string      `json:"channel_id"`
	ChannelType       ChannelType `json:"channel_type"`
	AccountIdentifier string      `json:"account_identifier"`
	AuthStatus        AuthStatus  `json:"auth_status"`
	UpdatedAt         time.Time   `json:"updated_at"`
}
