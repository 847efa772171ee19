// Package store persists pipeline entities. The shared routing table lives in
// a tenant-agnostic store; everything else is scoped to one tenant's isolated
// schema. Postgres backs production; an in-memory implementation with the
// same semantics backs tests and local development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// MatchKind reports how an upserted message met an existing record.
type MatchKind string

const (
	MatchNone       MatchKind = "created"
	MatchExternalID MatchKind = "external_id"
	MatchTrackingID MatchKind = "tracking_id"
)

// MessageUpsert is the candidate row for the dedup/merge engine. Exactly one
// of ExternalID and TrackingID may be empty.
type MessageUpsert struct {
	ID             string
	ConversationID string
	ChannelID      string
	ExternalID     string
	TrackingID     string
	Direction      model.Direction
	Status         model.MessageStatus
	Content        string
	HTMLContent    string
	SenderID       string
	SentAt         *time.Time
	ReceivedAt     *time.Time
	Metadata       map[string]any
}

// Store is the tenant-agnostic surface: the routing table plus access to
// per-tenant stores.
type Store interface {
	// ListConnections returns every provider-account→tenant mapping.
	ListConnections(ctx context.Context) ([]model.ChannelConnection, error)
	// GetConnection looks up one mapping by provider account id.
	GetConnection(ctx context.Context, providerAccountID string) (*model.ChannelConnection, error)
	// UpsertConnection registers or updates a mapping.
	UpsertConnection(ctx context.Context, conn *model.ChannelConnection) error

	// Tenant returns the store scoped to one tenant schema.
	Tenant(schema string) TenantStore

	Ping(ctx context.Context) error
	Close() error
}

// TenantStore is the per-tenant surface. All calls execute inside one
// tenant's isolated schema; callers never mix schemas within a webhook.
type TenantStore interface {
	// Channels
	GetChannel(ctx context.Context, channelID string) (*model.Channel, error)
	UpsertChannel(ctx context.Context, ch *model.Channel) (*model.Channel, error)
	SetChannelAuthStatus(ctx context.Context, channelID string, status model.AuthStatus) error

	// Participants
	GetOrCreateParticipant(ctx context.Context, d model.ParticipantDescriptor) (*model.Participant, error)
	// LinkParticipantContact links a participant to a contact record only if
	// it is not already linked; an existing link is returned untouched.
	LinkParticipantContact(ctx context.Context, participantID, contactID string, confidence float64, method model.ResolutionMethod) (*model.Participant, error)
	// OverrideParticipantContact replaces the link unconditionally. Admin
	// operation, never called from the webhook path.
	OverrideParticipantContact(ctx context.Context, participantID, contactID string) (*model.Participant, error)
	FindContactByIdentifier(ctx context.Context, identifier string) (*model.Contact, error)

	// Conversations
	GetConversationByThread(ctx context.Context, channelID, externalThreadID string) (*model.Conversation, error)
	// CreateConversation is idempotent on (channel, external thread id): a
	// concurrent create returns the winning row.
	CreateConversation(ctx context.Context, conv *model.Conversation) (*model.Conversation, error)
	TouchConversation(ctx context.Context, conversationID string, lastMessageAt time.Time, incrementUnread bool) error
	AddConversationParticipant(ctx context.Context, conversationID, participantID string, role model.ParticipantRole) error

	// Messages
	// UpsertMessage is a single atomic create-or-merge keyed by external id
	// with the tracking id as fallback. Merges upgrade status, backfill the
	// external id and union metadata keys; content is never overwritten.
	UpsertMessage(ctx context.Context, m *MessageUpsert) (*model.Message, MatchKind, error)
	GetMessageByExternalID(ctx context.Context, channelID, externalID string) (*model.Message, error)

	// Sync jobs
	CreateSyncJob(ctx context.Context, job *model.SyncJob) error
	AddSyncJobProgress(ctx context.Context, jobID string, threads, seen, stored, skipped, failed int) error
	FinishSyncJob(ctx context.Context, jobID string, status model.SyncJobStatus, errMsg string) error
	GetSyncJob(ctx context.Context, jobID string) (*model.SyncJob, error)
}
