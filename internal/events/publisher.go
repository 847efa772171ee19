package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/pipeline"
)

const (
	// StreamName is the ingestion events stream.
	StreamName = "COMMS_INGEST"

	// SubjectPrefix is the prefix for all ingestion subjects.
	SubjectPrefix = "comms.ingest"
)

// AccountStatusChanged announces an account-level lifecycle transition.
type AccountStatusChanged struct {
	TenantID          string            `json:"tenant_id"`
	ProviderAccountID string            `json:"provider_account_id"`
	ChannelID         string            `json:"channel_id"`
	ChannelType       model.ChannelType `json:"channel_type"`
	AuthStatus        model.AuthStatus  `json:"auth_status"`
	OccurredAt        time.Time         `json:"occurred_at"`
}

// Publisher writes ingestion events to JetStream. It implements
// pipeline.EventPublisher.
type Publisher struct {
	client *Client
}

// NewPublisher creates a Publisher.
func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client}
}

// EnsureStream ensures the ingestion stream exists with proper configuration.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	js := p.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil // Stream already exists
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024, // 10GB
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Communication ingestion events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// MessageSubject returns the subject for a message-ingested event.
func MessageSubject(tenantID, channelID string) string {
	return fmt.Sprintf("%s.%s.%s.message.ingested", SubjectPrefix, tenantID, channelID)
}

// AccountSubject returns the subject for an account status event.
func AccountSubject(tenantID, providerAccountID string) string {
	return fmt.Sprintf("%s.%s.account.%s", SubjectPrefix, tenantID, providerAccountID)
}

// TenantFilter returns the filter subject for all of one tenant's events.
func TenantFilter(tenantID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, tenantID)
}

// MessageIngested publishes a message ingestion event.
func (p *Publisher) MessageIngested(ctx context.Context, ev *pipeline.MessageIngested) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = p.client.JetStream().Publish(ctx, MessageSubject(ev.TenantID, ev.ChannelID), data)
	if err != nil {
		return fmt.Errorf("failed to publish message event: %w", err)
	}
	return nil
}

// AccountStatus publishes an account lifecycle event.
func (p *Publisher) AccountStatus(ctx context.Context, ev *AccountStatusChanged) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = p.client.JetStream().Publish(ctx, AccountSubject(ev.TenantID, ev.ProviderAccountID), data)
	if err != nil {
		return fmt.Errorf("failed to publish account event: %w", err)
	}
	return nil
}
