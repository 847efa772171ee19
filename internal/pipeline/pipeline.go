// Package pipeline turns one routed webhook into persisted state: normalize,
// detect direction, resolve participants, gate storage, create-or-merge the
// message and announce the result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/resolution"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/routing"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/store"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/transform"
	"github.com/N0tion-Oneo/oneo-crm-sub005/pkg/logger"
	"github.com/N0tion-Oneo/oneo-crm-sub005/pkg/metrics"
)

// MessageIngested announces a stored or merged message to downstream
// consumers.
type MessageIngested struct {
	TenantID       string            `json:"tenant_id"`
	ChannelID      string            `json:"channel_id"`
	ChannelType    model.ChannelType `json:"channel_type"`
	ConversationID string            `json:"conversation_id"`
	MessageID      string            `json:"message_id"`
	Direction      model.Direction   `json:"direction"`
	MatchedBy      store.MatchKind   `json:"matched_by"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

// EventPublisher is the downstream announcement surface. Publishing is
// best-effort: a failed publish never rolls back a stored message.
type EventPublisher interface {
	MessageIngested(ctx context.Context, ev *MessageIngested) error
}

// Result is what the webhook endpoint reports back to the provider.
type Result struct {
	Decision       Decision
	ConversationID string
	MessageID      string
	MatchedBy      store.MatchKind
	Direction      model.Direction
}

// Pipeline processes message-bearing webhooks for any tenant.
type Pipeline struct {
	store       store.Store
	transformer *transform.Transformer
	resolver    *resolution.Service
	events      EventPublisher
	logger      *logger.Logger
}

// New creates a Pipeline. events may be nil when no downstream bus is wired.
func New(st store.Store, tr *transform.Transformer, res *resolution.Service, ev EventPublisher, log *logger.Logger) *Pipeline {
	return &Pipeline{
		store:       st,
		transformer: tr,
		resolver:    res,
		events:      ev,
		logger:      log,
	}
}

// Process runs one message webhook through the full pipeline inside the
// routed tenant's schema.
func (p *Pipeline) Process(ctx context.Context, tc routing.TenantContext, w *model.Webhook) (*Result, error) {
	nm, err := p.transformer.Message(w)
	if err != nil {
		return nil, err
	}

	ts := p.store.Tenant(tc.Schema)
	direction := DetectDirection(w, nm.Sender, tc.AccountIdentifier)
	status := DefaultStatus(nm.Status, direction)

	sender, matched, err := p.resolveParticipants(ctx, ts, nm)
	if err != nil {
		return nil, err
	}

	conv, err := ts.GetConversationByThread(ctx, tc.ChannelID, nm.ExternalThreadID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("pipeline: conversation lookup: %w", err)
	}

	decision := ShouldStore(direction, conv != nil, matched)
	if !decision.Store {
		metrics.StorageGateRejections.WithLabelValues(tc.TenantID).Inc()
		p.logger.Info("message rejected by storage gate",
			zap.String("tenant_id", tc.TenantID),
			zap.String("channel_id", tc.ChannelID),
			zap.String("external_id", nm.ExternalID),
			zap.String("reason", decision.Reason))
		return &Result{Decision: decision, Direction: direction}, nil
	}

	if conv == nil {
		conv, err = ts.CreateConversation(ctx, &model.Conversation{
			ChannelID:        tc.ChannelID,
			ExternalThreadID: nm.ExternalThreadID,
			Subject:          nm.Subject,
			Status:           model.ConversationActive,
			Metadata:         conversationMetadata(nm),
		})
		if err != nil {
			return nil, fmt.Errorf("pipeline: conversation create: %w", err)
		}
	}

	msg, matchKind, err := ts.UpsertMessage(ctx, p.buildUpsert(conv.ID, tc.ChannelID, nm, direction, status, sender, w))
	if err != nil {
		return nil, fmt.Errorf("pipeline: message upsert: %w", err)
	}

	if err := p.joinConversation(ctx, ts, conv.ID, nm, sender); err != nil {
		return nil, err
	}

	incrementUnread := direction == model.DirectionInbound && matchKind == store.MatchNone
	if err := ts.TouchConversation(ctx, conv.ID, nm.Timestamp, incrementUnread); err != nil {
		return nil, fmt.Errorf("pipeline: conversation touch: %w", err)
	}

	metrics.MessagesIngested.WithLabelValues(tc.TenantID, string(direction)).Inc()
	if matchKind != store.MatchNone {
		metrics.MessagesMerged.WithLabelValues(string(matchKind)).Inc()
	}

	p.publish(ctx, tc, conv.ID, msg.ID, direction, matchKind)

	return &Result{
		Decision:       decision,
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		MatchedBy:      matchKind,
		Direction:      direction,
	}, nil
}

// resolveParticipants resolves every descriptor on the message and reports
// the sender's participant row plus how many descriptors matched a contact.
// Any participant counts toward the contact gate: a group message from an
// unknown number still opens a conversation when a known contact is in the
// attendee list.
func (p *Pipeline) resolveParticipants(ctx context.Context, ts store.TenantStore, nm *model.NormalizedMessage) (*model.Participant, int, error) {
	var sender *model.Participant
	matched := 0

	if nm.Sender.Identifier != "" {
		res, err := p.resolver.Resolve(ctx, ts, nm.Sender)
		if err != nil {
			return nil, 0, fmt.Errorf("pipeline: sender resolution: %w", err)
		}
		sender = res.Participant
		if res.Matched {
			matched++
		}
	}

	for _, d := range nm.Recipients {
		res, err := p.resolver.Resolve(ctx, ts, d)
		if err != nil {
			p.logger.Warn("recipient resolution failed",
				zap.String("identifier", d.Identifier),
				zap.Error(err))
			continue
		}
		if res.Matched {
			matched++
		}
	}
	return sender, matched, nil
}

// conversationMetadata snapshots thread-level context at creation time: the
// provider's chat type and the participant list as first observed. Later
// messages never rewrite it.
func conversationMetadata(nm *model.NormalizedMessage) map[string]any {
	meta := map[string]any{}
	if v, ok := nm.Metadata["chat_type"]; ok {
		meta["chat_type"] = v
	}
	participants := make([]map[string]string, 0, len(nm.Recipients)+1)
	if nm.Sender.Identifier != "" {
		participants = append(participants, map[string]string{
			"identifier":   nm.Sender.Identifier,
			"display_name": nm.Sender.DisplayName,
		})
	}
	for _, d := range nm.Recipients {
		participants = append(participants, map[string]string{
			"identifier":   d.Identifier,
			"display_name": d.DisplayName,
		})
	}
	if len(participants) > 0 {
		meta["participants"] = participants
	}
	return meta
}

func (p *Pipeline) buildUpsert(conversationID, channelID string, nm *model.NormalizedMessage, direction model.Direction, status model.MessageStatus, sender *model.Participant, w *model.Webhook) *store.MessageUpsert {
	meta := make(map[string]any, len(nm.Metadata)+3)
	for k, v := range nm.Metadata {
		meta[k] = v
	}
	if len(nm.Attachments) > 0 {
		meta["attachments"] = nm.Attachments
	}
	if len(w.Raw) > 0 {
		meta["raw_webhook_data"] = string(w.Raw)
	}
	meta["webhook_processed_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	up := &store.MessageUpsert{
		ConversationID: conversationID,
		ChannelID:      channelID,
		ExternalID:     nm.ExternalID,
		TrackingID:     nm.TrackingID,
		Direction:      direction,
		Status:         status,
		Content:        nm.Content,
		HTMLContent:    nm.HTMLContent,
		Metadata:       meta,
	}
	if up.ExternalID == "" && up.TrackingID == "" {
		// No provider identity at all; mint one so replays of the same
		// delivery still converge nowhere worse than a duplicate row.
		up.TrackingID = uuid.Must(uuid.NewV7()).String()
		meta["synthetic_tracking_id"] = true
	}
	if sender != nil {
		up.SenderID = sender.ID
	}
	ts := nm.Timestamp
	if direction == model.DirectionOutbound {
		up.SentAt = &ts
	} else {
		up.ReceivedAt = &ts
	}
	return up
}

func (p *Pipeline) joinConversation(ctx context.Context, ts store.TenantStore, conversationID string, nm *model.NormalizedMessage, sender *model.Participant) error {
	if sender != nil {
		if err := ts.AddConversationParticipant(ctx, conversationID, sender.ID, model.RoleSender); err != nil {
			return fmt.Errorf("pipeline: sender join: %w", err)
		}
	}
	for _, d := range nm.Recipients {
		rp, err := ts.GetOrCreateParticipant(ctx, d)
		if err != nil {
			continue
		}
		if err := ts.AddConversationParticipant(ctx, conversationID, rp.ID, model.RoleRecipient); err != nil {
			return fmt.Errorf("pipeline: recipient join: %w", err)
		}
	}
	return nil
}

func (p *Pipeline) publish(ctx context.Context, tc routing.TenantContext, conversationID, messageID string, direction model.Direction, matchKind store.MatchKind) {
	if p.events == nil {
		return
	}
	ev := &MessageIngested{
		TenantID:       tc.TenantID,
		ChannelID:      tc.ChannelID,
		ChannelType:    tc.ChannelType,
		ConversationID: conversationID,
		MessageID:      messageID,
		Direction:      direction,
		MatchedBy:      matchKind,
		OccurredAt:     time.Now().UTC(),
	}
	if err := p.events.MessageIngested(ctx, ev); err != nil {
		p.logger.Warn("failed to publish ingestion event",
			zap.String("message_id", messageID),
			zap.Error(err))
	}
}
