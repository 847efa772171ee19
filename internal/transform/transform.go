package transform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/normalize"
	"github.com/N0tion-Oneo/oneo-crm-sub005/pkg/logger"
)

// Transformer maps parsed provider payloads into NormalizedMessage. Missing
// optional fields degrade to zero values with a debug log; only a missing
// thread identity aborts.
type Transformer struct {
	norm   *normalize.Normalizer
	logger *logger.Logger
}

// New creates a Transformer.
func New(norm *normalize.Normalizer, log *logger.Logger) *Transformer {
	return &Transformer{norm: norm, logger: log}
}

// Message builds the normalized form of a message-bearing webhook.
func (t *Transformer) Message(w *model.Webhook) (*model.NormalizedMessage, error) {
	switch {
	case w.Chat != nil:
		return t.chatMessage(w.Chat)
	case w.Email != nil:
		return t.emailMessage(w.Email)
	default:
		return nil, fmt.Errorf("%w: webhook carries no message payload", ErrTransform)
	}
}

func (t *Transformer) chatMessage(p *model.ChatPayload) (*model.NormalizedMessage, error) {
	if p.ChatID == "" {
		return nil, fmt.Errorf("%w: chat message without chat id", ErrTransform)
	}

	attachments := buildAttachments(p.Attachments)
	content := p.Text
	if content == "" && len(attachments) > 0 {
		content = placeholderContent(attachments[0].Type)
		t.logger.Debug("synthesized attachment placeholder",
			zap.String("message_id", p.MessageID),
			zap.String("content", content))
	}

	senderID, suffix, err := t.norm.SplitChatID(p.SenderID)
	if err != nil {
		t.logger.Debug("chat message without sender identifier",
			zap.String("message_id", p.MessageID))
		senderID = ""
	}

	msg := &model.NormalizedMessage{
		ExternalID:       p.MessageID,
		TrackingID:       p.TrackingID,
		ExternalThreadID: p.ChatID,
		Content:          content,
		Timestamp:        t.timestamp(p.Timestamp, p.MessageID),
		Attachments:      attachments,
		Status:           mapStatus(p.Status),
		Metadata:         map[string]any{},
	}
	if p.ChatType != "" {
		msg.Metadata["chat_type"] = p.ChatType
	}
	if suffix != "" {
		msg.Metadata["provider_id_suffix"] = suffix
	}
	if senderID != "" {
		msg.Sender = model.ParticipantDescriptor{
			Identifier:  senderID,
			Kind:        normalize.KindOf(p.SenderID),
			DisplayName: CleanDisplayName(p.SenderName),
		}
	}
	for _, a := range p.Attendees {
		if a.IsSelf || a.ID == "" || a.ID == p.SenderID {
			continue
		}
		id, _, err := t.norm.SplitChatID(a.ID)
		if err != nil {
			continue
		}
		msg.Recipients = append(msg.Recipients, model.ParticipantDescriptor{
			Identifier:  id,
			Kind:        normalize.KindOf(a.ID),
			DisplayName: CleanDisplayName(a.Name),
		})
	}
	return msg, nil
}

func (t *Transformer) emailMessage(p *model.EmailPayload) (*model.NormalizedMessage, error) {
	threadID := p.ThreadID
	if threadID == "" {
		threadID = p.MessageID
	}
	if threadID == "" {
		return nil, fmt.Errorf("%w: email without thread or message id", ErrTransform)
	}

	attachments := buildAttachments(p.Attachments)
	content := p.Body
	if content == "" {
		content = p.BodyPlain
	}
	if content == "" && len(attachments) > 0 {
		content = placeholderContent(attachments[0].Type)
	}

	msg := &model.NormalizedMessage{
		ExternalID:       p.MessageID,
		TrackingID:       p.TrackingID,
		ExternalThreadID: threadID,
		Subject:          p.Subject,
		Content:          content,
		HTMLContent:      p.BodyHTML,
		Timestamp:        t.timestamp(p.Timestamp, p.MessageID),
		Attachments:      attachments,
		Status:           mapStatus(p.Status),
		Metadata:         map[string]any{},
	}
	if p.Folder != "" {
		msg.Metadata["folder"] = p.Folder
	}

	if from, err := normalize.Email(p.From.Identifier); err == nil {
		msg.Sender = model.ParticipantDescriptor{
			Identifier:  from,
			Kind:        model.IdentifierEmail,
			DisplayName: CleanDisplayName(p.From.DisplayName),
		}
	} else {
		t.logger.Debug("email without sender address", zap.String("message_id", p.MessageID))
	}
	for _, addr := range append(append([]model.RawAddress{}, p.To...), p.CC...) {
		id, err := normalize.Email(addr.Identifier)
		if err != nil {
			continue
		}
		msg.Recipients = append(msg.Recipients, model.ParticipantDescriptor{
			Identifier:  id,
			Kind:        model.IdentifierEmail,
			DisplayName: CleanDisplayName(addr.DisplayName),
		})
	}
	return msg, nil
}

func (t *Transformer) timestamp(raw json.RawMessage, messageID string) time.Time {
	ts, err := ParseTimestamp(raw)
	if err != nil {
		t.logger.Debug("unparseable timestamp, using receipt time",
			zap.String("message_id", messageID),
			zap.Error(err))
		return time.Now().UTC()
	}
	return ts
}

// ParseTimestamp accepts ISO-8601 strings, Unix seconds and Unix milliseconds
// (disambiguated by magnitude) and always yields a UTC instant.
func ParseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02T15:04:05",
			"2006-01-02 15:04:05",
		} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		// Numeric timestamps arrive quoted from some providers.
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return fromUnix(n), nil
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	}

	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return fromUnix(n), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %s", string(raw))
}

// fromUnix treats values above 1e12 as milliseconds; anything smaller is
// seconds. The cutover is safely between year 33658 in seconds and 2001 in
// milliseconds.
func fromUnix(n int64) time.Time {
	if n > 1_000_000_000_000 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func buildAttachments(raw []model.RawAttachment) []model.Attachment {
	if len(raw) == 0 {
		return nil
	}
	out := make([]model.Attachment, 0, len(raw))
	for _, a := range raw {
		out = append(out, model.Attachment{
			ID:   a.ID,
			Type: a.Type,
			URL:  a.URL,
			Size: a.Size,
		})
	}
	return out
}

// placeholderContent synthesizes non-empty display content for messages that
// carry attachments but no text.
func placeholderContent(attachmentType string) string {
	t := strings.ToLower(attachmentType)
	switch {
	case strings.Contains(t, "image") || strings.Contains(t, "img") || strings.Contains(t, "photo"):
		return "📷 Image"
	case strings.Contains(t, "video"):
		return "🎥 Video"
	case strings.Contains(t, "audio") || strings.Contains(t, "voice") || strings.Contains(t, "ptt"):
		return "🎵 Audio"
	case strings.Contains(t, "pdf") || strings.Contains(t, "document") || strings.Contains(t, "application"):
		return "📄 Document"
	default:
		return "📎 Attachment"
	}
}

// CleanDisplayName strips the quoting artifacts providers leave around
// display names ("\"Jane Doe\"" → "Jane Doe").
func CleanDisplayName(name string) string {
	name = strings.TrimSpace(name)
	for len(name) >= 2 {
		first, last := name[0], name[len(name)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			name = strings.TrimSpace(name[1 : len(name)-1])
			continue
		}
		break
	}
	return name
}

func mapStatus(providerStatus string) model.MessageStatus {
	switch strings.ToLower(providerStatus) {
	case "sent", "queued":
		return model.StatusSent
	case "delivered":
		return model.StatusDelivered
	case "read", "seen", "opened":
		return model.StatusRead
	case "failed", "error", "bounced":
		return model.StatusFailed
	default:
		return ""
	}
}
