// Package transform parses raw provider webhook bodies into typed payloads
// and maps them onto the pipeline's normalized message shape.
package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"
)

var (
	// ErrValidation marks a webhook body that fails minimal validation.
	ErrValidation = errors.New("transform: invalid webhook payload")
	// ErrTransform marks a payload whose thread identity cannot be determined.
	ErrTransform = errors.New("transform: cannot transform payload")
)

// ParseWebhook parses a raw provider delivery into its tagged payload form.
// The account id is looked up at every key the provider is known to use, the
// event discriminator decides the payload variant, and the body must carry at
// least a message id, a message body, or a recognized account-level event.
func ParseWebhook(raw []byte) (*model.Webhook, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	accountID := firstString(doc,
		"account_id", "accountId", "account.id", "data.account_id", "account_info.account_id")
	if accountID == "" {
		return nil, fmt.Errorf("%w: no account identifier", ErrValidation)
	}

	event := model.EventType(firstString(doc, "event", "event_type", "type"))
	if event == "" {
		event = inferEvent(doc)
	}

	w := &model.Webhook{
		Event:     event,
		AccountID: accountID,
		Raw:       json.RawMessage(raw),
	}

	switch event {
	case model.EventAccountConnected, model.EventAccountDisconnected:
		w.Account = parseAccountEvent(doc, accountID, event)
		w.Channel = w.Account.ChannelType
	case model.EventMailReceived, model.EventMailSent:
		w.Email = parseEmailPayload(doc)
		w.Channel = model.ChannelEmail
		if w.Email.MessageID == "" && w.Email.Body == "" && w.Email.BodyPlain == "" {
			return nil, fmt.Errorf("%w: mail event without message id or body", ErrValidation)
		}
	case model.EventMessageReceived, model.EventMessageSent,
		model.EventMessageDelivered, model.EventMessageRead:
		w.Chat = parseChatPayload(doc)
		w.Channel = chatChannel(doc)
		if w.Chat.MessageID == "" && w.Chat.Text == "" && len(w.Chat.Attachments) == 0 {
			return nil, fmt.Errorf("%w: message event without id or body", ErrValidation)
		}
	default:
		return nil, fmt.Errorf("%w: unrecognized event %q", ErrValidation, string(event))
	}

	return w, nil
}

// inferEvent classifies bodies that omit the event discriminator by shape.
func inferEvent(doc map[string]any) model.EventType {
	if firstString(doc, "subject", "thread_id", "folder") != "" ||
		firstRaw(doc, "from") != nil {
		return model.EventMailReceived
	}
	if firstString(doc, "message_id", "chat_id", "text", "body", "message") != "" {
		return model.EventMessageReceived
	}
	return ""
}

func chatChannel(doc map[string]any) model.ChannelType {
	provider := strings.ToLower(firstString(doc, "account_type", "provider", "channel_type"))
	switch {
	case strings.Contains(provider, "linkedin"):
		return model.ChannelLinkedIn
	case strings.Contains(provider, "whatsapp"):
		return model.ChannelWhatsApp
	}
	if id := firstString(doc, "sender.attendee_provider_id", "sender.attendee_id", "chat_id", "provider_chat_id"); strings.Contains(id, "whatsapp.net") {
		return model.ChannelWhatsApp
	}
	return model.ChannelWhatsApp
}

func parseChatPayload(doc map[string]any) *model.ChatPayload {
	p := &model.ChatPayload{
		MessageID:  firstString(doc, "message_id", "data.message_id", "id"),
		TrackingID: firstString(doc, "tracking_id", "data.tracking_id", "message.tracking_id"),
		ChatID:     firstString(doc, "chat_id", "provider_chat_id", "data.chat_id", "conversation_id"),
		ChatType:   firstString(doc, "chat_type", "chat.type"),
		Text:       firstString(doc, "text", "body", "message.text", "message"),
		SenderID:   firstString(doc, "sender.attendee_provider_id", "sender.attendee_id", "sender_id", "from"),
		SenderName: firstString(doc, "sender.attendee_name", "sender_name", "sender.name"),
		IsSender:   firstBool(doc, "is_sender", "data.is_sender"),
		IsFromMe:   firstBool(doc, "is_from_me", "message.is_from_me", "message.key.from_me"),
		Status:     firstString(doc, "message_status", "status"),
		Timestamp:  firstRaw(doc, "timestamp", "date", "sent_at"),
	}
	p.Attachments = parseAttachments(firstValue(doc, "attachments", "data.attachments"))
	p.Attendees = parseAttendees(firstValue(doc, "attendees", "data.attendees"))
	return p
}

func parseEmailPayload(doc map[string]any) *model.EmailPayload {
	p := &model.EmailPayload{
		MessageID:  firstString(doc, "message_id", "email_id", "id"),
		TrackingID: firstString(doc, "tracking_id", "data.tracking_id"),
		ThreadID:   firstString(doc, "thread_id", "email.thread_id"),
		Subject:    firstString(doc, "subject"),
		Body:       firstString(doc, "body"),
		BodyPlain:  firstString(doc, "body_plain"),
		BodyHTML:   firstString(doc, "body_html", "html"),
		Folder:     firstString(doc, "folder", "folder_name"),
		IsSender:   firstBool(doc, "is_sender"),
		Status:     firstString(doc, "status"),
		Timestamp:  firstRaw(doc, "date", "timestamp", "sent_at"),
	}
	p.From = parseAddress(firstValue(doc, "from", "from_attendee"))
	p.To = parseAddresses(firstValue(doc, "to", "to_attendees"))
	p.CC = parseAddresses(firstValue(doc, "cc", "cc_attendees"))
	p.Attachments = parseAttachments(firstValue(doc, "attachments"))
	return p
}

func parseAccountEvent(doc map[string]any, accountID string, event model.EventType) *model.AccountEventPayload {
	p := &model.AccountEventPayload{
		AccountID:  accountID,
		Name:       firstString(doc, "name", "account.name", "account_name"),
		Identifier: firstString(doc, "identifier", "account.identifier", "phone_number", "email"),
		Status:     firstString(doc, "status", "account.status"),
		OccurredAt: time.Now().UTC(),
	}
	switch strings.ToLower(firstString(doc, "account_type", "provider", "account.type")) {
	case "mail", "email", "gmail", "outlook":
		p.ChannelType = model.ChannelEmail
	case "linkedin":
		p.ChannelType = model.ChannelLinkedIn
	default:
		p.ChannelType = model.ChannelWhatsApp
	}
	if p.Status == "" {
		if event == model.EventAccountConnected {
			p.Status = string(model.AuthStatusConnected)
		} else {
			p.Status = string(model.AuthStatusDisconnected)
		}
	}
	return p
}

func parseAddress(v any) model.RawAddress {
	switch t := v.(type) {
	case string:
		return model.RawAddress{Identifier: t}
	case map[string]any:
		return model.RawAddress{
			Identifier:  firstString(t, "identifier", "email", "address", "attendee_id"),
			DisplayName: firstString(t, "display_name", "name", "attendee_name"),
		}
	}
	return model.RawAddress{}
}

func parseAddresses(v any) []model.RawAddress {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]model.RawAddress, 0, len(list))
	for _, item := range list {
		addr := parseAddress(item)
		if addr.Identifier != "" {
			out = append(out, addr)
		}
	}
	return out
}

func parseAttachments(v any) []model.RawAttachment {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]model.RawAttachment, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		att := model.RawAttachment{
			ID:   firstString(m, "id", "attachment_id"),
			Type: firstString(m, "type", "mime_type", "mimetype"),
			URL:  firstString(m, "url", "download_url"),
			Name: firstString(m, "name", "filename", "file_name"),
		}
		if size, ok := firstNumber(m, "size", "file_size"); ok {
			att.Size = int64(size)
		}
		out = append(out, att)
	}
	return out
}

func parseAttendees(v any) []model.RawAttendee {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]model.RawAttendee, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		a := model.RawAttendee{
			ID:   firstString(m, "attendee_provider_id", "attendee_id", "id"),
			Name: firstString(m, "attendee_name", "name"),
		}
		if b := firstBool(m, "is_self"); b != nil {
			a.IsSelf = *b
		}
		out = append(out, a)
	}
	return out
}

// lookup walks a dotted path ("account.id") through nested objects.
func lookup(doc map[string]any, path string) (any, bool) {
	cur := any(doc)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func firstValue(doc map[string]any, paths ...string) any {
	for _, p := range paths {
		if v, ok := lookup(doc, p); ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(doc map[string]any, paths ...string) string {
	for _, p := range paths {
		v, ok := lookup(doc, p)
		if !ok {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstNumber(doc map[string]any, paths ...string) (float64, bool) {
	for _, p := range paths {
		if v, ok := lookup(doc, p); ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}

// firstBool reads a tri-state boolean: providers send true/false, 0/1 and
// "0"/"1" interchangeably. Returns nil when no path carries a usable value.
func firstBool(doc map[string]any, paths ...string) *bool {
	for _, p := range paths {
		v, ok := lookup(doc, p)
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case bool:
			b := t
			return &b
		case float64:
			b := t != 0
			return &b
		case string:
			switch strings.ToLower(t) {
			case "1", "true", "yes":
				b := true
				return &b
			case "0", "false", "no":
				b := false
				return &b
			}
		}
	}
	return nil
}

// firstRaw re-marshals the first present value so timestamp parsing can see
// the original JSON shape (string vs number).
func firstRaw(doc map[string]any, paths ...string) json.RawMessage {
	v := firstValue(doc, paths...)
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
