package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/normalize"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/resolution"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/routing"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/store"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/transform"
	"github.com/N0tion-Oneo/oneo-crm-sub005/pkg/logger"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []*MessageIngested
}

func (c *capturePublisher) MessageIngested(ctx context.Context, ev *MessageIngested) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func boolPtr(b bool) *bool { return &b }

func testPipeline(t *testing.T) (*Pipeline, *store.MemoryStore, *capturePublisher) {
	t.Helper()
	log, err := logger.New("error")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	st := store.NewMemory()
	norm := normalize.New("1")
	pub := &capturePublisher{}
	p := New(st, transform.New(norm, log), resolution.New(log), pub, log)
	return p, st, pub
}

func whatsappContext() routing.TenantContext {
	return routing.TenantContext{
		TenantID:          "tenant-a",
		Schema:            "tenant_a",
		ChannelID:         "chan-wa-1",
		ChannelType:       model.ChannelWhatsApp,
		ProviderAccountID: "acct-1",
		AccountIdentifier: "+15550001111",
	}
}

func inboundChat(messageID, chatID, senderChatID, text string) *model.Webhook {
	return &model.Webhook{
		Event:     model.EventMessageReceived,
		AccountID: "acct-1",
		Channel:   model.ChannelWhatsApp,
		Chat: &model.ChatPayload{
			MessageID: messageID,
			ChatID:    chatID,
			Text:      text,
			SenderID:  senderChatID,
			IsSender:  boolPtr(false),
			Timestamp: json.RawMessage(`"2026-08-30T10:00:00Z"`),
		},
		Raw: json.RawMessage(`{"event":"message_received"}`),
	}
}

func seedContact(st *store.MemoryStore, schema, id string, identifiers ...string) {
	st.Tenant(schema).(interface{ AddContact(model.Contact) }).AddContact(model.Contact{
		ID: id, Name: "Seeded", Identifiers: identifiers,
	})
}

func TestProcessStoresInboundFromKnownContact(t *testing.T) {
	p, st, pub := testPipeline(t)
	tc := whatsappContext()
	seedContact(st, tc.Schema, "contact-1", "+27720720047")

	res, err := p.Process(context.Background(), tc, inboundChat("ext-1", "27720720047@s.whatsapp.net", "27720720047@s.whatsapp.net", "hello"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !res.Decision.Store || res.Decision.Reason != ReasonContactMatch {
		t.Fatalf("decision = %+v", res.Decision)
	}
	if res.ConversationID == "" || res.MessageID == "" {
		t.Fatalf("missing ids: %+v", res)
	}
	if res.MatchedBy != store.MatchNone {
		t.Fatalf("matched_by = %q, want created", res.MatchedBy)
	}
	if res.Direction != model.DirectionInbound {
		t.Fatalf("direction = %q", res.Direction)
	}
	if len(pub.events) != 1 || pub.events[0].MessageID != res.MessageID {
		t.Fatalf("published events: %+v", pub.events)
	}

	msg, err := st.Tenant(tc.Schema).GetMessageByExternalID(context.Background(), tc.ChannelID, "ext-1")
	if err != nil {
		t.Fatalf("GetMessageByExternalID: %v", err)
	}
	if msg.Status != model.StatusDelivered {
		t.Fatalf("default inbound status = %q", msg.Status)
	}
	if _, ok := msg.Metadata["raw_webhook_data"]; !ok {
		t.Fatal("raw webhook body not preserved in metadata")
	}
}

func TestProcessRejectsInboundFromUnknownSender(t *testing.T) {
	p, st, pub := testPipeline(t)
	tc := whatsappContext()

	res, err := p.Process(context.Background(), tc, inboundChat("ext-2", "14155552671@s.whatsapp.net", "14155552671@s.whatsapp.net", "spam"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Decision.Store {
		t.Fatalf("expected rejection, got %+v", res.Decision)
	}
	if res.Decision.Reason != ReasonNoContactMatch {
		t.Fatalf("reason = %q", res.Decision.Reason)
	}
	if len(pub.events) != 0 {
		t.Fatalf("rejected message must not publish events, got %d", len(pub.events))
	}

	counts := st.Tenant(tc.Schema).(interface {
		MessageCount() int
		ConversationCount() int
	})
	if counts.MessageCount() != 0 || counts.ConversationCount() != 0 {
		t.Fatalf("rejected message persisted: %d messages, %d conversations",
			counts.MessageCount(), counts.ConversationCount())
	}
}

func TestProcessStoresInboundGroupMessageWithKnownAttendee(t *testing.T) {
	p, st, _ := testPipeline(t)
	tc := whatsappContext()
	seedContact(st, tc.Schema, "contact-1", "+27720720047")

	// The sender is unknown; the known contact only appears in the group's
	// attendee list.
	w := inboundChat("ext-9", "group-xyz@g.us", "14155552671@s.whatsapp.net", "hello all")
	w.Chat.ChatType = "group"
	w.Chat.Attendees = []model.RawAttendee{
		{ID: "15550001111@s.whatsapp.net", IsSelf: true},
		{ID: "27720720047@s.whatsapp.net", Name: "Jane Doe"},
		{ID: "14155552671@s.whatsapp.net"},
	}

	res, err := p.Process(context.Background(), tc, w)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !res.Decision.Store || res.Decision.Reason != ReasonContactMatch {
		t.Fatalf("decision = %+v", res.Decision)
	}

	conv, err := st.Tenant(tc.Schema).GetConversationByThread(context.Background(), tc.ChannelID, "group-xyz@g.us")
	if err != nil {
		t.Fatalf("GetConversationByThread: %v", err)
	}
	if conv.Metadata["chat_type"] != "group" {
		t.Fatalf("chat type not snapshotted: %v", conv.Metadata)
	}
	participants, ok := conv.Metadata["participants"].([]map[string]string)
	if !ok || len(participants) != 2 {
		t.Fatalf("participant snapshot = %v", conv.Metadata["participants"])
	}
	found := false
	for _, part := range participants {
		if part["identifier"] == "+27720720047" {
			found = true
		}
	}
	if !found {
		t.Fatalf("known attendee missing from snapshot: %v", participants)
	}
}

func TestProcessStoresOutboundToUnknownRecipient(t *testing.T) {
	p, _, _ := testPipeline(t)
	tc := whatsappContext()

	w := inboundChat("ext-3", "14155552671@s.whatsapp.net", "15550001111@s.whatsapp.net", "hi there")
	w.Event = model.EventMessageSent
	w.Chat.IsSender = boolPtr(true)

	res, err := p.Process(context.Background(), tc, w)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !res.Decision.Store || res.Decision.Reason != ReasonOutbound {
		t.Fatalf("decision = %+v", res.Decision)
	}
	if res.Direction != model.DirectionOutbound {
		t.Fatalf("direction = %q", res.Direction)
	}
}

func TestProcessStoresInboundIntoExistingConversation(t *testing.T) {
	p, st, _ := testPipeline(t)
	tc := whatsappContext()
	seedContact(st, tc.Schema, "contact-1", "+27720720047")

	// Known contact opens the conversation.
	first, err := p.Process(context.Background(), tc, inboundChat("ext-4", "group-abc@g.us", "27720720047@s.whatsapp.net", "opening"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	// An unknown sender in the same thread is kept once it exists.
	second, err := p.Process(context.Background(), tc, inboundChat("ext-5", "group-abc@g.us", "14155552671@s.whatsapp.net", "me too"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !second.Decision.Store || second.Decision.Reason != ReasonExistingConversation {
		t.Fatalf("decision = %+v", second.Decision)
	}
	if second.ConversationID != first.ConversationID {
		t.Fatalf("thread split: %q vs %q", first.ConversationID, second.ConversationID)
	}
}

func TestProcessReplayIsIdempotent(t *testing.T) {
	p, st, _ := testPipeline(t)
	tc := whatsappContext()
	seedContact(st, tc.Schema, "contact-1", "+27720720047")

	w := inboundChat("ext-6", "27720720047@s.whatsapp.net", "27720720047@s.whatsapp.net", "once")
	first, err := p.Process(context.Background(), tc, w)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	replay, err := p.Process(context.Background(), tc, w)
	if err != nil {
		t.Fatalf("replay Process: %v", err)
	}
	if replay.MatchedBy != store.MatchExternalID {
		t.Fatalf("replay matched_by = %q", replay.MatchedBy)
	}
	if replay.MessageID != first.MessageID {
		t.Fatalf("replay created a new message: %q vs %q", replay.MessageID, first.MessageID)
	}

	counts := st.Tenant(tc.Schema).(interface{ MessageCount() int })
	if counts.MessageCount() != 1 {
		t.Fatalf("messages = %d, want 1", counts.MessageCount())
	}
}

func TestProcessMergesProviderConfirmationByTrackingID(t *testing.T) {
	p, st, _ := testPipeline(t)
	tc := whatsappContext()

	// The API send path stored a provisional row keyed only by tracking id.
	ts := st.Tenant(tc.Schema)
	conv, err := ts.CreateConversation(context.Background(), &model.Conversation{
		ChannelID:        tc.ChannelID,
		ExternalThreadID: "14155552671@s.whatsapp.net",
		Status:           model.ConversationActive,
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if _, _, err := ts.UpsertMessage(context.Background(), &store.MessageUpsert{
		ConversationID: conv.ID,
		ChannelID:      tc.ChannelID,
		TrackingID:     "trk-42",
		Direction:      model.DirectionOutbound,
		Status:         model.StatusPending,
		Content:        "hi there",
		Metadata:       map[string]any{"sent_via_api": true},
	}); err != nil {
		t.Fatalf("seed UpsertMessage: %v", err)
	}

	w := inboundChat("ext-7", "14155552671@s.whatsapp.net", "15550001111@s.whatsapp.net", "hi there")
	w.Event = model.EventMessageSent
	w.Chat.IsSender = boolPtr(true)
	w.Chat.TrackingID = "trk-42"
	w.Chat.Status = "sent"

	res, err := p.Process(context.Background(), tc, w)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.MatchedBy != store.MatchTrackingID {
		t.Fatalf("matched_by = %q, want tracking_id", res.MatchedBy)
	}

	msg, err := ts.GetMessageByExternalID(context.Background(), tc.ChannelID, "ext-7")
	if err != nil {
		t.Fatalf("GetMessageByExternalID after merge: %v", err)
	}
	if msg.Metadata["sent_via_api"] != true {
		t.Fatal("api metadata lost in merge")
	}
	if msg.Status != model.StatusSent {
		t.Fatalf("status = %q, want sent", msg.Status)
	}

	counts := ts.(interface{ MessageCount() int })
	if counts.MessageCount() != 1 {
		t.Fatalf("messages = %d, want 1", counts.MessageCount())
	}
}

func TestProcessEmailInbound(t *testing.T) {
	p, st, _ := testPipeline(t)
	tc := routing.TenantContext{
		TenantID:          "tenant-a",
		Schema:            "tenant_a",
		ChannelID:         "chan-mail-1",
		ChannelType:       model.ChannelEmail,
		ProviderAccountID: "acct-mail-1",
		AccountIdentifier: "me@company.com",
	}
	seedContact(st, tc.Schema, "contact-2", "jane@example.com")

	w := &model.Webhook{
		Event:     model.EventMailReceived,
		AccountID: "acct-mail-1",
		Channel:   model.ChannelEmail,
		Email: &model.EmailPayload{
			MessageID: "<CAF=abc123@mail.example.com>",
			ThreadID:  "thread-9",
			Subject:   "Quarterly numbers",
			Body:      "See attached.",
			From:      model.RawAddress{Identifier: "Jane@Example.com", DisplayName: `"Jane Doe"`},
			To:        []model.RawAddress{{Identifier: "me@company.com"}},
			Timestamp: json.RawMessage(`1724995200`),
		},
		Raw: json.RawMessage(`{}`),
	}

	res, err := p.Process(context.Background(), tc, w)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !res.Decision.Store || res.Decision.Reason != ReasonContactMatch {
		t.Fatalf("decision = %+v", res.Decision)
	}
	if res.Direction != model.DirectionInbound {
		t.Fatalf("direction = %q", res.Direction)
	}

	conv, err := st.Tenant(tc.Schema).GetConversationByThread(context.Background(), tc.ChannelID, "thread-9")
	if err != nil {
		t.Fatalf("GetConversationByThread: %v", err)
	}
	if conv.Subject != "Quarterly numbers" {
		t.Fatalf("subject = %q", conv.Subject)
	}
}

func TestDetectDirection(t *testing.T) {
	tests := []struct {
		name    string
		webhook *model.Webhook
		sender  model.ParticipantDescriptor
		want    model.Direction
	}{
		{
			name:    "is_sender true wins",
			webhook: &model.Webhook{Chat: &model.ChatPayload{IsSender: boolPtr(true)}},
			sender:  model.ParticipantDescriptor{Identifier: "+27720720047"},
			want:    model.DirectionOutbound,
		},
		{
			name:    "is_sender false beats account match",
			webhook: &model.Webhook{Chat: &model.ChatPayload{IsSender: boolPtr(false)}},
			sender:  model.ParticipantDescriptor{Identifier: "+15550001111"},
			want:    model.DirectionInbound,
		},
		{
			name:    "is_from_me fallback",
			webhook: &model.Webhook{Chat: &model.ChatPayload{IsFromMe: boolPtr(true)}},
			want:    model.DirectionOutbound,
		},
		{
			name:    "sender equals account identifier",
			webhook: &model.Webhook{Chat: &model.ChatPayload{}},
			sender:  model.ParticipantDescriptor{Identifier: "+15550001111"},
			want:    model.DirectionOutbound,
		},
		{
			name:    "default inbound",
			webhook: &model.Webhook{Chat: &model.ChatPayload{}},
			sender:  model.ParticipantDescriptor{Identifier: "+27720720047"},
			want:    model.DirectionInbound,
		},
		{
			name:    "email is_sender",
			webhook: &model.Webhook{Email: &model.EmailPayload{IsSender: boolPtr(true)}},
			want:    model.DirectionOutbound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectDirection(tt.webhook, tt.sender, "+15550001111")
			if got != tt.want {
				t.Fatalf("DetectDirection = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectDirectionToleratesIdentifierFormats(t *testing.T) {
	// Providers report the channel's own identity in whatever shape they
	// like; none of them may break outbound detection.
	tests := []struct {
		name              string
		accountIdentifier string
	}{
		{"normalized", "+15550001111"},
		{"formatted", "+1 (555) 000-1111"},
		{"bare digits", "15550001111"},
		{"chat id", "15550001111@s.whatsapp.net"},
	}
	sender := model.ParticipantDescriptor{Identifier: "+15550001111"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &model.Webhook{Chat: &model.ChatPayload{}}
			if got := DetectDirection(w, sender, tt.accountIdentifier); got != model.DirectionOutbound {
				t.Fatalf("DetectDirection = %q, want outbound", got)
			}
		})
	}

	// Email identities still compare as addresses, not digit soup.
	mail := &model.Webhook{Email: &model.EmailPayload{}}
	got := DetectDirection(mail, model.ParticipantDescriptor{Identifier: "me@company.com"}, "Me@Company.com")
	if got != model.DirectionOutbound {
		t.Fatalf("email self-compare = %q, want outbound", got)
	}
	got = DetectDirection(mail, model.ParticipantDescriptor{Identifier: "jane@example.com"}, "me@company.com")
	if got != model.DirectionInbound {
		t.Fatalf("distinct addresses = %q, want inbound", got)
	}
}

func TestShouldStore(t *testing.T) {
	tests := []struct {
		name       string
		direction  model.Direction
		exists     bool
		matched    int
		wantStore  bool
		wantReason string
	}{
		{"outbound always", model.DirectionOutbound, false, 0, true, ReasonOutbound},
		{"inbound existing conversation", model.DirectionInbound, true, 0, true, ReasonExistingConversation},
		{"inbound new with match", model.DirectionInbound, false, 1, true, ReasonContactMatch},
		{"inbound new without match", model.DirectionInbound, false, 0, false, ReasonNoContactMatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := ShouldStore(tt.direction, tt.exists, tt.matched)
			if d.Store != tt.wantStore || d.Reason != tt.wantReason {
				t.Fatalf("ShouldStore = %+v", d)
			}
		})
	}
}

func TestDefaultStatus(t *testing.T) {
	if got := DefaultStatus("", model.DirectionInbound); got != model.StatusDelivered {
		t.Fatalf("inbound default = %q", got)
	}
	if got := DefaultStatus("", model.DirectionOutbound); got != model.StatusSent {
		t.Fatalf("outbound default = %q", got)
	}
	if got := DefaultStatus(model.StatusRead, model.DirectionInbound); got != model.StatusRead {
		t.Fatalf("explicit status overridden: %q", got)
	}
}
