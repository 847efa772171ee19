package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"
)

func TestUpsertMessageCreateThenMergeByTrackingID(t *testing.T) {
	ctx := context.Background()
	ts := NewMemory().Tenant("tenant_a")

	sent := time.Now().UTC()
	created, match, err := ts.UpsertMessage(ctx, &MessageUpsert{
		ConversationID: "conv-1",
		ChannelID:      "chan-1",
		TrackingID:     "trk-123",
		Direction:      model.DirectionOutbound,
		Status:         model.StatusSent,
		Content:        "hello",
		SentAt:         &sent,
		Metadata:       map[string]any{"sent_via_api": true, "api_request_data": map[string]any{"to": "+27720720047"}},
	})
	if err != nil {
		t.Fatalf("UpsertMessage: %v", err)
	}
	if match != MatchNone {
		t.Fatalf("match = %q, want %q", match, MatchNone)
	}

	// Webhook confirmation arrives with the permanent external id.
	merged, match, err := ts.UpsertMessage(ctx, &MessageUpsert{
		ConversationID: "conv-1",
		ChannelID:      "chan-1",
		ExternalID:     "ext-456",
		TrackingID:     "trk-123",
		Direction:      model.DirectionOutbound,
		Status:         model.StatusDelivered,
		Content:        "hello",
		Metadata:       map[string]any{"raw_webhook_data": map[string]any{"id": "ext-456"}, "webhook_processed_at": "2026-08-30T10:00:00Z"},
	})
	if err != nil {
		t.Fatalf("UpsertMessage merge: %v", err)
	}
	if match != MatchTrackingID {
		t.Fatalf("match = %q, want %q", match, MatchTrackingID)
	}
	if merged.ID != created.ID {
		t.Fatalf("merge created a second row: %q vs %q", merged.ID, created.ID)
	}
	if merged.ExternalID != "ext-456" {
		t.Fatalf("external id not backfilled: %q", merged.ExternalID)
	}
	if merged.Status != model.StatusDelivered {
		t.Fatalf("status = %q, want delivered", merged.Status)
	}
	if v, ok := merged.Metadata["sent_via_api"]; !ok || v != true {
		t.Fatalf("api-side metadata lost: %v", merged.Metadata)
	}
	if _, ok := merged.Metadata["raw_webhook_data"]; !ok {
		t.Fatalf("webhook-side metadata missing: %v", merged.Metadata)
	}
	if _, ok := merged.Metadata["api_request_data"]; !ok {
		t.Fatalf("api_request_data lost: %v", merged.Metadata)
	}
}

func TestUpsertMessageIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	ts := mem.Tenant("tenant_a")

	up := &MessageUpsert{
		ConversationID: "conv-1",
		ChannelID:      "chan-1",
		ExternalID:     "ext-1",
		Direction:      model.DirectionInbound,
		Status:         model.StatusDelivered,
		Content:        "hi",
		Metadata:       map[string]any{"raw_webhook_data": "x"},
	}
	var firstID string
	for i := 0; i < 5; i++ {
		msg, _, err := ts.UpsertMessage(ctx, up)
		if err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
		if firstID == "" {
			firstID = msg.ID
		} else if msg.ID != firstID {
			t.Fatalf("replay %d produced new row %q", i, msg.ID)
		}
	}
	if n := ts.(*memoryTenant).MessageCount(); n != 1 {
		t.Fatalf("message count = %d, want 1", n)
	}
}

func TestUpsertMessageStatusNeverDowngrades(t *testing.T) {
	ctx := context.Background()
	ts := NewMemory().Tenant("tenant_a")

	_, _, err := ts.UpsertMessage(ctx, &MessageUpsert{
		ChannelID: "chan-1", ExternalID: "ext-1",
		Direction: model.DirectionInbound, Status: model.StatusRead, Content: "x",
	})
	if err != nil {
		t.Fatalf("UpsertMessage: %v", err)
	}
	msg, _, err := ts.UpsertMessage(ctx, &MessageUpsert{
		ChannelID: "chan-1", ExternalID: "ext-1",
		Direction: model.DirectionInbound, Status: model.StatusSent, Content: "x",
	})
	if err != nil {
		t.Fatalf("UpsertMessage: %v", err)
	}
	if msg.Status != model.StatusRead {
		t.Fatalf("status downgraded to %q", msg.Status)
	}
}

func TestUpsertMessageConcurrentSameIdentity(t *testing.T) {
	ctx := context.Background()
	ts := NewMemory().Tenant("tenant_a")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		matches []MatchKind
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, match, err := ts.UpsertMessage(ctx, &MessageUpsert{
				ChannelID:  "chan-1",
				ExternalID: "ext-race",
				Direction:  model.DirectionInbound,
				Status:     model.StatusDelivered,
				Content:    "race",
			})
			if err != nil {
				t.Errorf("UpsertMessage: %v", err)
				return
			}
			mu.Lock()
			matches = append(matches, match)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if n := ts.(*memoryTenant).MessageCount(); n != 1 {
		t.Fatalf("message count = %d, want 1", n)
	}
	// Exactly one writer wins the insert; every loser must report a merge so
	// callers never double-count the row as new.
	created := 0
	for _, m := range matches {
		switch m {
		case MatchNone:
			created++
		case MatchExternalID:
		default:
			t.Fatalf("unexpected match kind %q", m)
		}
	}
	if created != 1 {
		t.Fatalf("created reported %d times, want 1", created)
	}
}

func TestCreateConversationIdempotent(t *testing.T) {
	ctx := context.Background()
	ts := NewMemory().Tenant("tenant_a")

	a, err := ts.CreateConversation(ctx, &model.Conversation{
		ChannelID: "chan-1", ExternalThreadID: "thread-1", Subject: "first",
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	b, err := ts.CreateConversation(ctx, &model.Conversation{
		ChannelID: "chan-1", ExternalThreadID: "thread-1", Subject: "second",
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if a.ID != b.ID {
		t.Fatalf("duplicate conversation: %q vs %q", a.ID, b.ID)
	}
	if b.Subject != "first" {
		t.Fatalf("winning row overwritten: %q", b.Subject)
	}
}

func TestParticipantDisplayNameImprovement(t *testing.T) {
	ctx := context.Background()
	ts := NewMemory().Tenant("tenant_a")

	p1, err := ts.GetOrCreateParticipant(ctx, model.ParticipantDescriptor{
		Identifier: "+27720720047", Kind: model.IdentifierPhone, DisplayName: "+27720720047",
	})
	if err != nil {
		t.Fatalf("GetOrCreateParticipant: %v", err)
	}

	p2, err := ts.GetOrCreateParticipant(ctx, model.ParticipantDescriptor{
		Identifier: "+27720720047", Kind: model.IdentifierPhone, DisplayName: "Jane Doe",
	})
	if err != nil {
		t.Fatalf("GetOrCreateParticipant: %v", err)
	}
	if p2.ID != p1.ID {
		t.Fatalf("participant duplicated")
	}
	if p2.DisplayName != "Jane Doe" {
		t.Fatalf("display name not upgraded: %q", p2.DisplayName)
	}

	// An id-like name never replaces an informative one.
	p3, err := ts.GetOrCreateParticipant(ctx, model.ParticipantDescriptor{
		Identifier: "+27720720047", Kind: model.IdentifierPhone, DisplayName: "+27 72 072 0047",
	})
	if err != nil {
		t.Fatalf("GetOrCreateParticipant: %v", err)
	}
	if p3.DisplayName != "Jane Doe" {
		t.Fatalf("informative name overwritten: %q", p3.DisplayName)
	}
}

func TestLinkParticipantContactIsSticky(t *testing.T) {
	ctx := context.Background()
	ts := NewMemory().Tenant("tenant_a")

	p, err := ts.GetOrCreateParticipant(ctx, model.ParticipantDescriptor{
		Identifier: "jane@example.com", Kind: model.IdentifierEmail,
	})
	if err != nil {
		t.Fatalf("GetOrCreateParticipant: %v", err)
	}

	linked, err := ts.LinkParticipantContact(ctx, p.ID, "contact-1", 0.95, model.MethodExactEmail)
	if err != nil {
		t.Fatalf("LinkParticipantContact: %v", err)
	}
	if linked.ContactID != "contact-1" {
		t.Fatalf("link failed: %q", linked.ContactID)
	}

	// A later, conflicting signal must not relink.
	relinked, err := ts.LinkParticipantContact(ctx, p.ID, "contact-2", 0.95, model.MethodExactEmail)
	if err != nil {
		t.Fatalf("LinkParticipantContact: %v", err)
	}
	if relinked.ContactID != "contact-1" {
		t.Fatalf("sticky link violated: %q", relinked.ContactID)
	}

	// The explicit admin override is the one path that may.
	overridden, err := ts.OverrideParticipantContact(ctx, p.ID, "contact-2")
	if err != nil {
		t.Fatalf("OverrideParticipantContact: %v", err)
	}
	if overridden.ContactID != "contact-2" || overridden.ResolutionMethod != model.MethodManual {
		t.Fatalf("override failed: %+v", overridden)
	}
}

func TestAddConversationParticipantIdempotent(t *testing.T) {
	ctx := context.Background()
	ts := NewMemory().Tenant("tenant_a")

	for i := 0; i < 3; i++ {
		if err := ts.AddConversationParticipant(ctx, "conv-1", "part-1", model.RoleSender); err != nil {
			t.Fatalf("AddConversationParticipant: %v", err)
		}
	}
	mem := ts.(*memoryTenant)
	mem.mu.Lock()
	n := len(mem.convMembers)
	role := mem.convMembers["conv-1\x00part-1"]
	mem.mu.Unlock()
	if n != 1 {
		t.Fatalf("join rows = %d, want 1", n)
	}
	if role != model.RoleSender {
		t.Fatalf("role = %q", role)
	}
}

func TestSyncJobProgress(t *testing.T) {
	ctx := context.Background()
	ts := NewMemory().Tenant("tenant_a")

	now := time.Now().UTC()
	job := &model.SyncJob{ChannelID: "chan-1", Status: model.SyncJobRunning, StartedAt: &now}
	if err := ts.CreateSyncJob(ctx, job); err != nil {
		t.Fatalf("CreateSyncJob: %v", err)
	}
	if err := ts.AddSyncJobProgress(ctx, job.ID, 1, 10, 8, 2, 0); err != nil {
		t.Fatalf("AddSyncJobProgress: %v", err)
	}
	if err := ts.AddSyncJobProgress(ctx, job.ID, 1, 5, 5, 0, 0); err != nil {
		t.Fatalf("AddSyncJobProgress: %v", err)
	}
	if err := ts.FinishSyncJob(ctx, job.ID, model.SyncJobCompleted, ""); err != nil {
		t.Fatalf("FinishSyncJob: %v", err)
	}

	got, err := ts.GetSyncJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetSyncJob: %v", err)
	}
	if got.ThreadsSeen != 2 || got.MessagesSeen != 15 || got.MessagesStored != 13 || got.MessagesSkipped != 2 {
		t.Fatalf("progress counters wrong: %+v", got)
	}
	if got.Status != model.SyncJobCompleted || got.FinishedAt == nil {
		t.Fatalf("terminal state wrong: %+v", got)
	}
}
