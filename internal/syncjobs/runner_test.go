package syncjobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/normalize"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/pipeline"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/resolution"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/routing"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/store"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/transform"
	"github.com/N0tion-Oneo/oneo-crm-sub005/pkg/logger"
)

type fakeProvider struct {
	threads    []ProviderThread
	messages   map[string][]*model.Webhook
	threadsErr error
}

func (f *fakeProvider) ListThreads(ctx context.Context, providerAccountID string, since time.Time, folders []string) ([]ProviderThread, error) {
	if f.threadsErr != nil {
		return nil, f.threadsErr
	}
	return f.threads, nil
}

func (f *fakeProvider) ListMessages(ctx context.Context, providerAccountID, externalThreadID string, since time.Time, limit int) ([]*model.Webhook, error) {
	msgs := f.messages[externalThreadID]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func chatWebhook(messageID, chatID, senderChatID, text string) *model.Webhook {
	f := false
	return &model.Webhook{
		Event:   model.EventMessageReceived,
		Channel: model.ChannelWhatsApp,
		Chat: &model.ChatPayload{
			MessageID: messageID,
			ChatID:    chatID,
			SenderID:  senderChatID,
			Text:      text,
			IsSender:  &f,
			Timestamp: json.RawMessage(`1724995200`),
		},
	}
}

func runnerFixture(t *testing.T, provider ProviderClient) (*Runner, *store.MemoryStore, store.TenantStore) {
	t.Helper()
	log, err := logger.New("error")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	st := store.NewMemory()
	ctx := context.Background()
	if err := st.UpsertConnection(ctx, &model.ChannelConnection{
		ProviderAccountID: "acct-1",
		TenantID:          "tenant-a",
		TenantSchema:      "tenant_a",
		ChannelID:         "chan-wa-1",
		ChannelType:       model.ChannelWhatsApp,
		AccountIdentifier: "+15550001111",
		AuthStatus:        model.AuthStatusConnected,
	}); err != nil {
		t.Fatalf("UpsertConnection: %v", err)
	}

	router := routing.New(st, time.Hour, log)
	p := pipeline.New(st, transform.New(normalize.New("1"), log), resolution.New(log), nil, log)
	ts := st.Tenant("tenant_a")
	ts.(interface{ AddContact(model.Contact) }).AddContact(model.Contact{
		ID: "contact-1", Identifiers: []string{"+27720720047"},
	})
	return NewRunner(st, router, p, provider, log), st, ts
}

func createJob(t *testing.T, ts store.TenantStore) string {
	t.Helper()
	now := time.Now().UTC()
	job := &model.SyncJob{
		ChannelID: "chan-wa-1",
		Status:    model.SyncJobRunning,
		StartedAt: &now,
	}
	if err := ts.CreateSyncJob(context.Background(), job); err != nil {
		t.Fatalf("CreateSyncJob: %v", err)
	}
	return job.ID
}

func TestRunStoresHistoricalMessages(t *testing.T) {
	provider := &fakeProvider{
		threads: []ProviderThread{
			{ExternalThreadID: "27720720047@s.whatsapp.net"},
			{ExternalThreadID: "14155552671@s.whatsapp.net"},
		},
		messages: map[string][]*model.Webhook{
			"27720720047@s.whatsapp.net": {
				chatWebhook("h1", "27720720047@s.whatsapp.net", "27720720047@s.whatsapp.net", "old 1"),
				chatWebhook("h2", "27720720047@s.whatsapp.net", "27720720047@s.whatsapp.net", "old 2"),
			},
			// Unknown sender, new conversation: the gate drops these.
			"14155552671@s.whatsapp.net": {
				chatWebhook("h3", "14155552671@s.whatsapp.net", "14155552671@s.whatsapp.net", "stranger"),
			},
		},
	}
	runner, _, ts := runnerFixture(t, provider)
	jobID := createJob(t, ts)

	if err := runner.Run(context.Background(), "acct-1", jobID, Options{Concurrency: 2}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, err := ts.GetSyncJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetSyncJob: %v", err)
	}
	if job.Status != model.SyncJobCompleted {
		t.Fatalf("status = %q, error = %q", job.Status, job.Error)
	}
	if job.ThreadsSeen != 2 || job.MessagesSeen != 3 {
		t.Fatalf("counters = %+v", job)
	}
	if job.MessagesStored != 2 || job.MessagesSkipped != 1 || job.MessagesFailed != 0 {
		t.Fatalf("counters = %+v", job)
	}
}

func TestRunIsIdempotentAcrossReruns(t *testing.T) {
	provider := &fakeProvider{
		threads: []ProviderThread{{ExternalThreadID: "27720720047@s.whatsapp.net"}},
		messages: map[string][]*model.Webhook{
			"27720720047@s.whatsapp.net": {
				chatWebhook("h1", "27720720047@s.whatsapp.net", "27720720047@s.whatsapp.net", "once"),
			},
		},
	}
	runner, _, ts := runnerFixture(t, provider)

	first := createJob(t, ts)
	if err := runner.Run(context.Background(), "acct-1", first, Options{}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	second := createJob(t, ts)
	if err := runner.Run(context.Background(), "acct-1", second, Options{}); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	job, err := ts.GetSyncJob(context.Background(), second)
	if err != nil {
		t.Fatalf("GetSyncJob: %v", err)
	}
	if job.MessagesStored != 0 || job.MessagesSkipped != 1 {
		t.Fatalf("rerun counters = %+v", job)
	}

	counts := ts.(interface{ MessageCount() int })
	if counts.MessageCount() != 1 {
		t.Fatalf("messages = %d, want 1", counts.MessageCount())
	}
}

func TestRunMarksJobFailedOnThreadListingError(t *testing.T) {
	provider := &fakeProvider{threadsErr: errors.New("provider 500")}
	runner, _, ts := runnerFixture(t, provider)
	jobID := createJob(t, ts)

	if err := runner.Run(context.Background(), "acct-1", jobID, Options{}); err == nil {
		t.Fatal("expected error")
	}

	job, err := ts.GetSyncJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetSyncJob: %v", err)
	}
	if job.Status != model.SyncJobFailed || job.Error == "" {
		t.Fatalf("job = %+v", job)
	}
}

func TestRunUnknownAccount(t *testing.T) {
	runner, _, ts := runnerFixture(t, &fakeProvider{})
	jobID := createJob(t, ts)

	err := runner.Run(context.Background(), "acct-unknown", jobID, Options{})
	if !errors.Is(err, routing.ErrNotRegistered) {
		t.Fatalf("err = %v, want ErrNotRegistered", err)
	}
}

func TestRunRespectsMaxPerThread(t *testing.T) {
	var msgs []*model.Webhook
	for i := 0; i < 10; i++ {
		msgs = append(msgs, chatWebhook(
			fmt.Sprintf("h%d", i),
			"27720720047@s.whatsapp.net",
			"27720720047@s.whatsapp.net",
			fmt.Sprintf("msg %d", i)))
	}
	provider := &fakeProvider{
		threads:  []ProviderThread{{ExternalThreadID: "27720720047@s.whatsapp.net"}},
		messages: map[string][]*model.Webhook{"27720720047@s.whatsapp.net": msgs},
	}
	runner, _, ts := runnerFixture(t, provider)
	jobID := createJob(t, ts)

	if err := runner.Run(context.Background(), "acct-1", jobID, Options{MaxPerThread: 3}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	job, err := ts.GetSyncJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetSyncJob: %v", err)
	}
	if job.MessagesSeen != 3 {
		t.Fatalf("seen = %d, want 3", job.MessagesSeen)
	}
}
