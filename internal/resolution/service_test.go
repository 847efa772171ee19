package resolution

import (
	"context"
	"errors"
	"testing"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/store"
	"github.com/N0tion-Oneo/oneo-crm-sub005/pkg/logger"
)

type contactSeeder interface {
	AddContact(model.Contact)
}

func testService(t *testing.T) (*Service, store.TenantStore) {
	t.Helper()
	log, err := logger.New("error")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return New(log), store.NewMemory().Tenant("tenant_a")
}

func TestResolveMatchesContactByPhone(t *testing.T) {
	svc, ts := testService(t)
	ts.(contactSeeder).AddContact(model.Contact{
		ID: "contact-1", Name: "Jane Doe", Identifiers: []string{"+27720720047"},
	})

	res, err := svc.Resolve(context.Background(), ts, model.ParticipantDescriptor{
		Identifier: "+27720720047", Kind: model.IdentifierPhone, DisplayName: "Jane",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.Matched {
		t.Fatal("expected a contact match")
	}
	if res.Contact.ID != "contact-1" {
		t.Fatalf("contact = %q", res.Contact.ID)
	}
	if res.Confidence != ConfidencePhone {
		t.Fatalf("confidence = %v, want %v", res.Confidence, ConfidencePhone)
	}
	if res.Method != model.MethodExactPhone {
		t.Fatalf("method = %q", res.Method)
	}
	if res.Participant.ContactID != "contact-1" {
		t.Fatalf("link not persisted: %+v", res.Participant)
	}
}

func TestResolveNoMatch(t *testing.T) {
	svc, ts := testService(t)

	res, err := svc.Resolve(context.Background(), ts, model.ParticipantDescriptor{
		Identifier: "+14155552671", Kind: model.IdentifierPhone,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Matched {
		t.Fatal("unexpected match")
	}
	if res.Participant == nil || res.Participant.ID == "" {
		t.Fatal("participant should still be created")
	}
}

func TestResolveEmailConfidence(t *testing.T) {
	svc, ts := testService(t)
	ts.(contactSeeder).AddContact(model.Contact{
		ID: "contact-2", Identifiers: []string{"jane@example.com"},
	})

	res, err := svc.Resolve(context.Background(), ts, model.ParticipantDescriptor{
		Identifier: "jane@example.com", Kind: model.IdentifierEmail,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Confidence != ConfidenceEmail || res.Method != model.MethodExactEmail {
		t.Fatalf("got confidence=%v method=%q", res.Confidence, res.Method)
	}
}

func TestResolveIsOneWaySticky(t *testing.T) {
	svc, ts := testService(t)
	seeder := ts.(contactSeeder)
	seeder.AddContact(model.Contact{ID: "contact-1", Identifiers: []string{"+27720720047"}})

	d := model.ParticipantDescriptor{Identifier: "+27720720047", Kind: model.IdentifierPhone}
	first, err := svc.Resolve(context.Background(), ts, d)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// A second contact acquires the same identifier later; resolution must
	// not silently relink.
	seeder.AddContact(model.Contact{ID: "contact-9", Identifiers: []string{"+27720720047"}})
	second, err := svc.Resolve(context.Background(), ts, d)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if second.Contact.ID != first.Contact.ID {
		t.Fatalf("relinked from %q to %q", first.Contact.ID, second.Contact.ID)
	}
}

func TestOverrideContactLink(t *testing.T) {
	svc, ts := testService(t)
	ts.(contactSeeder).AddContact(model.Contact{ID: "contact-1", Identifiers: []string{"+27720720047"}})

	res, err := svc.Resolve(context.Background(), ts, model.ParticipantDescriptor{
		Identifier: "+27720720047", Kind: model.IdentifierPhone,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	p, err := svc.OverrideContactLink(context.Background(), ts, res.Participant.ID, "contact-override")
	if err != nil {
		t.Fatalf("OverrideContactLink: %v", err)
	}
	if p.ContactID != "contact-override" || p.ResolutionMethod != model.MethodManual || p.Confidence != 1.0 {
		t.Fatalf("override result: %+v", p)
	}
}

type failingContacts struct {
	store.TenantStore
}

func (f failingContacts) FindContactByIdentifier(ctx context.Context, identifier string) (*model.Contact, error) {
	return nil, errors.New("connection reset")
}

func TestResolveTransientLookupFailureIsNoMatch(t *testing.T) {
	svc, ts := testService(t)

	res, err := svc.Resolve(context.Background(), failingContacts{ts}, model.ParticipantDescriptor{
		Identifier: "+27720720047", Kind: model.IdentifierPhone,
	})
	if err != nil {
		t.Fatalf("Resolve should not fail the webhook: %v", err)
	}
	if res.Matched {
		t.Fatal("transient failure must resolve to no match")
	}
}
