// Package resolution matches observed message participants against CRM
// contact records. Matching is exact-identifier-only; every outcome carries a
// confidence score and the method tag that produced it.
package resolution

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/store"
	"github.com/N0tion-Oneo/oneo-crm-sub005/pkg/logger"
	"github.com/N0tion-Oneo/oneo-crm-sub005/pkg/metrics"
)

// Confidence scores are fixed per method; they are stored on the participant
// for auditability.
const (
	ConfidencePhone  = 0.90
	ConfidenceEmail  = 0.95
	ConfidenceHandle = 0.85
)

// Resolution is the outcome for one participant descriptor.
type Resolution struct {
	Participant *model.Participant
	Contact     *model.Contact
	Matched     bool
	Confidence  float64
	Method      model.ResolutionMethod
}

// Service resolves participants within one tenant's data context.
type Service struct {
	logger *logger.Logger
}

// New creates a resolution Service.
func New(log *logger.Logger) *Service {
	return &Service{logger: log}
}

// Resolve gets-or-creates the Participant keyed by the descriptor's
// normalized identifier and attempts an exact-identifier contact match.
// A transient contact lookup failure degrades to "no match" rather than
// failing the webhook: ambiguous inbound data leans toward not being stored.
// Linking is one-way sticky; an already linked participant is returned as-is.
func (s *Service) Resolve(ctx context.Context, ts store.TenantStore, d model.ParticipantDescriptor) (*Resolution, error) {
	if d.Identifier == "" {
		return nil, errors.New("resolution: descriptor without identifier")
	}

	p, err := ts.GetOrCreateParticipant(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("resolution: participant upsert: %w", err)
	}

	if p.ContactID != "" {
		return &Resolution{
			Participant: p,
			Contact:     &model.Contact{ID: p.ContactID},
			Matched:     true,
			Confidence:  p.Confidence,
			Method:      p.ResolutionMethod,
		}, nil
	}

	contact, err := ts.FindContactByIdentifier(ctx, d.Identifier)
	if errors.Is(err, store.ErrNotFound) {
		metrics.RecordResolution(string(methodFor(d.Kind)), false)
		return &Resolution{Participant: p}, nil
	}
	if err != nil {
		s.logger.Warn("contact lookup failed, treating as no match",
			zap.String("identifier", d.Identifier),
			zap.Error(err))
		metrics.RecordResolution(string(methodFor(d.Kind)), false)
		return &Resolution{Participant: p}, nil
	}

	method := methodFor(d.Kind)
	confidence := confidenceFor(d.Kind)
	p, err = ts.LinkParticipantContact(ctx, p.ID, contact.ID, confidence, method)
	if err != nil {
		return nil, fmt.Errorf("resolution: link contact: %w", err)
	}
	metrics.RecordResolution(string(method), true)

	// LinkParticipantContact refuses to relink, so a concurrent resolver may
	// have won with a different contact; report what is actually stored.
	return &Resolution{
		Participant: p,
		Contact:     &model.Contact{ID: p.ContactID, Name: contact.Name},
		Matched:     p.ContactID != "",
		Confidence:  p.Confidence,
		Method:      p.ResolutionMethod,
	}, nil
}

// OverrideContactLink replaces a participant's contact link unconditionally.
// This is the explicit administrative path; automatic resolution never
// relinks.
func (s *Service) OverrideContactLink(ctx context.Context, ts store.TenantStore, participantID, contactID string) (*model.Participant, error) {
	p, err := ts.OverrideParticipantContact(ctx, participantID, contactID)
	if err != nil {
		return nil, fmt.Errorf("resolution: override link: %w", err)
	}
	metrics.RecordResolution(string(model.MethodManual), true)
	return p, nil
}

func methodFor(kind model.IdentifierKind) model.ResolutionMethod {
	switch kind {
	case model.IdentifierPhone:
		return model.MethodExactPhone
	case model.IdentifierEmail:
		return model.MethodExactEmail
	default:
		return model.MethodExactHandle
	}
}

func confidenceFor(kind model.IdentifierKind) float64 {
	switch kind {
	case model.IdentifierPhone:
		return ConfidencePhone
	case model.IdentifierEmail:
		return ConfidenceEmail
	default:
		return ConfidenceHandle
	}
}
