package model

import (
	"time"
)

// IdentifierKind classifies a participant identifier.
type IdentifierKind string

const (
	IdentifierPhone  IdentifierKind = "phone"
	IdentifierEmail  IdentifierKind = "email"
	IdentifierHandle IdentifierKind = "handle"
)

// ResolutionMethod records how a participant was matched to a contact record.
type ResolutionMethod string

const (
	MethodExactPhone  ResolutionMethod = "exact_phone"
	MethodExactEmail  ResolutionMethod = "exact_email"
	MethodExactHandle ResolutionMethod = "exact_handle"
	MethodManual      ResolutionMethod = "manual"
)

// Participant is a real-world contact identity, deduplicated per tenant by
// normalized identifier. ContactID is a weak reference to a CRM contact
// record; once set it is never changed by automatic resolution.
type Participant struct {
	ID          string         `json:"id"`
	Identifier  string         `json:"identifier"`
	Kind        IdentifierKind `json:"kind"`
	DisplayName string         `json:"display_name,omitempty"`

	ContactID        string           `json:"contact_record_id,omitempty"`
	Confidence       float64          `json:"resolution_confidence,omitempty"`
	ResolutionMethod ResolutionMethod `json:"resolution_method,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ParticipantDescriptor is an observed identity inside a provider payload,
// before it has been persisted or resolved.
type ParticipantDescriptor struct {
	Identifier  string         `json:"identifier"`
	Kind        IdentifierKind `json:"kind"`
	DisplayName string         `json:"display_name,omitempty"`
}

// Contact is the slice of a CRM contact record the resolver needs: the record
// id plus its normalized identifiers. Contact CRUD itself lives outside this
// pipeline.
type Contact struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Identifiers []string `json:"identifiers"`
}
