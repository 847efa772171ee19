package pipeline

import "github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"

// Storage decision reasons, surfaced verbatim in the webhook response.
const (
	ReasonOutbound             = "outbound"
	ReasonExistingConversation = "existing_conversation"
	ReasonContactMatch         = "contact_match"
	ReasonNoContactMatch       = "no_contact_match"
)

// Decision is the storage gate's verdict for one message.
type Decision struct {
	Store  bool   `json:"should_store"`
	Reason string `json:"reason"`
}

// ShouldStore applies the storage gate. Outbound messages are always kept.
// Inbound messages into an existing conversation are always kept; the gate
// only filters at conversation creation, where an inbound message must match
// at least one known contact to open a thread. Once a conversation exists the
// relationship is established and everything in it is history worth keeping.
func ShouldStore(direction model.Direction, conversationExists bool, matchedContacts int) Decision {
	if direction == model.DirectionOutbound {
		return Decision{Store: true, Reason: ReasonOutbound}
	}
	if conversationExists {
		return Decision{Store: true, Reason: ReasonExistingConversation}
	}
	if matchedContacts > 0 {
		return Decision{Store: true, Reason: ReasonContactMatch}
	}
	return Decision{Store: false, Reason: ReasonNoContactMatch}
}
