package pipeline

import (
	"strings"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"
)

// DetectDirection decides whether a message left the account or arrived at
// it. Explicit provider flags win over inference: is_sender first, then
// is_from_me, then a sender-identifier comparison against the channel's own
// account identifier. When nothing disambiguates, inbound is the safe
// default; misfiled outbound traffic is recoverable, a dropped customer
// message is not.
func DetectDirection(w *model.Webhook, sender model.ParticipantDescriptor, accountIdentifier string) model.Direction {
	var isSender, isFromMe *bool
	switch {
	case w.Chat != nil:
		isSender = w.Chat.IsSender
		isFromMe = w.Chat.IsFromMe
	case w.Email != nil:
		isSender = w.Email.IsSender
	}

	if isSender != nil {
		return directionFromFlag(*isSender)
	}
	if isFromMe != nil {
		return directionFromFlag(*isFromMe)
	}
	if sender.Identifier != "" && identifiersEqual(sender.Identifier, accountIdentifier) {
		return model.DirectionOutbound
	}
	return model.DirectionInbound
}

func directionFromFlag(fromAccount bool) model.Direction {
	if fromAccount {
		return model.DirectionOutbound
	}
	return model.DirectionInbound
}

func identifiersEqual(a, b string) bool {
	ca, cb := canonicalIdentifier(a), canonicalIdentifier(b)
	return ca != "" && ca == cb
}

// canonicalIdentifier reduces an identifier to a comparable form. Providers
// report the channel's own identity inconsistently: a formatted phone number,
// bare digits, or a chat id carrying a transport suffix. Phone-shaped values
// collapse to their digits; everything else compares case-insensitively.
func canonicalIdentifier(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	local := s
	if i := strings.IndexByte(s, '@'); i > 0 {
		local = s[:i]
	}
	if d := phoneDigits(local); d != "" {
		return d
	}
	return s
}

// phoneDigits extracts the digits of a phone-shaped string. Anything beyond
// digits and phone punctuation means the string is not a phone number and
// yields "".
func phoneDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteByte(byte(r))
		case r == '+' || r == '-' || r == '.' || r == ' ' || r == '(' || r == ')':
		default:
			return ""
		}
	}
	return b.String()
}

// DefaultStatus fills in the delivery state for providers that report none:
// an inbound message we are holding has by definition been delivered, an
// outbound one has at least been sent.
func DefaultStatus(status model.MessageStatus, direction model.Direction) model.MessageStatus {
	if status != "" {
		return status
	}
	if direction == model.DirectionOutbound {
		return model.StatusSent
	}
	return model.StatusDelivered
}
