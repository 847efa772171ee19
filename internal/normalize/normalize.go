// Package normalize canonicalizes phone numbers, email addresses and provider
// chat identifiers into comparable forms. All functions are pure and stable:
// the same input always yields the same output, which the dedup and
// participant layers rely on.
package normalize

import (
	"errors"
	"strings"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"
)

var (
	// ErrEmpty is returned when the raw identifier is blank.
	ErrEmpty = errors.New("normalize: empty identifier")
	// ErrNoDigits is returned when a phone number contains no digits.
	ErrNoDigits = errors.New("normalize: phone has no digits")
	// ErrUnknownKind is returned for an unrecognized identifier kind.
	ErrUnknownKind = errors.New("normalize: unknown identifier kind")
)

// Normalizer canonicalizes identifiers. DefaultCountryCode is applied to bare
// national phone numbers that carry no leading '+'.
type Normalizer struct {
	DefaultCountryCode string
}

// New returns a Normalizer with the given default country code ("1", "27", …).
func New(defaultCountryCode string) *Normalizer {
	if defaultCountryCode == "" {
		defaultCountryCode = "1"
	}
	return &Normalizer{DefaultCountryCode: strings.TrimPrefix(defaultCountryCode, "+")}
}

// Normalize canonicalizes raw according to kind.
func (n *Normalizer) Normalize(kind model.IdentifierKind, raw string) (string, error) {
	switch kind {
	case model.IdentifierPhone:
		return n.Phone(raw)
	case model.IdentifierEmail:
		return Email(raw)
	case model.IdentifierHandle:
		return Handle(raw)
	default:
		return "", ErrUnknownKind
	}
}

// Phone canonicalizes a phone number to an E.164-like "+<digits>" form.
// Non-digits are stripped. The default country code is prepended only when
// the raw number had no leading '+' and looks national (10 digits or fewer).
func (n *Normalizer) Phone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmpty
	}
	hadPlus := strings.HasPrefix(raw, "+")
	digits := digitsOnly(raw)
	if digits == "" {
		return "", ErrNoDigits
	}
	if !hadPlus && len(digits) <= 10 {
		digits = n.DefaultCountryCode + digits
	}
	return "+" + digits, nil
}

// Email canonicalizes an email address by trimming and lowercasing.
func Email(raw string) (string, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return "", ErrEmpty
	}
	return raw, nil
}

// Handle canonicalizes a platform handle (LinkedIn URN and the like).
func Handle(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmpty
	}
	return raw, nil
}

// SplitChatID splits a provider chat id of the form "<number>@<suffix>"
// (e.g. "27720720047@s.whatsapp.net") into its normalized phone component and
// the suffix tag. Ids without a suffix return an empty suffix; ids whose left
// part is not phone-like are returned unchanged as the identifier.
func (n *Normalizer) SplitChatID(raw string) (identifier, suffix string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", ErrEmpty
	}
	at := strings.IndexByte(raw, '@')
	if at < 0 {
		if isPhoneLike(raw) {
			if phone, perr := n.Phone(raw); perr == nil {
				return phone, "", nil
			}
		}
		return raw, "", nil
	}
	left, right := raw[:at], raw[at+1:]
	if isPhoneLike(left) {
		if phone, perr := n.Phone(left); perr == nil {
			return phone, right, nil
		}
	}
	return raw, right, nil
}

// KindOf guesses the identifier kind from its shape: '@' with a dot-bearing
// domain reads as email, digit-heavy strings as phone, the rest as handle.
func KindOf(raw string) model.IdentifierKind {
	raw = strings.TrimSpace(raw)
	if at := strings.IndexByte(raw, '@'); at > 0 {
		domain := raw[at+1:]
		if strings.ContainsRune(domain, '.') && !strings.HasSuffix(domain, "whatsapp.net") {
			return model.IdentifierEmail
		}
		return model.IdentifierPhone
	}
	digits := digitsOnly(raw)
	if digits != "" && len(digits) >= len(raw)-2 {
		return model.IdentifierPhone
	}
	return model.IdentifierHandle
}

// isPhoneLike reports whether s is only digits plus phone punctuation.
func isPhoneLike(s string) bool {
	if digitsOnly(s) == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '+' || r == '-' || r == ' ' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return true
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
