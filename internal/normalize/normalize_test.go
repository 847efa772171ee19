package normalize

import (
	"errors"
	"testing"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"
)

func TestPhoneStability(t *testing.T) {
	n := New("1")

	a, err := n.Phone("+27 72 072 0047")
	if err != nil {
		t.Fatalf("Phone: %v", err)
	}
	b, err := n.Phone("27720720047")
	if err != nil {
		t.Fatalf("Phone: %v", err)
	}
	if a != b {
		t.Fatalf("expected identical canonical forms, got %q and %q", a, b)
	}
	if a != "+27720720047" {
		t.Fatalf("unexpected canonical form %q", a)
	}
}

func TestPhone(t *testing.T) {
	n := New("1")

	tests := []struct {
		name string
		raw  string
		want string
		err  error
	}{
		{"plus kept as-is", "+14155552671", "+14155552671", nil},
		{"formatting stripped", "(415) 555-2671", "+14155552671", nil},
		{"national gets default code", "4155552671", "+14155552671", nil},
		{"eleven digits left alone", "27720720047", "+27720720047", nil},
		{"plus with spaces", "+27 72 072 0047", "+27720720047", nil},
		{"empty", "", "", ErrEmpty},
		{"no digits", "+-()", "", ErrNoDigits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.Phone(tt.raw)
			if !errors.Is(err, tt.err) {
				t.Fatalf("Phone(%q) err = %v, want %v", tt.raw, err, tt.err)
			}
			if got != tt.want {
				t.Fatalf("Phone(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestPhoneDefaultCountryCode(t *testing.T) {
	n := New("27")
	got, err := n.Phone("0720720047")
	if err != nil {
		t.Fatalf("Phone: %v", err)
	}
	if got != "+270720720047" {
		t.Fatalf("Phone = %q", got)
	}
}

func TestEmail(t *testing.T) {
	got, err := Email("  Jane.Doe@Example.COM ")
	if err != nil {
		t.Fatalf("Email: %v", err)
	}
	if got != "jane.doe@example.com" {
		t.Fatalf("Email = %q", got)
	}
	if _, err := Email("   "); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestSplitChatID(t *testing.T) {
	n := New("1")

	id, suffix, err := n.SplitChatID("27720720047@s.whatsapp.net")
	if err != nil {
		t.Fatalf("SplitChatID: %v", err)
	}
	if id != "+27720720047" || suffix != "s.whatsapp.net" {
		t.Fatalf("SplitChatID = (%q, %q)", id, suffix)
	}

	id, suffix, err = n.SplitChatID("group-abc123@g.us")
	if err != nil {
		t.Fatalf("SplitChatID: %v", err)
	}
	if suffix != "g.us" {
		t.Fatalf("suffix = %q", suffix)
	}
}

func TestNormalizeDispatch(t *testing.T) {
	n := New("1")

	if got, _ := n.Normalize(model.IdentifierEmail, "A@B.co"); got != "a@b.co" {
		t.Fatalf("email dispatch = %q", got)
	}
	if got, _ := n.Normalize(model.IdentifierPhone, "4155552671"); got != "+14155552671" {
		t.Fatalf("phone dispatch = %q", got)
	}
	if _, err := n.Normalize(model.IdentifierKind("fax"), "x"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		raw  string
		want model.IdentifierKind
	}{
		{"jane@example.com", model.IdentifierEmail},
		{"27720720047@s.whatsapp.net", model.IdentifierPhone},
		{"+27720720047", model.IdentifierPhone},
		{"urn:li:person:abc", model.IdentifierHandle},
	}
	for _, tt := range tests {
		if got := KindOf(tt.raw); got != tt.want {
			t.Errorf("KindOf(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
