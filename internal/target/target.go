// Package target canonicalises the phone numbers and email addresses that key an OTP flow.
// Every boundary parses through here once; stores and limiters only ever see canonical values.
package target

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/mail"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

type Kind string

const (
	KindPhone Kind = "phone"
	KindEmail Kind = "email"
)

var (
	ErrEmpty        = errors.New("target is empty")
	ErrInvalidPhone = errors.New("invalid phone number")
	ErrInvalidEmail = errors.New("invalid email address")
)

// Target is a canonical verification target
type Target struct {
	Kind  Kind
	Value string
}

func (t Target) Key() string {
	return string(t.Kind) + ":" + t.Value
}

// Hash is the hex SHA-256 of Key, used wherever raw PII must not appear
func (t Target) Hash() string {
	sum := sha256.Sum256([]byte(t.Key()))
	return hex.EncodeToString(sum[:])
}

func (t Target) IsZero() bool {
	return t.Value == ""
}

func (t Target) String() string {
	return t.Key()
}

// Masked renders the target for logs and API responses
func (t Target) Masked() string {
	switch t.Kind {
	case KindPhone:
		if len(t.Value) <= 6 {
			return "****"
		}
		return t.Value[:3] + strings.Repeat("*", len(t.Value)-6) + t.Value[len(t.Value)-3:]
	case KindEmail:
		local, domain, ok := strings.Cut(t.Value, "@")
		if !ok || local == "" {
			return "****"
		}
		return local[:1] + "***@" + domain
	}
	return "****"
}

// ParsePhone accepts digits with optional spaces, dashes, dots, parentheses and a leading '+'.
// The canonical form is strict E.164. Numbers without a country code resolve against defaultRegion.
func ParsePhone(raw, defaultRegion string) (Target, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Target{}, ErrEmpty
	}
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return Target{}, ErrInvalidPhone
		}
	}
	if digits < 7 || digits > 15 {
		return Target{}, ErrInvalidPhone
	}

	num, err := phonenumbers.Parse(s, strings.ToUpper(defaultRegion))
	if err != nil {
		return Target{}, ErrInvalidPhone
	}
	if !phonenumbers.IsValidNumber(num) {
		return Target{}, ErrInvalidPhone
	}
	return Target{Kind: KindPhone, Value: phonenumbers.Format(num, phonenumbers.E164)}, nil
}

// ParseEmail accepts a bare address only; display names and angle brackets are rejected
func ParseEmail(raw string) (Target, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return Target{}, ErrEmpty
	}
	if len(s) > 254 {
		return Target{}, ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Name != "" || addr.Address != s {
		return Target{}, ErrInvalidEmail
	}
	local, domain, _ := strings.Cut(s, "@")
	if local == "" || !strings.Contains(domain, ".") || strings.HasSuffix(domain, ".") {
		return Target{}, ErrInvalidEmail
	}
	return Target{Kind: KindEmail, Value: s}, nil
}

// Parse picks the phone or email form; exactly one must be supplied
func Parse(phone, email, defaultRegion string) (Target, error) {
	phone = strings.TrimSpace(phone)
	email = strings.TrimSpace(email)
	switch {
	case phone != "" && email != "":
		return Target{}, errors.New("provide either phone or email, not both")
	case phone != "":
		return ParsePhone(phone, defaultRegion)
	case email != "":
		return ParseEmail(email)
	}
	return Target{}, ErrEmpty
}

// FromKey rebuilds a target from its Key form
func FromKey(key string) (Target, error) {
	kind, value, ok := strings.Cut(key, ":")
	if !ok {
		return Target{}, errors.New("malformed target key")
	}
	switch Kind(kind) {
	case KindPhone:
		return ParsePhone(value, "")
	case KindEmail:
		return ParseEmail(value)
	}
	return Target{}, errors.New("unknown target kind")
}
