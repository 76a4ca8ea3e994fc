// Package identity canonicalizes raw transport addresses into stable
// conversation keys. Provider callbacks carry the same endpoint in several
// formats (national number, bare country code, internal numeric id); all of
// them must map to one identity or a conversation splits.
package identity

import "strings"

// Identity is a normalized address. Empty means "no valid contact".
type Identity string

// Rules configures normalization for bare national numbers.
type Rules struct {
	// CallingCode is the default country calling code without "+", e.g. "34".
	CallingCode string
	// MobilePrefixes are the leading digits of a national mobile number.
	MobilePrefixes []string
	// NationalLength is the digit count of a national subscriber number.
	NationalLength int
}

// DefaultRules matches the deployment the relay was built for (Spain).
func DefaultRules() Rules {
	return Rules{
		CallingCode:    "34",
		MobilePrefixes: []string{"6", "7"},
		NationalLength: 9,
	}
}

// Normalizer applies Rules to raw addresses. The zero value is unusable;
// construct with New.
type Normalizer struct {
	rules Rules
}

// New creates a Normalizer. Zero-value fields in rules fall back to
// DefaultRules.
func New(rules Rules) *Normalizer {
	def := DefaultRules()
	if rules.CallingCode == "" {
		rules.CallingCode = def.CallingCode
	}
	if len(rules.MobilePrefixes) == 0 {
		rules.MobilePrefixes = def.MobilePrefixes
	}
	if rules.NationalLength <= 0 {
		rules.NationalLength = def.NationalLength
	}
	return &Normalizer{rules: rules}
}

// Normalize canonicalizes a raw address. It is pure, deterministic and
// idempotent: Normalize(Normalize(r)) == Normalize(r) for any input.
//
// Addresses longer than a full international number are provider-internal
// ids (e.g. a Business phone_number_id) and pass through unchanged.
func (n *Normalizer) Normalize(raw string) Identity {
	s := stripFormatting(raw)
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, "+") {
		return Identity(s)
	}

	r := n.rules
	if len(s) == r.NationalLength && hasAnyPrefix(s, r.MobilePrefixes) {
		return Identity("+" + r.CallingCode + s)
	}
	fullLen := len(r.CallingCode) + r.NationalLength
	if len(s) == fullLen && strings.HasPrefix(s, r.CallingCode) {
		return Identity("+" + s)
	}
	return Identity(s)
}

// Format renders an identity for display. National numbers under the
// configured calling code are grouped "+CC XXX XX XX XX"; everything else is
// returned as-is.
func (n *Normalizer) Format(id Identity) string {
	s := string(id)
	prefix := "+" + n.rules.CallingCode
	if !strings.HasPrefix(s, prefix) || len(s) != len(prefix)+n.rules.NationalLength {
		return s
	}
	num := s[len(prefix):]
	parts := []string{prefix, num[:3]}
	for i := 3; i < len(num); i += 2 {
		end := i + 2
		if end > len(num) {
			end = len(num)
		}
		parts = append(parts, num[i:end])
	}
	return strings.Join(parts, " ")
}

func stripFormatting(raw string) string {
	var b strings.Builder
	for _, c := range raw {
		switch c {
		case ' ', '\t', '-', '(', ')':
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
