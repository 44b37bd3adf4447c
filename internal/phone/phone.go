// Package phone normalizes spreadsheet phone numbers into the canonical
// digit form the chat directory understands.
package phone

import "strings"

// Defaults for Ecuadorian numbers, where the tool originated.
const (
	DefaultCountryCode = "593"
	DefaultTrunkPrefix = "0"
)

// Rules describes how raw spreadsheet numbers become canonical ones.
type Rules struct {
	// CountryCode is prepended to national numbers (no leading +).
	CountryCode string
	// TrunkPrefix is the national dialing digit replaced by CountryCode.
	TrunkPrefix string
	// Prepend disables all prefixing when false; numbers pass through
	// normalized but otherwise untouched.
	Prepend bool
}

// DefaultRules returns the rules matching the default preferences.
func DefaultRules() Rules {
	return Rules{CountryCode: DefaultCountryCode, TrunkPrefix: DefaultTrunkPrefix, Prepend: true}
}

// Normalize strips everything except digits: spaces, dashes, dots,
// parentheses and a leading + are all common in spreadsheet cells.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Canonicalize applies the country-prefix rules to a raw number:
//
//   - 9 digits (national form without trunk digit): country code prepended
//   - 10 digits starting with the trunk prefix: trunk digit replaced by
//     the country code
//   - anything else: passed through normalized
//
// The mapping is idempotent: a number already in canonical form is
// returned unchanged.
func (r Rules) Canonicalize(raw string) string {
	n := Normalize(raw)
	if !r.Prepend || r.CountryCode == "" {
		return n
	}
	switch {
	case len(n) == 9:
		return r.CountryCode + n
	case len(n) == 10 && r.TrunkPrefix != "" && strings.HasPrefix(n, r.TrunkPrefix):
		return r.CountryCode + n[len(r.TrunkPrefix):]
	default:
		return n
	}
}
