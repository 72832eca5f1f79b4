package util

import (
	"net/mail"
	"strings"
)

func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidEmail accepts a bare address only, no display name.
func ValidEmail(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 254 {
		return false
	}
	a, err := mail.ParseAddress(s)
	if err != nil || a.Address != s {
		return false
	}
	_, domain, ok := strings.Cut(s, "@")
	return ok && strings.Contains(domain, ".")
}

// DedupeEmails normalizes and de-duplicates, keeping first-seen order.
// Entries that are not valid addresses are returned separately.
func DedupeEmails(in []string) (valid, invalid []string) {
	seen := make(map[string]bool, len(in))
	for _, raw := range in {
		e := NormalizeEmail(raw)
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		if !ValidEmail(e) {
			invalid = append(invalid, raw)
			continue
		}
		valid = append(valid, e)
	}
	return valid, invalid
}
