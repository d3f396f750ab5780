package emailutil

import (
	"net/mail"
	"strings"
)

// Normalize lowercases and trims an email address. Identities are keyed by
// the normalized form, so every lookup and upsert must go through here.
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ExtractDomain returns the part after the @, or "" when the address is malformed
func ExtractDomain(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

// IsValid reports whether email is a bare address (no display name)
func IsValid(email string) bool {
	if email == "" {
		return false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}
	return addr.Address == email && ExtractDomain(email) != ""
}
