package domain

import (
	"net/mail"
	"regexp"
	"strings"
)

var angleAddress = regexp.MustCompile(`<([^>]+)>`)

// ExtractAddress strips the display name from a sender header.
// "Jane Doe <jane@x.com>" yields "jane@x.com"; a bare address is returned trimmed.
func ExtractAddress(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if m := angleAddress.FindStringSubmatch(raw); len(m) == 2 {
		return strings.TrimSpace(m[1])
	}
	if addr, err := mail.ParseAddress(raw); err == nil {
		return addr.Address
	}
	return raw
}

// NormalizeAddress returns the lower-cased bare address used for allowlist checks.
func NormalizeAddress(raw string) string {
	return strings.ToLower(ExtractAddress(raw))
}
