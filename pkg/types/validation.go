package types

import (
	"regexp"
	"strings"
)

// Compiled once; identifier validation runs on every dispatched event.
var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidID checks user and room identifiers: 1-64 characters,
// alphanumeric plus underscore and hyphen.
func IsValidID(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	return idRegex.MatchString(id)
}

// NormalizeText trims a message body and validates it against the
// length limit. Returns the trimmed text; validation failures never
// touch storage.
func NormalizeText(text string, maxLen int) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrEmptyMessage
	}
	if len([]rune(trimmed)) > maxLen {
		return "", ErrMessageTooLong
	}
	return trimmed, nil
}
