// Package idgen mints the random identifiers used throughout the store:
// document ids and subscription ids.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// DocumentID returns a fresh 32-character lowercase hex identifier, a
// random UUID with its hyphens stripped. Documents that arrive without an
// id are assigned one of these on save.
func DocumentID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SubscriptionID returns a fresh identifier for a CDC subscription, in the
// same 32-character hex form as document ids (the cursor table's `name`
// column is declared the same width as a document id).
func SubscriptionID() string {
	return DocumentID()
}

// Valid reports whether id has the shape the store mints: exactly 32
// lowercase hex characters. The store does not call it: save honors a
// caller-supplied id verbatim and mints one only when the id is empty.
func Valid(id string) bool {
	if len(id) != 32 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
