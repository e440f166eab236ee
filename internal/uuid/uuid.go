// Package uuid generates identifiers for audit and authentication events.
package uuid

import "github.com/google/uuid"

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}

// Valid reports whether s is a well-formed UUID.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
