// Package uuidv7 issues time-ordered identifiers for session tokens and etags.
package uuidv7

import "github.com/google/uuid"

// New returns a UUIDv7 value; generation failure is a programming error and panics.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns the canonical string form of a fresh UUIDv7.
func NewString() string {
	return New().String()
}
