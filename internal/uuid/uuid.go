// Package uuid generates and validates row identifiers for chat records.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Canonical 8-4-4-4-12 hex form, version 1-8, RFC 4122 variant.
var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[1-8][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a time-ordered UUID v7 so locally created rows sort by
// creation. Falls back to v4 if the clock source fails.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// NewV4 generates a random UUID v4.
func NewV4() string {
	return uuid.New().String()
}

// Parse parses s into a UUID of any version.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID: %w", err)
	}
	return id, nil
}

// IsValid checks if a string is a canonical RFC 4122 UUID.
// Enforces strict format with dashes and correct variant bits.
func IsValid(s string) bool {
	return uuidRegex.MatchString(s)
}

// Validate returns an error if the string is not a canonical UUID.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID format: %q", s)
	}
	return nil
}
