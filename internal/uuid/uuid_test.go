// Package uuid provides unit tests for UUID generation and validation.
package uuid

import (
	"sort"
	"testing"
)

// TestNew tests that New() generates valid UUID v7 strings.
func TestNew(t *testing.T) {
	id := New()

	if !IsValid(id) {
		t.Fatalf("Generated UUID is not valid: %s", id)
	}

	parsed, err := Parse(id)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if parsed.Version() != 7 {
		t.Errorf("Expected v7, got v%d", parsed.Version())
	}
}

// TestNewUniqueness tests that New() generates unique IDs.
func TestNewUniqueness(t *testing.T) {
	ids := make(map[string]bool)

	for i := 0; i < 1000; i++ {
		id := New()
		if ids[id] {
			t.Errorf("Duplicate UUID generated: %s", id)
		}
		ids[id] = true
	}
}

// TestNewOrdering tests that successive v7 IDs sort in creation order.
func TestNewOrdering(t *testing.T) {
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = New()
	}
	if !sort.StringsAreSorted(ids) {
		t.Error("Expected successive New() IDs to be lexically ordered")
	}
}

// TestNewV4 tests the random generator.
func TestNewV4(t *testing.T) {
	parsed, err := Parse(NewV4())
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if parsed.Version() != 4 {
		t.Errorf("Expected v4, got v%d", parsed.Version())
	}
}

// TestIsValid tests UUID string validation.
func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		uuid string
		want bool
	}{
		{"valid v4", "f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"valid v7", "01890a5d-ac96-774b-bcce-b302099a8057", true},
		{"uppercase", "F47AC10B-58CC-4372-A567-0E02B2C3D479", true},
		{"empty", "", false},
		{"no dashes", "f47ac10b58cc4372a5670e02b2c3d479", false},
		{"version 0", "f47ac10b-58cc-0372-a567-0e02b2c3d479", false},
		{"bad variant", "f47ac10b-58cc-4372-c567-0e02b2c3d479", false},
		{"too short", "f47ac10b-58cc-4372-a567-0e02b2c3d47", false},
		{"non-hex", "g47ac10b-58cc-4372-a567-0e02b2c3d479", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.uuid); got != tt.want {
				t.Errorf("IsValid(%q) = %v, want %v", tt.uuid, got, tt.want)
			}
		})
	}
}

// TestValidate tests the error-returning validator.
func TestValidate(t *testing.T) {
	if err := Validate(New()); err != nil {
		t.Errorf("Validate() on generated UUID failed: %v", err)
	}
	if err := Validate("not-a-uuid"); err == nil {
		t.Error("Validate() should reject malformed input")
	}
}

// TestParse_invalid tests Parse error wrapping.
func TestParse_invalid(t *testing.T) {
	if _, err := Parse("xyz"); err == nil {
		t.Error("Parse() should fail on malformed input")
	}
}
