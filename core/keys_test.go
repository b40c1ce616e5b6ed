package core

import (
	"errors"
	"testing"
)

func TestValidateProjectID(t *testing.T) {
	valid := []string{"proj", "my-project", "p_1", "ABC123"}
	for _, id := range valid {
		if err := ValidateProjectID(id); err != nil {
			t.Errorf("ValidateProjectID(%q) = %v, want nil", id, err)
		}
	}

	invalid := []string{"", "has space", "a/b", "semi;colon", "dot.ted", "colon:id"}
	for _, id := range invalid {
		err := ValidateProjectID(id)
		if err == nil {
			t.Errorf("ValidateProjectID(%q) = nil, want error", id)
			continue
		}
		if !errors.Is(err, ErrValidation) {
			t.Errorf("ValidateProjectID(%q) error is not ErrValidation: %v", id, err)
		}
	}
}

func TestValidateStreamID(t *testing.T) {
	valid := []string{"stream", "orders:2024", "a.b.c", "snake_case-1"}
	for _, id := range valid {
		if err := ValidateStreamID(id); err != nil {
			t.Errorf("ValidateStreamID(%q) = %v, want nil", id, err)
		}
	}

	invalid := []string{"", "has space", "a/b", "emoji💥"}
	for _, id := range invalid {
		if err := ValidateStreamID(id); err == nil {
			t.Errorf("ValidateStreamID(%q) = nil, want error", id)
		}
	}
}

func TestValidateEstuaryID(t *testing.T) {
	if err := ValidateEstuaryID("7d444840-9dc0-11d1-b245-5ffdce74fad2"); err != nil {
		t.Errorf("valid UUID rejected: %v", err)
	}
	// Uppercase UUIDs parse too.
	if err := ValidateEstuaryID("7D444840-9DC0-11D1-B245-5FFDCE74FAD2"); err != nil {
		t.Errorf("uppercase UUID rejected: %v", err)
	}

	invalid := []string{
		"",
		"not-a-uuid",
		"7d4448409dc011d1b2455ffdce74fad2",                // undashed, wrong length
		"urn:uuid:7d444840-9dc0-11d1-b245-5ffdce74fad2",   // URN form
		"{7d444840-9dc0-11d1-b245-5ffdce74fad2}",          // braced form
		"7d444840-9dc0-11d1-b245-5ffdce74fad2-extra-tail", // too long
	}
	for _, id := range invalid {
		err := ValidateEstuaryID(id)
		if err == nil {
			t.Errorf("ValidateEstuaryID(%q) = nil, want error", id)
			continue
		}
		if !errors.Is(err, ErrValidation) {
			t.Errorf("ValidateEstuaryID(%q) error is not ErrValidation: %v", id, err)
		}
	}
}

func TestStreamKey(t *testing.T) {
	key, err := NewStreamKey("proj", "orders:2024")
	if err != nil {
		t.Fatalf("NewStreamKey: %v", err)
	}
	if got := key.String(); got != "proj/orders:2024" {
		t.Errorf("String() = %q, want %q", got, "proj/orders:2024")
	}

	parsed, err := ParseStreamKey("proj/orders:2024")
	if err != nil {
		t.Fatalf("ParseStreamKey: %v", err)
	}
	if parsed != key {
		t.Errorf("ParseStreamKey = %+v, want %+v", parsed, key)
	}

	if _, err := ParseStreamKey("no-separator"); err == nil {
		t.Error("ParseStreamKey without separator succeeded")
	}
	if _, err := NewStreamKey("bad project", "s"); err == nil {
		t.Error("NewStreamKey with invalid project succeeded")
	}
}
