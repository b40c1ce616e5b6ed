package core

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// StreamKey is the canonical "projectId/streamId" identifier. Keys are opaque
// to the fanout core; every subsystem routes them to a per-key actor.
type StreamKey struct {
	Project string
	Stream  string
}

func (k StreamKey) String() string {
	return k.Project + "/" + k.Stream
}

// IsZero reports whether the key is empty.
func (k StreamKey) IsZero() bool {
	return k.Project == "" && k.Stream == ""
}

var (
	projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	streamIDPattern  = regexp.MustCompile(`^[A-Za-z0-9_\-:.]+$`)
)

// ValidateProjectID checks a project identifier against the allowed alphabet.
func ValidateProjectID(id string) error {
	if !projectIDPattern.MatchString(id) {
		return fmt.Errorf("%w: invalid project id %q", ErrValidation, id)
	}
	return nil
}

// ValidateStreamID checks a stream identifier against the allowed alphabet.
func ValidateStreamID(id string) error {
	if !streamIDPattern.MatchString(id) {
		return fmt.Errorf("%w: invalid stream id %q", ErrValidation, id)
	}
	return nil
}

// ValidateEstuaryID checks that an estuary identifier is a plain UUID
// (case-insensitive, dashed form).
func ValidateEstuaryID(id string) error {
	if len(id) != 36 {
		return fmt.Errorf("%w: estuary id must be a UUID, got %q", ErrValidation, id)
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: estuary id must be a UUID, got %q", ErrValidation, id)
	}
	return nil
}

// NewStreamKey validates both halves and assembles a key.
func NewStreamKey(project, stream string) (StreamKey, error) {
	if err := ValidateProjectID(project); err != nil {
		return StreamKey{}, err
	}
	if err := ValidateStreamID(stream); err != nil {
		return StreamKey{}, err
	}
	return StreamKey{Project: project, Stream: stream}, nil
}

// ParseStreamKey splits "projectId/streamId" and validates both halves.
func ParseStreamKey(s string) (StreamKey, error) {
	project, stream, ok := strings.Cut(s, "/")
	if !ok {
		return StreamKey{}, fmt.Errorf("%w: stream key %q is not projectId/streamId", ErrValidation, s)
	}
	return NewStreamKey(project, stream)
}
