package core

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced to callers. Fanout-side failures are never
// surfaced through these once the source append has committed; they travel
// in the publish result instead.
var (
	// ErrSourceNotFound indicates a subscribe referenced a source stream
	// that does not exist.
	ErrSourceNotFound = errors.New("fanout: source stream not found")

	// ErrEstuaryNotFound indicates an operation referenced an estuary
	// stream that does not exist.
	ErrEstuaryNotFound = errors.New("fanout: estuary stream not found")

	// ErrContentTypeMismatch indicates the estuary pre-existed with a
	// content type different from its source.
	ErrContentTypeMismatch = errors.New("fanout: estuary content type differs from source")

	// ErrValidation indicates a malformed identifier or payload framing.
	ErrValidation = errors.New("fanout: validation failed")

	// ErrUpstreamWriteFailed indicates the stream core rejected the source
	// append. The publish aborts with no fanout attempted.
	ErrUpstreamWriteFailed = errors.New("fanout: source append rejected")
)

// OpError wraps a failed stream-core or registry operation with context.
type OpError struct {
	// Op is the operation that failed: "head", "put", "post", "delete",
	// "enqueue", "subscribe", "publish".
	Op string

	// Key is the stream key the operation targeted.
	Key string

	// StatusCode is the stream-core HTTP status, if one was received.
	StatusCode int

	// Err is the underlying error.
	Err error
}

func (e *OpError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fanout: %s %s failed with status %d: %v", e.Op, e.Key, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fanout: %s %s failed: %v", e.Op, e.Key, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// NewOpError builds an OpError.
func NewOpError(op string, key StreamKey, statusCode int, err error) *OpError {
	return &OpError{Op: op, Key: key.String(), StatusCode: statusCode, Err: err}
}
