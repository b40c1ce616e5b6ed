package core

import (
	"context"
	"time"
)

// HeadResult is the outcome of a stream-core head.
type HeadResult struct {
	Exists      bool
	ContentType string
	NextOffset  string
}

// PutResult is the outcome of a stream-core put (create-or-touch).
type PutResult struct {
	Status  int
	Created bool // 201: the stream did not exist before
	Touched bool // 200: the stream existed with matching metadata
}

// PostResult is the outcome of a stream-core append.
type PostResult struct {
	Status     int
	OK         bool
	Stale      bool // 404: the target stream no longer exists
	NextOffset string
}

// DeleteResult is the outcome of a stream-core delete. A 404 counts as
// success: delete is idempotent.
type DeleteResult struct {
	Status int
	OK     bool
}

// StreamCore is the narrow facade over the append-log storage engine. The
// engine itself (persistence, offsets, retention) is an external
// collaborator; the fanout service only consumes these four operations.
type StreamCore interface {
	// Head reports whether the stream exists and its content type.
	// A missing stream is not an error.
	Head(ctx context.Context, key StreamKey) (HeadResult, error)

	// Put creates the stream or touches it, refreshing its TTL when ttl is
	// positive. A 409 (exists with different metadata) is returned in the
	// result, not as an error.
	Put(ctx context.Context, key StreamKey, contentType string, ttl time.Duration) (PutResult, error)

	// Post appends body to the stream. A 404 is reported as Stale in the
	// result; transport failures and timeouts surface as errors.
	Post(ctx context.Context, key StreamKey, body []byte, contentType string, producer ProducerHeaders) (PostResult, error)

	// Delete removes the stream. Idempotent: a 404 reports OK.
	Delete(ctx context.Context, key StreamKey) (DeleteResult, error)
}
