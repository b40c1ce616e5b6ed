// Package actor provides per-key serialized execution.
//
// Each key owns a mailbox drained by a single goroutine: two invocations on
// the same key never interleave, while distinct keys run in parallel. This is
// the concurrency discipline the subscriber registry and the estuary
// lifecycle manager are built on; it replaces ad-hoc locking of shared state.
package actor

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Do after the system has been shut down.
var ErrClosed = errors.New("actor: system closed")

const mailboxDepth = 64

type task struct {
	fn   func()
	done chan struct{}
}

type mailbox struct {
	tasks chan task
}

// System is a set of keyed single-goroutine mailboxes. The zero value is not
// usable; construct with NewSystem.
type System struct {
	mu        sync.Mutex
	mailboxes map[string]*mailbox
	closed    bool
	wg        sync.WaitGroup
}

// NewSystem creates an empty actor system.
func NewSystem() *System {
	return &System{mailboxes: make(map[string]*mailbox)}
}

// Do runs fn on key's mailbox and blocks until it has completed. Calls with
// the same key are serialized in arrival order; fn must not call back into
// the same key (the mailbox is not re-entrant). ctx bounds only the wait for
// a mailbox slot; once fn is queued it always runs.
func (s *System) Do(ctx context.Context, key string, fn func()) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	mb, ok := s.mailboxes[key]
	if !ok {
		mb = &mailbox{tasks: make(chan task, mailboxDepth)}
		s.mailboxes[key] = mb
		s.wg.Add(1)
		go s.run(mb)
	}
	s.mu.Unlock()

	t := task{fn: fn, done: make(chan struct{})}
	select {
	case mb.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-t.done
	return nil
}

func (s *System) run(mb *mailbox) {
	defer s.wg.Done()
	for t := range mb.tasks {
		t.fn()
		close(t.done)
	}
}

// Close stops accepting work, runs out every queued task, and waits for all
// mailboxes to drain.
func (s *System) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, mb := range s.mailboxes {
		close(mb.tasks)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
