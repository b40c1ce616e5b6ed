package registry

import "time"

// breakerState is the circuit state protecting inline fanout for one source.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// breaker is the volatile per-source circuit. It is only touched from inside
// the source's actor, so it needs no locking. Restart rebuilds it closed.
type breaker struct {
	state               breakerState
	consecutiveFailures int
	lastFailureTime     time.Time

	failureThreshold int
	recovery         time.Duration
	now              func() time.Time

	onTransition func(state string)
}

func newBreaker(failureThreshold int, recovery time.Duration, onTransition func(string)) *breaker {
	return &breaker{
		failureThreshold: failureThreshold,
		recovery:         recovery,
		now:              time.Now,
		onTransition:     onTransition,
	}
}

func (b *breaker) transition(state breakerState) {
	if b.state == state {
		return
	}
	b.state = state
	if b.onTransition != nil {
		b.onTransition(state.String())
	}
}

// shouldAttempt reports whether an inline dispatch may proceed. An open
// circuit whose recovery window has elapsed moves to half-open and admits a
// single probe.
func (b *breaker) shouldAttempt() bool {
	switch b.state {
	case breakerOpen:
		if b.now().Sub(b.lastFailureTime) >= b.recovery {
			b.transition(breakerHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// record feeds a dispatch outcome into the circuit. Estuary failures are
// per-sink, not per-source, so any partial success while half-open counts as
// recovery: one bad sink must not keep the whole circuit open.
func (b *breaker) record(successes, failures int) {
	switch b.state {
	case breakerClosed:
		if failures == 0 {
			return
		}
		b.consecutiveFailures++
		b.lastFailureTime = b.now()
		if b.consecutiveFailures >= b.failureThreshold {
			b.transition(breakerOpen)
		}
	case breakerHalfOpen:
		if failures == 0 || successes > 0 {
			b.consecutiveFailures = 0
			b.transition(breakerClosed)
			return
		}
		b.consecutiveFailures++
		b.lastFailureTime = b.now()
		if b.consecutiveFailures >= b.failureThreshold {
			b.transition(breakerOpen)
		}
	}
}
