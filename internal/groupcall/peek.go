package groupcall

import (
	"context"
	"log"
	"sync"
	"time"
)

// PeekStatus is the peek-scheduler state machine spec.md §4.4 names:
// WaitingForMembershipProof | NeverRequested | Requested{at, should_request_again} | Updated{at} | Failed{at}.
type PeekStatus int

const (
	PeekWaitingForMembershipProof PeekStatus = iota
	PeekNeverRequested
	PeekRequested
	PeekUpdated
	PeekFailed
)

func (s PeekStatus) String() string {
	switch s {
	case PeekWaitingForMembershipProof:
		return "WaitingForMembershipProof"
	case PeekNeverRequested:
		return "NeverRequested"
	case PeekRequested:
		return "Requested"
	case PeekUpdated:
		return "Updated"
	case PeekFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

const (
	// peekRequestTimeout is how long a Requested peek waits before being
	// reissued (spec.md §4.4).
	peekRequestTimeout = 5 * time.Second
	// peekRetryAfterFailure is the backoff before retrying a Failed peek.
	peekRetryAfterFailure = 5 * time.Second
	// peekSteadyStateMaxAge is the default "refresh when age exceeds" bound
	// Tick applies when given maxAge <= 0 (spec.md §4.4); callers may pass a
	// smaller maxAge for an urgent refresh.
	peekSteadyStateMaxAge = 10 * time.Second
)

// PeekFn performs one SFU peek request.
type PeekFn func(ctx context.Context) (PeekInfo, error)

// PeekScheduler implements the strictly-limited polling rules of spec.md
// §4.4: poll immediately on NeverRequested, retry after 5s on Failed, time
// out a Requested after 5s and reissue, refresh when age exceeds a
// caller-supplied max, and collapse concurrent triggers into at most one
// follow-up request via should_request_again.
//
// Grounded on internal/group/manager.go's ping/pong liveness loop
// (a periodic tick combined with an in-flight guard) generalized into a
// request/timeout/retry state machine.
type PeekScheduler struct {
	mu                 sync.Mutex
	status             PeekStatus
	requestedAt        time.Time
	failedAt           time.Time
	updatedAt          time.Time
	shouldRequestAgain bool
	inFlight           bool

	peek PeekFn
	// onUpdated is invoked (outside the lock) with each successful peek.
	onUpdated func(PeekInfo)
}

// NewPeekScheduler creates a scheduler in WaitingForMembershipProof; call
// Ready once the caller has proof of group membership to allow polling.
func NewPeekScheduler(peek PeekFn, onUpdated func(PeekInfo)) *PeekScheduler {
	return &PeekScheduler{
		status:    PeekWaitingForMembershipProof,
		peek:      peek,
		onUpdated: onUpdated,
	}
}

// Ready transitions out of WaitingForMembershipProof and triggers an
// immediate poll.
func (s *PeekScheduler) Ready(ctx context.Context) {
	s.mu.Lock()
	if s.status == PeekWaitingForMembershipProof {
		s.status = PeekNeverRequested
	}
	s.mu.Unlock()
	s.maybePoll(ctx, 0)
}

// Trigger requests a poll "now": if nothing is in flight, issues one
// immediately; if a request is already in flight, marks
// should_request_again so exactly one follow-up happens once it resolves.
func (s *PeekScheduler) Trigger(ctx context.Context) {
	s.maybePoll(ctx, 0)
}

// Tick refreshes when the last update's age exceeds maxAge (default
// peekSteadyStateMaxAge), reissues a timed-out Requested, or retries a
// Failed peek after its backoff. Nothing in this package calls Tick:
// Client polls only through Ready and Trigger, so no steady refresh runs
// unless a caller invokes Tick itself.
func (s *PeekScheduler) Tick(ctx context.Context, maxAge time.Duration) {
	if maxAge <= 0 {
		maxAge = peekSteadyStateMaxAge
	}
	s.maybePoll(ctx, maxAge)
}

func (s *PeekScheduler) maybePoll(ctx context.Context, maxAge time.Duration) {
	s.mu.Lock()
	now := time.Now()

	if s.status == PeekWaitingForMembershipProof {
		s.mu.Unlock()
		return
	}

	// An in-flight request younger than peekRequestTimeout latches a
	// follow-up; an older one falls through to the Requested case below and
	// is reissued.
	if s.inFlight && now.Sub(s.requestedAt) < peekRequestTimeout {
		s.shouldRequestAgain = true
		s.mu.Unlock()
		return
	}

	switch s.status {
	case PeekNeverRequested:
		// always poll
	case PeekFailed:
		if now.Sub(s.failedAt) < peekRetryAfterFailure {
			s.mu.Unlock()
			return
		}
	case PeekRequested:
		if now.Sub(s.requestedAt) < peekRequestTimeout {
			s.mu.Unlock()
			return
		}
		// timed out; reissue
	case PeekUpdated:
		if maxAge > 0 && now.Sub(s.updatedAt) < maxAge {
			s.mu.Unlock()
			return
		}
	}

	s.inFlight = true
	s.status = PeekRequested
	s.requestedAt = now
	s.mu.Unlock()

	go s.doPoll(ctx)
}

func (s *PeekScheduler) doPoll(ctx context.Context) {
	info, err := s.peek(ctx)

	s.mu.Lock()
	s.inFlight = false
	again := s.shouldRequestAgain
	s.shouldRequestAgain = false

	if err != nil {
		log.Printf("groupcall: peek failed: %v", err)
		s.status = PeekFailed
		s.failedAt = time.Now()
	} else {
		s.status = PeekUpdated
		s.updatedAt = time.Now()
	}
	s.mu.Unlock()

	if err == nil && s.onUpdated != nil {
		s.onUpdated(info)
	}
	if again {
		s.maybePoll(ctx, 0)
	}
}

// Status returns the current scheduler state, for tests/observability.
func (s *PeekScheduler) Status() PeekStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
