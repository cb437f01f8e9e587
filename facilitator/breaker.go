package facilitator

import (
	"sync"
	"time"
)

// endpointState is a per-URL circuit breaker.
//
// Closed (normal) -> each failure increments failures; at maxFailures the
// breaker opens until now+cooldown. While open the endpoint is skipped,
// unless every endpoint is open, in which case all are retried anyway:
// graceful degradation beats a hard failure. Any success fully closes the
// breaker again.
type endpointState struct {
	mu        sync.Mutex
	failures  int
	openUntil time.Time
	lastErr   error
	lastOKAt  time.Time
}

func (s *endpointState) open(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Before(s.openUntil)
}

func (s *endpointState) recordFailure(err error, maxFailures int, cooldown time.Duration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	s.lastErr = err
	if s.failures >= maxFailures {
		s.openUntil = now.Add(cooldown)
	}
}

func (s *endpointState) recordSuccess(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
	s.openUntil = time.Time{}
	s.lastErr = nil
	s.lastOKAt = now
}

func (s *endpointState) snapshot() (failures int, openUntil time.Time, lastErr error, lastOKAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures, s.openUntil, s.lastErr, s.lastOKAt
}
