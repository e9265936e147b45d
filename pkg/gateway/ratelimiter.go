package gateway

import (
	"sync"
	"time"
)

const (
	DefaultCreatesPerMinute    = 60
	DefaultMaxStreamsPerClient = 10
)

// ClientRateLimiter implements sliding window limiting of session creation
// and a cap on concurrent streams for one client address
type ClientRateLimiter struct {
	mu               sync.Mutex
	createsPerMinute int
	maxStreams       int
	creates          []time.Time
	streams          int
	lastSeen         time.Time
	now              func() time.Time
}

// NewClientRateLimiter creates a rate limiter with default limits
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(DefaultCreatesPerMinute, DefaultMaxStreamsPerClient)
}

// NewClientRateLimiterWithLimits creates a rate limiter with custom limits.
// A non-positive limit disables that check.
func NewClientRateLimiterWithLimits(createsPerMinute, maxStreams int) *ClientRateLimiter {
	return &ClientRateLimiter{
		createsPerMinute: createsPerMinute,
		maxStreams:       maxStreams,
		creates:          make([]time.Time, 0),
		now:              time.Now,
		lastSeen:         time.Now(),
	}
}

// AllowCreate records a session creation if it fits in the window
func (r *ClientRateLimiter) AllowCreate() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.lastSeen = now
	r.pruneLocked(now)

	if r.createsPerMinute > 0 && len(r.creates) >= r.createsPerMinute {
		return false
	}
	r.creates = append(r.creates, now)
	return true
}

// AcquireStream reserves a concurrent stream slot
func (r *ClientRateLimiter) AcquireStream() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastSeen = r.now()
	if r.maxStreams > 0 && r.streams >= r.maxStreams {
		return false
	}
	r.streams++
	return true
}

// ReleaseStream frees a slot taken by AcquireStream
func (r *ClientRateLimiter) ReleaseStream() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastSeen = r.now()
	if r.streams > 0 {
		r.streams--
	}
}

// UpdateLimits updates the rate limits
func (r *ClientRateLimiter) UpdateLimits(createsPerMinute, maxStreams int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.createsPerMinute = createsPerMinute
	r.maxStreams = maxStreams
}

// GetStats returns current rate limiter statistics
func (r *ClientRateLimiter) GetStats() (createCount, streamCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(r.now())
	return len(r.creates), r.streams
}

// idle reports whether the limiter holds no state worth keeping
func (r *ClientRateLimiter) idle(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(now)
	return r.streams == 0 && len(r.creates) == 0 && now.Sub(r.lastSeen) > time.Minute
}

func (r *ClientRateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	valid := r.creates[:0]
	for _, t := range r.creates {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.creates = valid
}

// limiterSet holds one limiter per client address
type limiterSet struct {
	mu               sync.Mutex
	limiters         map[string]*ClientRateLimiter
	createsPerMinute int
	maxStreams       int
}

func newLimiterSet(createsPerMinute, maxStreams int) *limiterSet {
	return &limiterSet{
		limiters:         make(map[string]*ClientRateLimiter),
		createsPerMinute: createsPerMinute,
		maxStreams:       maxStreams,
	}
}

func (s *limiterSet) get(addr string) *ClientRateLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[addr]
	if !ok {
		l = NewClientRateLimiterWithLimits(s.createsPerMinute, s.maxStreams)
		s.limiters[addr] = l
	}
	return l
}

// prune forgets idle clients
func (s *limiterSet) prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for addr, l := range s.limiters {
		if l.idle(now) {
			delete(s.limiters, addr)
			removed++
		}
	}
	return removed
}

// update changes the limits for current and future clients
func (s *limiterSet) update(createsPerMinute, maxStreams int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.createsPerMinute = createsPerMinute
	s.maxStreams = maxStreams
	for _, l := range s.limiters {
		l.UpdateLimits(createsPerMinute, maxStreams)
	}
}
