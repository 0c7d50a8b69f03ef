package core

import (
	"sync"
	"time"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

type BreakerConfig struct {
	FailureThreshold int
	MonitorWindow    time.Duration
	ResetTimeout     time.Duration
	SuccessThreshold int
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		MonitorWindow:    5 * time.Minute,
		ResetTimeout:     60 * time.Second,
		SuccessThreshold: 3,
	}
}

type breaker struct {
	state       BreakerState
	failures    []time.Time
	successes   int
	nextAttempt time.Time
	trips       int64
}

// BreakerSet holds one circuit breaker per printer name. Failures older than
// the monitoring window decay out of the count.
type BreakerSet struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*breaker
	now      func() time.Time
	onTrip   func(printer string)
}

func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.MonitorWindow <= 0 {
		cfg.MonitorWindow = 5 * time.Minute
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 3
	}
	return &BreakerSet{
		cfg:      cfg,
		breakers: make(map[string]*breaker),
		now:      time.Now,
	}
}

// OnTrip registers a hook invoked whenever a breaker transitions to open.
func (s *BreakerSet) OnTrip(fn func(printer string)) {
	s.mu.Lock()
	s.onTrip = fn
	s.mu.Unlock()
}

func (s *BreakerSet) get(printer string) *breaker {
	b, ok := s.breakers[printer]
	if !ok {
		b = &breaker{state: BreakerClosed}
		s.breakers[printer] = b
	}
	return b
}

// Allow gates a call to the printer. Open breakers reject with ErrBreakerOpen
// until the reset timeout has elapsed, at which point the call transitions
// the breaker to half-open and proceeds.
func (s *BreakerSet) Allow(printer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(printer)
	if b.state != BreakerOpen {
		return nil
	}
	if s.now().Before(b.nextAttempt) {
		return ErrBreakerOpen
	}
	b.state = BreakerHalfOpen
	b.successes = 0
	return nil
}

func (s *BreakerSet) RecordSuccess(printer string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(printer)
	switch b.state {
	case BreakerClosed:
		b.failures = b.failures[:0]
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= s.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = b.failures[:0]
			b.successes = 0
		}
	}
}

func (s *BreakerSet) RecordFailure(printer string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(printer)
	now := s.now()

	switch b.state {
	case BreakerHalfOpen:
		s.tripLocked(b, printer, now)
	case BreakerClosed:
		b.failures = append(b.failures, now)
		s.decayLocked(b, now)
		if len(b.failures) >= s.cfg.FailureThreshold {
			s.tripLocked(b, printer, now)
		}
	}
}

func (s *BreakerSet) tripLocked(b *breaker, printer string, now time.Time) {
	b.state = BreakerOpen
	b.nextAttempt = now.Add(s.cfg.ResetTimeout)
	b.failures = b.failures[:0]
	b.trips++
	if s.onTrip != nil {
		s.onTrip(printer)
	}
}

func (s *BreakerSet) decayLocked(b *breaker, now time.Time) {
	cutoff := now.Add(-s.cfg.MonitorWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// IsAvailable is true for closed and half-open breakers, and for open
// breakers whose reset timeout has elapsed (the next call transitions).
func (s *BreakerSet) IsAvailable(printer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[printer]
	if !ok {
		return true
	}
	if b.state != BreakerOpen {
		return true
	}
	return !s.now().Before(b.nextAttempt)
}

func (s *BreakerSet) State(printer string) BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[printer]
	if !ok {
		return BreakerClosed
	}
	return b.state
}

// Trips returns the total number of open transitions across all printers.
func (s *BreakerSet) Trips() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, b := range s.breakers {
		n += b.trips
	}
	return n
}
