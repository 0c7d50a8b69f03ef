package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreakers(cfg BreakerConfig) (*BreakerSet, *time.Time) {
	s := NewBreakerSet(cfg)
	now := time.Now()
	s.now = func() time.Time { return now }
	return s, &now
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	s, _ := newTestBreakers(BreakerConfig{FailureThreshold: 3})

	s.RecordFailure("P")
	s.RecordFailure("P")
	assert.Equal(t, BreakerClosed, s.State("P"))

	s.RecordFailure("P")
	assert.Equal(t, BreakerOpen, s.State("P"))
	assert.ErrorIs(t, s.Allow("P"), ErrBreakerOpen)
	assert.False(t, s.IsAvailable("P"))
}

func TestBreakerSuccessResetsClosedCount(t *testing.T) {
	s, _ := newTestBreakers(BreakerConfig{FailureThreshold: 3})

	s.RecordFailure("P")
	s.RecordFailure("P")
	s.RecordSuccess("P")
	s.RecordFailure("P")
	s.RecordFailure("P")
	assert.Equal(t, BreakerClosed, s.State("P"))
}

func TestBreakerHalfOpenAfterResetTimeout(t *testing.T) {
	s, now := newTestBreakers(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute, SuccessThreshold: 3})

	s.RecordFailure("P")
	require.Equal(t, BreakerOpen, s.State("P"))
	assert.ErrorIs(t, s.Allow("P"), ErrBreakerOpen)

	*now = now.Add(61 * time.Second)
	assert.True(t, s.IsAvailable("P"))
	require.NoError(t, s.Allow("P"))
	assert.Equal(t, BreakerHalfOpen, s.State("P"))
}

func TestBreakerHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	s, now := newTestBreakers(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute, SuccessThreshold: 3})

	s.RecordFailure("P")
	*now = now.Add(2 * time.Minute)
	require.NoError(t, s.Allow("P"))

	s.RecordSuccess("P")
	s.RecordSuccess("P")
	assert.Equal(t, BreakerHalfOpen, s.State("P"))
	s.RecordSuccess("P")
	assert.Equal(t, BreakerClosed, s.State("P"))
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	s, now := newTestBreakers(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})

	s.RecordFailure("P")
	*now = now.Add(2 * time.Minute)
	require.NoError(t, s.Allow("P"))
	require.Equal(t, BreakerHalfOpen, s.State("P"))

	s.RecordFailure("P")
	assert.Equal(t, BreakerOpen, s.State("P"))
	assert.ErrorIs(t, s.Allow("P"), ErrBreakerOpen)
}

func TestBreakerWindowDecay(t *testing.T) {
	s, now := newTestBreakers(BreakerConfig{FailureThreshold: 3, MonitorWindow: time.Minute})

	s.RecordFailure("P")
	s.RecordFailure("P")

	// Old failures age out of the monitoring window.
	*now = now.Add(2 * time.Minute)
	s.RecordFailure("P")
	assert.Equal(t, BreakerClosed, s.State("P"))
}

func TestBreakerPerPrinterIsolation(t *testing.T) {
	s, _ := newTestBreakers(BreakerConfig{FailureThreshold: 1})

	s.RecordFailure("A")
	assert.Equal(t, BreakerOpen, s.State("A"))
	assert.Equal(t, BreakerClosed, s.State("B"))
	assert.NoError(t, s.Allow("B"))
}

func TestBreakerTripsCounterAndHook(t *testing.T) {
	s, now := newTestBreakers(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})

	var tripped []string
	s.OnTrip(func(p string) { tripped = append(tripped, p) })

	s.RecordFailure("P")
	*now = now.Add(2 * time.Minute)
	require.NoError(t, s.Allow("P"))
	s.RecordFailure("P")

	assert.Equal(t, int64(2), s.Trips())
	assert.Equal(t, []string{"P", "P"}, tripped)
}

func TestBreakerUnknownPrinterIsAvailable(t *testing.T) {
	s, _ := newTestBreakers(BreakerConfig{})
	assert.True(t, s.IsAvailable("never-seen"))
	assert.Equal(t, BreakerClosed, s.State("never-seen"))
}
