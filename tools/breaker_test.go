package tools

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_ClosedAllowsCalls(t *testing.T) {
	cb := NewCircuitBreaker("src", 3, time.Minute)

	assert.Equal(t, BreakerClosed, cb.State())
	assert.True(t, cb.Allow())
	assert.True(t, cb.Available())
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker("src", 3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, BreakerClosed, cb.State())

	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.Allow())
	assert.False(t, cb.Available())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("src", 3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker("src", 1, 10*time.Millisecond)

	cb.RecordFailure()
	assert.False(t, cb.Allow())

	time.Sleep(20 * time.Millisecond)

	// First caller after the cooldown gets the probe
	assert.True(t, cb.Allow())
	assert.Equal(t, BreakerHalfOpen, cb.State())

	// Only one probe at a time
	assert.False(t, cb.Allow())
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker("src", 1, 10*time.Millisecond)

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.Allow())

	cb.RecordSuccess()
	assert.Equal(t, BreakerClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("src", 5, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.Allow())

	// A failed probe reopens immediately, below the threshold
	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestBreaker_AvailableAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker("src", 1, 10*time.Millisecond)

	cb.RecordFailure()
	assert.False(t, cb.Available())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.Available(), "past the cooldown the source is advertised again")
}
