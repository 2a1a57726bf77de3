package errors

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	// Given: a breaker that opens after 2 failures
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker("reload", WithMaxFailures(2), WithResetTimeout(time.Minute),
		WithClock(func() time.Time { return now }))
	fail := func() error { return errors.New("cycle failed") }

	// When: two calls fail
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)

	// Then: the circuit is open and refuses calls
	assert.Equal(t, CircuitOpen, cb.State())
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenTrialCloses(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker("reload", WithMaxFailures(1), WithResetTimeout(time.Second),
		WithClock(func() time.Time { return now }))

	_ = cb.Execute(func() error { return errors.New("x") })
	assert.Equal(t, CircuitOpen, cb.State())

	// When: the reset timeout passes and the trial succeeds
	now = now.Add(2 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.NoError(t, cb.Execute(func() error { return nil }))

	// Then: the circuit closes
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker("reload", WithMaxFailures(3), WithResetTimeout(time.Second),
		WithClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errors.New("x") })
	}
	now = now.Add(2 * time.Second)

	_ = cb.Execute(func() error { return errors.New("still broken") })

	assert.Equal(t, CircuitOpen, cb.State())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
}

func TestCircuitBreaker_RetryIn(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("test",
		WithMaxFailures(1),
		WithResetTimeout(time.Minute),
		WithClock(func() time.Time { return now }))
	assert.Zero(t, cb.RetryIn(), "closed circuit allows calls")

	_ = cb.Execute(func() error { return errors.New("boom") })
	now = now.Add(20 * time.Second)
	assert.Equal(t, 40*time.Second+time.Nanosecond, cb.RetryIn())

	now = now.Add(time.Minute)
	assert.Zero(t, cb.RetryIn(), "half-open circuit allows a trial")
}
