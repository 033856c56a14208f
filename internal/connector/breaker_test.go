package connector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equivault/enclave-worker/internal/faults"
)

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b := newBreaker()

	for i := 0; i < b.tripThreshold-1; i++ {
		require.NoError(t, b.allow())
		b.record(false)
	}
	assert.Equal(t, breakerClosed, b.currentState())

	require.NoError(t, b.allow())
	b.record(false)
	assert.Equal(t, breakerOpen, b.currentState())

	err := b.allow()
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindUpstreamUnavailable))
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	b := newBreaker()

	for i := 0; i < b.tripThreshold-1; i++ {
		b.record(false)
	}
	b.record(true)
	for i := 0; i < b.tripThreshold-1; i++ {
		b.record(false)
	}
	assert.Equal(t, breakerClosed, b.currentState(), "streak must reset on success")
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	b := newBreaker()
	b.cooldown = 10 * time.Millisecond

	for i := 0; i < b.tripThreshold; i++ {
		b.record(false)
	}
	require.Equal(t, breakerOpen, b.currentState())

	time.Sleep(2 * b.cooldown)

	// First caller after cooldown gets the probe; a second is refused.
	require.NoError(t, b.allow())
	assert.Equal(t, breakerHalfOpen, b.currentState())
	assert.Error(t, b.allow())

	// A successful probe closes the circuit.
	b.record(true)
	assert.Equal(t, breakerClosed, b.currentState())
	assert.NoError(t, b.allow())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := newBreaker()
	b.cooldown = 10 * time.Millisecond

	for i := 0; i < b.tripThreshold; i++ {
		b.record(false)
	}
	time.Sleep(2 * b.cooldown)
	require.NoError(t, b.allow())

	b.record(false)
	assert.Equal(t, breakerOpen, b.currentState())
	assert.Error(t, b.allow())
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", breakerClosed.String())
	assert.Equal(t, "OPEN", breakerOpen.String())
	assert.Equal(t, "HALF_OPEN", breakerHalfOpen.String())
}
