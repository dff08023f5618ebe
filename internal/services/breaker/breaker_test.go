package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/lotbot/internal/domain"
)

func TestBreaker_TripAndReset(t *testing.T) {
	b := New(DefaultMaxFailures, domain.Breaker{})
	require.False(t, b.Tripped())

	now := time.Now()
	require.True(t, b.Trip("drawdown", now))
	require.False(t, b.Trip("again", now.Add(time.Second)))
	require.True(t, b.Tripped())
	assert.Equal(t, "drawdown", b.State().Reason)
	assert.Equal(t, now, b.State().TrippedAt)

	// success does not clear a trip
	b.RecordSuccess()
	require.True(t, b.Tripped())

	require.True(t, b.Reset())
	require.False(t, b.Tripped())
	require.False(t, b.Reset())
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b := New(3, domain.Breaker{})
	now := time.Now()

	require.False(t, b.RecordFailure(now))
	require.False(t, b.RecordFailure(now))
	b.RecordSuccess()
	require.Equal(t, 0, b.Failures())

	require.False(t, b.RecordFailure(now))
	require.False(t, b.RecordFailure(now))
	require.True(t, b.RecordFailure(now))
	require.True(t, b.Tripped())
	require.False(t, b.RecordFailure(now))
}

func TestBreaker_DisabledFailureTrip(t *testing.T) {
	b := New(0, domain.Breaker{})
	for i := 0; i < 20; i++ {
		require.False(t, b.RecordFailure(time.Now()))
	}
	require.False(t, b.Tripped())
}

func TestBreaker_Observe(t *testing.T) {
	b := New(DefaultMaxFailures, domain.Breaker{})
	b.Observe(domain.Breaker{})
	require.False(t, b.Tripped())

	b.Observe(domain.Breaker{Tripped: true, Reason: "risk"})
	require.True(t, b.Tripped())
	require.Equal(t, "risk", b.State().Reason)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{30, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.failures), "failures=%d", tt.failures)
	}
}
