package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(3, 10*time.Millisecond, 50*time.Millisecond)
	navErr := &NavigationError{URL: "https://example.org", Err: errors.New("connection refused")}

	require.False(t, p.ShouldRetry(nil, 0))
	require.True(t, p.ShouldRetry(navErr, 0))
	require.True(t, p.ShouldRetry(navErr, 1))
	require.False(t, p.ShouldRetry(navErr, 2), "third attempt is the last")
	require.False(t, p.ShouldRetry(fmt.Errorf("wrap: %w", context.Canceled), 0))
	require.False(t, p.ShouldRetry(ErrInterrupted, 0))
	require.Equal(t, 3, p.MaxAttempts())
}

func TestRetryPolicyBackoffBounded(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(5, 10*time.Millisecond, 40*time.Millisecond)
	for attempt := 0; attempt < 6; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, 5*time.Millisecond)
		require.LessOrEqual(t, d, 40*time.Millisecond)
	}
}

func TestNewRetryPolicyClampsInputs(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(0, -time.Second, 0)
	require.Equal(t, 1, p.MaxAttempts())
	require.False(t, p.ShouldRetry(errors.New("x"), 0))
	require.Zero(t, p.Backoff(3))
}
