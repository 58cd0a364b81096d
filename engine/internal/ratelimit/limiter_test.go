package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerohub/aerohub/engine/models"
)

func TestAdaptiveRateLimiterDisabledIsImmediate(t *testing.T) {
	l := NewAdaptiveRateLimiter(models.RateLimitConfig{Enabled: false})
	defer l.Close()

	permit, err := l.Acquire(context.Background(), "feed-a")
	require.NoError(t, err)
	permit.Release()

	l.Feedback("feed-a", Feedback{StatusCode: 500})
	snap := l.Snapshot()
	assert.Zero(t, snap.TotalRequests)
}

func TestAdaptiveRateLimiterAcquireRejectsEmptySource(t *testing.T) {
	l := NewAdaptiveRateLimiter(models.RateLimitConfig{Enabled: true, InitialRPS: 10, TokenBucketCapacity: 10})
	defer l.Close()

	_, err := l.Acquire(context.Background(), "")
	assert.Error(t, err)
}

func TestAdaptiveRateLimiterFirstRequestsAreImmediate(t *testing.T) {
	cfg := models.DefaultRateLimitConfig()
	cfg.InitialRPS = 100
	cfg.TokenBucketCapacity = 5
	l := NewAdaptiveRateLimiter(cfg)
	defer l.Close()

	for i := 0; i < 5; i++ {
		permit, err := l.Acquire(context.Background(), "feed-a")
		require.NoError(t, err)
		permit.Release()
	}
	snap := l.Snapshot()
	assert.Equal(t, int64(5), snap.TotalRequests)
}

func TestAdaptiveRateLimiterTripsCircuitAfterConsecutiveFailures(t *testing.T) {
	cfg := models.DefaultRateLimitConfig()
	cfg.InitialRPS = 100
	cfg.TokenBucketCapacity = 20
	cfg.ConsecutiveFailThreshold = 3
	cfg.OpenStateDuration = time.Hour
	l := NewAdaptiveRateLimiter(cfg)
	defer l.Close()

	for i := 0; i < 3; i++ {
		l.Feedback("feed-a", Feedback{Err: errors.New("boom")})
	}

	_, err := l.Acquire(context.Background(), "feed-a")
	assert.ErrorIs(t, err, ErrCircuitOpen)

	snap := l.Snapshot()
	require.Len(t, snap.Sources, 1)
	assert.Equal(t, "open", snap.Sources[0].CircuitState)
}

func TestAdaptiveRateLimiterHalfOpenRecoversAfterOpenDuration(t *testing.T) {
	cfg := models.DefaultRateLimitConfig()
	cfg.InitialRPS = 100
	cfg.TokenBucketCapacity = 20
	cfg.ConsecutiveFailThreshold = 1
	cfg.HalfOpenProbes = 1
	cfg.OpenStateDuration = 20 * time.Millisecond
	l := NewAdaptiveRateLimiter(cfg)
	defer l.Close()

	l.Feedback("feed-a", Feedback{Err: errors.New("boom")})

	_, err := l.Acquire(context.Background(), "feed-a")
	assert.ErrorIs(t, err, ErrCircuitOpen)

	time.Sleep(30 * time.Millisecond)

	permit, err := l.Acquire(context.Background(), "feed-a")
	require.NoError(t, err)
	permit.Release()

	l.Feedback("feed-a", Feedback{StatusCode: 200})

	snap := l.Snapshot()
	require.Len(t, snap.Sources, 1)
	assert.Equal(t, "closed", snap.Sources[0].CircuitState)
}

func TestAdaptiveRateLimiterAcquireRespectsContextCancellation(t *testing.T) {
	cfg := models.DefaultRateLimitConfig()
	cfg.InitialRPS = 0.01
	cfg.TokenBucketCapacity = 1
	l := NewAdaptiveRateLimiter(cfg)
	defer l.Close()

	permit, err := l.Acquire(context.Background(), "feed-a")
	require.NoError(t, err)
	permit.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "feed-a")
	assert.Error(t, err)
}

func TestImmediatePermitReleaseIsNoOp(t *testing.T) {
	assert.NotPanics(t, func() { immediatePermit{}.Release() })
}
