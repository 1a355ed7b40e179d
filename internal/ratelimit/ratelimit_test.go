package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func TestLimiterFixedWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	store.now = clock.Now

	l, err := New(store, "capture", Rule{Limit: 3, Window: time.Minute})
	require.NoError(t, err)
	l.now = clock.Now

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		res, err := l.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, 3-i, res.Remaining)
	}

	res, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, time.Minute, res.RetryAfter)

	other, err := l.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "identities are counted separately")

	clock.now = clock.now.Add(time.Minute)
	res, err = l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "a new window starts after reset")
	assert.Equal(t, 2, res.Remaining)
}

func TestLimiterScopesDoNotShareCounters(t *testing.T) {
	store := NewMemoryStore()
	a, err := New(store, "free", Rule{Limit: 1, Window: time.Hour})
	require.NoError(t, err)
	b, err := New(store, "checkout", Rule{Limit: 1, Window: time.Hour})
	require.NoError(t, err)

	ctx := context.Background()
	res, err := a.Allow(ctx, "ip")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = b.Allow(ctx, "ip")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestNewRejectsBadRule(t *testing.T) {
	_, err := New(NewMemoryStore(), "x", Rule{Limit: 0, Window: time.Minute})
	assert.Error(t, err)
	_, err = New(nil, "x", Rule{Limit: 1, Window: time.Minute})
	assert.Error(t, err)
}
