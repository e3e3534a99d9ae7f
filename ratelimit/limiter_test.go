package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterAdmitsUpToCapacityThenRejects(t *testing.T) {
	l := New(2, 60, nil)
	defer l.Stop()

	first := l.Admit("client-a")
	assert.True(t, first.Allowed)
	assert.Contains(t, []int{0, 1}, first.Remaining)

	second := l.Admit("client-a")
	assert.True(t, second.Allowed)
	assert.Contains(t, []int{0, 1}, second.Remaining)

	third := l.Admit("client-a")
	assert.False(t, third.Allowed)
	assert.InDelta(t, time.Second, third.RetryAfter, float64(200*time.Millisecond))
}

func TestLimiterPerClientIsolation(t *testing.T) {
	l := New(1, 60, nil)
	defer l.Stop()

	assert.True(t, l.Admit("client-a").Allowed)
	assert.False(t, l.Admit("client-a").Allowed)
	assert.True(t, l.Admit("client-b").Allowed, "a different client must have its own bucket")
}

func TestLimiterDefaultsClientIDWhenEmpty(t *testing.T) {
	l := New(1, 60, nil)
	defer l.Stop()
	assert.True(t, l.Admit("").Allowed)
}

func TestIsExempt(t *testing.T) {
	cases := map[string]bool{
		"/healthz":        true,
		"/api/health/ok":  true,
		"/api/auth/login": true,
		"/api/ws/events":  true,
		"/api/tasks":      false,
	}
	for path, want := range cases {
		assert.Equal(t, want, IsExempt(path), path)
	}
}

func TestLimiterStopIsIdempotent(t *testing.T) {
	l := New(1, 60, nil)
	l.Stop()
	assert.NotPanics(t, func() { l.Stop() })
}
