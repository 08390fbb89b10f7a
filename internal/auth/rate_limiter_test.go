package auth

import (
	"testing"
	"time"

	"github.com/codedrop/codedrop/internal/clock"
	"github.com/stretchr/testify/assert"
)

func TestLoginRateLimiter_AllowLogin(t *testing.T) {
	limiter := NewLoginRateLimiter(3, time.Minute, clock.NewMock(time.Now()))
	defer limiter.Stop()

	key := "192.168.1.100|bob"
	assert.True(t, limiter.AllowLogin(key), "first attempt should be allowed")

	limiter.RecordFailedAttempt(key)
	limiter.RecordFailedAttempt(key)
	assert.True(t, limiter.AllowLogin(key))

	limiter.RecordFailedAttempt(key)
	assert.False(t, limiter.AllowLogin(key), "fourth attempt should be denied after 3 failures")
	assert.Equal(t, 3, limiter.GetAttempts(key))
}

func TestLoginRateLimiter_IndependentKeys(t *testing.T) {
	limiter := NewLoginRateLimiter(2, time.Minute, clock.NewMock(time.Now()))
	defer limiter.Stop()

	limiter.RecordFailedAttempt("10.0.0.1|bob")
	limiter.RecordFailedAttempt("10.0.0.1|bob")

	assert.False(t, limiter.AllowLogin("10.0.0.1|bob"))
	assert.True(t, limiter.AllowLogin("10.0.0.2|bob"))
	assert.True(t, limiter.AllowLogin("10.0.0.1|alice"))
}

func TestLoginRateLimiter_WindowExpiry(t *testing.T) {
	mock := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter := NewLoginRateLimiter(2, time.Minute, mock)
	defer limiter.Stop()

	key := "192.168.1.200|bob"
	limiter.RecordFailedAttempt(key)
	limiter.RecordFailedAttempt(key)
	assert.False(t, limiter.AllowLogin(key))

	mock.Advance(61 * time.Second)
	assert.True(t, limiter.AllowLogin(key))
	assert.Equal(t, 0, limiter.GetAttempts(key))
}

func TestLoginRateLimiter_ResetAndCleanup(t *testing.T) {
	mock := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter := NewLoginRateLimiter(1, time.Minute, mock)
	defer limiter.Stop()

	limiter.RecordFailedAttempt("a")
	limiter.ResetKey("a")
	assert.True(t, limiter.AllowLogin("a"))

	limiter.RecordFailedAttempt("b")
	mock.Advance(2 * time.Minute)
	limiter.cleanup()

	limiter.mu.Lock()
	assert.Empty(t, limiter.attempts)
	limiter.mu.Unlock()
}
