package auth

import (
	"sync"
	"time"

	"github.com/codedrop/codedrop/internal/clock"
)

// RateLimitAttempt tracks failed logins for one key
type RateLimitAttempt struct {
	Count    int
	FirstTry time.Time
	LastTry  time.Time
}

// LoginRateLimiter blocks a key after too many failed logins within a window
type LoginRateLimiter struct {
	attempts map[string]*RateLimitAttempt
	mu       sync.Mutex
	clock    clock.Clock
	stopCh   chan struct{}
	stopOnce sync.Once

	maxAttempts int
	window      time.Duration
}

// NewLoginRateLimiter creates a limiter and starts its cleanup loop
func NewLoginRateLimiter(maxAttempts int, window time.Duration, c clock.Clock) *LoginRateLimiter {
	if c == nil {
		c = clock.Real{}
	}
	limiter := &LoginRateLimiter{
		attempts:    make(map[string]*RateLimitAttempt),
		clock:       c,
		stopCh:      make(chan struct{}),
		maxAttempts: maxAttempts,
		window:      window,
	}

	go limiter.cleanupLoop()

	return limiter
}

// AllowLogin reports whether key may attempt another login
func (l *LoginRateLimiter) AllowLogin(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	attempt, exists := l.attempts[key]
	if !exists {
		return true
	}

	if l.clock.Now().Sub(attempt.FirstTry) > l.window {
		delete(l.attempts, key)
		return true
	}

	return attempt.Count < l.maxAttempts
}

// RecordFailedAttempt records a failed login attempt
func (l *LoginRateLimiter) RecordFailedAttempt(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	attempt, exists := l.attempts[key]

	if !exists || now.Sub(attempt.FirstTry) > l.window {
		l.attempts[key] = &RateLimitAttempt{
			Count:    1,
			FirstTry: now,
			LastTry:  now,
		}
		return
	}

	attempt.Count++
	attempt.LastTry = now
}

// ResetKey clears the failures recorded for key
func (l *LoginRateLimiter) ResetKey(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, key)
}

// GetAttempts returns the current failure count for key
func (l *LoginRateLimiter) GetAttempts(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	attempt, exists := l.attempts[key]
	if !exists || l.clock.Now().Sub(attempt.FirstTry) > l.window {
		return 0
	}
	return attempt.Count
}

// Stop ends the cleanup loop
func (l *LoginRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *LoginRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

// cleanup removes entries whose window has passed
func (l *LoginRateLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	for key, attempt := range l.attempts {
		if now.Sub(attempt.LastTry) > l.window {
			delete(l.attempts, key)
		}
	}
}
