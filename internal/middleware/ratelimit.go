package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Limit is the number of requests allowed per Window
	Limit float64
	// Window is the time window the limit applies to
	Window time.Duration
	// KeyExtractor extracts the key for rate limiting (IP, user ID, etc.)
	KeyExtractor func(*http.Request) string
	// OnRateLimitExceeded is called when rate limit is exceeded
	OnRateLimitExceeded func(http.ResponseWriter, *http.Request, time.Duration)
	// Store is the storage backend for rate limit data
	Store RateLimitStore
}

// RateLimitStore defines the interface for rate limit storage
type RateLimitStore interface {
	// Allow checks if a request is allowed and updates counters. The duration
	// is how long the caller should wait when it is not.
	Allow(ctx context.Context, key string, limit float64, window time.Duration) (bool, time.Duration, error)
	// Reset resets the counter for a key
	Reset(ctx context.Context, key string) error
}

// TokenBucket represents a token bucket for rate limiting
type TokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
}

// InMemoryRateLimitStore implements RateLimitStore using in-memory storage
type InMemoryRateLimitStore struct {
	buckets  map[string]*TokenBucket
	now      func() time.Time
	mu       sync.Mutex
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewInMemoryRateLimitStore creates a new in-memory rate limit store
func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	store := &InMemoryRateLimitStore{
		buckets:  make(map[string]*TokenBucket),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}

	// Start cleanup routine
	go store.cleanupRoutine()

	return store
}

// Allow implements RateLimitStore.Allow
func (s *InMemoryRateLimitStore) Allow(_ context.Context, key string, limit float64, window time.Duration) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	bucket, exists := s.buckets[key]
	if !exists {
		bucket = &TokenBucket{
			tokens:     limit,
			capacity:   limit,
			refillRate: limit / window.Seconds(),
			lastRefill: now,
		}
		s.buckets[key] = bucket
	}

	if bucket.allow(now) {
		return true, 0, nil
	}
	wait := time.Duration((1 - bucket.tokens) / bucket.refillRate * float64(time.Second))
	return false, wait, nil
}

// Reset implements RateLimitStore.Reset
func (s *InMemoryRateLimitStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.buckets, key)
	return nil
}

// Cleanup removes buckets idle for more than an hour
func (s *InMemoryRateLimitStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, bucket := range s.buckets {
		if now.Sub(bucket.lastRefill) > time.Hour {
			delete(s.buckets, key)
		}
	}
}

// Stop ends the cleanup routine
func (s *InMemoryRateLimitStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// cleanupRoutine runs periodic cleanup
func (s *InMemoryRateLimitStore) cleanupRoutine() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Cleanup()
		case <-s.stopChan:
			return
		}
	}
}

// allow refills the bucket up to now and consumes a token if one is available
func (tb *TokenBucket) allow(now time.Time) bool {
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}

	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}

	return false
}

// RedisRateLimitStore shares fixed-window counters between instances
type RedisRateLimitStore struct {
	client *redis.Client
	prefix string
}

// NewRedisRateLimitStore wraps an existing redis client
func NewRedisRateLimitStore(client *redis.Client) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client, prefix: "codedrop:ratelimit:"}
}

// Allow implements RateLimitStore.Allow with INCR and a window-long expiry
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, limit float64, window time.Duration) (bool, time.Duration, error) {
	redisKey := s.windowKey(key, window)

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.PExpire(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("failed to update rate limit counter: %w", err)
	}

	if float64(incr.Val()) <= limit {
		return true, 0, nil
	}

	ttl, err := s.client.PTTL(ctx, redisKey).Result()
	if err != nil || ttl < 0 {
		ttl = window
	}
	return false, ttl, nil
}

// Reset implements RateLimitStore.Reset for the current one-minute window
func (s *RedisRateLimitStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.windowKey(key, time.Minute)).Err()
}

func (s *RedisRateLimitStore) windowKey(key string, window time.Duration) string {
	return fmt.Sprintf("%s%s:%d", s.prefix, key, time.Now().UnixNano()/int64(window))
}

// DefaultRateLimitConfig returns the code lookup limit: perMinute requests per client IP
func DefaultRateLimitConfig(perMinute float64, store RateLimitStore) *RateLimitConfig {
	if store == nil {
		store = NewInMemoryRateLimitStore()
	}
	return &RateLimitConfig{
		Limit:               perMinute,
		Window:              time.Minute,
		KeyExtractor:        IPKeyExtractor,
		OnRateLimitExceeded: writeRateLimited,
		Store:               store,
	}
}

// RateLimitWithConfig returns a rate limiting middleware with custom configuration
func RateLimitWithConfig(config *RateLimitConfig) func(http.Handler) http.Handler {
	if config.Store == nil {
		config.Store = NewInMemoryRateLimitStore()
	}
	if config.KeyExtractor == nil {
		config.KeyExtractor = IPKeyExtractor
	}
	if config.OnRateLimitExceeded == nil {
		config.OnRateLimitExceeded = writeRateLimited
	}

	limitHeader := strconv.FormatFloat(config.Limit, 'f', 0, 64)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := config.KeyExtractor(r)

			allowed, retryAfter, err := config.Store.Allow(r.Context(), key, config.Limit, config.Window)
			if err != nil {
				// Fail open
				logrus.WithError(err).Warn("Rate limit check failed")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", limitHeader)
			if !allowed {
				w.Header().Set("X-RateLimit-Remaining", "0")
				config.OnRateLimitExceeded(w, r, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	secs := int(retryAfter.Seconds() + 0.999)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error": map[string]string{
			"code":    "RateLimited",
			"message": "rate limit exceeded, please try again later",
		},
	})
}

// TrustedProxies lists extra proxy addresses or CIDRs whose forwarding
// headers are believed. Private and loopback ranges are always trusted.
var TrustedProxies []string

var privateNetworks = mustParseCIDRs(
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::1/128",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(err)
		}
		out = append(out, network)
	}
	return out
}

// IPKeyExtractor returns the client IP. X-Forwarded-For and X-Real-IP are
// honoured only when the direct peer is a trusted proxy.
func IPKeyExtractor(r *http.Request) string {
	remoteIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		remoteIP = host
	}

	if !isTrustedProxy(remoteIP) {
		return remoteIP
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		client, _, _ := strings.Cut(xff, ",")
		if client = strings.TrimSpace(client); client != "" {
			return client
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return remoteIP
}

func isTrustedProxy(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, network := range privateNetworks {
		if network.Contains(parsed) {
			return true
		}
	}
	for _, trusted := range TrustedProxies {
		if _, network, err := net.ParseCIDR(trusted); err == nil {
			if network.Contains(parsed) {
				return true
			}
		} else if trusted == ip {
			return true
		}
	}
	return false
}
