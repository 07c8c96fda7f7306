// Package ratelimit enforces each provider's requests-per-minute budget in memory.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RateLimitWindow represents the time window for rate limiting
type RateLimitWindow string

const (
	WindowMinute RateLimitWindow = "minute"
)

// RateLimitResult represents the result of a rate limit check
type RateLimitResult struct {
	Allowed           bool
	RequestsRemaining int
	ResetAt           time.Time
	ViolatedWindow    RateLimitWindow
	ViolationReason   string
}

// UsageStats represents current usage for one provider
type UsageStats struct {
	RequestsLastMinute int
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// Limiter is a sliding one-minute window per provider id
type Limiter struct {
	mu     sync.Mutex
	events map[string][]time.Time
	now    func() time.Time
	logger *zap.Logger
}

// NewLimiter creates an empty limiter
func NewLimiter(logger *zap.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		events: make(map[string][]time.Time),
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckLimit consumes one request from providerID's budget if any is left.
// A limit of zero or less means unlimited.
func (l *Limiter) CheckLimit(providerID string, limit int) RateLimitResult {
	if limit <= 0 {
		return RateLimitResult{Allowed: true, RequestsRemaining: -1}
	}

	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	window := prune(l.events[providerID], now)
	if len(window) >= limit {
		l.events[providerID] = window
		return RateLimitResult{
			Allowed:         false,
			ResetAt:         window[0].Add(time.Minute),
			ViolatedWindow:  WindowMinute,
			ViolationReason: fmt.Sprintf("exceeded %d requests per minute", limit),
		}
	}

	window = append(window, now)
	l.events[providerID] = window
	return RateLimitResult{
		Allowed:           true,
		RequestsRemaining: limit - len(window),
		ResetAt:           window[0].Add(time.Minute),
	}
}

// Allow is CheckLimit reduced to its verdict
func (l *Limiter) Allow(providerID string, limit int) bool {
	res := l.CheckLimit(providerID, limit)
	if !res.Allowed {
		l.logger.Debug("provider rate limited",
			zap.String("provider", providerID),
			zap.String("reason", res.ViolationReason),
			zap.Time("reset_at", res.ResetAt))
	}
	return res.Allowed
}

// GetCurrentUsage returns the requests counted in the current window
func (l *Limiter) GetCurrentUsage(providerID string) UsageStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return UsageStats{RequestsLastMinute: len(prune(l.events[providerID], l.now()))}
}

// Retain drops the windows of providers that are no longer registered
func (l *Limiter) Retain(ids []string) {
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := range l.events {
		if _, ok := keep[id]; !ok {
			delete(l.events, id)
		}
	}
}

// CleanupOldRequests removes expired events and returns how many were dropped
func (l *Limiter) CleanupOldRequests() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := 0
	for id, window := range l.events {
		kept := prune(window, now)
		dropped += len(window) - len(kept)
		if len(kept) == 0 {
			delete(l.events, id)
			continue
		}
		l.events[id] = kept
	}
	if dropped > 0 {
		l.logger.Debug("cleaned up old rate limit events", zap.Int("events_deleted", dropped))
	}
	return dropped
}

// prune drops events older than one minute. Events are appended in time order.
func prune(window []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	return append(window[:0:0], window[i:]...)
}
