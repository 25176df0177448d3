// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package throttle implements a fixed-window request limiter.
package throttle

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Counter increments a key and makes sure it expires after ttl.
type Counter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// Limiter allows at most max events per key and group within each window.
type Limiter struct {
	counter Counter
	window  time.Duration
	max     int
	now     func() time.Time
}

// New creates a limiter. A non-positive max disables limiting.
func New(counter Counter, window time.Duration, max int) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{counter: counter, window: window, max: max, now: time.Now}
}

// WithClock replaces the time source; tests use it to step across windows.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow counts one event for key within group. Errors from the backend are
// returned with an allowing decision so callers can fail open.
func (l *Limiter) Allow(ctx context.Context, group, key string) (Decision, error) {
	if l.max <= 0 {
		return Decision{Allowed: true}, nil
	}
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return Decision{Allowed: true}, nil
	}

	now := l.now().UTC()
	windowID := now.UnixNano() / int64(l.window)
	k := fmt.Sprintf("throttle:%s:%s:%d", strings.ToUpper(group), key, windowID)

	count, err := l.counter.Incr(ctx, k, l.window+time.Second)
	if err != nil {
		return Decision{Allowed: true}, fmt.Errorf("throttle %s: %w", group, err)
	}

	if count > int64(l.max) {
		next := time.Unix(0, (windowID+1)*int64(l.window))
		return Decision{Allowed: false, Count: count, RetryAfter: next.Sub(now)}, nil
	}
	return Decision{Allowed: true, Count: count}, nil
}
