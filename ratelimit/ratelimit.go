// Package ratelimit implements a fixed-window request counter shared by the
// REST and websocket surfaces.
//
// A window starts with the first request for a key: the counter is
// incremented and, when it has no TTL, given one of one window in the same
// store call. Later increments leave the TTL alone, so the window does not
// slide. Up to twice the limit can pass when requests cluster around a window
// boundary.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/GetStream/realtime-fanout/metrics"
)

// A Store holds the counters. It is implemented by the redis package.
type Store interface {
	// IncrWindow increments key and returns the new value. A key without a
	// TTL gets window as its TTL in the same atomic step.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
	Count(ctx context.Context, key string) (int64, error)
	Del(ctx context.Context, key string) error
}

const defaultTimeout = 250 * time.Millisecond

// Limiter checks requests against counters in a Store. Store failures never
// block a request: the limiter fails open.
type Limiter struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration
}

// An Option configures a Limiter.
type Option func(*Limiter)

// WithTimeout bounds every store call. The default is 250ms.
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		l.timeout = d
	}
}

// WithMetrics records rejections and store errors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// New returns a limiter backed by store.
func New(store Store, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:   store,
		logger:  logger.With("component", "ratelimit"),
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the counter key of an action and identifier.
func Key(action, identifier string) string {
	return fmt.Sprintf("%s:%s", action, identifier)
}

// Allow counts one request of action by identifier and reports whether it is
// within max requests per window.
func (l *Limiter) Allow(ctx context.Context, identifier, action string, max int, window time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	key := Key(action, identifier)
	n, err := l.store.IncrWindow(ctx, key, window)
	if err != nil {
		l.storeError(action, key, err)
		return true
	}
	if n > int64(max) {
		l.logger.Warn("Rate limit exceeded", "action", action, "identifier", identifier, "count", n, "max", max)
		if l.metrics != nil {
			l.metrics.RateLimitRejected.WithLabelValues(action).Inc()
		}
		return false
	}
	return true
}

// AllowPolicy applies a policy row to identifier.
func (l *Limiter) AllowPolicy(ctx context.Context, p Policy, identifier string) bool {
	return l.Allow(ctx, identifier, p.Action, p.Max, p.Window)
}

// Reset deletes the counter of action for identifier.
func (l *Limiter) Reset(ctx context.Context, identifier, action string) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.store.Del(ctx, Key(action, identifier)); err != nil {
		return fmt.Errorf("reset %s: %w", action, err)
	}
	return nil
}

// CurrentCount returns the requests counted in the current window, or 0 when
// no window is open.
func (l *Limiter) CurrentCount(ctx context.Context, identifier, action string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	n, err := l.store.Count(ctx, Key(action, identifier))
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", action, err)
	}
	return n, nil
}

func (l *Limiter) storeError(action, key string, err error) {
	l.logger.Error("Rate limiter store unavailable, allowing request", "key", key, "error", err.Error())
	if l.metrics != nil {
		l.metrics.RateLimitErrors.WithLabelValues(action).Inc()
	}
}
