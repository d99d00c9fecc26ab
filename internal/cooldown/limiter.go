// Package cooldown throttles how often a single user may place a pixel.
package cooldown

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultAttempts      = 3
	defaultRetryInterval = 10 * time.Millisecond
)

// Limiter answers whether a user may write now and records accepted
// writes. Store failures never block a write: reads fail open and record
// writes are retried a few times, then dropped.
type Limiter struct {
	store  Store
	window atomic.Int64 // nanoseconds

	now           func() time.Time
	attempts      int
	retryInterval time.Duration
	logger        *slog.Logger
}

type Option func(*Limiter)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithRetry sets how many times a record write is attempted in total and
// the initial backoff between attempts.
func WithRetry(attempts int, interval time.Duration) Option {
	return func(l *Limiter) {
		if attempts > 0 {
			l.attempts = attempts
		}
		if interval > 0 {
			l.retryInterval = interval
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New creates a limiter with the given initial cooldown window.
func New(store Store, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		store:         store,
		now:           time.Now,
		attempts:      defaultAttempts,
		retryInterval: defaultRetryInterval,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "cooldown")
	l.SetCooldown(window)
	return l
}

// Cooldown returns the current window.
func (l *Limiter) Cooldown() time.Duration {
	return time.Duration(l.window.Load())
}

// SetCooldown changes the window for all later checks and records.
// Existing records keep the expiry they were written with. A non-positive
// window disables the cooldown.
func (l *Limiter) SetCooldown(d time.Duration) {
	if d < 0 {
		d = 0
	}
	l.window.Store(int64(d))
}

// SetCooldownDuration is SetCooldown in whole seconds.
func (l *Limiter) SetCooldownDuration(seconds int) {
	l.SetCooldown(time.Duration(seconds) * time.Second)
}

// CanWrite reports whether userID has no record younger than the window.
// It returns true when the store cannot be read.
func (l *Limiter) CanWrite(ctx context.Context, userID string) bool {
	window := l.Cooldown()
	if window <= 0 {
		return true
	}
	at, ok, err := l.store.Last(ctx, userID)
	if err != nil {
		l.logger.Warn("cooldown lookup failed, allowing write", "user", userID, "error", err)
		return true
	}
	if !ok {
		return true
	}
	return l.now().Sub(at) >= window
}

// RecordWrite stores now as userID's last write, expiring after the window.
// Transient store errors are retried; on exhaustion the record is dropped
// and the failure logged.
func (l *Limiter) RecordWrite(ctx context.Context, userID string) {
	window := l.Cooldown()
	if window <= 0 {
		return
	}
	at := l.now()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.retryInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, l.store.Put(ctx, userID, at, window)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(l.attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.logger.Debug("retrying cooldown record", "user", userID, "error", err, "backoff", next)
		}),
	)
	if err != nil {
		l.logger.Warn("failed to record cooldown", "user", userID, "attempts", l.attempts, "error", err)
	}
}
