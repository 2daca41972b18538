// Package lock provides named, TTL-bounded critical sections. Different keys
// never block each other, and a lease whose holder never releases it is
// force-released once its TTL elapses.
package lock

import (
	"context"
	"time"
)

const MatchingKey = "lock:pool-matching"

func CancelKey(rideRequestID string) string {
	return "lock:pool:cancel:" + rideRequestID
}

type Locker interface {
	// Acquire blocks until key is free or ctx is done. A context error is
	// reported wrapped in models.ErrLockTimeout.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error)
}

// Handle is a held lease. Release is idempotent and never fails because the
// lease already expired.
type Handle interface {
	Key() string
	Release(ctx context.Context) error
}

// WithCriticalSection runs fn while holding key. The lease is released on
// every exit path, panics included, before fn's error is returned.
func WithCriticalSection(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) (err error) {
	h, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		relErr := h.Release(context.WithoutCancel(ctx))
		if err == nil {
			err = relErr
		}
	}()
	return fn(ctx)
}
