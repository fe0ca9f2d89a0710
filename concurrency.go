package quotakit

import (
	"context"
	"net/http"
	"time"
)

type concurrencyConfig struct {
	acquireTimeout time.Duration
}

// ConcurrencyOption configures the Concurrency middleware.
type ConcurrencyOption func(*concurrencyConfig)

// ConcurrencyWithTimeout bounds how long a request waits for an in-flight
// slot. Without it, waiters block until a slot frees or the request context
// ends.
func ConcurrencyWithTimeout(d time.Duration) ConcurrencyOption {
	return func(c *concurrencyConfig) {
		c.acquireTimeout = d
	}
}

// Concurrency returns middleware capping how many requests this process
// handles at once. Requests beyond the cap wait for a slot; a waiter whose
// context ends (or whose acquire timeout passes) receives 503. A
// non-positive max disables the cap.
//
// This is per-process backpressure, not shared quota: in multi-instance
// deployments each instance enforces its own cap. Pair with a Limiter for
// cross-instance limits.
func Concurrency(maxInFlight int, opts ...ConcurrencyOption) func(http.Handler) http.Handler {
	if maxInFlight <= 0 {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	cfg := &concurrencyConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	sem := make(chan struct{}, maxInFlight)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if cfg.acquireTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.acquireTimeout)
				defer cancel()
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				if HasState(r.Context()) {
					SetError(r, ErrServiceUnavailable.With("Too many concurrent requests"))
				} else {
					http.Error(w, "Too many concurrent requests", http.StatusServiceUnavailable)
				}
				return
			}
			defer func() { <-sem }()

			next.ServeHTTP(w, r)
		})
	}
}
