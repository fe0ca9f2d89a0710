package stats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis records decision events into Redis hashes: a cumulative total, a
// per-minute time series, per-route counters, and (optionally) per-key
// counters. Writes go through one pipeline per event.
type Redis struct {
	client *redis.Client

	prefix string
	// ttl applies to minute buckets and per-key hashes; totals are cumulative
	// and never expire.
	ttl time.Duration

	minuteBuckets bool
	trackKeys     bool
}

// RedisOption configures the Redis recorder.
type RedisOption func(*Redis)

// WithPrefix sets the key namespace (default "ratelimit:stats").
func WithPrefix(prefix string) RedisOption {
	return func(s *Redis) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

// WithTTL sets the expiry for minute buckets and per-key hashes
// (default 24h). Zero disables expiry.
func WithTTL(d time.Duration) RedisOption {
	return func(s *Redis) {
		s.ttl = d
	}
}

// WithoutMinuteBuckets disables the per-minute time series, leaving only
// cumulative counters.
func WithoutMinuteBuckets() RedisOption {
	return func(s *Redis) {
		s.minuteBuckets = false
	}
}

// WithTrackKeys enables per-identifier counters. Only enable this when the
// identifier space is bounded (tenants, API keys), not raw client IPs.
func WithTrackKeys() RedisOption {
	return func(s *Redis) {
		s.trackKeys = true
	}
}

// NewRedis creates a Redis-backed recorder on an existing client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	s := &Redis{
		client:        client,
		prefix:        "ratelimit:stats",
		ttl:           24 * time.Hour,
		minuteBuckets: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record writes the event counters in a single pipeline round trip.
func (s *Redis) Record(ctx context.Context, ev Event) error {
	if s == nil || s.client == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	field := "denied"
	if ev.Allowed {
		field = "allowed"
	}

	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)

	if s.minuteBuckets {
		bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
		pipe.HIncrBy(ctx, bucketKey, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, bucketKey, s.ttl)
		}
	}

	if route := strings.TrimSpace(strings.TrimSpace(ev.Method) + " " + strings.TrimSpace(ev.Path)); route != "" {
		pipe.HIncrBy(ctx, s.prefix+":route", route+":"+field, 1)
	}

	if s.trackKeys {
		if key := strings.TrimSpace(ev.Key); key != "" {
			keyKey := s.prefix + ":key:" + key
			pipe.HIncrBy(ctx, keyKey, field, 1)
			if s.ttl > 0 {
				pipe.Expire(ctx, keyKey, s.ttl)
			}
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}
