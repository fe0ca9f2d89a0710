package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript atomically increments a counter and, only when this increment
// created the key, sets its expiry. The INCR, PEXPIRE, and PTTL calls execute
// as one script so concurrent clients can never observe a counter that was
// created without an expiry. Returns [count, ttlMillis].
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)

// Redis is a Redis-backed Store suitable for distributed deployments. All
// process instances sharing one Redis see one quota, and the Lua script keeps
// the increment-with-expiry-on-create indivisible across them.
type Redis struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds connection settings for the Redis store.
// All fields should be populated explicitly by your application code from
// environment variables, config files, or other sources. Never reads
// environment variables directly.
type RedisConfig struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string

	// Password for Redis authentication (optional, leave empty if not needed)
	Password string

	// DB is the Redis database number (0-15, default: 0)
	DB int

	// Prefix is prepended to all keys to namespace quota data (default: "ratelimit:")
	Prefix string

	// PoolSize is the maximum number of connections (default: 10 * runtime.GOMAXPROCS)
	PoolSize int

	// MinIdleConns is the minimum number of idle connections (default: 0)
	MinIdleConns int

	// DialTimeout is the timeout for establishing new connections (default: 5s)
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads (default: 3s)
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes (default: ReadTimeout)
	WriteTimeout time.Duration
}

// NewRedis creates a Redis store with the given configuration.
// Validates the connection with a ping before returning. Returns an error
// wrapping ErrUnavailable if the connection cannot be established within
// 5 seconds.
//
// Example:
//
//	st, err := store.NewRedis(store.RedisConfig{
//		Addr:   "localhost:6379",
//		DB:     0,
//		Prefix: "ratelimit:",
//	})
func NewRedis(config RedisConfig) (*Redis, error) {
	if config.Prefix == "" {
		config.Prefix = "ratelimit:"
	}

	opts := &redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.MinIdleConns > 0 {
		opts.MinIdleConns = config.MinIdleConns
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opts.WriteTimeout = config.WriteTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: connect to redis: %w", ErrUnavailable, err)
	}

	return &Redis{
		client: client,
		prefix: config.Prefix,
	}, nil
}

// NewRedisFromClient creates a Redis store on top of an existing client.
// Use this when your application already manages a go-redis client and you
// want quota counters to share its connection pool. Close on the returned
// store closes the shared client.
func NewRedisFromClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &Redis{
		client: client,
		prefix: prefix,
	}
}

// Increment atomically increments the counter for the given key via the Lua
// script, so INCR, expiry-on-create, and the TTL read cannot interleave with
// other clients. Returns the new count and the time remaining until the
// window resets.
func (r *Redis) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	fullKey := r.prefix + key

	result, err := incrScript.Run(ctx, r.client, []string{fullKey}, window.Milliseconds()).Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: redis increment: %w", ErrUnavailable, err)
	}

	if len(result) != 2 {
		return 0, 0, fmt.Errorf("%w: redis increment: unexpected result length %d", ErrUnavailable, len(result))
	}

	count, ok := result[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("%w: redis increment: unexpected type for count: %T", ErrUnavailable, result[0])
	}

	ttlMillis, ok := result[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("%w: redis increment: unexpected type for ttl: %T", ErrUnavailable, result[1])
	}

	// PTTL reports -1 for a key without an expiry, which can only happen if the
	// counter was created outside this script. Treat it as a fresh window.
	ttl := time.Duration(ttlMillis) * time.Millisecond
	if ttl < 0 {
		ttl = window
	}

	return count, ttl, nil
}

// Get retrieves the current count for the given key without incrementing.
// Returns 0 if the key doesn't exist or has expired.
func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: redis get: %w", ErrUnavailable, err)
	}
	return val, nil
}

// Reset removes the counter for the given key.
func (r *Redis) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("%w: redis reset: %w", ErrUnavailable, err)
	}
	return nil
}

// Close releases the Redis client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
