package store

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	count     int64
	expiresAt time.Time
}

// Memory is an in-memory Store backed by a mutex-guarded map.
//
// WARNING: not suitable for distributed deployments. Each process instance
// keeps its own counters, so clients can exceed the intended quota by
// spreading requests across instances. Use Memory for local development,
// tests, and single-instance deployments; use Redis everywhere else.
type Memory struct {
	mu       sync.RWMutex
	counters map[string]*counter
	stopCh   chan struct{}
}

// NewMemory creates an in-memory store. A background janitor removes expired
// counters once a minute to keep memory bounded.
//
// Call Close when done to stop the janitor goroutine; failing to do so leaks it.
func NewMemory() *Memory {
	m := &Memory{
		counters: make(map[string]*counter),
		stopCh:   make(chan struct{}),
	}

	go m.janitor()
	return m
}

// Increment increments the counter for the given key and returns the new
// count and the time remaining until the window resets. A missing or expired
// key is recreated with count=1 and a fresh expiry. The write lock makes the
// whole operation indivisible with respect to other goroutines.
//
// The context is accepted for interface compatibility; in-memory operations
// complete immediately and cannot be cancelled.
func (m *Memory) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	c, ok := m.counters[key]

	if !ok || now.After(c.expiresAt) {
		m.counters[key] = &counter{
			count:     1,
			expiresAt: now.Add(window),
		}
		return 1, window, nil
	}

	c.count++
	ttl := max(0, time.Until(c.expiresAt))
	return c.count, ttl, nil
}

// Get retrieves the current count for the given key without incrementing.
// Returns 0 if the key doesn't exist or has expired.
func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.counters[key]
	if !ok || time.Now().After(c.expiresAt) {
		return 0, nil
	}

	return c.count, nil
}

// Reset removes the counter for the given key.
func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.counters, key)
	return nil
}

// Close stops the janitor goroutine and releases the counters.
// The store must not be used after Close.
func (m *Memory) Close() error {
	close(m.stopCh)
	m.mu.Lock()
	m.counters = nil
	m.mu.Unlock()
	return nil
}

// sweep removes all expired counters. Exposed for tests so they don't have to
// wait for the janitor tick.
func (m *Memory) sweep() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, c := range m.counters {
		if now.After(c.expiresAt) {
			delete(m.counters, key)
		}
	}
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}
