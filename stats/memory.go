package stats

import (
	"context"
	"sync"
)

// Counters holds allowed/denied tallies.
type Counters struct {
	Allowed int64
	Denied  int64
}

// Memory is an in-memory Recorder for tests and local development. Counters
// are cumulative and never expire.
type Memory struct {
	mu      sync.Mutex
	total   Counters
	byRoute map[string]Counters
	byKey   map[string]Counters

	trackKeys bool
}

// MemoryOption configures the Memory recorder.
type MemoryOption func(*Memory)

// MemoryWithTrackKeys enables per-identifier counters.
func MemoryWithTrackKeys() MemoryOption {
	return func(s *Memory) {
		s.trackKeys = true
	}
}

// NewMemory creates an in-memory recorder.
func NewMemory(opts ...MemoryOption) *Memory {
	s := &Memory{
		byRoute: make(map[string]Counters),
		byKey:   make(map[string]Counters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record tallies the event.
func (s *Memory) Record(_ context.Context, ev Event) error {
	route := ev.Method + " " + ev.Path

	s.mu.Lock()
	defer s.mu.Unlock()

	bump := func(c Counters) Counters {
		if ev.Allowed {
			c.Allowed++
		} else {
			c.Denied++
		}
		return c
	}

	s.total = bump(s.total)
	s.byRoute[route] = bump(s.byRoute[route])
	if s.trackKeys {
		s.byKey[ev.Key] = bump(s.byKey[ev.Key])
	}
	return nil
}

// Total returns the cumulative counters.
func (s *Memory) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// ByRoute returns a copy of the per-route counters, keyed "METHOD /path".
func (s *Memory) ByRoute() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byRoute))
	for k, v := range s.byRoute {
		out[k] = v
	}
	return out
}

// ByKey returns a copy of the per-identifier counters. Empty unless the
// recorder was built with MemoryWithTrackKeys.
func (s *Memory) ByKey() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byKey))
	for k, v := range s.byKey {
		out[k] = v
	}
	return out
}
