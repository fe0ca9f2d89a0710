// Package stats records quota decisions for observability. Recording is
// best-effort; the admission middleware never fails a request because a
// stats write failed.
package stats

import (
	"context"
	"time"
)

// Event describes one quota decision. Method and Path are plain strings so
// non-HTTP callers can use the recorder too.
//
// Watch key cardinality: recording per-key counters for unbounded identifier
// sets (for example raw IPs) can grow the backing store without limit.
type Event struct {
	Key     string
	Allowed bool

	Method string
	Path   string

	At time.Time
}

// Recorder persists quota decision events. Implementations must be safe for
// concurrent use. Callers treat errors as best-effort signals and must not
// fail the request on a recording error.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}
