package quotakit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/canonlog"
)

// HandlerOption configures the Handler middleware.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	canonlog       bool
	canonlogFields func(*http.Request) map[string]any
	timeout        time.Duration
	graceTimeout   time.Duration
	abandonFn      func(*http.Request)
}

// WithCanonlog enables canonical logging for requests.
// Creates a logger at request start and flushes it after response.
// Logs method, path, route, status, and duration_ms for each request.
// Errors set via SetError are automatically logged.
func WithCanonlog() HandlerOption {
	return func(c *handlerConfig) {
		c.canonlog = true
	}
}

// WithCanonlogFields adds custom fields to each log entry.
// The function receives the request and returns fields to add.
// Called at request start, before the handler executes.
func WithCanonlogFields(fn func(*http.Request) map[string]any) HandlerOption {
	return func(c *handlerConfig) {
		c.canonlogFields = fn
	}
}

// WithTimeout sets a per-request deadline. The handler runs in its own
// goroutine with a cancelled context once the deadline passes, and the client
// receives a 504 with ErrGatewayTimeout. Responses the handler stages after
// the 504 has been written are discarded.
func WithTimeout(d time.Duration) HandlerOption {
	return func(c *handlerConfig) {
		c.timeout = d
	}
}

// WithGraceTimeout sets how long to wait, after the deadline fires, for the
// handler goroutine to notice the cancelled context and exit before the 504
// is written anyway. Without it the 504 is written immediately on timeout.
// Only meaningful together with WithTimeout.
func WithGraceTimeout(d time.Duration) HandlerOption {
	return func(c *handlerConfig) {
		c.graceTimeout = d
	}
}

// WithAbandonCallback registers a callback invoked when a timed-out handler
// did not exit within the grace period. The goroutine is left running; the
// callback exists so stuck handlers can be logged and investigated.
func WithAbandonCallback(fn func(*http.Request)) HandlerOption {
	return func(c *handlerConfig) {
		c.abandonFn = fn
	}
}

// handlerWG tracks handler goroutines spawned by timeout-enabled Handlers,
// including abandoned ones still winding down.
var handlerWG sync.WaitGroup

// WaitForHandlers blocks until every spawned handler goroutine has exited or
// the context is done, and returns the context's error in the latter case.
// Call it during shutdown, after the server has stopped accepting requests;
// waiting while new requests still arrive is racy.
func WaitForHandlers(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		handlerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler returns middleware that manages response state and writes responses.
// Handlers below it stage their result with SetResponse/SetError/SetHeader;
// the middleware renders it after they return: errors as a JSON error
// envelope with the error's status, bodies as JSON, panics as a 500.
func Handler(opts ...HandlerOption) func(http.Handler) http.Handler {
	cfg := &handlerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := &State{}
			ctx := context.WithValue(r.Context(), stateKey, state)

			var start time.Time
			if cfg.canonlog {
				ctx = canonlog.NewContext(ctx)
				start = time.Now()

				canonlog.InfoAddMany(ctx, map[string]any{
					"method": r.Method,
					"path":   r.URL.Path,
				})

				if cfg.canonlogFields != nil {
					canonlog.InfoAddMany(ctx, cfg.canonlogFields(r))
				}
			}

			if cfg.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
				defer cancel()
			}

			r = r.WithContext(ctx)

			finish := func() {
				if cfg.canonlog {
					state.mu.Lock()
					status := state.status
					if state.err != nil {
						status = state.err.Status
						canonlog.ErrorAdd(ctx, state.err)
					}
					state.mu.Unlock()

					route := r.URL.Path
					if rctx := chi.RouteContext(ctx); rctx != nil {
						if pattern := rctx.RoutePattern(); pattern != "" {
							route = pattern
						}
					}

					canonlog.InfoAddMany(ctx, map[string]any{
						"route":       route,
						"status":      status,
						"duration_ms": time.Since(start).Milliseconds(),
					})

					canonlog.Flush(ctx)
				}

				writeResponse(w, state)
			}

			if cfg.timeout <= 0 {
				defer func() {
					if rec := recover(); rec != nil {
						state.mu.Lock()
						state.err = ErrInternal
						state.mu.Unlock()

						if cfg.canonlog {
							canonlog.ErrorAdd(ctx, fmt.Errorf("panic: %v", rec))
						}
					}

					finish()
				}()

				next.ServeHTTP(w, r)
				return
			}

			done := make(chan struct{})
			handlerWG.Add(1)
			go func() {
				defer handlerWG.Done()
				defer func() {
					if rec := recover(); rec != nil {
						state.mu.Lock()
						if !state.written {
							state.err = ErrInternal
						}
						state.mu.Unlock()

						if cfg.canonlog {
							canonlog.ErrorAdd(ctx, fmt.Errorf("panic: %v", rec))
						}
					}
					close(done)
				}()

				next.ServeHTTP(w, r)
			}()

			select {
			case <-done:
				// The deadline may fire in the same instant the handler
				// returns empty-handed; that is still a timeout.
				state.mu.Lock()
				if ctx.Err() != nil && state.err == nil && state.status == 0 && state.body == nil {
					state.err = ErrGatewayTimeout
				}
				state.mu.Unlock()

			case <-ctx.Done():
				if cfg.graceTimeout > 0 {
					timer := time.NewTimer(cfg.graceTimeout)
					select {
					case <-done:
						timer.Stop()
					case <-timer.C:
						if cfg.abandonFn != nil {
							cfg.abandonFn(r)
						}
					}
				}

				// Timeout wins over anything the handler staged after the
				// deadline, including a panic recovery.
				state.mu.Lock()
				if !state.written {
					state.err = ErrGatewayTimeout
				}
				state.mu.Unlock()
			}

			finish()
		})
	}
}

func writeResponse(w http.ResponseWriter, state *State) {
	if !state.markWritten() {
		return
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	for key, values := range state.headers {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	if state.err != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(errorResponse{Error: state.err}); err != nil {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("Internal server error"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(state.err.Status)
		w.Write(buf.Bytes())
		return
	}

	if state.body != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(state.body); err != nil {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("Internal server error"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(state.status)
		w.Write(buf.Bytes())
		return
	}

	if state.status != 0 {
		w.WriteHeader(state.status)
	}
}
