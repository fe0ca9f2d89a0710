package quotakit_test

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/quotakit"
	"github.com/nhalm/quotakit/stats"
	"github.com/nhalm/quotakit/store"
)

func ExampleHandler() {
	r := chi.NewRouter()
	r.Use(quotakit.Handler())

	r.Get("/", func(_ http.ResponseWriter, r *http.Request) {
		quotakit.SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func ExampleSetError() {
	handler := func(_ http.ResponseWriter, r *http.Request) {
		// Return a 404 with custom message
		quotakit.SetError(r, quotakit.ErrNotFound.With("User not found"))
	}
	_ = handler
}

func ExampleNew() {
	st := store.NewMemory()
	defer st.Close()

	// Limit each client IP to 100 requests per minute
	limiter := quotakit.New(st,
		quotakit.ByIP(),
		quotakit.WithLimit(100),
		quotakit.WithWindow(time.Minute),
	)

	r := chi.NewRouter()
	r.Use(limiter.Handler)
}

func ExampleNew_multiDimensional() {
	st := store.NewMemory()
	defer st.Close()

	// Limit by tenant + endpoint: 100 requests per minute
	limiter := quotakit.New(st,
		quotakit.ByHeaderRequired("X-Tenant-ID"),
		quotakit.ByEndpoint(),
		quotakit.WithLimit(100),
		quotakit.WithWindow(time.Minute),
	)

	r := chi.NewRouter()
	r.Use(limiter.Handler)
}

func ExampleNew_redis() {
	st, err := store.NewRedis(store.RedisConfig{
		Addr:   "localhost:6379",
		Prefix: "myapp:ratelimit:",
	})
	if err != nil {
		panic(err)
	}
	defer st.Close()

	// Let requests through if Redis goes down
	limiter := quotakit.New(st,
		quotakit.ByHeaderRequired("X-API-Key"),
		quotakit.WithLimit(1000),
		quotakit.WithWindow(time.Hour),
		quotakit.WithFailureMode(quotakit.FailOpen),
	)

	r := chi.NewRouter()
	r.Use(limiter.Handler)
}

func ExampleNew_layered() {
	st := store.NewMemory()
	defer st.Close()

	// A coarse global cap plus a tighter per-endpoint cap. Each limiter
	// needs its own name so the counters don't collide.
	global := quotakit.New(st,
		quotakit.ByIP(),
		quotakit.WithName("global"),
		quotakit.WithLimit(1000),
		quotakit.WithWindow(time.Minute),
	)
	perEndpoint := quotakit.New(st,
		quotakit.ByIP(),
		quotakit.ByEndpoint(),
		quotakit.WithName("endpoint"),
		quotakit.WithLimit(50),
		quotakit.WithWindow(time.Minute),
	)

	r := chi.NewRouter()
	r.Use(global.Handler)
	r.Use(perEndpoint.Handler)
}

func ExampleNew_withStats() {
	st := store.NewMemory()
	defer st.Close()

	rec := stats.NewMemory(stats.MemoryWithTrackKeys())
	limiter := quotakit.New(st,
		quotakit.ByIP(),
		quotakit.WithStats(rec),
	)

	r := chi.NewRouter()
	r.Use(limiter.Handler)
}

func ExampleConcurrency() {
	r := chi.NewRouter()
	r.Use(quotakit.Handler())

	// At most 64 requests in flight; wait up to 100ms for a slot before
	// returning 503.
	r.Use(quotakit.Concurrency(64,
		quotakit.ConcurrencyWithTimeout(100*time.Millisecond),
	))
}

func ExampleHandler_timeout() {
	r := chi.NewRouter()
	r.Use(quotakit.Handler(
		quotakit.WithTimeout(30*time.Second),
		quotakit.WithCanonlog(),
	))

	r.Get("/", func(_ http.ResponseWriter, r *http.Request) {
		// Handler code runs with a 30-second deadline.
		// If the handler doesn't complete in time, a 504 Gateway Timeout
		// is returned to the client immediately.
		quotakit.SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func ExampleHandler_timeoutWithGrace() {
	r := chi.NewRouter()
	r.Use(quotakit.Handler(
		quotakit.WithTimeout(30*time.Second),
		quotakit.WithGraceTimeout(10*time.Second),
		quotakit.WithAbandonCallback(func(r *http.Request) {
			// Handler didn't exit within grace period after timeout.
			// Log this for investigation - may indicate a stuck handler.
			fmt.Printf("handler abandoned: %s %s\n", r.Method, r.URL.Path)
		}),
	))
}
