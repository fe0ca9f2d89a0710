// Fixed-window quota tracking for Chi and standard http.Handler chains.
//
// A Limiter counts requests per identifier in a shared counter store and
// admits or rejects them against an immutable policy. Identity dimensions
// (IP, header, endpoint, etc.) are added via options, allowing single or
// multi-dimensional keys. The middleware sets quota headers
// (X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset by default)
// and returns 429 (Too Many Requests) when the quota is exhausted.
//
// Single dimension example:
//
//	st := store.NewMemory()
//	defer st.Close()
//	r.Use(quotakit.New(st, quotakit.WithLimit(100), quotakit.WithWindow(time.Minute), quotakit.ByIP()).Handler)
//
// Multi-dimensional example:
//
//	limiter := quotakit.New(st,
//	    quotakit.WithName("api"),
//	    quotakit.ByIP(),
//	    quotakit.ByHeader("X-Tenant-ID"),
//	)
//	r.Use(limiter.Handler)
//
// Identity options have optional *Required variants (e.g., ByHeaderRequired).
// When a required dimension is missing, the request is rejected with 400 Bad
// Request. When no dimension yields a value, limiting is skipped for that
// request.
//
// For distributed deployments (Kubernetes), use the Redis store. The
// in-memory store is only suitable for single-instance deployments and
// development.

package quotakit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/nhalm/quotakit/stats"
	"github.com/nhalm/quotakit/store"
)

const (
	// DefaultLimit is the admitted-requests-per-window ceiling applied when
	// WithLimit is not given.
	DefaultLimit int64 = 2500

	// DefaultWindow is the window length applied when WithWindow is not given.
	DefaultWindow = time.Hour

	// DefaultErrorMessage is the rejection body prefix applied when
	// WithErrorMessage is not given.
	DefaultErrorMessage = "Rate limit exceeded, retry in "
)

// Headers names the response headers carrying quota values. All four names
// are required; use WithHeaders to replace the defaults wholesale.
type Headers struct {
	Limit      string `validate:"required"`
	Remaining  string `validate:"required"`
	Reset      string `validate:"required"`
	RetryAfter string `validate:"required"`
}

var (
	// DefaultHeaders is the conventional X- prefixed header naming.
	DefaultHeaders = Headers{
		Limit:      "X-RateLimit-Limit",
		Remaining:  "X-RateLimit-Remaining",
		Reset:      "X-RateLimit-Reset",
		RetryAfter: "X-Retry-After",
	}

	// IETFHeaders follows the draft-ietf-httpapi-ratelimit-headers naming.
	IETFHeaders = Headers{
		Limit:      "RateLimit-Limit",
		Remaining:  "RateLimit-Remaining",
		Reset:      "RateLimit-Reset",
		RetryAfter: "Retry-After",
	}
)

// HeaderMode controls when quota headers are included in responses.
type HeaderMode int

const (
	// HeadersAlways includes quota headers on every tracked response (default).
	// On 429 the retry-after header is included as well.
	HeadersAlways HeaderMode = iota

	// HeadersOnRejection includes quota headers only on 429 responses.
	HeadersOnRejection

	// HeadersNever omits quota headers entirely.
	// Use this when you want limiting without exposing limits to clients.
	HeadersNever
)

// FailureMode selects what happens to a request when the counter store is
// unavailable. Choose deliberately: failing open trades protection for
// availability, failing closed the reverse.
type FailureMode int

const (
	// FailClosed rejects the request with a 500 when the store is
	// unavailable (default).
	FailClosed FailureMode = iota

	// FailOpen admits the request, without quota headers, when the store is
	// unavailable.
	FailOpen
)

// Decision is the outcome of checking one request against the quota.
// It is computed fresh per call and never stored.
type Decision struct {
	// Allowed reports whether the request is within quota. The request that
	// exhausts the quota is itself counted: a denied request has still
	// consumed one unit.
	Allowed bool

	// Limit is the policy's admitted-requests-per-window ceiling.
	Limit int64

	// Remaining is how many further requests the identifier may issue this
	// window; 0 when denied.
	Remaining int64

	// ResetAt is when the current window expires and the counter starts over.
	ResetAt time.Time
}

// RetryAfter returns the time remaining until the window resets, clamped at
// zero.
func (d Decision) RetryAfter() time.Duration {
	if until := time.Until(d.ResetAt); until > 0 {
		return until
	}
	return 0
}

// Limiter tracks per-identifier quota over a fixed window and admits or
// rejects requests. The policy is immutable after New. A Limiter is safe for
// concurrent use and performs no locking of its own; ordering between
// concurrent requests is exactly the store's increment serialization.
type Limiter struct {
	store store.Store
	name  string

	limit  int64
	window time.Duration

	dims       []dimension
	identityFn func(*http.Request) (string, bool)

	headers    Headers
	headerMode HeaderMode

	errorMsg    string
	appendRetry bool
	formatRetry func(time.Duration) string

	failureMode FailureMode
	logFn       func(*http.Request, string)
	logEvery    *rate.Sometimes
	recorder    stats.Recorder
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLimit sets the maximum admitted requests per window (default
// DefaultLimit). Zero denies every tracked request; negative values panic
// at construction.
func WithLimit(limit int64) Option {
	return func(l *Limiter) {
		l.limit = limit
	}
}

// WithWindow sets the window length (default DefaultWindow). Must be
// positive; zero or negative values panic at construction.
func WithWindow(window time.Duration) Option {
	return func(l *Limiter) {
		l.window = window
	}
}

// WithName sets a prefix for quota keys.
// Use to prevent key collisions when layering multiple limiters.
func WithName(name string) Option {
	return func(l *Limiter) {
		l.name = name
	}
}

// WithHeaders replaces the response header names (default DefaultHeaders).
// All four names must be non-empty.
func WithHeaders(h Headers) Option {
	return func(l *Limiter) {
		l.headers = h
	}
}

// WithHeaderMode configures when quota headers are included in responses.
func WithHeaderMode(mode HeaderMode) Option {
	return func(l *Limiter) {
		l.headerMode = mode
	}
}

// WithErrorMessage sets the rejection body prefix (default
// DefaultErrorMessage).
func WithErrorMessage(msg string) Option {
	return func(l *Limiter) {
		l.errorMsg = msg
	}
}

// WithoutRetryTime stops the middleware from appending the human-readable
// wait time to rejection bodies.
func WithoutRetryTime() Option {
	return func(l *Limiter) {
		l.appendRetry = false
	}
}

// WithRetryFormatter replaces the function rendering the wait time appended
// to rejection bodies. The default rounds to the nearest second and uses
// time.Duration's String format.
func WithRetryFormatter(fn func(time.Duration) string) Option {
	return func(l *Limiter) {
		l.formatRetry = fn
	}
}

// WithFailureMode selects the policy for store failures (default FailClosed).
func WithFailureMode(mode FailureMode) Option {
	return func(l *Limiter) {
		l.failureMode = mode
	}
}

// WithLogFunc registers a callback invoked with the request and the message
// written to the client whenever a request is rejected, and with the
// underlying error text when the store fails. Side effect only.
func WithLogFunc(fn func(r *http.Request, msg string)) Option {
	return func(l *Limiter) {
		l.logFn = fn
	}
}

// WithLogThrottle caps the WithLogFunc callback to at most one invocation per
// interval. A client hammering an exhausted quota otherwise emits one log
// line per denied request.
func WithLogThrottle(interval time.Duration) Option {
	return func(l *Limiter) {
		l.logEvery = &rate.Sometimes{First: 1, Interval: interval}
	}
}

// WithStats registers a best-effort decision recorder. Recording errors are
// ignored; they never affect the request.
func WithStats(rec stats.Recorder) Option {
	return func(l *Limiter) {
		l.recorder = rec
	}
}

// policy is the validated subset of the limiter configuration.
type policy struct {
	Limit   int64         `validate:"min=0"`
	Window  time.Duration `validate:"gt=0"`
	Headers Headers
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// New creates a Limiter tracking quota in the given store. Unset policy
// fields default to DefaultLimit, DefaultWindow, DefaultHeaders, and
// DefaultErrorMessage.
//
// At least one identity option must be provided (ByIP, ByRealIP, ByEndpoint,
// ByHeader, ByQueryParam, or ByFunc). New panics on a missing identity option
// or an invalid policy: configuration errors abort startup rather than being
// silently coerced.
func New(st store.Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:       st,
		limit:       DefaultLimit,
		window:      DefaultWindow,
		headers:     DefaultHeaders,
		errorMsg:    DefaultErrorMessage,
		appendRetry: true,
		formatRetry: func(d time.Duration) string {
			return d.Round(time.Second).String()
		},
	}
	for _, opt := range opts {
		opt(l)
	}

	if len(l.dims) == 0 && l.identityFn == nil {
		panic("quotakit: must configure at least one identity option (ByIP, ByRealIP, ByEndpoint, ByHeader, ByQueryParam, or ByFunc)")
	}

	if err := validate.Struct(policy{Limit: l.limit, Window: l.window, Headers: l.headers}); err != nil {
		panic("quotakit: invalid limiter configuration: " + validationDetail(err))
	}

	return l
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		tag := fe.Tag()
		if p := fe.Param(); p != "" {
			tag += "=" + p
		}
		parts = append(parts, fmt.Sprintf("%s fails '%s'", fe.Field(), tag))
	}
	return strings.Join(parts, ", ")
}

// Check counts one request for the identifier and returns the admission
// decision. The identifier must be non-empty; skip handling belongs to the
// caller. Exactly one atomic increment is issued per call, so a denied
// request has still consumed one unit of quota.
//
// Errors wrap store.ErrUnavailable; a quota-exceeded outcome is not an error
// but a Decision with Allowed=false.
func (l *Limiter) Check(ctx context.Context, identifier string) (Decision, error) {
	if identifier == "" {
		return Decision{}, errors.New("quotakit: check: identifier must not be empty")
	}

	count, ttl, err := l.store.Increment(ctx, l.keyFor(identifier), l.window)
	if err != nil {
		return Decision{}, fmt.Errorf("quota check: %w", err)
	}

	return Decision{
		Allowed:   count <= l.limit,
		Limit:     l.limit,
		Remaining: max(0, l.limit-count),
		ResetAt:   time.Now().Add(ttl),
	}, nil
}

func (l *Limiter) keyFor(identifier string) string {
	if l.name == "" {
		return identifier
	}
	return l.name + ":" + identifier
}
