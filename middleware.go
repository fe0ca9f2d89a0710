package quotakit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nhalm/quotakit/stats"
)

// Handler is the admission middleware. Each tracked request consumes one
// unit of the identifier's quota before the decision is made, so a denied
// request still counts against the window.
//
// When the request context carries response state (the Handler wrapper is
// upstream in the chain), outcomes are staged through it: quota headers via
// SetHeader and rejections via SetError, which renders the standard JSON
// error envelope. Otherwise headers and errors are written directly, with
// plain-text bodies via http.Error.
//
// Requests whose identity resolves to skip are passed through untouched: no
// store interaction, no quota headers.
func (l *Limiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		useWrapper := HasState(ctx)

		id := l.resolveIdentity(r)

		if id.missing != "" {
			msg := "Missing required " + id.missing
			if useWrapper {
				SetError(r, ErrBadRequest.With(msg))
			} else {
				http.Error(w, msg, http.StatusBadRequest)
			}
			return
		}

		if id.skip {
			next.ServeHTTP(w, r)
			return
		}

		decision, err := l.Check(ctx, id.key)
		if err != nil {
			l.log(r, "Rate limit check failed: "+err.Error())
			if l.failureMode == FailOpen {
				next.ServeHTTP(w, r)
				return
			}
			if useWrapper {
				SetError(r, ErrInternal.With("Rate limit check failed"))
			} else {
				http.Error(w, "Rate limit check failed", http.StatusInternalServerError)
			}
			return
		}

		if l.recorder != nil {
			// Best effort: a stats failure must not affect the request.
			_ = l.recorder.Record(ctx, stats.Event{
				Key:     id.key,
				Allowed: decision.Allowed,
				Method:  r.Method,
				Path:    r.URL.Path,
				At:      time.Now(),
			})
		}

		setHeaders := l.headerMode == HeadersAlways ||
			(l.headerMode == HeadersOnRejection && !decision.Allowed)
		if setHeaders {
			l.setQuotaHeaders(w, r, useWrapper, decision)
		}

		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retry := decision.RetryAfter()
		if setHeaders {
			secs := strconv.FormatInt(ceilSeconds(retry), 10)
			if useWrapper {
				SetHeader(r, l.headers.RetryAfter, secs)
			} else {
				w.Header().Set(l.headers.RetryAfter, secs)
			}
		}

		body := l.errorMsg
		if l.appendRetry {
			body += l.formatRetry(retry)
		}
		l.log(r, body)

		if useWrapper {
			SetError(r, ErrRateLimited.With(body))
		} else {
			http.Error(w, body, http.StatusTooManyRequests)
		}
	})
}

func (l *Limiter) setQuotaHeaders(w http.ResponseWriter, r *http.Request, useWrapper bool, d Decision) {
	limit := strconv.FormatInt(d.Limit, 10)
	remaining := strconv.FormatInt(d.Remaining, 10)
	reset := strconv.FormatInt(d.ResetAt.Unix(), 10)

	if useWrapper {
		SetHeader(r, l.headers.Limit, limit)
		SetHeader(r, l.headers.Remaining, remaining)
		SetHeader(r, l.headers.Reset, reset)
		return
	}
	h := w.Header()
	h.Set(l.headers.Limit, limit)
	h.Set(l.headers.Remaining, remaining)
	h.Set(l.headers.Reset, reset)
}

func (l *Limiter) log(r *http.Request, msg string) {
	if l.logFn == nil {
		return
	}
	if l.logEvery != nil {
		l.logEvery.Do(func() { l.logFn(r, msg) })
		return
	}
	l.logFn(r, msg)
}

// ceilSeconds rounds up so a still-limited client is never told to wait zero
// seconds.
func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}
