package quotakit

import (
	"net"
	"net/http"
	"strings"
)

// dimension is one component of a request's quota identity.
type dimension struct {
	// name identifies the dimension in client-facing rejection messages,
	// e.g. "header X-API-Key".
	name string
	// fn extracts the component value; empty string means absent.
	fn func(*http.Request) string
	// required rejects the request outright when the component is absent.
	required bool
}

// identity is the outcome of deriving a request's quota identifier. Exactly
// one of the fields is meaningful: a non-empty key to track, skip when the
// request carries nothing to limit by, or the name of an absent required
// dimension.
type identity struct {
	key     string
	skip    bool
	missing string
}

// resolveIdentity derives the quota identity for a request. A ByFunc
// override takes precedence over dimensions; otherwise dimension values are
// joined with ':' in the order the options were given.
func (l *Limiter) resolveIdentity(r *http.Request) identity {
	if l.identityFn != nil {
		key, ok := l.identityFn(r)
		if !ok || key == "" {
			return identity{skip: true}
		}
		return identity{key: key}
	}

	var sb strings.Builder
	hasContent := false
	for _, dim := range l.dims {
		part := dim.fn(r)
		if part == "" {
			if dim.required {
				return identity{missing: dim.name}
			}
			continue
		}
		if hasContent {
			sb.WriteByte(':')
		}
		sb.WriteString(part)
		hasContent = true
	}

	if !hasContent {
		return identity{skip: true}
	}
	return identity{key: sb.String()}
}

// ByIP adds the connection's client IP (from RemoteAddr) as an identity
// dimension. Behind a proxy or load balancer every request shares the
// proxy's IP; use ByRealIP there.
func ByIP() Option {
	return func(l *Limiter) {
		l.dims = append(l.dims, dimension{
			name: "client IP",
			fn: func(r *http.Request) string {
				return ipFromRequest(r)
			},
		})
	}
}

// ByRealIP adds the client IP as reported by proxy headers: the first hop in
// X-Forwarded-For, then X-Real-IP, then RemoteAddr. Only trust these headers
// when a proxy you control sets them; clients can forge them otherwise.
func ByRealIP() Option {
	return byRealIP(false)
}

// ByRealIPRequired is ByRealIP without the RemoteAddr fallback: requests
// lacking both proxy headers are rejected with 400. Use when traffic must
// arrive through the proxy.
func ByRealIPRequired() Option {
	return byRealIP(true)
}

func byRealIP(required bool) Option {
	return func(l *Limiter) {
		l.dims = append(l.dims, dimension{
			name:     "forwarded client IP",
			required: required,
			fn: func(r *http.Request) string {
				if ip := forwardedIP(r); ip != "" {
					return ip
				}
				if required {
					return ""
				}
				return ipFromRequest(r)
			},
		})
	}
}

// ByEndpoint adds "METHOD:path" as an identity dimension, giving each
// endpoint its own counter. Combine with ByIP or ByHeader for per-client
// per-endpoint quotas.
func ByEndpoint() Option {
	return func(l *Limiter) {
		l.dims = append(l.dims, dimension{
			name: "endpoint",
			fn: func(r *http.Request) string {
				return r.Method + ":" + r.URL.Path
			},
		})
	}
}

// ByHeader adds the named header's value as an identity dimension. Requests
// without the header skip this dimension.
func ByHeader(header string) Option {
	return byHeader(header, false)
}

// ByHeaderRequired adds the named header's value as an identity dimension
// and rejects requests without it (400).
func ByHeaderRequired(header string) Option {
	return byHeader(header, true)
}

func byHeader(header string, required bool) Option {
	return func(l *Limiter) {
		l.dims = append(l.dims, dimension{
			name:     "header " + header,
			required: required,
			fn: func(r *http.Request) string {
				return r.Header.Get(header)
			},
		})
	}
}

// ByQueryParam adds the named query parameter's value as an identity
// dimension. Requests without the parameter skip this dimension.
func ByQueryParam(param string) Option {
	return byQueryParam(param, false)
}

// ByQueryParamRequired adds the named query parameter's value as an identity
// dimension and rejects requests without it (400).
func ByQueryParamRequired(param string) Option {
	return byQueryParam(param, true)
}

func byQueryParam(param string, required bool) Option {
	return func(l *Limiter) {
		l.dims = append(l.dims, dimension{
			name:     "query parameter " + param,
			required: required,
			fn: func(r *http.Request) string {
				return r.URL.Query().Get(param)
			},
		})
	}
}

// ByFunc derives the identifier with a custom function, replacing any
// dimension options. The boolean reports whether the request should be
// tracked: return false (or an empty key) to skip limiting for that request,
// e.g. for allowlisted clients or health checks.
func ByFunc(fn func(r *http.Request) (key string, ok bool)) Option {
	return func(l *Limiter) {
		l.identityFn = fn
	}
}

// ipFromRequest extracts the bare IP from RemoteAddr, which normally carries
// an ip:port pair but may be a bare IP in tests.
func ipFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// forwardedIP returns the proxy-reported client IP, preferring the first
// (origin) hop of X-Forwarded-For over X-Real-IP.
func forwardedIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return strings.TrimSpace(r.Header.Get("X-Real-IP"))
}
