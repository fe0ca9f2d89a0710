package quotakit

import "net/http"

// SetError stages an error response in the request's state.
// A no-op when the Handler boundary is not installed (use HasState to check)
// or after the response has already been written.
func SetError(r *http.Request, err *APIError) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.written {
		return
	}
	state.err = err
}

// SetResponse stages a success response in the request's state.
// A no-op when the Handler boundary is not installed or after the response
// has already been written.
func SetResponse(r *http.Request, status int, body any) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.written {
		return
	}
	state.status = status
	state.body = body
}

// SetHeader stages a response header in the request's state.
// A no-op when the Handler boundary is not installed or after the response
// has already been written.
func SetHeader(r *http.Request, key, value string) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.written {
		return
	}
	if state.headers == nil {
		state.headers = make(http.Header)
	}
	state.headers.Set(key, value)
}

// AddHeader stages an additional response header value in the request's state.
// A no-op when the Handler boundary is not installed or after the response
// has already been written.
func AddHeader(r *http.Request, key, value string) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.written {
		return
	}
	if state.headers == nil {
		state.headers = make(http.Header)
	}
	state.headers.Add(key, value)
}
