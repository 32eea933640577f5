// Package recorder wraps an http.ResponseWriter to record what was sent,
// for request logging.
package recorder

import (
	"net/http"
	"time"
)

// ResponseRecorder is a wrapper around http.ResponseWriter that remembers
// the status code and the number of body bytes written.
type ResponseRecorder struct {
	rw           http.ResponseWriter
	status       int
	written      int64
	wroteHeaders bool
	CreatedAt    time.Time
}

// NewResponseRecorder returns a recorder writing through to w.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{
		CreatedAt: time.Now(),
		rw:        w,
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) Header() http.Header {
	return t.rw.Header()
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) WriteHeader(statusCode int) {
	// only the first status is sent
	if t.wroteHeaders {
		return
	}
	t.wroteHeaders = true
	t.status = statusCode
	t.rw.WriteHeader(statusCode)
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) Write(b []byte) (int, error) {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	n, err := t.rw.Write(b)
	t.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (t *ResponseRecorder) Unwrap() http.ResponseWriter {
	return t.rw
}

// StatusCode returns the status code of the response,
// or 200 if nothing was written yet.
func (t *ResponseRecorder) StatusCode() int {
	if t.status == 0 {
		return http.StatusOK
	}
	return t.status
}

// BytesWritten returns the number of body bytes written.
func (t *ResponseRecorder) BytesWritten() int64 {
	return t.written
}

// Duration returns the time since the recorder was created.
func (t *ResponseRecorder) Duration() time.Duration {
	return time.Since(t.CreatedAt)
}
