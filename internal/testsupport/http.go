package testsupport

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// RecordedRequest is one request captured by a Recorder.
type RecordedRequest struct {
	Method      string
	Path        string
	ContentType string
	Body        []byte
}

// Recorder is an httptest server that records every request and answers
// with a fixed status.
type Recorder struct {
	*httptest.Server

	mu       sync.Mutex
	status   int
	requests []RecordedRequest
}

// NewRecorder starts a Recorder closed via t.Cleanup.
func NewRecorder(t testing.TB, status int) *Recorder {
	t.Helper()

	rec := &Recorder{status: status}
	rec.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.requests = append(rec.requests, RecordedRequest{
			Method:      r.Method,
			Path:        r.URL.Path,
			ContentType: r.Header.Get("Content-Type"),
			Body:        body,
		})
		code := rec.status
		rec.mu.Unlock()
		w.WriteHeader(code)
	}))
	t.Cleanup(rec.Close)
	return rec
}

// SetStatus changes the status returned for subsequent requests.
func (r *Recorder) SetStatus(status int) {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
}

// Requests returns a copy of the captured requests.
func (r *Recorder) Requests() []RecordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedRequest, len(r.requests))
	copy(out, r.requests)
	return out
}
