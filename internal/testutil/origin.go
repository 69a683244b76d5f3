// Package testutil provides a scriptable HTTP origin for engine and worker
// tests: ranged responses, ETag preconditions, 503 budgets, redirect chains
// and paced bodies.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// File is one servable resource.
type File struct {
	Body        []byte
	ETag        string
	Disposition string
	ContentType string

	// AcceptRanges sets the Accept-Ranges header verbatim ("none" scripts
	// an origin that refuses resume).
	AcceptRanges string

	// NoLength drops Content-Length so the body goes out chunked.
	NoLength bool

	// ChunkSize/ChunkDelay pace the body so tests can interrupt
	// mid-stream. Zero serves the body in one write.
	ChunkSize  int
	ChunkDelay time.Duration

	// TruncateAt cuts the stream short of the advertised length.
	TruncateAt int
}

type redirectRule struct {
	code int
	to   string
}

// Origin is the scripted server. All scripting methods are safe to call
// while the server is handling requests.
type Origin struct {
	srv *httptest.Server

	mu        sync.Mutex
	files     map[string]File
	redirects map[string]redirectRule
	fail503   map[string]int
	retryHdr  map[string]string
	requests  []*http.Request
}

// NewOrigin starts the server and ties its lifetime to the test.
func NewOrigin(t *testing.T) *Origin {
	t.Helper()
	o := &Origin{
		files:     make(map[string]File),
		redirects: make(map[string]redirectRule),
		fail503:   make(map[string]int),
		retryHdr:  make(map[string]string),
	}
	o.srv = httptest.NewServer(http.HandlerFunc(o.handle))
	t.Cleanup(o.srv.Close)
	return o
}

// URL returns the absolute URL for a scripted path.
func (o *Origin) URL(path string) string { return o.srv.URL + path }

// Serve registers a resource at path.
func (o *Origin) Serve(path string, f File) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files[path] = f
}

// FailWith503 makes the next `times` requests to path answer 503 with the
// given Retry-After value before the real resource is served.
func (o *Origin) FailWith503(path string, times int, retryAfter string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fail503[path] = times
	o.retryHdr[path] = retryAfter
}

// Redirect answers requests for path with a redirect to another path.
func (o *Origin) Redirect(path string, code int, to string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.redirects[path] = redirectRule{code: code, to: to}
}

// Requests returns every request seen so far, in arrival order.
func (o *Origin) Requests() []*http.Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*http.Request, len(o.requests))
	copy(out, o.requests)
	return out
}

// RequestsFor returns the requests whose path matches.
func (o *Origin) RequestsFor(path string) []*http.Request {
	var out []*http.Request
	for _, r := range o.Requests() {
		if r.URL.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (o *Origin) handle(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.requests = append(o.requests, r.Clone(r.Context()))

	if rule, ok := o.redirects[r.URL.Path]; ok {
		o.mu.Unlock()
		w.Header().Set("Location", rule.to)
		w.WriteHeader(rule.code)
		return
	}
	if n := o.fail503[r.URL.Path]; n > 0 {
		o.fail503[r.URL.Path] = n - 1
		hdr := o.retryHdr[r.URL.Path]
		o.mu.Unlock()
		if hdr != "" {
			w.Header().Set("Retry-After", hdr)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	f, ok := o.files[r.URL.Path]
	o.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	if f.ETag != "" {
		if match := r.Header.Get("If-Match"); match != "" && match != f.ETag {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		w.Header().Set("ETag", f.ETag)
	}
	if f.Disposition != "" {
		w.Header().Set("Content-Disposition", f.Disposition)
	}
	if f.AcceptRanges != "" {
		w.Header().Set("Accept-Ranges", f.AcceptRanges)
	}
	if f.ContentType != "" {
		w.Header().Set("Content-Type", f.ContentType)
	}

	body := f.Body
	status := http.StatusOK
	if rng := r.Header.Get("Range"); rng != "" {
		offset, ok := parseRange(rng, int64(len(body)))
		if !ok {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", offset, len(body)-1, len(body)))
		body = body[offset:]
		status = http.StatusPartialContent
	}

	if !f.NoLength {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	}
	w.WriteHeader(status)

	if f.TruncateAt > 0 && f.TruncateAt < len(body) {
		body = body[:f.TruncateAt]
	}

	if f.ChunkSize <= 0 {
		w.Write(body)
		return
	}
	flusher, _ := w.(http.Flusher)
	for len(body) > 0 {
		n := f.ChunkSize
		if n > len(body) {
			n = len(body)
		}
		if _, err := w.Write(body[:n]); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		body = body[n:]
		if f.ChunkDelay > 0 {
			time.Sleep(f.ChunkDelay)
		}
	}
}

// parseRange handles the single form the engine sends: "bytes=N-".
func parseRange(h string, size int64) (int64, bool) {
	h = strings.TrimPrefix(h, "bytes=")
	h = strings.TrimSuffix(h, "-")
	offset, err := strconv.ParseInt(h, 10, 64)
	if err != nil || offset < 0 || offset > size {
		return 0, false
	}
	return offset, true
}
