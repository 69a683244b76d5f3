// Package worker executes a single HTTP attempt for one request: destination
// setup, resume headers, redirect resolution, streaming with throttled
// progress writes, and the final status write back to the store. A worker
// never reaches past its capabilities; the scheduler owns its lifetime
// through the Stop token.
package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/drover-dl/drover/internal/events"
	"github.com/drover-dl/drover/internal/names"
	"github.com/drover-dl/drover/internal/netenv"
	"github.com/drover-dl/drover/internal/policy"
	"github.com/drover-dl/drover/internal/request"
	"github.com/drover-dl/drover/internal/space"
	"github.com/drover-dl/drover/internal/store"
)

// Deps are the capabilities one worker runs against. Everything is injected
// so tests can script the client and freeze the environment.
type Deps struct {
	Store   *store.Store
	Env     netenv.Env
	Policy  *policy.Policy
	Names   *names.Allocator
	Space   *space.Manager
	Client  HTTPClient
	Limiter *rate.Limiter // nil means unshaped
	Events  chan<- events.SpeedMsg
	Log     *slog.Logger

	UserAgent string

	// DestDirFor maps a destination class to the directory new files are
	// allocated in. Unused for pre-declared file paths.
	DestDirFor func(request.Destination) string
}

// stopError carries the status an attempt ends with. It is the only error
// kind execute returns for expected outcomes; anything else maps to
// StatusUnknownError.
type stopError struct {
	status       request.Status
	countFailure bool
	retryAfterMS int64
	msg          string
	cause        error
}

func (e *stopError) Error() string {
	s := "stop [" + e.status.String() + "]"
	if e.msg != "" {
		s += ": " + e.msg
	}
	if e.cause != nil {
		s += ": " + e.cause.Error()
	}
	return s
}

func (e *stopError) Unwrap() error { return e.cause }

func stopf(status request.Status, format string, args ...any) *stopError {
	return &stopError{status: status, msg: fmt.Sprintf(format, args...)}
}

func stopCause(status request.Status, cause error) *stopError {
	return &stopError{status: status, cause: cause}
}

// Worker drives one attempt for one request. It mutates only its private
// snapshot; the store row is written through targeted patches.
type Worker struct {
	deps Deps
	req  *request.Request
	stop *Stop
	rng  *rand.Rand
	log  *slog.Logger

	// url is the current transfer URI; redirects advance it without
	// necessarily touching the persisted source_uri.
	url string

	attemptID string

	// continuing means a partial file is being extended with a ranged
	// request rather than written from scratch.
	continuing bool

	// reclaimed marks that the one mid-stream space reclamation was spent.
	reclaimed bool

	// progress write throttling and speed window, in monotonic time.
	lastUpdateBytes int64
	lastUpdateAt    time.Duration
	speedBytes      int64
	speedAt         time.Duration
	speed           float64
}

// New prepares a worker for one attempt. The snapshot is cloned; the caller's
// copy stays untouched.
func New(deps Deps, r *request.Request, stop *Stop, rng *rand.Rand) *Worker {
	attemptID := uuid.NewString()
	return &Worker{
		deps:      deps,
		req:       r.Clone(),
		stop:      stop,
		rng:       rng,
		url:       r.SourceURI,
		attemptID: attemptID,
		log:       deps.Log.With("id", r.ID, "attempt", attemptID[:8]),
	}
}

// Run executes the attempt to its final status and writes that status to the
// store. It never panics across the goroutine boundary; every failure becomes
// a status.
func (w *Worker) Run() request.Status {
	ceiling := time.AfterFunc(request.AttemptCeiling, func() {
		w.stop.Request(StopShutdown)
	})
	defer ceiling.Stop()

	w.log.Info("attempt started", "uri", w.req.SourceURI, "current", w.req.CurrentBytes)
	started := w.deps.Env.NowMono()

	err := w.execute()

	status := request.StatusSuccess
	var serr *stopError
	switch {
	case err == nil:
	case errors.As(err, &serr):
		status = serr.status
	default:
		w.log.Error("attempt failed unexpectedly", "error", err)
		status = request.StatusUnknownError
	}

	w.finalize(status, serr)
	w.log.Info("attempt finished",
		"status", status.String(),
		"bytes", w.req.CurrentBytes,
		"elapsed", w.deps.Env.NowMono()-started)
	return status
}

// execute runs the redirect loop: at most MaxRedirects internal restarts, one
// transfer. Returns nil only on a completed stream.
func (w *Worker) execute() error {
	if err := w.stopRequested(); err != nil {
		return err
	}
	if err := w.setupDestination(); err != nil {
		return err
	}

	for {
		if err := w.stopRequested(); err != nil {
			return err
		}
		if err := w.checkRunnable(); err != nil {
			return err
		}

		resp, err := w.send()
		if err != nil {
			return err
		}
		redirected, err := w.handleResponse(resp)
		if err != nil || redirected {
			resp.Body.Close()
			if err != nil {
				return err
			}
			continue
		}

		err = w.download(resp)
		resp.Body.Close()
		return err
	}
}

// setupDestination reconciles the snapshot with whatever partial file exists.
// The file length, not the stored current_bytes, is the authoritative count.
func (w *Worker) setupDestination() error {
	if w.req.FilePath == "" {
		w.req.CurrentBytes = 0
		return nil
	}
	info, err := os.Stat(w.req.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			w.req.CurrentBytes = 0
			return nil
		}
		return w.classifyFileError(err)
	}
	if info.Size() == 0 {
		if err := os.Remove(w.req.FilePath); err != nil {
			return w.classifyFileError(err)
		}
		w.req.CurrentBytes = 0
		return nil
	}
	if !w.req.Resumable() {
		os.Remove(w.req.FilePath)
		return stopf(request.StatusCannotResume, "partial file without etag or no-integrity")
	}
	w.req.CurrentBytes = info.Size()
	w.continuing = true
	return nil
}

// stopRequested maps a pending stop to its exit status. Shutdown reschedules
// without counting a failure.
func (w *Worker) stopRequested() error {
	if !w.stop.Requested() {
		return nil
	}
	switch w.stop.Reason() {
	case StopPause:
		return stopf(request.StatusPausedByApp, "paused by user")
	case StopCancel:
		return stopf(request.StatusCanceled, "canceled")
	case StopShutdown:
		return stopf(request.StatusWaitingToRetry, "rescheduled by shutdown")
	case StopNetwork:
		return stopf(request.StatusWaitingForNetwork, "run conditions lost")
	case StopNone:
		return nil
	}
	return nil
}

// checkRunnable re-evaluates policy mid-attempt; after the response headers
// arrive it sees the now-known total_bytes, which can push a large transfer
// onto wifi.
func (w *Worker) checkRunnable() error {
	res := w.deps.Policy.Evaluate(w.req, w.deps.Env.Network(), w.deps.Env.NowWall())
	switch res.Decision {
	case policy.RunNow:
		return nil
	case policy.Pause:
		return stopf(request.StatusPausedByApp, "paused by user")
	case policy.WaitNetwork:
		if res.QueueForWifi {
			return stopf(request.StatusQueuedForWifi, "transfer needs an unmetered network")
		}
		return stopf(request.StatusWaitingForNetwork, "required network unavailable")
	case policy.Defer:
		return stopf(request.StatusWaitingToRetry, "deferred mid-attempt")
	case policy.Skip:
		// The row went terminal under us; the attempt is moot.
		return stopf(request.StatusCanceled, "request already terminal")
	}
	return nil
}

// send issues the GET with the request's headers and, when continuing, the
// resume preconditions.
func (w *Worker) send() (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(w.stop.Context(), http.MethodGet, w.url, nil)
	if err != nil {
		return nil, stopCause(request.StatusHTTPDataError, err)
	}
	for _, h := range w.req.Headers {
		httpReq.Header.Add(h.Name, h.Value)
	}
	if w.req.Cookies != "" {
		httpReq.Header.Add("Cookie", w.req.Cookies)
	}
	if w.req.Referer != "" {
		httpReq.Header.Set("Referer", w.req.Referer)
	}
	ua := w.req.UserAgent
	if ua == "" {
		ua = w.deps.UserAgent
	}
	httpReq.Header.Set("User-Agent", ua)

	if w.continuing {
		if w.req.ETag != "" {
			httpReq.Header.Set("If-Match", w.req.ETag)
		}
		httpReq.Header.Set("Range", "bytes="+strconv.FormatInt(w.req.CurrentBytes, 10)+"-")
	}

	resp, err := w.deps.Client.Do(httpReq)
	if err != nil {
		if serr := w.stopRequested(); serr != nil {
			return nil, serr
		}
		return nil, w.transient(err)
	}
	return resp, nil
}

// transient classifies an I/O failure: network loss parks the request, a
// failure under the retry budget schedules another attempt, and the budget's
// exhaustion goes terminal.
func (w *Worker) transient(cause error) error {
	if !w.deps.Env.Network().Connected {
		return stopCause(request.StatusWaitingForNetwork, cause)
	}
	if w.req.NumFailed < request.MaxRetries-1 {
		return &stopError{status: request.StatusWaitingToRetry, countFailure: true, cause: cause}
	}
	return &stopError{status: request.StatusHTTPDataError, countFailure: true, cause: cause}
}

// handleResponse dispatches on the status code. Returns redirected=true when
// the loop must restart against a new URI.
func (w *Worker) handleResponse(resp *http.Response) (bool, error) {
	if err := w.stopRequested(); err != nil {
		return false, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		if w.continuing {
			return false, stopf(request.StatusCannotResume, "got 200 for a ranged request")
		}
		return false, w.processHeaders(resp)
	case http.StatusPartialContent:
		if !w.continuing {
			return false, stopf(request.StatusUnhandledHTTPCode, "got 206 without a range")
		}
		return false, nil
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
		return true, w.redirect(resp)
	case http.StatusServiceUnavailable:
		if w.req.NumFailed < request.MaxRetries {
			return false, w.serviceUnavailable(resp)
		}
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 600 {
		return false, stopf(request.Status(resp.StatusCode), "origin error")
	}
	return false, stopf(request.StatusUnhandledHTTPCode, "unhandled response code %d", resp.StatusCode)
}

// redirect resolves Location against the current URI and spends one unit of
// the redirect budget. Only permanent forms (301/303) rewrite the persisted
// source_uri.
func (w *Worker) redirect(resp *http.Response) error {
	if w.req.RedirectCount >= request.MaxRedirects {
		return stopf(request.StatusTooManyRedirects, "redirect budget exhausted at %s", w.url)
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return stopf(request.StatusHTTPDataError, "redirect without Location")
	}
	base, err := url.Parse(w.url)
	if err != nil {
		return stopCause(request.StatusHTTPDataError, err)
	}
	target, err := base.Parse(loc)
	if err != nil {
		return stopCause(request.StatusHTTPDataError, err)
	}

	w.req.RedirectCount++
	w.url = target.String()
	w.log.Debug("following redirect", "code", resp.StatusCode, "to", w.url, "count", w.req.RedirectCount)

	patch := store.Patch{RedirectCount: &w.req.RedirectCount}
	if resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusSeeOther {
		w.req.SourceURI = w.url
		patch.SourceURI = &w.req.SourceURI
	}
	if err := w.deps.Store.Update(w.req.ID, patch); err != nil {
		w.log.Debug("failed to persist redirect", "error", err)
	}
	return nil
}

// serviceUnavailable turns a 503 into a scheduled retry honoring Retry-After,
// clamped and lightly fuzzed so a herd of requests does not stampede the
// origin at the same instant.
func (w *Worker) serviceUnavailable(resp *http.Response) error {
	// Integer seconds only; anything else reads as 0 and clamps up.
	secs, _ := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After")))
	if secs < 0 {
		secs = 0
	}
	delay := time.Duration(secs) * time.Second
	if delay < request.MinRetryAfter {
		delay = request.MinRetryAfter
	}
	if delay > request.MaxRetryAfter {
		delay = request.MaxRetryAfter
	}
	delay += time.Duration(w.rng.Intn(1000)) * time.Millisecond
	return &stopError{
		status:       request.StatusWaitingToRetry,
		countFailure: true,
		retryAfterMS: delay.Milliseconds(),
		msg:          "service unavailable",
	}
}

// processHeaders captures the response metadata on a fresh 200, allocates the
// destination on the first attempt, verifies space, and re-checks policy now
// that total_bytes is known.
func (w *Worker) processHeaders(resp *http.Response) error {
	if etag := resp.Header.Get("ETag"); etag != "" {
		w.req.ETag = etag
	}
	// An origin declaring "Accept-Ranges: none" will never honor a ranged
	// resume; dropping the validator keeps a later attempt from issuing one
	// that is doomed to fail.
	if strings.EqualFold(resp.Header.Get("Accept-Ranges"), "none") {
		w.req.ETag = ""
	}
	if w.req.MimeType == "" {
		w.req.MimeType = names.NormalizeMime(resp.Header.Get("Content-Type"))
	}

	chunked := false
	for _, te := range resp.TransferEncoding {
		if strings.EqualFold(te, "chunked") {
			chunked = true
		}
	}
	if !chunked && strings.EqualFold(resp.Header.Get("Transfer-Encoding"), "chunked") {
		chunked = true
	}
	switch {
	case chunked:
		// Chunked framing supersedes any Content-Length.
		w.req.TotalBytes = -1
	case resp.ContentLength >= 0:
		w.req.TotalBytes = resp.ContentLength
	case w.req.NoIntegrity:
		w.req.TotalBytes = -1
	default:
		return stopf(request.StatusHTTPDataError, "no length, no chunked encoding, integrity required")
	}

	if w.req.FilePath == "" {
		path, err := w.deps.Names.Allocate(names.Inputs{
			Dir:                w.deps.DestDirFor(w.req.Destination),
			URL:                w.url,
			Hint:               w.req.HintName,
			ContentDisposition: resp.Header.Get("Content-Disposition"),
			ContentLocation:    resp.Header.Get("Content-Location"),
			MimeType:           w.req.MimeType,
		})
		if err != nil {
			return stopCause(request.StatusFileError, err)
		}
		w.req.FilePath = path
	}
	w.req.CurrentBytes = 0

	if w.req.TotalBytes >= 0 {
		err := w.deps.Space.EnsureFree(w.stop.Context(), w.req.FilePath, w.req.TotalBytes)
		if errors.Is(err, space.ErrInsufficientSpace) {
			return stopCause(request.StatusInsufficientSpace, err)
		}
		if err != nil {
			return stopCause(request.StatusFileError, err)
		}
	}

	zero := int64(0)
	patch := store.Patch{
		FilePath:     &w.req.FilePath,
		MimeType:     &w.req.MimeType,
		ETag:         &w.req.ETag,
		TotalBytes:   &w.req.TotalBytes,
		CurrentBytes: &zero,
	}
	if err := w.deps.Store.Update(w.req.ID, patch); err != nil {
		w.log.Debug("failed to persist response metadata", "error", err)
	}

	return w.checkRunnable()
}

// finalize writes the attempt outcome. Failed terminal statuses also discard
// the partial file; a file that cannot be finished is worthless.
func (w *Worker) finalize(status request.Status, serr *stopError) {
	if status.Failed() && w.req.FilePath != "" {
		if err := os.Remove(w.req.FilePath); err != nil && !os.IsNotExist(err) {
			w.log.Debug("failed to remove partial file", "path", w.req.FilePath, "error", err)
		}
	}

	now := w.deps.Env.NowWall()
	patch := store.Patch{
		Status:        &status,
		CurrentBytes:  &w.req.CurrentBytes,
		TotalBytes:    &w.req.TotalBytes,
		LastModified:  &now,
		RedirectCount: &w.req.RedirectCount,
	}
	if status == request.StatusSuccess {
		// A completed transfer wipes the failure history.
		zeroFails := 0
		var zeroRetryAfter int64
		patch.NumFailed = &zeroFails
		patch.RetryAfterMS = &zeroRetryAfter
		patch.ETag = &w.req.ETag
		patch.MimeType = &w.req.MimeType
	}
	if serr != nil && serr.countFailure {
		failed := w.req.NumFailed + 1
		patch.NumFailed = &failed
		patch.RetryAfterMS = &serr.retryAfterMS
	}

	if err := w.deps.Store.Update(w.req.ID, patch); err != nil && !errors.Is(err, store.ErrNotFound) {
		w.log.Error("failed to write final status", "status", status.String(), "error", err)
	}
}
