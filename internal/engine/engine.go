// Package engine assembles the download manager: store, scheduler, workers,
// notifier and reaper behind one library-level API. Hosts construct one
// Engine at startup; tests construct one per case with fakes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/drover-dl/drover/internal/events"
	"github.com/drover-dl/drover/internal/names"
	"github.com/drover-dl/drover/internal/netenv"
	"github.com/drover-dl/drover/internal/notify"
	"github.com/drover-dl/drover/internal/policy"
	"github.com/drover-dl/drover/internal/reaper"
	"github.com/drover-dl/drover/internal/request"
	"github.com/drover-dl/drover/internal/scheduler"
	"github.com/drover-dl/drover/internal/space"
	"github.com/drover-dl/drover/internal/store"
	"github.com/drover-dl/drover/internal/worker"
)

// reapInterval paces the built-in janitor when the host has no idle trigger.
const reapInterval = time.Hour

// Options configure one engine instance. Zero values fall back to sane
// defaults; Env and Client are swappable for tests.
type Options struct {
	StateDir    string
	DownloadDir string
	CacheDir    string

	MaxConcurrent  int
	UserAgent      string
	BandwidthLimit int64 // bytes/sec; 0 means unshaped

	Env    netenv.Env
	Client worker.HTTPClient
	Log    *slog.Logger

	// Seed drives backoff jitter and name-collision probing; tests pin it.
	Seed int64

	// Updates receives events.Update / events.UpdateRemoved for the
	// rendering surface; nil discards them.
	Updates chan<- any

	// FreeCache is the host capability for evicting foreign caches.
	FreeCache space.FreeCacheFunc
}

// Engine is the aggregate. All public methods are safe for concurrent use.
type Engine struct {
	opts  Options
	store *store.Store
	sched *scheduler.Scheduler
	notif *notify.Notifier
	reap  *reaper.Reaper
	log   *slog.Logger

	speedCh chan events.SpeedMsg

	mu     sync.Mutex
	closed bool
}

// New opens the store and wires every component. Close releases the store.
func New(opts Options) (*Engine, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Env == nil {
		opts.Env = netenv.NewSystem()
	}
	if opts.Client == nil {
		opts.Client = worker.NewClient()
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Drover/1.0"
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	for _, dir := range []string{opts.StateDir, opts.DownloadDir, opts.CacheDir} {
		if dir == "" {
			return nil, errors.New("engine: state, download and cache dirs are required")
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	st, err := store.Open(filepath.Join(opts.StateDir, "downloads.db"))
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	spaceMgr := space.NewManager(opts.CacheDir, opts.FreeCache, opts.Log)
	alloc := names.New(filepath.Join(opts.StateDir, "names.lock"), rand.New(rand.NewSource(rng.Int63())))

	var limiter *rate.Limiter
	if opts.BandwidthLimit > 0 {
		burst := int(opts.BandwidthLimit)
		if burst < 4*request.BufferSize {
			burst = 4 * request.BufferSize
		}
		limiter = rate.NewLimiter(rate.Limit(opts.BandwidthLimit), burst)
	}

	e := &Engine{
		opts:    opts,
		store:   st,
		log:     opts.Log,
		speedCh: make(chan events.SpeedMsg, 64),
	}

	deps := worker.Deps{
		Store:      st,
		Env:        opts.Env,
		Policy:     policy.New(uint64(opts.Seed)),
		Names:      alloc,
		Space:      spaceMgr,
		Client:     opts.Client,
		Limiter:    limiter,
		Events:     e.speedCh,
		Log:        opts.Log,
		UserAgent:  opts.UserAgent,
		DestDirFor: e.destDir,
	}

	e.sched = scheduler.New(deps, opts.MaxConcurrent, rng)
	e.notif = notify.New(st, opts.Env, opts.Updates, opts.Log)
	e.reap = reaper.New(st, []string{opts.DownloadDir, opts.CacheDir}, 0, opts.Log)
	return e, nil
}

// destDir maps a destination class to the directory new files land in.
func (e *Engine) destDir(d request.Destination) string {
	switch d {
	case request.DestCache, request.DestCachePurgeable, request.DestCacheNoRoaming, request.DestSystemCache:
		return e.opts.CacheDir
	case request.DestExternal, request.DestExternalAdded, request.DestFileURI:
		return e.opts.DownloadDir
	}
	return e.opts.DownloadDir
}

// Run drives the scheduler, notifier and reaper until the context ends.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		e.sched.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		e.notif.Run(ctx, e.speedCh)
	}()
	go func() {
		defer wg.Done()
		e.reap.Run(ctx, reapInterval)
	}()
	wg.Wait()
	return ctx.Err()
}

// Close releases the store. Run must have returned first.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.store.Close()
}

// Store exposes the underlying store for hosts that surface raw rows.
func (e *Engine) Store() *store.Store { return e.store }

// Submit validates and persists a new request; the scheduler picks it up
// through the store change notification.
func (e *Engine) Submit(r *request.Request) (int64, error) {
	u, err := url.Parse(r.SourceURI)
	if err != nil {
		return 0, fmt.Errorf("invalid source uri: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return 0, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if r.Destination == request.DestFileURI && r.FilePath == "" {
		return 0, errors.New("file-uri destination requires a file path")
	}

	r = r.Clone()
	r.Status = request.StatusPending
	r.Control = request.ControlRun
	if r.TotalBytes == 0 {
		r.TotalBytes = -1
	}
	if r.AllowedNetworkTypes == 0 {
		r.AllowedNetworkTypes = request.NetworkAll
	}
	r.CurrentBytes = 0
	r.NumFailed = 0
	r.RedirectCount = 0
	r.Deleted = false
	r.LastModified = e.opts.Env.NowWall()

	id, err := e.store.Insert(r)
	if err != nil {
		return 0, err
	}
	e.log.Info("download submitted", "id", id, "uri", r.SourceURI)
	return id, nil
}

// Pause records the paused intent; the running worker, if any, stops at its
// next checkpoint. Bytes and etag survive untouched.
func (e *Engine) Pause(id int64) error {
	paused := request.ControlPaused
	return e.store.Update(id, store.Patch{Control: &paused})
}

// Resume clears the paused intent and requeues the row.
func (e *Engine) Resume(id int64) error {
	r, err := e.store.Get(id)
	if err != nil {
		return err
	}
	run := request.ControlRun
	patch := store.Patch{Control: &run}
	if r.Status == request.StatusPausedByApp {
		pending := request.StatusPending
		patch.Status = &pending
	}
	return e.store.Update(id, patch)
}

// Cancel tombstones the row. The scheduler cancels any worker, removes the
// file and purges the row.
func (e *Engine) Cancel(id int64) error {
	deleted := true
	return e.store.Update(id, store.Patch{Deleted: &deleted})
}

// Filter narrows Query results; zero fields match everything.
type Filter struct {
	IDs      []int64
	Owner    string
	Statuses []request.Status
}

func (f Filter) match(r *request.Request) bool {
	if len(f.IDs) > 0 {
		ok := false
		for _, id := range f.IDs {
			if id == r.ID {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Owner != "" && f.Owner != r.Owner {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if s == r.Status {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Query returns live snapshots matching the filter, ordered by id.
func (e *Engine) Query(f Filter) ([]*request.Request, error) {
	rows, err := e.store.ListActive()
	if err != nil {
		return nil, err
	}
	out := rows[:0:0]
	for _, r := range rows {
		if f.match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Get returns one live snapshot.
func (e *Engine) Get(id int64) (*request.Request, error) {
	r, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if r.Deleted {
		return nil, store.ErrNotFound
	}
	return r, nil
}

// Open returns a reader over a completed download's file.
func (e *Engine) Open(id int64) (io.ReadCloser, error) {
	r, err := e.Get(id)
	if err != nil {
		return nil, err
	}
	if !r.Status.Succeeded() {
		return nil, fmt.Errorf("download %d is %s, not complete", id, r.Status.String())
	}
	if r.FilePath == "" {
		return nil, fmt.Errorf("download %d has no file", id)
	}
	return os.Open(r.FilePath)
}

// NotifyMediaMounted requeues rows parked on a missing volume and wakes the
// scheduler.
func (e *Engine) NotifyMediaMounted() error {
	rows, err := e.store.ListActive()
	if err != nil {
		return err
	}
	pending := request.StatusPending
	for _, r := range rows {
		if r.Status != request.StatusDeviceNotFound {
			continue
		}
		if err := e.store.Update(r.ID, store.Patch{Status: &pending}); err != nil {
			return err
		}
	}
	e.sched.Poke()
	return nil
}

// Poke forces a reconciliation, e.g. after the host fed new connectivity
// conditions into a System env.
func (e *Engine) Poke() { e.sched.Poke() }

// Reap runs one janitor pass outside the built-in interval.
func (e *Engine) Reap(ctx context.Context) error { return e.reap.Reap(ctx) }
