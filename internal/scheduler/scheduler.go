// Package scheduler owns the in-memory working set: it reconciles the store
// against live workers, starts and stops attempts under the concurrency cap,
// and arms a single wake timer for the earliest deferred request. All
// reconciliation runs on one goroutine; decisions per id are linearizable.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/drover-dl/drover/internal/policy"
	"github.com/drover-dl/drover/internal/request"
	"github.com/drover-dl/drover/internal/store"
	"github.com/drover-dl/drover/internal/worker"
)

// Loop events. Everything that can wake the scheduler arrives on one channel.
type (
	storeChanged struct{}
	timerFired   struct{}
	workerDone   struct {
		id     int64
		status request.Status
	}
)

// slot is the bookkeeping for one live request id.
type slot struct {
	snap       *request.Request
	stop       *worker.Stop
	running    bool
	nextWakeAt time.Time // zero means no timer for this slot
}

// Scheduler reconciles the store with running workers.
type Scheduler struct {
	deps          worker.Deps
	maxConcurrent int
	rng           *rand.Rand
	log           *slog.Logger

	events chan any
	slots  map[int64]*slot
	wg     sync.WaitGroup

	timerMu sync.Mutex
	timer   *time.Timer
}

// New builds a scheduler over the worker dependencies. The rng seeds each
// worker's private source so attempts never contend on one generator.
func New(deps worker.Deps, maxConcurrent int, rng *rand.Rand) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = request.DefaultMaxConcurrent
	}
	return &Scheduler{
		deps:          deps,
		maxConcurrent: maxConcurrent,
		rng:           rng,
		log:           deps.Log.With("component", "scheduler"),
		events:        make(chan any, 64),
		slots:         make(map[int64]*slot),
	}
}

// Run drives the reconciliation loop until the context is canceled, then
// gracefully stops every worker and waits for their final status writes.
func (s *Scheduler) Run(ctx context.Context) error {
	changes := s.deps.Store.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				s.events <- storeChanged{}
			}
		}
	}()

	s.recover()
	s.reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case ev := <-s.events:
			switch ev := ev.(type) {
			case storeChanged:
				s.reconcile(ctx)
			case timerFired:
				s.reconcile(ctx)
			case workerDone:
				if sl, ok := s.slots[ev.id]; ok {
					sl.running = false
					sl.stop = nil
				}
				s.reconcile(ctx)
			}
		}
	}
}

// Poke enqueues a reconciliation from outside the loop, e.g. after a
// connectivity or mount event changed conditions without a store write.
func (s *Scheduler) Poke() {
	select {
	case s.events <- timerFired{}:
	default:
	}
}

// recover repairs rows left Running by a crash; no worker exists for them
// anymore, so they go back to the queue.
func (s *Scheduler) recover() {
	rows, err := s.deps.Store.ListAll()
	if err != nil {
		s.log.Error("startup recovery scan failed", "error", err)
		return
	}
	pending := request.StatusPending
	for _, r := range rows {
		if r.Status == request.StatusRunning {
			if err := s.deps.Store.Update(r.ID, store.Patch{Status: &pending}); err != nil {
				s.log.Error("failed to recover running row", "id", r.ID, "error", err)
			}
		}
	}
}

// reconcile is the single pass: fresh snapshots in, stop signals and worker
// starts out, one wake timer armed at the end.
func (s *Scheduler) reconcile(ctx context.Context) {
	env := s.deps.Env.Network()
	now := s.deps.Env.NowWall()

	s.purgeDeleted()

	active, err := s.deps.Store.ListActive()
	if err != nil {
		s.log.Error("failed to list active rows", "error", err)
		return
	}

	seen := make(map[int64]bool, len(active))
	var candidates []*request.Request

	for _, r := range active {
		seen[r.ID] = true
		sl, ok := s.slots[r.ID]
		if !ok {
			sl = &slot{}
			s.slots[r.ID] = sl
		}
		sl.snap = r
		sl.nextWakeAt = time.Time{}

		res := s.deps.Policy.Evaluate(r, env, now)

		if sl.running {
			// A running worker only needs a signal when the snapshot
			// demands a stop; it writes its own exit status.
			switch res.Decision {
			case policy.Pause:
				sl.stop.Request(worker.StopPause)
			case policy.WaitNetwork:
				sl.stop.Request(worker.StopNetwork)
			case policy.RunNow, policy.Defer, policy.Skip:
			}
			continue
		}

		switch res.Decision {
		case policy.RunNow:
			candidates = append(candidates, r)
		case policy.Defer:
			if res.Delay != policy.Forever {
				sl.nextWakeAt = now.Add(res.Delay)
			}
		case policy.WaitNetwork:
			status := request.StatusWaitingForNetwork
			if res.QueueForWifi {
				status = request.StatusQueuedForWifi
			}
			s.setStatus(r, status)
		case policy.Pause:
			s.setStatus(r, request.StatusPausedByApp)
		case policy.Skip:
		}
	}

	// Rows gone from the store lose their slot; a live worker for one is
	// canceled at its next checkpoint.
	for id, sl := range s.slots {
		if seen[id] {
			continue
		}
		if sl.running {
			sl.stop.Request(worker.StopCancel)
			continue
		}
		delete(s.slots, id)
	}

	s.dispatch(ctx, candidates)
	s.armTimer(now)
}

// purgeDeleted finishes tombstoned rows: cancel any live worker first, then
// remove the file and the row.
func (s *Scheduler) purgeDeleted() {
	deleted, err := s.deps.Store.ListDeleted()
	if err != nil {
		s.log.Error("failed to list deleted rows", "error", err)
		return
	}
	for _, r := range deleted {
		if sl, ok := s.slots[r.ID]; ok && sl.running {
			sl.stop.Request(worker.StopCancel)
			continue
		}
		if r.FilePath != "" {
			if err := os.Remove(r.FilePath); err != nil && !os.IsNotExist(err) {
				s.log.Debug("failed to remove file for deleted row", "path", r.FilePath, "error", err)
			}
		}
		if err := s.deps.Store.Delete(r.ID); err != nil {
			s.log.Error("failed to purge deleted row", "id", r.ID, "error", err)
		}
		delete(s.slots, r.ID)
		s.log.Info("purged download", "id", r.ID)
	}
}

// dispatch starts runnable candidates FIFO by (last_modified, id) while the
// cap allows. A newer candidate never preempts a running worker.
func (s *Scheduler) dispatch(ctx context.Context, candidates []*request.Request) {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.LastModified.Equal(b.LastModified) {
			return a.LastModified.Before(b.LastModified)
		}
		return a.ID < b.ID
	})

	running := 0
	for _, sl := range s.slots {
		if sl.running {
			running++
		}
	}

	for _, r := range candidates {
		if running >= s.maxConcurrent {
			// Over-cap candidates stay queued; a worker completion
			// triggers the next reconciliation.
			if r.Status != request.StatusPending {
				s.setStatus(r, request.StatusPending)
			}
			continue
		}
		s.start(ctx, r)
		running++
	}
}

// start marks the row Running and launches the attempt goroutine. The status
// write lands before the worker exists, so an observer never sees a running
// worker for a non-Running row.
func (s *Scheduler) start(ctx context.Context, r *request.Request) {
	running := request.StatusRunning
	if err := s.deps.Store.Update(r.ID, store.Patch{Status: &running}); err != nil {
		s.log.Error("failed to mark row running", "id", r.ID, "error", err)
		return
	}
	snap := r.Clone()
	snap.Status = request.StatusRunning

	sl := s.slots[r.ID]
	sl.running = true
	sl.stop = worker.NewStop(ctx)
	sl.nextWakeAt = time.Time{}

	w := worker.New(s.deps, snap, sl.stop, rand.New(rand.NewSource(s.rng.Int63())))
	s.wg.Add(1)
	go func(id int64) {
		defer s.wg.Done()
		status := w.Run()
		s.events <- workerDone{id: id, status: status}
	}(r.ID)
}

func (s *Scheduler) setStatus(r *request.Request, status request.Status) {
	if r.Status == status {
		return
	}
	if err := s.deps.Store.Update(r.ID, store.Patch{Status: &status}); err != nil {
		s.log.Error("failed to update status", "id", r.ID, "status", status.String(), "error", err)
	}
}

// armTimer points the single wake timer at the earliest deferred slot.
func (s *Scheduler) armTimer(now time.Time) {
	var earliest time.Time
	for _, sl := range s.slots {
		if sl.nextWakeAt.IsZero() {
			continue
		}
		if earliest.IsZero() || sl.nextWakeAt.Before(earliest) {
			earliest = sl.nextWakeAt
		}
	}

	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if earliest.IsZero() {
		return
	}
	delay := earliest.Sub(now)
	if delay < 0 {
		delay = 0
	}
	s.timer = time.AfterFunc(delay, func() {
		// Non-blocking, like Poke: a full buffer means a pass is already
		// queued, and a blocking send here could strand the timer goroutine
		// past shutdown.
		select {
		case s.events <- timerFired{}:
		default:
		}
	})
}

// shutdown asks every worker to reschedule and waits for their final writes.
// Workers exit WaitingToRetry without spending a retry.
func (s *Scheduler) shutdown() {
	s.timerMu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerMu.Unlock()

	for _, sl := range s.slots {
		if sl.running {
			sl.stop.Request(worker.StopShutdown)
		}
	}

	// Drain completions so worker goroutines never block on the loop
	// channel while we wait.
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-s.events:
		case <-done:
			s.log.Info("scheduler stopped")
			return
		}
	}
}
