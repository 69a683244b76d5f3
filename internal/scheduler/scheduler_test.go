package scheduler_test

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-dl/drover/internal/logging"
	"github.com/drover-dl/drover/internal/names"
	"github.com/drover-dl/drover/internal/netenv"
	"github.com/drover-dl/drover/internal/policy"
	"github.com/drover-dl/drover/internal/request"
	"github.com/drover-dl/drover/internal/scheduler"
	"github.com/drover-dl/drover/internal/space"
	"github.com/drover-dl/drover/internal/store"
	"github.com/drover-dl/drover/internal/testutil"
	"github.com/drover-dl/drover/internal/worker"
)

type harness struct {
	store *store.Store
	env   *netenv.Static
	deps  worker.Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	base := t.TempDir()
	downloadDir := filepath.Join(base, "downloads")
	require.NoError(t, os.MkdirAll(downloadDir, 0755))

	st, err := store.Open(filepath.Join(base, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	env := netenv.NewStatic()
	return &harness{
		store: st,
		env:   env,
		deps: worker.Deps{
			Store:      st,
			Env:        env,
			Policy:     policy.New(1),
			Names:      names.New(filepath.Join(base, "names.lock"), rand.New(rand.NewSource(1))),
			Space:      space.NewManager(filepath.Join(base, "cache"), nil, logging.Discard()),
			Client:     worker.NewClient(),
			Log:        logging.Discard(),
			UserAgent:  "drover-test",
			DestDirFor: func(request.Destination) string { return downloadDir },
		},
	}
}

func (h *harness) runScheduler(t *testing.T, maxConcurrent int) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := scheduler.New(h.deps, maxConcurrent, rand.New(rand.NewSource(1)))
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
	return cancel
}

func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func (h *harness) status(t *testing.T, id int64) request.Status {
	t.Helper()
	r, err := h.store.Get(id)
	require.NoError(t, err)
	return r.Status
}

func TestRunsSubmittedDownload(t *testing.T) {
	h := newHarness(t)
	origin := testutil.NewOrigin(t)
	origin.Serve("/f.bin", testutil.File{Body: make([]byte, 4096), ETag: `"v1"`})

	h.runScheduler(t, 2)

	id, err := h.store.Insert(request.New(origin.URL("/f.bin")))
	require.NoError(t, err)

	waitFor(t, 5*time.Second, "download completion", func() bool {
		return h.status(t, id) == request.StatusSuccess
	})
}

func TestConcurrencyCap(t *testing.T) {
	h := newHarness(t)
	origin := testutil.NewOrigin(t)
	origin.Serve("/slow.bin", testutil.File{
		Body:       make([]byte, 64*1024),
		ETag:       `"v1"`,
		ChunkSize:  4 * 1024,
		ChunkDelay: 10 * time.Millisecond,
	})

	h.runScheduler(t, 2)

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := h.store.Insert(request.New(origin.URL("/slow.bin")))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Sample the store while transfers run: never more than 2 Running.
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		rows, err := h.store.ListActive()
		require.NoError(t, err)
		running, success := 0, 0
		for _, r := range rows {
			if r.Status == request.StatusRunning {
				running++
			}
			if r.Status == request.StatusSuccess {
				success++
			}
		}
		assert.LessOrEqual(t, running, 2)
		if success == len(ids) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("downloads did not finish")
}

func TestPauseStopsRunningWorker(t *testing.T) {
	h := newHarness(t)
	origin := testutil.NewOrigin(t)
	origin.Serve("/slow.bin", testutil.File{
		Body:       make([]byte, 256*1024),
		ETag:       `"v1"`,
		ChunkSize:  4 * 1024,
		ChunkDelay: 10 * time.Millisecond,
	})

	h.runScheduler(t, 2)

	id, err := h.store.Insert(request.New(origin.URL("/slow.bin")))
	require.NoError(t, err)

	waitFor(t, 5*time.Second, "worker start", func() bool {
		return h.status(t, id) == request.StatusRunning
	})

	paused := request.ControlPaused
	require.NoError(t, h.store.Update(id, store.Patch{Control: &paused}))

	waitFor(t, 5*time.Second, "pause", func() bool {
		return h.status(t, id) == request.StatusPausedByApp
	})

	// Resume picks the transfer back up and finishes it.
	run := request.ControlRun
	pending := request.StatusPending
	require.NoError(t, h.store.Update(id, store.Patch{Control: &run, Status: &pending}))

	waitFor(t, 15*time.Second, "completion after resume", func() bool {
		return h.status(t, id) == request.StatusSuccess
	})
}

func TestDeleteCancelsAndPurges(t *testing.T) {
	h := newHarness(t)
	origin := testutil.NewOrigin(t)
	origin.Serve("/slow.bin", testutil.File{
		Body:       make([]byte, 256*1024),
		ChunkSize:  4 * 1024,
		ChunkDelay: 10 * time.Millisecond,
	})

	h.runScheduler(t, 2)

	id, err := h.store.Insert(request.New(origin.URL("/slow.bin")))
	require.NoError(t, err)

	waitFor(t, 5*time.Second, "worker start", func() bool {
		return h.status(t, id) == request.StatusRunning
	})

	deleted := true
	require.NoError(t, h.store.Update(id, store.Patch{Deleted: &deleted}))

	waitFor(t, 10*time.Second, "row purge", func() bool {
		_, err := h.store.Get(id)
		return err == store.ErrNotFound
	})
}

func TestStartupRecovery(t *testing.T) {
	h := newHarness(t)
	origin := testutil.NewOrigin(t)
	origin.Serve("/f.bin", testutil.File{Body: make([]byte, 2048), ETag: `"v1"`})

	// A row stranded in Running by a crash.
	r := request.New(origin.URL("/f.bin"))
	r.Status = request.StatusRunning
	id, err := h.store.Insert(r)
	require.NoError(t, err)

	h.runScheduler(t, 2)

	waitFor(t, 5*time.Second, "recovered download", func() bool {
		return h.status(t, id) == request.StatusSuccess
	})
}

func TestWaitNetworkParksRequest(t *testing.T) {
	h := newHarness(t)
	origin := testutil.NewOrigin(t)
	origin.Serve("/f.bin", testutil.File{Body: make([]byte, 2048)})

	h.env.SetNetwork(netenv.Snapshot{
		Connected: true,
		Kind:      netenv.KindMobile,
		Metered:   true,
		Charging:  true,
		Idle:      true,
	})

	sched := scheduler.New(h.deps, 2, rand.New(rand.NewSource(1)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	r := request.New(origin.URL("/f.bin"))
	r.AllowMetered = false
	id, err := h.store.Insert(r)
	require.NoError(t, err)

	waitFor(t, 5*time.Second, "queued for wifi", func() bool {
		return h.status(t, id) == request.StatusQueuedForWifi
	})

	// Wifi comes back; the request runs without any store write.
	h.env.SetNetwork(netenv.Snapshot{
		Connected: true,
		Kind:      netenv.KindWifi,
		Charging:  true,
		Idle:      true,
	})
	sched.Poke()

	waitFor(t, 5*time.Second, "completion on wifi", func() bool {
		return h.status(t, id) == request.StatusSuccess
	})
}

func TestRetryTimerFires(t *testing.T) {
	h := newHarness(t)
	origin := testutil.NewOrigin(t)
	origin.Serve("/f.bin", testutil.File{Body: make([]byte, 512), ETag: `"v1"`})

	h.runScheduler(t, 2)

	// A retry whose backoff has already elapsed runs immediately.
	r := request.New(origin.URL("/f.bin"))
	r.Status = request.StatusWaitingToRetry
	r.NumFailed = 1
	r.LastModified = time.Now().Add(-time.Hour)
	id, err := h.store.Insert(r)
	require.NoError(t, err)

	waitFor(t, 5*time.Second, "retry to run", func() bool {
		return h.status(t, id) == request.StatusSuccess
	})
}

func TestWakeTimerResumesPendingRetry(t *testing.T) {
	h := newHarness(t)
	origin := testutil.NewOrigin(t)
	origin.Serve("/f.bin", testutil.File{Body: make([]byte, 512), ETag: `"v1"`})

	h.runScheduler(t, 2)

	// Backoff still pending: the loop must park the row, arm the wake timer,
	// and dispatch only after it fires.
	r := request.New(origin.URL("/f.bin"))
	r.Status = request.StatusWaitingToRetry
	r.NumFailed = 1
	r.RetryAfterMS = 300
	r.LastModified = time.Now()
	id, err := h.store.Insert(r)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.NotEqual(t, request.StatusSuccess, h.status(t, id))

	waitFor(t, 5*time.Second, "timer-driven retry", func() bool {
		return h.status(t, id) == request.StatusSuccess
	})
}
