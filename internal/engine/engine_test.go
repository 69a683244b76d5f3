package engine_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-dl/drover/internal/engine"
	"github.com/drover-dl/drover/internal/logging"
	"github.com/drover-dl/drover/internal/netenv"
	"github.com/drover-dl/drover/internal/request"
	"github.com/drover-dl/drover/internal/store"
	"github.com/drover-dl/drover/internal/testutil"
)

type fixture struct {
	eng *engine.Engine
	env *netenv.Static

	downloadDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	env := netenv.NewStatic()

	eng, err := engine.New(engine.Options{
		StateDir:      filepath.Join(base, "state"),
		DownloadDir:   filepath.Join(base, "downloads"),
		CacheDir:      filepath.Join(base, "cache"),
		MaxConcurrent: 3,
		Env:           env,
		Log:           logging.Discard(),
		Seed:          1,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("engine did not stop")
		}
		eng.Close()
	})

	return &fixture{eng: eng, env: env, downloadDir: filepath.Join(base, "downloads")}
}

func waitStatus(t *testing.T, eng *engine.Engine, id int64, want request.Status) *request.Request {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var last request.Status
	for time.Now().Before(deadline) {
		r, err := eng.Get(id)
		if err == nil {
			last = r.Status
			if r.Status == want {
				return r
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("status never reached %v (last %v)", want, last)
	return nil
}

func TestSubmitDownloadsToCompletion(t *testing.T) {
	f := newFixture(t)
	origin := testutil.NewOrigin(t)
	body := make([]byte, 16*1024)
	for i := range body {
		body[i] = byte(i)
	}
	origin.Serve("/data.bin", testutil.File{Body: body, ETag: `"v1"`})

	id, err := f.eng.Submit(request.New(origin.URL("/data.bin")))
	require.NoError(t, err)

	r := waitStatus(t, f.eng, id, request.StatusSuccess)
	assert.Equal(t, int64(len(body)), r.CurrentBytes)
	assert.Equal(t, int64(len(body)), r.TotalBytes)
	assert.Equal(t, 0, r.NumFailed)

	got, err := os.ReadFile(r.FilePath)
	require.NoError(t, err)
	assert.Equal(t, body, got)
	assert.Equal(t, f.downloadDir, filepath.Dir(r.FilePath))
}

func TestSubmitRejectsBadScheme(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.Submit(request.New("ftp://example.com/f"))
	assert.Error(t, err)
}

func TestMeteredDeferThenWifi(t *testing.T) {
	f := newFixture(t)
	origin := testutil.NewOrigin(t)
	origin.Serve("/data.bin", testutil.File{Body: make([]byte, 2048)})

	f.env.SetNetwork(netenv.Snapshot{
		Connected: true,
		Kind:      netenv.KindMobile,
		Metered:   true,
		Charging:  true,
		Idle:      true,
	})

	r := request.New(origin.URL("/data.bin"))
	r.AllowMetered = false
	id, err := f.eng.Submit(r)
	require.NoError(t, err)

	waitStatus(t, f.eng, id, request.StatusQueuedForWifi)

	f.env.SetNetwork(netenv.Snapshot{
		Connected: true,
		Kind:      netenv.KindWifi,
		Charging:  true,
		Idle:      true,
	})
	f.eng.Poke()

	waitStatus(t, f.eng, id, request.StatusSuccess)
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t)
	origin := testutil.NewOrigin(t)
	origin.Serve("/slow.bin", testutil.File{
		Body:       make([]byte, 256*1024),
		ETag:       `"v1"`,
		ChunkSize:  4 * 1024,
		ChunkDelay: 10 * time.Millisecond,
	})

	id, err := f.eng.Submit(request.New(origin.URL("/slow.bin")))
	require.NoError(t, err)

	waitStatus(t, f.eng, id, request.StatusRunning)
	require.NoError(t, f.eng.Pause(id))
	r := waitStatus(t, f.eng, id, request.StatusPausedByApp)
	assert.Less(t, r.CurrentBytes, int64(256*1024))

	require.NoError(t, f.eng.Resume(id))
	r = waitStatus(t, f.eng, id, request.StatusSuccess)
	assert.Equal(t, int64(256*1024), r.CurrentBytes)
}

func TestCancelRemovesRowAndFile(t *testing.T) {
	f := newFixture(t)
	origin := testutil.NewOrigin(t)
	origin.Serve("/slow.bin", testutil.File{
		Body:       make([]byte, 256*1024),
		ChunkSize:  4 * 1024,
		ChunkDelay: 10 * time.Millisecond,
	})

	id, err := f.eng.Submit(request.New(origin.URL("/slow.bin")))
	require.NoError(t, err)

	r := waitStatus(t, f.eng, id, request.StatusRunning)
	require.NoError(t, f.eng.Cancel(id))

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := f.eng.Get(id); err == store.ErrNotFound {
			if r.FilePath != "" {
				_, statErr := os.Stat(r.FilePath)
				assert.True(t, os.IsNotExist(statErr))
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("canceled row never purged")
}

func TestQueryFilters(t *testing.T) {
	f := newFixture(t)
	origin := testutil.NewOrigin(t)
	origin.Serve("/a", testutil.File{Body: make([]byte, 128)})

	ra := request.New(origin.URL("/a"))
	ra.Owner = "alice"
	ida, err := f.eng.Submit(ra)
	require.NoError(t, err)

	rb := request.New(origin.URL("/a"))
	rb.Owner = "bob"
	_, err = f.eng.Submit(rb)
	require.NoError(t, err)

	waitStatus(t, f.eng, ida, request.StatusSuccess)

	rows, err := f.eng.Query(engine.Filter{Owner: "alice"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ida, rows[0].ID)

	rows, err = f.eng.Query(engine.Filter{IDs: []int64{ida}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestOpenCompletedFile(t *testing.T) {
	f := newFixture(t)
	origin := testutil.NewOrigin(t)
	body := []byte("hello drover")
	origin.Serve("/hello.txt", testutil.File{Body: body, ContentType: "text/plain"})

	id, err := f.eng.Submit(request.New(origin.URL("/hello.txt")))
	require.NoError(t, err)
	waitStatus(t, f.eng, id, request.StatusSuccess)

	rc, err := f.eng.Open(id)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestOpenRefusesIncomplete(t *testing.T) {
	f := newFixture(t)
	origin := testutil.NewOrigin(t)
	origin.Serve("/slow.bin", testutil.File{
		Body:       make([]byte, 256*1024),
		ChunkSize:  4 * 1024,
		ChunkDelay: 10 * time.Millisecond,
	})

	id, err := f.eng.Submit(request.New(origin.URL("/slow.bin")))
	require.NoError(t, err)
	waitStatus(t, f.eng, id, request.StatusRunning)

	_, err = f.eng.Open(id)
	assert.Error(t, err)
}

func TestNotifyMediaMountedRequeues(t *testing.T) {
	f := newFixture(t)
	origin := testutil.NewOrigin(t)
	origin.Serve("/f.bin", testutil.File{Body: make([]byte, 512), ETag: `"v1"`})

	id, err := f.eng.Submit(request.New(origin.URL("/f.bin")))
	require.NoError(t, err)
	waitStatus(t, f.eng, id, request.StatusSuccess)

	// Park the row as if its volume had gone away, then mount it back.
	parked := request.StatusDeviceNotFound
	require.NoError(t, f.eng.Store().Update(id, store.Patch{Status: &parked}))
	require.NoError(t, f.eng.NotifyMediaMounted())

	waitStatus(t, f.eng, id, request.StatusSuccess)
}
