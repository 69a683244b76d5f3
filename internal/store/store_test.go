package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-dl/drover/internal/request"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sample() *request.Request {
	r := request.New("http://example.com/f.bin")
	r.Owner = "tester"
	r.HintName = "f.bin"
	r.Headers = []request.Header{
		{Position: 0, Name: "X-One", Value: "1"},
		{Position: 1, Name: "X-Two", Value: "2"},
	}
	return r
}

func TestInsertGetRoundTrip(t *testing.T) {
	s := openStore(t)

	id, err := s.Insert(sample())
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/f.bin", got.SourceURI)
	assert.Equal(t, "tester", got.Owner)
	assert.Equal(t, request.StatusPending, got.Status)
	assert.Equal(t, int64(-1), got.TotalBytes)
	assert.True(t, got.AllowMetered)
	require.Len(t, got.Headers, 2)
	assert.Equal(t, "X-One", got.Headers[0].Name)
	assert.Equal(t, "X-Two", got.Headers[1].Name)
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)
	_, err := s.Get(42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateReadYourWrites(t *testing.T) {
	s := openStore(t)
	id, err := s.Insert(sample())
	require.NoError(t, err)

	running := request.StatusRunning
	bytes := int64(1234)
	etag := `"v1"`
	now := time.Now().Truncate(time.Millisecond)
	require.NoError(t, s.Update(id, Patch{
		Status:       &running,
		CurrentBytes: &bytes,
		ETag:         &etag,
		LastModified: &now,
	}))

	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, request.StatusRunning, got.Status)
	assert.Equal(t, int64(1234), got.CurrentBytes)
	assert.Equal(t, `"v1"`, got.ETag)
	assert.Equal(t, now.UnixMilli(), got.LastModified.UnixMilli())
}

func TestUpdateMissingRow(t *testing.T) {
	s := openStore(t)
	running := request.StatusRunning
	err := s.Update(99, Patch{Status: &running})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEmptyPatchIsNoop(t *testing.T) {
	s := openStore(t)
	id, err := s.Insert(sample())
	require.NoError(t, err)
	assert.NoError(t, s.Update(id, Patch{}))
}

func TestListActiveExcludesTombstones(t *testing.T) {
	s := openStore(t)
	a, err := s.Insert(sample())
	require.NoError(t, err)
	b, err := s.Insert(sample())
	require.NoError(t, err)

	deleted := true
	require.NoError(t, s.Update(a, Patch{Deleted: &deleted}))

	active, err := s.ListActive()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, b, active[0].ID)

	tombstoned, err := s.ListDeleted()
	require.NoError(t, err)
	require.Len(t, tombstoned, 1)
	assert.Equal(t, a, tombstoned[0].ID)

	all, err := s.ListAll()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestListOrderedByID(t *testing.T) {
	s := openStore(t)
	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := s.Insert(sample())
		require.NoError(t, err)
		ids = append(ids, id)
	}
	rows, err := s.ListActive()
	require.NoError(t, err)
	require.Len(t, rows, 5)
	for i, r := range rows {
		assert.Equal(t, ids[i], r.ID)
	}
}

func TestDeleteCascadesHeaders(t *testing.T) {
	s := openStore(t)
	id, err := s.Insert(sample())
	require.NoError(t, err)

	require.NoError(t, s.Delete(id))

	_, err = s.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)

	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM headers WHERE download_id = ?", id).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestSubscribeCoalesces(t *testing.T) {
	s := openStore(t)
	ch := s.Subscribe()

	// Several writes while nobody drains collapse into one pending signal.
	for i := 0; i < 3; i++ {
		_, err := s.Insert(sample())
		require.NoError(t, err)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a change notification")
	}

	select {
	case <-ch:
		t.Fatal("expected coalesced notifications")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeFiresOnUpdateAndDelete(t *testing.T) {
	s := openStore(t)
	id, err := s.Insert(sample())
	require.NoError(t, err)

	ch := s.Subscribe()
	running := request.StatusRunning
	require.NoError(t, s.Update(id, Patch{Status: &running}))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a change notification for update")
	}

	require.NoError(t, s.Delete(id))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a change notification for delete")
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	id, err := s.Insert(sample())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/f.bin", got.SourceURI)
}
