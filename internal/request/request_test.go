package request

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusWaitingToRetry.Terminal())
	assert.False(t, StatusDeviceNotFound.Terminal())
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusCanceled.Terminal())
	assert.True(t, Status(404).Terminal())
	assert.True(t, Status(503).Terminal())
}

func TestStatusWaiting(t *testing.T) {
	assert.True(t, StatusPausedByApp.Waiting())
	assert.True(t, StatusWaitingToRetry.Waiting())
	assert.True(t, StatusQueuedForWifi.Waiting())
	assert.False(t, StatusRunning.Waiting())
	assert.False(t, StatusSuccess.Waiting())
	assert.False(t, Status(404).Waiting())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "pending", StatusPending.String())
	assert.Equal(t, "success", StatusSuccess.String())
	assert.Equal(t, "http_404", Status(404).String())
}

func TestResumable(t *testing.T) {
	r := New("http://example.com/f")
	assert.False(t, r.Resumable())

	r.ETag = `"v1"`
	assert.True(t, r.Resumable())

	r.ETag = ""
	r.NoIntegrity = true
	assert.True(t, r.Resumable())
}

func TestNewDefaults(t *testing.T) {
	r := New("http://example.com/f")
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, ControlRun, r.Control)
	assert.Equal(t, int64(-1), r.TotalBytes)
	assert.Equal(t, NetworkAll, r.AllowedNetworkTypes)
	assert.True(t, r.AllowMetered)
	assert.True(t, r.AllowRoaming)
	assert.True(t, r.Visible())
	assert.False(t, r.NotifyOnComplete())
}

func TestVisibility(t *testing.T) {
	r := New("http://example.com/f")
	r.Visibility = VisibilityVisibleNotifyCompleteOnly
	assert.False(t, r.Visible())
	assert.True(t, r.NotifyOnComplete())

	r.Visibility = VisibilityVisibleNotifyComplete
	assert.True(t, r.Visible())
	assert.True(t, r.NotifyOnComplete())
}

func TestCloneIsolatesHeaders(t *testing.T) {
	r := New("http://example.com/f")
	r.Headers = []Header{{Position: 0, Name: "X-A", Value: "1"}}
	c := r.Clone()
	c.Headers[0].Value = "2"
	assert.Equal(t, "1", r.Headers[0].Value)
}

func TestDestinationCacheClass(t *testing.T) {
	assert.True(t, DestCache.CacheClass())
	assert.True(t, DestSystemCache.CacheClass())
	assert.False(t, DestExternal.CacheClass())
	assert.False(t, DestFileURI.CacheClass())
}
