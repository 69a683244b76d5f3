package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/drover-dl/drover/internal/netenv"
	"github.com/drover-dl/drover/internal/request"
)

func wifiEnv() netenv.Snapshot {
	return netenv.Snapshot{Connected: true, Kind: netenv.KindWifi, Charging: true, Idle: true}
}

func mobileEnv() netenv.Snapshot {
	return netenv.Snapshot{Connected: true, Kind: netenv.KindMobile, Metered: true, Charging: true, Idle: true}
}

func runnable() *request.Request {
	r := request.New("http://example.com/f.bin")
	r.ID = 1
	return r
}

func TestPausedWinsOverEverything(t *testing.T) {
	p := New(1)
	r := runnable()
	r.Control = request.ControlPaused
	r.Status = request.StatusRunning

	res := p.Evaluate(r, wifiEnv(), time.Now())
	assert.Equal(t, Pause, res.Decision)
}

func TestTerminalSkips(t *testing.T) {
	p := New(1)
	r := runnable()
	r.Status = request.StatusSuccess
	assert.Equal(t, Skip, p.Evaluate(r, wifiEnv(), time.Now()).Decision)

	r.Status = request.Status(404)
	assert.Equal(t, Skip, p.Evaluate(r, wifiEnv(), time.Now()).Decision)
}

func TestRetryBackoffDefers(t *testing.T) {
	p := New(1)
	now := time.Now()
	r := runnable()
	r.Status = request.StatusWaitingToRetry
	r.NumFailed = 1
	r.LastModified = now

	res := p.Evaluate(r, wifiEnv(), now)
	assert.Equal(t, Defer, res.Decision)
	assert.Greater(t, res.Delay, time.Duration(0))

	// Once the backoff has elapsed the request runs.
	res = p.Evaluate(r, wifiEnv(), now.Add(time.Hour))
	assert.Equal(t, RunNow, res.Decision)
}

func TestEvaluateIsIdempotent(t *testing.T) {
	p := New(7)
	now := time.Now()
	r := runnable()
	r.Status = request.StatusWaitingToRetry
	r.NumFailed = 2
	r.LastModified = now

	a := p.Evaluate(r, wifiEnv(), now)
	b := p.Evaluate(r, wifiEnv(), now)
	assert.Equal(t, a, b)
}

func TestServerDirectedBackoffIsExact(t *testing.T) {
	p := New(1)
	r := runnable()
	r.NumFailed = 1
	r.RetryAfterMS = 35000
	assert.Equal(t, 35*time.Second, p.Backoff(r))
}

func TestExponentialLadderWithJitter(t *testing.T) {
	p := New(1)
	r := runnable()
	r.NumFailed = 1
	d1 := p.Backoff(r)
	assert.GreaterOrEqual(t, d1, 30*time.Second)
	assert.Less(t, d1, 45*time.Second)

	r.NumFailed = 3
	d3 := p.Backoff(r)
	assert.GreaterOrEqual(t, d3, 120*time.Second)
	assert.Less(t, d3, 180*time.Second)

	// Same inputs, same jitter.
	assert.Equal(t, d3, p.Backoff(r))
}

func TestDeviceNotFoundWaitsForever(t *testing.T) {
	p := New(1)
	r := runnable()
	r.Status = request.StatusDeviceNotFound
	res := p.Evaluate(r, wifiEnv(), time.Now())
	assert.Equal(t, Defer, res.Decision)
	assert.Equal(t, Forever, res.Delay)
}

func TestHostConditionFlags(t *testing.T) {
	p := New(1)
	env := wifiEnv()
	env.Charging = false

	r := runnable()
	r.Flags = request.FlagRequiresCharging
	res := p.Evaluate(r, env, time.Now())
	assert.Equal(t, Defer, res.Decision)
	assert.Equal(t, Forever, res.Delay)

	env.Charging = true
	env.Idle = false
	r.Flags = request.FlagRequiresDeviceIdle
	res = p.Evaluate(r, env, time.Now())
	assert.Equal(t, Defer, res.Decision)
}

func TestDisconnectedWaitsForNetwork(t *testing.T) {
	p := New(1)
	res := p.Evaluate(runnable(), netenv.Snapshot{}, time.Now())
	assert.Equal(t, WaitNetwork, res.Decision)
	assert.False(t, res.QueueForWifi)
}

func TestUnmeteredOnlyQueuesForWifiOnMobile(t *testing.T) {
	p := New(1)
	r := runnable()
	r.AllowMetered = false

	res := p.Evaluate(r, mobileEnv(), time.Now())
	assert.Equal(t, WaitNetwork, res.Decision)
	assert.Equal(t, RequireUnmetered, res.Required)
	assert.True(t, res.QueueForWifi)

	res = p.Evaluate(r, wifiEnv(), time.Now())
	assert.Equal(t, RunNow, res.Decision)
}

func TestWifiOnlyMask(t *testing.T) {
	p := New(1)
	r := runnable()
	r.AllowedNetworkTypes = request.NetworkWifi

	res := p.Evaluate(r, mobileEnv(), time.Now())
	assert.Equal(t, WaitNetwork, res.Decision)
	assert.Equal(t, RequireUnmetered, res.Required)
}

func TestSizeCapsForceUnmetered(t *testing.T) {
	p := New(1)
	env := mobileEnv()
	env.MaxBytesOverMobile = 1000

	r := runnable()
	r.TotalBytes = 2000
	res := p.Evaluate(r, env, time.Now())
	assert.Equal(t, WaitNetwork, res.Decision)
	assert.True(t, res.SizeLimited)
	assert.True(t, res.QueueForWifi)

	// Under the cap it runs on mobile.
	r.TotalBytes = 500
	assert.Equal(t, RunNow, p.Evaluate(r, env, time.Now()).Decision)
}

func TestRecommendedCapBypass(t *testing.T) {
	p := New(1)
	env := mobileEnv()
	env.RecommendedBytesOverMobile = 1000

	r := runnable()
	r.TotalBytes = 2000
	assert.Equal(t, WaitNetwork, p.Evaluate(r, env, time.Now()).Decision)

	r.BypassRecommended = true
	assert.Equal(t, RunNow, p.Evaluate(r, env, time.Now()).Decision)
}

func TestRoaming(t *testing.T) {
	p := New(1)
	env := mobileEnv()
	env.Roaming = true

	r := runnable()
	r.AllowRoaming = false
	res := p.Evaluate(r, env, time.Now())
	assert.Equal(t, WaitNetwork, res.Decision)
	assert.Equal(t, RequireNotRoaming, res.Required)

	r.AllowRoaming = true
	assert.Equal(t, RunNow, p.Evaluate(r, env, time.Now()).Decision)
}

func TestOtherKindIgnoresMask(t *testing.T) {
	p := New(1)
	env := netenv.Snapshot{Connected: true, Kind: netenv.KindOther, Charging: true, Idle: true}
	r := runnable()
	r.AllowedNetworkTypes = request.NetworkWifi
	assert.Equal(t, RunNow, p.Evaluate(r, env, time.Now()).Decision)
}
