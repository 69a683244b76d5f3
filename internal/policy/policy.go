// Package policy decides when a request may run and under which network
// constraints. Evaluate is a pure function of the request snapshot, the
// environment snapshot, and the current time; the scheduler calls it during
// reconciliation and the worker re-checks it once total_bytes is known.
package policy

import (
	"math"
	"time"

	"github.com/drover-dl/drover/internal/netenv"
	"github.com/drover-dl/drover/internal/request"
)

// Decision is the outcome kind for one request.
type Decision int

const (
	RunNow Decision = iota
	Defer
	WaitNetwork
	Pause
	Skip
)

func (d Decision) String() string {
	switch d {
	case RunNow:
		return "run"
	case Defer:
		return "defer"
	case WaitNetwork:
		return "wait_network"
	case Pause:
		return "pause"
	case Skip:
		return "skip"
	}
	return "unknown"
}

// RequiredKind is the network category a transfer needs.
type RequiredKind int

const (
	RequireAny RequiredKind = iota
	RequireNotRoaming
	RequireUnmetered
)

// Forever marks a deferral with no timer; only an external event clears it.
const Forever = time.Duration(math.MaxInt64)

// Result carries the decision plus its parameters.
type Result struct {
	Decision Decision
	// Delay is meaningful for Defer; Forever means wait for an event.
	Delay time.Duration
	// Required is the network category for RunNow and WaitNetwork.
	Required RequiredKind
	// SizeLimited marks a WaitNetwork caused by the over-mobile size caps.
	SizeLimited bool
	// QueueForWifi marks a WaitNetwork where a connected network exists but
	// an unmetered one is required; it surfaces as QueuedForWifi rather
	// than WaitingForNetwork.
	QueueForWifi bool
}

// Policy evaluates requests. The seed feeds the deterministic backoff jitter
// so that repeated evaluations of the same snapshot agree (reconciliation
// must be idempotent) while different requests still spread out.
type Policy struct {
	seed uint64
}

func New(seed uint64) *Policy {
	return &Policy{seed: seed}
}

// Evaluate runs the decision table, first match wins.
func (p *Policy) Evaluate(r *request.Request, env netenv.Snapshot, now time.Time) Result {
	if r.Control == request.ControlPaused {
		return Result{Decision: Pause}
	}
	if r.Status.Terminal() {
		return Result{Decision: Skip}
	}

	if r.Status == request.StatusWaitingToRetry {
		backoff := p.Backoff(r)
		ready := r.LastModified.Add(backoff)
		if now.Before(ready) {
			return Result{Decision: Defer, Delay: ready.Sub(now)}
		}
	}

	if r.Status == request.StatusDeviceNotFound {
		// Backing storage is gone; only a mount event can clear this.
		return Result{Decision: Defer, Delay: Forever}
	}
	if r.Flags&request.FlagRequiresCharging != 0 && !env.Charging {
		return Result{Decision: Defer, Delay: Forever}
	}
	if r.Flags&request.FlagRequiresDeviceIdle != 0 && !env.Idle {
		return Result{Decision: Defer, Delay: Forever}
	}

	required, sizeLimited := requiredKind(r, env)
	if !available(required, r, env) {
		return Result{
			Decision:     WaitNetwork,
			Required:     required,
			SizeLimited:  sizeLimited,
			QueueForWifi: env.Connected && required == RequireUnmetered,
		}
	}
	return Result{Decision: RunNow, Required: required}
}

// Backoff returns the wait after the request's last transient failure. A
// server-directed retry_after_ms is honored as stored (the worker already
// clamped and fuzzed it); otherwise the exponential ladder applies, plus a
// deterministic jitter of up to half the computed delay.
func (p *Policy) Backoff(r *request.Request) time.Duration {
	if r.RetryAfterMS > 0 {
		return time.Duration(r.RetryAfterMS) * time.Millisecond
	}
	n := r.NumFailed
	if n < 1 {
		n = 1
	}
	delay := request.RetryFirstDelay << (n - 1)
	if delay <= 0 {
		return 0
	}
	jitterSpan := uint64(delay / 2)
	if jitterSpan > 0 {
		delay += time.Duration(p.mix(uint64(r.ID), uint64(r.NumFailed)) % jitterSpan)
	}
	return delay
}

// mix is a splitmix64 round over the seed and the request identity, giving a
// stable pseudo-random value per (id, num_failed).
func (p *Policy) mix(a, b uint64) uint64 {
	z := p.seed + a*0x9e3779b97f4a7c15 + b*0xbf58476d1ce4e5b9
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// requiredKind computes the network category a request needs, per the size
// caps and the request's own constraints.
func requiredKind(r *request.Request, env netenv.Snapshot) (RequiredKind, bool) {
	switch {
	case !r.AllowMetered:
		return RequireUnmetered, false
	case r.AllowedNetworkTypes == request.NetworkWifi:
		return RequireUnmetered, false
	case env.MaxBytesOverMobile > 0 && r.TotalBytes > env.MaxBytesOverMobile:
		return RequireUnmetered, true
	case env.RecommendedBytesOverMobile > 0 && r.TotalBytes > env.RecommendedBytesOverMobile && !r.BypassRecommended:
		return RequireUnmetered, true
	case !r.AllowRoaming:
		return RequireNotRoaming, false
	}
	return RequireAny, false
}

// available reports whether the current network satisfies the required kind
// and the request's allowed-type mask.
func available(required RequiredKind, r *request.Request, env netenv.Snapshot) bool {
	if !env.Connected {
		return false
	}
	if !kindAllowed(r.AllowedNetworkTypes, env.Kind) {
		return false
	}
	switch required {
	case RequireUnmetered:
		return !env.Metered
	case RequireNotRoaming:
		return !env.Roaming
	case RequireAny:
		return true
	}
	return false
}

func kindAllowed(mask int, kind netenv.Kind) bool {
	if mask == request.NetworkAll {
		return true
	}
	switch kind {
	case netenv.KindWifi:
		return mask&request.NetworkWifi != 0
	case netenv.KindMobile:
		return mask&request.NetworkMobile != 0
	case netenv.KindOther:
		// Wired and similar transports are never mask-restricted.
		return true
	case netenv.KindNone:
		return false
	}
	return false
}
