// Package netenv is the environment capability: wall/monotonic time plus a
// snapshot of the current connectivity and host conditions. The scheduler
// refreshes one snapshot per reconciliation; policy treats it as immutable.
package netenv

import (
	"sync"
	"time"
)

// Kind classifies the active network.
type Kind int

const (
	KindNone Kind = iota
	KindWifi
	KindMobile
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindWifi:
		return "wifi"
	case KindMobile:
		return "mobile"
	case KindOther:
		return "other"
	}
	return "unknown"
}

// Snapshot is one observation of the environment.
type Snapshot struct {
	Connected bool
	Kind      Kind
	Metered   bool
	Roaming   bool
	Charging  bool
	Idle      bool

	// Size caps for transfers over mobile; <=0 disables the cap.
	MaxBytesOverMobile         int64
	RecommendedBytesOverMobile int64
}

// Env supplies time and environment snapshots to the scheduler and workers.
type Env interface {
	NowWall() time.Time
	NowMono() time.Duration
	Network() Snapshot
}

// Static is a fixed Env, used by tests and by hosts that feed connectivity
// from outside. The zero value is a disconnected, uncharged environment.
type Static struct {
	Wall time.Time

	mu   sync.RWMutex
	snap Snapshot

	monoStart time.Time
}

// NewStatic returns a Static env that is connected over unmetered wifi.
func NewStatic() *Static {
	return &Static{
		snap: Snapshot{
			Connected: true,
			Kind:      KindWifi,
			Charging:  true,
			Idle:      true,
		},
		monoStart: time.Now(),
	}
}

// SetNetwork replaces the snapshot, simulating a connectivity change.
func (s *Static) SetNetwork(snap Snapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

func (s *Static) NowWall() time.Time {
	if !s.Wall.IsZero() {
		return s.Wall
	}
	return time.Now()
}

func (s *Static) NowMono() time.Duration {
	if s.monoStart.IsZero() {
		s.monoStart = time.Now()
	}
	return time.Since(s.monoStart)
}

func (s *Static) Network() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}
