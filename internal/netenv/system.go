package netenv

import (
	"strings"
	"sync"
	"time"

	gnet "github.com/shirou/gopsutil/v3/net"
)

// System probes the host for connectivity. Interface-name heuristics decide
// the kind: wl*/wifi* count as wifi, ww*/rmnet*/usb tethers as mobile,
// anything else up and non-loopback as other. Charging and idle have no
// portable probe, so hosts set them through Conditions; both default to the
// permissive value on a mains-powered machine.
type System struct {
	mu   sync.Mutex
	cond Conditions

	monoStart time.Time

	// probe is swappable for tests.
	probe func() ([]gnet.InterfaceStat, error)
}

// Conditions are the host-fed parts of the snapshot.
type Conditions struct {
	Metered                    bool
	Roaming                    bool
	Charging                   bool
	Idle                       bool
	MaxBytesOverMobile         int64
	RecommendedBytesOverMobile int64
}

// NewSystem returns a System env with charging assumed true.
func NewSystem() *System {
	return &System{
		cond:      Conditions{Charging: true, Idle: true},
		monoStart: time.Now(),
		probe: func() ([]gnet.InterfaceStat, error) {
			return gnet.Interfaces()
		},
	}
}

// SetConditions replaces the host-fed conditions.
func (s *System) SetConditions(c Conditions) {
	s.mu.Lock()
	s.cond = c
	s.mu.Unlock()
}

func (s *System) NowWall() time.Time     { return time.Now() }
func (s *System) NowMono() time.Duration { return time.Since(s.monoStart) }

func (s *System) Network() Snapshot {
	s.mu.Lock()
	cond := s.cond
	s.mu.Unlock()

	snap := Snapshot{
		Metered:                    cond.Metered,
		Roaming:                    cond.Roaming,
		Charging:                   cond.Charging,
		Idle:                       cond.Idle,
		MaxBytesOverMobile:         cond.MaxBytesOverMobile,
		RecommendedBytesOverMobile: cond.RecommendedBytesOverMobile,
	}

	ifaces, err := s.probe()
	if err != nil {
		return snap
	}
	for _, iface := range ifaces {
		if !isUp(iface) || isLoopback(iface) {
			continue
		}
		snap.Connected = true
		switch classify(iface.Name) {
		case KindWifi:
			snap.Kind = KindWifi
			return snap // wifi wins over anything else
		case KindMobile:
			snap.Kind = KindMobile
		case KindOther:
			if snap.Kind == KindNone {
				snap.Kind = KindOther
			}
		case KindNone:
		}
	}
	return snap
}

func isUp(iface gnet.InterfaceStat) bool {
	for _, f := range iface.Flags {
		if f == "up" {
			return true
		}
	}
	return false
}

func isLoopback(iface gnet.InterfaceStat) bool {
	for _, f := range iface.Flags {
		if f == "loopback" {
			return true
		}
	}
	return false
}

func classify(name string) Kind {
	name = strings.ToLower(name)
	switch {
	case strings.HasPrefix(name, "wl"), strings.HasPrefix(name, "wifi"), strings.HasPrefix(name, "ath"):
		return KindWifi
	case strings.HasPrefix(name, "ww"), strings.HasPrefix(name, "rmnet"), strings.HasPrefix(name, "ccmni"):
		return KindMobile
	}
	return KindOther
}
