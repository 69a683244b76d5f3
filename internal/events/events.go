// Package events defines the messages exchanged out-of-band between workers,
// the scheduler and the notifier. They travel on plain channels; the store
// stays the single source of truth for request state.
package events

import "time"

// SpeedMsg is a worker's sliding-window throughput publication.
type SpeedMsg struct {
	RequestID   int64
	AttemptID   string
	BytesPerSec float64
	At          time.Time
}

// Category buckets notification clusters.
type Category int

const (
	CategoryActive Category = iota
	CategoryWaiting
	CategoryComplete
)

func (c Category) String() string {
	switch c {
	case CategoryActive:
		return "active"
	case CategoryWaiting:
		return "waiting"
	case CategoryComplete:
		return "complete"
	}
	return "unknown"
}

// Update is one rendered-surface notification item. Tag is stable for the
// lifetime of the cluster; FirstShownAt never moves once set.
type Update struct {
	Tag          string
	Category     Category
	Title        string
	Detail       string
	Progress     float64 // 0..1; meaningful only when HasProgress
	HasProgress  bool
	ETA          time.Duration // 0 when unknown
	Actions      []string
	FirstShownAt time.Time
}

// UpdateRemoved signals that a cluster disappeared and its surfaced item
// should be withdrawn.
type UpdateRemoved struct {
	Tag string
}
