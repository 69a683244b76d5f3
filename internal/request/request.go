// Package request defines the persistent download request model shared by the
// store, scheduler, worker and policy layers.
package request

import "time"

// Control is the user intent for a request, independent of its status.
type Control int

const (
	ControlRun Control = iota
	ControlPaused
)

// Visibility governs how the notifier surfaces a request.
type Visibility int

const (
	VisibilityHidden Visibility = iota
	VisibilityVisible
	VisibilityVisibleNotifyComplete
	VisibilityVisibleNotifyCompleteOnly
)

// Destination is the abstract location class a request downloads into. It
// determines allocation rules and default visibility.
type Destination int

const (
	DestCache Destination = iota
	DestCachePurgeable
	DestCacheNoRoaming
	DestSystemCache
	DestExternal
	DestFileURI
	DestExternalAdded
)

// CacheClass reports whether the destination lives in the engine-owned cache
// directory and is therefore eligible for space reclamation.
func (d Destination) CacheClass() bool {
	switch d {
	case DestCache, DestCachePurgeable, DestCacheNoRoaming, DestSystemCache:
		return true
	case DestExternal, DestFileURI, DestExternalAdded:
		return false
	}
	return false
}

// Allowed network type bitmask.
const (
	NetworkMobile = 1 << 0
	NetworkWifi   = 1 << 1
	NetworkAll    = ^0
)

// Flags for host-condition constraints.
const (
	FlagRequiresCharging   = 1 << 0
	FlagRequiresDeviceIdle = 1 << 1
)

// MediaScan is the media-index tri-state.
type MediaScan int

const (
	MediaNotScannable MediaScan = iota
	MediaNotScanned
	MediaScanned
)

// Header is one request header row, ordered by Position.
type Header struct {
	Position int
	Name     string
	Value    string
}

// Request is a snapshot of one persistent download row. The store is
// authoritative; snapshots are never mutated in place by readers.
type Request struct {
	ID    int64
	Owner string
	UID   int

	SourceURI string
	HintName  string
	Referer   string
	Cookies   string
	UserAgent string

	Destination Destination
	FilePath    string
	MimeType    string

	TotalBytes   int64 // -1 when unknown
	CurrentBytes int64
	ETag         string
	NoIntegrity  bool

	Status     Status
	Control    Control
	Visibility Visibility

	AllowedNetworkTypes int
	AllowRoaming        bool
	AllowMetered        bool
	BypassRecommended   bool
	Flags               int

	NumFailed    int
	RetryAfterMS int64 // 0 means use exponential backoff
	LastModified time.Time

	RedirectCount int

	Deleted       bool
	MediaScan     MediaScan
	MediaStoreURI string

	Headers []Header
}

// New returns a submittable request for uri with permissive defaults: any
// network, metered and roaming allowed, visible while running.
func New(uri string) *Request {
	return &Request{
		SourceURI:           uri,
		Destination:         DestExternal,
		TotalBytes:          -1,
		Status:              StatusPending,
		Control:             ControlRun,
		Visibility:          VisibilityVisible,
		AllowedNetworkTypes: NetworkAll,
		AllowRoaming:        true,
		AllowMetered:        true,
	}
}

// Resumable reports whether a partial file for this request may be continued
// rather than restarted from zero.
func (r *Request) Resumable() bool {
	return r.ETag != "" || r.NoIntegrity
}

// Visible reports whether the notifier should surface the request while it is
// active or waiting.
func (r *Request) Visible() bool {
	switch r.Visibility {
	case VisibilityHidden, VisibilityVisibleNotifyCompleteOnly:
		return false
	case VisibilityVisible, VisibilityVisibleNotifyComplete:
		return true
	}
	return false
}

// NotifyOnComplete reports whether a completion notification is wanted.
func (r *Request) NotifyOnComplete() bool {
	switch r.Visibility {
	case VisibilityVisibleNotifyComplete, VisibilityVisibleNotifyCompleteOnly:
		return true
	case VisibilityHidden, VisibilityVisible:
		return false
	}
	return false
}

// Clone returns a deep copy of the snapshot, including header rows.
func (r *Request) Clone() *Request {
	c := *r
	if len(r.Headers) > 0 {
		c.Headers = make([]Header, len(r.Headers))
		copy(c.Headers, r.Headers)
	}
	return &c
}
