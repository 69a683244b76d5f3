// Package notify folds store rows and worker speed samples into clustered
// notification updates. Rendering is someone else's job; this package only
// decides what items exist, their progress and their ETA.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/drover-dl/drover/internal/events"
	"github.com/drover-dl/drover/internal/netenv"
	"github.com/drover-dl/drover/internal/request"
	"github.com/drover-dl/drover/internal/store"
)

// Notifier clusters visible requests by (category, owner|id) and emits
// events.Update / events.UpdateRemoved on its output channel. It runs on a
// single goroutine, so no tag is ever updated concurrently.
type Notifier struct {
	store *store.Store
	env   netenv.Env
	out   chan<- any
	log   *slog.Logger

	speeds     map[int64]float64
	firstShown map[string]time.Time
	surfaced   map[string]events.Update
}

func New(st *store.Store, env netenv.Env, out chan<- any, log *slog.Logger) *Notifier {
	return &Notifier{
		store:      st,
		env:        env,
		out:        out,
		log:        log.With("component", "notifier"),
		speeds:     make(map[int64]float64),
		firstShown: make(map[string]time.Time),
		surfaced:   make(map[string]events.Update),
	}
}

// Run consumes store changes and speed publications until the context ends.
func (n *Notifier) Run(ctx context.Context, speeds <-chan events.SpeedMsg) error {
	changes := n.store.Subscribe()
	n.refresh()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			n.refresh()
		case msg := <-speeds:
			n.speeds[msg.RequestID] = msg.BytesPerSec
			n.refresh()
		}
	}
}

type cluster struct {
	category events.Category
	rows     []*request.Request
}

// refresh rebuilds every cluster from fresh snapshots and diffs against what
// is currently surfaced.
func (n *Notifier) refresh() {
	rows, err := n.store.ListActive()
	if err != nil {
		n.log.Error("failed to list rows", "error", err)
		return
	}

	clusters := make(map[string]*cluster)
	add := func(tag string, cat events.Category, r *request.Request) {
		c, ok := clusters[tag]
		if !ok {
			c = &cluster{category: cat}
			clusters[tag] = c
		}
		c.rows = append(c.rows, r)
	}

	live := make(map[int64]bool)
	for _, r := range rows {
		switch {
		case r.Status == request.StatusRunning && r.Visible():
			add("active:"+r.Owner, events.CategoryActive, r)
			live[r.ID] = true
		case (r.Status == request.StatusQueuedForWifi || r.Status == request.StatusWaitingForNetwork) && r.Visible():
			add("waiting:"+r.Owner, events.CategoryWaiting, r)
		case r.Status.Terminal() && r.NotifyOnComplete():
			add("complete:"+strconv.FormatInt(r.ID, 10), events.CategoryComplete, r)
		}
	}
	for id := range n.speeds {
		if !live[id] {
			delete(n.speeds, id)
		}
	}

	for tag, c := range clusters {
		u := n.render(tag, c)
		if prev, ok := n.surfaced[tag]; ok && equalUpdate(prev, u) {
			continue
		}
		n.surfaced[tag] = u
		n.emit(u)
	}
	for tag := range n.surfaced {
		if _, ok := clusters[tag]; !ok {
			delete(n.surfaced, tag)
			delete(n.firstShown, tag)
			n.emit(events.UpdateRemoved{Tag: tag})
		}
	}
}

// render builds one update. Progress is summed over the cluster and goes
// indeterminate as soon as any contributing row has an unknown total; ETA
// only counts rows with a measured speed.
func (n *Notifier) render(tag string, c *cluster) events.Update {
	first, ok := n.firstShown[tag]
	if !ok {
		first = n.env.NowWall()
		n.firstShown[tag] = first
	}

	sort.Slice(c.rows, func(i, j int) bool { return c.rows[i].ID < c.rows[j].ID })

	var current, total int64
	known := true
	var speed float64
	for _, r := range c.rows {
		current += r.CurrentBytes
		if r.TotalBytes < 0 {
			known = false
		} else {
			total += r.TotalBytes
		}
		speed += n.speeds[r.ID]
	}

	u := events.Update{
		Tag:          tag,
		Category:     c.category,
		Title:        clusterTitle(c.rows),
		Detail:       clusterDetail(c),
		FirstShownAt: first,
	}
	if c.category == events.CategoryActive && known && total > 0 {
		u.HasProgress = true
		u.Progress = float64(current) / float64(total)
		if speed > 0 {
			u.ETA = time.Duration(float64(total-current)/speed) * time.Second
		}
	}
	switch c.category {
	case events.CategoryActive:
		u.Actions = []string{"pause", "cancel"}
	case events.CategoryWaiting:
		u.Actions = []string{"resume", "cancel"}
	case events.CategoryComplete:
		u.Actions = []string{"open", "remove"}
	}
	return u
}

func clusterTitle(rows []*request.Request) string {
	if len(rows) == 1 {
		return displayName(rows[0])
	}
	return fmt.Sprintf("%d downloads", len(rows))
}

func clusterDetail(c *cluster) string {
	switch c.category {
	case events.CategoryActive:
		return "downloading"
	case events.CategoryWaiting:
		return "waiting for network"
	case events.CategoryComplete:
		if len(c.rows) == 1 && c.rows[0].Status.Succeeded() {
			return "download complete"
		}
		return "download failed"
	}
	return ""
}

func displayName(r *request.Request) string {
	if r.FilePath != "" {
		return filepath.Base(r.FilePath)
	}
	if r.HintName != "" {
		return filepath.Base(r.HintName)
	}
	return r.SourceURI
}

// emit never blocks the notifier; a stuck renderer only loses refreshes.
func (n *Notifier) emit(msg any) {
	if n.out == nil {
		return
	}
	select {
	case n.out <- msg:
	default:
	}
}

func equalUpdate(a, b events.Update) bool {
	if a.Tag != b.Tag || a.Category != b.Category || a.Title != b.Title ||
		a.Detail != b.Detail || a.HasProgress != b.HasProgress ||
		a.Progress != b.Progress || a.ETA != b.ETA || !a.FirstShownAt.Equal(b.FirstShownAt) {
		return false
	}
	if len(a.Actions) != len(b.Actions) {
		return false
	}
	for i := range a.Actions {
		if a.Actions[i] != b.Actions[i] {
			return false
		}
	}
	return true
}
