// Package reaper is the idle-time janitor: it drops stale invisible terminal
// rows and deletes files in engine-owned directories that no row references.
// Files on a missing volume are left alone; a row is purged only when its
// backing storage is known to be present.
package reaper

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/drover-dl/drover/internal/request"
	"github.com/drover-dl/drover/internal/store"
)

// DefaultMaxAge is how long a finished, invisible row survives before the
// reaper claims it.
const DefaultMaxAge = 7 * 24 * time.Hour

type Reaper struct {
	store  *store.Store
	dirs   []string
	maxAge time.Duration
	now    func() time.Time
	log    *slog.Logger
}

// New builds a reaper over the engine-owned directories. Anything outside
// dirs is never touched.
func New(st *store.Store, dirs []string, maxAge time.Duration, log *slog.Logger) *Reaper {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Reaper{
		store:  st,
		dirs:   dirs,
		maxAge: maxAge,
		now:    time.Now,
		log:    log.With("component", "reaper"),
	}
}

// Reap runs one pass. It is safe to call concurrently with the engine; every
// mutation goes through the store or targets files no row references.
func (r *Reaper) Reap(ctx context.Context) error {
	rows, err := r.store.ListAll()
	if err != nil {
		return err
	}
	r.pruneStale(rows)

	// Re-list after pruning so freshly purged rows release their files.
	rows, err = r.store.ListAll()
	if err != nil {
		return err
	}
	r.removeOrphans(ctx, rows)
	return nil
}

// Run reaps on a fixed interval until the context ends. Hosts with their own
// idle trigger call Reap directly instead.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Reap(ctx); err != nil {
				r.log.Error("reap pass failed", "error", err)
			}
		}
	}
}

// pruneStale purges terminal rows nobody will ever look at again: invisible,
// finished, and older than maxAge.
func (r *Reaper) pruneStale(rows []*request.Request) {
	cutoff := r.now().Add(-r.maxAge)
	for _, row := range rows {
		if !row.Status.Terminal() {
			continue
		}
		if row.Visible() || row.NotifyOnComplete() {
			continue
		}
		if row.LastModified.IsZero() || row.LastModified.After(cutoff) {
			continue
		}
		if row.FilePath != "" {
			dir := filepath.Dir(row.FilePath)
			if _, err := os.Stat(dir); err != nil {
				// Volume missing; keep the row so the file is still
				// accounted for when the volume returns.
				continue
			}
			if err := os.Remove(row.FilePath); err != nil && !os.IsNotExist(err) {
				r.log.Debug("failed to remove stale file", "path", row.FilePath, "error", err)
				continue
			}
		}
		if err := r.store.Delete(row.ID); err != nil {
			r.log.Error("failed to purge stale row", "id", row.ID, "error", err)
			continue
		}
		r.log.Info("reaped stale download", "id", row.ID, "status", row.Status.String())
	}
}

// removeOrphans deletes files in the engine-owned directories that no row
// (tombstoned or not) claims.
func (r *Reaper) removeOrphans(ctx context.Context, rows []*request.Request) {
	claimed := make(map[string]bool, len(rows))
	for _, row := range rows {
		if row.FilePath != "" {
			claimed[filepath.Clean(row.FilePath)] = true
		}
	}

	for _, dir := range r.dirs {
		if ctx.Err() != nil {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				r.log.Debug("failed to scan dir", "dir", dir, "error", err)
			}
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			path := filepath.Clean(filepath.Join(dir, e.Name()))
			if claimed[path] {
				continue
			}
			if err := os.Remove(path); err != nil {
				r.log.Debug("failed to remove orphan", "path", path, "error", err)
				continue
			}
			r.log.Info("removed orphan file", "path", path)
		}
	}
}
