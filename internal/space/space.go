// Package space enforces free-space preconditions for downloads and reclaims
// bytes from the engine cache when a transfer runs short mid-stream.
package space

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

const (
	// Reserved keeps a floor of free bytes on any backing device.
	Reserved = 32 * 1024 * 1024

	// MinDeleteAge protects freshly written cache files from reclamation.
	MinDeleteAge = 24 * time.Hour

	// freeCacheWait bounds the external free-cache capability call.
	freeCacheWait = 30 * time.Second
)

// ErrInsufficientSpace is the terminal shortfall after reclamation.
var ErrInsufficientSpace = errors.New("insufficient space")

// FreeCacheFunc is the external capability that asks the host to evict its
// own caches on the data partition.
type FreeCacheFunc func(ctx context.Context, bytes int64) error

// Manager checks and reclaims space. cacheDir is the engine-owned cache whose
// files may be evicted oldest-first.
type Manager struct {
	cacheDir  string
	freeCache FreeCacheFunc
	log       *slog.Logger

	// usage is swappable for tests.
	usage func(path string) (*disk.UsageStat, error)
}

func NewManager(cacheDir string, freeCache FreeCacheFunc, log *slog.Logger) *Manager {
	return &Manager{
		cacheDir:  cacheDir,
		freeCache: freeCache,
		log:       log,
		usage:     disk.Usage,
	}
}

// EnsureFree verifies that the device backing path can absorb need more bytes
// on top of the reserved floor, reclaiming when possible. Returns
// ErrInsufficientSpace when the shortfall cannot be covered.
func (m *Manager) EnsureFree(ctx context.Context, path string, need int64) error {
	short, err := m.shortfall(path, need)
	if err != nil {
		return err
	}
	if short <= 0 {
		return nil
	}

	m.log.Debug("space shortfall", "path", path, "need", need, "short", short)

	if m.onCachePartition(path) {
		if _, err := m.Reclaim(short); err != nil {
			return err
		}
	} else if m.freeCache != nil {
		waitCtx, cancel := context.WithTimeout(ctx, freeCacheWait)
		defer cancel()
		if err := m.freeCache(waitCtx, short); err != nil {
			m.log.Debug("free-cache capability failed", "error", err)
		}
	}

	short, err = m.shortfall(path, need)
	if err != nil {
		return err
	}
	if short > 0 {
		return fmt.Errorf("%w: %d bytes short on %s", ErrInsufficientSpace, short, filepath.Dir(path))
	}
	return nil
}

// Reclaim deletes the oldest cache files older than MinDeleteAge until freed
// covers need. Returns the bytes actually freed.
func (m *Manager) Reclaim(need int64) (int64, error) {
	type victim struct {
		path    string
		size    int64
		modTime time.Time
	}

	var victims []victim
	cutoff := time.Now().Add(-MinDeleteAge)
	entries, err := os.ReadDir(m.cacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to scan cache dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		victims = append(victims, victim{
			path:    filepath.Join(m.cacheDir, e.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].modTime.Before(victims[j].modTime) })

	var freed int64
	for _, v := range victims {
		if freed >= need {
			break
		}
		if err := os.Remove(v.path); err != nil {
			m.log.Debug("failed to evict cache file", "path", v.path, "error", err)
			continue
		}
		freed += v.size
	}
	if freed > 0 {
		m.log.Info("reclaimed cache space", "freed", freed, "need", need)
	}
	return freed, nil
}

func (m *Manager) shortfall(path string, need int64) (int64, error) {
	dir := filepath.Dir(path)
	u, err := m.usage(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to stat device for %s: %w", dir, err)
	}
	required := need + Reserved
	if int64(u.Free) >= required {
		return 0, nil
	}
	return required - int64(u.Free), nil
}

func (m *Manager) onCachePartition(path string) bool {
	if m.cacheDir == "" {
		return false
	}
	rel, err := filepath.Rel(m.cacheDir, path)
	return err == nil && !strings.HasPrefix(rel, "..")
}
