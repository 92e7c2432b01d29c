// Package eviction runs capacity policies against a cache in the background.
//
// The cache enforces its hard byte budget on every write. The manager adds soft limits
// on top: a lower size target, or a minimum of free space on the volume, checked on a
// ticker and met by trimming least recently used entries.
package eviction

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lucasew/disklru"
	"github.com/lucasew/disklru/internal/errutil"
	"github.com/lucasew/disklru/internal/eviction/policy"
)

// DefaultInterval is used when no positive interval is given.
const DefaultInterval = time.Minute

// Trimmer is the part of the cache the manager drives.
type Trimmer interface {
	Stats(ctx context.Context) (disklru.Stats, error)
	Trim(ctx context.Context, target int64) (int64, error)
}

// Manager manages cache eviction.
type Manager struct {
	cache    Trimmer
	policies []policy.Policy
	interval time.Duration
}

// NewManager creates a new Manager.
func NewManager(cache Trimmer, policies []policy.Policy, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Manager{
		cache:    cache,
		policies: policies,
		interval: interval,
	}
}

// Start runs the background eviction loop until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	if len(m.policies) == 0 {
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunEviction(ctx)
		}
	}
}

// RunEviction asks every policy how much to free and trims the cache by the largest
// answer. It returns the number of bytes freed.
func (m *Manager) RunEviction(ctx context.Context) int64 {
	stats, err := m.cache.Stats(ctx)
	if err != nil {
		errutil.ReportError(err, "Failed to read cache stats")
		return 0
	}

	current := stats.Bytes
	var maxToFree int64

	for _, p := range m.policies {
		toFree, err := p.BytesToFree(current)
		if err != nil {
			errutil.ReportError(err, "Failed to check capacity policy")
			continue
		}
		maxToFree = max(maxToFree, toFree)
	}

	if maxToFree <= 0 {
		return 0
	}

	target := max(current-maxToFree, 0)
	freed, err := m.cache.Trim(ctx, target)
	if err != nil {
		errutil.ReportError(err, "Failed to trim cache", "target", target)
		return 0
	}

	slog.Info("Evicted cache entries",
		"current_size", humanize.IBytes(uint64(current)),
		"to_free", humanize.IBytes(uint64(maxToFree)),
		"freed", humanize.IBytes(uint64(freed)),
	)
	return freed
}
