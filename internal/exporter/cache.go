package exporter

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cam3ron2/reach-monitor/internal/store"
	"go.uber.org/zap"
)

// Snapshot is the exported view of stored state.
type Snapshot struct {
	Measurements []store.Measurement
	OpenAlerts   map[string]int
	TakenAt      time.Time
}

// SnapshotSource loads the data behind a Snapshot. store.Store implements it.
type SnapshotSource interface {
	LatestSnapshot(ctx context.Context) ([]store.Measurement, error)
	OpenAlertCounts(ctx context.Context) (map[string]int, error)
}

// SnapshotReader serves snapshots to the metrics collector.
type SnapshotReader interface {
	Snapshot(ctx context.Context) Snapshot
}

// CacheConfig configures the snapshot cache used by /metrics rendering.
type CacheConfig struct {
	RefreshInterval time.Duration
	Now             func() time.Time
}

// CachedSnapshotReader refreshes from the source at most once per interval
// and keeps serving the last good snapshot when a refresh fails.
type CachedSnapshotReader struct {
	source          SnapshotSource
	refreshInterval time.Duration
	now             func() time.Time
	logger          *zap.Logger

	mu          sync.RWMutex
	initialized bool
	lastAttempt time.Time
	lastErr     error
	snapshot    Snapshot
}

// NewCachedSnapshotReader wraps a snapshot source with periodic cache refresh.
func NewCachedSnapshotReader(source SnapshotSource, cfg CacheConfig, logger ...*zap.Logger) *CachedSnapshotReader {
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	refreshInterval := cfg.RefreshInterval
	if refreshInterval <= 0 {
		refreshInterval = 30 * time.Second
	}
	log := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		log = logger[0]
	}

	return &CachedSnapshotReader{
		source:          source,
		refreshInterval: refreshInterval,
		now:             nowFn,
		logger:          log,
	}
}

// Snapshot returns a copy of the cached snapshot, refreshing it when stale.
func (c *CachedSnapshotReader) Snapshot(ctx context.Context) Snapshot {
	if c == nil || c.source == nil {
		return Snapshot{}
	}
	c.refreshIfNeeded(ctx)

	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneSnapshot(c.snapshot)
}

// Healthy reports the error of the latest refresh attempt.
func (c *CachedSnapshotReader) Healthy() error {
	if c == nil || c.source == nil {
		return fmt.Errorf("snapshot source is not configured")
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *CachedSnapshotReader) refreshIfNeeded(ctx context.Context) {
	now := c.now()

	c.mu.RLock()
	if c.initialized && now.Sub(c.lastAttempt) < c.refreshInterval {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized && now.Sub(c.lastAttempt) < c.refreshInterval {
		return
	}
	c.lastAttempt = now
	c.initialized = true

	measurements, err := c.source.LatestSnapshot(ctx)
	if err != nil {
		c.failLocked(fmt.Errorf("load measurement snapshot: %w", err))
		return
	}
	openAlerts, err := c.source.OpenAlertCounts(ctx)
	if err != nil {
		c.failLocked(fmt.Errorf("load open alert counts: %w", err))
		return
	}

	c.lastErr = nil
	c.snapshot = Snapshot{
		Measurements: measurements,
		OpenAlerts:   openAlerts,
		TakenAt:      now,
	}
}

func (c *CachedSnapshotReader) failLocked(err error) {
	c.lastErr = err
	c.logger.Warn("snapshot refresh failed; serving previous snapshot",
		zap.Time("previous_snapshot_at", c.snapshot.TakenAt),
		zap.Error(err),
	)
}

func cloneSnapshot(snapshot Snapshot) Snapshot {
	return Snapshot{
		Measurements: slices.Clone(snapshot.Measurements),
		OpenAlerts:   maps.Clone(snapshot.OpenAlerts),
		TakenAt:      snapshot.TakenAt,
	}
}
