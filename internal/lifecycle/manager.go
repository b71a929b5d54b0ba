// Package lifecycle sweeps leftover staging state and enforces cached-tier
// retention on a timer.
package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gftdcojp/dataset-tiered-cache/internal/cache"
	"github.com/gftdcojp/dataset-tiered-cache/internal/config"
	"github.com/gftdcojp/dataset-tiered-cache/internal/metrics"
	"github.com/gftdcojp/dataset-tiered-cache/internal/types"
)

// Manager handles staging cleanup and cached-tier retention.
type Manager struct {
	cache   *cache.Manager
	tempDir string
	cfg     config.LifecycleConfig
	logger  *zap.Logger
}

// NewManager creates a new lifecycle manager.
func NewManager(cm *cache.Manager, tempDir string, cfg config.LifecycleConfig, logger *zap.Logger) *Manager {
	return &Manager{
		cache:   cm,
		tempDir: tempDir,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run starts the periodic sweep loop.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.cfg.SweepInterval.Duration()
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Sweep()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep runs one pass: orphaned staging dirs, stale temp downloads,
// expired cached entries, and tier usage gauges.
func (m *Manager) Sweep() {
	m.sweepStaging()
	m.sweepTemp()
	m.sweepExpiredCached()
	m.updateGauges()
}

// sweepStaging removes staging directories left behind by a crash during
// tier promotion. Live promotions are fast, so anything older than a
// minute is an orphan.
func (m *Manager) sweepStaging() {
	for _, tier := range types.AllTiers {
		dir := filepath.Join(m.cache.Root(), tier.String())
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || !strings.HasPrefix(e.Name(), cache.StagingPrefix) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			info, err := e.Info()
			if err == nil && time.Since(info.ModTime()) < time.Minute {
				continue
			}
			if err := os.RemoveAll(path); err != nil {
				m.logger.Warn("failed to remove orphaned staging dir",
					zap.String("path", path), zap.Error(err))
				continue
			}
			m.logger.Info("removed orphaned staging dir", zap.String("path", path))
		}
	}
}

// sweepTemp removes abandoned fetch staging directories.
func (m *Manager) sweepTemp() {
	entries, err := os.ReadDir(m.tempDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || time.Since(info.ModTime()) < 24*time.Hour {
			continue
		}
		path := filepath.Join(m.tempDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn("failed to remove stale temp entry",
				zap.String("path", path), zap.Error(err))
			continue
		}
		m.logger.Info("removed stale temp entry", zap.String("path", path))
	}
}

// sweepExpiredCached drops cached-tier registrations older than the
// configured max age. Raw and processed tiers are never expired here.
func (m *Manager) sweepExpiredCached() {
	maxAge := m.cfg.CachedMaxAge.Duration()
	if maxAge <= 0 {
		return
	}

	names, err := m.cache.Datasets(types.TierCached)
	if err != nil {
		m.logger.Warn("failed to list cached tier", zap.Error(err))
		return
	}
	for _, name := range names {
		entry := m.cache.Entry(name, types.TierCached)
		if entry.LastModifiedAt.IsZero() || time.Since(entry.LastModifiedAt) < maxAge {
			continue
		}
		if err := m.cache.Clear(name, types.TierCached); err != nil {
			m.logger.Warn("failed to expire cached entry",
				zap.String("dataset", name), zap.Error(err))
			continue
		}
		metrics.ExpiredCachedEntries.Inc()
		m.logger.Info("expired cached entry",
			zap.String("dataset", name),
			zap.Time("last_modified", entry.LastModifiedAt),
		)
	}
}

func (m *Manager) updateGauges() {
	for _, tier := range types.AllTiers {
		stats, err := m.cache.TierStats(tier)
		if err != nil {
			continue
		}
		metrics.TierDatasets.WithLabelValues(tier.String()).Set(float64(stats.DatasetCount))
		metrics.TierMiB.WithLabelValues(tier.String()).Set(stats.TotalMiB)
	}
}
