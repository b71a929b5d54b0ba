// Package cache owns the raw/processed/cached tier directories. The
// filesystem is the source of truth: entries are derived by walking it on
// demand and no separate index exists to desynchronize.
package cache

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gftdcojp/dataset-tiered-cache/internal/metrics"
	"github.com/gftdcojp/dataset-tiered-cache/internal/types"
)

// Metadata files alone do not make a tier populated.
var metadataFiles = map[string]bool{
	"metadata.json":               true,
	"preprocessing_metadata.json": true,
}

// StagingPrefix marks in-flight promote directories; the lifecycle sweep
// removes orphans left by a crash.
const StagingPrefix = ".promote-"

// Manager provides per-dataset, per-tier queries and atomic tier moves.
// It assumes exclusive ownership of a dataset's tiers for the duration of
// one acquisition run; callers enforce at most one in-flight run per name.
type Manager struct {
	root   string
	logger *zap.Logger
}

func NewManager(root string, logger *zap.Logger) (*Manager, error) {
	for _, t := range types.AllTiers {
		if err := os.MkdirAll(filepath.Join(root, t.String()), 0755); err != nil {
			return nil, fmt.Errorf("creating %s tier dir: %w", t, err)
		}
	}
	return &Manager{root: root, logger: logger}, nil
}

// Root returns the storage root the tiers live under.
func (m *Manager) Root() string { return m.root }

// Path returns the directory for a dataset in a tier.
func (m *Manager) Path(name string, tier types.Tier) string {
	return filepath.Join(m.root, tier.String(), name)
}

// Entry derives the cache entry for a dataset in one tier.
func (m *Manager) Entry(name string, tier types.Tier) types.CacheEntry {
	path := m.Path(name, tier)
	entry := types.CacheEntry{Tier: tier, TierPath: path}

	info, err := os.Stat(path)
	if err != nil {
		return entry
	}

	entry.ExistsOnDisk = true
	entry.LastModifiedAt = info.ModTime()
	entry.SizeOnDiskMiB = m.sizeMiB(path)
	entry.Populated = m.populated(path)
	return entry
}

// Status reports all three tiers for a dataset.
func (m *Manager) Status(name string) map[string]types.CacheEntry {
	out := make(map[string]types.CacheEntry, len(types.AllTiers))
	for _, t := range types.AllTiers {
		out[t.String()] = m.Entry(name, t)
	}
	return out
}

// SizeOnDisk returns the recursive size of a dataset's tier in MiB.
func (m *Manager) SizeOnDisk(name string, tier types.Tier) float64 {
	return m.sizeMiB(m.Path(name, tier))
}

// Promote atomically moves a dataset's content from one tier to another,
// replacing any existing destination. Content is staged into a sibling
// path inside the destination tier and renamed, never copied in place, so
// a crash leaves either the old or the new content intact.
func (m *Manager) Promote(name string, from, to types.Tier) error {
	src := m.Path(name, from)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("promote %s %s->%s: source: %w", name, from, to, err)
	}

	dst := m.Path(name, to)
	staging := filepath.Join(m.root, to.String(), fmt.Sprintf("%s%s-%d", StagingPrefix, name, time.Now().UnixNano()))

	if err := rename(src, staging); err != nil {
		return fmt.Errorf("promote %s %s->%s: staging: %w", name, from, to, err)
	}
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("promote %s %s->%s: clearing destination: %w", name, from, to, err)
	}
	if err := rename(staging, dst); err != nil {
		return fmt.Errorf("promote %s %s->%s: publishing: %w", name, from, to, err)
	}

	metrics.PromotionOps.WithLabelValues(from.String(), to.String()).Inc()
	m.logger.Debug("tier promoted",
		zap.String("dataset", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	return nil
}

// Clear removes a dataset's tier directory. Clearing an absent tier is not
// an error.
func (m *Manager) Clear(name string, tier types.Tier) error {
	if err := os.RemoveAll(m.Path(name, tier)); err != nil {
		return fmt.Errorf("clearing %s tier for %s: %w", tier, name, err)
	}
	return nil
}

// Datasets lists the dataset names present in a tier, staging dirs excluded.
func (m *Manager) Datasets(tier types.Tier) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.root, tier.String()))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), StagingPrefix) {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// TierStats aggregates usage across all datasets in a tier.
func (m *Manager) TierStats(tier types.Tier) (types.TierStats, error) {
	names, err := m.Datasets(tier)
	if err != nil {
		return types.TierStats{}, err
	}
	stats := types.TierStats{Tier: tier, DatasetCount: len(names)}
	for _, name := range names {
		stats.TotalMiB += m.SizeOnDisk(name, tier)
	}
	return stats, nil
}

// populated reports whether the directory holds at least one file that is
// not provenance metadata.
func (m *Manager) populated(dir string) bool {
	found := false
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || found {
			return fs.SkipAll
		}
		if !d.IsDir() && !metadataFiles[d.Name()] {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	return found
}

// sizeMiB walks the directory, skipping unreadable files rather than
// failing the whole computation.
func (m *Manager) sizeMiB(dir string) float64 {
	var total int64
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return float64(total) / (1024 * 1024)
}

// rename is a seam for fault-injection in tests.
var rename = os.Rename
