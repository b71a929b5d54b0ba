// Package strategy decides how a dataset is materialized locally.
package strategy

import (
	"github.com/gftdcojp/dataset-tiered-cache/internal/config"
	"github.com/gftdcojp/dataset-tiered-cache/internal/types"
)

// Thresholds are the tunables of the selector. Declared sizes are advisory,
// so the free-space override always dominates the size-based defaults:
// running out of disk mid-copy is a harder failure than a suboptimal but
// safe strategy.
type Thresholds struct {
	// SmallMiB: below this the dataset is read directly.
	SmallMiB float64
	// LargeMiB: at or above this the dataset is streamed.
	LargeMiB float64
	// Headroom is the fraction of free space a dataset may claim.
	Headroom float64
}

// FromConfig builds Thresholds from the strategy config section.
func FromConfig(cfg config.StrategyConfig) Thresholds {
	return Thresholds{
		SmallMiB: cfg.SmallThresholdMiB,
		LargeMiB: cfg.LargeThresholdMiB,
		Headroom: cfg.SpaceHeadroom,
	}
}

// Select is a pure function of the declared size, the snapshot and the
// thresholds. Identical inputs always yield the identical strategy.
func Select(declaredSizeMiB float64, snap types.ResourceSnapshot, th Thresholds) types.Strategy {
	// Insufficient-space override.
	if declaredSizeMiB/1024 > th.Headroom*snap.AvailableLocalStorageGiB {
		return types.StrategyStreaming
	}
	if declaredSizeMiB < th.SmallMiB {
		return types.StrategyDirect
	}
	if declaredSizeMiB < th.LargeMiB {
		return types.StrategyLocalCopy
	}
	return types.StrategyStreaming
}

// SpaceConstrained reports whether the override clause alone would force
// streaming; the orchestrator surfaces this as an insufficient-space warning.
func SpaceConstrained(declaredSizeMiB float64, snap types.ResourceSnapshot, th Thresholds) bool {
	return declaredSizeMiB/1024 > th.Headroom*snap.AvailableLocalStorageGiB
}
