package types

import "time"

// Tier identifies one of the on-disk stages a dataset passes through.
type Tier int

const (
	TierRaw Tier = iota
	TierProcessed
	TierCached
)

func (t Tier) String() string {
	switch t {
	case TierRaw:
		return "raw"
	case TierProcessed:
		return "processed"
	case TierCached:
		return "cached"
	default:
		return "unknown"
	}
}

// AllTiers lists the tiers in promotion order.
var AllTiers = []Tier{TierRaw, TierProcessed, TierCached}

// ParseTier converts a tier name back into a Tier.
func ParseTier(s string) (Tier, bool) {
	switch s {
	case "raw":
		return TierRaw, true
	case "processed":
		return TierProcessed, true
	case "cached":
		return TierCached, true
	default:
		return 0, false
	}
}

// Strategy is the chosen method for materializing a dataset locally.
type Strategy int

const (
	StrategyDirect Strategy = iota
	StrategyLocalCopy
	StrategyStreaming
)

func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct"
	case StrategyLocalCopy:
		return "local-copy"
	case StrategyStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// CacheEntry is the runtime record for a dataset's presence in one tier.
// It is derived from the filesystem on demand and never persisted; the
// filesystem is the source of truth.
type CacheEntry struct {
	Tier           Tier      `json:"tier"`
	TierPath       string    `json:"tier_path"`
	ExistsOnDisk   bool      `json:"exists"`
	Populated      bool      `json:"populated"`
	SizeOnDiskMiB  float64   `json:"size_mib"`
	LastModifiedAt time.Time `json:"last_modified,omitempty"`
}

// ResourceSnapshot is a point-in-time reading of available storage.
// Snapshots are taken fresh before every strategy decision because free
// space changes as a side effect of prior downloads.
type ResourceSnapshot struct {
	LocalStoragePath          string
	AvailableLocalStorageGiB  float64
	AvailableRemoteStorageGiB *float64
}

// AcquisitionResult is the terminal record of one orchestration run.
type AcquisitionResult struct {
	DatasetName            string   `json:"dataset_name"`
	StrategyUsed           Strategy `json:"-"`
	Strategy               string   `json:"strategy"`
	RawTierPopulated       bool     `json:"raw_populated"`
	ProcessedTierPopulated bool     `json:"processed_populated"`
	ValidationPassed       bool     `json:"validation_passed"`
	FailedStage            string   `json:"failed_stage,omitempty"`
	FailureReason          string   `json:"failure_reason,omitempty"`
}

// Succeeded reports whether the run reached the Done state.
func (r AcquisitionResult) Succeeded() bool {
	return r.FailureReason == ""
}

// TierStats aggregates usage for a single tier across all datasets.
type TierStats struct {
	Tier         Tier
	DatasetCount int
	TotalMiB     float64
}
