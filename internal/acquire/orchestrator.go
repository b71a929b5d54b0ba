// Package acquire drives one dataset from a source locator to a validated,
// cached, on-disk dataset. One Run handles exactly one dataset name exactly
// once; retries live inside the fetcher, never at this level.
package acquire

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gftdcojp/dataset-tiered-cache/internal/cache"
	"github.com/gftdcojp/dataset-tiered-cache/internal/catalog"
	"github.com/gftdcojp/dataset-tiered-cache/internal/extract"
	"github.com/gftdcojp/dataset-tiered-cache/internal/fetch"
	"github.com/gftdcojp/dataset-tiered-cache/internal/history"
	"github.com/gftdcojp/dataset-tiered-cache/internal/metrics"
	"github.com/gftdcojp/dataset-tiered-cache/internal/pipeline"
	"github.com/gftdcojp/dataset-tiered-cache/internal/resource"
	"github.com/gftdcojp/dataset-tiered-cache/internal/strategy"
	"github.com/gftdcojp/dataset-tiered-cache/internal/types"
)

// State names the phases of one acquisition run.
type State int

const (
	StateIdle State = iota
	StateSelecting
	StateFetching
	StateExtracting
	StatePreprocessing
	StateValidating
	StateFinalizing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSelecting:
		return "selecting"
	case StateFetching:
		return "fetching"
	case StateExtracting:
		return "extracting"
	case StatePreprocessing:
		return "preprocessing"
	case StateValidating:
		return "validating"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MetadataFile is the cached-tier provenance record name.
const MetadataFile = "metadata.json"

// Options tune a single run.
type Options struct {
	SkipPreprocessing bool
	// Progress observes cumulative fetched bytes; may be nil.
	Progress fetch.Sink
}

// OrchestratorConfig holds the collaborators of the orchestrator.
type OrchestratorConfig struct {
	Catalog      *catalog.Catalog
	Prober       *resource.Prober
	Thresholds   strategy.Thresholds
	Fetcher      *fetch.Fetcher
	Cache        *cache.Manager
	Preprocessor *pipeline.Preprocessor
	Validator    *pipeline.Validator
	History      history.Store
	TempDir      string
	Logger       *zap.Logger
}

// Orchestrator is the top-level acquisition state machine.
type Orchestrator struct {
	catalog      *catalog.Catalog
	prober       *resource.Prober
	thresholds   strategy.Thresholds
	fetcher      *fetch.Fetcher
	cache        *cache.Manager
	preprocessor *pipeline.Preprocessor
	validator    *pipeline.Validator
	history      history.Store
	tempDir      string
	logger       *zap.Logger
	now          func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		catalog:      cfg.Catalog,
		prober:       cfg.Prober,
		thresholds:   cfg.Thresholds,
		fetcher:      cfg.Fetcher,
		cache:        cfg.Cache,
		preprocessor: cfg.Preprocessor,
		validator:    cfg.Validator,
		history:      cfg.History,
		tempDir:      cfg.TempDir,
		logger:       cfg.Logger,
		now:          time.Now,
	}
}

// Run acquires one dataset and returns its terminal result. Failures are
// reported in the result, not as an error: the result is the contract.
// Direct and local-copy runs materialize identically; the strategy records
// how readers should consume the dataset, not how it was fetched.
func (o *Orchestrator) Run(ctx context.Context, name string, opts Options) types.AcquisitionResult {
	startedAt := o.now()
	result, _ := o.run(ctx, name, opts)
	finishedAt := o.now()

	outcome := "success"
	if !result.Succeeded() {
		outcome = "failure"
	}
	metrics.AcquisitionsTotal.WithLabelValues(name, outcome).Inc()

	if o.history != nil {
		rec := history.RunRecord{Result: result, StartedAt: startedAt, FinishedAt: finishedAt}
		if err := o.history.Record(ctx, rec); err != nil {
			o.logger.Warn("failed to record run history", zap.String("dataset", name), zap.Error(err))
		}
	}

	if result.Succeeded() {
		o.logger.Info("acquisition done",
			zap.String("dataset", name),
			zap.String("strategy", result.Strategy),
			zap.Bool("raw_populated", result.RawTierPopulated),
			zap.Bool("processed_populated", result.ProcessedTierPopulated),
			zap.Duration("elapsed", finishedAt.Sub(startedAt)),
		)
	} else {
		o.logger.Error("acquisition failed",
			zap.String("dataset", name),
			zap.String("stage", result.FailedStage),
			zap.String("reason", result.FailureReason),
		)
	}

	return result
}

func (o *Orchestrator) run(ctx context.Context, name string, opts Options) (types.AcquisitionResult, State) {
	result := types.AcquisitionResult{DatasetName: name}

	fail := func(state State, err error) (types.AcquisitionResult, State) {
		result.FailedStage = state.String()
		result.FailureReason = err.Error()
		o.fillTierState(&result)
		return result, StateFailed
	}

	// Idle -> Selecting
	desc, err := o.catalog.Lookup(name)
	if err != nil {
		return fail(StateSelecting, err)
	}

	snap, err := o.prober.Snapshot(o.cache.Root())
	if err != nil {
		return fail(StateSelecting, err)
	}

	strat := strategy.Select(desc.DeclaredSizeMiB, snap, o.thresholds)
	metrics.StrategyDecisions.WithLabelValues(strat.String()).Inc()
	result.StrategyUsed = strat
	result.Strategy = strat.String()

	if strategy.SpaceConstrained(desc.DeclaredSizeMiB, snap, o.thresholds) {
		// Not a failure: the selector already fell back to streaming.
		o.logger.Warn("insufficient local space, forcing streaming",
			zap.String("dataset", name),
			zap.Float64("declared_mib", desc.DeclaredSizeMiB),
			zap.Float64("available_gib", snap.AvailableLocalStorageGiB),
		)
	}

	o.logger.Info("strategy selected",
		zap.String("dataset", name),
		zap.String("strategy", strat.String()),
		zap.Float64("declared_mib", desc.DeclaredSizeMiB),
		zap.Float64("available_gib", snap.AvailableLocalStorageGiB),
	)

	// Selecting -> Fetching
	if strat == types.StrategyStreaming {
		// Streaming registers the dataset without materializing bytes;
		// readers consume the source lazily.
		if err := o.writeCachedMetadata(desc, strat); err != nil {
			return fail(StateFinalizing, err)
		}
		result.ValidationPassed = len(desc.ValidationChecks) == 0
		o.fillTierState(&result)
		return result, StateDone
	}

	if state, err := o.materialize(ctx, desc, opts.Progress); err != nil {
		return fail(state, err)
	}

	// Fetching -> Preprocessing (Extracting happens inside materialize
	// because only materialized bytes can be unpacked).
	if !opts.SkipPreprocessing && len(desc.PreprocessingSteps) > 0 {
		if err := o.stage(StatePreprocessing, func() error {
			if err := o.seedProcessed(desc.Name); err != nil {
				return err
			}
			_, err := o.preprocessor.Apply(ctx, desc, desc.PreprocessingSteps)
			return err
		}); err != nil {
			if ctx.Err() != nil {
				// A cancelled run may have transformed only part of the
				// tier; clear it so it cannot read as usable data. Raw is
				// untouched, so a retry skips the fetch.
				if cerr := o.cache.Clear(desc.Name, types.TierProcessed); cerr != nil {
					o.logger.Warn("failed to clear processed tier after cancellation",
						zap.String("dataset", desc.Name), zap.Error(cerr))
				}
			}
			return fail(StatePreprocessing, err)
		}
	}

	// Preprocessing -> Validating
	if len(desc.ValidationChecks) > 0 {
		if err := o.stage(StateValidating, func() error {
			_, err := o.validator.Validate(ctx, desc.Name, desc.ValidationChecks)
			return err
		}); err != nil {
			return fail(StateValidating, err)
		}
	}
	result.ValidationPassed = true

	// Validating -> Done
	if err := o.writeCachedMetadata(desc, strat); err != nil {
		return fail(StateFinalizing, err)
	}

	o.fillTierState(&result)
	return result, StateDone
}

// materialize fetches the descriptor's source into the raw tier, unpacking
// archives along the way. Everything stages under the temp dir; the raw
// tier is replaced only once the staged content is complete.
func (o *Orchestrator) materialize(ctx context.Context, desc catalog.Descriptor, progress fetch.Sink) (State, error) {
	stageDir := filepath.Join(o.tempDir, desc.Name)
	if err := os.MkdirAll(stageDir, 0755); err != nil {
		return StateFetching, fmt.Errorf("creating staging dir: %w", err)
	}
	defer os.RemoveAll(stageDir)

	archivePath := filepath.Join(stageDir, stagedFilename(desc.SourceLocator, desc.Name))

	if err := o.stage(StateFetching, func() error {
		_, err := o.fetcher.Fetch(ctx, desc.SourceLocator, archivePath, progress)
		return err
	}); err != nil {
		return StateFetching, err
	}

	content := stageDir
	if desc.ArchiveFormat != catalog.ArchiveNone {
		// Fetching -> Extracting
		extractDir := filepath.Join(stageDir, "extracted")
		err := o.stage(StateExtracting, func() error {
			_, err := extract.Extract(archivePath, extractDir, string(desc.ArchiveFormat))
			return err
		})
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		metrics.ExtractionsTotal.WithLabelValues(string(desc.ArchiveFormat), outcome).Inc()
		if err != nil {
			return StateExtracting, err
		}
		if err := os.Remove(archivePath); err != nil {
			return StateExtracting, fmt.Errorf("removing fetched archive: %w", err)
		}
		content = extractDir
	}

	// Replace the raw tier. Only this path may remove raw, and only for
	// the dataset being actively fetched.
	if err := o.cache.Clear(desc.Name, types.TierRaw); err != nil {
		return StateFetching, err
	}
	rawPath := o.cache.Path(desc.Name, types.TierRaw)
	if err := os.Rename(content, rawPath); err != nil {
		return StateFetching, fmt.Errorf("publishing raw tier: %w", err)
	}
	return StateDone, nil
}

// stagedFilename derives the staging filename from a locator. Query strings
// and fragments are dropped so extension-based decompression detection sees
// the real suffix; locators without a recognizable filename fall back to
// "<name>.dat".
func stagedFilename(locator, name string) string {
	candidate := locator
	if u, err := url.Parse(locator); err == nil && u.Path != "" {
		candidate = u.Path
	}
	base := path.Base(candidate)
	if base == "" || base == "." || base == "/" || !strings.Contains(base, ".") {
		return name + ".dat"
	}
	return base
}

// seedProcessed copies the raw tier into the processed tier so steps can
// transform it in place. Copy, not move: raw survives failed later stages
// so retrying preprocessing never re-fetches.
func (o *Orchestrator) seedProcessed(name string) error {
	raw := o.cache.Path(name, types.TierRaw)
	if _, err := os.Stat(raw); err != nil {
		return fmt.Errorf("raw tier missing for %s: %w", name, err)
	}

	if err := o.cache.Clear(name, types.TierProcessed); err != nil {
		return err
	}
	processed := o.cache.Path(name, types.TierProcessed)
	if err := copyTree(raw, processed); err != nil {
		os.RemoveAll(processed)
		return fmt.Errorf("seeding processed tier: %w", err)
	}
	return nil
}

func (o *Orchestrator) writeCachedMetadata(desc catalog.Descriptor, strat types.Strategy) error {
	dir := o.cache.Path(desc.Name, types.TierCached)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating cached dir: %w", err)
	}

	meta := map[string]interface{}{
		"name":                desc.Name,
		"source":              desc.SourceLocator,
		"source_type":         string(desc.SourceKind),
		"download_date":       o.now().UTC().Format(time.RFC3339),
		"size_mb":             desc.DeclaredSizeMiB,
		"description":         desc.Description,
		"task_type":           desc.TaskType,
		"language":            desc.Language,
		"format":              string(desc.ArchiveFormat),
		"strategy":            strat.String(),
		"preprocessing_steps": desc.PreprocessingSteps,
		"validation_checks":   desc.ValidationChecks,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, MetadataFile), data, 0644)
}

func (o *Orchestrator) fillTierState(result *types.AcquisitionResult) {
	result.RawTierPopulated = o.cache.Entry(result.DatasetName, types.TierRaw).Populated
	result.ProcessedTierPopulated = o.cache.Entry(result.DatasetName, types.TierProcessed).Populated
}

func (o *Orchestrator) stage(state State, fn func() error) error {
	start := o.now()
	err := fn()
	metrics.StageDuration.WithLabelValues(state.String()).Observe(o.now().Sub(start).Seconds())
	return err
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(p, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
