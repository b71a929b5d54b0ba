package acquire

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gftdcojp/dataset-tiered-cache/internal/types"
)

// BatchRunner acquires several datasets concurrently while guaranteeing at
// most one in-flight run per dataset name.
type BatchRunner struct {
	orch   *Orchestrator
	logger *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewBatchRunner creates a batch runner on top of an orchestrator.
func NewBatchRunner(orch *Orchestrator, logger *zap.Logger) *BatchRunner {
	return &BatchRunner{
		orch:     orch,
		logger:   logger,
		inFlight: make(map[string]struct{}),
	}
}

// Running reports whether a run for the given dataset is currently active.
func (b *BatchRunner) Running(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.inFlight[name]
	return ok
}

// Run acquires a single dataset, refusing to overlap with another run of
// the same name.
func (b *BatchRunner) Run(ctx context.Context, name string, opts Options) (types.AcquisitionResult, bool) {
	if !b.acquireSlot(name) {
		return types.AcquisitionResult{DatasetName: name}, false
	}
	defer b.releaseSlot(name)
	return b.orch.Run(ctx, name, opts), true
}

// RunAll acquires the given datasets with at most parallel concurrent runs.
// Duplicate names are collapsed; results come back keyed by dataset name.
func (b *BatchRunner) RunAll(ctx context.Context, names []string, parallel int, opts Options) map[string]types.AcquisitionResult {
	if parallel < 1 {
		parallel = 1
	}

	seen := make(map[string]struct{}, len(names))
	unique := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		unique = append(unique, n)
	}
	sort.Strings(unique)

	var mu sync.Mutex
	results := make(map[string]types.AcquisitionResult, len(unique))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for _, name := range unique {
		name := name
		g.Go(func() error {
			res, ran := b.Run(ctx, name, opts)
			if !ran {
				b.logger.Warn("skipping dataset, run already in flight", zap.String("dataset", name))
				return nil
			}
			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return results
}

func (b *BatchRunner) acquireSlot(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inFlight[name]; ok {
		return false
	}
	b.inFlight[name] = struct{}{}
	return true
}

func (b *BatchRunner) releaseSlot(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inFlight, name)
}
