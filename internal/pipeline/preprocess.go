package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/gftdcojp/dataset-tiered-cache/internal/cache"
	"github.com/gftdcojp/dataset-tiered-cache/internal/catalog"
	"github.com/gftdcojp/dataset-tiered-cache/internal/types"
)

// ProvenanceFile records which steps ran over the processed tier.
const ProvenanceFile = "preprocessing_metadata.json"

// Provenance is the on-disk provenance record.
type Provenance struct {
	DatasetName       string         `json:"dataset_name"`
	PreprocessingDate string         `json:"preprocessing_date"`
	AppliedSteps      []string       `json:"applied_steps"`
	OriginalConfig    OriginalConfig `json:"original_config"`
}

type OriginalConfig struct {
	SizeMiB     float64 `json:"size_mb"`
	Description string  `json:"description"`
	TaskType    string  `json:"task_type"`
	Language    string  `json:"language"`
}

// Preprocessor applies a descriptor's ordered step sequence to the
// processed tier. Steps run strictly in declared order: later steps assume
// earlier ones have already run. The raw tier is never touched here.
type Preprocessor struct {
	Cache    *cache.Manager
	Registry *StepRegistry
	Logger   *zap.Logger
	Now      func() time.Time
}

// Outcome lists the steps that completed.
type Outcome struct {
	AppliedSteps []string
}

// Apply runs the steps over the dataset's processed tier and, on success,
// writes the provenance record. An unresolved step name aborts before any
// later step runs; the partial processed tier is left as-is and is
// non-authoritative until provenance has been recorded.
func (p *Preprocessor) Apply(ctx context.Context, desc catalog.Descriptor, steps []string) (Outcome, error) {
	dir := p.Cache.Path(desc.Name, types.TierProcessed)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Outcome{}, fmt.Errorf("creating processed dir: %w", err)
	}

	var applied []string
	for _, step := range steps {
		fn, err := p.Registry.Resolve(step)
		if err != nil {
			return Outcome{AppliedSteps: applied}, err
		}

		p.Logger.Info("applying preprocessing step",
			zap.String("dataset", desc.Name),
			zap.String("step", step),
		)
		if err := fn(ctx, dir); err != nil {
			return Outcome{AppliedSteps: applied}, fmt.Errorf("preprocessing step %q: %w", step, err)
		}
		applied = append(applied, step)
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	prov := Provenance{
		DatasetName:       desc.Name,
		PreprocessingDate: now().UTC().Format(time.RFC3339),
		AppliedSteps:      append([]string{}, steps...),
		OriginalConfig: OriginalConfig{
			SizeMiB:     desc.DeclaredSizeMiB,
			Description: desc.Description,
			TaskType:    desc.TaskType,
			Language:    desc.Language,
		},
	}
	if err := writeJSON(filepath.Join(dir, ProvenanceFile), prov); err != nil {
		return Outcome{AppliedSteps: applied}, fmt.Errorf("writing provenance: %w", err)
	}

	return Outcome{AppliedSteps: applied}, nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
