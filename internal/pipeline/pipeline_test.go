package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gftdcojp/dataset-tiered-cache/internal/cache"
	"github.com/gftdcojp/dataset-tiered-cache/internal/catalog"
	"github.com/gftdcojp/dataset-tiered-cache/internal/types"
)

func testDescriptor() catalog.Descriptor {
	return catalog.Descriptor{
		Name:            "ru-sentiment",
		SourceLocator:   "https://example.com/ru-sentiment.zip",
		SourceKind:      catalog.SourceRemoteArchive,
		ArchiveFormat:   catalog.ArchiveZip,
		DeclaredSizeMiB: 120,
		Description:     "sentiment corpus",
		TaskType:        "classification",
		Language:        "ru",
	}
}

func newTestPreprocessor(t *testing.T) (*Preprocessor, *StepRegistry) {
	t.Helper()
	cm, err := cache.NewManager(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	reg := NewStepRegistry()
	return &Preprocessor{
		Cache:    cm,
		Registry: reg,
		Logger:   zap.NewNop(),
		Now:      func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) },
	}, reg
}

func TestPreprocessor_RunsStepsInDeclaredOrder(t *testing.T) {
	p, reg := newTestPreprocessor(t)

	var order []string
	for _, name := range []string{"step_a", "step_b", "step_c"} {
		name := name
		reg.Register(name, func(ctx context.Context, dir string) error {
			order = append(order, name)
			return nil
		})
	}

	out, err := p.Apply(context.Background(), testDescriptor(), []string{"step_b", "step_a", "step_c"})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"step_b", "step_a", "step_c"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("steps ran as %v, want %v", order, want)
	}
	if !reflect.DeepEqual(out.AppliedSteps, want) {
		t.Fatalf("outcome reports %v, want %v", out.AppliedSteps, want)
	}
}

func TestPreprocessor_UnknownStepAbortsBeforeLaterSteps(t *testing.T) {
	p, reg := newTestPreprocessor(t)

	ran := map[string]bool{}
	reg.Register("known", func(ctx context.Context, dir string) error {
		ran["known"] = true
		return nil
	})
	reg.Register("after", func(ctx context.Context, dir string) error {
		ran["after"] = true
		return nil
	})

	_, err := p.Apply(context.Background(), testDescriptor(), []string{"known", "missing", "after"})
	var ue *UnknownStepError
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UnknownStepError, got %v", err)
	}
	if ue.Step != "missing" {
		t.Fatalf("error names step %q, want %q", ue.Step, "missing")
	}
	if !ran["known"] {
		t.Fatal("step before the unknown one should have run")
	}
	if ran["after"] {
		t.Fatal("step after the unknown one must not run")
	}
}

func TestPreprocessor_FailedStepStopsSequence(t *testing.T) {
	p, reg := newTestPreprocessor(t)

	boom := errors.New("bad data")
	reg.Register("explodes", func(ctx context.Context, dir string) error { return boom })
	laterRan := false
	reg.Register("later", func(ctx context.Context, dir string) error {
		laterRan = true
		return nil
	})

	_, err := p.Apply(context.Background(), testDescriptor(), []string{"explodes", "later"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected step error, got %v", err)
	}
	if laterRan {
		t.Fatal("later step must not run after a failure")
	}
}

func TestPreprocessor_WritesProvenance(t *testing.T) {
	p, reg := newTestPreprocessor(t)
	reg.Register("text_cleaning", func(ctx context.Context, dir string) error { return nil })
	reg.Register("tokenization", func(ctx context.Context, dir string) error { return nil })

	desc := testDescriptor()
	if _, err := p.Apply(context.Background(), desc, []string{"text_cleaning", "tokenization"}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(p.Cache.Path(desc.Name, types.TierProcessed), ProvenanceFile))
	if err != nil {
		t.Fatal(err)
	}
	var prov Provenance
	if err := json.Unmarshal(data, &prov); err != nil {
		t.Fatal(err)
	}
	if prov.DatasetName != desc.Name {
		t.Fatalf("provenance names %q, want %q", prov.DatasetName, desc.Name)
	}
	if !reflect.DeepEqual(prov.AppliedSteps, []string{"text_cleaning", "tokenization"}) {
		t.Fatalf("provenance steps %v", prov.AppliedSteps)
	}
	if prov.PreprocessingDate != "2026-03-14T12:00:00Z" {
		t.Fatalf("unexpected preprocessing date %q", prov.PreprocessingDate)
	}
	if prov.OriginalConfig.Language != "ru" || prov.OriginalConfig.SizeMiB != 120 {
		t.Fatalf("original config not carried over: %+v", prov.OriginalConfig)
	}
}

func TestPreprocessor_NoProvenanceAfterFailure(t *testing.T) {
	p, _ := newTestPreprocessor(t)
	desc := testDescriptor()

	if _, err := p.Apply(context.Background(), desc, []string{"missing"}); err == nil {
		t.Fatal("expected error")
	}
	provPath := filepath.Join(p.Cache.Path(desc.Name, types.TierProcessed), ProvenanceFile)
	if _, err := os.Stat(provPath); !os.IsNotExist(err) {
		t.Fatal("provenance must not be written after a failed run")
	}
}

func newTestValidator(t *testing.T) (*Validator, *CheckRegistry) {
	t.Helper()
	cm, err := cache.NewManager(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	reg := NewCheckRegistry()
	return &Validator{Cache: cm, Registry: reg, Logger: zap.NewNop()}, reg
}

func TestValidator_AllChecksPass(t *testing.T) {
	v, reg := newTestValidator(t)
	reg.Register("check_a", func(ctx context.Context, dir string) error { return nil })
	reg.Register("check_b", func(ctx context.Context, dir string) error { return nil })

	out, err := v.Validate(context.Background(), "ds", []string{"check_a", "check_b"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out.PassedChecks, []string{"check_a", "check_b"}) {
		t.Fatalf("passed checks %v", out.PassedChecks)
	}
}

func TestValidator_ShortCircuitsOnFirstFailure(t *testing.T) {
	v, reg := newTestValidator(t)

	reg.Register("passes", func(ctx context.Context, dir string) error { return nil })
	reg.Register("fails", func(ctx context.Context, dir string) error {
		return errors.New("schema mismatch")
	})
	laterRan := false
	reg.Register("never", func(ctx context.Context, dir string) error {
		laterRan = true
		return nil
	})

	out, err := v.Validate(context.Background(), "ds", []string{"passes", "fails", "never"})
	var cf *CheckFailedError
	if !errors.As(err, &cf) {
		t.Fatalf("expected *CheckFailedError, got %v", err)
	}
	if cf.Check != "fails" {
		t.Fatalf("error names check %q, want %q", cf.Check, "fails")
	}
	if out.FailedCheck != "fails" {
		t.Fatalf("outcome names %q", out.FailedCheck)
	}
	if !reflect.DeepEqual(out.PassedChecks, []string{"passes"}) {
		t.Fatalf("passed checks %v", out.PassedChecks)
	}
	if laterRan {
		t.Fatal("check after the failing one must not run")
	}
}

func TestValidator_UnknownCheck(t *testing.T) {
	v, _ := newTestValidator(t)
	_, err := v.Validate(context.Background(), "ds", []string{"nope"})
	var uc *UnknownCheckError
	if !errors.As(err, &uc) {
		t.Fatalf("expected *UnknownCheckError, got %v", err)
	}
	if uc.Check != "nope" {
		t.Fatalf("error names check %q", uc.Check)
	}
}

func TestValidator_EmptyCheckListPasses(t *testing.T) {
	v, _ := newTestValidator(t)
	out, err := v.Validate(context.Background(), "ds", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.PassedChecks) != 0 || out.FailedCheck != "" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestRegisterDefaults_CoversStockNames(t *testing.T) {
	steps := NewStepRegistry()
	checks := NewCheckRegistry()
	RegisterDefaults(steps, checks, zap.NewNop())

	if _, err := steps.Resolve("text_cleaning"); err != nil {
		t.Fatal(err)
	}
	if _, err := checks.Resolve("validate_russian_text"); err != nil {
		t.Fatal(err)
	}
}
