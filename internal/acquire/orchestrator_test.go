package acquire

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/gftdcojp/dataset-tiered-cache/internal/cache"
	"github.com/gftdcojp/dataset-tiered-cache/internal/catalog"
	"github.com/gftdcojp/dataset-tiered-cache/internal/fetch"
	"github.com/gftdcojp/dataset-tiered-cache/internal/history"
	"github.com/gftdcojp/dataset-tiered-cache/internal/pipeline"
	"github.com/gftdcojp/dataset-tiered-cache/internal/resource"
	"github.com/gftdcojp/dataset-tiered-cache/internal/strategy"
	"github.com/gftdcojp/dataset-tiered-cache/internal/types"
)

// fakeHistory records runs in memory.
type fakeHistory struct {
	mu   sync.Mutex
	recs []history.RunRecord
}

func (f *fakeHistory) Record(_ context.Context, rec history.RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeHistory) LastRun(_ context.Context, dataset string) (*history.RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.recs) - 1; i >= 0; i-- {
		if f.recs[i].Result.DatasetName == dataset {
			rec := f.recs[i]
			return &rec, nil
		}
	}
	return nil, nil
}

func (f *fakeHistory) ListRuns(_ context.Context, dataset string, limit int) ([]history.RunRecord, error) {
	last, _ := f.LastRun(context.Background(), dataset)
	if last == nil {
		return nil, nil
	}
	return []history.RunRecord{*last}, nil
}

func (f *fakeHistory) Ping() error  { return nil }
func (f *fakeHistory) Close() error { return nil }

func zipPayload(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func tarGzPayload(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range entries {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type testEnv struct {
	orch    *Orchestrator
	cache   *cache.Manager
	history *fakeHistory
	steps   *pipeline.StepRegistry
	checks  *pipeline.CheckRegistry
}

func newTestEnv(t *testing.T, descriptors []catalog.Descriptor) *testEnv {
	t.Helper()

	cat, err := catalog.New(descriptors)
	if err != nil {
		t.Fatal(err)
	}
	cm, err := cache.NewManager(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	httpTransport := fetch.NewHTTPTransport(fetch.DefaultHTTPOptions())
	mux := fetch.NewSchemeMux()
	mux.Register("http", httpTransport)
	mux.Register("https", httpTransport)
	mux.Register("file", fetch.NewFileTransport())

	steps := pipeline.NewStepRegistry()
	checks := pipeline.NewCheckRegistry()
	hist := &fakeHistory{}

	orch := NewOrchestrator(OrchestratorConfig{
		Catalog:      cat,
		Prober:       &resource.Prober{},
		Thresholds:   strategy.Thresholds{SmallMiB: 100, LargeMiB: 2000, Headroom: 0.8},
		Fetcher:      &fetch.Fetcher{Transport: mux, ChunkSize: 4096, MaxRetries: 3, Logger: zap.NewNop()},
		Cache:        cm,
		Preprocessor: &pipeline.Preprocessor{Cache: cm, Registry: steps, Logger: zap.NewNop()},
		Validator:    &pipeline.Validator{Cache: cm, Registry: checks, Logger: zap.NewNop()},
		History:      hist,
		TempDir:      t.TempDir(),
		Logger:       zap.NewNop(),
	})

	return &testEnv{orch: orch, cache: cm, history: hist, steps: steps, checks: checks}
}

func archiveDescriptor(name, source string) catalog.Descriptor {
	return catalog.Descriptor{
		Name:            name,
		SourceLocator:   source,
		SourceKind:      catalog.SourceRemoteArchive,
		ArchiveFormat:   catalog.ArchiveZip,
		DeclaredSizeMiB: 10,
		TaskType:        "classification",
	}
}

func TestRun_EndToEnd(t *testing.T) {
	payload := zipPayload(t, map[string]string{
		"train.jsonl": `{"text":"a"}`,
		"test.jsonl":  `{"text":"b"}`,
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	desc := archiveDescriptor("ru-qa", srv.URL+"/ru-qa.zip")
	desc.PreprocessingSteps = []string{"tokenization"}
	desc.ValidationChecks = []string{"check_qa_format"}
	env := newTestEnv(t, []catalog.Descriptor{desc})

	var stepDirs []string
	env.steps.Register("tokenization", func(ctx context.Context, dir string) error {
		stepDirs = append(stepDirs, dir)
		return nil
	})
	env.checks.Register("check_qa_format", func(ctx context.Context, dir string) error { return nil })

	res := env.orch.Run(context.Background(), "ru-qa", Options{})
	if !res.Succeeded() {
		t.Fatalf("run failed at %s: %s", res.FailedStage, res.FailureReason)
	}
	if res.Strategy != "direct" {
		t.Fatalf("expected direct strategy for 10 MiB, got %s", res.Strategy)
	}
	if !res.RawTierPopulated || !res.ProcessedTierPopulated {
		t.Fatalf("tiers not populated: %+v", res)
	}
	if !res.ValidationPassed {
		t.Fatal("expected validation to pass")
	}

	// Raw tier holds the extracted entries.
	raw := env.cache.Path("ru-qa", types.TierRaw)
	if _, err := os.Stat(filepath.Join(raw, "train.jsonl")); err != nil {
		t.Fatalf("raw tier missing extracted file: %v", err)
	}
	// The step ran against the processed tier, which was seeded from raw.
	if len(stepDirs) != 1 || !strings.Contains(stepDirs[0], types.TierProcessed.String()) {
		t.Fatalf("step ran against %v", stepDirs)
	}
	if _, err := os.Stat(filepath.Join(env.cache.Path("ru-qa", types.TierProcessed), "train.jsonl")); err != nil {
		t.Fatalf("processed tier not seeded from raw: %v", err)
	}
	// Provenance exists in processed, registration metadata in cached.
	if _, err := os.Stat(filepath.Join(env.cache.Path("ru-qa", types.TierProcessed), pipeline.ProvenanceFile)); err != nil {
		t.Fatalf("provenance missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.cache.Path("ru-qa", types.TierCached), MetadataFile)); err != nil {
		t.Fatalf("cached metadata missing: %v", err)
	}

	// The run was recorded.
	last, err := env.history.LastRun(context.Background(), "ru-qa")
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || !last.Result.Succeeded() {
		t.Fatalf("history record missing or wrong: %+v", last)
	}
}

func TestRun_UnknownDataset(t *testing.T) {
	env := newTestEnv(t, nil)
	res := env.orch.Run(context.Background(), "ghost", Options{})
	if res.Succeeded() {
		t.Fatal("expected failure")
	}
	if res.FailedStage != "selecting" {
		t.Fatalf("failed at %q, want selecting", res.FailedStage)
	}
	if !strings.Contains(res.FailureReason, "unknown dataset") {
		t.Fatalf("unexpected reason %q", res.FailureReason)
	}
}

func TestRun_FetchFailureLeavesTiersUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	env := newTestEnv(t, []catalog.Descriptor{archiveDescriptor("ds", srv.URL+"/ds.zip")})
	res := env.orch.Run(context.Background(), "ds", Options{})
	if res.Succeeded() {
		t.Fatal("expected failure")
	}
	if res.FailedStage != "fetching" {
		t.Fatalf("failed at %q, want fetching", res.FailedStage)
	}
	if env.cache.Entry("ds", types.TierRaw).ExistsOnDisk {
		t.Fatal("raw tier must not exist after a failed fetch")
	}
}

func TestRun_CorruptArchiveFailsExtracting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not a zip"))
	}))
	defer srv.Close()

	env := newTestEnv(t, []catalog.Descriptor{archiveDescriptor("ds", srv.URL+"/ds.zip")})
	res := env.orch.Run(context.Background(), "ds", Options{})
	if res.FailedStage != "extracting" {
		t.Fatalf("failed at %q, want extracting", res.FailedStage)
	}
	if env.cache.Entry("ds", types.TierRaw).ExistsOnDisk {
		t.Fatal("raw tier must not exist after a failed extraction")
	}
}

func TestRun_ValidationFailurePreservesRawTier(t *testing.T) {
	payload := zipPayload(t, map[string]string{"data.txt": "content"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	desc := archiveDescriptor("ds", srv.URL+"/ds.zip")
	desc.ValidationChecks = []string{"always_fails"}
	env := newTestEnv(t, []catalog.Descriptor{desc})
	env.checks.Register("always_fails", func(ctx context.Context, dir string) error {
		return context.DeadlineExceeded
	})

	res := env.orch.Run(context.Background(), "ds", Options{})
	if res.Succeeded() {
		t.Fatal("expected failure")
	}
	if res.FailedStage != "validating" {
		t.Fatalf("failed at %q, want validating", res.FailedStage)
	}
	if res.ValidationPassed {
		t.Fatal("validation must be reported as failed")
	}
	// Fetched data survives so a retry can skip the fetch.
	if !res.RawTierPopulated {
		t.Fatal("raw tier must survive a validation failure")
	}
}

func TestRun_UnknownStepFailsPreprocessing(t *testing.T) {
	payload := zipPayload(t, map[string]string{"data.txt": "content"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	desc := archiveDescriptor("ds", srv.URL+"/ds.zip")
	desc.PreprocessingSteps = []string{"not_registered"}
	env := newTestEnv(t, []catalog.Descriptor{desc})

	res := env.orch.Run(context.Background(), "ds", Options{})
	if res.FailedStage != "preprocessing" {
		t.Fatalf("failed at %q, want preprocessing", res.FailedStage)
	}
	if !strings.Contains(res.FailureReason, "not_registered") {
		t.Fatalf("reason does not name the step: %q", res.FailureReason)
	}
	if !res.RawTierPopulated {
		t.Fatal("raw tier must survive a preprocessing failure")
	}
}

func TestRun_CancellationClearsProcessedTier(t *testing.T) {
	payload := zipPayload(t, map[string]string{"data.txt": "content"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	desc := archiveDescriptor("ds", srv.URL+"/ds.zip")
	desc.PreprocessingSteps = []string{"slow_transform"}
	env := newTestEnv(t, []catalog.Descriptor{desc})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.steps.Register("slow_transform", func(ctx context.Context, dir string) error {
		// Half a transform, then the run is cancelled out from under it.
		if err := os.WriteFile(filepath.Join(dir, "partial.bin"), []byte("half"), 0644); err != nil {
			t.Fatal(err)
		}
		cancel()
		return ctx.Err()
	})

	res := env.orch.Run(ctx, "ds", Options{})
	if res.Succeeded() {
		t.Fatal("expected failure")
	}
	if res.FailedStage != "preprocessing" {
		t.Fatalf("failed at %q, want preprocessing", res.FailedStage)
	}
	if env.cache.Entry("ds", types.TierProcessed).ExistsOnDisk {
		t.Fatal("half-transformed processed tier must be cleared on cancellation")
	}
	if res.ProcessedTierPopulated {
		t.Fatal("result must not report the processed tier as populated")
	}
	if !env.cache.Entry("ds", types.TierRaw).Populated {
		t.Fatal("raw tier must survive cancellation")
	}
}

func TestRun_MetadataWriteFailureFailsFinalizing(t *testing.T) {
	payload := zipPayload(t, map[string]string{"data.txt": "content"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	env := newTestEnv(t, []catalog.Descriptor{archiveDescriptor("ds", srv.URL+"/ds.zip")})

	// A file where the cached dir belongs blocks the registration write.
	if err := os.WriteFile(env.cache.Path("ds", types.TierCached), nil, 0644); err != nil {
		t.Fatal(err)
	}

	res := env.orch.Run(context.Background(), "ds", Options{})
	if res.Succeeded() {
		t.Fatal("expected failure")
	}
	if res.FailedStage != "finalizing" {
		t.Fatalf("failed at %q, want finalizing", res.FailedStage)
	}
	if !res.RawTierPopulated {
		t.Fatal("raw tier must survive a failed registration")
	}
}

func TestRun_QueryStringLocatorKeepsArchiveSuffix(t *testing.T) {
	payload := tarGzPayload(t, map[string]string{"data.txt": "content"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	desc := archiveDescriptor("ds", srv.URL+"/ds.tar.gz?sig=abc123")
	desc.ArchiveFormat = catalog.ArchiveTar
	env := newTestEnv(t, []catalog.Descriptor{desc})

	res := env.orch.Run(context.Background(), "ds", Options{})
	if !res.Succeeded() {
		t.Fatalf("run failed at %s: %s", res.FailedStage, res.FailureReason)
	}
	if _, err := os.Stat(filepath.Join(env.cache.Path("ds", types.TierRaw), "data.txt")); err != nil {
		t.Fatalf("raw tier missing extracted file: %v", err)
	}
}

func TestStagedFilename(t *testing.T) {
	cases := []struct {
		locator string
		want    string
	}{
		{"https://host/files/data.tar.gz?sig=abc", "data.tar.gz"},
		{"https://host/files/data.zip#frag", "data.zip"},
		{"https://host/archive.zip", "archive.zip"},
		{"file:///fixtures/ds.tar", "ds.tar"},
		{"org/dataset", "ds.dat"},
		{"https://host/download", "ds.dat"},
	}
	for _, c := range cases {
		if got := stagedFilename(c.locator, "ds"); got != c.want {
			t.Errorf("stagedFilename(%q) = %q, want %q", c.locator, got, c.want)
		}
	}
}

func TestRun_SkipPreprocessingLeavesProcessedUntouched(t *testing.T) {
	payload := zipPayload(t, map[string]string{"data.txt": "content"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	desc := archiveDescriptor("ds", srv.URL+"/ds.zip")
	desc.PreprocessingSteps = []string{"tokenization"}
	env := newTestEnv(t, []catalog.Descriptor{desc})
	// Deliberately not registered: skipping must mean it is never resolved.

	res := env.orch.Run(context.Background(), "ds", Options{SkipPreprocessing: true})
	if !res.Succeeded() {
		t.Fatalf("run failed at %s: %s", res.FailedStage, res.FailureReason)
	}
	if env.cache.Entry("ds", types.TierProcessed).ExistsOnDisk {
		t.Fatal("processed tier must stay untouched when preprocessing is skipped")
	}
}

func TestRun_StreamingRegistersWithoutFetching(t *testing.T) {
	fetched := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetched = true
	}))
	defer srv.Close()

	desc := archiveDescriptor("huge", srv.URL+"/huge.zip")
	desc.DeclaredSizeMiB = 5000 // above the large threshold
	env := newTestEnv(t, []catalog.Descriptor{desc})

	res := env.orch.Run(context.Background(), "huge", Options{})
	if !res.Succeeded() {
		t.Fatalf("run failed at %s: %s", res.FailedStage, res.FailureReason)
	}
	if res.Strategy != "streaming" {
		t.Fatalf("expected streaming, got %s", res.Strategy)
	}
	if fetched {
		t.Fatal("streaming must not fetch any bytes")
	}
	if res.RawTierPopulated {
		t.Fatal("streaming must not populate the raw tier")
	}
	if _, err := os.Stat(filepath.Join(env.cache.Path("huge", types.TierCached), MetadataFile)); err != nil {
		t.Fatalf("cached registration missing: %v", err)
	}
	// The registration alone must not count as populated data.
	if env.cache.Entry("huge", types.TierCached).Populated {
		t.Fatal("metadata-only cached tier must not be populated")
	}
}

func TestRun_ReplacesPreviousRawContent(t *testing.T) {
	serveNew := false
	oldPayload := zipPayload(t, map[string]string{"old.txt": "old"})
	newPayload := zipPayload(t, map[string]string{"new.txt": "new"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if serveNew {
			w.Write(newPayload)
		} else {
			w.Write(oldPayload)
		}
	}))
	defer srv.Close()

	env := newTestEnv(t, []catalog.Descriptor{archiveDescriptor("ds", srv.URL+"/ds.zip")})

	if res := env.orch.Run(context.Background(), "ds", Options{}); !res.Succeeded() {
		t.Fatalf("first run failed: %s", res.FailureReason)
	}
	serveNew = true
	if res := env.orch.Run(context.Background(), "ds", Options{}); !res.Succeeded() {
		t.Fatalf("second run failed: %s", res.FailureReason)
	}

	raw := env.cache.Path("ds", types.TierRaw)
	if _, err := os.Stat(filepath.Join(raw, "old.txt")); !os.IsNotExist(err) {
		t.Fatal("stale raw content survived a re-acquisition")
	}
	if _, err := os.Stat(filepath.Join(raw, "new.txt")); err != nil {
		t.Fatalf("new raw content missing: %v", err)
	}
}
