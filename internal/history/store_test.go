package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gftdcojp/dataset-tiered-cache/internal/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "history.db"), true, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func record(dataset string, finished time.Time, ok bool) RunRecord {
	res := types.AcquisitionResult{
		DatasetName: dataset,
		Strategy:    "local-copy",
	}
	if !ok {
		res.FailedStage = "fetching"
		res.FailureReason = "transport down"
	}
	return RunRecord{
		Result:     res,
		StartedAt:  finished.Add(-time.Minute),
		FinishedAt: finished,
	}
}

func TestBoltStore_RecordAndLastRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	if err := s.Record(ctx, record("ru-qa", base, false)); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, record("ru-qa", base.Add(time.Hour), true)); err != nil {
		t.Fatal(err)
	}

	last, err := s.LastRun(ctx, "ru-qa")
	if err != nil {
		t.Fatal(err)
	}
	if last == nil {
		t.Fatal("expected a last run")
	}
	if !last.Result.Succeeded() {
		t.Fatalf("expected the newer, successful run, got %+v", last.Result)
	}
	if !last.FinishedAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("unexpected finish time %v", last.FinishedAt)
	}
}

func TestBoltStore_LastRunUnknownDataset(t *testing.T) {
	s := newTestStore(t)
	last, err := s.LastRun(context.Background(), "never-acquired")
	if err != nil {
		t.Fatal(err)
	}
	if last != nil {
		t.Fatalf("expected nil, got %+v", last)
	}
}

func TestBoltStore_ListRunsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if err := s.Record(ctx, record("ds", base.Add(time.Duration(i)*time.Hour), true)); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := s.ListRuns(ctx, "ds", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	for i := 1; i < len(runs); i++ {
		if runs[i].FinishedAt.After(runs[i-1].FinishedAt) {
			t.Fatal("runs not ordered newest first")
		}
	}
	if !runs[0].FinishedAt.Equal(base.Add(4 * time.Hour)) {
		t.Fatalf("newest run missing, got %v", runs[0].FinishedAt)
	}

	all, err := s.ListRuns(ctx, "ds", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("expected all 5 runs for limit 0, got %d", len(all))
	}
}

func TestBoltStore_RecordsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := NewBoltStore(path, false, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Record(context.Background(), record("ds", time.Now(), true)); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := NewBoltStore(path, false, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	last, err := s2.LastRun(context.Background(), "ds")
	if err != nil {
		t.Fatal(err)
	}
	if last == nil {
		t.Fatal("record lost across reopen")
	}
}

func TestBoltStore_Ping(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(); err != nil {
		t.Fatal(err)
	}
}
