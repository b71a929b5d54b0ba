package metrics

import (
	"errors"
	"path/filepath"
	"testing"
)

type stubPinger struct {
	err error
}

func (s *stubPinger) Ping() error { return s.err }

func TestLiveness_AlwaysOK(t *testing.T) {
	h := NewHealthChecker(t.TempDir(), nil, nil, nil)
	if !h.Liveness().OK {
		t.Fatal("liveness must be ok")
	}
}

func TestReadiness_OK(t *testing.T) {
	h := NewHealthChecker(t.TempDir(), &stubPinger{}, nil, nil)
	status := h.Readiness()
	if !status.OK {
		t.Fatalf("expected ready, got %+v", status)
	}
	names := map[string]string{}
	for _, c := range status.Checks {
		names[c.Name] = c.Status
	}
	if names["storage"] != "ok" || names["history"] != "ok" {
		t.Fatalf("unexpected checks %v", names)
	}
}

func TestReadiness_MissingStorageRoot(t *testing.T) {
	h := NewHealthChecker(filepath.Join(t.TempDir(), "gone"), nil, nil, nil)
	status := h.Readiness()
	if status.OK {
		t.Fatal("expected not ready with missing storage root")
	}
}

func TestReadiness_HistoryFailure(t *testing.T) {
	h := NewHealthChecker(t.TempDir(), &stubPinger{err: errors.New("db locked")}, nil, nil)
	status := h.Readiness()
	if status.OK {
		t.Fatal("expected not ready when history ping fails")
	}
	found := false
	for _, c := range status.Checks {
		if c.Name == "history" && c.Error == "db locked" {
			found = true
		}
	}
	if !found {
		t.Fatalf("history failure not reported: %+v", status.Checks)
	}
}
