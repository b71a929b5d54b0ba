package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/gftdcojp/dataset-tiered-cache/internal/config"
	"github.com/gftdcojp/dataset-tiered-cache/pkg/s3util"
)

// HealthStatus represents the overall health state.
type HealthStatus struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks,omitempty"`
}

// Check represents an individual health check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Pinger is the slice of the history store health cares about.
type Pinger interface {
	Ping() error
}

// HealthChecker runs health probes.
type HealthChecker struct {
	storageRoot string
	history     Pinger
	natsConn    *nats.Conn
	s3Client    *s3util.Client
}

// NewHealthChecker creates a new health checker. natsConn and s3Client may
// be nil when the corresponding integrations are disabled.
func NewHealthChecker(storageRoot string, history Pinger, nc *nats.Conn, s3Client *s3util.Client) *HealthChecker {
	return &HealthChecker{
		storageRoot: storageRoot,
		history:     history,
		natsConn:    nc,
		s3Client:    s3Client,
	}
}

// Liveness checks if the process is alive.
func (h *HealthChecker) Liveness() HealthStatus {
	return HealthStatus{OK: true}
}

// Readiness checks if the service can handle requests.
func (h *HealthChecker) Readiness() HealthStatus {
	status := HealthStatus{OK: true}

	if _, err := os.Stat(h.storageRoot); err != nil {
		status.OK = false
		status.Checks = append(status.Checks, Check{
			Name: "storage", Status: "unavailable", Error: err.Error(),
		})
	} else {
		status.Checks = append(status.Checks, Check{Name: "storage", Status: "ok"})
	}

	if h.history != nil {
		if err := h.history.Ping(); err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: "history", Status: "error", Error: err.Error(),
			})
		} else {
			status.Checks = append(status.Checks, Check{Name: "history", Status: "ok"})
		}
	}

	if h.natsConn != nil {
		if !h.natsConn.IsConnected() {
			status.OK = false
			status.Checks = append(status.Checks, Check{Name: "nats", Status: "disconnected"})
		} else {
			status.Checks = append(status.Checks, Check{Name: "nats", Status: "ok"})
		}
	}

	if h.s3Client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := h.s3Client.Ping(ctx); err != nil {
			// S3 is a transport, not a dependency of serving status;
			// report it without failing readiness.
			status.Checks = append(status.Checks, Check{
				Name: "s3", Status: "unreachable", Error: err.Error(),
			})
		} else {
			status.Checks = append(status.Checks, Check{Name: "s3", Status: "ok"})
		}
	}

	return status
}

// RunHealthServer serves liveness and readiness endpoints.
func RunHealthServer(ctx context.Context, cfg config.HealthConfig, checker *HealthChecker) error {
	mux := http.NewServeMux()

	liveness := cfg.LivenessPath
	if liveness == "" {
		liveness = "/healthz"
	}
	readiness := cfg.ReadinessPath
	if readiness == "" {
		readiness = "/readyz"
	}

	mux.HandleFunc(liveness, func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, checker.Liveness())
	})
	mux.HandleFunc(readiness, func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, checker.Readiness())
	})

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeHealth(w http.ResponseWriter, status HealthStatus) {
	code := http.StatusOK
	if !status.OK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
