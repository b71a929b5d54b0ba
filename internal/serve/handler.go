// Package serve exposes the dataset cache over HTTP and NATS.
package serve

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/gftdcojp/dataset-tiered-cache/internal/acquire"
	"github.com/gftdcojp/dataset-tiered-cache/internal/cache"
	"github.com/gftdcojp/dataset-tiered-cache/internal/catalog"
	"github.com/gftdcojp/dataset-tiered-cache/internal/config"
	"github.com/gftdcojp/dataset-tiered-cache/internal/history"
	"github.com/gftdcojp/dataset-tiered-cache/internal/types"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

type handler struct {
	catalog *catalog.Catalog
	cache   *cache.Manager
	history history.Store
	runner  *acquire.BatchRunner
	logger  *zap.Logger
}

// RunHTTP starts the HTTP API server.
func RunHTTP(ctx context.Context, cfg config.APIConfig, cat *catalog.Catalog, cm *cache.Manager, hist history.Store, runner *acquire.BatchRunner, logger *zap.Logger) error {
	h := &handler{
		catalog: cat,
		cache:   cm,
		history: hist,
		runner:  runner,
		logger:  logger,
	}

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: h.mux(),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (h *handler) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("GET /v1/version", h.handleVersion)
	mux.HandleFunc("GET /v1/datasets", h.handleDatasets)
	mux.HandleFunc("GET /v1/datasets/{name}/status", h.handleDatasetStatus)
	mux.HandleFunc("GET /v1/datasets/{name}/runs", h.handleDatasetRuns)
	mux.HandleFunc("POST /v1/acquire/{name}", h.handleAcquire)
	return mux
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	tiers := make(map[string]interface{}, len(types.AllTiers))
	for _, tier := range types.AllTiers {
		stats, err := h.cache.TierStats(tier)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		tiers[tier.String()] = map[string]interface{}{
			"datasets": stats.DatasetCount,
			"size_mib": stats.TotalMiB,
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"catalog_datasets": h.catalog.Len(),
		"storage_root":     h.cache.Root(),
		"tiers":            tiers,
	})
}

func (h *handler) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

func (h *handler) handleDatasets(w http.ResponseWriter, r *http.Request) {
	result := make([]map[string]interface{}, 0, h.catalog.Len())
	for _, desc := range h.catalog.All() {
		result = append(result, map[string]interface{}{
			"name":        desc.Name,
			"source_kind": string(desc.SourceKind),
			"size_mib":    desc.DeclaredSizeMiB,
			"task_type":   desc.TaskType,
			"language":    desc.Language,
			"raw":         h.cache.Entry(desc.Name, types.TierRaw).Populated,
			"processed":   h.cache.Entry(desc.Name, types.TierProcessed).Populated,
			"cached":      h.cache.Entry(desc.Name, types.TierCached).ExistsOnDisk,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) handleDatasetStatus(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := h.catalog.Lookup(name); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	resp := map[string]interface{}{
		"name":    name,
		"tiers":   h.cache.Status(name),
		"running": h.runner.Running(name),
	}
	if last, err := h.history.LastRun(r.Context(), name); err == nil && last != nil {
		resp["last_run"] = last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleDatasetRuns(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := h.catalog.Lookup(name); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	runs, err := h.history.ListRuns(r.Context(), name, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *handler) handleAcquire(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := h.catalog.Lookup(name); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	opts := acquire.Options{
		SkipPreprocessing: r.URL.Query().Get("skip_preprocessing") == "true",
	}
	result, ran := h.runner.Run(r.Context(), name, opts)
	if !ran {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "acquisition already in flight"})
		return
	}

	status := http.StatusOK
	if !result.Succeeded() {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
