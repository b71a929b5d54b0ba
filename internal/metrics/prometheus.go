package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gftdcojp/dataset-tiered-cache/internal/config"
)

var (
	// Acquisition metrics
	AcquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtc_acquisitions_total",
		Help: "Completed acquisition runs by outcome",
	}, []string{"dataset", "outcome"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dtc_stage_duration_seconds",
		Help:    "Time spent in each acquisition stage",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
	}, []string{"stage"})

	StrategyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtc_strategy_decisions_total",
		Help: "Loading strategy decisions",
	}, []string{"strategy"})

	// Fetch metrics
	FetchBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dtc_fetch_bytes_total",
		Help: "Bytes transferred from remote sources",
	})

	FetchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dtc_fetch_retries_total",
		Help: "Fetch attempts beyond the first",
	})

	// Tier metrics
	TierDatasets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dtc_tier_datasets",
		Help: "Datasets present in each tier",
	}, []string{"tier"})

	TierMiB = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dtc_tier_mib",
		Help: "On-disk size of each tier in MiB",
	}, []string{"tier"})

	PromotionOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtc_promotion_ops_total",
		Help: "Tier promote operations",
	}, []string{"from_tier", "to_tier"})

	ExtractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtc_extractions_total",
		Help: "Archive extractions by format and outcome",
	}, []string{"format", "outcome"})

	// Lifecycle metrics
	ExpiredCachedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dtc_expired_cached_entries_total",
		Help: "Cached-tier entries removed by retention",
	})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

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
