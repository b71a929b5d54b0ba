package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gftdcojp/dataset-tiered-cache/internal/acquire"
	"github.com/gftdcojp/dataset-tiered-cache/internal/cache"
	"github.com/gftdcojp/dataset-tiered-cache/internal/catalog"
	"github.com/gftdcojp/dataset-tiered-cache/internal/config"
	"github.com/gftdcojp/dataset-tiered-cache/internal/fetch"
	"github.com/gftdcojp/dataset-tiered-cache/internal/history"
	"github.com/gftdcojp/dataset-tiered-cache/internal/lifecycle"
	"github.com/gftdcojp/dataset-tiered-cache/internal/metrics"
	"github.com/gftdcojp/dataset-tiered-cache/internal/pipeline"
	"github.com/gftdcojp/dataset-tiered-cache/internal/resource"
	"github.com/gftdcojp/dataset-tiered-cache/internal/serve"
	"github.com/gftdcojp/dataset-tiered-cache/internal/strategy"
	"github.com/gftdcojp/dataset-tiered-cache/internal/types"
	"github.com/gftdcojp/dataset-tiered-cache/pkg/natsutil"
	"github.com/gftdcojp/dataset-tiered-cache/pkg/s3util"
)

var version = "dev"

const usage = `usage: dataset-tiered-cache [flags] <command> [args]

commands:
  acquire <dataset>...   fetch, preprocess and validate datasets
  list                   list catalog datasets and their tier state
  status <dataset>       show per-tier state for one dataset
  serve                  run the API daemon
  version                print the version

flags:
`

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	skipPre := flag.Bool("skip-preprocessing", false, "acquire: leave the processed tier untouched")
	parallel := flag.Int("parallel", 2, "acquire: concurrent dataset downloads")
	noProgress := flag.Bool("no-progress", false, "acquire: disable the progress bar")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if args[0] == "version" {
		fmt.Printf("dataset-tiered-cache %s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	var cmdErr error
	switch args[0] {
	case "acquire":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "acquire requires at least one dataset name")
			os.Exit(2)
		}
		cmdErr = runAcquire(cfg, logger, args[1:], acquire.Options{SkipPreprocessing: *skipPre}, *parallel, !*noProgress)
	case "list":
		cmdErr = runList(cfg, logger)
	case "status":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "status requires exactly one dataset name")
			os.Exit(2)
		}
		cmdErr = runStatus(cfg, logger, args[1])
	case "serve":
		cmdErr = runServe(cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		flag.Usage()
		os.Exit(2)
	}

	if cmdErr != nil && !errors.Is(cmdErr, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(cmdErr))
	}
}

// app bundles the wired acquisition components.
type app struct {
	cfg     *config.Config
	catalog *catalog.Catalog
	cache   *cache.Manager
	history history.Store
	orch    *acquire.Orchestrator
	runner  *acquire.BatchRunner
	s3      *s3util.Client
	logger  *zap.Logger
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	cat, err := catalog.LoadFile(cfg.Catalog.Path)
	if err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}

	cm, err := cache.NewManager(cfg.Storage.Root, logger.Named("cache"))
	if err != nil {
		return nil, fmt.Errorf("initializing cache tiers: %w", err)
	}

	hist, err := history.NewBoltStore(cfg.History.Path, cfg.History.NoSync, logger.Named("history"))
	if err != nil {
		return nil, fmt.Errorf("opening history store: %w", err)
	}

	httpTransport := fetch.NewHTTPTransport(fetch.DefaultHTTPOptions())
	mux := fetch.NewSchemeMux()
	mux.Register("http", httpTransport)
	mux.Register("https", httpTransport)
	mux.Register("file", fetch.NewFileTransport())
	mux.SetFallback(&fetch.HubTransport{BaseURL: cfg.Fetch.HubBaseURL, HTTP: httpTransport})

	var s3Client *s3util.Client
	if cfg.S3.Enabled {
		s3Client, err = s3util.NewClient(ctx, cfg.S3)
		if err != nil {
			hist.Close()
			return nil, fmt.Errorf("creating S3 client: %w", err)
		}
		mux.Register("s3", fetch.NewS3Transport(s3Client))
	}

	fetcher := &fetch.Fetcher{
		Transport:      mux,
		ChunkSize:      int(cfg.Fetch.ChunkSize),
		MaxRetries:     cfg.Fetch.MaxRetries,
		AttemptTimeout: cfg.Fetch.AttemptTimeout.Duration(),
		Logger:         logger.Named("fetch"),
	}

	steps := pipeline.NewStepRegistry()
	checks := pipeline.NewCheckRegistry()
	pipeline.RegisterDefaults(steps, checks, logger.Named("pipeline"))

	orch := acquire.NewOrchestrator(acquire.OrchestratorConfig{
		Catalog:      cat,
		Prober:       &resource.Prober{RemotePath: cfg.Storage.RemotePath},
		Thresholds:   strategy.FromConfig(cfg.Strategy),
		Fetcher:      fetcher,
		Cache:        cm,
		Preprocessor: &pipeline.Preprocessor{Cache: cm, Registry: steps, Logger: logger.Named("preprocess")},
		Validator:    &pipeline.Validator{Cache: cm, Registry: checks, Logger: logger.Named("validate")},
		History:      hist,
		TempDir:      cfg.TempDir(),
		Logger:       logger.Named("acquire"),
	})

	return &app{
		cfg:     cfg,
		catalog: cat,
		cache:   cm,
		history: hist,
		orch:    orch,
		runner:  acquire.NewBatchRunner(orch, logger.Named("batch")),
		s3:      s3Client,
		logger:  logger,
	}, nil
}

func (a *app) Close() {
	if err := a.history.Close(); err != nil {
		a.logger.Warn("closing history store", zap.Error(err))
	}
}

func runAcquire(cfg *config.Config, logger *zap.Logger, names []string, opts acquire.Options, parallel int, progress bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if progress && len(names) == 1 {
		// A shared bar across parallel downloads would interleave;
		// only a single acquisition gets one.
		bar := progressbar.DefaultBytes(-1, "fetching "+names[0])
		opts.Progress = func(written int64) { bar.Set64(written) }
		defer bar.Close()
	}

	results := a.runner.RunAll(ctx, names, parallel, opts)

	failed := 0
	sorted := make([]string, 0, len(results))
	for name := range results {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)
	for _, name := range sorted {
		res := results[name]
		if res.Succeeded() {
			fmt.Printf("%s: ok (%s)\n", name, res.Strategy)
			continue
		}
		failed++
		fmt.Printf("%s: FAILED at %s: %s\n", name, res.FailedStage, res.FailureReason)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d acquisitions failed", failed, len(results))
	}
	return nil
}

func runList(cfg *config.Config, logger *zap.Logger) error {
	cat, err := catalog.LoadFile(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}
	cm, err := cache.NewManager(cfg.Storage.Root, logger.Named("cache"))
	if err != nil {
		return fmt.Errorf("initializing cache tiers: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTASK\tSIZE_MIB\tRAW\tPROCESSED\tCACHED")
	for _, desc := range cat.All() {
		fmt.Fprintf(w, "%s\t%s\t%.1f\t%s\t%s\t%s\n",
			desc.Name,
			desc.TaskType,
			desc.DeclaredSizeMiB,
			mark(cm.Entry(desc.Name, types.TierRaw).Populated),
			mark(cm.Entry(desc.Name, types.TierProcessed).Populated),
			mark(cm.Entry(desc.Name, types.TierCached).ExistsOnDisk),
		)
	}
	return w.Flush()
}

func runStatus(cfg *config.Config, logger *zap.Logger, name string) error {
	cat, err := catalog.LoadFile(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}
	if _, err := cat.Lookup(name); err != nil {
		return err
	}
	cm, err := cache.NewManager(cfg.Storage.Root, logger.Named("cache"))
	if err != nil {
		return fmt.Errorf("initializing cache tiers: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIER\tEXISTS\tPOPULATED\tSIZE_MIB\tLAST_MODIFIED")
	for _, tier := range types.AllTiers {
		e := cm.Entry(name, tier)
		modified := "-"
		if !e.LastModifiedAt.IsZero() {
			modified = e.LastModifiedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%s\n",
			tier, mark(e.ExistsOnDisk), mark(e.Populated), e.SizeOnDiskMiB, modified)
	}
	return w.Flush()
}

func runServe(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	serve.Version = version

	g, gctx := errgroup.WithContext(ctx)

	if cfg.API.Enabled {
		g.Go(func() error {
			return serve.RunHTTP(gctx, cfg.API, a.catalog, a.cache, a.history, a.runner, logger.Named("api"))
		})
	}

	if cfg.NATS.Enabled {
		nc, err := natsutil.Connect(cfg.NATS, logger.Named("nats"))
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Close()
		g.Go(func() error {
			return serve.RunNATSResponder(gctx, nc, cfg.NATS, a.catalog, a.cache, a.runner, logger.Named("nats-responder"))
		})
		if cfg.Observability.Health.Enabled {
			checker := metrics.NewHealthChecker(cfg.Storage.Root, a.history, nc, a.s3)
			g.Go(func() error {
				return metrics.RunHealthServer(gctx, cfg.Observability.Health, checker)
			})
		}
	} else if cfg.Observability.Health.Enabled {
		checker := metrics.NewHealthChecker(cfg.Storage.Root, a.history, nil, a.s3)
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, checker)
		})
	}

	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	lc := lifecycle.NewManager(a.cache, cfg.TempDir(), cfg.Lifecycle, logger.Named("lifecycle"))
	g.Go(func() error { return lc.Run(gctx) })

	logger.Info("dataset-tiered-cache started",
		zap.String("version", version),
		zap.Int("catalog_datasets", a.catalog.Len()),
		zap.String("storage_root", cfg.Storage.Root),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func mark(ok bool) string {
	if ok {
		return "yes"
	}
	return "no"
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	return zapCfg.Build()
}
