package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Root: "/var/lib/dtc/datasets",
		},
		Catalog: CatalogConfig{
			Path: "catalog.yaml",
		},
		Strategy: StrategyConfig{
			SmallThresholdMiB: 100,
			LargeThresholdMiB: 2000,
			SpaceHeadroom:     0.8,
		},
		Fetch: FetchConfig{
			ChunkSize:      ByteSize(8 * 1024), // 8KB
			MaxRetries:     3,
			AttemptTimeout: Duration(5 * time.Minute),
		},
		History: HistoryConfig{
			Path: "/var/lib/dtc/history.db",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
		},
		NATS: NATSConfig{
			Enabled:        false,
			URL:            "nats://localhost:4222",
			ConnectionName: "dataset-tiered-cache",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
			SubjectPrefix:  "dtc",
		},
		Lifecycle: LifecycleConfig{
			SweepInterval: Duration(10 * time.Minute),
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}
