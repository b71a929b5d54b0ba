package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage       StorageConfig       `yaml:"storage"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Strategy      StrategyConfig      `yaml:"strategy"`
	Fetch         FetchConfig         `yaml:"fetch"`
	S3            S3Config            `yaml:"s3"`
	History       HistoryConfig       `yaml:"history"`
	API           APIConfig           `yaml:"api"`
	NATS          NATSConfig          `yaml:"nats"`
	Lifecycle     LifecycleConfig     `yaml:"lifecycle"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type StorageConfig struct {
	// Root holds the raw/, processed/ and cached/ tier directories.
	Root string `yaml:"root"`
	// TempDir stages in-flight downloads; defaults to <root>/temp.
	TempDir string `yaml:"temp_dir"`
	// RemotePath is an optional mounted remote drive probed alongside Root.
	RemotePath string `yaml:"remote_path"`
}

type CatalogConfig struct {
	Path string `yaml:"path"`
}

type StrategyConfig struct {
	SmallThresholdMiB float64 `yaml:"small_threshold_mib"`
	LargeThresholdMiB float64 `yaml:"large_threshold_mib"`
	// SpaceHeadroom is the fraction of free space a dataset may claim
	// before the selector forces streaming.
	SpaceHeadroom float64 `yaml:"space_headroom"`
}

type FetchConfig struct {
	ChunkSize      ByteSize `yaml:"chunk_size"`
	MaxRetries     int      `yaml:"max_retries"`
	AttemptTimeout Duration `yaml:"attempt_timeout"`
	// HubBaseURL resolves remote-dataset-hub locators to plain HTTP URLs.
	HubBaseURL string `yaml:"hub_base_url"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

type HistoryConfig struct {
	Path   string `yaml:"path"`
	NoSync bool   `yaml:"no_sync"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type NATSConfig struct {
	Enabled         bool      `yaml:"enabled"`
	URL             string    `yaml:"url"`
	CredentialsFile string    `yaml:"credentials_file"`
	NKeySeedFile    string    `yaml:"nkey_seed_file"`
	TLS             TLSConfig `yaml:"tls"`
	ConnectionName  string    `yaml:"connection_name"`
	MaxReconnects   int       `yaml:"max_reconnects"`
	ReconnectWait   Duration  `yaml:"reconnect_wait"`
	SubjectPrefix   string    `yaml:"subject_prefix"`
}

type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type LifecycleConfig struct {
	SweepInterval Duration `yaml:"sweep_interval"`
	// CachedMaxAge expires cached-tier entries; 0 keeps them forever.
	CachedMaxAge Duration `yaml:"cached_max_age"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}

	if c.Catalog.Path == "" {
		return fmt.Errorf("catalog.path is required")
	}

	if c.Strategy.SmallThresholdMiB <= 0 {
		return fmt.Errorf("strategy.small_threshold_mib must be > 0")
	}
	if c.Strategy.LargeThresholdMiB <= c.Strategy.SmallThresholdMiB {
		return fmt.Errorf("strategy.large_threshold_mib must be > small_threshold_mib")
	}
	if c.Strategy.SpaceHeadroom <= 0 || c.Strategy.SpaceHeadroom > 1 {
		return fmt.Errorf("strategy.space_headroom must be in (0, 1], got %v", c.Strategy.SpaceHeadroom)
	}

	if c.Fetch.MaxRetries < 1 {
		return fmt.Errorf("fetch.max_retries must be >= 1")
	}
	if c.Fetch.ChunkSize < 1024 || c.Fetch.ChunkSize > 64*1024*1024 {
		return fmt.Errorf("fetch.chunk_size must be between 1KB and 64MB, got %d", c.Fetch.ChunkSize)
	}
	if c.Fetch.AttemptTimeout <= 0 {
		return fmt.Errorf("fetch.attempt_timeout must be > 0")
	}

	if c.History.Path == "" {
		return fmt.Errorf("history.path is required")
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats.enabled")
	}

	if c.S3.Enabled && c.S3.Region == "" && c.S3.Endpoint == "" {
		return fmt.Errorf("s3 requires a region or endpoint when enabled")
	}

	return nil
}

// TempDir returns the configured staging directory, defaulting under Root.
func (c *Config) TempDir() string {
	if c.Storage.TempDir != "" {
		return c.Storage.TempDir
	}
	return c.Storage.Root + "/temp"
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "256MB", "10GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Try as integer
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "TB":
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
