// Package config loads and validates trellis configuration from a YAML file
// and TRELLIS_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/trellislabs/trellis/internal/types"
)

// Sentinel validation errors.
var (
	ErrInvalidBatchTokens   = errors.New("max batch tokens must be positive")
	ErrInvalidInputTokens   = errors.New("max input tokens must be positive")
	ErrInvalidFileSize      = errors.New("max file size must be positive")
	ErrInvalidIngestorBatch = errors.New("ingestor batch size must be positive")
	ErrInvalidInterval      = errors.New("interval must be positive")
	ErrInvalidConcurrency   = errors.New("worker concurrency must be positive")
	ErrInvalidRetries       = errors.New("retry counts must not be negative")
	ErrInvalidEdgeType      = errors.New("allowed relationship type is not in the edge vocabulary")
	ErrNoEdgeTypes          = errors.New("allowed relationship types must not be empty")
)

// Default configuration values.
const (
	defaultStateStorePath    = "trellis.db"
	defaultBusURL            = "redis://localhost:6379/0"
	defaultBusNamespace      = "trellis"
	defaultGraphURI          = "bolt://localhost:7687"
	defaultGraphDatabase     = "neo4j"
	defaultModel             = "claude-3-5-haiku-latest"
	defaultMaxBatchTokens    = 60000
	defaultMaxInputTokens    = 50000
	defaultMaxFileSizeBytes  = 1 << 20 // 1 MiB
	defaultIngestorBatchSize = 100
	defaultLLMRetryCount     = 3
	defaultBackoffFactor     = 2
	defaultCorrectionRetries = 2
)

// Config holds all configuration for the trellis pipeline.
type Config struct {
	Target     TargetConfig     `mapstructure:"target"`
	StateStore StateStoreConfig `mapstructure:"state_store"`
	Bus        BusConfig        `mapstructure:"bus"`
	Graph      GraphConfig      `mapstructure:"graph"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Analysis   AnalysisConfig   `mapstructure:"analysis"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	Ingestor   IngestorConfig   `mapstructure:"ingestor"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Health     HealthConfig     `mapstructure:"health"`
}

// TargetConfig names the repository under analysis.
type TargetConfig struct {
	Root string `mapstructure:"root"`
}

// StateStoreConfig holds the relational store location.
type StateStoreConfig struct {
	Path string `mapstructure:"path"`
}

// BusConfig holds the KV/queue facility settings.
type BusConfig struct {
	URL          string        `mapstructure:"url"`
	Namespace    string        `mapstructure:"namespace"`
	HighWater    int64         `mapstructure:"high_water"`
	DegradedTTL  time.Duration `mapstructure:"degraded_ttl"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryBase    time.Duration `mapstructure:"retry_base"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// GraphConfig holds graph-store connection settings.
type GraphConfig struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// LLMConfig holds the language-model endpoint settings and retry policy.
type LLMConfig struct {
	Endpoint          string        `mapstructure:"endpoint"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	MaxInputTokens    int           `mapstructure:"max_input_tokens"`
	RetryCount        int           `mapstructure:"retry_count"`
	BackoffFactor     int           `mapstructure:"backoff_factor"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	CorrectionRetries int           `mapstructure:"correction_retries"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	BreakerThreshold  uint32        `mapstructure:"breaker_threshold"`
	BreakerCooldown   time.Duration `mapstructure:"breaker_cooldown"`
}

// AnalysisConfig holds pipeline-wide analysis limits and worker concurrency.
type AnalysisConfig struct {
	MaxBatchTokens       int      `mapstructure:"max_batch_tokens"`
	MaxFileSizeBytes     int64    `mapstructure:"max_file_size_bytes"`
	AllowedRelationships []string `mapstructure:"allowed_relationships"`
	POIPageSize          int      `mapstructure:"poi_page_size"`
	SummaryResponseCap   int      `mapstructure:"summary_response_cap"`
	FileWorkers          int      `mapstructure:"file_workers"`
	DirectoryWorkers     int      `mapstructure:"directory_workers"`
	RelationshipWorkers  int      `mapstructure:"relationship_workers"`
}

// OutboxConfig holds the transactional-outbox publisher settings.
type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

// IngestorConfig holds the graph-ingestor drain settings.
type IngestorConfig struct {
	BatchSize int           `mapstructure:"batch_size"`
	Interval  time.Duration `mapstructure:"interval"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HealthConfig holds the health/status HTTP listener settings.
type HealthConfig struct {
	Addr    string `mapstructure:"addr"`
	Enabled bool   `mapstructure:"enabled"`
}

// Load reads configuration from the given file (or the default search
// paths when empty) and the environment, applies defaults, and validates.
func Load(configPath string) (*Config, error) {
	viperCfg := viper.New()

	setDefaults(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName("trellis")
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("./config")
		viperCfg.AddConfigPath("/etc/trellis")
	}

	viperCfg.SetEnvPrefix("TRELLIS")
	viperCfg.AutomaticEnv()
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindAliases(viperCfg)

	if readErr := viperCfg.ReadInConfig(); readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("failed to read config file: %w", readErr)
		}
	}

	var config Config
	if unmarshalErr := viperCfg.Unmarshal(&config); unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", unmarshalErr)
	}

	if validateErr := validate(&config); validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &config, nil
}

// bindAliases maps the short environment names operators already know onto
// their dotted config keys, alongside the regular TRELLIS_-prefixed forms.
func bindAliases(v *viper.Viper) {
	_ = v.BindEnv("analysis.max_batch_tokens", "TRELLIS_ANALYSIS_MAX_BATCH_TOKENS", "MAX_BATCH_TOKENS")
	_ = v.BindEnv("analysis.max_file_size_bytes", "TRELLIS_ANALYSIS_MAX_FILE_SIZE_BYTES", "MAX_FILE_SIZE_BYTES")
	_ = v.BindEnv("llm.max_input_tokens", "TRELLIS_LLM_MAX_INPUT_TOKENS", "MAX_INPUT_TOKENS")
	_ = v.BindEnv("llm.retry_count", "TRELLIS_LLM_RETRY_COUNT", "LLM_RETRY_COUNT")
	_ = v.BindEnv("llm.backoff_factor", "TRELLIS_LLM_BACKOFF_FACTOR", "LLM_BACKOFF_FACTOR")
	_ = v.BindEnv("llm.api_key", "TRELLIS_LLM_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("ingestor.batch_size", "TRELLIS_INGESTOR_BATCH_SIZE", "INGESTOR_BATCH_SIZE")
	_ = v.BindEnv("ingestor.interval", "TRELLIS_INGESTOR_INTERVAL", "INGESTOR_INTERVAL")
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// State store and bus.
	v.SetDefault("state_store.path", defaultStateStorePath)
	v.SetDefault("bus.url", defaultBusURL)
	v.SetDefault("bus.namespace", defaultBusNamespace)
	v.SetDefault("bus.high_water", 10000)
	v.SetDefault("bus.degraded_ttl", "60s")
	v.SetDefault("bus.max_attempts", 3)
	v.SetDefault("bus.retry_base", "2s")
	v.SetDefault("bus.poll_interval", "500ms")

	// Graph store.
	v.SetDefault("graph.uri", defaultGraphURI)
	v.SetDefault("graph.username", "neo4j")
	v.SetDefault("graph.database", defaultGraphDatabase)

	// LLM.
	v.SetDefault("llm.model", defaultModel)
	v.SetDefault("llm.max_input_tokens", defaultMaxInputTokens)
	v.SetDefault("llm.retry_count", defaultLLMRetryCount)
	v.SetDefault("llm.backoff_factor", defaultBackoffFactor)
	v.SetDefault("llm.initial_backoff", "1s")
	v.SetDefault("llm.correction_retries", defaultCorrectionRetries)
	v.SetDefault("llm.request_timeout", "120s")
	v.SetDefault("llm.breaker_threshold", 5)
	v.SetDefault("llm.breaker_cooldown", "30s")

	// Analysis.
	v.SetDefault("analysis.max_batch_tokens", defaultMaxBatchTokens)
	v.SetDefault("analysis.max_file_size_bytes", defaultMaxFileSizeBytes)
	v.SetDefault("analysis.allowed_relationships", allowedRelationshipDefaults())
	v.SetDefault("analysis.poi_page_size", 50)
	v.SetDefault("analysis.summary_response_cap", 1<<20)
	v.SetDefault("analysis.file_workers", 100)
	v.SetDefault("analysis.directory_workers", 2)
	v.SetDefault("analysis.relationship_workers", 5)

	// Outbox publisher.
	v.SetDefault("outbox.poll_interval", "1s")
	v.SetDefault("outbox.batch_size", 50)
	v.SetDefault("outbox.max_attempts", 5)

	// Graph ingestor.
	v.SetDefault("ingestor.batch_size", defaultIngestorBatchSize)
	v.SetDefault("ingestor.interval", "10s")

	// Logging.
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Health listener.
	v.SetDefault("health.addr", ":8190")
	v.SetDefault("health.enabled", true)
}

func allowedRelationshipDefaults() []string {
	allowed := types.AllowedRelationshipTypes()
	out := make([]string, len(allowed))
	for i, t := range allowed {
		out[i] = string(t)
	}
	return out
}

// AllowedRelationshipSet returns the configured edge vocabulary as a set.
func (c *Config) AllowedRelationshipSet() map[types.RelationshipType]bool {
	set := make(map[types.RelationshipType]bool, len(c.Analysis.AllowedRelationships))
	for _, s := range c.Analysis.AllowedRelationships {
		set[types.RelationshipType(s)] = true
	}
	return set
}

// validate checks the configuration invariants.
func validate(c *Config) error {
	if c.Analysis.MaxBatchTokens <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBatchTokens, c.Analysis.MaxBatchTokens)
	}
	if c.LLM.MaxInputTokens <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidInputTokens, c.LLM.MaxInputTokens)
	}
	if c.Analysis.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidFileSize, c.Analysis.MaxFileSizeBytes)
	}
	if c.Ingestor.BatchSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidIngestorBatch, c.Ingestor.BatchSize)
	}
	if c.Ingestor.Interval <= 0 || c.Outbox.PollInterval <= 0 || c.Bus.PollInterval <= 0 {
		return ErrInvalidInterval
	}
	if c.Analysis.FileWorkers <= 0 || c.Analysis.DirectoryWorkers <= 0 || c.Analysis.RelationshipWorkers <= 0 {
		return ErrInvalidConcurrency
	}
	if c.LLM.RetryCount < 0 || c.LLM.CorrectionRetries < 0 || c.Outbox.MaxAttempts < 0 {
		return ErrInvalidRetries
	}
	if len(c.Analysis.AllowedRelationships) == 0 {
		return ErrNoEdgeTypes
	}
	for _, s := range c.Analysis.AllowedRelationships {
		if !types.RelationshipType(s).IsValid() {
			return fmt.Errorf("%w: %q", ErrInvalidEdgeType, s)
		}
	}
	return nil
}
