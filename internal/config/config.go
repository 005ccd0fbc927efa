package config

import (
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/moolen/lineagectx/internal/models"
)

// weightTolerance bounds the rounding error accepted when weights are summed.
const weightTolerance = 1e-6

// Config holds every weight, threshold and tolerance the engine uses, plus
// the settings of the collaborators wired around it. Components receive the
// section they need at construction time.
type Config struct {
	// LogLevel is the default logging level (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	Fingerprint FingerprintConfig `yaml:"fingerprint"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	JobRun      JobRunConfig      `yaml:"job_run"`
	LogStream   LogStreamConfig   `yaml:"log_stream"`
	Conflict    ConflictConfig    `yaml:"conflict"`
	Lineage     LineageConfig     `yaml:"lineage"`
	Retention   RetentionConfig   `yaml:"retention"`
	Store       StoreConfig       `yaml:"store"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// FingerprintConfig configures context extraction.
type FingerprintConfig struct {
	// ExtractorVersion is stamped into context metadata.
	ExtractorVersion string `yaml:"extractor_version"`
}

// TimeBand maps a time difference up to MaxSeconds (inclusive) to Score.
type TimeBand struct {
	MaxSeconds float64 `yaml:"max_seconds"`
	Score      float64 `yaml:"score"`
}

// ScoringConfig holds settings shared by every scorer.
type ScoringConfig struct {
	// ConflictGap: a rank-1/rank-2 gap strictly below this is a conflict.
	ConflictGap float64 `yaml:"conflict_gap"`

	// TimeBands are evaluated in order; the first band that fits wins.
	TimeBands []TimeBand `yaml:"time_bands"`

	// TimeFloor is the score for differences beyond the last band.
	TimeFloor float64 `yaml:"time_floor"`
}

// JobRunWeights are the job-run validator dimension weights.
type JobRunWeights struct {
	Time            float64 `yaml:"time"`
	Parameter       float64 `yaml:"parameter"`
	Environment     float64 `yaml:"environment"`
	ContextSpecific float64 `yaml:"context_specific"`
}

// Sum adds up the weights.
func (w JobRunWeights) Sum() float64 {
	return w.Time + w.Parameter + w.Environment + w.ContextSpecific
}

// JobRunConfig configures job-run validation.
type JobRunConfig struct {
	Weights            JobRunWeights `yaml:"weights"`
	ValidatedThreshold float64       `yaml:"validated_threshold"`
	PendingThreshold   float64       `yaml:"pending_threshold"`
	CandidateWindow    Duration      `yaml:"candidate_window"`
	LookupTimeout      Duration      `yaml:"lookup_timeout"`
	CacheSize          int           `yaml:"cache_size"`
	CacheTTL           Duration      `yaml:"cache_ttl"`
	MaxConcurrency     int           `yaml:"max_concurrency"`
}

// LogStreamWeights are the log-stream selector dimension weights.
type LogStreamWeights struct {
	Time           float64 `yaml:"time"`
	Environment    float64 `yaml:"environment"`
	ContentQuality float64 `yaml:"content_quality"`
	SizeRelevance  float64 `yaml:"size_relevance"`
}

// Sum adds up the weights.
func (w LogStreamWeights) Sum() float64 {
	return w.Time + w.Environment + w.ContentQuality + w.SizeRelevance
}

// LogStreamConfig configures log-stream selection.
type LogStreamConfig struct {
	Weights            LogStreamWeights `yaml:"weights"`
	FallbackConfidence float64          `yaml:"fallback_confidence"`
	ActivityWindow     Duration         `yaml:"activity_window"`
	ListTimeout        Duration         `yaml:"list_timeout"`
}

// ConflictConfig configures the conflict resolver.
type ConflictConfig struct {
	// ResolutionGap: a gap at or above this resolves automatically.
	ResolutionGap float64 `yaml:"resolution_gap"`
}

// KindPair is an allowed cross-kind combination of fragment contexts.
type KindPair struct {
	A string `yaml:"a"`
	B string `yaml:"b"`
}

// LineageConfig configures the merge engine.
type LineageConfig struct {
	CompatibilityWindow   Duration   `yaml:"compatibility_window"`
	AllowedKindPairs      []KindPair `yaml:"allowed_kind_pairs"`
	ExclusionPatterns     []string   `yaml:"exclusion_patterns"`
	ExclusionSuffixes     []string   `yaml:"exclusion_suffixes"`
	DefaultCatalogPrefix  string     `yaml:"default_catalog_prefix"`
	CanonicalTempTable    string     `yaml:"canonical_temp_table"`
	MinExtractorVersion   string     `yaml:"min_extractor_version"`
	ValidThreshold        float64    `yaml:"valid_threshold"`
	InferredContextCredit float64    `yaml:"inferred_context_credit"`
	MaxPaths              int        `yaml:"max_paths"`
}

// Compatible reports whether two environment kinds may be merged.
func (c LineageConfig) Compatible(a, b models.EnvironmentKind) bool {
	if a == b {
		return true
	}
	for _, p := range c.AllowedKindPairs {
		if (p.A == string(a) && p.B == string(b)) || (p.A == string(b) && p.B == string(a)) {
			return true
		}
	}
	return false
}

// RetentionConfig holds the expiry windows.
type RetentionConfig struct {
	MappingTTL     Duration `yaml:"mapping_ttl"`
	AuditRetention Duration `yaml:"audit_retention"`
}

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// StoreConfig selects and configures the context and mapping store.
type StoreConfig struct {
	Driver       string   `yaml:"driver"`
	SQLitePath   string   `yaml:"sqlite_path"`
	PostgresURL  string   `yaml:"postgres_url"`
	PingTimeout  Duration `yaml:"ping_timeout"`
	MaxOpenConns int      `yaml:"max_open_conns"`
	MaxIdleConns int      `yaml:"max_idle_conns"`
	CacheSize    int      `yaml:"cache_size"`
}

// ObjectStoreConfig points at an S3-compatible bucket holding fragment files.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Enabled reports whether an object store is configured.
func (c ObjectStoreConfig) Enabled() bool {
	return c.Endpoint != ""
}

// MetricsConfig configures the metrics sink and its HTTP endpoint.
type MetricsConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Address       string   `yaml:"address"`
	Namespace     string   `yaml:"namespace"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	TLSCAPath   string `yaml:"tls_ca_path"`
	TLSInsecure bool   `yaml:"tls_insecure"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Fingerprint: FingerprintConfig{
			ExtractorVersion: "1.0.0",
		},
		Scoring: ScoringConfig{
			ConflictGap: 0.1,
			TimeBands: []TimeBand{
				{MaxSeconds: 60, Score: 1.0},
				{MaxSeconds: 300, Score: 0.8},
				{MaxSeconds: 900, Score: 0.6},
				{MaxSeconds: 1800, Score: 0.4},
			},
			TimeFloor: 0.2,
		},
		JobRun: JobRunConfig{
			Weights: JobRunWeights{
				Time:            0.4,
				Parameter:       0.3,
				Environment:     0.2,
				ContextSpecific: 0.1,
			},
			ValidatedThreshold: 0.8,
			PendingThreshold:   0.6,
			CandidateWindow:    Duration(2 * time.Hour),
			LookupTimeout:      Duration(10 * time.Second),
			CacheSize:          256,
			CacheTTL:           Duration(5 * time.Minute),
			MaxConcurrency:     4,
		},
		LogStream: LogStreamConfig{
			Weights: LogStreamWeights{
				Time:           0.4,
				Environment:    0.25,
				ContentQuality: 0.2,
				SizeRelevance:  0.15,
			},
			FallbackConfidence: 0.3,
			ActivityWindow:     Duration(2 * time.Hour),
			ListTimeout:        Duration(10 * time.Second),
		},
		Conflict: ConflictConfig{
			ResolutionGap: 0.2,
		},
		Lineage: LineageConfig{
			CompatibilityWindow: Duration(time.Hour),
			AllowedKindPairs: []KindPair{
				{A: string(models.EnvManagedNotebook), B: string(models.EnvStandaloneScript)},
				{A: string(models.EnvInteractiveNotebook), B: string(models.EnvStandaloneScript)},
			},
			ExclusionPatterns: []string{
				"analytics-output",
				"/logs/",
				"/temp/",
				"iam_role",
			},
			ExclusionSuffixes:     []string{".log", ".txt"},
			DefaultCatalogPrefix:  "dev.public.",
			CanonicalTempTable:    "temp_parquet_data",
			MinExtractorVersion:   "1.0.0",
			ValidThreshold:        0.7,
			InferredContextCredit: 0.5,
			MaxPaths:              1000,
		},
		Retention: RetentionConfig{
			MappingTTL:     Duration(24 * time.Hour),
			AuditRetention: Duration(30 * 24 * time.Hour),
		},
		Store: StoreConfig{
			Driver:       StoreMemory,
			SQLitePath:   "lineagectx.db",
			PingTimeout:  Duration(2 * time.Second),
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			CacheSize:    1024,
		},
		Metrics: MetricsConfig{
			Address:       ":9090",
			Namespace:     "lineagectx",
			BatchSize:     100,
			FlushInterval: Duration(10 * time.Second),
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if sum := c.JobRun.Weights.Sum(); math.Abs(sum-1.0) > weightTolerance {
		return NewConfigError(fmt.Sprintf("job_run.weights must sum to 1.0, got %.6f", sum))
	}
	if sum := c.LogStream.Weights.Sum(); math.Abs(sum-1.0) > weightTolerance {
		return NewConfigError(fmt.Sprintf("log_stream.weights must sum to 1.0, got %.6f", sum))
	}
	for name, w := range map[string]float64{
		"job_run.weights.time":               c.JobRun.Weights.Time,
		"job_run.weights.parameter":          c.JobRun.Weights.Parameter,
		"job_run.weights.environment":        c.JobRun.Weights.Environment,
		"job_run.weights.context_specific":   c.JobRun.Weights.ContextSpecific,
		"log_stream.weights.time":            c.LogStream.Weights.Time,
		"log_stream.weights.environment":     c.LogStream.Weights.Environment,
		"log_stream.weights.content_quality": c.LogStream.Weights.ContentQuality,
		"log_stream.weights.size_relevance":  c.LogStream.Weights.SizeRelevance,
	} {
		if w < 0 {
			return NewConfigError(fmt.Sprintf("%s must not be negative", name))
		}
	}

	for name, v := range map[string]float64{
		"scoring.conflict_gap":            c.Scoring.ConflictGap,
		"scoring.time_floor":              c.Scoring.TimeFloor,
		"job_run.validated_threshold":     c.JobRun.ValidatedThreshold,
		"job_run.pending_threshold":       c.JobRun.PendingThreshold,
		"log_stream.fallback_confidence":  c.LogStream.FallbackConfidence,
		"conflict.resolution_gap":         c.Conflict.ResolutionGap,
		"lineage.valid_threshold":         c.Lineage.ValidThreshold,
		"lineage.inferred_context_credit": c.Lineage.InferredContextCredit,
	} {
		if v < 0 || v > 1 {
			return NewConfigError(fmt.Sprintf("%s must be between 0 and 1", name))
		}
	}

	if c.JobRun.PendingThreshold > c.JobRun.ValidatedThreshold {
		return NewConfigError("job_run.pending_threshold must not exceed job_run.validated_threshold")
	}

	if len(c.Scoring.TimeBands) == 0 {
		return NewConfigError("scoring.time_bands must not be empty")
	}
	for i, b := range c.Scoring.TimeBands {
		if b.Score < 0 || b.Score > 1 {
			return NewConfigError(fmt.Sprintf("scoring.time_bands[%d].score must be between 0 and 1", i))
		}
		if i > 0 && b.MaxSeconds <= c.Scoring.TimeBands[i-1].MaxSeconds {
			return NewConfigError("scoring.time_bands must be sorted by max_seconds")
		}
	}

	if c.JobRun.CacheSize < 0 {
		return NewConfigError("job_run.cache_size must not be negative")
	}
	if c.JobRun.MaxConcurrency < 1 {
		return NewConfigError("job_run.max_concurrency must be at least 1")
	}
	if c.Lineage.CompatibilityWindow <= 0 {
		return NewConfigError("lineage.compatibility_window must be positive")
	}
	if c.Lineage.MaxPaths < 0 {
		return NewConfigError("lineage.max_paths must not be negative")
	}
	for _, p := range c.Lineage.AllowedKindPairs {
		if models.ParseEnvironmentKind(p.A) == models.EnvUnknown && p.A != string(models.EnvUnknown) ||
			models.ParseEnvironmentKind(p.B) == models.EnvUnknown && p.B != string(models.EnvUnknown) {
			return NewConfigError(fmt.Sprintf("lineage.allowed_kind_pairs has unknown kind in %s/%s", p.A, p.B))
		}
	}
	if c.Lineage.MinExtractorVersion != "" {
		if _, err := version.NewVersion(c.Lineage.MinExtractorVersion); err != nil {
			return NewConfigError(fmt.Sprintf("lineage.min_extractor_version is not a version: %v", err))
		}
	}

	if c.Retention.MappingTTL <= 0 || c.Retention.AuditRetention <= 0 {
		return NewConfigError("retention windows must be positive")
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return NewConfigError("store.sqlite_path must be set for the sqlite driver")
		}
	case StorePostgres:
		if c.Store.PostgresURL == "" {
			return NewConfigError("store.postgres_url must be set for the postgres driver")
		}
		if c.Store.MaxOpenConns < 1 {
			return NewConfigError("store.max_open_conns must be at least 1")
		}
		if c.Store.MaxIdleConns > c.Store.MaxOpenConns {
			return NewConfigError("store.max_idle_conns must not exceed store.max_open_conns")
		}
	default:
		return NewConfigError(fmt.Sprintf("store.driver %q is not one of memory, sqlite, postgres", c.Store.Driver))
	}

	if c.ObjectStore.Enabled() && c.ObjectStore.Bucket == "" {
		return NewConfigError("object_store.bucket must be set when an endpoint is configured")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return NewConfigError("metrics.address must be set when metrics are enabled")
	}
	if c.Metrics.BatchSize < 1 {
		return NewConfigError("metrics.batch_size must be at least 1")
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return NewConfigError("tracing.endpoint must be set when tracing is enabled")
	}

	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	message string
}

// NewConfigError creates a new configuration error
func NewConfigError(message string) *ConfigError {
	return &ConfigError{message: message}
}

// Error returns the error message
func (e *ConfigError) Error() string {
	return e.message
}

// Duration is a time.Duration that reads and writes as "1h30m" in YAML and
// environment variables.
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalYAML writes the duration in its string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// MarshalText writes the duration in its string form.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(v)
	return nil
}
