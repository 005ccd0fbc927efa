package config

import (
	"testing"

	"github.com/moolen/lineagectx/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.InDelta(t, 1.0, cfg.JobRun.Weights.Sum(), 1e-9)
	assert.InDelta(t, 1.0, cfg.LogStream.Weights.Sum(), 1e-9)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "job run weights off",
			mutate:  func(c *Config) { c.JobRun.Weights.Time = 0.5 },
			wantErr: "job_run.weights must sum to 1.0",
		},
		{
			name:    "log stream weights off",
			mutate:  func(c *Config) { c.LogStream.Weights.SizeRelevance = 0 },
			wantErr: "log_stream.weights must sum to 1.0",
		},
		{
			name: "negative weight balanced elsewhere",
			mutate: func(c *Config) {
				c.JobRun.Weights.ContextSpecific = -0.1
				c.JobRun.Weights.Time = 0.6
			},
			wantErr: "must not be negative",
		},
		{
			name:    "threshold out of range",
			mutate:  func(c *Config) { c.Scoring.ConflictGap = 1.5 },
			wantErr: "scoring.conflict_gap must be between 0 and 1",
		},
		{
			name:    "pending above validated",
			mutate:  func(c *Config) { c.JobRun.PendingThreshold = 0.9 },
			wantErr: "pending_threshold must not exceed",
		},
		{
			name: "unsorted bands",
			mutate: func(c *Config) {
				c.Scoring.TimeBands[1].MaxSeconds = 30
			},
			wantErr: "sorted",
		},
		{
			name:    "bad version",
			mutate:  func(c *Config) { c.Lineage.MinExtractorVersion = "not-a-version" },
			wantErr: "min_extractor_version",
		},
		{
			name:    "sqlite without path",
			mutate:  func(c *Config) { c.Store.Driver = StoreSQLite; c.Store.SQLitePath = "" },
			wantErr: "sqlite_path",
		},
		{
			name:    "postgres without url",
			mutate:  func(c *Config) { c.Store.Driver = StorePostgres },
			wantErr: "postgres_url",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Store.Driver = "mongo" },
			wantErr: "store.driver",
		},
		{
			name:    "bucket missing",
			mutate:  func(c *Config) { c.ObjectStore.Endpoint = "localhost:9000" },
			wantErr: "object_store.bucket",
		},
		{
			name:    "tracing without endpoint",
			mutate:  func(c *Config) { c.Tracing.Enabled = true },
			wantErr: "tracing.endpoint",
		},
		{
			name: "unknown kind pair",
			mutate: func(c *Config) {
				c.Lineage.AllowedKindPairs = append(c.Lineage.AllowedKindPairs, KindPair{A: "lambda", B: "standalone_script"})
			},
			wantErr: "unknown kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			var ce *ConfigError
			assert.ErrorAs(t, err, &ce)
		})
	}
}

func TestLineageConfig_Compatible(t *testing.T) {
	cfg := Default().Lineage
	assert.True(t, cfg.Compatible(models.EnvOrchestratorTask, models.EnvOrchestratorTask))
	assert.True(t, cfg.Compatible(models.EnvManagedNotebook, models.EnvStandaloneScript))
	assert.True(t, cfg.Compatible(models.EnvStandaloneScript, models.EnvInteractiveNotebook))
	assert.False(t, cfg.Compatible(models.EnvManagedNotebook, models.EnvOrchestratorTask))
	assert.False(t, cfg.Compatible(models.EnvManagedNotebook, models.EnvInteractiveNotebook))
}
