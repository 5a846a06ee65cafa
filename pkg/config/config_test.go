package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
global:
  log_level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Global.LogLevel)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.SQLite.Path)
	assert.Equal(t, DefaultUploadDir, cfg.Storage.UploadDir)
	assert.Equal(t, int64(DefaultMaxUploadBytes), cfg.Storage.MaxUploadBytes)
	assert.Equal(t, []string{".mp4", ".mov", ".avi"}, cfg.Storage.SupportedFormats)
	assert.Equal(t, DefaultMaxConcurrentRuns, cfg.Analysis.MaxConcurrentRuns)
	assert.Equal(t, DefaultFrameStride, cfg.Analysis.FrameStride)
	assert.Equal(t, DefaultConfidenceThreshold, cfg.Analysis.ConfidenceThreshold)
	assert.Equal(t, DefaultMaxDetectorFaults, cfg.Analysis.MaxDetectorFaults)
	assert.Equal(t, 3, cfg.Analysis.Tracker.MaxGap)
	assert.Equal(t, 0.2, cfg.Analysis.Classifier.ToleranceSeconds)
	assert.Equal(t, 4.0, cfg.Analysis.Metrics.RallySilenceGapSeconds)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: postgres
  postgres:
    host: db.internal
    database: tennis
analysis:
  max_concurrent_runs: 4
  frame_stride: 1
  confidence_threshold: 0.7
  tracker:
    max_gap: 5
    max_match_score: 200
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "db.internal", cfg.Database.Postgres.Host)
	assert.Equal(t, 5432, cfg.Database.Postgres.Port)
	assert.Equal(t, 4, cfg.Analysis.MaxConcurrentRuns)
	assert.Equal(t, 1, cfg.Analysis.FrameStride)
	assert.Equal(t, 0.7, cfg.Analysis.ConfidenceThreshold)
	assert.Equal(t, 5, cfg.Analysis.Tracker.MaxGap)
	assert.Equal(t, float64(200), cfg.Analysis.Tracker.MaxMatchScore)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(cfg *Config)
		errContains string
	}{
		{
			name:   "defaults are valid",
			mutate: func(cfg *Config) { cfg.Database.SQLite.Path = ":memory:" },
		},
		{
			name: "unknown driver",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "oracle"
			},
			errContains: "unsupported database driver",
		},
		{
			name: "postgres without host",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "postgres"
				cfg.Database.Postgres.Database = "tennis"
			},
			errContains: "postgres host is required",
		},
		{
			name: "zero concurrent runs",
			mutate: func(cfg *Config) {
				cfg.Database.SQLite.Path = ":memory:"
				cfg.Analysis.MaxConcurrentRuns = -1
			},
			errContains: "max_concurrent_runs",
		},
		{
			name: "stride below one",
			mutate: func(cfg *Config) {
				cfg.Database.SQLite.Path = ":memory:"
				cfg.Analysis.FrameStride = -2
			},
			errContains: "frame_stride",
		},
		{
			name: "threshold above one",
			mutate: func(cfg *Config) {
				cfg.Database.SQLite.Path = ":memory:"
				cfg.Analysis.ConfidenceThreshold = 1.5
			},
			errContains: "confidence_threshold",
		},
		{
			name: "format without dot",
			mutate: func(cfg *Config) {
				cfg.Database.SQLite.Path = ":memory:"
				cfg.Storage.SupportedFormats = []string{"mp4"}
			},
			errContains: "must start with a dot",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()

			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestFormatSupported(t *testing.T) {
	cfg := Default()

	assert.True(t, cfg.FormatSupported("rally.mp4"))
	assert.True(t, cfg.FormatSupported("RALLY.MP4"))
	assert.True(t, cfg.FormatSupported("clip.mov"))
	assert.False(t, cfg.FormatSupported("clip.mkv"))
	assert.False(t, cfg.FormatSupported("clip"))
}
