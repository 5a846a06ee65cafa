package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default API listen address.
	DefaultListen = ":8080"

	// DefaultUploadDir is the default directory for uploaded videos.
	DefaultUploadDir = "./data/videos"

	// DefaultMaxUploadBytes is the default upload size limit (100MB).
	DefaultMaxUploadBytes = 100 * 1024 * 1024

	// DefaultSQLitePath is the default sqlite database path.
	DefaultSQLitePath = "./data/tennis_analysis.db"

	// DefaultConfidenceThreshold is the default detector confidence threshold.
	DefaultConfidenceThreshold = 0.5

	// DefaultFrameStride processes every nth frame of the source video.
	DefaultFrameStride = 2

	// DefaultMaxConcurrentRuns bounds how many analysis runs execute in parallel.
	DefaultMaxConcurrentRuns = 2

	// DefaultMaxDetectorFaults is the number of consecutive per-frame detector
	// faults tolerated before a run is failed.
	DefaultMaxDetectorFaults = 3
)

// Config is the root configuration for the tennis analyzer.
type Config struct {
	Global   GlobalConfig   `yaml:"global"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Analysis AnalysisConfig `yaml:"analysis"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ServerConfig contains API server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig contains per-IP rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// DatabaseConfig selects and configures the persistence driver.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig contains sqlite settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains postgres connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// StorageConfig contains video file storage settings.
type StorageConfig struct {
	UploadDir        string   `yaml:"upload_dir"`
	MaxUploadBytes   int64    `yaml:"max_upload_bytes"`
	SupportedFormats []string `yaml:"supported_formats,omitempty"`
}

// AnalysisConfig contains pipeline settings.
type AnalysisConfig struct {
	MaxConcurrentRuns   int     `yaml:"max_concurrent_runs"`
	FrameStride         int     `yaml:"frame_stride"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MaxDetectorFaults   int     `yaml:"max_detector_faults"`

	Detectors  DetectorsConfig  `yaml:"detectors"`
	Tracker    TrackerConfig    `yaml:"tracker"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// DetectorsConfig configures the injected detection capabilities.
type DetectorsConfig struct {
	Ball DetectorEndpointConfig `yaml:"ball"`
	Pose DetectorEndpointConfig `yaml:"pose"`
}

// DetectorEndpointConfig points at an external inference service.
type DetectorEndpointConfig struct {
	Endpoint       string `yaml:"endpoint"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// TrackerConfig contains trajectory tracker tuning parameters.
type TrackerConfig struct {
	// MaxGap is the number of consecutive missed frames bridged before the
	// active track terminates.
	MaxGap int `yaml:"max_gap"`

	// MaxMatchScore is the gap-penalized score threshold (pixels) above which
	// a candidate detection is rejected for the active track.
	MaxMatchScore float64 `yaml:"max_match_score"`

	// GapPenalty scales the score per missed frame since the last update.
	GapPenalty float64 `yaml:"gap_penalty"`

	// AmbiguityMargin is the relative score margin within which two
	// high-confidence candidates are considered indistinguishable.
	AmbiguityMargin float64 `yaml:"ambiguity_margin"`

	// HighConfidence is the confidence above which a detection participates
	// in ambiguity checks.
	HighConfidence float64 `yaml:"high_confidence"`
}

// ClassifierConfig contains stroke classifier tuning parameters.
type ClassifierConfig struct {
	WindowFrames     int     `yaml:"window_frames"`
	ToleranceSeconds float64 `yaml:"tolerance_seconds"`

	// MinPeakSpeed is the minimum wrist speed (normalized units/s) for a
	// motion peak to count as a swing.
	MinPeakSpeed float64 `yaml:"min_peak_speed"`
}

// MetricsConfig contains aggregation tuning parameters.
type MetricsConfig struct {
	// RallySilenceGapSeconds separates stroke event clusters into rallies.
	RallySilenceGapSeconds float64 `yaml:"rally_silence_gap_seconds"`
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()

	return cfg
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Server.RateLimit.RequestsPerMinute == 0 {
		c.Server.RateLimit.RequestsPerMinute = 120
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Database.Postgres.Port == 0 {
		c.Database.Postgres.Port = 5432
	}

	if c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = "disable"
	}

	if c.Storage.UploadDir == "" {
		c.Storage.UploadDir = DefaultUploadDir
	}

	if c.Storage.MaxUploadBytes == 0 {
		c.Storage.MaxUploadBytes = DefaultMaxUploadBytes
	}

	if len(c.Storage.SupportedFormats) == 0 {
		c.Storage.SupportedFormats = []string{".mp4", ".mov", ".avi"}
	}

	if c.Analysis.MaxConcurrentRuns == 0 {
		c.Analysis.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}

	if c.Analysis.FrameStride == 0 {
		c.Analysis.FrameStride = DefaultFrameStride
	}

	if c.Analysis.ConfidenceThreshold == 0 {
		c.Analysis.ConfidenceThreshold = DefaultConfidenceThreshold
	}

	if c.Analysis.MaxDetectorFaults == 0 {
		c.Analysis.MaxDetectorFaults = DefaultMaxDetectorFaults
	}

	if c.Analysis.Detectors.Ball.TimeoutSeconds == 0 {
		c.Analysis.Detectors.Ball.TimeoutSeconds = 30
	}

	if c.Analysis.Detectors.Pose.TimeoutSeconds == 0 {
		c.Analysis.Detectors.Pose.TimeoutSeconds = 30
	}

	if c.Analysis.Tracker.MaxGap == 0 {
		c.Analysis.Tracker.MaxGap = 3
	}

	if c.Analysis.Tracker.MaxMatchScore == 0 {
		c.Analysis.Tracker.MaxMatchScore = 120
	}

	if c.Analysis.Tracker.GapPenalty == 0 {
		c.Analysis.Tracker.GapPenalty = 0.5
	}

	if c.Analysis.Tracker.AmbiguityMargin == 0 {
		c.Analysis.Tracker.AmbiguityMargin = 0.1
	}

	if c.Analysis.Tracker.HighConfidence == 0 {
		c.Analysis.Tracker.HighConfidence = 0.7
	}

	if c.Analysis.Classifier.WindowFrames == 0 {
		c.Analysis.Classifier.WindowFrames = 15
	}

	if c.Analysis.Classifier.ToleranceSeconds == 0 {
		c.Analysis.Classifier.ToleranceSeconds = 0.2
	}

	if c.Analysis.Classifier.MinPeakSpeed == 0 {
		c.Analysis.Classifier.MinPeakSpeed = 3.0
	}

	if c.Analysis.Metrics.RallySilenceGapSeconds == 0 {
		c.Analysis.Metrics.RallySilenceGapSeconds = 4.0
	}
}

// validDrivers is the list of supported database drivers.
var validDrivers = map[string]struct{}{
	"sqlite":   {},
	"postgres": {},
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, ok := validDrivers[c.Database.Driver]; !ok {
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.Database.Driver == "postgres" {
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("postgres host is required")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("postgres database name is required")
		}
	}

	if c.Storage.MaxUploadBytes < 0 {
		return fmt.Errorf("max_upload_bytes must not be negative")
	}

	for _, ext := range c.Storage.SupportedFormats {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("supported format %q must start with a dot", ext)
		}
	}

	if c.Analysis.MaxConcurrentRuns < 1 {
		return fmt.Errorf("max_concurrent_runs must be at least 1")
	}

	if c.Analysis.FrameStride < 1 {
		return fmt.Errorf("frame_stride must be at least 1")
	}

	if c.Analysis.ConfidenceThreshold < 0 || c.Analysis.ConfidenceThreshold > 1 {
		return fmt.Errorf(
			"confidence_threshold must be in [0,1], got %v",
			c.Analysis.ConfidenceThreshold,
		)
	}

	if c.Analysis.MaxDetectorFaults < 1 {
		return fmt.Errorf("max_detector_faults must be at least 1")
	}

	if c.Analysis.Tracker.MaxGap < 0 {
		return fmt.Errorf("tracker max_gap must not be negative")
	}

	if c.Analysis.Classifier.ToleranceSeconds <= 0 {
		return fmt.Errorf("classifier tolerance_seconds must be positive")
	}

	if c.Analysis.Metrics.RallySilenceGapSeconds <= 0 {
		return fmt.Errorf("metrics rally_silence_gap_seconds must be positive")
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path != ":memory:" {
		dir := filepath.Dir(c.Database.SQLite.Path)
		if dir != "." && dir != ".." {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				return fmt.Errorf("sqlite database parent %q does not exist", dir)
			}
		}
	}

	return nil
}

// FormatSupported reports whether a filename's extension is an accepted
// upload format.
func (c *Config) FormatSupported(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, supported := range c.Storage.SupportedFormats {
		if ext == supported {
			return true
		}
	}

	return false
}
