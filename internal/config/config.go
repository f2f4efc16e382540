package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/adverant/nexus/beanscan-worker/internal/aggregator"
	"github.com/adverant/nexus/beanscan-worker/internal/output"
)

//go:embed sample_config.toml
var sampleConfig string

// Server contains the HTTP surface settings.
type Server struct {
	Bind              string   `toml:"bind"`
	MaxUploadMB       int      `toml:"max_upload_mb"`
	AllowedExtensions []string `toml:"allowed_extensions"`
	DownloadRetries   int      `toml:"download_retries"`
	DownloadTimeout   int      `toml:"download_timeout_seconds"`
}

// Paths contains directory configuration.
type Paths struct {
	DataDir   string `toml:"data_dir"`
	UploadDir string `toml:"upload_dir"`
	OutputDir string `toml:"output_dir"`
}

// Pipeline contains frame loop settings.
type Pipeline struct {
	LiveStride      int     `toml:"live_stride"`
	StatsStride     int     `toml:"stats_stride"`
	BucketSeconds   float64 `toml:"bucket_seconds"`
	LiveWidth       int     `toml:"live_width"`
	LiveHeight      int     `toml:"live_height"`
	JPEGQuality     int     `toml:"jpeg_quality"`
	KeepUploads     bool    `toml:"keep_uploads"`
	SubscriberQueue int     `toml:"subscriber_queue"`
}

// Detector contains the object detector connection.
type Detector struct {
	Kind           string  `toml:"kind"` // http or none
	URL            string  `toml:"url"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	OnError        string  `toml:"on_error"` // abort or skip
	MinConfidence  float64 `toml:"min_confidence"`
}

// Tracker contains multi-object tracking settings.
type Tracker struct {
	Enabled       bool    `toml:"enabled"`
	IOUThreshold  float64 `toml:"iou_threshold"`
	MaxLostFrames int     `toml:"max_lost_frames"`
}

// Output contains annotated video settings. Profiles are tried in order.
type Output struct {
	FileSuffix string           `toml:"file_suffix"`
	Profiles   []output.Profile `toml:"profiles"`
}

// Quality contains scoring and recommendation settings.
type Quality struct {
	DefectClasses []string          `toml:"defect_classes"`
	Rules         []aggregator.Rule `toml:"rules"`
	RulesFile     string            `toml:"rules_file"`
}

// Registry contains in-memory job retention.
type Registry struct {
	RetentionMinutes int `toml:"retention_minutes"`
	SweepSeconds     int `toml:"sweep_seconds"`
}

// Dispatch selects how accepted jobs reach a worker.
type Dispatch struct {
	Mode               string `toml:"mode"` // local or asynq
	Concurrency        int    `toml:"concurrency"`
	RedisURL           string `toml:"redis_url"`
	Queue              string `toml:"queue"`
	Consume            bool   `toml:"consume"` // run the asynq consumer in serve
	TaskTimeoutMinutes int    `toml:"task_timeout_minutes"`
}

// Relay mirrors live progress to Redis pub/sub.
type Relay struct {
	Enabled       bool   `toml:"enabled"`
	RedisURL      string `toml:"redis_url"`
	ChannelPrefix string `toml:"channel_prefix"`
	IncludeFrames bool   `toml:"include_frames"`
}

// Store contains result persistence settings.
type Store struct {
	Driver string `toml:"driver"` // none, sqlite or postgres
	DSN    string `toml:"dsn"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for the worker.
type Config struct {
	Server   Server   `toml:"server"`
	Paths    Paths    `toml:"paths"`
	Pipeline Pipeline `toml:"pipeline"`
	Detector Detector `toml:"detector"`
	Tracker  Tracker  `toml:"tracker"`
	Output   Output   `toml:"output"`
	Quality  Quality  `toml:"quality"`
	Registry Registry `toml:"registry"`
	Dispatch Dispatch `toml:"dispatch"`
	Relay    Relay    `toml:"relay"`
	Store    Store    `toml:"store"`
	Logging  Logging  `toml:"logging"`
}

// Load reads path (when it exists), applies BEANSCAN_* overrides, normalizes
// and validates. It returns the resolved path and whether the file existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		// Tables given in the file replace the built-in lists
		cfg.Output.Profiles = nil
		cfg.Quality.Rules = nil

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if cfg.Quality.RulesFile != "" {
		rules, err := LoadRules(cfg.Quality.RulesFile)
		if err != nil {
			return nil, "", false, err
		}
		cfg.Quality.Rules = rules
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

// SampleConfig returns an annotated config file with every default spelled out.
func SampleConfig() string {
	return sampleConfig
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		path = os.Getenv("BEANSCAN_CONFIG")
	}
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", false, err
		}
		path = defaultPath
	}
	expanded, err := expandPath(path)
	if err != nil {
		return "", false, err
	}
	if _, err := os.Stat(expanded); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return expanded, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	return expanded, true, nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/beanscan/config.toml")
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// EnsureDirectories creates the data, upload and output directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.UploadDir, c.Paths.OutputDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LockPath is the single-instance lock held by serve
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "beanscan.lock")
}
