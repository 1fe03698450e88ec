// Package config provides configuration loading and structs for the mirip server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Index     IndexConfig     `yaml:"index"`
	Search    SearchConfig    `yaml:"search"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// StorageConfig points at the catalog database that holds item embeddings.
type StorageConfig struct {
	DatabasePath    string `yaml:"database_path"`
	Table           string `yaml:"table"`
	IDColumn        string `yaml:"id_column"`
	EmbeddingColumn string `yaml:"embedding_column"`
}

// EmbeddingConfig holds ONNX feature extractor settings.
type EmbeddingConfig struct {
	ModelPath  string `yaml:"model_path"`
	Dimensions int    `yaml:"dimensions"`
	InputSize  int    `yaml:"input_size"`
	InputName  string `yaml:"input_name"`
	OutputName string `yaml:"output_name"`
	// Layout is the model input tensor layout: "nhwc" or "nchw".
	Layout string `yaml:"layout"`
	// Preprocess selects pixel normalization: "caffe" or "torch".
	Preprocess string `yaml:"preprocess"`
	Workers    int    `yaml:"workers"`
	CacheSize  int    `yaml:"cache_size"`
	// MaxImagePixels rejects uploads whose declared width*height is larger.
	MaxImagePixels int `yaml:"max_image_pixels"`
}

// IndexConfig holds similarity index and resync settings.
type IndexConfig struct {
	PageSize          int     `yaml:"page_size"`
	NormTolerance     float64 `yaml:"norm_tolerance"`
	ParallelThreshold *int    `yaml:"parallel_threshold"`
	WatchStore        bool    `yaml:"watch_store"`
	WatchDebounceMS   int     `yaml:"watch_debounce_ms"`
	// ResyncIntervalSeconds enables periodic resync when positive.
	ResyncIntervalSeconds int `yaml:"resync_interval_seconds"`
}

// WatchDebounce returns the store watcher debounce as a duration.
func (c *IndexConfig) WatchDebounce() time.Duration {
	return time.Duration(c.WatchDebounceMS) * time.Millisecond
}

// ResyncInterval returns the periodic resync interval; zero disables it.
func (c *IndexConfig) ResyncInterval() time.Duration {
	if c.ResyncIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.ResyncIntervalSeconds) * time.Second
}

// ParallelThresholdOrDefault returns the parallel scan threshold; defaults to 50000 when unset.
// Zero disables sharded scans.
func (c *IndexConfig) ParallelThresholdOrDefault() int {
	if c.ParallelThreshold != nil {
		return *c.ParallelThreshold
	}
	return 50000
}

// SearchConfig holds result size limits.
type SearchConfig struct {
	DefaultLimit     int `yaml:"default_limit"`
	ItemDefaultLimit int `yaml:"item_default_limit"`
	MaxLimit         int `yaml:"max_limit"`
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)

	return &cfg, nil
}

// Validate reports settings that have no sensible default.
func (c *Config) Validate() error {
	switch c.Embedding.Layout {
	case "nhwc", "nchw":
	default:
		return fmt.Errorf("invalid embedding.layout %q (supported: nhwc, nchw)", c.Embedding.Layout)
	}
	switch c.Embedding.Preprocess {
	case "caffe", "torch":
	default:
		return fmt.Errorf("invalid embedding.preprocess %q (supported: caffe, torch)", c.Embedding.Preprocess)
	}
	if c.Embedding.MaxImagePixels < 0 {
		return fmt.Errorf("embedding.max_image_pixels must not be negative, got %d", c.Embedding.MaxImagePixels)
	}
	if c.Index.NormTolerance < 0 || c.Index.NormTolerance >= 1 {
		return fmt.Errorf("index.norm_tolerance must be in [0, 1), got %g", c.Index.NormTolerance)
	}
	return nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
