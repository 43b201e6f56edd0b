// Package config loads comfydock settings from a YAML file, a .env file and
// environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultRegistryURL     = "https://api.comfy.org"
	DefaultSourceHostURL   = "https://api.github.com"
	DefaultApplicationRepo = "https://github.com/comfyanonymous/ComfyUI.git"
)

// Config holds every tunable of the capture and recreate engines.
type Config struct {
	// RegistryURL is the base URL of the node registry API
	RegistryURL string

	// SourceHostURL is the base URL of the source-hosting releases/tags API
	SourceHostURL string

	// GitHubToken authenticates source-host requests; optional
	GitHubToken string

	// ApplicationRepo is cloned into the application root on recreate
	ApplicationRepo string

	// CacheDir is the shared download and interpreter cache
	CacheDir string

	// UVPath is the uv executable used for interpreters and packages
	UVPath string

	// GitPath is the git executable
	GitPath string

	Validation ValidationConfig
	Recreate   RecreateConfig
}

// ValidationConfig tunes the registry and source-host validators.
type ValidationConfig struct {
	// Workers bounds concurrent validator calls during capture
	// Default: 4, Range: 1-32
	Workers int

	// RequestsPerSecond limits calls per service
	// Default: 5
	RequestsPerSecond float64

	Retry RetrySettings
}

// RetrySettings is the retry policy handed to each validator.
type RetrySettings struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the fraction of each delay that is randomized, 0-1
	Jitter  float64
	Timeout time.Duration
}

// RecreateConfig tunes the recreate engine.
type RecreateConfig struct {
	// PluginWorkers bounds concurrent node installs inside one order batch
	// Default: 4, Range: 1-32
	PluginWorkers int
}

// fileConfig mirrors Config in the YAML file. Durations are strings like "2s".
type fileConfig struct {
	RegistryURL     string `yaml:"registry_url"`
	SourceHostURL   string `yaml:"source_host_url"`
	GitHubToken     string `yaml:"github_token"`
	ApplicationRepo string `yaml:"application_repo"`
	CacheDir        string `yaml:"cache_dir"`
	UVPath          string `yaml:"uv_path"`
	GitPath         string `yaml:"git_path"`

	Validation struct {
		Workers           int     `yaml:"workers"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Retry             struct {
			MaxAttempts int     `yaml:"max_attempts"`
			BaseDelay   string  `yaml:"base_delay"`
			MaxDelay    string  `yaml:"max_delay"`
			Jitter      float64 `yaml:"jitter"`
			Timeout     string  `yaml:"timeout"`
		} `yaml:"retry"`
	} `yaml:"validation"`

	Recreate struct {
		PluginWorkers int `yaml:"plugin_workers"`
	} `yaml:"recreate"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		RegistryURL:     DefaultRegistryURL,
		SourceHostURL:   DefaultSourceHostURL,
		ApplicationRepo: DefaultApplicationRepo,
		CacheDir:        defaultCacheDir(),
		UVPath:          "uv",
		GitPath:         "git",
		Validation: ValidationConfig{
			Workers:           4,
			RequestsPerSecond: 5,
			Retry: RetrySettings{
				MaxAttempts: 3,
				BaseDelay:   500 * time.Millisecond,
				MaxDelay:    8 * time.Second,
				Jitter:      0.2,
				Timeout:     15 * time.Second,
			},
		},
		Recreate: RecreateConfig{PluginWorkers: 4},
	}
}

// Load resolves the configuration. path may be empty, in which case
// $COMFYDOCK_CONFIG, ./.comfydock.yaml and the user config directory are tried
// in that order. A missing file is not an error.
func Load(path string) (*Config, error) {
	// .env is optional; a missing file is the common case.
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.mergeEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	candidates := []string{os.Getenv("COMFYDOCK_CONFIG"), ".comfydock.yaml"}
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, "comfydock", "config.yaml"))
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	setString(&c.RegistryURL, fc.RegistryURL)
	setString(&c.SourceHostURL, fc.SourceHostURL)
	setString(&c.GitHubToken, fc.GitHubToken)
	setString(&c.ApplicationRepo, fc.ApplicationRepo)
	setString(&c.CacheDir, fc.CacheDir)
	setString(&c.UVPath, fc.UVPath)
	setString(&c.GitPath, fc.GitPath)

	if fc.Validation.Workers > 0 {
		c.Validation.Workers = fc.Validation.Workers
	}
	if fc.Validation.RequestsPerSecond > 0 {
		c.Validation.RequestsPerSecond = fc.Validation.RequestsPerSecond
	}
	r := fc.Validation.Retry
	if r.MaxAttempts > 0 {
		c.Validation.Retry.MaxAttempts = r.MaxAttempts
	}
	if r.Jitter > 0 {
		c.Validation.Retry.Jitter = r.Jitter
	}
	for _, d := range []struct {
		raw  string
		dest *time.Duration
		name string
	}{
		{r.BaseDelay, &c.Validation.Retry.BaseDelay, "validation.retry.base_delay"},
		{r.MaxDelay, &c.Validation.Retry.MaxDelay, "validation.retry.max_delay"},
		{r.Timeout, &c.Validation.Retry.Timeout, "validation.retry.timeout"},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dest = parsed
	}
	if fc.Recreate.PluginWorkers > 0 {
		c.Recreate.PluginWorkers = fc.Recreate.PluginWorkers
	}
	return nil
}

// mergeEnv applies environment overrides.
//
// Environment variables:
//   - COMFYDOCK_REGISTRY_URL: node registry base URL
//   - COMFYDOCK_GITHUB_API_URL: source-host API base URL
//   - GITHUB_TOKEN: source-host token
//   - COMFYDOCK_CACHE_DIR: shared cache directory
//   - COMFYDOCK_UV: uv executable
//   - COMFYDOCK_VALIDATION_WORKERS: validator concurrency
//   - COMFYDOCK_PLUGIN_WORKERS: plugin install concurrency
func (c *Config) mergeEnv() error {
	parseEnvString("COMFYDOCK_REGISTRY_URL", &c.RegistryURL)
	parseEnvString("COMFYDOCK_GITHUB_API_URL", &c.SourceHostURL)
	parseEnvString("GITHUB_TOKEN", &c.GitHubToken)
	parseEnvString("COMFYDOCK_CACHE_DIR", &c.CacheDir)
	parseEnvString("COMFYDOCK_UV", &c.UVPath)
	if err := parseEnvInt("COMFYDOCK_VALIDATION_WORKERS", &c.Validation.Workers); err != nil {
		return err
	}
	if err := parseEnvInt("COMFYDOCK_PLUGIN_WORKERS", &c.Recreate.PluginWorkers); err != nil {
		return err
	}
	return nil
}

// Validate checks if the configuration has valid values
func (c *Config) Validate() error {
	if c.RegistryURL == "" {
		return fmt.Errorf("registry_url cannot be empty")
	}
	if c.SourceHostURL == "" {
		return fmt.Errorf("source_host_url cannot be empty")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir cannot be empty")
	}
	if c.Validation.Workers < 1 || c.Validation.Workers > 32 {
		return fmt.Errorf("validation.workers must be between 1 and 32 (got %d)", c.Validation.Workers)
	}
	if c.Recreate.PluginWorkers < 1 || c.Recreate.PluginWorkers > 32 {
		return fmt.Errorf("recreate.plugin_workers must be between 1 and 32 (got %d)", c.Recreate.PluginWorkers)
	}
	if c.Validation.RequestsPerSecond <= 0 {
		return fmt.Errorf("validation.requests_per_second must be positive (got %v)", c.Validation.RequestsPerSecond)
	}
	r := c.Validation.Retry
	if r.MaxAttempts < 1 || r.MaxAttempts > 10 {
		return fmt.Errorf("validation.retry.max_attempts must be between 1 and 10 (got %d)", r.MaxAttempts)
	}
	if r.BaseDelay <= 0 || r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("validation.retry delays must satisfy 0 < base_delay (%v) <= max_delay (%v)", r.BaseDelay, r.MaxDelay)
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return fmt.Errorf("validation.retry.jitter must be between 0 and 1 (got %v)", r.Jitter)
	}
	if r.Timeout <= 0 {
		return fmt.Errorf("validation.retry.timeout must be positive (got %v)", r.Timeout)
	}
	return nil
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "comfydock")
	}
	return filepath.Join(os.TempDir(), "comfydock-cache")
}

func setString(dest *string, value string) {
	if value != "" {
		*dest = value
	}
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvString parses a string from an environment variable
func parseEnvString(key string, dest *string) {
	if value := os.Getenv(key); value != "" {
		*dest = value
	}
}
