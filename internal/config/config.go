// Package config loads and validates cookfed configuration.
//
// Configuration is resolved in precedence order: built-in defaults, then
// the config file (cookfed.yaml or cookfed.yml in the config directory),
// then COOKFED_* environment variables. The feed roster lives in a
// separate feeds.yaml so operators can edit it without touching tuning
// parameters.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can use values like
// "30s" or "2h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the complete cookfed configuration.
type Config struct {
	Version int           `yaml:"version"`
	Paths   PathsConfig   `yaml:"paths"`
	Crawler CrawlerConfig `yaml:"crawler"`
	Fetch   FetchConfig   `yaml:"fetch"`
	GitHub  GitHubConfig  `yaml:"github"`
	Search  SearchConfig  `yaml:"search"`
	Server  ServerConfig  `yaml:"server"`
}

// PathsConfig configures where cookfed keeps its state.
type PathsConfig struct {
	// DataDir holds the recipe database, search index, and crawler lock.
	DataDir string `yaml:"data_dir"`
}

// CrawlerConfig configures the crawl cycle.
type CrawlerConfig struct {
	// Interval is the time between scheduled crawl cycles.
	Interval Duration `yaml:"interval"`

	// Concurrency caps the number of feeds crawled in parallel.
	Concurrency int `yaml:"concurrency"`

	// ErrorThreshold is the consecutive failure count after which a
	// feed is disabled.
	ErrorThreshold int `yaml:"error_threshold"`
}

// FetchConfig configures outbound HTTP behavior.
type FetchConfig struct {
	Timeout     Duration      `yaml:"timeout"`
	MaxBodySize int64         `yaml:"max_body_size"`
	MaxRetries  int           `yaml:"max_retries"`

	// HostInterval is the minimum spacing between requests to the
	// same host.
	HostInterval Duration `yaml:"host_interval"`

	UserAgent string `yaml:"user_agent"`
}

// GitHubConfig configures the repository adapter.
type GitHubConfig struct {
	// Token, when set, is sent as a bearer token on API requests.
	// Unauthenticated access works but is heavily rate limited.
	Token string `yaml:"token"`

	// APIBase overrides the GitHub API endpoint, for GitHub
	// Enterprise installs or tests.
	APIBase string `yaml:"api_base"`
}

// SearchConfig configures query processing.
type SearchConfig struct {
	// OverFetch is the multiplier applied to the requested page window
	// when fetching from the index, leaving headroom for duplicate
	// collapse.
	OverFetch int `yaml:"over_fetch"`

	PerPage    int `yaml:"per_page"`
	MaxPerPage int `yaml:"max_per_page"`
}

// ServerConfig configures logging for long-running modes.
type ServerConfig struct {
	LogLevel string `yaml:"log_level"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Paths: PathsConfig{
			DataDir: defaultDataDir(),
		},
		Crawler: CrawlerConfig{
			Interval:       Duration(time.Hour),
			Concurrency:    4,
			ErrorThreshold: 5,
		},
		Fetch: FetchConfig{
			Timeout:      Duration(30 * time.Second),
			MaxBodySize:  5 << 20,
			MaxRetries:   3,
			HostInterval: Duration(time.Second),
			UserAgent:    "cookfed/1.0 (+https://github.com/cookfed/cookfed)",
		},
		GitHub: GitHubConfig{
			Token:   "",
			APIBase: "", // Empty uses api.github.com
		},
		Search: SearchConfig{
			OverFetch:  3,
			PerPage:    10,
			MaxPerPage: 100,
		},
		Server: ServerConfig{
			LogLevel: "info",
		},
	}
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "cookfed")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cookfed"
	}
	return filepath.Join(home, ".local", "share", "cookfed")
}

// DefaultConfigDir returns the directory searched for cookfed.yaml and
// feeds.yaml.
func DefaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "cookfed")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cookfed"
	}
	return filepath.Join(home, ".config", "cookfed")
}

// Load resolves the configuration for the given config directory.
//
// Precedence (later overrides earlier):
//  1. Built-in defaults
//  2. Config file (cookfed.yaml or cookfed.yml in dir)
//  3. Environment variables (COOKFED_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile attempts to load configuration from cookfed.yaml or
// cookfed.yml. A missing file is not an error.
func (c *Config) loadFromFile(dir string) error {
	yamlPath := filepath.Join(dir, "cookfed.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		return c.loadYAML(yamlPath)
	}

	ymlPath := filepath.Join(dir, "cookfed.yml")
	if _, err := os.Stat(ymlPath); err == nil {
		return c.loadYAML(ymlPath)
	}

	return nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}
	if other.Paths.DataDir != "" {
		c.Paths.DataDir = other.Paths.DataDir
	}
	if other.Crawler.Interval != 0 {
		c.Crawler.Interval = other.Crawler.Interval
	}
	if other.Crawler.Concurrency != 0 {
		c.Crawler.Concurrency = other.Crawler.Concurrency
	}
	if other.Crawler.ErrorThreshold != 0 {
		c.Crawler.ErrorThreshold = other.Crawler.ErrorThreshold
	}
	if other.Fetch.Timeout != 0 {
		c.Fetch.Timeout = other.Fetch.Timeout
	}
	if other.Fetch.MaxBodySize != 0 {
		c.Fetch.MaxBodySize = other.Fetch.MaxBodySize
	}
	if other.Fetch.MaxRetries != 0 {
		c.Fetch.MaxRetries = other.Fetch.MaxRetries
	}
	if other.Fetch.HostInterval != 0 {
		c.Fetch.HostInterval = other.Fetch.HostInterval
	}
	if other.Fetch.UserAgent != "" {
		c.Fetch.UserAgent = other.Fetch.UserAgent
	}
	if other.GitHub.Token != "" {
		c.GitHub.Token = other.GitHub.Token
	}
	if other.GitHub.APIBase != "" {
		c.GitHub.APIBase = other.GitHub.APIBase
	}
	if other.Search.OverFetch != 0 {
		c.Search.OverFetch = other.Search.OverFetch
	}
	if other.Search.PerPage != 0 {
		c.Search.PerPage = other.Search.PerPage
	}
	if other.Search.MaxPerPage != 0 {
		c.Search.MaxPerPage = other.Search.MaxPerPage
	}
	if other.Server.LogLevel != "" {
		c.Server.LogLevel = other.Server.LogLevel
	}
}

// applyEnvOverrides applies COOKFED_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("COOKFED_DATA_DIR"); v != "" {
		c.Paths.DataDir = v
	}
	if v := os.Getenv("COOKFED_CRAWL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Crawler.Interval = Duration(d)
		}
	}
	if v := os.Getenv("COOKFED_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Crawler.Concurrency = n
		}
	}
	if v := os.Getenv("COOKFED_ERROR_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Crawler.ErrorThreshold = n
		}
	}
	if v := os.Getenv("COOKFED_FETCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Fetch.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("COOKFED_GITHUB_TOKEN"); v != "" {
		c.GitHub.Token = v
	}
	if v := os.Getenv("COOKFED_GITHUB_API_BASE"); v != "" {
		c.GitHub.APIBase = v
	}
	if v := os.Getenv("COOKFED_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Paths.DataDir == "" {
		return fmt.Errorf("paths.data_dir must not be empty")
	}
	if c.Crawler.Interval.Std() < time.Minute {
		return fmt.Errorf("crawler.interval must be at least 1m, got %s", c.Crawler.Interval.Std())
	}
	if c.Crawler.Concurrency < 1 {
		return fmt.Errorf("crawler.concurrency must be at least 1, got %d", c.Crawler.Concurrency)
	}
	if c.Crawler.ErrorThreshold < 1 {
		return fmt.Errorf("crawler.error_threshold must be at least 1, got %d", c.Crawler.ErrorThreshold)
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be positive, got %s", c.Fetch.Timeout.Std())
	}
	if c.Fetch.MaxBodySize < 1024 {
		return fmt.Errorf("fetch.max_body_size must be at least 1024 bytes, got %d", c.Fetch.MaxBodySize)
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must be non-negative, got %d", c.Fetch.MaxRetries)
	}
	if c.Search.OverFetch < 1 {
		return fmt.Errorf("search.over_fetch must be at least 1, got %d", c.Search.OverFetch)
	}
	if c.Search.PerPage < 1 || c.Search.PerPage > c.Search.MaxPerPage {
		return fmt.Errorf("search.per_page must be between 1 and %d, got %d", c.Search.MaxPerPage, c.Search.PerPage)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
