package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cookfed/cookfed/internal/recipe"
)

func TestNewConfig_Defaults(t *testing.T) {
	// Given: no config file

	// When: creating a default config
	cfg := NewConfig()

	// Then: defaults are valid and sensible
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Hour, cfg.Crawler.Interval.Std())
	assert.Equal(t, 4, cfg.Crawler.Concurrency)
	assert.Equal(t, 5, cfg.Crawler.ErrorThreshold)
	assert.Equal(t, int64(5<<20), cfg.Fetch.MaxBodySize)
	assert.Equal(t, 3, cfg.Search.OverFetch)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.NotEmpty(t, cfg.Paths.DataDir)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	// Given: a config file with a subset of fields
	dir := t.TempDir()
	content := `
version: 1
paths:
  data_dir: /var/lib/cookfed
crawler:
  interval: 2h
  concurrency: 8
fetch:
  timeout: 10s
server:
  log_level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cookfed.yaml"), []byte(content), 0o644))

	// When: loading
	cfg, err := Load(dir)
	require.NoError(t, err)

	// Then: file values win, unset fields keep defaults
	assert.Equal(t, "/var/lib/cookfed", cfg.Paths.DataDir)
	assert.Equal(t, 2*time.Hour, cfg.Crawler.Interval.Std())
	assert.Equal(t, 8, cfg.Crawler.Concurrency)
	assert.Equal(t, 10*time.Second, cfg.Fetch.Timeout.Std())
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, 5, cfg.Crawler.ErrorThreshold)
	assert.Equal(t, 3, cfg.Search.OverFetch)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, NewConfig().Crawler.Concurrency, cfg.Crawler.Concurrency)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	// Given: a config file and competing environment variables
	dir := t.TempDir()
	content := `
crawler:
  interval: 2h
github:
  token: from-file
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cookfed.yaml"), []byte(content), 0o644))
	t.Setenv("COOKFED_CRAWL_INTERVAL", "30m")
	t.Setenv("COOKFED_GITHUB_TOKEN", "from-env")
	t.Setenv("COOKFED_LOG_LEVEL", "warn")

	// When: loading
	cfg, err := Load(dir)
	require.NoError(t, err)

	// Then: environment wins
	assert.Equal(t, 30*time.Minute, cfg.Crawler.Interval.Std())
	assert.Equal(t, "from-env", cfg.GitHub.Token)
	assert.Equal(t, "warn", cfg.Server.LogLevel)
}

func TestLoad_MalformedYAMLFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cookfed.yaml"), []byte("crawler: ["), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse")
}

func TestLoad_BadDurationFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cookfed.yaml"),
		[]byte("crawler:\n  interval: soon\n"), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.Paths.DataDir = "" }},
		{"interval too short", func(c *Config) { c.Crawler.Interval = Duration(time.Second) }},
		{"zero concurrency", func(c *Config) { c.Crawler.Concurrency = 0 }},
		{"zero error threshold", func(c *Config) { c.Crawler.ErrorThreshold = 0 }},
		{"tiny body cap", func(c *Config) { c.Fetch.MaxBodySize = 100 }},
		{"zero over fetch", func(c *Config) { c.Search.OverFetch = 0 }},
		{"per page above max", func(c *Config) { c.Search.PerPage = 500 }},
		{"unknown log level", func(c *Config) { c.Server.LogLevel = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWriteYAML_RoundTrips(t *testing.T) {
	// Given: a non-default config written to disk
	dir := t.TempDir()
	cfg := NewConfig()
	cfg.Crawler.Interval = Duration(45 * time.Minute)
	cfg.Paths.DataDir = "/tmp/cookfed-test"
	require.NoError(t, cfg.WriteYAML(filepath.Join(dir, "cookfed.yaml")))

	// When: loading it back
	loaded, err := Load(dir)
	require.NoError(t, err)

	// Then: values survive the round trip
	assert.Equal(t, 45*time.Minute, loaded.Crawler.Interval.Std())
	assert.Equal(t, "/tmp/cookfed-test", loaded.Paths.DataDir)
}

func TestParseFeeds_RosterEntries(t *testing.T) {
	// Given: a roster with both kinds and a disabled entry
	data := []byte(`
feeds:
  - url: https://kitchen.example/feed.xml
  - url: https://github.com/alice/recipes
    kind: repository
    branch: dev
  - url: https://off.example/feed.xml
    enabled: false
`)

	// When: parsing
	specs, err := ParseFeeds(data)
	require.NoError(t, err)

	// Then: disabled entries are dropped, kind defaults to syndication
	require.Len(t, specs, 2)
	assert.Equal(t, recipe.KindSyndication, specs[0].Kind)
	assert.Equal(t, recipe.KindRepository, specs[1].Kind)
	assert.Equal(t, "dev", specs[1].Branch)
}

func TestParseFeeds_RejectsBadEntries(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing url", "feeds:\n  - kind: syndication\n", "url must not be empty"},
		{"relative url", "feeds:\n  - url: feed.xml\n", "not an absolute URL"},
		{"unknown kind", "feeds:\n  - url: https://a.example/f\n    kind: ftp\n", "kind must be"},
		{"branch on syndication", "feeds:\n  - url: https://a.example/f\n    branch: main\n", "only valid for repository"},
		{"duplicate url", "feeds:\n  - url: https://a.example/f\n  - url: https://a.example/f\n", "duplicate url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFeeds([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAppendFeed_CreatesAndExtendsRoster(t *testing.T) {
	// Given: an empty config directory
	dir := t.TempDir()

	// When: adding two feeds
	require.NoError(t, AppendFeed(dir, FeedEntry{URL: "https://kitchen.example/feed.xml"}))
	require.NoError(t, AppendFeed(dir, FeedEntry{
		URL: "https://github.com/alice/recipes", Kind: "repository", Branch: "dev",
	}))

	// Then: both load back in order
	specs, err := LoadFeeds(dir)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, recipe.KindRepository, specs[1].Kind)
	assert.Equal(t, "dev", specs[1].Branch)
}

func TestAppendFeed_RejectsDuplicatesAndBadEntries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, AppendFeed(dir, FeedEntry{URL: "https://kitchen.example/feed.xml"}))

	err := AppendFeed(dir, FeedEntry{URL: "https://kitchen.example/feed.xml"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in the roster")

	err = AppendFeed(dir, FeedEntry{URL: "not-a-url"})
	require.Error(t, err)
}

func TestLoadFeeds_MissingFileIsEmptyRoster(t *testing.T) {
	specs, err := LoadFeeds(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, specs)
}
