package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/cookfed/cookfed/internal/crawler"
	"github.com/cookfed/cookfed/internal/recipe"
)

// FeedEntry is one row of the feeds.yaml roster.
type FeedEntry struct {
	URL  string `yaml:"url"`
	Kind string `yaml:"kind"`

	// Branch pins the branch crawled for repository feeds. Empty
	// means the repository's default branch.
	Branch string `yaml:"branch"`

	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`
}

type feedsFile struct {
	Feeds []FeedEntry `yaml:"feeds"`
}

// LoadFeeds reads the feed roster from feeds.yaml in the given config
// directory and returns the enabled entries as crawl specs. A missing
// file yields an empty roster.
func LoadFeeds(dir string) ([]crawler.FeedSpec, error) {
	path := filepath.Join(dir, "feeds.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read feed roster %s: %w", path, err)
	}
	return ParseFeeds(data)
}

// ParseFeeds parses a feeds.yaml document.
func ParseFeeds(data []byte) ([]crawler.FeedSpec, error) {
	var file feedsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse feed roster: %w", err)
	}

	specs := make([]crawler.FeedSpec, 0, len(file.Feeds))
	seen := make(map[string]bool, len(file.Feeds))
	for i, entry := range file.Feeds {
		if entry.Enabled != nil && !*entry.Enabled {
			continue
		}

		spec, err := feedSpec(entry)
		if err != nil {
			return nil, fmt.Errorf("feed roster entry %d: %w", i+1, err)
		}
		if seen[spec.URL] {
			return nil, fmt.Errorf("feed roster entry %d: duplicate url %s", i+1, spec.URL)
		}
		seen[spec.URL] = true
		specs = append(specs, spec)
	}
	return specs, nil
}

// AppendFeed validates the entry and appends it to feeds.yaml in the
// given config directory, creating the file when absent.
func AppendFeed(dir string, entry FeedEntry) error {
	if _, err := feedSpec(entry); err != nil {
		return err
	}

	path := filepath.Join(dir, "feeds.yaml")
	var file feedsFile
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("failed to parse feed roster %s: %w", path, err)
		}
	case os.IsNotExist(err):
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	default:
		return fmt.Errorf("failed to read feed roster %s: %w", path, err)
	}

	for _, existing := range file.Feeds {
		if existing.URL == entry.URL {
			return fmt.Errorf("feed %s is already in the roster", entry.URL)
		}
	}
	file.Feeds = append(file.Feeds, entry)

	out, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("failed to marshal feed roster: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("failed to write feed roster %s: %w", path, err)
	}
	return nil
}

func feedSpec(entry FeedEntry) (crawler.FeedSpec, error) {
	if entry.URL == "" {
		return crawler.FeedSpec{}, fmt.Errorf("url must not be empty")
	}
	u, err := url.Parse(entry.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return crawler.FeedSpec{}, fmt.Errorf("url %q is not an absolute URL", entry.URL)
	}

	var kind recipe.FeedKind
	switch entry.Kind {
	case "", string(recipe.KindSyndication):
		kind = recipe.KindSyndication
	case string(recipe.KindRepository):
		kind = recipe.KindRepository
	default:
		return crawler.FeedSpec{}, fmt.Errorf("kind must be %q or %q, got %q",
			recipe.KindSyndication, recipe.KindRepository, entry.Kind)
	}

	if entry.Branch != "" && kind != recipe.KindRepository {
		return crawler.FeedSpec{}, fmt.Errorf("branch is only valid for repository feeds")
	}

	return crawler.FeedSpec{
		URL:    entry.URL,
		Kind:   kind,
		Branch: entry.Branch,
	}, nil
}
