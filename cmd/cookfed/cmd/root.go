// Package cmd provides the CLI commands for cookfed.
package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cookfed/cookfed/internal/config"
	"github.com/cookfed/cookfed/internal/crawler"
	"github.com/cookfed/cookfed/internal/index"
	"github.com/cookfed/cookfed/internal/logging"
	"github.com/cookfed/cookfed/internal/profiling"
	"github.com/cookfed/cookfed/internal/recipe"
	"github.com/cookfed/cookfed/internal/store"
	"github.com/cookfed/cookfed/pkg/version"
)

var (
	configDir string
	dataDir   string
	debugMode bool

	loggingCleanup func()
)

// Profiling flags, for diagnosing slow crawl cycles.
var (
	profileCPU   string
	profileMem   string
	profileTrace string
	profiler     = profiling.NewProfiler()
	cpuCleanup   func()
	traceCleanup func()
)

// NewRootCmd creates the root command for the cookfed CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cookfed",
		Short: "Recipe metadata aggregator for cooklang feeds and repositories",
		Long: `Cookfed crawls syndication feeds and code repositories that publish
cooklang recipes, stores them in a local database, and serves field-scoped
full-text search with cross-source duplicate collapse.

Feeds are registered in feeds.yaml next to the config file.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("cookfed version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "Config directory (default: ~/.config/cookfed)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory override")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	cmd.PersistentFlags().StringVar(&profileCPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&profileMem, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&profileTrace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = startLoggingAndProfiling
	cmd.PersistentPostRunE = stopLoggingAndProfiling

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newFeedsCmd())
	cmd.AddCommand(newRebuildCmd())
	cmd.AddCommand(newBackfillCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func startLoggingAndProfiling(_ *cobra.Command, _ []string) error {
	level := "info"
	if debugMode {
		level = "debug"
	}
	cleanup, err := logging.Setup(logging.DefaultConfig(level))
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	loggingCleanup = cleanup

	if profileCPU != "" {
		cpuCleanup, err = profiler.StartCPU(profileCPU)
		if err != nil {
			return fmt.Errorf("failed to start CPU profile: %w", err)
		}
	}
	if profileTrace != "" {
		traceCleanup, err = profiler.StartTrace(profileTrace)
		if err != nil {
			if cpuCleanup != nil {
				cpuCleanup()
			}
			return fmt.Errorf("failed to start trace: %w", err)
		}
	}
	return nil
}

func stopLoggingAndProfiling(_ *cobra.Command, _ []string) error {
	if traceCleanup != nil {
		traceCleanup()
		traceCleanup = nil
	}
	if cpuCleanup != nil {
		cpuCleanup()
		cpuCleanup = nil
	}
	if profileMem != "" {
		if err := profiler.WriteHeap(profileMem); err != nil {
			return err
		}
	}
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}

// loadConfig resolves the effective configuration, honoring the global
// --config-dir and --data-dir flags.
func loadConfig() (*config.Config, error) {
	dir := configDir
	if dir == "" {
		dir = config.DefaultConfigDir()
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.Paths.DataDir = dataDir
	}
	return cfg, nil
}

func loadFeedRoster() ([]crawler.FeedSpec, error) {
	dir := configDir
	if dir == "" {
		dir = config.DefaultConfigDir()
	}
	return config.LoadFeeds(dir)
}

// openStore opens the recipe database under the data directory.
func openStore(cfg *config.Config) (store.Store, error) {
	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return store.NewSQLiteStore(filepath.Join(cfg.Paths.DataDir, "recipes.db"))
}

// openEngine opens the search index under the data directory.
func openEngine(cfg *config.Config) (*index.Engine, error) {
	return index.NewEngine(filepath.Join(cfg.Paths.DataDir, "index.bleve"))
}

// buildCoordinator wires the fetcher, source adapters, and coordinator
// from configuration.
func buildCoordinator(cfg *config.Config, st store.Store, engine *index.Engine) *crawler.Coordinator {
	fetcher := crawler.NewFetcher(crawler.FetcherOptions{
		UserAgent:    cfg.Fetch.UserAgent,
		Timeout:      cfg.Fetch.Timeout.Std(),
		MaxBodySize:  cfg.Fetch.MaxBodySize,
		MaxRetries:   cfg.Fetch.MaxRetries,
		HostInterval: cfg.Fetch.HostInterval.Std(),
	})

	apiFetcher := fetcher
	if cfg.GitHub.Token != "" {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+cfg.GitHub.Token)
		apiFetcher = crawler.NewFetcher(crawler.FetcherOptions{
			UserAgent:    cfg.Fetch.UserAgent,
			Timeout:      cfg.Fetch.Timeout.Std(),
			MaxBodySize:  cfg.Fetch.MaxBodySize,
			MaxRetries:   cfg.Fetch.MaxRetries,
			HostInterval: cfg.Fetch.HostInterval.Std(),
			ExtraHeader:  header,
		})
	}

	sources := map[recipe.FeedKind]crawler.Source{
		recipe.KindSyndication: crawler.NewSyndicationSource(fetcher, st),
		recipe.KindRepository: crawler.NewRepositorySource(
			crawler.NewGitHubClient(apiFetcher, cfg.GitHub.APIBase), st),
	}

	return crawler.NewCoordinator(st, engine, sources, crawler.CoordinatorOptions{
		Concurrency:    cfg.Crawler.Concurrency,
		ErrorThreshold: cfg.Crawler.ErrorThreshold,
	})
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
