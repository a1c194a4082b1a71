package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cookfed/cookfed/internal/output"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Run one crawl cycle over the feed roster",
		Long: `Crawl every enabled feed once, ingest new and changed recipes,
and commit them to the search index.

Examples:
  cookfed crawl
  cookfed crawl --debug`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd.Context(), cmd)
		},
	}
}

func runCrawl(ctx context.Context, cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	feeds, err := loadFeedRoster()
	if err != nil {
		return err
	}
	if len(feeds) == 0 {
		return fmt.Errorf("feed roster is empty; add feeds to feeds.yaml")
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	engine, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	coordinator := buildCoordinator(cfg, st, engine)
	stats, err := coordinator.RunCycle(ctx, feeds)
	if err != nil {
		return err
	}

	out := output.New(cmd.OutOrStdout())
	out.Successf("crawled %d feeds: %d new, %d updated, %d skipped, %d unchanged",
		stats.Feeds, stats.NewRecipes, stats.Updated, stats.Skipped, stats.Unchanged)
	if stats.FeedErrors > 0 {
		out.Warningf("%d feeds failed; see logs", stats.FeedErrors)
	}
	return nil
}
