package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cookfed/cookfed/internal/config"
	"github.com/cookfed/cookfed/internal/output"
	"github.com/cookfed/cookfed/internal/recipe"
	"github.com/cookfed/cookfed/internal/store"
)

func newFeedsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feeds",
		Short: "Inspect and manage registered feeds",
	}

	cmd.AddCommand(newFeedsListCmd())
	cmd.AddCommand(newFeedsAddCmd())
	cmd.AddCommand(newFeedsRemoveCmd())

	return cmd
}

func newFeedsListCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered feeds and their health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFeedsList(cmd.Context(), cmd, status)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status: active, error, disabled")

	return cmd
}

func runFeedsList(ctx context.Context, cmd *cobra.Command, status string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	feeds, err := st.ListFeeds(ctx, recipe.FeedStatus(status))
	if err != nil {
		return err
	}

	out := output.New(cmd.OutOrStdout())
	if len(feeds) == 0 {
		out.Println("no feeds registered; run 'cookfed crawl' to register the roster")
		return nil
	}

	rows := make([][]string, 0, len(feeds))
	for _, f := range feeds {
		fetched := "never"
		if f.LastFetchedAt != nil {
			fetched = f.LastFetchedAt.Format(time.RFC3339)
		}
		title := f.Title
		if title == "" {
			title = "-"
		}
		rows = append(rows, []string{
			strconv.FormatInt(f.ID, 10),
			string(f.Kind),
			string(f.Status),
			strconv.Itoa(f.ErrorCount),
			fetched,
			title,
			f.URL,
		})
	}
	out.Table([]string{"ID", "KIND", "STATUS", "ERRORS", "LAST FETCH", "TITLE", "URL"}, rows)
	return nil
}

func newFeedsAddCmd() *cobra.Command {
	var kind string
	var branch string

	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Add a feed to the roster",
		Long: `Append a feed to feeds.yaml. The feed is registered in the database
on the next crawl.

Examples:
  cookfed feeds add https://kitchen.example/feed.xml
  cookfed feeds add https://github.com/alice/recipes --kind repository --branch main`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := configDir
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			entry := config.FeedEntry{URL: args[0], Kind: kind, Branch: branch}
			if err := config.AppendFeed(dir, entry); err != nil {
				return err
			}
			output.New(cmd.OutOrStdout()).Successf("added %s to the roster", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "syndication", "Feed kind: syndication, repository")
	cmd.Flags().StringVar(&branch, "branch", "", "Branch to crawl (repository feeds only)")

	return cmd
}

func newFeedsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <url>",
		Short: "Remove a feed and all recipes it contributed",
		Long: `Remove a feed by URL. Its recipes, vocabulary links, and repository
linkage are deleted, orphaned tags and ingredients are pruned, and the
search index is rebuilt from the remaining records.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFeedsRemove(cmd.Context(), cmd, args[0])
		},
	}
}

func runFeedsRemove(ctx context.Context, cmd *cobra.Command, url string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	feed, err := st.GetFeedByURL(ctx, url)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no feed registered with url %s", url)
		}
		return err
	}

	if err := st.DeleteFeed(ctx, feed.ID); err != nil {
		return err
	}
	if _, err := st.DeleteUnusedTags(ctx); err != nil {
		return err
	}
	if _, err := st.DeleteUnusedIngredients(ctx); err != nil {
		return err
	}

	engine, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	count, err := engine.Rebuild(ctx, st)
	if err != nil {
		return err
	}

	out := output.New(cmd.OutOrStdout())
	out.Successf("removed feed %s; index rebuilt with %d recipes", url, count)
	return nil
}
