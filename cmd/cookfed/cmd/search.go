package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cookfed/cookfed/internal/output"
	"github.com/cookfed/cookfed/internal/query"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	page    int
	perPage int
	format  string // "text", "json"
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search indexed recipes",
		Long: `Search indexed recipes with field-scoped queries.

Text fields (title, summary, instructions, ingredients, tags) are
matched full-text; difficulty and file_path match exactly; servings
and total_time accept values or [low TO high] ranges. Bare terms
search all text fields. Duplicate recipes syndicated by several
sources collapse to their best-ranked copy.

Examples:
  cookfed search "chocolate cake"
  cookfed search 'ingredients:chicken -tags:spicy'
  cookfed search 'title:"beef stew" total_time:[* TO 45]'
  cookfed search 'tags:dinner OR tags:lunch' --page 2`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), cmd, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().IntVarP(&opts.page, "page", "p", 1, "Result page number")
	cmd.Flags().IntVarP(&opts.perPage, "limit", "n", 0, "Results per page")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, input string, opts searchOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if opts.perPage == 0 {
		opts.perPage = cfg.Search.PerPage
	}
	if opts.perPage > cfg.Search.MaxPerPage {
		return fmt.Errorf("limit must be at most %d", cfg.Search.MaxPerPage)
	}

	engine, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	processor := query.NewProcessor(engine, cfg.Search.OverFetch)
	page, err := processor.Search(ctx, input, opts.page, opts.perPage)
	if err != nil {
		return err
	}

	if opts.format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(page)
	}

	out := output.New(cmd.OutOrStdout())
	if len(page.Hits) == 0 {
		out.Println("no results")
		return nil
	}

	for i, hit := range page.Hits {
		rank := (page.PageNum-1)*page.PerPage + i + 1
		out.Printf("%2d. %s (score %.2f)\n", rank, hit.Title, hit.Score)
		if hit.Summary != "" {
			out.Printf("    %s\n", hit.Summary)
		}
	}
	out.Divider()
	approx := ""
	if page.Approximate {
		approx = "~"
	}
	out.Printf("page %d of %d, %s%d results\n", page.PageNum, page.TotalPages, approx, page.Total)
	return nil
}
