package cmd

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cookfed/cookfed/internal/output"
	"github.com/cookfed/cookfed/internal/recipe"
)

func newBackfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Compute content digests for recipes that predate digesting",
		Long: `Compute the canonical content digest for stored recipes that have
content but no digest yet. Recipes without stored content are left
alone; their digest stays null and they never collapse with others.

Run 'cookfed rebuild' afterwards so query-time duplicate collapse sees
the new digests.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBackfill(cmd.Context(), cmd)
		},
	}
}

func runBackfill(ctx context.Context, cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var filled int
	err = st.ForEachRecipe(ctx, func(r *recipe.Recipe) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Content-less rows stay hashless forever and never collapse.
		if r.ContentHash != nil || r.Content == nil {
			return nil
		}
		if err := st.SetContentHash(ctx, r.ID, recipe.Digest(r.Title, r.Content)); err != nil {
			return err
		}
		filled++
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("digest_backfill_finished", slog.Int("filled", filled))
	out := output.New(cmd.OutOrStdout())
	out.Successf("computed digests for %d recipes", filled)
	if filled > 0 {
		out.Status("", "run 'cookfed rebuild' to refresh the search index")
	}
	return nil
}
