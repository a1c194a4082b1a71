package cmd

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cookfed/cookfed/internal/index"
	"github.com/cookfed/cookfed/internal/output"
)

func newRebuildCmd() *cobra.Command {
	var fresh bool

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the search index from the recipe database",
		Long: `Rebuild the search index by iterating every stored recipe. The
database is the system of record; the index can always be reconstructed
from it. With --fresh the index directory is removed first instead of
being overwritten document by document.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRebuild(cmd.Context(), cmd, fresh)
		},
	}

	cmd.Flags().BoolVar(&fresh, "fresh", false, "Delete the existing index before rebuilding")

	return cmd
}

func runRebuild(ctx context.Context, cmd *cobra.Command, fresh bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	indexPath := filepath.Join(cfg.Paths.DataDir, "index.bleve")
	if fresh {
		if err := os.RemoveAll(indexPath); err != nil {
			return err
		}
	}

	engine, err := index.NewEngine(indexPath)
	if err != nil {
		return err
	}
	defer engine.Close()

	count, err := engine.Rebuild(ctx, st)
	if err != nil {
		return err
	}

	output.New(cmd.OutOrStdout()).Successf("index rebuilt with %d recipes", count)
	return nil
}
