package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cookfed/cookfed/internal/crawler"
	"github.com/cookfed/cookfed/internal/logging"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the crawler on a schedule until interrupted",
		Long: `Run crawl cycles at the configured interval. A file lock under the
data directory prevents two crawler processes from running against the
same database.

The first cycle starts immediately; later cycles are skipped while a
cycle is still running. SIGINT or SIGTERM stops scheduling and lets
in-flight feeds finish before exiting.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
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

	// Long-running mode logs to a rotated file as well as stderr.
	level := cfg.Server.LogLevel
	if debugMode {
		level = "debug"
	}
	cleanup, err := logging.Setup(logging.FileConfig(cfg.Paths.DataDir, level))
	if err != nil {
		return err
	}
	defer cleanup()

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
	scheduler := crawler.NewScheduler(coordinator, feeds, cfg.Crawler.Interval.Std(), cfg.Paths.DataDir)

	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		slog.Info("shutdown_signal_received", slog.String("signal", s.String()))
	case <-ctx.Done():
	}

	scheduler.Stop()
	return nil
}
