package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"

	cferrors "github.com/cookfed/cookfed/internal/errors"
)

// DefaultCrawlInterval is how often a cycle runs when unconfigured.
const DefaultCrawlInterval = time.Hour

// Scheduler drives periodic crawl cycles. A file lock on the data
// directory guarantees a single crawling process; overlapping cycles are
// skipped rather than stacked.
type Scheduler struct {
	coordinator *Coordinator
	feeds       []FeedSpec
	interval    time.Duration
	lock        *flock.Flock
	cron        *cron.Cron
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewScheduler builds a scheduler over a fixed feed list. dataDir hosts
// the lock file.
func NewScheduler(coordinator *Coordinator, feeds []FeedSpec, interval time.Duration, dataDir string) *Scheduler {
	if interval <= 0 {
		interval = DefaultCrawlInterval
	}
	return &Scheduler{
		coordinator: coordinator,
		feeds:       feeds,
		interval:    interval,
		lock:        flock.New(filepath.Join(dataDir, "crawler.lock")),
	}
}

// Start acquires the single-writer lock, runs one immediate cycle, and
// schedules recurring cycles. It returns once scheduling is set up.
func (s *Scheduler) Start(ctx context.Context) error {
	locked, err := s.lock.TryLock()
	if err != nil {
		return cferrors.Wrap(cferrors.CategoryConfig, "acquire crawler lock", err)
	}
	if !locked {
		return cferrors.New(cferrors.CategoryConfig,
			fmt.Sprintf("another crawler holds %s", s.lock.Path()))
	}

	cycleCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	runCycle := func() {
		if cycleCtx.Err() != nil {
			return
		}
		// RunCycle reports nil on a clean shutdown, so anything that
		// comes back here is a real failure worth logging.
		if _, err := s.coordinator.RunCycle(cycleCtx, s.feeds); err != nil {
			slog.Error("crawl_cycle_error", slog.String("error", err.Error()))
		}
	}

	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), runCycle); err != nil {
		_ = s.lock.Unlock()
		return cferrors.Wrap(cferrors.CategoryConfig, "schedule crawl cycle", err)
	}

	// cron.Stop waits for its own jobs; the WaitGroup covers only the
	// immediate first cycle.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		runCycle()
	}()
	s.cron.Start()

	slog.Info("scheduler_started",
		slog.String("interval", s.interval.String()),
		slog.Int("feeds", len(s.feeds)))
	return nil
}

// Stop cancels future cycles and waits for the in-flight one to finish
// its current feed before releasing the lock.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
	slog.Info("scheduler_stopped")
}
