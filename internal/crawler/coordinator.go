package crawler

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	cferrors "github.com/cookfed/cookfed/internal/errors"
	"github.com/cookfed/cookfed/internal/index"
	"github.com/cookfed/cookfed/internal/recipe"
	"github.com/cookfed/cookfed/internal/store"
)

// Default coordinator settings.
const (
	DefaultConcurrency    = 4
	DefaultErrorThreshold = 5
)

// FeedSpec is one entry of the read-only feed list driving a cycle.
type FeedSpec struct {
	URL    string
	Kind   recipe.FeedKind
	Branch string
}

// CycleStats summarizes one crawl cycle.
type CycleStats struct {
	Feeds      int
	Unchanged  int
	NewRecipes int
	Updated    int
	Skipped    int
	Indexed    int
	FeedErrors int
}

// Coordinator drives crawl cycles: it dispatches each feed to its source
// adapter, upserts candidates into the record store, accumulates the
// cycle's pending re-index set, and flushes it as one committed batch.
// Duplicate rows across feeds are kept; suppression happens at query
// time by canonical digest.
type Coordinator struct {
	store          store.Store
	engine         *index.Engine
	sources        map[recipe.FeedKind]Source
	concurrency    int
	errorThreshold int

	mu      sync.Mutex
	pending map[int64]struct{}
	stats   CycleStats
}

// CoordinatorOptions configures a Coordinator. Zero values take defaults.
type CoordinatorOptions struct {
	Concurrency    int
	ErrorThreshold int
}

// NewCoordinator wires the store, index engine, and source dispatch table.
func NewCoordinator(st store.Store, engine *index.Engine, sources map[recipe.FeedKind]Source, opts CoordinatorOptions) *Coordinator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.ErrorThreshold <= 0 {
		opts.ErrorThreshold = DefaultErrorThreshold
	}
	return &Coordinator{
		store:          st,
		engine:         engine,
		sources:        sources,
		concurrency:    opts.Concurrency,
		errorThreshold: opts.ErrorThreshold,
	}
}

// RunCycle crawls every feed in specs, bounded by the concurrency cap,
// then flushes the pending re-index set in one committed batch. Feed
// failures are isolated: they mark the feed and the cycle continues.
// Cancellation stops scheduling new feeds but lets in-flight feeds
// finish their unit of work.
func (c *Coordinator) RunCycle(ctx context.Context, specs []FeedSpec) (*CycleStats, error) {
	cycleID := uuid.NewString()
	start := time.Now()

	c.mu.Lock()
	c.pending = make(map[int64]struct{})
	c.stats = CycleStats{Feeds: len(specs)}
	c.mu.Unlock()

	slog.Info("crawl_cycle_started",
		slog.String("cycle_id", cycleID),
		slog.Int("feeds", len(specs)))

	g := &errgroup.Group{}
	g.SetLimit(c.concurrency)
	for _, spec := range specs {
		if ctx.Err() != nil {
			break
		}
		spec := spec
		g.Go(func() error {
			// A feed already started finishes even under cancellation,
			// so its validators stay consistent with its stored content.
			c.crawlFeed(context.WithoutCancel(ctx), spec)
			return nil
		})
	}
	_ = g.Wait()

	indexed, err := c.flushPending(context.WithoutCancel(ctx))

	c.mu.Lock()
	stats := c.stats
	stats.Indexed = indexed
	c.mu.Unlock()

	slog.Info("crawl_cycle_finished",
		slog.String("cycle_id", cycleID),
		slog.Int("new_recipes", stats.NewRecipes),
		slog.Int("updated_recipes", stats.Updated),
		slog.Int("skipped_entries", stats.Skipped),
		slog.Int("unchanged_feeds", stats.Unchanged),
		slog.Int("indexed", stats.Indexed),
		slog.Int("feed_errors", stats.FeedErrors),
		slog.Float64("duration_s", time.Since(start).Seconds()))

	if err != nil {
		return &stats, err
	}
	// Cancellation only stopped new feeds from starting; everything
	// crawled above is committed, so the cycle itself succeeded.
	return &stats, nil
}

// crawlFeed runs one feed's fetch-parse-upsert unit of work. Errors are
// recorded against the feed's health and never propagate.
func (c *Coordinator) crawlFeed(ctx context.Context, spec FeedSpec) {
	feed, err := c.store.GetOrCreateFeed(ctx, spec.URL, spec.Kind)
	if err != nil {
		slog.Error("feed_register_failed",
			slog.String("feed_url", spec.URL),
			slog.String("error", err.Error()))
		c.countFeedError()
		return
	}
	if feed.Status == recipe.StatusDisabled {
		slog.Debug("feed_disabled_skipped", slog.String("feed_url", feed.URL))
		return
	}

	src, ok := c.sources[feed.Kind]
	if !ok {
		c.recordFeedError(ctx, feed, cferrors.New(cferrors.CategoryConfig,
			"no source adapter for kind "+string(feed.Kind)))
		return
	}

	var repoFeed *recipe.RepoFeed
	if feed.Kind == recipe.KindRepository {
		repoFeed, err = c.ensureRepoFeed(ctx, feed, spec.Branch)
		if err != nil {
			c.recordFeedError(ctx, feed, err)
			return
		}
	}

	disc, err := src.Discover(ctx, feed)
	if err != nil {
		c.recordFeedError(ctx, feed, err)
		return
	}

	if disc.Unchanged {
		c.markFeedHealthy(ctx, feed, disc)
		c.mu.Lock()
		c.stats.Unchanged++
		c.mu.Unlock()
		return
	}

	processed := 0
	for _, cand := range disc.Candidates {
		if err := c.ingestCandidate(ctx, feed, repoFeed, &cand); err != nil {
			if cferrors.CategoryOf(err) == cferrors.CategoryStorage {
				// A storage failure aborts this feed's cycle; committed
				// rows stay and the feed retries next cycle.
				c.recordFeedError(ctx, feed, err)
				return
			}
			slog.Warn("candidate_skipped",
				slog.String("feed_url", feed.URL),
				slog.String("external_id", cand.ExternalID),
				slog.String("error", err.Error()))
			continue
		}
		processed++
	}

	// Cursors advance only after the candidates are durably stored.
	if repoFeed != nil && disc.CommitSHA != "" {
		if err := c.store.UpdateRepoFeedCommit(ctx, repoFeed.ID, disc.CommitSHA); err != nil {
			c.recordFeedError(ctx, feed, cferrors.Wrap(cferrors.CategoryStorage, "update commit cursor", err))
			return
		}
		if disc.Branch != "" && disc.Branch != repoFeed.Branch {
			if err := c.store.UpdateRepoFeedBranch(ctx, repoFeed.ID, disc.Branch); err != nil {
				c.recordFeedError(ctx, feed, cferrors.Wrap(cferrors.CategoryStorage, "update branch", err))
				return
			}
		}
	}
	c.markFeedHealthy(ctx, feed, disc)

	c.mu.Lock()
	c.stats.Skipped += disc.Skipped
	c.mu.Unlock()

	slog.Info("feed_crawled",
		slog.String("feed_url", feed.URL),
		slog.Int("candidates", processed),
		slog.Int("skipped", disc.Skipped))
}

// ingestCandidate upserts one candidate row and stages it for re-index.
// The canonical digest is computed on both the insert and update paths.
// A body intentionally skipped (unchanged validators) refreshes the
// stored entry timestamp; a failed body fetch never does, so the entry
// stays eligible for retry.
func (c *Coordinator) ingestCandidate(ctx context.Context, feed *recipe.Feed, repoFeed *recipe.RepoFeed, cand *recipe.Candidate) error {
	if cand.Content == nil {
		existing, err := c.store.GetRecipeByExternalID(ctx, feed.ID, cand.ExternalID)
		if err != nil && !stderrors.Is(err, store.ErrNotFound) {
			return cferrors.Wrap(cferrors.CategoryStorage, "look up recipe", err)
		}
		if existing != nil {
			// Only an intentional skip (unchanged validators) refreshes
			// the entry timestamp. A failed fetch leaves the stored
			// timestamp alone so the next cycle retries the body.
			if !cand.FetchFailed {
				if err := c.store.TouchFeedEntryUpdated(ctx, existing.ID, cand.FeedEntryUpdated); err != nil {
					return cferrors.Wrap(cferrors.CategoryStorage, "refresh entry timestamp", err)
				}
			}
			c.mu.Lock()
			c.stats.Skipped++
			c.mu.Unlock()
			return nil
		}
	}

	row := &recipe.Recipe{
		FeedID:              feed.ID,
		ExternalID:          cand.ExternalID,
		Title:               cand.Title,
		SourceURL:           cand.SourceURL,
		ContentURL:          cand.ContentURL,
		Content:             cand.Content,
		Summary:             cand.Summary,
		ContentETag:         cand.ContentETag,
		ContentLastModified: cand.ContentLastModified,
		FeedEntryUpdated:    cand.FeedEntryUpdated,
		Servings:            cand.Servings,
		TotalTimeMinutes:    cand.TotalTimeMinutes,
		ActiveTimeMinutes:   cand.ActiveTimeMinutes,
		Difficulty:          cand.Difficulty,
		ImageURL:            cand.ImageURL,
		PublishedAt:         cand.PublishedAt,
	}
	if cand.Content != nil {
		hash := recipe.Digest(cand.Title, cand.Content)
		row.ContentHash = &hash
	}
	if cand.FetchFailed {
		// A metadata-only first sighting stores no entry timestamp, so
		// the adapter's timestamp check cannot suppress the retry.
		row.FeedEntryUpdated = nil
	}

	res, err := c.store.UpsertRecipe(ctx, row)
	if err != nil {
		return cferrors.Wrap(cferrors.CategoryStorage, "upsert recipe", err)
	}

	if len(cand.Tags) > 0 {
		if err := c.store.SetRecipeTags(ctx, res.ID, cand.Tags); err != nil {
			return cferrors.Wrap(cferrors.CategoryStorage, "set tags", err)
		}
	}
	if len(cand.Ingredients) > 0 {
		if err := c.store.SetRecipeIngredients(ctx, res.ID, cand.Ingredients); err != nil {
			return cferrors.Wrap(cferrors.CategoryStorage, "set ingredients", err)
		}
	}
	if repoFeed != nil && cand.FilePath != "" {
		link := &recipe.RepoLink{
			RepoFeedID: repoFeed.ID,
			RecipeID:   res.ID,
			FilePath:   cand.FilePath,
			BlobSHA:    cand.BlobSHA,
			RawURL:     cand.ContentURL,
		}
		if err := c.store.UpsertRepoLink(ctx, link); err != nil {
			return cferrors.Wrap(cferrors.CategoryStorage, "upsert repository link", err)
		}
	}

	c.mu.Lock()
	c.pending[res.ID] = struct{}{}
	if res.Created {
		c.stats.NewRecipes++
	} else {
		c.stats.Updated++
	}
	c.mu.Unlock()
	return nil
}

// flushPending re-indexes every recipe touched this cycle and commits
// the batch atomically. Rows whose indexed_at is still NULL are folded
// in as well, so a flush that died mid-way in an earlier run is retried
// here instead of waiting for a full rebuild.
func (c *Coordinator) flushPending(ctx context.Context) (int, error) {
	c.mu.Lock()
	staged := make(map[int64]struct{}, len(c.pending))
	for id := range c.pending {
		staged[id] = struct{}{}
	}
	c.pending = nil
	c.mu.Unlock()

	unindexed, err := c.store.UnindexedRecipeIDs(ctx)
	if err != nil {
		return 0, cferrors.Wrap(cferrors.CategoryStorage, "list unindexed recipes", err)
	}
	for _, id := range unindexed {
		staged[id] = struct{}{}
	}

	ids := make([]int64, 0, len(staged))
	for id := range staged {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	for _, id := range ids {
		doc, err := c.loadDocument(ctx, id)
		if err != nil {
			return 0, err
		}
		if err := c.engine.Index(doc); err != nil {
			return 0, cferrors.Wrap(cferrors.CategoryIndex, "stage document", err)
		}
	}
	if err := c.engine.Commit(ctx); err != nil {
		slog.Error("index_commit_failed",
			slog.Int("pending", len(ids)),
			slog.String("error", err.Error()))
		return 0, cferrors.Wrap(cferrors.CategoryIndex, "commit batch", err)
	}
	if err := c.store.MarkIndexed(ctx, ids, time.Now().UTC()); err != nil {
		return len(ids), cferrors.Wrap(cferrors.CategoryStorage, "mark indexed", err)
	}
	return len(ids), nil
}

func (c *Coordinator) loadDocument(ctx context.Context, recipeID int64) (*index.Document, error) {
	r, err := c.store.GetRecipe(ctx, recipeID)
	if err != nil {
		return nil, cferrors.Wrap(cferrors.CategoryStorage, "load recipe", err)
	}
	tags, err := c.store.TagsForRecipe(ctx, recipeID)
	if err != nil {
		return nil, cferrors.Wrap(cferrors.CategoryStorage, "load tags", err)
	}
	ingredients, err := c.store.IngredientsForRecipe(ctx, recipeID)
	if err != nil {
		return nil, cferrors.Wrap(cferrors.CategoryStorage, "load ingredients", err)
	}
	filePath, err := c.store.FilePathForRecipe(ctx, recipeID)
	if err != nil {
		return nil, cferrors.Wrap(cferrors.CategoryStorage, "load file path", err)
	}
	return index.DocumentFromRecipe(r, tags, ingredients, filePath), nil
}

func (c *Coordinator) ensureRepoFeed(ctx context.Context, feed *recipe.Feed, branch string) (*recipe.RepoFeed, error) {
	owner, name, err := ParseRepositoryURL(feed.URL)
	if err != nil {
		return nil, err
	}
	repoFeed, err := c.store.GetOrCreateRepoFeed(ctx, feed.ID, owner, name, branch)
	if err != nil {
		return nil, cferrors.Wrap(cferrors.CategoryStorage, "register repository feed", err)
	}
	// A configured branch overrides whatever was tracked before.
	if branch != "" && repoFeed.Branch != branch {
		if err := c.store.UpdateRepoFeedBranch(ctx, repoFeed.ID, branch); err != nil {
			return nil, cferrors.Wrap(cferrors.CategoryStorage, "switch branch", err)
		}
		repoFeed.Branch = branch
	}
	return repoFeed, nil
}

// markFeedHealthy records a successful cycle: validators, title, and a
// reset error counter.
func (c *Coordinator) markFeedHealthy(ctx context.Context, feed *recipe.Feed, disc *Discovery) {
	now := time.Now().UTC()
	feed.LastFetchedAt = &now
	feed.Status = recipe.StatusActive
	feed.ErrorCount = 0
	feed.ErrorMessage = ""
	if disc.ETag != "" {
		feed.ETag = disc.ETag
	}
	if disc.LastModified != "" {
		feed.LastModified = disc.LastModified
	}
	if feed.Title == "" && disc.FeedTitle != "" {
		feed.Title = disc.FeedTitle
	}
	if err := c.store.UpdateFeedFetchState(ctx, feed); err != nil {
		slog.Error("feed_state_update_failed",
			slog.String("feed_url", feed.URL),
			slog.String("error", err.Error()))
	}
}

// recordFeedError advances the feed's error counter and transitions it
// to error, or disabled past the threshold. The feed's already indexed
// recipes stay searchable either way.
func (c *Coordinator) recordFeedError(ctx context.Context, feed *recipe.Feed, cause error) {
	c.countFeedError()

	feed.ErrorCount++
	feed.ErrorMessage = cause.Error()
	if feed.ErrorCount >= c.errorThreshold {
		feed.Status = recipe.StatusDisabled
	} else {
		feed.Status = recipe.StatusError
	}
	now := time.Now().UTC()
	feed.LastFetchedAt = &now

	slog.Warn("feed_crawl_failed",
		slog.String("feed_url", feed.URL),
		slog.String("category", string(cferrors.CategoryOf(cause))),
		slog.Int("error_count", feed.ErrorCount),
		slog.String("status", string(feed.Status)),
		slog.String("error", cause.Error()))

	if err := c.store.UpdateFeedFetchState(ctx, feed); err != nil {
		slog.Error("feed_state_update_failed",
			slog.String("feed_url", feed.URL),
			slog.String("error", err.Error()))
	}
}

func (c *Coordinator) countFeedError() {
	c.mu.Lock()
	c.stats.FeedErrors++
	c.mu.Unlock()
}
