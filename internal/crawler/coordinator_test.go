package crawler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cferrors "github.com/cookfed/cookfed/internal/errors"
	"github.com/cookfed/cookfed/internal/index"
	"github.com/cookfed/cookfed/internal/query"
	"github.com/cookfed/cookfed/internal/recipe"
)

// fakeSource returns a scripted discovery per feed URL and counts calls.
type fakeSource struct {
	mu          sync.Mutex
	discoveries map[string]*Discovery
	err         error
	calls       map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{discoveries: map[string]*Discovery{}, calls: map[string]int{}}
}

func (f *fakeSource) Discover(_ context.Context, feed *recipe.Feed) (*Discovery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[feed.URL]++
	if f.err != nil {
		return nil, f.err
	}
	disc, ok := f.discoveries[feed.URL]
	if !ok {
		return &Discovery{}, nil
	}
	return disc, nil
}

func (f *fakeSource) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func newTestEngine(t *testing.T) *index.Engine {
	t.Helper()
	e, err := index.NewEngine("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func lasagnaCandidate() recipe.Candidate {
	content := lasagnaCook
	return recipe.Candidate{
		ExternalID: "recipe-lasagna",
		Title:      "Lasagna",
		SourceURL:  "https://example.com/lasagna",
		ContentURL: "https://example.com/lasagna.cook",
		Content:    &content,
		Summary:    "A classic baked pasta",
		Tags:       []string{"dinner"},
	}
}

func TestRunCycle_CrossFeedDuplicatesCollapseAtQueryTime(t *testing.T) {
	// Given: two feeds publishing identical Lasagna content
	st := newTestStore(t)
	engine := newTestEngine(t)
	src := newFakeSource()
	src.discoveries["https://a.example/feed.xml"] = &Discovery{Candidates: []recipe.Candidate{lasagnaCandidate()}}
	src.discoveries["https://b.example/feed.xml"] = &Discovery{Candidates: []recipe.Candidate{lasagnaCandidate()}}

	coord := NewCoordinator(st, engine,
		map[recipe.FeedKind]Source{recipe.KindSyndication: src}, CoordinatorOptions{})
	specs := []FeedSpec{
		{URL: "https://a.example/feed.xml", Kind: recipe.KindSyndication},
		{URL: "https://b.example/feed.xml", Kind: recipe.KindSyndication},
	}
	ctx := context.Background()

	// When: running one cycle
	stats, err := coord.RunCycle(ctx, specs)
	require.NoError(t, err)

	// Then: two distinct rows exist sharing one digest
	assert.Equal(t, 2, stats.NewRecipes)
	assert.Equal(t, 2, stats.Indexed)
	count, err := st.CountRecipes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	docs, err := engine.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), docs)

	// And: a query for that content returns exactly one result
	proc := query.NewProcessor(engine, query.DefaultOverFetch)
	page, err := proc.Search(ctx, "title:Lasagna", 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Hits, 1)
	assert.Equal(t, uint64(1), page.Total)

	// When: re-running the cycle with no data changes
	stats2, err := coord.RunCycle(ctx, specs)
	require.NoError(t, err)
	assert.Equal(t, 0, stats2.NewRecipes)
	assert.Equal(t, 2, stats2.Updated)

	// Then: still one result with an unchanged total, and no stale
	// documents accumulated
	again, err := proc.Search(ctx, "title:Lasagna", 1, 10)
	require.NoError(t, err)
	require.Len(t, again.Hits, 1)
	assert.Equal(t, page.Total, again.Total)
	docs, err = engine.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), docs)
}

func TestRunCycle_RepeatedEditsKeepOneDocumentWithFinalTitle(t *testing.T) {
	st := newTestStore(t)
	engine := newTestEngine(t)
	src := newFakeSource()
	coord := NewCoordinator(st, engine,
		map[recipe.FeedKind]Source{recipe.KindSyndication: src}, CoordinatorOptions{})
	specs := []FeedSpec{{URL: "https://a.example/feed.xml", Kind: recipe.KindSyndication}}
	ctx := context.Background()

	titles := []string{"Stew", "Beef Stew", "Hearty Beef Stew"}
	for _, title := range titles {
		content := "Simmer @beef{500%g} slowly."
		src.mu.Lock()
		src.discoveries["https://a.example/feed.xml"] = &Discovery{Candidates: []recipe.Candidate{{
			ExternalID: "entry-1",
			Title:      title,
			ContentURL: "https://a.example/stew.cook",
			Content:    &content,
		}}}
		src.mu.Unlock()

		_, err := coord.RunCycle(ctx, specs)
		require.NoError(t, err)

		docs, err := engine.DocCount()
		require.NoError(t, err)
		assert.Equal(t, uint64(1), docs)
	}

	count, err := st.CountRecipes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	proc := query.NewProcessor(engine, query.DefaultOverFetch)
	page, err := proc.Search(ctx, "title:hearty", 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Hits, 1)
	assert.Equal(t, "Hearty Beef Stew", page.Hits[0].Title)
}

func TestRunCycle_FeedErrorsAreIsolatedAndCounted(t *testing.T) {
	// Given: one healthy feed and one that always fails
	st := newTestStore(t)
	engine := newTestEngine(t)
	good := newFakeSource()
	good.discoveries["https://good.example/feed.xml"] = &Discovery{Candidates: []recipe.Candidate{lasagnaCandidate()}}
	bad := newFakeSource()
	bad.err = cferrors.Fetchf("connection refused")

	ctx := context.Background()
	goodSpec := FeedSpec{URL: "https://good.example/feed.xml", Kind: recipe.KindSyndication}
	badSpec := FeedSpec{URL: "https://bad.example/alice/recipes", Kind: recipe.KindRepository}

	coord := NewCoordinator(st, engine, map[recipe.FeedKind]Source{
		recipe.KindSyndication: good,
		recipe.KindRepository:  bad,
	}, CoordinatorOptions{ErrorThreshold: 3})

	// When: running a cycle over both
	stats, err := coord.RunCycle(ctx, []FeedSpec{goodSpec, badSpec})
	require.NoError(t, err)

	// Then: the healthy feed's work landed despite the failure
	assert.Equal(t, 1, stats.NewRecipes)
	assert.Equal(t, 1, stats.FeedErrors)

	feed, err := st.GetFeedByURL(ctx, badSpec.URL)
	require.NoError(t, err)
	assert.Equal(t, recipe.StatusError, feed.Status)
	assert.Equal(t, 1, feed.ErrorCount)
	assert.Contains(t, feed.ErrorMessage, "connection refused")
}

func TestRunCycle_FeedDisabledPastThresholdAndSkippedAfter(t *testing.T) {
	st := newTestStore(t)
	engine := newTestEngine(t)
	bad := newFakeSource()
	bad.err = cferrors.Fetchf("timeout")

	ctx := context.Background()
	spec := FeedSpec{URL: "https://bad.example/feed.xml", Kind: recipe.KindSyndication}
	coord := NewCoordinator(st, engine,
		map[recipe.FeedKind]Source{recipe.KindSyndication: bad},
		CoordinatorOptions{ErrorThreshold: 2})

	// When: failing past the threshold
	for i := 0; i < 2; i++ {
		_, err := coord.RunCycle(ctx, []FeedSpec{spec})
		require.NoError(t, err)
	}

	// Then: the feed is disabled
	feed, err := st.GetFeedByURL(ctx, spec.URL)
	require.NoError(t, err)
	assert.Equal(t, recipe.StatusDisabled, feed.Status)

	// And: later cycles no longer dispatch it
	calls := bad.callCount(spec.URL)
	_, err = coord.RunCycle(ctx, []FeedSpec{spec})
	require.NoError(t, err)
	assert.Equal(t, calls, bad.callCount(spec.URL))
}

func TestRunCycle_DisabledFeedRecipesStaySearchable(t *testing.T) {
	st := newTestStore(t)
	engine := newTestEngine(t)
	src := newFakeSource()
	src.discoveries["https://a.example/feed.xml"] = &Discovery{Candidates: []recipe.Candidate{lasagnaCandidate()}}

	ctx := context.Background()
	spec := FeedSpec{URL: "https://a.example/feed.xml", Kind: recipe.KindSyndication}
	coord := NewCoordinator(st, engine,
		map[recipe.FeedKind]Source{recipe.KindSyndication: src},
		CoordinatorOptions{ErrorThreshold: 1})

	_, err := coord.RunCycle(ctx, []FeedSpec{spec})
	require.NoError(t, err)

	// When: the feed starts failing and gets disabled
	src.mu.Lock()
	src.err = cferrors.Fetchf("gone dark")
	src.mu.Unlock()
	_, err = coord.RunCycle(ctx, []FeedSpec{spec})
	require.NoError(t, err)

	feed, err := st.GetFeedByURL(ctx, spec.URL)
	require.NoError(t, err)
	require.Equal(t, recipe.StatusDisabled, feed.Status)

	// Then: its previously indexed recipe still answers queries
	proc := query.NewProcessor(engine, query.DefaultOverFetch)
	page, err := proc.Search(ctx, "title:Lasagna", 1, 10)
	require.NoError(t, err)
	assert.Len(t, page.Hits, 1)
}

func TestRunCycle_UnchangedDiscoveryTouchesOnlyFetchState(t *testing.T) {
	st := newTestStore(t)
	engine := newTestEngine(t)
	src := newFakeSource()
	src.discoveries["https://a.example/feed.xml"] = &Discovery{Unchanged: true}

	ctx := context.Background()
	spec := FeedSpec{URL: "https://a.example/feed.xml", Kind: recipe.KindSyndication}
	coord := NewCoordinator(st, engine,
		map[recipe.FeedKind]Source{recipe.KindSyndication: src}, CoordinatorOptions{})

	before := time.Now().UTC().Add(-time.Second)
	stats, err := coord.RunCycle(ctx, []FeedSpec{spec})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Unchanged)
	assert.Equal(t, 0, stats.NewRecipes)
	assert.Equal(t, 0, stats.Indexed)

	feed, err := st.GetFeedByURL(ctx, spec.URL)
	require.NoError(t, err)
	require.NotNil(t, feed.LastFetchedAt)
	assert.True(t, feed.LastFetchedAt.After(before))
}

func TestRunCycle_MarksIndexedRecipes(t *testing.T) {
	st := newTestStore(t)
	engine := newTestEngine(t)
	src := newFakeSource()
	src.discoveries["https://a.example/feed.xml"] = &Discovery{Candidates: []recipe.Candidate{lasagnaCandidate()}}

	ctx := context.Background()
	coord := NewCoordinator(st, engine,
		map[recipe.FeedKind]Source{recipe.KindSyndication: src}, CoordinatorOptions{})

	_, err := coord.RunCycle(ctx, []FeedSpec{{URL: "https://a.example/feed.xml", Kind: recipe.KindSyndication}})
	require.NoError(t, err)

	feed, err := st.GetFeedByURL(ctx, "https://a.example/feed.xml")
	require.NoError(t, err)
	row, err := st.GetRecipeByExternalID(ctx, feed.ID, "recipe-lasagna")
	require.NoError(t, err)
	require.NotNil(t, row.IndexedAt)
	require.NotNil(t, row.ContentHash)
}

func TestRunCycle_CancellationIsNotACycleError(t *testing.T) {
	// Given: a shutdown already in progress
	st := newTestStore(t)
	engine := newTestEngine(t)
	src := newFakeSource()
	src.discoveries["https://a.example/feed.xml"] = &Discovery{Candidates: []recipe.Candidate{lasagnaCandidate()}}
	coord := NewCoordinator(st, engine,
		map[recipe.FeedKind]Source{recipe.KindSyndication: src}, CoordinatorOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// When: a cycle runs under the cancelled context
	stats, err := coord.RunCycle(ctx, []FeedSpec{{URL: "https://a.example/feed.xml", Kind: recipe.KindSyndication}})

	// Then: no new feeds start, and the committed (empty) cycle is not an error
	require.NoError(t, err)
	assert.Equal(t, 0, src.callCount("https://a.example/feed.xml"))
	assert.Equal(t, 0, stats.NewRecipes)
}

func TestRunCycle_RecoversRowsLeftUnindexed(t *testing.T) {
	// Given: a stored row never confirmed indexed, as after a flush that
	// died between upsert and commit
	st := newTestStore(t)
	engine := newTestEngine(t)
	ctx := context.Background()

	feed, err := st.GetOrCreateFeed(ctx, "https://a.example/feed.xml", recipe.KindSyndication)
	require.NoError(t, err)
	content := lasagnaCook
	res, err := st.UpsertRecipe(ctx, &recipe.Recipe{
		FeedID: feed.ID, ExternalID: "recipe-lasagna", Title: "Lasagna", Content: &content,
	})
	require.NoError(t, err)

	coord := NewCoordinator(st, engine,
		map[recipe.FeedKind]Source{recipe.KindSyndication: newFakeSource()}, CoordinatorOptions{})

	// When: a cycle runs without touching that feed
	stats, err := coord.RunCycle(ctx, nil)
	require.NoError(t, err)

	// Then: the stray row is indexed and confirmed
	assert.Equal(t, 1, stats.Indexed)
	docs, err := engine.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), docs)
	row, err := st.GetRecipe(ctx, res.ID)
	require.NoError(t, err)
	require.NotNil(t, row.IndexedAt)
}
