package index

import (
	"context"
	"testing"

	"github.com/blevesearch/bleve/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cookfed/cookfed/internal/recipe"
	"github.com/cookfed/cookfed/internal/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func searchTitle(t *testing.T, e *Engine, term string) []Hit {
	t.Helper()
	q := bleve.NewMatchQuery(term)
	q.SetField(FieldTitle)
	hits, _, err := e.Search(context.Background(), q, 10, 0)
	require.NoError(t, err)
	return hits
}

func TestIndex_ReindexingIsIdempotent(t *testing.T) {
	// Given: an empty index
	e := newTestEngine(t)
	ctx := context.Background()

	doc := &Document{RecipeID: 1, Title: "Lasagna", ContentHash: "d1"}

	// When: indexing the same recipe five times across separate commits
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Index(doc))
		require.NoError(t, e.Commit(ctx))
	}

	// Then: exactly one document exists for the recipe
	count, err := e.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	hits := searchTitle(t, e, "lasagna")
	require.Len(t, hits, 1)
	assert.Equal(t, int64(1), hits[0].RecipeID)
}

func TestIndex_EditedContentReplacesDocument(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// Given: three edit-and-recrawl cycles for one recipe
	titles := []string{"Stew", "Beef Stew", "Hearty Beef Stew"}
	for _, title := range titles {
		require.NoError(t, e.Index(&Document{RecipeID: 7, Title: title, ContentHash: "h-" + title}))
		require.NoError(t, e.Commit(ctx))

		count, err := e.DocCount()
		require.NoError(t, err)
		assert.Equal(t, uint64(1), count)
	}

	// Then: the final committed title wins
	hits := searchTitle(t, e, "hearty")
	require.Len(t, hits, 1)
	assert.Equal(t, "Hearty Beef Stew", hits[0].Title)
}

func TestIndex_VisibleOnlyAfterCommit(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Index(&Document{RecipeID: 1, Title: "Pancakes"}))

	// Uncommitted writes are invisible to readers.
	assert.Empty(t, searchTitle(t, e, "pancakes"))
	assert.Equal(t, 1, e.PendingOps())

	require.NoError(t, e.Commit(ctx))
	assert.Len(t, searchTitle(t, e, "pancakes"), 1)
	assert.Zero(t, e.PendingOps())
}

func TestRemove_DeletesByIdentifier(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Index(&Document{RecipeID: 1, Title: "Pancakes"}))
	require.NoError(t, e.Index(&Document{RecipeID: 2, Title: "Waffles"}))
	require.NoError(t, e.Commit(ctx))

	e.Remove(1)
	require.NoError(t, e.Commit(ctx))

	count, err := e.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
	assert.Empty(t, searchTitle(t, e, "pancakes"))
	assert.Len(t, searchTitle(t, e, "waffles"), 1)
}

func TestSearch_ReturnsStoredDedupFields(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	servings := int64(4)
	require.NoError(t, e.Index(&Document{
		RecipeID:    3,
		Title:       "Chocolate Cake",
		Summary:     "Rich and moist",
		ContentHash: "abc",
		Servings:    &servings,
	}))
	require.NoError(t, e.Commit(ctx))

	hits := searchTitle(t, e, "chocolate")
	require.Len(t, hits, 1)
	assert.Equal(t, int64(3), hits[0].RecipeID)
	assert.Equal(t, "abc", hits[0].ContentHash)
	assert.Equal(t, "Rich and moist", hits[0].Summary)
	assert.Greater(t, hits[0].Score, 0.0)
}

func TestSearch_NumericRangeOnTotalTime(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	quick, slow := int64(20), int64(45)
	require.NoError(t, e.Index(&Document{RecipeID: 1, Title: "Quick Salad", TotalTime: &quick}))
	require.NoError(t, e.Index(&Document{RecipeID: 2, Title: "Slow Roast", TotalTime: &slow}))
	require.NoError(t, e.Commit(ctx))

	low, high := 0.0, 30.0
	incl := true
	q := bleve.NewNumericRangeInclusiveQuery(&low, &high, &incl, &incl)
	q.SetField(FieldTotalTime)

	hits, _, err := e.Search(ctx, q, 10, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(1), hits[0].RecipeID)
}

func TestRebuild_FromRecordStore(t *testing.T) {
	// Given: a record store with rows and an empty index
	st, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	feed, err := st.GetOrCreateFeed(ctx, "https://example.com/feed.xml", recipe.KindSyndication)
	require.NoError(t, err)

	content := "Layer @pasta with @sauce."
	hash := recipe.Digest("Lasagna", &content)
	res, err := st.UpsertRecipe(ctx, &recipe.Recipe{
		FeedID: feed.ID, ExternalID: "e1", Title: "Lasagna",
		Content: &content, ContentHash: &hash,
	})
	require.NoError(t, err)
	require.NoError(t, st.SetRecipeTags(ctx, res.ID, []string{"dinner"}))
	require.NoError(t, st.SetRecipeIngredients(ctx, res.ID, []string{"pasta", "sauce"}))

	e := newTestEngine(t)

	// When: rebuilding
	n, err := e.Rebuild(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Then: the rebuilt index serves queries
	hits := searchTitle(t, e, "lasagna")
	require.Len(t, hits, 1)
	assert.Equal(t, hash, hits[0].ContentHash)

	// And: a second rebuild leaves exactly one document per recipe
	n, err = e.Rebuild(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	count, err := e.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestRebuild_DropsDocumentsWithoutStoreRows(t *testing.T) {
	// Given: two feeds indexed, then one feed deleted from the store
	st, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	keepFeed, err := st.GetOrCreateFeed(ctx, "https://keep.example/feed.xml", recipe.KindSyndication)
	require.NoError(t, err)
	goneFeed, err := st.GetOrCreateFeed(ctx, "https://gone.example/feed.xml", recipe.KindSyndication)
	require.NoError(t, err)

	content := "Layer @pasta with @sauce."
	_, err = st.UpsertRecipe(ctx, &recipe.Recipe{
		FeedID: keepFeed.ID, ExternalID: "e1", Title: "Lasagna", Content: &content,
	})
	require.NoError(t, err)
	_, err = st.UpsertRecipe(ctx, &recipe.Recipe{
		FeedID: goneFeed.ID, ExternalID: "e2", Title: "Brownies", Content: &content,
	})
	require.NoError(t, err)

	e := newTestEngine(t)
	_, err = e.Rebuild(ctx, st)
	require.NoError(t, err)
	require.Len(t, searchTitle(t, e, "brownies"), 1)

	require.NoError(t, st.DeleteFeed(ctx, goneFeed.ID))

	// When: rebuilding after the delete
	n, err := e.Rebuild(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Then: only the surviving feed's recipe remains searchable
	assert.Empty(t, searchTitle(t, e, "brownies"))
	require.Len(t, searchTitle(t, e, "lasagna"), 1)
	count, err := e.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}
