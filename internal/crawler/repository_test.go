package crawler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cookfed/cookfed/internal/index"
	"github.com/cookfed/cookfed/internal/recipe"
)

// fakeRepoClient serves a scripted repository and counts raw fetches.
type fakeRepoClient struct {
	mu       sync.Mutex
	branch   string
	head     string
	tree     []TreeEntry
	bodies   map[string]string // file path -> content
	rawCalls map[string]int
}

func newFakeRepoClient() *fakeRepoClient {
	return &fakeRepoClient{
		branch:   "main",
		bodies:   map[string]string{},
		rawCalls: map[string]int{},
	}
}

func (f *fakeRepoClient) DefaultBranch(context.Context, string, string) (string, error) {
	return f.branch, nil
}

func (f *fakeRepoClient) BranchHead(context.Context, string, string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeRepoClient) ListTree(context.Context, string, string, string) ([]TreeEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TreeEntry(nil), f.tree...), nil
}

func (f *fakeRepoClient) RawContentURL(owner, name, branch, filePath string) string {
	return "https://raw.test/" + owner + "/" + name + "/" + branch + "/" + filePath
}

func (f *fakeRepoClient) RawContent(_ context.Context, rawURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for path, body := range f.bodies {
		if rawURL == f.RawContentURL("alice", "recipes", f.branch, path) {
			f.rawCalls[path]++
			return body, nil
		}
	}
	return "", assert.AnError
}

func (f *fakeRepoClient) calls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rawCalls[path]
}

const repoFeedURL = "https://github.com/alice/recipes"

func repoCoordinator(t *testing.T, client RepoClient) (*Coordinator, *index.Engine, func(context.Context) (*CycleStats, error)) {
	t.Helper()
	st := newTestStore(t)
	engine := newTestEngine(t)
	src := NewRepositorySource(client, st)
	coord := NewCoordinator(st, engine,
		map[recipe.FeedKind]Source{recipe.KindRepository: src}, CoordinatorOptions{})
	run := func(ctx context.Context) (*CycleStats, error) {
		return coord.RunCycle(ctx, []FeedSpec{{URL: repoFeedURL, Kind: recipe.KindRepository}})
	}
	return coord, engine, run
}

func TestRepository_IndexesRecipeFilesWithSiblingImages(t *testing.T) {
	// Given: a repository with one recipe file and its sibling image
	client := newFakeRepoClient()
	client.head = "commit-1"
	client.tree = []TreeEntry{
		{Path: "desserts/brownies.cook", BlobSHA: "blob-1", IsBlob: true},
		{Path: "desserts/brownies.jpg", BlobSHA: "blob-2", IsBlob: true},
		{Path: "README.md", BlobSHA: "blob-3", IsBlob: true},
	}
	client.bodies["desserts/brownies.cook"] = "Melt @chocolate{200%g} with @butter{100%g}."

	_, engine, run := repoCoordinator(t, client)
	ctx := context.Background()

	// When: crawling
	stats, err := run(ctx)
	require.NoError(t, err)

	// Then: only the recipe file became a record, titled by its stem
	assert.Equal(t, 1, stats.NewRecipes)
	docs, err := engine.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), docs)
	assert.Equal(t, 1, client.calls("desserts/brownies.cook"))
}

func TestRepository_UnchangedCommitSkipsTreeWalk(t *testing.T) {
	client := newFakeRepoClient()
	client.head = "commit-1"
	client.tree = []TreeEntry{{Path: "pie.cook", BlobSHA: "blob-1", IsBlob: true}}
	client.bodies["pie.cook"] = "Roll @dough{}."

	_, _, run := repoCoordinator(t, client)
	ctx := context.Background()

	_, err := run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, client.calls("pie.cook"))

	// When: crawling again with the branch head unchanged
	stats, err := run(ctx)
	require.NoError(t, err)

	// Then: the cycle short-circuits before any file work
	assert.Equal(t, 1, stats.Unchanged)
	assert.Equal(t, 1, client.calls("pie.cook"))
}

func TestRepository_UnchangedBlobSkipsContentFetch(t *testing.T) {
	// Given: a crawled repository that gains a commit touching one of
	// two recipe files
	client := newFakeRepoClient()
	client.head = "commit-1"
	client.tree = []TreeEntry{
		{Path: "pie.cook", BlobSHA: "blob-pie-1", IsBlob: true},
		{Path: "cake.cook", BlobSHA: "blob-cake-1", IsBlob: true},
	}
	client.bodies["pie.cook"] = "Roll @dough{}."
	client.bodies["cake.cook"] = "Whisk @eggs{3}."

	_, _, run := repoCoordinator(t, client)
	ctx := context.Background()

	_, err := run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, client.calls("pie.cook"))
	require.Equal(t, 1, client.calls("cake.cook"))

	client.mu.Lock()
	client.head = "commit-2"
	client.tree = []TreeEntry{
		{Path: "pie.cook", BlobSHA: "blob-pie-1", IsBlob: true},  // untouched
		{Path: "cake.cook", BlobSHA: "blob-cake-2", IsBlob: true}, // edited
	}
	client.bodies["cake.cook"] = "Whisk @eggs{4}."
	client.mu.Unlock()

	// When: crawling the new commit
	stats, err := run(ctx)
	require.NoError(t, err)

	// Then: only the changed blob was fetched
	assert.Equal(t, 1, client.calls("pie.cook"))
	assert.Equal(t, 2, client.calls("cake.cook"))
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, stats.Updated)
}

func TestParseRepositoryURL(t *testing.T) {
	owner, name, err := ParseRepositoryURL("https://github.com/alice/recipes")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)
	assert.Equal(t, "recipes", name)

	owner, name, err = ParseRepositoryURL("https://github.com/alice/recipes.git")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)
	assert.Equal(t, "recipes", name)

	_, _, err = ParseRepositoryURL("https://github.com/alice")
	assert.Error(t, err)
}

func TestFindSiblingImage(t *testing.T) {
	tree := []TreeEntry{
		{Path: "soup.cook", IsBlob: true},
		{Path: "soup.png", IsBlob: true},
		{Path: "stew.cook", IsBlob: true},
	}
	assert.Equal(t, "soup.png", findSiblingImage("soup.cook", tree))
	assert.Equal(t, "", findSiblingImage("stew.cook", tree))
}
