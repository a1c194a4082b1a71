package crawler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cookfed/cookfed/internal/recipe"
)

func TestScheduler_RunsImmediateCycleAndStops(t *testing.T) {
	// Given: a scheduler over one scripted feed with a long interval
	st := newTestStore(t)
	engine := newTestEngine(t)
	src := newFakeSource()
	src.discoveries["https://kitchen.example/feed.xml"] = &Discovery{
		FeedTitle:  "Test Kitchen",
		Candidates: []recipe.Candidate{lasagnaCandidate()},
	}
	coordinator := NewCoordinator(st, engine,
		map[recipe.FeedKind]Source{recipe.KindSyndication: src}, CoordinatorOptions{})
	specs := []FeedSpec{{URL: "https://kitchen.example/feed.xml", Kind: recipe.KindSyndication}}
	s := NewScheduler(coordinator, specs, time.Hour, t.TempDir())

	// When: starting, waiting for the immediate cycle, and stopping
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		return src.callCount("https://kitchen.example/feed.xml") >= 1
	}, 5*time.Second, 10*time.Millisecond)
	s.Stop()

	// Then: the cycle's recipe was stored
	count, err := st.CountRecipes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestScheduler_SecondProcessCannotAcquireLock(t *testing.T) {
	// Given: a running scheduler holding the data-dir lock
	dataDir := t.TempDir()
	st := newTestStore(t)
	engine := newTestEngine(t)
	coordinator := NewCoordinator(st, engine, map[recipe.FeedKind]Source{}, CoordinatorOptions{})
	first := NewScheduler(coordinator, nil, time.Hour, dataDir)
	require.NoError(t, first.Start(context.Background()))
	defer first.Stop()

	// When: a second scheduler targets the same data dir
	second := NewScheduler(coordinator, nil, time.Hour, dataDir)
	err := second.Start(context.Background())

	// Then: it refuses to start
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another crawler holds")
}

func TestScheduler_LockReleasedAfterStop(t *testing.T) {
	dataDir := t.TempDir()
	st := newTestStore(t)
	engine := newTestEngine(t)
	coordinator := NewCoordinator(st, engine, map[recipe.FeedKind]Source{}, CoordinatorOptions{})

	first := NewScheduler(coordinator, nil, time.Hour, dataDir)
	require.NoError(t, first.Start(context.Background()))
	first.Stop()

	second := NewScheduler(coordinator, nil, time.Hour, dataDir)
	require.NoError(t, second.Start(context.Background()))
	second.Stop()
}
