package crawler

import (
	"context"

	"github.com/cookfed/cookfed/internal/recipe"
)

// Prior is the read-only view of stored state the source adapters use
// for their skip decisions. Adapters never write; all writes happen in
// the coordinator.
type Prior interface {
	GetRecipeByExternalID(ctx context.Context, feedID int64, externalID string) (*recipe.Recipe, error)
	GetRepoFeedByFeedID(ctx context.Context, feedID int64) (*recipe.RepoFeed, error)
	GetRepoLink(ctx context.Context, repoFeedID int64, filePath string) (*recipe.RepoLink, error)
}

// Discovery is one adapter pass over a feed: the candidate records it
// produced plus the cursor state the coordinator should persist once the
// candidates are safely stored.
type Discovery struct {
	Candidates []recipe.Candidate

	// FeedTitle is the source-declared title, set when the source
	// publishes one.
	FeedTitle string

	// Feed-level conditional-fetch validators (syndication).
	ETag         string
	LastModified string

	// Repository cursor (repository kind only).
	CommitSHA string
	Branch    string

	// Unchanged short-circuits the whole cycle: a 304 feed response or an
	// unchanged branch head. No candidates accompany it.
	Unchanged bool

	// Skipped counts entries passed over by a validator comparison.
	Skipped int
}

// Source produces candidate records for one feed. Implementations exist
// per feed kind and are selected by the coordinator's dispatch table.
type Source interface {
	Discover(ctx context.Context, feed *recipe.Feed) (*Discovery, error)
}
