// Package store is the relational system of record: feeds, recipes,
// vocabulary entities, and repository linkage. The search index is derived
// from this store and is fully rebuildable by iterating it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cookfed/cookfed/internal/recipe"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// UpsertResult reports what an upsert did.
type UpsertResult struct {
	ID      int64
	Created bool
}

// Store is the record store contract. All writes are keyed and idempotent;
// the only uniqueness constraint the pipeline relies on is
// (feed_id, external_id).
type Store interface {
	// Feed operations
	GetOrCreateFeed(ctx context.Context, url string, kind recipe.FeedKind) (*recipe.Feed, error)
	GetFeed(ctx context.Context, id int64) (*recipe.Feed, error)
	GetFeedByURL(ctx context.Context, url string) (*recipe.Feed, error)
	ListFeeds(ctx context.Context, status recipe.FeedStatus) ([]*recipe.Feed, error)
	UpdateFeedFetchState(ctx context.Context, f *recipe.Feed) error
	DeleteFeed(ctx context.Context, id int64) error // cascades to recipes and linkage

	// Recipe operations
	GetRecipe(ctx context.Context, id int64) (*recipe.Recipe, error)
	GetRecipeByExternalID(ctx context.Context, feedID int64, externalID string) (*recipe.Recipe, error)
	UpsertRecipe(ctx context.Context, r *recipe.Recipe) (UpsertResult, error)
	TouchFeedEntryUpdated(ctx context.Context, recipeID int64, updated *time.Time) error
	MarkIndexed(ctx context.Context, recipeIDs []int64, at time.Time) error
	// UnindexedRecipeIDs lists rows never confirmed indexed; the crawler
	// re-stages them so an interrupted flush is retried next cycle.
	UnindexedRecipeIDs(ctx context.Context) ([]int64, error)
	SetContentHash(ctx context.Context, recipeID int64, hash string) error
	ListRecipesWithoutHash(ctx context.Context, limit int) ([]*recipe.Recipe, error)
	// ForEachRecipe iterates every recipe row; this is the index rebuild path.
	ForEachRecipe(ctx context.Context, fn func(*recipe.Recipe) error) error
	CountRecipes(ctx context.Context) (int64, error)

	// Vocabulary operations (lazy get-or-create, case-insensitive identity)
	SetRecipeTags(ctx context.Context, recipeID int64, names []string) error
	SetRecipeIngredients(ctx context.Context, recipeID int64, names []string) error
	TagsForRecipe(ctx context.Context, recipeID int64) ([]string, error)
	IngredientsForRecipe(ctx context.Context, recipeID int64) ([]string, error)
	DeleteUnusedTags(ctx context.Context) (int64, error)
	DeleteUnusedIngredients(ctx context.Context) (int64, error)

	// Repository linkage operations
	GetOrCreateRepoFeed(ctx context.Context, feedID int64, owner, name, branch string) (*recipe.RepoFeed, error)
	GetRepoFeedByFeedID(ctx context.Context, feedID int64) (*recipe.RepoFeed, error)
	UpdateRepoFeedCommit(ctx context.Context, repoFeedID int64, sha string) error
	UpdateRepoFeedBranch(ctx context.Context, repoFeedID int64, branch string) error
	GetRepoLink(ctx context.Context, repoFeedID int64, filePath string) (*recipe.RepoLink, error)
	UpsertRepoLink(ctx context.Context, link *recipe.RepoLink) error
	FilePathForRecipe(ctx context.Context, recipeID int64) (string, error)

	Close() error
}
