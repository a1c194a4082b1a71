// Package recipe defines the domain model shared by the record store,
// the crawler, and the search index: feeds, recipes, vocabulary entities,
// and the candidate records source adapters hand to the coordinator.
package recipe

import "time"

// FeedKind selects the source adapter for a feed.
type FeedKind string

const (
	// KindSyndication is an RSS or Atom feed of recipe entries.
	KindSyndication FeedKind = "syndication"
	// KindRepository is a source-code repository of recipe files.
	KindRepository FeedKind = "repository"
)

// FeedStatus is the health state of a feed.
type FeedStatus string

const (
	StatusActive   FeedStatus = "active"
	StatusError    FeedStatus = "error"
	StatusDisabled FeedStatus = "disabled"
)

// Feed is a registered recipe source.
type Feed struct {
	ID            int64
	URL           string
	Kind          FeedKind
	Title         string
	Status        FeedStatus
	ErrorCount    int
	ErrorMessage  string
	ETag          string
	LastModified  string
	LastFetchedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Recipe is one ingested instance of a recipe from one source.
// (FeedID, ExternalID) is unique; ContentHash is not, on purpose:
// the same recipe republished by another feed shares its hash.
type Recipe struct {
	ID         int64
	FeedID     int64
	ExternalID string
	Title      string
	SourceURL  string
	ContentURL string
	Content    *string
	Summary    string

	// Canonical digest of normalized title+content. Nil until computed.
	ContentHash *string

	// Conditional-fetch validators for the content resource.
	ContentETag         string
	ContentLastModified *time.Time
	// FeedEntryUpdated is the source-declared update timestamp of the entry.
	FeedEntryUpdated *time.Time

	Servings          *int64
	TotalTimeMinutes  *int64
	ActiveTimeMinutes *int64
	Difficulty        string
	ImageURL          string

	PublishedAt *time.Time
	IndexedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Tag is a deduplicated vocabulary entity, keyed case-insensitively by name.
type Tag struct {
	ID   int64
	Name string
}

// Ingredient is a deduplicated vocabulary entity, keyed case-insensitively
// by name.
type Ingredient struct {
	ID   int64
	Name string
}

// RepoFeed is the repository-kind extension of a feed: which repository
// and branch to track, and the last fully indexed commit.
type RepoFeed struct {
	ID            int64
	FeedID        int64
	Owner         string
	Name          string
	Branch        string
	LastCommitSHA string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RepoLink maps a repository file path to its blob identity and the recipe
// row it produced. An unchanged blob SHA short-circuits the content fetch.
type RepoLink struct {
	ID         int64
	RepoFeedID int64
	RecipeID   int64
	FilePath   string
	BlobSHA    string
	RawURL     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Candidate is the uniform record shape both source adapters emit.
// Adapters never write to the store; the coordinator upserts candidates.
type Candidate struct {
	ExternalID string
	Title      string
	SourceURL  string
	ContentURL string

	// Content is nil when the adapter skipped the body fetch (validators
	// unchanged) or the fetch failed non-fatally.
	Content *string
	Summary string

	// FetchFailed distinguishes a failed body fetch from an intentional
	// skip. The coordinator must not advance the stored entry timestamp
	// for a failed fetch, or the body would never be retried.
	FetchFailed bool

	ContentETag         string
	ContentLastModified *time.Time
	FeedEntryUpdated    *time.Time
	PublishedAt         *time.Time

	Servings          *int64
	TotalTimeMinutes  *int64
	ActiveTimeMinutes *int64
	Difficulty        string
	ImageURL          string
	Tags              []string
	Ingredients       []string

	// FilePath and BlobSHA are set only by the repository adapter.
	FilePath string
	BlobSHA  string
}
