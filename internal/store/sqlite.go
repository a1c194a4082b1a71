package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/cookfed/cookfed/internal/recipe"
)

// SQLiteStore implements Store on SQLite with WAL mode.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ Store = (*SQLiteStore)(nil)

// validateIntegrity checks an existing database file before opening it for
// real use. Returns nil when the file is missing (it will be created).
func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

// NewSQLiteStore opens (or creates) the record store at path.
// An empty path creates an in-memory store for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}

		if validErr := validateIntegrity(path); validErr != nil {
			// The record store is the source of truth; unlike the search
			// index it is never auto-cleared.
			return nil, fmt.Errorf("record store at %s failed validation: %w", path, validErr)
		}

		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to prevent lock contention; readers go through WAL.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// DSN params may be ignored by modernc.org/sqlite; set pragmas directly.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	slog.Info("record_store_opened", slog.String("path", path))
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS feeds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL DEFAULT 'syndication',
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		error_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		etag TEXT NOT NULL DEFAULT '',
		last_modified TEXT NOT NULL DEFAULT '',
		last_fetched_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS recipes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		feed_id INTEGER NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
		external_id TEXT NOT NULL,
		title TEXT NOT NULL,
		source_url TEXT NOT NULL DEFAULT '',
		content_url TEXT NOT NULL DEFAULT '',
		content TEXT,
		summary TEXT NOT NULL DEFAULT '',
		content_hash TEXT,
		content_etag TEXT NOT NULL DEFAULT '',
		content_last_modified TIMESTAMP,
		feed_entry_updated TIMESTAMP,
		servings INTEGER,
		total_time_minutes INTEGER,
		active_time_minutes INTEGER,
		difficulty TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		published_at TIMESTAMP,
		indexed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(feed_id, external_id)
	);
	CREATE INDEX IF NOT EXISTS idx_recipes_content_hash ON recipes(content_hash);
	CREATE INDEX IF NOT EXISTS idx_recipes_entry_updated ON recipes(feed_id, external_id, feed_entry_updated);

	CREATE TABLE IF NOT EXISTS tags (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE COLLATE NOCASE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS recipe_tags (
		recipe_id INTEGER NOT NULL REFERENCES recipes(id) ON DELETE CASCADE,
		tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
		PRIMARY KEY (recipe_id, tag_id)
	);

	CREATE TABLE IF NOT EXISTS ingredients (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE COLLATE NOCASE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS recipe_ingredients (
		recipe_id INTEGER NOT NULL REFERENCES recipes(id) ON DELETE CASCADE,
		ingredient_id INTEGER NOT NULL REFERENCES ingredients(id) ON DELETE CASCADE,
		PRIMARY KEY (recipe_id, ingredient_id)
	);

	CREATE TABLE IF NOT EXISTS repo_feeds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		feed_id INTEGER NOT NULL UNIQUE REFERENCES feeds(id) ON DELETE CASCADE,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		branch TEXT NOT NULL DEFAULT 'main',
		last_commit_sha TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS repo_links (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		repo_feed_id INTEGER NOT NULL REFERENCES repo_feeds(id) ON DELETE CASCADE,
		recipe_id INTEGER NOT NULL REFERENCES recipes(id) ON DELETE CASCADE,
		file_path TEXT NOT NULL,
		blob_sha TEXT NOT NULL DEFAULT '',
		raw_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(repo_feed_id, file_path)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Feed operations ---

const feedColumns = `id, url, kind, title, status, error_count, error_message,
	etag, last_modified, last_fetched_at, created_at, updated_at`

func scanFeed(row interface{ Scan(...any) error }) (*recipe.Feed, error) {
	var f recipe.Feed
	var lastFetched sql.NullTime
	err := row.Scan(&f.ID, &f.URL, &f.Kind, &f.Title, &f.Status, &f.ErrorCount,
		&f.ErrorMessage, &f.ETag, &f.LastModified, &lastFetched, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastFetched.Valid {
		t := lastFetched.Time
		f.LastFetchedAt = &t
	}
	return &f, nil
}

func (s *SQLiteStore) GetOrCreateFeed(ctx context.Context, url string, kind recipe.FeedKind) (*recipe.Feed, error) {
	existing, err := s.GetFeedByURL(ctx, url)
	if err == nil {
		return existing, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO feeds (url, kind) VALUES (?, ?)
	     ON CONFLICT(url) DO NOTHING`, url, string(kind))
	if err != nil {
		return nil, fmt.Errorf("create feed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race with a concurrent insert; read the winner.
		return s.GetFeedByURL(ctx, url)
	}
	return s.GetFeedByURL(ctx, url)
}

func (s *SQLiteStore) GetFeed(ctx context.Context, id int64) (*recipe.Feed, error) {
	f, err := scanFeed(s.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get feed: %w", err)
	}
	return f, nil
}

func (s *SQLiteStore) GetFeedByURL(ctx context.Context, url string) (*recipe.Feed, error) {
	f, err := scanFeed(s.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE url = ?`, url))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get feed by url: %w", err)
	}
	return f, nil
}

func (s *SQLiteStore) ListFeeds(ctx context.Context, status recipe.FeedStatus) ([]*recipe.Feed, error) {
	query := `SELECT ` + feedColumns + ` FROM feeds`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	defer rows.Close()

	var feeds []*recipe.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feed: %w", err)
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

// UpdateFeedFetchState persists the mutable crawl-cycle state of a feed:
// validators, health, and title.
func (s *SQLiteStore) UpdateFeedFetchState(ctx context.Context, f *recipe.Feed) error {
	var lastFetched any
	if f.LastFetchedAt != nil {
		lastFetched = *f.LastFetchedAt
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE feeds SET title = ?, status = ?, error_count = ?, error_message = ?,
			etag = ?, last_modified = ?, last_fetched_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		f.Title, string(f.Status), f.ErrorCount, f.ErrorMessage,
		f.ETag, f.LastModified, lastFetched, f.ID)
	if err != nil {
		return fmt.Errorf("update feed fetch state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteFeed(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM feeds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete feed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Recipe operations ---

const recipeColumns = `id, feed_id, external_id, title, source_url, content_url,
	content, summary, content_hash, content_etag, content_last_modified,
	feed_entry_updated, servings, total_time_minutes, active_time_minutes,
	difficulty, image_url, published_at, indexed_at, created_at, updated_at`

func scanRecipe(row interface{ Scan(...any) error }) (*recipe.Recipe, error) {
	var r recipe.Recipe
	var content, contentHash sql.NullString
	var contentLastMod, entryUpdated, publishedAt, indexedAt sql.NullTime
	var servings, totalTime, activeTime sql.NullInt64

	err := row.Scan(&r.ID, &r.FeedID, &r.ExternalID, &r.Title, &r.SourceURL,
		&r.ContentURL, &content, &r.Summary, &contentHash, &r.ContentETag,
		&contentLastMod, &entryUpdated, &servings, &totalTime, &activeTime,
		&r.Difficulty, &r.ImageURL, &publishedAt, &indexedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if content.Valid {
		r.Content = &content.String
	}
	if contentHash.Valid {
		r.ContentHash = &contentHash.String
	}
	if contentLastMod.Valid {
		r.ContentLastModified = &contentLastMod.Time
	}
	if entryUpdated.Valid {
		r.FeedEntryUpdated = &entryUpdated.Time
	}
	if publishedAt.Valid {
		r.PublishedAt = &publishedAt.Time
	}
	if indexedAt.Valid {
		r.IndexedAt = &indexedAt.Time
	}
	if servings.Valid {
		r.Servings = &servings.Int64
	}
	if totalTime.Valid {
		r.TotalTimeMinutes = &totalTime.Int64
	}
	if activeTime.Valid {
		r.ActiveTimeMinutes = &activeTime.Int64
	}
	return &r, nil
}

func (s *SQLiteStore) GetRecipe(ctx context.Context, id int64) (*recipe.Recipe, error) {
	r, err := scanRecipe(s.db.QueryRowContext(ctx,
		`SELECT `+recipeColumns+` FROM recipes WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recipe: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) GetRecipeByExternalID(ctx context.Context, feedID int64, externalID string) (*recipe.Recipe, error) {
	r, err := scanRecipe(s.db.QueryRowContext(ctx,
		`SELECT `+recipeColumns+` FROM recipes WHERE feed_id = ? AND external_id = ?`,
		feedID, externalID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recipe by external id: %w", err)
	}
	return r, nil
}

// UpsertRecipe inserts or updates the row keyed by (feed_id, external_id).
// The same candidate upserted twice yields one row with the latest fields.
func (s *SQLiteStore) UpsertRecipe(ctx context.Context, r *recipe.Recipe) (UpsertResult, error) {
	var existsID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM recipes WHERE feed_id = ? AND external_id = ?`,
		r.FeedID, r.ExternalID).Scan(&existsID)
	created := err == sql.ErrNoRows
	if err != nil && err != sql.ErrNoRows {
		return UpsertResult{}, fmt.Errorf("upsert lookup: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recipes (
			feed_id, external_id, title, source_url, content_url, content,
			summary, content_hash, content_etag, content_last_modified,
			feed_entry_updated, servings, total_time_minutes,
			active_time_minutes, difficulty, image_url, published_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(feed_id, external_id) DO UPDATE SET
			title = excluded.title,
			source_url = excluded.source_url,
			content_url = excluded.content_url,
			content = COALESCE(excluded.content, recipes.content),
			summary = excluded.summary,
			content_hash = COALESCE(excluded.content_hash, recipes.content_hash),
			content_etag = excluded.content_etag,
			content_last_modified = COALESCE(excluded.content_last_modified, recipes.content_last_modified),
			feed_entry_updated = COALESCE(excluded.feed_entry_updated, recipes.feed_entry_updated),
			servings = excluded.servings,
			total_time_minutes = excluded.total_time_minutes,
			active_time_minutes = excluded.active_time_minutes,
			difficulty = excluded.difficulty,
			image_url = excluded.image_url,
			published_at = COALESCE(excluded.published_at, recipes.published_at),
			updated_at = CURRENT_TIMESTAMP`,
		r.FeedID, r.ExternalID, r.Title, r.SourceURL, r.ContentURL,
		nullStr(r.Content), r.Summary, nullStr(r.ContentHash), r.ContentETag,
		nullTime(r.ContentLastModified), nullTime(r.FeedEntryUpdated),
		nullInt(r.Servings), nullInt(r.TotalTimeMinutes),
		nullInt(r.ActiveTimeMinutes), r.Difficulty, r.ImageURL,
		nullTime(r.PublishedAt))
	if err != nil {
		return UpsertResult{}, fmt.Errorf("upsert recipe: %w", err)
	}

	if created {
		if err := s.db.QueryRowContext(ctx,
			`SELECT id FROM recipes WHERE feed_id = ? AND external_id = ?`,
			r.FeedID, r.ExternalID).Scan(&existsID); err != nil {
			return UpsertResult{}, fmt.Errorf("upsert readback: %w", err)
		}
	}
	return UpsertResult{ID: existsID, Created: created}, nil
}

func (s *SQLiteStore) TouchFeedEntryUpdated(ctx context.Context, recipeID int64, updated *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE recipes SET feed_entry_updated = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		nullTime(updated), recipeID)
	if err != nil {
		return fmt.Errorf("touch feed entry updated: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkIndexed(ctx context.Context, recipeIDs []int64, at time.Time) error {
	if len(recipeIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `UPDATE recipes SET indexed_at = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, id := range recipeIDs {
		if _, err := stmt.ExecContext(ctx, at, id); err != nil {
			return fmt.Errorf("mark indexed %d: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) UnindexedRecipeIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM recipes WHERE indexed_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list unindexed recipes: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan unindexed recipe id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) SetContentHash(ctx context.Context, recipeID int64, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE recipes SET content_hash = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		hash, recipeID)
	if err != nil {
		return fmt.Errorf("set content hash: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRecipesWithoutHash(ctx context.Context, limit int) ([]*recipe.Recipe, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recipeColumns+` FROM recipes WHERE content_hash IS NULL ORDER BY id LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("list recipes without hash: %w", err)
	}
	defer rows.Close()

	var recipes []*recipe.Recipe
	for rows.Next() {
		r, err := scanRecipe(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipe: %w", err)
		}
		recipes = append(recipes, r)
	}
	return recipes, rows.Err()
}

// ForEachRecipe iterates in fixed-size batches rather than holding one
// cursor over the whole table: the pool is capped at a single
// connection, so a callback that touches the store again would starve
// behind an open cursor.
func (s *SQLiteStore) ForEachRecipe(ctx context.Context, fn func(*recipe.Recipe) error) error {
	const batchSize = 500

	lastID := int64(0)
	for {
		batch, err := s.recipeBatchAfter(ctx, lastID, batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, r := range batch {
			if err := fn(r); err != nil {
				return err
			}
		}
		lastID = batch[len(batch)-1].ID
	}
}

func (s *SQLiteStore) recipeBatchAfter(ctx context.Context, afterID int64, limit int) ([]*recipe.Recipe, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recipeColumns+` FROM recipes WHERE id > ? ORDER BY id LIMIT ?`,
		afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("iterate recipes: %w", err)
	}
	defer rows.Close()

	var batch []*recipe.Recipe
	for rows.Next() {
		r, err := scanRecipe(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipe: %w", err)
		}
		batch = append(batch, r)
	}
	return batch, rows.Err()
}

func (s *SQLiteStore) CountRecipes(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recipes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count recipes: %w", err)
	}
	return n, nil
}

// --- Vocabulary operations ---

func (s *SQLiteStore) SetRecipeTags(ctx context.Context, recipeID int64, names []string) error {
	return s.setVocabulary(ctx, recipeID, names, "tags", "recipe_tags", "tag_id")
}

func (s *SQLiteStore) SetRecipeIngredients(ctx context.Context, recipeID int64, names []string) error {
	return s.setVocabulary(ctx, recipeID, names, "ingredients", "recipe_ingredients", "ingredient_id")
}

// setVocabulary replaces the junction rows for a recipe, lazily creating
// vocabulary entities. Names are deduplicated case-insensitively.
func (s *SQLiteStore) setVocabulary(ctx context.Context, recipeID int64, names []string, table, junction, fkColumn string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM `+junction+` WHERE recipe_id = ?`, recipeID); err != nil {
		return fmt.Errorf("clear %s: %w", junction, err)
	}

	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+table+` (name) VALUES (?) ON CONFLICT(name) DO NOTHING`,
			name); err != nil {
			return fmt.Errorf("create %s entry: %w", table, err)
		}

		var entityID int64
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM `+table+` WHERE name = ?`, name).Scan(&entityID); err != nil {
			return fmt.Errorf("lookup %s entry: %w", table, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+junction+` (recipe_id, `+fkColumn+`) VALUES (?, ?)
			 ON CONFLICT DO NOTHING`, recipeID, entityID); err != nil {
			return fmt.Errorf("link %s entry: %w", junction, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) TagsForRecipe(ctx context.Context, recipeID int64) ([]string, error) {
	return s.vocabularyForRecipe(ctx, recipeID,
		`SELECT t.name FROM tags t
		 JOIN recipe_tags rt ON rt.tag_id = t.id
		 WHERE rt.recipe_id = ? ORDER BY t.name`)
}

func (s *SQLiteStore) IngredientsForRecipe(ctx context.Context, recipeID int64) ([]string, error) {
	return s.vocabularyForRecipe(ctx, recipeID,
		`SELECT i.name FROM ingredients i
		 JOIN recipe_ingredients ri ON ri.ingredient_id = i.id
		 WHERE ri.recipe_id = ? ORDER BY i.name`)
}

func (s *SQLiteStore) vocabularyForRecipe(ctx context.Context, recipeID int64, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, recipeID)
	if err != nil {
		return nil, fmt.Errorf("vocabulary query: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStore) DeleteUnusedTags(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tags WHERE id NOT IN (SELECT DISTINCT tag_id FROM recipe_tags)`)
	if err != nil {
		return 0, fmt.Errorf("delete unused tags: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) DeleteUnusedIngredients(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ingredients WHERE id NOT IN (SELECT DISTINCT ingredient_id FROM recipe_ingredients)`)
	if err != nil {
		return 0, fmt.Errorf("delete unused ingredients: %w", err)
	}
	return res.RowsAffected()
}

// --- Repository linkage operations ---

const repoFeedColumns = `id, feed_id, owner, name, branch, last_commit_sha, created_at, updated_at`

func scanRepoFeed(row interface{ Scan(...any) error }) (*recipe.RepoFeed, error) {
	var rf recipe.RepoFeed
	err := row.Scan(&rf.ID, &rf.FeedID, &rf.Owner, &rf.Name, &rf.Branch,
		&rf.LastCommitSHA, &rf.CreatedAt, &rf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rf, nil
}

func (s *SQLiteStore) GetOrCreateRepoFeed(ctx context.Context, feedID int64, owner, name, branch string) (*recipe.RepoFeed, error) {
	existing, err := s.GetRepoFeedByFeedID(ctx, feedID)
	if err == nil {
		return existing, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO repo_feeds (feed_id, owner, name, branch) VALUES (?, ?, ?, ?)
		 ON CONFLICT(feed_id) DO NOTHING`, feedID, owner, name, branch); err != nil {
		return nil, fmt.Errorf("create repo feed: %w", err)
	}
	return s.GetRepoFeedByFeedID(ctx, feedID)
}

func (s *SQLiteStore) GetRepoFeedByFeedID(ctx context.Context, feedID int64) (*recipe.RepoFeed, error) {
	rf, err := scanRepoFeed(s.db.QueryRowContext(ctx,
		`SELECT `+repoFeedColumns+` FROM repo_feeds WHERE feed_id = ?`, feedID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get repo feed: %w", err)
	}
	return rf, nil
}

func (s *SQLiteStore) UpdateRepoFeedCommit(ctx context.Context, repoFeedID int64, sha string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE repo_feeds SET last_commit_sha = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		sha, repoFeedID)
	if err != nil {
		return fmt.Errorf("update repo feed commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateRepoFeedBranch(ctx context.Context, repoFeedID int64, branch string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE repo_feeds SET branch = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		branch, repoFeedID)
	if err != nil {
		return fmt.Errorf("update repo feed branch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRepoLink(ctx context.Context, repoFeedID int64, filePath string) (*recipe.RepoLink, error) {
	var link recipe.RepoLink
	err := s.db.QueryRowContext(ctx,
		`SELECT id, repo_feed_id, recipe_id, file_path, blob_sha, raw_url, created_at, updated_at
		 FROM repo_links WHERE repo_feed_id = ? AND file_path = ?`,
		repoFeedID, filePath).Scan(&link.ID, &link.RepoFeedID, &link.RecipeID,
		&link.FilePath, &link.BlobSHA, &link.RawURL, &link.CreatedAt, &link.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get repo link: %w", err)
	}
	return &link, nil
}

func (s *SQLiteStore) UpsertRepoLink(ctx context.Context, link *recipe.RepoLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repo_links (repo_feed_id, recipe_id, file_path, blob_sha, raw_url)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(repo_feed_id, file_path) DO UPDATE SET
			recipe_id = excluded.recipe_id,
			blob_sha = excluded.blob_sha,
			raw_url = excluded.raw_url,
			updated_at = CURRENT_TIMESTAMP`,
		link.RepoFeedID, link.RecipeID, link.FilePath, link.BlobSHA, link.RawURL)
	if err != nil {
		return fmt.Errorf("upsert repo link: %w", err)
	}
	return nil
}

// FilePathForRecipe returns the repository file path for a recipe, or ""
// for recipes that did not come from a repository feed.
func (s *SQLiteStore) FilePathForRecipe(ctx context.Context, recipeID int64) (string, error) {
	var path string
	err := s.db.QueryRowContext(ctx,
		`SELECT file_path FROM repo_links WHERE recipe_id = ?`, recipeID).Scan(&path)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("file path for recipe: %w", err)
	}
	return path, nil
}

// --- null helpers ---

func nullStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullInt(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}
