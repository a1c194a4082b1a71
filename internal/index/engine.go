// Package index wraps Bleve v2 as the recipe search index. The index is
// derived state: every document is reconstructible from the record store,
// and the committed index never holds more than one document per recipe.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/cookfed/cookfed/internal/recipe"
	"github.com/cookfed/cookfed/internal/store"
)

// Searchable field names. These are the names the query language exposes.
const (
	FieldTitle        = "title"
	FieldSummary      = "summary"
	FieldInstructions = "instructions"
	FieldIngredients  = "ingredients"
	FieldTags         = "tags"
	FieldDifficulty   = "difficulty"
	FieldServings     = "servings"
	FieldTotalTime    = "total_time"
	FieldFilePath     = "file_path"
	FieldContentHash  = "content_hash"
)

// TextFields are the free-text fields bare query terms search by default.
var TextFields = []string{FieldTitle, FieldSummary, FieldInstructions, FieldIngredients, FieldTags}

// Document is the derived projection of a recipe that gets indexed.
type Document struct {
	RecipeID     int64
	ContentHash  string // empty when the digest has not been computed yet
	Title        string
	Summary      string
	Instructions string
	Ingredients  []string
	Tags         []string
	Difficulty   string
	Servings     *int64
	TotalTime    *int64
	FilePath     string
}

// Hit is one ranked search hit with the stored fields needed for
// deduplication and result rendering.
type Hit struct {
	RecipeID    int64
	ContentHash string
	Title       string
	Summary     string
	Score       float64
}

// Engine owns the single logical index writer. Mutations accumulate in a
// batch and become visible only on Commit; readers always see the last
// committed state.
type Engine struct {
	mu      sync.Mutex
	index   bleve.Index
	pending *bleve.Batch
	path    string
	closed  bool
}

// validateIndexIntegrity checks a Bleve index directory before opening.
// Returns nil when the index does not exist yet.
func validateIndexIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing (corrupted index)")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty (corrupted)")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "unexpected end of JSON") ||
		strings.Contains(errStr, "error parsing mapping JSON") ||
		strings.Contains(errStr, "failed to load segment") ||
		strings.Contains(errStr, "error opening bolt") ||
		err == bleve.ErrorIndexMetaCorrupt
}

// NewEngine opens (or creates) the index at path. An empty path builds an
// in-memory index for testing. A corrupted on-disk index is cleared and
// recreated; the caller should then Rebuild from the record store.
func NewEngine(path string) (*Engine, error) {
	indexMapping := buildIndexMapping()

	var idx bleve.Index
	var err error
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		dir := filepath.Dir(path)
		if mkErr := os.MkdirAll(dir, 0755); mkErr != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, mkErr)
		}

		if validErr := validateIndexIntegrity(path); validErr != nil {
			slog.Warn("search_index_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("search index corrupted at %s and cannot remove: %w (original error: %v)", path, removeErr, validErr)
			}
			slog.Info("search_index_cleared",
				slog.String("path", path),
				slog.String("reason", "corruption detected, rebuild required"))
		}

		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		} else if err != nil && isCorruptionError(err) {
			slog.Warn("search_index_open_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("search index corrupted, cannot clear: %w (original: %v)", removeErr, err)
			}
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create/open index: %w", err)
	}

	e := &Engine{index: idx, path: path}
	e.pending = idx.NewBatch()
	return e, nil
}

func buildIndexMapping() *mapping.IndexMappingImpl {
	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultAnalyzer = standard.Name

	doc := bleve.NewDocumentMapping()

	text := func(store bool) *mapping.FieldMapping {
		fm := bleve.NewTextFieldMapping()
		fm.Analyzer = standard.Name
		fm.Store = store
		return fm
	}
	// Exact-match fields: stored, filterable, never analyzed into terms.
	exact := func() *mapping.FieldMapping {
		fm := bleve.NewTextFieldMapping()
		fm.Analyzer = keyword.Name
		fm.Store = true
		fm.IncludeInAll = false
		return fm
	}
	numeric := func() *mapping.FieldMapping {
		fm := bleve.NewNumericFieldMapping()
		fm.Store = true
		fm.IncludeInAll = false
		return fm
	}

	doc.AddFieldMappingsAt(FieldTitle, text(true))
	doc.AddFieldMappingsAt(FieldSummary, text(true))
	doc.AddFieldMappingsAt(FieldInstructions, text(false))
	doc.AddFieldMappingsAt(FieldIngredients, text(true))
	doc.AddFieldMappingsAt(FieldTags, text(true))
	doc.AddFieldMappingsAt(FieldDifficulty, exact())
	doc.AddFieldMappingsAt(FieldFilePath, exact())
	doc.AddFieldMappingsAt(FieldContentHash, exact())
	doc.AddFieldMappingsAt(FieldServings, numeric())
	doc.AddFieldMappingsAt(FieldTotalTime, numeric())

	recipeID := bleve.NewNumericFieldMapping()
	recipeID.Store = true
	recipeID.Index = false
	recipeID.IncludeInAll = false
	doc.AddFieldMappingsAt("recipe_id", recipeID)

	indexMapping.DefaultMapping = doc
	return indexMapping
}

// DocID returns the index document identifier for a recipe.
func DocID(recipeID int64) string {
	return strconv.FormatInt(recipeID, 10)
}

// Index stages a document for the next commit. Any prior document for the
// same recipe is deleted in the same batch before the add, so a committed
// index never holds two documents for one recipe regardless of how many
// times it is re-indexed.
func (e *Engine) Index(doc *Document) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("index is closed")
	}

	id := DocID(doc.RecipeID)
	e.pending.Delete(id)

	fields := map[string]interface{}{
		"recipe_id":       doc.RecipeID,
		FieldTitle:        doc.Title,
		FieldSummary:      doc.Summary,
		FieldInstructions: doc.Instructions,
		FieldIngredients:  doc.Ingredients,
		FieldTags:         doc.Tags,
		FieldDifficulty:   doc.Difficulty,
		FieldFilePath:     doc.FilePath,
	}
	if doc.ContentHash != "" {
		fields[FieldContentHash] = doc.ContentHash
	}
	if doc.Servings != nil {
		fields[FieldServings] = float64(*doc.Servings)
	}
	if doc.TotalTime != nil {
		fields[FieldTotalTime] = float64(*doc.TotalTime)
	}

	if err := e.pending.Index(id, fields); err != nil {
		return fmt.Errorf("failed to stage document %s: %w", id, err)
	}
	return nil
}

// Remove stages a delete-by-identifier for the next commit.
func (e *Engine) Remove(recipeID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.pending.Delete(DocID(recipeID))
}

// Commit atomically applies the staged batch, making it visible to
// readers, and starts a fresh batch. A failed commit leaves the staged
// batch intact for retry.
func (e *Engine) Commit(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("index is closed")
	}
	if e.pending.Size() == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := e.index.Batch(e.pending); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	e.pending = e.index.NewBatch()
	return nil
}

// PendingOps returns the number of staged, uncommitted operations.
func (e *Engine) PendingOps() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending.Size()
}

// Search executes a query against the last committed state and returns
// ranked hits with their stored dedup/render fields.
func (e *Engine) Search(ctx context.Context, q query.Query, size, from int) ([]Hit, uint64, error) {
	req := bleve.NewSearchRequestOptions(q, size, from, false)
	req.Fields = []string{"recipe_id", FieldContentHash, FieldTitle, FieldSummary}

	result, err := e.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, 0, fmt.Errorf("search failed: %w", err)
	}

	hits := make([]Hit, 0, len(result.Hits))
	for _, h := range result.Hits {
		hit := Hit{Score: h.Score}
		if v, ok := h.Fields["recipe_id"].(float64); ok {
			hit.RecipeID = int64(v)
		} else {
			// Doc ID is the recipe ID; fall back to it.
			if id, perr := strconv.ParseInt(h.ID, 10, 64); perr == nil {
				hit.RecipeID = id
			}
		}
		if v, ok := h.Fields[FieldContentHash].(string); ok {
			hit.ContentHash = v
		}
		if v, ok := h.Fields[FieldTitle].(string); ok {
			hit.Title = v
		}
		if v, ok := h.Fields[FieldSummary].(string); ok {
			hit.Summary = v
		}
		hits = append(hits, hit)
	}
	return hits, result.Total, nil
}

// DocCount returns the number of documents in the committed index.
func (e *Engine) DocCount() (uint64, error) {
	return e.index.DocCount()
}

// stageDeleteAll stages a delete for every committed document. The
// deletes land in the same batch as any subsequent adds, so the next
// Commit swaps the index contents atomically.
func (e *Engine) stageDeleteAll(ctx context.Context) error {
	const page = 1000
	for from := 0; ; from += page {
		req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), page, from, false)
		result, err := e.index.SearchInContext(ctx, req)
		if err != nil {
			return fmt.Errorf("enumerate documents: %w", err)
		}
		e.mu.Lock()
		for _, h := range result.Hits {
			e.pending.Delete(h.ID)
		}
		e.mu.Unlock()
		if len(result.Hits) == 0 || from+len(result.Hits) >= int(result.Total) {
			return nil
		}
	}
}

// Rebuild re-derives the whole index from the record store. This is the
// recovery path when the index is suspected corrupt or lost, and the
// cleanup path after rows are deleted from the store: the record store
// is the sole source of truth, so documents with no surviving row are
// dropped.
func (e *Engine) Rebuild(ctx context.Context, st store.Store) (int, error) {
	if err := e.stageDeleteAll(ctx); err != nil {
		return 0, fmt.Errorf("rebuild: %w", err)
	}
	count := 0
	err := st.ForEachRecipe(ctx, func(r *recipe.Recipe) error {
		tags, err := st.TagsForRecipe(ctx, r.ID)
		if err != nil {
			return err
		}
		ingredients, err := st.IngredientsForRecipe(ctx, r.ID)
		if err != nil {
			return err
		}
		filePath, err := st.FilePathForRecipe(ctx, r.ID)
		if err != nil {
			return err
		}
		if err := e.Index(DocumentFromRecipe(r, tags, ingredients, filePath)); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("rebuild: %w", err)
	}
	if err := e.Commit(ctx); err != nil {
		return 0, err
	}
	slog.Info("search_index_rebuilt", slog.Int("documents", count))
	return count, nil
}

// DocumentFromRecipe projects a recipe row into its index document.
// Instructions come from the parsed content when it parses, otherwise the
// raw content text is indexed as-is.
func DocumentFromRecipe(r *recipe.Recipe, tags, ingredients []string, filePath string) *Document {
	doc := &Document{
		RecipeID:    r.ID,
		Title:       r.Title,
		Summary:     r.Summary,
		Ingredients: ingredients,
		Tags:        tags,
		Difficulty:  r.Difficulty,
		Servings:    r.Servings,
		TotalTime:   r.TotalTimeMinutes,
		FilePath:    filePath,
	}
	if r.ContentHash != nil {
		doc.ContentHash = *r.ContentHash
	}
	if r.Content != nil {
		doc.Instructions = instructionsText(*r.Content)
	}
	return doc
}

func instructionsText(content string) string {
	parsed, err := parseContent(content)
	if err != nil {
		return content
	}
	return parsed
}

// Close closes the underlying index.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.index.Close()
}
