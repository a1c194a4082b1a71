package crawler

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"

	"github.com/cookfed/cookfed/internal/cooklang"
	cferrors "github.com/cookfed/cookfed/internal/errors"
	"github.com/cookfed/cookfed/internal/recipe"
	"github.com/cookfed/cookfed/internal/store"
)

// cooklangNS is the namespace prefix feeds use for the structured recipe
// extension block.
const cooklangNS = "cooklang"

// SyndicationSource adapts RSS and Atom feeds into candidate records.
// The feed document is fetched conditionally; a 304 short-circuits the
// whole cycle. Per entry, the source-declared update timestamp is
// compared against the stored one before any content fetch, and the
// content resource itself is fetched conditionally with its own stored
// validators.
type SyndicationSource struct {
	fetcher *Fetcher
	prior   Prior
	parser  *gofeed.Parser
}

// NewSyndicationSource builds the syndication adapter.
func NewSyndicationSource(fetcher *Fetcher, prior Prior) *SyndicationSource {
	return &SyndicationSource{
		fetcher: fetcher,
		prior:   prior,
		parser:  gofeed.NewParser(),
	}
}

// Discover fetches and parses the feed, producing one candidate per
// changed entry. Entry-level parse problems skip the entry, never the
// cycle.
func (s *SyndicationSource) Discover(ctx context.Context, feed *recipe.Feed) (*Discovery, error) {
	result, err := s.fetcher.FetchConditional(ctx, feed.URL, feed.ETag, feed.LastModified)
	if stderrors.Is(err, ErrNotModified) {
		slog.Debug("feed_not_modified", slog.String("feed_url", feed.URL))
		return &Discovery{Unchanged: true}, nil
	}
	if err != nil {
		return nil, err
	}

	parsed, err := s.parser.ParseString(result.Body)
	if err != nil {
		return nil, cferrors.Wrap(cferrors.CategoryParse, "parse feed document", err)
	}

	disc := &Discovery{
		FeedTitle:    parsed.Title,
		ETag:         result.ETag,
		LastModified: result.LastModified,
	}

	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		cand, skipped, err := s.processEntry(ctx, feed, item)
		if err != nil {
			slog.Warn("feed_entry_skipped",
				slog.String("feed_url", feed.URL),
				slog.String("external_id", entryID(item)),
				slog.String("error", err.Error()))
			continue
		}
		if skipped {
			disc.Skipped++
			continue
		}
		disc.Candidates = append(disc.Candidates, *cand)
	}
	return disc, nil
}

func (s *SyndicationSource) processEntry(ctx context.Context, feed *recipe.Feed, item *gofeed.Item) (*recipe.Candidate, bool, error) {
	externalID := entryID(item)
	if externalID == "" {
		return nil, false, cferrors.New(cferrors.CategoryParse, "entry has no identifier")
	}
	if item.Title == "" {
		return nil, false, cferrors.New(cferrors.CategoryParse, "entry has no title")
	}
	contentURL := enclosureURL(item)
	if contentURL == "" {
		return nil, false, cferrors.New(cferrors.CategoryParse, "entry has no content enclosure")
	}

	existing, err := s.prior.GetRecipeByExternalID(ctx, feed.ID, externalID)
	if err != nil && !stderrors.Is(err, store.ErrNotFound) {
		return nil, false, cferrors.Wrap(cferrors.CategoryStorage, "look up prior entry", err)
	}

	// A source-declared update timestamp no newer than the stored one
	// means the entry is unchanged; skip without touching the network.
	if existing != nil && item.UpdatedParsed != nil && existing.FeedEntryUpdated != nil &&
		!item.UpdatedParsed.After(*existing.FeedEntryUpdated) {
		return nil, true, nil
	}

	cand := &recipe.Candidate{
		ExternalID:       externalID,
		Title:            item.Title,
		SourceURL:        item.Link,
		ContentURL:       contentURL,
		Summary:          item.Description,
		Tags:             append([]string(nil), item.Categories...),
		PublishedAt:      item.PublishedParsed,
		FeedEntryUpdated: item.UpdatedParsed,
	}

	var priorETag string
	var priorLastModified string
	if existing != nil {
		priorETag = existing.ContentETag
		if existing.ContentLastModified != nil {
			priorLastModified = existing.ContentLastModified.UTC().Format(http.TimeFormat)
		}
	}

	body, err := s.fetcher.FetchConditional(ctx, contentURL, priorETag, priorLastModified)
	switch {
	case stderrors.Is(err, ErrNotModified):
		// Body unchanged; the candidate carries nil content and the
		// coordinator refreshes only the entry timestamp.
		return cand, false, nil
	case err != nil:
		// A failed body fetch degrades to a metadata-only candidate,
		// flagged so the coordinator keeps the entry eligible for retry.
		slog.Warn("content_fetch_failed",
			slog.String("feed_url", feed.URL),
			slog.String("content_url", contentURL),
			slog.String("error", err.Error()))
		cand.FetchFailed = true
		return cand, false, nil
	}

	cand.Content = &body.Body
	cand.ContentETag = body.ETag
	if lm, perr := http.ParseTime(body.LastModified); perr == nil {
		cand.ContentLastModified = &lm
	}

	applyContentMetadata(cand, body.Body)
	applyFeedExtension(cand, item)

	if cand.ImageURL != "" {
		cand.ImageURL = resolveImageURL(cand.ImageURL, contentURL)
	}
	return cand, false, nil
}

// entryID prefers the stable GUID, falling back to the entry link.
func entryID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	return item.Link
}

// enclosureURL finds the link to the raw recipe content.
func enclosureURL(item *gofeed.Item) string {
	for _, enc := range item.Enclosures {
		if enc == nil {
			continue
		}
		if enc.Type == "text/plain" || strings.HasSuffix(enc.URL, ".cook") {
			return enc.URL
		}
	}
	return ""
}

// applyContentMetadata fills structured fields and ingredients from the
// fetched recipe text. Unparseable content leaves the candidate as pure
// metadata; the raw text is still stored and indexed.
func applyContentMetadata(cand *recipe.Candidate, content string) {
	parsed, err := cooklang.Parse(content)
	if err != nil {
		return
	}
	md := parsed.Metadata
	if md.Servings > 0 {
		v := int64(md.Servings)
		cand.Servings = &v
	}
	if mins, ok := cooklang.ParseTimeToMinutes(md.TotalTime); ok {
		cand.TotalTimeMinutes = &mins
	}
	if mins, ok := cooklang.ParseTimeToMinutes(md.ActiveTime); ok {
		cand.ActiveTimeMinutes = &mins
	}
	cand.Difficulty = md.Difficulty
	cand.ImageURL = md.Image
	if len(cand.Tags) == 0 {
		cand.Tags = append([]string(nil), md.Tags...)
	}
	cand.Ingredients = parsed.IngredientNames()
}

// applyFeedExtension overlays the namespaced recipe extension block.
// Feed-declared values win over values parsed from fetched content.
func applyFeedExtension(cand *recipe.Candidate, item *gofeed.Item) {
	values := cooklangExtension(item)
	if len(values) == 0 {
		return
	}
	if v, ok := values["servings"]; ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n > 0 {
			cand.Servings = &n
		}
	}
	if v, ok := values["total_time"]; ok {
		if mins, parsed := cooklang.ParseTimeToMinutes(v); parsed {
			cand.TotalTimeMinutes = &mins
		}
	}
	if v, ok := values["active_time"]; ok {
		if mins, parsed := cooklang.ParseTimeToMinutes(v); parsed {
			cand.ActiveTimeMinutes = &mins
		}
	}
	if v, ok := values["difficulty"]; ok && v != "" {
		cand.Difficulty = v
	}
	if v, ok := values["image"]; ok && v != "" {
		cand.ImageURL = v
	}
	if v, ok := values["tags"]; ok {
		if tags := splitTags(v); len(tags) > 0 {
			cand.Tags = tags
		}
	}
}

// splitTags parses a comma-separated tag list, dropping empty segments.
func splitTags(s string) []string {
	var tags []string
	for _, part := range strings.Split(s, ",") {
		if tag := strings.TrimSpace(part); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

// cooklangExtension flattens the namespaced extension block into a
// key/value map. Both layouts seen in the wild are accepted: fields
// nested under a recipe element, and fields directly on the entry.
func cooklangExtension(item *gofeed.Item) map[string]string {
	ns, ok := item.Extensions[cooklangNS]
	if !ok {
		return nil
	}
	values := map[string]string{}
	collect := func(exts []ext.Extension) {
		for _, e := range exts {
			if v := strings.TrimSpace(e.Value); v != "" {
				values[e.Name] = v
			}
			for name, children := range e.Children {
				for _, c := range children {
					if v := strings.TrimSpace(c.Value); v != "" {
						values[name] = v
					}
				}
			}
		}
	}
	for _, exts := range ns {
		collect(exts)
	}
	return values
}

// resolveImageURL resolves an image reference relative to the content
// resource it was declared next to. Absolute URLs pass through.
func resolveImageURL(image, contentURL string) string {
	base, err := url.Parse(contentURL)
	if err != nil {
		return image
	}
	ref, err := url.Parse(strings.ReplaceAll(image, " ", "%20"))
	if err != nil {
		return image
	}
	return base.ResolveReference(ref).String()
}
