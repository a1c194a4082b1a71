package query

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cookfed/cookfed/internal/index"
)

// Default pagination and over-fetch settings.
const (
	DefaultPerPage   = 10
	MaxPerPage       = 100
	DefaultOverFetch = 3
)

// Page is one page of deduplicated results.
type Page struct {
	Hits []index.Hit

	// Total is the deduplicated result count. When Approximate is true the
	// over-fetch window did not cover every raw hit and Total is an
	// estimate scaled from the duplicate rate inside the window.
	Total       uint64
	TotalPages  int
	Approximate bool

	PageNum int
	PerPage int
}

// Processor executes parsed queries against the index, collapsing
// duplicate recipes by canonical digest at read time.
type Processor struct {
	engine    *index.Engine
	overFetch int
}

// NewProcessor wraps an index engine. overFetch is the multiple of the
// requested window fetched to absorb duplicate collapsing; values below 1
// fall back to the default.
func NewProcessor(engine *index.Engine, overFetch int) *Processor {
	if overFetch < 1 {
		overFetch = DefaultOverFetch
	}
	return &Processor{engine: engine, overFetch: overFetch}
}

// Search parses and executes input, returning the requested page of the
// deduplicated result sequence. pageNum is 1-based.
func (p *Processor) Search(ctx context.Context, input string, pageNum, perPage int) (*Page, error) {
	if pageNum < 1 {
		pageNum = 1
	}
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}

	q, err := Parse(input)
	if err != nil {
		return nil, err
	}

	// Fetch from rank zero so collapsing sees every hit above the page;
	// collapsing is rank-order dependent and cannot start mid-sequence.
	window := p.overFetch * pageNum * perPage
	raw, rawTotal, err := p.engine.Search(ctx, q, window, 0)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}

	deduped := collapse(raw)

	covered := uint64(len(raw)) >= rawTotal
	total := uint64(len(deduped))
	if !covered && len(raw) > 0 {
		// Scale the in-window duplicate rate to the full raw count.
		total = rawTotal * uint64(len(deduped)) / uint64(len(raw))
		if total == 0 {
			total = 1
		}
	}

	offset := (pageNum - 1) * perPage
	hits := []index.Hit{}
	if offset < len(deduped) {
		end := offset + perPage
		if end > len(deduped) {
			end = len(deduped)
		}
		hits = deduped[offset:end]
	}

	totalPages := int((total + uint64(perPage) - 1) / uint64(perPage))

	slog.Debug("query_executed",
		slog.String("query", input),
		slog.Int("raw_hits", len(raw)),
		slog.Int("deduped_hits", len(deduped)),
		slog.Uint64("total", total),
		slog.Bool("approximate", !covered))

	return &Page{
		Hits:        hits,
		Total:       total,
		TotalPages:  totalPages,
		Approximate: !covered,
		PageNum:     pageNum,
		PerPage:     perPage,
	}, nil
}

// collapse walks hits in rank order keeping the first occurrence of each
// canonical digest. Hits without a digest are never collapsed.
func collapse(hits []index.Hit) []index.Hit {
	seen := make(map[string]bool, len(hits))
	out := make([]index.Hit, 0, len(hits))
	for _, h := range hits {
		if h.ContentHash != "" {
			if seen[h.ContentHash] {
				continue
			}
			seen[h.ContentHash] = true
		}
		out = append(out, h)
	}
	return out
}
