// Package query parses the field-scoped search language and executes it
// with digest-aware duplicate collapsing and pagination.
//
// Surface: bare terms search all free-text fields; field:value restricts a
// term to one field; quoted phrases preserve whitespace; AND/OR and a
// leading - express boolean combination and exclusion; field:[low TO high]
// is an inclusive numeric range.
package query

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/blevesearch/bleve/v2"
	bq "github.com/blevesearch/bleve/v2/search/query"

	"github.com/cookfed/cookfed/internal/index"
)

// Field classes determine how a field:value clause compiles.
var (
	textFields = map[string]bool{
		index.FieldTitle:        true,
		index.FieldSummary:      true,
		index.FieldInstructions: true,
		index.FieldIngredients:  true,
		index.FieldTags:         true,
	}
	keywordFields = map[string]bool{
		index.FieldDifficulty: true,
		index.FieldFilePath:   true,
	}
	numericFields = map[string]bool{
		index.FieldServings:  true,
		index.FieldTotalTime: true,
	}
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokPhrase
	tokColon
	tokRange
	tokMinus
	tokAnd
	tokOr
)

type token struct {
	kind  tokenKind
	value string
}

type lexer struct {
	input string
	pos   int
}

func (l *lexer) tokens() ([]token, error) {
	var toks []token
	for {
		l.skipSpace()
		if l.pos >= len(l.input) {
			return toks, nil
		}
		switch c := l.input[l.pos]; {
		case c == '"':
			phrase, err := l.readQuoted()
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{tokPhrase, phrase})
		case c == ':':
			l.pos++
			toks = append(toks, token{tokColon, ":"})
		case c == '[':
			inner, err := l.readRange()
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{tokRange, inner})
		case c == '-' && l.atTermStart(toks):
			l.pos++
			toks = append(toks, token{tokMinus, "-"})
		default:
			word := l.readWord()
			switch word {
			case "AND":
				toks = append(toks, token{tokAnd, word})
			case "OR":
				toks = append(toks, token{tokOr, word})
			default:
				toks = append(toks, token{tokWord, word})
			}
		}
	}
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
}

// atTermStart reports whether a '-' here is an exclusion operator. A '-'
// inside a word is consumed by readWord and never reaches this check, so
// the only non-operator case is a value right after a colon (a negative
// number, as in servings:-1).
func (l *lexer) atTermStart(toks []token) bool {
	return len(toks) == 0 || toks[len(toks)-1].kind != tokColon
}

func (l *lexer) readQuoted() (string, error) {
	start := l.pos + 1
	end := strings.IndexByte(l.input[start:], '"')
	if end < 0 {
		return "", fmt.Errorf("unterminated quoted phrase at offset %d", l.pos)
	}
	l.pos = start + end + 1
	return l.input[start : start+end], nil
}

func (l *lexer) readRange() (string, error) {
	start := l.pos + 1
	end := strings.IndexByte(l.input[start:], ']')
	if end < 0 {
		return "", fmt.Errorf("unterminated range at offset %d", l.pos)
	}
	l.pos = start + end + 1
	return l.input[start : start+end], nil
}

func (l *lexer) readWord() string {
	start := l.pos
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if unicode.IsSpace(rune(c)) || c == ':' || c == '"' || c == '[' || c == ']' {
			break
		}
		l.pos++
	}
	return l.input[start:l.pos]
}

type parser struct {
	toks []token
	pos  int
}

// Parse compiles a query string into an executable index query.
// An empty or whitespace-only input matches everything.
func Parse(input string) (bq.Query, error) {
	lex := &lexer{input: input}
	toks, err := lex.tokens()
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	if len(toks) == 0 {
		return bleve.NewMatchAllQuery(), nil
	}
	p := &parser{toks: toks}
	q, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	if p.pos < len(p.toks) {
		return nil, fmt.Errorf("query: unexpected %q", p.toks[p.pos].value)
	}
	return q, nil
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

// parseOr handles the loosest-binding operator: a OR b OR c.
func (p *parser) parseOr() (bq.Query, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	branches := []bq.Query{left}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOr {
			break
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		branches = append(branches, right)
	}
	if len(branches) == 1 {
		return branches[0], nil
	}
	return bleve.NewDisjunctionQuery(branches...), nil
}

// parseAnd handles explicit AND and implicit conjunction of adjacent
// clauses, collecting exclusions into the must-not side.
func (p *parser) parseAnd() (bq.Query, error) {
	var must, mustNot []bq.Query
	for {
		t, ok := p.peek()
		if !ok || t.kind == tokOr {
			break
		}
		if t.kind == tokAnd {
			p.pos++
			continue
		}
		negated := false
		if t.kind == tokMinus {
			negated = true
			p.pos++
		}
		clause, err := p.parseClause()
		if err != nil {
			return nil, err
		}
		if negated {
			mustNot = append(mustNot, clause)
		} else {
			must = append(must, clause)
		}
	}
	if len(must) == 0 && len(mustNot) == 0 {
		return nil, fmt.Errorf("empty clause")
	}
	if len(mustNot) == 0 && len(must) == 1 {
		return must[0], nil
	}
	if len(must) == 0 {
		// Pure exclusion still needs a matching side.
		must = append(must, bleve.NewMatchAllQuery())
	}
	boolean := bleve.NewBooleanQuery()
	boolean.AddMust(must...)
	if len(mustNot) > 0 {
		boolean.AddMustNot(mustNot...)
	}
	return boolean, nil
}

// parseClause handles a single term, phrase, or field-scoped value.
func (p *parser) parseClause() (bq.Query, error) {
	t, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of query")
	}
	switch t.kind {
	case tokPhrase:
		p.pos++
		return allFieldsPhrase(t.value), nil
	case tokWord:
		p.pos++
		if next, ok := p.peek(); ok && next.kind == tokColon {
			p.pos++
			return p.parseFieldValue(t.value)
		}
		return allFieldsMatch(t.value), nil
	default:
		return nil, fmt.Errorf("unexpected %q", t.value)
	}
}

func (p *parser) parseFieldValue(field string) (bq.Query, error) {
	v, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("field %q has no value", field)
	}
	switch {
	case numericFields[field]:
		p.pos++
		return numericClause(field, v)
	case keywordFields[field]:
		if v.kind != tokWord && v.kind != tokPhrase {
			return nil, fmt.Errorf("field %q expects a value, got %q", field, v.value)
		}
		p.pos++
		q := bleve.NewTermQuery(v.value)
		q.SetField(field)
		return q, nil
	case textFields[field]:
		p.pos++
		switch v.kind {
		case tokPhrase:
			q := bleve.NewMatchPhraseQuery(v.value)
			q.SetField(field)
			return q, nil
		case tokWord:
			q := bleve.NewMatchQuery(v.value)
			q.SetField(field)
			return q, nil
		default:
			return nil, fmt.Errorf("field %q expects a term or phrase", field)
		}
	default:
		return nil, fmt.Errorf("unknown field %q", field)
	}
}

func numericClause(field string, v token) (bq.Query, error) {
	switch v.kind {
	case tokRange:
		low, high, err := parseRange(v.value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field, err)
		}
		incl := true
		q := bleve.NewNumericRangeInclusiveQuery(low, high, &incl, &incl)
		q.SetField(field)
		return q, nil
	case tokWord:
		n, err := strconv.ParseFloat(v.value, 64)
		if err != nil {
			return nil, fmt.Errorf("field %q expects a number, got %q", field, v.value)
		}
		incl := true
		q := bleve.NewNumericRangeInclusiveQuery(&n, &n, &incl, &incl)
		q.SetField(field)
		return q, nil
	default:
		return nil, fmt.Errorf("field %q expects a number or range", field)
	}
}

// parseRange splits "low TO high". An asterisk on either side leaves that
// bound open.
func parseRange(inner string) (*float64, *float64, error) {
	parts := strings.Fields(inner)
	if len(parts) != 3 || parts[1] != "TO" {
		return nil, nil, fmt.Errorf("malformed range %q, want [low TO high]", inner)
	}
	bound := func(s string) (*float64, error) {
		if s == "*" {
			return nil, nil
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("bad range bound %q", s)
		}
		return &n, nil
	}
	low, err := bound(parts[0])
	if err != nil {
		return nil, nil, err
	}
	high, err := bound(parts[2])
	if err != nil {
		return nil, nil, err
	}
	return low, high, nil
}

func allFieldsMatch(term string) bq.Query {
	branches := make([]bq.Query, 0, len(index.TextFields))
	for _, f := range index.TextFields {
		q := bleve.NewMatchQuery(term)
		q.SetField(f)
		branches = append(branches, q)
	}
	return bleve.NewDisjunctionQuery(branches...)
}

func allFieldsPhrase(phrase string) bq.Query {
	branches := make([]bq.Query, 0, len(index.TextFields))
	for _, f := range index.TextFields {
		q := bleve.NewMatchPhraseQuery(phrase)
		q.SetField(f)
		branches = append(branches, q)
	}
	return bleve.NewDisjunctionQuery(branches...)
}
