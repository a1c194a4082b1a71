// Package cooklang parses Cooklang recipe text into structured sections,
// ingredients, cookware, and timers. The parser is deliberately tolerant:
// syntactically broken markup degrades to plain step text instead of failing,
// and only inputs with no usable content at all return an error.
package cooklang

import (
	"fmt"
	"strconv"
	"strings"
)

// StepItemKind enumerates the closed set of step content variants.
type StepItemKind int

const (
	ItemText StepItemKind = iota
	ItemIngredient
	ItemCookware
	ItemTimer
	ItemQuantity
)

// StepItem is one piece of a step: literal text or a reference to an
// ingredient, cookware item, timer, or inline quantity.
type StepItem struct {
	Kind  StepItemKind
	Value string
}

// Step is a sequence of items forming one instruction.
type Step struct {
	Items []StepItem
}

// Section groups steps under an optional heading.
type Section struct {
	Name  string
	Steps []Step
}

// Ingredient is a parsed @ingredient{quantity%unit} reference.
type Ingredient struct {
	Name     string
	Quantity string
	Unit     string
}

// Cookware is a parsed #cookware{} reference.
type Cookware struct {
	Name string
}

// Timer is a parsed ~{quantity%unit} reference.
type Timer struct {
	Quantity string
	Unit     string
}

// Metadata holds the >> key: value header lines of a recipe.
type Metadata struct {
	Servings   int
	TotalTime  string
	ActiveTime string
	Difficulty string
	Image      string
	Tags       []string
	Other      map[string]string
}

// Recipe is the parsed form of one Cooklang document.
type Recipe struct {
	Metadata    Metadata
	Sections    []Section
	Ingredients []Ingredient
	Cookware    []Cookware
	Timers      []Timer
}

// ParseError reports unusable recipe text.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cooklang parse: %s", e.Reason)
}

// Parse parses Cooklang source text.
func Parse(text string) (*Recipe, error) {
	r := &Recipe{
		Metadata: Metadata{Other: map[string]string{}},
	}

	section := Section{}
	hasContent := false

	for _, rawLine := range strings.Split(StripComments(text), "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, ">>"):
			parseMetadataLine(&r.Metadata, strings.TrimPrefix(line, ">>"))
		case strings.HasPrefix(line, "=="):
			// Section heading: == Name ==
			if len(section.Steps) > 0 {
				r.Sections = append(r.Sections, section)
			}
			section = Section{Name: strings.TrimSpace(strings.Trim(line, "= "))}
		default:
			step := parseStepLine(line, r)
			section.Steps = append(section.Steps, step)
			hasContent = true
		}
	}

	if len(section.Steps) > 0 {
		r.Sections = append(r.Sections, section)
	}

	if !hasContent && len(r.Metadata.Other) == 0 && r.Metadata.Servings == 0 &&
		r.Metadata.TotalTime == "" && len(r.Metadata.Tags) == 0 {
		return nil, &ParseError{Reason: "no recipe content"}
	}

	return r, nil
}

// InstructionsText flattens every step to plain text, one step per line.
// Each item kind renders as its textual value; references keep their name.
func (r *Recipe) InstructionsText() string {
	var b strings.Builder
	for _, sec := range r.Sections {
		for _, step := range sec.Steps {
			for _, item := range step.Items {
				switch item.Kind {
				case ItemText, ItemIngredient, ItemCookware, ItemTimer, ItemQuantity:
					b.WriteString(item.Value)
				}
			}
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// IngredientNames returns deduplicated ingredient names in first-seen order.
func (r *Recipe) IngredientNames() []string {
	seen := make(map[string]struct{}, len(r.Ingredients))
	names := make([]string, 0, len(r.Ingredients))
	for _, ing := range r.Ingredients {
		key := strings.ToLower(ing.Name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		names = append(names, ing.Name)
	}
	return names
}

func parseMetadataLine(m *Metadata, line string) {
	key, value, ok := strings.Cut(line, ":")
	if !ok {
		return
	}
	key = strings.ToLower(strings.TrimSpace(key))
	value = strings.TrimSpace(value)

	switch key {
	case "servings", "serves":
		if n, err := strconv.Atoi(value); err == nil {
			m.Servings = n
		}
	case "total time", "time":
		m.TotalTime = value
	case "active time", "prep time":
		m.ActiveTime = value
	case "difficulty":
		m.Difficulty = value
	case "image":
		m.Image = value
	case "tags":
		for _, t := range strings.Split(value, ",") {
			if t = strings.TrimSpace(t); t != "" {
				m.Tags = append(m.Tags, t)
			}
		}
	default:
		m.Other[key] = value
	}
}

// parseStepLine scans one instruction line for @, #, and ~ references,
// accumulating plain text between them.
func parseStepLine(line string, r *Recipe) Step {
	var step Step
	var text strings.Builder

	flushText := func() {
		if text.Len() > 0 {
			step.Items = append(step.Items, StepItem{Kind: ItemText, Value: text.String()})
			text.Reset()
		}
	}

	runes := []rune(line)
	for i := 0; i < len(runes); {
		c := runes[i]
		switch c {
		case '@':
			name, qty, unit, next, ok := parseComponent(runes, i+1)
			if !ok {
				text.WriteRune(c)
				i++
				continue
			}
			flushText()
			step.Items = append(step.Items, StepItem{Kind: ItemIngredient, Value: name})
			if qty != "" {
				step.Items = append(step.Items, StepItem{Kind: ItemQuantity, Value: joinQuantity(qty, unit)})
			}
			r.addIngredient(Ingredient{Name: name, Quantity: qty, Unit: unit})
			i = next
		case '#':
			name, _, _, next, ok := parseComponent(runes, i+1)
			if !ok {
				text.WriteRune(c)
				i++
				continue
			}
			flushText()
			step.Items = append(step.Items, StepItem{Kind: ItemCookware, Value: name})
			r.Cookware = append(r.Cookware, Cookware{Name: name})
			i = next
		case '~':
			name, qty, unit, next, ok := parseComponent(runes, i+1)
			if !ok {
				text.WriteRune(c)
				i++
				continue
			}
			flushText()
			label := joinQuantity(qty, unit)
			if label == "" {
				label = name
			}
			step.Items = append(step.Items, StepItem{Kind: ItemTimer, Value: label})
			r.Timers = append(r.Timers, Timer{Quantity: qty, Unit: unit})
			i = next
		default:
			text.WriteRune(c)
			i++
		}
	}
	flushText()
	return step
}

// parseComponent reads a component starting after its sigil. Components are
// either a single word (`@salt`) or a multi-word name terminated by a braced
// amount (`@ground pepper{1%tsp}`). Returns the position after the component.
func parseComponent(runes []rune, start int) (name, qty, unit string, next int, ok bool) {
	if start >= len(runes) {
		return "", "", "", start, false
	}

	// Look ahead for a '{' before any other sigil; if found, the name spans
	// up to it. Otherwise the name is the next single word.
	brace := -1
	for j := start; j < len(runes); j++ {
		switch runes[j] {
		case '{':
			brace = j
		case '@', '#', '~':
			// next component starts before any brace
		}
		if brace >= 0 || runes[j] == '@' || runes[j] == '#' || runes[j] == '~' {
			break
		}
	}

	if brace >= 0 {
		name = strings.TrimSpace(string(runes[start:brace]))
		end := brace + 1
		for end < len(runes) && runes[end] != '}' {
			end++
		}
		if end >= len(runes) {
			return "", "", "", start, false
		}
		amount := string(runes[brace+1 : end])
		qty, unit = splitAmount(amount)
		if name == "" && qty == "" {
			return "", "", "", start, false
		}
		return name, qty, unit, end + 1, true
	}

	// Single-word form.
	end := start
	for end < len(runes) && !isWordBreak(runes[end]) {
		end++
	}
	name = string(runes[start:end])
	if name == "" {
		return "", "", "", start, false
	}
	return name, "", "", end, true
}

func splitAmount(amount string) (qty, unit string) {
	qty, unit, found := strings.Cut(amount, "%")
	qty = strings.TrimSpace(qty)
	if found {
		unit = strings.TrimSpace(unit)
	} else {
		unit = ""
	}
	return qty, unit
}

func joinQuantity(qty, unit string) string {
	switch {
	case qty == "":
		return ""
	case unit == "":
		return qty
	default:
		return qty + " " + unit
	}
}

func isWordBreak(c rune) bool {
	switch c {
	case ' ', '\t', '.', ',', ';', ':', '!', '?', '{', '@', '#', '~':
		return true
	}
	return false
}

func (r *Recipe) addIngredient(ing Ingredient) {
	for _, existing := range r.Ingredients {
		if strings.EqualFold(existing.Name, ing.Name) {
			return
		}
	}
	r.Ingredients = append(r.Ingredients, ing)
}

// StripComments removes -- line comments and [- ... -] block comments.
// Unterminated block comments run to the end of input.
func StripComments(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	inBlock := false
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if inBlock {
			if runes[i] == '-' && i+1 < len(runes) && runes[i+1] == ']' {
				inBlock = false
				i++
			}
			continue
		}
		if runes[i] == '[' && i+1 < len(runes) && runes[i+1] == '-' {
			inBlock = true
			i++
			continue
		}
		if runes[i] == '-' && i+1 < len(runes) && runes[i+1] == '-' {
			// Line comment: skip to end of line, keep the newline.
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			if i < len(runes) {
				b.WriteRune('\n')
			}
			continue
		}
		b.WriteRune(runes[i])
	}
	return b.String()
}

// ParseTimeToMinutes extracts a duration in minutes from strings like
// "45 minutes", "1 hour 30 minutes", "1h30m", or a bare number (assumed
// minutes). Each number is scaled by its own unit, so mixed hour and
// minute components sum instead of running together. Seconds round down.
func ParseTimeToMinutes(s string) (int64, bool) {
	var total int64
	found := false
	fields := strings.Fields(strings.ToLower(s))
	for i := 0; i < len(fields); i++ {
		f := strings.Trim(fields[i], ".,;:()")
		for len(f) > 0 {
			j := 0
			for j < len(f) && f[j] >= '0' && f[j] <= '9' {
				j++
			}
			if j == 0 {
				break
			}
			n, err := strconv.ParseInt(f[:j], 10, 64)
			if err != nil {
				break
			}
			rest := f[j:]
			k := 0
			for k < len(rest) && rest[k] >= 'a' && rest[k] <= 'z' {
				k++
			}
			unit := rest[:k]
			f = rest[k:]
			if unit == "" && i+1 < len(fields) {
				if next := strings.Trim(fields[i+1], ".,;:()"); isTimeUnit(next) {
					unit = next
					i++
				}
			}
			switch {
			case unit == "":
				total += n
			case isTimeUnit(unit) && unit[0] == 'h':
				total += n * 60
			case isTimeUnit(unit) && unit[0] == 'm':
				total += n
			case isTimeUnit(unit) && unit[0] == 's':
				total += n / 60
			default:
				// A number glued to a non-time word, e.g. "350f".
				continue
			}
			found = true
		}
	}
	if !found {
		return 0, false
	}
	return total, true
}

func isTimeUnit(s string) bool {
	switch s {
	case "h", "hr", "hrs", "hour", "hours",
		"m", "min", "mins", "minute", "minutes",
		"s", "sec", "secs", "second", "seconds":
		return true
	}
	return false
}
