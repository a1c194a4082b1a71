package cooklang

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_MetadataAndIngredients(t *testing.T) {
	// Given: a recipe with metadata header and inline components
	text := `>> servings: 4
>> total time: 30 minutes
>> tags: dinner, italian

Mix @flour{200%g} with @water{100%ml}.

Bake for ~{15%minutes}.`

	// When: parsing
	r, err := Parse(text)
	require.NoError(t, err)

	// Then: metadata is extracted
	assert.Equal(t, 4, r.Metadata.Servings)
	assert.Equal(t, "30 minutes", r.Metadata.TotalTime)
	assert.Equal(t, []string{"dinner", "italian"}, r.Metadata.Tags)

	// And: ingredients and timers are collected
	require.Len(t, r.Ingredients, 2)
	assert.Equal(t, "flour", r.Ingredients[0].Name)
	assert.Equal(t, "200", r.Ingredients[0].Quantity)
	assert.Equal(t, "g", r.Ingredients[0].Unit)
	require.Len(t, r.Timers, 1)
	assert.Equal(t, "15", r.Timers[0].Quantity)
}

func TestParse_SingleWordAndMultiWordComponents(t *testing.T) {
	r, err := Parse("Season with @salt and @ground pepper{1%tsp}, stir in a #large bowl{}.")
	require.NoError(t, err)

	names := r.IngredientNames()
	assert.Equal(t, []string{"salt", "ground pepper"}, names)
	require.Len(t, r.Cookware, 1)
	assert.Equal(t, "large bowl", r.Cookware[0].Name)
}

func TestParse_StepItemsAreTaggedVariants(t *testing.T) {
	r, err := Parse("Whisk @eggs{2} into the #pan for ~{2%minutes}.")
	require.NoError(t, err)
	require.Len(t, r.Sections, 1)
	require.Len(t, r.Sections[0].Steps, 1)

	kinds := make([]StepItemKind, 0)
	for _, item := range r.Sections[0].Steps[0].Items {
		kinds = append(kinds, item.Kind)
	}
	assert.Contains(t, kinds, ItemText)
	assert.Contains(t, kinds, ItemIngredient)
	assert.Contains(t, kinds, ItemQuantity)
	assert.Contains(t, kinds, ItemCookware)
	assert.Contains(t, kinds, ItemTimer)
}

func TestInstructionsText_FlattensReferences(t *testing.T) {
	r, err := Parse("Whisk @eggs{2} in the #bowl.")
	require.NoError(t, err)

	text := r.InstructionsText()
	assert.Contains(t, text, "eggs")
	assert.Contains(t, text, "bowl")
	assert.Contains(t, text, "Whisk")
}

func TestParse_Sections(t *testing.T) {
	text := `== Dough ==
Knead @flour{500%g}.

== Topping ==
Slice @tomatoes{3}.`

	r, err := Parse(text)
	require.NoError(t, err)
	require.Len(t, r.Sections, 2)
	assert.Equal(t, "Dough", r.Sections[0].Name)
	assert.Equal(t, "Topping", r.Sections[1].Name)
}

func TestParse_EmptyInput(t *testing.T) {
	_, err := Parse("   \n\n  ")
	require.Error(t, err)
	var perr *ParseError
	assert.ErrorAs(t, err, &perr)
}

func TestStripComments(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"line comment", "Mix well -- thoroughly\n", "Mix well \n"},
		{"block comment", "Mix [- secret step -] well", "Mix  well"},
		{"block spanning lines", "a[- one\ntwo -]b", "ab"},
		{"unterminated block", "Mix [- oops", "Mix "},
		{"no comments", "Mix @salt.", "Mix @salt."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripComments(tt.input))
		})
	}
}

func TestParseTimeToMinutes(t *testing.T) {
	cases := map[string]int64{
		"45 minutes":         45,
		"1 hour":             60,
		"2 hours":            120,
		"30":                 30,
		"90 min":             90,
		"1 hour 30 minutes":  90,
		"2 hrs 15 min":       135,
		"1h30m":              90,
		"1 hour and 90 secs": 61,
	}
	for input, want := range cases {
		got, ok := ParseTimeToMinutes(input)
		require.True(t, ok, input)
		assert.Equal(t, want, got, input)
	}

	_, ok := ParseTimeToMinutes("a while")
	assert.False(t, ok)
}
