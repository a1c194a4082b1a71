package recipe

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/cookfed/cookfed/internal/cooklang"
)

// Digest computes the canonical content digest for a recipe: a SHA-256 over
// the normalized title followed by the normalized content, hex-encoded.
// Two inputs differing only in comments, incidental whitespace, or blank
// lines produce the same digest; any semantic difference produces a
// different one. Pass nil content for title-only records.
func Digest(title string, content *string) string {
	h := sha256.New()
	h.Write([]byte(NormalizeTitle(title)))
	if content != nil {
		h.Write([]byte(NormalizeContent(*content)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeTitle case-folds the title, collapses internal whitespace runs
// to single spaces, and trims.
func NormalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

// NormalizeContent strips Cooklang comments, trims each line, and drops
// blank lines so that formatting-only edits do not change the digest.
func NormalizeContent(content string) string {
	stripped := cooklang.StripComments(content)

	lines := make([]string, 0, strings.Count(stripped, "\n")+1)
	for _, line := range strings.Split(stripped, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
