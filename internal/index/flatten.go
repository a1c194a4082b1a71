package index

import "github.com/cookfed/cookfed/internal/cooklang"

// parseContent flattens Cooklang source into plain instruction text for
// full-text indexing. Returns an error for unusable content, in which case
// the caller indexes the raw text instead.
func parseContent(content string) (string, error) {
	r, err := cooklang.Parse(content)
	if err != nil {
		return "", err
	}
	return r.InstructionsText(), nil
}
