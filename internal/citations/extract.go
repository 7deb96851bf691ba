package citations

import (
	"regexp"
	"strings"

	"github.com/ashita-ai/shirabe/internal/model"
)

// urlPattern matches absolute http/https URL-like tokens in freeform text.
// Extraction records candidates without judgment; validation decides later.
var urlPattern = regexp.MustCompile(`https?://[^\s<>"'\)\]}]+`)

// trailingPunct is stripped from matched tokens; prose commonly ends a
// sentence right after a URL.
const trailingPunct = ".,;:!?"

// ExtractedRef is one raw URL token with its provenance.
type ExtractedRef struct {
	Raw        string
	Provenance model.Provenance
}

// Extract scans artifact text for URL-like tokens, tagging each with the
// producing perspective and artifact path.
func Extract(text string, prov model.Provenance) []ExtractedRef {
	matches := urlPattern.FindAllString(text, -1)
	refs := make([]ExtractedRef, 0, len(matches))
	for _, m := range matches {
		m = strings.TrimRight(m, trailingPunct)
		if m == "" {
			continue
		}
		refs = append(refs, ExtractedRef{Raw: m, Provenance: prov})
	}
	return refs
}
