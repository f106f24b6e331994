package rag

import "strings"

// catalogHeading introduces retrieved product context in the system prompt.
// Downstream prompt tuning depends on this exact wording; do not edit it
// without re-validating agent behavior.
const catalogHeading = "## Product Catalog (use this to answer product questions):"

// FormatSystemPrompt combines an agent's base system prompt with retrieved
// catalog snippets. With no snippets the base prompt is returned unchanged —
// the catalog section never renders empty.
//
// The formatter is pure: no I/O, no side effects, safe for concurrent use.
func FormatSystemPrompt(basePrompt string, contexts []Context) string {
	base := strings.TrimSpace(basePrompt)
	if len(contexts) == 0 {
		return base
	}

	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString("\n\n")
	sb.WriteString(catalogHeading)
	for _, c := range contexts {
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}
		sb.WriteString("\n")
		sb.WriteString(text)
	}
	return sb.String()
}
