package workflow

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/delvd/delv/pkg/models"
)

// extractSources pulls SourceReferences out of the tool log. Any tool
// result that parses as a JSON array of {title, url, snippet} objects
// contributes, in tool-call order; malformed entries are dropped without
// comment, since search backends are free to return anything.
func extractSources(calls []models.ToolCallRecord, now time.Time) []models.SourceReference {
	var out []models.SourceReference
	for _, call := range calls {
		if call.Status != models.ToolCallSuccess {
			continue
		}
		trimmed := strings.TrimSpace(call.Result)
		if !strings.HasPrefix(trimmed, "[") {
			continue
		}
		var items []map[string]any
		if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
			continue
		}
		for _, item := range items {
			src, ok := sourceFromItem(item, now)
			if !ok {
				continue
			}
			out = append(out, src)
		}
	}
	return out
}

func sourceFromItem(item map[string]any, now time.Time) (models.SourceReference, bool) {
	title, okTitle := item["title"].(string)
	url, okURL := item["url"].(string)
	snippet, okSnippet := item["snippet"].(string)
	if !okTitle || !okURL || !okSnippet || url == "" {
		return models.SourceReference{}, false
	}
	if len(snippet) > models.MaxSnippetLength {
		cut := models.MaxSnippetLength
		for cut > 0 && !utf8.RuneStart(snippet[cut]) {
			cut--
		}
		snippet = snippet[:cut]
	}
	return models.SourceReference{
		Title:       title,
		URL:         url,
		Snippet:     snippet,
		RetrievedAt: now,
	}, true
}
