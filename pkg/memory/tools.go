package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/delvd/delv/pkg/agent"
	"github.com/delvd/delv/pkg/agent/dispatch"
)

// defaultSearchResults is how many hits search_memory returns.
const defaultSearchResults = 3

// BuiltinTools returns the search_memory and store_memory tools backed by
// the given store. They are registered alongside MCP tools on every run.
func BuiltinTools(store Store) []agent.Tool {
	return []agent.Tool{
		{
			// Not cacheable: the single-attempt rule already answers
			// repeated identical queries, and a cached replay would
			// mask that sentinel.
			Name:        "search_memory",
			Description: "Search long-term memory for prior answers. Call once per query with the core question.",
			ParametersSchema: `{"type":"object","properties":{"query":{"type":"string","description":"The question to search memory for."}},"required":["query"]}`,
			Exec:        searchExec(store),
		},
		{
			Name:        "store_memory",
			Description: "Persist a synthesized final answer to long-term memory. Never store search telemetry.",
			ParametersSchema: `{"type":"object","properties":{"content":{"type":"string","description":"The final answer to persist."},"metadata":{"type":"object"}},"required":["content"]}`,
			Exec:        storeExec(store),
		},
	}
}

func searchExec(store Store) dispatch.Executor {
	return func(ctx context.Context, parameters map[string]any) (string, error) {
		query, _ := parameters["query"].(string)
		if query == "" {
			if input, ok := parameters["input"].(string); ok {
				query = input
			}
		}
		if query == "" {
			return "", fmt.Errorf("search_memory requires a query parameter")
		}

		hits, err := store.SemanticSearch(ctx, query, defaultSearchResults)
		if err != nil {
			return "", fmt.Errorf("memory search failed: %w", err)
		}
		if len(hits) == 0 {
			return "No stored answer matches this query.", nil
		}
		data, err := json.Marshal(hits)
		if err != nil {
			return "", fmt.Errorf("failed to encode search results: %w", err)
		}
		return string(data), nil
	}
}

func storeExec(store Store) dispatch.Executor {
	return func(ctx context.Context, parameters map[string]any) (string, error) {
		content, _ := parameters["content"].(string)
		if content == "" {
			return "", fmt.Errorf("store_memory requires a content parameter")
		}
		metadata, _ := parameters["metadata"].(map[string]any)

		id, err := store.StoreDocument(ctx, content, metadata)
		if err != nil {
			return "", fmt.Errorf("failed to store memory: %w", err)
		}
		return fmt.Sprintf("Stored answer as document %s.", id), nil
	}
}
