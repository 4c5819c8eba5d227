package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Guard sentinels. Side-effect guards never raise — they short-circuit the
// invocation with a sentinel the LLM can read and recover from.
const (
	// memorySearchSentinel is returned for any search_memory call after the
	// first one within a turn.
	memorySearchSentinel = `{"content": "ERROR: search_memory can only be called ONCE per query. The first search result is final - continue with web_search instead of retrying memory.", "metadata": {"blocked": true, "reason": "single_attempt_rule"}}`

	// answerCommittedSentinel is returned for searches issued after the
	// answer was persisted.
	answerCommittedSentinel = "SKIPPED: Answer already stored - no further web searches are needed for this query."

	// duplicateStoreSentinel is returned when store_memory content was
	// already persisted this turn.
	duplicateStoreSentinel = "SKIPPED: Duplicate content - this exact content was already stored in memory."

	// telemetryRejectSentinel is returned when a store_memory payload looks
	// like search telemetry rather than an answer.
	telemetryRejectSentinel = "REJECTED: Content looks like search telemetry, not a final answer. Store only the synthesized answer."
)

// preExecGuard applies the tool-name-scoped side-effect guards before the
// executor runs. Returns (sentinel, true) when the call must not execute;
// the sentinel is recorded as a non-executing log entry.
//
// Guards mutate per-run bookkeeping on the allowed path:
// search_memory marks the single allowed search as used, and web_search
// registers the normalized query as seen.
func (rc *RunContext) preExecGuard(toolName string, parameters map[string]any) (string, bool) {
	switch baseToolName(toolName) {
	case "search_memory":
		if rc.memorySearched {
			return memorySearchSentinel, true
		}
		rc.memorySearched = true

	case "web_search", "search":
		if rc.answerCommitted {
			return answerCommittedSentinel, true
		}
		query := normalizeQuery(stringParam(parameters, "query"))
		if _, seen := rc.seenQueries[query]; seen {
			return "SKIPPED: Duplicate web search for query: " + query, true
		}
		rc.seenQueries[query] = struct{}{}

	case "store_memory":
		content := stringParam(parameters, "content")
		if rc.looksLikeTelemetry(content, parameters) {
			return telemetryRejectSentinel, true
		}
		if _, dup := rc.storedHashes[contentHash(content)]; dup {
			return duplicateStoreSentinel, true
		}
	}
	return "", false
}

// postExecGuard records guard state changes that only apply once the tool
// actually succeeded. A successful store_memory commits the answer: the
// content hash is remembered and further searches are skipped.
func (rc *RunContext) postExecGuard(toolName string, parameters map[string]any) {
	if baseToolName(toolName) != "store_memory" {
		return
	}
	rc.storedHashes[contentHash(stringParam(parameters, "content"))] = struct{}{}
	rc.answerCommitted = true
}

// looksLikeTelemetry applies the configurable marker list to the content
// (case-insensitive substring) and checks the metadata map for keys that
// indicate a search-status payload.
func (rc *RunContext) looksLikeTelemetry(content string, parameters map[string]any) bool {
	lower := strings.ToLower(content)
	for _, marker := range rc.telemetryMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	if meta, ok := parameters["metadata"].(map[string]any); ok {
		for key := range meta {
			switch strings.ToLower(key) {
			case "status", "query":
				return true
			}
		}
	}
	return false
}

// baseToolName strips the MCP "server." prefix so guards apply to built-in
// and server-provided variants of the same tool alike.
func baseToolName(name string) string {
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

// normalizeQuery canonicalizes a search query for deduplication:
// lowercase, trimmed, inner whitespace collapsed.
func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

func stringParam(parameters map[string]any, key string) string {
	if v, ok := parameters[key].(string); ok {
		return v
	}
	return ""
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
