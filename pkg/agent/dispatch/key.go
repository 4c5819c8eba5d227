package dispatch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// cachedMarker is injected into the recorded parameters of a cache hit.
// It is excluded from canonicalization so cached replays still count as
// identical calls for the loop guard.
const cachedMarker = "_cached"

// CanonicalKey builds the deterministic cache/dedup key for a tool call:
// "tool_name:canonical_json(parameters)". Map keys are emitted in sorted
// order; values that cannot be serialized fall back to a stable sorted
// textual representation.
func CanonicalKey(toolName string, parameters map[string]any) string {
	return toolName + ":" + canonicalParams(parameters)
}

func canonicalParams(parameters map[string]any) string {
	filtered := make(map[string]any, len(parameters))
	for k, v := range parameters {
		if k == cachedMarker {
			continue
		}
		filtered[k] = v
	}

	// encoding/json emits map keys in sorted order, which makes the output
	// deterministic for arbitrarily nested maps.
	if data, err := json.Marshal(filtered); err == nil {
		return string(data)
	}

	// Fallback for non-serializable values: sorted key=value pairs.
	keys := make([]string, 0, len(filtered))
	for k := range filtered {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, filtered[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// stringifyParams renders parameters for span attributes and diagnostics.
func stringifyParams(parameters map[string]any) string {
	if len(parameters) == 0 {
		return "{}"
	}
	if data, err := json.Marshal(parameters); err == nil {
		return string(data)
	}
	return fmt.Sprintf("%v", parameters)
}
