package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delvd/delv/pkg/models"
)

func TestSearchMemoryGuard_SingleAttempt(t *testing.T) {
	rc := New(testConfig(), nil, time.Time{})
	calls := 0
	exec := func(context.Context, map[string]any) (string, error) {
		calls++
		return "No stored answer matches this query.", nil
	}

	first, err := rc.Invoke(context.Background(), "search_memory",
		map[string]any{"query": "capital of France"}, exec, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.NotContains(t, first, "single_attempt_rule")

	// Retrying memory is blocked with the sentinel; the executor never runs.
	second, err := rc.Invoke(context.Background(), "search_memory",
		map[string]any{"query": "capital of France, France capital"}, exec, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, second, "single_attempt_rule")

	// The blocked call is still logged.
	log := rc.Log()
	require.Len(t, log, 2)
	assert.Equal(t, models.ToolCallSuccess, log[1].Status)
}

func TestSearchMemoryGuard_AppliesToServerPrefixedName(t *testing.T) {
	rc := New(testConfig(), nil, time.Time{})

	_, err := rc.Invoke(context.Background(), "memory-server.search_memory",
		map[string]any{"query": "q"}, okExec("hit"), Options{})
	require.NoError(t, err)

	result, err := rc.Invoke(context.Background(), "search_memory",
		map[string]any{"query": "q"}, okExec("hit"), Options{})
	require.NoError(t, err)
	assert.Contains(t, result, "single_attempt_rule")
}

func TestWebSearchGuard_DuplicateQuerySkipped(t *testing.T) {
	rc := New(testConfig(), nil, time.Time{})
	calls := 0
	exec := func(context.Context, map[string]any) (string, error) {
		calls++
		return "[]", nil
	}

	_, err := rc.Invoke(context.Background(), "web_search",
		map[string]any{"query": "Zinc  Battery   Trends"}, exec, Options{})
	require.NoError(t, err)

	// Same query modulo case and whitespace: skipped without executing.
	result, err := rc.Invoke(context.Background(), "web_search",
		map[string]any{"query": "zinc battery trends"}, exec, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, result, "SKIPPED: Duplicate web search")
}

func TestWebSearchGuard_AnswerCommittedSkipsSearches(t *testing.T) {
	rc := New(testConfig(), nil, time.Time{})

	_, err := rc.Invoke(context.Background(), "store_memory",
		map[string]any{"content": "Paris is the capital of France."},
		okExec("stored"), Options{})
	require.NoError(t, err)

	result, err := rc.Invoke(context.Background(), "web_search",
		map[string]any{"query": "capital of France"}, okExec("[]"), Options{})
	require.NoError(t, err)
	assert.Contains(t, result, "SKIPPED: Answer already stored")

	// The plain "search" alias is guarded too.
	result, err = rc.Invoke(context.Background(), "search",
		map[string]any{"query": "anything"}, okExec("[]"), Options{})
	require.NoError(t, err)
	assert.Contains(t, result, "SKIPPED: Answer already stored")
}

func TestStoreMemoryGuard_RejectsTelemetry(t *testing.T) {
	cases := []struct {
		name   string
		params map[string]any
	}{
		{
			name:   "marker in content",
			params: map[string]any{"content": "No results found for zinc batteries"},
		},
		{
			name:   "status prefix",
			params: map[string]any{"content": "status: searching the web"},
		},
		{
			name: "status metadata key",
			params: map[string]any{
				"content":  "legitimate looking text",
				"metadata": map[string]any{"status": "in_progress"},
			},
		},
		{
			name: "query metadata key",
			params: map[string]any{
				"content":  "legitimate looking text",
				"metadata": map[string]any{"query": "zinc"},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rc := New(testConfig(), nil, time.Time{})
			calls := 0
			exec := func(context.Context, map[string]any) (string, error) {
				calls++
				return "stored", nil
			}

			result, err := rc.Invoke(context.Background(), "store_memory", tc.params, exec, Options{})
			require.NoError(t, err)
			assert.Contains(t, result, "REJECTED")
			assert.Equal(t, 0, calls, "rejected store must not execute")
		})
	}
}

func TestStoreMemoryGuard_RejectionDoesNotCommitAnswer(t *testing.T) {
	rc := New(testConfig(), nil, time.Time{})

	_, err := rc.Invoke(context.Background(), "store_memory",
		map[string]any{"content": "no results found"}, okExec("stored"), Options{})
	require.NoError(t, err)

	// Searches still run: nothing was actually stored.
	result, err := rc.Invoke(context.Background(), "web_search",
		map[string]any{"query": "zinc"}, okExec("[]"), Options{})
	require.NoError(t, err)
	assert.Equal(t, "[]", result)
}

func TestStoreMemoryGuard_DuplicateContent(t *testing.T) {
	rc := New(testConfig(), nil, time.Time{})
	calls := 0
	exec := func(context.Context, map[string]any) (string, error) {
		calls++
		return "stored", nil
	}
	content := "Zinc-ion batteries reached 500 Wh/L in 2025."

	_, err := rc.Invoke(context.Background(), "store_memory",
		map[string]any{"content": content}, exec, Options{})
	require.NoError(t, err)

	result, err := rc.Invoke(context.Background(), "store_memory",
		map[string]any{"content": content}, exec, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, result, "SKIPPED: Duplicate content")
}

func TestStoreMemoryGuard_FailedStoreDoesNotCommit(t *testing.T) {
	rc := New(testConfig(), nil, time.Time{})
	attempt := 0
	exec := func(context.Context, map[string]any) (string, error) {
		attempt++
		if attempt == 1 {
			return "", context.DeadlineExceeded
		}
		return "stored", nil
	}
	params := map[string]any{"content": "the answer"}

	first, err := rc.Invoke(context.Background(), "store_memory", params, exec, Options{})
	require.NoError(t, err)
	assert.Contains(t, first, "timed out")

	// The failed store neither committed the answer nor deduplicated the
	// content; the retry goes through.
	second, err := rc.Invoke(context.Background(), "store_memory", params, exec, Options{})
	require.NoError(t, err)
	assert.Equal(t, "stored", second)
}

func TestNormalizeQuery(t *testing.T) {
	assert.Equal(t, "zinc battery trends", normalizeQuery("  Zinc   BATTERY trends "))
	assert.Equal(t, "", normalizeQuery("   "))
}

func TestBaseToolName(t *testing.T) {
	assert.Equal(t, "web_search", baseToolName("search-server.web_search"))
	assert.Equal(t, "web_search", baseToolName("web_search"))
}
