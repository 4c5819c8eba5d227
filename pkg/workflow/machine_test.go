package workflow

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delvd/delv/pkg/agent"
	"github.com/delvd/delv/pkg/config"
	"github.com/delvd/delv/pkg/models"
)

// stubRunner returns canned outcomes and counts invocations.
type stubRunner struct {
	outcomes []agent.Outcome
	calls    int
	tasks    []string
}

func (s *stubRunner) Run(_ context.Context, task string) agent.Outcome {
	s.tasks = append(s.tasks, task)
	idx := s.calls
	s.calls++
	if idx >= len(s.outcomes) {
		idx = len(s.outcomes) - 1
	}
	return s.outcomes[idx]
}

// stubMemory records stored documents.
type stubMemory struct {
	docs   []string
	nextID string
	err    error
}

func (s *stubMemory) StoreDocument(_ context.Context, content string, _ map[string]any) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.docs = append(s.docs, content)
	return s.nextID, nil
}

func sourcesJSON(t *testing.T, n int) string {
	t.Helper()
	items := make([]map[string]string, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, map[string]string{
			"title":   "Source",
			"url":     "https://example.com/" + string(rune('a'+i)),
			"snippet": "evidence",
		})
	}
	data, err := json.Marshal(items)
	require.NoError(t, err)
	return string(data)
}

func responseWithSources(t *testing.T, n int, confidence float64) *models.AgentResponse {
	t.Helper()
	return &models.AgentResponse{
		Answer:     "Zinc-ion cells reached new density records.",
		Reasoning:  "synthesized from search results",
		Confidence: confidence,
		ToolCalls: []models.ToolCallRecord{{
			ToolName:   "web_search",
			Parameters: map[string]any{"query": "zinc"},
			Result:     sourcesJSON(t, n),
			Status:     models.ToolCallSuccess,
		}},
	}
}

func TestPlan(t *testing.T) {
	t.Run("sets plan and moves to researching", func(t *testing.T) {
		state := NewState("zinc batteries", "u1", config.WorkflowConfig{MaxIterations: 3, QualityThreshold: 0.8})
		out := Plan(state)
		assert.NotEmpty(t, out.Plan)
		assert.Equal(t, models.PhaseResearching, out.Phase)
	})

	t.Run("idempotent on existing plan", func(t *testing.T) {
		state := NewState("zinc", "u1", config.WorkflowConfig{MaxIterations: 3, QualityThreshold: 0.8})
		state.Plan = "my handcrafted plan"
		out := Plan(Plan(state))
		assert.Equal(t, "my handcrafted plan", out.Plan)
	})
}

func TestCritiqueEdge(t *testing.T) {
	base := models.ResearchState{
		MaxIterations:    5,
		QualityThreshold: 0.8,
		IterationCount:   1,
	}

	t.Run("three sources at exactly the threshold finishes", func(t *testing.T) {
		state := base.Clone()
		state.Sources = make([]models.SourceReference, 3)
		state.QualityScore = 0.8
		out := Critique(state)
		assert.Equal(t, models.PhaseFinished, out.Phase)
		assert.Equal(t, nextFinish, Edge(out))
	})

	t.Run("two sources with perfect quality still refines", func(t *testing.T) {
		state := base.Clone()
		state.Sources = make([]models.SourceReference, 2)
		state.QualityScore = 1.0
		out := Critique(state)
		assert.Equal(t, models.PhaseRefining, out.Phase)
		assert.Equal(t, nextRefine, Edge(out))
		assert.NotEmpty(t, out.Critique)
	})

	t.Run("enough sources below quality refines", func(t *testing.T) {
		state := base.Clone()
		state.Sources = make([]models.SourceReference, 4)
		state.QualityScore = 0.5
		out := Critique(state)
		assert.Equal(t, models.PhaseRefining, out.Phase)
	})

	t.Run("iteration cap forces finish", func(t *testing.T) {
		state := base.Clone()
		state.IterationCount = 5
		state.Sources = nil
		state.QualityScore = 0
		out := Critique(state)
		assert.Equal(t, models.PhaseFinished, out.Phase)
		assert.Equal(t, nextFinish, Edge(out))
	})
}

func TestRefine(t *testing.T) {
	state := models.ResearchState{Plan: "base plan", Critique: "need more sources"}
	out := Refine(state)
	assert.Contains(t, out.Plan, "base plan")
	assert.Contains(t, out.Plan, "need more sources")
	assert.Equal(t, models.PhaseResearching, out.Phase)
}

func TestExecute_HappyPath(t *testing.T) {
	runner := &stubRunner{outcomes: []agent.Outcome{
		{Response: responseWithSources(t, 3, 0.9)},
	}}
	mem := &stubMemory{nextID: "doc-42"}
	m := New(runner, mem)

	state := NewState("daily trends", "U", config.WorkflowConfig{MaxIterations: 3, QualityThreshold: 0.8})
	final := m.Execute(context.Background(), state)

	assert.Equal(t, 1, runner.calls, "one research pass suffices")
	assert.Equal(t, 1, final.IterationCount)
	assert.Len(t, final.Sources, 3)
	assert.Equal(t, models.PhaseFinished, final.Phase)
	assert.Equal(t, "doc-42", final.MemoryDocumentID)
	assert.NotEmpty(t, final.ReportMarkdown)
	assert.GreaterOrEqual(t, final.QualityScore, 0.9)
}

func TestExecute_IterationCap(t *testing.T) {
	// Zero sources and mediocre confidence: the run can never satisfy the
	// critique, so the clamped iteration cap must stop it.
	runner := &stubRunner{outcomes: []agent.Outcome{
		{Response: &models.AgentResponse{Answer: "nothing", Reasoning: "none", Confidence: 0.5}},
	}}
	m := New(runner, nil)

	state := NewState("impossible", "U", config.WorkflowConfig{MaxIterations: 10, QualityThreshold: 0.8})
	require.Equal(t, 5, state.MaxIterations, "max_iterations must clamp to 5")

	final := m.Execute(context.Background(), state)

	assert.Equal(t, 5, runner.calls, "research runs exactly max_iterations times")
	assert.Equal(t, 5, final.IterationCount)
	assert.Equal(t, models.PhaseFinished, final.Phase)
	assert.LessOrEqual(t, final.IterationCount, final.MaxIterations)
}

func TestExecute_RefinedTaskCarriesCritique(t *testing.T) {
	runner := &stubRunner{outcomes: []agent.Outcome{
		{Response: responseWithSources(t, 1, 0.4)},
		{Response: responseWithSources(t, 3, 0.9)},
	}}
	m := New(runner, nil)

	state := NewState("zinc", "U", config.WorkflowConfig{MaxIterations: 3, QualityThreshold: 0.8})
	final := m.Execute(context.Background(), state)

	require.Equal(t, 2, runner.calls)
	assert.Contains(t, runner.tasks[0], "Research topic: zinc")
	assert.Contains(t, runner.tasks[1], "critique", "second pass folds the critique in")
	assert.Equal(t, models.PhaseFinished, final.Phase)
}

func TestExecute_TimeoutJumpsToFinish(t *testing.T) {
	runner := &stubRunner{outcomes: []agent.Outcome{
		{Response: &models.AgentResponse{Answer: "Research could not be completed.", Reasoning: "Degraded result: budget", Confidence: 0}, TimedOut: true},
	}}
	m := New(runner, nil)

	state := NewState("slow topic", "U", config.WorkflowConfig{MaxIterations: 3, QualityThreshold: 0.8})
	final := m.Execute(context.Background(), state)

	assert.Equal(t, 1, runner.calls)
	assert.True(t, final.TimedOut)
	assert.Equal(t, "Timed out before completing research.", final.RefinedAnswer)
	assert.Equal(t, models.PhaseFinished, final.Phase)
	assert.Contains(t, final.ReportMarkdown, "Timed out")
}

func TestExecute_GapReportShortCircuits(t *testing.T) {
	gap := &models.ToolGapReport{
		MissingTools:         []string{"financial_data_api"},
		AttemptedTask:        "Research topic: portfolio",
		ExistingToolsChecked: []string{"web_search", "search_memory"},
	}
	runner := &stubRunner{outcomes: []agent.Outcome{{Gap: gap}}}
	mem := &stubMemory{nextID: "doc-1"}
	m := New(runner, mem)

	state := NewState("portfolio", "U", config.WorkflowConfig{MaxIterations: 3, QualityThreshold: 0.8})
	final := m.Execute(context.Background(), state)

	assert.Equal(t, 1, runner.calls)
	require.NotNil(t, final.GapReport)
	assert.Equal(t, gap.MissingTools, final.GapReport.MissingTools)
	assert.Empty(t, mem.docs, "gap reports are not persisted to memory")
	assert.Contains(t, final.ReportMarkdown, "financial_data_api")
}

func TestFinish_StorageFailureIsNonFatal(t *testing.T) {
	m := New(nil, &stubMemory{err: assert.AnError})
	state := models.ResearchState{
		Topic:         "zinc",
		RefinedAnswer: "answer",
		MaxIterations: 3,
	}

	final := m.Finish(context.Background(), state)
	assert.Equal(t, models.PhaseFinished, final.Phase)
	assert.Empty(t, final.MemoryDocumentID)
	assert.NotEmpty(t, final.ReportMarkdown)
}

func TestExtractSources(t *testing.T) {
	now := time.Now()

	t.Run("valid items in order", func(t *testing.T) {
		calls := []models.ToolCallRecord{{
			ToolName: "web_search",
			Result:   `[{"title":"A","url":"https://a","snippet":"sa"},{"title":"B","url":"https://b","snippet":"sb"}]`,
			Status:   models.ToolCallSuccess,
		}}
		sources := extractSources(calls, now)
		require.Len(t, sources, 2)
		assert.Equal(t, "A", sources[0].Title)
		assert.Equal(t, "https://b", sources[1].URL)
	})

	t.Run("malformed items dropped silently", func(t *testing.T) {
		calls := []models.ToolCallRecord{{
			ToolName: "web_search",
			Result:   `[{"title":"ok","url":"https://a","snippet":"s"},{"title":"no url"},{"url":123},"not an object"]`,
			Status:   models.ToolCallSuccess,
		}}
		// The non-object entry makes the array fail to parse as maps; the
		// whole result is skipped rather than guessed at.
		sources := extractSources(calls, now)
		assert.Empty(t, sources)
	})

	t.Run("non-array results ignored", func(t *testing.T) {
		calls := []models.ToolCallRecord{
			{ToolName: "read_file", Result: "plain text", Status: models.ToolCallSuccess},
			{ToolName: "web_search", Result: `{"title":"x"}`, Status: models.ToolCallSuccess},
		}
		assert.Empty(t, extractSources(calls, now))
	})

	t.Run("failed calls ignored", func(t *testing.T) {
		calls := []models.ToolCallRecord{{
			ToolName: "web_search",
			Result:   `[{"title":"A","url":"https://a","snippet":"s"}]`,
			Status:   models.ToolCallFailed,
		}}
		assert.Empty(t, extractSources(calls, now))
	})

	t.Run("oversized snippets truncated", func(t *testing.T) {
		long := make([]byte, 2000)
		for i := range long {
			long[i] = 'x'
		}
		result, err := json.Marshal([]map[string]string{{
			"title": "t", "url": "https://a", "snippet": string(long),
		}})
		require.NoError(t, err)
		sources := extractSources([]models.ToolCallRecord{{
			ToolName: "web_search", Result: string(result), Status: models.ToolCallSuccess,
		}}, now)
		require.Len(t, sources, 1)
		assert.Len(t, sources[0].Snippet, models.MaxSnippetLength)
	})

	t.Run("truncation never splits a rune", func(t *testing.T) {
		// 3-byte runes that do not pack evenly into the byte limit.
		long := strings.Repeat("€", 400)
		result, err := json.Marshal([]map[string]string{{
			"title": "t", "url": "https://a", "snippet": long,
		}})
		require.NoError(t, err)
		sources := extractSources([]models.ToolCallRecord{{
			ToolName: "web_search", Result: string(result), Status: models.ToolCallSuccess,
		}}, now)
		require.Len(t, sources, 1)
		assert.True(t, utf8.ValidString(sources[0].Snippet))
		assert.LessOrEqual(t, len(sources[0].Snippet), models.MaxSnippetLength)
		assert.Greater(t, len(sources[0].Snippet), models.MaxSnippetLength-utf8.UTFMax)
	})
}

func TestQualityScoreFormula(t *testing.T) {
	runner := &stubRunner{outcomes: []agent.Outcome{
		{Response: responseWithSources(t, 2, 0.1)},
	}}
	m := New(runner, nil)

	state := NewState("t", "u", config.WorkflowConfig{MaxIterations: 3, QualityThreshold: 0.8})
	state = Plan(state)
	out := m.Research(context.Background(), state)

	// max(0, min(1, 0.3*2), 0.1) = 0.6
	assert.InDelta(t, 0.6, out.QualityScore, 1e-9)
	assert.Equal(t, 1, out.IterationCount)
	assert.Equal(t, models.PhaseCritiquing, out.Phase)
}
