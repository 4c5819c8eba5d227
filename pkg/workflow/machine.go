package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/delvd/delv/pkg/agent"
	"github.com/delvd/delv/pkg/agent/prompt"
	"github.com/delvd/delv/pkg/models"
	"github.com/delvd/delv/pkg/report"
)

// AgentRunner is the research capability the machine drives. pkg/agent's
// Engine satisfies it; tests use stubs.
type AgentRunner interface {
	Run(ctx context.Context, task string) agent.Outcome
}

// MemoryStore is the subset of the memory layer Finish needs.
type MemoryStore interface {
	StoreDocument(ctx context.Context, content string, metadata map[string]any) (string, error)
}

// next is the conditional-edge verdict out of Critique.
type next int

const (
	nextRefine next = iota
	nextFinish
)

// Machine executes the research graph for one run.
type Machine struct {
	runner  AgentRunner
	memory  MemoryStore // nil disables report persistence
	prompts *prompt.Builder
}

// New assembles a machine. memory may be nil.
func New(runner AgentRunner, memory MemoryStore) *Machine {
	return &Machine{
		runner:  runner,
		memory:  memory,
		prompts: prompt.NewBuilder(),
	}
}

// Execute runs the full graph to termination and returns the final state.
// Termination is structural: every loop iteration increments
// iteration_count, which Critique bounds by max_iterations.
func (m *Machine) Execute(ctx context.Context, state models.ResearchState) models.ResearchState {
	state = Plan(state)
	for {
		state = m.Research(ctx, state)
		if state.TimedOut || state.GapReport != nil {
			return m.Finish(ctx, state)
		}
		state = Critique(state)
		if Edge(state) == nextFinish {
			return m.Finish(ctx, state)
		}
		state = Refine(state)
	}
}

// Plan sets the research plan if absent and moves to Researching. It is
// idempotent on plan so re-entry after a crash never rewrites it.
func Plan(state models.ResearchState) models.ResearchState {
	out := state.Clone()
	if out.Plan == "" {
		out.Plan = fmt.Sprintf(
			"1. Check long-term memory for a prior answer on %q.\n"+
				"2. Gather at least three cited web sources.\n"+
				"3. Synthesize a sourced answer and store it.",
			state.Topic)
	}
	out.Phase = models.PhaseResearching
	return out
}

// Research invokes one agent turn and folds its outcome into the state.
func (m *Machine) Research(ctx context.Context, state models.ResearchState) models.ResearchState {
	out := state.Clone()

	task := m.prompts.BuildResearchTask(out.Topic)
	if out.Critique != "" {
		task = m.prompts.BuildRefinedResearchTask(out.Topic, out.Critique)
	}

	outcome := m.runner.Run(ctx, task)

	if outcome.Gap != nil {
		out.GapReport = outcome.Gap
		return out
	}
	if outcome.TimedOut {
		out.TimedOut = true
		out.RefinedAnswer = "Timed out before completing research."
		return out
	}

	resp := outcome.Response
	out.Sources = append(out.Sources, extractSources(resp.ToolCalls, time.Now())...)

	out.QualityScore = max(
		out.QualityScore,
		min(1.0, 0.3*float64(len(out.Sources))),
		resp.Confidence,
	)

	if resp.Answer != "" {
		out.RefinedAnswer = resp.Answer
	}
	out.PlannedActions = append(out.PlannedActions, resp.PlannedActions...)

	out.IterationCount++
	out.Phase = models.PhaseCritiquing
	return out
}

// Critique judges the gathered evidence and decides whether another pass
// is worth it. When refining, it records what the next pass must fix.
func Critique(state models.ResearchState) models.ResearchState {
	out := state.Clone()

	hasEnoughSources := len(out.Sources) >= 3
	meetsQuality := out.QualityScore >= out.QualityThreshold

	if out.IterationCount < out.MaxIterations && (!hasEnoughSources || !meetsQuality) {
		switch {
		case !hasEnoughSources && !meetsQuality:
			out.Critique = fmt.Sprintf("Only %d sources gathered (need 3) and quality %.2f is below the %.2f threshold. Find additional independent sources.",
				len(out.Sources), out.QualityScore, out.QualityThreshold)
		case !hasEnoughSources:
			out.Critique = fmt.Sprintf("Only %d sources gathered; at least 3 independent sources are required. Broaden the search.",
				len(out.Sources))
		default:
			out.Critique = fmt.Sprintf("Quality %.2f is below the %.2f threshold. Verify claims against stronger sources.",
				out.QualityScore, out.QualityThreshold)
		}
		out.Phase = models.PhaseRefining
		return out
	}

	out.Phase = models.PhaseFinished
	return out
}

// Edge evaluates the conditional edge out of Critique.
func Edge(state models.ResearchState) next {
	switch {
	case state.Phase == models.PhaseFinished:
		return nextFinish
	case state.IterationCount >= state.MaxIterations:
		return nextFinish
	case len(state.Sources) < 3 || state.QualityScore < state.QualityThreshold:
		return nextRefine
	default:
		return nextFinish
	}
}

// Refine folds the critique back into the plan and loops to Researching.
func Refine(state models.ResearchState) models.ResearchState {
	out := state.Clone()
	if out.Critique != "" {
		out.Plan = out.Plan + "\n\nCritique: " + out.Critique
	}
	out.Phase = models.PhaseResearching
	return out
}

// Finish renders and persists the report. Storage failure is non-fatal:
// the run still completes, with memory_document_id left empty.
func (m *Machine) Finish(ctx context.Context, state models.ResearchState) models.ResearchState {
	out := state.Clone()

	rendered := report.Build(out, time.Now())
	out.ReportMarkdown = rendered.Markdown

	if m.memory != nil && out.GapReport == nil {
		metadata := map[string]any{
			"type":    "research_report",
			"topic":   out.Topic,
			"user_id": out.UserID,
		}
		docID, err := m.memory.StoreDocument(ctx, rendered.Markdown, metadata)
		if err != nil {
			slog.Warn("Report storage failed, completing without memory document",
				"topic", out.Topic, "error", err)
		} else {
			out.MemoryDocumentID = docID
		}
	}

	out.Phase = models.PhaseFinished
	return out
}
