package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/delvd/delv/pkg/agent/dispatch"
	"github.com/delvd/delv/pkg/agent/prompt"
	"github.com/delvd/delv/pkg/config"
	"github.com/delvd/delv/pkg/models"
	"github.com/delvd/delv/pkg/telemetry"
)

// Engine drives one research turn. It is stateless across turns: all
// per-turn state lives in a dispatch.RunContext constructed per Run call.
type Engine struct {
	llm      LLMClient
	toolset  Toolset
	detector GapDetector // nil disables the pre-flight check
	prompts  *prompt.Builder
	tracer   *telemetry.Tracer
	cfg      config.AgentConfig
}

// NewEngine assembles an engine. detector may be nil.
func NewEngine(llm LLMClient, toolset Toolset, detector GapDetector, tracer *telemetry.Tracer, cfg config.AgentConfig) *Engine {
	return &Engine{
		llm:      llm,
		toolset:  toolset,
		detector: detector,
		prompts:  prompt.NewBuilder(),
		tracer:   tracer,
		cfg:      cfg,
	}
}

// Run executes one agent turn for the given task. It never returns an
// error: every failure mode becomes either a degraded AgentResponse
// (confidence 0, reasoning explains the failure) or a ToolGapReport.
func (e *Engine) Run(ctx context.Context, task string) Outcome {
	budget := e.cfg.MaxRuntime
	ctx, span := e.tracer.StartAgentRun(ctx, task, budget.Seconds())
	defer span.End()

	tools, err := e.toolset.List(ctx)
	if err != nil {
		slog.Warn("Failed to list tools, proceeding with none", "error", err)
	}

	// Pre-flight capability check. Failures are logged but never block —
	// gap detection must not get in the way of legitimate queries.
	if e.detector != nil {
		report, gapErr := e.detector.Check(ctx, task, toolInfos(tools))
		if gapErr != nil {
			slog.Warn("Tool gap check failed, proceeding with execution", "error", gapErr)
		} else if report != nil {
			span.SetAttributes(attribute.String(telemetry.AttrResultType, "ToolGapReport"))
			return Outcome{Gap: report}
		}
	}

	var deadline time.Time
	if budget > 0 {
		deadline = time.Now().Add(budget)
	}
	rc := dispatch.New(e.cfg, e.tracer, deadline)

	resp, timedOut := e.turnLoop(ctx, rc, task, tools)

	// The dispatch log is authoritative; the LLM's self-reported call list
	// is advisory only.
	resp.ToolCalls = rc.Log()

	span.SetAttributes(
		attribute.String(telemetry.AttrResultType, "AgentResponse"),
		attribute.Float64(telemetry.AttrConfidence, resp.Confidence),
		attribute.Int(telemetry.AttrToolCallsCount, len(resp.ToolCalls)),
	)
	return Outcome{Response: resp, TimedOut: timedOut}
}

// turnLoop runs the LLM-driven loop until the model returns a structured
// answer or a run-killing condition ends the turn. The returned bool marks
// deadline-caused degradation.
func (e *Engine) turnLoop(ctx context.Context, rc *dispatch.RunContext, task string, tools []Tool) (*models.AgentResponse, bool) {
	execIndex := make(map[string]Tool, len(tools))
	defs := make([]ToolDefinition, 0, len(tools))
	summaries := make([]prompt.ToolSummary, 0, len(tools))
	for _, t := range tools {
		execIndex[t.Name] = t
		defs = append(defs, ToolDefinition{Name: t.Name, Description: t.Description, ParametersSchema: t.ParametersSchema})
		summaries = append(summaries, prompt.ToolSummary{Name: t.Name, Description: t.Description})
	}

	messages := []Message{
		{Role: RoleSystem, Content: e.prompts.BuildSystemPrompt(summaries)},
		{Role: RoleUser, Content: task},
	}

	for {
		// The provider wrapper contract: re-check the deadline before and
		// after each LLM call, which may itself suspend for many seconds.
		if rc.DeadlineExceeded() {
			return degraded("the runtime budget expired before the next model call"), true
		}

		result, err := e.llm.Chat(ctx, &ChatRequest{Messages: messages, Tools: defs})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || rc.DeadlineExceeded() {
				return degraded(fmt.Sprintf("the model call was cut off by the runtime budget: %s", err)), true
			}
			return degraded(fmt.Sprintf("the model call failed: %s", err)), false
		}
		if rc.DeadlineExceeded() {
			return degraded("the runtime budget expired during the model call"), true
		}

		if len(result.ToolCalls) == 0 {
			resp, normErr := normalizeAnswer(result.Text)
			if normErr != nil {
				return degraded(fmt.Sprintf("the model returned an unusable final response: %s", normErr)), false
			}
			return resp, false
		}

		messages = append(messages, Message{
			Role:      RoleAssistant,
			Content:   result.Text,
			ToolCalls: result.ToolCalls,
		})

		for _, tc := range result.ToolCalls {
			content, timedOut, fatal := e.dispatchOne(ctx, rc, execIndex, tc)
			if fatal != nil {
				return degraded(fatal.Error()), timedOut
			}
			messages = append(messages, Message{
				Role:       RoleTool,
				Content:    content,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
			})
		}
	}
}

// dispatchOne mediates a single requested tool call. fatal is non-nil when
// the whole turn must end (budget, loop, deadline).
func (e *Engine) dispatchOne(ctx context.Context, rc *dispatch.RunContext, execIndex map[string]Tool, tc ToolCall) (content string, timedOut bool, fatal error) {
	tool, known := execIndex[tc.Name]
	if !known {
		return fmt.Sprintf("Unknown tool %q - it is not registered for this run.", tc.Name), false, nil
	}

	params := parseArguments(tc.Arguments)
	result, err := rc.Invoke(ctx, tc.Name, params, tool.Exec, dispatch.Options{Cacheable: tool.Cacheable})
	if err == nil {
		return result, false, nil
	}

	switch {
	case errors.Is(err, dispatch.ErrRuntimeBudgetExceeded):
		return "", true, fmt.Errorf("the runtime budget expired while dispatching tools: %w", err)
	case errors.Is(err, dispatch.ErrBudgetExceeded):
		return "", false, fmt.Errorf("the turn hit its tool call budget: %w", err)
	case errors.Is(err, dispatch.ErrLoopDetected):
		return "", false, fmt.Errorf("the turn was stopped by the repeat-call guard: %w", err)
	default:
		return "", false, fmt.Errorf("tool dispatch failed: %w", err)
	}
}

// degraded synthesizes the zero-confidence response every failure mode
// collapses into. The caller fills ToolCalls from the dispatch log.
func degraded(reason string) *models.AgentResponse {
	return &models.AgentResponse{
		Answer:     "Research could not be completed.",
		Reasoning:  "Degraded result: " + reason,
		Confidence: 0.0,
	}
}

func toolInfos(tools []Tool) []ToolInfo {
	infos := make([]ToolInfo, 0, len(tools))
	for _, t := range tools {
		infos = append(infos, ToolInfo{Name: t.Name, Description: t.Description})
	}
	return infos
}
