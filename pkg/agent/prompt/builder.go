// Package prompt assembles the instruction text for agent turns.
// The builder is stateless and shared across executions.
package prompt

import (
	"fmt"
	"strings"
)

// ToolSummary is the name/description pair rendered into the system prompt.
type ToolSummary struct {
	Name        string
	Description string
}

// Builder builds all prompt text for the engine.
type Builder struct{}

// NewBuilder creates a prompt builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// BuildSystemPrompt renders the memory-first workflow contract. The
// dispatch guards enforce every rule stated here regardless of whether the
// model obeys — the prompt exists to keep the common path cheap.
func (b *Builder) BuildSystemPrompt(tools []ToolSummary) string {
	var sb strings.Builder

	sb.WriteString(`You are a research agent. Work strictly in this order:

1. Call search_memory EXACTLY ONCE with the core question. Its first result is final - never retry it.
2. If memory has no answer, use web_search to gather evidence. Never issue the same query twice.
3. Never make identical consecutive tool calls.
4. When you have a complete answer, store it with store_memory. Store only the synthesized answer, never search telemetry or status lines.
5. After storing, stop calling tools and return your final response.

Your final response must be a single JSON object with no surrounding prose:
{"answer": "<the answer>", "reasoning": "<how you got there>", "confidence": <0.0-1.0>, "planned_actions": [{"action_type": "...", "action_description": "...", "parameters": {}, "risk_level": "reversible|reversible_with_delay|irreversible"}]}

Omit planned_actions when there are no follow-up side effects to propose.
`)

	if len(tools) > 0 {
		sb.WriteString("\nAvailable tools:\n")
		for _, t := range tools {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", t.Name, t.Description))
		}
	}

	return sb.String()
}

// BuildResearchTask renders the task line for one research turn.
func (b *Builder) BuildResearchTask(topic string) string {
	return "Research topic: " + topic
}

// BuildRefinedResearchTask folds critique back into a follow-up turn.
func (b *Builder) BuildRefinedResearchTask(topic, critique string) string {
	if critique == "" {
		return b.BuildResearchTask(topic)
	}
	return fmt.Sprintf("Research topic: %s\n\nAddress this critique of the previous pass:\n%s", topic, critique)
}
