// Package agent implements the per-turn execution engine: it feeds the LLM,
// dispatches the tool calls it requests through the invocation layer, and
// normalizes the result into a structured response.
package agent

import (
	"context"

	"github.com/delvd/delv/pkg/agent/dispatch"
	"github.com/delvd/delv/pkg/models"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in the conversation sent to the LLM.
type Message struct {
	Role    Role
	Content string

	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCall

	// ToolCallID and ToolName are set on tool-result messages.
	ToolCallID string
	ToolName   string
}

// ToolCall is a structured tool request emitted by the LLM.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON arguments as produced by the model
}

// ToolDefinition describes a callable tool to the LLM.
type ToolDefinition struct {
	Name             string
	Description      string
	ParametersSchema string // JSON schema, empty for schemaless tools
}

// ChatRequest is one LLM call. Tools may be nil to force a text answer.
type ChatRequest struct {
	Messages []Message
	Tools    []ToolDefinition
}

// ChatResult is the provider-normalized LLM output.
type ChatResult struct {
	Text      string
	ToolCalls []ToolCall
}

// LLMClient is the capability interface the engine consumes. Adapters live
// in pkg/llm; tests use stubs.
type LLMClient interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error)
}

// Tool is one dispatchable capability: an MCP server tool or a built-in
// memory tool. Exec runs the call; Cacheable opts deterministic reads into
// the per-run result cache.
type Tool struct {
	Name             string
	Description      string
	ParametersSchema string
	Cacheable        bool
	Exec             dispatch.Executor
}

// Toolset enumerates the tools available to a turn.
type Toolset interface {
	List(ctx context.Context) ([]Tool, error)
}

// StaticToolset serves a fixed tool list, for built-ins and tests.
type StaticToolset []Tool

func (s StaticToolset) List(context.Context) ([]Tool, error) {
	return s, nil
}

// MultiToolset concatenates toolsets. A failing member fails the whole
// enumeration; composition happens at startup with known-good members.
type MultiToolset []Toolset

func (m MultiToolset) List(ctx context.Context) ([]Tool, error) {
	var out []Tool
	for _, ts := range m {
		tools, err := ts.List(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, tools...)
	}
	return out, nil
}

// ToolInfo is the name/description pair the gap detector reasons over.
type ToolInfo struct {
	Name        string
	Description string
}

// GapDetector is the pre-flight capability check. A nil report means the
// tool set is sufficient. Errors fail closed: the engine logs them and
// proceeds, since gap detection must not block legitimate queries.
type GapDetector interface {
	Check(ctx context.Context, task string, tools []ToolInfo) (*models.ToolGapReport, error)
}

// Outcome is the result of one agent turn: exactly one of Response or Gap
// is set. TimedOut marks a degraded response caused by the wall-clock
// budget, so the workflow can jump straight to Finish.
type Outcome struct {
	Response *models.AgentResponse
	Gap      *models.ToolGapReport
	TimedOut bool
}
