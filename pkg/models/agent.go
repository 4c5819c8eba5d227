package models

// ToolCallStatus is the recorded outcome of one mediated tool invocation.
type ToolCallStatus string

const (
	ToolCallSuccess ToolCallStatus = "success"
	ToolCallFailed  ToolCallStatus = "failed"
	ToolCallTimeout ToolCallStatus = "timeout"
)

// ToolCallRecord is one entry in the per-run tool log. Records appear in
// strict invocation order; the log is the authoritative account of what the
// agent actually did, regardless of what the LLM self-reports.
type ToolCallRecord struct {
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Result     string         `json:"result"`
	DurationMs int64          `json:"duration_ms"`
	Status     ToolCallStatus `json:"status"`
}

// AgentResponse is the structured result of one agent turn.
// A degraded turn (deadline, budget, malformed LLM output) still produces an
// AgentResponse — Confidence is 0 and Reasoning explains the failure.
type AgentResponse struct {
	Answer     string           `json:"answer"`
	Reasoning  string           `json:"reasoning"`
	ToolCalls  []ToolCallRecord `json:"tool_calls"`
	Confidence float64          `json:"confidence"`

	// PlannedActions proposed by the LLM alongside the answer. Advisory
	// until the approval gate processes them.
	PlannedActions []PlannedAction `json:"planned_actions,omitempty"`
}

// ToolGapReport declares that the registered tool set is insufficient for
// the task. Returned instead of a fabricated answer.
type ToolGapReport struct {
	MissingTools         []string `json:"missing_tools"`
	AttemptedTask        string   `json:"attempted_task"`
	ExistingToolsChecked []string `json:"existing_tools_checked"`
}
