package dispatch

import "errors"

// Sentinel errors for run-killing dispatch failures. Tool-level failures
// (timeout, execution error) are NOT errors from Invoke — they are recorded
// in the log and returned as content for the LLM to react to, matching the
// MCP convention of reporting tool errors in-band.
var (
	// ErrBudgetExceeded means the per-turn tool call cap was hit.
	ErrBudgetExceeded = errors.New("tool call budget exceeded")

	// ErrLoopDetected means the loop guard saw too many consecutive
	// identical calls.
	ErrLoopDetected = errors.New("tool call loop detected")

	// ErrRuntimeBudgetExceeded means the turn's wall-clock deadline passed.
	ErrRuntimeBudgetExceeded = errors.New("runtime budget exceeded")
)
