// Package approval implements the human-in-the-loop gate applied to
// planned actions when a run reaches Finish. Reversible actions execute
// immediately; anything riskier suspends the run until an external
// decision arrives or the approval window times out.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/delvd/delv/pkg/config"
	"github.com/delvd/delv/pkg/models"
	"github.com/delvd/delv/pkg/risk"
)

// ActionExecutor performs one approved (or approval-free) action.
type ActionExecutor func(ctx context.Context, action models.PlannedAction) (string, error)

// Suspender parks the run for an external decision. The returned payload
// is the resume body: {"decision": "approve"|"reject", ...} from a human,
// or {"error": ...} on timeout or transport failure.
type Suspender interface {
	SuspendForApproval(ctx context.Context, runID string, req models.ApprovalRequest) (map[string]any, error)
}

// ActionResult records the outcome of one gated action.
type ActionResult struct {
	Action          models.PlannedAction  `json:"action"`
	Executed        bool                  `json:"executed"`
	ApprovalStatus  models.ApprovalStatus `json:"approval_status"`
	ExecutionResult string                `json:"execution_result,omitempty"`
	Error           string                `json:"error,omitempty"`
}

// Rollup values summarizing a whole gate pass.
const (
	RollupCompleted = "completed"
	RollupRejected  = "rejected"
	RollupEscalated = "escalated"
	RollupPartial   = "partial"
)

// Gate processes planned actions for finishing runs.
type Gate struct {
	executor  ActionExecutor
	suspender Suspender
	timeout   time.Duration
}

// NewGate builds a gate. executor may be nil, in which case approved
// actions are recorded as executed with an empty result.
func NewGate(executor ActionExecutor, suspender Suspender, cfg config.ApprovalConfig) *Gate {
	return &Gate{executor: executor, suspender: suspender, timeout: cfg.Timeout}
}

// Process partitions and resolves the actions in order. confidence is the
// agent's reported confidence, which can waive approval for delayed-
// reversible actions. The second return value is the roll-up status.
func (g *Gate) Process(ctx context.Context, runID string, actions []models.PlannedAction, confidence float64) ([]ActionResult, string) {
	results := make([]ActionResult, 0, len(actions))
	for _, action := range actions {
		results = append(results, g.processOne(ctx, runID, action, confidence))
	}
	return results, Rollup(results)
}

func (g *Gate) processOne(ctx context.Context, runID string, action models.PlannedAction, confidence float64) ActionResult {
	level := action.RiskLevel
	if !level.IsValid() {
		level = risk.Classify(action.ActionType, action.Parameters)
	}

	if !risk.RequiresApproval(level, confidence) {
		return g.execute(ctx, action, models.ApprovalNotRequired)
	}

	now := time.Now()
	req := models.ApprovalRequest{
		ActionType:        action.ActionType,
		ActionDescription: action.ActionDescription,
		RequestedAt:       now,
		TimeoutAt:         now.Add(g.timeout),
		Status:            models.ApprovalPending,
	}

	payload, err := g.suspend(ctx, runID, req)
	if err != nil {
		slog.Warn("Approval suspension failed, escalating action",
			"run_id", runID, "action_type", action.ActionType, "error", err)
		return ActionResult{
			Action:         action,
			ApprovalStatus: models.ApprovalEscalated,
			Error:          err.Error(),
		}
	}

	switch decision(payload) {
	case "approve":
		return g.execute(ctx, action, models.ApprovalApproved)
	case "reject":
		return ActionResult{Action: action, ApprovalStatus: models.ApprovalRejected}
	default:
		return ActionResult{
			Action:         action,
			ApprovalStatus: models.ApprovalEscalated,
			Error:          escalationReason(payload),
		}
	}
}

func (g *Gate) suspend(ctx context.Context, runID string, req models.ApprovalRequest) (map[string]any, error) {
	if g.suspender == nil {
		return nil, fmt.Errorf("no suspender configured")
	}
	return g.suspender.SuspendForApproval(ctx, runID, req)
}

func (g *Gate) execute(ctx context.Context, action models.PlannedAction, status models.ApprovalStatus) ActionResult {
	result := ActionResult{Action: action, ApprovalStatus: status}
	if g.executor == nil {
		result.Executed = true
		return result
	}
	out, err := g.executor(ctx, action)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Executed = true
	result.ExecutionResult = out
	return result
}

// Rollup reduces per-action results to the overall approval status.
// Escalations dominate rejections, which dominate clean completion.
func Rollup(results []ActionResult) string {
	anyRejected := false
	clean := true
	for _, r := range results {
		switch r.ApprovalStatus {
		case models.ApprovalEscalated:
			return RollupEscalated
		case models.ApprovalRejected:
			anyRejected = true
			clean = false
		case models.ApprovalApproved, models.ApprovalNotRequired:
			if !r.Executed {
				clean = false
			}
		default:
			clean = false
		}
	}
	if anyRejected {
		return RollupRejected
	}
	if clean {
		return RollupCompleted
	}
	return RollupPartial
}

func decision(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	if _, failed := payload["error"]; failed {
		return ""
	}
	d, _ := payload["decision"].(string)
	return d
}

func escalationReason(payload map[string]any) string {
	if payload == nil {
		return "empty resume payload"
	}
	if reason, ok := payload["error"].(string); ok && reason != "" {
		return reason
	}
	if d, ok := payload["decision"].(string); ok && d != "" {
		return fmt.Sprintf("unknown decision %q", d)
	}
	return "unrecognized resume payload"
}
