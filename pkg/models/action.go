package models

import "time"

// RiskLevel classifies a planned action by reversibility.
type RiskLevel string

const (
	RiskReversible          RiskLevel = "reversible"
	RiskReversibleWithDelay RiskLevel = "reversible_with_delay"
	RiskIrreversible        RiskLevel = "irreversible"
)

// IsValid checks if the risk level is a known value.
func (r RiskLevel) IsValid() bool {
	switch r {
	case RiskReversible, RiskReversibleWithDelay, RiskIrreversible:
		return true
	default:
		return false
	}
}

// PlannedAction is a side-effect the agent proposed during research.
// Actions are never executed inline — they are partitioned by the approval
// gate once the workflow reaches Finish.
type PlannedAction struct {
	ActionType        string         `json:"action_type"`
	ActionDescription string         `json:"action_description"`
	Parameters        map[string]any `json:"parameters,omitempty"`
	RiskLevel         RiskLevel      `json:"risk_level"`
}

// ApprovalStatus is the lifecycle of one approval request.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalEscalated ApprovalStatus = "escalated"

	// ApprovalNotRequired is recorded on action results that executed without
	// a suspension (reversible, or high-confidence delayed-reversible).
	ApprovalNotRequired ApprovalStatus = "not_required"
)

// ApprovalRequest is created per planned action that requires approval.
// Its lifetime ends when a terminal status is recorded.
//
// Invariant: TimeoutAt - RequestedAt is the 5-minute resume contract;
// validation tolerates ±10s of clock skew against external approvers.
type ApprovalRequest struct {
	ActionType        string         `json:"action_type"`
	ActionDescription string         `json:"action_description"`
	RequesterID       string         `json:"requester_id,omitempty"`
	RequestedAt       time.Time      `json:"requested_at"`
	TimeoutAt         time.Time      `json:"timeout_at"`
	Status            ApprovalStatus `json:"status"`
	DecisionMetadata  map[string]any `json:"decision_metadata,omitempty"`
}
