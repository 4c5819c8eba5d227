// Package models defines the shared value types for the delv runtime.
// Types here are plain data — behavior lives in the packages that own them.
package models

import "time"

// RunStatus represents the lifecycle status of a research run.
type RunStatus string

const (
	RunStatusQueued            RunStatus = "queued"
	RunStatusRunning           RunStatus = "running"
	RunStatusSuspendedApproval RunStatus = "suspended_approval"
	RunStatusCompleted         RunStatus = "completed"
	RunStatusFailed            RunStatus = "failed"
	RunStatusEscalated         RunStatus = "escalated"
)

// IsValid checks if the run status is a known value.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusQueued, RunStatusRunning, RunStatusSuspendedApproval,
		RunStatusCompleted, RunStatusFailed, RunStatusEscalated:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusEscalated:
		return true
	default:
		return false
	}
}

// Run is the registry entry for one end-to-end execution.
// Exclusively owned by the run registry for its entire lifetime.
type Run struct {
	ID        string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Topic  string `json:"topic"`
	UserID string `json:"user_id"`

	// Populated as the workflow progresses.
	IterationsUsed   int    `json:"iterations_used,omitempty"`
	SourcesCount     int    `json:"sources_count,omitempty"`
	MemoryDocumentID string `json:"memory_document_id,omitempty"`

	// Approval state. PendingApprovals is ordered earliest-first; approve/reject
	// always resolves the head of the list.
	PendingApprovals []ApprovalRequest `json:"pending_approvals,omitempty"`
	ApprovalRollup   string            `json:"approval_rollup,omitempty"`

	// Report, materialized on completion.
	Markdown string            `json:"markdown,omitempty"`
	Sources  []SourceReference `json:"sources,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`

	// Error message for failed runs.
	Error string `json:"error,omitempty"`

	// Trace context propagated from the submitting client (W3C traceparent).
	Traceparent string `json:"-"`
}

// Clone returns a deep copy so registry reads never alias in-flight state.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	cp := *r
	cp.PendingApprovals = append([]ApprovalRequest(nil), r.PendingApprovals...)
	cp.Sources = append([]SourceReference(nil), r.Sources...)
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
