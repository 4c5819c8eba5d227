package models

import "time"

// ResearchPhase tracks where a workflow run is in the five-node graph.
type ResearchPhase string

const (
	PhasePlanning    ResearchPhase = "planning"
	PhaseResearching ResearchPhase = "researching"
	PhaseCritiquing  ResearchPhase = "critiquing"
	PhaseRefining    ResearchPhase = "refining"
	PhaseFinished    ResearchPhase = "finished"
)

// Limits on state fields. Enforced on ingress and again before persistence.
const (
	MaxTopicLength   = 500
	MaxUserIDLength  = 255
	MaxSnippetLength = 1000
	MaxIterationsCap = 5
)

// SourceReference is one cited piece of evidence gathered during research.
type SourceReference struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Snippet     string    `json:"snippet"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// ResearchState is the workflow-scoped state that flows by value through
// node transitions. Each node returns a new copy; the previous state is
// discarded. Never mutate a state another node produced.
type ResearchState struct {
	Topic  string `json:"topic"`
	UserID string `json:"user_id"`

	Plan          string            `json:"plan,omitempty"`
	Sources       []SourceReference `json:"sources,omitempty"`
	Critique      string            `json:"critique,omitempty"`
	RefinedAnswer string            `json:"refined_answer,omitempty"`

	IterationCount int `json:"iteration_count"`
	MaxIterations  int `json:"max_iterations"`

	Phase ResearchPhase `json:"status"`

	QualityScore     float64 `json:"quality_score"`
	QualityThreshold float64 `json:"quality_threshold"`

	PlannedActions []PlannedAction `json:"planned_actions,omitempty"`

	MemoryDocumentID string `json:"memory_document_id,omitempty"`
	ReportMarkdown   string `json:"report_markdown,omitempty"`

	// TimedOut is set when the research turn hit the wall-clock budget and
	// the run jumped straight to Finish.
	TimedOut bool `json:"timed_out,omitempty"`

	// GapReport is set when the pre-flight capability check short-circuited
	// the research turn.
	GapReport *ToolGapReport `json:"gap_report,omitempty"`
}

// Clone returns a copy with its own slices, for copy-on-write transitions.
func (s ResearchState) Clone() ResearchState {
	cp := s
	cp.Sources = append([]SourceReference(nil), s.Sources...)
	cp.PlannedActions = append([]PlannedAction(nil), s.PlannedActions...)
	return cp
}
