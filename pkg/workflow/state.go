// Package workflow implements the five-node research state machine:
// Plan, Research, Critique, Refine, Finish. Nodes are pure transitions
// over models.ResearchState; each returns a fresh copy.
package workflow

import (
	"github.com/delvd/delv/pkg/config"
	"github.com/delvd/delv/pkg/models"
)

// NewState builds the initial state for a run. max_iterations and the
// quality threshold come from configuration; out-of-range values are
// clamped rather than rejected so a bad config cannot strand a run.
func NewState(topic, userID string, cfg config.WorkflowConfig) models.ResearchState {
	threshold := cfg.QualityThreshold
	if threshold < 0 {
		threshold = 0
	}
	if threshold > 1 {
		threshold = 1
	}
	return models.ResearchState{
		Topic:            topic,
		UserID:           userID,
		MaxIterations:    config.ClampIterations(cfg.MaxIterations),
		QualityThreshold: threshold,
		Phase:            models.PhasePlanning,
	}
}
