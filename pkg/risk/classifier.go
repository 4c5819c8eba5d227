// Package risk classifies planned actions by reversibility.
// Pure functions over static tables — no state, safe for concurrent use.
package risk

import (
	"fmt"
	"strings"

	"github.com/delvd/delv/pkg/models"
)

// toolRisk is the static classification table. Unknown tools are NOT in
// this table on purpose — they default to irreversible.
var toolRisk = map[string]models.RiskLevel{
	"web_search":       models.RiskReversible,
	"search":           models.RiskReversible,
	"search_memory":    models.RiskReversible,
	"read_file":        models.RiskReversible,
	"get_current_time": models.RiskReversible,

	"send_email":            models.RiskReversibleWithDelay,
	"create_calendar_event": models.RiskReversibleWithDelay,
	"schedule_task":         models.RiskReversibleWithDelay,

	"delete_file":       models.RiskIrreversible,
	"make_purchase":     models.RiskIrreversible,
	"send_money":        models.RiskIrreversible,
	"modify_production": models.RiskIrreversible,
}

// sensitivePathMarkers escalate a read_file call one level when any of them
// appears (case-insensitive) in the path parameter.
var sensitivePathMarkers = []string{
	"/etc/shadow",
	"api_key",
	"secret",
	"credentials",
	"password",
}

// approvalConfidenceFloor is the confidence at or above which a
// delayed-reversible action executes without human approval.
const approvalConfidenceFloor = 0.85

// Classify maps (tool name, arguments) to a risk level.
// Unknown tools are treated as irreversible.
func Classify(toolName string, parameters map[string]any) models.RiskLevel {
	level, known := toolRisk[toolName]
	if !known {
		return models.RiskIrreversible
	}

	if toolName == "read_file" {
		if path, ok := parameters["path"].(string); ok && isSensitivePath(path) {
			return escalate(level)
		}
	}
	return level
}

// RequiresApproval decides whether an action at the given risk level needs
// a human in the loop.
//
//	Irreversible        → always
//	ReversibleWithDelay → only below the confidence floor (0.85 passes)
//	Reversible          → never
func RequiresApproval(level models.RiskLevel, confidence float64) bool {
	switch level {
	case models.RiskIrreversible:
		return true
	case models.RiskReversibleWithDelay:
		return confidence < approvalConfidenceFloor
	case models.RiskReversible:
		return false
	default:
		// Unknown levels get the conservative treatment.
		return true
	}
}

// Describe renders a risk level for human-facing approval prompts.
func Describe(level models.RiskLevel) string {
	switch level {
	case models.RiskReversible:
		return "reversible"
	case models.RiskReversibleWithDelay:
		return "reversible with delay"
	case models.RiskIrreversible:
		return "irreversible"
	default:
		return fmt.Sprintf("unknown (%s)", string(level))
	}
}

func isSensitivePath(path string) bool {
	lower := strings.ToLower(path)
	for _, marker := range sensitivePathMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// escalate bumps a risk level up by one step.
func escalate(level models.RiskLevel) models.RiskLevel {
	switch level {
	case models.RiskReversible:
		return models.RiskReversibleWithDelay
	case models.RiskReversibleWithDelay:
		return models.RiskIrreversible
	default:
		return models.RiskIrreversible
	}
}
