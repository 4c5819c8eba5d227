// Package report renders the final research report as markdown.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/delvd/delv/pkg/models"
)

// Report is the materialized output of a finished run.
type Report struct {
	Markdown string
	Sources  []models.SourceReference
	Metadata map[string]any
}

// Build renders the report for a finished workflow state. Sources keep
// their gathering order so citation numbers in the body stay stable.
func Build(state models.ResearchState, completedAt time.Time) Report {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Research Report: %s\n\n", state.Topic)

	sb.WriteString("## Summary\n\n")
	switch {
	case state.GapReport != nil:
		sb.WriteString("Research could not proceed: the available tools do not cover this task.\n\n")
		sb.WriteString("Missing capabilities:\n\n")
		for _, m := range state.GapReport.MissingTools {
			fmt.Fprintf(&sb, "- %s\n", m)
		}
		sb.WriteString("\n")
	case state.TimedOut:
		sb.WriteString("Timed out before completing research.\n\n")
		if state.RefinedAnswer != "" {
			sb.WriteString("Partial findings gathered before the timeout:\n\n")
			sb.WriteString(state.RefinedAnswer)
			sb.WriteString("\n\n")
		}
	case state.RefinedAnswer != "":
		sb.WriteString(state.RefinedAnswer)
		sb.WriteString("\n\n")
	default:
		sb.WriteString("No findings were produced.\n\n")
	}

	if len(state.Sources) > 0 {
		sb.WriteString("## Sources\n\n")
		for i, src := range state.Sources {
			title := src.Title
			if title == "" {
				title = src.URL
			}
			fmt.Fprintf(&sb, "%d. [%s](%s)", i+1, title, src.URL)
			if src.Snippet != "" {
				fmt.Fprintf(&sb, " - %s", src.Snippet)
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("---\n\n")
	fmt.Fprintf(&sb, "*Iterations: %d of %d. Sources: %d. Quality score: %.2f. Completed: %s.*\n",
		state.IterationCount, state.MaxIterations, len(state.Sources),
		state.QualityScore, completedAt.UTC().Format(time.RFC3339))

	return Report{
		Markdown: sb.String(),
		Sources:  append([]models.SourceReference(nil), state.Sources...),
		Metadata: Metadata(state, completedAt),
	}
}

// Metadata builds the report metadata map for a finished state.
func Metadata(state models.ResearchState, completedAt time.Time) map[string]any {
	metadata := map[string]any{
		"topic":           state.Topic,
		"iterations_used": state.IterationCount,
		"max_iterations":  state.MaxIterations,
		"sources_count":   len(state.Sources),
		"quality_score":   state.QualityScore,
		"completed_at":    completedAt.UTC().Format(time.RFC3339),
		"timed_out":       state.TimedOut,
	}
	if state.MemoryDocumentID != "" {
		metadata["memory_document_id"] = state.MemoryDocumentID
	}
	if state.GapReport != nil {
		metadata["tool_gap"] = true
	}
	return metadata
}
