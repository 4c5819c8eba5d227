// Package gap implements the pre-flight tool capability check.
// Rather than letting the agent hallucinate around a missing capability,
// the detector asks the LLM to match the task against the declared tool
// set and short-circuits the run with a gap report when tools are missing.
package gap

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/delvd/delv/pkg/agent"
	"github.com/delvd/delv/pkg/models"
)

// LLM is the minimal completion capability the detector needs.
type LLM interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// defaultExclusions removes noisy article-fetcher tools from the checked
// set; their descriptions confuse capability matching without adding any.
var defaultExclusions = []string{
	"fetch_article",
	"get_article",
	"read_article",
}

// coreMemoryTools are always part of the checked set, even when the
// toolset enumeration missed them (they are built-ins, not MCP tools).
var coreMemoryTools = []agent.ToolInfo{
	{Name: "search_memory", Description: "Search long-term memory for prior answers."},
	{Name: "store_memory", Description: "Persist a final answer to long-term memory."},
}

const systemPrompt = `You evaluate whether a set of tools is sufficient for a task.
Respond with a single JSON object and nothing else:
{"missing_capabilities": ["<capability>", ...], "reasoning": "<why>"}
Return an empty missing_capabilities array when the tools suffice.
Name missing capabilities as short snake_case identifiers.`

// Detector is the pre-flight capability checker.
type Detector struct {
	llm        LLM
	exclusions []string
}

// NewDetector creates a detector. extraExclusions extends the built-in
// article-fetcher exclusion list.
func NewDetector(llm LLM, extraExclusions ...string) *Detector {
	return &Detector{
		llm:        llm,
		exclusions: append(append([]string(nil), defaultExclusions...), extraExclusions...),
	}
}

// Check decides whether the registered tools cover the task. A nil report
// means no gap. Errors fail closed — the caller logs and proceeds, since
// gap detection must never block a legitimate query.
func (d *Detector) Check(ctx context.Context, task string, tools []agent.ToolInfo) (*models.ToolGapReport, error) {
	checked := d.assembleChecked(tools)

	var sb strings.Builder
	sb.WriteString("Task: ")
	sb.WriteString(task)
	sb.WriteString("\n\nAvailable tools:\n")
	for _, t := range checked {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
	}

	raw, err := d.llm.Complete(ctx, systemPrompt, sb.String())
	if err != nil {
		return nil, fmt.Errorf("gap detection LLM call failed: %w", err)
	}

	var verdict struct {
		MissingCapabilities []string `json:"missing_capabilities"`
		Reasoning           string   `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), &verdict); err != nil {
		return nil, fmt.Errorf("gap detection returned unparseable output: %w", err)
	}

	if len(verdict.MissingCapabilities) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(checked))
	for _, t := range checked {
		names = append(names, t.Name)
	}
	return &models.ToolGapReport{
		MissingTools:         verdict.MissingCapabilities,
		AttemptedTask:        task,
		ExistingToolsChecked: names,
	}, nil
}

// assembleChecked applies the exclusion list and guarantees the core
// memory tools are present exactly once.
func (d *Detector) assembleChecked(tools []agent.ToolInfo) []agent.ToolInfo {
	seen := make(map[string]struct{}, len(tools)+len(coreMemoryTools))
	checked := make([]agent.ToolInfo, 0, len(tools)+len(coreMemoryTools))

	for _, t := range tools {
		if d.excluded(t.Name) {
			continue
		}
		if _, dup := seen[t.Name]; dup {
			continue
		}
		seen[t.Name] = struct{}{}
		checked = append(checked, t)
	}
	for _, t := range coreMemoryTools {
		if _, dup := seen[t.Name]; dup {
			continue
		}
		seen[t.Name] = struct{}{}
		checked = append(checked, t)
	}
	return checked
}

func (d *Detector) excluded(name string) bool {
	base := name
	if idx := strings.LastIndex(base, "."); idx >= 0 {
		base = base[idx+1:]
	}
	for _, ex := range d.exclusions {
		if base == ex {
			return true
		}
	}
	return false
}

func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}
