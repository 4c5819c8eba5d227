package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/delvd/delv/pkg/models"
	"github.com/delvd/delv/pkg/risk"
)

// errMalformed marks LLM output that failed structured validation.
var errMalformed = errors.New("malformed LLM output")

// rawAnswer is the wire shape of the LLM's final structured answer.
type rawAnswer struct {
	Answer         string          `json:"answer"`
	Reasoning      string          `json:"reasoning"`
	Confidence     *float64        `json:"confidence"`
	PlannedActions []rawAction     `json:"planned_actions"`
	Data           json.RawMessage `json:"data"`
	Output         json.RawMessage `json:"output"`
}

type rawAction struct {
	ActionType        string         `json:"action_type"`
	ActionDescription string         `json:"action_description"`
	Parameters        map[string]any `json:"parameters"`
	RiskLevel         string         `json:"risk_level"`
}

// normalizeAnswer converts the LLM's final text into an AgentResponse.
// Providers wrap the payload in one of a small set of known envelopes
// ({"data": …}, {"output": …}, or the bare object); anything else is
// malformed and degrades the turn.
func normalizeAnswer(text string) (*models.AgentResponse, error) {
	payload := strings.TrimSpace(stripFences(text))
	if payload == "" {
		return nil, fmt.Errorf("empty final response: %w", errMalformed)
	}

	var raw rawAnswer
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("final response is not valid JSON: %w", errMalformed)
	}

	// Unwrap known envelopes. One level only — nested envelopes are not a
	// known provider shape.
	if raw.Answer == "" {
		switch {
		case len(raw.Data) > 0:
			if err := json.Unmarshal(raw.Data, &raw); err != nil {
				return nil, fmt.Errorf("data envelope is not an answer object: %w", errMalformed)
			}
		case len(raw.Output) > 0:
			if err := json.Unmarshal(raw.Output, &raw); err != nil {
				return nil, fmt.Errorf("output envelope is not an answer object: %w", errMalformed)
			}
		}
	}

	if raw.Answer == "" {
		return nil, fmt.Errorf("missing answer field: %w", errMalformed)
	}
	if raw.Reasoning == "" {
		return nil, fmt.Errorf("missing reasoning field: %w", errMalformed)
	}
	if raw.Confidence == nil {
		return nil, fmt.Errorf("missing confidence field: %w", errMalformed)
	}

	confidence := *raw.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	resp := &models.AgentResponse{
		Answer:     raw.Answer,
		Reasoning:  raw.Reasoning,
		Confidence: confidence,
	}
	for _, a := range raw.PlannedActions {
		if a.ActionType == "" {
			continue // advisory list; drop unusable entries silently
		}
		level := models.RiskLevel(a.RiskLevel)
		if !level.IsValid() {
			level = risk.Classify(a.ActionType, a.Parameters)
		}
		resp.PlannedActions = append(resp.PlannedActions, models.PlannedAction{
			ActionType:        a.ActionType,
			ActionDescription: a.ActionDescription,
			Parameters:        a.Parameters,
			RiskLevel:         level,
		})
	}
	return resp, nil
}

// stripFences removes a surrounding markdown code fence, which several
// providers wrap JSON answers in despite instructions.
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

// parseArguments converts a raw tool-call argument string into parameters.
// JSON objects pass through; non-object JSON and plain strings are wrapped
// under "input" so schemaless tools still receive their payload.
func parseArguments(arguments string) map[string]any {
	trimmed := strings.TrimSpace(arguments)
	if trimmed == "" {
		return map[string]any{}
	}

	var asMap map[string]any
	if err := json.Unmarshal([]byte(trimmed), &asMap); err == nil {
		return asMap
	}

	var asAny any
	if err := json.Unmarshal([]byte(trimmed), &asAny); err == nil {
		return map[string]any{"input": asAny}
	}

	return map[string]any{"input": trimmed}
}
