// Package dispatch mediates every tool call an agent makes.
// It enforces the per-turn budget, deduplicates identical calls, guards
// against repeat loops and telemetry writes, applies the wall-clock
// deadline, and keeps the authoritative per-run tool log.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/delvd/delv/pkg/config"
	"github.com/delvd/delv/pkg/models"
	"github.com/delvd/delv/pkg/telemetry"
)

// Executor runs one concrete tool call. Implementations must honor ctx
// cancellation; the dispatcher wraps it with the per-tool timeout.
type Executor func(ctx context.Context, parameters map[string]any) (string, error)

// Options tunes one invocation.
type Options struct {
	// Cacheable opts this call into the per-run result cache. Only
	// deterministic reads should set it; side-effecting writes never do.
	Cacheable bool
}

// RunContext is the per-run dispatch state. It lives for exactly one agent
// turn and is explicitly threaded through the engine — never global, reset
// by constructing a fresh value for the next run.
//
// A RunContext is confined to the goroutine driving its turn; tool fan-out
// within a run is sequential by design.
type RunContext struct {
	log         []models.ToolCallRecord
	cache       map[string]string
	seenQueries map[string]struct{}
	storedHashes map[string]struct{}

	answerCommitted bool
	memorySearched  bool

	// deadline is the monotonic instant after which any invocation fails.
	// Zero means the turn has no wall-clock budget.
	deadline time.Time

	maxToolCalls     int
	maxRepeats       int
	toolTimeout      time.Duration
	telemetryMarkers []string

	tracer *telemetry.Tracer
}

// New builds a fresh RunContext for one agent turn. A zero deadline means
// no wall-clock budget.
func New(cfg config.AgentConfig, tracer *telemetry.Tracer, deadline time.Time) *RunContext {
	return &RunContext{
		cache:            make(map[string]string),
		seenQueries:      make(map[string]struct{}),
		storedHashes:     make(map[string]struct{}),
		deadline:         deadline,
		maxToolCalls:     cfg.MaxToolCalls,
		maxRepeats:       cfg.MaxRepeats,
		toolTimeout:      cfg.ToolTimeout,
		telemetryMarkers: cfg.Guards.TelemetryMarkers,
		tracer:           tracer,
	}
}

// Log returns the tool call records in strict invocation order.
func (rc *RunContext) Log() []models.ToolCallRecord {
	return append([]models.ToolCallRecord(nil), rc.log...)
}

// Deadline returns the turn deadline (zero when unbounded).
func (rc *RunContext) Deadline() time.Time { return rc.deadline }

// DeadlineExceeded reports whether the turn's wall-clock budget has passed.
func (rc *RunContext) DeadlineExceeded() bool {
	return !rc.deadline.IsZero() && time.Now().After(rc.deadline)
}

// Invoke mediates a single tool call:
//
//	1. deadline gate          5. side-effect guards
//	2. budget gate            6. execute with per-tool timeout
//	3. loop guard             7. post-execution deadline gate
//	4. cache hit path         8. record
//	                          9. cache write
//
// Tool-level failures (timeout, executor error) are recorded and returned
// as content with a nil error. A non-nil error means the whole turn must
// end (budget, loop, deadline).
func (rc *RunContext) Invoke(ctx context.Context, toolName string, parameters map[string]any, exec Executor, opts Options) (string, error) {
	ctx, span := rc.tracer.StartToolCall(ctx, toolName, stringifyParams(parameters))
	defer span.End()

	// 1. Deadline gate.
	if rc.DeadlineExceeded() {
		err := fmt.Errorf("deadline passed before dispatching %q: %w", toolName, ErrRuntimeBudgetExceeded)
		telemetry.RecordError(span, err)
		return "", err
	}

	// 2. Budget gate. The failure itself is logged so the final response
	// accounts for it.
	if len(rc.log) >= rc.maxToolCalls {
		err := fmt.Errorf("turn exceeded the %d tool call budget: %w", rc.maxToolCalls, ErrBudgetExceeded)
		rc.appendRecord(toolName, parameters, err.Error(), 0, models.ToolCallFailed)
		telemetry.RecordError(span, err)
		return "", err
	}

	key := CanonicalKey(toolName, parameters)

	// 3. Loop guard: would this call complete a streak of maxRepeats
	// consecutive identical calls?
	if streak := rc.trailingStreak(key); streak+1 >= rc.maxRepeats {
		err := fmt.Errorf("%d consecutive identical calls to %q (recent: %s): %w",
			streak+1, toolName, rc.recentCallsDump(), ErrLoopDetected)
		// The diagnostic record carries a marker so it does not itself extend
		// the identical-call window it reports on.
		marked := cloneParams(parameters)
		marked["_loop_detected"] = true
		rc.appendRecord(toolName, marked, err.Error(), 0, models.ToolCallFailed)
		telemetry.RecordError(span, err)
		return "", err
	}

	// 4. Cache hit path.
	if opts.Cacheable {
		if cached, ok := rc.cache[key]; ok {
			marked := cloneParams(parameters)
			marked[cachedMarker] = true
			rc.appendRecord(toolName, marked, cached, 0, models.ToolCallSuccess)
			span.SetAttributes(
				attribute.Bool(telemetry.AttrSuccess, true),
				attribute.Int(telemetry.AttrResultCount, resultCount(cached)),
			)
			return cached, nil
		}
	}

	// 5. Side-effect guards: short-circuit with a sentinel, never an error.
	if sentinel, blocked := rc.preExecGuard(toolName, parameters); blocked {
		rc.appendRecord(toolName, parameters, sentinel, 0, models.ToolCallSuccess)
		span.SetAttributes(attribute.Bool(telemetry.AttrSuccess, true))
		return sentinel, nil
	}

	// 6. Execute with the per-tool wall-clock timeout.
	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, rc.toolTimeout)
	result, execErr := exec(execCtx, parameters)
	cancel()
	duration := time.Since(start)

	status := models.ToolCallSuccess
	if execErr != nil {
		if errors.Is(execErr, context.DeadlineExceeded) {
			status = models.ToolCallTimeout
			result = fmt.Sprintf("Tool execution timed out after %s", rc.toolTimeout)
		} else {
			status = models.ToolCallFailed
			result = fmt.Sprintf("Error executing tool: %s", execErr.Error())
		}
		telemetry.RecordError(span, execErr)
	}

	// 7. Post-execution deadline gate: the tool may have consumed the rest
	// of the turn budget.
	if rc.DeadlineExceeded() {
		err := fmt.Errorf("deadline passed while %q was executing: %w", toolName, ErrRuntimeBudgetExceeded)
		telemetry.RecordError(span, err)
		return "", err
	}

	// 8. Record.
	rc.appendRecord(toolName, parameters, result, duration.Milliseconds(), status)
	span.SetAttributes(
		attribute.Bool(telemetry.AttrSuccess, execErr == nil),
		attribute.Int64(telemetry.AttrDurationMs, duration.Milliseconds()),
		attribute.Int(telemetry.AttrResultCount, resultCount(result)),
	)

	if execErr == nil {
		rc.postExecGuard(toolName, parameters)

		// 9. Cache write.
		if opts.Cacheable {
			rc.cache[key] = result
		}
	}

	return result, nil
}

func (rc *RunContext) appendRecord(toolName string, parameters map[string]any, result string, durationMs int64, status models.ToolCallStatus) {
	rc.log = append(rc.log, models.ToolCallRecord{
		ToolName:   toolName,
		Parameters: cloneParams(parameters),
		Result:     result,
		DurationMs: durationMs,
		Status:     status,
	})
}

// trailingStreak counts consecutive records at the tail of the log whose
// canonical key matches the candidate key.
func (rc *RunContext) trailingStreak(key string) int {
	streak := 0
	for i := len(rc.log) - 1; i >= 0; i-- {
		rec := rc.log[i]
		if CanonicalKey(rec.ToolName, rec.Parameters) != key {
			break
		}
		streak++
	}
	return streak
}

// recentCallsDump renders the last few log entries for loop diagnostics.
func (rc *RunContext) recentCallsDump() string {
	const window = 5
	start := len(rc.log) - window
	if start < 0 {
		start = 0
	}
	parts := make([]string, 0, window)
	for _, rec := range rc.log[start:] {
		parts = append(parts, fmt.Sprintf("%s(%s)", rec.ToolName, canonicalParams(rec.Parameters)))
	}
	return strings.Join(parts, " -> ")
}

// resultCount approximates how many items a tool returned: the length of a
// JSON array result, else 1 for non-empty content.
func resultCount(result string) int {
	trimmed := strings.TrimSpace(result)
	if trimmed == "" {
		return 0
	}
	if strings.HasPrefix(trimmed, "[") {
		var items []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &items); err == nil {
			return len(items)
		}
	}
	return 1
}

func cloneParams(parameters map[string]any) map[string]any {
	if parameters == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(parameters))
	for k, v := range parameters {
		cp[k] = v
	}
	return cp
}
