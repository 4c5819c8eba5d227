// Package queue runs queued research runs on a bounded worker pool and
// recovers runs orphaned by a previous crash.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/delvd/delv/pkg/approval"
	"github.com/delvd/delv/pkg/config"
	"github.com/delvd/delv/pkg/models"
	"github.com/delvd/delv/pkg/registry"
	"github.com/delvd/delv/pkg/report"
	"github.com/delvd/delv/pkg/telemetry"
	"github.com/delvd/delv/pkg/workflow"
)

// RunExecutor drives one claimed run end to end: workflow execution,
// approval gating, and the terminal registry write.
type RunExecutor struct {
	machine *workflow.Machine
	gate    *approval.Gate
	runs    *registry.Service
	cfg     config.WorkflowConfig
}

// NewRunExecutor assembles an executor.
func NewRunExecutor(machine *workflow.Machine, gate *approval.Gate, runs *registry.Service, cfg config.WorkflowConfig) *RunExecutor {
	return &RunExecutor{machine: machine, gate: gate, runs: runs, cfg: cfg}
}

// Execute processes one run. All failure modes end in a terminal status;
// a panic in the workflow fails the run instead of killing the worker.
func (e *RunExecutor) Execute(ctx context.Context, run *models.Run) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Run panicked", "run_id", run.ID, "panic", r,
				"stack", string(debug.Stack()))
			e.fail(run.ID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	// Resume the client's trace so the whole run hangs off its submit span.
	ctx = telemetry.Extract(ctx, run.Traceparent)

	log := slog.With("run_id", run.ID, "topic", run.Topic)
	log.Info("Run started")

	state := workflow.NewState(run.Topic, run.UserID, e.cfg)
	final := e.machine.Execute(ctx, state)

	// Gate planned side-effects. The quality score is a safe stand-in for
	// confidence here: it is the max over reported confidences.
	results, rollup := e.gate.Process(ctx, run.ID, final.PlannedActions, final.QualityScore)
	if len(results) > 0 {
		log.Info("Approval gate finished", "actions", len(results), "rollup", rollup)
	}

	metadata := report.Metadata(final, time.Now())
	if len(results) > 0 {
		metadata["action_results"] = results
	}

	if err := e.runs.Complete(ctx, run.ID, final, final.ReportMarkdown, final.Sources, metadata, rollup); err != nil {
		log.Error("Failed to write terminal run state", "error", err)
		e.fail(run.ID, fmt.Sprintf("failed to persist result: %s", err))
		return
	}
	log.Info("Run completed", "iterations", final.IterationCount,
		"sources", len(final.Sources), "timed_out", final.TimedOut)
}

// fail writes the Failed status on a fresh context so a cancelled run
// context cannot block the terminal write.
func (e *RunExecutor) fail(runID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.runs.Fail(ctx, runID, message); err != nil {
		slog.Error("Failed to mark run as failed", "run_id", runID, "error", err)
	}
}
