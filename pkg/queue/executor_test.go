package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delvd/delv/pkg/agent"
	"github.com/delvd/delv/pkg/approval"
	"github.com/delvd/delv/pkg/config"
	"github.com/delvd/delv/pkg/models"
	"github.com/delvd/delv/pkg/registry"
	"github.com/delvd/delv/pkg/workflow"
)

// stubRunner produces one canned outcome per research pass.
type stubRunner struct {
	outcome agent.Outcome
	panics  bool
}

func (s *stubRunner) Run(context.Context, string) agent.Outcome {
	if s.panics {
		panic("runner exploded")
	}
	return s.outcome
}

func successOutcome() agent.Outcome {
	return agent.Outcome{Response: &models.AgentResponse{
		Answer:     "Synthesized answer.",
		Reasoning:  "done",
		Confidence: 0.9,
		ToolCalls: []models.ToolCallRecord{{
			ToolName: "web_search",
			Result:   `[{"title":"A","url":"https://a","snippet":"s"},{"title":"B","url":"https://b","snippet":"s"},{"title":"C","url":"https://c","snippet":"s"}]`,
			Status:   models.ToolCallSuccess,
		}},
	}}
}

func workflowConfig() config.WorkflowConfig {
	return config.WorkflowConfig{MaxIterations: 3, QualityThreshold: 0.8}
}

func newExecutor(runs *registry.Service, runner workflow.AgentRunner) *RunExecutor {
	machine := workflow.New(runner, nil)
	gate := approval.NewGate(nil, runs, config.ApprovalConfig{Timeout: time.Minute})
	return NewRunExecutor(machine, gate, runs, workflowConfig())
}

func TestExecute_CompletesRun(t *testing.T) {
	runs := registry.NewService(registry.NewMemStore())
	exec := newExecutor(runs, &stubRunner{outcome: successOutcome()})

	ctx := context.Background()
	run, err := runs.CreateRun(ctx, "zinc batteries", "u1", "")
	require.NoError(t, err)

	claimed, err := runs.ClaimNext(ctx)
	require.NoError(t, err)
	exec.Execute(ctx, claimed)

	got, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Equal(t, 1, got.IterationsUsed)
	assert.Equal(t, 3, got.SourcesCount)
	assert.Contains(t, got.Markdown, "Synthesized answer.")
	assert.Equal(t, "completed", got.ApprovalRollup)
	assert.Equal(t, false, got.Metadata["timed_out"])

	view, err := runs.Report(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, view.Sources, 3)
}

func TestExecute_PanicFailsRun(t *testing.T) {
	runs := registry.NewService(registry.NewMemStore())
	exec := newExecutor(runs, &stubRunner{panics: true})

	ctx := context.Background()
	run, err := runs.CreateRun(ctx, "topic", "u", "")
	require.NoError(t, err)
	claimed, err := runs.ClaimNext(ctx)
	require.NoError(t, err)

	require.NotPanics(t, func() { exec.Execute(ctx, claimed) })

	got, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.Contains(t, got.Error, "internal error")
	assert.Contains(t, got.Error, "runner exploded")
}

func TestExecute_ActionResultsInMetadata(t *testing.T) {
	outcome := successOutcome()
	outcome.Response.PlannedActions = []models.PlannedAction{{
		ActionType:        "send_email",
		ActionDescription: "notify the requester",
		RiskLevel:         models.RiskReversibleWithDelay,
	}}

	runs := registry.NewService(registry.NewMemStore())
	exec := newExecutor(runs, &stubRunner{outcome: outcome})

	ctx := context.Background()
	run, err := runs.CreateRun(ctx, "topic", "u", "")
	require.NoError(t, err)
	claimed, err := runs.ClaimNext(ctx)
	require.NoError(t, err)

	// Quality 0.9 waives approval for the delayed-reversible action, so the
	// run completes without suspending.
	exec.Execute(ctx, claimed)

	got, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Contains(t, got.Metadata, "action_results")
}

func TestPool_DrainsQueue(t *testing.T) {
	runs := registry.NewService(registry.NewMemStore())
	exec := newExecutor(runs, &stubRunner{outcome: successOutcome()})
	pool := NewPool(runs, exec, config.QueueConfig{
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
	})

	ctx := context.Background()
	ids := make([]string, 0, 3)
	for _, topic := range []string{"a", "b", "c"} {
		run, err := runs.CreateRun(ctx, topic, "u", "")
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}

	pool.Start(ctx)
	defer pool.Stop()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			run, err := runs.Get(ctx, id)
			if err != nil || run.Status != models.RunStatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPool_StopIsIdempotentAndWaits(t *testing.T) {
	runs := registry.NewService(registry.NewMemStore())
	exec := newExecutor(runs, &stubRunner{outcome: successOutcome()})
	pool := NewPool(runs, exec, config.QueueConfig{Workers: 1, PollInterval: 5 * time.Millisecond})

	pool.Start(context.Background())
	pool.Stop()
	require.NotPanics(t, pool.Stop)
}

func TestPool_CancelUnknownRun(t *testing.T) {
	pool := NewPool(nil, nil, config.QueueConfig{})
	assert.False(t, pool.Cancel("not-running"))
}
