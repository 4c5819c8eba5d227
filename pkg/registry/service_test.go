package registry

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delvd/delv/pkg/models"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(NewMemStore())
}

func createRun(t *testing.T, s *Service, topic string) *models.Run {
	t.Helper()
	run, err := s.CreateRun(context.Background(), topic, "user-1", "")
	require.NoError(t, err)
	return run
}

func TestCreateRun_Validation(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	t.Run("empty topic", func(t *testing.T) {
		_, err := s.CreateRun(ctx, "", "u", "")
		assert.ErrorIs(t, err, ErrEmptyTopic)
	})

	t.Run("topic at the limit is accepted", func(t *testing.T) {
		_, err := s.CreateRun(ctx, strings.Repeat("x", models.MaxTopicLength), "u", "")
		assert.NoError(t, err)
	})

	t.Run("topic over the limit", func(t *testing.T) {
		_, err := s.CreateRun(ctx, strings.Repeat("x", models.MaxTopicLength+1), "u", "")
		assert.ErrorIs(t, err, ErrTopicTooLong)
	})

	t.Run("limit counts runes not bytes", func(t *testing.T) {
		_, err := s.CreateRun(ctx, strings.Repeat("€", models.MaxTopicLength), "u", "")
		assert.NoError(t, err)
	})

	t.Run("user id over the limit", func(t *testing.T) {
		_, err := s.CreateRun(ctx, "topic", strings.Repeat("u", models.MaxUserIDLength+1), "")
		assert.ErrorIs(t, err, ErrUserIDTooLong)
	})
}

func TestCreateRun_InitialState(t *testing.T) {
	s := newTestService(t)
	run := createRun(t, s, "zinc batteries")

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, models.RunStatusQueued, run.Status)
	assert.Equal(t, "zinc batteries", run.Topic)
	assert.False(t, run.CreatedAt.IsZero())

	got, err := s.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
}

func TestGet_NotFound(t *testing.T) {
	s := newTestService(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestReport_NotReadyUntilCompleted(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	run := createRun(t, s, "topic")

	_, err := s.Report(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotReady)

	state := models.ResearchState{IterationCount: 2, MemoryDocumentID: "doc-1"}
	sources := []models.SourceReference{{Title: "A", URL: "https://a"}}
	require.NoError(t, s.Complete(ctx, run.ID, state, "# Report", sources,
		map[string]any{"topic": "topic"}, "completed"))

	view, err := s.Report(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "# Report", view.Markdown)
	assert.Len(t, view.Sources, 1)
	assert.Equal(t, "topic", view.Metadata["topic"])

	got, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Equal(t, 2, got.IterationsUsed)
	assert.Equal(t, "doc-1", got.MemoryDocumentID)
}

func TestComplete_EscalatedRollup(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	run := createRun(t, s, "topic")

	require.NoError(t, s.Complete(ctx, run.ID, models.ResearchState{}, "# R", nil, nil, "escalated"))

	got, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusEscalated, got.Status)

	// An escalated run has no readable report.
	_, err = s.Report(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestFail(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	run := createRun(t, s, "topic")

	require.NoError(t, s.Fail(ctx, run.ID, "llm unavailable"))

	got, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.Equal(t, "llm unavailable", got.Error)
}

func TestApprove_NoPendingApproval(t *testing.T) {
	s := newTestService(t)
	run := createRun(t, s, "topic")

	err := s.Approve(context.Background(), run.ID, "alice")
	assert.ErrorIs(t, err, ErrNoPendingApproval)

	err = s.Reject(context.Background(), run.ID, "bob", "too risky")
	assert.ErrorIs(t, err, ErrNoPendingApproval)
}

func approvalRequest(timeout time.Duration) models.ApprovalRequest {
	now := time.Now()
	return models.ApprovalRequest{
		ActionType:  "send_email",
		RequestedAt: now,
		TimeoutAt:   now.Add(timeout),
		Status:      models.ApprovalPending,
	}
}

func TestSuspendForApproval_ApproveResumes(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	run := createRun(t, s, "topic")

	var (
		wg      sync.WaitGroup
		payload map[string]any
		suspErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		payload, suspErr = s.SuspendForApproval(ctx, run.ID, approvalRequest(30*time.Second))
	}()

	// Wait for the run to actually suspend before deciding.
	require.Eventually(t, func() bool {
		got, err := s.Get(ctx, run.ID)
		return err == nil && got.Status == models.RunStatusSuspendedApproval
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Approve(ctx, run.ID, "alice"))
	wg.Wait()

	require.NoError(t, suspErr)
	assert.Equal(t, "approve", payload["decision"])
	assert.Equal(t, "alice", payload["approver"])

	got, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.Status)
	assert.Empty(t, got.PendingApprovals)
}

func TestSuspendForApproval_RejectCarriesComment(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	run := createRun(t, s, "topic")

	done := make(chan map[string]any, 1)
	go func() {
		payload, _ := s.SuspendForApproval(ctx, run.ID, approvalRequest(30*time.Second))
		done <- payload
	}()

	require.Eventually(t, func() bool {
		got, err := s.Get(ctx, run.ID)
		return err == nil && got.Status == models.RunStatusSuspendedApproval
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Reject(ctx, run.ID, "bob", "not during business hours"))

	payload := <-done
	assert.Equal(t, "reject", payload["decision"])
	assert.Equal(t, "bob", payload["rejector"])
	assert.Equal(t, "not during business hours", payload["comment"])
}

func TestSuspendForApproval_Timeout(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	run := createRun(t, s, "topic")

	payload, err := s.SuspendForApproval(ctx, run.ID, approvalRequest(20*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, "approval_timeout", payload["error"])

	// The head request was resolved as escalated and the run resumed.
	got, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, got.PendingApprovals)
	assert.Equal(t, models.RunStatusRunning, got.Status)
}

func TestSuspendForApproval_ContextCancelled(t *testing.T) {
	s := newTestService(t)
	run := createRun(t, s, "topic")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	payload, err := s.SuspendForApproval(ctx, run.ID, approvalRequest(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "approval_cancelled", payload["error"])
}

func TestClaimNext_OldestFirst(t *testing.T) {
	store := NewMemStore()
	s := NewService(store)
	ctx := context.Background()

	old := &models.Run{ID: "old", Status: models.RunStatusQueued, CreatedAt: time.Now().Add(-time.Hour)}
	recent := &models.Run{ID: "recent", Status: models.RunStatusQueued, CreatedAt: time.Now()}
	require.NoError(t, store.Create(ctx, recent))
	require.NoError(t, store.Create(ctx, old))

	first, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "old", first.ID)
	assert.Equal(t, models.RunStatusRunning, first.Status)

	second, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "recent", second.ID)

	_, err = s.ClaimNext(ctx)
	assert.ErrorIs(t, err, ErrNoQueuedRuns)
}

func TestRecoverOrphans(t *testing.T) {
	store := NewMemStore()
	s := NewService(store)
	ctx := context.Background()

	stale := &models.Run{ID: "stale", Status: models.RunStatusRunning, UpdatedAt: time.Now().Add(-time.Hour)}
	fresh := &models.Run{ID: "fresh", Status: models.RunStatusRunning, UpdatedAt: time.Now()}
	queued := &models.Run{ID: "queued", Status: models.RunStatusQueued, UpdatedAt: time.Now().Add(-time.Hour)}
	for _, r := range []*models.Run{stale, fresh, queued} {
		require.NoError(t, store.Create(ctx, r))
	}

	n, err := s.RecoverOrphans(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.Contains(t, got.Error, "orphaned")

	got, err = s.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.Status)
}

func TestList_FilterAndOrder(t *testing.T) {
	store := NewMemStore()
	s := NewService(store)
	ctx := context.Background()

	for i, spec := range []struct {
		id     string
		status models.RunStatus
	}{
		{"a", models.RunStatusQueued},
		{"b", models.RunStatusCompleted},
		{"c", models.RunStatusQueued},
	} {
		require.NoError(t, store.Create(ctx, &models.Run{
			ID:        spec.id,
			Status:    spec.status,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	all, err := s.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID, "newest first")

	queued, err := s.List(ctx, models.RunStatusQueued, 0)
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	limited, err := s.List(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
