package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/delvd/delv/pkg/models"
)

// ReportView is the external read shape for a completed run's report.
type ReportView struct {
	Markdown string                   `json:"markdown"`
	Sources  []models.SourceReference `json:"sources"`
	Metadata map[string]any           `json:"metadata"`
}

// Service owns run lifecycle transitions and the approval rendezvous.
// Workers block in SuspendForApproval; API clients resolve the wait via
// Approve or Reject. The store is the source of truth; waiter channels
// only carry the resume payload.
type Service struct {
	store RunStore

	waiters syncMap
}

// syncMap holds one buffered resume channel per suspended run.
type syncMap struct {
	mu sync.Mutex
	m  map[string]chan map[string]any
}

// NewService creates a registry service over the given store.
func NewService(store RunStore) *Service {
	return &Service{
		store:   store,
		waiters: syncMap{m: make(map[string]chan map[string]any)},
	}
}

// CreateRun validates input and registers a new Queued run.
func (s *Service) CreateRun(ctx context.Context, topic, userID, traceparent string) (*models.Run, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	if len([]rune(topic)) > models.MaxTopicLength {
		return nil, ErrTopicTooLong
	}
	if len([]rune(userID)) > models.MaxUserIDLength {
		return nil, ErrUserIDTooLong
	}

	now := time.Now()
	run := &models.Run{
		ID:          uuid.NewString(),
		Status:      models.RunStatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
		Topic:       topic,
		UserID:      userID,
		Traceparent: traceparent,
	}
	if err := s.store.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	slog.Info("Run created", "run_id", run.ID, "topic", topic)
	return run, nil
}

// Get returns the full run record.
func (s *Service) Get(ctx context.Context, id string) (*models.Run, error) {
	return s.store.Get(ctx, id)
}

// List returns runs newest-first, optionally filtered by status.
func (s *Service) List(ctx context.Context, status models.RunStatus, limit int) ([]*models.Run, error) {
	return s.store.List(ctx, status, limit)
}

// Report returns the materialized report, or ErrNotReady unless the run
// has completed.
func (s *Service) Report(ctx context.Context, id string) (*ReportView, error) {
	run, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status != models.RunStatusCompleted {
		return nil, ErrNotReady
	}
	return &ReportView{
		Markdown: run.Markdown,
		Sources:  run.Sources,
		Metadata: run.Metadata,
	}, nil
}

// ClaimNext hands the oldest Queued run to a worker.
func (s *Service) ClaimNext(ctx context.Context) (*models.Run, error) {
	return s.store.ClaimNextQueued(ctx)
}

// RecoverOrphans fails Running runs that stopped making progress, for
// startup recovery after a crash.
func (s *Service) RecoverOrphans(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := s.store.FailOrphans(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Warn("Failed orphaned runs", "count", n)
	}
	return n, nil
}

// Complete writes the terminal state for a run that finished its
// workflow. The approval roll-up decides between Completed and Escalated.
func (s *Service) Complete(ctx context.Context, id string, state models.ResearchState, markdown string, sources []models.SourceReference, metadata map[string]any, rollup string) error {
	run, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	run.Status = models.RunStatusCompleted
	if rollup == "escalated" {
		run.Status = models.RunStatusEscalated
	}
	run.IterationsUsed = state.IterationCount
	run.SourcesCount = len(sources)
	run.MemoryDocumentID = state.MemoryDocumentID
	run.Markdown = markdown
	run.Sources = sources
	run.Metadata = metadata
	run.ApprovalRollup = rollup
	run.PendingApprovals = nil

	if err := s.store.Update(ctx, run); err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	slog.Info("Run finished", "run_id", id, "status", run.Status, "rollup", rollup)
	return nil
}

// Fail marks a run as failed with the given error message.
func (s *Service) Fail(ctx context.Context, id, message string) error {
	run, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	run.Status = models.RunStatusFailed
	run.Error = message
	run.PendingApprovals = nil
	if err := s.store.Update(ctx, run); err != nil {
		return fmt.Errorf("failed to fail run: %w", err)
	}
	slog.Error("Run failed", "run_id", id, "error", message)
	return nil
}

// SuspendForApproval implements the approval gate's Suspender contract:
// it registers the pending request, parks until an external decision or
// the request's timeout, and returns the resume payload. Timeout and
// cancellation produce {"error": ...} payloads rather than errors, so
// the gate can escalate uniformly.
func (s *Service) SuspendForApproval(ctx context.Context, runID string, req models.ApprovalRequest) (map[string]any, error) {
	run, err := s.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}

	// Register the waiter before the suspension becomes visible, so a
	// decision cannot arrive in the gap and find no channel.
	ch := make(chan map[string]any, 1)
	s.waiters.mu.Lock()
	s.waiters.m[runID] = ch
	s.waiters.mu.Unlock()
	defer func() {
		s.waiters.mu.Lock()
		delete(s.waiters.m, runID)
		s.waiters.mu.Unlock()
	}()

	run.Status = models.RunStatusSuspendedApproval
	run.PendingApprovals = append(run.PendingApprovals, req)
	if err := s.store.Update(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to suspend run: %w", err)
	}

	slog.Info("Run suspended for approval",
		"run_id", runID, "action_type", req.ActionType, "timeout_at", req.TimeoutAt)

	timer := time.NewTimer(time.Until(req.TimeoutAt))
	defer timer.Stop()

	select {
	case payload := <-ch:
		return payload, nil
	case <-timer.C:
		s.resolveHead(ctx, runID, models.ApprovalEscalated, map[string]any{"reason": "timeout"})
		return map[string]any{"error": "approval_timeout"}, nil
	case <-ctx.Done():
		s.resolveHead(ctx, runID, models.ApprovalEscalated, map[string]any{"reason": "cancelled"})
		return map[string]any{"error": "approval_cancelled"}, nil
	}
}

// Approve resolves the head pending approval and resumes the worker.
func (s *Service) Approve(ctx context.Context, runID, approver string) error {
	payload := map[string]any{"decision": "approve"}
	if approver != "" {
		payload["approver"] = approver
	}
	return s.resume(ctx, runID, models.ApprovalApproved, payload)
}

// Reject resolves the head pending approval and resumes the worker.
func (s *Service) Reject(ctx context.Context, runID, rejector, reason string) error {
	payload := map[string]any{"decision": "reject"}
	if rejector != "" {
		payload["rejector"] = rejector
	}
	if reason != "" {
		payload["comment"] = reason
	}
	return s.resume(ctx, runID, models.ApprovalRejected, payload)
}

func (s *Service) resume(ctx context.Context, runID string, status models.ApprovalStatus, payload map[string]any) error {
	run, err := s.store.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != models.RunStatusSuspendedApproval || len(run.PendingApprovals) == 0 {
		return ErrNoPendingApproval
	}

	if err := s.resolveHead(ctx, runID, status, payload); err != nil {
		return err
	}

	s.waiters.mu.Lock()
	ch, waiting := s.waiters.m[runID]
	s.waiters.mu.Unlock()
	if waiting {
		select {
		case ch <- payload:
		default:
			// Waiter already resumed (timeout raced the decision).
		}
	}
	return nil
}

// resolveHead records the decision on the earliest pending approval and
// moves the run back to Running for the remainder of the gate pass.
func (s *Service) resolveHead(ctx context.Context, runID string, status models.ApprovalStatus, metadata map[string]any) error {
	run, err := s.store.Get(ctx, runID)
	if err != nil {
		return err
	}
	if len(run.PendingApprovals) == 0 {
		return ErrNoPendingApproval
	}

	head := run.PendingApprovals[0]
	head.Status = status
	head.DecisionMetadata = metadata
	run.PendingApprovals = run.PendingApprovals[1:]
	run.Status = models.RunStatusRunning

	if err := s.store.Update(ctx, run); err != nil {
		return fmt.Errorf("failed to resolve approval: %w", err)
	}
	slog.Info("Approval resolved",
		"run_id", runID, "action_type", head.ActionType, "status", status)
	return nil
}
