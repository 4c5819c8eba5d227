// Package registry is the authoritative run state: lifecycle
// transitions, the external read contract, and the approval suspension
// rendezvous between workers and API clients.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/delvd/delv/pkg/models"
)

// Sentinel errors for the read and resume contracts.
var (
	ErrRunNotFound       = errors.New("run not found")
	ErrNotReady          = errors.New("report not ready")
	ErrNoPendingApproval = errors.New("no pending approval")
	ErrNoQueuedRuns      = errors.New("no queued runs")

	ErrEmptyTopic    = errors.New("topic must not be empty")
	ErrTopicTooLong  = errors.New("topic exceeds 500 characters")
	ErrUserIDTooLong = errors.New("user_id exceeds 255 characters")
)

// RunStore is the persistence capability behind the registry. The
// in-memory implementation serves single-process deployments; the
// postgres implementation survives restarts and supports multiple
// workers.
type RunStore interface {
	// Create persists a new run. The run ID must be unique.
	Create(ctx context.Context, run *models.Run) error

	// Get returns a copy of the run, or ErrRunNotFound.
	Get(ctx context.Context, id string) (*models.Run, error)

	// Update overwrites the stored run and bumps UpdatedAt.
	Update(ctx context.Context, run *models.Run) error

	// List returns runs newest-first, optionally filtered by status.
	// limit <= 0 means no limit.
	List(ctx context.Context, status models.RunStatus, limit int) ([]*models.Run, error)

	// ClaimNextQueued atomically moves the oldest Queued run to Running
	// and returns it, or ErrNoQueuedRuns.
	ClaimNextQueued(ctx context.Context) (*models.Run, error)

	// FailOrphans marks Running runs untouched for longer than olderThan
	// as Failed. Returns the number of runs failed.
	FailOrphans(ctx context.Context, olderThan time.Duration) (int, error)
}
