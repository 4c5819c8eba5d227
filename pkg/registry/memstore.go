package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/delvd/delv/pkg/models"
)

// MemStore is the in-memory RunStore for single-process deployments.
// All reads and writes go through deep copies so callers never alias
// in-flight state.
type MemStore struct {
	mu   sync.RWMutex
	runs map[string]*models.Run
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{runs: make(map[string]*models.Run)}
}

func (s *MemStore) Create(_ context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return run.Clone(), nil
}

func (s *MemStore) Update(_ context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	cp := run.Clone()
	cp.UpdatedAt = time.Now()
	s.runs[run.ID] = cp
	return nil
}

func (s *MemStore) List(_ context.Context, status models.RunStatus, limit int) ([]*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status != "" && run.Status != status {
			continue
		}
		out = append(out, run.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) ClaimNextQueued(_ context.Context) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *models.Run
	for _, run := range s.runs {
		if run.Status != models.RunStatusQueued {
			continue
		}
		if oldest == nil || run.CreatedAt.Before(oldest.CreatedAt) {
			oldest = run
		}
	}
	if oldest == nil {
		return nil, ErrNoQueuedRuns
	}
	oldest.Status = models.RunStatusRunning
	oldest.UpdatedAt = time.Now()
	return oldest.Clone(), nil
}

func (s *MemStore) FailOrphans(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	failed := 0
	for _, run := range s.runs {
		if run.Status != models.RunStatusRunning || run.UpdatedAt.After(cutoff) {
			continue
		}
		run.Status = models.RunStatusFailed
		run.Error = "orphaned: no progress before worker restart"
		run.UpdatedAt = time.Now()
		failed++
	}
	return failed, nil
}
