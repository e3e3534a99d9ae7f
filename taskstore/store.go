// Package taskstore implements the Task Store (C10): an in-process
// authoritative map of tasks and plans, a recency-ordered index, and an
// optional external key-value store for at-most-once replay of completed
// state.
package taskstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/taskmesh/orchestrator/core"
	"github.com/taskmesh/orchestrator/model"
)

// Persister is the optional external key-value backing store. It is never
// a coordination primitive: concurrent mutations to the same task must
// still be serialized by the Pipeline Driver's control flow.
type Persister interface {
	SaveTask(ctx context.Context, task *model.Task) error
	SavePlan(ctx context.Context, plan *model.Plan) error
	RecordRecent(ctx context.Context, taskID string, createdUnix int64) error
}

// Store is the process-global, in-memory authoritative task/plan state,
// optionally fronted by a Persister.
type Store struct {
	mu        sync.RWMutex
	tasks     map[string]*model.Task
	plans     map[string]*model.Plan
	recent    []string // task IDs, most recent first

	persister Persister
	logger    core.Logger
}

// New constructs a Store. persister may be nil to run purely in-memory.
func New(persister Persister, logger core.Logger) *Store {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if aware, ok := logger.(core.ComponentAwareLogger); ok {
		logger = aware.WithComponent("engine/taskstore")
	}
	return &Store{
		tasks:     make(map[string]*model.Task),
		plans:     make(map[string]*model.Plan),
		persister: persister,
		logger:    logger,
	}
}

// Create registers a new task as the authoritative in-memory record.
func (s *Store) Create(ctx context.Context, task *model.Task) error {
	s.mu.Lock()
	s.tasks[task.ID] = task
	s.recent = append([]string{task.ID}, s.recent...)
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.SaveTask(ctx, task); err != nil {
			s.logger.Warn("failed to persist task on create", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
		}
		if err := s.persister.RecordRecent(ctx, task.ID, task.CreatedAt.Unix()); err != nil {
			s.logger.Warn("failed to record task in recency index", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
		}
	}
	return nil
}

// Get reads a task by ID from the authoritative in-memory map.
func (s *Store) Get(_ context.Context, taskID string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, core.ErrTaskNotFound
	}
	return t, nil
}

// Persist writes task's current state back to the store after a mutation,
// optionally mirroring to the external persister.
func (s *Store) Persist(ctx context.Context, task *model.Task) error {
	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.SaveTask(ctx, task); err != nil {
			s.logger.Warn("failed to persist task", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
		}
	}
	return nil
}

// SetPlan installs plan as task.Plan and records it, replacing any prior
// plan atomically from the caller's perspective.
func (s *Store) SetPlan(ctx context.Context, task *model.Task, plan *model.Plan) error {
	s.mu.Lock()
	task.Plan = plan
	s.plans[task.ID] = plan
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.SavePlan(ctx, plan); err != nil {
			s.logger.Warn("failed to persist plan", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
		}
	}
	return s.Persist(ctx, task)
}

// GetPlan returns the plan currently installed for taskID.
func (s *Store) GetPlan(_ context.Context, taskID string) (*model.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[taskID]
	if !ok {
		return nil, core.ErrPlanNotFound
	}
	return p, nil
}

// ListRecent returns up to limit task IDs, newest Create call first; the
// tasks' CreatedAt timestamps are not consulted.
func (s *Store) ListRecent(limit int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]string, limit)
	copy(out, s.recent[:limit])
	return out
}

// sortedByCreatedDesc is a small helper exercised by tests to assert the
// recency index matches creation order independent of insertion timing.
func sortedByCreatedDesc(tasks []*model.Task) []*model.Task {
	out := make([]*model.Task, len(tasks))
	copy(out, tasks)
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// rehydrator is the subset of RedisPersister needed to rebuild in-memory
// state from external storage after a process restart. Not part of the
// Persister interface: hydration is an explicit, one-time startup action,
// never implicit in normal read/write operations.
type rehydrator interface {
	ListRecent(ctx context.Context, limit int64) ([]string, error)
	GetTask(ctx context.Context, taskID string) (*model.Task, error)
	GetPlan(ctx context.Context, taskID string) (*model.Plan, error)
}

// Hydrate repopulates the in-memory map and recency index from an external
// store that also implements rehydrator (RedisPersister does). It is a
// no-op if the store's persister does not support rehydration.
func (s *Store) Hydrate(ctx context.Context, limit int64) error {
	r, ok := s.persister.(rehydrator)
	if !ok {
		return nil
	}
	ids, err := r.ListRecent(ctx, limit)
	if err != nil {
		return fmt.Errorf("hydrate: list recent: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		task, err := r.GetTask(ctx, id)
		if err != nil {
			s.logger.Warn("failed to hydrate task", map[string]interface{}{"task_id": id, "error": err.Error()})
			continue
		}
		s.tasks[id] = task
		s.recent = append(s.recent, id)

		if plan, err := r.GetPlan(ctx, id); err == nil {
			s.plans[id] = plan
			task.Plan = plan
		}
	}
	return nil
}
