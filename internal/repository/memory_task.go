package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryTaskRepository is the no-database fallback: tasks and backlog exist
// only for the life of the process (spec §4.1 — "task data is not persisted
// in fallback mode; all tasks are in-memory (documented behaviour)").
type MemoryTaskRepository struct {
	mu      sync.RWMutex
	tasks   map[uuid.UUID]Task
	backlog []BacklogEntry
}

// NewMemoryTaskRepository returns an empty in-process TaskRepository.
func NewMemoryTaskRepository() *MemoryTaskRepository {
	return &MemoryTaskRepository{tasks: make(map[uuid.UUID]Task)}
}

func (r *MemoryTaskRepository) Upsert(_ context.Context, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task
	return nil
}

func (r *MemoryTaskRepository) Update(_ context.Context, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task
	return nil
}

func (r *MemoryTaskRepository) FindByID(_ context.Context, id uuid.UUID) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (r *MemoryTaskRepository) SaveBacklogEntry(_ context.Context, agentName string, taskID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var maxPos int64
	for _, e := range r.backlog {
		if e.AgentName == agentName && e.Position > maxPos {
			maxPos = e.Position
		}
	}
	r.backlog = append(r.backlog, BacklogEntry{AgentName: agentName, TaskID: taskID, Position: maxPos + 1})
	return nil
}

func (r *MemoryTaskRepository) RemoveBacklogEntry(_ context.Context, agentName string, taskID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.backlog[:0]
	for _, e := range r.backlog {
		if e.AgentName == agentName && e.TaskID == taskID {
			continue
		}
		out = append(out, e)
	}
	r.backlog = out
	return nil
}

func (r *MemoryTaskRepository) LoadAll(_ context.Context) ([]Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if isTerminal(t.Status) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryTaskRepository) LoadBacklog(_ context.Context) ([]BacklogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BacklogEntry, len(r.backlog))
	copy(out, r.backlog)
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentName != out[j].AgentName {
			return out[i].AgentName < out[j].AgentName
		}
		return out[i].Position < out[j].Position
	})
	return out, nil
}

func (r *MemoryTaskRepository) FindRecent(_ context.Context, agentName string, limit int) ([]Task, error) {
	if limit <= 0 || limit > 20 {
		limit = 20
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if agentName != "" && t.ToAgent != agentName {
			continue
		}
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func isTerminal(status string) bool {
	switch status {
	case "completed", "failed", "rejected", "cancelled":
		return true
	default:
		return false
	}
}
