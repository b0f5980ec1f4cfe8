package storage

import (
	"context"
	"sort"
	"sync"

	"taskcore/internal/task"
)

// memIndex is the in-memory task table shared by the memory and file backends.
// Callers hold the owning store's lock.
type memIndex struct {
	tasks map[string]*task.Task
	// dependents maps a dependency id to the ids declaring it.
	dependents map[string]map[string]struct{}
}

func newMemIndex() *memIndex {
	return &memIndex{
		tasks:      map[string]*task.Task{},
		dependents: map[string]map[string]struct{}{},
	}
}

func (m *memIndex) put(t *task.Task) {
	if prev, ok := m.tasks[t.ID]; ok {
		for _, d := range prev.Dependencies {
			if set := m.dependents[d.TaskID]; set != nil {
				delete(set, t.ID)
				if len(set) == 0 {
					delete(m.dependents, d.TaskID)
				}
			}
		}
	}
	cp := t.Clone()
	m.tasks[cp.ID] = cp
	for _, d := range cp.Dependencies {
		set := m.dependents[d.TaskID]
		if set == nil {
			set = map[string]struct{}{}
			m.dependents[d.TaskID] = set
		}
		set[cp.ID] = struct{}{}
	}
}

func (m *memIndex) get(id string) *task.Task {
	return m.tasks[id].Clone()
}

func (m *memIndex) byStatus(status task.Status) []*task.Task {
	out := make([]*task.Task, 0)
	for _, t := range m.tasks {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	sortByCreated(out)
	return out
}

func (m *memIndex) count(status task.Status) int {
	n := 0
	for _, t := range m.tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}

func (m *memIndex) byDependency(id string) []*task.Task {
	set := m.dependents[id]
	out := make([]*task.Task, 0, len(set))
	for tid := range set {
		if t, ok := m.tasks[tid]; ok {
			out = append(out, t.Clone())
		}
	}
	sortByCreated(out)
	return out
}

func (m *memIndex) all() []*task.Task {
	out := make([]*task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	sortByCreated(out)
	return out
}

func sortByCreated(ts []*task.Task) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}

// MemoryStore keeps tasks in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	idx    *memIndex
	closed bool
}

func NewMemory() *MemoryStore {
	return &MemoryStore{idx: newMemIndex()}
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.idx.get(id), nil
}

func (s *MemoryStore) Update(ctx context.Context, t *task.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkTask(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.idx.put(t)
	return nil
}

func (s *MemoryStore) GetTasksByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.idx.byStatus(status), nil
}

func (s *MemoryStore) GetTasksByDependency(ctx context.Context, id string) ([]*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.idx.byDependency(id), nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context, status task.Status) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.idx.count(status), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
