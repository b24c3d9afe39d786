package metadatastore

import (
	"context"
	"sort"
	"sync"

	"ingestgraph/internal/domain"
)

type memoryStore struct {
	mu        sync.RWMutex
	documents map[string]domain.Document
	tasks     map[string]domain.Task
	steps     map[string][]domain.TaskStep // taskID -> steps, in creation order
}

// NewMemory returns an in-process Store, used by tests and single-node
// deployments without a configured Postgres DSN.
func NewMemory() Store {
	return &memoryStore{
		documents: make(map[string]domain.Document),
		tasks:     make(map[string]domain.Task),
		steps:     make(map[string][]domain.TaskStep),
	}
}

func (m *memoryStore) Init(context.Context) error { return nil }

func (m *memoryStore) CreateDocument(_ context.Context, d domain.Document) (domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.CreatedAt = now()
	d.UpdatedAt = d.CreatedAt
	m.documents[d.ID] = d
	return d, nil
}

func (m *memoryStore) GetDocument(_ context.Context, id string) (domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	if !ok {
		return domain.Document{}, ErrNotFound
	}
	return d, nil
}

func (m *memoryStore) UpdateDocument(_ context.Context, d domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[d.ID]; !ok {
		return ErrNotFound
	}
	d.UpdatedAt = now()
	m.documents[d.ID] = d
	return nil
}

func (m *memoryStore) SoftDeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok {
		return ErrNotFound
	}
	t := now()
	d.DeletedAt = &t
	d.Status = domain.DocumentFailed
	d.UpdatedAt = t
	m.documents[id] = d
	return nil
}

func (m *memoryStore) ListDocuments(_ context.Context, filter DocumentFilter) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Document, 0, len(m.documents))
	for _, d := range m.documents {
		if d.DeletedAt != nil && !filter.IncludeDeleted {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memoryStore) CreateTask(_ context.Context, t domain.Task) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.CreatedAt = now()
	t.UpdatedAt = t.CreatedAt
	m.tasks[t.ID] = t
	for _, s := range t.Steps {
		m.steps[t.ID] = append(m.steps[t.ID], s)
	}
	return t, nil
}

func (m *memoryStore) GetTask(_ context.Context, id string) (domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	t.Steps = append([]domain.TaskStep{}, m.steps[id]...)
	return t, nil
}

func (m *memoryStore) UpdateTask(_ context.Context, t domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	t.UpdatedAt = now()
	m.tasks[t.ID] = t
	return nil
}

func (m *memoryStore) ListTasks(_ context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if status != "" && t.Status != status {
			continue
		}
		t.Steps = append([]domain.TaskStep{}, m.steps[t.ID]...)
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) CreateStep(_ context.Context, s domain.TaskStep) (domain.TaskStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[s.TaskID] = append(m.steps[s.TaskID], s)
	return s, nil
}

func (m *memoryStore) UpdateStep(_ context.Context, s domain.TaskStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := m.steps[s.TaskID]
	for i, existing := range steps {
		if existing.ID == s.ID {
			steps[i] = s
			return nil
		}
	}
	return ErrNotFound
}

func (m *memoryStore) ListSteps(_ context.Context, taskID string) ([]domain.TaskStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.TaskStep{}, m.steps[taskID]...), nil
}
