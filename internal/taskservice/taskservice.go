// Package taskservice implements the task service (C15): CRUD over tasks
// and task steps, cancellation, and status fan-out, adapted from the
// Redis-backed generation cache/invalidation pattern in
// internal/workspaces/redis_cache.go, generalized from cache invalidation
// events to ingestion task status events.
package taskservice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"ingestgraph/internal/domain"
	"ingestgraph/internal/metadatastore"
)

// StatusEvent is one fan-out notification published whenever a task or one
// of its steps changes status.
type StatusEvent struct {
	TaskID     string            `json:"task_id"`
	Status     domain.TaskStatus `json:"status"`
	Progress   float64           `json:"progress"`
	Step       string            `json:"step,omitempty"`
	StepStatus domain.TaskStatus `json:"step_status,omitempty"`
	Error      string            `json:"error,omitempty"`
	At         time.Time         `json:"at"`
}

// Service wraps a metadata store with task lifecycle operations and
// publishes a StatusEvent on every transition. It satisfies
// pipeline.Recorder so the orchestrator can drive it directly.
type Service struct {
	store Store
	pub   Publisher

	mu        sync.Mutex
	cancelled map[string]bool
}

// Store is the subset of metadatastore.Store the task service needs.
type Store interface {
	CreateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	UpdateTask(ctx context.Context, t domain.Task) error
	ListTasks(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error)
	UpdateStep(ctx context.Context, s domain.TaskStep) error
}

var _ Store = metadatastore.Store(nil)

// New builds a Service. A nil pub disables fan-out (used in tests and
// single-process deployments without Redis configured).
func New(store Store, pub Publisher) *Service {
	if pub == nil {
		pub = noopPublisher{}
	}
	return &Service{store: store, pub: pub, cancelled: make(map[string]bool)}
}

// CreateTask builds a new Task with one pending TaskStep per weight, in
// order, and persists it.
func (s *Service) CreateTask(ctx context.Context, documentID string, taskType domain.TaskType, weights []domain.StepWeight) (domain.Task, error) {
	id := newID("task")
	steps := make([]domain.TaskStep, len(weights))
	for i, w := range weights {
		steps[i] = domain.TaskStep{
			ID:     fmt.Sprintf("%s_step_%d_%s", id, i, w.Name),
			TaskID: id,
			Name:   w.Name,
			Weight: w.Weight,
			Status: domain.TaskPending,
		}
	}
	t := domain.Task{
		ID:         id,
		DocumentID: documentID,
		Type:       taskType,
		Status:     domain.TaskPending,
		Steps:      steps,
	}
	return s.store.CreateTask(ctx, t)
}

// GetTask returns a task and its steps.
func (s *Service) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return s.store.GetTask(ctx, id)
}

// ListTasks lists tasks, optionally filtered by status.
func (s *Service) ListTasks(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error) {
	return s.store.ListTasks(ctx, status, limit)
}

// RequestCancellation marks taskID for cancellation. The orchestrator
// observes this the next time it checks Cancelled between steps; it is not
// durable across a process restart, matching the cooperative, in-flight-only
// cancellation contract.
func (s *Service) RequestCancellation(taskID string) {
	s.mu.Lock()
	s.cancelled[taskID] = true
	s.mu.Unlock()
}

// Cancelled implements pipeline.Recorder.
func (s *Service) Cancelled(_ context.Context, taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[taskID]
}

// MarkCancelled implements pipeline.Recorder: transitions the task to
// cancelled and publishes a final status event.
func (s *Service) MarkCancelled(ctx context.Context, taskID string) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	t.Status = domain.TaskCancelled
	t.CancelledAt = &now
	t.Error = "cancelled by user"
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return err
	}
	s.publish(ctx, StatusEvent{TaskID: taskID, Status: domain.TaskCancelled, Progress: t.Progress, Error: t.Error, At: now})
	return nil
}

// StartStep implements pipeline.Recorder: marks the step and (if this is its
// first step) the task running, timestamps it, and publishes.
func (s *Service) StartStep(ctx context.Context, taskID, stepName string) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	found := false
	for i := range t.Steps {
		if t.Steps[i].Name == stepName {
			t.Steps[i].Status = domain.TaskRunning
			t.Steps[i].StartedAt = &now
			if err := s.store.UpdateStep(ctx, t.Steps[i]); err != nil {
				return err
			}
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("taskservice: task %q has no step %q", taskID, stepName)
	}
	if t.Status == domain.TaskPending {
		t.Status = domain.TaskRunning
		if err := s.store.UpdateTask(ctx, t); err != nil {
			return err
		}
	}
	s.publish(ctx, StatusEvent{TaskID: taskID, Status: t.Status, Progress: t.Progress, Step: stepName, StepStatus: domain.TaskRunning, At: now})
	return nil
}

// CompleteStep implements pipeline.Recorder: marks the step completed,
// merges detail, raises the task's progress by the step's weight, and marks
// the task completed once every step has finished.
func (s *Service) CompleteStep(ctx context.Context, taskID, stepName string, detail map[string]any) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	allDone := true
	for i := range t.Steps {
		if t.Steps[i].Name == stepName {
			t.Steps[i].Status = domain.TaskCompleted
			t.Steps[i].Progress = 1
			t.Steps[i].Detail = mergeStepDetail(t.Steps[i].Detail, detail)
			t.Steps[i].EndedAt = &now
			if err := s.store.UpdateStep(ctx, t.Steps[i]); err != nil {
				return err
			}
		}
		if t.Steps[i].Status != domain.TaskCompleted {
			allDone = false
		}
	}
	t.Progress = weightedProgress(t.Steps)
	if allDone {
		t.Status = domain.TaskCompleted
	}
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return err
	}
	s.publish(ctx, StatusEvent{TaskID: taskID, Status: t.Status, Progress: t.Progress, Step: stepName, StepStatus: domain.TaskCompleted, At: now})
	return nil
}

// FailStep implements pipeline.Recorder: marks both the step and the
// enclosing task failed, records errMsg and detail, and publishes.
func (s *Service) FailStep(ctx context.Context, taskID, stepName string, errMsg string, detail map[string]any) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range t.Steps {
		if t.Steps[i].Name == stepName {
			t.Steps[i].Status = domain.TaskFailed
			t.Steps[i].Error = errMsg
			t.Steps[i].Detail = mergeStepDetail(t.Steps[i].Detail, detail)
			t.Steps[i].EndedAt = &now
			if err := s.store.UpdateStep(ctx, t.Steps[i]); err != nil {
				return err
			}
			break
		}
	}
	t.Status = domain.TaskFailed
	t.Error = errMsg
	t.Progress = weightedProgress(t.Steps)
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return err
	}
	s.publish(ctx, StatusEvent{TaskID: taskID, Status: domain.TaskFailed, Progress: t.Progress, Step: stepName, StepStatus: domain.TaskFailed, Error: errMsg, At: now})
	return nil
}

func (s *Service) publish(ctx context.Context, ev StatusEvent) {
	if err := s.pub.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("task_id", ev.TaskID).Msg("taskservice: publishing status event failed")
	}
}

// weightedProgress is the invariant from CreateTask's weights: overall
// progress is the weighted sum of each step's own progress.
func weightedProgress(steps []domain.TaskStep) float64 {
	var total float64
	for _, st := range steps {
		total += st.Weight * st.Progress
	}
	return total
}

func mergeStepDetail(existing, incoming map[string]any) map[string]any {
	if existing == nil && incoming == nil {
		return nil
	}
	out := make(map[string]any, len(existing)+len(incoming))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	return out
}

func newID(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}
