package taskservice

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"ingestgraph/internal/domain"
	"ingestgraph/internal/metadatastore"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (r *recordingPublisher) Publish(_ context.Context, ev StatusEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func newTestService() (*Service, *recordingPublisher) {
	pub := &recordingPublisher{}
	return New(metadatastore.NewMemory(), pub), pub
}

func testWeights() []domain.StepWeight {
	return []domain.StepWeight{{Name: "a", Weight: 0.4}, {Name: "b", Weight: 0.6}}
}

func TestService_CreateTaskBuildsPendingSteps(t *testing.T) {
	svc, _ := newTestService()
	task, err := svc.CreateTask(context.Background(), "doc1", domain.TaskIngest, testWeights())
	require.NoError(t, err)
	require.Equal(t, domain.TaskPending, task.Status)
	require.Len(t, task.Steps, 2)
	require.Equal(t, "doc1", task.DocumentID)
	for _, s := range task.Steps {
		require.Equal(t, domain.TaskPending, s.Status)
	}
}

func TestService_StepLifecycleRaisesProgressAndCompletesTask(t *testing.T) {
	svc, pub := newTestService()
	ctx := context.Background()
	task, err := svc.CreateTask(ctx, "doc2", domain.TaskIngest, testWeights())
	require.NoError(t, err)

	require.NoError(t, svc.StartStep(ctx, task.ID, "a"))
	require.NoError(t, svc.CompleteStep(ctx, task.ID, "a", map[string]any{"x": 1}))

	mid, err := svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskRunning, mid.Status)
	require.InDelta(t, 0.4, mid.Progress, 0.0001)

	require.NoError(t, svc.StartStep(ctx, task.ID, "b"))
	require.NoError(t, svc.CompleteStep(ctx, task.ID, "b", nil))

	final, err := svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, final.Status)
	require.InDelta(t, 1.0, final.Progress, 0.0001)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.events, 4)
	require.Equal(t, domain.TaskCompleted, pub.events[3].Status)
}

func TestService_FailStepFailsTaskAndStopsProgress(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	task, err := svc.CreateTask(ctx, "doc3", domain.TaskIngest, testWeights())
	require.NoError(t, err)

	require.NoError(t, svc.StartStep(ctx, task.ID, "a"))
	require.NoError(t, svc.FailStep(ctx, task.ID, "a", "boom", map[string]any{"stack": "trace"}))

	got, err := svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskFailed, got.Status)
	require.Equal(t, "boom", got.Error)
	require.Equal(t, domain.TaskFailed, got.Steps[0].Status)
	require.Contains(t, got.Steps[0].Detail, "stack")
}

func TestService_RequestCancellationMarksTaskCancelled(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	task, err := svc.CreateTask(ctx, "doc4", domain.TaskIngest, testWeights())
	require.NoError(t, err)

	require.False(t, svc.Cancelled(ctx, task.ID))
	svc.RequestCancellation(task.ID)
	require.True(t, svc.Cancelled(ctx, task.ID))

	require.NoError(t, svc.MarkCancelled(ctx, task.ID))
	got, err := svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCancelled, got.Status)
	require.Equal(t, "cancelled by user", got.Error)
	require.NotNil(t, got.CancelledAt)
}

func TestService_NilPublisherIsSafe(t *testing.T) {
	svc := New(metadatastore.NewMemory(), nil)
	ctx := context.Background()
	task, err := svc.CreateTask(ctx, "doc5", domain.TaskIngest, testWeights())
	require.NoError(t, err)
	require.NoError(t, svc.StartStep(ctx, task.ID, "a"))
	require.NoError(t, svc.CompleteStep(ctx, task.ID, "a", nil))
}
