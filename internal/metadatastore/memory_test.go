package metadatastore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"ingestgraph/internal/domain"
)

func TestMemoryStore_DocumentLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	d, err := s.CreateDocument(ctx, domain.Document{ID: "doc1", Title: "report.pdf", Status: domain.DocumentPending})
	require.NoError(t, err)
	require.False(t, d.CreatedAt.IsZero())

	d.Status = domain.DocumentReady
	require.NoError(t, s.UpdateDocument(ctx, d))

	got, err := s.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, domain.DocumentReady, got.Status)

	require.NoError(t, s.SoftDeleteDocument(ctx, "doc1"))
	got, err = s.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	require.NotNil(t, got.DeletedAt)

	visible, err := s.ListDocuments(ctx, DocumentFilter{})
	require.NoError(t, err)
	require.Empty(t, visible)

	all, err := s.ListDocuments(ctx, DocumentFilter{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestMemoryStore_TaskStepsAccumulateRetryDetail(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	task, err := s.CreateTask(ctx, domain.Task{ID: "task1", Type: domain.TaskIngest, Status: domain.TaskRunning})
	require.NoError(t, err)
	require.NotZero(t, task.CreatedAt)

	step, err := s.CreateStep(ctx, domain.TaskStep{ID: "step1", TaskID: "task1", Name: "chunk", Weight: 0.5, Status: domain.TaskRunning})
	require.NoError(t, err)

	step.Detail = map[string]any{"attempt": 1, "error": "timeout"}
	step.Status = domain.TaskFailed
	require.NoError(t, s.UpdateStep(ctx, step))

	steps, err := s.ListSteps(ctx, "task1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, domain.TaskFailed, steps[0].Status)
	require.Equal(t, 1, steps[0].Detail["attempt"])
}

func TestMemoryStore_GetDocument_NotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_, err := s.GetDocument(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
