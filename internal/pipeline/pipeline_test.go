package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ingestgraph/internal/apperror"
)

type fakeRecorder struct {
	mu         sync.Mutex
	started    []string
	completed  []string
	failed     []string
	failDetail map[string]any
	lastDetail map[string]any
	cancelled  map[string]bool
	marked     []string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{cancelled: make(map[string]bool)}
}

func (f *fakeRecorder) StartStep(_ context.Context, _, stepName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, stepName)
	return nil
}

func (f *fakeRecorder) CompleteStep(_ context.Context, _, stepName string, detail map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, stepName)
	f.lastDetail = detail
	return nil
}

func (f *fakeRecorder) FailStep(_ context.Context, _, stepName string, _ string, detail map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, stepName)
	f.failDetail = detail
	return nil
}

func (f *fakeRecorder) Cancelled(_ context.Context, taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[taskID]
}

func (f *fakeRecorder) MarkCancelled(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, taskID)
	return nil
}

func waitFor(t *testing.T, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestOrchestrator_RunsStepsInOrder(t *testing.T) {
	rec := newFakeRecorder()
	orch := New(rec, 10, 2, t.TempDir())
	defer orch.Shutdown()

	var order []string
	var mu sync.Mutex
	def := Definition{Name: "test", Steps: []Step{
		{Name: "a", Weight: 0.5, Run: func(_ context.Context, st *State) (map[string]any, error) {
			mu.Lock()
			order = append(order, "a")
			mu.Unlock()
			return map[string]any{"ok": true}, nil
		}},
		{Name: "b", Weight: 0.5, Run: func(_ context.Context, st *State) (map[string]any, error) {
			mu.Lock()
			order = append(order, "b")
			mu.Unlock()
			return nil, nil
		}},
	}}

	require.NoError(t, orch.Submit(Job{TaskID: "t1", Definition: def, State: &State{}}))

	waitFor(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.completed) == 2
	})

	mu.Lock()
	require.Equal(t, []string{"a", "b"}, order)
	mu.Unlock()
	require.Empty(t, rec.failed)
}

func TestOrchestrator_StopsAndRecordsOnStepFailure(t *testing.T) {
	rec := newFakeRecorder()
	orch := New(rec, 10, 1, t.TempDir())
	defer orch.Shutdown()

	var secondRan bool
	def := Definition{Name: "test", Steps: []Step{
		{Name: "fails", Weight: 1, Run: func(_ context.Context, st *State) (map[string]any, error) {
			return nil, apperror.New(apperror.KindInputInvalid, fmt.Errorf("bad input"))
		}},
		{Name: "never", Weight: 1, Run: func(_ context.Context, st *State) (map[string]any, error) {
			secondRan = true
			return nil, nil
		}},
	}}

	require.NoError(t, orch.Submit(Job{TaskID: "t2", Definition: def, State: &State{}}))

	waitFor(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.failed) == 1
	})

	require.False(t, secondRan)
	require.Contains(t, rec.failDetail, "stack")
}

func TestOrchestrator_CancellationStopsBeforeNextStep(t *testing.T) {
	rec := newFakeRecorder()
	rec.cancelled["t3"] = true
	orch := New(rec, 10, 1, t.TempDir())
	defer orch.Shutdown()

	var ran bool
	def := Definition{Name: "test", Steps: []Step{
		{Name: "a", Weight: 1, Run: func(_ context.Context, st *State) (map[string]any, error) {
			ran = true
			return nil, nil
		}},
	}}

	require.NoError(t, orch.Submit(Job{TaskID: "t3", Definition: def, State: &State{}}))

	waitFor(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.marked) == 1
	})
	require.False(t, ran)
}

func TestOrchestrator_RetriesExternalTransientAndRecordsAttempts(t *testing.T) {
	rec := newFakeRecorder()
	orch := New(rec, 10, 1, t.TempDir())
	defer orch.Shutdown()

	var attempts int
	def := Definition{Name: "test", Steps: []Step{
		{Name: "flaky", Weight: 1, Run: func(_ context.Context, st *State) (map[string]any, error) {
			attempts++
			if attempts < 3 {
				return nil, apperror.New(apperror.KindExternalTransient, fmt.Errorf("temporary outage"))
			}
			return map[string]any{"done": true}, nil
		}},
	}}

	require.NoError(t, orch.Submit(Job{TaskID: "t4", Definition: def, State: &State{}}))

	waitFor(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.completed) == 1
	})

	retries, ok := rec.lastDetail["retries"].([]any)
	require.True(t, ok)
	require.Len(t, retries, 2)
}

func TestOrchestrator_PanicRecoversAsFailure(t *testing.T) {
	rec := newFakeRecorder()
	orch := New(rec, 10, 1, t.TempDir())
	defer orch.Shutdown()

	def := Definition{Name: "test", Steps: []Step{
		{Name: "boom", Weight: 1, Run: func(_ context.Context, st *State) (map[string]any, error) {
			panic("kaboom")
		}},
	}}

	require.NoError(t, orch.Submit(Job{TaskID: "t5", Definition: def, State: &State{}}))

	waitFor(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.failed) == 1
	})
}

func TestOrchestrator_SubmitRejectsWhenQueueFull(t *testing.T) {
	rec := newFakeRecorder()
	blocked := make(chan struct{})
	orch := New(rec, 1, 1, t.TempDir())
	defer func() {
		close(blocked)
		orch.Shutdown()
	}()

	def := Definition{Name: "test", Steps: []Step{
		{Name: "block", Weight: 1, Run: func(_ context.Context, st *State) (map[string]any, error) {
			<-blocked
			return nil, nil
		}},
	}}

	require.NoError(t, orch.Submit(Job{TaskID: "busy", Definition: def, State: &State{}}))
	waitFor(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.started) == 1
	})

	require.NoError(t, orch.Submit(Job{TaskID: "queued", Definition: def, State: &State{}}))
	err := orch.Submit(Job{TaskID: "overflow", Definition: def, State: &State{}})
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestDefinition_StepWeights(t *testing.T) {
	def := Definition{Name: "x", Steps: []Step{
		{Name: "a", Weight: 0.3},
		{Name: "b", Weight: 0.7},
	}}
	weights := def.StepWeights()
	require.Len(t, weights, 2)
	require.Equal(t, "a", weights[0].Name)
	require.Equal(t, 0.7, weights[1].Weight)
}
