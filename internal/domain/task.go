package domain

import "time"

// TaskType names the kind of long-running operation a Task represents.
type TaskType string

const (
	TaskIngest TaskType = "ingest"
	TaskUnify  TaskType = "unify"
	TaskCommunityRefresh TaskType = "community_refresh"
)

// TaskStatus is the lifecycle state of a Task or TaskStep.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// UnificationMode selects how the unification agent builds its candidate set
// for entity merging.
type UnificationMode string

const (
	ModeIncremental   UnificationMode = "incremental"
	ModeSampling      UnificationMode = "sampling"
	ModeGlobalSemantic UnificationMode = "global_semantic"
)

// TaskStep is one named, weighted step of a Task's pipeline. Detail
// accumulates intermediate results and, per retry, an
// {"attempt": n, "error": "..."} entry.
type TaskStep struct {
	ID        string
	TaskID    string
	Name      string
	Weight    float64
	Status    TaskStatus
	Progress  float64
	Detail    map[string]any
	Error     string
	StartedAt *time.Time
	EndedAt   *time.Time
}

// Task is a long-running, resumable, cancellable operation composed of
// weighted TaskSteps. Progress is the weighted sum of step progress.
type Task struct {
	ID          string
	DocumentID  string
	Type        TaskType
	Status      TaskStatus
	Progress    float64
	Steps       []TaskStep
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CancelledAt *time.Time
}

// StepWeight pairs a step name with its weight in the overall task's
// progress computation. A task's progress is the sum of each step's weight
// times its own progress; the named pipelines' weights sum to 100, so their
// completed tasks reach 100. The sum is not checked.
type StepWeight struct {
	Name   string
	Weight float64
}
