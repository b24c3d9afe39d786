package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"ingestgraph/internal/apperror"
	"ingestgraph/internal/domain"
)

// ErrQueueFull is returned by Submit when the orchestrator's bounded queue
// has no room for another task.
var ErrQueueFull = fmt.Errorf("pipeline: task queue is full")

// StepFunc is one pipeline step: a pure transformation over the shared
// State, returning detail to attach to the step's record. Returning an error
// fails the step (and the enclosing task); the error's message is recorded
// verbatim on the step.
type StepFunc func(ctx context.Context, st *State) (map[string]any, error)

// Step pairs a named, weighted StepFunc. Weights are percentages of the
// task's progress: the steps of each of the two named pipelines sum to 100,
// so a task's progress reaches 100 once every step completes. The sum is not
// enforced.
type Step struct {
	Name   string
	Weight float64
	Run    StepFunc
}

// Definition is a named, ordered list of steps.
type Definition struct {
	Name  string
	Steps []Step
}

// StepWeights extracts the name/weight pairs for task creation.
func (d Definition) StepWeights() []domain.StepWeight {
	out := make([]domain.StepWeight, len(d.Steps))
	for i, s := range d.Steps {
		out[i] = domain.StepWeight{Name: s.Name, Weight: s.Weight}
	}
	return out
}

// Recorder is the task-bookkeeping contract the orchestrator drives: task
// and step lifecycle transitions, progress publication, and cancellation
// checks. Implemented by the task service (C15); kept narrow here so this
// package never imports it.
type Recorder interface {
	StartStep(ctx context.Context, taskID, stepName string) error
	CompleteStep(ctx context.Context, taskID, stepName string, detail map[string]any) error
	FailStep(ctx context.Context, taskID, stepName string, errMsg string, detail map[string]any) error
	Cancelled(ctx context.Context, taskID string) bool
	MarkCancelled(ctx context.Context, taskID string) error
}

// Job is one unit of work accepted by the orchestrator: a task id already
// created in the Recorder, the pipeline definition to run, and the initial
// state.
type Job struct {
	TaskID     string
	Definition Definition
	State      *State
}

// Orchestrator runs Jobs against a bounded queue with a fixed worker pool,
// following the Kafka-consumer worker-pool shape of
// internal/orchestrator/kafka.go: a buffered jobs channel drained by
// workerCount goroutines, closed to signal shutdown.
type Orchestrator struct {
	recorder Recorder
	workers  int
	tempDir  string

	jobs chan Job
	wg   sync.WaitGroup
}

// New builds an Orchestrator with the given queue capacity and worker count.
// workDir is stored on the Orchestrator but neither read by it nor passed to
// steps; steps are responsible for cleaning up any files they create on both
// success and failure.
func New(recorder Recorder, queueSize, workers int, workDir string) *Orchestrator {
	if queueSize <= 0 {
		queueSize = 10000
	}
	if workers <= 0 {
		workers = 4
	}
	o := &Orchestrator{
		recorder: recorder,
		workers:  workers,
		tempDir:  workDir,
		jobs:     make(chan Job, queueSize),
	}
	for i := 0; i < workers; i++ {
		o.wg.Add(1)
		go o.work()
	}
	return o
}

// Submit enqueues a job for processing. It returns ErrQueueFull immediately
// (never blocks the caller) when the bounded queue has no capacity left.
func (o *Orchestrator) Submit(job Job) error {
	select {
	case o.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting new work and waits for in-flight jobs to finish.
func (o *Orchestrator) Shutdown() {
	close(o.jobs)
	o.wg.Wait()
}

func (o *Orchestrator) work() {
	defer o.wg.Done()
	for job := range o.jobs {
		o.run(job)
	}
}

// run executes every step of job.Definition in order against job.State,
// checking for cancellation between steps and stopping the pipeline (but
// never the worker) on the first failed or cancelled step.
func (o *Orchestrator) run(job Job) {
	ctx := context.Background()
	for _, step := range job.Definition.Steps {
		if o.recorder.Cancelled(ctx, job.TaskID) {
			if err := o.recorder.MarkCancelled(ctx, job.TaskID); err != nil {
				log.Error().Err(err).Str("task_id", job.TaskID).Msg("pipeline: marking task cancelled")
			}
			return
		}

		if err := o.recorder.StartStep(ctx, job.TaskID, step.Name); err != nil {
			log.Error().Err(err).Str("task_id", job.TaskID).Str("step", step.Name).Msg("pipeline: starting step")
			return
		}

		detail, err := o.runStepWithRetry(ctx, job.TaskID, step, job.State)
		if err != nil {
			detail = mergeDetail(detail, map[string]any{"stack": truncateStack(debug.Stack())})
			if recErr := o.recorder.FailStep(ctx, job.TaskID, step.Name, err.Error(), detail); recErr != nil {
				log.Error().Err(recErr).Str("task_id", job.TaskID).Str("step", step.Name).Msg("pipeline: recording step failure")
			}
			return
		}

		if err := o.recorder.CompleteStep(ctx, job.TaskID, step.Name, detail); err != nil {
			log.Error().Err(err).Str("task_id", job.TaskID).Str("step", step.Name).Msg("pipeline: completing step")
			return
		}
	}
}

// maxStepRetries bounds how many times a step is run, the first run
// included, while it keeps failing with an external-transient error; the
// last failure is recorded as the step's failure. It has the same value as
// the extractor's default per-call retry count, so a step whose extractor
// calls exhaust their own retries is run at most twice more at this level.
const maxStepRetries = 3

// runStepWithRetry retries a step on external-transient failure, recording
// each failed attempt via retryDetail so the final detail (whether the step
// eventually succeeds or not) exposes every attempt made.
func (o *Orchestrator) runStepWithRetry(ctx context.Context, taskID string, step Step, st *State) (map[string]any, error) {
	var retries map[string]any
	var detail map[string]any
	var err error
	for attempt := 1; attempt <= maxStepRetries; attempt++ {
		detail, err = o.runStep(ctx, step, st)
		if err == nil {
			return mergeDetail(detail, retries), nil
		}
		if !apperror.Retryable(err) {
			return mergeDetail(detail, retries), err
		}
		retries = retryDetail(retries, attempt, err)
		log.Warn().Err(err).Str("task_id", taskID).Str("step", step.Name).Int("attempt", attempt).Msg("pipeline: step attempt failed, retrying")
	}
	return mergeDetail(detail, retries), err
}

// runStep recovers a panicking step into a logic error so one bad step
// never takes down a worker goroutine.
func (o *Orchestrator) runStep(ctx context.Context, step Step, st *State) (detail map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline: step %q panicked: %v", step.Name, r)
		}
	}()
	return step.Run(ctx, st)
}

func mergeDetail(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func truncateStack(b []byte) string {
	const max = 2048
	if len(b) > max {
		return string(b[:max])
	}
	return string(b)
}

// retryDetail appends an {"attempt": n, "error": "..."} entry to detail's
// "retries" list, the shape the task service's progress events expose for
// end-to-end scenario 5 (three recorded LLM-retry attempts).
func retryDetail(detail map[string]any, attempt int, err error) map[string]any {
	if detail == nil {
		detail = map[string]any{}
	}
	var retries []any
	if existing, ok := detail["retries"].([]any); ok {
		retries = existing
	}
	retries = append(retries, map[string]any{"attempt": attempt, "error": err.Error(), "at": time.Now().UTC().Format(time.RFC3339Nano)})
	detail["retries"] = retries
	return detail
}

// sortedKeys is a small helper used by steps that need deterministic
// iteration order over a map for reproducible detail output.
func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
