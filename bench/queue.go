package bench

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/traitlab/biasbench/bench/store"
)

// queuePollInterval is the idle poll period of the queue loop.
const queuePollInterval = time.Second

// taskErrorLen bounds the error text stored on a failed task.
const taskErrorLen = 500

// TaskRunner executes one task of a registered type. It returns the
// run the task produced, if any, so the task row can link to it.
// Returning an error wrapping ErrCancelled marks the task cancelled
// instead of failed.
type TaskRunner func(ctx context.Context, task *store.Task) (resultRunID, resultRunType string, err error)

// NotifyFunc is invoked after a task reaches a terminal status. Used
// for webhooks and UI pushes; must not block.
type NotifyFunc func(task *store.Task)

var (
	queueInitMu   sync.Mutex
	queueInstance *QueueExecutor
)

// InitQueue returns the process-wide queue executor, creating it on
// the first call. Later calls return the existing instance and ignore
// the arguments. There is exactly one consumer of the task table per
// process.
func InitQueue(st store.Store, metrics *Metrics) *QueueExecutor {
	queueInitMu.Lock()
	defer queueInitMu.Unlock()
	if queueInstance == nil {
		queueInstance = NewQueueExecutor(st, metrics)
	}
	return queueInstance
}

// QueueExecutor consumes the persistent task queue, one task at a
// time, FIFO by creation time with Position as tie-breaker.
//
// Dependency gating: a task naming a dependency runs only after that
// dependency completed. A failed or cancelled dependency cancels the
// task with error "dependency <state>" and cascades through its own
// dependents. Queued or running dependencies defer the task.
type QueueExecutor struct {
	store   store.Store
	metrics *Metrics

	mu      sync.Mutex
	runners map[string]TaskRunner
	notify  NotifyFunc
	paused  bool
	running bool
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewQueueExecutor creates a stopped executor. Most callers want
// InitQueue instead.
func NewQueueExecutor(st store.Store, metrics *Metrics) *QueueExecutor {
	return &QueueExecutor{
		store:   st,
		metrics: metrics,
		runners: make(map[string]TaskRunner),
	}
}

// Register installs the runner for a task type. Replaces any previous
// runner of that type.
func (q *QueueExecutor) Register(taskType string, runner TaskRunner) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.runners[taskType] = runner
}

// SetNotify installs the terminal-status notification hook.
func (q *QueueExecutor) SetNotify(fn NotifyFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notify = fn
}

// Enqueue appends a task. Missing IDs are generated; status is forced
// to queued.
func (q *QueueExecutor) Enqueue(ctx context.Context, task *store.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.Status = store.TaskQueued
	return q.store.EnqueueTask(ctx, task)
}

// Start launches the consumer loop. Idempotent while running.
//
// Tasks found in status running are orphans of a crashed process and
// are reset to queued before consumption begins, so a restart resumes
// them from the front of the queue.
func (q *QueueExecutor) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return nil
	}

	if _, err := q.store.ResetRunningTasks(ctx); err != nil {
		return fmt.Errorf("reset orphaned tasks: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.stopped = make(chan struct{})
	q.running = true
	go q.loop(loopCtx)
	return nil
}

// Pause suspends consumption after the current task finishes.
func (q *QueueExecutor) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume lifts a pause.
func (q *QueueExecutor) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
}

// Stop cancels the loop context and waits for the loop to exit. The
// current task observes the cancellation cooperatively; a benchmark
// task drains and flushes before yielding. Idempotent.
func (q *QueueExecutor) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	cancel, stopped := q.cancel, q.stopped
	q.mu.Unlock()

	cancel()
	<-stopped

	q.mu.Lock()
	q.running = false
	q.mu.Unlock()
}

func (q *QueueExecutor) isPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

func (q *QueueExecutor) loop(ctx context.Context) {
	defer close(q.stopped)
	ticker := time.NewTicker(queuePollInterval)
	defer ticker.Stop()
	for {
		if !q.isPaused() {
			q.drainEligible(ctx)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drainEligible runs eligible queued tasks until the queue is empty,
// blocked, or the context ends. One task at a time.
func (q *QueueExecutor) drainEligible(ctx context.Context) {
	for ctx.Err() == nil && !q.isPaused() {
		task, ok := q.nextEligible(ctx)
		if !ok {
			return
		}
		q.runTask(ctx, task)
	}
}

// nextEligible scans the queued tasks in FIFO order and returns the
// first one whose dependency gate passes. Tasks with a failed or
// cancelled dependency are cancelled in place during the scan.
func (q *QueueExecutor) nextEligible(ctx context.Context) (*store.Task, bool) {
	tasks, err := q.store.QueuedTasks(ctx)
	if err != nil {
		return nil, false
	}
	for i := range tasks {
		task := &tasks[i]
		if task.DependsOn == "" {
			return task, true
		}
		dep, err := q.store.GetTask(ctx, task.DependsOn)
		if errors.Is(err, store.ErrNotFound) {
			q.finishTask(ctx, task, store.TaskCancelled, "dependency missing")
			continue
		}
		if err != nil {
			continue
		}
		switch dep.Status {
		case store.TaskCompleted:
			return task, true
		case store.TaskFailed, store.TaskCancelled:
			q.finishTask(ctx, task, store.TaskCancelled, "dependency "+string(dep.Status))
		default:
			// Dependency still pending; try the next task.
		}
	}
	return nil, false
}

func (q *QueueExecutor) runTask(ctx context.Context, task *store.Task) {
	now := time.Now()
	task.Status = store.TaskRunning
	task.StartedAt = &now
	if err := q.store.UpdateTask(ctx, task); err != nil {
		return
	}

	q.mu.Lock()
	runner, ok := q.runners[task.Type]
	q.mu.Unlock()
	if !ok {
		q.finishTask(ctx, task, store.TaskFailed, fmt.Sprintf("no runner registered for task type %q", task.Type))
		return
	}

	resultID, resultType, err := runner(ctx, task)
	task.ResultRunID = resultID
	task.ResultRunType = resultType
	switch {
	case err == nil:
		q.finishTask(ctx, task, store.TaskCompleted, "")
	case errors.Is(err, ErrCancelled):
		q.finishTask(ctx, task, store.TaskCancelled, truncate(err.Error(), taskErrorLen))
	default:
		q.finishTask(ctx, task, store.TaskFailed, truncate(err.Error(), taskErrorLen))
	}
}

// finishTask writes the terminal state, cascades cancellation to
// dependents when the task did not complete, and fires the
// notification hook.
func (q *QueueExecutor) finishTask(ctx context.Context, task *store.Task, status store.TaskStatus, errText string) {
	now := time.Now()
	task.Status = status
	task.Error = errText
	task.FinishedAt = &now
	if err := q.store.UpdateTask(ctx, task); err != nil {
		return
	}
	if status == store.TaskFailed || status == store.TaskCancelled {
		_ = q.store.CancelDependents(ctx, task.ID, "dependency "+string(status))
	}
	q.metrics.RecordTask(task.Type, string(status))

	q.mu.Lock()
	notify := q.notify
	q.mu.Unlock()
	if notify != nil {
		notify(task)
	}
}
