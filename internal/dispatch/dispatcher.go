// Package dispatch owns the asynchronous build queue: one durable
// BuildTask row per dispatched run, an in-process worker pool, and the
// cooperative cancellation tokens for in-flight runs. Enqueue is the sole
// entry point into the pipeline controller.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/pipeline"
	"stageline/internal/repo"
	"stageline/internal/tracker"
)

var (
	ErrNotFound = repo.ErrNotFound
	// ErrConflict means an active task already exists for the project or
	// the project is terminal.
	ErrConflict = tracker.ErrConflict
)

// Runner executes one build run for a project.
type Runner interface {
	Run(ctx context.Context, projectID string) (pipeline.Outcome, error)
}

type job struct {
	taskID    string
	projectID string
}

type Dispatcher struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Tracker *tracker.Tracker
	Runner  Runner
	Now     func() time.Time

	queue   chan job
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	revoked map[string]bool

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

func New(db *sql.DB, trk *tracker.Tracker, runner Runner, queueSize int) *Dispatcher {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Dispatcher{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Tracker: trk,
		Runner:  runner,
		Now:     time.Now,
		queue:   make(chan job, queueSize),
		cancels: map[string]context.CancelFunc{},
		revoked: map[string]bool{},
		stopped: make(chan struct{}),
	}
}

// Start launches workers that pull jobs until Close is called. Before
// accepting new work it fails over tasks abandoned by a previous process,
// so their projects can be retried.
func (d *Dispatcher) Start(ctx context.Context, workers int) error {
	if workers < 1 {
		workers = 1
	}
	if _, err := d.Repo.MarkAbandonedTasks(ctx, d.nowString()); err != nil {
		return fmt.Errorf("reconcile abandoned tasks: %w", err)
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	return nil
}

// Close stops accepting jobs and waits for in-flight runs to finish.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() { close(d.stopped) })
	d.wg.Wait()
}

// Enqueue creates and schedules one BuildTask for the project. It fails
// with ErrConflict if an active task already exists or the project is
// completed; a successful return means the run will happen.
func (d *Dispatcher) Enqueue(ctx context.Context, projectID string) (string, error) {
	now := d.nowString()
	task := domain.BuildTask{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Status:    domain.TaskQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	p, err := d.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return "", err
	}
	if p.Terminal() {
		return "", fmt.Errorf("project %s already completed: %w", projectID, ErrConflict)
	}
	if active, err := d.Repo.ActiveTask(ctx, tx, projectID); err == nil {
		return "", fmt.Errorf("task %s already active for project %s: %w", active.ID, projectID, ErrConflict)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	if err := d.Repo.InsertTask(ctx, tx, task); err != nil {
		return "", err
	}
	if err := d.Tracker.SetLatestTask(ctx, tx, projectID, task.ID); err != nil {
		return "", err
	}
	if err := d.Events.Append(ctx, tx, "build.enqueued", projectID, "task", task.ID, events.EventPayload{}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	select {
	case d.queue <- job{taskID: task.ID, projectID: projectID}:
		return task.ID, nil
	default:
		// Queue saturated; fail the task durably rather than block the caller.
		_ = d.Repo.UpdateTaskStatus(ctx, task.ID, domain.TaskFailure, d.nowString())
		// SetLatestTask flipped the project to building; park it paused so
		// the caller can retry instead of leaving it stuck mid-dispatch.
		if _, serr := d.Tracker.SetControlStatus(ctx, projectID, domain.ProjectPaused); serr != nil && !errors.Is(serr, tracker.ErrInvalidTransition) {
			return "", serr
		}
		return "", fmt.Errorf("build queue full: %w", ErrConflict)
	}
}

// Status returns the task record.
func (d *Dispatcher) Status(ctx context.Context, taskID string) (domain.BuildTask, error) {
	return d.Repo.GetTask(ctx, taskID)
}

// Cancel requests cooperative cancellation of a task. A queued task is
// revoked immediately; a running task keeps executing until the pipeline's
// next between-stage checkpoint. In-flight external calls are not killed.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) error {
	task, err := d.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.Active() {
		return nil
	}
	d.mu.Lock()
	if cancel, running := d.cancels[taskID]; running {
		cancel()
		d.mu.Unlock()
		return nil
	}
	d.revoked[taskID] = true
	d.mu.Unlock()

	if err := d.Repo.UpdateTaskStatus(ctx, taskID, domain.TaskRevoked, d.nowString()); err != nil {
		return err
	}
	// The pipeline never started; leave the project paused and resumable.
	if _, err := d.Tracker.SetControlStatus(ctx, task.ProjectID, domain.ProjectPaused); err != nil && !errors.Is(err, tracker.ErrInvalidTransition) {
		return err
	}
	return nil
}

func (d *Dispatcher) worker(base context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopped:
			return
		case <-base.Done():
			return
		case j := <-d.queue:
			d.runJob(base, j)
		}
	}
}

func (d *Dispatcher) runJob(base context.Context, j job) {
	d.mu.Lock()
	if d.revoked[j.taskID] {
		delete(d.revoked, j.taskID)
		d.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(base)
	d.cancels[j.taskID] = cancel
	d.mu.Unlock()
	defer func() {
		cancel()
		d.mu.Lock()
		delete(d.cancels, j.taskID)
		d.mu.Unlock()
	}()

	// Task bookkeeping uses the base context so a canceled run can still
	// record its outcome.
	if err := d.Repo.UpdateTaskStatus(base, j.taskID, domain.TaskRunning, d.nowString()); err != nil {
		return
	}

	outcome, err := d.Runner.Run(runCtx, j.projectID)
	status := domain.TaskSuccess
	switch {
	case err != nil:
		status = domain.TaskFailure
	case outcome == pipeline.OutcomeFailed:
		status = domain.TaskFailure
	case outcome == pipeline.OutcomeCanceled:
		status = domain.TaskRevoked
	}
	_ = d.Repo.UpdateTaskStatus(base, j.taskID, status, d.nowString())

	if outcome == pipeline.OutcomeCanceled {
		// Stopped cleanly between stages; park the project for resume.
		if _, serr := d.Tracker.SetControlStatus(base, j.projectID, domain.ProjectPaused); serr != nil && !errors.Is(serr, tracker.ErrInvalidTransition) && !errors.Is(serr, repo.ErrNotFound) {
			return
		}
	}
	d.appendFinished(base, j, status, outcome, err)
}

func (d *Dispatcher) appendFinished(ctx context.Context, j job, status string, outcome pipeline.Outcome, runErr error) {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	payload := events.EventPayload{"task_status": status}
	if outcome != "" {
		payload["outcome"] = string(outcome)
	}
	if runErr != nil {
		payload["error"] = runErr.Error()
	}
	if err := d.Events.Append(ctx, tx, "build.finished", j.projectID, "task", j.taskID, payload); err != nil {
		return
	}
	_ = tx.Commit()
}

func (d *Dispatcher) nowString() string {
	if d.Now == nil {
		d.Now = time.Now
	}
	return d.Now().UTC().Format(time.RFC3339)
}
