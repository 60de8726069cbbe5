package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"stageline/internal/catalog"
	"stageline/internal/db"
	"stageline/internal/dispatch"
	"stageline/internal/domain"
	"stageline/internal/executor"
	"stageline/internal/migrate"
	"stageline/internal/pipeline"
	"stageline/internal/tracker"
)

type testEnv struct {
	Tracker    *tracker.Tracker
	Registry   *executor.Registry
	Dispatcher *dispatch.Dispatcher
	Catalog    catalog.Catalog
	Ctx        context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cat, err := catalog.New([]catalog.StageDef{
		{Name: "requirements", DisplayName: "Requirements"},
		{Name: "design", DisplayName: "Design"},
		{Name: "review", DisplayName: "Review"},
	})
	if err != nil {
		t.Fatal(err)
	}
	trk := tracker.New(conn)
	registry := executor.NewRegistry(executor.GeneratorFactory(), 8)
	controller := &pipeline.Controller{Tracker: trk, Registry: registry, Catalog: cat}
	d := dispatch.New(conn, trk, controller, 8)
	ctx := context.Background()
	if err := d.Start(ctx, 1); err != nil {
		t.Fatalf("start dispatcher: %v", err)
	}
	t.Cleanup(d.Close)
	if _, err := trk.Initialize(ctx, "proj-1", "proj-1", "build a todo app", cat); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return testEnv{Tracker: trk, Registry: registry, Dispatcher: d, Catalog: cat, Ctx: ctx}
}

func waitForTask(t *testing.T, env testEnv, taskID string) domain.BuildTask {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		task, err := env.Dispatcher.Status(env.Ctx, taskID)
		if err != nil {
			t.Fatalf("task status: %v", err)
		}
		if !task.Active() {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s still %s after deadline", taskID, task.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitForStageRunning(t *testing.T, env testEnv, projectID, stage string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		p, err := env.Tracker.Read(env.Ctx, projectID)
		if err != nil {
			t.Fatalf("read project: %v", err)
		}
		for _, s := range p.Stages {
			if s.Name == stage && s.Status == domain.StageRunning {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("stage %s never started running", stage)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// gatedExecutor signals when execution begins and waits for release. It
// ignores context cancellation so an in-flight stage always finishes.
type gatedExecutor struct {
	started chan struct{}
	release chan struct{}
	err     error
}

func newGatedExecutor(err error) *gatedExecutor {
	return &gatedExecutor{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		err:     err,
	}
}

func (g *gatedExecutor) Execute(ctx context.Context, sc executor.StageContext) (executor.Result, error) {
	select {
	case g.started <- struct{}{}:
	default:
	}
	<-g.release
	if g.err != nil {
		return executor.Result{}, g.err
	}
	return executor.Result{Metrics: domain.StageMetrics{InputTokens: 1}}, nil
}

func TestBuildRunsAllStages(t *testing.T) {
	env := newTestEnv(t)
	taskID, err := env.Dispatcher.Enqueue(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task := waitForTask(t, env, taskID)
	if task.Status != domain.TaskSuccess {
		t.Fatalf("task status = %s, want success", task.Status)
	}
	p, err := env.Tracker.Read(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.ProjectCompleted {
		t.Fatalf("project status = %s, want completed", p.Status)
	}
	if p.ProgressPercentage != 100 {
		t.Fatalf("progress = %d, want 100", p.ProgressPercentage)
	}
	for _, s := range p.Stages {
		if s.Status != domain.StageCompleted {
			t.Fatalf("stage %s = %s, want completed", s.Name, s.Status)
		}
		if s.StartedAt == nil || s.CompletedAt == nil {
			t.Fatalf("stage %s missing timestamps", s.Name)
		}
		if s.Metrics.IsZero() {
			t.Fatalf("stage %s has no metrics", s.Name)
		}
	}
}

func TestStageFailureStopsBuild(t *testing.T) {
	env := newTestEnv(t)
	env.Registry.Register("design", executor.Func(func(ctx context.Context, sc executor.StageContext) (executor.Result, error) {
		return executor.Result{}, fmt.Errorf("timeout")
	}))

	taskID, err := env.Dispatcher.Enqueue(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task := waitForTask(t, env, taskID)
	if task.Status != domain.TaskFailure {
		t.Fatalf("task status = %s, want failure", task.Status)
	}
	p, _ := env.Tracker.Read(env.Ctx, "proj-1")
	if p.Status != domain.ProjectFailed {
		t.Fatalf("project status = %s, want failed", p.Status)
	}
	byName := map[string]domain.StageRecord{}
	for _, s := range p.Stages {
		byName[s.Name] = s
	}
	if byName["requirements"].Status != domain.StageCompleted {
		t.Fatalf("requirements = %s, want completed", byName["requirements"].Status)
	}
	design := byName["design"]
	if design.Status != domain.StageFailed || design.Error == nil || *design.Error != "timeout" {
		t.Fatalf("design record = %+v, want failed with timeout", design)
	}
	if byName["review"].Status != domain.StagePending {
		t.Fatalf("review = %s, want pending (never attempted)", byName["review"].Status)
	}

	// Retry dispatches a new run that skips requirements and restarts design.
	env.Registry.Register("design", executor.Func(func(ctx context.Context, sc executor.StageContext) (executor.Result, error) {
		return executor.Result{Metrics: domain.StageMetrics{OutputTokens: 2}}, nil
	}))
	retryID, err := env.Dispatcher.Enqueue(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("retry enqueue: %v", err)
	}
	task = waitForTask(t, env, retryID)
	if task.Status != domain.TaskSuccess {
		t.Fatalf("retry task status = %s, want success", task.Status)
	}
	p, _ = env.Tracker.Read(env.Ctx, "proj-1")
	if p.Status != domain.ProjectCompleted {
		t.Fatalf("project status after retry = %s, want completed", p.Status)
	}
}

func TestDoubleEnqueueConflicts(t *testing.T) {
	env := newTestEnv(t)
	gate := newGatedExecutor(nil)
	env.Registry.Register("requirements", gate)

	taskID, err := env.Dispatcher.Enqueue(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-gate.started

	if _, err := env.Dispatcher.Enqueue(env.Ctx, "proj-1"); !errors.Is(err, dispatch.ErrConflict) {
		t.Fatalf("second enqueue: got %v, want ErrConflict", err)
	}
	// the first run is unaffected
	close(gate.release)
	task := waitForTask(t, env, taskID)
	if task.Status != domain.TaskSuccess {
		t.Fatalf("task status = %s, want success", task.Status)
	}
}

func TestEnqueueOnCompletedProjectConflicts(t *testing.T) {
	env := newTestEnv(t)
	taskID, err := env.Dispatcher.Enqueue(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	waitForTask(t, env, taskID)
	if _, err := env.Dispatcher.Enqueue(env.Ctx, "proj-1"); !errors.Is(err, dispatch.ErrConflict) {
		t.Fatalf("enqueue on completed project: got %v, want ErrConflict", err)
	}
}

func TestCancelStopsBetweenStages(t *testing.T) {
	env := newTestEnv(t)
	gate := newGatedExecutor(nil)
	env.Registry.Register("design", gate)

	taskID, err := env.Dispatcher.Enqueue(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-gate.started
	waitForStageRunning(t, env, "proj-1", "design")

	if err := env.Dispatcher.Cancel(env.Ctx, taskID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// the in-flight stage runs to completion, then the run stops
	close(gate.release)
	task := waitForTask(t, env, taskID)
	if task.Status != domain.TaskRevoked {
		t.Fatalf("task status = %s, want revoked", task.Status)
	}

	p, _ := env.Tracker.Read(env.Ctx, "proj-1")
	if p.Status != domain.ProjectPaused {
		t.Fatalf("project status = %s, want paused", p.Status)
	}
	byName := map[string]domain.StageRecord{}
	for _, s := range p.Stages {
		byName[s.Name] = s
	}
	if byName["design"].Status != domain.StageCompleted {
		t.Fatalf("design = %s, want completed", byName["design"].Status)
	}
	if byName["review"].Status != domain.StagePending {
		t.Fatalf("review = %s, want pending", byName["review"].Status)
	}

	// Resume picks up at the first stage that still needs work.
	resumeID, err := env.Dispatcher.Enqueue(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("resume enqueue: %v", err)
	}
	task = waitForTask(t, env, resumeID)
	if task.Status != domain.TaskSuccess {
		t.Fatalf("resume task status = %s, want success", task.Status)
	}
	p, _ = env.Tracker.Read(env.Ctx, "proj-1")
	if p.Status != domain.ProjectCompleted {
		t.Fatalf("project status after resume = %s, want completed", p.Status)
	}
}

func TestSaturatedQueueParksProjectPaused(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cat, err := catalog.New([]catalog.StageDef{{Name: "requirements", DisplayName: "Requirements"}})
	if err != nil {
		t.Fatal(err)
	}
	trk := tracker.New(conn)
	registry := executor.NewRegistry(executor.GeneratorFactory(), 8)
	controller := &pipeline.Controller{Tracker: trk, Registry: registry, Catalog: cat}
	// capacity 1 and no workers started, so the second enqueue cannot fit
	d := dispatch.New(conn, trk, controller, 1)
	ctx := context.Background()
	for _, id := range []string{"proj-a", "proj-b"} {
		if _, err := trk.Initialize(ctx, id, id, "build a todo app", cat); err != nil {
			t.Fatalf("initialize %s: %v", id, err)
		}
	}

	if _, err := d.Enqueue(ctx, "proj-a"); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := d.Enqueue(ctx, "proj-b"); !errors.Is(err, dispatch.ErrConflict) {
		t.Fatalf("saturated enqueue: got %v, want ErrConflict", err)
	}

	p, err := trk.Read(ctx, "proj-b")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.ProjectPaused {
		t.Fatalf("project status = %s, want paused (resumable)", p.Status)
	}
	if p.LatestTaskID == nil {
		t.Fatal("expected latest task id on rejected project")
	}
	task, err := d.Status(ctx, *p.LatestTaskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskFailure {
		t.Fatalf("task status = %s, want failure", task.Status)
	}
}

func TestEnqueueUnknownProject(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Dispatcher.Enqueue(env.Ctx, "nope"); !errors.Is(err, dispatch.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
