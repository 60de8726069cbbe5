// Package tracker is the single source of truth for per-project stage
// state. Every write runs in one transaction and is guarded by the
// project's version column, so concurrent writers cannot merge partial
// snapshots; a lost race surfaces as ErrConflict for the caller to retry.
package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stageline/internal/catalog"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
)

var (
	ErrNotFound          = repo.ErrNotFound
	ErrAlreadyExists     = errors.New("project already exists")
	ErrInvalidTransition = errors.New("invalid stage transition")
	// ErrConflict covers duplicate active work and lost write races.
	ErrConflict = errors.New("conflict")
)

type Tracker struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) *Tracker {
	return &Tracker{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Tracker) nowString() string {
	return t.now().UTC().Format(time.RFC3339)
}

// Initialize creates the project record with every stage pending. Calling
// it again with an identical stage list is an idempotent no-op returning
// the stored record; any other duplicate fails with ErrAlreadyExists.
func (t *Tracker) Initialize(ctx context.Context, projectID, name, requirement string, cat catalog.Catalog) (domain.Project, error) {
	if projectID == "" {
		return domain.Project{}, fmt.Errorf("project id is required")
	}
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	existing, err := t.Repo.GetProjectTx(ctx, tx, projectID)
	if err == nil {
		if sameStageList(existing.Stages, cat) {
			return existing, nil
		}
		return domain.Project{}, fmt.Errorf("project %s: %w", projectID, ErrAlreadyExists)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, err
	}

	now := t.nowString()
	stages := make([]domain.StageRecord, 0, cat.Len())
	for _, def := range cat.Stages() {
		stages = append(stages, domain.StageRecord{
			Name:        def.Name,
			DisplayName: def.DisplayName,
			Order:       def.Order,
			Status:      domain.StagePending,
		})
	}
	p := domain.Project{
		ID:          projectID,
		Name:        name,
		Requirement: requirement,
		Status:      domain.ProjectPending,
		Stages:      stages,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := t.Repo.InsertProject(ctx, tx, p); err != nil {
		// lost a race with a concurrent Initialize for the same id
		if repo.IsConstraintViolation(err) {
			return domain.Project{}, fmt.Errorf("project %s: %w", projectID, ErrAlreadyExists)
		}
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := t.Events.Append(ctx, tx, "project.created", p.ID, "project", p.ID, events.EventPayload{"name": name, "stages": cat.Len()}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// MarkStageRunning transitions a stage to running. A stage may start only
// when no other stage is running and every lower-order stage is completed;
// restarting a failed stage at that position is the explicit retry path.
func (t *Tracker) MarkStageRunning(ctx context.Context, projectID, stage string) (domain.StageRecord, error) {
	var rec domain.StageRecord
	err := t.write(ctx, projectID, "stage.running", stage, func(p *domain.Project) error {
		if p.Terminal() {
			return fmt.Errorf("project %s is completed: %w", projectID, ErrInvalidTransition)
		}
		idx, found := stageIndex(p.Stages, stage)
		if !found {
			return fmt.Errorf("stage %s: %w", stage, ErrNotFound)
		}
		for i := range p.Stages {
			if p.Stages[i].Status == domain.StageRunning {
				return fmt.Errorf("stage %s already running: %w", p.Stages[i].Name, ErrInvalidTransition)
			}
		}
		target := &p.Stages[idx]
		if target.Status == domain.StageCompleted {
			return fmt.Errorf("stage %s already completed: %w", stage, ErrInvalidTransition)
		}
		for i := 0; i < idx; i++ {
			if p.Stages[i].Status != domain.StageCompleted {
				return fmt.Errorf("stage %s blocked by %s: %w", stage, p.Stages[i].Name, ErrInvalidTransition)
			}
		}
		now := t.nowString()
		target.Status = domain.StageRunning
		target.StartedAt = &now
		target.CompletedAt = nil
		target.DurationSeconds = nil
		target.Error = nil
		p.Status = domain.ProjectBuilding
		p.CurrentStage = &target.Name
		rec = *target
		return nil
	})
	return rec, err
}

// MarkStageCompleted finishes a running stage, merging executor metrics and
// metadata. Completing the last stage completes the project.
func (t *Tracker) MarkStageCompleted(ctx context.Context, projectID, stage string, metrics domain.StageMetrics, metadata map[string]any) (domain.StageRecord, error) {
	var rec domain.StageRecord
	err := t.write(ctx, projectID, "stage.completed", stage, func(p *domain.Project) error {
		idx, found := stageIndex(p.Stages, stage)
		if !found {
			return fmt.Errorf("stage %s: %w", stage, ErrNotFound)
		}
		target := &p.Stages[idx]
		if target.Status != domain.StageRunning {
			return fmt.Errorf("stage %s is %s, not running: %w", stage, target.Status, ErrInvalidTransition)
		}
		now := t.nowString()
		target.Status = domain.StageCompleted
		target.CompletedAt = &now
		target.DurationSeconds = durationSeconds(target.StartedAt, now)
		target.Metrics = metrics
		if len(metadata) > 0 {
			if target.Metadata == nil {
				target.Metadata = map[string]any{}
			}
			for k, v := range metadata {
				target.Metadata[k] = v
			}
		}
		if allCompleted(p.Stages) {
			p.Status = domain.ProjectCompleted
			p.CurrentStage = nil
		} else {
			p.CurrentStage = nextPending(p.Stages)
		}
		rec = *target
		return nil
	})
	return rec, err
}

// MarkStageFailed records a stage failure and fails the project. Later
// stages stay pending and are not attempted. It also serves an external
// reconciler cleaning up a stage abandoned by a crashed worker.
func (t *Tracker) MarkStageFailed(ctx context.Context, projectID, stage, errMsg string) (domain.StageRecord, error) {
	var rec domain.StageRecord
	err := t.write(ctx, projectID, "stage.failed", stage, func(p *domain.Project) error {
		idx, found := stageIndex(p.Stages, stage)
		if !found {
			return fmt.Errorf("stage %s: %w", stage, ErrNotFound)
		}
		target := &p.Stages[idx]
		if target.Status != domain.StageRunning {
			return fmt.Errorf("stage %s is %s, not running: %w", stage, target.Status, ErrInvalidTransition)
		}
		now := t.nowString()
		target.Status = domain.StageFailed
		target.CompletedAt = &now
		target.DurationSeconds = durationSeconds(target.StartedAt, now)
		target.Error = &errMsg
		p.Status = domain.ProjectFailed
		p.CurrentStage = &target.Name
		rec = *target
		return nil
	})
	return rec, err
}

// Read returns the current snapshot.
func (t *Tracker) Read(ctx context.Context, projectID string) (domain.Project, error) {
	return t.Repo.GetProject(ctx, projectID)
}

// SetControlStatus applies a pause/cancel request. Only legal while no
// stage is running; mid-stage requests go through the dispatcher's
// cooperative cancellation token instead.
func (t *Tracker) SetControlStatus(ctx context.Context, projectID, desired string) (domain.Project, error) {
	if desired != domain.ProjectPaused && desired != domain.ProjectBuilding {
		return domain.Project{}, fmt.Errorf("control status %s: %w", desired, ErrInvalidTransition)
	}
	var out domain.Project
	err := t.write(ctx, projectID, "control."+desired, "", func(p *domain.Project) error {
		if p.Terminal() {
			return fmt.Errorf("project %s is completed: %w", projectID, ErrInvalidTransition)
		}
		for i := range p.Stages {
			if p.Stages[i].Status == domain.StageRunning {
				return fmt.Errorf("stage %s is running: %w", p.Stages[i].Name, ErrInvalidTransition)
			}
		}
		p.Status = desired
		out = *p
		return nil
	})
	return out, err
}

// SetLatestTask points the project at its most recent dispatched task and
// flips the project to building. Used by the dispatcher inside enqueue.
func (t *Tracker) SetLatestTask(ctx context.Context, tx *sql.Tx, projectID, taskID string) error {
	p, err := t.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return err
	}
	if p.Terminal() {
		return fmt.Errorf("project %s is completed: %w", projectID, ErrConflict)
	}
	p.LatestTaskID = &taskID
	p.Status = domain.ProjectBuilding
	p.UpdatedAt = t.nowString()
	if err := t.Repo.UpdateProject(ctx, tx, p, p.Version); err != nil {
		if errors.Is(err, repo.ErrStaleVersion) {
			return fmt.Errorf("project %s: %w", projectID, ErrConflict)
		}
		return err
	}
	return nil
}

// Delete removes the project and, via cascade, its task history.
func (t *Tracker) Delete(ctx context.Context, projectID string) error {
	return t.Repo.DeleteProject(ctx, projectID)
}

// write runs one read-modify-write cycle for a project. mutate sees the
// freshly loaded record; the conditional update keeps the snapshot
// linearized per project.
func (t *Tracker) write(ctx context.Context, projectID, evtType, stage string, mutate func(*domain.Project) error) error {
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	p, err := t.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return err
	}
	readVersion := p.Version
	if err := mutate(&p); err != nil {
		return err
	}
	p.UpdatedAt = t.nowString()
	if err := t.Repo.UpdateProject(ctx, tx, p, readVersion); err != nil {
		if errors.Is(err, repo.ErrStaleVersion) {
			return fmt.Errorf("project %s: %w", projectID, ErrConflict)
		}
		return err
	}
	payload := events.EventPayload{"status": p.Status, "progress": domain.Progress(p.Stages)}
	entityKind, entityID := "project", projectID
	if stage != "" {
		entityKind, entityID = "stage", stage
	}
	if err := t.Events.Append(ctx, tx, evtType, projectID, entityKind, entityID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func stageIndex(stages []domain.StageRecord, name string) (int, bool) {
	for i := range stages {
		if stages[i].Name == name {
			return i, true
		}
	}
	return 0, false
}

func allCompleted(stages []domain.StageRecord) bool {
	for i := range stages {
		if stages[i].Status != domain.StageCompleted {
			return false
		}
	}
	return true
}

func nextPending(stages []domain.StageRecord) *string {
	for i := range stages {
		if stages[i].Status == domain.StagePending || stages[i].Status == domain.StageFailed {
			return &stages[i].Name
		}
	}
	return nil
}

func durationSeconds(startedAt *string, completedAt string) *float64 {
	if startedAt == nil {
		return nil
	}
	start, err := time.Parse(time.RFC3339, *startedAt)
	if err != nil {
		return nil
	}
	end, err := time.Parse(time.RFC3339, completedAt)
	if err != nil {
		return nil
	}
	d := end.Sub(start).Seconds()
	if d < 0 {
		d = 0
	}
	return &d
}

func sameStageList(stages []domain.StageRecord, cat catalog.Catalog) bool {
	names := cat.Names()
	if len(stages) != len(names) {
		return false
	}
	for i := range stages {
		if stages[i].Name != names[i] {
			return false
		}
	}
	return true
}
