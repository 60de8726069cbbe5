// Package pipeline walks a project through the stage catalog in order,
// bracketing every stage with tracker writes so the persisted snapshot is
// never left ahead of or behind the work actually done.
package pipeline

import (
	"context"
	"fmt"

	"stageline/internal/catalog"
	"stageline/internal/domain"
	"stageline/internal/executor"
	"stageline/internal/tracker"
)

// Outcome is how one dispatched run ended.
type Outcome string

const (
	// OutcomeCompleted means every stage finished and the project is done.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means a stage failed; the failure is recorded in the
	// snapshot and later stages were not attempted.
	OutcomeFailed Outcome = "failed"
	// OutcomeCanceled means a cooperative pause/cancel stopped the run
	// between stages; the project is resumable.
	OutcomeCanceled Outcome = "canceled"
)

type Controller struct {
	Tracker  *tracker.Tracker
	Registry *executor.Registry
	Catalog  catalog.Catalog
}

// Run executes the pipeline for one project. Completed stages from earlier
// runs are skipped, so resume and retry both start at the first stage that
// still needs work. A tracker write failure aborts the run with an error;
// executor failures are recorded in the snapshot and reported as
// OutcomeFailed instead.
func (c *Controller) Run(ctx context.Context, projectID string) (Outcome, error) {
	// Tracker writes are detached from the run context so a canceled run
	// can still record the stage it just finished.
	writeCtx := context.WithoutCancel(ctx)
	p, err := c.Tracker.Read(writeCtx, projectID)
	if err != nil {
		return "", err
	}
	if p.Terminal() {
		return OutcomeCompleted, nil
	}

	prior := map[string]map[string]any{}
	for _, def := range c.Catalog.Stages() {
		rec, ok := stageRecord(p, def.Name)
		if !ok {
			return "", fmt.Errorf("stage %s missing from snapshot", def.Name)
		}
		if rec.Status == domain.StageCompleted {
			if rec.Metadata != nil {
				prior[def.Name] = rec.Metadata
			}
			continue
		}
		if ctx.Err() != nil {
			return OutcomeCanceled, nil
		}

		// A stage left running by a dead worker blocks the ordering check;
		// fail it so the restart below is the legal failed-stage retry.
		if rec.Status == domain.StageRunning {
			if _, err := c.Tracker.MarkStageFailed(writeCtx, projectID, def.Name, "abandoned by previous run"); err != nil {
				return "", err
			}
		}

		if _, err := c.Tracker.MarkStageRunning(writeCtx, projectID, def.Name); err != nil {
			return "", err
		}

		result, execErr := c.execute(ctx, p, def, prior)
		if execErr != nil {
			if _, err := c.Tracker.MarkStageFailed(writeCtx, projectID, def.Name, execErr.Error()); err != nil {
				return "", err
			}
			return OutcomeFailed, nil
		}
		if _, err := c.Tracker.MarkStageCompleted(writeCtx, projectID, def.Name, result.Metrics, result.Metadata); err != nil {
			return "", err
		}
		if result.Metadata != nil {
			prior[def.Name] = result.Metadata
		}

		// A pause/cancel requested mid-stage lets the stage finish, then
		// stops before the next one.
		if ctx.Err() != nil && !lastStage(c.Catalog, def) {
			return OutcomeCanceled, nil
		}
	}
	return OutcomeCompleted, nil
}

func (c *Controller) execute(ctx context.Context, p domain.Project, def catalog.StageDef, prior map[string]map[string]any) (executor.Result, error) {
	ex, err := c.Registry.For(def)
	if err != nil {
		return executor.Result{}, err
	}
	return ex.Execute(ctx, executor.StageContext{
		ProjectID:   p.ID,
		Requirement: p.Requirement,
		Stage:       def,
		Prior:       prior,
	})
}

func stageRecord(p domain.Project, name string) (domain.StageRecord, bool) {
	for _, s := range p.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return domain.StageRecord{}, false
}

func lastStage(cat catalog.Catalog, def catalog.StageDef) bool {
	return def.Order == cat.Len()-1
}
