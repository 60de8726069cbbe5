// Package dashboard reconstructs the read-side build view from the
// tracker's persisted snapshot plus the dispatcher's live task status. It
// never mutates state; clients poll it and back off as the build
// progresses, stopping once the status is terminal.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stageline/internal/catalog"
	"stageline/internal/domain"
	"stageline/internal/repo"
)

// StaleRunningAfter is how long a running stage may go without completing
// before the view raises an alert. Crash recovery itself is an external
// reconciliation concern; the alert just makes the condition visible.
const StaleRunningAfter = 30 * time.Minute

type StageView struct {
	domain.StageRecord
	Description string `json:"description,omitempty"`
}

type Totals struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	ToolCalls    int `json:"tool_calls"`
}

type BuildView struct {
	ProjectID          string            `json:"project_id"`
	Name               string            `json:"name"`
	Status             string            `json:"status" enum:"pending,building,completed,failed,paused"`
	ProgressPercentage int               `json:"progress_percentage" minimum:"0" maximum:"100"`
	CurrentStage       *string           `json:"current_stage,omitempty"`
	ActiveStage        *string           `json:"active_stage,omitempty"`
	Stages             []StageView       `json:"stages"`
	Totals             Totals            `json:"totals"`
	Task               *domain.BuildTask `json:"task,omitempty"`
	Alerts             []string          `json:"alerts,omitempty"`
	UpdatedAt          string            `json:"updated_at" format:"date-time"`
}

// ProjectReader is the tracker surface the aggregator needs.
type ProjectReader interface {
	Read(ctx context.Context, projectID string) (domain.Project, error)
}

// TaskReader is the dispatcher surface the aggregator needs.
type TaskReader interface {
	Status(ctx context.Context, taskID string) (domain.BuildTask, error)
}

type Aggregator struct {
	Projects ProjectReader
	Tasks    TaskReader
	Catalog  catalog.Catalog
	Now      func() time.Time
}

// View assembles the dashboard for one project. A latest task that already
// finished, or whose record was pruned, is not an error.
func (a *Aggregator) View(ctx context.Context, projectID string) (BuildView, error) {
	p, err := a.Projects.Read(ctx, projectID)
	if err != nil {
		return BuildView{}, err
	}
	var task *domain.BuildTask
	if p.LatestTaskID != nil && a.Tasks != nil {
		t, err := a.Tasks.Status(ctx, *p.LatestTaskID)
		switch {
		case err == nil:
			task = &t
		case errors.Is(err, repo.ErrNotFound):
			// weak reference; the task history may be gone
		default:
			return BuildView{}, err
		}
	}
	return a.build(p, task), nil
}

func (a *Aggregator) build(p domain.Project, task *domain.BuildTask) BuildView {
	view := BuildView{
		ProjectID:          p.ID,
		Name:               p.Name,
		Status:             p.Status,
		ProgressPercentage: domain.Progress(p.Stages),
		CurrentStage:       p.CurrentStage,
		Stages:             make([]StageView, 0, len(p.Stages)),
		Task:               task,
		UpdatedAt:          p.UpdatedAt,
	}
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	for _, rec := range p.Stages {
		sv := StageView{StageRecord: rec}
		if def, ok := a.Catalog.ByName(rec.Name); ok {
			sv.Description = def.Description
			if sv.DisplayName == "" {
				sv.DisplayName = def.DisplayName
			}
		}
		view.Stages = append(view.Stages, sv)
		view.Totals.InputTokens += rec.Metrics.InputTokens
		view.Totals.OutputTokens += rec.Metrics.OutputTokens
		view.Totals.ToolCalls += rec.Metrics.ToolCalls
		switch rec.Status {
		case domain.StageFailed:
			if rec.Error != nil {
				view.Alerts = append(view.Alerts, fmt.Sprintf("stage %s failed: %s", rec.Name, *rec.Error))
			} else {
				view.Alerts = append(view.Alerts, fmt.Sprintf("stage %s failed", rec.Name))
			}
		case domain.StageRunning:
			if rec.StartedAt != nil {
				if started, err := time.Parse(time.RFC3339, *rec.StartedAt); err == nil {
					if now().UTC().Sub(started) > StaleRunningAfter {
						view.Alerts = append(view.Alerts, fmt.Sprintf("stage %s running since %s; worker may be gone", rec.Name, *rec.StartedAt))
					}
				}
			}
		}
	}
	view.ActiveStage = activeStage(p)
	return view
}

// activeStage derives the stage the build is "at": the running stage if
// any, else the first pending stage after the last completed one, else
// none once the project is terminal.
func activeStage(p domain.Project) *string {
	for i := range p.Stages {
		if p.Stages[i].Status == domain.StageRunning {
			return &p.Stages[i].Name
		}
	}
	if p.Status == domain.ProjectCompleted || p.Status == domain.ProjectFailed {
		return nil
	}
	for i := range p.Stages {
		switch p.Stages[i].Status {
		case domain.StagePending, domain.StageFailed:
			return &p.Stages[i].Name
		}
	}
	return nil
}
