package server

import (
	"encoding/json"

	"github.com/google/uuid"

	"stageline/internal/catalog"
	"stageline/internal/domain"
)

type CreateProjectRequest struct {
	ID          string `json:"id,omitempty" doc:"Optional client-supplied identifier"`
	Name        string `json:"name,omitempty"`
	Requirement string `json:"requirement" minLength:"1"`
}

type ProjectResponse struct {
	ID                 string               `json:"id"`
	Name               string               `json:"name"`
	Requirement        string               `json:"requirement"`
	Status             string               `json:"status" enum:"pending,building,completed,failed,paused"`
	CurrentStage       *string              `json:"current_stage,omitempty"`
	ProgressPercentage int                  `json:"progress_percentage" minimum:"0" maximum:"100"`
	Stages             []domain.StageRecord `json:"stages_snapshot"`
	LatestTaskID       *string              `json:"latest_task_id,omitempty"`
	CreatedAt          string               `json:"created_at" format:"date-time"`
	UpdatedAt          string               `json:"updated_at" format:"date-time"`
}

type StageResponse struct {
	domain.StageRecord
	Description string `json:"description,omitempty"`
}

type ControlRequest struct {
	Action string `json:"action" enum:"pause,resume,cancel,retry"`
}

type ControlResponse struct {
	ProjectID string  `json:"project_id"`
	Action    string  `json:"action"`
	Status    string  `json:"status"`
	TaskID    *string `json:"task_id,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func newProjectID() string {
	return uuid.New().String()
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:                 p.ID,
		Name:               p.Name,
		Requirement:        p.Requirement,
		Status:             p.Status,
		CurrentStage:       p.CurrentStage,
		ProgressPercentage: p.ProgressPercentage,
		Stages:             p.Stages,
		LatestTaskID:       p.LatestTaskID,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
}

func stageResponse(rec domain.StageRecord, cat catalog.Catalog) StageResponse {
	res := StageResponse{StageRecord: rec}
	if def, ok := cat.ByName(rec.Name); ok {
		res.Description = def.Description
		if res.DisplayName == "" {
			res.DisplayName = def.DisplayName
		}
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	res := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
	}
	if e.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(e.Payload), &payload); err == nil && len(payload) > 0 {
			res.Payload = payload
		}
	}
	return res
}
