package domain

// Project status values.
const (
	ProjectPending   = "pending"
	ProjectBuilding  = "building"
	ProjectCompleted = "completed"
	ProjectFailed    = "failed"
	ProjectPaused    = "paused"
)

// Stage status values.
const (
	StagePending   = "pending"
	StageRunning   = "running"
	StageCompleted = "completed"
	StageFailed    = "failed"
)

// BuildTask status values.
const (
	TaskQueued  = "queued"
	TaskRunning = "running"
	TaskSuccess = "success"
	TaskFailure = "failure"
	TaskRevoked = "revoked"
)

type Project struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Requirement        string        `json:"requirement"`
	Status             string        `json:"status" enum:"pending,building,completed,failed,paused"`
	CurrentStage       *string       `json:"current_stage,omitempty"`
	ProgressPercentage int           `json:"progress_percentage" minimum:"0" maximum:"100"`
	Stages             []StageRecord `json:"stages_snapshot"`
	LatestTaskID       *string       `json:"latest_task_id,omitempty"`
	Version            int64         `json:"-"`
	CreatedAt          string        `json:"created_at" format:"date-time"`
	UpdatedAt          string        `json:"updated_at" format:"date-time"`
}

type StageRecord struct {
	Name            string         `json:"name"`
	DisplayName     string         `json:"display_name"`
	Order           int            `json:"order"`
	Status          string         `json:"status" enum:"pending,running,completed,failed"`
	StartedAt       *string        `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string        `json:"completed_at,omitempty" format:"date-time"`
	DurationSeconds *float64       `json:"duration_seconds,omitempty"`
	Metrics         StageMetrics   `json:"metrics"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Error           *string        `json:"error,omitempty"`
}

// StageMetrics holds per-stage usage counters reported by executors.
type StageMetrics struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	ToolCalls    int `json:"tool_calls"`
}

func (m StageMetrics) IsZero() bool {
	return m.InputTokens == 0 && m.OutputTokens == 0 && m.ToolCalls == 0
}

type BuildTask struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Status    string `json:"status" enum:"queued,running,success,failure,revoked"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Active reports whether the task still occupies the project's single
// in-flight slot.
func (t BuildTask) Active() bool {
	return t.Status == TaskQueued || t.Status == TaskRunning
}

// Terminal reports whether a project accepts no further stage transitions.
func (p Project) Terminal() bool {
	return p.Status == ProjectCompleted
}

// Progress recomputes the completion percentage from the stage snapshot.
// It is never stored independently of the snapshot it derives from.
func Progress(stages []StageRecord) int {
	if len(stages) == 0 {
		return 0
	}
	completed := 0
	for _, s := range stages {
		if s.Status == StageCompleted {
			completed++
		}
	}
	return int(float64(completed)/float64(len(stages))*100 + 0.5)
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
