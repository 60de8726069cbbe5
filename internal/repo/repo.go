package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"stageline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStaleVersion signals a lost optimistic-concurrency race; the caller
// should reload and retry.
var ErrStaleVersion = errors.New("stale project version")

// IsConstraintViolation reports whether err is a sqlite constraint
// failure, e.g. a duplicate primary key.
func IsConstraintViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint")
}

const projectColumns = `id,name,requirement,status,current_stage,stages_json,latest_task_id,version,created_at,updated_at`

func scanProject(scan func(dest ...any) error) (domain.Project, error) {
	var p domain.Project
	var currentStage, latestTask sql.NullString
	var stagesJSON string
	err := scan(&p.ID, &p.Name, &p.Requirement, &p.Status, &currentStage, &stagesJSON, &latestTask, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if currentStage.Valid {
		p.CurrentStage = &currentStage.String
	}
	if latestTask.Valid {
		p.LatestTaskID = &latestTask.String
	}
	if err := json.Unmarshal([]byte(stagesJSON), &p.Stages); err != nil {
		return p, fmt.Errorf("decode stages snapshot: %w", err)
	}
	p.ProgressPercentage = domain.Progress(p.Stages)
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	stagesJSON, err := json.Marshal(p.Stages)
	if err != nil {
		return fmt.Errorf("encode stages snapshot: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO projects(id,name,requirement,status,current_stage,stages_json,latest_task_id,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Requirement, p.Status, nullableStringPtr(p.CurrentStage), string(stagesJSON), nullableStringPtr(p.LatestTaskID), p.Version, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateProject rewrites the mutable project fields guarded by the version
// the caller read. A concurrent writer that got there first leaves zero
// rows affected.
func (r Repo) UpdateProject(ctx context.Context, tx *sql.Tx, p domain.Project, readVersion int64) error {
	stagesJSON, err := json.Marshal(p.Stages)
	if err != nil {
		return fmt.Errorf("encode stages snapshot: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=?, current_stage=?, stages_json=?, latest_task_id=?, version=?, updated_at=? WHERE id=? AND version=?`,
		p.Status, nullableStringPtr(p.CurrentStage), string(stagesJSON), nullableStringPtr(p.LatestTaskID), readVersion+1, p.UpdatedAt, p.ID, readVersion)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrStaleVersion
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.BuildTask) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO build_tasks(id,project_id,status,created_at,updated_at) VALUES (?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Status, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.BuildTask, error) {
	var t domain.BuildTask
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,status,created_at,updated_at FROM build_tasks WHERE id=?`, id).
		Scan(&t.ID, &t.ProjectID, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// ActiveTask returns the queued or running task for a project, if any.
func (r Repo) ActiveTask(ctx context.Context, tx *sql.Tx, projectID string) (domain.BuildTask, error) {
	var t domain.BuildTask
	err := tx.QueryRowContext(ctx, `SELECT id,project_id,status,created_at,updated_at FROM build_tasks WHERE project_id=? AND status IN (?,?) LIMIT 1`,
		projectID, domain.TaskQueued, domain.TaskRunning).
		Scan(&t.ID, &t.ProjectID, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) UpdateTaskStatus(ctx context.Context, id, status, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE build_tasks SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListTasks(ctx context.Context, projectID string) ([]domain.BuildTask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,status,created_at,updated_at FROM build_tasks WHERE project_id=? ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BuildTask
	for rows.Next() {
		var t domain.BuildTask
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// MarkAbandonedTasks moves tasks left queued/running by a dead process to
// failure so a retry can be dispatched.
func (r Repo) MarkAbandonedTasks(ctx context.Context, updatedAt string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE build_tasks SET status=?, updated_at=? WHERE status IN (?,?)`,
		domain.TaskFailure, updatedAt, domain.TaskQueued, domain.TaskRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LatestEventsFrom lists events newest-first with an optional id cursor.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, projectID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projID, &e.EntityKind, &entityID, &payload); err != nil {
			return nil, err
		}
		if projID.Valid {
			e.ProjectID = projID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
