package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/opsforge/foreman/pkg/models"
)

const taskColumns = `task_id, user_id, project_path, prompt, status, session_id,
		created_at, finished_at, total_cost, total_turns, last_output,
		last_activity_at, result_summary, error_message, commits_json, chat_id,
		message_thread_id`

// PostgresRepository stores tasks in the background_tasks table.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, task *models.Task) error {
	commits, err := json.Marshal(task.Commits)
	if err != nil {
		return fmt.Errorf("failed to marshal commits: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO background_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		task.TaskID, task.UserID, task.ProjectPath, task.Prompt, task.Status,
		task.SessionID, task.CreatedAt, task.FinishedAt, task.TotalCost,
		task.TotalTurns, task.LastOutput, task.LastActivityAt,
		task.ResultSummary, task.ErrorMessage, commits, task.ChatID,
		task.MessageThreadID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// The partial unique index also fires here when another
			// process raced us to the same project.
			if strings.Contains(pgErr.ConstraintName, "one_running_per_project") {
				return &ProjectBusyError{ProjectPath: task.ProjectPath}
			}
			return ErrDuplicateID
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, taskID string) (*models.Task, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM background_tasks
		WHERE task_id = $1`, taskID)
	return scanTask(row)
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, taskID string, status models.TaskStatus, upd StatusUpdate) error {
	var commits any
	if upd.Commits != nil {
		b, err := json.Marshal(upd.Commits)
		if err != nil {
			return fmt.Errorf("failed to marshal commits: %w", err)
		}
		commits = b
	}

	now := time.Now().UTC()
	var finishedAt *time.Time
	if status.Terminal() {
		finishedAt = &now
	}

	// The status guard makes the update a no-op once a task is terminal.
	res, err := r.db.ExecContext(ctx, `
		UPDATE background_tasks
		SET status = $2,
		    finished_at = COALESCE($3, finished_at),
		    result_summary = COALESCE($4, result_summary),
		    error_message = COALESCE($5, error_message),
		    session_id = COALESCE($6, session_id),
		    commits_json = COALESCE($7, commits_json),
		    last_activity_at = $8
		WHERE task_id = $1 AND status = 'running'`,
		taskID, status, finishedAt, upd.ResultSummary, upd.ErrorMessage,
		upd.SessionID, commits, now)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish "already terminal" (fine) from "no such task".
		var exists bool
		if err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM background_tasks WHERE task_id = $1)`,
			taskID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check task existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (r *PostgresRepository) UpdateProgress(ctx context.Context, taskID string, costDelta float64, lastOutput *string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE background_tasks
		SET total_cost = total_cost + $2,
		    total_turns = total_turns + 1,
		    last_output = COALESCE($3, last_output),
		    last_activity_at = $4
		WHERE task_id = $1`,
		taskID, costDelta, lastOutput, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update task progress: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) GetRunningForProject(ctx context.Context, projectPath string) (*models.Task, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM background_tasks
		WHERE project_path = $1 AND status = 'running'`, projectPath)
	return scanTask(row)
}

func (r *PostgresRepository) GetAllRunning(ctx context.Context) ([]*models.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM background_tasks
		WHERE status = 'running'
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query running tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CountRunning(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM background_tasks WHERE status = 'running'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count running tasks: %w", err)
	}
	return n, nil
}

// DeleteFinishedBefore removes finished tasks whose finished_at is older
// than the cutoff. Used by the retention sweeper; running tasks are never
// touched.
func (r *PostgresRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM background_tasks
		WHERE finished_at IS NOT NULL AND finished_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old tasks: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(affected), nil
}

func (r *PostgresRepository) GetLastFinishedForProject(ctx context.Context, projectPath string) (*models.Task, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM background_tasks
		WHERE project_path = $1 AND status IN ('completed', 'failed')
		ORDER BY finished_at DESC
		LIMIT 1`, projectPath)
	return scanTask(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var task models.Task
	var commits []byte
	err := row.Scan(&task.TaskID, &task.UserID, &task.ProjectPath, &task.Prompt,
		&task.Status, &task.SessionID, &task.CreatedAt, &task.FinishedAt,
		&task.TotalCost, &task.TotalTurns, &task.LastOutput,
		&task.LastActivityAt, &task.ResultSummary, &task.ErrorMessage,
		&commits, &task.ChatID, &task.MessageThreadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	if len(commits) > 0 {
		if err := json.Unmarshal(commits, &task.Commits); err != nil {
			return nil, fmt.Errorf("failed to unmarshal commits: %w", err)
		}
	}
	if task.Commits == nil {
		task.Commits = []models.Commit{}
	}
	task.NormalizeUTC()
	return &task, nil
}
