package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tOgg1/kbuilder/internal/models"
)

var (
	// ErrTaskNotFound is returned when no task has the requested ID.
	ErrTaskNotFound = errors.New("task not found")

	// ErrAmbiguousTaskID is returned when an ID prefix matches several tasks.
	ErrAmbiguousTaskID = errors.New("ambiguous task ID")
)

// TaskRepository persists tasks.
type TaskRepository struct {
	db  *DB
	now func() time.Time
}

// NewTaskRepository creates a new TaskRepository.
func NewTaskRepository(db *DB) *TaskRepository {
	return &TaskRepository{db: db, now: time.Now}
}

// TaskFilter narrows List results. Zero values match everything.
type TaskFilter struct {
	Status   models.TaskStatus
	Type     models.TaskType
	ReportID string
	Limit    int
}

const taskColumns = `id, type, status, report_id, worker_id, result,
	artifact_path, artifact_name, created_at, started_at, finished_at`

// Create inserts a task, assigning ID and CreatedAt when empty.
func (r *TaskRepository) Create(ctx context.Context, task *models.Task) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	if err := task.Validate(); err != nil {
		return err
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = r.now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID,
		string(task.Type),
		string(task.Status),
		nullString(task.ReportID),
		nullString(task.WorkerID),
		nullString(task.Result),
		nullString(task.ArtifactPath),
		nullString(task.ArtifactName),
		formatTime(task.CreatedAt),
		formatTimePtr(task.StartedAt),
		formatTimePtr(task.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// Update writes the mutable fields of an existing task.
func (r *TaskRepository) Update(ctx context.Context, task *models.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	return r.db.TransactionWithRetry(ctx, 0, 0, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE tasks SET
				status = ?, worker_id = ?, result = ?,
				artifact_path = ?, artifact_name = ?,
				started_at = ?, finished_at = ?
			WHERE id = ?
		`,
			string(task.Status),
			nullString(task.WorkerID),
			nullString(task.Result),
			nullString(task.ArtifactPath),
			nullString(task.ArtifactName),
			formatTimePtr(task.StartedAt),
			formatTimePtr(task.FinishedAt),
			task.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get affected rows: %w", err)
		}
		if rows == 0 {
			return ErrTaskNotFound
		}
		return nil
	})
}

// Get retrieves a task by ID.
func (r *TaskRepository) Get(ctx context.Context, id string) (*models.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

// Resolve returns the task whose ID is id or starts with it.
func (r *TaskRepository) Resolve(ctx context.Context, id string) (*models.Task, error) {
	if id == "" {
		return nil, ErrTaskNotFound
	}
	task, err := r.Get(ctx, id)
	if !errors.Is(err, ErrTaskNotFound) {
		return task, err
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE substr(id, 1, ?) = ? LIMIT 2`, len(id), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var matches []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	switch len(matches) {
	case 0:
		return nil, ErrTaskNotFound
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrAmbiguousTaskID, id)
	}
}

// List returns tasks matching filter, newest first.
func (r *TaskRepository) List(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.ReportID != "" {
		query += ` AND report_id = ?`
		args = append(args, filter.ReportID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func scanTask(row rowScanner) (*models.Task, error) {
	var task models.Task
	var taskType, status, createdAt string
	var reportID, workerID, result, artifactPath, artifactName sql.NullString
	var startedAt, finishedAt sql.NullString

	err := row.Scan(
		&task.ID,
		&taskType,
		&status,
		&reportID,
		&workerID,
		&result,
		&artifactPath,
		&artifactName,
		&createdAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	task.Type = models.TaskType(taskType)
	task.Status = models.TaskStatus(status)
	task.ReportID = reportID.String
	task.WorkerID = workerID.String
	task.Result = result.String
	task.ArtifactPath = artifactPath.String
	task.ArtifactName = artifactName.String
	task.CreatedAt = parseTime(createdAt)
	task.StartedAt = parseTimePtr(startedAt)
	task.FinishedAt = parseTimePtr(finishedAt)
	return &task, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
