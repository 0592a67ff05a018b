package models

import (
	"time"
)

// TaskType identifies what a task does on the target VM.
type TaskType string

const (
	TaskTypeGetVmcore  TaskType = "get-vmcore"
	TaskTypePatchApply TaskType = "patch-apply"
	TaskTypeReproduce  TaskType = "reproduce"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusFailed  TaskStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailed
}

// Task is one unit of work executed against a VM for a crash report.
type Task struct {
	// ID is the unique identifier for the task.
	ID string `json:"id"`

	Type   TaskType   `json:"type"`
	Status TaskStatus `json:"status"`

	// ReportID is the crash report the task belongs to.
	ReportID string `json:"report_id,omitempty"`

	// WorkerID is the pool key of the session the task ran on.
	WorkerID string `json:"worker_id,omitempty"`

	// Result holds captured output or the failure message.
	Result string `json:"result,omitempty"`

	ArtifactPath string `json:"artifact_path,omitempty"`
	ArtifactName string `json:"artifact_name,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Validate checks if the task is well formed.
func (t *Task) Validate() error {
	validation := &ValidationErrors{}
	switch t.Type {
	case TaskTypeGetVmcore, TaskTypePatchApply, TaskTypeReproduce:
	default:
		validation.Add("type", ErrInvalidTaskType)
	}
	switch t.Status {
	case TaskStatusPending, TaskStatusRunning, TaskStatusSuccess, TaskStatusFailed:
	default:
		validation.Add("status", ErrInvalidTaskStatus)
	}
	return validation.Err()
}

// Start moves a pending task to running.
func (t *Task) Start(workerID string, now time.Time) error {
	if t.Status != TaskStatusPending {
		return ErrInvalidTransition
	}
	t.Status = TaskStatusRunning
	t.WorkerID = workerID
	t.StartedAt = &now
	return nil
}

// Finish moves a running task to success or failed.
func (t *Task) Finish(status TaskStatus, result string, now time.Time) error {
	if t.Status != TaskStatusRunning || !status.IsTerminal() {
		return ErrInvalidTransition
	}
	t.Status = status
	t.Result = result
	t.FinishedAt = &now
	return nil
}

// Duration is the wall time between start and finish, or zero.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.FinishedAt == nil {
		return 0
	}
	return t.FinishedAt.Sub(*t.StartedAt)
}
