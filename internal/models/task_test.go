package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTaskLifecycle(t *testing.T) {
	task := &Task{ID: "t1", Type: TaskTypeReproduce, Status: TaskStatusPending}
	require.NoError(t, task.Validate())

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, task.Start("vm-1", start))
	require.Equal(t, TaskStatusRunning, task.Status)
	require.Equal(t, "vm-1", task.WorkerID)

	require.ErrorIs(t, task.Start("vm-2", start), ErrInvalidTransition)
	require.ErrorIs(t, task.Finish(TaskStatusRunning, "", start), ErrInvalidTransition)

	require.NoError(t, task.Finish(TaskStatusSuccess, "ok", start.Add(3*time.Second)))
	require.True(t, task.Status.IsTerminal())
	require.Equal(t, 3*time.Second, task.Duration())
	require.ErrorIs(t, task.Finish(TaskStatusFailed, "", start), ErrInvalidTransition)
}

func TestTaskValidate(t *testing.T) {
	task := &Task{Type: "bogus", Status: "weird"}
	err := task.Validate()
	require.ErrorIs(t, err, ErrInvalidTaskType)
	require.ErrorIs(t, err, ErrInvalidTaskStatus)
}

func TestEventValidate(t *testing.T) {
	event := NewSessionEvent(EventTypeSessionConnected, "vm-1", SessionPayload{Host: "10.0.0.2", Port: 22, User: "root", Attempts: 2})
	require.NoError(t, event.Validate())
	require.Equal(t, EntityTypeSession, event.EntityType)
	require.JSONEq(t, `{"host":"10.0.0.2","port":22,"user":"root","attempts":2}`, string(event.Payload))

	bad := &Event{Type: "nope"}
	err := bad.Validate()
	require.ErrorIs(t, err, ErrInvalidEventType)
	require.ErrorIs(t, err, ErrInvalidEntityID)
}
