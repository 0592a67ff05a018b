package repro

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tOgg1/kbuilder/internal/config"
	"github.com/tOgg1/kbuilder/internal/logging"
	"github.com/tOgg1/kbuilder/internal/models"
	"github.com/tOgg1/kbuilder/internal/ssh"
)

// DefaultVmcoreDir is where kdump saves vmcores on the VM.
const DefaultVmcoreDir = "/var/crash"

// TaskStore persists task state. *store.TaskRepository satisfies it.
type TaskStore interface {
	Create(ctx context.Context, task *models.Task) error
	Update(ctx context.Context, task *models.Task) error
}

// Target names the VM a task runs on. Key is the pool key.
type Target struct {
	Key    string
	Config ssh.Config
}

// Outcome is the result of a task run.
type Outcome struct {
	Task    *models.Task
	Results []*ssh.Result

	// Crashed is set when the connection dropped while the reproducer ran
	// with a crash kernel loaded, which is how a successful reproduction
	// looks from the outside.
	Crashed bool
}

// Runner executes task plans on pooled sessions and records them.
type Runner struct {
	pool   *ssh.Pool
	cfg    config.ReproConfig
	tasks  TaskStore
	events ssh.EventSink
	logger *zerolog.Logger
	now    func() time.Time
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithTaskStore records tasks in store.
func WithTaskStore(store TaskStore) RunnerOption {
	return func(r *Runner) { r.tasks = store }
}

// WithTaskEvents appends task.started and task.finished events to sink.
func WithTaskEvents(sink ssh.EventSink) RunnerOption {
	return func(r *Runner) { r.events = sink }
}

// WithRunnerLogger overrides the runner logger.
func WithRunnerLogger(logger zerolog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = &logger }
}

// WithRunnerClock overrides the clock used for task timestamps.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a Runner that borrows sessions from pool.
func NewRunner(pool *ssh.Pool, cfg config.ReproConfig, opts ...RunnerOption) *Runner {
	r := &Runner{
		pool: pool,
		cfg:  cfg,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reproduce runs the reproducer for report on target.
func (r *Runner) Reproduce(ctx context.Context, target Target, report *models.CrashReport, source []byte) (*Outcome, error) {
	plan, err := BuildPlan(report, source, r.cfg)
	if err != nil {
		return nil, err
	}

	task := &models.Task{Type: models.TaskTypeReproduce, ReportID: report.ID}
	outcome, runErr := r.run(ctx, target, task, plan.Commands())

	switch {
	case runErr == nil:
		task.ArtifactPath = plan.BinaryPath()
		task.ArtifactName = BinaryName
		r.finish(ctx, outcome, models.TaskStatusSuccess, lastStdout(outcome.Results), nil)
		return outcome, nil
	case r.cfg.LoadCrashKernel && crashedDuringRun(runErr, len(plan.Steps)):
		outcome.Crashed = true
		logger := r.taskLogger(task)
		logger.Info().Str("report", report.ID).Str("target", target.Key).Msg("connection lost while reproducer ran; crash kernel should be capturing a vmcore")
		if err := r.pool.Remove(target.Key); err != nil {
			logger.Debug().Err(err).Str("target", target.Key).Msg("dropping crashed session")
		}
		r.finish(ctx, outcome, models.TaskStatusSuccess, "kernel crashed while running reproducer", nil)
		return outcome, nil
	default:
		r.finish(ctx, outcome, models.TaskStatusFailed, runErr.Error(), runErr)
		return outcome, runErr
	}
}

// CollectVmcore finds the newest vmcore under dir on target (DefaultVmcoreDir
// when dir is empty) and records it as the task artifact.
func (r *Runner) CollectVmcore(ctx context.Context, target Target, reportID, dir string) (*Outcome, error) {
	if dir == "" {
		dir = DefaultVmcoreDir
	}
	cmds := []string{
		fmt.Sprintf("test -d %s", quote(dir)),
		fmt.Sprintf("ls -1t %s/*/vmcore | head -n 1", quote(dir)),
	}

	task := &models.Task{Type: models.TaskTypeGetVmcore, ReportID: reportID}
	outcome, err := r.run(ctx, target, task, cmds)
	if err != nil {
		r.finish(ctx, outcome, models.TaskStatusFailed, err.Error(), err)
		return outcome, err
	}

	found := strings.TrimSpace(lastStdout(outcome.Results))
	if found == "" {
		err := fmt.Errorf("no vmcore found under %s", dir)
		r.finish(ctx, outcome, models.TaskStatusFailed, err.Error(), err)
		return outcome, err
	}

	task.ArtifactPath = found
	task.ArtifactName = path.Base(path.Dir(found)) + "-" + path.Base(found)
	r.finish(ctx, outcome, models.TaskStatusSuccess, found, nil)
	return outcome, nil
}

// run creates the task, borrows the session and executes cmds as a batch.
func (r *Runner) run(ctx context.Context, target Target, task *models.Task, cmds []string) (*Outcome, error) {
	outcome := &Outcome{Task: task}

	if r.tasks != nil {
		if err := r.tasks.Create(ctx, task); err != nil {
			return outcome, fmt.Errorf("record task: %w", err)
		}
	} else {
		task.ID = uuid.NewString()
		task.Status = models.TaskStatusPending
		task.CreatedAt = r.now().UTC()
	}

	if err := task.Start(target.Key, r.now().UTC()); err != nil {
		return outcome, err
	}
	r.save(ctx, task)
	r.emit(ctx, models.EventTypeTaskStarted, task, nil)
	r.taskLogger(task).Info().
		Str("task_type", string(task.Type)).
		Str("target", target.Key).
		Int("steps", len(cmds)).
		Msg("task started")

	handle, err := r.pool.GetOrCreate(ctx, target.Key, target.Config)
	if err != nil {
		return outcome, err
	}

	results, err := handle.ExecuteBatch(ctx, cmds)
	if err != nil {
		return outcome, err
	}
	outcome.Results = results
	return outcome, nil
}

func (r *Runner) finish(ctx context.Context, outcome *Outcome, status models.TaskStatus, result string, cause error) {
	task := outcome.Task
	if task.Status != models.TaskStatusRunning {
		// Never started, e.g. the store rejected it.
		return
	}
	logger := r.taskLogger(task)
	if err := task.Finish(status, result, r.now().UTC()); err != nil {
		logger.Warn().Err(err).Msg("invalid task transition")
		return
	}
	r.save(ctx, task)
	r.emit(ctx, models.EventTypeTaskFinished, task, cause)

	event := logger.Info()
	if cause != nil {
		event = logger.Warn().Err(cause)
	}
	event.Str("status", string(task.Status)).Dur("duration", task.Duration()).Msg("task finished")
}

func (r *Runner) save(ctx context.Context, task *models.Task) {
	if r.tasks == nil {
		return
	}
	if err := r.tasks.Update(context.WithoutCancel(ctx), task); err != nil {
		r.taskLogger(task).Warn().Err(err).Msg("failed to record task")
	}
}

func (r *Runner) emit(ctx context.Context, eventType models.EventType, task *models.Task, cause error) {
	if r.events == nil {
		return
	}
	payload := models.TaskPayload{Type: task.Type, Status: task.Status, ReportID: task.ReportID}
	if cause != nil {
		payload.Error = cause.Error()
	}
	data, _ := json.Marshal(payload)
	event := &models.Event{
		Type:       eventType,
		EntityType: models.EntityTypeTask,
		EntityID:   task.ID,
		Payload:    data,
		Metadata:   map[string]string{"worker": task.WorkerID},
	}
	if err := r.events.Create(context.WithoutCancel(ctx), event); err != nil {
		r.taskLogger(task).Warn().Err(err).Str("event_type", string(eventType)).Msg("failed to record task event")
	}
}

// taskLogger returns a logger carrying the task ID.
func (r *Runner) taskLogger(task *models.Task) zerolog.Logger {
	if r.logger != nil {
		return r.logger.With().Str("task_id", task.ID).Logger()
	}
	return logging.WithTask(task.ID).With().Str("component", "repro").Logger()
}

// crashedDuringRun reports whether err is the last step losing its
// connection, as opposed to the reproducer exiting non-zero.
func crashedDuringRun(err error, steps int) bool {
	var batchErr *ssh.BatchError
	if !errors.As(err, &batchErr) || batchErr.Step != steps {
		return false
	}
	if errors.Is(err, ssh.ErrTimeout) {
		return true
	}
	var sshErr *ssh.Error
	return errors.As(err, &sshErr) && sshErr.Kind == ssh.KindCommandFailed && sshErr.Err != nil
}

func lastStdout(results []*ssh.Result) string {
	if len(results) == 0 {
		return ""
	}
	return results[len(results)-1].Stdout
}
