package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/kbuilder/internal/models"
	"github.com/tOgg1/kbuilder/internal/store"
)

func newTasksCmd(a *app) *cobra.Command {
	var (
		status   string
		taskType string
		reportID string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List recorded tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.database()
			if err != nil {
				return err
			}

			tasks, err := store.NewTaskRepository(db).List(cmd.Context(), store.TaskFilter{
				Status:   models.TaskStatus(strings.ToLower(status)),
				Type:     models.TaskType(strings.ToLower(taskType)),
				ReportID: reportID,
				Limit:    limit,
			})
			if err != nil {
				return err
			}

			if a.jsonOutput {
				if tasks == nil {
					tasks = []*models.Task{}
				}
				return writeJSON(cmd.OutOrStdout(), tasks)
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tasks found")
				return nil
			}

			rows := make([][]string, 0, len(tasks))
			for _, task := range tasks {
				duration := "-"
				if d := task.Duration(); d > 0 {
					duration = d.Round(time.Millisecond).String()
				}
				rows = append(rows, []string{
					shortID(task.ID),
					string(task.Type),
					string(task.Status),
					orDash(task.ReportID),
					orDash(task.WorkerID),
					task.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					duration,
				})
			}
			return writeTable(cmd.OutOrStdout(), []string{"ID", "TYPE", "STATUS", "REPORT", "WORKER", "CREATED", "DURATION"}, rows)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, running, success, failed)")
	cmd.Flags().StringVar(&taskType, "type", "", "filter by type (get-vmcore, patch-apply, reproduce)")
	cmd.Flags().StringVar(&reportID, "report", "", "filter by crash report ID")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum tasks to show")
	cmd.AddCommand(newTaskShowCmd(a))
	return cmd
}

func newTaskShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task and its events",
		Long: `Show one task and the events recorded for it. The ID may be any unique
prefix, such as the short ID printed by "kbuilder tasks".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.database()
			if err != nil {
				return err
			}

			task, err := store.NewTaskRepository(db).Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			events, err := store.NewEventRepository(db).ListByEntity(cmd.Context(), models.EntityTypeTask, task.ID, 0)
			if err != nil {
				return err
			}

			if a.jsonOutput {
				if events == nil {
					events = []*models.Event{}
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{"task": task, "events": events})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:       %s\n", task.ID)
			fmt.Fprintf(out, "Type:     %s\n", task.Type)
			fmt.Fprintf(out, "Status:   %s\n", task.Status)
			fmt.Fprintf(out, "Report:   %s\n", orDash(task.ReportID))
			fmt.Fprintf(out, "Worker:   %s\n", orDash(task.WorkerID))
			fmt.Fprintf(out, "Result:   %s\n", orDash(task.Result))
			if task.ArtifactPath != "" {
				fmt.Fprintf(out, "Artifact: %s (%s)\n", task.ArtifactPath, task.ArtifactName)
			}
			if len(events) == 0 {
				return nil
			}

			fmt.Fprintln(out)
			rows := make([][]string, 0, len(events))
			for _, event := range events {
				rows = append(rows, []string{
					event.Timestamp.Local().Format("2006-01-02 15:04:05"),
					string(event.Type),
				})
			}
			return writeTable(out, []string{"TIME", "EVENT"}, rows)
		},
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
