package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tOgg1/kbuilder/internal/models"
	"github.com/tOgg1/kbuilder/internal/repro"
	"github.com/tOgg1/kbuilder/internal/store"
)

func newReproCmd(a *app) *cobra.Command {
	var (
		sourcePath string
		crashKern  bool
	)

	cmd := &cobra.Command{
		Use:   "repro <report.json>",
		Short: "Run a crash report's C reproducer on the target VM",
		Long: `Upload, compile and run the C reproducer of a syzbot crash report on the
target VM, recording the run as a task.

The reproducer source is read from --source, or from repro.c in the report's
build directory (<build_root>/<id>/<kernel-source-commit>).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := models.LoadCrashReport(args[0])
			if err != nil {
				return err
			}
			source, err := repro.LoadSource(a.cfg.Repro.BuildRoot, report, sourcePath)
			if err != nil {
				return err
			}

			target, err := a.target()
			if err != nil {
				return err
			}
			runner, err := a.runner(cmd, crashKern)
			if err != nil {
				return err
			}

			outcome, runErr := runner.Reproduce(cmd.Context(), target, report, source)
			if outcome != nil && outcome.Task.ID != "" {
				if err := a.writeOutcome(cmd, outcome); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&sourcePath, "source", "", "C reproducer file (default: repro.c in the build directory)")
	cmd.Flags().BoolVar(&crashKern, "crash-kernel", false, "load the kdump crash kernel before running (overrides repro.load_crash_kernel)")
	return cmd
}

func newVmcoreCmd(a *app) *cobra.Command {
	var (
		reportID string
		dir      string
	)

	cmd := &cobra.Command{
		Use:   "vmcore",
		Short: "Locate the newest vmcore on the target VM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := a.target()
			if err != nil {
				return err
			}
			if reportID == "" {
				if selected, err := a.targets.Load(); err == nil {
					reportID = selected.ReportID
				}
			}
			runner, err := a.runner(cmd, false)
			if err != nil {
				return err
			}

			outcome, runErr := runner.CollectVmcore(cmd.Context(), target, reportID, dir)
			if outcome != nil && outcome.Task.ID != "" {
				if err := a.writeOutcome(cmd, outcome); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&reportID, "report", "", "crash report the vmcore belongs to (default: the target's report)")
	cmd.Flags().StringVar(&dir, "dir", repro.DefaultVmcoreDir, "kdump directory on the VM")
	return cmd
}

func (a *app) runner(cmd *cobra.Command, crashKernel bool) (*repro.Runner, error) {
	pool, err := a.sessions()
	if err != nil {
		return nil, err
	}
	db, err := a.database()
	if err != nil {
		return nil, err
	}

	cfg := a.cfg.Repro
	if cmd.Flags().Changed("crash-kernel") {
		cfg.LoadCrashKernel = crashKernel
	}
	return repro.NewRunner(pool, cfg,
		repro.WithTaskStore(store.NewTaskRepository(db)),
		repro.WithTaskEvents(store.NewEventRepository(db)),
	), nil
}

func (a *app) writeOutcome(cmd *cobra.Command, outcome *repro.Outcome) error {
	if a.jsonOutput {
		return writeJSON(cmd.OutOrStdout(), outcome)
	}
	task := outcome.Task
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "task:     %s\n", task.ID)
	fmt.Fprintf(out, "type:     %s\n", task.Type)
	fmt.Fprintf(out, "status:   %s\n", task.Status)
	if task.Duration() > 0 {
		fmt.Fprintf(out, "duration: %s\n", task.Duration())
	}
	if task.ArtifactPath != "" {
		fmt.Fprintf(out, "artifact: %s\n", task.ArtifactPath)
	}
	if outcome.Crashed {
		fmt.Fprintln(out, "crashed:  yes")
	}
	return nil
}
