package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTargetCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Select the VM commands run against",
		Long: `Manage the selected target VM.

Commands run without --host talk to the selected target. The selection is
stored in ~/.config/kbuilder/target.yaml.`,
	}

	cmd.AddCommand(newTargetUseCmd(a), newTargetShowCmd(a), newTargetClearCmd(a))
	return cmd
}

func newTargetUseCmd(a *app) *cobra.Command {
	var (
		key      string
		reportID string
	)

	cmd := &cobra.Command{
		Use:   "use <host>",
		Short: "Select a target VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := a.targets.Load()
			if err != nil {
				return err
			}

			port := 0
			if a.flagChanged("port") {
				port = a.cfg.SSH.Port
			}
			target.Set(args[0], port, key)
			target.ReportID = reportID

			if err := a.targets.Save(target); err != nil {
				return err
			}
			if a.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), target)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Target set to %s\n", target)
			return nil
		},
	}

	cmd.Flags().StringVar(&key, "name", "", "pool key for the VM (default: the host)")
	cmd.Flags().StringVar(&reportID, "report", "", "crash report being worked on")
	return cmd
}

func newTargetShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the selected target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := a.targets.Load()
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), target)
			}
			fmt.Fprintln(cmd.OutOrStdout(), target.String())
			return nil
		},
	}
}

func newTargetClearCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Forget the selected target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.targets.Clear(); err != nil {
				return err
			}
			if !a.jsonOutput {
				fmt.Fprintln(cmd.OutOrStdout(), "Target cleared")
			}
			return nil
		},
	}
}
