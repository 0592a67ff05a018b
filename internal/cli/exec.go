package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/kbuilder/internal/logging"
	"github.com/tOgg1/kbuilder/internal/ssh"
)

func newExecCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "exec -- <command>...",
		Short: "Run a command on the target VM",
		Long: `Run a command in a login shell on the target VM.

The command's stdout and stderr are copied through. A non-zero remote exit
status fails with exit code 4; failing to connect fails with exit code 3.`,
		Example: `  kbuilder exec -- uname -a
  kbuilder --host 10.0.0.2 exec -- 'dmesg | tail'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handle, err := a.connect(cmd)
			if err != nil {
				return err
			}

			result, err := handle.Execute(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			writeResult(cmd, result)
			return nil
		},
	}
}

func newBatchCmd(a *app) *cobra.Command {
	var commands []string

	cmd := &cobra.Command{
		Use:   "batch [file]",
		Short: "Run commands in order on one session",
		Long: `Run a list of commands in order on a single session, stopping at the
first failure.

Commands come from --cmd flags, or one per line from the file ("-" for
stdin). Blank lines and lines starting with # are skipped.`,
		Example: `  kbuilder batch --cmd 'mkdir -p /root/repro' --cmd 'ls /root/repro'
  kbuilder batch steps.txt`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmds := append([]string(nil), commands...)
			if len(args) == 1 {
				fromFile, err := readCommands(cmd, args[0])
				if err != nil {
					return err
				}
				cmds = append(cmds, fromFile...)
			}
			if len(cmds) == 0 {
				return fmt.Errorf("no commands given")
			}

			handle, err := a.connect(cmd)
			if err != nil {
				return err
			}

			results, err := handle.ExecuteBatch(cmd.Context(), cmds)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), results)
			}
			for _, result := range results {
				writeResult(cmd, result)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&commands, "cmd", nil, "command to run (repeatable)")
	return cmd
}

func newProbeCmd(a *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "probe [host]...",
		Short: "Check whether target VMs answer",
		Long: `Connect to each host (default: the current target) and run a short
liveness probe. Hosts that cannot be reached are reported, not treated as
an error.

With --all, the selected target and ssh.host from configuration are probed
along with any hosts given.`,
		Example: `  kbuilder probe
  kbuilder probe --all 10.0.0.3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := a.sessions()
			if err != nil {
				return err
			}

			hosts := args
			if all {
				hosts = append(append([]string(nil), args...), "", a.cfg.SSH.Host)
			} else if len(hosts) == 0 {
				hosts = []string{a.host}
			}

			type probeRow struct {
				Key       string    `json:"key"`
				Host      string    `json:"host"`
				Port      int       `json:"port"`
				Connected bool      `json:"connected"`
				State     string    `json:"state"`
				Since     time.Time `json:"connected_since,omitempty"`
				Error     string    `json:"error,omitempty"`
			}

			var probed []probeRow
			handles := make(map[string]*ssh.Handle, len(hosts))
			seen := make(map[string]bool, len(hosts))
			for _, host := range hosts {
				target, err := a.targetFor(host)
				if err != nil {
					return err
				}
				if seen[target.Key] {
					continue
				}
				seen[target.Key] = true

				row := probeRow{Key: target.Key, Host: target.Config.Host, Port: target.Config.Port}
				handle, err := pool.GetOrCreate(cmd.Context(), target.Key, target.Config)
				if err != nil {
					row.Error = err.Error()
				} else {
					handles[target.Key] = handle
				}
				probed = append(probed, row)
			}
			if capacity := pool.Capacity(); capacity > 0 && len(probed) > capacity {
				logging.FromContext(cmd.Context()).Warn().
					Int("targets", len(probed)).
					Int("max_connections", capacity).
					Msg("more targets than pool capacity; the rest are reported unreachable")
			}

			alive := pool.CheckAll(cmd.Context())
			for i := range probed {
				row := &probed[i]
				row.Connected = alive[row.Key]
				row.State = pool.State(row.Key).String()
				if handle, ok := handles[row.Key]; ok {
					if info, ok := handle.Info(); ok {
						row.Since = info.ConnectedSince
					}
				}
			}

			if a.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), probed)
			}
			rows := make([][]string, 0, len(probed))
			for _, row := range probed {
				since := "-"
				if !row.Since.IsZero() {
					since = row.Since.Format(time.RFC3339)
				}
				rows = append(rows, []string{
					row.Key,
					fmt.Sprintf("%s:%d", row.Host, row.Port),
					formatYesNo(row.Connected),
					row.State,
					since,
					orDash(row.Error),
				})
			}
			return writeTable(cmd.OutOrStdout(), []string{"KEY", "ADDRESS", "CONNECTED", "STATE", "SINCE", "ERROR"}, rows)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "also probe the selected target and the configured host")
	return cmd
}

// connect resolves the target and returns a pooled session for it.
func (a *app) connect(cmd *cobra.Command) (*ssh.Handle, error) {
	target, err := a.target()
	if err != nil {
		return nil, err
	}
	pool, err := a.sessions()
	if err != nil {
		return nil, err
	}
	return pool.GetOrCreate(cmd.Context(), target.Key, target.Config)
}

func writeResult(cmd *cobra.Command, result *ssh.Result) {
	fmt.Fprint(cmd.OutOrStdout(), result.Stdout)
	if result.Stderr != "" {
		fmt.Fprint(cmd.ErrOrStderr(), result.Stderr)
	}
}

func readCommands(cmd *cobra.Command, path string) ([]string, error) {
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open command file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var cmds []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cmds = append(cmds, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read command file: %w", err)
	}
	return cmds, nil
}
