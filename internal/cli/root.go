// Package cli implements the kbuilder command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tOgg1/kbuilder/internal/config"
	"github.com/tOgg1/kbuilder/internal/logging"
	"github.com/tOgg1/kbuilder/internal/repro"
	"github.com/tOgg1/kbuilder/internal/ssh"
	"github.com/tOgg1/kbuilder/internal/store"
)

// Version information (set by goreleaser)
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// flagKeys maps persistent flags onto configuration keys so that explicitly
// set flags win over the config file and environment.
var flagKeys = map[string]string{
	"port":            "ssh.port",
	"user":            "ssh.user",
	"key":             "ssh.key_path",
	"timeout":         "ssh.timeout",
	"retries":         "ssh.max_retries",
	"backend":         "ssh.backend",
	"strict":          "ssh.strict_host_key_checking",
	"max-connections": "pool.max_connections",
	"db":              "store.path",
	"log-level":       "logging.level",
	"log-format":      "logging.format",
}

// app carries state shared by every command of one invocation.
type app struct {
	configFile string
	host       string
	jsonOutput bool
	flags      *pflag.FlagSet

	cfg     *config.Config
	loader  *config.Loader
	targets *config.TargetStore

	sessionOpts []ssh.SessionOption
	pool        *ssh.Pool
	db          *store.DB
}

// Option customizes the command tree.
type Option func(*app)

// WithSessionOptions passes options to every session the CLI opens.
func WithSessionOptions(opts ...ssh.SessionOption) Option {
	return func(a *app) { a.sessionOpts = append(a.sessionOpts, opts...) }
}

// WithTargetStore overrides where the selected target is persisted.
func WithTargetStore(targets *config.TargetStore) Option {
	return func(a *app) { a.targets = targets }
}

// Execute runs the CLI with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer, opts ...Option) int {
	root, a := newRootCmd(opts...)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	a.close()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return ExitOK
}

func newRootCmd(opts ...Option) (*cobra.Command, *app) {
	a := &app{}
	for _, opt := range opts {
		opt(a)
	}
	if a.targets == nil {
		a.targets = config.NewTargetStore("")
	}

	root := &cobra.Command{
		Use:   "kbuilder",
		Short: "Drive kernel crash reproduction on remote VMs",
		Long: `kbuilder runs commands and crash reproducers on target VMs over SSH.

Sessions are retried with exponential backoff and pooled per target; tasks
and session events are recorded in a local SQLite database.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default searches ./config, $XDG_CONFIG_HOME/kbuilder, ~/.config/kbuilder)")
	flags.StringVar(&a.host, "host", "", "target VM host (default: selected target, then ssh.host)")
	flags.Int("port", 0, "SSH port")
	flags.String("user", "", "SSH user")
	flags.String("key", "", "private key file")
	flags.Duration("timeout", 0, "per-attempt connect and command timeout")
	flags.Int("retries", 0, "connection attempts before giving up")
	flags.String("backend", "", "transport backend (auto, native, system)")
	flags.Bool("strict", false, "reject unknown host keys")
	flags.Int("max-connections", 0, "session pool capacity (0 for unbounded)")
	flags.String("db", "", "task and event database path")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (console, json)")
	flags.BoolVar(&a.jsonOutput, "json", false, "write JSON output")

	root.AddCommand(
		newExecCmd(a),
		newBatchCmd(a),
		newProbeCmd(a),
		newReproCmd(a),
		newVmcoreCmd(a),
		newTasksCmd(a),
		newEventsCmd(a),
		newTargetCmd(a),
		newVersionCmd(),
	)
	return root, a
}

// init loads configuration and sets up logging.
func (a *app) init(cmd *cobra.Command) error {
	a.loader = config.NewLoader()
	if a.configFile != "" {
		a.loader.SetConfigFile(a.configFile)
	}

	a.flags = cmd.Root().PersistentFlags()
	var bindErr error
	a.flags.VisitAll(func(flag *pflag.Flag) {
		key, ok := flagKeys[flag.Name]
		if !ok || bindErr != nil {
			return
		}
		bindErr = a.loader.BindFlag(key, flag)
	})
	if bindErr != nil {
		return bindErr
	}

	cfg, err := a.loader.Load()
	if err != nil {
		return configErr(err)
	}
	a.cfg = cfg

	if err := logging.Init(logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cmd.ErrOrStderr(),
		File:         cfg.Logging.File,
		EnableCaller: cfg.Logging.EnableCaller,
	}); err != nil {
		logging.Logger.Warn().Err(err).Msg("log file unavailable")
	}
	logger := logging.Component("cli").With().Str("command", cmd.CommandPath()).Logger()
	if used := a.loader.ConfigFileUsed(); used != "" {
		logger.Debug().Str("config_file", used).Msg("loaded config file")
	}
	cmd.SetContext(logging.WithContext(cmd.Context(), logger))
	return nil
}

// target resolves which VM a command talks to: --host, then the selected
// target, then ssh.host from configuration.
func (a *app) target() (repro.Target, error) {
	return a.targetFor(a.host)
}

func (a *app) targetFor(host string) (repro.Target, error) {
	host = strings.TrimSpace(host)
	port := 0
	key := ""

	if host == "" {
		selected, err := a.targets.Load()
		if err != nil {
			return repro.Target{}, err
		}
		if !selected.IsEmpty() {
			host = selected.Host
			port = selected.Port
			key = selected.PoolKey()
		}
	}

	cfg, err := a.cfg.SessionConfig(host)
	if err != nil {
		return repro.Target{}, configErr(err)
	}
	if port != 0 && !a.flagChanged("port") {
		cfg.Port = port
	}
	if key == "" {
		key = cfg.Addr()
	}
	return repro.Target{Key: key, Config: cfg}, nil
}

func (a *app) flagChanged(name string) bool {
	return a.flags != nil && a.flags.Changed(name)
}

// sessions returns the pool, creating it on first use.
func (a *app) sessions() (*ssh.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	db, err := a.database()
	if err != nil {
		return nil, err
	}
	a.pool = ssh.NewPool(a.cfg.Pool.MaxConnections,
		ssh.WithEventSink(store.NewEventRepository(db)),
		ssh.WithSessionOptions(append([]ssh.SessionOption{
			ssh.WithPassphrasePrompt(ssh.TerminalPassphrasePrompt),
		}, a.sessionOpts...)...),
	)
	return a.pool, nil
}

// database opens the store on first use.
func (a *app) database() (*store.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	if err := a.cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	db, err := store.Open(context.Background(), store.Config{
		Path:        a.cfg.Store.Path,
		BusyTimeout: a.cfg.BusyTimeout(),
	})
	if err != nil {
		return nil, err
	}
	a.db = db
	return db, nil
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.CloseAll()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logging.Logger.Warn().Err(err).Msg("failed to close database")
		}
	}
}
