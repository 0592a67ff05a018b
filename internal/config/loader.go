package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. KBUILDER_SSH_HOST.
const EnvPrefix = "KBUILDER"

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// BindFlag lets a command-line flag override key. Only flags the user
// actually set take precedence over the file and environment.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag for config key %s", key)
	}
	return l.v.BindPFlag(key, flag)
}

// Load loads configuration with proper precedence:
// defaults < config file < env vars < CLI flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// expandTilde expands ~ to the user's home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

func expandPaths(cfg *Config) {
	cfg.Logging.File = expandTilde(cfg.Logging.File)
	cfg.Store.Path = expandTilde(cfg.Store.Path)
	cfg.Repro.BuildRoot = expandTilde(cfg.Repro.BuildRoot)
	cfg.SSH.KeyPath = expandTilde(cfg.SSH.KeyPath)
	cfg.SSH.KnownHostsPath = expandTilde(cfg.SSH.KnownHostsPath)
}

// setupViper configures search paths, defaults and environment bindings.
// Any format viper understands works; config.toml and config.yaml are the
// documented ones.
func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	v.SetConfigName("config")

	v.AddConfigPath(filepath.Join(".", "config"))
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "kbuilder"))
	}
	if homeDir, _ := os.UserHomeDir(); homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "kbuilder"))
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	l.setDefaults(cfg)
	bindEnvVars(v)
	v.AutomaticEnv()
}

// setDefaults sets all default values in Viper.
func (l *Loader) setDefaults(cfg *Config) {
	v := l.v

	// Logging
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)

	// SSH
	v.SetDefault("ssh.host", cfg.SSH.Host)
	v.SetDefault("ssh.port", cfg.SSH.Port)
	v.SetDefault("ssh.user", cfg.SSH.User)
	v.SetDefault("ssh.key_path", cfg.SSH.KeyPath)
	v.SetDefault("ssh.timeout", cfg.SSH.Timeout)
	v.SetDefault("ssh.max_retries", cfg.SSH.MaxRetries)
	v.SetDefault("ssh.initial_backoff", cfg.SSH.InitialBackoff)
	v.SetDefault("ssh.max_backoff", cfg.SSH.MaxBackoff)
	v.SetDefault("ssh.strict_host_key_checking", cfg.SSH.StrictHostKeyChecking)
	v.SetDefault("ssh.compression", cfg.SSH.Compression)
	v.SetDefault("ssh.keep_alive_interval", cfg.SSH.KeepAliveInterval)
	v.SetDefault("ssh.known_hosts_path", cfg.SSH.KnownHostsPath)
	v.SetDefault("ssh.backend", string(cfg.SSH.Backend))

	// Pool
	v.SetDefault("pool.max_connections", cfg.Pool.MaxConnections)

	// Store
	v.SetDefault("store.path", cfg.Store.Path)
	v.SetDefault("store.busy_timeout_ms", cfg.Store.BusyTimeoutMs)

	// Repro
	v.SetDefault("repro.build_root", cfg.Repro.BuildRoot)
	v.SetDefault("repro.remote_dir", cfg.Repro.RemoteDir)
	v.SetDefault("repro.compiler", cfg.Repro.Compiler)
	v.SetDefault("repro.compiler_flags", cfg.Repro.CompilerFlags)
	v.SetDefault("repro.load_crash_kernel", cfg.Repro.LoadCrashKernel)
	v.SetDefault("repro.crash_kernel", cfg.Repro.CrashKernel)
	v.SetDefault("repro.crash_initrd", cfg.Repro.CrashInitrd)
	v.SetDefault("repro.crash_cmdline", cfg.Repro.CrashCmdline)
}

// loadConfigFile reads the config file. A missing file is only an error
// when one was set explicitly.
func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		if _, err := os.Stat(l.configFile); err != nil {
			return err
		}
		l.v.SetConfigFile(l.configFile)
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}

	return nil
}

// ConfigFileUsed returns the config file that was loaded.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// bindEnvVars binds KBUILDER_* variables for every key. Viper's Unmarshal
// misses env vars on nested keys unless they are bound explicitly.
func bindEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		envVar := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, envVar)
	}
}
