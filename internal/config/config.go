// Package config handles kbuilder configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tOgg1/kbuilder/internal/ssh"
)

// Config is the root configuration structure for kbuilder.
type Config struct {
	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// SSH is the session configuration used for targets that do not
	// override it.
	SSH ssh.Config `yaml:"ssh" mapstructure:"ssh"`

	// Pool settings
	Pool PoolConfig `yaml:"pool" mapstructure:"pool"`

	// Store settings
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Repro settings
	Repro ReproConfig `yaml:"repro" mapstructure:"repro"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path.
	File string `yaml:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// PoolConfig bounds concurrent sessions.
type PoolConfig struct {
	// MaxConnections is the pool capacity; 0 means unbounded.
	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections"`
}

// StoreConfig contains the task and event database settings.
type StoreConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" mapstructure:"path"`

	// BusyTimeoutMs is how long to wait for a locked database.
	BusyTimeoutMs int `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
}

// ReproConfig controls how reproducers are staged and run on the VM.
type ReproConfig struct {
	// BuildRoot is the local directory kernels are built under.
	BuildRoot string `yaml:"build_root" mapstructure:"build_root"`

	// RemoteDir is the working directory on the VM.
	RemoteDir string `yaml:"remote_dir" mapstructure:"remote_dir"`

	// Compiler and CompilerFlags build the C reproducer on the VM.
	Compiler      string `yaml:"compiler" mapstructure:"compiler"`
	CompilerFlags string `yaml:"compiler_flags" mapstructure:"compiler_flags"`

	// LoadCrashKernel loads a kdump kernel with kexec before the
	// reproducer runs, so a panic leaves a vmcore behind.
	LoadCrashKernel bool   `yaml:"load_crash_kernel" mapstructure:"load_crash_kernel"`
	CrashKernel     string `yaml:"crash_kernel" mapstructure:"crash_kernel"`
	CrashInitrd     string `yaml:"crash_initrd" mapstructure:"crash_initrd"`
	CrashCmdline    string `yaml:"crash_cmdline" mapstructure:"crash_cmdline"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		SSH: ssh.DefaultConfig(),
		Pool: PoolConfig{
			MaxConnections: 8,
		},
		Store: StoreConfig{
			Path:          filepath.Join(homeDir, ".local", "share", "kbuilder", "kbuilder.db"),
			BusyTimeoutMs: 5000,
		},
		Repro: ReproConfig{
			BuildRoot:     filepath.Join(homeDir, "kernels"),
			RemoteDir:     "/root/repro",
			Compiler:      "gcc",
			CompilerFlags: "-static -pthread",
			CrashKernel:   "/boot/crash-bzImage",
			CrashInitrd:   "/boot/crash-initramfs.cpio.gz",
			CrashCmdline:  "root=/dev/ram0 console=ttyS0",
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := c.SSH.Validate(); err != nil {
		return fmt.Errorf("ssh: %w", err)
	}
	if c.Pool.MaxConnections < 0 {
		return fmt.Errorf("pool.max_connections must not be negative")
	}
	if c.Store.BusyTimeoutMs < 0 {
		return fmt.Errorf("store.busy_timeout_ms must not be negative")
	}
	if c.Repro.RemoteDir == "" {
		return fmt.Errorf("repro.remote_dir is required")
	}
	if c.Repro.Compiler == "" {
		return fmt.Errorf("repro.compiler is required")
	}
	if c.Repro.LoadCrashKernel && c.Repro.CrashKernel == "" {
		return fmt.Errorf("repro.crash_kernel is required when load_crash_kernel is set")
	}
	return nil
}

// SessionConfig returns the SSH configuration for host, or the configured
// default host when host is empty.
func (c *Config) SessionConfig(host string) (ssh.Config, error) {
	cfg := c.SSH
	if host != "" {
		cfg.Host = host
	}
	cfg.KeyPath = expandTilde(cfg.KeyPath)
	cfg.KnownHostsPath = expandTilde(cfg.KnownHostsPath)
	if err := cfg.Validate(); err != nil {
		return ssh.Config{}, err
	}
	return cfg, nil
}

// BusyTimeout returns the store busy timeout as a duration.
func (c *Config) BusyTimeout() time.Duration {
	return time.Duration(c.Store.BusyTimeoutMs) * time.Millisecond
}

// EnsureDirectories creates the directories the store and logs write to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.Store.Path)}
	if c.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.File))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
