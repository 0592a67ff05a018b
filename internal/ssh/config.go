// Package ssh manages authenticated remote-execution sessions against build
// workers and reproduction VMs.
//
// A [Session] owns at most one live channel to a single host. [Session.Connect]
// retries transient failures with exponential backoff and full jitter
// ([Backoff]); [Pool] keeps a bounded, keyed set of sessions and hands callers
// [Handle] values instead of the sessions themselves.
package ssh

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Backend selects the transport implementation used by a session.
type Backend string

const (
	BackendNative Backend = "native" // golang.org/x/crypto/ssh
	BackendSystem Backend = "system" // system ssh binary with ControlMaster
	BackendAuto   Backend = "auto"
)

// Defaults for Config fields.
const (
	DefaultPort              = 22
	DefaultUser              = "root"
	DefaultTimeout           = 30 * time.Second
	DefaultMaxRetries        = 5
	DefaultInitialBackoff    = 1 * time.Second
	DefaultMaxBackoff        = 30 * time.Second
	DefaultKeepAliveInterval = 60 * time.Second
	DefaultKeyPath           = "~/.ssh/debian-key"
	DefaultKnownHostsPath    = "~/.ssh/known_hosts"
)

// Config describes how to reach and authenticate to a remote host and how
// aggressively to retry. A Config is treated as immutable once a Session
// has been built from it.
type Config struct {
	// Host is the target host name or IP.
	Host string `mapstructure:"host"`

	// Port is the SSH port.
	Port int `mapstructure:"port"`

	// User is the SSH username.
	User string `mapstructure:"user"`

	// KeyPath is the private key used for authentication.
	KeyPath string `mapstructure:"key_path"`

	// Timeout bounds each connect attempt and each command.
	Timeout time.Duration `mapstructure:"timeout"`

	// MaxRetries is the total number of connect attempts.
	MaxRetries int `mapstructure:"max_retries"`

	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`

	// StrictHostKeyChecking rejects unknown hosts. When false, unknown host
	// keys are trusted on first use and recorded.
	StrictHostKeyChecking bool `mapstructure:"strict_host_key_checking"`

	Compression bool `mapstructure:"compression"`

	// KeepAliveInterval is the keep-alive probe period; zero means the
	// 60s default.
	KeepAliveInterval time.Duration `mapstructure:"keep_alive_interval"`

	KnownHostsPath string `mapstructure:"known_hosts_path"`

	Backend Backend `mapstructure:"backend"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Host:              "127.0.0.1",
		Port:              DefaultPort,
		User:              DefaultUser,
		KeyPath:           DefaultKeyPath,
		Timeout:           DefaultTimeout,
		MaxRetries:        DefaultMaxRetries,
		InitialBackoff:    DefaultInitialBackoff,
		MaxBackoff:        DefaultMaxBackoff,
		KeepAliveInterval: DefaultKeepAliveInterval,
		KnownHostsPath:    DefaultKnownHostsPath,
		Backend:           BackendAuto,
	}
}

// ConfigOption mutates a Config under construction.
type ConfigOption func(*Config)

// NewConfig builds a validated Config for host from the defaults.
func NewConfig(host string, opts ...ConfigOption) (Config, error) {
	cfg := DefaultConfig()
	cfg.Host = host
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WithPort sets the SSH port.
func WithPort(port int) ConfigOption {
	return func(c *Config) { c.Port = port }
}

// WithUser sets the SSH user.
func WithUser(user string) ConfigOption {
	return func(c *Config) { c.User = user }
}

// WithKeyPath sets the private key path.
func WithKeyPath(path string) ConfigOption {
	return func(c *Config) { c.KeyPath = path }
}

// WithTimeout sets the per-attempt and per-command timeout.
func WithTimeout(d time.Duration) ConfigOption {
	return func(c *Config) { c.Timeout = d }
}

// WithRetries sets the total number of connect attempts.
func WithRetries(n int) ConfigOption {
	return func(c *Config) { c.MaxRetries = n }
}

// WithBackoff sets the initial and maximum backoff.
func WithBackoff(initial, maxBackoff time.Duration) ConfigOption {
	return func(c *Config) {
		c.InitialBackoff = initial
		c.MaxBackoff = maxBackoff
	}
}

// WithStrictHostKeyChecking toggles strict host key verification.
func WithStrictHostKeyChecking(enable bool) ConfigOption {
	return func(c *Config) { c.StrictHostKeyChecking = enable }
}

// WithCompression toggles transport compression.
func WithCompression(enable bool) ConfigOption {
	return func(c *Config) { c.Compression = enable }
}

// WithKeepAlive sets the keep-alive interval.
func WithKeepAlive(interval time.Duration) ConfigOption {
	return func(c *Config) { c.KeepAliveInterval = interval }
}

// WithKnownHosts sets the known_hosts file used for host key checks.
func WithKnownHosts(path string) ConfigOption {
	return func(c *Config) { c.KnownHostsPath = path }
}

// WithBackend selects the transport backend.
func WithBackend(b Backend) ConfigOption {
	return func(c *Config) { c.Backend = b }
}

// Validate checks the configuration. Violations are configuration errors
// and are reported before any network I/O.
func (c Config) Validate() error {
	if c.Host == "" {
		return configError("host cannot be empty")
	}
	if c.MaxRetries <= 0 {
		return configError("max retries must be greater than 0")
	}
	if c.Port < 1 || c.Port > 65535 {
		return configError("invalid port %d", c.Port)
	}
	if c.Timeout < 0 || c.InitialBackoff < 0 || c.MaxBackoff < 0 || c.KeepAliveInterval < 0 {
		return configError("durations must not be negative")
	}
	switch c.Backend {
	case "", BackendNative, BackendSystem, BackendAuto:
	default:
		return configError("unknown backend %q", c.Backend)
	}
	return nil
}

// EffectiveKeepAlive returns the keep-alive interval, defaulting to 60s.
func (c Config) EffectiveKeepAlive() time.Duration {
	if c.KeepAliveInterval <= 0 {
		return DefaultKeepAliveInterval
	}
	return c.KeepAliveInterval
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Destination returns user@host as used in log lines and ssh arguments.
func (c Config) Destination() string {
	if c.User == "" {
		return c.Host
	}
	return fmt.Sprintf("%s@%s", c.User, c.Host)
}

// Backoff returns the retry policy described by the config.
func (c Config) Backoff() Backoff {
	return Backoff{Initial: c.InitialBackoff, Max: c.MaxBackoff}
}
