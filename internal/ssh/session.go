package ssh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/kbuilder/internal/logging"
)

// probeTimeout bounds IsConnected independently of Config.Timeout.
const probeTimeout = 5 * time.Second

const probeCommand = "echo ping"

// Result is the captured outcome of one remote command.
type Result struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// ConnectionInfo is a snapshot of a connected session.
type ConnectionInfo struct {
	Host           string    `json:"host"`
	Port           int       `json:"port"`
	User           string    `json:"user"`
	ConnectedSince time.Time `json:"connected_since"`
}

// Metrics are per-session counters for diagnostics.
type Metrics struct {
	ConnectedAt      time.Time `json:"connected_at"`
	ConnectAttempts  int       `json:"connect_attempts"`
	LastProbe        time.Time `json:"last_probe"`
	SuccessfulProbes int64     `json:"successful_probes"`
	FailedProbes     int64     `json:"failed_probes"`
	CommandsRun      int64     `json:"commands_run"`
	CommandsFailed   int64     `json:"commands_failed"`
}

// Session owns at most one live connection to a single host.
//
// All operations on a Session are serialized: a command issued while
// another is running waits for it to finish. Info and Metrics only read a
// snapshot and never wait on a running command.
type Session struct {
	cfg       Config
	transport Transport
	backoff   Backoff
	now       func() time.Time
	logger    zerolog.Logger

	opMu sync.Mutex

	stateMu     sync.RWMutex
	conn        Conn
	connectedAt time.Time
	metrics     Metrics
}

// SessionOption configures a Session.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	transport Transport
	logger    *zerolog.Logger
	jitter    func(time.Duration) time.Duration
	sleep     func(context.Context, time.Duration) error
	now       func() time.Time
	prompt    PassphrasePrompt
}

// WithTransport overrides the transport chosen from Config.Backend.
func WithTransport(t Transport) SessionOption {
	return func(o *sessionOptions) { o.transport = t }
}

// WithLogger sets the session logger.
func WithLogger(logger zerolog.Logger) SessionOption {
	return func(o *sessionOptions) { o.logger = &logger }
}

// WithBackoffJitter replaces the random jitter source.
func WithBackoffJitter(fn func(n time.Duration) time.Duration) SessionOption {
	return func(o *sessionOptions) { o.jitter = fn }
}

// WithSleeper replaces the backoff sleep.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) SessionOption {
	return func(o *sessionOptions) { o.sleep = fn }
}

// WithClock replaces time.Now for timestamps and durations.
func WithClock(now func() time.Time) SessionOption {
	return func(o *sessionOptions) { o.now = now }
}

// WithPassphrasePrompt is used by the native transport for encrypted keys.
func WithPassphrasePrompt(prompt PassphrasePrompt) SessionOption {
	return func(o *sessionOptions) { o.prompt = prompt }
}

// NewSession validates cfg and returns an unconnected Session.
func NewSession(cfg Config, opts ...SessionOption) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o sessionOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	logger := logging.Component("ssh").With().Str("host", cfg.Host).Logger()
	if o.logger != nil {
		logger = o.logger.With().Str("host", cfg.Host).Logger()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.transport == nil {
		o.transport = NewTransport(cfg, o.prompt, logger)
	}

	backoff := cfg.Backoff()
	backoff.Jitter = o.jitter
	backoff.Sleep = o.sleep

	return &Session{
		cfg:       cfg,
		transport: o.transport,
		backoff:   backoff,
		now:       o.now,
		logger:    logger,
	}, nil
}

// Config returns the session's configuration.
func (s *Session) Config() Config {
	return s.cfg
}

// Connect establishes the connection, retrying transient failures. A
// missing or unreadable key fails immediately without network I/O.
// Connecting an already connected session replaces its connection.
func (s *Session) Connect(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	keyPath, err := ResolveKeyPath(s.cfg.KeyPath)
	if err != nil {
		return s.withHost(err)
	}

	if old := s.take(); old != nil {
		if err := old.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("closing previous connection")
		}
	}

	hook := func(attempt int, delay time.Duration, err error) {
		s.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", s.cfg.MaxRetries).
			Dur("retry_in", delay).
			Msg("connect attempt failed")
	}

	attempts, err := s.backoff.Retry(ctx, s.cfg.MaxRetries, func(ctx context.Context, attempt int) error {
		return s.dial(ctx, keyPath, attempt)
	}, hook)

	s.stateMu.Lock()
	s.metrics.ConnectAttempts = attempts
	s.stateMu.Unlock()

	if err != nil {
		if KindOf(err) == KindConfiguration {
			return s.withHost(err)
		}
		return &Error{Kind: KindConnectionFailed, Host: s.cfg.Host, Attempts: attempts, Err: err}
	}

	s.logger.Info().Int("attempts", attempts).Str("dest", s.cfg.Destination()).Msg("connected")
	return nil
}

func (s *Session) dial(ctx context.Context, keyPath string, attempt int) error {
	attemptCtx, cancel := withOptionalTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	conn, err := s.transport.Dial(attemptCtx, s.cfg, keyPath)
	if err != nil {
		if KindOf(err) == KindConfiguration {
			return err
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return &Error{
				Kind: KindTimeout,
				Host: s.cfg.Host,
				Msg:  fmt.Sprintf("connect attempt %d %s", attempt, s.deadlineReason(ctx)),
				Err:  err,
			}
		}
		return err
	}

	now := s.now()
	s.stateMu.Lock()
	s.conn = conn
	s.connectedAt = now
	s.metrics.ConnectedAt = now
	s.stateMu.Unlock()
	return nil
}

// Execute runs cmd in a login shell. A non-zero exit status is returned as a
// command error carrying the exit code and stderr; the Result is nil then.
func (s *Session) Execute(ctx context.Context, cmd string) (*Result, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.execute(ctx, cmd)
}

// ExecuteBatch runs cmds in order on the same connection and stops at the
// first failure. On failure no results are returned and the error is a
// *BatchError naming the failed step.
func (s *Session) ExecuteBatch(ctx context.Context, cmds []string) ([]*Result, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	results := make([]*Result, 0, len(cmds))
	for i, cmd := range cmds {
		result, err := s.execute(ctx, cmd)
		if err != nil {
			return nil, &BatchError{Step: i + 1, Total: len(cmds), Command: cmd, Err: err}
		}
		results = append(results, result)
	}
	return results, nil
}

func (s *Session) execute(ctx context.Context, cmd string) (*Result, error) {
	conn := s.current()
	if conn == nil {
		return nil, &Error{Kind: KindClientNotInitialized, Host: s.cfg.Host, Command: cmd}
	}

	runCtx, cancel := withOptionalTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	logger := s.logger.With().Str("command", logging.RedactCommand(cmd)).Logger()
	logger.Debug().Msg("executing command")

	start := s.now()
	stdout, stderr, exitCode, err := conn.Run(runCtx, LoginShellCommand(cmd))
	elapsed := s.now().Sub(start)

	if err != nil {
		s.countCommand(false)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, &Error{
				Kind:    KindTimeout,
				Host:    s.cfg.Host,
				Command: cmd,
				Msg:     "command " + s.deadlineReason(ctx),
				Err:     err,
			}
		}
		return nil, &Error{
			Kind:     KindCommandFailed,
			Host:     s.cfg.Host,
			Command:  cmd,
			ExitCode: exitCode,
			Stderr:   decodeLossy(stderr),
			Msg:      "transport error",
			Err:      err,
		}
	}

	result := &Result{
		Command:  cmd,
		Stdout:   decodeLossy(stdout),
		Stderr:   decodeLossy(stderr),
		ExitCode: exitCode,
		Duration: elapsed,
	}

	if exitCode != 0 {
		s.countCommand(false)
		logger.Debug().Int("exit_code", exitCode).Dur("duration", elapsed).Msg("command failed")
		return nil, &Error{
			Kind:     KindCommandFailed,
			Host:     s.cfg.Host,
			Command:  cmd,
			ExitCode: exitCode,
			Stderr:   result.Stderr,
		}
	}

	s.countCommand(true)
	if result.Stderr != "" {
		logger.Warn().Str("stderr", logging.Redact(result.Stderr)).Msg("command wrote to stderr")
	}
	logger.Debug().Dur("duration", elapsed).Msg("command completed")
	return result, nil
}

// IsConnected probes the connection with a trivial command. It never
// returns an error; any failure reads as not connected.
func (s *Session) IsConnected(ctx context.Context) bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	conn := s.current()
	if conn == nil {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	_, _, exitCode, err := conn.Run(probeCtx, probeCommand)
	ok := err == nil && exitCode == 0

	s.stateMu.Lock()
	s.metrics.LastProbe = s.now()
	if ok {
		s.metrics.SuccessfulProbes++
	} else {
		s.metrics.FailedProbes++
	}
	s.stateMu.Unlock()

	if !ok {
		s.logger.Debug().Err(err).Int("exit_code", exitCode).Msg("health probe failed")
	}
	return ok
}

// Info returns a snapshot of the connection, or false when unconnected.
func (s *Session) Info() (ConnectionInfo, bool) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.conn == nil {
		return ConnectionInfo{}, false
	}
	return ConnectionInfo{
		Host:           s.cfg.Host,
		Port:           s.cfg.Port,
		User:           s.cfg.User,
		ConnectedSince: s.connectedAt,
	}, true
}

// Metrics returns a copy of the session counters.
func (s *Session) Metrics() Metrics {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.metrics
}

// Disconnect closes the connection if one is held. The session is left
// unconnected even when closing fails. Calling it again is a no-op.
func (s *Session) Disconnect() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	conn := s.take()
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return &Error{Kind: KindSessionFailed, Host: s.cfg.Host, Msg: "close connection", Err: err}
	}
	s.logger.Info().Msg("disconnected")
	return nil
}

// WithSession connects a new session for cfg, runs fn, and disconnects.
// fn's error takes precedence over a disconnect failure.
func WithSession(ctx context.Context, cfg Config, fn func(*Session) error, opts ...SessionOption) (err error) {
	session, err := NewSession(cfg, opts...)
	if err != nil {
		return err
	}
	if err := session.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if derr := session.Disconnect(); derr != nil && err == nil {
			err = derr
		}
	}()
	return fn(session)
}

func (s *Session) current() Conn {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.conn
}

// take detaches the connection and clears connection state.
func (s *Session) take() Conn {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	conn := s.conn
	s.conn = nil
	s.connectedAt = time.Time{}
	s.metrics.ConnectedAt = time.Time{}
	return conn
}

func (s *Session) countCommand(ok bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.metrics.CommandsRun++
	if !ok {
		s.metrics.CommandsFailed++
	}
}

func (s *Session) withHost(err error) error {
	var e *Error
	if errors.As(err, &e) && e.Host == "" {
		e.Host = s.cfg.Host
	}
	return err
}

// deadlineReason names which deadline ended an operation: the caller's
// context or the configured timeout.
func (s *Session) deadlineReason(ctx context.Context) string {
	if ctx.Err() != nil {
		return "hit the caller's deadline"
	}
	return fmt.Sprintf("exceeded %s", s.cfg.Timeout)
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
