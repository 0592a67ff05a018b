package ssh

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tOgg1/kbuilder/internal/logging"
)

// Kind classifies a session error.
type Kind string

const (
	KindConfiguration        Kind = "configuration"
	KindConnectionFailed     Kind = "connection_failed"
	KindTimeout              Kind = "timeout"
	KindCommandFailed        Kind = "command_failed"
	KindSessionFailed        Kind = "session_failed"
	KindClientNotInitialized Kind = "client_not_initialized"
)

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrConfiguration        = errors.New("ssh configuration error")
	ErrConnectionFailed     = errors.New("ssh connection failed")
	ErrTimeout              = errors.New("ssh operation timed out")
	ErrCommandFailed        = errors.New("ssh command execution failed")
	ErrSessionFailed        = errors.New("ssh session teardown failed")
	ErrClientNotInitialized = errors.New("ssh client not initialized")

	ErrPassphraseRequired = errors.New("passphrase required for private key")
)

var kindSentinels = map[Kind]error{
	KindConfiguration:        ErrConfiguration,
	KindConnectionFailed:     ErrConnectionFailed,
	KindTimeout:              ErrTimeout,
	KindCommandFailed:        ErrCommandFailed,
	KindSessionFailed:        ErrSessionFailed,
	KindClientNotInitialized: ErrClientNotInitialized,
}

// Error is returned by every Session and Pool operation.
type Error struct {
	Kind     Kind
	Host     string
	Command  string
	Attempts int
	ExitCode int
	Stderr   string
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(kindSentinels[e.Kind].Error())
	if e.Host != "" {
		fmt.Fprintf(&b, " [host=%s]", e.Host)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	switch e.Kind {
	case KindConnectionFailed:
		if e.Attempts > 0 {
			fmt.Fprintf(&b, " after %d attempt(s)", e.Attempts)
		}
	case KindCommandFailed:
		if e.ExitCode != 0 {
			fmt.Fprintf(&b, " (exit=%d)", e.ExitCode)
		}
	}
	if e.Command != "" {
		fmt.Fprintf(&b, ": %s", logging.RedactCommand(e.Command))
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		fmt.Fprintf(&b, ": stderr: %s", logging.Redact(stderr))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// IsRetryable reports whether connect should try again after err.
// Configuration problems never resolve themselves between attempts.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrConfiguration)
}

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func configError(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Msg: fmt.Sprintf(format, args...)}
}

// BatchError identifies which step of ExecuteBatch failed.
type BatchError struct {
	Step    int
	Total   int
	Command string
	Err     error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch step %d/%d failed: %v", e.Step, e.Total, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}
