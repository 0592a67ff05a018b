package ssh

import (
	"context"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// Transport establishes authenticated remote-shell connections.
type Transport interface {
	// Dial connects to cfg.Addr() authenticating with the private key at
	// keyPath. It must give up when ctx is done.
	Dial(ctx context.Context, cfg Config, keyPath string) (Conn, error)
}

// Conn is one live remote-shell connection.
type Conn interface {
	// Run executes cmd and captures its output. err is non-nil only when
	// the command could not be run to completion (transport failure or
	// ctx done); a command that ran reports its status in exitCode.
	Run(ctx context.Context, cmd string) (stdout, stderr []byte, exitCode int, err error)

	// Close releases the connection.
	Close() error
}

// NewTransport returns the transport for cfg.Backend. The auto backend uses
// the system ssh binary when compression is requested (x/crypto/ssh does
// not implement it) and one is installed, and the native client otherwise.
func NewTransport(cfg Config, prompt PassphrasePrompt, logger zerolog.Logger) Transport {
	switch cfg.Backend {
	case BackendSystem:
		return NewSystemTransport(logger)
	case BackendNative:
		return NewNativeTransport(prompt, logger)
	}
	if cfg.Compression {
		if _, err := exec.LookPath("ssh"); err == nil {
			return NewSystemTransport(logger)
		}
	}
	return NewNativeTransport(prompt, logger)
}

// LoginShellCommand wraps cmd so it runs inside a bash login shell.
func LoginShellCommand(cmd string) string {
	return "bash -lc " + shellEscape(cmd)
}

func shellEscape(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

// decodeLossy converts remote output to text, replacing invalid UTF-8.
func decodeLossy(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}
