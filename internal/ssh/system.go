package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// exitCodeSSHFailure is what the ssh client exits with when it, rather than
// the remote command, failed.
const exitCodeSSHFailure = 255

// SystemTransport runs sessions through the system ssh binary. Each Conn is
// an OpenSSH ControlMaster; commands are multiplexed over its socket.
type SystemTransport struct {
	binary     string
	controlDir string
	logger     zerolog.Logger
}

// NewSystemTransport creates a SystemTransport using "ssh" from PATH.
func NewSystemTransport(logger zerolog.Logger) *SystemTransport {
	return &SystemTransport{binary: "ssh", logger: logger}
}

// SetBinary overrides the ssh binary path.
func (t *SystemTransport) SetBinary(path string) {
	if path != "" {
		t.binary = path
	}
}

// SetControlDir sets the parent directory for control sockets. The default
// is the system temp directory.
func (t *SystemTransport) SetControlDir(dir string) {
	t.controlDir = dir
}

// Dial starts a backgrounded control master and waits for it to
// authenticate.
func (t *SystemTransport) Dial(ctx context.Context, cfg Config, keyPath string) (Conn, error) {
	dir, err := os.MkdirTemp(t.controlDir, "kbuilder-ssh-")
	if err != nil {
		return nil, fmt.Errorf("create control directory: %w", err)
	}
	socket := filepath.Join(dir, "ctl")

	args := buildSSHArgs(cfg, keyPath)
	args = append(args,
		"-M", "-S", socket,
		"-o", "ControlPersist=yes",
		"-f", "-N",
		cfg.Destination(),
	)

	// The forked master inherits stderr; a file avoids waiting on a pipe
	// that never closes.
	errFile, err := os.CreateTemp(dir, "master-stderr-")
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("create stderr capture: %w", err)
	}
	defer errFile.Close()

	command := exec.CommandContext(ctx, t.binary, args...)
	command.Stderr = errFile
	if err := command.Run(); err != nil {
		msg, _ := os.ReadFile(errFile.Name())
		os.RemoveAll(dir)
		t.logger.Debug().Err(err).Str("dest", cfg.Destination()).Msg("control master failed to start")
		if ctx.Err() != nil {
			return nil, fmt.Errorf("start control master for %s: %w", cfg.Destination(), ctx.Err())
		}
		return nil, fmt.Errorf("start control master for %s: %w: %s", cfg.Destination(), err, strings.TrimSpace(string(msg)))
	}

	return &systemConn{
		binary: t.binary,
		dir:    dir,
		socket: socket,
		dest:   cfg.Destination(),
		port:   cfg.Port,
	}, nil
}

type systemConn struct {
	binary string
	dir    string
	socket string
	dest   string
	port   int
}

func (c *systemConn) muxArgs() []string {
	return []string{
		"-S", c.socket,
		"-o", "ControlMaster=no",
		"-o", "BatchMode=yes",
		"-p", fmt.Sprintf("%d", c.port),
	}
}

// Run executes cmd over the control socket.
func (c *systemConn) Run(ctx context.Context, cmd string) ([]byte, []byte, int, error) {
	args := append(c.muxArgs(), c.dest, cmd)
	command := exec.CommandContext(ctx, c.binary, args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	command.Stdout = &stdoutBuf
	command.Stderr = &stderrBuf

	err := command.Run()
	stdout := stdoutBuf.Bytes()
	stderr := stderrBuf.Bytes()
	if err == nil {
		return stdout, stderr, 0, nil
	}
	if ctx.Err() != nil {
		return nil, nil, -1, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code == exitCodeSSHFailure {
			return stdout, stderr, code, fmt.Errorf("ssh transport failure: %s", strings.TrimSpace(string(stderr)))
		}
		return stdout, stderr, code, nil
	}
	return stdout, stderr, -1, err
}

// Close asks the master to exit and removes the control directory.
func (c *systemConn) Close() error {
	defer os.RemoveAll(c.dir)

	args := append(c.muxArgs(), "-O", "exit", c.dest)
	out, err := exec.Command(c.binary, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("stop control master: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func buildSSHArgs(cfg Config, keyPath string) []string {
	args := []string{
		"-o", "BatchMode=yes",
		"-o", "IdentitiesOnly=yes",
	}
	if cfg.Port > 0 {
		args = append(args, "-p", fmt.Sprintf("%d", cfg.Port))
	}
	if keyPath != "" {
		args = append(args, "-i", keyPath)
	}
	if cfg.StrictHostKeyChecking {
		args = append(args, "-o", "StrictHostKeyChecking=yes")
	} else {
		args = append(args, "-o", "StrictHostKeyChecking=accept-new")
	}
	if cfg.KnownHostsPath != "" {
		args = append(args, "-o", fmt.Sprintf("UserKnownHostsFile=%s", ExpandHome(cfg.KnownHostsPath)))
	}
	if cfg.Compression {
		args = append(args, "-C")
	}
	args = append(args, "-o", fmt.Sprintf("ServerAliveInterval=%d", durationSeconds(cfg.EffectiveKeepAlive())))
	if cfg.Timeout > 0 {
		args = append(args, "-o", fmt.Sprintf("ConnectTimeout=%d", durationSeconds(cfg.Timeout)))
	}
	return args
}

func durationSeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}
