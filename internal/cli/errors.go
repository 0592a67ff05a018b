package cli

import (
	"errors"
	"fmt"

	"github.com/tOgg1/kbuilder/internal/ssh"
)

// Process exit codes.
const (
	ExitOK         = 0
	ExitError      = 1
	ExitConfig     = 2
	ExitConnection = 3
	ExitCommand    = 4
)

// errInvalidConfig marks failures to load or apply configuration.
var errInvalidConfig = errors.New("invalid configuration")

func configErr(err error) error {
	return fmt.Errorf("%w: %w", errInvalidConfig, err)
}

// exitCode maps an error onto the process exit code. A remote command's
// own failure is distinct from failing to reach the VM at all.
func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, errInvalidConfig), errors.Is(err, ssh.ErrConfiguration):
		return ExitConfig
	case errors.Is(err, ssh.ErrConnectionFailed), errors.Is(err, ssh.ErrTimeout):
		return ExitConnection
	case errors.Is(err, ssh.ErrCommandFailed):
		return ExitCommand
	default:
		return ExitError
	}
}
