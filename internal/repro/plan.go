// Package repro stages and runs crash reproducers on a target VM through the
// session pool.
package repro

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/tOgg1/kbuilder/internal/config"
	"github.com/tOgg1/kbuilder/internal/models"
)

const (
	// SourceFileName is the reproducer source file, both in the local build
	// directory and in the remote work directory.
	SourceFileName = "repro.c"

	// BinaryName is the compiled reproducer.
	BinaryName = "bug"

	heredocDelimiter = "KBUILDER_REPRO_EOF"
)

// ErrEmptySource is returned when there is no reproducer to upload.
var ErrEmptySource = errors.New("reproducer source is empty")

// Step is one remote command in a plan.
type Step struct {
	Name    string
	Command string
}

// Plan is the ordered list of commands that reproduces a crash.
type Plan struct {
	ReportID string
	WorkDir  string
	Steps    []Step
}

// Commands returns the step commands in order.
func (p *Plan) Commands() []string {
	cmds := make([]string, len(p.Steps))
	for i, step := range p.Steps {
		cmds[i] = step.Command
	}
	return cmds
}

// BinaryPath is where the compiled reproducer ends up on the VM.
func (p *Plan) BinaryPath() string {
	return path.Join(p.WorkDir, BinaryName)
}

// BuildPlan turns a report and its C reproducer into remote commands:
// prepare the work directory, upload the source, compile it, optionally load
// a crash kernel, and run it.
func BuildPlan(report *models.CrashReport, source []byte, cfg config.ReproConfig) (*Plan, error) {
	if report == nil || strings.TrimSpace(report.ID) == "" {
		return nil, models.ErrInvalidReportID
	}
	if len(strings.TrimSpace(string(source))) == 0 {
		return nil, ErrEmptySource
	}
	if cfg.RemoteDir == "" {
		return nil, fmt.Errorf("remote directory is required")
	}

	text := strings.TrimRight(string(source), "\n")
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == heredocDelimiter {
			return nil, fmt.Errorf("reproducer source contains reserved line %q", heredocDelimiter)
		}
	}

	workDir := path.Join(cfg.RemoteDir, report.ID)
	sourcePath := path.Join(workDir, SourceFileName)
	binaryPath := path.Join(workDir, BinaryName)

	compile := cfg.Compiler
	if cfg.CompilerFlags != "" {
		compile += " " + cfg.CompilerFlags
	}
	compile += fmt.Sprintf(" -o %s %s", quote(binaryPath), quote(sourcePath))

	plan := &Plan{
		ReportID: report.ID,
		WorkDir:  workDir,
		Steps: []Step{
			{Name: "prepare", Command: fmt.Sprintf("mkdir -p %s", quote(workDir))},
			{Name: "upload", Command: fmt.Sprintf("cat > %s <<'%s'\n%s\n%s", quote(sourcePath), heredocDelimiter, text, heredocDelimiter)},
			{Name: "compile", Command: compile},
		},
	}

	if cfg.LoadCrashKernel {
		load := fmt.Sprintf("kexec -p %s", quote(cfg.CrashKernel))
		if cfg.CrashInitrd != "" {
			load += fmt.Sprintf(" --initrd=%s", quote(cfg.CrashInitrd))
		}
		if cfg.CrashCmdline != "" {
			load += fmt.Sprintf(" --append=%s", quote(cfg.CrashCmdline))
		}
		plan.Steps = append(plan.Steps, Step{Name: "load-crash-kernel", Command: load})
	}

	plan.Steps = append(plan.Steps, Step{
		Name:    "run",
		Command: fmt.Sprintf("cd %s && ./%s", quote(workDir), BinaryName),
	})
	return plan, nil
}

// LoadSource reads the reproducer. An explicit path wins; otherwise the
// source is read from the report's build directory under buildRoot.
func LoadSource(buildRoot string, report *models.CrashReport, explicit string) ([]byte, error) {
	sourcePath := explicit
	if sourcePath == "" {
		dir, err := models.BuildDir(buildRoot, report)
		if err != nil {
			return nil, err
		}
		sourcePath = filepath.Join(dir, SourceFileName)
	}

	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("read reproducer: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("%s: %w", sourcePath, ErrEmptySource)
	}
	return data, nil
}

func quote(value string) string {
	if value == "" {
		return "''"
	}
	if strings.IndexFunc(value, needsQuote) < 0 {
		return value
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./=:,+@%", r)
}
