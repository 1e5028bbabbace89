// Package localexec provides a local command executor with an allowlist.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/fentz26/relayq/internal/config"
	"github.com/fentz26/relayq/internal/connectors"
)

// Name is the connector identifier used for scheduler limits.
const Name = "localexec"

// ErrNotAllowed is returned when a command is outside the allowlist.
var ErrNotAllowed = errors.New("command not allowed")

// LocalExec implements the Connector interface for local command execution.
type LocalExec struct {
	workDir string
	allow   map[string][]string
	timeout time.Duration
}

// New creates a LocalExec connector from cfg. cfg.Allow maps a command to
// its permitted first arguments; an empty list permits any arguments.
func New(cfg config.ExecConfig) *LocalExec {
	allow := make(map[string][]string, len(cfg.Allow))
	for cmd, subcmds := range cfg.Allow {
		allow[cmd] = slices.Clone(subcmds)
	}
	return &LocalExec{workDir: cfg.WorkDir, allow: allow, timeout: cfg.Timeout}
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return Name
}

// IsAllowed checks if a command is in the allowlist.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	allowedSubcmds, ok := l.allow[cmd]
	if !ok {
		return false
	}
	if len(allowedSubcmds) == 0 {
		return true
	}

	if len(args) == 0 {
		return false
	}

	// Check if the first arg (subcommand) is allowed
	return slices.Contains(allowedSubcmds, args[0])
}

// Execute runs a command if it's in the allowlist. A non-zero exit status is
// reported through ExitCode, not as an error.
func (l *LocalExec) Execute(ctx context.Context, cmd string, args []string) (*connectors.ExecResult, error) {
	if !l.IsAllowed(cmd, args) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotAllowed, cmd, strings.Join(args, " "))
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)
	if l.workDir != "" {
		execCmd.Dir = l.workDir
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()

	exitCode := 0
	if err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return nil, fmt.Errorf("exec error: %w", err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("exec %s: %w", cmd, ctxErr)
		}
		exitCode = exitError.ExitCode()
	}

	return &connectors.ExecResult{
		Command:  cmd,
		Args:     args,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

var _ connectors.Connector = (*LocalExec)(nil)
