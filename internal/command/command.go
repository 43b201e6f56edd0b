// Package command runs external tools (python, git, uv) behind an interface so
// detectors and installers can be exercised against a recording fake.
package command

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Cmd describes one subprocess invocation.
type Cmd struct {
	Name string
	Args []string
	// Dir is the working directory; empty means the current one.
	Dir string
	// Env is appended to the parent environment.
	Env []string
}

func (c Cmd) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner executes commands and returns their standard output.
type Runner interface {
	Run(ctx context.Context, c Cmd) ([]byte, error)
}

// ExitError carries the captured stderr of a failed command.
type ExitError struct {
	Cmd    string
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if len(msg) > 2000 {
		msg = "..." + msg[len(msg)-2000:]
	}
	if msg == "" {
		return fmt.Sprintf("%s: %v", e.Cmd, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Cmd, e.Err, msg)
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Logger *zap.Logger
}

// NewExecRunner returns a runner that logs every invocation at debug level.
func NewExecRunner(logger *zap.Logger) *ExecRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecRunner{Logger: logger}
}

// Run executes c and returns stdout. A non-zero exit becomes an *ExitError.
func (r *ExecRunner) Run(ctx context.Context, c Cmd) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.Logger.Debug("running command", zap.String("cmd", c.String()), zap.String("dir", c.Dir))
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), &ExitError{Cmd: c.String(), Stderr: stderr.String(), Err: err}
	}
	return stdout.Bytes(), nil
}

// LookPath resolves an executable on the search path.
func LookPath(name string) (string, error) {
	return exec.LookPath(name)
}
