// Package shell runs the external tools (docker, gcloud) that the pipeline drives.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/rs/zerolog"
)

// Command describes a single external process invocation.
type Command struct {
	Name   string
	Args   []string
	Dir    string
	Env    []string  // appended to the current environment
	Stdout io.Writer // defaults to os.Stdout
	Stderr io.Writer // defaults to os.Stderr
}

// String renders the command line for diagnostics.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Name)
	for _, arg := range c.Args {
		if strings.ContainsAny(arg, " \t\"'") {
			arg = fmt.Sprintf("%q", arg)
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " ")
}

// Runner executes commands and blocks until they exit.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

// ExitError reports a command that ran but exited nonzero.
type ExitError struct {
	Command  string
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
}

// ExitCode returns the exit code carried by err, or -1 when err did not come from a
// process exiting nonzero.
func ExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode
	}
	return -1
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// NewExecRunner returns a Runner backed by os/exec.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Run(ctx context.Context, c Command) error {
	if _, err := exec.LookPath(c.Name); err != nil {
		return fmt.Errorf("%s binary not found in PATH: %w", c.Name, err)
	}

	zerolog.Ctx(ctx).Debug().Str("cmd", c.String()).Msg("running command")

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = c.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = c.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExitError{Command: c.String(), ExitCode: exitErr.ExitCode()}
		}
		return fmt.Errorf("failed to run %s: %w", c.Name, err)
	}
	return nil
}

// SplitArgs parses a shell-quoted argument string such as `--platform linux/amd64 --pull`.
func SplitArgs(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	args, err := shellwords.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse arguments %q: %w", raw, err)
	}
	return args, nil
}
