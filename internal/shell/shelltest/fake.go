// Package shelltest provides a recording shell.Runner for tests.
package shelltest

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/savaki/run-deployer/internal/shell"
)

// Response is what the fake returns for a matched command.
type Response struct {
	Stdout   string
	ExitCode int
	Err      error
}

// Runner records every command and answers from a table of responses keyed by a prefix of
// the rendered command line. Unmatched commands succeed with no output.
type Runner struct {
	mu        sync.Mutex
	Commands  []shell.Command
	responses []prefixResponse
	// OnRun, when set, is called before the response is produced.
	OnRun func(cmd shell.Command)
}

type prefixResponse struct {
	prefix string
	resp   Response
}

// New returns an empty recording runner.
func New() *Runner {
	return &Runner{}
}

// On registers a response for commands whose rendered line starts with prefix. Later
// registrations win over earlier ones.
func (r *Runner) On(prefix string, resp Response) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, prefixResponse{prefix: prefix, resp: resp})
	return r
}

func (r *Runner) Run(_ context.Context, cmd shell.Command) error {
	r.mu.Lock()
	r.Commands = append(r.Commands, cmd)
	onRun := r.OnRun
	var (
		line  = cmd.String()
		found *Response
	)
	for i := len(r.responses) - 1; i >= 0; i-- {
		if strings.HasPrefix(line, r.responses[i].prefix) {
			resp := r.responses[i].resp
			found = &resp
			break
		}
	}
	r.mu.Unlock()

	if onRun != nil {
		onRun(cmd)
	}
	if found == nil {
		return nil
	}
	if found.Stdout != "" && cmd.Stdout != nil {
		_, _ = io.WriteString(cmd.Stdout, found.Stdout)
	}
	if found.Err != nil {
		return found.Err
	}
	if found.ExitCode != 0 {
		return &shell.ExitError{Command: line, ExitCode: found.ExitCode}
	}
	return nil
}

// Lines returns the rendered command lines in invocation order.
func (r *Runner) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := make([]string, 0, len(r.Commands))
	for _, cmd := range r.Commands {
		lines = append(lines, cmd.String())
	}
	return lines
}

// Find returns every recorded command whose rendered line starts with prefix.
func (r *Runner) Find(prefix string) []shell.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matches []shell.Command
	for _, cmd := range r.Commands {
		if strings.HasPrefix(cmd.String(), prefix) {
			matches = append(matches, cmd)
		}
	}
	return matches
}
