package platform

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/savaki/run-deployer/internal/config"
	"github.com/savaki/run-deployer/internal/shell"
)

const DefaultLogLimit = 50

// LogOptions selects which log entries to show.
type LogOptions struct {
	Limit  int       // number of recent entries for a one-shot read
	Follow bool      // stream new entries until interrupted
	Out    io.Writer // defaults to os.Stdout
}

// LogReader shows recent log entries for a deployed service. It never mutates anything.
type LogReader struct {
	runner   shell.Runner
	deployer *Deployer
}

func NewLogReader(runner shell.Runner) *LogReader {
	return &LogReader{runner: runner, deployer: NewDeployer(runner)}
}

// Read verifies the service is visible, then prints its logs. A wrong service name, project
// or missing permission returns ErrServiceNotFound before any log command runs.
func (r *LogReader) Read(ctx context.Context, desc config.Descriptor, opts LogOptions) error {
	if _, err := r.deployer.Describe(ctx, desc); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Debug().
		Str("service", desc.Service).
		Bool("follow", opts.Follow).
		Msg("reading service logs")

	cmd := shell.Command{Name: "gcloud", Args: LogArgs(desc, opts), Stdout: opts.Out}
	if err := r.runner.Run(ctx, cmd); err != nil {
		if ctx.Err() != nil && opts.Follow {
			return nil
		}
		return fmt.Errorf("failed to read logs for %s: %w", desc.Service, err)
	}
	return nil
}

// LogArgs returns the gcloud arguments for reading or tailing logs.
func LogArgs(desc config.Descriptor, opts LogOptions) []string {
	if opts.Follow {
		return []string{
			"beta", "run", "services", "logs", "tail", desc.Service,
			"--project", desc.Project,
			"--region", desc.Region,
		}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	return []string{
		"run", "services", "logs", "read", desc.Service,
		"--project", desc.Project,
		"--region", desc.Region,
		"--limit", strconv.Itoa(limit),
	}
}
