package commands

import (
	"github.com/rs/zerolog"
	"github.com/savaki/run-deployer/internal/di"
	"github.com/savaki/run-deployer/internal/platform"
	"github.com/savaki/run-deployer/internal/shell"
	"github.com/urfave/cli/v2"
)

func LogsCommand(logger *zerolog.Logger, runner shell.Runner) *cli.Command {
	return &cli.Command{
		Name:  "logs",
		Usage: "Show recent log entries of the deployed service",
		Description: `Reads the most recent log entries of the Cloud Run service. Fails with a
not found or permission error when the service cannot be read. Never changes anything.`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "number of entries to show",
				Value:   platform.DefaultLogLimit,
				EnvVars: []string{"RUN_DEPLOYER_LOG_LIMIT"},
			},
			&cli.BoolFlag{
				Name:    "follow",
				Aliases: []string{"f"},
				Usage:   "stream new entries until interrupted",
			},
		},
		Action: func(c *cli.Context) error {
			return logsAction(c, logger, runner)
		},
	}
}

func logsAction(c *cli.Context, logger *zerolog.Logger, runner shell.Runner) error {
	env, err := newCommandEnv(c, logger, runner)
	if err != nil {
		return err
	}
	defer env.close()

	reader, err := di.Get[*platform.LogReader](env.container)
	if err != nil {
		return err
	}
	return reader.Read(env.ctx, env.cfg.Descriptor(), platform.LogOptions{
		Limit:  c.Int("limit"),
		Follow: c.Bool("follow"),
		Out:    c.App.Writer,
	})
}
