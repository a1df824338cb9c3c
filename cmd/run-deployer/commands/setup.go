package commands

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/savaki/run-deployer/internal/di"
	"github.com/savaki/run-deployer/internal/setup"
	"github.com/savaki/run-deployer/internal/shell"
	"github.com/urfave/cli/v2"
)

func SetupCommand(logger *zerolog.Logger, runner shell.Runner) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Prepare this directory for deploys",
		Description: `Prepares the working copy and the project for the deploy command:

  - validates the service account key
  - writes the application's .env from environment variables or an SSM Parameter Store path
  - adds the key, .env and local state to .gitignore, and local state to .dockerignore
  - writes a Dockerfile that satisfies the runtime contract when none exists
  - creates the Artifact Registry repository and configures docker credentials

Every step is safe to repeat.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "env-file",
				Usage:   "application env file, relative to the build context",
				Value:   setup.DefaultEnvFile,
				EnvVars: []string{"RUN_DEPLOYER_ENV_FILE"},
			},
			&cli.StringFlag{
				Name:    "params",
				Usage:   "application parameter source: env or ssm://<path>",
				Value:   "env",
				EnvVars: []string{"RUN_DEPLOYER_PARAMS"},
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "overwrite an existing env file",
			},
			&cli.BoolFlag{
				Name:  "skip-registry",
				Usage: "do not create the Artifact Registry repository",
			},
		},
		Action: func(c *cli.Context) error {
			return setupAction(c, logger, runner)
		},
	}
}

func setupAction(c *cli.Context, logger *zerolog.Logger, runner shell.Runner) error {
	env, err := newCommandEnv(c, logger, runner)
	if err != nil {
		return err
	}
	defer env.close()

	s, err := di.Get[*setup.Setup](env.container)
	if err != nil {
		return err
	}

	report, err := s.Run(env.ctx, setup.Options{
		EnvFile:         c.String("env-file"),
		ParameterSource: c.String("params"),
		Force:           c.Bool("force"),
		SkipRegistry:    c.Bool("skip-registry"),
	})
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen, color.Bold).SprintFunc()
	w := c.App.Writer
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s Setup complete for %s\n", green("✓"), env.cfg.Project)
	fmt.Fprintf(w, "  Service account: %s\n", report.ClientEmail)
	fmt.Fprintf(w, "  Env file:        %s%s\n", report.EnvFile, changed(report.EnvWritten))
	fmt.Fprintf(w, "  Dockerfile:      %s%s\n", env.cfg.DockerfilePath(), changed(report.DockerfileWritten))
	if len(report.GitIgnored) > 0 {
		fmt.Fprintf(w, "  .gitignore:      added %s\n", strings.Join(report.GitIgnored, ", "))
	}
	if len(report.DockerIgnored) > 0 {
		fmt.Fprintf(w, "  .dockerignore:   added %s\n", strings.Join(report.DockerIgnored, ", "))
	}
	if report.Repository != nil {
		fmt.Fprintf(w, "  Repository:      %s%s\n", report.Repository.Name, changed(report.Repository.Created))
	}
	return nil
}

func changed(written bool) string {
	if written {
		return " (written)"
	}
	return " (unchanged)"
}
