package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/savaki/run-deployer/cmd/run-deployer/commands"
	"github.com/savaki/run-deployer/internal/di"
	"github.com/savaki/run-deployer/internal/shell"
	"github.com/urfave/cli/v2"
)

func main() {
	logger := di.ProvideLogger()
	ctx, stop := signal.NotifyContext(logger.WithContext(context.Background()), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := shell.NewExecRunner()

	app := &cli.App{
		Name:  "run-deployer",
		Usage: "Build and deploy a container to Cloud Run",
		Description: `Builds the application image with its service account key baked in, pushes it
to Artifact Registry and deploys it to Cloud Run.

This tool provides commands for:
  - Preparing a working copy and project for deploys
  - Running the build, push and deploy pipeline
  - Reading the deployed service's logs
  - Listing past deploy runs`,
		Flags: commands.GlobalFlags(),
		Commands: []*cli.Command{
			commands.SetupCommand(&logger, runner),
			commands.DeployCommand(&logger, runner),
			commands.LogsCommand(&logger, runner),
			commands.HistoryCommand(&logger, runner),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Error().Err(err).Msg("Application error")
		stop()
		os.Exit(1)
	}
}
