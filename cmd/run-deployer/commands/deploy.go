package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/savaki/run-deployer/internal/config"
	"github.com/savaki/run-deployer/internal/di"
	"github.com/savaki/run-deployer/internal/pipeline"
	"github.com/savaki/run-deployer/internal/shell"
	"github.com/urfave/cli/v2"
)

func DeployCommand(logger *zerolog.Logger, runner shell.Runner) *cli.Command {
	return &cli.Command{
		Name:  "deploy",
		Usage: "Build, push and deploy the service",
		Description: `Runs the deploy pipeline in order, stopping at the first failure:

  1. copy the service account key into the build context
  2. docker build the image
  3. remove the key from the build context (always, even when the build fails)
  4. docker push the image to Artifact Registry
  5. gcloud run deploy the pushed image, updating the service in place when it exists

The image reference is {region}-docker.pkg.dev/{project}/{repository}/{service}:{tag}.
There is no rollback: when the deploy step fails the previous revision keeps serving.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "tag",
				Usage:       "image tag",
				DefaultText: config.DefaultTag,
				EnvVars:     []string{"RUN_DEPLOYER_TAG"},
			},
			&cli.StringFlag{
				Name:        "memory",
				Usage:       "memory limit per instance",
				DefaultText: config.DefaultMemory,
				EnvVars:     []string{"RUN_DEPLOYER_MEMORY"},
			},
			&cli.IntFlag{
				Name:        "concurrency",
				Usage:       "maximum concurrent requests per instance",
				DefaultText: fmt.Sprint(config.DefaultConcurrency),
				EnvVars:     []string{"RUN_DEPLOYER_CONCURRENCY"},
			},
			&cli.IntFlag{
				Name:        "max-instances",
				Usage:       "maximum instance count",
				DefaultText: "platform default",
				EnvVars:     []string{"RUN_DEPLOYER_MAX_INSTANCES"},
			},
			&cli.BoolFlag{
				Name:    "private",
				Usage:   "require authentication instead of allowing public access",
				EnvVars: []string{"RUN_DEPLOYER_PRIVATE"},
			},
			&cli.StringFlag{
				Name:        "context",
				Usage:       "docker build context",
				DefaultText: config.DefaultBuildContext,
				EnvVars:     []string{"RUN_DEPLOYER_BUILD_CONTEXT"},
			},
			&cli.StringFlag{
				Name:        "dockerfile",
				Usage:       "Dockerfile path, relative to the build context",
				DefaultText: config.DefaultDockerfile,
				EnvVars:     []string{"RUN_DEPLOYER_DOCKERFILE"},
			},
			&cli.StringFlag{
				Name:    "build-args",
				Usage:   "extra docker build arguments, shell quoted (e.g. \"--platform linux/amd64\")",
				EnvVars: []string{"RUN_DEPLOYER_BUILD_ARGS"},
			},
		},
		Action: func(c *cli.Context) error {
			return deployAction(c, logger, runner)
		},
	}
}

func deployAction(c *cli.Context, logger *zerolog.Logger, runner shell.Runner) error {
	env, err := newCommandEnv(c, logger, runner)
	if err != nil {
		return err
	}
	defer env.close()

	p, err := di.Get[*pipeline.Pipeline](env.container)
	if err != nil {
		return err
	}

	result, err := p.Run(env.ctx)
	if err != nil {
		if result != nil {
			logger.Error().Str("run_id", result.RunID).Msg("deploy stopped")
		}
		return err
	}

	action := "Updated"
	if result.Deploy.Created {
		action = "Created"
	}
	green := color.New(color.FgGreen, color.Bold).SprintFunc()

	w := c.App.Writer
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s service %s in %s\n", green("✓"), action, env.cfg.Service, env.cfg.Region)
	fmt.Fprintf(w, "  URL:      %s\n", result.Deploy.URL)
	fmt.Fprintf(w, "  Revision: %s\n", result.Deploy.Revision)
	fmt.Fprintf(w, "  Image:    %s\n", result.Image)
	if result.Digest != "" {
		fmt.Fprintf(w, "  Digest:   %s\n", result.Digest)
	}
	fmt.Fprintf(w, "  Run:      %s\n", result.RunID)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "View logs: %s logs --service %s --region %s\n", c.App.Name, env.cfg.Service, env.cfg.Region)
	return nil
}
