package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/savaki/run-deployer/internal/config"
	"github.com/savaki/run-deployer/internal/di"
	"github.com/savaki/run-deployer/internal/shell"
	"github.com/urfave/cli/v2"
)

// GlobalFlags are shared by every command. Values only override the config file when set on
// the command line or through their environment variable.
func GlobalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "YAML configuration file",
			Value:   config.DefaultConfigFile,
			EnvVars: []string{"RUN_DEPLOYER_CONFIG"},
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "GCP project id",
			DefaultText: "gcloud config get-value project",
			EnvVars:     []string{"RUN_DEPLOYER_PROJECT", "GOOGLE_CLOUD_PROJECT"},
		},
		&cli.StringFlag{
			Name:        "region",
			Usage:       "Cloud Run and Artifact Registry region",
			DefaultText: config.DefaultRegion,
			EnvVars:     []string{"RUN_DEPLOYER_REGION"},
		},
		&cli.StringFlag{
			Name:        "repository",
			Usage:       "Artifact Registry repository",
			DefaultText: config.DefaultRepository,
			EnvVars:     []string{"RUN_DEPLOYER_REPOSITORY"},
		},
		&cli.StringFlag{
			Name:        "service",
			Aliases:     []string{"s"},
			Usage:       "Cloud Run service name",
			DefaultText: config.DefaultService,
			EnvVars:     []string{"RUN_DEPLOYER_SERVICE"},
		},
		&cli.StringFlag{
			Name:        "credentials",
			Usage:       "service account key: a file path or secretsmanager://<secret-id>",
			DefaultText: config.DefaultCredentials,
			EnvVars:     []string{"RUN_DEPLOYER_CREDENTIALS"},
		},
		&cli.StringFlag{
			Name:        "history-db",
			Usage:       "SQLite file recording deploy runs",
			DefaultText: config.DefaultHistoryDB,
			EnvVars:     []string{"RUN_DEPLOYER_HISTORY_DB"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "debug, info, warn or error",
			Value:   "info",
			EnvVars: []string{"RUN_DEPLOYER_LOG_LEVEL"},
		},
	}
}

// loadConfig resolves the configuration once: built-in defaults, then the YAML file, then flags
// and environment variables. The project falls back to the gcloud default.
func loadConfig(ctx context.Context, c *cli.Context, runner shell.Runner) (config.Config, error) {
	cfg := config.Defaults()

	file, err := config.LoadFile(c.String("config"), !c.IsSet("config"))
	if err != nil {
		return cfg, err
	}
	cfg = cfg.Merge(file).Merge(flagOverrides(c))

	if cfg.Project == "" {
		project, err := config.ResolveProject(ctx, runner)
		if err != nil {
			return cfg, err
		}
		cfg.Project = project
	}

	zerolog.Ctx(ctx).Debug().
		Str("project", cfg.Project).
		Str("region", cfg.Region).
		Str("service", cfg.Service).
		Msg("configuration resolved")

	return cfg, cfg.Validate()
}

func flagOverrides(c *cli.Context) config.Config {
	var override config.Config
	set := func(dst *string, name string) {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	setInt := func(dst *int, name string) {
		if c.IsSet(name) {
			*dst = c.Int(name)
		}
	}

	set(&override.Project, "project")
	set(&override.Region, "region")
	set(&override.Repository, "repository")
	set(&override.Service, "service")
	set(&override.CredentialsSource, "credentials")
	set(&override.HistoryDB, "history-db")

	// deploy only
	set(&override.Tag, "tag")
	set(&override.Memory, "memory")
	setInt(&override.Concurrency, "concurrency")
	setInt(&override.MaxInstances, "max-instances")
	set(&override.BuildContext, "context")
	set(&override.Dockerfile, "dockerfile")
	set(&override.BuildArgs, "build-args")
	if c.IsSet("private") {
		override.Visibility = config.VisibilityPublic
		if c.Bool("private") {
			override.Visibility = config.VisibilityPrivate
		}
	}
	return override
}

// commandEnv is the per-invocation context shared by every command action.
type commandEnv struct {
	ctx       context.Context
	cfg       config.Config
	container di.Container
}

// containerOptions are appended to the options of every command's container.
var containerOptions []di.Option

func newCommandEnv(c *cli.Context, logger *zerolog.Logger, runner shell.Runner) (*commandEnv, error) {
	if err := di.SetLevel(logger, c.String("log-level")); err != nil {
		return nil, err
	}
	ctx := logger.WithContext(c.Context)

	cfg, err := loadConfig(ctx, c, runner)
	if err != nil {
		return nil, err
	}

	opts := append([]di.Option{di.WithRunner(runner)}, containerOptions...)
	container, err := di.New(ctx, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	return &commandEnv{ctx: ctx, cfg: cfg, container: container}, nil
}

func (e *commandEnv) close() {
	if err := di.MustGet[*di.Cleanup](e.container).Close(); err != nil {
		zerolog.Ctx(e.ctx).Warn().Err(err).Msg("failed to close resources")
	}
}
