package di

import (
	"github.com/savaki/run-deployer/internal/config"
	"github.com/savaki/run-deployer/internal/image"
	"github.com/savaki/run-deployer/internal/pipeline"
	"github.com/savaki/run-deployer/internal/platform"
	"github.com/savaki/run-deployer/internal/policy"
	"github.com/savaki/run-deployer/internal/registry"
	"github.com/savaki/run-deployer/internal/services"
	"github.com/savaki/run-deployer/internal/setup"
	"github.com/savaki/run-deployer/internal/shell"
)

// ProvidePublisher returns a provider for the image publisher. A nil head resolves digests
// against the live registry.
func ProvidePublisher(head registry.HeadFunc) func(runner shell.Runner) *registry.Publisher {
	return func(runner shell.Runner) *registry.Publisher {
		if head == nil {
			return registry.NewPublisher(runner)
		}
		return registry.NewPublisherWithHead(runner, head)
	}
}

// ProvideRunner returns a provider for the process runner, defaulting to os/exec.
func ProvideRunner(runner shell.Runner) func() shell.Runner {
	return func() shell.Runner {
		if runner != nil {
			return runner
		}
		return shell.NewExecRunner()
	}
}

func ProvidePipeline(
	cfg config.Config,
	creds *services.CredentialService,
	builder *image.Builder,
	publisher *registry.Publisher,
	deployer *platform.Deployer,
	history pipeline.HistoryRecorder,
	validator *policy.Validator,
) *pipeline.Pipeline {
	return pipeline.New(cfg, creds, builder, publisher, deployer, history).WithPolicy(validator)
}

func ProvideSetup(
	cfg config.Config,
	creds *services.CredentialService,
	newParams setup.ParameterStoreFactory,
	repos *registry.RepositoryService,
) *setup.Setup {
	return setup.New(cfg, creds, newParams, repos)
}
