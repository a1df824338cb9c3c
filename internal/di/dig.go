// Package di provides a lightweight wrapper around uber's dig dependency injection framework.
// It simplifies container setup and provides type-safe dependency retrieval with generics.
package di

import (
	"context"

	"github.com/savaki/run-deployer/internal/config"
	"github.com/savaki/run-deployer/internal/image"
	"github.com/savaki/run-deployer/internal/platform"
	"github.com/savaki/run-deployer/internal/policy"
	"github.com/savaki/run-deployer/internal/registry"
	"github.com/savaki/run-deployer/internal/services"
	"go.uber.org/dig"
)

// Container defines a dependency injection container based on uber's dig.
// This interface allows for easy testing and mocking of the DI container.
type Container interface {
	// Invoke executes a function, injecting its dependencies from the container.
	Invoke(function any, opts ...dig.InvokeOption) error

	// Provide registers a constructor function in the container.
	Provide(constructor any, opts ...dig.ProvideOption) error

	// Scope creates a scoped sub-container with its own set of values.
	Scope(name string, opts ...dig.ScopeOption) *dig.Scope
}

// MustGet returns an instance constructed via dependency injection or panics.
// This is a convenience function for retrieving a dependency from the container
// when you're certain it exists. If the dependency cannot be resolved, it will panic.
//
// Example:
//
//	p := MustGet[*pipeline.Pipeline](container)
func MustGet[T any](container Container) (want T) {
	callback := func(got T) {
		want = got
	}
	if err := container.Invoke(callback); err != nil {
		panic(err)
	}
	return want
}

// Get is MustGet returning the resolution error instead of panicking.
func Get[T any](container Container) (want T, err error) {
	err = container.Invoke(func(got T) {
		want = got
	})
	return want, err
}

// New creates a new dependency injection container for one command invocation.
// The context and the resolved configuration are registered so that providers can
// declare them as regular parameters.
//
// Example:
//
//	container, err := New(ctx, cfg,
//	    WithProviders(
//	        func(cfg config.Config) *Thing { return &Thing{Service: cfg.Service} },
//	    ),
//	)
func New(ctx context.Context, cfg config.Config, opts ...Option) (Container, error) {
	// Build options
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	// Create dig container
	container := dig.New()
	if err := container.Provide(func() context.Context { return ctx }); err != nil {
		return nil, err
	}
	if err := container.Provide(func() config.Config { return cfg }); err != nil {
		return nil, err
	}
	if err := container.Provide(func() *Cleanup { return &Cleanup{} }); err != nil {
		return nil, err
	}
	if err := container.Provide(ProvideRunner(o.runner)); err != nil {
		return nil, err
	}
	if err := container.Provide(ProvidePublisher(o.head)); err != nil {
		return nil, err
	}

	// Register all provided constructors
	for _, provider := range core {
		if err := container.Provide(provider); err != nil {
			return nil, err
		}
	}

	// Register all provided constructors
	for _, provider := range o.providers {
		if err := container.Provide(provider); err != nil {
			return nil, err
		}
	}

	return container, nil
}

var core = []any{
	ProvideHistoryDAO,
	ProvideHistoryRecorder,
	ProvideParameterStoreFactory,
	ProvidePipeline,
	ProvideSetup,
	services.NewCredentialService,
	image.NewBuilder,
	registry.NewRepositoryService,
	platform.NewDeployer,
	platform.NewLogReader,
	policy.NewValidator,
}
