package di

import (
	"github.com/savaki/run-deployer/internal/registry"
	"github.com/savaki/run-deployer/internal/shell"
)

// Option is a function that configures the dependency injection container.
type Option func(*options)

// WithRunner replaces the process runner every tool wrapper uses.
func WithRunner(runner shell.Runner) Option {
	return func(opts *options) {
		opts.runner = runner
	}
}

// WithDigestLookup replaces the registry lookup the publisher uses to resolve pushed digests.
func WithDigestLookup(head registry.HeadFunc) Option {
	return func(opts *options) {
		opts.head = head
	}
}

// WithProviders adds constructor functions to the dependency injection container.
// Each provider should be a constructor function that returns one or more values.
// Providers can declare dependencies as function parameters, which will be
// automatically resolved by the container.
//
// Example:
//
//	WithProviders(
//	    func() *Database { return &Database{} },
//	    func(db *Database) *Service { return &Service{DB: db} },
//	)
func WithProviders(providers ...any) Option {
	return func(opts *options) {
		opts.providers = append(opts.providers, providers...)
	}
}

type options struct {
	runner    shell.Runner
	head      registry.HeadFunc
	providers []any
}
