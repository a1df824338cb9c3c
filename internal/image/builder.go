// Package image builds the application container image.
package image

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/savaki/run-deployer/internal/errors"
	"github.com/savaki/run-deployer/internal/shell"
)

// BuildInput describes one image build.
type BuildInput struct {
	Reference  string   // tag applied to the built image
	ContextDir string   // docker build context
	Dockerfile string   // path to the Dockerfile
	ExtraArgs  []string // additional docker build arguments
}

// Builder runs docker build.
type Builder struct {
	runner shell.Runner
}

// NewBuilder creates a Builder that runs docker through runner.
func NewBuilder(runner shell.Runner) *Builder {
	return &Builder{runner: runner}
}

// Build builds and tags the image. A nonzero docker exit returns ErrBuildFailed.
func (b *Builder) Build(ctx context.Context, input BuildInput) error {
	args := []string{"build", "-t", input.Reference}
	if input.Dockerfile != "" {
		args = append(args, "-f", input.Dockerfile)
	}
	args = append(args, input.ExtraArgs...)
	args = append(args, input.ContextDir)

	zerolog.Ctx(ctx).Info().
		Str("image", input.Reference).
		Str("context", input.ContextDir).
		Msg("building image")

	if err := b.runner.Run(ctx, shell.Command{Name: "docker", Args: args}); err != nil {
		return fmt.Errorf("%w: %w", errors.ErrBuildFailed, err)
	}
	return nil
}
