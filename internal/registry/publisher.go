// Package registry publishes built images to Artifact Registry.
package registry

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/google"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/rs/zerolog"
	"github.com/savaki/run-deployer/internal/errors"
	"github.com/savaki/run-deployer/internal/shell"
)

// HeadFunc resolves the descriptor of a remote image.
type HeadFunc func(ctx context.Context, ref name.Reference) (*v1.Descriptor, error)

// Publisher pushes images with docker and inspects them with go-containerregistry.
type Publisher struct {
	runner shell.Runner
	head   HeadFunc
}

// NewPublisher returns a Publisher that pushes through runner and resolves digests against
// the registry using the docker config and gcloud credentials.
func NewPublisher(runner shell.Runner) *Publisher {
	return NewPublisherWithHead(runner, remoteHead)
}

// NewPublisherWithHead lets tests replace the registry lookup.
func NewPublisherWithHead(runner shell.Runner, head HeadFunc) *Publisher {
	return &Publisher{runner: runner, head: head}
}

// ParseReference validates a fully qualified tagged reference.
func ParseReference(reference string) (name.Tag, error) {
	tag, err := name.NewTag(reference, name.StrictValidation)
	if err != nil {
		return name.Tag{}, fmt.Errorf("%w: %v", errors.ErrInvalidImageRef, err)
	}
	return tag, nil
}

// Push pushes exactly reference. The local image is never removed, so a failed push can be
// retried by hand. There is no automatic retry.
func (p *Publisher) Push(ctx context.Context, reference string) error {
	if _, err := ParseReference(reference); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().Str("image", reference).Msg("pushing image")

	if err := p.runner.Run(ctx, shell.Command{Name: "docker", Args: []string{"push", reference}}); err != nil {
		return fmt.Errorf("%w: %w", errors.ErrPushFailed, err)
	}
	return nil
}

// Digest returns the manifest digest the registry holds for reference.
func (p *Publisher) Digest(ctx context.Context, reference string) (string, error) {
	tag, err := ParseReference(reference)
	if err != nil {
		return "", err
	}
	desc, err := p.head(ctx, tag)
	if err != nil {
		return "", fmt.Errorf("failed to resolve digest for %s: %w", reference, err)
	}
	return desc.Digest.String(), nil
}

func remoteHead(ctx context.Context, ref name.Reference) (*v1.Descriptor, error) {
	keychain := authn.NewMultiKeychain(authn.DefaultKeychain, google.Keychain)
	return remote.Head(ref, remote.WithContext(ctx), remote.WithAuthFromKeychain(keychain))
}
