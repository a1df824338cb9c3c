// Package platform drives Cloud Run: deploying the service and reading its logs.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/savaki/run-deployer/internal/config"
	deployerrors "github.com/savaki/run-deployer/internal/errors"
	"github.com/savaki/run-deployer/internal/shell"
)

// Service is the subset of a Cloud Run service description we use.
type Service struct {
	Name     string
	URL      string
	Revision string
	Image    string
}

type serviceJSON struct {
	Metadata struct {
		Name string `json:"name"`
	} `json:"metadata"`
	Spec struct {
		Template struct {
			Spec struct {
				Containers []struct {
					Image string `json:"image"`
				} `json:"containers"`
			} `json:"spec"`
		} `json:"template"`
	} `json:"spec"`
	Status struct {
		URL                     string `json:"url"`
		LatestReadyRevisionName string `json:"latestReadyRevisionName"`
	} `json:"status"`
}

// DeployResult reports what a deploy did.
type DeployResult struct {
	Created  bool // false when an existing service was updated in place
	URL      string
	Revision string
}

// Deployer runs services on Cloud Run through gcloud.
type Deployer struct {
	runner shell.Runner
}

func NewDeployer(runner shell.Runner) *Deployer {
	return &Deployer{runner: runner}
}

// Describe returns the named service or ErrServiceNotFound when gcloud cannot read it,
// which covers both a missing service and missing permission.
func (d *Deployer) Describe(ctx context.Context, desc config.Descriptor) (*Service, error) {
	var (
		out    bytes.Buffer
		stderr bytes.Buffer
	)
	err := d.runner.Run(ctx, shell.Command{
		Name: "gcloud",
		Args: []string{
			"run", "services", "describe", desc.Service,
			"--project", desc.Project,
			"--region", desc.Region,
			"--platform", "managed",
			"--format", "json",
		},
		Stdout: &out,
		Stderr: &stderr,
	})
	if err != nil {
		if shell.ExitCode(err) > 0 {
			return nil, fmt.Errorf("%w: %s in %s/%s: %s", deployerrors.ErrServiceNotFound, desc.Service, desc.Project, desc.Region, bytes.TrimSpace(stderr.Bytes()))
		}
		return nil, err
	}

	var raw serviceJSON
	if err := json.Unmarshal(out.Bytes(), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse service description: %w", err)
	}

	svc := &Service{
		Name:     raw.Metadata.Name,
		URL:      raw.Status.URL,
		Revision: raw.Status.LatestReadyRevisionName,
	}
	if containers := raw.Spec.Template.Spec.Containers; len(containers) > 0 {
		svc.Image = containers[0].Image
	}
	return svc, nil
}

// Deploy runs reference as the named service. An existing service is updated in place, so
// deploying twice never yields two services. On failure the previous revision keeps serving.
func (d *Deployer) Deploy(ctx context.Context, desc config.Descriptor, reference string) (*DeployResult, error) {
	logger := zerolog.Ctx(ctx).With().
		Str("service", desc.Service).
		Str("region", desc.Region).
		Str("image", reference).
		Logger()

	existing, err := d.Describe(ctx, desc)
	switch {
	case err == nil:
		logger.Info().Str("revision", existing.Revision).Msg("updating existing service")
	case errors.Is(err, deployerrors.ErrServiceNotFound):
		logger.Info().Msg("creating new service")
	default:
		return nil, fmt.Errorf("%w: %w", deployerrors.ErrDeployFailed, err)
	}

	if err := d.runner.Run(ctx, shell.Command{Name: "gcloud", Args: DeployArgs(desc, reference)}); err != nil {
		return nil, fmt.Errorf("%w: %w", deployerrors.ErrDeployFailed, err)
	}

	result := &DeployResult{Created: existing == nil}
	if svc, err := d.Describe(ctx, desc); err != nil {
		logger.Warn().Err(err).Msg("deployed but failed to read service status")
	} else {
		result.URL = svc.URL
		result.Revision = svc.Revision
	}
	return result, nil
}

// DeployArgs returns the gcloud arguments for deploying reference.
func DeployArgs(desc config.Descriptor, reference string) []string {
	args := []string{
		"run", "deploy", desc.Service,
		"--image", reference,
		"--project", desc.Project,
		"--region", desc.Region,
		"--platform", "managed",
		"--memory", desc.Memory,
		"--concurrency", strconv.Itoa(desc.Concurrency),
	}
	if desc.MaxInstances > 0 {
		args = append(args, "--max-instances", strconv.Itoa(desc.MaxInstances))
	}
	if desc.Public {
		args = append(args, "--allow-unauthenticated")
	} else {
		args = append(args, "--no-allow-unauthenticated")
	}
	return append(args, "--quiet")
}
