package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/savaki/run-deployer/internal/shell"
)

// RepositoryInfo describes an Artifact Registry repository.
type RepositoryInfo struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	// Created is true when EnsureRepository had to create the repository.
	Created bool `json:"-"`
}

// RepositoryService manages Artifact Registry docker repositories through gcloud.
type RepositoryService struct {
	runner shell.Runner
}

func NewRepositoryService(runner shell.Runner) *RepositoryService {
	return &RepositoryService{runner: runner}
}

// Describe returns the repository, or nil when it does not exist or cannot be read.
func (s *RepositoryService) Describe(ctx context.Context, project, region, repository string) (*RepositoryInfo, error) {
	var out bytes.Buffer
	err := s.runner.Run(ctx, shell.Command{
		Name: "gcloud",
		Args: []string{
			"artifacts", "repositories", "describe", repository,
			"--project", project,
			"--location", region,
			"--format", "json",
		},
		Stdout: &out,
		Stderr: &bytes.Buffer{},
	})
	if err != nil {
		if shell.ExitCode(err) > 0 {
			return nil, nil
		}
		return nil, err
	}

	var info RepositoryInfo
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		return nil, fmt.Errorf("failed to parse repository description: %w", err)
	}
	return &info, nil
}

// EnsureRepository creates the docker repository unless it already exists. It is idempotent.
func (s *RepositoryService) EnsureRepository(ctx context.Context, project, region, repository string) (*RepositoryInfo, error) {
	logger := zerolog.Ctx(ctx).With().
		Str("project", project).
		Str("region", region).
		Str("repository", repository).
		Logger()

	existing, err := s.Describe(ctx, project, region, repository)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		logger.Info().Msg("artifact registry repository already exists")
		return existing, nil
	}

	logger.Info().Msg("creating artifact registry repository")
	err = s.runner.Run(ctx, shell.Command{
		Name: "gcloud",
		Args: []string{
			"artifacts", "repositories", "create", repository,
			"--project", project,
			"--location", region,
			"--repository-format", "docker",
			"--description", "Container images managed by run-deployer",
			"--quiet",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create repository %s: %w", repository, err)
	}

	return &RepositoryInfo{
		Name:    fmt.Sprintf("projects/%s/locations/%s/repositories/%s", project, region, repository),
		Format:  "DOCKER",
		Created: true,
	}, nil
}

// ConfigureDocker registers gcloud as docker's credential helper for host.
func (s *RepositoryService) ConfigureDocker(ctx context.Context, host string) error {
	err := s.runner.Run(ctx, shell.Command{
		Name: "gcloud",
		Args: []string{"auth", "configure-docker", host, "--quiet"},
	})
	if err != nil {
		return fmt.Errorf("failed to configure docker credentials for %s: %w", host, err)
	}
	return nil
}
