package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	deployerrors "github.com/savaki/run-deployer/internal/errors"
	"github.com/savaki/run-deployer/internal/shell/shelltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Project = "voting-prod"
	return cfg
}

func TestImageReference(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "defaults",
			cfg:  validConfig(),
			want: "us-central1-docker.pkg.dev/voting-prod/image-voting/image-voting:latest",
		},
		{
			name: "custom",
			cfg: Config{
				Project:    "p1",
				Region:     "asia-northeast1",
				Repository: "apps",
				Service:    "vote",
				Tag:        "v2",
			},
			want: "asia-northeast1-docker.pkg.dev/p1/apps/vote:v2",
		},
		{
			name: "empty tag falls back to latest",
			cfg:  Config{Project: "p1", Region: "europe-west1", Repository: "r", Service: "s"},
			want: "europe-west1-docker.pkg.dev/p1/r/s:latest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.ImageReference())
		})
	}
}

func TestImageReference_Deterministic(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, cfg.ImageReference(), cfg.ImageReference())
}

func TestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("collects every problem", func(t *testing.T) {
		cfg := validConfig()
		cfg.Project = ""
		cfg.Memory = "lots"
		cfg.Concurrency = 0
		cfg.Visibility = "internal"
		cfg.StagedSecret = "../outside.json"
		cfg.SecretImagePath = "relative/path.json"

		err := cfg.Validate()
		require.Error(t, err)
		assert.True(t, errors.Is(err, deployerrors.ErrInvalidConfig))
		for _, want := range []string{`"project" missing`, "memory", "concurrency", "visibility", "staged_secret", "secret_image_path"} {
			assert.Contains(t, err.Error(), want)
		}
	})
}

func TestValidate_SourceIsStagedPath(t *testing.T) {
	cfg := validConfig()
	cfg.BuildContext = "."
	cfg.StagedSecret = "credentials.json"
	cfg.CredentialsSource = "./credentials.json"

	err := cfg.Validate()
	assert.ErrorIs(t, err, deployerrors.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "credentials_source")

	cfg.CredentialsSource = "file://credentials.json"
	assert.Error(t, cfg.Validate())

	cfg.CredentialsSource = "secretsmanager://voting/credentials"
	assert.NoError(t, cfg.Validate())
}

func TestMerge(t *testing.T) {
	base := Defaults()
	merged := base.Merge(Config{Project: "p2", Concurrency: 4, Memory: "1Gi"})

	assert.Equal(t, "p2", merged.Project)
	assert.Equal(t, 4, merged.Concurrency)
	assert.Equal(t, "1Gi", merged.Memory)
	assert.Equal(t, DefaultService, merged.Service)
	assert.Equal(t, DefaultRegion, merged.Region)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing optional", func(t *testing.T) {
		cfg, err := LoadFile(filepath.Join(dir, "nope.yaml"), true)
		require.NoError(t, err)
		assert.Equal(t, Config{}, cfg)
	})

	t.Run("missing required", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(dir, "nope.yaml"), false)
		assert.Error(t, err)
	})

	t.Run("valid", func(t *testing.T) {
		path := filepath.Join(dir, "deployer.yaml")
		content := "project: voting-dev\nregion: asia-northeast1\nconcurrency: 16\nvisibility: private\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		cfg, err := LoadFile(path, false)
		require.NoError(t, err)
		assert.Equal(t, "voting-dev", cfg.Project)
		assert.Equal(t, "asia-northeast1", cfg.Region)
		assert.Equal(t, 16, cfg.Concurrency)
		assert.Equal(t, VisibilityPrivate, cfg.Visibility)
	})

	t.Run("unknown field", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("projekt: typo\n"), 0o644))
		_, err := LoadFile(path, false)
		assert.Error(t, err)
	})

	t.Run("empty", func(t *testing.T) {
		path := filepath.Join(dir, "empty.yaml")
		require.NoError(t, os.WriteFile(path, nil, 0o644))
		cfg, err := LoadFile(path, false)
		require.NoError(t, err)
		assert.Equal(t, Config{}, cfg)
	})
}

func TestDescriptor(t *testing.T) {
	cfg := validConfig()
	d := cfg.Descriptor()
	assert.Equal(t, "image-voting", d.Service)
	assert.Equal(t, "voting-prod", d.Project)
	assert.True(t, d.Public)

	cfg.Visibility = VisibilityPrivate
	assert.False(t, cfg.Descriptor().Public)
}

func TestResolveProject(t *testing.T) {
	ctx := context.Background()

	t.Run("set", func(t *testing.T) {
		runner := shelltest.New().On("gcloud config get-value project", shelltest.Response{Stdout: "voting-prod\n"})
		project, err := ResolveProject(ctx, runner)
		require.NoError(t, err)
		assert.Equal(t, "voting-prod", project)
	})

	t.Run("unset", func(t *testing.T) {
		runner := shelltest.New().On("gcloud config get-value project", shelltest.Response{Stdout: "(unset)\n"})
		_, err := ResolveProject(ctx, runner)
		assert.ErrorIs(t, err, deployerrors.ErrProjectNotSet)
	})

	t.Run("gcloud fails", func(t *testing.T) {
		runner := shelltest.New().On("gcloud config", shelltest.Response{ExitCode: 1})
		_, err := ResolveProject(ctx, runner)
		assert.ErrorIs(t, err, deployerrors.ErrProjectNotSet)
	})
}
