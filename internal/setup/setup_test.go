package setup

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/savaki/run-deployer/internal/config"
	"github.com/savaki/run-deployer/internal/errors"
	"github.com/savaki/run-deployer/internal/image"
	"github.com/savaki/run-deployer/internal/registry"
	"github.com/savaki/run-deployer/internal/secret"
	"github.com/savaki/run-deployer/internal/services"
	"github.com/savaki/run-deployer/internal/shell/shelltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const credentialJSON = `{"type":"service_account","project_id":"voting-prod","client_email":"deployer@voting-prod.iam.gserviceaccount.com"}`

func testContext() context.Context {
	logger := zerolog.New(io.Discard)
	return logger.WithContext(context.Background())
}

func setAppEnv(t *testing.T, bucket, sheets, team string) {
	t.Setenv("GCS_BUCKET_NAME", bucket)
	t.Setenv("GOOGLE_SHEETS_ID", sheets)
	t.Setenv("TEAM_SHEETS_ID", team)
}

type fixture struct {
	dir    string
	cfg    config.Config
	runner *shelltest.Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Defaults()
	cfg.Project = "voting-prod"
	cfg.BuildContext = dir
	cfg.HistoryDB = filepath.Join(dir, ".run-deployer", "history.db")
	cfg.CredentialsSource = filepath.Join(dir, ".run-deployer", "credentials.json")

	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.CredentialsSource), 0o755))
	require.NoError(t, os.WriteFile(cfg.CredentialsSource, []byte(credentialJSON), 0o600))

	return &fixture{
		dir:    dir,
		cfg:    cfg,
		runner: shelltest.New().On("gcloud artifacts repositories describe", shelltest.Response{ExitCode: 1}),
	}
}

func (f *fixture) setup() *Setup {
	return New(f.cfg, services.NewCredentialService(), services.NewParameterStore, registry.NewRepositoryService(f.runner))
}

func TestRun(t *testing.T) {
	setAppEnv(t, "voting-images", "sheet-123", "team-sheet-456")
	f := newFixture(t)

	report, err := f.setup().Run(testContext(), Options{})
	require.NoError(t, err)

	assert.Equal(t, "deployer@voting-prod.iam.gserviceaccount.com", report.ClientEmail)

	assert.True(t, report.EnvWritten)
	env, err := os.ReadFile(filepath.Join(f.dir, ".env"))
	require.NoError(t, err)
	assert.Equal(t, "GCS_BUCKET_NAME=voting-images\n"+
		"GOOGLE_APPLICATION_CREDENTIALS=.run-deployer/credentials.json\n"+
		"GOOGLE_SHEETS_ID=sheet-123\n"+
		"TEAM_SHEETS_ID=team-sheet-456\n", string(env))

	assert.Equal(t, []string{"credentials.json", ".env", ".run-deployer"}, report.GitIgnored)
	assert.Equal(t, []string{".run-deployer"}, report.DockerIgnored)

	policy, err := secret.CheckPolicy(f.dir, f.dir, f.cfg.StagedSecretPath())
	require.NoError(t, err)
	assert.True(t, policy.OK())

	assert.True(t, report.DockerfileWritten)
	assert.NoError(t, image.VerifyFile(f.cfg.DockerfilePath(), image.Contract{CredentialsPath: f.cfg.SecretImagePath}))

	require.NotNil(t, report.Repository)
	assert.True(t, report.Repository.Created)
	assert.Len(t, f.runner.Find("gcloud artifacts repositories create image-voting"), 1)
	assert.Len(t, f.runner.Find("gcloud auth configure-docker us-central1-docker.pkg.dev"), 1)
}

func TestRun_EnvCredentialsOutsideContext(t *testing.T) {
	setAppEnv(t, "voting-images", "sheet-123", "team-sheet-456")
	f := newFixture(t)

	outside := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(outside, []byte(credentialJSON), 0o600))
	f.cfg.CredentialsSource = "file://" + outside

	_, err := f.setup().Run(testContext(), Options{SkipRegistry: true})
	require.NoError(t, err)

	env, err := os.ReadFile(filepath.Join(f.dir, ".env"))
	require.NoError(t, err)
	assert.Contains(t, string(env), "GOOGLE_APPLICATION_CREDENTIALS="+outside+"\n")
}

func TestRun_Idempotent(t *testing.T) {
	setAppEnv(t, "voting-images", "sheet-123", "team-sheet-456")
	f := newFixture(t)

	_, err := f.setup().Run(testContext(), Options{SkipRegistry: true})
	require.NoError(t, err)

	gitignore, err := os.ReadFile(filepath.Join(f.dir, ".gitignore"))
	require.NoError(t, err)

	report, err := f.setup().Run(testContext(), Options{SkipRegistry: true})
	require.NoError(t, err)
	assert.False(t, report.EnvWritten)
	assert.Empty(t, report.GitIgnored)
	assert.Empty(t, report.DockerIgnored)
	assert.False(t, report.DockerfileWritten)

	again, err := os.ReadFile(filepath.Join(f.dir, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, string(gitignore), string(again))
}

func TestRun_KeepsExistingFiles(t *testing.T) {
	setAppEnv(t, "voting-images", "sheet-123", "team-sheet-456")
	f := newFixture(t)

	custom := "FROM python:3.11\n"
	require.NoError(t, os.WriteFile(f.cfg.DockerfilePath(), []byte(custom), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, ".env"), []byte("GCS_BUCKET_NAME=mine\n"), 0o600))

	report, err := f.setup().Run(testContext(), Options{SkipRegistry: true})
	require.NoError(t, err)
	assert.False(t, report.DockerfileWritten)
	assert.False(t, report.EnvWritten)

	data, err := os.ReadFile(f.cfg.DockerfilePath())
	require.NoError(t, err)
	assert.Equal(t, custom, string(data))

	report, err = f.setup().Run(testContext(), Options{SkipRegistry: true, Force: true})
	require.NoError(t, err)
	assert.True(t, report.EnvWritten)
}

func TestRun_MissingAppParameter(t *testing.T) {
	setAppEnv(t, "voting-images", "", "")
	f := newFixture(t)

	_, err := f.setup().Run(testContext(), Options{SkipRegistry: true})
	assert.ErrorIs(t, err, errors.ErrMissingAppParameter)
	assert.Contains(t, err.Error(), "GOOGLE_SHEETS_ID")
	assert.Contains(t, err.Error(), "TEAM_SHEETS_ID")

	_, statErr := os.Stat(filepath.Join(f.dir, ".env"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRun_UnsupportedParameterSource(t *testing.T) {
	f := newFixture(t)

	_, err := f.setup().Run(testContext(), Options{ParameterSource: "vault://secret/app", SkipRegistry: true})
	assert.ErrorIs(t, err, errors.ErrUnsupportedSource)
}

func TestRun_InvalidCredentials(t *testing.T) {
	setAppEnv(t, "voting-images", "sheet-123", "team-sheet-456")
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.cfg.CredentialsSource, []byte(`{"type":"service_account"}`), 0o600))

	_, err := f.setup().Run(testContext(), Options{})
	assert.ErrorIs(t, err, errors.ErrInvalidCredentials)
	assert.Empty(t, f.runner.Commands)

	_, statErr := os.Stat(filepath.Join(f.dir, ".env"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRun_RegistryFailure(t *testing.T) {
	setAppEnv(t, "voting-images", "sheet-123", "team-sheet-456")
	f := newFixture(t)
	f.runner.On("gcloud artifacts repositories create", shelltest.Response{ExitCode: 1})

	report, err := f.setup().Run(testContext(), Options{})
	assert.Error(t, err)
	assert.True(t, report.DockerfileWritten)
	assert.Empty(t, f.runner.Find("gcloud auth configure-docker"))
}

func TestRenderEnv(t *testing.T) {
	out := renderEnv(map[string]string{
		"B": "plain",
		"A": "has space",
	})
	assert.Equal(t, "A=\"has space\"\nB=plain\n", string(out))
}
