package platform

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/savaki/run-deployer/internal/config"
	deployerrors "github.com/savaki/run-deployer/internal/errors"
	"github.com/savaki/run-deployer/internal/shell"
	"github.com/savaki/run-deployer/internal/shell/shelltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRef         = "us-central1-docker.pkg.dev/voting-prod/image-voting/image-voting:latest"
	describePrefix  = "gcloud run services describe image-voting"
	testServiceJSON = `{
  "metadata": {"name": "image-voting"},
  "spec": {"template": {"spec": {"containers": [{"image": "us-central1-docker.pkg.dev/voting-prod/image-voting/image-voting:latest"}]}}},
  "status": {"url": "https://image-voting-abc123-uc.a.run.app", "latestReadyRevisionName": "image-voting-00002-xyz"}
}`
)

func testContext() context.Context {
	logger := zerolog.New(io.Discard)
	return logger.WithContext(context.Background())
}

func testDescriptor() config.Descriptor {
	return config.Descriptor{
		Project:     "voting-prod",
		Service:     "image-voting",
		Region:      "us-central1",
		Memory:      "512Mi",
		Concurrency: 8,
		Public:      true,
	}
}

func TestDeployArgs(t *testing.T) {
	desc := testDescriptor()
	assert.Equal(t, []string{
		"run", "deploy", "image-voting",
		"--image", testRef,
		"--project", "voting-prod",
		"--region", "us-central1",
		"--platform", "managed",
		"--memory", "512Mi",
		"--concurrency", "8",
		"--allow-unauthenticated",
		"--quiet",
	}, DeployArgs(desc, testRef))

	desc.Public = false
	desc.MaxInstances = 3
	args := DeployArgs(desc, testRef)
	assert.Contains(t, args, "--no-allow-unauthenticated")
	assert.NotContains(t, args, "--allow-unauthenticated")
	assert.Contains(t, args, "--max-instances")
}

func TestDescribe(t *testing.T) {
	runner := shelltest.New().On(describePrefix, shelltest.Response{Stdout: testServiceJSON})

	svc, err := NewDeployer(runner).Describe(testContext(), testDescriptor())
	require.NoError(t, err)
	assert.Equal(t, "image-voting", svc.Name)
	assert.Equal(t, "https://image-voting-abc123-uc.a.run.app", svc.URL)
	assert.Equal(t, "image-voting-00002-xyz", svc.Revision)
	assert.Equal(t, testRef, svc.Image)
}

func TestDescribe_NotFound(t *testing.T) {
	runner := shelltest.New().On(describePrefix, shelltest.Response{ExitCode: 1})

	_, err := NewDeployer(runner).Describe(testContext(), testDescriptor())
	assert.ErrorIs(t, err, deployerrors.ErrServiceNotFound)
}

func TestDeploy_CreatesWhenMissing(t *testing.T) {
	var deployed bool
	runner := shelltest.New().On(describePrefix, shelltest.Response{ExitCode: 1})
	runner.OnRun = func(cmd shell.Command) {
		// once the deploy has run, the service becomes visible
		if len(cmd.Args) > 1 && cmd.Args[1] == "deploy" && !deployed {
			deployed = true
			runner.On(describePrefix, shelltest.Response{Stdout: testServiceJSON})
		}
	}

	result, err := NewDeployer(runner).Deploy(testContext(), testDescriptor(), testRef)
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, "https://image-voting-abc123-uc.a.run.app", result.URL)
	assert.Equal(t, "image-voting-00002-xyz", result.Revision)

	assert.Len(t, runner.Find(describePrefix), 2)
	assert.Len(t, runner.Find("gcloud run deploy image-voting --image "+testRef), 1)
}

func TestDeploy_UpdatesExisting(t *testing.T) {
	runner := shelltest.New().On(describePrefix, shelltest.Response{Stdout: testServiceJSON})

	deployer := NewDeployer(runner)
	for i := 0; i < 2; i++ {
		result, err := deployer.Deploy(testContext(), testDescriptor(), testRef)
		require.NoError(t, err)
		assert.False(t, result.Created)
	}
	assert.Len(t, runner.Find("gcloud run deploy image-voting"), 2)
}

func TestDeploy_Failure(t *testing.T) {
	runner := shelltest.New().
		On(describePrefix, shelltest.Response{Stdout: testServiceJSON}).
		On("gcloud run deploy", shelltest.Response{ExitCode: 1})

	_, err := NewDeployer(runner).Deploy(testContext(), testDescriptor(), testRef)
	assert.ErrorIs(t, err, deployerrors.ErrDeployFailed)
}

func TestDeploy_DescribeUnavailable(t *testing.T) {
	runner := shelltest.New().On(describePrefix, shelltest.Response{Err: errors.New("gcloud: executable file not found")})

	_, err := NewDeployer(runner).Deploy(testContext(), testDescriptor(), testRef)
	assert.ErrorIs(t, err, deployerrors.ErrDeployFailed)
	assert.Empty(t, runner.Find("gcloud run deploy"))
}

func TestLogArgs(t *testing.T) {
	desc := testDescriptor()
	assert.Equal(t, []string{
		"run", "services", "logs", "read", "image-voting",
		"--project", "voting-prod",
		"--region", "us-central1",
		"--limit", "50",
	}, LogArgs(desc, LogOptions{}))

	assert.Contains(t, LogArgs(desc, LogOptions{Limit: 10}), "10")
	assert.Equal(t, []string{
		"beta", "run", "services", "logs", "tail", "image-voting",
		"--project", "voting-prod",
		"--region", "us-central1",
	}, LogArgs(desc, LogOptions{Follow: true}))
}

func TestReadLogs(t *testing.T) {
	runner := shelltest.New().
		On(describePrefix, shelltest.Response{Stdout: testServiceJSON}).
		On("gcloud run services logs read", shelltest.Response{Stdout: "2026-10-18 12:00:00 GET 200 /vote\n"})

	var out bytes.Buffer
	err := NewLogReader(runner).Read(testContext(), testDescriptor(), LogOptions{Limit: 20, Out: &out})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "GET 200 /vote")
	assert.Len(t, runner.Find("gcloud run services logs read image-voting"), 1)
}

func TestReadLogs_ServiceNotFound(t *testing.T) {
	runner := shelltest.New().On(describePrefix, shelltest.Response{ExitCode: 1})

	err := NewLogReader(runner).Read(testContext(), testDescriptor(), LogOptions{})
	assert.ErrorIs(t, err, deployerrors.ErrServiceNotFound)
	assert.Empty(t, runner.Find("gcloud run services logs"))
	assert.Empty(t, runner.Find("gcloud run deploy"))
}
