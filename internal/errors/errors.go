package errors

import "errors"

var (
	ErrProjectNotSet       = errors.New("no project configured; pass --project or run 'gcloud config set project'")
	ErrSecretNotFound      = errors.New("credential source not found")
	ErrStagedSecretExists  = errors.New("a file already exists at the staged credential path")
	ErrInvalidCredentials  = errors.New("credential document is not a service account key")
	ErrDockerfileContract  = errors.New("Dockerfile does not satisfy the runtime contract")
	ErrBuildFailed         = errors.New("image build failed")
	ErrPushFailed          = errors.New("image push failed")
	ErrDeployFailed        = errors.New("service deploy failed")
	ErrServiceNotFound     = errors.New("service not found or permission denied")
	ErrInvalidImageRef     = errors.New("invalid image reference")
	ErrInvalidConfig       = errors.New("invalid configuration")
	ErrUnsupportedSource   = errors.New("unsupported source scheme")
	ErrMissingAppParameter = errors.New("application parameter missing")
	ErrRunNotFound         = errors.New("deployment run not found")
	ErrPolicyViolation     = errors.New("deployment violates policy")
)
