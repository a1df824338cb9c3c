package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
	deployerrors "github.com/savaki/run-deployer/internal/errors"
)

const (
	secretsManagerScheme = "secretsmanager://"
	fileScheme           = "file://"
)

// SecretGetter is the subset of the Secrets Manager client used here.
type SecretGetter interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type SecretsManagerService struct {
	client SecretGetter
}

func NewSecretsManagerService(ctx context.Context) (*SecretsManagerService, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SecretsManagerService{
		client: secretsmanager.NewFromConfig(cfg),
	}, nil
}

// NewSecretsManagerServiceWithClient is used by tests and callers that already hold a client.
func NewSecretsManagerServiceWithClient(client SecretGetter) *SecretsManagerService {
	return &SecretsManagerService{client: client}
}

// GetSecret retrieves a secret value by id from AWS Secrets Manager
func (s *SecretsManagerService) GetSecret(ctx context.Context, secretID string) (string, error) {
	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", secretID, err)
	}

	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", secretID)
	}

	return *result.SecretString, nil
}

// ServiceAccountKey holds the fields of a service account key document we care about.
type ServiceAccountKey struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	ClientEmail  string `json:"client_email"`
	ClientID     string `json:"client_id"`
}

// ParseServiceAccountKey checks that data is a JSON document with a client_email.
func ParseServiceAccountKey(data []byte) (*ServiceAccountKey, error) {
	var key ServiceAccountKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("%w: %v", deployerrors.ErrInvalidCredentials, err)
	}
	if strings.TrimSpace(key.ClientEmail) == "" {
		return nil, fmt.Errorf("%w: client_email is missing", deployerrors.ErrInvalidCredentials)
	}
	return &key, nil
}

// CredentialService fetches the credential document from a local file or Secrets Manager.
type CredentialService struct {
	newSecrets func(ctx context.Context) (*SecretsManagerService, error)
}

// NewCredentialService returns a CredentialService that only builds an AWS client when a
// secretsmanager:// source is used.
func NewCredentialService() *CredentialService {
	return &CredentialService{newSecrets: NewSecretsManagerService}
}

// NewCredentialServiceWithSecrets uses the provided Secrets Manager service.
func NewCredentialServiceWithSecrets(secrets *SecretsManagerService) *CredentialService {
	return &CredentialService{
		newSecrets: func(context.Context) (*SecretsManagerService, error) { return secrets, nil },
	}
}

// IsLocal reports whether source names a file on disk.
func IsLocal(source string) bool {
	return !strings.Contains(source, "://") || strings.HasPrefix(source, fileScheme)
}

// Fetch returns the raw credential document and the parsed key.
func (c *CredentialService) Fetch(ctx context.Context, source string) ([]byte, *ServiceAccountKey, error) {
	var data []byte

	switch {
	case strings.HasPrefix(source, secretsManagerScheme):
		secretID := strings.TrimPrefix(source, secretsManagerScheme)
		if secretID == "" {
			return nil, nil, fmt.Errorf("%w: empty secret id in %q", deployerrors.ErrSecretNotFound, source)
		}
		secrets, err := c.newSecrets(ctx)
		if err != nil {
			return nil, nil, err
		}
		value, err := secrets.GetSecret(ctx, secretID)
		if err != nil {
			var apiErr smithy.APIError
			if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ResourceNotFoundException" {
				return nil, nil, fmt.Errorf("%w: %v", deployerrors.ErrSecretNotFound, err)
			}
			return nil, nil, fmt.Errorf("failed to read credentials from %s: %w", source, err)
		}
		data = []byte(value)

	case IsLocal(source):
		path := strings.TrimPrefix(source, fileScheme)
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", deployerrors.ErrSecretNotFound, err)
		}
		data = raw

	default:
		return nil, nil, fmt.Errorf("%w: %q", deployerrors.ErrUnsupportedSource, source)
	}

	key, err := ParseServiceAccountKey(data)
	if err != nil {
		return nil, nil, err
	}
	return data, key, nil
}
